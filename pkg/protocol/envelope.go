package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Action tags an inbound envelope.
type Action string

const (
	ActionPresence      Action = "presence"
	ActionMessage       Action = "message"
	ActionExit          Action = "exit"
	ActionGetContacts   Action = "get_contacts"
	ActionAddContact    Action = "add"
	ActionRemoveContact Action = "remove"
	ActionUsersRequest  Action = "get_users"
)

// Response codes
const (
	StatusOK         = 200
	StatusAccepted   = 202
	StatusBadRequest = 400
)

var (
	ErrDecode          = errors.New("decode error")
	ErrMalformed       = fmt.Errorf("%w: not valid JSON", ErrDecode)
	ErrNotObject       = fmt.Errorf("%w: top-level value is not an object", ErrDecode)
	ErrUnknownAction   = fmt.Errorf("%w: missing or unrecognized action", ErrDecode)
	ErrInvalidEnvelope = fmt.Errorf("%w: invalid envelope", ErrDecode)
)

var validate = validator.New()

// Keys that must be present for each action, checked before the typed decode
// so that a zero value is never mistaken for a sent one.
var requiredKeys = map[Action][]string{
	ActionPresence:      {"time", "user"},
	ActionMessage:       {"from", "to", "time", "mess_text"},
	ActionExit:          {"account_name"},
	ActionGetContacts:   {"user"},
	ActionAddContact:    {"user", "account_name"},
	ActionRemoveContact: {"user", "account_name"},
	ActionUsersRequest:  {"account_name"},
}

// Envelope is a decoded protocol message. Handlers switch on the concrete type.
type Envelope interface {
	Action() Action
}

// PresenceUser is the identity block of a presence envelope.
type PresenceUser struct {
	AccountName  string  `json:"account_name" validate:"required,max=64"`
	Status       string  `json:"status"`
	PasswordHash *string `json:"password_hash,omitempty"`
}

type Presence struct {
	Time float64      `json:"time"`
	User PresenceUser `json:"user"`
}

type Message struct {
	From     string  `json:"from" validate:"required,max=64"`
	To       string  `json:"to" validate:"required,max=64"`
	Time     float64 `json:"time"`
	MessText string  `json:"mess_text"`
}

type Exit struct {
	Time        float64 `json:"time,omitempty"`
	AccountName string  `json:"account_name" validate:"required,max=64"`
}

type GetContacts struct {
	Time float64 `json:"time"`
	User string  `json:"user" validate:"required,max=64"`
}

type AddContact struct {
	Time        float64 `json:"time"`
	User        string  `json:"user" validate:"required,max=64"`
	AccountName string  `json:"account_name" validate:"required,max=64"`
}

type RemoveContact struct {
	Time        float64 `json:"time"`
	User        string  `json:"user" validate:"required,max=64"`
	AccountName string  `json:"account_name" validate:"required,max=64"`
}

type UsersRequest struct {
	Time        float64 `json:"time"`
	AccountName string  `json:"account_name" validate:"required,max=64"`
}

// Response is the server's reply to a request. It carries no action.
type Response struct {
	Code     int      `json:"response"`
	Error    string   `json:"error,omitempty"`
	DataList []string `json:"data_list,omitempty"`
}

func (*Presence) Action() Action      { return ActionPresence }
func (*Message) Action() Action       { return ActionMessage }
func (*Exit) Action() Action          { return ActionExit }
func (*GetContacts) Action() Action   { return ActionGetContacts }
func (*AddContact) Action() Action    { return ActionAddContact }
func (*RemoveContact) Action() Action { return ActionRemoveContact }
func (*UsersRequest) Action() Action  { return ActionUsersRequest }
func (*Response) Action() Action      { return "" }

// OK, Accepted and BadRequest build the three response shapes.
func OK() *Response { return &Response{Code: StatusOK} }

func Accepted(list []string) *Response {
	return &Response{Code: StatusAccepted, DataList: list}
}

func BadRequest(reason string) *Response {
	return &Response{Code: StatusBadRequest, Error: reason}
}

// Now returns the current time as a float Unix epoch.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// MarshalJSON always emits data_list for 202 responses, even when empty.
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Code == StatusAccepted {
		list := r.DataList
		if list == nil {
			list = []string{}
		}
		return json.Marshal(struct {
			Code     int      `json:"response"`
			DataList []string `json:"data_list"`
		}{r.Code, list})
	}
	type alias Response
	return json.Marshal((*alias)(r))
}

func (p *Presence) MarshalJSON() ([]byte, error) {
	type alias Presence
	return json.Marshal(struct {
		Action Action `json:"action"`
		*alias
	}{ActionPresence, (*alias)(p)})
}

func (m *Message) MarshalJSON() ([]byte, error) {
	type alias Message
	return json.Marshal(struct {
		Action Action `json:"action"`
		*alias
	}{ActionMessage, (*alias)(m)})
}

func (e *Exit) MarshalJSON() ([]byte, error) {
	type alias Exit
	return json.Marshal(struct {
		Action Action `json:"action"`
		*alias
	}{ActionExit, (*alias)(e)})
}

func (g *GetContacts) MarshalJSON() ([]byte, error) {
	type alias GetContacts
	return json.Marshal(struct {
		Action Action `json:"action"`
		*alias
	}{ActionGetContacts, (*alias)(g)})
}

func (a *AddContact) MarshalJSON() ([]byte, error) {
	type alias AddContact
	return json.Marshal(struct {
		Action Action `json:"action"`
		*alias
	}{ActionAddContact, (*alias)(a)})
}

func (r *RemoveContact) MarshalJSON() ([]byte, error) {
	type alias RemoveContact
	return json.Marshal(struct {
		Action Action `json:"action"`
		*alias
	}{ActionRemoveContact, (*alias)(r)})
}

func (u *UsersRequest) MarshalJSON() ([]byte, error) {
	type alias UsersRequest
	return json.Marshal(struct {
		Action Action `json:"action"`
		*alias
	}{ActionUsersRequest, (*alias)(u)})
}

// Encode renders an envelope as a single UTF-8 JSON object.
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.New("encode: nil envelope")
	}
	return json.Marshal(env)
}

// Decode parses one JSON object into its envelope variant. Errors wrap
// ErrDecode; ErrMalformed and ErrNotObject mean the bytes were not a JSON
// object at all.
func Decode(data []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(data)
	if !json.Valid(trimmed) {
		return nil, ErrMalformed
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rawAction, hasAction := fields["action"]
	if !hasAction {
		if _, ok := fields["response"]; ok {
			return decodeInto(trimmed, &Response{})
		}
		return nil, ErrUnknownAction
	}

	var action Action
	if err := json.Unmarshal(rawAction, &action); err != nil {
		return nil, ErrUnknownAction
	}

	required, known := requiredKeys[action]
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	for _, key := range required {
		if _, ok := fields[key]; !ok {
			return nil, fmt.Errorf("%w: %s requires %q", ErrInvalidEnvelope, action, key)
		}
	}

	var env Envelope
	switch action {
	case ActionPresence:
		env = &Presence{}
	case ActionMessage:
		env = &Message{}
	case ActionExit:
		env = &Exit{}
	case ActionGetContacts:
		env = &GetContacts{}
	case ActionAddContact:
		env = &AddContact{}
	case ActionRemoveContact:
		env = &RemoveContact{}
	case ActionUsersRequest:
		env = &UsersRequest{}
	}
	return decodeInto(trimmed, env)
}

func decodeInto(data []byte, env Envelope) (Envelope, error) {
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if _, isResponse := env.(*Response); isResponse {
		return env, nil
	}
	if err := validate.Struct(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return env, nil
}

// IsFatal reports whether a decode error means the peer is not speaking the
// protocol at all (not JSON, or not an object).
func IsFatal(err error) bool {
	return errors.Is(err, ErrMalformed) || errors.Is(err, ErrNotObject)
}
