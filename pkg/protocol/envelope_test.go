package protocol

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVariants(t *testing.T) {
	hash := "abc123"
	tests := []struct {
		name string
		in   string
		want Envelope
	}{
		{
			name: "presence",
			in:   `{"action":"presence","time":1.5,"user":{"account_name":"alice","status":"Yep, I am here!"}}`,
			want: &Presence{Time: 1.5, User: PresenceUser{AccountName: "alice", Status: "Yep, I am here!"}},
		},
		{
			name: "presence with credential",
			in:   `{"action":"presence","time":1,"user":{"account_name":"alice","status":"","password_hash":"abc123"}}`,
			want: &Presence{Time: 1, User: PresenceUser{AccountName: "alice", PasswordHash: &hash}},
		},
		{
			name: "message",
			in:   `{"action":"message","from":"alice","to":"bob","time":2,"mess_text":"hi"}`,
			want: &Message{From: "alice", To: "bob", Time: 2, MessText: "hi"},
		},
		{
			name: "message with empty text",
			in:   `{"action":"message","from":"alice","to":"bob","time":2,"mess_text":""}`,
			want: &Message{From: "alice", To: "bob", Time: 2},
		},
		{
			name: "exit",
			in:   `{"action":"exit","account_name":"alice"}`,
			want: &Exit{AccountName: "alice"},
		},
		{
			name: "get_contacts",
			in:   `{"action":"get_contacts","time":3,"user":"alice"}`,
			want: &GetContacts{Time: 3, User: "alice"},
		},
		{
			name: "add",
			in:   `{"action":"add","time":3,"user":"alice","account_name":"bob"}`,
			want: &AddContact{Time: 3, User: "alice", AccountName: "bob"},
		},
		{
			name: "remove",
			in:   `{"action":"remove","time":3,"user":"alice","account_name":"bob"}`,
			want: &RemoveContact{Time: 3, User: "alice", AccountName: "bob"},
		},
		{
			name: "get_users",
			in:   `{"action":"get_users","time":3,"account_name":"alice"}`,
			want: &UsersRequest{Time: 3, AccountName: "alice"},
		},
		{
			name: "response",
			in:   `{"response":202,"data_list":["a","b"]}`,
			want: &Response{Code: 202, DataList: []string{"a", "b"}},
		},
		{
			name: "surrounding whitespace",
			in:   "  {\"action\":\"exit\",\"account_name\":\"bob\"}\n",
			want: &Exit{AccountName: "bob"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		want  error
		fatal bool
	}{
		{"empty", ``, ErrMalformed, true},
		{"garbage", `not json`, ErrMalformed, true},
		{"truncated", `{"action":"presence","ti`, ErrMalformed, true},
		{"array", `["presence"]`, ErrNotObject, true},
		{"string", `"presence"`, ErrNotObject, true},
		{"null", `null`, ErrNotObject, true},
		{"missing action", `{"time":1}`, ErrUnknownAction, false},
		{"unknown action", `{"action":"dance"}`, ErrUnknownAction, false},
		{"action not a string", `{"action":7}`, ErrUnknownAction, false},
		{"missing key", `{"action":"message","from":"a","to":"b","time":1}`, ErrInvalidEnvelope, false},
		{"empty name", `{"action":"exit","account_name":""}`, ErrInvalidEnvelope, false},
		{"wrong type", `{"action":"get_contacts","time":1,"user":5}`, ErrInvalidEnvelope, false},
		{"presence user not object", `{"action":"presence","time":1,"user":"alice"}`, ErrInvalidEnvelope, false},
		{"presence missing name", `{"action":"presence","time":1,"user":{"status":"x"}}`, ErrInvalidEnvelope, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.in))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, ErrDecode)
			assert.Equal(t, tt.fatal, IsFatal(err))
		})
	}
}

func TestEncodeShapes(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want string
	}{
		{"ok", OK(), `{"response":200}`},
		{"bad request", BadRequest("Name already taken"), `{"response":400,"error":"Name already taken"}`},
		{"accepted empty", Accepted(nil), `{"response":202,"data_list":[]}`},
		{"accepted", Accepted([]string{"bob"}), `{"response":202,"data_list":["bob"]}`},
		{
			"message",
			&Message{From: "alice", To: "bob", Time: 1, MessText: "hi"},
			`{"action":"message","from":"alice","to":"bob","time":1,"mess_text":"hi"}`,
		},
		{
			"presence",
			&Presence{Time: 1, User: PresenceUser{AccountName: "alice", Status: "here"}},
			`{"action":"presence","time":1,"user":{"account_name":"alice","status":"here"}}`,
		},
		{"exit", &Exit{AccountName: "alice"}, `{"action":"exit","account_name":"alice"}`},
		{"get_users", &UsersRequest{Time: 1, AccountName: "alice"}, `{"action":"get_users","time":1,"account_name":"alice"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode(tt.env)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
			assert.NotContains(t, string(got), "\x00")
		})
	}
}

func TestEncodeNil(t *testing.T) {
	_, err := Encode(nil)
	assert.Error(t, err)
}

func TestForwardedMessageIsVerbatim(t *testing.T) {
	in := `{"action":"message","from":"alice","to":"bob","time":12.25,"mess_text":"привет"}`
	env, err := Decode([]byte(in))
	require.NoError(t, err)

	out, err := Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))

	var fields map[string]any
	require.NoError(t, json.Unmarshal(out, &fields))
	assert.Equal(t, "message", fields["action"])
}
