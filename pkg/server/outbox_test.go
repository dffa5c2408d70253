package server

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutboxFIFO(t *testing.T) {
	defer leaktest.Check(t)()

	o := newOutbox(0)
	var want []string
	for i := range 10 {
		msg := fmt.Sprintf("m%d", i)
		want = append(want, msg)
		require.NoError(t, o.Push([]byte(msg)))
	}

	var got []string
	done := make(chan error, 1)
	go func() {
		done <- o.drain(func(p []byte) error {
			got = append(got, string(p))
			if len(got) == len(want) {
				o.Close()
			}
			return nil
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not return")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delivery order (-want +got):\n%s", diff)
	}
}

func TestOutboxLimit(t *testing.T) {
	o := newOutbox(2)
	assert.False(t, o.Full())
	require.NoError(t, o.Push([]byte("a")))
	require.NoError(t, o.Push([]byte("b")))
	assert.True(t, o.Full())
	assert.ErrorIs(t, o.Push([]byte("c")), ErrOutboxFull)
	assert.Equal(t, 2, o.Len())
}

func TestOutboxCloseDropsPending(t *testing.T) {
	o := newOutbox(0)
	require.NoError(t, o.Push([]byte("a")))
	require.NoError(t, o.Push([]byte("b")))

	assert.Equal(t, 2, o.Close())
	assert.Equal(t, 0, o.Close(), "second close drops nothing")
	assert.Equal(t, 0, o.Len())
	assert.ErrorIs(t, o.Push([]byte("c")), ErrOutboxClosed)

	// A closed outbox drains nothing and returns at once
	err := o.drain(func([]byte) error {
		t.Error("write called on closed outbox")
		return nil
	})
	assert.NoError(t, err)
}

func TestOutboxDrainWriteError(t *testing.T) {
	defer leaktest.Check(t)()

	o := newOutbox(0)
	require.NoError(t, o.Push([]byte("a")))
	require.NoError(t, o.Push([]byte("b")))

	boom := errors.New("broken pipe")
	calls := 0
	err := o.drain(func([]byte) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, o.Len(), "undelivered message stays queued")
}

func TestOutboxDrainWakesOnPush(t *testing.T) {
	defer leaktest.Check(t)()

	o := newOutbox(0)
	delivered := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- o.drain(func(p []byte) error {
			delivered <- string(p)
			return nil
		})
	}()

	require.NoError(t, o.Push([]byte("late")))
	select {
	case got := <-delivered:
		assert.Equal(t, "late", got)
	case <-time.After(5 * time.Second):
		t.Fatal("pushed message never delivered")
	}

	o.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not stop after close")
	}
}
