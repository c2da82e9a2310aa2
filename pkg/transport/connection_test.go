package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newIdleConnection() *Connection {
	var wg sync.WaitGroup
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewConnection(context.Background(), &wg, nil,
		ConnectionConfig{IdleTimeout: time.Minute}, nil, nil, logger)
}

// TestTrySend_fullBufferDoesNotBlock fills the outbox of a connection whose
// write pump never runs; the overflow attempt must return false immediately
// instead of blocking the caller.
func TestTrySend_fullBufferDoesNotBlock(t *testing.T) {
	c := newIdleConnection()
	t.Cleanup(func() { c.Close(nil) })

	msg := []byte(`{"event":"delta"}`)
	for i := 0; i < cap(c.send); i++ {
		require.True(t, c.TrySend(msg))
	}

	done := make(chan bool, 1)
	go func() { done <- c.TrySend(msg) }()
	select {
	case queued := <-done:
		require.False(t, queued)
	case <-time.After(time.Second):
		t.Fatal("TrySend blocked on a full send queue")
	}
}

func TestTrySend_afterClose(t *testing.T) {
	c := newIdleConnection()
	c.Close(errors.New("test teardown"))

	require.False(t, c.TrySend([]byte("late")))
}
