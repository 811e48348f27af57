package notify

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPublish_DeliversOnceToEverySubscriber(t *testing.T) {
	b := NewBroadcaster(quietLogger)

	a, cancelA := b.Subscribe()
	defer cancelA()

	c, cancelC := b.Subscribe()
	defer cancelC()

	n := b.Publish(Message{Type: TypeQueueReplayed})
	assert.Equal(t, 2, n)

	for _, ch := range []<-chan Message{a, c} {
		msg := <-ch
		assert.Equal(t, TypeQueueReplayed, msg.Type)

		select {
		case extra := <-ch:
			t.Fatalf("unexpected second message %v", extra)
		default:
		}
	}
}

func TestSubscribe_CancelClosesAndRemoves(t *testing.T) {
	b := NewBroadcaster(quietLogger)

	ch, cancel := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, b.Subscribers())
	assert.Equal(t, 0, b.Publish(Message{Type: TypeQueueReplayed}))
}

func TestPublish_FullBufferDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(quietLogger)

	_, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < defaultBuffer; i++ {
		assert.Equal(t, 1, b.Publish(Message{Type: "x"}))
	}

	assert.Equal(t, 0, b.Publish(Message{Type: "x"}))
}
