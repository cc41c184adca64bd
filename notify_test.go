package stagewise

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureChannel struct {
	mu       sync.Mutex
	received []Notification
}

func (c *captureChannel) Send(ctx context.Context, notification Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, notification)

	return nil
}

func (c *captureChannel) snapshot() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Notification, len(c.received))
	copy(out, c.received)

	return out
}

func TestNotifierDeliversToChannel(t *testing.T) {
	channel := &captureChannel{}
	notifier := NewNotifier([]NotificationChannel{channel})

	notifier.Emit(Notification{Type: NotificationStatusChanged, ParticipantID: 1})
	notifier.Emit(Notification{Type: NotificationActionTaken, ParticipantID: 1, Action: ActionApprove})
	notifier.Close()

	received := channel.snapshot()
	require.Len(t, received, 2)
	assert.Equal(t, NotificationStatusChanged, received[0].Type)
	assert.Equal(t, NotificationActionTaken, received[1].Type)
}

func TestNotifierDropsOnFullBuffer(t *testing.T) {
	notifier := &Notifier{
		queue:  make(chan Notification, 1),
		logger: zerolog.Nop(),
		done:   make(chan struct{}),
	}
	// No drain goroutine running: the second emit must drop, not block.

	done := make(chan struct{})
	go func() {
		notifier.Emit(Notification{Type: NotificationStatusChanged})
		notifier.Emit(Notification{Type: NotificationStatusChanged})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
}

func TestEngineEmitsActionNotifications(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	channel := &captureChannel{}
	notifier := NewNotifier([]NotificationChannel{channel})

	engine := newTestEngine(store, WithNotifier(notifier))
	participant := enterParticipant(t, engine, store, linearDefinition(), nil)

	_, err := engine.ProcessWorkflowAction(ctx, participant.ID, "bob", ActionApprove, nil, nil)
	require.NoError(t, err)

	notifier.Close()

	received := channel.snapshot()
	// Enter emits a status change; the approval emits action-taken plus
	// another status change.
	require.Len(t, received, 3)

	var actions int
	for _, notification := range received {
		if notification.Type == NotificationActionTaken {
			actions++
			assert.Equal(t, ActionApprove, notification.Action)
			assert.Equal(t, "bob", notification.Actor)
		}
	}
	assert.Equal(t, 1, actions)
}
