package stagewise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type NotificationType string

const (
	NotificationStatusChanged  NotificationType = "status_changed"
	NotificationActionTaken    NotificationType = "action_taken"
	NotificationForkStarted    NotificationType = "fork_started"
	NotificationBranchResolved NotificationType = "branch_resolved"
	NotificationJoinResolved   NotificationType = "join_resolved"
	NotificationSLAWarning     NotificationType = "sla_warning"
	NotificationSLABreached    NotificationType = "sla_breached"
)

type Notification struct {
	Type          NotificationType `json:"type"`
	ParticipantID int64            `json:"participant_id"`
	WorkflowID    string           `json:"workflow_id,omitempty"`
	StepID        string           `json:"step_id,omitempty"`
	Action        WorkflowAction   `json:"action,omitempty"`
	Actor         string           `json:"actor,omitempty"`
	Detail        map[string]any   `json:"detail,omitempty"`
}

type NotificationChannel interface {
	Send(ctx context.Context, notification Notification) error
}

// Notifier fans notifications out to channels from a background goroutine.
// Emit never blocks the caller beyond the buffer: when the buffer is full the
// notification is dropped and counted. Delivery failures are logged and
// dropped too; workflow state never depends on a notification landing.
type Notifier struct {
	channels []NotificationChannel
	queue    chan Notification
	metrics  *Metrics
	logger   zerolog.Logger

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

type NotifierOption func(notifier *Notifier)

func WithNotifierLogger(logger zerolog.Logger) NotifierOption {
	return func(notifier *Notifier) {
		notifier.logger = logger
	}
}

func WithNotifierMetrics(metrics *Metrics) NotifierOption {
	return func(notifier *Notifier) {
		notifier.metrics = metrics
	}
}

func WithNotifierBuffer(size int) NotifierOption {
	return func(notifier *Notifier) {
		notifier.queue = make(chan Notification, size)
	}
}

func NewNotifier(channels []NotificationChannel, opts ...NotifierOption) *Notifier {
	notifier := &Notifier{
		channels: channels,
		queue:    make(chan Notification, 256),
		logger:   zerolog.Nop(),
		done:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(notifier)
	}

	notifier.wg.Add(1)
	go notifier.drain()

	return notifier
}

// Emit enqueues a notification for delivery. Fire and forget.
func (notifier *Notifier) Emit(notification Notification) {
	select {
	case notifier.queue <- notification:
	default:
		notifier.metrics.NotificationDropped(string(notification.Type))
		notifier.logger.Warn().
			Str("type", string(notification.Type)).
			Int64("participant_id", notification.ParticipantID).
			Msg("notification buffer full, dropping")
	}
}

// Close stops the drain goroutine after flushing whatever is already queued.
func (notifier *Notifier) Close() {
	notifier.stopOnce.Do(func() {
		close(notifier.done)
	})
	notifier.wg.Wait()
}

func (notifier *Notifier) drain() {
	defer notifier.wg.Done()

	for {
		select {
		case notification := <-notifier.queue:
			notifier.deliver(notification)
		case <-notifier.done:
			for {
				select {
				case notification := <-notifier.queue:
					notifier.deliver(notification)
				default:
					return
				}
			}
		}
	}
}

func (notifier *Notifier) deliver(notification Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, channel := range notifier.channels {
		if err := channel.Send(ctx, notification); err != nil {
			notifier.metrics.NotificationFailed(string(notification.Type))
			notifier.logger.Warn().Err(err).
				Str("type", string(notification.Type)).
				Int64("participant_id", notification.ParticipantID).
				Msg("notification delivery failed")
		}
	}
}

// WebhookChannel POSTs notifications as JSON to a single URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string, client *http.Client) *WebhookChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &WebhookChannel{url: url, client: client}
}

func (channel *WebhookChannel) Send(ctx context.Context, notification Notification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := channel.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
