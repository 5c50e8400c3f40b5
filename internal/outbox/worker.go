// Package outbox delivers deferred outbound messages. Sends scheduled by the
// survey flow land in a SQLite-backed queue and a polling worker delivers
// them once their run_after passes, so reply delays never block inbound
// processing.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/encuestabot/encuesta/internal/storage"
)

// Queue abstracts the outbox table operations.
type Queue interface {
	EnqueueMessage(msg storage.OutboxMessage) error
	ClaimNextMessage() (*storage.OutboxMessage, error)
	CompleteMessage(id string) error
	FailMessage(id string, errMsg string) error
}

// Sender delivers a text message.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
}

// Scheduler enqueues deferred sends. It satisfies the survey manager's
// Outbox dependency.
type Scheduler struct {
	queue Queue
}

// NewScheduler creates a Scheduler on top of the given queue.
func NewScheduler(queue Queue) *Scheduler {
	return &Scheduler{queue: queue}
}

// EnqueueText schedules a text message for delivery after the given delay.
func (s *Scheduler) EnqueueText(phone, body string, delay time.Duration) error {
	return s.queue.EnqueueMessage(storage.OutboxMessage{
		ID:          uuid.New().String(),
		PhoneNumber: phone,
		Body:        body,
		RunAfter:    time.Now().UTC().Add(delay),
	})
}

// Worker polls the outbox and delivers due messages.
type Worker struct {
	queue  Queue
	sender Sender
	poll   time.Duration
	logger *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 200ms.
func NewWorker(queue Queue, sender Sender, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 200 * time.Millisecond
	}
	return &Worker{
		queue:  queue,
		sender: sender,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// Run polls for due messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("outbox iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and delivers a single due message.
// Returns true if a message was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	msg, err := w.queue.ClaimNextMessage()
	if err != nil {
		return false, fmt.Errorf("claiming message: %w", err)
	}
	if msg == nil {
		return false, nil
	}

	if err := w.sender.SendText(ctx, msg.PhoneNumber, msg.Body); err != nil {
		w.logger.Warn("send failed", "message_id", msg.ID, "phone", msg.PhoneNumber, "error", err)
		if failErr := w.queue.FailMessage(msg.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark message as failed", "message_id", msg.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.queue.CompleteMessage(msg.ID); err != nil {
		return true, fmt.Errorf("completing message %s: %w", msg.ID, err)
	}
	return true, nil
}
