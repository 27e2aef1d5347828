package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/caseflow/waflow/internal/whatsapp"
)

// Processor handles the two sides of conversation work the worker
// dispatches: ingesting one inbound message, and producing replies for a
// conversation once it has gone quiet.
type Processor interface {
	// ProcessInbound persists one inbound message for the (operator, user)
	// conversation and reports whether it warrants a reply. contactName is
	// the sender's profile name, possibly empty.
	ProcessInbound(ctx context.Context, operatorID, userID string, msg *whatsapp.Message, contactName string) (bool, error)

	// GenerateReplies runs the response loop for a conversation.
	GenerateReplies(ctx context.Context, operatorID, userID string) error
}

// conversation identifies one (operator, user) pair.
type conversation struct {
	OperatorID string
	UserID     string
}

// Worker drains the incoming queue and schedules per-conversation reply
// jobs. Replies are delayed so a burst of messages from the same user is
// answered once; each new message pushes the conversation's due time back.
type Worker struct {
	store     Store
	processor Processor
	logger    *slog.Logger

	busyInterval time.Duration
	idleInterval time.Duration
	replyDelay   time.Duration

	mu   sync.Mutex
	jobs map[conversation]time.Time

	now func() time.Time
}

// NewWorker creates a queue worker. busyInterval is the pause after
// processing an item, idleInterval the pause when the queue is empty, and
// replyDelay how long a conversation must stay quiet before replies are
// generated.
func NewWorker(store Store, processor Processor, logger *slog.Logger,
	busyInterval, idleInterval, replyDelay time.Duration,
) *Worker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Worker{
		store:        store,
		processor:    processor,
		logger:       logger.With("component", "worker"),
		busyInterval: busyInterval,
		idleInterval: idleInterval,
		replyDelay:   replyDelay,
		jobs:         make(map[conversation]time.Time),
		now:          time.Now,
	}
}

// Run polls the queue until ctx is cancelled. Items stuck in processing
// from a previous run are reset to pending before the loop starts.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.store.ResetStale(ctx); err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Queue worker started",
		"busy_interval", w.busyInterval, "idle_interval", w.idleInterval, "reply_delay", w.replyDelay)

	for {
		interval := w.idleInterval

		item, err := w.store.ClaimNext(ctx)
		switch {
		case ctx.Err() != nil:
			w.logger.InfoContext(ctx, "Queue worker stopping")
			return ctx.Err()
		case err != nil:
			w.logger.ErrorContext(ctx, "Failed to claim next queue item", "error", err)
		case item != nil:
			w.handleItem(ctx, item)
			interval = w.busyInterval
		}

		w.runDueJobs(ctx)

		// Armed reply jobs keep the loop on the busy cadence so a burst's
		// combined answer goes out right after its quiet period, not up to
		// an idle interval later.
		if w.hasPendingJobs() {
			interval = w.busyInterval
		}

		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Queue worker stopping")
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// handleItem processes one claimed item and records the outcome. A payload
// that cannot be processed is marked error and left in the queue for
// inspection; the worker moves on.
func (w *Worker) handleItem(ctx context.Context, item *Item) {
	if err := w.processPayload(ctx, []byte(item.Payload)); err != nil {
		w.logger.ErrorContext(ctx, "Failed to process queue item", "item_id", item.ID, "error", err)
		if markErr := w.store.MarkError(ctx, item.ID, err.Error()); markErr != nil {
			w.logger.ErrorContext(ctx, "Failed to mark queue item as error", "item_id", item.ID, "error", markErr)
		}
		return
	}

	if err := w.store.MarkDone(ctx, item.ID); err != nil {
		w.logger.ErrorContext(ctx, "Failed to mark queue item as done", "item_id", item.ID, "error", err)
	}
}

// processPayload walks a webhook payload and dispatches every message to
// the processor, scheduling a reply job for each message that warrants one.
func (w *Worker) processPayload(ctx context.Context, payload []byte) error {
	p, err := whatsapp.ParsePayload(payload)
	if err != nil {
		return err
	}

	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" || len(change.Value.Messages) == 0 {
				continue
			}

			operatorID := change.Value.Metadata.PhoneNumberID
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WAID] = c.Name()
			}

			for i := range change.Value.Messages {
				msg := &change.Value.Messages[i]
				respond, err := w.processor.ProcessInbound(ctx, operatorID, msg.From, msg, names[msg.From])
				if err != nil {
					return err
				}
				if respond {
					w.ScheduleReply(operatorID, msg.From)
				}
			}
		}
	}
	return nil
}

// ScheduleReply (re)arms the reply job for a conversation. Each call pushes
// the due time to now + replyDelay.
func (w *Worker) ScheduleReply(operatorID, userID string) {
	key := conversation{OperatorID: operatorID, UserID: userID}
	due := w.now().Add(w.replyDelay)

	w.mu.Lock()
	w.jobs[key] = due
	w.mu.Unlock()

	w.logger.Debug("Reply job scheduled", "operator_id", operatorID, "user_id", userID, "due", due)
}

// hasPendingJobs reports whether any reply job is armed.
func (w *Worker) hasPendingJobs() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs) > 0
}

// dueConversations removes and returns every conversation whose reply job
// is due.
func (w *Worker) dueConversations() []conversation {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	var due []conversation
	for key, at := range w.jobs {
		if !at.After(now) {
			due = append(due, key)
			delete(w.jobs, key)
		}
	}
	return due
}

// runDueJobs generates replies for every conversation whose quiet period
// has elapsed. Failures are logged; the conversation is not retried until a
// new message arrives.
func (w *Worker) runDueJobs(ctx context.Context) {
	for _, key := range w.dueConversations() {
		if ctx.Err() != nil {
			return
		}
		if err := w.processor.GenerateReplies(ctx, key.OperatorID, key.UserID); err != nil {
			w.logger.ErrorContext(ctx, "Failed to generate replies",
				"operator_id", key.OperatorID, "user_id", key.UserID, "error", err)
		}
	}
}
