package cmdqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a queued command. Terminal states are
// immutable once reached.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

const (
	DefaultMaxAttempts = 3
	DefaultTTL         = 24 * time.Hour

	sweepInterval = 1 * time.Minute
	// redeliveryTimeout is how long a delivered command may sit without a
	// completion report before it is requeued (or failed, once attempts
	// are exhausted).
	redeliveryTimeout = 5 * time.Minute
)

var (
	ErrCommandNotFound = errors.New("queued command not found")
	ErrTerminalState   = errors.New("command already in terminal state")
)

// Command is one unit of buffered work for a currently unreachable agent.
type Command struct {
	ID          uuid.UUID       `json:"id"`
	DeviceID    uuid.UUID       `json:"deviceId"`
	CommandType string          `json:"commandType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    int             `json:"priority"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Detail      string          `json:"detail,omitempty"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Store is the durable backing for the queue. Implementations must keep the
// ordering contract of Deliverable: priority descending, then creation time
// ascending.
type Store interface {
	Insert(ctx context.Context, cmd *Command) error
	Get(ctx context.Context, id uuid.UUID) (Command, error)
	// Deliverable returns non-expired commands in {queued, pending} with
	// attempts < maxAttempts for the device, in delivery order.
	Deliverable(ctx context.Context, deviceID uuid.UUID, now time.Time) ([]Command, error)
	// RecordAttempt increments attempts and moves the command to
	// delivered, failing if the command is not currently deliverable.
	RecordAttempt(ctx context.Context, id uuid.UUID, now time.Time) (Command, error)
	// SetStatus applies a terminal or requeue transition. It must refuse
	// to modify commands already in a terminal state.
	SetStatus(ctx context.Context, id uuid.UUID, status Status, detail string, now time.Time) error
	// ExpireOverdue transitions {queued, pending} commands past their
	// expiry to expired and returns how many were affected.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	// RequeueUncompleted handles delivered commands with no completion
	// report: back to pending while attempts remain, failed otherwise.
	RequeueUncompleted(ctx context.Context, deliveredBefore time.Time, now time.Time) (requeued, failed int64, err error)
}

// EnqueueOptions tune a single enqueue. Zero values fall back to defaults.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
	TTL         time.Duration
}

// Queue buffers commands for offline agents and replays them on reconnect.
// All state lives in the Store so the backlog survives restarts.
type Queue struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	stopCh chan struct{}
}

func NewQueue(store Store, logger *slog.Logger) *Queue {
	q := &Queue{
		store:  store,
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go q.sweepLoop()
	return q
}

// Stop terminates the expiry sweep.
func (q *Queue) Stop() {
	close(q.stopCh)
}

// Enqueue records a command for later delivery and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, deviceID uuid.UUID, commandType string, payload json.RawMessage, opts EnqueueOptions) (uuid.UUID, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	now := q.now()
	cmd := &Command{
		ID:          uuid.New(),
		DeviceID:    deviceID,
		CommandType: commandType,
		Payload:     payload,
		Priority:    opts.Priority,
		Status:      StatusQueued,
		MaxAttempts: maxAttempts,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.Insert(ctx, cmd); err != nil {
		return uuid.Nil, fmt.Errorf("enqueue command: %w", err)
	}

	q.logger.Info("command queued",
		"command_id", cmd.ID,
		"device_id", deviceID,
		"type", commandType,
		"priority", cmd.Priority)
	return cmd.ID, nil
}

// DrainPendingFor returns the commands a reconnecting agent should receive,
// highest priority first, oldest first within a priority.
func (q *Queue) DrainPendingFor(ctx context.Context, deviceID uuid.UUID) ([]Command, error) {
	return q.store.Deliverable(ctx, deviceID, q.now())
}

// MarkDelivered records one delivery attempt.
func (q *Queue) MarkDelivered(ctx context.Context, id uuid.UUID) (Command, error) {
	cmd, err := q.store.RecordAttempt(ctx, id, q.now())
	if err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// MarkCompleted settles a delivered command with its result.
func (q *Queue) MarkCompleted(ctx context.Context, id uuid.UUID, result string) error {
	return q.store.SetStatus(ctx, id, StatusCompleted, result, q.now())
}

// MarkFailed settles a command that the agent reported as failed.
func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return q.store.SetStatus(ctx, id, StatusFailed, errMsg, q.now())
}

// Get returns the current state of a queued command.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (Command, error) {
	return q.store.Get(ctx, id)
}

func (q *Queue) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.Sweep(context.Background())
		}
	}
}

// Sweep expires overdue commands and recycles delivered-but-unacknowledged
// ones. Called periodically; exported so operators can trigger it.
func (q *Queue) Sweep(ctx context.Context) {
	now := q.now()

	expired, err := q.store.ExpireOverdue(ctx, now)
	if err != nil {
		q.logger.Error("command expiry sweep failed", "error", err)
	} else if expired > 0 {
		q.logger.Info("expired overdue commands", "count", expired)
	}

	requeued, failed, err := q.store.RequeueUncompleted(ctx, now.Add(-redeliveryTimeout), now)
	if err != nil {
		q.logger.Error("command requeue sweep failed", "error", err)
		return
	}
	if requeued > 0 || failed > 0 {
		q.logger.Info("recycled unacknowledged commands", "requeued", requeued, "failed", failed)
	}
}
