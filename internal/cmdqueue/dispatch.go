package cmdqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/overcast-hq/overcast/internal/control"
)

// Caller issues a correlated RPC to a connected agent. The correlator
// satisfies this.
type Caller interface {
	Call(ctx context.Context, agentID string, env control.Envelope, timeout time.Duration) (control.ResponsePayload, error)
}

// Dispatcher replays the buffered backlog to an agent when it reconnects.
// Wire it to the registry's connect hook in main.
type Dispatcher struct {
	queue  *Queue
	caller Caller
	logger *slog.Logger
}

func NewDispatcher(queue *Queue, caller Caller, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{queue: queue, caller: caller, logger: logger}
}

// Drain delivers every pending command for the device, in priority order,
// over the agent's live connection. Each command is marked delivered before
// the send so a crash mid-drain cannot double-execute; commands the agent
// never acknowledges are recycled by the queue's sweep.
func (d *Dispatcher) Drain(ctx context.Context, agentID string, deviceID uuid.UUID) {
	cmds, err := d.queue.DrainPendingFor(ctx, deviceID)
	if err != nil {
		d.logger.Error("failed to load command backlog", "device_id", deviceID, "error", err)
		return
	}
	if len(cmds) == 0 {
		return
	}

	d.logger.Info("draining command backlog",
		"agent_id", agentID,
		"device_id", deviceID,
		"count", len(cmds))

	for _, cmd := range cmds {
		if err := d.deliver(ctx, agentID, cmd); err != nil {
			if errors.Is(err, control.ErrNotConnected) || errors.Is(err, control.ErrAgentDisconnected) {
				// Agent went away mid-drain; the rest stays buffered.
				return
			}
			d.logger.Warn("backlog command delivery failed",
				"command_id", cmd.ID,
				"error", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, agentID string, cmd Command) error {
	delivered, err := d.queue.MarkDelivered(ctx, cmd.ID)
	if err != nil {
		// Raced with expiry or another drain; skip it.
		return nil
	}

	env, err := control.NewEnvelope(control.MessageType(delivered.CommandType), json.RawMessage(delivered.Payload))
	if err != nil {
		_ = d.queue.MarkFailed(ctx, cmd.ID, "unencodable payload: "+err.Error())
		return err
	}

	resp, err := d.caller.Call(ctx, agentID, env, control.CallTimeoutFor(env.Type))
	if err != nil {
		// Transport-level failure. Leave the command in delivered; the
		// sweep requeues or exhausts it.
		return err
	}

	if resp.Success {
		return d.queue.MarkCompleted(ctx, cmd.ID, string(resp.Data))
	}
	return d.queue.MarkFailed(ctx, cmd.ID, resp.Error)
}
