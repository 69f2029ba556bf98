package dataplane

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// maxTransferSize caps the bytes buffered for a single chunked
	// transfer so a misbehaving agent cannot exhaust server memory.
	maxTransferSize = 64 << 20 // 64 MiB

	// transferIdleTimeout abandons transfers whose sender went quiet
	// without ever delivering the final chunk.
	transferIdleTimeout = 2 * time.Minute

	reassemblySweepInterval = 30 * time.Second
)

var (
	ErrTransferTooLarge = errors.New("transfer exceeds size limit")
	ErrForeignTransfer  = errors.New("transfer owned by another agent")
)

type transfer struct {
	agentID      string
	buf          bytes.Buffer
	lastActivity time.Time
}

// Reassembler accumulates chunked uploads keyed by transfer ID and
// finalizes them on the last chunk. Buffers are bounded and idle transfers
// are discarded by a background sweep.
type Reassembler struct {
	mu        sync.Mutex
	transfers map[string]*transfer

	logger *slog.Logger
	now    func() time.Time
	stopCh chan struct{}
}

func NewReassembler(logger *slog.Logger) *Reassembler {
	r := &Reassembler{
		transfers: make(map[string]*transfer),
		logger:    logger,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *Reassembler) Stop() {
	close(r.stopCh)
}

// Append adds one chunk. When isLast is set the assembled payload is
// returned and the transfer forgotten. A transfer ID belongs to the agent
// that opened it; chunks from anyone else are rejected.
func (r *Reassembler) Append(transferID, agentID string, data []byte, isLast bool) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tr, ok := r.transfers[transferID]
	if !ok {
		tr = &transfer{agentID: agentID}
		r.transfers[transferID] = tr
	} else if tr.agentID != agentID {
		return nil, false, ErrForeignTransfer
	}

	if int64(tr.buf.Len())+int64(len(data)) > maxTransferSize {
		delete(r.transfers, transferID)
		return nil, false, fmt.Errorf("%w: transfer %s", ErrTransferTooLarge, transferID)
	}

	tr.buf.Write(data)
	tr.lastActivity = r.now()

	if !isLast {
		return nil, false, nil
	}

	delete(r.transfers, transferID)
	return tr.buf.Bytes(), true, nil
}

// OpenTransfers reports transfers still awaiting their final chunk.
func (r *Reassembler) OpenTransfers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transfers)
}

func (r *Reassembler) sweepLoop() {
	ticker := time.NewTicker(reassemblySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Reassembler) evictIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-transferIdleTimeout)
	for id, tr := range r.transfers {
		if tr.lastActivity.Before(cutoff) {
			delete(r.transfers, id)
			r.logger.Warn("abandoned idle transfer",
				"transfer_id", id,
				"agent_id", tr.agentID,
				"buffered_bytes", tr.buf.Len())
		}
	}
}
