package provider

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/olehkaliuzhnyi/wallet-runtime/internal/errs"
	"github.com/olehkaliuzhnyi/wallet-runtime/internal/events"
	"github.com/olehkaliuzhnyi/wallet-runtime/pkg/models"
)

// Resolution is published on approvalResolved.
type Resolution struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

type pendingApproval struct {
	req  models.ApprovalRequest
	done chan bool
}

// Approvals holds the requests waiting for the user. Each request is resolved
// at most once; later Approve or Reject calls for the same id do nothing.
type Approvals struct {
	bus    events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

func NewApprovals(bus events.Bus) *Approvals {
	return &Approvals{
		bus:     bus,
		logger:  slog.Default().With("component", "approvals"),
		pending: make(map[string]*pendingApproval),
	}
}

// Ask raises an approval request and blocks until the user resolves it or ctx
// is done. Anything but an approval returns UserRejected.
func (a *Approvals) Ask(ctx context.Context, origin string, kind models.ApprovalKind, payload any) error {
	const op = "await approval"

	p := &pendingApproval{
		req: models.ApprovalRequest{
			ID:        uuid.NewString(),
			Origin:    origin,
			Kind:      kind,
			Payload:   payload,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan bool, 1),
	}

	a.mu.Lock()
	a.pending[p.req.ID] = p
	a.mu.Unlock()

	a.logger.Info("approval requested", "id", p.req.ID, "origin", origin, "kind", kind)
	a.bus.Publish(events.ApprovalRequested, p.req)

	select {
	case approved := <-p.done:
		if !approved {
			return errs.New(errs.CodeUserRejected, op, "user rejected the request")
		}
		return nil
	case <-ctx.Done():
		a.resolve(p.req.ID, false)
		return errs.Wrap(errs.CodeUserRejected, op, ctx.Err())
	}
}

// Approve resolves id as approved. It reports false if id is not pending.
func (a *Approvals) Approve(id string) bool {
	return a.resolve(id, true)
}

// Reject resolves id as rejected. It reports false if id is not pending.
func (a *Approvals) Reject(id string) bool {
	return a.resolve(id, false)
}

func (a *Approvals) resolve(id string, approved bool) bool {
	a.mu.Lock()
	p, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
	}
	a.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- approved
	a.logger.Info("approval resolved", "id", id, "approved", approved)
	a.bus.Publish(events.ApprovalResolved, Resolution{ID: id, Approved: approved})
	return true
}

// List returns the pending requests, oldest first.
func (a *Approvals) List() []models.ApprovalRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.ApprovalRequest, 0, len(a.pending))
	for _, p := range a.pending {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RejectAll rejects every pending request.
func (a *Approvals) RejectAll() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.pending))
	for id := range a.pending {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.resolve(id, false)
	}
}
