package fieldscript

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrWorkReplaced finishes a pending work item superseded by a newer
	// request of the same name.
	ErrWorkReplaced = errors.New("work replaced")

	// ErrRegistryClosed finishes work enqueued after Close.
	ErrRegistryClosed = errors.New("work registry closed")
)

// WorkPolicy decides what enqueuing a name that already has work does.
type WorkPolicy int

const (
	// Replace drops a pending instance in favour of the new one. A running
	// instance finishes before the new one starts.
	Replace WorkPolicy = iota
	// KeepExisting ignores the request while an instance is pending or
	// running.
	KeepExisting
)

func (p WorkPolicy) String() string {
	if p == KeepExisting {
		return "keep-existing"
	}
	return "replace"
}

// WorkRequest describes a unit of named background work.
type WorkRequest struct {
	Name            string
	Policy          WorkPolicy
	Delay           time.Duration
	RequiresNetwork bool
	Run             func(ctx context.Context) error
}

// WorkHandle tracks an enqueued request.
type WorkHandle struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newWorkHandle() *WorkHandle {
	return &WorkHandle{done: make(chan struct{})}
}

func (h *WorkHandle) finish(err error) {
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed when the work has run or was dropped.
func (h *WorkHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the work finishes and returns its error.
func (h *WorkHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connectivity is the network view the registry waits on.
type Connectivity interface {
	CurrentState() NetworkState
	Changes(ctx context.Context) <-chan NetworkState
}

type workItem struct {
	req    WorkRequest
	handle *WorkHandle
	ctx    context.Context
	cancel context.CancelFunc
}

type workSlot struct {
	pending *workItem
	running *workItem
}

// WorkRegistry runs named work with at most one running instance per name.
type WorkRegistry struct {
	network Connectivity
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	slots  map[string]*workSlot
	closed bool
}

// NewWorkRegistry creates a registry. A nil network treats the device as
// always connected.
func NewWorkRegistry(network Connectivity, logger *slog.Logger) *WorkRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkRegistry{
		network: network,
		logger:  logger.With("component", "work"),
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(map[string]*workSlot),
	}
}

// Enqueue schedules req according to its policy and returns its handle.
// Under KeepExisting the handle of the existing instance is returned.
func (r *WorkRegistry) Enqueue(req WorkRequest) *WorkHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		h := newWorkHandle()
		h.finish(ErrRegistryClosed)
		return h
	}

	slot, ok := r.slots[req.Name]
	if !ok {
		slot = &workSlot{}
		r.slots[req.Name] = slot
	}

	if req.Policy == KeepExisting {
		switch {
		case slot.pending != nil:
			return slot.pending.handle
		case slot.running != nil:
			return slot.running.handle
		}
	}

	if slot.pending != nil {
		r.logger.Debug("work replaced", "name", req.Name)
		slot.pending.handle.finish(ErrWorkReplaced)
		slot.pending.cancel()
		slot.pending = nil
	}

	ctx, cancel := context.WithCancel(r.ctx)
	item := &workItem{req: req, handle: newWorkHandle(), ctx: ctx, cancel: cancel}
	slot.pending = item

	r.wg.Add(1)
	go r.dispatch(slot, item)

	return item.handle
}

func (r *WorkRegistry) dispatch(slot *workSlot, item *workItem) {
	defer r.wg.Done()
	defer item.cancel()

	if err := r.await(slot, item); err != nil {
		r.mu.Lock()
		if slot.pending == item {
			slot.pending = nil
		}
		r.release(item.req.Name, slot)
		r.mu.Unlock()
		item.handle.finish(err)
		return
	}

	err := item.req.Run(item.ctx)
	if err != nil {
		r.logger.Debug("work failed", "name", item.req.Name, "error", err)
	}

	r.mu.Lock()
	slot.running = nil
	r.release(item.req.Name, slot)
	r.mu.Unlock()

	item.handle.finish(err)
}

// await blocks through the delay, the network requirement and any running
// predecessor, then promotes item to running.
func (r *WorkRegistry) await(slot *workSlot, item *workItem) error {
	ctx := item.ctx

	if item.req.Delay > 0 {
		timer := time.NewTimer(item.req.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if item.req.RequiresNetwork {
		if err := r.waitConnected(ctx); err != nil {
			return err
		}
	}

	for {
		r.mu.Lock()
		if slot.pending != item {
			r.mu.Unlock()
			return ErrWorkReplaced
		}
		if slot.running == nil {
			slot.running = item
			slot.pending = nil
			r.mu.Unlock()
			return nil
		}
		wait := slot.running.handle.Done()
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

func (r *WorkRegistry) waitConnected(ctx context.Context) error {
	if r.network == nil || r.network.CurrentState().Connected {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for s := range r.network.Changes(ctx) {
		if s.Connected {
			return nil
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrRegistryClosed
}

// release must be called with r.mu held.
func (r *WorkRegistry) release(name string, slot *workSlot) {
	if slot.pending == nil && slot.running == nil && r.slots[name] == slot {
		delete(r.slots, name)
	}
}

// Cancel drops pending work for name and cancels the context of running
// work.
func (r *WorkRegistry) Cancel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot, ok := r.slots[name]
	if !ok {
		return
	}
	if slot.pending != nil {
		slot.pending.cancel()
	}
	if slot.running != nil {
		slot.running.cancel()
	}
}

// Active reports whether name has pending or running work.
func (r *WorkRegistry) Active(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.slots[name]
	return ok
}

// Close cancels all work and waits for it to return.
func (r *WorkRegistry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
