package executor

import (
	"context"
	"sync"
	"sync/atomic"
)

// Signal is the in-process flag pair of one task. Hard cancel also cancels the work context.
type Signal struct {
	cancelled atomic.Bool
	earlyStop atomic.Bool
	claimed   atomic.Bool

	// checkpointed tasks accept early-stop signals from other runners
	checkpointed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Signal) Cancel() {
	s.cancelled.Store(true)
	s.cancel()
}

func (s *Signal) RequestEarlyStop() { s.earlyStop.Store(true) }

func (s *Signal) IsCancelled() bool        { return s.cancelled.Load() }
func (s *Signal) EarlyStopRequested() bool { return s.earlyStop.Load() }

// Context is cancelled by Cancel and when the registry's parent context ends.
func (s *Signal) Context() context.Context { return s.ctx }

// SignalRegistry maps task ids to the signals of tasks living in this process. Entries are
// added at dispatch and removed on the terminal transition.
type SignalRegistry struct {
	mu      sync.Mutex
	signals map[string]*Signal
}

func NewSignalRegistry() *SignalRegistry {
	return &SignalRegistry{signals: make(map[string]*Signal)}
}

// Register adds a signal for taskID whose context derives from parent. It reports false and
// returns the existing signal when the task is already registered.
func (r *SignalRegistry) Register(parent context.Context, taskID string, checkpointed bool) (*Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.signals[taskID]; ok {
		return s, false
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Signal{ctx: ctx, cancel: cancel, checkpointed: checkpointed}
	r.signals[taskID] = s
	return s, true
}

func (r *SignalRegistry) Lookup(taskID string) (*Signal, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.signals[taskID]
	return s, ok
}

// Unregister removes the entry and releases its context.
func (r *SignalRegistry) Unregister(taskID string) {
	r.mu.Lock()
	s, ok := r.signals[taskID]
	delete(r.signals, taskID)
	r.mu.Unlock()
	if ok {
		s.cancel()
	}
}

// IDs returns the registered task ids, claimed or still queued, in no particular order.
func (r *SignalRegistry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.signals))
	for id := range r.signals {
		ids = append(ids, id)
	}
	return ids
}

func (r *SignalRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signals)
}
