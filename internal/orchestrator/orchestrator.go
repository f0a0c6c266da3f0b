// Package orchestrator fans one operation out to every configured backend
// concurrently and collects what each of them did.
//
// Every adapter call runs under its own deadline. A slow or failing adapter
// is recorded and never cancels its siblings. Nothing is retried.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/xiy/memory-mesh/internal/backend"
	"github.com/xiy/memory-mesh/internal/rank"
	"github.com/xiy/memory-mesh/pkg/types"
)

// ErrAllBackendsUnavailable means no adapter completed the operation.
var ErrAllBackendsUnavailable = goerr.New("all backends unavailable")

// Op names a fan-out operation.
type Op string

const (
	OpAdd    Op = "add"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpSearch Op = "search"
	OpScan   Op = "scan"
	OpHealth Op = "health"
)

// Payload carries the arguments for whichever Op is executed.
type Payload struct {
	Record types.MemoryRecord // add, update
	ID     string             // delete
	Query  backend.Query      // search
	Scope  types.Scope        // scan
	Limit  int                // scan
}

// Outcome is what one adapter did.
type Outcome struct {
	Backend  string
	Hits     []backend.Hit
	IDs      []string
	Health   backend.Health
	Err      error
	Duration time.Duration
}

// OK reports whether the adapter completed without error.
func (o Outcome) OK() bool { return o.Err == nil }

// AggregateResult collects every outcome of one Execute.
type AggregateResult struct {
	Op         Op
	PerBackend map[string]Outcome
	// Order lists the participating backends in configuration order.
	Order     []string
	Succeeded []string
	Failed    []string
}

// Failures returns the failed outcomes in configuration order.
func (r AggregateResult) Failures() []Outcome {
	out := make([]Outcome, 0, len(r.Failed))
	for _, name := range r.Failed {
		out = append(out, r.PerBackend[name])
	}
	return out
}

// Warnings converts failures into caller-visible warnings.
func (r AggregateResult) Warnings() []types.Warning {
	out := make([]types.Warning, 0, len(r.Failed))
	for _, o := range r.Failures() {
		out = append(out, types.Warning{
			Backend: o.Backend,
			Kind:    backend.KindOf(o.Err).ErrorKind(),
			Message: o.Err.Error(),
		})
	}
	return out
}

// Manager owns the adapters and the ranker.
type Manager struct {
	adapters []backend.Adapter
	timeout  time.Duration
	ranker   *rank.Ranker
	logger   *log.Logger
}

// New keeps adapters in the given order; that order is the backend priority
// for merges.
func New(adapters []backend.Adapter, perBackendTimeout time.Duration, ranker *rank.Ranker, logger *log.Logger) *Manager {
	if ranker == nil {
		ranker = rank.New(nil)
	}
	return &Manager{adapters: adapters, timeout: perBackendTimeout, ranker: ranker, logger: logger}
}

// Adapters returns the configured adapters in priority order.
func (m *Manager) Adapters() []backend.Adapter {
	out := make([]backend.Adapter, len(m.adapters))
	copy(out, m.adapters)
	return out
}

// Timeout returns the per-adapter deadline.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Execute runs op on every adapter at once. Scan skips adapters that cannot
// scan. Unless op is OpHealth, the result comes back together with
// ErrAllBackendsUnavailable when no participating adapter succeeded.
func (m *Manager) Execute(ctx context.Context, op Op, p Payload) (AggregateResult, error) {
	participants := make([]backend.Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		if op == OpScan {
			if _, ok := a.(backend.Scanner); !ok {
				continue
			}
		}
		participants = append(participants, a)
	}

	outcomes := make([]Outcome, len(participants))
	var g errgroup.Group
	for i, a := range participants {
		g.Go(func() error {
			outcomes[i] = m.call(ctx, a, op, p)
			return nil
		})
	}
	_ = g.Wait()

	res := AggregateResult{
		Op:         op,
		PerBackend: make(map[string]Outcome, len(participants)),
		Order:      make([]string, 0, len(participants)),
	}
	for _, o := range outcomes {
		res.PerBackend[o.Backend] = o
		res.Order = append(res.Order, o.Backend)
		if o.OK() {
			res.Succeeded = append(res.Succeeded, o.Backend)
			continue
		}
		res.Failed = append(res.Failed, o.Backend)
		m.logger.Warn("backend operation failed",
			"backend", o.Backend,
			"op", string(op),
			"kind", backend.KindOf(o.Err).String(),
			"duration", o.Duration,
			"error", o.Err,
		)
	}

	if op == OpHealth {
		return res, nil
	}
	// Scan with no scanners is not a failure; callers fall back.
	if op == OpScan && len(res.Order) == 0 {
		return res, nil
	}
	if len(res.Succeeded) == 0 {
		return res, goerr.Wrap(ErrAllBackendsUnavailable, "no backend completed the operation",
			goerr.V("op", string(op)), goerr.V("backends", len(res.Order)))
	}
	return res, nil
}

// call runs one adapter under its own deadline. The adapter goroutine is
// abandoned if it outlives the deadline; its late result is discarded.
func (m *Manager) call(parent context.Context, a backend.Adapter, op Op, p Payload) Outcome {
	name := a.Name()
	ctx, cancel := context.WithTimeout(parent, m.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Outcome, 1)
	go func() {
		var o Outcome
		defer func() {
			if r := recover(); r != nil {
				o = Outcome{Err: backend.Rejected(name, string(op), fmt.Errorf("panic: %v", r))}
			}
			done <- o
		}()
		o = invoke(ctx, a, op, p)
	}()

	var o Outcome
	select {
	case o = <-done:
		if o.Err != nil && backend.KindOf(o.Err) != backend.KindTimeout && ctx.Err() != nil {
			o.Err = backend.FromContext(ctx, name, string(op), o.Err)
		}
	case <-ctx.Done():
		o = Outcome{Err: backend.FromContext(ctx, name, string(op), ctx.Err())}
		if op == OpHealth {
			o = Outcome{Health: backend.Health{Available: false, Detail: "health probe timed out"}}
		}
	}
	o.Backend = name
	o.Duration = time.Since(start)
	return o
}

func invoke(ctx context.Context, a backend.Adapter, op Op, p Payload) Outcome {
	switch op {
	case OpAdd:
		return Outcome{Err: a.Insert(ctx, p.Record)}
	case OpUpdate:
		return Outcome{Err: a.Update(ctx, p.Record)}
	case OpDelete:
		return Outcome{Err: a.Delete(ctx, p.ID)}
	case OpSearch:
		hits, err := a.Query(ctx, p.Query)
		return Outcome{Hits: hits, Err: err}
	case OpScan:
		s, ok := a.(backend.Scanner)
		if !ok {
			return Outcome{Err: backend.Rejected(a.Name(), string(op), fmt.Errorf("scan not supported"))}
		}
		ids, err := s.Scan(ctx, p.Scope, p.Limit)
		return Outcome{IDs: ids, Err: err}
	case OpHealth:
		return Outcome{Health: a.Health(ctx)}
	default:
		return Outcome{Err: backend.Rejected(a.Name(), string(op), fmt.Errorf("unknown operation"))}
	}
}

// LiveFunc reports updated_at for the IDs that are still live. IDs missing
// from the map are dropped from results.
type LiveFunc func(ctx context.Context, ids []string) (map[string]time.Time, error)

// Search queries every adapter, drops results that are not live and ranks
// the rest. Failed adapters contribute nothing.
func (m *Manager) Search(ctx context.Context, q backend.Query, live LiveFunc) ([]rank.Scored, AggregateResult, error) {
	res, err := m.Execute(ctx, OpSearch, Payload{Query: q})
	if err != nil {
		return nil, res, err
	}

	batches := make([]rank.Batch, 0, len(res.Succeeded))
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for _, name := range res.Succeeded {
		o := res.PerBackend[name]
		batches = append(batches, rank.Batch{Backend: name, Hits: o.Hits})
		for _, h := range o.Hits {
			if _, ok := seen[h.ID]; ok {
				continue
			}
			seen[h.ID] = struct{}{}
			ids = append(ids, h.ID)
		}
	}

	var updated map[string]time.Time
	if live != nil && len(ids) > 0 {
		updated, err = live(ctx, ids)
		if err != nil {
			return nil, res, err
		}
	}
	lookup := func(id string) (time.Time, bool) {
		if live == nil {
			return time.Time{}, true
		}
		ts, ok := updated[id]
		return ts, ok
	}
	return m.ranker.Rank(batches, q.Limit, lookup), res, nil
}
