package backend

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/xiy/memory-mesh/pkg/types"
)

// DialFunc connects to a store and returns its adapter.
type DialFunc func(ctx context.Context) (Adapter, error)

// Lazy defers connecting to a network store until first use and keeps
// retrying in the background of normal traffic, at most once per backoff.
// Until a dial succeeds every operation fails as Unavailable.
type Lazy struct {
	name    string
	dial    DialFunc
	backoff time.Duration
	now     func() time.Time

	mu       sync.Mutex
	inner    Adapter
	lastErr  error
	lastDial time.Time
}

// NewLazy wraps dial. A non-positive backoff defaults to five seconds.
func NewLazy(name string, backoff time.Duration, dial DialFunc) *Lazy {
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Lazy{name: name, dial: dial, backoff: backoff, now: time.Now}
}

// Connect dials immediately, ignoring the backoff.
func (l *Lazy) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inner != nil {
		return nil
	}
	return l.dialLocked(ctx)
}

func (l *Lazy) Name() string { return l.name }

func (l *Lazy) Insert(ctx context.Context, rec types.MemoryRecord) error {
	a, err := l.get(ctx, "insert")
	if err != nil {
		return err
	}
	return a.Insert(ctx, rec)
}

func (l *Lazy) Query(ctx context.Context, q Query) ([]Hit, error) {
	a, err := l.get(ctx, "query")
	if err != nil {
		return nil, err
	}
	return a.Query(ctx, q)
}

func (l *Lazy) Update(ctx context.Context, rec types.MemoryRecord) error {
	a, err := l.get(ctx, "update")
	if err != nil {
		return err
	}
	return a.Update(ctx, rec)
}

func (l *Lazy) Delete(ctx context.Context, id string) error {
	a, err := l.get(ctx, "delete")
	if err != nil {
		return err
	}
	return a.Delete(ctx, id)
}

func (l *Lazy) Health(ctx context.Context) Health {
	a, err := l.get(ctx, "health")
	if err != nil {
		return Health{Available: false, Detail: err.Error()}
	}
	return a.Health(ctx)
}

// Scan delegates to the connected adapter when it can enumerate.
func (l *Lazy) Scan(ctx context.Context, scope types.Scope, limit int) ([]string, error) {
	a, err := l.get(ctx, "scan")
	if err != nil {
		return nil, err
	}
	sc, ok := a.(Scanner)
	if !ok {
		return nil, Rejected(l.name, "scan", errors.New("backend cannot enumerate"))
	}
	return sc.Scan(ctx, scope, limit)
}

// Close releases the connected adapter, if any.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (l *Lazy) get(ctx context.Context, op string) (Adapter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inner != nil {
		return l.inner, nil
	}
	if !l.lastDial.IsZero() && l.now().Sub(l.lastDial) < l.backoff {
		return nil, Unavailable(l.name, op, l.lastErr)
	}
	if err := l.dialLocked(ctx); err != nil {
		if cerr := FromContext(ctx, l.name, op, err); cerr != nil {
			return nil, cerr
		}
		return nil, Unavailable(l.name, op, err)
	}
	return l.inner, nil
}

func (l *Lazy) dialLocked(ctx context.Context) error {
	l.lastDial = l.now()
	a, err := l.dial(ctx)
	if err != nil {
		l.lastErr = err
		return err
	}
	l.inner, l.lastErr = a, nil
	return nil
}
