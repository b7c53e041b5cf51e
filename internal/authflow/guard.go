package authflow

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Guard lets a piece of work run at most once per key: concurrent callers
// share one execution and a successful run is remembered until Forget.
// A failed run is not remembered so the next auth event retries it.
type Guard struct {
	group singleflight.Group

	mu   sync.Mutex
	done map[string]struct{}
}

// NewGuard returns an empty guard.
func NewGuard() *Guard {
	return &Guard{done: make(map[string]struct{})}
}

// Do runs fn for key unless it already succeeded or is running. ran reports
// whether this caller executed fn.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (ran bool, err error) {
	key = strings.TrimSpace(key)
	if key == "" || g.Done(key) {
		return false, nil
	}

	_, err, _ = g.group.Do(key, func() (any, error) {
		if g.Done(key) {
			return nil, nil
		}
		ran = true
		if err := fn(ctx); err != nil {
			return nil, err
		}
		g.mu.Lock()
		g.done[key] = struct{}{}
		g.mu.Unlock()
		return nil, nil
	})
	return ran, err
}

// Done reports whether fn already succeeded for key.
func (g *Guard) Done(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.done[key]
	return ok
}

// Forget clears the completion marker, used when the user signs out.
func (g *Guard) Forget(key string) {
	g.mu.Lock()
	delete(g.done, key)
	g.mu.Unlock()
}
