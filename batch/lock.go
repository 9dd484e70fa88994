package batch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

var ErrRunInProgress = errors.New("batch run already in progress")

// RunGuard serializes batch runs over the same working-graph projection name.
// Within the process a plain mutex applies; when a redis client is configured
// the guard additionally takes a SET NX lock with a TTL so that multiple
// service instances sharing a graph store cannot run concurrently either.
type RunGuard struct {
	mu     sync.Mutex
	held   map[string]bool
	client *redis.Client
	ttl    time.Duration
}

// NewRunGuard creates a guard. The redis client may be nil, the guard then
// only protects against concurrent runs within this process.
func NewRunGuard(client *redis.Client, ttl time.Duration) *RunGuard {
	return &RunGuard{
		held:   make(map[string]bool),
		client: client,
		ttl:    ttl,
	}
}

func (g *RunGuard) Acquire(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[name] {
		return errors.Wrapf(ErrRunInProgress, "acquiring run lock [%s]", name)
	}
	if g.client != nil {
		acquired, err := g.client.SetNX(ctx, lockKey(name), time.Now().UTC().Format(time.RFC3339), g.ttl).Result()
		if err != nil {
			return errors.Wrapf(err, "acquiring distributed run lock [%s]", name)
		}
		if !acquired {
			return errors.Wrapf(ErrRunInProgress, "acquiring distributed run lock [%s]", name)
		}
	}
	g.held[name] = true
	return nil
}

func (g *RunGuard) Release(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held[name] {
		return nil
	}
	delete(g.held, name)
	if g.client != nil {
		if err := g.client.Del(ctx, lockKey(name)).Err(); err != nil {
			return errors.Wrapf(err, "releasing distributed run lock [%s]", name)
		}
	}
	return nil
}

func lockKey(name string) string {
	return "mule-signal:run-lock:" + name
}
