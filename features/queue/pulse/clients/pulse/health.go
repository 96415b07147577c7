package pulse

import (
	"context"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
)

// Pinger adapts the Redis connection to the clue health checker.
type Pinger struct {
	rdb *redis.Client
}

var _ health.Pinger = (*Pinger)(nil)

// NewPinger wraps a Redis connection for health checks.
func NewPinger(rdb *redis.Client) *Pinger {
	return &Pinger{rdb: rdb}
}

// Name implements health.Pinger.
func (p *Pinger) Name() string { return "redis" }

// Ping implements health.Pinger.
func (p *Pinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
