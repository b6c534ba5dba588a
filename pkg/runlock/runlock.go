// Package runlock provides the distributed lock that keeps aggregation runs
// from overlapping across scheduler instances.
//
// The lock is a single Redis key created with SET NX EX. Its value is a
// random holder token, and release deletes the key only while it still
// holds that token, so a holder whose lock expired can never delete the
// lock of the run that replaced it. The TTL reclaims the lock of a crashed
// holder.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
)

const (
	// DefaultKey is the lock key shared by every scheduler instance.
	DefaultKey = "hangar-bay:aggregation:lock"

	// DefaultTTL bounds how long a crashed holder can block other runs.
	DefaultTTL = 30 * time.Minute
)

// ErrAlreadyHeld is returned by Acquire when another holder owns the lock.
var ErrAlreadyHeld = errors.New("run lock already held")

// releaseScript deletes KEYS[1] only if it still holds ARGV[1].
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

var lockAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_lock_attempts_total",
	Help: "Run lock acquisition attempts by result",
}, []string{"result"})

// Locker acquires the run lock.
type Locker struct {
	redis  redis.Cmdable
	key    string
	ttl    time.Duration
	logger zerolog.Logger
}

// New creates a locker. Empty key and non-positive ttl fall back to the
// defaults.
func New(redisClient redis.Cmdable, key string, ttl time.Duration, logger zerolog.Logger) *Locker {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Locker{
		redis:  redisClient,
		key:    key,
		ttl:    ttl,
		logger: logging.Component(logger, "run-lock").With().Str("lock_key", key).Logger(),
	}
}

// Acquire takes the lock. It returns ErrAlreadyHeld if the key exists.
func (l *Locker) Acquire(ctx context.Context) (*Guard, error) {
	token := uuid.NewString()

	ok, err := l.redis.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		lockAttempts.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		lockAttempts.WithLabelValues("held").Inc()
		return nil, ErrAlreadyHeld
	}

	lockAttempts.WithLabelValues("acquired").Inc()
	l.logger.Info().Str("token", token).Dur("ttl", l.ttl).Msg("Run lock acquired")

	return &Guard{locker: l, token: token}, nil
}

// Holder returns the token of the current holder, or "" when the lock is free.
func (l *Locker) Holder(ctx context.Context) (string, error) {
	token, err := l.redis.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read run lock: %w", err)
	}
	return token, nil
}

// Guard is a held lock.
type Guard struct {
	locker *Locker
	token  string

	once     sync.Once
	released bool
	err      error
}

// Token returns the holder token stored in the lock key.
func (g *Guard) Token() string {
	return g.token
}

// Release deletes the lock if this guard still holds it. Calling Release
// more than once returns the result of the first call. Release reports
// whether the key was deleted; false means the lock had already expired or
// been taken over.
func (g *Guard) Release(ctx context.Context) (bool, error) {
	g.once.Do(func() {
		n, err := g.locker.redis.Eval(ctx, releaseScript, []string{g.locker.key}, g.token).Int64()
		if err != nil {
			g.err = fmt.Errorf("release run lock: %w", err)
			return
		}
		g.released = n == 1

		log := g.locker.logger.With().Str("token", g.token).Logger()
		if g.released {
			log.Info().Msg("Run lock released")
		} else {
			log.Warn().Msg("Run lock was no longer held at release")
		}
	})
	return g.released, g.err
}
