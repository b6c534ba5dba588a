package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/esi-contract-ingest/pkg/logging"
)

var (
	esiErrorsRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "esi_errors_remaining",
		Help: "Number of errors remaining in current ESI error limit window",
	})

	esiErrorBudgetDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "esi_error_budget_decisions_total",
		Help: "Error budget gate decisions by outcome",
	}, []string{"decision"})
)

// ErrBudgetExhausted is returned by Wait when the gate blocks a request.
var ErrBudgetExhausted = errors.New("esi error budget exhausted")

// Tracker keeps the shared error budget in Redis and gates requests on it.
type Tracker struct {
	redis      redis.Cmdable
	thresholds Thresholds
	logger     zerolog.Logger
	now        func() time.Time
}

// NewTracker creates a tracker.
func NewTracker(redisClient redis.Cmdable, thresholds Thresholds, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:      redisClient,
		thresholds: thresholds,
		logger:     logging.Component(logger, "error-budget"),
		now:        time.Now,
	}
}

// Budget reads the current budget from Redis.
func (t *Tracker) Budget(ctx context.Context) (Budget, error) {
	vals, err := t.redis.MGet(ctx, KeyErrorsRemaining, KeyResetAt).Result()
	if err != nil {
		return Budget{}, fmt.Errorf("read error budget: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Budget{}, nil
	}

	remaining, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return Budget{}, fmt.Errorf("parse errors remaining: %w", err)
	}
	resetUnix, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return Budget{}, fmt.Errorf("parse reset timestamp: %w", err)
	}

	return Budget{Remaining: remaining, ResetAt: time.Unix(resetUnix, 0), Known: true}, nil
}

// Observe records the budget advertised by an ESI response.
// Responses without the headers are ignored.
func (t *Tracker) Observe(ctx context.Context, headers http.Header) error {
	remainStr := headers.Get("X-ESI-Error-Limit-Remain")
	if remainStr == "" {
		return nil
	}

	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		return fmt.Errorf("parse X-ESI-Error-Limit-Remain header: %w", err)
	}

	resetSeconds, err := strconv.Atoi(headers.Get("X-ESI-Error-Limit-Reset"))
	if err != nil {
		return fmt.Errorf("parse X-ESI-Error-Limit-Reset header: %w", err)
	}

	window := time.Duration(resetSeconds) * time.Second
	resetAt := t.now().Add(window)

	// Keys expire with the window so a stale budget never outlives it.
	ttl := window + time.Second
	pipe := t.redis.Pipeline()
	pipe.Set(ctx, KeyErrorsRemaining, remain, ttl)
	pipe.Set(ctx, KeyResetAt, resetAt.Unix(), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store error budget: %w", err)
	}

	esiErrorsRemaining.Set(float64(remain))

	budget := Budget{Remaining: remain, ResetAt: resetAt, Known: true}
	switch budget.Decide(t.thresholds, t.now()) {
	case Block:
		t.logger.Error().Int("errors_remaining", remain).Time("reset_at", resetAt).
			Msg("ESI error limit critical - requests will be blocked")
	case Throttle:
		t.logger.Warn().Int("errors_remaining", remain).Time("reset_at", resetAt).
			Msg("ESI error limit low - requests will be throttled")
	default:
		t.logger.Debug().Int("errors_remaining", remain).Msg("ESI error limit updated")
	}

	return nil
}

// Wait applies the gate before a request. It returns ErrBudgetExhausted when
// the request must not be sent. A budget that cannot be read lets the request
// through; the headers on its response will repair the state.
func (t *Tracker) Wait(ctx context.Context) error {
	budget, err := t.Budget(ctx)
	if err != nil {
		t.logger.Warn().Err(err).Msg("Error budget unavailable, allowing request")
		esiErrorBudgetDecisions.WithLabelValues("unknown").Inc()
		return nil
	}

	decision := budget.Decide(t.thresholds, t.now())
	esiErrorBudgetDecisions.WithLabelValues(decision.String()).Inc()

	switch decision {
	case Block:
		t.logger.Error().
			Int("errors_remaining", budget.Remaining).
			Dur("wait_duration", budget.ResetAt.Sub(t.now())).
			Msg("ESI error limit critical - blocking request")
		return ErrBudgetExhausted
	case Throttle:
		t.logger.Warn().Int("errors_remaining", budget.Remaining).Msg("ESI error limit low - throttling request")
		timer := time.NewTimer(t.thresholds.ThrottleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return nil
}
