package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Timeout bounds each call. Zero means 8 seconds.
	Timeout time.Duration

	// Timeouts overrides Timeout per sub-task.
	Timeouts map[SubTask]time.Duration

	// RatePerSecond limits calls across all sub-tasks. Zero disables the
	// limiter.
	RatePerSecond float64

	// Burst is the limiter burst size. Default: 4
	Burst int

	Breaker BreakerConfig
}

// Guard wraps a Gateway with a timeout, a rate limiter and a circuit
// breaker per sub-task. Every failure it returns wraps ErrUnavailable.
type Guard struct {
	next     Gateway
	config   GuardConfig
	limiter  *rate.Limiter
	breakers *Breakers

	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewGuard wraps next.
func NewGuard(next Gateway, config GuardConfig) *Guard {
	if config.Timeout <= 0 {
		config.Timeout = 8 * time.Second
	}
	if config.Burst <= 0 {
		config.Burst = 4
	}
	if config.Breaker.OnStateChange == nil {
		config.Breaker.OnStateChange = func(task SubTask, from, to BreakerState) {
			logger.Warn("model breaker state changed",
				slog.String("subtask", string(task)),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		}
	}

	g := &Guard{
		next:     next,
		config:   config,
		breakers: NewBreakers(config.Breaker),
	}
	if config.RatePerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), config.Burst)
	}

	g.calls, _ = meter.Int64Counter("gm.model.calls",
		metric.WithDescription("Model calls attempted"))
	g.failures, _ = meter.Int64Counter("gm.model.failures",
		metric.WithDescription("Model calls that failed or were rejected"))
	g.latency, _ = meter.Float64Histogram("gm.model.latency",
		metric.WithDescription("Model call latency"),
		metric.WithUnit("s"))
	return g
}

// Breakers exposes the per sub-task breakers.
func (g *Guard) Breakers() *Breakers { return g.breakers }

func (g *Guard) timeout(task SubTask) time.Duration {
	if d, ok := g.config.Timeouts[task]; ok && d > 0 {
		return d
	}
	return g.config.Timeout
}

// Complete implements Gateway.
func (g *Guard) Complete(ctx context.Context, req Request) (Completion, error) {
	ctx, span := tracer.Start(ctx, "model complete")
	defer span.End()
	taskAttr := attribute.String("request.subtask", string(req.SubTask))
	span.SetAttributes(taskAttr, attribute.Int("request.max_tokens", req.MaxTokens))
	g.calls.Add(ctx, 1, metric.WithAttributes(taskAttr))

	fail := func(err error) (Completion, error) {
		if !errors.Is(err, ErrUnavailable) {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.failures.Add(ctx, 1, metric.WithAttributes(taskAttr))
		return Completion{}, err
	}

	breaker := g.breakers.Get(req.SubTask)
	if !breaker.Allow() {
		return fail(ErrBreakerOpen)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout(req.SubTask))
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			breaker.Release()
			return fail(fmt.Errorf("rate limit: %w", err))
		}
	}

	start := time.Now()
	resp, err := g.next.Complete(ctx, req)
	g.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(taskAttr))
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = errors.New("empty completion")
	}
	breaker.Record(err)
	if err != nil {
		return fail(err)
	}

	span.SetAttributes(
		attribute.String("response.model", resp.Model),
		attribute.Int64("usage.input", resp.InputTokens),
		attribute.Int64("usage.output", resp.OutputTokens),
		attribute.Float64("usage.cost", resp.Cost),
	)
	return resp, nil
}
