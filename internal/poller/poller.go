// Package poller keeps the local certificate log current with the server.
// It sends per-topic watermarks, feeds whatever comes back to the validator,
// and advances nothing unless the whole batch is admitted.
package poller

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"trustlog/internal/platform/metrics"
	"trustlog/internal/store"
	"trustlog/internal/transport"
	"trustlog/internal/validator"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// Poller polls the server for certificates newer than the local watermarks.
type Poller struct {
	guard       *store.Guard
	client      transport.Client
	validator   *validator.Validator
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	outcomeSink func(*validator.Outcome)

	// Concurrent EnsureUpTo callers coalesce onto a single in-flight poll;
	// losers wait for the winner's result instead of dialing again.
	group singleflight.Group
}

type Option func(*Poller)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithOutcomeSink registers a callback invoked after each applied batch, by
// the poll that actually ran it. Coalesced callers share the returned outcome
// but the sink fires once per batch, never once per caller.
func WithOutcomeSink(sink func(*validator.Outcome)) Option {
	return func(p *Poller) { p.outcomeSink = sink }
}

func New(guard *store.Guard, client transport.Client, v *validator.Validator, opts ...Option) (*Poller, error) {
	if guard == nil || client == nil || v == nil {
		return nil, errors.New(errors.CodeInvalidInput, "guard, transport and validator are required")
	}
	p := &Poller{
		guard:     guard,
		client:    client,
		validator: v,
		logger:    slog.Default(),
		tracer:    otel.Tracer("trustlog/poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Poll fetches everything issued after the local watermarks and applies it.
// An empty reply is a successful no-op. The network round-trip completes
// before the store's write guard is taken.
func (p *Poller) Poll(ctx context.Context) (*validator.Outcome, error) {
	result, err, _ := p.group.Do("poll", func() (any, error) {
		return p.pollOnce(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.(*validator.Outcome), nil
}

func (p *Poller) pollOnce(ctx context.Context) (*validator.Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "poller.Poll")
	defer span.End()
	started := time.Now()
	if p.metrics != nil {
		p.metrics.PollsTotal.Inc()
		defer func() {
			p.metrics.PollDuration.Observe(time.Since(started).Seconds())
		}()
	}

	var watermarks domain.Watermarks
	if err := p.guard.View(ctx, func(s store.Reader) error {
		var err error
		watermarks, err = s.Watermarks(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	resp, err := p.client.GetCertificates(ctx, transport.GetRequest{
		Common:    watermarks.Common,
		Sequester: watermarks.Sequester,
		Shamir:    watermarks.Shamir,
		Realms:    watermarks.Realms,
	})
	if err != nil {
		return nil, convertTransportError(err)
	}

	if resp.Empty() {
		if p.metrics != nil {
			p.metrics.PollEmpty.Inc()
		}
		return &validator.Outcome{}, nil
	}

	span.SetAttributes(
		attribute.Int("certificates.common", len(resp.Common)),
		attribute.Int("certificates.realms", len(resp.Realms)),
	)

	outcome, err := p.validator.ValidateAndApply(ctx, validator.Batch{
		Common:    resp.Common,
		Sequester: resp.Sequester,
		Shamir:    resp.Shamir,
		Realms:    resp.Realms,
	})
	if err != nil {
		// A rejected poll batch means either chain corruption or a
		// misbehaving server. Never swallow it.
		p.logger.Error("server-provided certificate batch rejected",
			"error", err, "code", errors.CodeOf(err))
		return nil, err
	}

	if p.outcomeSink != nil {
		p.outcomeSink(outcome)
	}
	p.logger.Debug("poll applied", "accepted", outcome.Accepted)
	return outcome, nil
}

// EnsureUpTo makes every certificate with global index <= index queryable,
// polling only when the local log is behind. Indices are dense and never
// reused, so a server that still leaves us behind after a poll is
// misbehaving (or the caller's index is a lie). Concurrent callers share one
// poll.
func (p *Poller) EnsureUpTo(ctx context.Context, index domain.Index) error {
	behind, err := p.isBehind(ctx, index)
	if err != nil || !behind {
		return err
	}

	if _, err := p.Poll(ctx); err != nil {
		return err
	}

	behind, err = p.isBehind(ctx, index)
	if err != nil {
		return err
	}
	if behind {
		return errors.Newf(errors.CodeInternal,
			"server reply left the local log behind requested index %d", index)
	}
	return nil
}

func (p *Poller) isBehind(ctx context.Context, index domain.Index) (bool, error) {
	var highest domain.Index
	err := p.guard.View(ctx, func(s store.Reader) error {
		var err error
		highest, err = s.HighestIndex(ctx)
		return err
	})
	if err != nil {
		return false, err
	}
	return highest < index, nil
}

// convertTransportError is the conversion table for the transport boundary:
// connection-error codes pass through, anything else is internal.
func convertTransportError(err error) error {
	switch errors.CodeOf(err) {
	case errors.CodeOffline, errors.CodeOrganizationExpired,
		errors.CodeSelfRevoked, errors.CodeBadProtocol, errors.CodeStopped:
		return err
	default:
		return errors.Wrap(err, errors.CodeInternal, "unexpected transport failure")
	}
}
