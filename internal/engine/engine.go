// Package engine is the facade tying the trust components together: the
// guarded store, the batch validator, the poller, the resolver, the issuance
// protocol and the local device identity. Write paths live one per file.
package engine

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"time"

	"trustlog/internal/certif"
	"trustlog/internal/events"
	"trustlog/internal/issue"
	"trustlog/internal/platform/metrics"
	"trustlog/internal/poller"
	"trustlog/internal/resolver"
	"trustlog/internal/store"
	"trustlog/internal/transport"
	"trustlog/internal/validator"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// Identity is the local device identity every locally issued certificate is
// signed with. The signing key is supplied by the device enrollment layer.
type Identity struct {
	Organization domain.OrganizationID
	User         domain.UserID
	Device       domain.DeviceID
	SigningKey   ed25519.PrivateKey
}

// Engine owns the component graph and the shutdown lifecycle.
type Engine struct {
	identity  Identity
	guard     *store.Guard
	validator *validator.Validator
	poller    *poller.Poller
	resolver  *resolver.Resolver
	issuer    *issue.Issuer
	events    *events.Publisher
	clock     func() time.Time
	logger    *slog.Logger
}

type Option func(*options)

type options struct {
	clock   func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	events  *events.Publisher
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithEvents(p *events.Publisher) Option {
	return func(o *options) {
		if p != nil {
			o.events = p
		}
	}
}

// New wires the engine. rootKey is the organization root verify key; st is
// the durable certificate store, taken over by the engine (Stop closes it).
func New(st store.Store, client transport.Client, rootKey ed25519.PublicKey, identity Identity, opts ...Option) (*Engine, error) {
	if st == nil || client == nil {
		return nil, errors.New(errors.CodeInvalidInput, "store and transport client are required")
	}
	if len(identity.SigningKey) != ed25519.PrivateKeySize {
		return nil, errors.New(errors.CodeInvalidInput, "device signing key is required")
	}

	o := &options{
		clock:  time.Now,
		logger: slog.Default(),
		events: events.NewPublisher(0),
	}
	for _, opt := range opts {
		opt(o)
	}

	guard := store.NewGuard(st)

	v, err := validator.New(guard, rootKey, identity.User,
		validator.WithLogger(o.logger), validator.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}
	// Events fire from the poll that applied the batch: coalesced Poll
	// callers share the outcome without re-publishing it.
	sink := func(outcome *validator.Outcome) {
		publishOutcome(o.events, identity.User, outcome)
	}
	p, err := poller.New(guard, client, v,
		poller.WithLogger(o.logger), poller.WithMetrics(o.metrics),
		poller.WithOutcomeSink(sink))
	if err != nil {
		return nil, err
	}
	r, err := resolver.New(guard, identity.User)
	if err != nil {
		return nil, err
	}
	i, err := issue.New(client,
		issue.WithClock(o.clock), issue.WithLogger(o.logger), issue.WithMetrics(o.metrics))
	if err != nil {
		return nil, err
	}

	return &Engine{
		identity:  identity,
		guard:     guard,
		validator: v,
		poller:    p,
		resolver:  r,
		issuer:    i,
		events:    o.events,
		clock:     o.clock,
		logger:    o.logger,
	}, nil
}

// Stop shuts the engine down. Idempotent and safe to call concurrently with
// outstanding reads; every subsequent operation fails fast with a stopped
// error.
func (e *Engine) Stop() error {
	return e.guard.Stop()
}

// Resolver exposes the point-in-time query surface.
func (e *Engine) Resolver() *resolver.Resolver { return e.resolver }

// Events exposes the engine's event publisher.
func (e *Engine) Events() *events.Publisher { return e.events }

// View runs fn with shared read access to the certificate store.
func (e *Engine) View(ctx context.Context, fn func(store.Reader) error) error {
	return e.guard.View(ctx, fn)
}

// Poll brings the local store up to date. Visible-state events are published
// by the poll that applies the batch.
func (e *Engine) Poll(ctx context.Context) (*validator.Outcome, error) {
	return e.poller.Poll(ctx)
}

// EnsureUpTo makes every certificate with global index <= index queryable,
// polling only when the local log is behind.
func (e *Engine) EnsureUpTo(ctx context.Context, index domain.Index) error {
	return e.poller.EnsureUpTo(ctx, index)
}

func publishOutcome(p *events.Publisher, user domain.UserID, outcome *validator.Outcome) {
	if outcome.Accepted > 0 {
		p.Emit(events.Event{
			Kind:     events.KindCertificatesApplied,
			Accepted: outcome.Accepted,
		})
	}
	if outcome.OwnProfile != nil {
		p.Emit(events.Event{
			Kind:    events.KindProfileChanged,
			User:    user,
			Profile: *outcome.OwnProfile,
		})
	}
	if outcome.SelfRevoked {
		p.Emit(events.Event{
			Kind: events.KindSelfRevoked,
			User: user,
		})
	}
}

// checkStopped lets write paths fail fast before touching the network.
func (e *Engine) checkStopped() error {
	select {
	case <-e.guard.Stopped():
		return errors.New(errors.CodeStopped, "trust engine is stopped")
	default:
		return nil
	}
}

// sign produces the wire form of a certificate authored by the local device.
func (e *Engine) sign(payload certif.Payload, timestamp time.Time) ([]byte, error) {
	return certif.Sign(payload, certif.DeviceAuthor(e.identity.Device), timestamp, e.identity.SigningKey)
}

// issueAndSync runs the issuance protocol and, when a certificate reached the
// server, polls it back so it becomes locally queryable before returning.
func (e *Engine) issueAndSync(ctx context.Context, build issue.BuildFunc) (*issue.Outcome, error) {
	if err := e.checkStopped(); err != nil {
		return nil, err
	}
	outcome, err := e.issuer.Run(ctx, build)
	if err != nil {
		return nil, err
	}
	if outcome.Kind == issue.LocalIdempotent {
		return outcome, nil
	}
	if _, err := e.Poll(ctx); err != nil {
		return nil, err
	}
	return outcome, nil
}
