// Package events carries fire-and-forget notifications from the engine to
// whoever is listening (UI layer, tests). Publishing never blocks the write
// paths: a full inbox drops the event.
package events

import (
	"context"
	"log/slog"
	"time"

	"trustlog/pkg/domain"
)

// Kind labels an event.
type Kind string

const (
	// KindInvalidData: locally held data was rejected against the
	// certificate chain (unknown author, revoked author, data newer than
	// the certificates on hand).
	KindInvalidData Kind = "invalid_data"

	// KindSelfRevoked: a polled batch revoked the local user.
	KindSelfRevoked Kind = "self_revoked"

	// KindProfileChanged: a polled batch changed the local user's profile.
	KindProfileChanged Kind = "profile_changed"

	// KindCertificatesApplied: a batch was admitted into the store.
	KindCertificatesApplied Kind = "certificates_applied"
)

// Event is emitted from the engine. Keep it transport-agnostic so sinks can
// fan out.
type Event struct {
	Timestamp time.Time
	Kind      Kind
	Reason    string

	User    domain.UserID
	Realm   domain.RealmID
	Profile domain.Profile

	// Accepted is the number of certificates admitted, for
	// KindCertificatesApplied.
	Accepted int
}

// Publisher fans events into a bounded inbox.
type Publisher struct {
	inbox  chan Event
	clock  func() time.Time
	logger *slog.Logger
}

type Option func(*Publisher)

func WithClock(clock func() time.Time) Option {
	return func(p *Publisher) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewPublisher(capacity int, opts ...Option) *Publisher {
	if capacity <= 0 {
		capacity = 64
	}
	p := &Publisher{
		inbox:  make(chan Event, capacity),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit publishes an event without blocking. Events dropped on overflow are
// logged, nothing else: listeners are advisory.
func (p *Publisher) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = p.clock()
	}
	select {
	case p.inbox <- event:
	default:
		p.logger.Warn("event inbox full, dropping event", "kind", event.Kind)
	}
}

// Inbox exposes the receive side for a worker or a test.
func (p *Publisher) Inbox() <-chan Event { return p.inbox }

// Sink consumes events delivered by a Worker.
type Sink func(Event)

// Worker drains a publisher's inbox into a sink. It keeps background
// processing testable without wiring queue implementations.
type Worker struct {
	inbox <-chan Event
	sink  Sink
}

func NewWorker(inbox <-chan Event, sink Sink) *Worker {
	return &Worker{inbox: inbox, sink: sink}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-w.inbox:
			w.sink(event)
		}
	}
}
