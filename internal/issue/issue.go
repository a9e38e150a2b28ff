// Package issue implements the idempotent retry protocol shared by every
// write path that produces a new certificate. A causality conflict from the
// server ("retry with a greater timestamp") is retried with a strictly
// increasing proposal; a clock disagreement ("out of ballpark") is terminal
// and never retried automatically.
package issue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"trustlog/internal/platform/metrics"
	"trustlog/internal/transport"
	"trustlog/pkg/errors"
)

// Clock supplies the current time; injected for tests.
type Clock func() time.Time

// BuildFunc signs a certificate dated at the proposed timestamp.
type BuildFunc func(timestamp time.Time) ([]byte, error)

// OutcomeKind discriminates the terminal states of the protocol.
type OutcomeKind string

const (
	// Uploaded: the server accepted a newly submitted certificate.
	Uploaded OutcomeKind = "uploaded"

	// RemoteIdempotent: the server already held an equivalent certificate.
	RemoteIdempotent OutcomeKind = "remote_idempotent"

	// LocalIdempotent: nothing needed to be sent at all. Produced by write
	// paths, never by Run itself.
	LocalIdempotent OutcomeKind = "local_idempotent"
)

// Outcome is the terminal result of a successful issuance.
type Outcome struct {
	Kind OutcomeKind

	// CertificateTimestamp is the timestamp under which the certificate is
	// filed server-side; callers poll up to it before relying on the
	// certificate being queryable. Zero for LocalIdempotent.
	CertificateTimestamp time.Time
}

// NothingToDo is the LocalIdempotent outcome.
func NothingToDo() *Outcome { return &Outcome{Kind: LocalIdempotent} }

// BallparkError carries the four comparison fields of a clock disagreement.
type BallparkError struct {
	transport.Ballpark
}

func (e *BallparkError) Error() string {
	return fmt.Sprintf(
		"local clock out of ballpark: client %s vs server %s (early offset %.1fs, late offset %.1fs)",
		e.ClientTimestamp.Format(time.RFC3339Nano),
		e.ServerTimestamp.Format(time.RFC3339Nano),
		e.ClientEarlyOffset, e.ClientLateOffset)
}

// Issuer runs the protocol against a transport.
type Issuer struct {
	client  transport.Client
	clock   Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Issuer)

func WithClock(clock Clock) Option {
	return func(i *Issuer) {
		if clock != nil {
			i.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) {
		if logger != nil {
			i.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Issuer) {
		if m != nil {
			i.metrics = m
		}
	}
}

func New(client transport.Client, opts ...Option) (*Issuer, error) {
	if client == nil {
		return nil, errors.New(errors.CodeInvalidInput, "transport client is required")
	}
	i := &Issuer{
		client: client,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Run proposes, submits and, on causality conflicts, re-proposes a
// certificate until the server settles. The proposed timestamp starts at
// now() and is re-proposed as max(now(), server floor), so it is
// non-decreasing across attempts and eventually exceeds any bounded floor.
func (i *Issuer) Run(ctx context.Context, build BuildFunc) (*Outcome, error) {
	var floor time.Time
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		proposed := i.clock().UTC()
		if floor.After(proposed) {
			proposed = floor
		}

		raw, err := build(proposed)
		if err != nil {
			return nil, err
		}

		resp, err := i.client.PostCertificate(ctx, transport.PostRequest{Certificate: raw})
		if err != nil {
			return nil, convertTransportError(err)
		}

		switch resp.Outcome {
		case transport.PostOk:
			return &Outcome{Kind: Uploaded, CertificateTimestamp: settled(resp, proposed)}, nil

		case transport.PostAlreadyGranted:
			return &Outcome{Kind: RemoteIdempotent, CertificateTimestamp: settled(resp, proposed)}, nil

		case transport.PostRequireGreaterTimestamp:
			if i.metrics != nil {
				i.metrics.IssueRetries.Inc()
			}
			i.logger.Debug("re-proposing certificate timestamp",
				"proposed", proposed, "floor", resp.StrictlyGreaterThan)
			floor = resp.StrictlyGreaterThan.UTC()

		case transport.PostOutOfBallpark:
			if resp.Ballpark == nil {
				return nil, errors.New(errors.CodeInternal, "ballpark reply without comparison fields")
			}
			return nil, errors.Wrap(&BallparkError{Ballpark: *resp.Ballpark},
				errors.CodeOutOfBallpark, "certificate submission refused")

		case transport.PostRejected:
			return nil, errors.Newf(errors.CodeRejected, "server rejected certificate: %s", resp.Reason)

		default:
			return nil, errors.Newf(errors.CodeInternal, "unknown submission outcome %q", resp.Outcome)
		}
	}
}

func settled(resp *transport.PostResponse, proposed time.Time) time.Time {
	if !resp.CertificateTimestamp.IsZero() {
		return resp.CertificateTimestamp
	}
	return proposed
}

// convertTransportError keeps connection-error codes, everything else maps
// to internal.
func convertTransportError(err error) error {
	switch errors.CodeOf(err) {
	case errors.CodeOffline, errors.CodeOrganizationExpired,
		errors.CodeSelfRevoked, errors.CodeBadProtocol, errors.CodeStopped:
		return err
	default:
		return errors.Wrap(err, errors.CodeInternal, "unexpected transport failure")
	}
}
