// Package transport defines the request/response surface between the trust
// engine and the server. The engine never inspects transport internals: an
// implementation either returns a typed reply or one of the closed set of
// connection-error codes (offline, organization expired, self revoked,
// unsupported protocol version, internal).
package transport

import (
	"context"
	"time"

	"trustlog/pkg/domain"
)

// GetRequest carries the caller's per-topic watermarks. A zero time means
// "since genesis". Realms maps each known realm to its watermark.
type GetRequest struct {
	Common    time.Time
	Sequester time.Time
	Shamir    time.Time
	Realms    map[domain.RealmID]time.Time
}

// GetResponse carries, per topic, every raw signed certificate issued after
// the corresponding watermark, in server (index-ascending) order.
type GetResponse struct {
	Common    [][]byte
	Sequester [][]byte
	Shamir    [][]byte
	Realms    map[domain.RealmID][][]byte
}

// Empty reports whether the poll returned nothing new.
func (r *GetResponse) Empty() bool {
	if len(r.Common) > 0 || len(r.Sequester) > 0 || len(r.Shamir) > 0 {
		return false
	}
	for _, certs := range r.Realms {
		if len(certs) > 0 {
			return false
		}
	}
	return true
}

// PostRequest carries one newly signed certificate.
type PostRequest struct {
	Certificate []byte
}

// PostOutcome discriminates the server's reply to a submission.
type PostOutcome string

const (
	PostOk                      PostOutcome = "ok"
	PostAlreadyGranted          PostOutcome = "already_granted"
	PostRequireGreaterTimestamp PostOutcome = "require_greater_timestamp"
	PostOutOfBallpark           PostOutcome = "timestamp_out_of_ballpark"
	PostRejected                PostOutcome = "rejected"
)

// Ballpark carries the four comparison fields of a clock disagreement.
// Offsets are expressed in seconds.
type Ballpark struct {
	ServerTimestamp   time.Time
	ClientTimestamp   time.Time
	ClientEarlyOffset float64
	ClientLateOffset  float64
}

// PostResponse is the typed union of submission outcomes. Exactly the fields
// relevant to Outcome are populated.
type PostResponse struct {
	Outcome PostOutcome

	// CertificateTimestamp is set for PostOk and PostAlreadyGranted; it is
	// the timestamp under which the server filed the certificate.
	CertificateTimestamp time.Time

	// StrictlyGreaterThan is set for PostRequireGreaterTimestamp.
	StrictlyGreaterThan time.Time

	// Ballpark is set for PostOutOfBallpark.
	Ballpark *Ballpark

	// Reason is set for PostRejected: a business-rule rejection code such as
	// "unknown_realm" or "author_not_allowed".
	Reason string
}

// Client is the injectable transport. Implementations must translate their
// failure modes into the coded connection errors of pkg/errors.
type Client interface {
	GetCertificates(ctx context.Context, req GetRequest) (*GetResponse, error)
	PostCertificate(ctx context.Context, req PostRequest) (*PostResponse, error)
}
