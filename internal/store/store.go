// Package store provides the durable, keyed, point-in-time-queryable
// certificate log. Two implementations exist: an in-memory store for tests
// and composition, and a SQLite-backed store for on-disk persistence.
//
// Every read accepts a Selector so callers can ask either for the latest
// locally known state or for the state visible using only certificates whose
// global index does not exceed a given value.
package store

import (
	"context"
	"time"

	"trustlog/internal/certif"
	"trustlog/pkg/domain"
)

// Selector bounds a query to a point in time expressed as a global index.
type Selector struct {
	upTo   domain.Index
	latest bool
}

// Latest selects everything locally known.
func Latest() Selector { return Selector{latest: true} }

// UpTo selects only certificates with index <= idx.
func UpTo(idx domain.Index) Selector { return Selector{upTo: idx} }

// Admits reports whether a certificate at the given index is visible.
func (s Selector) Admits(idx domain.Index) bool {
	return s.latest || idx <= s.upTo
}

// Bound returns the index cap and whether one applies.
func (s Selector) Bound() (domain.Index, bool) {
	return s.upTo, !s.latest
}

// Page bounds a listing. A non-positive Limit means "no limit".
type Page struct {
	Offset int
	Limit  int
}

// Reader is the query surface of the store. Lookup methods distinguish three
// outcomes: found, CodeNotFound (never seen), and CodeNewerThanSelector (seen,
// but only via certificates beyond the selector).
type Reader interface {
	// GetUserCertificate returns the user-creation certificate for a user.
	GetUserCertificate(ctx context.Context, sel Selector, user domain.UserID) (*certif.Envelope, error)

	// GetDeviceCertificate returns the device-enrollment certificate, which
	// carries the device's verify key.
	GetDeviceCertificate(ctx context.Context, sel Selector, device domain.DeviceID) (*certif.Envelope, error)

	// GetRevokedUserCertificate returns the revocation certificate for a
	// user, or (nil, nil) when the user is not revoked within the selector.
	GetRevokedUserCertificate(ctx context.Context, sel Selector, user domain.UserID) (*certif.Envelope, error)

	// GetUserRealmRole returns the latest admissible role certificate for
	// (user, realm), or (nil, nil) when none exists within the selector.
	// The returned role may be RoleNone, meaning access was withdrawn.
	GetUserRealmRole(ctx context.Context, sel Selector, user domain.UserID, realm domain.RealmID) (*certif.Envelope, error)

	// GetUserProfile returns the user's organization-wide profile as of the
	// selector, folding the creation certificate and any profile updates.
	GetUserProfile(ctx context.Context, sel Selector, user domain.UserID) (domain.Profile, error)

	// GetSequesterAuthority returns the authority certificate, or (nil, nil).
	GetSequesterAuthority(ctx context.Context, sel Selector) (*certif.Envelope, error)

	// GetSequesterService returns the registration certificate of a service.
	GetSequesterService(ctx context.Context, sel Selector, service domain.SequesterServiceID) (*certif.Envelope, error)

	// GetSequesterServiceRevoked returns the revocation certificate of a
	// service, or (nil, nil) when the service is not revoked.
	GetSequesterServiceRevoked(ctx context.Context, sel Selector, service domain.SequesterServiceID) (*certif.Envelope, error)

	// GetRealmKeyRotation returns the latest admissible key-rotation
	// certificate of a realm, or (nil, nil) when the realm's key was never
	// rotated within the selector.
	GetRealmKeyRotation(ctx context.Context, sel Selector, realm domain.RealmID) (*certif.Envelope, error)

	// GetRealmRoles lists all admissible role certificates of a realm in
	// index order.
	GetRealmRoles(ctx context.Context, sel Selector, realm domain.RealmID, page Page) ([]*certif.Envelope, error)

	// ListUserCertificates lists user-creation certificates in index order.
	ListUserCertificates(ctx context.Context, sel Selector, page Page) ([]*certif.Envelope, error)

	// ListDeviceCertificatesForUser lists a user's device certificates in
	// index order.
	ListDeviceCertificatesForUser(ctx context.Context, sel Selector, user domain.UserID, page Page) ([]*certif.Envelope, error)

	// Watermarks returns the per-topic highest applied timestamps.
	Watermarks(ctx context.Context) (domain.Watermarks, error)

	// LastIndex returns the highest global index applied for a topic, zero
	// when the topic is empty.
	LastIndex(ctx context.Context, topic domain.Topic) (domain.Index, error)

	// HighestIndex returns the highest global index applied across all
	// topics, zero for an empty store. It answers "how far has this client
	// synchronized" for causal-watermark checks.
	HighestIndex(ctx context.Context) (domain.Index, error)

	// IsRealmCreatedLocally reports whether this client created the realm
	// itself, before any role certificate propagated back.
	IsRealmCreatedLocally(ctx context.Context, realm domain.RealmID) (bool, error)

	// Contains reports whether a byte-identical certificate is already
	// stored; replays of known certificates are no-ops, not errors.
	Contains(ctx context.Context, fingerprint certif.Fingerprint) (bool, error)
}

// Store extends Reader with the append side. ApplyBatch is the only mutation
// of the log itself and must be called under the engine's write guard.
type Store interface {
	Reader

	// ApplyBatch atomically appends already-validated certificates in the
	// order given, assigns global indices, and advances topic watermarks.
	// Certificates whose fingerprint is already present are skipped without
	// advancing anything: replaying a batch is a no-op.
	ApplyBatch(ctx context.Context, batch []*certif.Envelope) error

	// MarkRealmCreatedLocally records that this client bootstrapped a realm.
	MarkRealmCreatedLocally(ctx context.Context, realm domain.RealmID) error

	Close() error
}

// maxTime returns the later of two timestamps.
func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
