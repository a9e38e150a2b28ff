// Package validator is the single gate deciding whether externally sourced
// certificate bytes may enter the store. Admission is all-or-nothing: a batch
// containing one invalid certificate is rejected whole and nothing persists.
package validator

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sort"
	"time"

	"trustlog/internal/certif"
	"trustlog/internal/platform/metrics"
	"trustlog/internal/store"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// Batch carries per-topic lists of opaque signed certificates, in the order
// the server returned them (index-ascending within each topic).
type Batch struct {
	Common    [][]byte
	Sequester [][]byte
	Shamir    [][]byte
	Realms    map[domain.RealmID][][]byte
}

// Outcome describes how the batch changed the local user's own visible state.
type Outcome struct {
	// OwnProfile is set when the batch changed the local user's profile.
	OwnProfile *domain.Profile

	// SelfRevoked is set when the batch revoked the local user.
	SelfRevoked bool

	// Accepted is the number of certificates actually appended (replays of
	// already-known certificates are skipped, not counted).
	Accepted int
}

// Validator admits certificate batches into a guarded store.
type Validator struct {
	guard     *store.Guard
	rootKey   ed25519.PublicKey
	localUser domain.UserID
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Validator)

func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(v *Validator) {
		if m != nil {
			v.metrics = m
		}
	}
}

// New builds a validator. rootKey is the organization root verify key used
// for bootstrap and sequester-authority certificates; localUser identifies
// whose visible state the Outcome reports on.
func New(guard *store.Guard, rootKey ed25519.PublicKey, localUser domain.UserID, opts ...Option) (*Validator, error) {
	if guard == nil {
		return nil, errors.New(errors.CodeInvalidInput, "store guard is required")
	}
	if len(rootKey) != ed25519.PublicKeySize {
		return nil, errors.New(errors.CodeInvalidInput, "organization root key is required")
	}
	v := &Validator{
		guard:     guard,
		rootKey:   rootKey,
		localUser: localUser,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// ValidateAndApply runs the admission algorithm over the whole batch against
// a read snapshot and, on success, takes the write guard only long enough to
// append the staged certificates. Store lookups and signature verification
// therefore never block concurrent readers or Stop. Topics are processed
// common first so that realm certificates can be authorized by devices
// introduced earlier in the same batch.
func (v *Validator) ValidateAndApply(ctx context.Context, batch Batch) (*Outcome, error) {
	var w *working
	err := v.guard.View(ctx, func(s store.Reader) error {
		var err error
		w, err = newWorking(ctx, s, v.rootKey)
		if err != nil {
			return err
		}

		for _, raw := range batch.Common {
			if err := v.admit(ctx, w, raw); err != nil {
				return err
			}
		}
		for _, raw := range batch.Sequester {
			if err := v.admit(ctx, w, raw); err != nil {
				return err
			}
		}
		for _, raw := range batch.Shamir {
			if err := v.admit(ctx, w, raw); err != nil {
				return err
			}
		}
		for _, realm := range sortedRealms(batch.Realms) {
			for _, raw := range batch.Realms[realm] {
				if err := v.admit(ctx, w, raw); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == nil {
		err = v.guard.Update(ctx, func(s store.Store) error {
			// Validation ran outside the writer lock; make sure the snapshot
			// it saw still holds before appending on top of it.
			current, err := s.Watermarks(ctx)
			if err != nil {
				return errors.Wrap(err, errors.CodeInternal, "reload watermarks")
			}
			if !current.Equal(w.base) {
				return errors.New(errors.CodeInternal,
					"certificate store advanced while a batch was being validated")
			}
			if err := s.ApplyBatch(ctx, w.staged); err != nil {
				return errors.Wrap(err, errors.CodeInternal, "apply validated batch")
			}
			return nil
		})
	}
	if err != nil {
		if v.metrics != nil {
			v.metrics.BatchesRejected.WithLabelValues(string(errors.CodeOf(err))).Inc()
		}
		return nil, err
	}
	outcome := v.outcomeOf(w)
	if v.metrics != nil {
		v.metrics.CertificatesAccepted.Add(float64(outcome.Accepted))
	}
	return outcome, nil
}

// admit runs the per-certificate algorithm: parse unsecurely, check topic
// ordering, resolve and authorize the author, then verify the signature and
// stage the certificate.
func (v *Validator) admit(ctx context.Context, w *working, raw []byte) error {
	env, err := certif.ParseUnverified(raw)
	if err != nil {
		return err
	}

	// Byte-identical replays of already-known certificates are no-ops.
	known, err := w.store.Contains(ctx, env.Fingerprint)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "fingerprint lookup")
	}
	if known {
		v.logger.Debug("skipping already-known certificate",
			"kind", env.Kind, "timestamp", env.Timestamp)
		return nil
	}

	topic := env.Topic()
	if watermark := w.watermark(topic); !env.Timestamp.After(watermark) {
		return errors.Newf(errors.CodeInvalidTimestamp,
			"certificate %s at %s is not newer than the %s watermark %s",
			env.Kind, env.Timestamp.Format(time.RFC3339Nano), topic, watermark.Format(time.RFC3339Nano))
	}

	verifyKey, err := v.resolveAuthor(ctx, w, env)
	if err != nil {
		return err
	}

	if err := v.checkAuthority(ctx, w, env); err != nil {
		return err
	}

	if err := certif.VerifySignature(raw, verifyKey); err != nil {
		return err
	}

	w.stage(env)
	return nil
}

// resolveAuthor returns the key the certificate must verify against and
// enforces author existence and revocation causality.
func (v *Validator) resolveAuthor(ctx context.Context, w *working, env *certif.Envelope) (ed25519.PublicKey, error) {
	// Sequester service certificates are root-authored on the wire but are
	// verified against the registered sequester authority key.
	switch env.Kind {
	case certif.KindSequesterService, certif.KindSequesterServiceRevoked:
		if !env.Author.Root {
			return nil, errors.Newf(errors.CodeAuthorLacksAuthority,
				"%s certificate must be signed by the sequester authority", env.Kind)
		}
		key, err := w.authorityKey(ctx)
		if err != nil {
			return nil, err
		}
		if key == nil {
			return nil, errors.New(errors.CodeNonExistingAuthor, "no sequester authority registered")
		}
		return key, nil
	}

	if env.Author.Root {
		if !rootMaySign(env.Kind) {
			return nil, errors.Newf(errors.CodeAuthorLacksAuthority,
				"%s certificate cannot be signed by the organization root", env.Kind)
		}
		return v.rootKey, nil
	}

	device, err := w.device(ctx, env.Author.Device)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, errors.Newf(errors.CodeNonExistingAuthor,
			"author device %s does not exist", env.Author.Device)
	}

	revokedOn, revoked, err := w.revokedOn(ctx, device.User)
	if err != nil {
		return nil, err
	}
	if revoked && !revokedOn.After(env.Timestamp) {
		return nil, errors.Newf(errors.CodeRevokedAuthor,
			"author %s was revoked on %s, before certificate timestamp %s",
			device.User, revokedOn.Format(time.RFC3339Nano), env.Timestamp.Format(time.RFC3339Nano))
	}

	return device.VerifyKey, nil
}

// rootMaySign limits root authorship to the bootstrap certificate kinds.
func rootMaySign(kind certif.Kind) bool {
	switch kind {
	case certif.KindUser, certif.KindDevice, certif.KindSequesterAuthority:
		return true
	default:
		return false
	}
}

func (v *Validator) outcomeOf(w *working) *Outcome {
	outcome := &Outcome{Accepted: len(w.staged)}
	for _, env := range w.staged {
		switch p := env.Payload.(type) {
		case certif.UserUpdate:
			if p.User == v.localUser {
				profile := p.Profile
				outcome.OwnProfile = &profile
			}
		case certif.UserRevoked:
			if p.User == v.localUser {
				outcome.SelfRevoked = true
			}
		}
	}
	return outcome
}

func sortedRealms(realms map[domain.RealmID][][]byte) []domain.RealmID {
	out := make([]domain.RealmID, 0, len(realms))
	for realm := range realms {
		out = append(out, realm)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}


