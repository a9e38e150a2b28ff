package engine

import (
	"context"
	"time"

	"trustlog/internal/certif"
	"trustlog/internal/issue"
	"trustlog/internal/store"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// CreateRealm issues the realm's first role certificate: a self-grant of
// owner by the local user. The realm is marked as locally created before the
// certificate is sent, so the resolver's bootstrap rule covers the window
// until the certificate propagates back.
func (e *Engine) CreateRealm(ctx context.Context) (domain.RealmID, *issue.Outcome, error) {
	if err := e.checkStopped(); err != nil {
		return domain.RealmID{}, nil, err
	}
	realm := domain.NewRealmID()

	if err := e.guard.Update(ctx, func(s store.Store) error {
		return s.MarkRealmCreatedLocally(ctx, realm)
	}); err != nil {
		return domain.RealmID{}, nil, err
	}

	outcome, err := e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(certif.RealmRole{
			Realm: realm,
			User:  e.identity.User,
			Role:  domain.RoleOwner,
		}, t)
	})
	if err != nil {
		return domain.RealmID{}, nil, err
	}
	return realm, outcome, nil
}

// ShareRealm grants, changes or withdraws (RoleNone) a user's role within a
// realm. Nothing is sent when the user already holds exactly that role.
func (e *Engine) ShareRealm(ctx context.Context, realm domain.RealmID, user domain.UserID, role domain.Role) (*issue.Outcome, error) {
	if err := e.checkStopped(); err != nil {
		return nil, err
	}

	var current *certif.Envelope
	if err := e.guard.View(ctx, func(s store.Reader) error {
		var err error
		current, err = s.GetUserRealmRole(ctx, store.Latest(), user, realm)
		return err
	}); err != nil {
		return nil, err
	}
	if current != nil && current.Payload.(certif.RealmRole).Role == role {
		return issue.NothingToDo(), nil
	}
	if current == nil && role == domain.RoleNone {
		return issue.NothingToDo(), nil
	}

	return e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(certif.RealmRole{Realm: realm, User: user, Role: role}, t)
	})
}

// RenameRealm issues a realm rename certificate. Owner-only; the validator
// enforces authority when the certificate is polled back.
func (e *Engine) RenameRealm(ctx context.Context, realm domain.RealmID, name string) (*issue.Outcome, error) {
	if name == "" {
		return nil, errors.New(errors.CodeInvalidInput, "realm name is required")
	}
	return e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(certif.RealmName{Realm: realm, Name: name}, t)
	})
}

// RotateRealmKey introduces the next realm key generation: one past the
// highest rotation already on record.
func (e *Engine) RotateRealmKey(ctx context.Context, realm domain.RealmID) (*issue.Outcome, error) {
	if err := e.checkStopped(); err != nil {
		return nil, err
	}

	next := 1
	if err := e.guard.View(ctx, func(s store.Reader) error {
		envs, err := s.GetRealmRoles(ctx, store.Latest(), realm, store.Page{Limit: 1})
		if err != nil {
			return err
		}
		local, err := s.IsRealmCreatedLocally(ctx, realm)
		if err != nil {
			return err
		}
		if len(envs) == 0 && !local {
			return errors.Newf(errors.CodeNotFound, "realm %s is unknown", realm)
		}
		last, err := s.GetRealmKeyRotation(ctx, store.Latest(), realm)
		if err != nil {
			return err
		}
		if last != nil {
			next = last.Payload.(certif.RealmKeyRotation).KeyIndex + 1
		}
		return nil
	}); err != nil {
		return nil, err
	}

	return e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(certif.RealmKeyRotation{Realm: realm, KeyIndex: next}, t)
	})
}

// ArchiveRealm moves a realm to a new lifecycle state. deletionDate is only
// meaningful for deletion-planned.
func (e *Engine) ArchiveRealm(ctx context.Context, realm domain.RealmID, state certif.ArchivingState, deletionDate time.Time) (*issue.Outcome, error) {
	switch state {
	case certif.ArchivingAvailable, certif.ArchivingArchived:
	case certif.ArchivingDeletionPlanned:
		if deletionDate.IsZero() {
			return nil, errors.New(errors.CodeInvalidInput, "deletion-planned state requires a deletion date")
		}
	default:
		return nil, errors.Newf(errors.CodeInvalidInput, "unknown archiving state %q", state)
	}
	return e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(certif.RealmArchiving{Realm: realm, State: state, DeletionDate: deletionDate}, t)
	})
}
