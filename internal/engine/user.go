package engine

import (
	"context"
	"crypto/ed25519"
	"time"

	"trustlog/internal/certif"
	"trustlog/internal/issue"
	"trustlog/internal/store"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// UpdateProfile changes another user's organization-wide profile. Nothing is
// sent when the user already holds the requested profile; updating one's own
// profile is rejected before reaching the network.
func (e *Engine) UpdateProfile(ctx context.Context, user domain.UserID, profile domain.Profile) (*issue.Outcome, error) {
	if err := e.checkStopped(); err != nil {
		return nil, err
	}
	if user == e.identity.User {
		return nil, errors.New(errors.CodeSelfSigned, "cannot update own profile")
	}

	var current domain.Profile
	if err := e.guard.View(ctx, func(s store.Reader) error {
		var err error
		current, err = s.GetUserProfile(ctx, store.Latest(), user)
		return err
	}); err != nil {
		return nil, err
	}
	if current == profile {
		return issue.NothingToDo(), nil
	}

	return e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(certif.UserUpdate{User: user, Profile: profile}, t)
	})
}

// RevokeUser withdraws a user from the organization. A user already revoked
// locally needs nothing sent; self-revocation is rejected.
func (e *Engine) RevokeUser(ctx context.Context, user domain.UserID) (*issue.Outcome, error) {
	if err := e.checkStopped(); err != nil {
		return nil, err
	}
	if user == e.identity.User {
		return nil, errors.New(errors.CodeSelfSigned, "cannot revoke own user")
	}

	var revoked bool
	if err := e.guard.View(ctx, func(s store.Reader) error {
		env, err := s.GetRevokedUserCertificate(ctx, store.Latest(), user)
		if err != nil {
			return err
		}
		revoked = env != nil
		return nil
	}); err != nil {
		return nil, err
	}
	if revoked {
		return issue.NothingToDo(), nil
	}

	return e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(certif.UserRevoked{User: user}, t)
	})
}

// CreateUser enrolls a new user with their first device. Both certificates
// are authored by the local device, which must belong to an administrator.
func (e *Engine) CreateUser(ctx context.Context, newUser certif.User, firstDevice certif.Device) (*issue.Outcome, error) {
	if err := e.checkStopped(); err != nil {
		return nil, err
	}
	if newUser.User != firstDevice.User {
		return nil, errors.New(errors.CodeInvalidInput, "device certificate must belong to the new user")
	}

	if _, err := e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(newUser, t)
	}); err != nil {
		return nil, err
	}
	return e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(firstDevice, t)
	})
}

// EnrollDevice adds another device for the local user.
func (e *Engine) EnrollDevice(ctx context.Context, device domain.DeviceID, label string, verifyKey ed25519.PublicKey) (*issue.Outcome, error) {
	if len(verifyKey) != ed25519.PublicKeySize {
		return nil, errors.New(errors.CodeInvalidInput, "device verify key is required")
	}
	return e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return e.sign(certif.Device{
			User:      e.identity.User,
			Device:    device,
			Label:     label,
			VerifyKey: verifyKey,
		}, t)
	})
}
