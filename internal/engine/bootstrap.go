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

// BootstrapOrganization issues the organization's first certificates: the
// local user (as administrator) and the local device, both signed by the
// organization root key. The root signing key is only ever held during
// bootstrap; it is not retained by the engine.
func (e *Engine) BootstrapOrganization(ctx context.Context, rootKey ed25519.PrivateKey, humanHandle string) (*issue.Outcome, error) {
	if err := e.checkStopped(); err != nil {
		return nil, err
	}
	if len(rootKey) != ed25519.PrivateKeySize {
		return nil, errors.New(errors.CodeInvalidInput, "organization root signing key is required")
	}

	exists, err := e.localUserExists(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return issue.NothingToDo(), nil
	}

	if _, err := e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return certif.Sign(certif.User{
			User:        e.identity.User,
			Profile:     domain.ProfileAdmin,
			HumanHandle: humanHandle,
		}, certif.RootAuthor(), t, rootKey)
	}); err != nil {
		return nil, err
	}

	verifyKey, ok := e.identity.SigningKey.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New(errors.CodeInternal, "device signing key has no ed25519 public half")
	}
	return e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return certif.Sign(certif.Device{
			User:      e.identity.User,
			Device:    e.identity.Device,
			VerifyKey: verifyKey,
		}, certif.RootAuthor(), t, rootKey)
	})
}

// RegisterSequesterAuthority publishes the organization's sequester authority
// key. Root-signed; at most one authority may ever exist.
func (e *Engine) RegisterSequesterAuthority(ctx context.Context, rootKey ed25519.PrivateKey, authorityKey ed25519.PublicKey) (*issue.Outcome, error) {
	if err := e.checkStopped(); err != nil {
		return nil, err
	}
	if len(rootKey) != ed25519.PrivateKeySize {
		return nil, errors.New(errors.CodeInvalidInput, "organization root signing key is required")
	}
	if len(authorityKey) != ed25519.PublicKeySize {
		return nil, errors.New(errors.CodeInvalidInput, "sequester authority verify key is required")
	}

	var registered bool
	if err := e.guard.View(ctx, func(s store.Reader) error {
		env, err := s.GetSequesterAuthority(ctx, store.Latest())
		if err != nil {
			return err
		}
		registered = env != nil
		return nil
	}); err != nil {
		return nil, err
	}
	if registered {
		return issue.NothingToDo(), nil
	}

	return e.issueAndSync(ctx, func(t time.Time) ([]byte, error) {
		return certif.Sign(certif.SequesterAuthority{VerifyKey: authorityKey},
			certif.RootAuthor(), t, rootKey)
	})
}

func (e *Engine) localUserExists(ctx context.Context) (bool, error) {
	var exists bool
	err := e.guard.View(ctx, func(s store.Reader) error {
		_, err := s.GetUserCertificate(ctx, store.Latest(), e.identity.User)
		switch {
		case err == nil:
			exists = true
			return nil
		case errors.HasCode(err, errors.CodeNotFound):
			return nil
		default:
			return err
		}
	})
	return exists, err
}
