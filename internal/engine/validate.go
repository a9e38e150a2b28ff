package engine

import (
	"context"
	"time"

	"trustlog/internal/certif"
	"trustlog/internal/events"
	"trustlog/internal/store"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// UserData describes a piece of signed application data (a manifest, a
// message) whose authenticity is decided against the certificate chain. Index
// is the causal watermark the producer claimed to have synchronized up to.
type UserData struct {
	Author    domain.DeviceID
	Timestamp time.Time
	Index     domain.Index

	// Realm, when set, requires the author to have held a write-capable
	// role in it at the data's index.
	Realm *domain.RealmID
}

// ValidateUserData decides whether the data's producer had the right to
// produce it at the moment they produced it, using only certificates with
// index <= the data's own index. A rejection publishes an invalid-data event
// before returning the coded error.
func (e *Engine) ValidateUserData(ctx context.Context, data UserData) error {
	if err := e.checkStopped(); err != nil {
		return err
	}

	if err := e.EnsureUpTo(ctx, data.Index); err != nil {
		return err
	}

	sel := store.UpTo(data.Index)

	var device *certif.Envelope
	err := e.guard.View(ctx, func(s store.Reader) error {
		var err error
		device, err = s.GetDeviceCertificate(ctx, sel, data.Author)
		return err
	})
	switch {
	case errors.HasCode(err, errors.CodeNotFound), errors.HasCode(err, errors.CodeNewerThanSelector):
		return e.rejectData(data, errors.Wrapf(err, errors.CodeNonExistingAuthor,
			"data authored by unknown device %s", data.Author))
	case err != nil:
		return err
	}
	author := device.Payload.(certif.Device).User

	revokedOn, err := e.resolver.RevokedOn(ctx, author, data.Timestamp)
	if err != nil {
		return err
	}
	if revokedOn != nil {
		return e.rejectData(data, errors.Newf(errors.CodeRevokedAuthor,
			"data authored by %s after their revocation on %s",
			author, revokedOn.Format(time.RFC3339Nano)))
	}

	if data.Realm != nil {
		info, err := e.resolver.RoleAt(ctx, sel, author, *data.Realm)
		if err != nil {
			return err
		}
		if !info.Role.CanWrite() {
			return e.rejectData(data, errors.Newf(errors.CodeAuthorLacksAuthority,
				"data in realm %s authored by %s whose role is %s", *data.Realm, author, info.Role))
		}
	}
	return nil
}

// rejectData publishes the fire-and-forget invalid-data event and passes the
// rejection through unchanged.
func (e *Engine) rejectData(data UserData, err error) error {
	event := events.Event{
		Kind:   events.KindInvalidData,
		Reason: err.Error(),
	}
	if data.Realm != nil {
		event.Realm = *data.Realm
	}
	e.events.Emit(event)
	e.logger.Warn("rejected user data", "author", data.Author, "error", err)
	return err
}
