package validator

import (
	"context"
	"crypto/ed25519"
	"time"

	"trustlog/internal/certif"
	"trustlog/internal/store"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// working is the in-flight view of the chain while a batch is validated:
// certificates staged earlier in the batch are visible to later ones, but
// nothing touches the store until the whole batch is admitted. It reads
// through a shared snapshot, never the write side.
type working struct {
	store store.Reader

	staged     []*certif.Envelope
	base       domain.Watermarks
	watermarks domain.Watermarks

	devices    map[domain.DeviceID]certif.Device
	users      map[domain.UserID]bool
	profiles   map[domain.UserID]domain.Profile
	revoked    map[domain.UserID]time.Time
	realmRoles map[domain.RealmID]map[domain.UserID]domain.Role
	realmSeen  map[domain.RealmID]bool
	authority  ed25519.PublicKey
	services   map[domain.SequesterServiceID]bool
	svcRevoked map[domain.SequesterServiceID]bool
}

func newWorking(ctx context.Context, s store.Reader, _ ed25519.PublicKey) (*working, error) {
	watermarks, err := s.Watermarks(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "load watermarks")
	}
	return &working{
		store:      s,
		base:       watermarks.Clone(),
		watermarks: watermarks,
		devices:    make(map[domain.DeviceID]certif.Device),
		users:      make(map[domain.UserID]bool),
		profiles:   make(map[domain.UserID]domain.Profile),
		revoked:    make(map[domain.UserID]time.Time),
		realmRoles: make(map[domain.RealmID]map[domain.UserID]domain.Role),
		realmSeen:  make(map[domain.RealmID]bool),
		services:   make(map[domain.SequesterServiceID]bool),
		svcRevoked: make(map[domain.SequesterServiceID]bool),
	}, nil
}

// stage records an admitted certificate and folds it into the view used by
// the rest of the batch.
func (w *working) stage(env *certif.Envelope) {
	w.staged = append(w.staged, env)

	topic := env.Topic()
	switch topic.Kind {
	case domain.TopicCommon:
		w.watermarks.Common = env.Timestamp
	case domain.TopicSequester:
		w.watermarks.Sequester = env.Timestamp
	case domain.TopicShamir:
		w.watermarks.Shamir = env.Timestamp
	case domain.TopicRealm:
		w.watermarks.Realms[topic.Realm] = env.Timestamp
	}

	switch p := env.Payload.(type) {
	case certif.User:
		w.users[p.User] = true
		w.profiles[p.User] = p.Profile
	case certif.Device:
		w.devices[p.Device] = p
	case certif.UserUpdate:
		w.profiles[p.User] = p.Profile
	case certif.UserRevoked:
		w.revoked[p.User] = env.Timestamp
	case certif.RealmRole:
		roles, ok := w.realmRoles[p.Realm]
		if !ok {
			roles = make(map[domain.UserID]domain.Role)
			w.realmRoles[p.Realm] = roles
		}
		roles[p.User] = p.Role
		w.realmSeen[p.Realm] = true
	case certif.SequesterAuthority:
		w.authority = p.VerifyKey
	case certif.SequesterService:
		w.services[p.Service] = true
	case certif.SequesterServiceRevoked:
		w.svcRevoked[p.Service] = true
	}
}

func (w *working) watermark(topic domain.Topic) time.Time {
	return w.watermarks.For(topic)
}

// device resolves a device certificate payload, staged certificates first.
// A nil result with nil error means the device is unknown.
func (w *working) device(ctx context.Context, id domain.DeviceID) (*certif.Device, error) {
	if staged, ok := w.devices[id]; ok {
		return &staged, nil
	}
	env, err := w.store.GetDeviceCertificate(ctx, store.Latest(), id)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CodeInternal, "device lookup")
	}
	payload := env.Payload.(certif.Device)
	return &payload, nil
}

func (w *working) userExists(ctx context.Context, user domain.UserID) (bool, error) {
	if w.users[user] {
		return true, nil
	}
	_, err := w.store.GetUserCertificate(ctx, store.Latest(), user)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, errors.CodeInternal, "user lookup")
	}
	return true, nil
}

func (w *working) revokedOn(ctx context.Context, user domain.UserID) (time.Time, bool, error) {
	if ts, ok := w.revoked[user]; ok {
		return ts, true, nil
	}
	env, err := w.store.GetRevokedUserCertificate(ctx, store.Latest(), user)
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, errors.CodeInternal, "revocation lookup")
	}
	if env == nil {
		return time.Time{}, false, nil
	}
	return env.Timestamp, true, nil
}

func (w *working) profile(ctx context.Context, user domain.UserID) (domain.Profile, error) {
	if profile, ok := w.profiles[user]; ok {
		return profile, nil
	}
	profile, err := w.store.GetUserProfile(ctx, store.Latest(), user)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return "", errors.Newf(errors.CodeNonExistingAuthor, "user %s does not exist", user)
		}
		return "", errors.Wrap(err, errors.CodeInternal, "profile lookup")
	}
	return profile, nil
}

// roleOf returns the user's current role in the realm and whether any role
// certificate exists for that pair.
func (w *working) roleOf(ctx context.Context, realm domain.RealmID, user domain.UserID) (domain.Role, bool, error) {
	if roles, ok := w.realmRoles[realm]; ok {
		if role, ok := roles[user]; ok {
			return role, true, nil
		}
	}
	env, err := w.store.GetUserRealmRole(ctx, store.Latest(), user, realm)
	if err != nil {
		return "", false, errors.Wrap(err, errors.CodeInternal, "realm role lookup")
	}
	if env == nil {
		return domain.RoleNone, false, nil
	}
	return env.Payload.(certif.RealmRole).Role, true, nil
}

func (w *working) userHasDevices(ctx context.Context, user domain.UserID) (bool, error) {
	for _, device := range w.devices {
		if device.User == user {
			return true, nil
		}
	}
	devices, err := w.store.ListDeviceCertificatesForUser(ctx, store.Latest(), user, store.Page{Limit: 1})
	if err != nil {
		return false, errors.Wrap(err, errors.CodeInternal, "device listing")
	}
	return len(devices) > 0, nil
}

func (w *working) realmHasRoles(ctx context.Context, realm domain.RealmID) (bool, error) {
	if w.realmSeen[realm] {
		return true, nil
	}
	roles, err := w.store.GetRealmRoles(ctx, store.Latest(), realm, store.Page{Limit: 1})
	if err != nil {
		return false, errors.Wrap(err, errors.CodeInternal, "realm roles lookup")
	}
	return len(roles) > 0, nil
}

func (w *working) authorityKey(ctx context.Context) (ed25519.PublicKey, error) {
	if w.authority != nil {
		return w.authority, nil
	}
	env, err := w.store.GetSequesterAuthority(ctx, store.Latest())
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "sequester authority lookup")
	}
	if env == nil {
		return nil, nil
	}
	return env.Payload.(certif.SequesterAuthority).VerifyKey, nil
}

func (w *working) serviceExists(ctx context.Context, service domain.SequesterServiceID) (bool, error) {
	if w.services[service] {
		return true, nil
	}
	_, err := w.store.GetSequesterService(ctx, store.Latest(), service)
	if err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return false, nil
		}
		return false, errors.Wrap(err, errors.CodeInternal, "sequester service lookup")
	}
	return true, nil
}

func (w *working) serviceRevoked(ctx context.Context, service domain.SequesterServiceID) (bool, error) {
	if w.svcRevoked[service] {
		return true, nil
	}
	env, err := w.store.GetSequesterServiceRevoked(ctx, store.Latest(), service)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeInternal, "sequester service revocation lookup")
	}
	return env != nil, nil
}
