package store

import (
	"context"
	"sync"
	"time"

	"trustlog/internal/certif"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// Memory is the in-memory store. It backs tests and serves as the reference
// semantics for the SQLite implementation.
type Memory struct {
	mu sync.RWMutex

	certs         []*certif.Envelope // ascending global index
	byFingerprint map[certif.Fingerprint]domain.Index

	users     map[domain.UserID]*certif.Envelope
	devices   map[domain.DeviceID]*certif.Envelope
	revoked   map[domain.UserID]*certif.Envelope
	profiles  map[domain.UserID][]*certif.Envelope // creation + updates, ascending
	roles     map[domain.RealmID][]*certif.Envelope
	rotations map[domain.RealmID][]*certif.Envelope
	authority *certif.Envelope
	services  map[domain.SequesterServiceID]*certif.Envelope
	svcRevok  map[domain.SequesterServiceID]*certif.Envelope

	nextIndex  domain.Index
	watermarks domain.Watermarks
	lastIndex  map[string]domain.Index // keyed by Topic.String()

	localRealms map[domain.RealmID]bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		byFingerprint: make(map[certif.Fingerprint]domain.Index),
		users:         make(map[domain.UserID]*certif.Envelope),
		devices:       make(map[domain.DeviceID]*certif.Envelope),
		revoked:       make(map[domain.UserID]*certif.Envelope),
		profiles:      make(map[domain.UserID][]*certif.Envelope),
		roles:         make(map[domain.RealmID][]*certif.Envelope),
		rotations:     make(map[domain.RealmID][]*certif.Envelope),
		services:      make(map[domain.SequesterServiceID]*certif.Envelope),
		svcRevok:      make(map[domain.SequesterServiceID]*certif.Envelope),
		nextIndex:     1,
		watermarks:    domain.Watermarks{Realms: make(map[domain.RealmID]time.Time)},
		lastIndex:     make(map[string]domain.Index),
		localRealms:   make(map[domain.RealmID]bool),
	}
}

func (m *Memory) ApplyBatch(ctx context.Context, batch []*certif.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, env := range batch {
		if _, known := m.byFingerprint[env.Fingerprint]; known {
			continue
		}
		applied := *env
		applied.Index = m.nextIndex
		m.nextIndex++
		m.insertLocked(&applied)
	}
	return nil
}

// insertLocked indexes a single certificate. Callers hold m.mu and have
// already assigned the index and checked the fingerprint.
func (m *Memory) insertLocked(env *certif.Envelope) {
	m.certs = append(m.certs, env)
	m.byFingerprint[env.Fingerprint] = env.Index

	topic := env.Topic()
	m.lastIndex[topic.String()] = env.Index
	switch topic.Kind {
	case domain.TopicCommon:
		m.watermarks.Common = maxTime(m.watermarks.Common, env.Timestamp)
	case domain.TopicSequester:
		m.watermarks.Sequester = maxTime(m.watermarks.Sequester, env.Timestamp)
	case domain.TopicShamir:
		m.watermarks.Shamir = maxTime(m.watermarks.Shamir, env.Timestamp)
	case domain.TopicRealm:
		m.watermarks.Realms[topic.Realm] = maxTime(m.watermarks.Realms[topic.Realm], env.Timestamp)
	}

	switch p := env.Payload.(type) {
	case certif.User:
		m.users[p.User] = env
		m.profiles[p.User] = append(m.profiles[p.User], env)
	case certif.Device:
		m.devices[p.Device] = env
	case certif.UserUpdate:
		m.profiles[p.User] = append(m.profiles[p.User], env)
	case certif.UserRevoked:
		m.revoked[p.User] = env
	case certif.RealmRole:
		m.roles[p.Realm] = append(m.roles[p.Realm], env)
	case certif.RealmKeyRotation:
		m.rotations[p.Realm] = append(m.rotations[p.Realm], env)
	case certif.SequesterAuthority:
		m.authority = env
	case certif.SequesterService:
		m.services[p.Service] = env
	case certif.SequesterServiceRevoked:
		m.svcRevok[p.Service] = env
	}
}

// admit applies the tri-state lookup rule shared by all keyed getters.
func admit(sel Selector, env *certif.Envelope, what string) (*certif.Envelope, error) {
	if env == nil {
		return nil, errors.Newf(errors.CodeNotFound, "%s not found", what)
	}
	if !sel.Admits(env.Index) {
		return nil, errors.Newf(errors.CodeNewerThanSelector, "%s exists but is newer than the selector", what)
	}
	return env, nil
}

// admitOptional is admit for lookups where absence is a plain nil result.
func admitOptional(sel Selector, env *certif.Envelope) *certif.Envelope {
	if env == nil || !sel.Admits(env.Index) {
		return nil
	}
	return env
}

func (m *Memory) GetUserCertificate(ctx context.Context, sel Selector, user domain.UserID) (*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return admit(sel, m.users[user], "user certificate")
}

func (m *Memory) GetDeviceCertificate(ctx context.Context, sel Selector, device domain.DeviceID) (*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return admit(sel, m.devices[device], "device certificate")
}

func (m *Memory) GetRevokedUserCertificate(ctx context.Context, sel Selector, user domain.UserID) (*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return admitOptional(sel, m.revoked[user]), nil
}

func (m *Memory) GetUserRealmRole(ctx context.Context, sel Selector, user domain.UserID, realm domain.RealmID) (*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.roles[realm]
	for i := len(history) - 1; i >= 0; i-- {
		env := history[i]
		if !sel.Admits(env.Index) {
			continue
		}
		if env.Payload.(certif.RealmRole).User == user {
			return env, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetUserProfile(ctx context.Context, sel Selector, user domain.UserID) (domain.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.profiles[user]
	for i := len(history) - 1; i >= 0; i-- {
		env := history[i]
		if !sel.Admits(env.Index) {
			continue
		}
		switch p := env.Payload.(type) {
		case certif.User:
			return p.Profile, nil
		case certif.UserUpdate:
			return p.Profile, nil
		}
	}
	if len(history) > 0 {
		return "", errors.New(errors.CodeNewerThanSelector, "user exists but is newer than the selector")
	}
	return "", errors.Newf(errors.CodeNotFound, "user %s not found", user)
}

func (m *Memory) GetSequesterAuthority(ctx context.Context, sel Selector) (*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return admitOptional(sel, m.authority), nil
}

func (m *Memory) GetSequesterService(ctx context.Context, sel Selector, service domain.SequesterServiceID) (*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return admit(sel, m.services[service], "sequester service certificate")
}

func (m *Memory) GetSequesterServiceRevoked(ctx context.Context, sel Selector, service domain.SequesterServiceID) (*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return admitOptional(sel, m.svcRevok[service]), nil
}

func (m *Memory) GetRealmKeyRotation(ctx context.Context, sel Selector, realm domain.RealmID) (*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.rotations[realm]
	for i := len(history) - 1; i >= 0; i-- {
		if sel.Admits(history[i].Index) {
			return history[i], nil
		}
	}
	return nil, nil
}

func (m *Memory) GetRealmRoles(ctx context.Context, sel Selector, realm domain.RealmID, page Page) ([]*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*certif.Envelope
	for _, env := range m.roles[realm] {
		if sel.Admits(env.Index) {
			out = append(out, env)
		}
	}
	return paginate(out, page), nil
}

func (m *Memory) ListUserCertificates(ctx context.Context, sel Selector, page Page) ([]*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*certif.Envelope
	for _, env := range m.certs {
		if env.Kind == certif.KindUser && sel.Admits(env.Index) {
			out = append(out, env)
		}
	}
	return paginate(out, page), nil
}

func (m *Memory) ListDeviceCertificatesForUser(ctx context.Context, sel Selector, user domain.UserID, page Page) ([]*certif.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*certif.Envelope
	for _, env := range m.certs {
		if env.Kind != certif.KindDevice || !sel.Admits(env.Index) {
			continue
		}
		if env.Payload.(certif.Device).User == user {
			out = append(out, env)
		}
	}
	return paginate(out, page), nil
}

func (m *Memory) Watermarks(ctx context.Context) (domain.Watermarks, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watermarks.Clone(), nil
}

func (m *Memory) LastIndex(ctx context.Context, topic domain.Topic) (domain.Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndex[topic.String()], nil
}

func (m *Memory) HighestIndex(ctx context.Context) (domain.Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextIndex - 1, nil
}

func (m *Memory) MarkRealmCreatedLocally(ctx context.Context, realm domain.RealmID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localRealms[realm] = true
	return nil
}

func (m *Memory) IsRealmCreatedLocally(ctx context.Context, realm domain.RealmID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localRealms[realm], nil
}

func (m *Memory) Contains(ctx context.Context, fingerprint certif.Fingerprint) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, known := m.byFingerprint[fingerprint]
	return known, nil
}

func (m *Memory) Close() error { return nil }

func paginate(in []*certif.Envelope, page Page) []*certif.Envelope {
	if page.Offset > 0 {
		if page.Offset >= len(in) {
			return nil
		}
		in = in[page.Offset:]
	}
	if page.Limit > 0 && page.Limit < len(in) {
		in = in[:page.Limit]
	}
	return in
}
