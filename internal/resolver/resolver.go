// Package resolver answers point-in-time authorization queries over the
// certificate store. Queries are pure and network-free: they consult only
// certificates whose index lies within the caller's selector, which is what
// keeps later revocations from retroactively invalidating (and later
// promotions from retroactively validating) historical data.
package resolver

import (
	"context"
	"time"

	"trustlog/internal/certif"
	"trustlog/internal/store"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// RoleSource records how a role answer was derived.
type RoleSource string

const (
	// RoleSourceCertificate: a role certificate within the selector answered.
	RoleSourceCertificate RoleSource = "certificate"

	// RoleSourceImplicit: the realm-bootstrap benefit of the doubt. Applies
	// only while a realm this client created has no role certificate at all;
	// it must never be generalized to other queries.
	RoleSourceImplicit RoleSource = "implicit"

	// RoleSourceNone: no certificate and no bootstrap relationship.
	RoleSourceNone RoleSource = "none"
)

// RoleInfo is the answer to a role query.
type RoleInfo struct {
	Role   domain.Role
	Source RoleSource

	// Since and Index describe the answering certificate; zero for implicit
	// and none answers.
	Since time.Time
	Index domain.Index
}

// Resolver reads the guarded store on behalf of external consumers.
type Resolver struct {
	guard     *store.Guard
	localUser domain.UserID
}

func New(guard *store.Guard, localUser domain.UserID) (*Resolver, error) {
	if guard == nil {
		return nil, errors.New(errors.CodeInvalidInput, "store guard is required")
	}
	return &Resolver{guard: guard, localUser: localUser}, nil
}

// RoleAt resolves the role of a user in a realm as seen at the selector.
func (r *Resolver) RoleAt(ctx context.Context, sel store.Selector, user domain.UserID, realm domain.RealmID) (RoleInfo, error) {
	var info RoleInfo
	err := r.guard.View(ctx, func(s store.Reader) error {
		env, err := s.GetUserRealmRole(ctx, sel, user, realm)
		if err != nil {
			return err
		}
		if env != nil {
			info = RoleInfo{
				Role:   env.Payload.(certif.RealmRole).Role,
				Source: RoleSourceCertificate,
				Since:  env.Timestamp,
				Index:  env.Index,
			}
			return nil
		}

		// Bootstrap benefit of the doubt: valid only in the total absence of
		// role certificates for the realm, and only for the local user on a
		// realm this client created itself.
		any, err := s.GetRealmRoles(ctx, sel, realm, store.Page{Limit: 1})
		if err != nil {
			return err
		}
		if len(any) == 0 && user == r.localUser {
			local, err := s.IsRealmCreatedLocally(ctx, realm)
			if err != nil {
				return err
			}
			if local {
				info = RoleInfo{Role: domain.RoleOwner, Source: RoleSourceImplicit}
				return nil
			}
		}
		info = RoleInfo{Role: domain.RoleNone, Source: RoleSourceNone}
		return nil
	})
	return info, err
}

// ProfileAt resolves a user's organization-wide profile at the selector.
func (r *Resolver) ProfileAt(ctx context.Context, sel store.Selector, user domain.UserID) (domain.Profile, error) {
	var profile domain.Profile
	err := r.guard.View(ctx, func(s store.Reader) error {
		var err error
		profile, err = s.GetUserProfile(ctx, sel, user)
		return err
	})
	return profile, err
}

// RevokedOn reports whether the user was revoked at or before ts, and when.
func (r *Resolver) RevokedOn(ctx context.Context, user domain.UserID, ts time.Time) (*time.Time, error) {
	var revokedOn *time.Time
	err := r.guard.View(ctx, func(s store.Reader) error {
		env, err := s.GetRevokedUserCertificate(ctx, store.Latest(), user)
		if err != nil {
			return err
		}
		if env != nil && !env.Timestamp.After(ts) {
			when := env.Timestamp
			revokedOn = &when
		}
		return nil
	})
	return revokedOn, err
}

// RealmMembers lists the current members of a realm at the selector, keeping
// only each user's latest role certificate and dropping RoleNone entries.
func (r *Resolver) RealmMembers(ctx context.Context, sel store.Selector, realm domain.RealmID) (map[domain.UserID]domain.Role, error) {
	members := make(map[domain.UserID]domain.Role)
	err := r.guard.View(ctx, func(s store.Reader) error {
		envs, err := s.GetRealmRoles(ctx, sel, realm, store.Page{})
		if err != nil {
			return err
		}
		for _, env := range envs {
			p := env.Payload.(certif.RealmRole)
			if p.Role == domain.RoleNone {
				delete(members, p.User)
			} else {
				members[p.User] = p.Role
			}
		}
		return nil
	})
	return members, err
}
