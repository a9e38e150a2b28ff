package domain

import "trustlog/pkg/errors"

// Role is a user's standing within a realm. RoleNone is a real certificate
// value: it records that previously granted access was withdrawn.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleManager     Role = "manager"
	RoleContributor Role = "contributor"
	RoleReader      Role = "reader"
	RoleNone        Role = "none"
)

// CanWrite reports whether the role allows producing realm content.
func (r Role) CanWrite() bool {
	switch r {
	case RoleOwner, RoleManager, RoleContributor:
		return true
	default:
		return false
	}
}

// CanManageMembers reports whether the role allows granting contributor or
// reader access to others.
func (r Role) CanManageMembers() bool {
	return r == RoleOwner || r == RoleManager
}

// IsPrivileged reports whether the role itself requires an owner grantor.
func (r Role) IsPrivileged() bool {
	return r == RoleOwner || r == RoleManager
}

func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleOwner, RoleManager, RoleContributor, RoleReader, RoleNone:
		return Role(raw), nil
	default:
		return "", errors.Newf(errors.CodeInvalidInput, "unknown role %q", raw)
	}
}

// Profile is a user's organization-wide standing.
type Profile string

const (
	ProfileAdmin    Profile = "admin"
	ProfileStandard Profile = "standard"
	ProfileOutsider Profile = "outsider"
)

func ParseProfile(raw string) (Profile, error) {
	switch Profile(raw) {
	case ProfileAdmin, ProfileStandard, ProfileOutsider:
		return Profile(raw), nil
	default:
		return "", errors.Newf(errors.CodeInvalidInput, "unknown profile %q", raw)
	}
}
