package validator

import (
	"context"
	"time"

	"trustlog/internal/certif"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// checkAuthority applies the kind-specific authorization rule. The author's
// existence and revocation state were already checked by resolveAuthor; this
// decides whether that author had the right to issue this particular kind.
func (v *Validator) checkAuthority(ctx context.Context, w *working, env *certif.Envelope) error {
	switch p := env.Payload.(type) {
	case certif.User:
		return v.checkNewUser(ctx, w, env, p)
	case certif.Device:
		return v.checkNewDevice(ctx, w, env, p)
	case certif.UserUpdate:
		return v.checkUserUpdate(ctx, w, env, p)
	case certif.UserRevoked:
		return v.checkRevocation(ctx, w, env, p)
	case certif.RealmRole:
		return v.checkRealmRole(ctx, w, env, p)
	case certif.RealmName:
		return v.checkRealmOwner(ctx, w, env, p.Realm)
	case certif.RealmKeyRotation:
		return v.checkRealmOwner(ctx, w, env, p.Realm)
	case certif.RealmArchiving:
		return v.checkRealmOwner(ctx, w, env, p.Realm)
	case certif.ShamirSetup:
		return v.checkShamirSetup(ctx, w, env, p)
	case certif.ShamirShare:
		return v.checkShamirShare(ctx, w, env, p)
	case certif.SequesterAuthority:
		return v.checkSequesterAuthority(ctx, w, env)
	case certif.SequesterService:
		return v.checkSequesterService(ctx, w, p)
	case certif.SequesterServiceRevoked:
		return v.checkSequesterServiceRevoked(ctx, w, p)
	default:
		return errors.Newf(errors.CodeCorrupted, "unhandled certificate kind %q", env.Kind)
	}
}

// authorUser maps a device author back to its user. Root authors have none.
func (v *Validator) authorUser(ctx context.Context, w *working, env *certif.Envelope) (domain.UserID, error) {
	device, err := w.device(ctx, env.Author.Device)
	if err != nil {
		return domain.UserID{}, err
	}
	if device == nil {
		return domain.UserID{}, errors.Newf(errors.CodeNonExistingAuthor,
			"author device %s does not exist", env.Author.Device)
	}
	return device.User, nil
}

// requireAdminAuthor enforces the administrator-only rule shared by user
// creation, profile updates and revocations.
func (v *Validator) requireAdminAuthor(ctx context.Context, w *working, env *certif.Envelope) (domain.UserID, error) {
	author, err := v.authorUser(ctx, w, env)
	if err != nil {
		return domain.UserID{}, err
	}
	profile, err := w.profile(ctx, author)
	if err != nil {
		return domain.UserID{}, err
	}
	if profile != domain.ProfileAdmin {
		return domain.UserID{}, errors.Newf(errors.CodeAuthorLacksAuthority,
			"%s certificate requires an administrator author, %s is %s",
			env.Kind, author, profile)
	}
	return author, nil
}

func (v *Validator) checkNewUser(ctx context.Context, w *working, env *certif.Envelope, p certif.User) error {
	exists, err := w.userExists(ctx, p.User)
	if err != nil {
		return err
	}
	if exists {
		return errors.Newf(errors.CodeUserAlreadyExists, "user %s already exists", p.User)
	}
	if env.Author.Root {
		return nil
	}
	_, err = v.requireAdminAuthor(ctx, w, env)
	return err
}

func (v *Validator) checkNewDevice(ctx context.Context, w *working, env *certif.Envelope, p certif.Device) error {
	if existing, err := w.device(ctx, p.Device); err != nil {
		return err
	} else if existing != nil {
		return errors.Newf(errors.CodeCorrupted, "device %s already enrolled", p.Device)
	}
	exists, err := w.userExists(ctx, p.User)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Newf(errors.CodeCorrupted, "device certificate for unknown user %s", p.User)
	}
	if env.Author.Root {
		return nil
	}
	// Devices are enrolled by the root during bootstrap, by an existing device
	// of the same user, or, for the user's very first device, by the inviting
	// administrator.
	author, err := v.authorUser(ctx, w, env)
	if err != nil {
		return err
	}
	if author == p.User {
		return nil
	}
	hasDevices, err := w.userHasDevices(ctx, p.User)
	if err != nil {
		return err
	}
	if hasDevices {
		return errors.Newf(errors.CodeAuthorLacksAuthority,
			"device certificate for user %s authored by a device of user %s", p.User, author)
	}
	profile, err := w.profile(ctx, author)
	if err != nil {
		return err
	}
	if profile != domain.ProfileAdmin {
		return errors.Newf(errors.CodeAuthorLacksAuthority,
			"first device of user %s must be enrolled by an administrator, %s is %s",
			p.User, author, profile)
	}
	return nil
}

func (v *Validator) checkUserUpdate(ctx context.Context, w *working, env *certif.Envelope, p certif.UserUpdate) error {
	author, err := v.requireAdminAuthor(ctx, w, env)
	if err != nil {
		return err
	}
	if author == p.User {
		return errors.Newf(errors.CodeSelfSigned, "user %s cannot update their own profile", p.User)
	}
	exists, err := w.userExists(ctx, p.User)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Newf(errors.CodeCorrupted, "profile update for unknown user %s", p.User)
	}
	if _, revoked, err := w.revokedOn(ctx, p.User); err != nil {
		return err
	} else if revoked {
		return errors.Newf(errors.CodeAlreadyRevoked, "profile update for revoked user %s", p.User)
	}
	return nil
}

func (v *Validator) checkRevocation(ctx context.Context, w *working, env *certif.Envelope, p certif.UserRevoked) error {
	author, err := v.requireAdminAuthor(ctx, w, env)
	if err != nil {
		return err
	}
	if author == p.User {
		return errors.Newf(errors.CodeSelfSigned, "user %s cannot revoke themselves", p.User)
	}
	exists, err := w.userExists(ctx, p.User)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Newf(errors.CodeCorrupted, "revocation of unknown user %s", p.User)
	}
	if revokedOn, revoked, err := w.revokedOn(ctx, p.User); err != nil {
		return err
	} else if revoked {
		return errors.Newf(errors.CodeAlreadyRevoked,
			"user %s was already revoked on %s", p.User, revokedOn.Format(time.RFC3339))
	}
	return nil
}

func (v *Validator) checkRealmRole(ctx context.Context, w *working, env *certif.Envelope, p certif.RealmRole) error {
	author, err := v.authorUser(ctx, w, env)
	if err != nil {
		return err
	}

	hasRoles, err := w.realmHasRoles(ctx, p.Realm)
	if err != nil {
		return err
	}
	if !hasRoles {
		// Bootstrap: the very first role certificate of a realm must be the
		// creator granting themselves ownership.
		if p.User != author || p.Role != domain.RoleOwner {
			return errors.Newf(errors.CodeAuthorLacksAuthority,
				"first role certificate of realm %s must be a self-grant of owner", p.Realm)
		}
		return nil
	}

	if p.User == author {
		return errors.Newf(errors.CodeSelfSigned,
			"user %s cannot change their own role in realm %s", author, p.Realm)
	}

	exists, err := w.userExists(ctx, p.User)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Newf(errors.CodeCorrupted, "role grant for unknown user %s", p.User)
	}
	if _, revoked, err := w.revokedOn(ctx, p.User); err != nil {
		return err
	} else if revoked {
		return errors.Newf(errors.CodeAlreadyRevoked, "role grant for revoked user %s", p.User)
	}

	if p.Role.IsPrivileged() {
		profile, err := w.profile(ctx, p.User)
		if err != nil {
			return err
		}
		if profile == domain.ProfileOutsider {
			return errors.Newf(errors.CodeAuthorLacksAuthority,
				"outsider %s cannot hold role %s", p.User, p.Role)
		}
	}

	authorRole, _, err := w.roleOf(ctx, p.Realm, author)
	if err != nil {
		return err
	}
	targetRole, _, err := w.roleOf(ctx, p.Realm, p.User)
	if err != nil {
		return err
	}

	// Touching a privileged role, on either side of the change, requires an
	// owner; plain contributor/reader changes need owner or manager.
	if p.Role.IsPrivileged() || targetRole.IsPrivileged() {
		if authorRole != domain.RoleOwner {
			return errors.Newf(errors.CodeAuthorLacksAuthority,
				"changing role %s -> %s in realm %s requires an owner, author %s is %s",
				targetRole, p.Role, p.Realm, author, authorRole)
		}
		return nil
	}
	if !authorRole.CanManageMembers() {
		return errors.Newf(errors.CodeAuthorLacksAuthority,
			"granting role %s in realm %s requires owner or manager, author %s is %s",
			p.Role, p.Realm, author, authorRole)
	}
	return nil
}

// checkRealmOwner enforces the owner-only rule shared by rename, key
// rotation and archiving certificates.
func (v *Validator) checkRealmOwner(ctx context.Context, w *working, env *certif.Envelope, realm domain.RealmID) error {
	author, err := v.authorUser(ctx, w, env)
	if err != nil {
		return err
	}
	role, _, err := w.roleOf(ctx, realm, author)
	if err != nil {
		return err
	}
	if role != domain.RoleOwner {
		return errors.Newf(errors.CodeAuthorLacksAuthority,
			"%s certificate for realm %s requires an owner, author %s is %s",
			env.Kind, realm, author, role)
	}
	return nil
}

func (v *Validator) checkShamirSetup(ctx context.Context, w *working, env *certif.Envelope, p certif.ShamirSetup) error {
	author, err := v.authorUser(ctx, w, env)
	if err != nil {
		return err
	}
	if author != p.User {
		return errors.Newf(errors.CodeAuthorLacksAuthority,
			"shamir setup for user %s must be authored by that user, not %s", p.User, author)
	}
	if p.Threshold < 1 {
		return errors.Newf(errors.CodeCorrupted, "shamir threshold %d is not positive", p.Threshold)
	}
	return nil
}

func (v *Validator) checkShamirShare(ctx context.Context, w *working, env *certif.Envelope, p certif.ShamirShare) error {
	author, err := v.authorUser(ctx, w, env)
	if err != nil {
		return err
	}
	if author != p.User {
		return errors.Newf(errors.CodeAuthorLacksAuthority,
			"shamir share for user %s must be authored by that user, not %s", p.User, author)
	}
	if p.Recipient == p.User {
		return errors.Newf(errors.CodeSelfSigned,
			"user %s cannot hold a share of their own recovery secret", p.User)
	}
	exists, err := w.userExists(ctx, p.Recipient)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Newf(errors.CodeCorrupted, "shamir share for unknown recipient %s", p.Recipient)
	}
	if _, revoked, err := w.revokedOn(ctx, p.Recipient); err != nil {
		return err
	} else if revoked {
		return errors.Newf(errors.CodeAlreadyRevoked, "shamir share for revoked recipient %s", p.Recipient)
	}
	if p.Weight < 1 {
		return errors.Newf(errors.CodeCorrupted, "shamir share weight %d is not positive", p.Weight)
	}
	return nil
}

func (v *Validator) checkSequesterAuthority(ctx context.Context, w *working, env *certif.Envelope) error {
	if !env.Author.Root {
		return errors.New(errors.CodeAuthorLacksAuthority,
			"sequester authority certificate must be signed by the organization root")
	}
	key, err := w.authorityKey(ctx)
	if err != nil {
		return err
	}
	if key != nil {
		return errors.New(errors.CodeCorrupted, "sequester authority already registered")
	}
	return nil
}

func (v *Validator) checkSequesterService(ctx context.Context, w *working, p certif.SequesterService) error {
	exists, err := w.serviceExists(ctx, p.Service)
	if err != nil {
		return err
	}
	if exists {
		return errors.Newf(errors.CodeCorrupted, "sequester service %s already registered", p.Service)
	}
	return nil
}

func (v *Validator) checkSequesterServiceRevoked(ctx context.Context, w *working, p certif.SequesterServiceRevoked) error {
	exists, err := w.serviceExists(ctx, p.Service)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Newf(errors.CodeCorrupted, "revocation of unknown sequester service %s", p.Service)
	}
	revoked, err := w.serviceRevoked(ctx, p.Service)
	if err != nil {
		return err
	}
	if revoked {
		return errors.Newf(errors.CodeAlreadyRevoked, "sequester service %s already revoked", p.Service)
	}
	return nil
}

