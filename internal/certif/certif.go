// Package certif defines the certificate data model: a closed set of signed,
// immutable assertions about organizational state, carried on the wire as
// EdDSA-signed JWS compact tokens.
package certif

import (
	"crypto/ed25519"
	"time"

	"golang.org/x/crypto/blake2b"

	"trustlog/pkg/domain"
)

// Kind discriminates the closed set of certificate variants.
type Kind string

const (
	KindUser                    Kind = "user"
	KindDevice                  Kind = "device"
	KindUserUpdate              Kind = "user_update"
	KindUserRevoked             Kind = "user_revoked"
	KindRealmRole               Kind = "realm_role"
	KindRealmName               Kind = "realm_name"
	KindRealmKeyRotation        Kind = "realm_key_rotation"
	KindRealmArchiving          Kind = "realm_archiving"
	KindShamirSetup             Kind = "shamir_setup"
	KindShamirShare             Kind = "shamir_share"
	KindSequesterAuthority      Kind = "sequester_authority"
	KindSequesterService        Kind = "sequester_service"
	KindSequesterServiceRevoked Kind = "sequester_service_revoked"
)

// Author identifies who signed a certificate: the organization root key
// (bootstrap and sequester certificates only) or a specific device.
type Author struct {
	Root   bool
	Device domain.DeviceID
}

func RootAuthor() Author { return Author{Root: true} }

func DeviceAuthor(device domain.DeviceID) Author {
	return Author{Device: device}
}

func (a Author) String() string {
	if a.Root {
		return "root"
	}
	return a.Device.String()
}

// Fingerprint is the BLAKE2b-256 digest of the raw signed token. Byte-identical
// replays are recognized by fingerprint and treated as no-ops.
type Fingerprint [32]byte

func FingerprintOf(raw []byte) Fingerprint {
	return blake2b.Sum256(raw)
}

// Envelope is a parsed certificate: the common fields every variant shares
// plus the kind-specific payload. Index is zero until the store assigns one.
type Envelope struct {
	Kind        Kind
	Author      Author
	Timestamp   time.Time
	Index       domain.Index
	Raw         []byte
	Fingerprint Fingerprint
	Payload     Payload
}

// Topic returns the ordering scope this certificate belongs to.
func (e *Envelope) Topic() domain.Topic {
	switch p := e.Payload.(type) {
	case RealmRole:
		return domain.RealmTopic(p.Realm)
	case RealmName:
		return domain.RealmTopic(p.Realm)
	case RealmKeyRotation:
		return domain.RealmTopic(p.Realm)
	case RealmArchiving:
		return domain.RealmTopic(p.Realm)
	case ShamirSetup, ShamirShare:
		return domain.ShamirTopic()
	case SequesterAuthority, SequesterService, SequesterServiceRevoked:
		return domain.SequesterTopic()
	default:
		return domain.CommonTopic()
	}
}

// Payload is the closed sum of kind-specific certificate contents. The
// unexported marker keeps the set closed to this package.
type Payload interface {
	payloadKind() Kind
}

// User records the creation of a user, their organization-wide profile and
// their public key material.
type User struct {
	User        domain.UserID
	Profile     domain.Profile
	HumanHandle string
}

// Device records the enrollment of a device and carries the ed25519 key used
// to verify every certificate this device will ever sign.
type Device struct {
	User      domain.UserID
	Device    domain.DeviceID
	Label     string
	VerifyKey ed25519.PublicKey
}

// UserUpdate changes a user's organization-wide profile.
type UserUpdate struct {
	User    domain.UserID
	Profile domain.Profile
}

// UserRevoked withdraws a user from the organization. A user is revoked at
// most once; the revocation timestamp is the envelope's timestamp.
type UserRevoked struct {
	User domain.UserID
}

// RealmRole grants or withdraws (RoleNone) a user's role within a realm.
type RealmRole struct {
	Realm domain.RealmID
	User  domain.UserID
	Role  domain.Role
}

// RealmName renames a realm. The name is opaque to the trust engine.
type RealmName struct {
	Realm domain.RealmID
	Name  string
}

// RealmKeyRotation introduces a new realm encryption key generation.
type RealmKeyRotation struct {
	Realm    domain.RealmID
	KeyIndex int
}

// ArchivingState is the lifecycle state carried by RealmArchiving.
type ArchivingState string

const (
	ArchivingAvailable       ArchivingState = "available"
	ArchivingArchived        ArchivingState = "archived"
	ArchivingDeletionPlanned ArchivingState = "deletion_planned"
)

// RealmArchiving moves a realm between lifecycle states.
type RealmArchiving struct {
	Realm        domain.RealmID
	State        ArchivingState
	DeletionDate time.Time
}

// ShamirSetup declares a user's recovery secret split across recipients.
type ShamirSetup struct {
	User      domain.UserID
	Threshold int
}

// ShamirShare assigns one weighted share of a user's recovery secret.
type ShamirShare struct {
	User      domain.UserID
	Recipient domain.UserID
	Weight    int
}

// SequesterAuthority registers the organization's sequester authority key.
// At most one may exist, and it must be signed by the organization root.
type SequesterAuthority struct {
	VerifyKey ed25519.PublicKey
}

// SequesterService registers a sequester service under the authority.
type SequesterService struct {
	Service domain.SequesterServiceID
	Label   string
}

// SequesterServiceRevoked withdraws a sequester service.
type SequesterServiceRevoked struct {
	Service domain.SequesterServiceID
}

func (User) payloadKind() Kind                    { return KindUser }
func (Device) payloadKind() Kind                  { return KindDevice }
func (UserUpdate) payloadKind() Kind              { return KindUserUpdate }
func (UserRevoked) payloadKind() Kind             { return KindUserRevoked }
func (RealmRole) payloadKind() Kind               { return KindRealmRole }
func (RealmName) payloadKind() Kind               { return KindRealmName }
func (RealmKeyRotation) payloadKind() Kind        { return KindRealmKeyRotation }
func (RealmArchiving) payloadKind() Kind          { return KindRealmArchiving }
func (ShamirSetup) payloadKind() Kind             { return KindShamirSetup }
func (ShamirShare) payloadKind() Kind             { return KindShamirShare }
func (SequesterAuthority) payloadKind() Kind      { return KindSequesterAuthority }
func (SequesterService) payloadKind() Kind        { return KindSequesterService }
func (SequesterServiceRevoked) payloadKind() Kind { return KindSequesterServiceRevoked }
