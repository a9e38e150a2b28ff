// Package domain defines the typed identifiers and enumerations shared across
// the trust engine. IDs are distinct named uuid types so the compiler rejects
// cross-assignment between, say, a user and a device.
package domain

import (
	"github.com/google/uuid"

	"trustlog/pkg/errors"
)

type (
	// OrganizationID identifies the organization whose certificate chain the
	// engine tracks.
	OrganizationID uuid.UUID

	// UserID identifies a human member of the organization.
	UserID uuid.UUID

	// DeviceID identifies a single enrolled device of a user. Devices, not
	// users, sign certificates.
	DeviceID uuid.UUID

	// RealmID identifies a shared workspace.
	RealmID uuid.UUID

	// SequesterServiceID identifies a registered sequester service.
	SequesterServiceID uuid.UUID
)

func (id OrganizationID) String() string     { return uuid.UUID(id).String() }
func (id UserID) String() string             { return uuid.UUID(id).String() }
func (id DeviceID) String() string           { return uuid.UUID(id).String() }
func (id RealmID) String() string            { return uuid.UUID(id).String() }
func (id SequesterServiceID) String() string { return uuid.UUID(id).String() }

// NewOrganizationID generates a fresh random organization id.
func NewOrganizationID() OrganizationID { return OrganizationID(uuid.New()) }

// NewUserID generates a fresh random user id.
func NewUserID() UserID { return UserID(uuid.New()) }

// NewDeviceID generates a fresh random device id.
func NewDeviceID() DeviceID { return DeviceID(uuid.New()) }

// NewRealmID generates a fresh random realm id.
func NewRealmID() RealmID { return RealmID(uuid.New()) }

// NewSequesterServiceID generates a fresh random sequester service id.
func NewSequesterServiceID() SequesterServiceID { return SequesterServiceID(uuid.New()) }

// parseUUID enforces the shared invariant: IDs must be valid, non-nil UUIDs.
func parseUUID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.Nil, errors.New(errors.CodeInvalidInput, "empty id")
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, errors.CodeInvalidInput, "malformed id %q", raw)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, errors.New(errors.CodeInvalidInput, "nil id")
	}
	return parsed, nil
}

func ParseOrganizationID(raw string) (OrganizationID, error) {
	parsed, err := parseUUID(raw)
	return OrganizationID(parsed), err
}

func ParseUserID(raw string) (UserID, error) {
	parsed, err := parseUUID(raw)
	return UserID(parsed), err
}

func ParseDeviceID(raw string) (DeviceID, error) {
	parsed, err := parseUUID(raw)
	return DeviceID(parsed), err
}

func ParseRealmID(raw string) (RealmID, error) {
	parsed, err := parseUUID(raw)
	return RealmID(parsed), err
}

func ParseSequesterServiceID(raw string) (SequesterServiceID, error) {
	parsed, err := parseUUID(raw)
	return SequesterServiceID(parsed), err
}
