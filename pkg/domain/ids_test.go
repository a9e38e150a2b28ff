package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustlog/pkg/errors"
)

// TestParseUUID_Invariants validates the parsing invariant:
// "IDs must be valid, non-empty, non-nil UUIDs".
func TestParseUUID_Invariants(t *testing.T) {
	t.Run("rejects empty string", func(t *testing.T) {
		_, err := ParseUserID("")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
	})

	t.Run("rejects invalid format", func(t *testing.T) {
		_, err := ParseUserID("not-a-uuid")
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
	})

	t.Run("rejects nil UUID", func(t *testing.T) {
		_, err := ParseUserID(uuid.Nil.String())
		require.Error(t, err)
		assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))
	})

	t.Run("accepts valid UUID", func(t *testing.T) {
		validUUID := uuid.New()
		id, err := ParseUserID(validUUID.String())
		require.NoError(t, err)
		assert.Equal(t, UserID(validUUID), id)
	})

	t.Run("all parse helpers share the invariant", func(t *testing.T) {
		for name, parse := range map[string]func(string) error{
			"organization": func(raw string) error { _, err := ParseOrganizationID(raw); return err },
			"user":         func(raw string) error { _, err := ParseUserID(raw); return err },
			"device":       func(raw string) error { _, err := ParseDeviceID(raw); return err },
			"realm":        func(raw string) error { _, err := ParseRealmID(raw); return err },
			"service":      func(raw string) error { _, err := ParseSequesterServiceID(raw); return err },
		} {
			assert.Error(t, parse(""), name)
			assert.Error(t, parse(uuid.Nil.String()), name)
			assert.NoError(t, parse(uuid.New().String()), name)
		}
	})
}

// TestTypeDistinction verifies the compiler enforces type safety between ID
// kinds. This is a compile-time check - if this compiles, the invariant holds.
func TestTypeDistinction(t *testing.T) {
	userID := UserID(uuid.New())
	deviceID := DeviceID(uuid.New())

	// These would fail to compile if types were interchangeable:
	// var _ UserID = deviceID   // compile error
	// var _ DeviceID = userID   // compile error

	assert.NotEqual(t, uuid.UUID(userID), uuid.UUID(deviceID))
}

func TestStringRoundTrip(t *testing.T) {
	realm := NewRealmID()
	parsed, err := ParseRealmID(realm.String())
	require.NoError(t, err)
	assert.Equal(t, realm, parsed)
}
