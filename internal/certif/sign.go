package certif

import (
	"crypto/ed25519"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trustlog/pkg/errors"
)

// Sign builds and signs a certificate token. The returned bytes are the
// canonical wire form; Timestamp is normalized to UTC before signing so the
// bytes round-trip through ParseUnverified unchanged.
func Sign(payload Payload, author Author, timestamp time.Time, key ed25519.PrivateKey) ([]byte, error) {
	claims := jwt.MapClaims{
		claimKind:      string(payload.payloadKind()),
		claimAuthor:    author.String(),
		claimTimestamp: timestamp.UTC().Format(time.RFC3339Nano),
	}
	if err := encodePayload(claims, payload); err != nil {
		return nil, err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "certificate signing failed")
	}
	return []byte(signed), nil
}

func encodePayload(claims jwt.MapClaims, payload Payload) error {
	switch p := payload.(type) {
	case User:
		claims[claimUser] = p.User.String()
		claims[claimProfile] = string(p.Profile)
		if p.HumanHandle != "" {
			claims[claimHandle] = p.HumanHandle
		}
	case Device:
		claims[claimUser] = p.User.String()
		claims[claimDevice] = p.Device.String()
		claims[claimVerifyKey] = base64.RawURLEncoding.EncodeToString(p.VerifyKey)
		if p.Label != "" {
			claims[claimLabel] = p.Label
		}
	case UserUpdate:
		claims[claimUser] = p.User.String()
		claims[claimProfile] = string(p.Profile)
	case UserRevoked:
		claims[claimUser] = p.User.String()
	case RealmRole:
		claims[claimRealm] = p.Realm.String()
		claims[claimUser] = p.User.String()
		claims[claimRole] = string(p.Role)
	case RealmName:
		claims[claimRealm] = p.Realm.String()
		claims[claimName] = p.Name
	case RealmKeyRotation:
		claims[claimRealm] = p.Realm.String()
		claims[claimKeyIndex] = float64(p.KeyIndex)
	case RealmArchiving:
		claims[claimRealm] = p.Realm.String()
		claims[claimState] = string(p.State)
		if !p.DeletionDate.IsZero() {
			claims[claimDeletion] = p.DeletionDate.UTC().Format(time.RFC3339Nano)
		}
	case ShamirSetup:
		claims[claimUser] = p.User.String()
		claims[claimThreshold] = float64(p.Threshold)
	case ShamirShare:
		claims[claimUser] = p.User.String()
		claims[claimRecipient] = p.Recipient.String()
		claims[claimWeight] = float64(p.Weight)
	case SequesterAuthority:
		claims[claimVerifyKey] = base64.RawURLEncoding.EncodeToString(p.VerifyKey)
	case SequesterService:
		claims[claimService] = p.Service.String()
		if p.Label != "" {
			claims[claimLabel] = p.Label
		}
	case SequesterServiceRevoked:
		claims[claimService] = p.Service.String()
	default:
		return errors.Newf(errors.CodeInternal, "unhandled payload kind %T", payload)
	}
	return nil
}
