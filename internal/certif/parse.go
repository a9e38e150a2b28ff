package certif

import (
	"crypto/ed25519"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// Claim names used on the wire.
const (
	claimKind      = "kind"
	claimAuthor    = "author"
	claimTimestamp = "ts"
	claimUser      = "user_id"
	claimDevice    = "device_id"
	claimRealm     = "realm_id"
	claimService   = "service_id"
	claimRecipient = "recipient_id"
	claimProfile   = "profile"
	claimRole      = "role"
	claimHandle    = "human_handle"
	claimLabel     = "label"
	claimVerifyKey = "verify_key"
	claimName      = "name"
	claimKeyIndex  = "key_index"
	claimState     = "state"
	claimDeletion  = "deletion_date"
	claimThreshold = "threshold"
	claimWeight    = "weight"
)

const authorRoot = "root"

var unverifiedParser = jwt.NewParser(jwt.WithoutClaimsValidation())

// ParseUnverified decodes a raw signed token WITHOUT checking its signature.
// It discovers author, timestamp and kind so the validator can resolve the
// verify key; the result must never be trusted before VerifySignature.
func ParseUnverified(raw []byte) (*Envelope, error) {
	token, _, err := unverifiedParser.ParseUnverified(string(raw), jwt.MapClaims{})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeCorrupted, "undecodable certificate")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New(errors.CodeCorrupted, "unexpected claims shape")
	}
	return decodeEnvelope(raw, claims)
}

// VerifySignature checks the token's EdDSA signature against the resolved
// verify key. It trusts nothing else about the token.
func VerifySignature(raw []byte, key ed25519.PublicKey) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.Parse(string(raw), func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return errors.Wrap(err, errors.CodeCorrupted, "signature verification failed")
	}
	return nil
}

func decodeEnvelope(raw []byte, claims jwt.MapClaims) (*Envelope, error) {
	dec := &decoder{claims: claims}

	kind := Kind(dec.str(claimKind))
	ts := dec.time(claimTimestamp)
	author := dec.author()
	if dec.err != nil {
		return nil, dec.err
	}

	payload, err := decodePayload(kind, dec)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Kind:        kind,
		Author:      author,
		Timestamp:   ts,
		Raw:         raw,
		Fingerprint: FingerprintOf(raw),
		Payload:     payload,
	}, nil
}

func decodePayload(kind Kind, dec *decoder) (Payload, error) {
	var payload Payload
	switch kind {
	case KindUser:
		payload = User{
			User:        dec.user(claimUser),
			Profile:     dec.profile(),
			HumanHandle: dec.optStr(claimHandle),
		}
	case KindDevice:
		payload = Device{
			User:      dec.user(claimUser),
			Device:    dec.device(claimDevice),
			Label:     dec.optStr(claimLabel),
			VerifyKey: dec.verifyKey(),
		}
	case KindUserUpdate:
		payload = UserUpdate{
			User:    dec.user(claimUser),
			Profile: dec.profile(),
		}
	case KindUserRevoked:
		payload = UserRevoked{User: dec.user(claimUser)}
	case KindRealmRole:
		payload = RealmRole{
			Realm: dec.realm(),
			User:  dec.user(claimUser),
			Role:  dec.role(),
		}
	case KindRealmName:
		payload = RealmName{Realm: dec.realm(), Name: dec.str(claimName)}
	case KindRealmKeyRotation:
		payload = RealmKeyRotation{Realm: dec.realm(), KeyIndex: dec.num(claimKeyIndex)}
	case KindRealmArchiving:
		payload = RealmArchiving{
			Realm:        dec.realm(),
			State:        dec.archivingState(),
			DeletionDate: dec.optTime(claimDeletion),
		}
	case KindShamirSetup:
		payload = ShamirSetup{User: dec.user(claimUser), Threshold: dec.num(claimThreshold)}
	case KindShamirShare:
		payload = ShamirShare{
			User:      dec.user(claimUser),
			Recipient: dec.user(claimRecipient),
			Weight:    dec.num(claimWeight),
		}
	case KindSequesterAuthority:
		payload = SequesterAuthority{VerifyKey: dec.verifyKey()}
	case KindSequesterService:
		payload = SequesterService{Service: dec.service(), Label: dec.optStr(claimLabel)}
	case KindSequesterServiceRevoked:
		payload = SequesterServiceRevoked{Service: dec.service()}
	default:
		return nil, errors.Newf(errors.CodeCorrupted, "unknown certificate kind %q", kind)
	}
	if dec.err != nil {
		return nil, dec.err
	}
	return payload, nil
}

// decoder pulls typed values out of MapClaims, remembering the first failure
// so call sites stay flat.
type decoder struct {
	claims jwt.MapClaims
	err    error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = errors.Newf(errors.CodeCorrupted, format, args...)
	}
}

func (d *decoder) str(key string) string {
	if d.err != nil {
		return ""
	}
	value, ok := d.claims[key].(string)
	if !ok || value == "" {
		d.fail("missing claim %q", key)
		return ""
	}
	return value
}

func (d *decoder) optStr(key string) string {
	value, _ := d.claims[key].(string)
	return value
}

func (d *decoder) num(key string) int {
	if d.err != nil {
		return 0
	}
	value, ok := d.claims[key].(float64)
	if !ok {
		d.fail("missing numeric claim %q", key)
		return 0
	}
	return int(value)
}

func (d *decoder) time(key string) time.Time {
	raw := d.str(key)
	if d.err != nil {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		d.fail("malformed timestamp %q", raw)
		return time.Time{}
	}
	return ts.UTC()
}

func (d *decoder) optTime(key string) time.Time {
	raw, _ := d.claims[key].(string)
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		d.fail("malformed timestamp %q", raw)
		return time.Time{}
	}
	return ts.UTC()
}

func (d *decoder) author() Author {
	raw := d.str(claimAuthor)
	if d.err != nil {
		return Author{}
	}
	if raw == authorRoot {
		return RootAuthor()
	}
	device, err := domain.ParseDeviceID(raw)
	if err != nil {
		d.fail("malformed author %q", raw)
		return Author{}
	}
	return DeviceAuthor(device)
}

func (d *decoder) user(key string) domain.UserID {
	raw := d.str(key)
	if d.err != nil {
		return domain.UserID{}
	}
	id, err := domain.ParseUserID(raw)
	if err != nil {
		d.fail("malformed user id %q", raw)
	}
	return id
}

func (d *decoder) device(key string) domain.DeviceID {
	raw := d.str(key)
	if d.err != nil {
		return domain.DeviceID{}
	}
	id, err := domain.ParseDeviceID(raw)
	if err != nil {
		d.fail("malformed device id %q", raw)
	}
	return id
}

func (d *decoder) realm() domain.RealmID {
	raw := d.str(claimRealm)
	if d.err != nil {
		return domain.RealmID{}
	}
	id, err := domain.ParseRealmID(raw)
	if err != nil {
		d.fail("malformed realm id %q", raw)
	}
	return id
}

func (d *decoder) service() domain.SequesterServiceID {
	raw := d.str(claimService)
	if d.err != nil {
		return domain.SequesterServiceID{}
	}
	id, err := domain.ParseSequesterServiceID(raw)
	if err != nil {
		d.fail("malformed service id %q", raw)
	}
	return id
}

func (d *decoder) profile() domain.Profile {
	raw := d.str(claimProfile)
	if d.err != nil {
		return ""
	}
	profile, err := domain.ParseProfile(raw)
	if err != nil {
		d.fail("malformed profile %q", raw)
	}
	return profile
}

func (d *decoder) role() domain.Role {
	raw := d.str(claimRole)
	if d.err != nil {
		return ""
	}
	role, err := domain.ParseRole(raw)
	if err != nil {
		d.fail("malformed role %q", raw)
	}
	return role
}

func (d *decoder) archivingState() ArchivingState {
	raw := d.str(claimState)
	if d.err != nil {
		return ""
	}
	switch state := ArchivingState(raw); state {
	case ArchivingAvailable, ArchivingArchived, ArchivingDeletionPlanned:
		return state
	default:
		d.fail("malformed archiving state %q", raw)
		return ""
	}
}

func (d *decoder) verifyKey() ed25519.PublicKey {
	raw := d.str(claimVerifyKey)
	if d.err != nil {
		return nil
	}
	key, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil || len(key) != ed25519.PublicKeySize {
		d.fail("malformed verify key")
		return nil
	}
	return ed25519.PublicKey(key)
}
