package certif

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

type CertifSuite struct {
	suite.Suite
	signKey   ed25519.PrivateKey
	verifyKey ed25519.PublicKey
	device    domain.DeviceID
	ts        time.Time
}

func TestCertifSuite(t *testing.T) {
	suite.Run(t, new(CertifSuite))
}

func (s *CertifSuite) SetupTest() {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	s.signKey = priv
	s.verifyKey = pub
	s.device = domain.NewDeviceID()
	s.ts = time.Date(2000, 1, 5, 12, 30, 0, 123456789, time.UTC)
}

func (s *CertifSuite) sign(payload Payload) []byte {
	raw, err := Sign(payload, DeviceAuthor(s.device), s.ts, s.signKey)
	s.Require().NoError(err)
	return raw
}

func (s *CertifSuite) TestRoundTrip() {
	user := domain.NewUserID()
	realm := domain.NewRealmID()

	s.Run("user certificate", func() {
		raw := s.sign(User{User: user, Profile: domain.ProfileAdmin, HumanHandle: "Alice <alice@example.com>"})
		env, err := ParseUnverified(raw)
		s.Require().NoError(err)

		s.Equal(KindUser, env.Kind)
		s.Equal(DeviceAuthor(s.device), env.Author)
		s.True(env.Timestamp.Equal(s.ts))
		s.Equal(User{User: user, Profile: domain.ProfileAdmin, HumanHandle: "Alice <alice@example.com>"}, env.Payload)
		s.Equal(domain.CommonTopic(), env.Topic())
	})

	s.Run("device certificate carries the verify key", func() {
		raw := s.sign(Device{User: user, Device: s.device, Label: "laptop", VerifyKey: s.verifyKey})
		env, err := ParseUnverified(raw)
		s.Require().NoError(err)

		payload := env.Payload.(Device)
		s.Equal(s.verifyKey, payload.VerifyKey)
		s.Equal("laptop", payload.Label)
	})

	s.Run("realm role maps to its realm topic", func() {
		raw := s.sign(RealmRole{Realm: realm, User: user, Role: domain.RoleManager})
		env, err := ParseUnverified(raw)
		s.Require().NoError(err)

		s.Equal(domain.RealmTopic(realm), env.Topic())
		s.Equal(domain.RoleManager, env.Payload.(RealmRole).Role)
	})

	s.Run("shamir share maps to the shamir topic", func() {
		recipient := domain.NewUserID()
		raw := s.sign(ShamirShare{User: user, Recipient: recipient, Weight: 2})
		env, err := ParseUnverified(raw)
		s.Require().NoError(err)

		s.Equal(domain.ShamirTopic(), env.Topic())
		s.Equal(recipient, env.Payload.(ShamirShare).Recipient)
	})

	s.Run("root author round-trips", func() {
		raw, err := Sign(User{User: user, Profile: domain.ProfileStandard}, RootAuthor(), s.ts, s.signKey)
		s.Require().NoError(err)
		env, err := ParseUnverified(raw)
		s.Require().NoError(err)
		s.True(env.Author.Root)
	})

	s.Run("archiving certificate keeps the deletion date", func() {
		deletion := s.ts.Add(30 * 24 * time.Hour)
		raw := s.sign(RealmArchiving{Realm: realm, State: ArchivingDeletionPlanned, DeletionDate: deletion})
		env, err := ParseUnverified(raw)
		s.Require().NoError(err)
		s.True(env.Payload.(RealmArchiving).DeletionDate.Equal(deletion))
	})
}

func (s *CertifSuite) TestSignatureVerification() {
	raw := s.sign(UserRevoked{User: domain.NewUserID()})

	s.Run("accepts the signing key's public half", func() {
		s.NoError(VerifySignature(raw, s.verifyKey))
	})

	s.Run("rejects a different key", func() {
		otherPub, _, err := ed25519.GenerateKey(rand.Reader)
		s.Require().NoError(err)
		err = VerifySignature(raw, otherPub)
		s.Require().Error(err)
		s.True(errors.HasCode(err, errors.CodeCorrupted))
	})

	s.Run("rejects a tampered token", func() {
		tampered := append([]byte{}, raw...)
		tampered[len(tampered)/2] ^= 0x01
		s.Error(VerifySignature(tampered, s.verifyKey))
	})
}

func (s *CertifSuite) TestParseFailures() {
	s.Run("garbage bytes", func() {
		_, err := ParseUnverified([]byte("not a token"))
		s.Require().Error(err)
		s.True(errors.HasCode(err, errors.CodeCorrupted))
	})

	s.Run("threshold below one still parses, validation rejects later", func() {
		raw, err := Sign(ShamirSetup{User: domain.NewUserID(), Threshold: 0}, DeviceAuthor(s.device), s.ts, s.signKey)
		s.Require().NoError(err)
		env, err := ParseUnverified(raw)
		s.Require().NoError(err)
		s.Equal(0, env.Payload.(ShamirSetup).Threshold)
	})
}

func (s *CertifSuite) TestFingerprint() {
	raw := s.sign(UserRevoked{User: domain.NewUserID()})

	s.Run("stable across parses", func() {
		env1, err := ParseUnverified(raw)
		s.Require().NoError(err)
		env2, err := ParseUnverified(raw)
		s.Require().NoError(err)
		s.Equal(env1.Fingerprint, env2.Fingerprint)
		s.Equal(FingerprintOf(raw), env1.Fingerprint)
	})

	s.Run("differs for different bytes", func() {
		other := s.sign(UserRevoked{User: domain.NewUserID()})
		s.NotEqual(FingerprintOf(raw), FingerprintOf(other))
	})
}
