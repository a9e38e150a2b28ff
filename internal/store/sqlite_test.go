package store

import (
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"

	"trustlog/internal/certif"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

type SQLiteStoreSuite struct {
	suite.Suite
	store *SQLite
	path  string
	key   []byte
	fix   *fixture
	ctx   context.Context
}

func (s *SQLiteStoreSuite) SetupTest() {
	s.path = filepath.Join(s.T().TempDir(), "certificates.db")
	s.key = make([]byte, KeySize)
	for i := range s.key {
		s.key[i] = byte(i)
	}
	var err error
	s.store, err = OpenSQLite(s.path, s.key)
	s.Require().NoError(err)
	s.fix = newFixture(s.T())
	s.ctx = context.Background()
}

func (s *SQLiteStoreSuite) TearDownTest() {
	s.store.Close()
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, new(SQLiteStoreSuite))
}

func (s *SQLiteStoreSuite) TestRejectsBadKey() {
	_, err := OpenSQLite(filepath.Join(s.T().TempDir(), "x.db"), []byte("short"))
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.CodeInvalidInput))
}

func (s *SQLiteStoreSuite) TestPointInTimeSemanticsMatchMemory() {
	user := domain.NewUserID()
	device := domain.NewDeviceID()
	s.Require().NoError(s.store.ApplyBatch(s.ctx, []*certif.Envelope{
		s.fix.env(certif.User{User: user, Profile: domain.ProfileStandard}),
		s.fix.env(certif.Device{User: user, Device: device, VerifyKey: make([]byte, ed25519.PublicKeySize)}),
		s.fix.env(certif.UserRevoked{User: user}),
	}))

	s.Run("device lookup decrypts and re-parses", func() {
		env, err := s.store.GetDeviceCertificate(s.ctx, Latest(), device)
		s.Require().NoError(err)
		s.Equal(domain.Index(2), env.Index)
		s.Equal(device, env.Payload.(certif.Device).Device)
	})

	s.Run("newer than selector vs not found", func() {
		_, err := s.store.GetDeviceCertificate(s.ctx, UpTo(1), device)
		s.True(errors.HasCode(err, errors.CodeNewerThanSelector))

		_, err = s.store.GetDeviceCertificate(s.ctx, Latest(), domain.NewDeviceID())
		s.True(errors.HasCode(err, errors.CodeNotFound))
	})

	s.Run("revocation hidden before its index", func() {
		env, err := s.store.GetRevokedUserCertificate(s.ctx, UpTo(2), user)
		s.Require().NoError(err)
		s.Nil(env)

		env, err = s.store.GetRevokedUserCertificate(s.ctx, Latest(), user)
		s.Require().NoError(err)
		s.NotNil(env)
	})
}

func (s *SQLiteStoreSuite) TestReplayIsNoOp() {
	user := domain.NewUserID()
	batch := []*certif.Envelope{
		s.fix.env(certif.User{User: user, Profile: domain.ProfileAdmin}),
	}
	s.Require().NoError(s.store.ApplyBatch(s.ctx, batch))
	s.Require().NoError(s.store.ApplyBatch(s.ctx, batch))

	users, err := s.store.ListUserCertificates(s.ctx, Latest(), Page{})
	s.Require().NoError(err)
	s.Len(users, 1)

	last, err := s.store.LastIndex(s.ctx, domain.CommonTopic())
	s.Require().NoError(err)
	s.Equal(domain.Index(1), last)
}

func (s *SQLiteStoreSuite) TestStateSurvivesReopen() {
	user := domain.NewUserID()
	realm := domain.NewRealmID()
	userEnv := s.fix.env(certif.User{User: user, Profile: domain.ProfileStandard})
	roleEnv := s.fix.env(certif.RealmRole{Realm: realm, User: user, Role: domain.RoleOwner})
	s.Require().NoError(s.store.ApplyBatch(s.ctx, []*certif.Envelope{userEnv, roleEnv}))
	s.Require().NoError(s.store.MarkRealmCreatedLocally(s.ctx, realm))
	s.Require().NoError(s.store.Close())

	reopened, err := OpenSQLite(s.path, s.key)
	s.Require().NoError(err)
	defer reopened.Close()

	marks, err := reopened.Watermarks(s.ctx)
	s.Require().NoError(err)
	s.True(marks.Common.Equal(userEnv.Timestamp))
	s.True(marks.Realms[realm].Equal(roleEnv.Timestamp))

	last, err := reopened.LastIndex(s.ctx, domain.RealmTopic(realm))
	s.Require().NoError(err)
	s.Equal(domain.Index(2), last)

	local, err := reopened.IsRealmCreatedLocally(s.ctx, realm)
	s.Require().NoError(err)
	s.True(local)

	// New appends continue the global sequence.
	next := s.fix.env(certif.UserRevoked{User: user})
	s.Require().NoError(reopened.ApplyBatch(s.ctx, []*certif.Envelope{next}))
	env, err := reopened.GetRevokedUserCertificate(s.ctx, Latest(), user)
	s.Require().NoError(err)
	s.Equal(domain.Index(3), env.Index)
}

func (s *SQLiteStoreSuite) TestWrongKeyFailsDecryption() {
	user := domain.NewUserID()
	s.Require().NoError(s.store.ApplyBatch(s.ctx, []*certif.Envelope{
		s.fix.env(certif.User{User: user, Profile: domain.ProfileStandard}),
	}))
	s.Require().NoError(s.store.Close())

	wrongKey := make([]byte, KeySize)
	reopened, err := OpenSQLite(s.path, wrongKey)
	s.Require().NoError(err)
	defer reopened.Close()

	_, err = reopened.GetUserCertificate(s.ctx, Latest(), user)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.CodeInternal))
}
