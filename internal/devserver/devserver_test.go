package devserver

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trustlog/internal/certif"
	"trustlog/internal/transport"
	"trustlog/pkg/domain"
)

type DevServerSuite struct {
	suite.Suite
	server  *Server
	now     time.Time
	signKey ed25519.PrivateKey
	device  domain.DeviceID
}

func (s *DevServerSuite) SetupTest() {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	s.Require().NoError(err)
	s.signKey = priv
	s.device = domain.NewDeviceID()
	s.now = time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	s.server = New(WithClock(func() time.Time { return s.now }))
}

func TestDevServerSuite(t *testing.T) {
	suite.Run(t, new(DevServerSuite))
}

// raw signs a payload at the given timestamp. The dev server only parses
// unsecurely, so the signing key never has to match an enrolled device.
func (s *DevServerSuite) raw(payload certif.Payload, ts time.Time) []byte {
	raw, err := certif.Sign(payload, certif.DeviceAuthor(s.device), ts, s.signKey)
	s.Require().NoError(err)
	return raw
}

func (s *DevServerSuite) submit(raw []byte) *transport.PostResponse {
	return s.server.Submit(transport.PostRequest{Certificate: raw})
}

func (s *DevServerSuite) TestSubmitAndReplay() {
	raw := s.raw(certif.UserRevoked{User: domain.NewUserID()}, s.now)

	resp := s.submit(raw)
	s.Equal(transport.PostOk, resp.Outcome)
	s.True(resp.CertificateTimestamp.Equal(s.now))

	resp = s.submit(raw)
	s.Equal(transport.PostAlreadyGranted, resp.Outcome)
	s.True(resp.CertificateTimestamp.Equal(s.now))
}

func (s *DevServerSuite) TestMalformedCertificate() {
	resp := s.submit([]byte("definitely not a token"))
	s.Equal(transport.PostRejected, resp.Outcome)
	s.Equal("malformed_certificate", resp.Reason)
}

func (s *DevServerSuite) TestPerTopicOrdering() {
	first := s.raw(certif.UserRevoked{User: domain.NewUserID()}, s.now)
	s.Require().Equal(transport.PostOk, s.submit(first).Outcome)

	s.Run("stale common timestamp demands a greater one", func() {
		stale := s.raw(certif.UserRevoked{User: domain.NewUserID()}, s.now.Add(-time.Minute))
		resp := s.submit(stale)
		s.Equal(transport.PostRequireGreaterTimestamp, resp.Outcome)
		s.True(resp.StrictlyGreaterThan.Equal(s.now))
	})

	s.Run("equal timestamp is also refused", func() {
		equal := s.raw(certif.UserRevoked{User: domain.NewUserID()}, s.now)
		resp := s.submit(equal)
		s.Equal(transport.PostRequireGreaterTimestamp, resp.Outcome)
	})

	s.Run("other topics order independently", func() {
		realm := domain.NewRealmID()
		role := s.raw(certif.RealmRole{
			Realm: realm, User: domain.NewUserID(), Role: domain.RoleOwner,
		}, s.now.Add(-time.Minute))
		s.Equal(transport.PostOk, s.submit(role).Outcome)
	})
}

func (s *DevServerSuite) TestBallpark() {
	s.Run("too far in the past", func() {
		old := s.raw(certif.UserRevoked{User: domain.NewUserID()},
			s.now.Add(-time.Duration(DefaultEarlyOffset+1)*time.Second))
		resp := s.submit(old)
		s.Require().Equal(transport.PostOutOfBallpark, resp.Outcome)
		s.Require().NotNil(resp.Ballpark)
		s.True(resp.Ballpark.ServerTimestamp.Equal(s.now))
		s.Equal(DefaultEarlyOffset, resp.Ballpark.ClientEarlyOffset)
		s.Equal(DefaultLateOffset, resp.Ballpark.ClientLateOffset)
	})

	s.Run("too far in the future", func() {
		future := s.raw(certif.UserRevoked{User: domain.NewUserID()},
			s.now.Add(time.Duration(DefaultLateOffset+1)*time.Second))
		resp := s.submit(future)
		s.Equal(transport.PostOutOfBallpark, resp.Outcome)
	})

	s.Run("inside the window", func() {
		fine := s.raw(certif.UserRevoked{User: domain.NewUserID()}, s.now.Add(-time.Minute))
		// A fresh server: no prior common certificate to order against.
		fresh := New(WithClock(func() time.Time { return s.now }))
		resp := fresh.Submit(transport.PostRequest{Certificate: fine})
		s.Equal(transport.PostOk, resp.Outcome)
	})
}

func (s *DevServerSuite) TestPollFiltering() {
	realm := domain.NewRealmID()
	commonA := s.raw(certif.UserRevoked{User: domain.NewUserID()}, s.now.Add(-2*time.Minute))
	commonB := s.raw(certif.UserRevoked{User: domain.NewUserID()}, s.now.Add(-time.Minute))
	role := s.raw(certif.RealmRole{Realm: realm, User: domain.NewUserID(), Role: domain.RoleOwner}, s.now)
	for _, raw := range [][]byte{commonA, commonB, role} {
		s.Require().Equal(transport.PostOk, s.submit(raw).Outcome)
	}

	s.Run("genesis poll returns everything", func() {
		resp := s.server.Poll(transport.GetRequest{})
		s.Len(resp.Common, 2)
		s.Len(resp.Realms[realm], 1)
	})

	s.Run("watermarks filter per topic", func() {
		resp := s.server.Poll(transport.GetRequest{Common: s.now.Add(-2 * time.Minute)})
		s.Require().Len(resp.Common, 1)
		s.Equal(commonB, resp.Common[0])
		// The unmentioned realm still arrives from genesis.
		s.Len(resp.Realms[realm], 1)
	})

	s.Run("current watermarks return nothing", func() {
		resp := s.server.Poll(transport.GetRequest{
			Common: s.now.Add(-time.Minute),
			Realms: map[domain.RealmID]time.Time{realm: s.now},
		})
		s.True(resp.Empty())
	})
}

// TestHTTPRoundTrip drives the server through its HTTP handler with the real
// wire client, covering both codec directions.
func (s *DevServerSuite) TestHTTPRoundTrip() {
	httpServer := httptest.NewServer(s.server.Handler())
	defer httpServer.Close()
	client := transport.NewHTTPClient(httpServer.URL)
	ctx := context.Background()

	raw := s.raw(certif.UserRevoked{User: domain.NewUserID()}, s.now)
	resp, err := client.PostCertificate(ctx, transport.PostRequest{Certificate: raw})
	s.Require().NoError(err)
	s.Equal(transport.PostOk, resp.Outcome)
	s.True(resp.CertificateTimestamp.Equal(s.now))

	polled, err := client.GetCertificates(ctx, transport.GetRequest{})
	s.Require().NoError(err)
	s.Require().Len(polled.Common, 1)
	s.Equal(raw, polled.Common[0])

	// The ordering refusal crosses the wire intact.
	stale := s.raw(certif.UserRevoked{User: domain.NewUserID()}, s.now.Add(-time.Second))
	resp, err = client.PostCertificate(ctx, transport.PostRequest{Certificate: stale})
	s.Require().NoError(err)
	s.Equal(transport.PostRequireGreaterTimestamp, resp.Outcome)
	s.True(resp.StrictlyGreaterThan.Equal(s.now))
}
