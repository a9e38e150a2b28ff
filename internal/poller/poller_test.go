package poller

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trustlog/internal/certif"
	"trustlog/internal/store"
	"trustlog/internal/transport"
	"trustlog/internal/validator"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

// orgCerts is a minimal valid organization chain: the root creates one admin
// and her device. raws is the wire form, in issuance order.
type orgCerts struct {
	rootPub ed25519.PublicKey
	alice   domain.UserID
	raws    [][]byte
	lastTS  time.Time
}

func buildOrg(t *testing.T) *orgCerts {
	rootPub, rootPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	devPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	org := &orgCerts{
		rootPub: rootPub,
		alice:   domain.NewUserID(),
		lastTS:  time.Date(2000, 1, 1, 1, 0, 0, 0, time.UTC),
	}
	device := domain.NewDeviceID()

	userRaw, err := certif.Sign(
		certif.User{User: org.alice, Profile: domain.ProfileAdmin},
		certif.RootAuthor(), time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), rootPriv)
	if err != nil {
		t.Fatal(err)
	}
	deviceRaw, err := certif.Sign(
		certif.Device{User: org.alice, Device: device, VerifyKey: devPub},
		certif.RootAuthor(), org.lastTS, rootPriv)
	if err != nil {
		t.Fatal(err)
	}
	org.raws = [][]byte{userRaw, deviceRaw}
	return org
}

type PollerSuite struct {
	suite.Suite
	org       *orgCerts
	guard     *store.Guard
	responder *transport.Responder
	poller    *Poller
	ctx       context.Context
}

func (s *PollerSuite) SetupTest() {
	s.org = buildOrg(s.T())
	s.guard = store.NewGuard(store.NewMemory())
	s.responder = transport.NewResponder()
	s.ctx = context.Background()

	v, err := validator.New(s.guard, s.org.rootPub, s.org.alice)
	s.Require().NoError(err)
	s.poller, err = New(s.guard, s.responder, v)
	s.Require().NoError(err)
}

func TestPollerSuite(t *testing.T) {
	suite.Run(t, new(PollerSuite))
}

func (s *PollerSuite) lastIndex(topic domain.Topic) domain.Index {
	var last domain.Index
	s.Require().NoError(s.guard.View(s.ctx, func(r store.Reader) error {
		var err error
		last, err = r.LastIndex(s.ctx, topic)
		return err
	}))
	return last
}

// TestColdStartThenIdle polls an empty store, receives the full organization
// chain, then verifies the follow-up poll sends the advanced watermark and an
// empty reply leaves the store untouched.
func (s *PollerSuite) TestColdStartThenIdle() {
	s.responder.QueueGet(func(req transport.GetRequest) (*transport.GetResponse, error) {
		s.True(req.Common.IsZero())
		s.True(req.Sequester.IsZero())
		s.True(req.Shamir.IsZero())
		s.Empty(req.Realms)
		return &transport.GetResponse{Common: s.org.raws}, nil
	})

	outcome, err := s.poller.Poll(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, outcome.Accepted)
	s.Equal(domain.Index(2), s.lastIndex(domain.CommonTopic()))

	s.responder.QueueGet(func(req transport.GetRequest) (*transport.GetResponse, error) {
		s.True(req.Common.Equal(s.org.lastTS))
		return &transport.GetResponse{}, nil
	})

	outcome, err = s.poller.Poll(s.ctx)
	s.Require().NoError(err)
	s.Zero(outcome.Accepted)
	s.Equal(domain.Index(2), s.lastIndex(domain.CommonTopic()))
}

func (s *PollerSuite) TestOfflinePassesThrough() {
	// No handler installed: the responder reports offline.
	_, err := s.poller.Poll(s.ctx)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.CodeOffline))
}

func (s *PollerSuite) TestRejectedBatchIsNeverSwallowed() {
	s.responder.QueueGet(func(transport.GetRequest) (*transport.GetResponse, error) {
		return &transport.GetResponse{Common: [][]byte{[]byte("not a certificate")}}, nil
	})

	_, err := s.poller.Poll(s.ctx)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.CodeCorrupted))
	s.Equal(domain.Index(0), s.lastIndex(domain.CommonTopic()))
}

func (s *PollerSuite) TestEnsureUpTo() {
	s.Run("polls when behind", func() {
		s.responder.QueueGet(func(transport.GetRequest) (*transport.GetResponse, error) {
			return &transport.GetResponse{Common: s.org.raws}, nil
		})
		s.Require().NoError(s.poller.EnsureUpTo(s.ctx, 2))
		s.Len(s.responder.GetCalls(), 1)
	})

	s.Run("no network when already current", func() {
		// No handler queued: a poll here would fail offline.
		s.Require().NoError(s.poller.EnsureUpTo(s.ctx, 2))
		s.Len(s.responder.GetCalls(), 1)
	})

	s.Run("server leaving us behind is internal", func() {
		s.responder.QueueGet(func(transport.GetRequest) (*transport.GetResponse, error) {
			return &transport.GetResponse{}, nil
		})
		err := s.poller.EnsureUpTo(s.ctx, 50)
		s.Require().Error(err)
		s.True(errors.HasCode(err, errors.CodeInternal))
	})
}

func (s *PollerSuite) TestConcurrentPollsCoalesce() {
	gate := make(chan struct{})
	s.responder.GetFunc = func(transport.GetRequest) (*transport.GetResponse, error) {
		<-gate
		return &transport.GetResponse{}, nil
	}

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.poller.Poll(s.ctx)
		}(i)
	}

	// Wait for the winner to reach the transport, give the losers time to
	// join the in-flight call, then release.
	s.Require().Eventually(func() bool {
		return len(s.responder.GetCalls()) == 1
	}, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	for _, err := range errs {
		s.NoError(err)
	}
	s.Len(s.responder.GetCalls(), 1)
}
