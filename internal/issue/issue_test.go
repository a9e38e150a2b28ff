package issue

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"trustlog/internal/transport"
	"trustlog/pkg/errors"
)

type IssuerSuite struct {
	suite.Suite
	responder *transport.Responder
	clock     time.Time
	issuer    *Issuer
	proposals []time.Time
	ctx       context.Context
}

func (s *IssuerSuite) SetupTest() {
	s.responder = transport.NewResponder()
	s.clock = time.Date(2000, 6, 1, 0, 0, 0, 0, time.UTC)
	s.proposals = nil
	s.ctx = context.Background()

	var err error
	s.issuer, err = New(s.responder, WithClock(func() time.Time { return s.clock }))
	s.Require().NoError(err)
}

func TestIssuerSuite(t *testing.T) {
	suite.Run(t, new(IssuerSuite))
}

// build records each proposed timestamp and returns placeholder bytes; the
// protocol treats the certificate as opaque.
func (s *IssuerSuite) build(ts time.Time) ([]byte, error) {
	s.proposals = append(s.proposals, ts)
	return []byte("certificate"), nil
}

func (s *IssuerSuite) TestUploaded() {
	filed := s.clock.Add(time.Second)
	s.responder.QueuePost(func(req transport.PostRequest) (*transport.PostResponse, error) {
		s.Equal([]byte("certificate"), req.Certificate)
		return &transport.PostResponse{
			Outcome:              transport.PostOk,
			CertificateTimestamp: filed,
		}, nil
	})

	outcome, err := s.issuer.Run(s.ctx, s.build)
	s.Require().NoError(err)
	s.Equal(Uploaded, outcome.Kind)
	s.True(outcome.CertificateTimestamp.Equal(filed))
	s.Require().Len(s.proposals, 1)
	s.True(s.proposals[0].Equal(s.clock))
}

func (s *IssuerSuite) TestAlreadyGranted() {
	s.Run("server-filed timestamp wins", func() {
		filed := s.clock.Add(-time.Hour)
		s.responder.QueuePost(func(transport.PostRequest) (*transport.PostResponse, error) {
			return &transport.PostResponse{
				Outcome:              transport.PostAlreadyGranted,
				CertificateTimestamp: filed,
			}, nil
		})
		outcome, err := s.issuer.Run(s.ctx, s.build)
		s.Require().NoError(err)
		s.Equal(RemoteIdempotent, outcome.Kind)
		s.True(outcome.CertificateTimestamp.Equal(filed))
	})

	s.Run("falls back to the proposal when omitted", func() {
		s.responder.QueuePost(func(transport.PostRequest) (*transport.PostResponse, error) {
			return &transport.PostResponse{Outcome: transport.PostAlreadyGranted}, nil
		})
		outcome, err := s.issuer.Run(s.ctx, s.build)
		s.Require().NoError(err)
		s.True(outcome.CertificateTimestamp.Equal(s.clock))
	})
}

// TestRetryHonorsServerFloor: the server demands a timestamp greater than a
// point well past the local clock; the retried certificate must be dated no
// earlier than that floor.
func (s *IssuerSuite) TestRetryHonorsServerFloor() {
	floor := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	s.responder.QueuePost(func(transport.PostRequest) (*transport.PostResponse, error) {
		return &transport.PostResponse{
			Outcome:             transport.PostRequireGreaterTimestamp,
			StrictlyGreaterThan: floor,
		}, nil
	})
	s.responder.QueuePost(func(transport.PostRequest) (*transport.PostResponse, error) {
		return &transport.PostResponse{Outcome: transport.PostOk}, nil
	})

	outcome, err := s.issuer.Run(s.ctx, s.build)
	s.Require().NoError(err)
	s.Equal(Uploaded, outcome.Kind)
	s.Require().Len(s.proposals, 2)
	s.True(s.proposals[0].Equal(s.clock))
	s.False(s.proposals[1].Before(floor))
}

// TestRetryConvergence: under a server that keeps raising the floor, the
// proposed timestamp is non-decreasing and eventually exceeds every floor.
func (s *IssuerSuite) TestRetryConvergence() {
	floors := []time.Time{
		time.Date(2000, 7, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2000, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2000, 9, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, floor := range floors {
		floor := floor
		s.responder.QueuePost(func(transport.PostRequest) (*transport.PostResponse, error) {
			return &transport.PostResponse{
				Outcome:             transport.PostRequireGreaterTimestamp,
				StrictlyGreaterThan: floor,
			}, nil
		})
	}
	s.responder.QueuePost(func(transport.PostRequest) (*transport.PostResponse, error) {
		return &transport.PostResponse{Outcome: transport.PostOk}, nil
	})

	_, err := s.issuer.Run(s.ctx, s.build)
	s.Require().NoError(err)
	s.Require().Len(s.proposals, 4)
	for i := 1; i < len(s.proposals); i++ {
		s.False(s.proposals[i].Before(s.proposals[i-1]))
	}
	s.False(s.proposals[3].Before(floors[2]))
}

func (s *IssuerSuite) TestBallparkIsTerminal() {
	ballpark := transport.Ballpark{
		ServerTimestamp:   time.Date(2000, 6, 1, 0, 10, 0, 0, time.UTC),
		ClientTimestamp:   s.clock,
		ClientEarlyOffset: 300,
		ClientLateOffset:  320,
	}
	s.responder.QueuePost(func(transport.PostRequest) (*transport.PostResponse, error) {
		return &transport.PostResponse{
			Outcome:  transport.PostOutOfBallpark,
			Ballpark: &ballpark,
		}, nil
	})

	_, err := s.issuer.Run(s.ctx, s.build)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.CodeOutOfBallpark))

	// All four comparison fields surface to the caller.
	var bp *BallparkError
	s.Require().True(stderrors.As(err, &bp))
	s.True(bp.ServerTimestamp.Equal(ballpark.ServerTimestamp))
	s.True(bp.ClientTimestamp.Equal(ballpark.ClientTimestamp))
	s.Equal(ballpark.ClientEarlyOffset, bp.ClientEarlyOffset)
	s.Equal(ballpark.ClientLateOffset, bp.ClientLateOffset)

	// Never retried automatically.
	s.Len(s.responder.PostCalls(), 1)
}

func (s *IssuerSuite) TestRejectedIsTerminal() {
	s.responder.QueuePost(func(transport.PostRequest) (*transport.PostResponse, error) {
		return &transport.PostResponse{Outcome: transport.PostRejected, Reason: "unknown_realm"}, nil
	})

	_, err := s.issuer.Run(s.ctx, s.build)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.CodeRejected))
	s.ErrorContains(err, "unknown_realm")
	s.Len(s.responder.PostCalls(), 1)
}

func (s *IssuerSuite) TestOfflinePassesThrough() {
	_, err := s.issuer.Run(s.ctx, s.build)
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.CodeOffline))
}

func (s *IssuerSuite) TestCanceledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.issuer.Run(ctx, s.build)
	s.Require().ErrorIs(err, context.Canceled)
	s.Empty(s.proposals)
}
