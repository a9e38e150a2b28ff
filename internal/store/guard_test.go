package store

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"trustlog/internal/certif"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

func certifUserFor(t *testing.T) certif.Payload {
	t.Helper()
	return certif.User{User: domain.NewUserID(), Profile: domain.ProfileStandard}
}

type GuardSuite struct {
	suite.Suite
	guard *Guard
	ctx   context.Context
}

func (s *GuardSuite) SetupTest() {
	s.guard = NewGuard(NewMemory())
	s.ctx = context.Background()
}

func TestGuardSuite(t *testing.T) {
	suite.Run(t, new(GuardSuite))
}

func (s *GuardSuite) TestViewSeesUpdates() {
	fix := newFixture(s.T())
	env := fix.env(certifUserFor(s.T()))

	s.Require().NoError(s.guard.Update(s.ctx, func(st Store) error {
		return st.ApplyBatch(s.ctx, []*certif.Envelope{env})
	}))

	s.Require().NoError(s.guard.View(s.ctx, func(r Reader) error {
		known, err := r.Contains(s.ctx, env.Fingerprint)
		s.Require().NoError(err)
		s.True(known)
		return nil
	}))
}

func (s *GuardSuite) TestStopFailsFast() {
	s.Require().NoError(s.guard.Stop())

	err := s.guard.View(s.ctx, func(Reader) error { return nil })
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.CodeStopped))

	err = s.guard.Update(s.ctx, func(Store) error { return nil })
	s.Require().Error(err)
	s.True(errors.HasCode(err, errors.CodeStopped))
}

func (s *GuardSuite) TestStopIsIdempotentAndConcurrent() {
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.guard.Stop()
		}()
	}
	// Outstanding reads may race with Stop; they must either complete or
	// fail with the stopped code, never block or panic.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.guard.View(s.ctx, func(Reader) error { return nil })
			if err != nil && !errors.HasCode(err, errors.CodeStopped) {
				s.T().Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	select {
	case <-s.guard.Stopped():
	default:
		s.Fail("stop signal not closed")
	}
}

// TestCanceledContext: cancellation surfaces as the caller's own context
// error, distinguishable from engine faults.
func (s *GuardSuite) TestCanceledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	err := s.guard.View(ctx, func(Reader) error { return nil })
	s.Require().ErrorIs(err, context.Canceled)
	s.False(errors.HasCode(err, errors.CodeInternal))

	err = s.guard.Update(ctx, func(Store) error { return nil })
	s.Require().ErrorIs(err, context.Canceled)
}
