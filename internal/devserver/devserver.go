// Package devserver is an in-memory implementation of the certificate wire
// protocol: a toy authority that assigns global indices, enforces per-topic
// timestamp ordering and the clock ballpark, and serves polls. It backs
// integration tests and the CLI's devserver command; it deliberately skips
// the full validation rules, which belong to the client-side validator.
package devserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"trustlog/internal/certif"
	"trustlog/internal/transport"
	"trustlog/pkg/domain"
)

// Default ballpark tolerances, in seconds: how far in the past or future a
// submitted certificate's timestamp may lie relative to the server clock.
const (
	DefaultEarlyOffset = 300.0
	DefaultLateOffset  = 320.0
)

type stored struct {
	raw   []byte
	topic domain.Topic
	ts    time.Time
	index domain.Index
	fp    certif.Fingerprint
}

// Server holds the authoritative certificate log.
type Server struct {
	mu    sync.Mutex
	certs []stored
	byFP  map[certif.Fingerprint]int // position in certs
	next  domain.Index

	clock       func() time.Time
	earlyOffset float64
	lateOffset  float64
	logger      *slog.Logger
}

type Option func(*Server)

// WithClock injects the server clock; tests drive ballpark scenarios with it.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithBallpark overrides the tolerance window.
func WithBallpark(early, late float64) Option {
	return func(s *Server) {
		s.earlyOffset = early
		s.lateOffset = late
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		byFP:        make(map[certif.Fingerprint]int),
		next:        1,
		clock:       time.Now,
		earlyOffset: DefaultEarlyOffset,
		lateOffset:  DefaultLateOffset,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Poll returns every certificate issued after the request's watermarks, per
// topic, in index order. Realms the caller never mentioned are included from
// genesis.
func (s *Server) Poll(req transport.GetRequest) *transport.GetResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &transport.GetResponse{Realms: make(map[domain.RealmID][][]byte)}
	for _, c := range s.certs {
		switch c.topic.Kind {
		case domain.TopicCommon:
			if c.ts.After(req.Common) {
				resp.Common = append(resp.Common, c.raw)
			}
		case domain.TopicSequester:
			if c.ts.After(req.Sequester) {
				resp.Sequester = append(resp.Sequester, c.raw)
			}
		case domain.TopicShamir:
			if c.ts.After(req.Shamir) {
				resp.Shamir = append(resp.Shamir, c.raw)
			}
		case domain.TopicRealm:
			if c.ts.After(req.Realms[c.topic.Realm]) {
				resp.Realms[c.topic.Realm] = append(resp.Realms[c.topic.Realm], c.raw)
			}
		}
	}
	return resp
}

// Submit runs the authority's acceptance checks: idempotent replay, clock
// ballpark, per-topic strict timestamp ordering.
func (s *Server) Submit(req transport.PostRequest) *transport.PostResponse {
	env, err := certif.ParseUnverified(req.Certificate)
	if err != nil {
		return &transport.PostResponse{Outcome: transport.PostRejected, Reason: "malformed_certificate"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pos, known := s.byFP[env.Fingerprint]; known {
		return &transport.PostResponse{
			Outcome:              transport.PostAlreadyGranted,
			CertificateTimestamp: s.certs[pos].ts,
		}
	}

	now := s.clock().UTC()
	age := now.Sub(env.Timestamp).Seconds()
	if age > s.earlyOffset || -age > s.lateOffset {
		return &transport.PostResponse{
			Outcome: transport.PostOutOfBallpark,
			Ballpark: &transport.Ballpark{
				ServerTimestamp:   now,
				ClientTimestamp:   env.Timestamp,
				ClientEarlyOffset: s.earlyOffset,
				ClientLateOffset:  s.lateOffset,
			},
		}
	}

	topic := env.Topic()
	if last, ok := s.lastTimestampLocked(topic); ok && !env.Timestamp.After(last) {
		return &transport.PostResponse{
			Outcome:             transport.PostRequireGreaterTimestamp,
			StrictlyGreaterThan: last,
		}
	}

	s.byFP[env.Fingerprint] = len(s.certs)
	s.certs = append(s.certs, stored{
		raw:   req.Certificate,
		topic: topic,
		ts:    env.Timestamp,
		index: s.next,
		fp:    env.Fingerprint,
	})
	s.next++
	s.logger.Debug("accepted certificate", "kind", env.Kind, "topic", topic.String())

	return &transport.PostResponse{
		Outcome:              transport.PostOk,
		CertificateTimestamp: env.Timestamp,
	}
}

func (s *Server) lastTimestampLocked(topic domain.Topic) (time.Time, bool) {
	for i := len(s.certs) - 1; i >= 0; i-- {
		if s.certs[i].topic == topic {
			return s.certs[i].ts, true
		}
	}
	return time.Time{}, false
}

// Client returns an in-process transport.Client speaking directly to the
// server, bypassing HTTP. Handy for tests that do not need the wire layer.
func (s *Server) Client() transport.Client {
	return &inProcessClient{server: s}
}

type inProcessClient struct {
	server *Server
}

func (c *inProcessClient) GetCertificates(ctx context.Context, req transport.GetRequest) (*transport.GetResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.server.Poll(req), nil
}

func (c *inProcessClient) PostCertificate(ctx context.Context, req transport.PostRequest) (*transport.PostResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.server.Submit(req), nil
}
