package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/nacl/secretbox"

	"trustlog/internal/certif"
	"trustlog/pkg/domain"
	"trustlog/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// KeySize is the length of the at-rest encryption key, supplied by the
// identity component that owns local device secrets.
const KeySize = 32

// SQLite is the durable store. Raw certificate tokens are encrypted at rest
// with NaCl secretbox; lookup keys and timestamps stay in clear columns so
// the natural-key indexes work.
//
// Watermarks and last indices are cached in memory and rebuilt on open;
// ApplyBatch keeps them in sync under the same mutex that orders writes.
type SQLite struct {
	db  *sql.DB
	key [KeySize]byte

	mu         sync.RWMutex
	nextIndex  domain.Index
	watermarks domain.Watermarks
	lastIndex  map[string]domain.Index
}

var _ Store = (*SQLite)(nil)

// OpenSQLite creates or opens the certificate database at path. The pragmas
// and single-writer pool follow SQLite's WAL-mode guidance; the schema is
// applied idempotently.
func OpenSQLite(path string, key []byte) (*SQLite, error) {
	if len(key) != KeySize {
		return nil, errors.Newf(errors.CodeInvalidInput, "encryption key must be %d bytes", KeySize)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY without giving up read concurrency in WAL mode.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &SQLite{
		db:         db,
		watermarks: domain.Watermarks{Realms: make(map[domain.RealmID]time.Time)},
		lastIndex:  make(map[string]domain.Index),
		nextIndex:  1,
	}
	copy(s.key[:], key)

	if err := s.reload(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// reload rebuilds the in-memory watermark and index caches from disk.
func (s *SQLite) reload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic_kind, COALESCE(realm_id, ''), MAX(timestamp_ns), MAX(idx)
		FROM certificates
		GROUP BY topic_kind, realm_id`)
	if err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var topicKind, realmRaw string
		var tsNano int64
		var last int64
		if err := rows.Scan(&topicKind, &realmRaw, &tsNano, &last); err != nil {
			return fmt.Errorf("scan watermark row: %w", err)
		}
		ts := time.Unix(0, tsNano).UTC()
		topic := domain.Topic{Kind: domain.TopicKind(topicKind)}
		if topicKind == string(domain.TopicRealm) {
			realm, err := domain.ParseRealmID(realmRaw)
			if err != nil {
				return errors.Wrap(err, errors.CodeInternal, "corrupted realm id in store")
			}
			topic.Realm = realm
			s.watermarks.Realms[realm] = ts
		} else {
			switch topic.Kind {
			case domain.TopicCommon:
				s.watermarks.Common = ts
			case domain.TopicSequester:
				s.watermarks.Sequester = ts
			case domain.TopicShamir:
				s.watermarks.Shamir = ts
			}
		}
		s.lastIndex[topic.String()] = domain.Index(last)
		if domain.Index(last) >= s.nextIndex {
			s.nextIndex = domain.Index(last) + 1
		}
	}
	return rows.Err()
}

func (s *SQLite) ApplyBatch(ctx context.Context, batch []*certif.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	type applied struct {
		topic domain.Topic
		ts    time.Time
		idx   domain.Index
	}
	var staged []applied
	next := s.nextIndex

	for _, env := range batch {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM certificates WHERE fingerprint = ?`,
			env.Fingerprint[:]).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check fingerprint: %w", err)
		}
		if exists > 0 {
			continue
		}

		nonce, sealed, err := s.seal(env.Raw)
		if err != nil {
			return err
		}

		topic := env.Topic()
		var realmRaw, userRaw, deviceRaw, serviceRaw any
		if topic.Kind == domain.TopicRealm {
			realmRaw = topic.Realm.String()
		}
		switch p := env.Payload.(type) {
		case certif.User:
			userRaw = p.User.String()
		case certif.Device:
			userRaw = p.User.String()
			deviceRaw = p.Device.String()
		case certif.UserUpdate:
			userRaw = p.User.String()
		case certif.UserRevoked:
			userRaw = p.User.String()
		case certif.RealmRole:
			userRaw = p.User.String()
		case certif.ShamirSetup:
			userRaw = p.User.String()
		case certif.ShamirShare:
			userRaw = p.User.String()
		case certif.SequesterService:
			serviceRaw = p.Service.String()
		case certif.SequesterServiceRevoked:
			serviceRaw = p.Service.String()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO certificates
			(idx, topic_kind, realm_id, kind, author, timestamp_ns,
			 user_id, device_id, service_id, fingerprint, nonce, raw_enc)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(next), string(topic.Kind), realmRaw, string(env.Kind),
			env.Author.String(), env.Timestamp.UnixNano(),
			userRaw, deviceRaw, serviceRaw,
			env.Fingerprint[:], nonce, sealed)
		if err != nil {
			return fmt.Errorf("insert certificate: %w", err)
		}

		staged = append(staged, applied{topic: topic, ts: env.Timestamp, idx: next})
		next++
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	// Cache updates happen only after the durable commit succeeded.
	s.nextIndex = next
	for _, a := range staged {
		s.lastIndex[a.topic.String()] = a.idx
		switch a.topic.Kind {
		case domain.TopicCommon:
			s.watermarks.Common = maxTime(s.watermarks.Common, a.ts)
		case domain.TopicSequester:
			s.watermarks.Sequester = maxTime(s.watermarks.Sequester, a.ts)
		case domain.TopicShamir:
			s.watermarks.Shamir = maxTime(s.watermarks.Shamir, a.ts)
		case domain.TopicRealm:
			s.watermarks.Realms[a.topic.Realm] = maxTime(s.watermarks.Realms[a.topic.Realm], a.ts)
		}
	}
	return nil
}

func (s *SQLite) seal(raw []byte) (nonce, sealed []byte, err error) {
	var n [24]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return n[:], secretbox.Seal(nil, raw, &n, &s.key), nil
}

func (s *SQLite) open(nonce, sealed []byte) ([]byte, error) {
	var n [24]byte
	copy(n[:], nonce)
	raw, ok := secretbox.Open(nil, sealed, &n, &s.key)
	if !ok {
		return nil, errors.New(errors.CodeInternal, "stored certificate failed decryption")
	}
	return raw, nil
}

// decodeRow decrypts and re-parses one stored certificate. Rows were
// validated before insertion, so parse failures indicate store corruption.
func (s *SQLite) decodeRow(idx int64, nonce, sealed []byte) (*certif.Envelope, error) {
	raw, err := s.open(nonce, sealed)
	if err != nil {
		return nil, err
	}
	env, err := certif.ParseUnverified(raw)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "stored certificate failed to parse")
	}
	env.Index = domain.Index(idx)
	return env, nil
}

// queryOne fetches the newest admissible row matching the where clause.
func (s *SQLite) queryOne(ctx context.Context, sel Selector, where string, args ...any) (*certif.Envelope, bool, error) {
	query := `SELECT idx, nonce, raw_enc FROM certificates WHERE ` + where
	if bound, capped := sel.Bound(); capped {
		query += fmt.Sprintf(" AND idx <= %d", bound)
	}
	query += ` ORDER BY idx DESC LIMIT 1`

	var idx int64
	var nonce, sealed []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&idx, &nonce, &sealed)
	if err == sql.ErrNoRows {
		// Distinguish "never existed" from "newer than the selector".
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM certificates WHERE `+where, args...).Scan(&exists); err != nil {
			return nil, false, fmt.Errorf("existence probe: %w", err)
		}
		return nil, exists > 0, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup certificate: %w", err)
	}
	env, err := s.decodeRow(idx, nonce, sealed)
	return env, true, err
}

func (s *SQLite) queryList(ctx context.Context, sel Selector, page Page, where string, args ...any) ([]*certif.Envelope, error) {
	query := `SELECT idx, nonce, raw_enc FROM certificates WHERE ` + where
	if bound, capped := sel.Bound(); capped {
		query += fmt.Sprintf(" AND idx <= %d", bound)
	}
	query += ` ORDER BY idx ASC`
	if page.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", page.Limit)
	}
	if page.Offset > 0 {
		if page.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += fmt.Sprintf(" OFFSET %d", page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	var out []*certif.Envelope
	for rows.Next() {
		var idx int64
		var nonce, sealed []byte
		if err := rows.Scan(&idx, &nonce, &sealed); err != nil {
			return nil, fmt.Errorf("scan certificate row: %w", err)
		}
		env, err := s.decodeRow(idx, nonce, sealed)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *SQLite) GetUserCertificate(ctx context.Context, sel Selector, user domain.UserID) (*certif.Envelope, error) {
	env, seen, err := s.queryOne(ctx, sel, `kind = ? AND user_id = ?`, string(certif.KindUser), user.String())
	if err != nil {
		return nil, err
	}
	if env == nil {
		if seen {
			return nil, errors.New(errors.CodeNewerThanSelector, "user certificate exists but is newer than the selector")
		}
		return nil, errors.New(errors.CodeNotFound, "user certificate not found")
	}
	return env, nil
}

func (s *SQLite) GetDeviceCertificate(ctx context.Context, sel Selector, device domain.DeviceID) (*certif.Envelope, error) {
	env, seen, err := s.queryOne(ctx, sel, `kind = ? AND device_id = ?`, string(certif.KindDevice), device.String())
	if err != nil {
		return nil, err
	}
	if env == nil {
		if seen {
			return nil, errors.New(errors.CodeNewerThanSelector, "device certificate exists but is newer than the selector")
		}
		return nil, errors.New(errors.CodeNotFound, "device certificate not found")
	}
	return env, nil
}

func (s *SQLite) GetRevokedUserCertificate(ctx context.Context, sel Selector, user domain.UserID) (*certif.Envelope, error) {
	env, _, err := s.queryOne(ctx, sel, `kind = ? AND user_id = ?`, string(certif.KindUserRevoked), user.String())
	return env, err
}

func (s *SQLite) GetUserRealmRole(ctx context.Context, sel Selector, user domain.UserID, realm domain.RealmID) (*certif.Envelope, error) {
	env, _, err := s.queryOne(ctx, sel, `kind = ? AND realm_id = ? AND user_id = ?`,
		string(certif.KindRealmRole), realm.String(), user.String())
	return env, err
}

func (s *SQLite) GetUserProfile(ctx context.Context, sel Selector, user domain.UserID) (domain.Profile, error) {
	env, seen, err := s.queryOne(ctx, sel, `kind IN (?, ?) AND user_id = ?`,
		string(certif.KindUser), string(certif.KindUserUpdate), user.String())
	if err != nil {
		return "", err
	}
	if env == nil {
		if seen {
			return "", errors.New(errors.CodeNewerThanSelector, "user exists but is newer than the selector")
		}
		return "", errors.Newf(errors.CodeNotFound, "user %s not found", user)
	}
	switch p := env.Payload.(type) {
	case certif.User:
		return p.Profile, nil
	case certif.UserUpdate:
		return p.Profile, nil
	default:
		return "", errors.New(errors.CodeInternal, "unexpected certificate kind in profile lookup")
	}
}

func (s *SQLite) GetSequesterAuthority(ctx context.Context, sel Selector) (*certif.Envelope, error) {
	env, _, err := s.queryOne(ctx, sel, `kind = ?`, string(certif.KindSequesterAuthority))
	return env, err
}

func (s *SQLite) GetSequesterService(ctx context.Context, sel Selector, service domain.SequesterServiceID) (*certif.Envelope, error) {
	env, seen, err := s.queryOne(ctx, sel, `kind = ? AND service_id = ?`,
		string(certif.KindSequesterService), service.String())
	if err != nil {
		return nil, err
	}
	if env == nil {
		if seen {
			return nil, errors.New(errors.CodeNewerThanSelector, "sequester service exists but is newer than the selector")
		}
		return nil, errors.New(errors.CodeNotFound, "sequester service certificate not found")
	}
	return env, nil
}

func (s *SQLite) GetSequesterServiceRevoked(ctx context.Context, sel Selector, service domain.SequesterServiceID) (*certif.Envelope, error) {
	env, _, err := s.queryOne(ctx, sel, `kind = ? AND service_id = ?`,
		string(certif.KindSequesterServiceRevoked), service.String())
	return env, err
}

func (s *SQLite) GetRealmKeyRotation(ctx context.Context, sel Selector, realm domain.RealmID) (*certif.Envelope, error) {
	env, _, err := s.queryOne(ctx, sel, `kind = ? AND realm_id = ?`,
		string(certif.KindRealmKeyRotation), realm.String())
	return env, err
}

func (s *SQLite) GetRealmRoles(ctx context.Context, sel Selector, realm domain.RealmID, page Page) ([]*certif.Envelope, error) {
	return s.queryList(ctx, sel, page, `kind = ? AND realm_id = ?`,
		string(certif.KindRealmRole), realm.String())
}

func (s *SQLite) ListUserCertificates(ctx context.Context, sel Selector, page Page) ([]*certif.Envelope, error) {
	return s.queryList(ctx, sel, page, `kind = ?`, string(certif.KindUser))
}

func (s *SQLite) ListDeviceCertificatesForUser(ctx context.Context, sel Selector, user domain.UserID, page Page) ([]*certif.Envelope, error) {
	return s.queryList(ctx, sel, page, `kind = ? AND user_id = ?`,
		string(certif.KindDevice), user.String())
}

func (s *SQLite) Watermarks(ctx context.Context) (domain.Watermarks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks.Clone(), nil
}

func (s *SQLite) LastIndex(ctx context.Context, topic domain.Topic) (domain.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex[topic.String()], nil
}

func (s *SQLite) HighestIndex(ctx context.Context) (domain.Index, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextIndex - 1, nil
}

func (s *SQLite) MarkRealmCreatedLocally(ctx context.Context, realm domain.RealmID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO local_realms (realm_id) VALUES (?)`, realm.String())
	if err != nil {
		return fmt.Errorf("mark local realm: %w", err)
	}
	return nil
}

func (s *SQLite) IsRealmCreatedLocally(ctx context.Context, realm domain.RealmID) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM local_realms WHERE realm_id = ?`, realm.String()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check local realm: %w", err)
	}
	return count > 0, nil
}

func (s *SQLite) Contains(ctx context.Context, fingerprint certif.Fingerprint) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM certificates WHERE fingerprint = ?`, fingerprint[:]).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check fingerprint: %w", err)
	}
	return count > 0, nil
}

func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
