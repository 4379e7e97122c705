// Package sqlite provides a SQLite-backed core.Store. Records are kept as JSON
// documents per collection; change events go out on a core.Bus.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/Lounge/internal/adapters/pubsub"
	"github.com/dkeye/Lounge/internal/adapters/store"
	"github.com/dkeye/Lounge/internal/core"
	"github.com/dkeye/Lounge/internal/domain"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id         TEXT NOT NULL,
	collection TEXT NOT NULL,
	fields     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS records_by_created ON records (collection, created_at);
CREATE TABLE IF NOT EXISTS secrets (
	user_id TEXT PRIMARY KEY,
	hash    BLOB NOT NULL
);
`

// Store persists records in SQLite.
type Store struct {
	sqlDB *sql.DB
	// mu serializes writers so rule checks and the write they guard are atomic.
	mu     sync.Mutex
	last   int64
	bus    core.Bus
	admins []string
	bots   store.Bots
}

type Option func(*Store)

func WithBus(b core.Bus) Option { return func(s *Store) { s.bus = b } }
func WithAdmins(emails []string) Option { return func(s *Store) { s.admins = emails } }
func WithBots(b store.Bots) Option { return func(s *Store) { s.bots = b } }

// Open opens the database at path and ensures the schema.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	s := &Store{sqlDB: sqlDB, bus: pubsub.NewLocal()}
	for _, o := range opts {
		o(s)
	}
	log.Info().Str("module", "store.sqlite").Str("path", path).Msg("opened")
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) stamp() int64 {
	now := time.Now().UTC().UnixMicro()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

type scanner interface{ Scan(dest ...any) error }

func scanRecord(coll core.Collection, row scanner) (core.Record, error) {
	var (
		id      string
		payload string
		created int64
		updated int64
	)
	if err := row.Scan(&id, &payload, &created, &updated); err != nil {
		return core.Record{}, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return core.Record{}, fmt.Errorf("decode %s/%s: %w", coll, id, err)
	}
	return core.Record{ID: id, Collection: coll, Fields: fields, Created: fromMicros(created), Updated: fromMicros(updated)}, nil
}

// txLookup answers rule lookups inside the writer's transaction.
type txLookup struct {
	ctx  context.Context
	tx   *sql.Tx
	bots store.Bots
}

func (l txLookup) RoomBot(roomID, botID string) bool { return l.bots.Has(roomID, botID) }

func (l txLookup) UserRecord(id string) (core.Record, bool) {
	row := l.tx.QueryRowContext(l.ctx, `SELECT id, fields, created_at, updated_at FROM records WHERE collection = ? AND id = ?`, string(core.Users), id)
	rec, err := scanRecord(core.Users, row)
	if err != nil {
		return core.Record{}, false
	}
	return rec, true
}

func (l txLookup) RoomMuted(roomID string) bool {
	row := l.tx.QueryRowContext(l.ctx,
		`SELECT id, fields, created_at, updated_at FROM records WHERE collection = ? AND json_extract(fields, '$.room_id') = ? LIMIT 1`,
		string(core.RoomStates), roomID)
	rec, err := scanRecord(core.RoomStates, row)
	if err != nil {
		return false
	}
	return core.Bool(rec.Fields, core.FieldMuted)
}

// write runs fn in a serialized transaction and publishes the resulting
// event after commit.
func (s *Store) write(ctx context.Context, fn func(tx *sql.Tx) (core.Event, error)) (core.Record, error) {
	s.mu.Lock()
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return core.Record{}, domain.Transient("begin", err)
	}
	ev, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		s.mu.Unlock()
		return core.Record{}, err
	}
	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return core.Record{}, domain.Transient("commit", err)
	}
	s.mu.Unlock()

	if err := s.bus.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("module", "store.sqlite").Str("collection", string(ev.Record.Collection)).Msg("publish failed")
	}
	return store.Clone(ev.Record), nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, coll core.Collection, id string, fields map[string]any) (core.Record, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return core.Record{}, fmt.Errorf("encode %s: %w", coll, err)
	}
	created := s.stamp()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records (id, collection, fields, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(coll), string(payload), created, created); err != nil {
		return core.Record{}, fmt.Errorf("insert %s: %w", coll, err)
	}
	return core.Record{ID: id, Collection: coll, Fields: fields, Created: fromMicros(created), Updated: fromMicros(created)}, nil
}

// Register creates a human user with a hashed secret.
func (s *Store) Register(ctx context.Context, r core.Registration) (core.Record, error) {
	p, err := store.Prepare(r, s.admins)
	if err != nil {
		return core.Record{}, err
	}
	rec, err := s.write(ctx, func(tx *sql.Tx) (core.Event, error) {
		var n int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM records WHERE collection = ? AND json_extract(fields, '$.email') = ?`,
			string(core.Users), p.Email).Scan(&n); err != nil {
			return core.Event{}, fmt.Errorf("check email: %w", err)
		}
		if n > 0 {
			return core.Event{}, domain.ErrEmailTaken
		}
		rec, err := s.insert(ctx, tx, core.Users, p.ID, p.Fields)
		if err != nil {
			return core.Event{}, err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO secrets (user_id, hash) VALUES (?, ?)`, p.ID, p.Hash); err != nil {
			return core.Event{}, fmt.Errorf("insert secret: %w", err)
		}
		return core.Event{Action: core.ActionCreate, Record: rec}, nil
	})
	if err != nil {
		return core.Record{}, err
	}
	log.Info().Str("module", "store.sqlite").Str("uid", rec.ID).Msg("user registered")
	return rec, nil
}

func (s *Store) Authenticate(ctx context.Context, email, secret string) (core.Record, error) {
	email = domain.NormalizeEmail(email)
	var banned int
	if err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ? AND lower(json_extract(fields, '$.email')) = ?`,
		string(core.Bans), email).Scan(&banned); err != nil {
		return core.Record{}, domain.Transient("ban lookup", err)
	}
	if banned > 0 {
		return core.Record{}, domain.ErrBanned
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, fields, created_at, updated_at FROM records WHERE collection = ? AND json_extract(fields, '$.email') = ?`,
		string(core.Users), email)
	rec, err := scanRecord(core.Users, row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Record{}, domain.ErrInvalidCredentials
	}
	if err != nil {
		return core.Record{}, domain.Transient("user lookup", err)
	}
	var hash []byte
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT hash FROM secrets WHERE user_id = ?`, rec.ID).Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Record{}, domain.ErrInvalidCredentials
		}
		return core.Record{}, domain.Transient("secret lookup", err)
	}
	if err := store.CompareSecret(hash, secret); err != nil {
		return core.Record{}, err
	}
	return rec, nil
}

func (s *Store) Create(ctx context.Context, coll core.Collection, fields map[string]any) (core.Record, error) {
	return s.write(ctx, func(tx *sql.Tx) (core.Event, error) {
		if err := store.Authorize(ctx, txLookup{ctx, tx, s.bots}, store.OpCreate, coll, "", fields); err != nil {
			return core.Event{}, err
		}
		rec, err := s.insert(ctx, tx, coll, uuid.NewString(), store.Clone(core.Record{Fields: fields}).Fields)
		if err != nil {
			return core.Event{}, err
		}
		return core.Event{Action: core.ActionCreate, Record: rec}, nil
	})
}

// List pushes string equality filters and the default ordering into SQL and
// finishes anything else in memory.
func (s *Store) List(ctx context.Context, coll core.Collection, q core.Query) ([]core.Record, error) {
	var (
		where = []string{"collection = ?"}
		args  = []any{string(coll)}
		exact = true
	)
	for key, v := range q.Filter {
		str, ok := v.(string)
		if !ok || !safeKey(key) {
			exact = false
			continue
		}
		if key == "id" {
			where = append(where, "id = ?")
		} else {
			where = append(where, "json_extract(fields, '$."+key+"') = ?")
		}
		args = append(args, str)
	}
	byCreated := q.Sort == "" || q.Sort == "created"
	query := `SELECT id, fields, created_at, updated_at FROM records WHERE ` + strings.Join(where, " AND ")
	if byCreated {
		if q.Desc {
			query += " ORDER BY created_at DESC, rowid DESC"
		} else {
			query += " ORDER BY created_at, rowid"
		}
		if exact && q.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", q.Limit)
		}
	} else {
		query += " ORDER BY created_at, rowid"
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.Transient("list "+string(coll), err)
	}
	defer rows.Close()
	var out []core.Record
	for rows.Next() {
		rec, err := scanRecord(coll, rows)
		if err != nil {
			log.Debug().Err(err).Str("module", "store.sqlite").Msg("skipping undecodable row")
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient("list "+string(coll), err)
	}
	if exact && byCreated {
		return out, nil
	}
	if byCreated && q.Desc {
		// Apply expects creation order.
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return store.Apply(out, q), nil
}

func safeKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

func (s *Store) Subscribe(ctx context.Context, coll core.Collection, predicate func(core.Record) bool, onEvent func(core.Event)) (func(), error) {
	return s.bus.Subscribe(ctx, coll, func(ev core.Event) {
		if predicate == nil || predicate(ev.Record) {
			onEvent(ev)
		}
	})
}

func (s *Store) Update(ctx context.Context, coll core.Collection, id string, fields map[string]any) (core.Record, error) {
	return s.write(ctx, func(tx *sql.Tx) (core.Event, error) {
		row := tx.QueryRowContext(ctx, `SELECT id, fields, created_at, updated_at FROM records WHERE collection = ? AND id = ?`, string(coll), id)
		rec, err := scanRecord(coll, row)
		if errors.Is(err, sql.ErrNoRows) {
			return core.Event{}, fmt.Errorf("%s/%s: %w", coll, id, domain.ErrNotFound)
		}
		if err != nil {
			return core.Event{}, err
		}
		if err := store.Authorize(ctx, txLookup{ctx, tx, s.bots}, store.OpUpdate, coll, id, fields); err != nil {
			return core.Event{}, err
		}
		for k, v := range fields {
			rec.Fields[k] = v
		}
		payload, err := json.Marshal(rec.Fields)
		if err != nil {
			return core.Event{}, fmt.Errorf("encode %s: %w", coll, err)
		}
		updated := s.stamp()
		if _, err := tx.ExecContext(ctx, `UPDATE records SET fields = ?, updated_at = ? WHERE collection = ? AND id = ?`, string(payload), updated, string(coll), id); err != nil {
			return core.Event{}, fmt.Errorf("update %s: %w", coll, err)
		}
		rec.Updated = fromMicros(updated)
		return core.Event{Action: core.ActionUpdate, Record: rec}, nil
	})
}

func (s *Store) Delete(ctx context.Context, coll core.Collection, id string) error {
	_, err := s.write(ctx, func(tx *sql.Tx) (core.Event, error) {
		row := tx.QueryRowContext(ctx, `SELECT id, fields, created_at, updated_at FROM records WHERE collection = ? AND id = ?`, string(coll), id)
		rec, err := scanRecord(coll, row)
		if errors.Is(err, sql.ErrNoRows) {
			return core.Event{}, fmt.Errorf("%s/%s: %w", coll, id, domain.ErrNotFound)
		}
		if err != nil {
			return core.Event{}, err
		}
		if err := store.Authorize(ctx, txLookup{ctx, tx, s.bots}, store.OpDelete, coll, id, nil); err != nil {
			return core.Event{}, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, string(coll), id); err != nil {
			return core.Event{}, fmt.Errorf("delete %s: %w", coll, err)
		}
		return core.Event{Action: core.ActionDelete, Record: rec}, nil
	})
	return err
}
