// Package directory implements the session directory: a sqlite-backed
// store used by the relay, and an HTTP client used by remote engines.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/riomloves-sys/duocall/internal/core"
	"github.com/riomloves-sys/duocall/internal/domain"
)

var _ core.Directory = (*Store)(nil)

// Store persists call sessions in sqlite. The database handle is wrapped
// in a mutex: modernc.org/sqlite tolerates one writer at a time and the
// directory's write volume is tiny.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	subMu    sync.Mutex
	subs     map[domain.ChatID][]chan *domain.Session
	onChange func(*domain.Session)
}

func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Info().Str("module", "directory").Str("path", path).Msg("store opened")
	return &Store{
		db:   db,
		subs: make(map[domain.ChatID][]chan *domain.Session),
	}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS call_sessions (
	id           TEXT PRIMARY KEY,
	chat_id      TEXT NOT NULL,
	initiator_id TEXT NOT NULL,
	responder_id TEXT NOT NULL,
	kind         TEXT NOT NULL,
	state        TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_sessions_chat ON call_sessions (chat_id, state);
`

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// SetOnChange installs a global change hook. The relay uses it to
// broadcast session-update events. Must be set before the store serves
// requests.
func (s *Store) SetOnChange(fn func(*domain.Session)) {
	s.subMu.Lock()
	s.onChange = fn
	s.subMu.Unlock()
}

func (s *Store) Announce(ctx context.Context, sess *domain.Session) error {
	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM call_sessions WHERE chat_id = ? AND state IN ('ringing','active') LIMIT 1`,
		string(sess.ChatID),
	).Scan(&existing)
	switch {
	case err == nil:
		tx.Rollback()
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", core.ErrSessionActive, existing)
	case !errors.Is(err, sql.ErrNoRows):
		tx.Rollback()
		s.mu.Unlock()
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO call_sessions (id, chat_id, initiator_id, responder_id, kind, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(sess.ID), string(sess.ChatID), string(sess.InitiatorID), string(sess.ResponderID),
		string(sess.Kind), string(sess.State), sess.CreatedAt.UnixMilli(),
	)
	if err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	log.Info().Str("module", "directory").Str("session", string(sess.ID)).Str("chat", string(sess.ChatID)).Msg("session announced")
	s.notify(sess)
	return nil
}

func (s *Store) UpdateState(ctx context.Context, id domain.SessionID, state domain.LifecycleState) error {
	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	sess, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT id, chat_id, initiator_id, responder_id, kind, state, created_at
		 FROM call_sessions WHERE id = ?`, string(id)))
	if err != nil {
		tx.Rollback()
		s.mu.Unlock()
		if errors.Is(err, sql.ErrNoRows) {
			return core.ErrSessionNotFound
		}
		return err
	}

	if err := sess.Transition(state); err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE call_sessions SET state = ? WHERE id = ?`, string(state), string(id)); err != nil {
		tx.Rollback()
		s.mu.Unlock()
		return err
	}
	if err := tx.Commit(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	log.Info().Str("module", "directory").Str("session", string(id)).Str("state", string(state)).Msg("session updated")
	s.notify(sess)
	return nil
}

func (s *Store) Active(ctx context.Context, chatID domain.ChatID) (*domain.Session, error) {
	s.mu.Lock()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, initiator_id, responder_id, kind, state, created_at
		 FROM call_sessions WHERE chat_id = ? AND state IN ('ringing','active')
		 ORDER BY created_at DESC LIMIT 1`, string(chatID))
	sess, err := scanSession(row)
	s.mu.Unlock()

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *Store) Subscribe(chatID domain.ChatID) (<-chan *domain.Session, func()) {
	ch := make(chan *domain.Session, 16)
	s.subMu.Lock()
	s.subs[chatID] = append(s.subs[chatID], ch)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		chans := s.subs[chatID]
		for i, sc := range chans {
			if sc == ch {
				s.subs[chatID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				break
			}
		}
		if len(s.subs[chatID]) == 0 {
			delete(s.subs, chatID)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(sess *domain.Session) {
	s.subMu.Lock()
	chans := append([]chan *domain.Session(nil), s.subs[sess.ChatID]...)
	onChange := s.onChange
	s.subMu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- sess:
		default:
		}
	}
	if onChange != nil {
		onChange(sess)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var (
		sess      domain.Session
		createdAt int64
	)
	err := row.Scan(&sess.ID, &sess.ChatID, &sess.InitiatorID, &sess.ResponderID,
		&sess.Kind, &sess.State, &createdAt)
	if err != nil {
		return nil, err
	}
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &sess, nil
}
