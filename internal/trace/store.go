package trace

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const maxSessions = 1000

// Store persists trace data to PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to a PostgreSQL trace database at connStr and applies
// pending migrations.
func Open(ctx context.Context, connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace open: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace ping: %w", err)
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`)
	if err != nil {
		return err
	}

	var current int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), -1) FROM schema_version`)
	if err = row.Scan(&current); err != nil {
		return err
	}

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	for i := current + 1; i < len(entries); i++ {
		data, readErr := migrationFS.ReadFile("migrations/" + entries[i].Name())
		if readErr != nil {
			return fmt.Errorf("read migration %d: %w", i, readErr)
		}
		if _, execErr := db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("migration %d: %w", i, execErr)
		}
		if _, execErr := db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, i); execErr != nil {
			return fmt.Errorf("migration %d record: %w", i, execErr)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session and prunes the oldest beyond the
// retention limit.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, conversation_id, device, language, consent, pipeline_mode, flags_version, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.UserID, sess.ConversationID, sess.Device, sess.Language,
		sess.Consent, sess.PipelineMode, sess.FlagsVersion, sess.StartedAt.UTC(),
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id NOT IN (SELECT id FROM sessions ORDER BY started_at DESC LIMIT $1)`,
		maxSessions,
	)
	return err
}

// UpdateSession records negotiated settings after session.init.
func (s *Store) UpdateSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET conversation_id = $1, device = $2, language = $3, consent = $4, pipeline_mode = $5 WHERE id = $6`,
		sess.ConversationID, sess.Device, sess.Language, sess.Consent, sess.PipelineMode, sess.ID,
	)
	return err
}

// EndSession sets the end time, close reason and final connection quality.
func (s *Store) EndSession(ctx context.Context, id, reason, quality string, endedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = $1, close_reason = $2, quality = $3 WHERE id = $4`,
		endedAt.UTC(), reason, quality, id,
	)
	return err
}

// CreateTurn inserts a running turn.
func (s *Store) CreateTurn(ctx context.Context, t Turn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, session_id, started_at, status) VALUES ($1, $2, $3, $4)`,
		t.ID, t.SessionID, t.StartedAt.UTC(), TurnRunning,
	)
	return err
}

// UpdateTurn sets the turn's final fields.
func (s *Store) UpdateTurn(ctx context.Context, t Turn) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE turns SET duration_ms = $1, transcript = $2, response = $3, status = $4 WHERE id = $5`,
		t.DurationMs, t.Transcript, t.Response, t.Status, t.ID,
	)
	return err
}

// CreateBargeIn inserts a classified barge-in.
func (s *Store) CreateBargeIn(ctx context.Context, b BargeIn) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO barge_in_events (id, session_id, turn_id, triggered_at, source, classification, confidence,
		                              duration_ms, transcript, language, rolled_back, mute_latency_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		b.ID, b.SessionID, b.TurnID, b.TriggeredAt.UTC(), b.Source, b.Classification, b.Confidence,
		b.DurationMs, b.Transcript, b.Language, b.RolledBack, b.MuteLatencyMs,
	)
	return err
}

// ListSessions returns sessions newest first, with turn and barge-in counts.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.conversation_id, s.device, s.language, s.consent, s.pipeline_mode,
		       s.flags_version, s.quality, s.close_reason, s.started_at, s.ended_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id),
		       (SELECT COUNT(*) FROM barge_in_events b WHERE b.session_id = s.id)
		FROM sessions s
		ORDER BY s.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var endedAt sql.NullTime
		if err = rows.Scan(&sess.ID, &sess.UserID, &sess.ConversationID, &sess.Device, &sess.Language,
			&sess.Consent, &sess.PipelineMode, &sess.FlagsVersion, &sess.Quality, &sess.CloseReason,
			&sess.StartedAt, &endedAt, &sess.TurnCount, &sess.BargeInCount); err != nil {
			return nil, 0, err
		}
		if endedAt.Valid {
			sess.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, sess)
	}
	return sessions, total, rows.Err()
}

// GetSession returns a session with its turns and barge-ins. A missing
// session yields sql.ErrNoRows.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, []Turn, []BargeIn, error) {
	var sess Session
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, conversation_id, device, language, consent, pipeline_mode, flags_version,
		        quality, close_reason, started_at, ended_at
		 FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.ConversationID, &sess.Device, &sess.Language, &sess.Consent,
		&sess.PipelineMode, &sess.FlagsVersion, &sess.Quality, &sess.CloseReason, &sess.StartedAt, &endedAt)
	if err != nil {
		return nil, nil, nil, err
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}

	turns, err := s.turns(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	bargeIns, err := s.bargeIns(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	sess.TurnCount, sess.BargeInCount = len(turns), len(bargeIns)
	return &sess, turns, bargeIns, nil
}

func (s *Store) turns(ctx context.Context, sessionID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, started_at, duration_ms, transcript, response, status
		 FROM turns WHERE session_id = $1 ORDER BY started_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err = rows.Scan(&t.ID, &t.SessionID, &t.StartedAt, &t.DurationMs, &t.Transcript, &t.Response, &t.Status); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *Store) bargeIns(ctx context.Context, sessionID string) ([]BargeIn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, turn_id, triggered_at, source, classification, confidence, duration_ms,
		        transcript, language, rolled_back, mute_latency_ms
		 FROM barge_in_events WHERE session_id = $1 ORDER BY triggered_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BargeIn
	for rows.Next() {
		var b BargeIn
		if err = rows.Scan(&b.ID, &b.SessionID, &b.TurnID, &b.TriggeredAt, &b.Source, &b.Classification,
			&b.Confidence, &b.DurationMs, &b.Transcript, &b.Language, &b.RolledBack, &b.MuteLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
