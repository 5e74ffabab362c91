package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"qrattend/internal/attendance"
)

// Times are stored as unix nanoseconds so both dialects compare them the
// same way; 0 means unset.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id           TEXT PRIMARY KEY,
		course_id    TEXT NOT NULL,
		created_by   TEXT NOT NULL,
		window_start BIGINT NOT NULL,
		window_end   BIGINT NOT NULL,
		active       BOOLEAN NOT NULL,
		created_at   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS credentials (
		token      TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		course_id  TEXT NOT NULL,
		student_id TEXT NOT NULL,
		issued_at  BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		late_after BIGINT NOT NULL DEFAULT 0,
		state      TEXT NOT NULL,
		used_at    BIGINT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS credentials_holder_valid_idx
		ON credentials (session_id, student_id) WHERE state = 'valid'`,
	`CREATE INDEX IF NOT EXISTS credentials_state_expiry_idx ON credentials (state, expires_at)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id               TEXT PRIMARY KEY,
		session_id       TEXT NOT NULL,
		course_id        TEXT NOT NULL,
		student_id       TEXT NOT NULL,
		status           TEXT NOT NULL,
		occurred_at      BIGINT NOT NULL,
		credential_token TEXT NOT NULL UNIQUE,
		location         TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS attendance_records_session_student_idx
		ON attendance_records (session_id, student_id)`,
}

const credentialColumns = `token, session_id, course_id, student_id, issued_at, expires_at, late_after, state, used_at`

// dialect captures what differs between the SQL backends.
type dialect struct {
	name string
	// positional placeholders: '?' or '$n'
	numbered bool
	// insertConflict maps a unique violation on credentials to
	// attendance.ErrDuplicateToken or attendance.ErrHolderExists.
	insertConflict func(err error) error
}

// SQL is an attendance.Store on database/sql.
type SQL struct {
	db *sql.DB
	d  dialect
}

var _ attendance.Store = (*SQL)(nil)

func newSQL(ctx context.Context, db *sql.DB, d dialect) (*SQL, error) {
	s := &SQL{db: db, d: d}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQL) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "%s migrate", s.d.name)
		}
	}
	return nil
}

func (s *SQL) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func (s *SQL) CreateSession(ctx context.Context, sess attendance.Session) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sessions (id, course_id, created_by, window_start, window_end, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.CourseID, sess.CreatedBy, toNanos(sess.WindowStart), toNanos(sess.WindowEnd), sess.Active, toNanos(sess.CreatedAt))
	return errors.Wrap(err, "insert session")
}

func (s *SQL) GetSession(ctx context.Context, id string) (attendance.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, course_id, created_by, window_start, window_end, active, created_at
		FROM sessions WHERE id = ?
	`), id)
	var (
		sess                     attendance.Session
		start, end, createdNanos int64
	)
	if err := row.Scan(&sess.ID, &sess.CourseID, &sess.CreatedBy, &start, &end, &sess.Active, &createdNanos); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attendance.Session{}, attendance.ErrNoSession
		}
		return attendance.Session{}, errors.Wrap(err, "select session")
	}
	sess.WindowStart = fromNanos(start)
	sess.WindowEnd = fromNanos(end)
	sess.CreatedAt = fromNanos(createdNanos)
	return sess, nil
}

func (s *SQL) SetSessionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET active = ? WHERE id = ?`), active, id)
	if err != nil {
		return errors.Wrap(err, "update session")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return attendance.ErrNoSession
	}
	return nil
}

func (s *SQL) InsertCredential(ctx context.Context, c attendance.Credential) error {
	var usedAt interface{}
	if c.UsedAt != nil {
		usedAt = toNanos(*c.UsedAt)
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), c.Token, c.SessionID, c.CourseID, c.StudentID, toNanos(c.IssuedAt), toNanos(c.ExpiresAt), toNanos(c.LateAfter), string(c.State), usedAt)
	if err != nil {
		if conflict := s.d.insertConflict(err); conflict != nil {
			return conflict
		}
		return errors.Wrap(err, "insert credential")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCredential(row rowScanner) (attendance.Credential, error) {
	var (
		c                          attendance.Credential
		issued, expires, lateAfter int64
		state                      string
		usedAt                     sql.NullInt64
	)
	if err := row.Scan(&c.Token, &c.SessionID, &c.CourseID, &c.StudentID, &issued, &expires, &lateAfter, &state, &usedAt); err != nil {
		return attendance.Credential{}, err
	}
	c.IssuedAt = fromNanos(issued)
	c.ExpiresAt = fromNanos(expires)
	c.LateAfter = fromNanos(lateAfter)
	c.State = attendance.State(state)
	if usedAt.Valid {
		t := fromNanos(usedAt.Int64)
		c.UsedAt = &t
	}
	return c, nil
}

func (s *SQL) GetCredential(ctx context.Context, token string) (attendance.Credential, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+credentialColumns+` FROM credentials WHERE token = ?`), token)
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attendance.Credential{}, attendance.ErrNoCredential
		}
		return attendance.Credential{}, errors.Wrap(err, "select credential")
	}
	return c, nil
}

func (s *SQL) HeldCredential(ctx context.Context, sessionID, studentID string) (attendance.Credential, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT `+credentialColumns+` FROM credentials
		WHERE session_id = ? AND student_id = ? AND state = ?
	`), sessionID, studentID, string(attendance.StateValid))
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attendance.Credential{}, attendance.ErrNoCredential
		}
		return attendance.Credential{}, errors.Wrap(err, "select held credential")
	}
	return c, nil
}

func (s *SQL) CompareAndSwapState(ctx context.Context, token string, from, to attendance.State, at time.Time) (bool, error) {
	var (
		res sql.Result
		err error
	)
	if to == attendance.StateUsed {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE credentials SET state = ?, used_at = ? WHERE token = ? AND state = ?`),
			string(to), toNanos(at), token, string(from))
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE credentials SET state = ? WHERE token = ? AND state = ?`),
			string(to), token, string(from))
	}
	if err != nil {
		return false, errors.Wrap(err, "swap credential state")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "swap credential state")
	}
	return n == 1, nil
}

// Consume runs the conditional update and the record insert in one
// transaction. Concurrent updates of the same row serialize on its lock and
// the loser sees zero rows affected.
func (s *SQL) Consume(ctx context.Context, token string, rec attendance.Record) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin consume")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`UPDATE credentials SET state = ?, used_at = ? WHERE token = ? AND state = ?`),
		string(attendance.StateUsed), toNanos(rec.Timestamp), token, string(attendance.StateValid))
	if err != nil {
		return false, errors.Wrap(err, "consume credential")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "consume credential")
	}
	if n != 1 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO attendance_records (id, session_id, course_id, student_id, status, occurred_at, credential_token, location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), rec.ID, rec.SessionID, rec.CourseID, rec.StudentID, rec.Status, toNanos(rec.Timestamp), rec.CredentialToken, rec.Location)
	if err != nil {
		return false, errors.Wrap(err, "insert attendance record")
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit consume")
	}
	return true, nil
}

func (s *SQL) ListExpirable(ctx context.Context, now time.Time, limit int) ([]attendance.Credential, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+credentialColumns+` FROM credentials
		WHERE state = ? AND expires_at < ?
		ORDER BY expires_at
		LIMIT ?
	`), string(attendance.StateValid), toNanos(now), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select expirable")
	}
	defer rows.Close()
	var out []attendance.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan expirable")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQL) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM credentials WHERE state <> ? AND expires_at < ?`),
		string(attendance.StateValid), toNanos(before))
	if err != nil {
		return 0, errors.Wrap(err, "purge credentials")
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQL) ListRecords(ctx context.Context, sessionID string) ([]attendance.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, session_id, course_id, student_id, status, occurred_at, credential_token, location
		FROM attendance_records
		WHERE session_id = ?
		ORDER BY occurred_at
	`), sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "select records")
	}
	defer rows.Close()
	var res []attendance.Record
	for rows.Next() {
		var (
			r  attendance.Record
			at int64
		)
		if err := rows.Scan(&r.ID, &r.SessionID, &r.CourseID, &r.StudentID, &r.Status, &at, &r.CredentialToken, &r.Location); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		r.Timestamp = fromNanos(at)
		res = append(res, r)
	}
	return res, rows.Err()
}

func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}
