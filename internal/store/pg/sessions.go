package pg

import (
	"context"
	"time"

	"authgate.org/internal/auth"
)

const sessionColumns = `issuer_id, access_id, user_id, role_name, refresh_token, access_token, created_at, expires_at, source_ip`

func scanSession(row rowScanner) (auth.Session, error) {
	var sess auth.Session
	if err := row.Scan(
		&sess.IssuerID,
		&sess.AccessID,
		&sess.UserID,
		&sess.RoleName,
		&sess.RefreshToken,
		&sess.AccessToken,
		&sess.CreatedAt,
		&sess.ExpiresAt,
		&sess.SourceIP,
	); err != nil {
		return auth.Session{}, err
	}
	if len(sess.SourceIP) == 0 {
		sess.SourceIP = nil
	}
	return sess, nil
}

// NextAccessID bumps the per-issuer counter; the upsert takes a row lock so
// concurrent logins never receive the same id.
func (s *Store) NextAccessID(ctx context.Context, issuerID string) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		insert into session_counters (issuer_id, last_id)
		values ($1, 1)
		on conflict (issuer_id) do update
		set last_id = session_counters.last_id + 1
		returning last_id
	`, issuerID).Scan(&id)
	if err != nil {
		return 0, translate(err)
	}
	return id, nil
}

func (s *Store) CreateSession(ctx context.Context, sess auth.Session) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (`+sessionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.IssuerID, sess.AccessID, sess.UserID, sess.RoleName, sess.RefreshToken, sess.AccessToken,
		sess.CreatedAt, sess.ExpiresAt, nullBytes(sess.SourceIP))
	return translate(err)
}

func (s *Store) Session(ctx context.Context, issuerID string, accessID int64) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where issuer_id = $1 and access_id = $2
	`, issuerID, accessID)
	sess, err := scanSession(row)
	if err != nil {
		return auth.Session{}, translate(err)
	}
	return sess, nil
}

func (s *Store) SessionByAccessToken(ctx context.Context, accessToken string) (auth.Session, error) {
	if s.db == nil {
		return auth.Session{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where access_token = $1
	`, accessToken)
	sess, err := scanSession(row)
	if err != nil {
		return auth.Session{}, translate(err)
	}
	return sess, nil
}

// RotateSession replaces the tokens only while the stored refresh token still
// equals oldRefresh; a concurrent refresh or logout leaves zero rows affected.
func (s *Store) RotateSession(ctx context.Context, issuerID string, accessID int64, oldRefresh string, next auth.SessionUpdate) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update sessions
		set refresh_token = $4, access_token = $5, expires_at = $6, source_ip = $7
		where issuer_id = $1 and access_id = $2 and refresh_token = $3
	`, issuerID, accessID, oldRefresh, next.RefreshToken, next.AccessToken, next.ExpiresAt, nullBytes(next.SourceIP))
	if err != nil {
		return translate(err)
	}
	return affected(res)
}

func (s *Store) DeleteSession(ctx context.Context, issuerID string, accessID int64) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from sessions where issuer_id = $1 and access_id = $2`, issuerID, accessID)
	if err != nil {
		return translate(err)
	}
	return affected(res)
}

func (s *Store) DeleteUserSessions(ctx context.Context, userID, issuerID string) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from sessions where user_id = $1 and issuer_id = $2`, userID, issuerID)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}

func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]auth.Session, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+sessionColumns+`
		from sessions
		where user_id = $1
		order by issuer_id, access_id
	`, userID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var result []auth.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, translate(err)
		}
		result = append(result, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return result, nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from sessions where expires_at < $1`, now)
	if err != nil {
		return 0, translate(err)
	}
	return res.RowsAffected()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
