package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"authgate.org/internal/auth"
	"authgate.org/internal/ids"
)

func (s *Store) UserByName(ctx context.Context, name string) (auth.Identity, error) {
	if s.db == nil {
		return auth.Identity{}, errNoDB
	}
	var u auth.Identity
	err := s.db.QueryRowContext(ctx, `
		select id, name, display_name, email, phone, password_hash, created_at
		from users
		where name = $1
	`, name).Scan(&u.ID, &u.Name, &u.DisplayName, &u.Email, &u.Phone, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return auth.Identity{}, translate(err)
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, identity auth.Identity) (auth.Identity, error) {
	if s.db == nil {
		return auth.Identity{}, errNoDB
	}
	if strings.TrimSpace(identity.Name) == "" || identity.PasswordHash == "" {
		return auth.Identity{}, errors.Join(auth.ErrInvalidInput, errors.New("name and password hash are required"))
	}
	if identity.ID == "" {
		identity.ID = ids.NewUUID()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into users (id, name, display_name, email, phone, password_hash)
		values ($1, $2, $3, $4, $5, $6)
		returning created_at
	`, identity.ID, identity.Name, identity.DisplayName, identity.Email, identity.Phone, identity.PasswordHash).Scan(&identity.CreatedAt)
	if err != nil {
		return auth.Identity{}, translate(err)
	}
	return identity, nil
}

const roleColumns = `r.id, r.issuer_id, r.name, r.multi_session, r.ip_lock, r.access_ttl_seconds, r.refresh_ttl_seconds`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		r                 auth.Role
		accessS, refreshS int64
	)
	if err := row.Scan(&r.ID, &r.IssuerID, &r.Name, &r.MultiSession, &r.IPLock, &accessS, &refreshS); err != nil {
		return auth.Role{}, err
	}
	r.AccessTTL = time.Duration(accessS) * time.Second
	r.RefreshTTL = time.Duration(refreshS) * time.Second
	return r, nil
}

func (s *Store) UserRoles(ctx context.Context, userID, issuerID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+`
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1 and r.issuer_id = $2
		order by r.name
	`, userID, issuerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) Role(ctx context.Context, issuerID, name string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+roleColumns+`
		from roles r
		where r.issuer_id = $1 and r.name = $2
	`, issuerID, name)
	r, err := scanRole(row)
	if err != nil {
		return auth.Role{}, translate(err)
	}
	return r, nil
}

func (s *Store) Issuer(ctx context.Context, id string) (auth.Issuer, error) {
	if s.db == nil {
		return auth.Issuer{}, errNoDB
	}
	var (
		iss    auth.Issuer
		secret []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, password_hash, secret
		from issuers
		where id = $1
	`, id).Scan(&iss.ID, &iss.Name, &iss.PasswordHash, &secret)
	if err != nil {
		return auth.Issuer{}, translate(err)
	}
	iss.Secret = auth.Secret(secret)
	return iss, nil
}

func (s *Store) RotateIssuerSecret(ctx context.Context, issuerID string, secret auth.Secret) error {
	if s.db == nil {
		return errNoDB
	}
	if secret.Empty() {
		return auth.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `update issuers set secret = $2 where id = $1`, issuerID, secret.Bytes())
	if err != nil {
		return translate(err)
	}
	return affected(res)
}

func (s *Store) Grants(ctx context.Context, issuerID string) ([]auth.Grant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.name, r.name
		from procedures p
		left join procedure_roles pr on pr.procedure_id = p.id
		left join roles r on r.id = pr.role_id
		where p.issuer_id = $1
		order by p.name, r.name
	`, issuerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []auth.Grant
	for rows.Next() {
		var (
			procedure string
			role      sql.NullString
		)
		if err := rows.Scan(&procedure, &role); err != nil {
			return nil, err
		}
		n := len(result)
		if n == 0 || result[n-1].Procedure != procedure {
			result = append(result, auth.Grant{Procedure: procedure, Roles: []string{}})
			n++
		}
		if role.Valid {
			result[n-1].Roles = append(result[n-1].Roles, role.String)
		}
	}
	return result, rows.Err()
}
