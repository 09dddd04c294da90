// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"maunium.net/go/mautrix/id"
)

const pgUniqueViolation = "23505"

// PostgresStore is a Store backed by a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to uri and applies the schema.
func NewPostgresStore(ctx context.Context, uri string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func mapPgConstraint(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return err
	}
	if pgErr.ConstraintName == "room_link_pkey" {
		return ErrLinkExists
	}
	return ErrPortalExists
}

func (s *PostgresStore) InsertLink(ctx context.Context, link *RoomLink) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO room_link (local_room_id, remote_room_name, is_portal, created_at) VALUES ($1, $2, $3, $4)`,
		link.LocalRoomID.String(), link.RemoteRoomName, link.IsPortal, toMillis(link.CreatedAt))
	if err != nil {
		return mapPgConstraint(err)
	}
	return nil
}

func (s *PostgresStore) DeleteLink(ctx context.Context, localRoomID id.RoomID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM room_link WHERE local_room_id = $1`, localRoomID.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetLinkByLocalRoom(ctx context.Context, localRoomID id.RoomID) (*RoomLink, error) {
	l, err := scanPgLink(s.pool.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM room_link WHERE local_room_id = $1`, localRoomID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *PostgresStore) GetLinksByRemoteRoom(ctx context.Context, remoteRoomName string) ([]*RoomLink, error) {
	return s.queryLinks(ctx,
		`SELECT `+linkColumns+` FROM room_link WHERE remote_room_name = $1 ORDER BY local_room_id`, remoteRoomName)
}

func (s *PostgresStore) GetAllLinks(ctx context.Context) ([]*RoomLink, error) {
	return s.queryLinks(ctx, `SELECT `+linkColumns+` FROM room_link ORDER BY remote_room_name, local_room_id`)
}

func scanPgLink(row pgx.Row) (*RoomLink, error) {
	var l RoomLink
	var room string
	var created int64
	if err := row.Scan(&room, &l.RemoteRoomName, &l.IsPortal, &created); err != nil {
		return nil, err
	}
	l.LocalRoomID = id.RoomID(room)
	l.CreatedAt = fromMillis(created)
	return &l, nil
}

func (s *PostgresStore) queryLinks(ctx context.Context, query string, args ...any) ([]*RoomLink, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RoomLink
	for rows.Next() {
		l, err := scanPgLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanPgIdentity(row pgx.Row) (*RemoteIdentity, error) {
	var ident RemoteIdentity
	var ghost, mxc string
	var last int64
	err := row.Scan(&ident.RemoteID, &ident.Username, &ghost, &ident.DisplayName, &ident.AvatarRef, &mxc, &last)
	if err != nil {
		return nil, err
	}
	ident.GhostID = id.UserID(ghost)
	ident.AvatarMXC = id.ContentURIString(mxc)
	ident.LastActivity = fromMillis(last)
	return &ident, nil
}

func (s *PostgresStore) GetRemoteIdentity(ctx context.Context, remoteID string) (*RemoteIdentity, error) {
	ident, err := scanPgIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM remote_identity WHERE remote_id = $1`, remoteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ident, err
}

func (s *PostgresStore) GetRemoteIdentityByGhost(ctx context.Context, ghostID id.UserID) (*RemoteIdentity, error) {
	ident, err := scanPgIdentity(s.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM remote_identity WHERE ghost_id = $1 LIMIT 1`, ghostID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return ident, err
}

func (s *PostgresStore) PutRemoteIdentity(ctx context.Context, ident *RemoteIdentity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO remote_identity (`+identityColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (remote_id) DO UPDATE SET
			username = excluded.username,
			ghost_id = excluded.ghost_id,
			display_name = excluded.display_name,
			avatar_ref = excluded.avatar_ref,
			avatar_mxc = excluded.avatar_mxc,
			last_activity = excluded.last_activity`,
		ident.RemoteID, ident.Username, ident.GhostID.String(), ident.DisplayName,
		ident.AvatarRef, string(ident.AvatarMXC), toMillis(ident.LastActivity))
	return err
}

func scanPgAccount(row pgx.Row) (*LocalAccount, error) {
	var acct LocalAccount
	var user string
	var last int64
	if err := row.Scan(&user, &acct.PuppetCredential, &last); err != nil {
		return nil, err
	}
	acct.UserID = id.UserID(user)
	acct.LastActivity = fromMillis(last)
	return &acct, nil
}

func (s *PostgresStore) GetLocalAccount(ctx context.Context, userID id.UserID) (*LocalAccount, error) {
	acct, err := scanPgAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, puppet_credential, last_activity FROM local_account WHERE user_id = $1`, userID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return acct, err
}

func (s *PostgresStore) PutLocalAccount(ctx context.Context, acct *LocalAccount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO local_account (user_id, puppet_credential, last_activity) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			puppet_credential = excluded.puppet_credential,
			last_activity = excluded.last_activity`,
		acct.UserID.String(), acct.PuppetCredential, toMillis(acct.LastActivity))
	return err
}

func (s *PostgresStore) GetPuppetAccounts(ctx context.Context) ([]*LocalAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, puppet_credential, last_activity FROM local_account WHERE puppet_credential <> '' ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LocalAccount
	for rows.Next() {
		acct, err := scanPgAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
