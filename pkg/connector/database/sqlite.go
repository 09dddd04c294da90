// Copyright 2024-2026 Aiku AI

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix/id"
)

// SQLiteStore is a Store backed by a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens uri with the go-sqlite3 driver and applies the schema.
func NewSQLiteStore(ctx context.Context, uri string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func mapSQLiteConstraint(err error) error {
	var sqlErr sqlite3.Error
	if !errors.As(err, &sqlErr) || sqlErr.Code != sqlite3.ErrConstraint {
		return err
	}
	if sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return ErrLinkExists
	}
	return ErrPortalExists
}

func (s *SQLiteStore) InsertLink(ctx context.Context, link *RoomLink) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_link (local_room_id, remote_room_name, is_portal, created_at) VALUES (?, ?, ?, ?)`,
		link.LocalRoomID, link.RemoteRoomName, link.IsPortal, toMillis(link.CreatedAt))
	if err != nil {
		return mapSQLiteConstraint(err)
	}
	return nil
}

func (s *SQLiteStore) DeleteLink(ctx context.Context, localRoomID id.RoomID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM room_link WHERE local_room_id = ?`, localRoomID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const linkColumns = `local_room_id, remote_room_name, is_portal, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*RoomLink, error) {
	var l RoomLink
	var created int64
	if err := row.Scan(&l.LocalRoomID, &l.RemoteRoomName, &l.IsPortal, &created); err != nil {
		return nil, err
	}
	l.CreatedAt = fromMillis(created)
	return &l, nil
}

func (s *SQLiteStore) GetLinkByLocalRoom(ctx context.Context, localRoomID id.RoomID) (*RoomLink, error) {
	l, err := scanLink(s.db.QueryRowContext(ctx,
		`SELECT `+linkColumns+` FROM room_link WHERE local_room_id = ?`, localRoomID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (s *SQLiteStore) GetLinksByRemoteRoom(ctx context.Context, remoteRoomName string) ([]*RoomLink, error) {
	return s.queryLinks(ctx,
		`SELECT `+linkColumns+` FROM room_link WHERE remote_room_name = ? ORDER BY local_room_id`, remoteRoomName)
}

func (s *SQLiteStore) GetAllLinks(ctx context.Context) ([]*RoomLink, error) {
	return s.queryLinks(ctx, `SELECT `+linkColumns+` FROM room_link ORDER BY remote_room_name, local_room_id`)
}

func (s *SQLiteStore) queryLinks(ctx context.Context, query string, args ...any) ([]*RoomLink, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RoomLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

const identityColumns = `remote_id, username, ghost_id, display_name, avatar_ref, avatar_mxc, last_activity`

func scanIdentity(row rowScanner) (*RemoteIdentity, error) {
	var ident RemoteIdentity
	var last int64
	err := row.Scan(&ident.RemoteID, &ident.Username, &ident.GhostID, &ident.DisplayName,
		&ident.AvatarRef, &ident.AvatarMXC, &last)
	if err != nil {
		return nil, err
	}
	ident.LastActivity = fromMillis(last)
	return &ident, nil
}

func (s *SQLiteStore) GetRemoteIdentity(ctx context.Context, remoteID string) (*RemoteIdentity, error) {
	ident, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM remote_identity WHERE remote_id = ?`, remoteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ident, err
}

func (s *SQLiteStore) GetRemoteIdentityByGhost(ctx context.Context, ghostID id.UserID) (*RemoteIdentity, error) {
	ident, err := scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM remote_identity WHERE ghost_id = ? LIMIT 1`, ghostID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ident, err
}

func (s *SQLiteStore) PutRemoteIdentity(ctx context.Context, ident *RemoteIdentity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_identity (`+identityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (remote_id) DO UPDATE SET
			username = excluded.username,
			ghost_id = excluded.ghost_id,
			display_name = excluded.display_name,
			avatar_ref = excluded.avatar_ref,
			avatar_mxc = excluded.avatar_mxc,
			last_activity = excluded.last_activity`,
		ident.RemoteID, ident.Username, ident.GhostID, ident.DisplayName,
		ident.AvatarRef, ident.AvatarMXC, toMillis(ident.LastActivity))
	return err
}

func scanAccount(row rowScanner) (*LocalAccount, error) {
	var acct LocalAccount
	var last int64
	if err := row.Scan(&acct.UserID, &acct.PuppetCredential, &last); err != nil {
		return nil, err
	}
	acct.LastActivity = fromMillis(last)
	return &acct, nil
}

func (s *SQLiteStore) GetLocalAccount(ctx context.Context, userID id.UserID) (*LocalAccount, error) {
	acct, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT user_id, puppet_credential, last_activity FROM local_account WHERE user_id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return acct, err
}

func (s *SQLiteStore) PutLocalAccount(ctx context.Context, acct *LocalAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_account (user_id, puppet_credential, last_activity) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			puppet_credential = excluded.puppet_credential,
			last_activity = excluded.last_activity`,
		acct.UserID, acct.PuppetCredential, toMillis(acct.LastActivity))
	return err
}

func (s *SQLiteStore) GetPuppetAccounts(ctx context.Context) ([]*LocalAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, puppet_credential, last_activity FROM local_account WHERE puppet_credential <> '' ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*LocalAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
