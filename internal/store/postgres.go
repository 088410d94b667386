package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"waypoint/internal/presence"
	"waypoint/internal/sharelink"
	"waypoint/internal/state"
)

// PostgresStore implements Store over database/sql with the pgx driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store that uses db for persistence.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// LoadAll reads the full aggregate in one read-only transaction.
func (s *PostgresStore) LoadAll(ctx context.Context, now time.Time) (snap *Snapshot, err error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("load: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap = &Snapshot{Positions: make(map[string]presence.Position)}
	steps := []struct {
		name string
		fn   func(context.Context, *sql.Tx, *Snapshot, time.Time) error
	}{
		{"users", loadUsers},
		{"positions", loadPositions},
		{"rooms", loadRooms},
		{"members", loadMembers},
		{"contacts", loadContacts},
		{"guardianships", loadGuardianships},
		{"links", loadLinks},
	}
	for _, step := range steps {
		if err := step.fn(ctx, tx, snap, now); err != nil {
			return nil, fmt.Errorf("load %s: %w", step.name, err)
		}
	}
	return snap, tx.Commit()
}

func loadUsers(ctx context.Context, tx *sql.Tx, snap *Snapshot, _ time.Time) (err error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, display_name, role, retention FROM users ORDER BY id`)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(rows))
	for rows.Next() {
		var u UserRecord
		var retention string
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Role, &retention); err != nil {
			return err
		}
		u.Retention = presence.RetentionMode(retention)
		snap.Users = append(snap.Users, u)
	}
	return rows.Err()
}

func loadPositions(ctx context.Context, tx *sql.Tx, snap *Snapshot, _ time.Time) (err error) {
	rows, err := tx.QueryContext(ctx, `SELECT user_id, lat, lng, speed, accuracy, client_ts, server_ts FROM positions`)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(rows))
	for rows.Next() {
		var id string
		var p presence.Position
		if err := rows.Scan(&id, &p.Lat, &p.Lng, &p.Speed, &p.Accuracy, &p.ClientTS, &p.ServerTS); err != nil {
			return err
		}
		snap.Positions[id] = p
	}
	return rows.Err()
}

func loadRooms(ctx context.Context, tx *sql.Tx, snap *Snapshot, _ time.Time) (err error) {
	rows, err := tx.QueryContext(ctx, `SELECT code, name, created_by, created_at FROM rooms ORDER BY code`)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(rows))
	for rows.Next() {
		var r state.Room
		if err := rows.Scan(&r.Code, &r.Name, &r.CreatedBy, &r.CreatedAt); err != nil {
			return err
		}
		snap.Rooms = append(snap.Rooms, r)
	}
	return rows.Err()
}

func loadMembers(ctx context.Context, tx *sql.Tx, snap *Snapshot, _ time.Time) (err error) {
	rows, err := tx.QueryContext(ctx, `SELECT room_code, user_id, role, expires_at FROM room_members ORDER BY room_code, user_id`)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(rows))
	for rows.Next() {
		var m Member
		var exp sql.NullTime
		if err := rows.Scan(&m.Room, &m.UserID, &m.Role.Role, &exp); err != nil {
			return err
		}
		m.Role.ExpiresAt = ptrFromNullTime(exp)
		snap.Members = append(snap.Members, m)
	}
	return rows.Err()
}

func loadContacts(ctx context.Context, tx *sql.Tx, snap *Snapshot, _ time.Time) (err error) {
	rows, err := tx.QueryContext(ctx, `SELECT user_a, user_b FROM contacts ORDER BY user_a, user_b`)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(rows))
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.A, &c.B); err != nil {
			return err
		}
		snap.Contacts = append(snap.Contacts, c)
	}
	return rows.Err()
}

func loadGuardianships(ctx context.Context, tx *sql.Tx, snap *Snapshot, _ time.Time) (err error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT guardian_id, ward_id, status, initiated_by, expires_at, created_at
		FROM guardianships ORDER BY guardian_id, ward_id`)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(rows))
	for rows.Next() {
		var g state.Guardianship
		var status, by string
		var exp sql.NullTime
		if err := rows.Scan(&g.GuardianID, &g.WardID, &status, &by, &exp, &g.CreatedAt); err != nil {
			return err
		}
		g.Status = state.GuardianStatus(status)
		g.InitiatedBy = state.Initiator(by)
		g.ExpiresAt = ptrFromNullTime(exp)
		snap.Guardianships = append(snap.Guardianships, g)
	}
	return rows.Err()
}

func loadLinks(ctx context.Context, tx *sql.Tx, snap *Snapshot, now time.Time) (err error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT hash, kind, owner_id, created_at, expires_at FROM share_links
		WHERE expires_at IS NULL OR expires_at > $1 ORDER BY hash`, now)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(rows))
	for rows.Next() {
		var l sharelink.Link
		var kind string
		var exp sql.NullTime
		if err := rows.Scan(&l.Hash, &kind, &l.Owner, &l.CreatedAt, &exp); err != nil {
			return err
		}
		l.Kind = sharelink.Kind(kind)
		l.ExpiresAt = ptrFromNullTime(exp)
		snap.Links = append(snap.Links, l)
	}
	return rows.Err()
}

// UpsertUser inserts or updates the user row.
func (s *PostgresStore) UpsertUser(ctx context.Context, u UserRecord) error {
	retention := string(u.Retention)
	if retention == "" {
		retention = string(presence.RetentionDefault)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, role, retention) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, role = EXCLUDED.role,
			retention = EXCLUDED.retention, updated_at = now()`,
		u.ID, u.DisplayName, u.Role, retention)
	return err
}

// DeleteUser removes the user; dependent rows cascade.
func (s *PostgresStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return err
}

// SavePosition stores the latest position of userID.
func (s *PostgresStore) SavePosition(ctx context.Context, userID string, p presence.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (user_id, lat, lng, speed, accuracy, client_ts, server_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET lat = EXCLUDED.lat, lng = EXCLUDED.lng, speed = EXCLUDED.speed,
			accuracy = EXCLUDED.accuracy, client_ts = EXCLUDED.client_ts, server_ts = EXCLUDED.server_ts`,
		userID, p.Lat, p.Lng, p.Speed, p.Accuracy, p.ClientTS, p.ServerTS)
	return err
}

// UpsertRoom inserts the room or updates its name.
func (s *PostgresStore) UpsertRoom(ctx context.Context, r state.Room) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rooms (code, name, created_by, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name`,
		r.Code, r.Name, r.CreatedBy, r.CreatedAt)
	return err
}

// DeleteRoom removes the room and its memberships.
func (s *PostgresStore) DeleteRoom(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE code = $1`, code)
	return err
}

// UpsertMember inserts the membership or updates its role.
func (s *PostgresStore) UpsertMember(ctx context.Context, m Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_code, user_id, role, expires_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_code, user_id) DO UPDATE SET role = EXCLUDED.role, expires_at = EXCLUDED.expires_at`,
		m.Room, m.UserID, m.Role.Role, nullTimeFromPtr(m.Role.ExpiresAt))
	return err
}

// DeleteMember removes one membership.
func (s *PostgresStore) DeleteMember(ctx context.Context, room, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM room_members WHERE room_code = $1 AND user_id = $2`, room, userID)
	return err
}

// AddContact stores the edge once, smaller id first.
func (s *PostgresStore) AddContact(ctx context.Context, a, b string) error {
	a, b = ordered(a, b)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (user_a, user_b) VALUES ($1, $2) ON CONFLICT DO NOTHING`, a, b)
	return err
}

// RemoveContact deletes the edge.
func (s *PostgresStore) RemoveContact(ctx context.Context, a, b string) error {
	a, b = ordered(a, b)
	_, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE user_a = $1 AND user_b = $2`, a, b)
	return err
}

// UpsertGuardianship inserts or updates a pending or active guardianship.
func (s *PostgresStore) UpsertGuardianship(ctx context.Context, g state.Guardianship) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO guardianships (guardian_id, ward_id, status, initiated_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (guardian_id, ward_id) DO UPDATE SET status = EXCLUDED.status,
			initiated_by = EXCLUDED.initiated_by, expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at`,
		g.GuardianID, g.WardID, string(g.Status), string(g.InitiatedBy), nullTimeFromPtr(g.ExpiresAt), g.CreatedAt)
	return err
}

// DeleteGuardianship removes the guardianship row.
func (s *PostgresStore) DeleteGuardianship(ctx context.Context, guardianID, wardID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM guardianships WHERE guardian_id = $1 AND ward_id = $2`, guardianID, wardID)
	return err
}

// PutLink stores a share link by hash.
func (s *PostgresStore) PutLink(ctx context.Context, l sharelink.Link) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_links (hash, kind, owner_id, created_at, expires_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		l.Hash, string(l.Kind), l.Owner, l.CreatedAt, nullTimeFromPtr(l.ExpiresAt))
	return err
}

// DeleteLink removes a share link.
func (s *PostgresStore) DeleteLink(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM share_links WHERE hash = $1`, hash)
	return err
}

func nullTimeFromPtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func ptrFromNullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
