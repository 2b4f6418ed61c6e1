package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/YaishRiaz/SyncLedger/internal/relay"
)

type Store struct {
	db *sql.DB
}

var _ relay.Service = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// querier is satisfied by both *sql.DB and *sql.Tx so the ensure helpers can
// run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) EnsureGroup(ctx context.Context, groupID string) error {
	return ensureGroup(ctx, s.db, groupID)
}

func (s *Store) EnsureDevice(ctx context.Context, deviceID, groupID string) error {
	if err := ensureGroup(ctx, s.db, groupID); err != nil {
		return err
	}
	return ensureDevice(ctx, s.db, deviceID, groupID)
}

func (s *Store) IsMember(ctx context.Context, deviceID, groupID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`select 1 from devices where id=$1 and group_id=$2`,
		deviceID, groupID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) IssueToken(ctx context.Context, groupID, creatorDeviceID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureGroup(ctx, tx, groupID); err != nil {
		return "", err
	}
	if err := ensureDevice(ctx, tx, creatorDeviceID, groupID); err != nil {
		return "", err
	}

	token := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		insert into pairing_tokens(token, group_id, creator_device_id, created_at)
		values ($1,$2,$3,now())
	`, token, groupID, creatorDeviceID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return token, nil
}

func (s *Store) RedeemToken(ctx context.Context, token, groupID, deviceID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	// Single-statement check-and-set: concurrent redemptions race on the
	// row update and only one sees used=false.
	res, err := tx.ExecContext(ctx, `
		update pairing_tokens set used = true
		where token=$1 and group_id=$2 and used = false
	`, token, groupID)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", relay.ErrInvalidToken
	}

	if err := ensureDevice(ctx, tx, deviceID, groupID); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return groupID, nil
}

func (s *Store) Push(ctx context.Context, groupID, deviceID string, changes []relay.ChangeInput) (int, error) {
	for _, c := range changes {
		if err := c.Validate(); err != nil {
			return 0, err
		}
	}

	ok, err := s.IsMember(ctx, deviceID, groupID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, relay.ErrForbidden
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		insert into changes
			(group_id, device_id, seq, created_at_ms, entity_type, entity_id, op_type,
			 payload_ciphertext, payload_nonce, payload_mac)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (group_id, device_id, seq) do nothing
	`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, c := range changes {
		createdAt := c.CreatedAtMs
		if createdAt == 0 {
			createdAt = now
		}
		if _, err := stmt.ExecContext(ctx,
			groupID, deviceID, c.Seq, createdAt,
			c.EntityType, c.EntityID, c.OpType,
			c.PayloadCiphertext, c.PayloadNonce, c.PayloadMac,
		); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	// Submitted count, not inserted count: duplicates collapse silently.
	return len(changes), nil
}

func (s *Store) Pull(ctx context.Context, groupID, deviceID string, sinceID int64) ([]relay.Change, error) {
	ok, err := s.IsMember(ctx, deviceID, groupID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, relay.ErrForbidden
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, device_id, seq, created_at_ms, entity_type, entity_id, op_type,
		       coalesce(payload_ciphertext,''), coalesce(payload_nonce,''), coalesce(payload_mac,'')
		from changes
		where group_id=$1 and device_id <> $2 and id > $3
		order by id asc
		limit $4
	`, groupID, deviceID, sinceID, relay.PullLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []relay.Change
	for rows.Next() {
		c := relay.Change{GroupID: groupID}
		if err := rows.Scan(&c.ID, &c.DeviceID, &c.Seq, &c.CreatedAtMs,
			&c.EntityType, &c.EntityID, &c.OpType,
			&c.PayloadCiphertext, &c.PayloadNonce, &c.PayloadMac); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// --- helpers ---

func ensureGroup(ctx context.Context, q querier, groupID string) error {
	_, err := q.ExecContext(ctx, `
		insert into groups(id, created_at) values ($1, now())
		on conflict (id) do nothing
	`, groupID)
	return err
}

func ensureDevice(ctx context.Context, q querier, deviceID, groupID string) error {
	if _, err := q.ExecContext(ctx, `
		insert into devices(id, group_id, registered_at) values ($1,$2,now())
		on conflict (id) do nothing
	`, deviceID, groupID); err != nil {
		return err
	}
	// The insert is a no-op when the device already exists; re-read the
	// binding so a device registered under another group is rejected
	// instead of silently rebound.
	var bound string
	if err := q.QueryRowContext(ctx, `select group_id from devices where id=$1`, deviceID).Scan(&bound); err != nil {
		return err
	}
	if bound != groupID {
		return relay.ErrDeviceGroupMismatch
	}
	return nil
}
