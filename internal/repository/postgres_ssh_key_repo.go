package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/teamgate/internal/model"
)

const sshKeyColumns = `id, pid, user_id, label, public_key, fingerprint, created_at, updated_at`

func scanSSHKey(row rowScanner) (*model.SSHKey, error) {
	k := &model.SSHKey{}
	if err := row.Scan(&k.ID, &k.PID, &k.UserID, &k.Label, &k.PublicKey, &k.Fingerprint, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, err
	}
	return k, nil
}

// PostgresSSHKeyRepo はPostgreSQLを使用したSSH鍵リポジトリ。
type PostgresSSHKeyRepo struct {
	db *sql.DB
}

// NewPostgresSSHKeyRepo はPostgresSSHKeyRepoを生成する。
func NewPostgresSSHKeyRepo(db *sql.DB) *PostgresSSHKeyRepo {
	return &PostgresSSHKeyRepo{db: db}
}

// Create は鍵を登録する。一意性は(user_id, label)と(user_id, fingerprint)の制約で判定する。
func (r *PostgresSSHKeyRepo) Create(ctx context.Context, key *model.SSHKey) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO ssh_keys (pid, user_id, label, public_key, fingerprint, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id`,
		key.PID, key.UserID, key.Label, key.PublicKey, key.Fingerprint, key.CreatedAt, key.UpdatedAt,
	).Scan(&key.ID)
	if err != nil {
		if dup := translateUniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to insert ssh key: %w", err)
	}
	return nil
}

// ListByUser はユーザーの鍵を登録順に返す。
func (r *PostgresSSHKeyRepo) ListByUser(ctx context.Context, userID int64) ([]*model.SSHKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sshKeyColumns+` FROM ssh_keys WHERE user_id = $1 ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ssh keys: %w", err)
	}
	defer rows.Close()

	keys := []*model.SSHKey{}
	for rows.Next() {
		k, err := scanSSHKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ssh key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ssh keys: %w", err)
	}
	return keys, nil
}

// DeleteByPID はuserIDに属する鍵を公開IDで削除する。
// 不正な形式のPIDは見つからない場合と同じく扱う。
func (r *PostgresSSHKeyRepo) DeleteByPID(ctx context.Context, userID int64, pid string) (bool, error) {
	if _, err := uuid.Parse(pid); err != nil {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM ssh_keys WHERE pid = $1 AND user_id = $2`,
		pid, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete ssh key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ SSHKeyRepository = (*PostgresSSHKeyRepo)(nil)
