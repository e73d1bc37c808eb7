package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/teamgate/internal/model"
)

// registrationLockKey は登録処理を直列化するadvisory lockのキー。
// 最初のユーザー判定と一意性チェックを挿入と同じ順序で評価するために使う。
const registrationLockKey = 7_310_001

// userColumns はusersテーブルの読み取り列。scanUserの順序と一致させること。
const userColumns = `id, pid, email, name, password_hash, api_key, status,
	email_verification_token, email_verification_sent_at, email_verified_at,
	reset_token, reset_sent_at,
	magic_link_token, magic_link_sent_at,
	pgp_key, pgp_verification_token, pgp_verification_sent_at, pgp_verified_at,
	gpg_key, gpg_verification_token, gpg_verification_sent_at, gpg_verified_at,
	created_at, updated_at`

// tokenColumns はトークン種別ごとの列名。verifiedAtは検証系トークンのみ設定される。
type tokenColumns struct {
	token      string
	sentAt     string
	verifiedAt string
}

var tokenColumnsByKind = map[model.TokenKind]tokenColumns{
	model.TokenEmailVerification: {"email_verification_token", "email_verification_sent_at", "email_verified_at"},
	model.TokenPasswordReset:     {"reset_token", "reset_sent_at", ""},
	model.TokenMagicLink:         {"magic_link_token", "magic_link_sent_at", ""},
	model.TokenPGPVerification:   {"pgp_verification_token", "pgp_verification_sent_at", "pgp_verified_at"},
	model.TokenGPGVerification:   {"gpg_verification_token", "gpg_verification_sent_at", "gpg_verified_at"},
}

func columnsFor(kind model.TokenKind) (tokenColumns, error) {
	cols, ok := tokenColumnsByKind[kind]
	if !ok {
		return tokenColumns{}, fmt.Errorf("unknown token kind: %q", kind)
	}
	return cols, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanUser はuserColumnsの順で1行を読み取る。extraはuserColumnsの後に続く列の格納先。
func scanUser(row rowScanner, extra ...any) (*model.User, error) {
	u := &model.User{}
	var status string
	dest := []any{
		&u.ID, &u.PID, &u.Email, &u.Name, &u.PasswordHash, &u.APIKey, &status,
		&u.EmailVerificationToken, &u.EmailVerificationSentAt, &u.EmailVerifiedAt,
		&u.ResetToken, &u.ResetSentAt,
		&u.MagicLinkToken, &u.MagicLinkSentAt,
		&u.PGPKey, &u.PGPVerificationToken, &u.PGPVerificationSentAt, &u.PGPVerifiedAt,
		&u.GPGKey, &u.GPGVerificationToken, &u.GPGVerificationSentAt, &u.GPGVerifiedAt,
		&u.CreatedAt, &u.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	parsed, err := model.ParseUserStatus(status)
	if err != nil {
		return nil, err
	}
	u.Status = parsed
	return u, nil
}

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// Create はユーザーを作成する。最初のユーザーの場合は管理チームも作成する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User, adminTeam *model.Team) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, registrationLockKey); err != nil {
		return fmt.Errorf("failed to acquire registration lock: %w", err)
	}

	var emailTaken, nameTaken, anyUser bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE email = $1),
		        EXISTS(SELECT 1 FROM users WHERE name = $2),
		        EXISTS(SELECT 1 FROM users)`,
		user.Email, user.Name,
	).Scan(&emailTaken, &nameTaken, &anyUser)
	if err != nil {
		return fmt.Errorf("failed to check user uniqueness: %w", err)
	}
	if emailTaken {
		return &DuplicateError{Field: "email"}
	}
	if nameTaken {
		return &DuplicateError{Field: "name"}
	}

	first := !anyUser
	if first {
		verifiedAt := user.CreatedAt
		user.Status = model.UserStatusApproved
		user.EmailVerifiedAt = &verifiedAt
		user.EmailVerificationToken = nil
		user.EmailVerificationSentAt = nil
	}

	err = tx.QueryRowContext(ctx,
		`INSERT INTO users (pid, email, name, password_hash, api_key, status,
		                    email_verification_token, email_verification_sent_at, email_verified_at,
		                    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING id`,
		user.PID, user.Email, user.Name, user.PasswordHash, user.APIKey, string(user.Status),
		user.EmailVerificationToken, user.EmailVerificationSentAt, user.EmailVerifiedAt,
		user.CreatedAt, user.UpdatedAt,
	).Scan(&user.ID)
	if err != nil {
		if dup := translateUniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	if first && adminTeam != nil {
		// 全ユーザー削除後の再ブートストラップでは既存の管理チームを再利用する
		err = tx.QueryRowContext(ctx,
			`INSERT INTO teams (pid, name, slug, description, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (name) DO UPDATE SET updated_at = EXCLUDED.updated_at
			 RETURNING id, pid`,
			adminTeam.PID, adminTeam.Name, adminTeam.Slug, adminTeam.Description, adminTeam.CreatedAt, adminTeam.UpdatedAt,
		).Scan(&adminTeam.ID, &adminTeam.PID)
		if err != nil {
			return fmt.Errorf("failed to create admin team: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO team_memberships (pid, team_id, user_id, role, pending, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, FALSE, $5, $5)`,
			uuid.NewString(), adminTeam.ID, user.ID, string(model.RoleOwner), user.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to add admin team owner: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	return r.findOne(ctx, `WHERE id = $1`, id)
}

// FindByPID は公開IDでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByPID(ctx context.Context, pid string) (*model.User, error) {
	if _, err := uuid.Parse(pid); err != nil {
		return nil, nil
	}
	return r.findOne(ctx, `WHERE pid = $1`, pid)
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, `WHERE email = $1`, email)
}

// FindApprovedByPID はApprovedのユーザーのみを取得する。
func (r *PostgresUserRepo) FindApprovedByPID(ctx context.Context, pid string) (*model.User, error) {
	if _, err := uuid.Parse(pid); err != nil {
		return nil, nil
	}
	return r.findOne(ctx, `WHERE pid = $1 AND status = 'approved'`, pid)
}

// FindApprovedByAPIKey はAPIキーでApprovedのユーザーのみを取得する。
func (r *PostgresUserRepo) FindApprovedByAPIKey(ctx context.Context, apiKey string) (*model.User, error) {
	return r.findOne(ctx, `WHERE api_key = $1 AND status = 'approved'`, apiKey)
}

func (r *PostgresUserRepo) findOne(ctx context.Context, where string, args ...any) (*model.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users `+where, args...)
	user, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// ListByStatus は指定ステータスのユーザーを作成日時の昇順で返す。
func (r *PostgresUserRepo) ListByStatus(ctx context.Context, status model.UserStatus) ([]*model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE status = $1 ORDER BY created_at ASC, id ASC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// CountByStatus は指定ステータスのユーザー数を返す。
func (r *PostgresUserRepo) CountByStatus(ctx context.Context, status model.UserStatus) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE status = $1`,
		string(status),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return count, nil
}

// UpdateStatus はステータスがfromの場合のみtoに更新する。
func (r *PostgresUserRepo) UpdateStatus(ctx context.Context, id int64, from, to model.UserStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, string(from), string(to),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update user status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// UpdatePassword はパスワードハッシュを更新する。
func (r *PostgresUserRepo) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	return r.execOne(ctx, "password",
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`,
		id, passwordHash,
	)
}

// UpdateAPIKey はAPIキーを更新する。
func (r *PostgresUserRepo) UpdateAPIKey(ctx context.Context, id int64, apiKey string) error {
	return r.execOne(ctx, "api key",
		`UPDATE users SET api_key = $2, updated_at = NOW() WHERE id = $1`,
		id, apiKey,
	)
}

// SetPublicKey は公開鍵を保存し、検証状態をリセットする。
func (r *PostgresUserRepo) SetPublicKey(ctx context.Context, id int64, kind model.KeyKind, armored string) error {
	cols, err := columnsFor(kind.VerificationToken())
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		`UPDATE users SET %s_key = $2, %s = NULL, %s = NULL, %s = NULL, updated_at = NOW() WHERE id = $1`,
		string(kind), cols.token, cols.sentAt, cols.verifiedAt,
	)
	return r.execOne(ctx, string(kind)+" key", query, id, armored)
}

// SetToken はワンショットトークンを保存する。
func (r *PostgresUserRepo) SetToken(ctx context.Context, id int64, kind model.TokenKind, token string, issuedAt time.Time) error {
	cols, err := columnsFor(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		`UPDATE users SET %s = $2, %s = $3, updated_at = NOW() WHERE id = $1`,
		cols.token, cols.sentAt,
	)
	return r.execOne(ctx, string(kind)+" token", query, id, token, issuedAt)
}

func (r *PostgresUserRepo) execOne(ctx context.Context, what, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		if dup := translateUniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %v", args[0])
	}
	return nil
}

// ConsumeToken はトークンの検索とクリアを同一トランザクションで行う。
// 同じトークンを同時に消費した場合、行ロックにより成功するのは1件のみとなる。
func (r *PostgresUserRepo) ConsumeToken(ctx context.Context, kind model.TokenKind, token string, now time.Time) (*model.ConsumedToken, error) {
	cols, err := columnsFor(kind)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`SELECT %s, %s FROM users WHERE %s = $1`, userColumns, cols.sentAt, cols.token)
	if kind.RequiresApproval() {
		query += ` AND status = 'approved'`
	}
	query += ` FOR UPDATE`

	var issuedAt sql.NullTime
	user, err := scanUser(tx.QueryRowContext(ctx, query, token), &issuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by token: %w", err)
	}

	var update string
	if cols.verifiedAt != "" {
		update = fmt.Sprintf(`UPDATE users SET %s = NULL, %s = $2, updated_at = $2 WHERE id = $1`, cols.token, cols.verifiedAt)
	} else {
		update = fmt.Sprintf(`UPDATE users SET %s = NULL, %s = NULL, updated_at = $2 WHERE id = $1`, cols.token, cols.sentAt)
	}
	if _, err := tx.ExecContext(ctx, update, user.ID, now); err != nil {
		return nil, fmt.Errorf("failed to clear %s token: %w", kind, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	applyConsumed(user, kind, now)
	return &model.ConsumedToken{User: user, IssuedAt: issuedAt.Time}, nil
}

// LookupToken はトークンを持つユーザーを検索する。トークンはクリアしない。
func (r *PostgresUserRepo) LookupToken(ctx context.Context, kind model.TokenKind, token string) (*model.ConsumedToken, error) {
	cols, err := columnsFor(kind)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, nil
	}

	query := fmt.Sprintf(`SELECT %s, %s FROM users WHERE %s = $1`, userColumns, cols.sentAt, cols.token)
	if kind.RequiresApproval() {
		query += ` AND status = 'approved'`
	}

	var issuedAt sql.NullTime
	user, err := scanUser(r.db.QueryRowContext(ctx, query, token), &issuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by token: %w", err)
	}
	return &model.ConsumedToken{User: user, IssuedAt: issuedAt.Time}, nil
}

// applyConsumed は消費後のDB状態を読み取り済みのユーザーに反映する。
func applyConsumed(u *model.User, kind model.TokenKind, now time.Time) {
	switch kind {
	case model.TokenEmailVerification:
		u.EmailVerificationToken = nil
		u.EmailVerifiedAt = &now
	case model.TokenPasswordReset:
		u.ResetToken, u.ResetSentAt = nil, nil
	case model.TokenMagicLink:
		u.MagicLinkToken, u.MagicLinkSentAt = nil, nil
	case model.TokenPGPVerification:
		u.PGPVerificationToken = nil
		u.PGPVerifiedAt = &now
	case model.TokenGPGVerification:
		u.GPGVerificationToken = nil
		u.GPGVerifiedAt = &now
	}
	u.UpdatedAt = now
}

// DeleteByID は指定IDのユーザーを削除する。
// 唯一のOwnerであるチームがある場合は削除しない。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	teamIDs, err := ownedTeamIDs(ctx, tx, id)
	if err != nil {
		return err
	}

	if len(teamIDs) > 0 {
		// Owner数の判定中に他のOwnerが抜けないよう、対象チームの行をロックする
		if _, err := tx.ExecContext(ctx,
			`SELECT id FROM teams WHERE id = ANY($1) ORDER BY id FOR UPDATE`,
			pq.Array(teamIDs),
		); err != nil {
			return fmt.Errorf("failed to lock owned teams: %w", err)
		}

		var soleOwned int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM (
			     SELECT team_id FROM team_memberships
			     WHERE team_id = ANY($1) AND role = 'owner' AND NOT pending
			     GROUP BY team_id HAVING COUNT(*) = 1
			 ) sole`,
			pq.Array(teamIDs),
		).Scan(&soleOwned)
		if err != nil {
			return fmt.Errorf("failed to count sole owned teams: %w", err)
		}
		if soleOwned > 0 {
			return ErrLastOwner
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user not found: %d", id)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func ownedTeamIDs(ctx context.Context, tx *sql.Tx, userID int64) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT team_id FROM team_memberships WHERE user_id = $1 AND role = 'owner' AND NOT pending`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list owned teams: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan team id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate owned teams: %w", err)
	}
	return ids, nil
}

// IsDuplicate はerrが一意制約違反かを返す。
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
