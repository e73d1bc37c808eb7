package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/teamgate/internal/model"
)

const teamColumns = `id, pid, name, slug, description, created_at, updated_at`

const membershipColumns = `m.id, m.pid, m.team_id, m.user_id, m.role, m.pending,
	m.invitation_token, m.invitation_sent_at, m.invited_by_id, m.created_at, m.updated_at`

func scanTeam(row rowScanner, extra ...any) (*model.Team, error) {
	t := &model.Team{}
	dest := []any{&t.ID, &t.PID, &t.Name, &t.Slug, &t.Description, &t.CreatedAt, &t.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return t, nil
}

func scanMembership(row rowScanner, extra ...any) (*model.Membership, error) {
	m := &model.Membership{}
	var role string
	dest := []any{
		&m.ID, &m.PID, &m.TeamID, &m.UserID, &role, &m.Pending,
		&m.InvitationToken, &m.InvitationSentAt, &m.InvitedByID, &m.CreatedAt, &m.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	m.Role = model.Role(role)
	return m, nil
}

// PostgresTeamRepo はPostgreSQLを使用したチームリポジトリ。
type PostgresTeamRepo struct {
	db *sql.DB
}

// NewPostgresTeamRepo はPostgresTeamRepoを生成する。
func NewPostgresTeamRepo(db *sql.DB) *PostgresTeamRepo {
	return &PostgresTeamRepo{db: db}
}

// CreateWithOwner はチームと作成者のOwnerメンバーシップを同一トランザクションで作成する。
func (r *PostgresTeamRepo) CreateWithOwner(ctx context.Context, team *model.Team, ownerID int64) (*model.Membership, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO teams (pid, name, slug, description, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		team.PID, team.Name, team.Slug, team.Description, team.CreatedAt, team.UpdatedAt,
	).Scan(&team.ID)
	if err != nil {
		if dup := translateUniqueViolation(err); dup != nil {
			return nil, dup
		}
		return nil, fmt.Errorf("failed to insert team: %w", err)
	}

	membership := &model.Membership{
		PID:       uuid.NewString(),
		TeamID:    team.ID,
		UserID:    ownerID,
		Role:      model.RoleOwner,
		CreatedAt: team.CreatedAt,
		UpdatedAt: team.CreatedAt,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO team_memberships (pid, team_id, user_id, role, pending, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, FALSE, $5, $6)
		 RETURNING id`,
		membership.PID, membership.TeamID, membership.UserID, string(membership.Role),
		membership.CreatedAt, membership.UpdatedAt,
	).Scan(&membership.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return membership, nil
}

// FindByID は指定IDのチームを取得する。見つからない場合はnilを返す。
func (r *PostgresTeamRepo) FindByID(ctx context.Context, id int64) (*model.Team, error) {
	return r.findTeam(ctx, `WHERE id = $1`, id)
}

// FindByPID は公開IDでチームを取得する。見つからない場合はnilを返す。
func (r *PostgresTeamRepo) FindByPID(ctx context.Context, pid string) (*model.Team, error) {
	if _, err := uuid.Parse(pid); err != nil {
		return nil, nil
	}
	return r.findTeam(ctx, `WHERE pid = $1`, pid)
}

func (r *PostgresTeamRepo) findTeam(ctx context.Context, where string, args ...any) (*model.Team, error) {
	team, err := scanTeam(r.db.QueryRowContext(ctx, `SELECT `+teamColumns+` FROM teams `+where, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find team: %w", err)
	}
	return team, nil
}

// ListByUser はユーザーがアクティブメンバーであるチームを名前順で返す。
func (r *PostgresTeamRepo) ListByUser(ctx context.Context, userID int64) ([]*model.Team, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.id, t.pid, t.name, t.slug, t.description, t.created_at, t.updated_at
		 FROM teams t
		 INNER JOIN team_memberships m ON m.team_id = t.id
		 WHERE m.user_id = $1 AND NOT m.pending
		 ORDER BY t.name ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	defer rows.Close()

	var teams []*model.Team
	for rows.Next() {
		team, err := scanTeam(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan team: %w", err)
		}
		teams = append(teams, team)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate teams: %w", err)
	}
	return teams, nil
}

// Update はチームの名前・スラッグ・説明を更新する。
func (r *PostgresTeamRepo) Update(ctx context.Context, team *model.Team) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE teams SET name = $2, slug = $3, description = $4, updated_at = $5 WHERE id = $1`,
		team.ID, team.Name, team.Slug, team.Description, team.UpdatedAt,
	)
	if err != nil {
		if dup := translateUniqueViolation(err); dup != nil {
			return dup
		}
		return fmt.Errorf("failed to update team: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("team not found: %d", team.ID)
	}
	return nil
}

// Delete はチームを削除する。
func (r *PostgresTeamRepo) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete team: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("team not found: %d", id)
	}
	return nil
}

// FindMembership は(team, user)のメンバーシップを取得する。見つからない場合はnilを返す。
func (r *PostgresTeamRepo) FindMembership(ctx context.Context, teamID, userID int64) (*model.Membership, error) {
	return r.findMembership(ctx,
		`SELECT `+membershipColumns+` FROM team_memberships m WHERE m.team_id = $1 AND m.user_id = $2`,
		teamID, userID,
	)
}

// FindMembershipByTeamName はチーム名で(team, user)のメンバーシップを取得する。
func (r *PostgresTeamRepo) FindMembershipByTeamName(ctx context.Context, teamName string, userID int64) (*model.Membership, error) {
	return r.findMembership(ctx,
		`SELECT `+membershipColumns+`
		 FROM team_memberships m
		 INNER JOIN teams t ON t.id = m.team_id
		 WHERE t.name = $1 AND m.user_id = $2`,
		teamName, userID,
	)
}

func (r *PostgresTeamRepo) findMembership(ctx context.Context, query string, args ...any) (*model.Membership, error) {
	m, err := scanMembership(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find membership: %w", err)
	}
	return m, nil
}

// ListMembers はチームの全メンバーシップを、アクティブメンバー、招待中の順に返す。
func (r *PostgresTeamRepo) ListMembers(ctx context.Context, teamID int64) ([]model.MemberDetail, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+membershipColumns+`, u.pid, u.name, u.email
		 FROM team_memberships m
		 INNER JOIN users u ON u.id = m.user_id
		 WHERE m.team_id = $1
		 ORDER BY m.pending ASC, m.created_at ASC, m.id ASC`,
		teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []model.MemberDetail
	for rows.Next() {
		var d model.MemberDetail
		m, err := scanMembership(rows, &d.UserPID, &d.UserName, &d.UserEmail)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		d.Membership = *m
		members = append(members, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return members, nil
}

// CreateInvitation は招待中のメンバーシップを作成する。
func (r *PostgresTeamRepo) CreateInvitation(ctx context.Context, m *model.Membership) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO team_memberships (pid, team_id, user_id, role, pending,
		                               invitation_token, invitation_sent_at, invited_by_id,
		                               created_at, updated_at)
		 VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, $8, $9)
		 RETURNING id`,
		m.PID, m.TeamID, m.UserID, string(m.Role),
		m.InvitationToken, m.InvitationSentAt, m.InvitedByID,
		m.CreatedAt, m.UpdatedAt,
	).Scan(&m.ID)
	if err != nil {
		if translateUniqueViolation(err) != nil {
			return ErrMembershipExists
		}
		return fmt.Errorf("failed to insert invitation: %w", err)
	}
	m.Pending = true
	return nil
}

// ListInvitationsForUser はユーザー宛の有効な招待を新しい順に返す。
func (r *PostgresTeamRepo) ListInvitationsForUser(ctx context.Context, userID int64, issuedAfter time.Time) ([]model.Invitation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+membershipColumns+`,
		        t.id, t.pid, t.name, t.slug, t.description, t.created_at, t.updated_at
		 FROM team_memberships m
		 INNER JOIN teams t ON t.id = m.team_id
		 WHERE m.user_id = $1 AND m.pending AND m.invitation_sent_at > $2
		 ORDER BY m.invitation_sent_at DESC`,
		userID, issuedAfter,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var invitations []model.Invitation
	for rows.Next() {
		var inv model.Invitation
		t := &inv.Team
		m, err := scanMembership(rows, &t.ID, &t.PID, &t.Name, &t.Slug, &t.Description, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invitation: %w", err)
		}
		inv.Membership = *m
		invitations = append(invitations, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invitations: %w", err)
	}
	return invitations, nil
}

// AcceptInvitation は招待を単一のUPDATEで承諾する。
// 他人宛・期限切れ・承諾済みのトークンは該当なしとしてnilを返す。
func (r *PostgresTeamRepo) AcceptInvitation(ctx context.Context, token string, userID int64, issuedAfter time.Time) (*model.Membership, error) {
	if token == "" {
		return nil, nil
	}
	return r.findMembership(ctx,
		`UPDATE team_memberships m
		 SET pending = FALSE, invitation_token = NULL, updated_at = NOW()
		 WHERE m.invitation_token = $1 AND m.user_id = $2 AND m.pending AND m.invitation_sent_at > $3
		 RETURNING `+membershipColumns,
		token, userID, issuedAfter,
	)
}

// DeleteInvitationByToken はuserID宛の招待をトークンで削除する。
func (r *PostgresTeamRepo) DeleteInvitationByToken(ctx context.Context, token string, userID int64) (bool, error) {
	if token == "" {
		return false, nil
	}
	return r.deletePending(ctx,
		`DELETE FROM team_memberships WHERE invitation_token = $1 AND user_id = $2 AND pending`,
		token, userID,
	)
}

// DeleteInvitation は(team, user)の招待を取り消す。アクティブメンバーは削除しない。
func (r *PostgresTeamRepo) DeleteInvitation(ctx context.Context, teamID, userID int64) (bool, error) {
	return r.deletePending(ctx,
		`DELETE FROM team_memberships WHERE team_id = $1 AND user_id = $2 AND pending`,
		teamID, userID,
	)
}

func (r *PostgresTeamRepo) deletePending(ctx context.Context, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to delete invitation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// UpdateRole はアクティブメンバーのロールを更新する。
func (r *PostgresTeamRepo) UpdateRole(ctx context.Context, teamID, userID int64, role model.Role) (*model.Membership, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	target, err := lockActiveMember(ctx, tx, teamID, userID)
	if err != nil {
		return nil, err
	}
	if target.IsActiveOwner() && role != model.RoleOwner {
		if err := ensureAnotherOwner(ctx, tx, teamID); err != nil {
			return nil, err
		}
	}

	updated, err := scanMembership(tx.QueryRowContext(ctx,
		`UPDATE team_memberships m SET role = $2, updated_at = NOW()
		 WHERE m.id = $1
		 RETURNING `+membershipColumns,
		target.ID, string(role),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return updated, nil
}

// RemoveMember はアクティブメンバーを削除する。
func (r *PostgresTeamRepo) RemoveMember(ctx context.Context, teamID, userID int64, allowPrivileged bool) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	target, err := lockActiveMember(ctx, tx, teamID, userID)
	if err != nil {
		return err
	}
	if !allowPrivileged && target.Role.IsAtLeast(model.RoleAdministrator) {
		return ErrPrivilegedMember
	}
	if target.IsActiveOwner() {
		if err := ensureAnotherOwner(ctx, tx, teamID); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM team_memberships WHERE id = $1`, target.ID); err != nil {
		return fmt.Errorf("failed to delete membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// lockActiveMember はチーム行をロックしてから対象のアクティブメンバーシップを取得する。
// 同一チームへのロール変更・削除はチーム行のロックで直列化される。
func lockActiveMember(ctx context.Context, tx *sql.Tx, teamID, userID int64) (*model.Membership, error) {
	var lockedID int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM teams WHERE id = $1 FOR UPDATE`, teamID).Scan(&lockedID)
	if err == sql.ErrNoRows {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock team: %w", err)
	}

	m, err := scanMembership(tx.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM team_memberships m
		 WHERE m.team_id = $1 AND m.user_id = $2 AND NOT m.pending`,
		teamID, userID,
	))
	if err == sql.ErrNoRows {
		return nil, ErrMembershipNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find membership: %w", err)
	}
	return m, nil
}

// ensureAnotherOwner はOwnerを1人失ってもOwnerが残るかを確認する。
func ensureAnotherOwner(ctx context.Context, tx *sql.Tx, teamID int64) error {
	var owners int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM team_memberships WHERE team_id = $1 AND role = 'owner' AND NOT pending`,
		teamID,
	).Scan(&owners)
	if err != nil {
		return fmt.Errorf("failed to count owners: %w", err)
	}
	if owners <= 1 {
		return ErrLastOwner
	}
	return nil
}

// compile-time interface check
var _ TeamRepository = (*PostgresTeamRepo)(nil)
