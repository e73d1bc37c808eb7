// Package team はチームとメンバーシップ、ロールのドメインロジックを提供する。
package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/teamgate/internal/metrics"
	"github.com/hitoshi/teamgate/internal/model"
	"github.com/hitoshi/teamgate/internal/repository"
	"github.com/hitoshi/teamgate/internal/security"
	"github.com/hitoshi/teamgate/internal/token"
)

// UserFinder は招待・削除対象のユーザー検索インターフェース。
// repository.UserRepositoryが満たす。
type UserFinder interface {
	FindByPID(ctx context.Context, pid string) (*model.User, error)
	FindByEmail(ctx context.Context, email string) (*model.User, error)
}

// InvitationSender は招待メールの送信インターフェース。mailer.Notifierが満たす。
type InvitationSender interface {
	SendInvitation(ctx context.Context, invitee *model.User, team *model.Team, inviter *model.User, role model.Role, invitationToken string, ttl time.Duration) error
}

// Config はServiceの設定。
type Config struct {
	AdminTeamName string
	InvitationTTL time.Duration
}

// InviteResult は招待の結果。
// DeliveryFailed=trueの場合も招待は作成済みである。
type InviteResult struct {
	Membership     *model.Membership
	Invitee        *model.User
	DeliveryFailed bool
}

// Service はチーム管理のサービス層。
type Service struct {
	teams     repository.TeamRepository
	users     UserFinder
	mailer    InvitationSender
	sanitizer security.TextSanitizer
	config    Config
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	teams repository.TeamRepository,
	users UserFinder,
	mailer InvitationSender,
	sanitizer security.TextSanitizer,
	config Config,
	m metrics.MetricsCollector,
) *Service {
	return &Service{
		teams:     teams,
		users:     users,
		mailer:    mailer,
		sanitizer: sanitizer,
		config:    config,
		metrics:   metrics.OrNop(m),
		now:       time.Now,
	}
}

// Create はチームを作成し、作成者をOwnerとして登録する。
func (s *Service) Create(ctx context.Context, actor *model.User, params TeamParams) (*model.Team, error) {
	team, err := s.buildTeam(params)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	team.PID = uuid.NewString()
	team.CreatedAt, team.UpdatedAt = now, now
	if team.Slug == "" {
		team.Slug = team.PID
	}

	if _, err := s.teams.CreateWithOwner(ctx, team, actor.ID); err != nil {
		s.metrics.RecordTeamOperation("create", metrics.ResultFailure)
		return nil, translate(err, "failed to create team")
	}

	s.metrics.RecordTeamOperation("create", metrics.ResultSuccess)
	slog.Info("team created",
		slog.String("team_pid", team.PID),
		slog.String("owner_pid", actor.PID),
	)
	return team, nil
}

// buildTeam は入力を無害化・検証してTeamを組み立てる。
func (s *Service) buildTeam(params TeamParams) (*model.Team, error) {
	params.Name = s.sanitizer.PlainText(params.Name)
	if params.Description != nil {
		desc := s.sanitizer.Description(*params.Description)
		params.Description = &desc
		if desc == "" {
			params.Description = nil
		}
	}
	if err := params.Validate(); err != nil {
		return nil, model.NewValidationError(err.Error())
	}
	return &model.Team{
		Name:        params.Name,
		Slug:        model.Slugify(params.Name),
		Description: params.Description,
	}, nil
}

// List はactorがアクティブメンバーであるチームを返す。
func (s *Service) List(ctx context.Context, actor *model.User) ([]*model.Team, error) {
	teams, err := s.teams.ListByUser(ctx, actor.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list teams: %w", err)
	}
	return teams, nil
}

// Get はチームとactorのメンバーシップを返す。アクティブメンバー以外には存在しない扱いとする。
func (s *Service) Get(ctx context.Context, actor *model.User, teamPID string) (*model.Team, *model.Membership, error) {
	team, err := s.authorize(ctx, actor, teamPID, model.RoleObserver)
	if err != nil {
		return nil, nil, err
	}
	m, err := s.activeMembership(ctx, team.ID, actor.ID)
	if err != nil {
		return nil, nil, err
	}
	if m == nil {
		return nil, nil, model.NewEntityNotFoundError("チーム")
	}
	return team, m, nil
}

// Update はチームの名前と説明を更新する。Ownerのみ実行できる。
func (s *Service) Update(ctx context.Context, actor *model.User, teamPID string, params TeamParams) (*model.Team, error) {
	team, err := s.authorize(ctx, actor, teamPID, model.RoleOwner)
	if err != nil {
		return nil, err
	}
	if s.isAdminTeam(team) {
		return nil, model.NewInvalidOperationError("管理チームは変更できません。")
	}
	updated, err := s.buildTeam(params)
	if err != nil {
		return nil, err
	}

	team.Name, team.Slug, team.Description = updated.Name, updated.Slug, updated.Description
	if team.Slug == "" {
		team.Slug = team.PID
	}
	team.UpdatedAt = s.now().UTC()
	if err := s.teams.Update(ctx, team); err != nil {
		s.metrics.RecordTeamOperation("update", metrics.ResultFailure)
		return nil, translate(err, "failed to update team")
	}
	s.metrics.RecordTeamOperation("update", metrics.ResultSuccess)
	return team, nil
}

// Delete はチームを削除する。Ownerのみ実行でき、管理チームは削除できない。
func (s *Service) Delete(ctx context.Context, actor *model.User, teamPID string) error {
	team, err := s.authorize(ctx, actor, teamPID, model.RoleOwner)
	if err != nil {
		return err
	}
	if s.isAdminTeam(team) {
		return model.NewInvalidOperationError("管理チームは削除できません。")
	}
	if err := s.teams.Delete(ctx, team.ID); err != nil {
		s.metrics.RecordTeamOperation("delete", metrics.ResultFailure)
		return fmt.Errorf("failed to delete team: %w", err)
	}

	s.metrics.RecordTeamOperation("delete", metrics.ResultSuccess)
	slog.Info("team deleted",
		slog.String("team_pid", team.PID),
		slog.String("actor_pid", actor.PID),
	)
	return nil
}

// ListMembers はメンバーと招待中のユーザーを返す。アクティブメンバーのみ実行できる。
func (s *Service) ListMembers(ctx context.Context, actor *model.User, teamPID string) ([]model.MemberDetail, error) {
	team, err := s.authorize(ctx, actor, teamPID, model.RoleObserver)
	if err != nil {
		return nil, err
	}
	members, err := s.teams.ListMembers(ctx, team.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// Invite はメールアドレスで指定したユーザーをチームに招待する。
// Administrator以上が実行でき、Ownerとして招待できるのはOwnerのみ。
// メール送信に失敗しても招待は残し、結果のDeliveryFailedで通知する。
func (s *Service) Invite(ctx context.Context, actor *model.User, teamPID string, params InviteParams) (*InviteResult, error) {
	if err := params.Validate(); err != nil {
		return nil, model.NewValidationError(err.Error())
	}
	role, _ := model.ParseRole(params.Role)

	team, err := s.authorize(ctx, actor, teamPID, model.RoleAdministrator)
	if err != nil {
		return nil, err
	}
	if role == model.RoleOwner {
		isOwner, err := s.HasRole(ctx, actor, team, model.RoleOwner)
		if err != nil {
			return nil, err
		}
		if !isOwner {
			return nil, model.NewForbiddenError("Ownerとして招待できるのはOwnerのみです。")
		}
	}

	invitee, err := s.users.FindByEmail(ctx, normalizeEmail(params.Email))
	if err != nil {
		return nil, fmt.Errorf("failed to find invitee: %w", err)
	}
	if invitee == nil || !invitee.IsApproved() {
		return nil, model.NewEntityNotFoundError("ユーザー")
	}

	tok, err := token.Generate()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	m := &model.Membership{
		PID:              uuid.NewString(),
		TeamID:           team.ID,
		UserID:           invitee.ID,
		Role:             role,
		InvitationToken:  &tok,
		InvitationSentAt: &now,
		InvitedByID:      &actor.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.teams.CreateInvitation(ctx, m); err != nil {
		s.metrics.RecordTeamOperation("invite", metrics.ResultFailure)
		return nil, translate(err, "failed to create invitation")
	}
	s.metrics.RecordTeamOperation("invite", metrics.ResultSuccess)

	result := &InviteResult{Membership: m, Invitee: invitee}
	if err := s.mailer.SendInvitation(ctx, invitee, team, actor, role, tok, s.config.InvitationTTL); err != nil {
		result.DeliveryFailed = true
		slog.Error("failed to send invitation mail",
			slog.String("team_pid", team.PID),
			slog.String("invitee_pid", invitee.PID),
			slog.String("error", err.Error()),
		)
	}

	slog.Info("member invited",
		slog.String("team_pid", team.PID),
		slog.String("invitee_pid", invitee.PID),
		slog.String("role", role.String()),
	)
	return result, nil
}

// ListMyInvitations はuser宛の有効な招待を返す。
func (s *Service) ListMyInvitations(ctx context.Context, user *model.User) ([]model.Invitation, error) {
	invitations, err := s.teams.ListInvitationsForUser(ctx, user.ID, s.invitationCutoff())
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	return invitations, nil
}

// Accept は招待を承諾する。他人宛・期限切れ・承諾済みのトークンはINVALID_TOKENになる。
func (s *Service) Accept(ctx context.Context, user *model.User, invitationToken string) (*model.Membership, error) {
	m, err := s.teams.AcceptInvitation(ctx, invitationToken, user.ID, s.invitationCutoff())
	if err != nil {
		return nil, fmt.Errorf("failed to accept invitation: %w", err)
	}
	if m == nil {
		s.metrics.RecordTeamOperation("accept", metrics.ResultInvalid)
		return nil, model.NewInvalidTokenError()
	}

	s.metrics.RecordTeamOperation("accept", metrics.ResultSuccess)
	slog.Info("invitation accepted",
		slog.String("membership_pid", m.PID),
		slog.String("user_pid", user.PID),
	)
	return m, nil
}

// Decline は招待を辞退する。該当する招待がない場合はfalseを返し、エラーにはしない。
func (s *Service) Decline(ctx context.Context, user *model.User, invitationToken string) (bool, error) {
	removed, err := s.teams.DeleteInvitationByToken(ctx, invitationToken, user.ID)
	if err != nil {
		return false, fmt.Errorf("failed to decline invitation: %w", err)
	}
	if removed {
		s.metrics.RecordTeamOperation("decline", metrics.ResultSuccess)
	}
	return removed, nil
}

// Cancel は招待を取り消す。Administrator以上が実行できる。
// 該当する招待がない場合はfalseを返し、エラーにはしない。
func (s *Service) Cancel(ctx context.Context, actor *model.User, teamPID, targetPID string) (bool, error) {
	team, err := s.authorize(ctx, actor, teamPID, model.RoleAdministrator)
	if err != nil {
		return false, err
	}
	target, err := s.users.FindByPID(ctx, targetPID)
	if err != nil {
		return false, fmt.Errorf("failed to find user: %w", err)
	}
	if target == nil {
		return false, nil
	}
	removed, err := s.teams.DeleteInvitation(ctx, team.ID, target.ID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel invitation: %w", err)
	}
	if removed {
		s.metrics.RecordTeamOperation("cancel", metrics.ResultSuccess)
	}
	return removed, nil
}

// UpdateRole はメンバーのロールを変更する。Ownerのみ実行できる。
// 最後のOwnerを降格する変更はINVALID_OPERATIONになる。
func (s *Service) UpdateRole(ctx context.Context, actor *model.User, teamPID, targetPID string, params RoleParams) (*model.Membership, error) {
	if err := params.Validate(); err != nil {
		return nil, model.NewValidationError(err.Error())
	}
	role, _ := model.ParseRole(params.Role)

	team, err := s.authorize(ctx, actor, teamPID, model.RoleOwner)
	if err != nil {
		return nil, err
	}
	target, err := s.findMemberUser(ctx, targetPID)
	if err != nil {
		return nil, err
	}

	m, err := s.teams.UpdateRole(ctx, team.ID, target.ID, role)
	if err != nil {
		s.metrics.RecordTeamOperation("update_role", resultOf(err))
		return nil, translate(err, "failed to update role")
	}

	s.metrics.RecordTeamOperation("update_role", metrics.ResultSuccess)
	slog.Info("member role updated",
		slog.String("team_pid", team.PID),
		slog.String("target_pid", target.PID),
		slog.String("role", role.String()),
	)
	return m, nil
}

// RemoveMember はメンバーをチームから外す。Administrator以上が実行できる。
// AdministratorはOwnerと他のAdministratorを外せない。自分自身はLeaveを使う。
func (s *Service) RemoveMember(ctx context.Context, actor *model.User, teamPID, targetPID string) error {
	team, err := s.authorize(ctx, actor, teamPID, model.RoleAdministrator)
	if err != nil {
		return err
	}
	target, err := s.findMemberUser(ctx, targetPID)
	if err != nil {
		return err
	}
	if target.ID == actor.ID {
		return model.NewInvalidOperationError("自分自身を外すことはできません。チームから退出してください。")
	}

	isOwner, err := s.HasRole(ctx, actor, team, model.RoleOwner)
	if err != nil {
		return err
	}

	// 対象のロールはリポジトリがロック下で確認する
	if err := s.teams.RemoveMember(ctx, team.ID, target.ID, isOwner); err != nil {
		s.metrics.RecordTeamOperation("remove", resultOf(err))
		return translate(err, "failed to remove member")
	}

	s.metrics.RecordTeamOperation("remove", metrics.ResultSuccess)
	slog.Info("member removed",
		slog.String("team_pid", team.PID),
		slog.String("target_pid", target.PID),
		slog.String("actor_pid", actor.PID),
	)
	return nil
}

// Leave はuserをチームから退出させる。最後のOwnerは退出できない。
func (s *Service) Leave(ctx context.Context, user *model.User, teamPID string) error {
	team, err := s.authorize(ctx, user, teamPID, model.RoleObserver)
	if err != nil {
		return err
	}
	if err := s.teams.RemoveMember(ctx, team.ID, user.ID, true); err != nil {
		s.metrics.RecordTeamOperation("leave", resultOf(err))
		return translate(err, "failed to leave team")
	}

	s.metrics.RecordTeamOperation("leave", metrics.ResultSuccess)
	slog.Info("member left team",
		slog.String("team_pid", team.PID),
		slog.String("user_pid", user.PID),
	)
	return nil
}

// HasRole はuserがチームでrolesのいずれかと完全一致するロールを持つかを返す。
func (s *Service) HasRole(ctx context.Context, user *model.User, team *model.Team, roles ...model.Role) (bool, error) {
	m, err := s.activeMembership(ctx, team.ID, user.ID)
	if err != nil || m == nil {
		return false, err
	}
	return m.Role.In(roles...), nil
}

// HasRoleAtLeast はuserがチームでmin以上のロールを持つかを返す。
func (s *Service) HasRoleAtLeast(ctx context.Context, user *model.User, team *model.Team, min model.Role) (bool, error) {
	m, err := s.activeMembership(ctx, team.ID, user.ID)
	if err != nil || m == nil {
		return false, err
	}
	return m.Role.IsAtLeast(min), nil
}

func (s *Service) activeMembership(ctx context.Context, teamID, userID int64) (*model.Membership, error) {
	m, err := s.teams.FindMembership(ctx, teamID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find membership: %w", err)
	}
	if m == nil || m.Pending {
		return nil, nil
	}
	return m, nil
}

// authorize はチームを取得し、actorがmin以上のロールを持つアクティブメンバーかを確認する。
// 権限の判定は毎回DBの現在の状態に対して行う。
func (s *Service) authorize(ctx context.Context, actor *model.User, teamPID string, min model.Role) (*model.Team, error) {
	team, err := s.teams.FindByPID(ctx, teamPID)
	if err != nil {
		return nil, fmt.Errorf("failed to find team: %w", err)
	}
	if team == nil {
		return nil, model.NewEntityNotFoundError("チーム")
	}
	allowed, err := s.HasRoleAtLeast(ctx, actor, team, min)
	if err != nil {
		return nil, err
	}
	if allowed {
		return team, nil
	}
	member, err := s.HasRoleAtLeast(ctx, actor, team, model.RoleObserver)
	if err != nil {
		return nil, err
	}
	// メンバー以外にはチームの存在を明かさない
	if !member {
		return nil, model.NewEntityNotFoundError("チーム")
	}
	s.metrics.RecordTeamOperation("authorize", metrics.ResultDenied)
	return nil, model.NewForbiddenError(fmt.Sprintf("この操作には%s以上のロールが必要です。", min))
}

func (s *Service) findMemberUser(ctx context.Context, pid string) (*model.User, error) {
	user, err := s.users.FindByPID(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewEntityNotFoundError("メンバー")
	}
	return user, nil
}

func (s *Service) isAdminTeam(team *model.Team) bool {
	return team.Name == s.config.AdminTeamName
}

func (s *Service) invitationCutoff() time.Time {
	return s.now().UTC().Add(-s.config.InvitationTTL)
}

// translate はリポジトリのエラーをAPIErrorに変換する。該当しないエラーはwrapして返す。
func translate(err error, msg string) error {
	switch {
	case errors.Is(err, repository.ErrLastOwner):
		return model.NewLastOwnerError()
	case errors.Is(err, repository.ErrMembershipNotFound):
		return model.NewEntityNotFoundError("メンバー")
	case errors.Is(err, repository.ErrPrivilegedMember):
		return model.NewForbiddenError("OwnerとAdministratorを外せるのはOwnerのみです。")
	case errors.Is(err, repository.ErrMembershipExists):
		return model.NewInvalidOperationError("このユーザーは既にメンバーか招待中です。")
	case errors.Is(err, repository.ErrDuplicate):
		return model.NewEntityAlreadyExistsError("同じ名前のチーム")
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func resultOf(err error) string {
	if errors.Is(err, repository.ErrLastOwner) || errors.Is(err, repository.ErrPrivilegedMember) {
		return metrics.ResultDenied
	}
	return metrics.ResultFailure
}
