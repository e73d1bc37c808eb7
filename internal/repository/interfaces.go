// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/teamgate/internal/model"
)

// UserRepository はユーザー（Credential Store）の永続化インターフェース。
// Find系は見つからない場合にnilを返す。
type UserRepository interface {
	// Create はユーザーを作成する。email・nameの一意性チェックと挿入は同一トランザクションで行う。
	// 最初のユーザーの場合はApproved・メール確認済みとし、adminTeamを作成してOwnerとして登録する。
	// 作成後のStatus等はuserに反映される。
	Create(ctx context.Context, user *model.User, adminTeam *model.Team) error

	// FindByID は内部IDでユーザーを取得する。ステータスは問わない。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByPID は公開IDでユーザーを取得する。ステータスは問わない。
	FindByPID(ctx context.Context, pid string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。ステータスは問わない。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// FindApprovedByPID はApprovedのユーザーのみを公開IDで取得する。
	// 他のステータスのユーザーは見つからない場合と同じくnilを返す。
	FindApprovedByPID(ctx context.Context, pid string) (*model.User, error)

	// FindApprovedByAPIKey はApprovedのユーザーのみをAPIキーで取得する。
	FindApprovedByAPIKey(ctx context.Context, apiKey string) (*model.User, error)

	// ListByStatus は指定ステータスのユーザーを作成日時順に返す。
	ListByStatus(ctx context.Context, status model.UserStatus) ([]*model.User, error)

	// CountByStatus は指定ステータスのユーザー数を返す。
	CountByStatus(ctx context.Context, status model.UserStatus) (int, error)

	// UpdateStatus は現在のステータスがfromの場合のみtoに更新する。
	// 更新された場合にtrueを返す。
	UpdateStatus(ctx context.Context, id int64, from, to model.UserStatus) (bool, error)

	// UpdatePassword はパスワードハッシュを更新する。
	UpdatePassword(ctx context.Context, id int64, passwordHash string) error

	// UpdateAPIKey はAPIキーを更新する。
	UpdateAPIKey(ctx context.Context, id int64, apiKey string) error

	// SetPublicKey は公開鍵を保存し、その鍵の検証済み日時をクリアする。
	SetPublicKey(ctx context.Context, id int64, kind model.KeyKind, armored string) error

	// SetToken はワンショットトークンと発行日時を保存する。同種の既存トークンは上書きされる。
	SetToken(ctx context.Context, id int64, kind model.TokenKind, token string, issuedAt time.Time) error

	// ConsumeToken はトークンを持つユーザーを行ロック付きで取得し、同一トランザクションでトークンをクリアする。
	// 検証系トークンの場合は検証済み日時にnowを設定する。見つからない場合はnilを返す。
	ConsumeToken(ctx context.Context, kind model.TokenKind, token string, now time.Time) (*model.ConsumedToken, error)

	// LookupToken はトークンを持つユーザーと発行日時を、トークンを消費せずに返す。見つからない場合はnilを返す。
	LookupToken(ctx context.Context, kind model.TokenKind, token string) (*model.ConsumedToken, error)

	// DeleteByID はユーザーを削除する。メンバーシップはCASCADE削除される。
	// 唯一のOwnerであるチームが存在する場合はErrLastOwnerを返す。
	DeleteByID(ctx context.Context, id int64) error
}

// TeamRepository はチームとメンバーシップの永続化インターフェース。
// Find系は見つからない場合にnilを返す。
type TeamRepository interface {
	// CreateWithOwner はチームと作成者のOwnerメンバーシップを同一トランザクションで作成する。
	CreateWithOwner(ctx context.Context, team *model.Team, ownerID int64) (*model.Membership, error)

	// FindByID は内部IDでチームを取得する。
	FindByID(ctx context.Context, id int64) (*model.Team, error)

	// FindByPID は公開IDでチームを取得する。
	FindByPID(ctx context.Context, pid string) (*model.Team, error)

	// ListByUser はユーザーがアクティブメンバーであるチームを返す。
	ListByUser(ctx context.Context, userID int64) ([]*model.Team, error)

	// Update はチームの名前・スラッグ・説明を更新する。
	Update(ctx context.Context, team *model.Team) error

	// Delete はチームを削除する。メンバーシップはCASCADE削除される。
	Delete(ctx context.Context, id int64) error

	// FindMembership は(team, user)のメンバーシップを招待中を含めて取得する。
	FindMembership(ctx context.Context, teamID, userID int64) (*model.Membership, error)

	// FindMembershipByTeamName はチーム名で(team, user)のメンバーシップを取得する。
	FindMembershipByTeamName(ctx context.Context, teamName string, userID int64) (*model.Membership, error)

	// ListMembers はチームの全メンバーシップをユーザー情報付きで返す。
	ListMembers(ctx context.Context, teamID int64) ([]model.MemberDetail, error)

	// CreateInvitation は招待中のメンバーシップを作成する。
	// (team, user)の行が既に存在する場合はErrMembershipExistsを返す。
	CreateInvitation(ctx context.Context, membership *model.Membership) error

	// ListInvitationsForUser はユーザー宛の有効な招待をチーム情報付きで返す。
	// issuedAfterより前に送信された招待は除外する。
	ListInvitationsForUser(ctx context.Context, userID int64, issuedAfter time.Time) ([]model.Invitation, error)

	// AcceptInvitation はtokenを持ちuserIDに属する招待中の行をアクティブにし、トークンをクリアする。
	// 単一のUPDATEで行い、該当しない場合はnilを返す。
	AcceptInvitation(ctx context.Context, token string, userID int64, issuedAfter time.Time) (*model.Membership, error)

	// DeleteInvitationByToken はtokenを持ちuserIDに属する招待中の行を削除する。
	// 削除した場合にtrueを返す。
	DeleteInvitationByToken(ctx context.Context, token string, userID int64) (bool, error)

	// DeleteInvitation は(team, user)の招待中の行を削除する。削除した場合にtrueを返す。
	DeleteInvitation(ctx context.Context, teamID, userID int64) (bool, error)

	// UpdateRole はアクティブメンバーのロールを更新する。
	// Owner数の確認はチーム行をロックした同一トランザクション内で行い、
	// 最後のOwnerを降格する場合はErrLastOwnerを返す。
	UpdateRole(ctx context.Context, teamID, userID int64, role model.Role) (*model.Membership, error)

	// RemoveMember はアクティブメンバーを削除する。UpdateRoleと同じく最後のOwnerは削除できない。
	// allowPrivilegedがfalseの場合、ロック下で読んだ対象のロールがAdministrator以上なら
	// ErrPrivilegedMemberを返す。
	RemoveMember(ctx context.Context, teamID, userID int64, allowPrivileged bool) error
}

// SSHKeyRepository はユーザーのSSH公開鍵の永続化インターフェース。
// 鍵はユーザーの削除に伴ってCASCADE削除される。
type SSHKeyRepository interface {
	// Create は鍵を登録する。同じユーザー内でラベルかフィンガープリントが重複する場合は
	// Fieldが"label"または"fingerprint"のDuplicateErrorを返す。
	Create(ctx context.Context, key *model.SSHKey) error

	// ListByUser はユーザーの鍵を登録順に返す。
	ListByUser(ctx context.Context, userID int64) ([]*model.SSHKey, error)

	// DeleteByPID はuserIDに属する鍵を公開IDで削除する。削除した場合にtrueを返す。
	DeleteByPID(ctx context.Context, userID int64, pid string) (bool, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
