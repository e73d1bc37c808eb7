package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/teamgate/internal/auth"
	"github.com/hitoshi/teamgate/internal/mailer"
	"github.com/hitoshi/teamgate/internal/model"
)

const mailBaseURL = "https://teamgate.example.com"

type capturingTransport struct {
	sent []mailer.Message
}

func (c *capturingTransport) Send(ctx context.Context, msg mailer.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

// passthroughEncryptor は本文をそのまま返し、暗号化メールのリンクも検査できるようにする。
type passthroughEncryptor struct{}

func (passthroughEncryptor) Encrypt(armoredKey string, plaintext []byte) (string, error) {
	return string(plaintext), nil
}

// linkIn は本文からbaseURLで始まるリンクを取り出す。
func linkIn(t *testing.T, body string) *url.URL {
	t.Helper()
	for _, field := range strings.Fields(body) {
		if strings.HasPrefix(field, mailBaseURL) {
			u, err := url.Parse(field)
			if err != nil {
				t.Fatalf("failed to parse link %q: %v", field, err)
			}
			return u
		}
	}
	t.Fatalf("no link found in mail body:\n%s", body)
	return nil
}

// TestMailedLinks_ResolveToRoutes は送信する全メールのリンクがルーターで処理されることを検証する。
func TestMailedLinks_ResolveToRoutes(t *testing.T) {
	renderer, err := mailer.NewRenderer()
	if err != nil {
		t.Fatalf("failed to load templates: %v", err)
	}
	transport := &capturingTransport{}
	notifier := mailer.NewNotifier(transport, renderer, passthroughEncryptor{}, mailBaseURL, nil)

	ctx := context.Background()
	user := testUser()
	key := "ARMORED"
	team := testTeam()
	if err := notifier.SendWelcome(ctx, user, "VERIFYTOK"); err != nil {
		t.Fatal(err)
	}
	if err := notifier.SendPasswordReset(ctx, user, "RESETTOK", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := notifier.SendMagicLink(ctx, user, "MAGICTOK", 5*time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := notifier.SendInvitation(ctx, user, team, user, model.RoleDeveloper, "INVTOK", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := notifier.SendKeyVerification(ctx, user, model.KeyPGP, key, "PGPTOK"); err != nil {
		t.Fatal(err)
	}
	if len(transport.sent) != 5 {
		t.Fatalf("sent = %d, want 5", len(transport.sent))
	}

	invToken := "INVTOK"
	router := createTestRouter(t, routerOptions{
		auth: &mockAuthService{
			checkResetFn: func(ctx context.Context, tok string) error {
				if tok != "RESETTOK" {
					return model.NewInvalidTokenError()
				}
				return nil
			},
			consumeMagicLinkFn: func(ctx context.Context, tok string) (*auth.Session, error) {
				return testSession(), nil
			},
		},
		team: &mockTeamService{
			invitationsFn: func(ctx context.Context, u *model.User) ([]model.Invitation, error) {
				return []model.Invitation{{
					Membership: model.Membership{Role: model.RoleDeveloper, Pending: true, InvitationToken: &invToken},
					Team:       *team,
				}}, nil
			},
		},
	})

	for _, msg := range transport.sent {
		link := linkIn(t, msg.Body)
		t.Run(link.Path, func(t *testing.T) {
			req := bearer(httptest.NewRequest(http.MethodGet, link.RequestURI(), nil), "member-jwt")
			w := serve(router, req)
			if w.Code != http.StatusOK {
				t.Errorf("GET %s status = %d, want %d", link.RequestURI(), w.Code, http.StatusOK)
			}
		})
	}
}
