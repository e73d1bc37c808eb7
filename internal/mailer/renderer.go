package mailer

import (
	"embed"
	"fmt"
	"path"
	"strings"

	"github.com/flosch/pongo2/v6"
)

//go:embed templates/*.txt
var templateFS embed.FS

// テンプレート名
const (
	TemplateWelcome         = "welcome"
	TemplatePasswordReset   = "password_reset"
	TemplateMagicLink       = "magic_link"
	TemplateInvitation      = "invitation"
	TemplateKeyVerification = "key_verification"
)

var templateNames = []string{
	TemplateWelcome,
	TemplatePasswordReset,
	TemplateMagicLink,
	TemplateInvitation,
	TemplateKeyVerification,
}

// Renderer はメールテンプレートを描画する。
// テンプレートは1行目が件名、空行の後が本文。変数は v として参照する。
type Renderer struct {
	templates map[string]*pongo2.Template
}

// NewRenderer は埋め込みテンプレートをすべてコンパイルする。
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*pongo2.Template, len(templateNames))}
	for _, name := range templateNames {
		src, err := templateFS.ReadFile(path.Join("templates", name+".txt"))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tpl, err := pongo2.FromString(string(src))
		if err != nil {
			return nil, fmt.Errorf("failed to compile template %s: %w", name, err)
		}
		r.templates[name] = tpl
	}
	return r, nil
}

// Render はテンプレートを描画し、件名と本文を返す。
func (r *Renderer) Render(name string, vars any) (subject, body string, err error) {
	tpl, ok := r.templates[name]
	if !ok {
		return "", "", fmt.Errorf("unknown mail template: %s", name)
	}
	out, err := tpl.Execute(pongo2.Context{"v": vars})
	if err != nil {
		return "", "", fmt.Errorf("failed to render template %s: %w", name, err)
	}

	subject, body, _ = strings.Cut(out, "\n\n")
	return strings.TrimSpace(subject), strings.TrimSpace(body) + "\n", nil
}
