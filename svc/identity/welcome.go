package identity

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billsync/pkg/email"
	"github.com/dmitrymomot/billsync/pkg/queue"
	"github.com/dmitrymomot/billsync/pkg/token"
)

// SetPasswordPurpose scopes tokens embedded in welcome links.
const SetPasswordPurpose = "set_password"

var ErrMissingTokenSecret = errors.New("identity token secret is not configured")

// Config configures the welcome email.
type Config struct {
	TokenSecret    string        `env:"IDENTITY_TOKEN_SECRET"`
	SetPasswordURL string        `env:"SET_PASSWORD_URL" envDefault:"http://localhost:8080/set-password"`
	SetPasswordTTL time.Duration `env:"SET_PASSWORD_TTL" envDefault:"72h"`
	ProductName    string        `env:"PRODUCT_NAME" envDefault:"billsync"`
}

// WelcomeEmail is the task enqueued for every provisioned account.
type WelcomeEmail struct {
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	PlanSlug string    `json:"plan_slug,omitempty"`
}

func (WelcomeEmail) TaskName() string { return "identity.welcome_email" }

var welcomeTemplate = template.Must(template.New("welcome").Parse(`<!doctype html>
<html><body>
<p>Welcome to {{.Product}}!</p>
{{if .Plan}}<p>Your {{.Plan}} plan is active.</p>{{end}}
<p><a href="{{.Link}}">Set your password</a> to sign in. The link expires in {{.TTL}}.</p>
</body></html>`))

// NewWelcomeHandler returns the queue handler that mails a set-password link.
func NewWelcomeHandler(sender email.Sender, cfg Config) queue.Handler {
	return queue.NewTaskHandler(func(ctx context.Context, task WelcomeEmail) error {
		link, err := SetPasswordLink(cfg, task.UserID, time.Now())
		if err != nil {
			return err
		}

		var body bytes.Buffer
		err = welcomeTemplate.Execute(&body, map[string]any{
			"Product": cfg.ProductName,
			"Plan":    task.PlanSlug,
			"Link":    link,
			"TTL":     cfg.SetPasswordTTL.String(),
		})
		if err != nil {
			return err
		}

		return sender.Send(ctx, email.Message{
			To:      task.Email,
			Subject: "Welcome to " + cfg.ProductName,
			HTML:    body.String(),
			Tag:     "welcome",
		})
	})
}

// SetPasswordLink builds the signed link for userID.
func SetPasswordLink(cfg Config, userID uuid.UUID, now time.Time) (string, error) {
	if cfg.TokenSecret == "" {
		return "", ErrMissingTokenSecret
	}
	tok, err := token.Issue(cfg.TokenSecret, userID.String(), SetPasswordPurpose, cfg.SetPasswordTTL, now)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(cfg.SetPasswordURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", tok)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
