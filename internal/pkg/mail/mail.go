package mail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"net/url"
	"strings"
	"time"
)

// TemplateKind names one of the transactional templates. The set is closed.
type TemplateKind string

const (
	KindPasswordReset TemplateKind = "password_reset"
	KindEmailVerify   TemplateKind = "email_verify"
)

var ErrUnknownTemplate = errors.New("mail: unknown template kind")

// Config holds mail provider settings.
type Config struct {
	Enable  bool
	Host    string
	Port    int
	User    string
	Pass    string
	From    string
	ReplyTo string
	// AppURL is the public frontend origin that token links point at.
	AppURL string
}

// Vars are the template inputs supplied by the caller.
type Vars struct {
	Name      string
	Token     string
	ExpiresIn time.Duration
}

// DeliveryResult reports the outcome of one Send call.
type DeliveryResult struct {
	Delivered bool
	Skipped   bool
	Err       error
}

// Sender delivers transactional mail.
type Sender interface {
	Send(ctx context.Context, kind TemplateKind, recipient string, vars Vars) DeliveryResult
}

// Message is a single rendered email.
type Message struct {
	To      []string
	Subject string
	HTML    string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender renders templates and delivers them over SMTP.
type SMTPSender struct {
	cfg      Config
	sendMail sendFunc
}

func New(cfg Config) *SMTPSender {
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}
}

type templateSpec struct {
	subject string
	path    string
	tpl     *template.Template
}

var templates = map[TemplateKind]templateSpec{
	KindPasswordReset: {
		subject: "Reset your password",
		path:    "/reset-password",
		tpl:     template.Must(template.New("password_reset").Funcs(funcs).Parse(passwordResetTpl)),
	},
	KindEmailVerify: {
		subject: "Verify your email address",
		path:    "/verify-email",
		tpl:     template.Must(template.New("email_verify").Funcs(funcs).Parse(emailVerifyTpl)),
	},
}

var funcs = template.FuncMap{
	"year": func() int { return time.Now().Year() },
}

type renderData struct {
	Name      string
	Link      string
	ExpiresIn string
}

// Render builds the message for kind without sending it.
func (s *SMTPSender) Render(kind TemplateKind, recipient string, vars Vars) (Message, error) {
	spec, ok := templates[kind]
	if !ok {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, kind)
	}
	name := strings.TrimSpace(vars.Name)
	if name == "" {
		name = recipient
	}
	data := renderData{
		Name:      name,
		Link:      s.link(spec.path, vars.Token),
		ExpiresIn: humanDuration(vars.ExpiresIn),
	}
	var buf bytes.Buffer
	if err := spec.tpl.Execute(&buf, data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", kind, err)
	}
	return Message{To: []string{recipient}, Subject: spec.subject, HTML: buf.String()}, nil
}

// Send renders and delivers. A disabled sender reports Skipped.
func (s *SMTPSender) Send(ctx context.Context, kind TemplateKind, recipient string, vars Vars) DeliveryResult {
	if !s.cfg.Enable {
		return DeliveryResult{Skipped: true}
	}
	if err := ctx.Err(); err != nil {
		return DeliveryResult{Err: err}
	}
	msg, err := s.Render(kind, recipient, vars)
	if err != nil {
		return DeliveryResult{Err: err}
	}
	if err := s.deliver(msg); err != nil {
		return DeliveryResult{Err: err}
	}
	return DeliveryResult{Delivered: true}
}

func (s *SMTPSender) deliver(msg Message) error {
	host := s.cfg.Host
	port := s.cfg.Port
	if port == 0 {
		port = 587
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	from := s.cfg.From
	if from == "" {
		from = s.cfg.User
	}

	var body bytes.Buffer
	body.WriteString("MIME-Version: 1.0\r\n")
	body.WriteString(fmt.Sprintf("From: %s\r\n", from))
	body.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	body.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	body.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	if s.cfg.ReplyTo != "" {
		body.WriteString(fmt.Sprintf("Reply-To: %s\r\n", s.cfg.ReplyTo))
	}
	body.WriteString("\r\n")
	body.WriteString(msg.HTML)

	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, host)
	}
	if err := s.sendMail(addr, auth, from, msg.To, body.Bytes()); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *SMTPSender) link(path, token string) string {
	base := strings.TrimRight(strings.TrimSpace(s.cfg.AppURL), "/")
	return base + path + "?" + url.Values{"token": {token}}.Encode()
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d%(24*time.Hour) == 0:
		n := int(d / (24 * time.Hour))
		if n == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", n)
	case d%time.Hour == 0:
		n := int(d / time.Hour)
		if n == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", n)
	default:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
}

const passwordResetTpl = `<!DOCTYPE html>
<html lang="en">
<body style="font-family:sans-serif;background:#f5f5f5;padding:20px">
<div style="max-width:600px;margin:0 auto;background:#fff;border-radius:8px;padding:24px">
  <h2 style="color:#333">Password reset</h2>
  <p>Hi {{.Name}}, we received a request to reset your password.</p>
  <p style="margin-top:24px">
    <a href="{{.Link}}" style="background:#4f46e5;color:#fff;padding:8px 16px;text-decoration:none;border-radius:4px">Choose a new password</a>
  </p>
  {{if .ExpiresIn}}<p style="color:#666;font-size:13px">The link expires in {{.ExpiresIn}} and can be used once.</p>{{end}}
  <p style="color:#999;font-size:12px">If you did not ask for this, ignore this email.</p>
  <p style="font-size:10px;text-align:center;color:rgb(156,163,175)">&copy;{{year}}</p>
</div>
</body>
</html>`

const emailVerifyTpl = `<!DOCTYPE html>
<html lang="en">
<body style="font-family:sans-serif;background:#f5f5f5;padding:20px">
<div style="max-width:600px;margin:0 auto;background:#fff;border-radius:8px;padding:24px">
  <h2 style="color:#333">Verify your email</h2>
  <p>Hi {{.Name}}, please confirm this address belongs to you.</p>
  <p style="margin-top:24px">
    <a href="{{.Link}}" style="background:#4f46e5;color:#fff;padding:8px 16px;text-decoration:none;border-radius:4px">Verify email</a>
  </p>
  {{if .ExpiresIn}}<p style="color:#666;font-size:13px">The link expires in {{.ExpiresIn}}.</p>{{end}}
  <p style="color:#999;font-size:12px">If you did not create an account, ignore this email.</p>
  <p style="font-size:10px;text-align:center;color:rgb(156,163,175)">&copy;{{year}}</p>
</div>
</body>
</html>`
