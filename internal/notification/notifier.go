package notification

import (
	"Go2NetGuard/internal/config"
	"Go2NetGuard/internal/errors"
	"Go2NetGuard/internal/model"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends HTML mail through an SMTP relay.
type EmailNotifier struct {
	cfg      config.SMTPConfig
	auth     smtp.Auth
	sendMail sendMailFunc
}

// NewEmailNotifier creates a new EmailNotifier.
func NewEmailNotifier(cfg config.SMTPConfig) (*EmailNotifier, error) {
	if cfg.Host == "" || cfg.From == "" || len(Recipients(cfg.To)) == 0 {
		return nil, errors.New(errors.KindValidation, "smtp needs host, from and at least one recipient")
	}
	// PlainAuth will not send credentials until the server identifies itself as a trusted one.
	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	return &EmailNotifier{cfg: cfg, auth: auth, sendMail: smtp.SendMail}, nil
}

func (n *EmailNotifier) Send(subject, body string) error {
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := n.sendMail(addr, n.auth, n.cfg.From, Recipients(n.cfg.To), Message(n.cfg, subject, body)); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "failed to send email")
	}
	return nil
}

// Message builds the raw RFC 5322 message.
func Message(cfg config.SMTPConfig, subject, body string) []byte {
	return []byte("To: " + strings.Join(Recipients(cfg.To), ", ") + "\r\n" +
		"From: " + cfg.From + "\r\n" +
		"Subject: " + strings.NewReplacer("\r", "", "\n", " ").Replace(subject) + "\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/html; charset=UTF-8\r\n" +
		"\r\n" +
		body)
}

// Recipients splits a comma separated address list.
func Recipients(to string) []string {
	var out []string
	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// LogNotifier writes notifications to the log. Used when no SMTP relay is set.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	if logger == nil {
		logger = zap.S()
	}
	return &LogNotifier{logger: logger.With("component", "notifier")}
}

func (n *LogNotifier) Send(subject, body string) error {
	n.logger.Warnw("notification", "subject", subject, "bytes", len(body))
	return nil
}

// New picks the email notifier when SMTP is configured and logs otherwise.
func New(cfg config.SMTPConfig, logger *zap.SugaredLogger) (model.Notifier, error) {
	if cfg.Host == "" {
		return NewLogNotifier(logger), nil
	}
	return NewEmailNotifier(cfg)
}
