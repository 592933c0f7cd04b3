package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	mail "gopkg.in/mail.v2"

	"settlement-service/internal/config"
	"settlement-service/pkg/common"
)

// Notifier delivers a short message to a phone number or, for
// EmailNotifier, an email address. Failures never affect settlement state.
type Notifier interface {
	Notify(ctx context.Context, to, message string) error
}

// SMSNotifier posts messages to an HTTP SMS gateway.
type SMSNotifier struct {
	cfg    config.SMSConfig
	client *http.Client
}

func NewSMSNotifier(cfg config.SMSConfig, timeout time.Duration) *SMSNotifier {
	return &SMSNotifier{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (n *SMSNotifier) Notify(ctx context.Context, to, message string) error {
	payload := map[string]interface{}{
		"sender_id": n.cfg.SenderID,
		"msisdn":    to,
		"message":   message,
	}
	headers := map[string]string{"Authorization": "Bearer " + n.cfg.APIKey}

	var resp struct {
		Status    string `json:"status"`
		ErrorDesc string `json:"error_desc"`
	}
	if err := common.Post(ctx, n.client, n.cfg.GatewayURL, payload, headers, &resp); err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	if resp.Status == "Fail" {
		return fmt.Errorf("send sms: %s", resp.ErrorDesc)
	}
	return nil
}

type mailSender interface {
	DialAndSend(m ...*mail.Message) error
}

// EmailNotifier sends plain-text notices through an SMTP relay.
type EmailNotifier struct {
	from    string
	subject string
	sender  mailSender
}

func NewEmailNotifier(cfg config.MailConfig, timeout time.Duration) *EmailNotifier {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.Timeout = timeout
	d.StartTLSPolicy = mail.OpportunisticStartTLS
	return &EmailNotifier{from: cfg.From, subject: cfg.Subject, sender: d}
}

func (n *EmailNotifier) Notify(ctx context.Context, to, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := mail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", n.subject)
	m.SetBody("text/plain", message)
	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// LogNotifier writes messages to the log instead of sending them.
type LogNotifier struct {
	log *logrus.Entry
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{log: logger.WithField("component", "notifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, to, message string) error {
	n.log.WithField("to", to).Info(message)
	return nil
}
