// internal/notify/notifier.go
package notify

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	sestypes "github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"poolguarantee/internal/common/config"
	"poolguarantee/internal/common/logger"
	"poolguarantee/internal/models"
	"poolguarantee/internal/stage"
)

// EmailSender sends an email notification. The SES client implements it.
type EmailSender interface {
	SendEmail(ctx context.Context, input *ses.SendEmailInput) (*ses.SendEmailOutput, error)
}

// SMSSender publishes an SMS notification. The SNS client implements it.
type SMSSender interface {
	Publish(ctx context.Context, input *sns.PublishInput) (*sns.PublishOutput, error)
}

// Notifier tells the affected parties about confirmed stage changes.
// Delivery is best-effort: a notification failure is logged and swallowed,
// it never rolls back or blocks a confirmed transition.
type Notifier struct {
	email EmailSender
	sms   SMSSender
	cfg   config.NotificationConfig
	log   logger.Logger
}

func NewNotifier(email EmailSender, sms SMSSender, cfg config.NotificationConfig, log logger.Logger) *Notifier {
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Notifier{email: email, sms: sms, cfg: cfg, log: log}
}

// StageChanged notifies the buyer and seller that the application moved.
func (n *Notifier) StageChanged(ctx context.Context, app models.Application, from, to stage.Stage) {
	subject := fmt.Sprintf("Guarantee %s: %s", app.RequestID, to.Label())
	body := fmt.Sprintf(
		"Guarantee application %s for %s moved from %q to %q.",
		app.RequestID, app.Buyer.Company, from.Label(), to.Label(),
	)

	n.sendEmail(ctx, app.Buyer.Email, subject, body)
	n.sendEmail(ctx, app.Seller.Email, subject, body)

	if to == stage.Terminated || to == stage.Closed {
		n.sendSMS(ctx, app.Buyer.Contact, body)
	}
}

func (n *Notifier) sendEmail(ctx context.Context, to, subject, body string) {
	if n.email == nil || !n.cfg.Email.Enabled || to == "" {
		return
	}

	_, err := n.email.SendEmail(ctx, &ses.SendEmailInput{
		Source: awssdk.String(n.cfg.Email.FromEmail),
		Destination: &sestypes.Destination{
			ToAddresses: []string{to},
		},
		Message: &sestypes.Message{
			Subject: &sestypes.Content{Data: awssdk.String(subject)},
			Body: &sestypes.Body{
				Text: &sestypes.Content{Data: awssdk.String(body)},
			},
		},
	})
	if err != nil {
		n.log.Warn("stage change email failed", map[string]interface{}{
			"to":    to,
			"error": err.Error(),
		})
	}
}

func (n *Notifier) sendSMS(ctx context.Context, phone, body string) {
	if n.sms == nil || !n.cfg.SMS.Enabled || phone == "" {
		return
	}

	_, err := n.sms.Publish(ctx, &sns.PublishInput{
		PhoneNumber: awssdk.String(phone),
		Message:     awssdk.String(body),
	})
	if err != nil {
		n.log.Warn("stage change sms failed", map[string]interface{}{
			"phone": phone,
			"error": err.Error(),
		})
	}
}
