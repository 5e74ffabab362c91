package delivery

import (
	"context"
	"fmt"
	"net/http"

	"github.com/phuslu/log"
	"github.com/pkg/errors"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// Mail is one rendered credential message.
type Mail struct {
	ToName  string
	ToEmail string
	Subject string
	Text    string
	HTML    string
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, m Mail) error
}

// SendGridSender sends through the SendGrid v3 mail API.
type SendGridSender struct {
	key  string
	from *sgmail.Email
	host string
}

func NewSendGridSender(apiKey, fromName, fromAddr string) *SendGridSender {
	return &SendGridSender{
		key:  apiKey,
		from: sgmail.NewEmail(fromName, fromAddr),
		host: sendgridHost,
	}
}

func (s *SendGridSender) prepare(m Mail) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = m.Subject
	p.AddTos(sgmail.NewEmail(m.ToName, m.ToEmail))

	msg := sgmail.NewV3Mail()
	msg.SetFrom(s.from)
	msg.AddPersonalizations(p)
	msg.AddContent(
		sgmail.NewContent("text/plain", m.Text),
		sgmail.NewContent("text/html", m.HTML),
	)
	return msg
}

// Send posts m. A 4xx answer is permanent; 5xx and network errors are
// returned as retriable.
func (s *SendGridSender) Send(ctx context.Context, m Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := sendgrid.GetRequest(s.key, sendgridEndpoint, s.host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(s.prepare(m))

	res, err := sendgrid.API(req)
	if err != nil {
		return &SendError{Err: errors.Wrap(err, "sendgrid"), Retriable: true}
	}
	if res.StatusCode >= http.StatusBadRequest {
		return &SendError{
			Err:       fmt.Errorf("sendgrid: status %d: %s", res.StatusCode, res.Body),
			Retriable: res.StatusCode >= http.StatusInternalServerError || res.StatusCode == http.StatusTooManyRequests,
		}
	}
	return nil
}

// SendError carries whether the worker should requeue the delivery.
type SendError struct {
	Err       error
	Retriable bool
}

func (e *SendError) Error() string { return e.Err.Error() }

func (e *SendError) Unwrap() error { return e.Err }

// LogSender writes messages to the log instead of sending them.
type LogSender struct {
	Logger *log.Logger
}

func (s LogSender) Send(_ context.Context, m Mail) error {
	s.Logger.Info().Str("to", m.ToEmail).Str("subject", m.Subject).Str("body", m.Text).Msg("credential mail (not sent)")
	return nil
}
