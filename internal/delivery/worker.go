package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"qrattend/internal/attendance"
	"qrattend/internal/queue"
	"qrattend/internal/roster"
)

const defaultMaxAttempts = 3

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "qrattend",
	Name:      "deliveries_total",
	Help:      "Credential delivery attempts by result.",
}, []string{"result"}) // sent, requeued, dropped

// Directory resolves a student's mailing address.
type Directory interface {
	Student(ctx context.Context, studentID string) (roster.Student, error)
}

// WorkerConfig tunes the delivery worker.
type WorkerConfig struct {
	// PublicURL is the base of the redemption link, e.g. https://attend.example.edu.
	PublicURL   string
	MaxAttempts int
	// Now formats expiry times relative to the worker's clock; nil means time.Now.
	Now func() time.Time
}

// Worker consumes credential deliveries from the queue and sends them.
type Worker struct {
	q      queue.Queue
	dir    Directory
	sender Sender
	logger *log.Logger
	cfg    WorkerConfig
}

func NewWorker(q queue.Queue, dir Directory, sender Sender, logger *log.Logger, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Worker{q: q, dir: dir, sender: sender, logger: logger, cfg: cfg}
}

// Run processes messages until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("consume deliveries: %w", err)
	}
	w.logger.Info().Msg("delivery worker started")
	for msg := range messages {
		if msg.Type != MessageType {
			continue
		}
		w.Handle(ctx, msg)
	}
	w.logger.Info().Msg("delivery worker stopped")
	return ctx.Err()
}

// envelope is the queue body; Attempt counts earlier failed sends.
type envelope struct {
	attendance.Delivery
	Attempt int `json:"attempt,omitempty"`
}

// Handle sends one delivery. Retriable failures are requeued until
// MaxAttempts; everything else is logged and dropped. Dropping is safe: the
// credential stays valid and the teacher can re-issue to get it resent.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	var env envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil || env.StudentID == "" || env.Token == "" {
		deliveries.WithLabelValues("dropped").Inc()
		w.logger.Error().Err(err).Msg("undecodable delivery")
		return
	}
	d := env.Delivery

	err := w.send(ctx, d)
	if err == nil {
		deliveries.WithLabelValues("sent").Inc()
		w.logger.Info().Str("session_id", d.SessionID).Str("student_id", d.StudentID).Msg("credential delivered")
		return
	}

	if retriable(err) && env.Attempt+1 < w.cfg.MaxAttempts && ctx.Err() == nil {
		env.Attempt++
		body, _ := json.Marshal(env)
		if perr := w.q.Publish(ctx, queue.Message{Type: MessageType, Body: body}); perr == nil {
			deliveries.WithLabelValues("requeued").Inc()
			w.logger.Warn().Err(err).Str("student_id", d.StudentID).Int("attempt", env.Attempt).Msg("delivery failed, requeued")
			return
		}
	}
	deliveries.WithLabelValues("dropped").Inc()
	w.logger.Error().Err(err).Str("session_id", d.SessionID).Str("student_id", d.StudentID).Msg("delivery dropped")
}

func (w *Worker) send(ctx context.Context, d attendance.Delivery) error {
	if !d.ExpiresAt.IsZero() && w.cfg.Now().After(d.ExpiresAt) {
		return errors.New("credential expired before delivery")
	}
	st, err := w.dir.Student(ctx, d.StudentID)
	if err != nil {
		if errors.Is(err, roster.ErrUnknownStudent) {
			return err
		}
		return &SendError{Err: fmt.Errorf("directory: %w", err), Retriable: true}
	}
	if st.Email == "" {
		return fmt.Errorf("student %s has no email address", d.StudentID)
	}
	return w.sender.Send(ctx, w.render(st, d))
}

func retriable(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Retriable
}

// RedeemLink is the URL a student opens (or the QR code encodes) to redeem token.
func RedeemLink(publicURL, token string) string {
	return strings.TrimRight(publicURL, "/") + "/redeem?token=" + url.QueryEscape(token)
}

func (w *Worker) render(st roster.Student, d attendance.Delivery) Mail {
	link := RedeemLink(w.cfg.PublicURL, d.Token)
	expires := d.ExpiresAt.UTC().Format("15:04 MST, 2 Jan")
	name := st.Name
	if name == "" {
		name = st.ID
	}
	return Mail{
		ToName:  st.Name,
		ToEmail: st.Email,
		Subject: fmt.Sprintf("Your attendance code for %s", d.CourseID),
		Text: fmt.Sprintf("Hello %s,\n\nUse this link to record your attendance for %s:\n%s\n\nThe code works once and expires at %s.\n",
			name, d.CourseID, link, expires),
		HTML: fmt.Sprintf(`<p>Hello %s,</p><p>Use <a href="%s">this link</a> to record your attendance for %s.</p><p>The code works once and expires at %s.</p>`,
			html.EscapeString(name), html.EscapeString(link), html.EscapeString(d.CourseID), expires),
	}
}
