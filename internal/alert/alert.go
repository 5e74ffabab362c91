// Package alert reports operational failures that need a human, such as a
// sweep that could not expire anything.
package alert

import (
	"context"
	"os"

	"github.com/phuslu/log"
	"github.com/rollbar/rollbar-go"
	"github.com/rollbar/rollbar-go/errors"

	"qrattend/internal/attendance"
)

// Log writes alerts to the logger only.
type Log struct {
	Logger *log.Logger
}

var _ attendance.Alerter = Log{}

func (a Log) Alert(_ context.Context, msg string, err error, extras map[string]interface{}) {
	e := a.Logger.Error().Err(err)
	for k, v := range extras {
		e = e.Interface(k, v)
	}
	e.Msg(msg)
}

// Rollbar sends alerts to Rollbar and mirrors them to the log.
type Rollbar struct {
	client *rollbar.Client
	log    Log
}

var _ attendance.Alerter = (*Rollbar)(nil)

// NewRollbar configures a client for token. An empty token yields a disabled
// client, so alerts only reach the log.
func NewRollbar(token, env, codeVersion string, logger *log.Logger) *Rollbar {
	host, _ := os.Hostname()
	client := rollbar.New(token, env, codeVersion, host, "")
	client.SetStackTracer(errors.StackTracer)
	client.SetEnabled(token != "")
	return &Rollbar{client: client, log: Log{Logger: logger}}
}

func (a *Rollbar) Alert(ctx context.Context, msg string, err error, extras map[string]interface{}) {
	a.log.Alert(ctx, msg, err, extras)
	fields := make(map[string]interface{}, len(extras)+1)
	for k, v := range extras {
		fields[k] = v
	}
	if err == nil {
		a.client.MessageWithExtrasAndContext(ctx, rollbar.ERR, msg, fields)
		return
	}
	fields["message"] = msg
	a.client.ErrorWithExtrasAndContext(ctx, rollbar.ERR, err, fields)
}

// Close flushes queued items.
func (a *Rollbar) Close() error {
	return a.client.Close()
}
