// Package audit emits structured audit records for security-relevant
// operations. Records carry stable codes and never include client
// payloads; secrets and scripts are redacted to lengths.
package audit

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// Outcome is the audit outcome of an operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// Record is one audit entry.
type Record struct {
	Code      string  // stable machine-readable operation code
	Outcome   Outcome
	UserID    string
	SessionID string
	ContextID string
	Detail    string // human-readable, never client payloads
	Err       error
	Duration  time.Duration
}

// Logger writes audit records through zerolog under a fixed marker so log
// pipelines can route them.
type Logger struct {
	enabled bool
}

// NewLogger creates an audit logger.
func NewLogger(enabled bool) *Logger {
	return &Logger{enabled: enabled}
}

// Write emits one audit record.
func (l *Logger) Write(r Record) {
	if !l.enabled {
		return
	}

	var ev *zerolog.Event
	switch r.Outcome {
	case OutcomeDenied:
		ev = log.Warn()
	case OutcomeFailure:
		ev = log.Warn()
	default:
		ev = log.Info()
	}

	ev = ev.
		Str("audit", r.Code).
		Str("outcome", string(r.Outcome))
	if r.UserID != "" {
		ev = ev.Str("user_id", r.UserID)
	}
	if r.SessionID != "" {
		ev = ev.Str("session_id", r.SessionID)
	}
	if r.ContextID != "" {
		ev = ev.Str("context_id", r.ContextID)
	}
	if r.Duration > 0 {
		ev = ev.Dur("duration", r.Duration)
	}
	if r.Err != nil {
		ev = ev.
			Str("error_kind", string(types.KindOf(r.Err))).
			Str("error_code", types.CodeOf(r.Err))
	}
	if r.Detail != "" {
		ev = ev.Str("detail", r.Detail)
	}
	ev.Msg("audit")
}

// Op writes a success or failure record depending on err, classifying
// permission errors as denied.
func (l *Logger) Op(code, userID, sessionID, contextID string, started time.Time, err error) {
	r := Record{
		Code:      code,
		Outcome:   OutcomeSuccess,
		UserID:    userID,
		SessionID: sessionID,
		ContextID: contextID,
		Duration:  time.Since(started),
		Err:       err,
	}
	if err != nil {
		r.Outcome = OutcomeFailure
		switch types.KindOf(err) {
		case types.KindPermissionDenied, types.KindUnauthenticated, types.KindSecurity:
			r.Outcome = OutcomeDenied
		}
	}
	l.Write(r)
}

// RedactScript summarizes a script for audit output without echoing it.
func RedactScript(script string) string {
	if len(script) <= 24 {
		return "script[redacted]"
	}
	return "script[redacted len=" + strconv.Itoa(len(script)) + "]"
}
