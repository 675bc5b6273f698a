package action

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/audit"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/contexts"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/events"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/pages"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// Executor drives actions through the validation, context, and page
// layers. One action runs at a time per context; the page action lock
// enforces this.
type Executor struct {
	cfg       *config.Config
	validator *Validator
	contexts  *contexts.Store
	pages     *pages.Manager
	bus       *events.Bus
	audit     *audit.Logger
}

// NewExecutor wires an executor.
func NewExecutor(cfg *config.Config, v *Validator, cs *contexts.Store, pm *pages.Manager, bus *events.Bus, al *audit.Logger) *Executor {
	return &Executor{
		cfg:       cfg,
		validator: v,
		contexts:  cs,
		pages:     pm,
		bus:       bus,
		audit:     al,
	}
}

// defaultTimeout returns the configured default for an action type.
func (e *Executor) defaultTimeout(t Type) time.Duration {
	switch t {
	case TypeNavigate:
		return e.cfg.NavigateTimeout
	case TypeWait:
		return e.cfg.WaitTimeout
	case TypeEvaluate:
		return e.cfg.EvaluateTimeout
	case TypeScreenshot, TypePDF:
		return e.cfg.ScreenshotTimeout
	default:
		return e.cfg.EvaluateTimeout
	}
}

// Execute runs one action for a session. It always returns a Result; the
// error mirrors Result.Error for callers that branch on kinds.
func (e *Executor) Execute(ctx context.Context, sessionID, userID string, a *Action) (*Result, error) {
	started := time.Now()

	data, err := e.execute(ctx, sessionID, a)
	data, truncated := e.capResult(a.Type, data)
	res := &Result{
		Success:    err == nil,
		ActionType: a.Type,
		Data:       data,
		DurationMs: time.Since(started).Milliseconds(),
		Timestamp:  time.Now(),
		Metadata: map[string]interface{}{
			"contextId": a.ContextID,
			"sessionId": sessionID,
		},
	}
	if truncated {
		res.Metadata["truncated"] = true
	}

	outcome := "success"
	if err != nil {
		kind := types.KindOf(err)
		res.Error = &ResultError{
			Kind:    kind,
			Code:    types.CodeOf(err),
			Message: err.Error(),
		}
		outcome = "failure"
		if kind == types.KindSecurity {
			outcome = "denied"
			e.bus.Publish(events.Event{
				Type:      events.SecurityViolation,
				SessionID: sessionID,
				ContextID: a.ContextID,
				Data:      map[string]interface{}{"code": types.CodeOf(err)},
			})
		}
	}

	eventType := events.ActionCompleted
	if err != nil {
		eventType = events.ActionFailed
	}
	e.bus.Publish(events.Event{
		Type:      eventType,
		SessionID: sessionID,
		ContextID: a.ContextID,
		Data: map[string]interface{}{
			"actionType": string(a.Type),
			"duration":   res.DurationMs,
			"success":    res.Success,
		},
	})

	metrics.RecordAction(string(a.Type), outcome, time.Since(started))
	e.audit.Op("action."+string(a.Type), userID, sessionID, a.ContextID, started, err)

	if err != nil {
		log.Debug().
			Str("action", string(a.Type)).
			Str("context_id", a.ContextID).
			Str("error_code", types.CodeOf(err)).
			Msg("Action failed")
	}
	return res, err
}

// execute performs the action body without result bookkeeping.
func (e *Executor) execute(ctx context.Context, sessionID string, a *Action) (interface{}, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if _, err := e.contexts.RequireActive(a.ContextID, sessionID); err != nil {
		return nil, err
	}

	// Close tears down the context's page without touching the browser
	// lease; the next action opens a fresh page.
	if a.Type == TypeClose {
		e.pages.CloseContext(a.ContextID)
		return map[string]interface{}{"closed": true}, nil
	}

	// Evaluate payloads are screened before a page is held, so rejected
	// scripts never tie up a browser.
	if a.Type == TypeEvaluate {
		if err := e.validator.ValidateScript(a.Function); err != nil {
			return nil, err
		}
	}

	ref, release, err := e.pages.Acquire(ctx, a.ContextID, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	actionCtx, cancel := context.WithTimeout(ctx, a.Timeout(e.defaultTimeout(a.Type)))
	defer cancel()

	data, err := e.run(actionCtx, ref, a)
	if err != nil {
		if actionCtx.Err() != nil {
			return nil, types.WrapError(types.KindTimeout, "action_timeout", types.ErrCanceled)
		}
		return nil, err
	}
	return data, nil
}

// capResult replaces oversized result payloads with a summary stub. The
// second return reports whether truncation happened so the caller can
// flag it in result metadata.
func (e *Executor) capResult(t Type, data interface{}) (interface{}, bool) {
	if data == nil {
		return nil, false
	}
	encoded, err := json.Marshal(data)
	if err != nil || len(encoded) <= e.cfg.MaxResultBytes {
		return data, false
	}
	log.Debug().Str("action", string(t)).Int("size", len(encoded)).Msg("Action result truncated")
	return map[string]interface{}{
		"truncated": true,
		"type":      string(t),
		"size":      len(encoded),
	}, true
}
