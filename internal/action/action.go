// Package action defines the browser action model, validates and screens
// incoming actions, and executes them against pages.
package action

import (
	"encoding/json"
	"net/url"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// Type identifies an action variant.
type Type string

// Supported action types.
const (
	TypeNavigate   Type = "navigate"
	TypeClick      Type = "click"
	TypeType       Type = "type"
	TypeWait       Type = "wait"
	TypeEvaluate   Type = "evaluate"
	TypeScreenshot Type = "screenshot"
	TypeScroll     Type = "scroll"
	TypeSelect     Type = "select"
	TypeKeyboard   Type = "keyboard"
	TypeMouse      Type = "mouse"
	TypePDF        Type = "pdf"
	TypeCookie     Type = "cookie"
	TypeContent    Type = "content"
	TypeClose      Type = "close"
)

// knownTypes is the closed set of action variants.
var knownTypes = map[Type]struct{}{
	TypeNavigate: {}, TypeClick: {}, TypeType: {}, TypeWait: {},
	TypeEvaluate: {}, TypeScreenshot: {}, TypeScroll: {}, TypeSelect: {},
	TypeKeyboard: {}, TypeMouse: {}, TypePDF: {}, TypeCookie: {},
	TypeContent: {}, TypeClose: {},
}

// Cookie is one cookie in a cookie action.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value,omitempty"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Action is one browser action request. Type selects the variant; the
// other fields are variant-specific and validated per type.
type Action struct {
	Type      Type   `json:"type"`
	ContextID string `json:"contextId"`
	TimeoutMs int    `json:"timeout,omitempty"`

	// navigate
	URL       string `json:"url,omitempty"`
	WaitUntil string `json:"waitUntil,omitempty"` // load | domcontentloaded | networkidle0 | networkidle2

	// click, type, wait, select
	Selector string `json:"selector,omitempty"`

	// click
	ClickCount int `json:"clickCount,omitempty"`

	// type
	Text       string `json:"text,omitempty"`
	ClearFirst bool   `json:"clearFirst,omitempty"`
	DelayMs    int    `json:"delay,omitempty"`

	// wait
	WaitType   string `json:"waitType,omitempty"` // selector | navigation | timeout
	DurationMs int    `json:"duration,omitempty"`

	// evaluate
	Function string        `json:"function,omitempty"`
	Args     []interface{} `json:"args,omitempty"`

	// screenshot, pdf
	FullPage bool   `json:"fullPage,omitempty"`
	Format   string `json:"format,omitempty"` // png | jpeg | webp
	Quality  int    `json:"quality,omitempty"`

	// scroll
	Direction string  `json:"direction,omitempty"` // up | down | left | right
	Distance  float64 `json:"distance,omitempty"`
	Smooth    bool    `json:"smooth,omitempty"`

	// mouse
	X  float64 `json:"x,omitempty"`
	Y  float64 `json:"y,omitempty"`
	DX float64 `json:"dx,omitempty"`
	DY float64 `json:"dy,omitempty"`

	// select
	Values []string `json:"values,omitempty"`

	// keyboard
	Key string `json:"key,omitempty"`

	// click, mouse
	MouseAction string `json:"mouseAction,omitempty"` // move | click | down | up | wheel
	Button      string `json:"button,omitempty"`      // left | middle | right

	// pdf
	Landscape       bool   `json:"landscape,omitempty"`
	PrintBackground bool   `json:"printBackground,omitempty"`
	PaperFormat     string `json:"paperFormat,omitempty"`

	// cookie
	Operation string   `json:"operation,omitempty"` // get | set | delete | clear
	Cookies   []Cookie `json:"cookies,omitempty"`
	Names     []string `json:"names,omitempty"`
}

// Timeout returns the action's effective timeout given a per-type default.
func (a *Action) Timeout(def time.Duration) time.Duration {
	if a.TimeoutMs > 0 {
		return time.Duration(a.TimeoutMs) * time.Millisecond
	}
	return def
}

// invalid builds a structured validation error.
func invalid(code, msg string) error {
	return &types.Error{Kind: types.KindInvalid, Code: code, Message: msg, Err: types.ErrActionInvalid}
}

// Validate checks the variant-specific required fields. Unknown types are
// invalid: the variant set is closed and never falls through to a default.
func (a *Action) Validate() error {
	if _, ok := knownTypes[a.Type]; !ok {
		return invalid("action_type_unknown", "unknown action type "+string(a.Type))
	}
	if a.ContextID == "" {
		return invalid("action_context_required", "contextId is required")
	}
	if a.TimeoutMs < 0 {
		return invalid("action_timeout_negative", "timeout must not be negative")
	}

	switch a.Type {
	case TypeNavigate:
		if a.URL == "" {
			return invalid("action_url_required", "navigate requires url")
		}
		if !validURL(a.URL) {
			return invalid("action_url_invalid", "navigate url must be http or https")
		}
		switch a.WaitUntil {
		case "", "load", "domcontentloaded", "networkidle0", "networkidle2":
		default:
			return invalid("action_waituntil_invalid", "invalid waitUntil "+a.WaitUntil)
		}

	case TypeClick:
		if a.Selector == "" {
			return invalid("action_selector_required", "click requires selector")
		}
		switch a.Button {
		case "", "left", "middle", "right":
		default:
			return invalid("action_button_invalid", "invalid button "+a.Button)
		}
		if a.ClickCount < 0 {
			return invalid("action_clickcount_invalid", "clickCount must be at least 1")
		}
		if a.DelayMs < 0 {
			return invalid("action_delay_negative", "delay must not be negative")
		}

	case TypeType:
		if a.Selector == "" {
			return invalid("action_selector_required", "type requires selector")
		}
		if a.Text == "" {
			return invalid("action_text_required", "type requires text")
		}

	case TypeWait:
		switch a.WaitType {
		case "selector":
			if a.Selector == "" {
				return invalid("action_selector_required", "wait for selector requires selector")
			}
		case "navigation":
		case "timeout", "":
			if a.DurationMs <= 0 {
				return invalid("action_duration_required", "wait for timeout requires positive duration")
			}
		default:
			return invalid("action_waittype_invalid", "invalid waitType "+a.WaitType)
		}

	case TypeEvaluate:
		if a.Function == "" {
			return invalid("action_function_required", "evaluate requires function")
		}

	case TypeScreenshot:
		switch a.Format {
		case "", "png", "jpeg", "webp":
		default:
			return invalid("action_format_invalid", "screenshot format must be png, jpeg, or webp")
		}
		if a.Quality < 0 || a.Quality > 100 {
			return invalid("action_quality_invalid", "screenshot quality must be 0-100")
		}
		if a.Quality > 0 && (a.Format == "" || a.Format == "png") {
			return invalid("action_quality_invalid", "quality applies only to jpeg and webp")
		}

	case TypeScroll:
		switch a.Direction {
		case "", "up", "down", "left", "right":
		default:
			return invalid("action_direction_invalid", "invalid direction "+a.Direction)
		}
		if a.Distance < 0 {
			return invalid("action_distance_negative", "distance must not be negative")
		}
		if a.Direction == "" && a.Selector == "" {
			return invalid("action_scroll_target_required", "scroll requires direction or selector")
		}

	case TypeSelect:
		if a.Selector == "" {
			return invalid("action_selector_required", "select requires selector")
		}
		if len(a.Values) == 0 {
			return invalid("action_values_required", "select requires values")
		}

	case TypeKeyboard:
		if a.Key == "" {
			return invalid("action_key_required", "keyboard requires key")
		}

	case TypeMouse:
		switch a.MouseAction {
		case "move", "click", "down", "up", "wheel":
		default:
			return invalid("action_mouse_invalid", "invalid mouseAction "+a.MouseAction)
		}
		switch a.Button {
		case "", "left", "middle", "right":
		default:
			return invalid("action_button_invalid", "invalid button "+a.Button)
		}

	case TypePDF:
		switch a.PaperFormat {
		case "", "A4", "A3", "Letter", "Legal", "Tabloid":
		default:
			return invalid("action_paper_invalid", "invalid paperFormat "+a.PaperFormat)
		}

	case TypeCookie:
		switch a.Operation {
		case "get", "clear":
		case "set":
			if len(a.Cookies) == 0 {
				return invalid("action_cookies_required", "cookie set requires cookies")
			}
			for _, c := range a.Cookies {
				if c.Name == "" {
					return invalid("action_cookie_name_required", "cookie requires name")
				}
			}
		case "delete":
			if len(a.Cookies) == 0 && len(a.Names) == 0 {
				return invalid("action_cookies_required", "cookie delete requires cookies or names")
			}
		default:
			return invalid("action_operation_invalid", "invalid cookie operation "+a.Operation)
		}

	case TypeContent, TypeClose:
		// No extra fields.
	}

	return nil
}

// Result is the outcome of one executed action.
type Result struct {
	Success    bool                   `json:"success"`
	ActionType Type                   `json:"actionType"`
	Data       interface{}            `json:"data,omitempty"`
	Error      *ResultError           `json:"error,omitempty"`
	DurationMs int64                  `json:"duration"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ResultError is the error payload carried in a failed result.
type ResultError struct {
	Kind    types.Kind `json:"kind"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

// ParseAction decodes and validates an action from JSON.
func ParseAction(data []byte) (*Action, error) {
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, invalid("action_decode_failed", "malformed action payload")
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// validURL accepts absolute http/https URLs plus about:blank.
func validURL(raw string) bool {
	if raw == "about:blank" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
