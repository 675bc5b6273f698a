package action

import (
	"errors"
	"testing"
	"time"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

func TestValidateAction(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		code   string // empty means valid
	}{
		{"unknown type", Action{Type: "teleport", ContextID: "c1"}, "action_type_unknown"},
		{"missing context", Action{Type: TypeContent}, "action_context_required"},
		{"negative timeout", Action{Type: TypeContent, ContextID: "c1", TimeoutMs: -1}, "action_timeout_negative"},

		{"navigate ok", Action{Type: TypeNavigate, ContextID: "c1", URL: "https://example.com"}, ""},
		{"navigate about:blank", Action{Type: TypeNavigate, ContextID: "c1", URL: "about:blank"}, ""},
		{"navigate no url", Action{Type: TypeNavigate, ContextID: "c1"}, "action_url_required"},
		{"navigate file scheme", Action{Type: TypeNavigate, ContextID: "c1", URL: "file:///etc/passwd"}, "action_url_invalid"},
		{"navigate bad waituntil", Action{Type: TypeNavigate, ContextID: "c1", URL: "https://example.com", WaitUntil: "idle"}, "action_waituntil_invalid"},
		{"navigate networkidle0", Action{Type: TypeNavigate, ContextID: "c1", URL: "https://example.com", WaitUntil: "networkidle0"}, ""},
		{"navigate networkidle2", Action{Type: TypeNavigate, ContextID: "c1", URL: "https://example.com", WaitUntil: "networkidle2"}, ""},

		{"click ok", Action{Type: TypeClick, ContextID: "c1", Selector: "#btn"}, ""},
		{"click full", Action{Type: TypeClick, ContextID: "c1", Selector: "#btn", Button: "right", ClickCount: 2, DelayMs: 50}, ""},
		{"click no selector", Action{Type: TypeClick, ContextID: "c1"}, "action_selector_required"},
		{"click bad button", Action{Type: TypeClick, ContextID: "c1", Selector: "#btn", Button: "side"}, "action_button_invalid"},
		{"click bad count", Action{Type: TypeClick, ContextID: "c1", Selector: "#btn", ClickCount: -1}, "action_clickcount_invalid"},
		{"click bad delay", Action{Type: TypeClick, ContextID: "c1", Selector: "#btn", DelayMs: -5}, "action_delay_negative"},

		{"type ok", Action{Type: TypeType, ContextID: "c1", Selector: "#input", Text: "hello"}, ""},
		{"type no text", Action{Type: TypeType, ContextID: "c1", Selector: "#input"}, "action_text_required"},

		{"wait selector ok", Action{Type: TypeWait, ContextID: "c1", WaitType: "selector", Selector: ".done"}, ""},
		{"wait selector missing", Action{Type: TypeWait, ContextID: "c1", WaitType: "selector"}, "action_selector_required"},
		{"wait timeout ok", Action{Type: TypeWait, ContextID: "c1", DurationMs: 100}, ""},
		{"wait timeout no duration", Action{Type: TypeWait, ContextID: "c1"}, "action_duration_required"},
		{"wait bad target", Action{Type: TypeWait, ContextID: "c1", WaitType: "paint"}, "action_waittype_invalid"},

		{"evaluate ok", Action{Type: TypeEvaluate, ContextID: "c1", Function: "() => 1"}, ""},
		{"evaluate no function", Action{Type: TypeEvaluate, ContextID: "c1"}, "action_function_required"},

		{"screenshot ok", Action{Type: TypeScreenshot, ContextID: "c1", Format: "jpeg", Quality: 90}, ""},
		{"screenshot webp ok", Action{Type: TypeScreenshot, ContextID: "c1", Format: "webp", Quality: 70}, ""},
		{"screenshot bad format", Action{Type: TypeScreenshot, ContextID: "c1", Format: "gif"}, "action_format_invalid"},
		{"screenshot bad quality", Action{Type: TypeScreenshot, ContextID: "c1", Format: "jpeg", Quality: 150}, "action_quality_invalid"},
		{"screenshot png quality", Action{Type: TypeScreenshot, ContextID: "c1", Format: "png", Quality: 80}, "action_quality_invalid"},

		{"scroll no target", Action{Type: TypeScroll, ContextID: "c1"}, "action_scroll_target_required"},
		{"scroll direction ok", Action{Type: TypeScroll, ContextID: "c1", Direction: "down", Distance: 200, Smooth: true}, ""},
		{"scroll selector ok", Action{Type: TypeScroll, ContextID: "c1", Selector: "#footer"}, ""},
		{"scroll bad direction", Action{Type: TypeScroll, ContextID: "c1", Direction: "sideways"}, "action_direction_invalid"},
		{"scroll bad distance", Action{Type: TypeScroll, ContextID: "c1", Direction: "down", Distance: -1}, "action_distance_negative"},

		{"select ok", Action{Type: TypeSelect, ContextID: "c1", Selector: "select", Values: []string{"a"}}, ""},
		{"select no values", Action{Type: TypeSelect, ContextID: "c1", Selector: "select"}, "action_values_required"},

		{"keyboard ok", Action{Type: TypeKeyboard, ContextID: "c1", Key: "Enter"}, ""},
		{"keyboard no key", Action{Type: TypeKeyboard, ContextID: "c1"}, "action_key_required"},

		{"mouse ok", Action{Type: TypeMouse, ContextID: "c1", MouseAction: "click", X: 10, Y: 10}, ""},
		{"mouse bad action", Action{Type: TypeMouse, ContextID: "c1", MouseAction: "hover"}, "action_mouse_invalid"},
		{"mouse bad button", Action{Type: TypeMouse, ContextID: "c1", MouseAction: "click", Button: "side"}, "action_button_invalid"},

		{"pdf ok", Action{Type: TypePDF, ContextID: "c1", PaperFormat: "A4"}, ""},
		{"pdf bad paper", Action{Type: TypePDF, ContextID: "c1", PaperFormat: "A7"}, "action_paper_invalid"},

		{"cookie get ok", Action{Type: TypeCookie, ContextID: "c1", Operation: "get"}, ""},
		{"cookie set ok", Action{Type: TypeCookie, ContextID: "c1", Operation: "set", Cookies: []Cookie{{Name: "a", Value: "1"}}}, ""},
		{"cookie set empty", Action{Type: TypeCookie, ContextID: "c1", Operation: "set"}, "action_cookies_required"},
		{"cookie set unnamed", Action{Type: TypeCookie, ContextID: "c1", Operation: "set", Cookies: []Cookie{{Value: "1"}}}, "action_cookie_name_required"},
		{"cookie delete by names", Action{Type: TypeCookie, ContextID: "c1", Operation: "delete", Names: []string{"a", "b"}}, ""},
		{"cookie delete empty", Action{Type: TypeCookie, ContextID: "c1", Operation: "delete"}, "action_cookies_required"},
		{"cookie bad op", Action{Type: TypeCookie, ContextID: "c1", Operation: "peek"}, "action_operation_invalid"},

		{"content ok", Action{Type: TypeContent, ContextID: "c1"}, ""},
		{"close ok", Action{Type: TypeClose, ContextID: "c1"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.code == "" {
				if err != nil {
					t.Fatalf("Expected valid, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Expected error %s, got nil", tt.code)
			}
			if !errors.Is(err, types.ErrActionInvalid) {
				t.Errorf("Validation errors must wrap ErrActionInvalid, got %v", err)
			}
			if code := types.CodeOf(err); code != tt.code {
				t.Errorf("Expected code %s, got %s", tt.code, code)
			}
		})
	}
}

func TestActionTimeout(t *testing.T) {
	a := Action{Type: TypeNavigate, ContextID: "c1", URL: "https://example.com"}
	if got := a.Timeout(30 * time.Second); got != 30*time.Second {
		t.Errorf("Expected default timeout, got %v", got)
	}

	a.TimeoutMs = 5000
	if got := a.Timeout(30 * time.Second); got != 5*time.Second {
		t.Errorf("Expected explicit timeout, got %v", got)
	}
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction([]byte(`{"type":"navigate","contextId":"c1","url":"https://example.com","waitUntil":"networkidle0"}`))
	if err != nil {
		t.Fatalf("ParseAction failed: %v", err)
	}
	if a.Type != TypeNavigate || a.WaitUntil != "networkidle0" {
		t.Errorf("Unexpected action: %+v", a)
	}

	c, err := ParseAction([]byte(`{"type":"cookie","contextId":"c1","operation":"delete","names":["sid"]}`))
	if err != nil {
		t.Fatalf("ParseAction failed: %v", err)
	}
	if c.Operation != "delete" || len(c.Names) != 1 || c.Names[0] != "sid" {
		t.Errorf("Unexpected action: %+v", c)
	}

	if _, err := ParseAction([]byte(`{"type":`)); err == nil {
		t.Error("Expected decode error for malformed payload")
	} else if types.CodeOf(err) != "action_decode_failed" {
		t.Errorf("Expected action_decode_failed, got %s", types.CodeOf(err))
	}

	if _, err := ParseAction([]byte(`{"type":"click","contextId":"c1"}`)); err == nil {
		t.Error("Expected validation error for click without selector")
	}
}
