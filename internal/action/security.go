package action

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// SecurityConfig bounds evaluate payloads.
type SecurityConfig struct {
	MaxScriptBytes  int
	MaxNestingDepth int
	MaxArgCount     int
	MaxArgBytes     int
}

// DefaultSecurityConfig returns the production limits.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		MaxScriptBytes:  64 * 1024,
		MaxNestingDepth: 20,
		MaxArgCount:     10,
		MaxArgBytes:     10000,
	}
}

// Validator screens evaluate scripts and arguments before they reach a
// page. Validation is static: it rejects known-dangerous constructs and
// malformed payloads but is not a sandbox.
type Validator struct {
	cfg   SecurityConfig
	rules *RuleManager
}

// NewValidator creates a validator over the given rule manager.
func NewValidator(cfg SecurityConfig, rules *RuleManager) *Validator {
	if cfg.MaxScriptBytes <= 0 {
		cfg.MaxScriptBytes = 64 * 1024
	}
	if cfg.MaxNestingDepth <= 0 {
		cfg.MaxNestingDepth = 20
	}
	if cfg.MaxArgCount <= 0 {
		cfg.MaxArgCount = 10
	}
	if cfg.MaxArgBytes <= 0 {
		cfg.MaxArgBytes = 10000
	}
	return &Validator{cfg: cfg, rules: rules}
}

// violation builds a security rejection and records it. Messages name the
// rule but never echo the payload.
func (v *Validator) violation(rule, msg string) error {
	metrics.RecordSecurityViolation(rule)
	log.Warn().Str("rule", rule).Msg("Script rejected by security validation")
	return &types.Error{Kind: types.KindSecurity, Code: "security_" + rule, Message: msg}
}

// ValidateScript statically screens an evaluate function body.
func (v *Validator) ValidateScript(script string) error {
	if script == "" {
		return invalid("action_function_required", "evaluate requires function")
	}
	if len(script) > v.cfg.MaxScriptBytes {
		return v.violation("script_too_large", "script exceeds size limit")
	}

	for _, r := range v.rules.Get().Rules {
		if r.Match(script) {
			return v.violation(r.Name, "script matches deny rule: "+r.Description)
		}
	}

	if err := v.checkStructure(script); err != nil {
		return err
	}
	return nil
}

// checkStructure verifies bracket balance, quote termination, and nesting
// depth. Strings and comments are skipped so their contents cannot trip
// the bracket counters.
func (v *Validator) checkStructure(script string) error {
	var stack []byte
	depth := 0
	i := 0
	n := len(script)

	for i < n {
		c := script[i]
		switch c {
		case '\'', '"', '`':
			end, ok := skipString(script, i)
			if !ok {
				return v.violation("unterminated_string", "script has an unterminated string literal")
			}
			i = end
			continue
		case '/':
			if i+1 < n {
				switch script[i+1] {
				case '/':
					for i < n && script[i] != '\n' {
						i++
					}
					continue
				case '*':
					end := strings.Index(script[i+2:], "*/")
					if end < 0 {
						return v.violation("unterminated_comment", "script has an unterminated comment")
					}
					i += 2 + end + 2
					continue
				}
			}
		case '(', '[', '{':
			stack = append(stack, c)
			if len(stack) > depth {
				depth = len(stack)
			}
			if depth > v.cfg.MaxNestingDepth {
				return v.violation("nesting_too_deep", "script nesting exceeds depth limit")
			}
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != openerFor(c) {
				return v.violation("unbalanced_brackets", "script has unbalanced brackets")
			}
			stack = stack[:len(stack)-1]
		}
		i++
	}
	if len(stack) > 0 {
		return v.violation("unbalanced_brackets", "script has unbalanced brackets")
	}
	return nil
}

// skipString advances past a string literal starting at i, honoring
// backslash escapes. Returns the index after the closing quote.
func skipString(s string, i int) (int, bool) {
	quote := s[i]
	i++
	for i < len(s) {
		switch s[i] {
		case '\\':
			i += 2
			continue
		case quote:
			return i + 1, true
		case '\n':
			// Only template literals span lines.
			if quote != '`' {
				return 0, false
			}
		}
		i++
	}
	return 0, false
}

func openerFor(closer byte) byte {
	switch closer {
	case ')':
		return '('
	case ']':
		return '['
	default:
		return '{'
	}
}

// ValidateArgs checks evaluate arguments and returns a deep copy made
// through a JSON round trip, so callers can never smuggle live references
// or callables into the page.
func (v *Validator) ValidateArgs(args []interface{}) ([]interface{}, error) {
	if len(args) == 0 {
		return nil, nil
	}
	if len(args) > v.cfg.MaxArgCount {
		return nil, v.violation("too_many_args", "argument count exceeds limit")
	}

	out := make([]interface{}, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, v.violation("arg_not_serializable", "argument is not JSON-serializable")
		}
		if len(data) > v.cfg.MaxArgBytes {
			return nil, v.violation("arg_too_large", "argument exceeds size limit")
		}
		var clean interface{}
		if err := json.Unmarshal(data, &clean); err != nil {
			return nil, v.violation("arg_not_serializable", "argument is not JSON-serializable")
		}
		out[i] = clean
	}
	return out, nil
}

// ValidateSelector screens a CSS selector for injection constructs.
func (v *Validator) ValidateSelector(selector string) error {
	if selector == "" {
		return invalid("action_selector_required", "selector is required")
	}
	if len(selector) > 1024 {
		return v.violation("selector_too_large", "selector exceeds size limit")
	}
	lowered := strings.ToLower(selector)
	for _, bad := range []string{"javascript:", "<script", "expression(", "@import"} {
		if strings.Contains(lowered, bad) {
			return v.violation("selector_injection", "selector contains an injection construct")
		}
	}
	return nil
}
