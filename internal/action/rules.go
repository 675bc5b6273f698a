package action

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Severity ranks a deny rule. Critical and high rules reject the payload;
// medium rules reject unless explicitly relaxed in an override file.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
)

// Rule is one compiled deny rule applied to evaluate payloads.
type Rule struct {
	Name        string
	Severity    Severity
	Description string
	re          *regexp.Regexp
}

// Match reports whether the rule matches the script.
func (r *Rule) Match(script string) bool {
	return r.re.MatchString(script)
}

// RuleSet is the active set of deny rules.
type RuleSet struct {
	Version int
	Rules   []Rule
}

// ruleFile is the YAML schema for external rule overrides.
type ruleFile struct {
	Version int        `yaml:"version"`
	Rules   []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Severity    string `yaml:"severity"`
	Description string `yaml:"description"`
	Disabled    bool   `yaml:"disabled"`
}

// defaultRuleSpecs is the embedded rule set. External files override rules
// by name and may add new ones; unnamed embedded rules always apply.
var defaultRuleSpecs = []ruleSpec{
	{Name: "eval-call", Pattern: `\beval\s*\(`, Severity: "critical", Description: "dynamic code evaluation"},
	{Name: "function-constructor", Pattern: `\bnew\s+Function\s*\(|\bFunction\s*\(\s*["'\x60]`, Severity: "critical", Description: "dynamic function construction"},
	{Name: "fetch-call", Pattern: `\bfetch\s*\(`, Severity: "critical", Description: "network request from injected script"},
	{Name: "xhr", Pattern: `\bXMLHttpRequest\b`, Severity: "critical", Description: "network request from injected script"},
	{Name: "websocket", Pattern: `\bnew\s+WebSocket\s*\(`, Severity: "critical", Description: "socket opened from injected script"},
	{Name: "import-call", Pattern: `\bimport\s*\(`, Severity: "critical", Description: "dynamic module import"},
	{Name: "document-write", Pattern: `\bdocument\s*\.\s*write(ln)?\s*\(`, Severity: "high", Description: "document rewrite"},
	{Name: "script-injection", Pattern: `createElement\s*\(\s*["'\x60]script["'\x60]`, Severity: "high", Description: "script element injection"},
	{Name: "storage-access", Pattern: `\b(localStorage|sessionStorage|indexedDB)\b`, Severity: "high", Description: "persistent storage access"},
	{Name: "cookie-access", Pattern: `\bdocument\s*\.\s*cookie\b`, Severity: "high", Description: "raw cookie access"},
	{Name: "location-assign", Pattern: `\b(location|window\.location)\s*(=|\.assign\s*\(|\.replace\s*\()`, Severity: "high", Description: "navigation from injected script"},
	{Name: "worker", Pattern: `\bnew\s+(Shared)?Worker\s*\(`, Severity: "high", Description: "worker spawned from injected script"},
	{Name: "settimeout-string", Pattern: `\bset(Timeout|Interval)\s*\(\s*["'\x60]`, Severity: "critical", Description: "string timer is eval in disguise"},
	{Name: "timer", Pattern: `\bset(Timeout|Interval)\s*\(`, Severity: "medium", Description: "timers outlive the action"},
	{Name: "proto-pollution", Pattern: `__proto__|\bconstructor\s*\[\s*["'\x60]|Object\.prototype`, Severity: "high", Description: "prototype tampering"},
}

// ReloadStats reports rule file reload history.
type ReloadStats struct {
	LastReloadTime time.Time
	ReloadCount    int64
	LastError      string
	ActiveRules    int
	Source         string // "embedded" or the external file path
}

// RuleManager holds the active deny rules and hot-reloads an optional
// external override file. Get is lock-free.
type RuleManager struct {
	current atomic.Value // *RuleSet

	mu        sync.Mutex
	path      string
	stats     ReloadStats
	watcher   *fsnotify.Watcher
	debounce  *time.Timer
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRuleManager compiles the embedded rules and, when path is non-empty,
// merges the external file over them. hotReload watches the file for
// changes; a broken reload keeps the previous rules.
func NewRuleManager(path string, hotReload bool) (*RuleManager, error) {
	m := &RuleManager{
		path:   path,
		stopCh: make(chan struct{}),
	}

	rs, source, err := m.load()
	if err != nil {
		return nil, err
	}
	m.current.Store(rs)
	m.stats = ReloadStats{
		LastReloadTime: time.Now(),
		ReloadCount:    1,
		ActiveRules:    len(rs.Rules),
		Source:         source,
	}

	if hotReload && path != "" {
		if err := m.startWatcher(); err != nil {
			log.Warn().Err(err).Str("path", path).
				Msg("Rule hot reload unavailable, continuing with loaded rules")
		}
	}

	log.Info().
		Int("rules", len(rs.Rules)).
		Str("source", source).
		Bool("hot_reload", m.watcher != nil).
		Msg("Security rules loaded")
	return m, nil
}

// Get returns the active rule set.
func (m *RuleManager) Get() *RuleSet {
	return m.current.Load().(*RuleSet)
}

// Stats returns reload statistics.
func (m *RuleManager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// load compiles embedded rules merged with the external file, if any.
func (m *RuleManager) load() (*RuleSet, string, error) {
	specs := make(map[string]ruleSpec, len(defaultRuleSpecs))
	order := make([]string, 0, len(defaultRuleSpecs))
	for _, s := range defaultRuleSpecs {
		specs[s.Name] = s
		order = append(order, s.Name)
	}
	source := "embedded"
	version := 1

	if m.path != "" {
		data, err := os.ReadFile(m.path)
		if err != nil {
			return nil, "", fmt.Errorf("reading rules file: %w", err)
		}
		var rf ruleFile
		if err := yaml.Unmarshal(data, &rf); err != nil {
			return nil, "", fmt.Errorf("parsing rules file: %w", err)
		}
		for _, s := range rf.Rules {
			if s.Name == "" {
				return nil, "", fmt.Errorf("rules file: rule without name")
			}
			if _, known := specs[s.Name]; !known {
				order = append(order, s.Name)
			}
			specs[s.Name] = s
		}
		if rf.Version > 0 {
			version = rf.Version
		}
		source = m.path
	}

	rs := &RuleSet{Version: version}
	for _, name := range order {
		s := specs[name]
		if s.Disabled {
			continue
		}
		switch Severity(s.Severity) {
		case SeverityCritical, SeverityHigh, SeverityMedium:
		default:
			return nil, "", fmt.Errorf("rule %s: unknown severity %q", s.Name, s.Severity)
		}
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, "", fmt.Errorf("rule %s: %w", s.Name, err)
		}
		rs.Rules = append(rs.Rules, Rule{
			Name:        s.Name,
			Severity:    Severity(s.Severity),
			Description: s.Description,
			re:          re,
		})
	}
	return rs, source, nil
}

// reload swaps in a fresh rule set; on error the previous set stays active.
func (m *RuleManager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, source, err := m.load()
	if err != nil {
		m.stats.LastError = err.Error()
		log.Error().Err(err).Str("path", m.path).
			Msg("Rule reload failed, keeping previous rules")
		return
	}
	m.current.Store(rs)
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = ""
	m.stats.ActiveRules = len(rs.Rules)
	m.stats.Source = source
	log.Info().Int("rules", len(rs.Rules)).Msg("Security rules reloaded")
}

func (m *RuleManager) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files and break inode watches.
	if err := w.Add(filepath.Dir(m.path)); err != nil {
		w.Close()
		return err
	}
	m.watcher = w

	m.wg.Add(1)
	go m.watchLoop()
	return nil
}

func (m *RuleManager) watchLoop() {
	defer m.wg.Done()
	base := filepath.Base(m.path)

	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.mu.Lock()
			if m.debounce != nil {
				m.debounce.Stop()
			}
			m.debounce = time.AfterFunc(100*time.Millisecond, m.reload)
			m.mu.Unlock()
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Rule file watcher error")
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the watcher.
func (m *RuleManager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		if m.debounce != nil {
			m.debounce.Stop()
		}
		w := m.watcher
		m.mu.Unlock()
		if w != nil {
			w.Close()
		}
		m.wg.Wait()
	})
}
