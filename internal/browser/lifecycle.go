package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
)

// closeGrace is how long Close waits for a clean browser shutdown before
// abandoning the goroutine.
const closeGrace = 10 * time.Second

// Lifecycle launches, restarts, and tears down browser processes.
// Each launch gets a fresh launcher since launchers are single-use.
type Lifecycle struct {
	cfg *config.Config
}

// NewLifecycle creates a lifecycle manager.
func NewLifecycle(cfg *config.Config) *Lifecycle {
	return &Lifecycle{cfg: cfg}
}

// createLauncher builds a configured launcher with flags tuned for
// long-lived pooled automation in container environments.
func (lc *Lifecycle) createLauncher() *launcher.Launcher {
	l := launcher.New()

	if lc.cfg.BrowserPath != "" {
		l = l.Bin(lc.cfg.BrowserPath)
	}

	if lc.cfg.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	// Container security flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	// First-run and dialogs
	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen")

	l = l.Set("window-size", "1920,1080")

	// Performance and stability for pooled long-lived processes
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote").
		Set("safebrowsing-disable-auto-update")

	// Keep per-process JS heap bounded; the health checker enforces the
	// overall memory budget.
	l = l.Set("js-flags", "--max-old-space-size=256").
		Set("disable-ipc-flooding-protection").
		Set("disable-renderer-backgrounding")

	l = l.Set("disable-gpu-sandbox")
	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}

	// Operator-supplied flags, "name" or "name=value" with optional dashes
	for _, arg := range lc.cfg.LaunchArgs {
		name, value, _ := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if name == "" {
			continue
		}
		if value != "" {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}

	return l
}

// Launch starts a new browser process and returns a fresh instance.
func (lc *Lifecycle) Launch(ctx context.Context) (*Instance, error) {
	inst := &Instance{id: uuid.NewString()}
	if err := lc.launchInto(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// launchInto starts a process and binds it to the given instance slot.
func (lc *Lifecycle) launchInto(ctx context.Context, inst *Instance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log.Debug().Str("instance_id", inst.id).Msg("Launching browser instance")

	l := lc.createLauncher()
	url, err := l.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		l.Kill()
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	now := time.Now()
	inst.mu.Lock()
	inst.browser = b
	inst.pid = l.PID()
	inst.state = StateIdle
	inst.sessionID = ""
	inst.createdAt = now
	inst.lastActivity = now
	inst.useCount = 0
	inst.errorCount = 0
	inst.pageCount = 0
	inst.mu.Unlock()

	log.Info().
		Str("instance_id", inst.id).
		Int("pid", inst.PID()).
		Msg("Browser instance launched")
	return nil
}

// Close tears down an instance's process with a grace period. The close
// runs in a goroutine so a wedged browser cannot block the caller; after
// the grace period the goroutine is abandoned.
func (lc *Lifecycle) Close(inst *Instance) {
	inst.mu.Lock()
	b := inst.browser
	inst.browser = nil
	inst.pid = 0
	inst.state = StateDead
	inst.sessionID = ""
	inst.mu.Unlock()

	if b == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.Close(); err != nil {
			log.Warn().Err(err).Str("instance_id", inst.id).Msg("Error closing browser")
		}
	}()

	select {
	case <-done:
		log.Debug().Str("instance_id", inst.id).Msg("Browser instance closed")
	case <-time.After(closeGrace):
		log.Warn().
			Str("instance_id", inst.id).
			Dur("grace", closeGrace).
			Msg("Browser close timed out, abandoning")
	}
}

// Restart replaces the instance's process in place. The id survives so
// pool slots and metrics stay stable across restarts.
func (lc *Lifecycle) Restart(ctx context.Context, inst *Instance) error {
	inst.mu.Lock()
	if inst.state == StateActive {
		inst.mu.Unlock()
		return fmt.Errorf("instance %s is leased, cannot restart", inst.id)
	}
	inst.state = StateRestarting
	inst.mu.Unlock()

	log.Info().Str("instance_id", inst.id).Msg("Restarting browser instance")
	lc.Close(inst)

	if err := lc.launchInto(ctx, inst); err != nil {
		inst.mu.Lock()
		inst.state = StateDead
		inst.mu.Unlock()
		return err
	}
	return nil
}

// isARM returns true when running on ARM architecture.
func isARM() bool {
	arch := runtime.GOARCH
	return arch == "arm" || arch == "arm64"
}
