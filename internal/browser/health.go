package browser

import (
	"context"
	"syscall"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/config"
)

// HealthResult is the outcome of one instance health check. Checks are
// ordered cheapest first; the first failure short-circuits the rest.
type HealthResult struct {
	Healthy    bool          `json:"healthy"`
	Reason     string        `json:"reason,omitempty"`
	Responsive bool          `json:"responsive"`
	Latency    time.Duration `json:"latency"`
	HeapMB     float64       `json:"heapMb"`
	PageCount  int           `json:"pageCount"`
	CheckedAt  time.Time     `json:"checkedAt"`
}

// HealthChecker verifies pooled instances and optionally restarts the ones
// that fail.
type HealthChecker struct {
	cfg       *config.Config
	lifecycle *Lifecycle
}

// NewHealthChecker creates a health checker.
func NewHealthChecker(cfg *config.Config, lifecycle *Lifecycle) *HealthChecker {
	return &HealthChecker{cfg: cfg, lifecycle: lifecycle}
}

// Check runs the check ladder against one instance:
// connection, process, responsiveness, heap size, page count.
func (h *HealthChecker) Check(ctx context.Context, inst *Instance) HealthResult {
	res := HealthResult{CheckedAt: time.Now()}

	b := inst.Browser()
	if b == nil {
		res.Reason = "not connected"
		return res
	}

	if pid := inst.PID(); pid > 0 && !processAlive(pid) {
		res.Reason = "process gone"
		return res
	}

	// Responsiveness: a trivial eval on a throwaway page under the
	// response timeout. A wedged renderer fails here.
	evalCtx, cancel := context.WithTimeout(ctx, h.cfg.ResponseTimeout)
	defer cancel()

	start := time.Now()
	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		res.Reason = "cannot create page"
		return res
	}
	defer func() { _ = page.Close() }()

	v, err := page.Context(evalCtx).Eval(`() => 1 + 1`)
	res.Latency = time.Since(start)
	if err != nil || v.Value.Int() != 2 {
		res.Reason = "unresponsive"
		return res
	}
	res.Responsive = true

	// Heap budget, best effort: not every build exposes performance.memory.
	if heap, err := page.Context(evalCtx).Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`); err == nil {
		res.HeapMB = float64(heap.Value.Int()) / 1024 / 1024
		if h.cfg.MaxMemoryMB > 0 && res.HeapMB > float64(h.cfg.MaxMemoryMB) {
			res.Reason = "heap over budget"
			return res
		}
	}

	pages, err := b.Pages()
	if err != nil {
		res.Reason = "cannot list pages"
		return res
	}
	// Exclude the probe page itself.
	res.PageCount = len(pages) - 1
	if res.PageCount < 0 {
		res.PageCount = 0
	}
	inst.SetPageCount(res.PageCount)
	if h.cfg.MaxPageCount > 0 && res.PageCount > h.cfg.MaxPageCount {
		res.Reason = "too many pages"
		return res
	}

	res.Healthy = true
	return res
}

// CheckAndRecover checks an instance and restarts it on failure when auto
// recovery is enabled. Leased instances are never restarted out from under
// their session; they are left for the maintenance loop to drain.
func (h *HealthChecker) CheckAndRecover(ctx context.Context, inst *Instance) HealthResult {
	res := h.Check(ctx, inst)
	if res.Healthy {
		return res
	}

	log.Warn().
		Str("instance_id", inst.ID()).
		Str("reason", res.Reason).
		Msg("Browser instance unhealthy")

	if !h.cfg.EnableAutoRecovery {
		return res
	}
	if inst.State() == StateActive {
		log.Debug().Str("instance_id", inst.ID()).Msg("Instance leased, deferring recovery")
		return res
	}

	if err := h.lifecycle.Restart(ctx, inst); err != nil {
		log.Error().Err(err).Str("instance_id", inst.ID()).Msg("Instance recovery failed")
	} else {
		log.Info().Str("instance_id", inst.ID()).Msg("Instance recovered via restart")
	}
	return res
}

// processAlive reports whether a pid still refers to a live process.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
