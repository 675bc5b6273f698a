package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/metrics"
	"github.com/williamzujkowski/puppeteer-mcp-sub007/internal/types"
)

// HealthState aggregates the monitor's view of the store.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// probeWindow bounds the rolling sample used for latency percentiles and
// error rate.
const probeWindow = 120

// minOpsForErrorRate is the sample floor below which the error rate alert
// never fires, so one failed probe at startup cannot trip it.
const minOpsForErrorRate = 10

// MonitorConfig tunes the store health monitor.
type MonitorConfig struct {
	Interval        time.Duration
	ProbeTimeout    time.Duration
	MaxLatency      time.Duration
	MaxErrorRate    float64
	MaxFallbackTime time.Duration
	MinAvailability float64
}

// DefaultMonitorConfig returns the standard monitor tuning.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:        30 * time.Second,
		ProbeTimeout:    5 * time.Second,
		MaxLatency:      500 * time.Millisecond,
		MaxErrorRate:    0.05,
		MaxFallbackTime: 10 * time.Minute,
		MinAvailability: 0.99,
	}
}

// Alert is one threshold violation the monitor observed.
type Alert struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Since   time.Time `json:"since"`
}

// HealthReport is the monitor's externally visible status.
type HealthReport struct {
	State        HealthState   `json:"state"`
	Backend      string        `json:"backend"`
	Fallback     bool          `json:"fallback"`
	FallbackFor  time.Duration `json:"fallbackFor,omitempty"`
	Probes       int           `json:"probes"`
	Failures     int           `json:"failures"`
	ErrorRate    float64       `json:"errorRate"`
	Availability float64       `json:"availability"`
	LatencyP50   time.Duration `json:"latencyP50"`
	LatencyP95   time.Duration `json:"latencyP95"`
	LatencyP99   time.Duration `json:"latencyP99"`
	Alerts       []Alert       `json:"alerts,omitempty"`
	LastProbe    time.Time     `json:"lastProbe"`
}

// probeSample is one synthetic round-trip result.
type probeSample struct {
	at      time.Time
	latency time.Duration
	ok      bool
}

// Monitor runs synthetic create/get/delete probes against the store and
// derives a health state from rolling latency and error metrics. The
// circuit breaker opens after consecutive probe failures so callers can
// short-circuit to the fallback backend instead of waiting out timeouts.
type Monitor struct {
	store   Store
	cfg     MonitorConfig
	breaker *gobreaker.CircuitBreaker
	onOpen  func()

	mu            sync.RWMutex
	samples       []probeSample
	totalProbes   int
	totalFailures int
	fallbackSince time.Time
	lastProbe     time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor over the given store. Start begins probing.
func NewMonitor(store Store, cfg MonitorConfig) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	m := &Monitor{
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "session-store",
		Timeout: cfg.Interval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// Client mistakes must not count against the backend; only
		// infrastructure failures trip the breaker.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch types.KindOf(err) {
			case types.KindBackend, types.KindTimeout, types.KindUnavailable, types.KindInternal:
				return false
			}
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Store circuit breaker state changed")
			if to == gobreaker.StateOpen && m.onOpen != nil {
				// The breaker fires this inside the failing call; the
				// handler may stop this monitor, so it runs detached.
				go m.onOpen()
			}
		},
	})
	return m
}

// Start launches the probe loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.loop()
	}()
	log.Info().
		Dur("interval", m.cfg.Interval).
		Str("backend", m.store.Type()).
		Msg("Store monitor started")
}

// Stop halts probing and waits for the loop to exit.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Breaker exposes the circuit breaker so store call sites can route reads
// and writes through it. Guard builds such a call site.
func (m *Monitor) Breaker() *gobreaker.CircuitBreaker {
	return m.breaker
}

// OnBreakerOpen registers a handler invoked when the breaker opens. The
// factory uses it to cut over to the fallback backend. Must be set before
// Start.
func (m *Monitor) OnBreakerOpen(fn func()) {
	m.onOpen = fn
}

// SetFallback records whether the service is currently running on the
// fallback backend. The factory calls this on backend switches.
func (m *Monitor) SetFallback(active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if active && m.fallbackSince.IsZero() {
		m.fallbackSince = time.Now()
		metrics.StoreFallback.Set(1)
	} else if !active {
		m.fallbackSince = time.Time{}
		metrics.StoreFallback.Set(0)
	}
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.probe()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// probe runs one synthetic create/get/delete round trip through the breaker
// and records the sample.
func (m *Monitor) probe() {
	start := time.Now()
	_, err := m.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
		defer cancel()
		return nil, m.roundTrip(ctx)
	})
	m.record(time.Since(start), err == nil)

	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	metrics.StoreProbesTotal.WithLabelValues(outcome).Inc()

	if err != nil {
		log.Warn().Err(err).Str("backend", m.store.Type()).Msg("Store health probe failed")
	}
}

// roundTrip exercises the full mutation path with a short-lived record.
func (m *Monitor) roundTrip(ctx context.Context) error {
	id, err := m.store.Create(ctx, CreateData{
		UserID:    "health-probe",
		Username:  "health-probe",
		ExpiresAt: time.Now().Add(time.Minute),
		Metadata:  map[string]interface{}{"probe": true},
	})
	if err != nil {
		return err
	}
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s == nil {
		return types.NewError(types.KindBackend, "probe_readback_missing", "probe session vanished before read-back")
	}
	_, err = m.store.Delete(ctx, id)
	return err
}

func (m *Monitor) record(latency time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, probeSample{at: time.Now(), latency: latency, ok: ok})
	if len(m.samples) > probeWindow {
		m.samples = m.samples[len(m.samples)-probeWindow:]
	}
	m.totalProbes++
	if !ok {
		m.totalFailures++
	}
	m.lastProbe = time.Now()
}

// Report computes the current health state and active alerts.
func (m *Monitor) Report() HealthReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rep := HealthReport{
		State:     HealthHealthy,
		Backend:   m.store.Type(),
		Probes:    m.totalProbes,
		Failures:  m.totalFailures,
		LastProbe: m.lastProbe,
	}

	var failed int
	latencies := make([]time.Duration, 0, len(m.samples))
	for _, s := range m.samples {
		if !s.ok {
			failed++
			continue
		}
		latencies = append(latencies, s.latency)
	}
	if n := len(m.samples); n > 0 {
		rep.ErrorRate = float64(failed) / float64(n)
		rep.Availability = 1 - rep.ErrorRate
	} else {
		rep.Availability = 1
	}
	rep.LatencyP50 = percentile(latencies, 0.50)
	rep.LatencyP95 = percentile(latencies, 0.95)
	rep.LatencyP99 = percentile(latencies, 0.99)

	now := time.Now()
	if !m.fallbackSince.IsZero() {
		rep.Fallback = true
		rep.FallbackFor = now.Sub(m.fallbackSince)
	}

	if rep.LatencyP95 > m.cfg.MaxLatency && len(latencies) > 0 {
		rep.Alerts = append(rep.Alerts, Alert{
			Code:    "store_latency_high",
			Message: "p95 probe latency exceeds threshold",
			Since:   m.lastProbe,
		})
	}
	if len(m.samples) >= minOpsForErrorRate && rep.ErrorRate > m.cfg.MaxErrorRate {
		rep.Alerts = append(rep.Alerts, Alert{
			Code:    "store_error_rate_high",
			Message: "probe error rate exceeds threshold",
			Since:   m.lastProbe,
		})
	}
	if rep.Fallback && rep.FallbackFor > m.cfg.MaxFallbackTime {
		rep.Alerts = append(rep.Alerts, Alert{
			Code:    "store_fallback_prolonged",
			Message: "running on fallback backend past the allowed window",
			Since:   m.fallbackSince,
		})
	}
	if rep.Availability < m.cfg.MinAvailability && len(m.samples) >= minOpsForErrorRate {
		rep.Alerts = append(rep.Alerts, Alert{
			Code:    "store_availability_low",
			Message: "probe availability below threshold",
			Since:   m.lastProbe,
		})
	}

	switch {
	case m.breaker.State() == gobreaker.StateOpen:
		rep.State = HealthUnhealthy
	case len(rep.Alerts) > 1:
		rep.State = HealthUnhealthy
	case len(rep.Alerts) == 1 || rep.Fallback:
		rep.State = HealthDegraded
	}
	return rep
}

// percentile returns the p-th latency from a sample set. Zero for empty.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
