package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow when the breaker rejects an attempt
// without touching the network.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a per-host circuit breaker.
type CircuitState string

const (
	// StateClosed indicates attempts pass through.
	StateClosed CircuitState = "closed"
	// StateOpen indicates attempts fail fast until the cooldown elapses.
	StateOpen CircuitState = "open"
	// StateHalfOpen indicates a single probe is testing recovery.
	StateHalfOpen CircuitState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before admitting a probe.
	Cooldown time.Duration
	// Window controls the look-back duration for rolling failure-rate analysis.
	Window time.Duration
	// BucketCount is the number of time buckets approximating the window.
	BucketCount int
	// FailureRateThreshold is the percentage (0-100) of failures within the
	// rolling window that opens the circuit. Values <=0 disable rate-based
	// evaluation and only the consecutive threshold applies.
	FailureRateThreshold float64
	// MinSamples is the minimum number of calls in the window before the
	// failure rate is evaluated.
	MinSamples int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:     5,
		Cooldown:             30 * time.Second,
		Window:               30 * time.Second,
		BucketCount:          10,
		FailureRateThreshold: 0,
		MinSamples:           5,
	}
}

// CircuitBreaker guards one destination host. At most one half-open probe is
// admitted at a time; concurrent arrivals while the probe is outstanding are
// rejected as if the circuit were open.
type CircuitBreaker struct {
	mu     sync.Mutex
	state  CircuitState
	config CircuitBreakerConfig
	now    func() time.Time

	buckets            []bucketMetrics
	bucketDuration     time.Duration
	currentBucketIdx   int
	currentBucketStart time.Time

	consecutiveFailures int
	probeInFlight       bool
	openUntil           time.Time
	lastStateChange     time.Time
}

type bucketMetrics struct {
	start    time.Time
	requests int
	failures int
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(config, time.Now)
}

func newCircuitBreaker(config CircuitBreakerConfig, now func() time.Time) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if config.Window <= 0 {
		config.Window = 30 * time.Second
	}
	if config.BucketCount <= 0 {
		config.BucketCount = 10
	}
	if config.MinSamples <= 0 {
		config.MinSamples = config.FailureThreshold
	}

	bucketDuration := config.Window / time.Duration(config.BucketCount)
	if bucketDuration <= 0 {
		bucketDuration = time.Second
	}

	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		now:             now,
		buckets:         make([]bucketMetrics, config.BucketCount),
		bucketDuration:  bucketDuration,
		lastStateChange: now(),
	}
}

// Allow reports whether an attempt may proceed. In half-open state the first
// caller is admitted as the probe and later callers receive ErrCircuitOpen
// until the probe outcome is recorded.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if now.After(cb.openUntil) || now.Equal(cb.openUntil) {
			cb.transitionToLocked(StateHalfOpen, now)
			cb.probeInFlight = true
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if !cb.probeInFlight {
			cb.probeInFlight = true
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// Record registers the outcome of an attempt previously admitted by Allow.
// A half-open probe failure re-opens the circuit; a probe timeout counts as
// failure.
func (cb *CircuitBreaker) Record(failure bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.rotateBucketsLocked(now)

	bucket := &cb.buckets[cb.currentBucketIdx]
	bucket.requests++
	if failure {
		bucket.failures++
		cb.consecutiveFailures++
	} else {
		cb.consecutiveFailures = 0
	}

	switch cb.state {
	case StateHalfOpen:
		cb.probeInFlight = false
		if failure {
			cb.transitionToLocked(StateOpen, now)
			return
		}
		cb.transitionToLocked(StateClosed, now)
	case StateClosed:
		if failure && cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionToLocked(StateOpen, now)
			return
		}
		cb.evaluateWindowLocked(now)
	}
}

func (cb *CircuitBreaker) evaluateWindowLocked(now time.Time) {
	if cb.config.FailureRateThreshold <= 0 {
		return
	}

	requests, failures := cb.aggregateWindowLocked(now)
	if requests == 0 || requests < cb.config.MinSamples {
		return
	}

	rate := (float64(failures) / float64(requests)) * 100
	if rate >= cb.config.FailureRateThreshold {
		cb.transitionToLocked(StateOpen, now)
	}
}

func (cb *CircuitBreaker) aggregateWindowLocked(now time.Time) (requests, failures int) {
	for _, bucket := range cb.buckets {
		if bucket.requests == 0 || bucket.start.IsZero() {
			continue
		}
		if now.Sub(bucket.start) > cb.config.Window {
			continue
		}
		requests += bucket.requests
		failures += bucket.failures
	}
	return
}

func (cb *CircuitBreaker) rotateBucketsLocked(now time.Time) {
	if cb.currentBucketStart.IsZero() {
		cb.currentBucketStart = now.Truncate(cb.bucketDuration)
		cb.buckets[cb.currentBucketIdx].start = cb.currentBucketStart
		return
	}
	if now.Before(cb.currentBucketStart) {
		return
	}

	elapsed := now.Sub(cb.currentBucketStart)
	if elapsed < cb.bucketDuration {
		return
	}

	steps := int(elapsed / cb.bucketDuration)
	// A gap longer than the window rotates every bucket, dropping stale data.
	if steps > len(cb.buckets) {
		steps = len(cb.buckets)
	}
	for i := 0; i < steps; i++ {
		cb.currentBucketIdx = (cb.currentBucketIdx + 1) % len(cb.buckets)
		cb.currentBucketStart = cb.currentBucketStart.Add(cb.bucketDuration)
		cb.buckets[cb.currentBucketIdx] = bucketMetrics{start: cb.currentBucketStart}
	}
}

func (cb *CircuitBreaker) resetBucketsLocked(now time.Time) {
	for i := range cb.buckets {
		cb.buckets[i] = bucketMetrics{}
	}
	cb.currentBucketIdx = 0
	cb.currentBucketStart = now.Truncate(cb.bucketDuration)
	cb.buckets[0].start = cb.currentBucketStart
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitState, now time.Time) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = now
	cb.consecutiveFailures = 0
	cb.probeInFlight = false

	switch newState {
	case StateOpen:
		cb.openUntil = now.Add(cb.config.Cooldown)
		cb.resetBucketsLocked(now)
	case StateHalfOpen:
		cb.openUntil = time.Time{}
		cb.resetBucketsLocked(now)
	case StateClosed:
		cb.openUntil = time.Time{}
	}
}

// Abandon releases an admitted attempt whose outcome will never be recorded
// (the request was cancelled). A held half-open probe slot is freed so the
// next arrival can probe; nothing is counted in either direction.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats exposes circuit breaker status for the admin surface.
type CircuitBreakerStats struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	LastStateChange     string `json:"lastStateChange"`
}

// Stats returns a snapshot of the breaker state.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:               string(cb.state),
		ConsecutiveFailures: cb.consecutiveFailures,
		LastStateChange:     cb.lastStateChange.Format(time.RFC3339),
	}
}

// BreakerManager owns one circuit breaker per destination host. Each entry
// carries its own lock so traffic to one host never contends with another.
type BreakerManager struct {
	mu       sync.RWMutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	now      func() time.Time
}

// NewBreakerManager creates a manager applying config to every new host entry.
func NewBreakerManager(config CircuitBreakerConfig) *BreakerManager {
	return &BreakerManager{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
		now:      time.Now,
	}
}

// Get retrieves the circuit breaker for a host, creating one if needed.
func (m *BreakerManager) Get(host string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[host]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[host]; ok {
		return cb
	}
	cb = newCircuitBreaker(m.config, m.now)
	m.breakers[host] = cb
	return cb
}

// Configure replaces the config applied to hosts seen after this call.
// Existing breakers keep their state; resilience settings are not retroactive.
func (m *BreakerManager) Configure(config CircuitBreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = config
}

// Stats returns per-host breaker snapshots.
func (m *BreakerManager) Stats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for host, cb := range m.breakers {
		stats[host] = cb.Stats()
	}
	return stats
}
