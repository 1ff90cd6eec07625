package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// AdmissionConfig bounds how fast one thread may submit jobs.
type AdmissionConfig struct {
	// RatePerSecond is the sustained submit rate per thread. Zero
	// disables rate limiting.
	RatePerSecond float64

	// Burst is the token-bucket burst size. Defaults to 1 when
	// RatePerSecond is set and Burst is zero.
	Burst int

	// MaxThreads caps how many per-thread limiters are retained.
	// Oldest-touched limiters are evicted past this bound. Zero means
	// a default of 1024.
	MaxThreads int
}

// threadState tracks the limiter for a single thread.
type threadState struct {
	limiter *rate.Limiter
	touched int64
}

// Manager rate-limits job submission per thread with a token-bucket
// limiter. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	cfg     AdmissionConfig
	threads map[string]*threadState
	ticks   int64
}

// NewManager creates an admission manager.
func NewManager(cfg AdmissionConfig) *Manager {
	if cfg.RatePerSecond > 0 && cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxThreads <= 0 {
		cfg.MaxThreads = 1024
	}
	return &Manager{
		cfg:     cfg,
		threads: make(map[string]*threadState),
	}
}

// Allow reports whether a submit from the given thread may proceed.
// Threads without a limiter (rate limiting disabled) are always
// allowed, as are submits with no thread id.
func (m *Manager) Allow(threadID string) bool {
	if m.cfg.RatePerSecond <= 0 || threadID == "" {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ticks++
	ts := m.threads[threadID]
	if ts == nil {
		m.evictLocked()
		ts = &threadState{
			limiter: rate.NewLimiter(rate.Limit(m.cfg.RatePerSecond), m.cfg.Burst),
		}
		m.threads[threadID] = ts
	}
	ts.touched = m.ticks

	return ts.limiter.Allow()
}

// evictLocked drops the least recently touched limiter once the table
// is full. Caller holds m.mu.
func (m *Manager) evictLocked() {
	if len(m.threads) < m.cfg.MaxThreads {
		return
	}
	var (
		oldestKey  string
		oldestTick int64
	)
	for key, ts := range m.threads {
		if oldestKey == "" || ts.touched < oldestTick {
			oldestKey = key
			oldestTick = ts.touched
		}
	}
	if oldestKey != "" {
		delete(m.threads, oldestKey)
	}
}
