package handlers

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/3leaps/slidescan/internal/errors"
)

// Check results.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
	statusDegraded  = "degraded"
)

// checkTimeout bounds each checker.
const checkTimeout = 2 * time.Second

// HealthChecker is a named dependency probe.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthCheckerFunc adapts a function to HealthChecker.
type HealthCheckerFunc func(ctx context.Context) error

// CheckHealth calls f.
func (f HealthCheckerFunc) CheckHealth(ctx context.Context) error {
	return f(ctx)
}

// HealthResponse is the body of a successful health probe.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version string
	started time.Time

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager returns an empty manager.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		started:  time.Now(),
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds or replaces a checker.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// runChecks runs every checker concurrently.
func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	checkers := make([]HealthChecker, len(names))
	sort.Strings(names)
	for i, name := range names {
		checkers[i] = m.checkers[name]
	}
	m.mu.RUnlock()

	results := make(map[string]string, len(names))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i, name := range names {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			status := statusHealthy
			if err := checker.CheckHealth(cctx); err != nil {
				status = statusUnhealthy
				if errors.Is(err, context.DeadlineExceeded) {
					status = statusTimeout
				}
			}
			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name, checkers[i])
	}
	wg.Wait()
	return results
}

func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	overall := statusHealthy
	for _, status := range checks {
		switch status {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout:
			overall = statusDegraded
		}
	}
	return overall
}

func (m *HealthManager) respond(w http.ResponseWriter, r *http.Request, checks map[string]string) {
	status := m.determineOverallStatus(checks)
	if status == statusUnhealthy {
		respondWithError(w, r, apperrors.NewServiceUnavailable("one or more health checks failed").
			WithDetails(map[string]any{"checks": checks}))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Uptime:    time.Since(m.started).Round(time.Second).String(),
		Checks:    checks,
		Timestamp: time.Now().UTC(),
	})
}

// HealthHandler reports the aggregate status of every checker.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// LivenessHandler reports that the process is serving requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    statusHealthy,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
	})
}

// ReadinessHandler reports whether dependencies are usable.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.respond(w, r, m.runChecks(r.Context()))
}

// StartupHandler reports that initialization finished. The manager is
// only installed after the store is loaded, so reaching it means started.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteJSON(w, http.StatusOK, HealthResponse{
		Status:    statusHealthy,
		Version:   m.version,
		Uptime:    time.Since(m.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	})
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) *HealthManager {
	m := NewHealthManager(version)
	globalMu.Lock()
	globalHealthManager = m
	globalMu.Unlock()
	return m
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withManager(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetHealthManager()
		if m == nil {
			respondWithError(w, r, apperrors.NewServiceUnavailable("health manager not initialized"))
			return
		}
		fn(m, w, r)
	}
}

// Process-wide health handlers. They answer 503 until InitHealthManager.
var (
	HealthHandler    = withManager((*HealthManager).HealthHandler)
	LivenessHandler  = withManager((*HealthManager).LivenessHandler)
	ReadinessHandler = withManager((*HealthManager).ReadinessHandler)
	StartupHandler   = withManager((*HealthManager).StartupHandler)
)
