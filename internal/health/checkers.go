package health

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/goldfinch-research/orchestrator/internal/circuitbreaker"
)

const slowThreshold = 100 * time.Millisecond

// RedisHealthChecker checks Redis connectivity
type RedisHealthChecker struct {
	wrapper  *circuitbreaker.RedisWrapper
	critical bool
	logger   *zap.Logger
	timeout  time.Duration
}

// NewRedisHealthChecker creates a Redis health checker. Redis carries the
// cancel relay and event mirror, so it is critical only when those are required.
func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, critical bool, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{
		wrapper:  wrapper,
		critical: critical,
		logger:   logger,
		timeout:  5 * time.Second,
	}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return r.critical }
func (r *RedisHealthChecker) Timeout() time.Duration { return r.timeout }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "redis", Critical: r.critical, Timestamp: startTime}

	if r.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Redis circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := r.wrapper.Ping(ctx)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Redis ping failed"
		return result
	}

	if result.Duration > slowThreshold {
		result.Status = StatusDegraded
		result.Message = "Redis responding but with high latency"
	} else {
		result.Status = StatusHealthy
		result.Message = "Redis healthy"
	}
	result.Details = map[string]interface{}{"latency_ms": result.Duration.Milliseconds()}
	return result
}

// DatabaseHealthChecker checks the research store
type DatabaseHealthChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
	timeout time.Duration
}

// NewDatabaseHealthChecker creates a database health checker
func NewDatabaseHealthChecker(wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{wrapper: wrapper, logger: logger, timeout: 5 * time.Second}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return d.timeout }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	startTime := time.Now()
	result := CheckResult{Component: "database", Critical: true, Timestamp: startTime}

	if d.wrapper.IsCircuitBreakerOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "Database circuit breaker is open"
		result.Duration = time.Since(startTime)
		return result
	}

	err := d.wrapper.PingContext(ctx)
	result.Duration = time.Since(startTime)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "Database ping failed"
		return result
	}

	stats := d.wrapper.Stats()
	switch {
	case stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections:
		result.Status = StatusDegraded
		result.Message = "Database connection pool exhausted"
	case result.Duration > slowThreshold:
		result.Status = StatusDegraded
		result.Message = "Database responding but with high latency"
	default:
		result.Status = StatusHealthy
		result.Message = "Database healthy"
	}

	result.Details = map[string]interface{}{
		"driver":               d.wrapper.DriverName(),
		"latency_ms":           result.Duration.Milliseconds(),
		"open_connections":     stats.OpenConnections,
		"max_open_connections": stats.MaxOpenConnections,
		"in_use_connections":   stats.InUse,
	}
	return result
}

// BreakerHealthChecker reports open circuit breakers. An open breaker
// around a provider degrades research quality but does not stop the service.
type BreakerHealthChecker struct {
	collector *circuitbreaker.MetricsCollector
}

// NewBreakerHealthChecker watches every breaker registered with collector.
func NewBreakerHealthChecker(collector *circuitbreaker.MetricsCollector) *BreakerHealthChecker {
	return &BreakerHealthChecker{collector: collector}
}

func (b *BreakerHealthChecker) Name() string           { return "circuit_breakers" }
func (b *BreakerHealthChecker) IsCritical() bool       { return false }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(ctx context.Context) CheckResult {
	open := b.collector.OpenBreakers()
	sort.Strings(open)
	result := CheckResult{Component: "circuit_breakers", Timestamp: time.Now()}
	if len(open) == 0 {
		result.Status = StatusHealthy
		result.Message = "All circuit breakers closed"
		return result
	}
	result.Status = StatusDegraded
	result.Message = "Circuit breakers open"
	result.Details = map[string]interface{}{"open": open}
	return result
}

// CustomHealthChecker allows for custom health check logic
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

// NewCustomHealthChecker creates a custom health checker
func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
