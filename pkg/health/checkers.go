package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nimburion/leasequeue/pkg/queue"
)

// DefaultTimeout bounds a single check when none is given.
const DefaultTimeout = 5 * time.Second

// Checkable is implemented by record stores, lock providers, event buses and the worker.
type Checkable interface {
	HealthCheck(ctx context.Context) error
}

// AdapterChecker turns a Checkable into a Checker.
type AdapterChecker struct {
	name      string
	adapter   Checkable
	timeout   time.Duration
	onFailure Status
}

// NewAdapterChecker reports failures of adapter as unhealthy.
func NewAdapterChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &AdapterChecker{name: name, adapter: adapter, timeout: timeout, onFailure: StatusUnhealthy}
}

// NewDegradingChecker reports failures of adapter as degraded, for
// components whose failure slows the service without stopping it.
func NewDegradingChecker(name string, adapter Checkable, timeout time.Duration) *AdapterChecker {
	c := NewAdapterChecker(name, adapter, timeout)
	c.onFailure = StatusDegraded
	return c
}

// Check performs the health check on the adapter
func (c *AdapterChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.adapter.HealthCheck(checkCtx)
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = c.onFailure
		result.Message = ""
		result.Error = err.Error()
	}
	return result
}

// Name returns the name of the health check
func (c *AdapterChecker) Name() string {
	return c.name
}

// CompositeChecker reports the worst status among its sub-checks.
type CompositeChecker struct {
	name     string
	checkers []Checker
}

// NewCompositeChecker creates a new composite checker
func NewCompositeChecker(name string, checkers ...Checker) *CompositeChecker {
	return &CompositeChecker{name: name, checkers: checkers}
}

// Check runs all sub-checks sequentially and aggregates the results
func (c *CompositeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status := StatusHealthy
	var failures []string
	metadata := map[string]any{}

	for _, checker := range c.checkers {
		result := checker.Check(ctx)
		metadata[result.Name] = string(result.Status)
		status = worse(status, result.Status)
		if result.Error != "" {
			failures = append(failures, fmt.Sprintf("%s: %s", result.Name, result.Error))
		}
	}

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Metadata:  metadata,
	}
	if len(failures) > 0 {
		result.Error = strings.Join(failures, "; ")
	} else {
		result.Message = fmt.Sprintf("%d sub-checks passed", len(c.checkers))
	}
	return result
}

// Name returns the name of the health check
func (c *CompositeChecker) Name() string {
	return c.name
}

// CustomChecker builds a check from a function returning (status, message, error).
type CustomChecker struct {
	name      string
	checkFunc func(ctx context.Context) (Status, string, error)
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFunc func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{name: name, checkFunc: checkFunc}
}

// Check executes the custom check function
func (c *CustomChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checkFunc(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// Name returns the name of the health check
func (c *CustomChecker) Name() string {
	return c.name
}

// NewStoreChecker checks every store partition under one "record-stores"
// check. An unreachable partition makes the process unready: its tenants'
// operations would all fail with StoreUnavailable.
func NewStoreChecker(handles []queue.StoreHandle, timeout time.Duration) *CompositeChecker {
	checkers := make([]Checker, 0, len(handles))
	for _, handle := range handles {
		checkers = append(checkers, NewAdapterChecker("store:"+handle.Name, handle.Store, timeout))
	}
	return NewCompositeChecker("record-stores", checkers...)
}
