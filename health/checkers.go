package health

import (
	"context"
	"time"
)

// Prober is the part of rabbitmq.Connection the connection check needs.
type Prober interface {
	IsConnected() bool
	Probe(ctx context.Context) error
}

// ConnectionChecker checks that the broker connection is up and answers a
// passive declare.
type ConnectionChecker struct {
	conn Prober
}

// NewConnectionChecker creates a checker for conn.
func NewConnectionChecker(conn Prober) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	if !c.conn.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
		result.Duration = time.Since(start)
		return result
	}

	if err := c.conn.Probe(ctx); err != nil {
		// connected but the broker is not answering
		result.Status = StatusDegraded
		result.Message = "broker not answering"
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "connection is healthy"
	}

	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// Readier is implemented by every messaging role.
type Readier interface {
	Ready() bool
}

// RoleChecker reports whether a role currently holds an open channel.
type RoleChecker struct {
	name string
	role Readier
}

// NewRoleChecker creates a checker named name for role.
func NewRoleChecker(name string, role Readier) *RoleChecker {
	return &RoleChecker{name: name, role: role}
}

func (c *RoleChecker) Name() string {
	return c.name
}

func (c *RoleChecker) Check(context.Context) CheckResult {
	result := CheckResult{
		Name:      c.name,
		Timestamp: time.Now(),
		Status:    StatusHealthy,
		Message:   "channel open",
	}
	if !c.role.Ready() {
		result.Status = StatusUnhealthy
		result.Message = "channel not open"
	}
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.name,
		Status:    status,
		Message:   message,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
