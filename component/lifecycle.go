// Package component defines the lifecycle contract shared by the
// concentrator's long-running units: receivers, the simulator and the
// supervisor itself.
package component

import (
	"context"
	"time"
)

// State represents the current lifecycle state of a component
type State int

const (
	// StateCreated indicates the component was created but not initialized
	StateCreated State = iota
	// StateInitialized indicates the component was initialized but not started
	StateInitialized
	// StateStarted indicates the component is running
	StateStarted
	// StateStopped indicates the component was stopped deliberately
	StateStopped
	// StateFaulted indicates the component failed and needs intervention
	StateFaulted
)

// String returns a string representation of the component state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Component is the minimal surface every managed unit exposes.
type Component interface {
	Meta() Metadata
	Health() HealthStatus
}

// Lifecycle defines components that support full lifecycle management:
//   - Initialize() error                  // setup only, no context
//   - Start(ctx context.Context) error    // begin work, ctx for cancellation
//   - Stop(timeout time.Duration) error   // graceful shutdown with deadline
//
// Start must not block beyond setup: long-running work happens in
// goroutines owned by the component. Stop must unblock any pending network
// reads promptly, not wait for the next frame boundary.
type Lifecycle interface {
	Component
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

// Metadata describes a component instance.
type Metadata struct {
	Name        string
	Type        string // "receiver", "simulator", "supervisor", "sink"
	Description string
	Version     string
}

// HealthStatus is the point-in-time health of a component.
type HealthStatus struct {
	Healthy    bool
	LastCheck  time.Time
	ErrorCount int
	LastError  string
	Uptime     time.Duration
}

// FlowMetrics summarizes a component's data throughput.
type FlowMetrics struct {
	MessagesPerSecond float64
	BytesPerSecond    float64
	ErrorRate         float64
	LastActivity      time.Time
}
