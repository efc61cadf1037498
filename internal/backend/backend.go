// Package backend runs services: either as containers through the Docker
// Engine API or as supervised OS processes. Both implementations share one
// contract and report process/log output as events on a channel instead of
// ad-hoc callbacks; the orchestrator drains the channel into the logging
// sink.
package backend

import (
	"context"

	"testenvctl/internal/config"
)

// EventKind classifies a backend event.
type EventKind int

const (
	// EventLog is one line of service output.
	EventLog EventKind = iota
	// EventStarted is published once the backend considers the service
	// started (the backend call returned, not the same as ready).
	EventStarted
	// EventExited is published when a service stops, normally or not.
	EventExited
)

// Event is one occurrence in the life of a running service.
type Event struct {
	Service string // worker-scoped unique name
	Kind    EventKind
	Stream  string // "stdout" or "stderr" for EventLog
	Line    string
	Err     error // non-nil on abnormal exit
}

// StartSpec is everything a backend needs to start one service instance.
type StartSpec struct {
	// UniqueName is the worker-scoped name (<service>-<workerId>) used
	// for the container or for event attribution.
	UniqueName string

	Spec config.ServiceSpec

	// Env is the fully merged environment (parent process environment,
	// connection info, explicit overrides, later entries winning) as
	// KEY=VALUE pairs.
	Env []string
}

// Handle references one started service instance. Handles are only
// meaningful to the backend that produced them.
type Handle interface {
	ID() string
}

// Backend is the uniform service runner contract.
type Backend interface {
	// Start launches the service and blocks until the backend-native
	// wait condition holds (port open, protocol ping). It does not run
	// the higher-level readiness probe.
	Start(ctx context.Context, spec StartSpec) (Handle, error)

	// Stop terminates the service. Implementations escalate from
	// graceful to forceful exactly once and never wait unbounded.
	Stop(ctx context.Context, h Handle) error

	// Host returns the address the service is reachable on.
	Host(h Handle) string

	// MappedPort translates a declared port into the actually bound one.
	MappedPort(ctx context.Context, h Handle, declared int) (int, error)

	// Events returns the backend's event stream. The channel is shared
	// by all services the backend runs and is never closed.
	Events() <-chan Event
}

const eventBufferSize = 256

// publish sends an event without ever blocking the lifecycle path.
func publish(ch chan Event, ev Event) {
	select {
	case ch <- ev:
	default:
	}
}
