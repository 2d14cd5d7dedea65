// Package cloud holds the contract between a build orchestrator and the
// providers that launch short-lived agents for it.
//
// The orchestrator asks a Provisioner for capacity, materializes each
// PlannedAgent into an AgentNode, hands the node to its Launchable and, when
// the node goes away, to its Terminable. Providers reach back into the
// orchestrator only through the Orchestrator and Listener interfaces.
package cloud

import (
	"context"
	"errors"
)

// Provisioner decides how many agents to start for a demand.
type Provisioner interface {
	// Provision returns one planned agent per unit of granted capacity. It
	// never fails: errors are logged and result in nothing being granted.
	Provision(ctx context.Context, label string, excessWorkload int) []PlannedAgent
	CanProvision(label string) bool
}

// Launchable brings a planned agent online.
type Launchable interface {
	// Launch blocks until the agent is connected or the launch failed. On
	// failure the node has already been cleaned up and the original error is
	// returned.
	Launch(ctx context.Context, node *AgentNode, listener Listener) error
}

// Terminable tears an agent down.
type Terminable interface {
	// Terminate never fails: problems are reported through the listener and
	// the returned result.
	Terminate(ctx context.Context, node *AgentNode, listener Listener) TerminationResult
}

// Cloud is implemented by concrete providers.
type Cloud interface {
	Provisioner
	Launchable
	Terminable
	Name() string
}

// Channel is the orchestrator's agent communication channel.
type Channel interface {
	Online(name string) bool
	Disconnect(ctx context.Context, name string, cause string) error
}

// ConnectionInfo tells an agent how to reach the orchestrator.
type ConnectionInfo struct {
	URL    string
	Tunnel string
	Secret string
}

// Orchestrator is what providers need from the orchestrator.
type Orchestrator interface {
	Channel
	// Save persists the node state. Failures are not fatal to the caller.
	Save(node *AgentNode) error
	ConnectionInfo(node *AgentNode) ConnectionInfo
}

// TerminationResult describes how far a termination went.
type TerminationResult struct {
	Node         string
	Disconnected bool
	Deregistered bool
	EvalID       string
	Err          error
}

// OK reports whether the scheduler-side job was removed.
func (r TerminationResult) OK() bool {
	return r.Err == nil && r.Deregistered
}

var ErrNotLaunchable = errors.New("node has no launcher")
