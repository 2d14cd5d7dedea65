package cloud

import (
	"sync"
	"sync/atomic"
	"time"
)

type RetentionKind string

const (
	// RetentionOnce agents take a single build and are then removed.
	RetentionOnce RetentionKind = "once"
	// RetentionIdle agents are removed after being idle for a while.
	RetentionIdle RetentionKind = "idle"
)

// DefaultRetentionTimeout applies to "once" agents that never got any work.
const DefaultRetentionTimeout = 5 * time.Minute

type Retention struct {
	Kind    RetentionKind `json:"kind"`
	Timeout time.Duration `json:"timeout"`
}

// RetentionFor picks the retention strategy of agents launched from t.
func RetentionFor(t *Template, retentionTimeout time.Duration) Retention {
	if t.IdleMinutes == 0 {
		if retentionTimeout <= 0 {
			retentionTimeout = DefaultRetentionTimeout
		}
		return Retention{Kind: RetentionOnce, Timeout: retentionTimeout}
	}
	return Retention{Kind: RetentionIdle, Timeout: time.Duration(t.IdleMinutes) * time.Minute}
}

// PlannedAgent is a grant of capacity that has not been materialized yet.
type PlannedAgent struct {
	Name     string
	Provider string
	Template *Template
	// Label is the demand label the agent was granted for, blank for unlabeled demand.
	Label string

	Launcher   Launchable
	Terminator Terminable
	Retention  Retention
}

// AgentNode is the orchestrator-side object for one worker.
type AgentNode struct {
	Name     string
	Provider string
	Template *Template
	Label    string

	Launcher   Launchable
	Terminator Terminable
	Retention  Retention
	CreatedAt  time.Time

	launched atomic.Bool

	mutex    sync.Mutex
	computer *Computer
}

// NewAgentNode materializes a planned agent.
func NewAgentNode(planned PlannedAgent) *AgentNode {
	return &AgentNode{
		Name:       planned.Name,
		Provider:   planned.Provider,
		Template:   planned.Template,
		Label:      planned.Label,
		Launcher:   planned.Launcher,
		Terminator: planned.Terminator,
		Retention:  planned.Retention,
		CreatedAt:  time.Now(),
	}
}

// NodeLabels returns the labels the orchestrator should advertise for this node.
func (n *AgentNode) NodeLabels() string {
	if n.Template != nil && n.Template.Label != "" {
		return n.Template.Label
	}
	return n.Label
}

func (n *AgentNode) Launched() bool {
	return n.launched.Load()
}

// MarkLaunched flips the launched flag. It returns false if it was already set.
func (n *AgentNode) MarkLaunched() bool {
	return n.launched.CompareAndSwap(false, true)
}

// CreateComputer attaches a connection handle backed by the given channel.
func (n *AgentNode) CreateComputer(channel Channel) *Computer {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.computer = &Computer{name: n.Name, channel: channel}
	return n.computer
}

// Computer returns the connection handle, nil once the node was discarded.
func (n *AgentNode) Computer() *Computer {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	return n.computer
}

// Sever drops the connection handle and returns the previous one.
func (n *AgentNode) Sever() *Computer {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	computer := n.computer
	n.computer = nil
	return computer
}
