package api

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/nomadcloud/orchestrator"
)

// Status is the server state reconstructed from the orchestrator event stream.
type Status struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	StartedAt time.Time `json:"started-at"`
	LogLevel  string    `json:"log-level,omitempty"`

	// Nodes counts nodes by status
	Nodes map[orchestrator.NodeStatus]int `json:"nodes"`
	// Created and Terminated count nodes since the server started
	Created    int `json:"created"`
	Terminated int `json:"terminated"`
	Failed     int `json:"failed"`
}

type statusTracker struct {
	log *slog.Logger

	mutex  sync.RWMutex
	status Status
}

func newStatusTracker(version, commit string, logger *slog.Logger) *statusTracker {
	return &statusTracker{
		log: logger,
		status: Status{
			Version:   version,
			Commit:    commit,
			StartedAt: time.Now(),
		},
	}
}

// listen consumes orchestrator events until the channel is closed.
func (t *statusTracker) listen(c <-chan orchestrator.Event) {
	for event := range c {
		t.mutex.Lock()

		switch event := event.(type) {
		case orchestrator.EventNodeCreated:
			t.status.Created++
			t.log.Debug("Node created", "node", event.Node, "provider", event.Provider, "template", event.Template, "label", event.Label)
		case orchestrator.EventNodeStatusUpdated:
			if event.Status == orchestrator.NodeStatusFailed {
				t.status.Failed++
			}
		case orchestrator.EventNodeTerminated:
			t.status.Terminated++
			t.log.Debug("Node terminated", "node", event.Node, "result", event.Result)
		}

		t.mutex.Unlock()
	}
}

// Status returns the counters along with the current nodes by status.
func (t *statusTracker) Status(nodes []orchestrator.NodeInfo) Status {
	t.mutex.RLock()
	status := t.status
	t.mutex.RUnlock()

	status.Nodes = map[orchestrator.NodeStatus]int{}
	for _, node := range nodes {
		status.Nodes[node.Status]++
	}
	return status
}
