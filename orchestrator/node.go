package orchestrator

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/nomadcloud/cloud"
)

type NodeStatus string

const (
	NodeStatusProvisioning NodeStatus = "provisioning"
	NodeStatusOnline       NodeStatus = "online"
	NodeStatusTerminating  NodeStatus = "terminating"
	NodeStatusFailed       NodeStatus = "failed"
)

type nodeState struct {
	node   *cloud.AgentNode
	status NodeStatus
	secret string

	online bool
	// busy is the number of tasks running on the node
	busy      int
	used      bool
	idleSince time.Time
	failedAt  time.Time

	buildLog *buildLog
	log      *slog.Logger
}

// NodeInfo is a snapshot of a node.
type NodeInfo struct {
	Name      string          `json:"name"`
	Provider  string          `json:"provider"`
	Template  string          `json:"template"`
	Label     string          `json:"label"`
	Status    NodeStatus      `json:"status"`
	Online    bool            `json:"online"`
	Accepting bool            `json:"accepting"`
	Busy      int             `json:"busy"`
	Retention cloud.Retention `json:"retention"`
	CreatedAt time.Time       `json:"created-at"`
	IdleSince *time.Time      `json:"idle-since,omitempty"`
}

func (s *nodeState) info() NodeInfo {
	info := NodeInfo{
		Name:      s.node.Name,
		Provider:  s.node.Provider,
		Label:     s.node.NodeLabels(),
		Status:    s.status,
		Online:    s.online,
		Busy:      s.busy,
		Retention: s.node.Retention,
		CreatedAt: s.node.CreatedAt,
	}
	if s.node.Template != nil {
		info.Template = s.node.Template.Name
	}
	if computer := s.node.Computer(); computer != nil {
		info.Accepting = computer.AcceptingTasks()
	}
	if s.online && s.busy == 0 {
		idleSince := s.idleSince
		info.IdleSince = &idleSince
	}
	return info
}

// reapable reports whether a node should be removed according to its retention.
func (s *nodeState) reapable(now time.Time) bool {
	if s.status != NodeStatusOnline || s.busy > 0 {
		return false
	}

	retention := s.node.Retention
	switch retention.Kind {
	case cloud.RetentionOnce:
		return s.used || now.Sub(s.idleSince) >= retention.Timeout
	case cloud.RetentionIdle:
		return now.Sub(s.idleSince) >= retention.Timeout
	default:
		return false
	}
}

// buildLog keeps the launch and termination log of a node.
type buildLog struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (l *buildLog) Write(p []byte) (int, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.buf.Write(p)
}

func (l *buildLog) String() string {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.buf.String()
}
