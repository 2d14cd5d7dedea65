package cloud

import (
	"context"
	"sync/atomic"
)

// Computer is the live connection handle of an agent node.
type Computer struct {
	name      string
	channel   Channel
	accepting atomic.Bool
}

func (c *Computer) Name() string {
	return c.name
}

func (c *Computer) IsOnline() bool {
	return c.channel.Online(c.name)
}

func (c *Computer) SetAcceptingTasks(accepting bool) {
	c.accepting.Store(accepting)
}

func (c *Computer) AcceptingTasks() bool {
	return c.accepting.Load()
}

// Disconnect asks the orchestrator to drop the agent connection and waits for
// it until ctx is done.
func (c *Computer) Disconnect(ctx context.Context, cause string) error {
	c.accepting.Store(false)
	return c.channel.Disconnect(ctx, c.name, cause)
}
