package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gammadia/nomadcloud/cloud"
	"github.com/gammadia/nomadcloud/nomad/nomadtest"
	"github.com/gammadia/nomadcloud/provisioner/nomad"
	"github.com/gammadia/nomadcloud/store"
)

// fakeCloud launches agents that connect back to the orchestrator right away.
type fakeCloud struct {
	orchestrator *Orchestrator
	template     *cloud.Template

	mutex      sync.Mutex
	launchErr  error
	planned    int
	terminated []string
}

func (c *fakeCloud) Name() string {
	return "fake"
}

func (c *fakeCloud) CanProvision(string) bool {
	return true
}

func (c *fakeCloud) Provision(_ context.Context, label string, excessWorkload int) []cloud.PlannedAgent {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var agents []cloud.PlannedAgent
	for i := 0; i < excessWorkload; i++ {
		c.planned++
		agents = append(agents, cloud.PlannedAgent{
			Name:       fmt.Sprintf("agent-%d", c.planned),
			Provider:   c.Name(),
			Template:   c.template,
			Label:      label,
			Launcher:   c,
			Terminator: c,
			Retention:  cloud.RetentionFor(c.template, time.Hour),
		})
	}
	return agents
}

func (c *fakeCloud) Launch(_ context.Context, node *cloud.AgentNode, listener cloud.Listener) error {
	c.mutex.Lock()
	err := c.launchErr
	c.mutex.Unlock()
	if err != nil {
		listener.Errorf("launch failed: %v", err)
		return err
	}

	if err := c.orchestrator.Connect(node.Name, c.orchestrator.ConnectionInfo(node).Secret); err != nil {
		return err
	}
	node.MarkLaunched()
	node.Computer().SetAcceptingTasks(true)
	listener.Printf("Agent %s is connected", node.Name)
	return c.orchestrator.Save(node)
}

func (c *fakeCloud) Terminate(ctx context.Context, node *cloud.AgentNode, listener cloud.Listener) cloud.TerminationResult {
	result := cloud.TerminationResult{Node: node.Name, Deregistered: true}
	if computer := node.Sever(); computer != nil {
		result.Disconnected = computer.Disconnect(ctx, "terminated") == nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.terminated = append(c.terminated, node.Name)
	listener.Printf("Terminated agent %s", node.Name)
	return result
}

func (c *fakeCloud) Terminated() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return append([]string(nil), c.terminated...)
}

func newOrchestrator(t *testing.T, config Config, template cloud.Template) (*Orchestrator, *fakeCloud) {
	t.Helper()

	o := New(config)
	t.Cleanup(func() {
		o.Shutdown()
		o.Wait()
	})
	return o, &fakeCloud{orchestrator: o, template: &template}
}

func requireStatus(t *testing.T, o *Orchestrator, name string, status NodeStatus) {
	t.Helper()

	require.Eventually(t, func() bool {
		info, ok := o.Node(name)
		return ok && info.Status == status
	}, 2*time.Second, time.Millisecond)
}

func TestDemand(t *testing.T) {
	o, c := newOrchestrator(t, Config{URL: "https://ci.example.com/"}, cloud.Template{Name: "linux"})

	names, err := o.Demand(context.Background(), c, "linux", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"agent-1", "agent-2"}, names)

	for _, name := range names {
		requireStatus(t, o, name, NodeStatusOnline)
	}

	info, ok := o.Node("agent-1")
	require.True(t, ok)
	assert.Equal(t, "fake", info.Provider)
	assert.Equal(t, "linux", info.Template)
	assert.Equal(t, "linux", info.Label)
	assert.True(t, info.Online)
	assert.True(t, info.Accepting)
	assert.NotNil(t, info.IdleSince)
	assert.Equal(t, cloud.RetentionOnce, info.Retention.Kind)

	log, ok := o.Log("agent-1")
	require.True(t, ok)
	assert.Equal(t, "Agent agent-1 is connected\n", log)

	assert.Len(t, o.Nodes(), 2)
}

func TestDemand_LaunchFailure(t *testing.T) {
	o, c := newOrchestrator(t, Config{}, cloud.Template{Name: "linux"})
	c.launchErr = errors.New("boom")

	names, err := o.Demand(context.Background(), c, "", 1)
	require.NoError(t, err)
	require.Len(t, names, 1)
	requireStatus(t, o, names[0], NodeStatusFailed)

	log, _ := o.Log(names[0])
	assert.Equal(t, "ERROR: launch failed: boom\n", log)

	// Failed nodes are forgotten without terminating them again
	result, err := o.Remove(context.Background(), names[0])
	require.NoError(t, err)
	assert.Equal(t, names[0], result.Node)
	assert.Empty(t, c.Terminated())
	assert.Empty(t, o.Nodes())
}

func TestDemand_Shutdown(t *testing.T) {
	o, c := newOrchestrator(t, Config{}, cloud.Template{Name: "linux"})
	o.Shutdown()

	names, err := o.Demand(context.Background(), c, "", 1)
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Empty(t, names)
}

func TestConnect(t *testing.T) {
	o, _ := newOrchestrator(t, Config{}, cloud.Template{Name: "linux"})
	node := o.Add(cloud.PlannedAgent{Name: "agent", Provider: "fake"})
	secret := o.ConnectionInfo(node).Secret
	require.NotEmpty(t, secret)

	assert.ErrorIs(t, o.Connect("unknown", secret), ErrNodeNotFound)
	assert.ErrorIs(t, o.Connect("agent", "wrong"), ErrInvalidSecret)
	assert.False(t, o.Online("agent"))
	assert.False(t, node.Computer().IsOnline())

	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	require.NoError(t, o.Connect("agent", secret))
	assert.True(t, node.Computer().IsOnline())
	assert.Equal(t, EventNodeConnected{Node: "agent"}, <-events)

	require.NoError(t, node.Computer().Disconnect(context.Background(), "bye"))
	assert.False(t, o.Online("agent"))
	assert.Equal(t, EventNodeDisconnected{Node: "agent", Cause: "bye"}, <-events)

	// Unknown nodes are already disconnected
	assert.NoError(t, o.Disconnect(context.Background(), "unknown", "bye"))
}

func TestAcquireRelease(t *testing.T) {
	tests := map[int]struct {
		template  cloud.Template
		accepting bool
	}{
		0: {template: cloud.Template{Name: "once"}, accepting: false},
		1: {template: cloud.Template{Name: "idle", IdleMinutes: 10}, accepting: true},
	}

	for i, test := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			o, c := newOrchestrator(t, Config{}, test.template)

			names, err := o.Demand(context.Background(), c, "", 1)
			require.NoError(t, err)
			requireStatus(t, o, names[0], NodeStatusOnline)

			assert.ErrorIs(t, o.Release(names[0]), ErrNotBusy)
			require.NoError(t, o.Acquire(names[0]))

			info, _ := o.Node(names[0])
			assert.Equal(t, 1, info.Busy)
			assert.Equal(t, test.accepting, info.Accepting)
			assert.Nil(t, info.IdleSince)

			require.NoError(t, o.Release(names[0]))
			assert.ErrorIs(t, o.Acquire("unknown"), ErrNodeNotFound)
		})
	}
}

func TestAcquire_NotOnline(t *testing.T) {
	o, _ := newOrchestrator(t, Config{}, cloud.Template{Name: "linux"})
	o.Add(cloud.PlannedAgent{Name: "agent", Provider: "fake"})

	assert.ErrorIs(t, o.Acquire("agent"), ErrNotAccepting)
}

func TestRun_ReapsUsedOnceNodes(t *testing.T) {
	o, c := newOrchestrator(t, Config{ReapInterval: time.Hour}, cloud.Template{Name: "linux"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	names, err := o.Demand(context.Background(), c, "", 1)
	require.NoError(t, err)
	requireStatus(t, o, names[0], NodeStatusOnline)

	require.NoError(t, o.Acquire(names[0]))
	require.NoError(t, o.Release(names[0]))

	require.Eventually(t, func() bool {
		_, ok := o.Node(names[0])
		return !ok
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, names, c.Terminated())
}

func TestRun_ReapsIdleNodes(t *testing.T) {
	o, c := newOrchestrator(t, Config{ReapInterval: 5 * time.Millisecond}, cloud.Template{Name: "linux"})
	c.template.IdleMinutes = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	names, err := o.Demand(context.Background(), c, "", 1)
	require.NoError(t, err)
	requireStatus(t, o, names[0], NodeStatusOnline)

	// Not idle for a minute yet
	time.Sleep(20 * time.Millisecond)
	_, ok := o.Node(names[0])
	assert.True(t, ok)

	o.mutex.Lock()
	o.nodes[names[0]].idleSince = time.Now().Add(-time.Hour)
	o.mutex.Unlock()

	require.Eventually(t, func() bool {
		_, ok := o.Node(names[0])
		return !ok
	}, 2*time.Second, time.Millisecond)
}

func TestRun_ExpiresFailedNodes(t *testing.T) {
	o, c := newOrchestrator(t, Config{ReapInterval: 5 * time.Millisecond, FailedRetention: 10 * time.Millisecond}, cloud.Template{Name: "linux"})
	c.launchErr = errors.New("boom")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx)

	names, err := o.Demand(context.Background(), c, "", 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := o.Node(names[0])
		return !ok
	}, 2*time.Second, time.Millisecond)
	assert.Empty(t, c.Terminated())
}

func TestRun_ShutdownTerminatesNodes(t *testing.T) {
	o, c := newOrchestrator(t, Config{ReapInterval: time.Hour}, cloud.Template{Name: "linux", IdleMinutes: 10})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	names, err := o.Demand(context.Background(), c, "", 2)
	require.NoError(t, err)
	for _, name := range names {
		requireStatus(t, o, name, NodeStatusOnline)
	}

	cancel()
	<-done
	o.Wait()

	assert.ElementsMatch(t, names, c.Terminated())
	assert.Empty(t, o.Nodes())
}

func TestRemove(t *testing.T) {
	o, c := newOrchestrator(t, Config{}, cloud.Template{Name: "linux"})

	names, err := o.Demand(context.Background(), c, "", 1)
	require.NoError(t, err)
	requireStatus(t, o, names[0], NodeStatusOnline)

	events, unsubscribe := o.Subscribe()
	defer unsubscribe()

	result, err := o.Remove(context.Background(), names[0])
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.True(t, result.Disconnected)

	assert.Equal(t, EventNodeStatusUpdated{Node: names[0], Status: NodeStatusTerminating}, <-events)
	assert.Equal(t, EventNodeDisconnected{Node: names[0], Cause: "terminated"}, <-events)
	assert.Equal(t, EventNodeTerminated{Node: names[0], Result: "ok"}, <-events)

	_, err = o.Remove(context.Background(), names[0])
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

func TestStorePersistence(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	o, c := newOrchestrator(t, Config{Store: s}, cloud.Template{Name: "linux"})

	names, err := o.Demand(context.Background(), c, "linux", 1)
	require.NoError(t, err)
	requireStatus(t, o, names[0], NodeStatusOnline)

	require.Eventually(t, func() bool {
		nodes, err := s.List(context.Background())
		return err == nil && len(nodes) == 1 && nodes[0].Status == string(NodeStatusOnline) && nodes[0].Launched
	}, 2*time.Second, time.Millisecond)

	nodes, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fake", nodes[0].Provider)
	assert.Equal(t, "linux", nodes[0].Template)
	assert.Equal(t, "once", nodes[0].Retention)

	_, err = o.Remove(context.Background(), names[0])
	require.NoError(t, err)

	nodes, err = s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestWithNomadProvider(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()
	server.SetStatuses("pending", "running")

	o := New(Config{URL: "https://ci.example.com/"})
	defer func() {
		o.Shutdown()
		o.Wait()
	}()

	provider, err := nomad.New(nomad.Config{
		Name:      "nomad",
		Address:   server.URL,
		Namespace: "default",
		Templates: []cloud.Template{{
			Name:       "linux",
			Label:      "linux docker",
			TaskGroups: []cloud.TaskGroup{{Name: "agent", Image: "ci/agent:latest"}},
		}},
	}, nomad.Options{
		Orchestrator:         o,
		SchedulePollInterval: time.Millisecond,
		ConnectPollInterval:  20 * time.Millisecond,
		ClientRetries:        1,
		ClientRetryDelay:     time.Millisecond,
	})
	require.NoError(t, err)

	names, err := o.Demand(context.Background(), provider, "linux", 1)
	require.NoError(t, err)
	require.Len(t, names, 1)

	// The agent connects back with the secret it was started with
	var args []any
	require.Eventually(t, func() bool {
		registered := server.Registered()
		if len(registered) != 1 {
			return false
		}
		args, _ = registered[0].TaskGroups[0].Tasks[0].Config["args"].([]any)
		return len(args) == 2
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, names[0], args[1])
	require.NoError(t, o.Connect(names[0], args[0].(string)))

	requireStatus(t, o, names[0], NodeStatusOnline)
	assert.Zero(t, provider.InFlight().Len())

	result, err := o.Remove(context.Background(), names[0])
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.NotEmpty(t, result.EvalID)
	assert.Equal(t, names, server.Deregistered())
}
