package nomad

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gammadia/nomadcloud/cloud"
	api "github.com/gammadia/nomadcloud/nomad"
	"github.com/gammadia/nomadcloud/nomad/nomadtest"
)

type fakeOrchestrator struct {
	mutex sync.Mutex

	// connect makes agents come online on their first poll
	connect         bool
	onlineCalls     map[string]int
	disconnected    []string
	disconnectDelay time.Duration
	saved           []string
	saveErr         error
}

func newOrchestrator(connect bool) *fakeOrchestrator {
	return &fakeOrchestrator{connect: connect, onlineCalls: make(map[string]int)}
}

func (o *fakeOrchestrator) Online(name string) bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.onlineCalls[name]++
	return o.connect
}

func (o *fakeOrchestrator) Disconnect(ctx context.Context, name string, _ string) error {
	if o.disconnectDelay > 0 {
		select {
		case <-time.After(o.disconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.disconnected = append(o.disconnected, name)
	return nil
}

func (o *fakeOrchestrator) Save(node *cloud.AgentNode) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.saved = append(o.saved, node.Name)
	return o.saveErr
}

func (o *fakeOrchestrator) ConnectionInfo(node *cloud.AgentNode) cloud.ConnectionInfo {
	return cloud.ConnectionInfo{URL: "https://ci.example.com/", Secret: "secret-" + node.Name}
}

func (o *fakeOrchestrator) OnlineCalls(name string) int {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	return o.onlineCalls[name]
}

var agentGroups = []cloud.TaskGroup{{Name: "agent", Image: "ci/agent:latest"}}

func testConfig(address string, templates ...cloud.Template) Config {
	return Config{
		Name:      "nomad",
		Address:   address,
		Namespace: "builds",
		Templates: templates,
	}
}

func testOptions(orchestrator cloud.Orchestrator) Options {
	return Options{
		Orchestrator:         orchestrator,
		DisconnectTimeout:    time.Second,
		SchedulePollInterval: time.Millisecond,
		ConnectPollInterval:  time.Millisecond,
		ClientRetries:        1,
		ClientRetryDelay:     time.Millisecond,
	}
}

func newProvider(t *testing.T, config Config, options Options) *Provider {
	t.Helper()

	p, err := New(config, options)
	require.NoError(t, err)
	return p
}

func liveJob(id, provider, template, status string) api.JobListStub {
	return api.JobListStub{
		ID:     id,
		Status: status,
		Meta:   map[string]string{api.MetaProvider: provider, api.MetaTemplate: template},
	}
}

func TestProvision_GlobalCap(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()

	config := testConfig(server.URL, cloud.Template{Name: "linux", InstanceCap: 5, TaskGroups: agentGroups})
	config.ContainerCap = 2
	p := newProvider(t, config, testOptions(newOrchestrator(true)))

	planned := p.Provision(context.Background(), "", 3)

	assert.Len(t, planned, 2)
	assert.Equal(t, 2, p.InFlight().Count(""))
	// One check per granted agent, and the one that was denied
	assert.Equal(t, 3, server.Calls("list"))
}

func TestProvision_TemplateCapCountsLiveJobs(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()

	server.AddJob(liveJob("linux-1", "nomad", "linux", api.StatusRunning))
	server.AddJob(liveJob("linux-2", "nomad", "linux", api.StatusDead))
	server.AddJob(liveJob("linux-3", "other", "linux", api.StatusRunning))
	server.AddJob(liveJob("windows-1", "nomad", "windows", api.StatusPending))

	p := newProvider(t, testConfig(server.URL,
		cloud.Template{Name: "linux", InstanceCap: 2, TaskGroups: agentGroups},
	), testOptions(newOrchestrator(true)))

	planned := p.Provision(context.Background(), "", 5)

	require.Len(t, planned, 1)
	assert.Equal(t, "linux", planned[0].Template.Name)
}

func TestProvision_GlobalCapCountsAllTemplates(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()

	server.AddJob(liveJob("windows-1", "nomad", "windows", api.StatusRunning))

	config := testConfig(server.URL, cloud.Template{Name: "linux", TaskGroups: agentGroups})
	config.ContainerCap = 2
	p := newProvider(t, config, testOptions(newOrchestrator(true)))

	assert.Len(t, p.Provision(context.Background(), "", 5), 1)
	assert.Empty(t, p.Provision(context.Background(), "", 5))
}

func TestProvision_InFlightIsDeducted(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()

	p := newProvider(t, testConfig(server.URL, cloud.Template{Name: "linux", TaskGroups: agentGroups}), testOptions(newOrchestrator(true)))
	ctx := context.Background()

	first := p.Provision(ctx, "", 3)
	second := p.Provision(ctx, "", 3)
	third := p.Provision(ctx, "", 5)

	assert.Len(t, first, 3)
	assert.Empty(t, second)
	assert.Len(t, third, 2)
	assert.Equal(t, 5, p.InFlight().Len())

	// Unbounded caps never need the scheduler
	assert.Equal(t, 0, server.Calls("list"))

	p.InFlight().Done(first[0].Name)
	assert.Len(t, p.Provision(ctx, "", 5), 1)
}

func TestProvision_NonIncreasingWithinBurst(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()

	config := testConfig(server.URL, cloud.Template{Name: "linux", InstanceCap: 4, TaskGroups: agentGroups})
	p := newProvider(t, config, testOptions(newOrchestrator(true)))

	previous := -1
	for i := 0; i < 4; i++ {
		granted := len(p.Provision(context.Background(), "", 3))
		assert.LessOrEqual(t, granted, 3)
		if previous >= 0 {
			assert.LessOrEqual(t, granted, previous)
		}
		previous = granted
	}
	assert.Equal(t, 3, p.InFlight().Len())
}

func TestProvision_FirstMatchingTemplateWins(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()

	server.AddJob(liveJob("full-1", "nomad", "full", api.StatusRunning))

	p := newProvider(t, testConfig(server.URL,
		cloud.Template{Name: "full", Label: "linux", InstanceCap: 1, TaskGroups: agentGroups},
		cloud.Template{Name: "small", Label: "linux", InstanceCap: 1, TaskGroups: agentGroups},
		cloud.Template{Name: "large", Label: "linux", TaskGroups: agentGroups},
	), testOptions(newOrchestrator(true)))

	planned := p.Provision(context.Background(), "linux", 3)

	// "full" has no room, "small" yields one agent and stops the search
	require.Len(t, planned, 1)
	assert.Equal(t, "small", planned[0].Template.Name)
	assert.Equal(t, "linux", planned[0].Label)
}

func TestProvision_Matching(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()

	p := newProvider(t, testConfig(server.URL,
		cloud.Template{Name: "gpu", Label: "linux gpu", Mode: cloud.ModeExclusive, TaskGroups: agentGroups},
	), testOptions(newOrchestrator(true)))

	assert.Empty(t, p.Provision(context.Background(), "", 1))
	assert.Empty(t, p.Provision(context.Background(), "windows", 1))
	assert.Len(t, p.Provision(context.Background(), "gpu && linux", 1), 1)
	assert.True(t, p.CanProvision("windows"))
}

func TestProvision_PlannedAgent(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()

	config := testConfig(server.URL, cloud.Template{Name: "Linux Docker", IdleMinutes: 10, TaskGroups: agentGroups})
	p := newProvider(t, config, testOptions(newOrchestrator(true)))

	planned := p.Provision(context.Background(), "", 1)
	require.Len(t, planned, 1)

	agent := planned[0]
	assert.Regexp(t, `^linux-docker-[bcdfghjklmnpqrstvwxz0-9]{5}$`, agent.Name)
	assert.Equal(t, "nomad", agent.Provider)
	assert.Same(t, p, agent.Launcher)
	assert.Same(t, p, agent.Terminator)
	assert.Equal(t, cloud.Retention{Kind: cloud.RetentionIdle, Timeout: 10 * time.Minute}, agent.Retention)
	assert.Equal(t, []string{agent.Name}, p.InFlight().NamesForTemplate("Linux Docker"))
}

func TestProvision_UnreachableGrantsNothing(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := "http://" + lis.Addr().String()
	require.NoError(t, lis.Close())

	config := testConfig(address, cloud.Template{Name: "linux", TaskGroups: agentGroups})
	config.ContainerCap = 2
	p := newProvider(t, config, testOptions(newOrchestrator(true)))

	assert.Empty(t, p.Provision(context.Background(), "", 2))
	assert.Equal(t, 0, p.InFlight().Len())
}

func TestProvision_ErrorRollsBackPass(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()
	server.Fail("list", http.StatusForbidden, "Permission denied")

	config := testConfig(server.URL, cloud.Template{Name: "linux", TaskGroups: agentGroups})
	config.ContainerCap = 3
	p := newProvider(t, config, testOptions(newOrchestrator(true)))

	assert.Empty(t, p.Provision(context.Background(), "", 2))
	assert.Equal(t, 0, p.InFlight().Len())
}

func TestProvision_SharedInFlightAcrossReloads(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()

	options := testOptions(newOrchestrator(true))
	options.InFlight = cloud.NewInFlight()
	config := testConfig(server.URL, cloud.Template{Name: "linux", TaskGroups: agentGroups})

	assert.Len(t, newProvider(t, config, options).Provision(context.Background(), "", 2), 2)
	assert.Empty(t, newProvider(t, config, options).Provision(context.Background(), "", 2))
}

func TestTemplates(t *testing.T) {
	p := newProvider(t, testConfig("http://127.0.0.1:4646",
		cloud.Template{Name: "linux", Label: "linux", TaskGroups: agentGroups},
		cloud.Template{Name: "any", TaskGroups: agentGroups},
	), Options{})

	assert.Equal(t, "linux", p.Template("linux").Name)
	assert.Equal(t, "linux", p.Template("").Name)
	assert.Nil(t, p.Template("windows"))

	require.NoError(t, p.AddDynamicTemplate(cloud.Template{Name: "windows", Label: "windows", TaskGroups: agentGroups}))
	assert.Error(t, p.AddDynamicTemplate(cloud.Template{Name: "linux", TaskGroups: agentGroups}))
	assert.Error(t, p.AddTemplate(cloud.Template{Name: "invalid"}))
	require.NoError(t, p.AddTemplate(cloud.Template{Name: "extra", Label: "windows", TaskGroups: agentGroups}))

	names := func(templates []*cloud.Template) (names []string) {
		for _, t := range templates {
			names = append(names, t.Name)
		}
		return
	}
	// Static templates come first
	assert.Equal(t, []string{"linux", "any", "extra", "windows"}, names(p.Templates()))
	assert.Equal(t, []string{"extra", "windows"}, names(p.TemplatesFor("windows")))

	assert.True(t, p.RemoveDynamicTemplate("windows"))
	assert.False(t, p.RemoveDynamicTemplate("windows"))
	assert.True(t, p.RemoveTemplate("extra"))
	assert.False(t, p.RemoveTemplate("extra"))

	require.NoError(t, p.SetTemplates([]cloud.Template{{Name: "only", TaskGroups: agentGroups}}))
	assert.Equal(t, []string{"only"}, names(p.Templates()))
	assert.Error(t, p.SetTemplates([]cloud.Template{{Name: "a", TaskGroups: agentGroups}, {Name: "a", TaskGroups: agentGroups}}))
	assert.Equal(t, []cloud.Template{{Name: "only", TaskGroups: agentGroups}}, p.Config().Templates)
}

func TestConfig_Validate(t *testing.T) {
	valid := testConfig("http://nomad:4646", cloud.Template{Name: "linux", TaskGroups: agentGroups})
	require.NoError(t, valid.Validate())

	tests := map[int]struct {
		mutate   func(*Config)
		contains string
	}{
		0: {func(c *Config) { c.Name = " " }, "name is required"},
		1: {func(c *Config) { c.Namespace = "" }, "namespace is required"},
		2: {func(c *Config) { c.Address = "nomad:4646" }, "invalid address"},
		3: {func(c *Config) { c.ContainerCap = -1 }, "container-cap"},
		4: {func(c *Config) { c.ReadTimeout = -1 }, "timeouts"},
		5: {func(c *Config) { c.Templates = append(c.Templates, c.Templates[0]) }, "duplicate template"},
		6: {func(c *Config) { c.Templates = []cloud.Template{{Name: "empty"}} }, "task group"},
	}

	for i, test := range tests {
		config := testConfig("http://nomad:4646", cloud.Template{Name: "linux", TaskGroups: agentGroups})
		test.mutate(&config)
		assert.ErrorContains(t, config.Validate(), test.contains, "test %d", i)
	}

	assert.Equal(t, cloud.Unbounded, valid.Cap())
	assert.Equal(t, 5*time.Minute, valid.Retention())
}

func TestTestConnection(t *testing.T) {
	server := nomadtest.NewServer()
	defer server.Close()
	server.RequireToken("t0ken")

	options := testOptions(nil)
	options.Credentials = func(id string) (string, error) {
		if id == "nomad-token" {
			return "t0ken\n", nil
		}
		return "", errors.New("unknown credentials")
	}

	config := testConfig(server.URL)
	config.CredentialsID = "nomad-token"
	assert.Equal(t, "Connection test successful", TestConnection(context.Background(), config, options))

	config.CredentialsID = "other"
	assert.Contains(t, TestConnection(context.Background(), config, options), "Error testing connection "+server.URL+": failed to load credentials 'other'")

	config.CredentialsID = ""
	assert.Contains(t, TestConnection(context.Background(), config, options), "Error testing connection "+server.URL+": failed to list jobs")

	config.Name = ""
	assert.Contains(t, TestConnection(context.Background(), config, options), "name is required")
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	a := newProvider(t, Config{Name: "a", Address: "http://a:4646", Namespace: "default"}, Options{})
	b := newProvider(t, Config{Name: "b", Address: "http://b:4646", Namespace: "default"}, Options{})

	require.NoError(t, registry.Register(b))
	require.NoError(t, registry.Register(a))
	assert.Error(t, registry.Register(a))

	got, ok := registry.Get("a")
	assert.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, []*Provider{a, b}, registry.Providers())

	a2 := newProvider(t, Config{Name: "a", Address: "http://a2:4646", Namespace: "default"}, Options{})
	registry.Replace(a2)
	got, _ = registry.Get("a")
	assert.Same(t, a2, got)

	assert.True(t, registry.Remove("a"))
	assert.False(t, registry.Remove("a"))
	_, ok = registry.Get("a")
	assert.False(t, ok)
}

func newListener() (*bytes.Buffer, cloud.Listener) {
	var buf bytes.Buffer
	return &buf, cloud.NewListener(&buf)
}
