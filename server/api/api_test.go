package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gammadia/nomadcloud/cloud"
	"github.com/gammadia/nomadcloud/nomad/nomadtest"
	"github.com/gammadia/nomadcloud/orchestrator"
	"github.com/gammadia/nomadcloud/provisioner/nomad"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	nomad        *nomadtest.Server
	orchestrator *orchestrator.Orchestrator
	server       *httptest.Server
}

func newFixture(t *testing.T, ping func(context.Context) error) *fixture {
	t.Helper()

	nomadServer := nomadtest.NewServer()
	t.Cleanup(nomadServer.Close)
	nomadServer.SetStatuses("running")

	orch := orchestrator.New(orchestrator.Config{Logger: discard, URL: "https://ci.example.com/"})
	t.Cleanup(func() {
		orch.Shutdown()
		orch.Wait()
	})

	metrics := prometheus.NewRegistry()
	registry := nomad.NewRegistry()
	options := nomad.Options{
		Logger:               discard,
		Metrics:              nomad.NewMetrics(metrics),
		Orchestrator:         orch,
		Registry:             registry,
		SchedulePollInterval: time.Millisecond,
		ConnectPollInterval:  20 * time.Millisecond,
		ClientRetries:        1,
		ClientRetryDelay:     time.Millisecond,
	}

	provider, err := nomad.New(nomad.Config{
		Name:         "nomad",
		Address:      nomadServer.URL,
		Namespace:    "builds",
		ContainerCap: 2,
		Templates: []cloud.Template{
			{Name: "linux", Label: "linux docker", TaskGroups: []cloud.TaskGroup{{Name: "agent", Image: "ci/agent:latest"}}},
			{Name: "windows", Label: "windows", TaskGroups: []cloud.TaskGroup{{Name: "agent", Image: "ci/agent:windows"}}},
		},
	}, options)
	require.NoError(t, err)
	require.NoError(t, registry.Register(provider))

	s := New(Config{
		Logger:       discard,
		Orchestrator: orch,
		Registry:     registry,
		Options:      options,
		Gatherer:     metrics,
		Ping:         ping,
		Version:      "test",
		Commit:       "abc",
	})
	events, unsubscribe := orch.Subscribe()
	t.Cleanup(unsubscribe)
	go s.Listen(events)

	server := httptest.NewServer(s)
	t.Cleanup(server.Close)

	return &fixture{nomad: nomadServer, orchestrator: orch, server: server}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, string) {
	t.Helper()

	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(data)
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

// secret returns the secret an agent was started with.
func (f *fixture) secret(t *testing.T, name string) string {
	t.Helper()

	var secret string
	require.Eventually(t, func() bool {
		for _, job := range f.nomad.Registered() {
			if *job.ID != name {
				continue
			}
			args, _ := job.TaskGroups[0].Tasks[0].Config["args"].([]any)
			if len(args) > 0 {
				secret, _ = args[0].(string)
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)
	return secret
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	f = newFixture(t, func(context.Context) error { return errors.New("database is gone") })
	status, body = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.JSONEq(t, `{"error":"database is gone"}`, body)
}

func TestProviders(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodGet, "/providers", "")
	require.Equal(t, http.StatusOK, status)
	providers := decode[[]ProviderInfo](t, body)
	require.Len(t, providers, 1)
	assert.Equal(t, "nomad", providers[0].Name)
	assert.Equal(t, "builds", providers[0].Namespace)
	assert.Equal(t, 2, providers[0].ContainerCap)
	assert.Equal(t, []string{"linux", "windows"}, providers[0].Templates)
	assert.Empty(t, providers[0].InFlight)

	status, body = f.do(t, http.MethodGet, "/providers/nomad/templates?label=windows", "")
	require.Equal(t, http.StatusOK, status)
	templates := decode[[]cloud.Template](t, body)
	require.Len(t, templates, 1)
	assert.Equal(t, "windows", templates[0].Name)

	status, body = f.do(t, http.MethodGet, "/providers/nomad/templates", "")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]cloud.Template](t, body), 2)

	status, body = f.do(t, http.MethodGet, "/providers/missing/templates", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.JSONEq(t, `{"error":"provider not found: 'missing'"}`, body)
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/providers/nomad/test", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, TestResult{Message: "Connection test successful", OK: true}, decode[TestResult](t, body))

	status, body = f.do(t, http.MethodPost, "/providers/test", "name: other\naddress: "+f.nomad.URL+"\nnamespace: builds\n")
	require.Equal(t, http.StatusOK, status)
	assert.True(t, decode[TestResult](t, body).OK)

	status, body = f.do(t, http.MethodPost, "/providers/test", "address: "+f.nomad.URL+"\n")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, TestResult{Message: "Error testing connection: name is required"}, decode[TestResult](t, body))

	status, _ = f.do(t, http.MethodPost, "/providers/test", "name: [")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestProvision(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/provision", `{"label":"linux","excess":3}`)
	require.Equal(t, http.StatusAccepted, status)
	resp := decode[ProvisionResponse](t, body)
	assert.Equal(t, "nomad", resp.Provider)
	// Capped by the container cap
	require.Len(t, resp.Nodes, 2)

	name := resp.Nodes[0]
	secret := f.secret(t, name)

	status, body = f.do(t, http.MethodPost, "/nodes/"+name+"/connect", `{"secret":"wrong"}`)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, body, "invalid secret")

	status, _ = f.do(t, http.MethodPost, "/nodes/"+name+"/connect", `{"secret":"`+secret+`"}`)
	require.Equal(t, http.StatusNoContent, status)

	require.Eventually(t, func() bool {
		status, body := f.do(t, http.MethodGet, "/nodes/"+name, "")
		return status == http.StatusOK && decode[orchestrator.NodeInfo](t, body).Status == orchestrator.NodeStatusOnline
	}, 2*time.Second, 5*time.Millisecond)

	status, _ = f.do(t, http.MethodPost, "/nodes/"+name+"/acquire", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = f.do(t, http.MethodPost, "/nodes/"+name+"/acquire", "")
	assert.Equal(t, http.StatusConflict, status, "once agents take a single task")
	status, _ = f.do(t, http.MethodPost, "/nodes/"+name+"/release", "")
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = f.do(t, http.MethodPost, "/nodes/"+name+"/release", "")
	assert.Equal(t, http.StatusConflict, status)

	status, body = f.do(t, http.MethodGet, "/nodes/"+name+"/log", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "Agent "+name+" is connected")

	status, body = f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "test", decode[Status](t, body).Version)

	status, body = f.do(t, http.MethodDelete, "/nodes/"+name, "")
	require.Equal(t, http.StatusOK, status)
	result := decode[TerminationResponse](t, body)
	assert.True(t, result.Deregistered)
	assert.True(t, result.Disconnected)
	assert.NotEmpty(t, result.EvalID)
	assert.Empty(t, result.Error)

	status, _ = f.do(t, http.MethodGet, "/nodes/"+name, "")
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = f.do(t, http.MethodDelete, "/nodes/"+name, "")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `nomadcloud_provisioned_agents_total{provider="nomad",template="linux"} 2`)
}

func TestProvision_NothingGranted(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.do(t, http.MethodPost, "/provision", `{"label":"macos","excess":1}`)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"nodes":[]}`, body)
}

func TestProvision_BadRequests(t *testing.T) {
	f := newFixture(t, nil)

	tests := map[int]struct {
		body   string
		status int
	}{
		0: {body: `{"label":`, status: http.StatusBadRequest},
		1: {body: `{"label":"linux","excess":0}`, status: http.StatusBadRequest},
		2: {body: `{"label":"linux","excess":1,"unknown":true}`, status: http.StatusBadRequest},
		3: {body: `{"provider":"missing","label":"linux","excess":1}`, status: http.StatusNotFound},
	}

	for i, test := range tests {
		status, _ := f.do(t, http.MethodPost, "/provision", test.body)
		assert.Equal(t, test.status, status, i)
	}

	f.orchestrator.Shutdown()
	status, _ := f.do(t, http.MethodPost, "/provision", `{"label":"linux","excess":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestLogLevel(t *testing.T) {
	orch := orchestrator.New(orchestrator.Config{Logger: discard})
	t.Cleanup(func() {
		orch.Shutdown()
		orch.Wait()
	})

	level := new(slog.LevelVar)
	server := httptest.NewServer(New(Config{
		Logger:       discard,
		Orchestrator: orch,
		Registry:     nomad.NewRegistry(),
		LogLevel:     level,
	}))
	t.Cleanup(server.Close)
	f := &fixture{orchestrator: orch, server: server}

	status, body := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "INFO", decode[Status](t, body).LogLevel)

	status, body = f.do(t, http.MethodPut, "/log-level", `{"level":"debug"}`)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"level":"DEBUG"}`, body)
	assert.Equal(t, slog.LevelDebug, level.Level())

	status, _ = f.do(t, http.MethodPut, "/log-level", `{"level":"loud"}`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, slog.LevelDebug, level.Level())
}

func TestLogLevel_Disabled(t *testing.T) {
	f := newFixture(t, nil)

	status, _ := f.do(t, http.MethodPut, "/log-level", `{"level":"debug"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, body := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[Status](t, body).LogLevel)
}
