// Package orchestrator is a minimal in-memory build orchestrator: it keeps the
// agent nodes granted by providers, tracks their connection and usage, and
// removes them according to their retention.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/gammadia/nomadcloud/cloud"
	"github.com/gammadia/nomadcloud/namegen"
	"github.com/gammadia/nomadcloud/store"
)

var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrInvalidSecret = errors.New("invalid secret")
	ErrNotAccepting  = errors.New("node is not accepting tasks")
	ErrNotBusy       = errors.New("node has no task")
	ErrShutdown      = errors.New("orchestrator is shutting down")
)

// Store persists nodes.
type Store interface {
	Save(ctx context.Context, node store.Node) error
	Delete(ctx context.Context, name string) error
}

type Config struct {
	Logger *slog.Logger
	Store  Store

	// URL and Tunnel are handed to agents to connect back.
	URL    string
	Tunnel string

	// ReapInterval is how often retention is checked.
	ReapInterval time.Duration
	// FailedRetention is how long failed nodes stay listed.
	FailedRetention time.Duration
}

type Orchestrator struct {
	name   namegen.ID
	config Config
	log    *slog.Logger

	// ctx outlives the requests that create nodes, launches run under it.
	ctx    context.Context
	cancel context.CancelFunc

	mutex       sync.Mutex
	nodes       map[string]*nodeState
	subscribers map[int]chan Event
	nextSub     int
	shutdown    bool

	tickRequests chan any
	wg           sync.WaitGroup
}

// Orchestrator implements cloud.Orchestrator
var _ cloud.Orchestrator = (*Orchestrator)(nil)

func New(config Config) *Orchestrator {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = 10 * time.Second
	}
	if config.FailedRetention <= 0 {
		config.FailedRetention = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	name := namegen.Get()

	return &Orchestrator{
		name:   name,
		config: config,
		log:    config.Logger.With("component", "orchestrator", "orchestrator", name),

		ctx:    ctx,
		cancel: cancel,

		nodes:       make(map[string]*nodeState),
		subscribers: make(map[int]chan Event),

		tickRequests: make(chan any, 1),
	}
}

// Demand asks a provisioner for agents and launches every granted one in the
// background. It returns the names of the new nodes.
func (o *Orchestrator) Demand(ctx context.Context, provisioner cloud.Provisioner, label string, excessWorkload int) ([]string, error) {
	if o.isShutdown() {
		return nil, ErrShutdown
	}
	if !provisioner.CanProvision(label) {
		return nil, nil
	}

	planned := provisioner.Provision(ctx, label, excessWorkload)
	names := make([]string, 0, len(planned))
	for _, agent := range planned {
		node := o.Add(agent)
		o.Launch(node)
		names = append(names, node.Name)
	}
	return names, nil
}

// Add materializes a planned agent into a node.
func (o *Orchestrator) Add(agent cloud.PlannedAgent) *cloud.AgentNode {
	node := cloud.NewAgentNode(agent)
	node.CreateComputer(o)

	state := &nodeState{
		node:     node,
		status:   NodeStatusProvisioning,
		secret:   uuid.NewString(),
		buildLog: &buildLog{},
		log:      o.log.With("node", node.Name, "provider", node.Provider),
	}

	o.mutex.Lock()
	o.nodes[node.Name] = state
	o.mutex.Unlock()

	template := ""
	if node.Template != nil {
		template = node.Template.Name
	}

	state.log.Info("Node created", "template", template, "label", node.Label)
	o.persist(state)
	o.broadcast(EventNodeCreated{Node: node.Name, Provider: node.Provider, Template: template, Label: node.Label})
	return node
}

// Launch runs the launcher of a node in the background.
func (o *Orchestrator) Launch(node *cloud.AgentNode) {
	state, ok := o.state(node.Name)
	if !ok {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		if node.Launcher == nil {
			o.fail(state, cloud.ErrNotLaunchable)
			return
		}

		if err := node.Launcher.Launch(o.ctx, node, cloud.NewListener(state.buildLog)); err != nil {
			o.fail(state, err)
			return
		}

		o.mutex.Lock()
		if state.status == NodeStatusProvisioning {
			state.status = NodeStatusOnline
		}
		o.mutex.Unlock()

		state.log.Info("Node is online")
		o.persist(state)
		o.broadcast(EventNodeStatusUpdated{Node: node.Name, Status: NodeStatusOnline})
	}()
}

func (o *Orchestrator) fail(state *nodeState, err error) {
	o.mutex.Lock()
	state.status = NodeStatusFailed
	state.online = false
	state.failedAt = time.Now()
	o.mutex.Unlock()

	state.log.Warn("Node launch failed", "error", err)
	o.forget(state.node.Name)
	o.broadcast(EventNodeStatusUpdated{Node: state.node.Name, Status: NodeStatusFailed})
	o.requestTick()
}

// Online implements cloud.Channel.
func (o *Orchestrator) Online(name string) bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	state, ok := o.nodes[name]
	return ok && state.online
}

// Disconnect implements cloud.Channel. Unknown nodes are ignored.
func (o *Orchestrator) Disconnect(ctx context.Context, name string, cause string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mutex.Lock()
	state, ok := o.nodes[name]
	wasOnline := ok && state.online
	if ok {
		state.online = false
	}
	o.mutex.Unlock()

	if wasOnline {
		state.log.Info("Agent disconnected", "cause", cause)
		o.broadcast(EventNodeDisconnected{Node: name, Cause: cause})
	}
	return nil
}

// Save implements cloud.Orchestrator.
func (o *Orchestrator) Save(node *cloud.AgentNode) error {
	state, ok := o.state(node.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, node.Name)
	}
	return o.save(state)
}

// ConnectionInfo implements cloud.Orchestrator.
func (o *Orchestrator) ConnectionInfo(node *cloud.AgentNode) cloud.ConnectionInfo {
	info := cloud.ConnectionInfo{URL: o.config.URL, Tunnel: o.config.Tunnel}
	if state, ok := o.state(node.Name); ok {
		info.Secret = state.secret
	}
	return info
}

// Connect is called by an agent once it is up.
func (o *Orchestrator) Connect(name, secret string) error {
	o.mutex.Lock()
	state, ok := o.nodes[name]
	if !ok || state.status == NodeStatusFailed || state.status == NodeStatusTerminating {
		o.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	if state.secret != secret {
		o.mutex.Unlock()
		return fmt.Errorf("%w for node %s", ErrInvalidSecret, name)
	}
	state.online = true
	state.idleSince = time.Now()
	o.mutex.Unlock()

	state.log.Info("Agent connected")
	o.broadcast(EventNodeConnected{Node: name})
	return nil
}

// Acquire marks a node as running one more task.
func (o *Orchestrator) Acquire(name string) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	state, ok := o.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	computer := state.node.Computer()
	if state.status != NodeStatusOnline || !state.online || computer == nil || !computer.AcceptingTasks() {
		return fmt.Errorf("%w: %s", ErrNotAccepting, name)
	}

	state.busy++
	state.used = true
	if state.node.Retention.Kind == cloud.RetentionOnce {
		// A single task per agent
		computer.SetAcceptingTasks(false)
	}
	return nil
}

// Release marks a task of a node as done.
func (o *Orchestrator) Release(name string) error {
	o.mutex.Lock()
	state, ok := o.nodes[name]
	if !ok {
		o.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	if state.busy < 1 {
		o.mutex.Unlock()
		return fmt.Errorf("%w: %s", ErrNotBusy, name)
	}
	state.busy--
	if state.busy == 0 {
		state.idleSince = time.Now()
	}
	o.mutex.Unlock()

	o.requestTick()
	return nil
}

// Remove terminates a node and forgets it.
func (o *Orchestrator) Remove(ctx context.Context, name string) (cloud.TerminationResult, error) {
	o.mutex.Lock()
	state, ok := o.nodes[name]
	if !ok || state.status == NodeStatusTerminating {
		o.mutex.Unlock()
		return cloud.TerminationResult{}, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	if state.status == NodeStatusFailed {
		// Failed launches were already cleaned up by their provider
		delete(o.nodes, name)
		o.mutex.Unlock()
		return cloud.TerminationResult{Node: name}, nil
	}
	state.status = NodeStatusTerminating
	o.mutex.Unlock()

	o.broadcast(EventNodeStatusUpdated{Node: name, Status: NodeStatusTerminating})
	state.log.Info("Terminating node")

	var result cloud.TerminationResult
	if state.node.Terminator != nil {
		result = state.node.Terminator.Terminate(ctx, state.node, cloud.NewListener(state.buildLog))
	} else {
		state.node.Sever()
		result = cloud.TerminationResult{Node: name, Err: errors.New("node has no terminator")}
	}

	if result.OK() {
		state.log.Info("Node terminated", "eval", result.EvalID)
	} else {
		state.log.Warn("Node termination incomplete", "disconnected", result.Disconnected, "error", result.Err)
	}

	o.mutex.Lock()
	delete(o.nodes, name)
	o.mutex.Unlock()
	o.forget(name)

	o.broadcast(EventNodeTerminated{Node: name, Result: lo.Ternary(result.OK(), "ok", "failed")})
	return result, nil
}

// Nodes returns all nodes, oldest first.
func (o *Orchestrator) Nodes() []NodeInfo {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	nodes := lo.MapToSlice(o.nodes, func(_ string, state *nodeState) NodeInfo { return state.info() })
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].CreatedAt.Equal(nodes[j].CreatedAt) {
			return nodes[i].Name < nodes[j].Name
		}
		return nodes[i].CreatedAt.Before(nodes[j].CreatedAt)
	})
	return nodes
}

func (o *Orchestrator) Node(name string) (NodeInfo, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	state, ok := o.nodes[name]
	if !ok {
		return NodeInfo{}, false
	}
	return state.info(), true
}

// Log returns the launch and termination log of a node.
func (o *Orchestrator) Log(name string) (string, bool) {
	state, ok := o.state(name)
	if !ok {
		return "", false
	}
	return state.buildLog.String(), true
}

// Subscribe returns a channel receiving orchestrator events, and a function to
// stop receiving them. Events are dropped for subscribers that don't keep up.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	id := o.nextSub
	o.nextSub++
	channel := make(chan Event, 64)
	o.subscribers[id] = channel

	return channel, func() {
		o.mutex.Lock()
		defer o.mutex.Unlock()

		if channel, ok := o.subscribers[id]; ok {
			delete(o.subscribers, id)
			close(channel)
		}
	}
}

func (o *Orchestrator) broadcast(event Event) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	for _, channel := range o.subscribers {
		select {
		case channel <- event:
		default:
		}
	}
}

// Run checks node retention until ctx is done, then terminates every node.
func (o *Orchestrator) Run(ctx context.Context) {
	o.log.Info("Orchestrator is running")

	ticker := time.NewTicker(o.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.reap(ctx)

		case <-o.tickRequests:
			o.reap(ctx)

		case <-ctx.Done():
			o.Shutdown()
			return
		}
	}
}

// Shutdown cancels launches and terminates all nodes.
func (o *Orchestrator) Shutdown() {
	o.mutex.Lock()
	if o.shutdown {
		o.mutex.Unlock()
		return
	}
	o.shutdown = true
	// Cancelled launches clean up after themselves
	names := lo.Keys(lo.PickBy(o.nodes, func(_ string, state *nodeState) bool {
		return state.status == NodeStatusOnline
	}))
	o.mutex.Unlock()

	o.log.Info("Orchestrator is stopping", "nodes", len(names))
	o.cancel()

	for _, name := range names {
		o.removeAsync(context.Background(), name)
	}
}

// Wait blocks until launches and terminations are done.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// requestTick requests a retention check as soon as possible
// If one is already requested, this function does nothing
func (o *Orchestrator) requestTick() {
	select {
	case o.tickRequests <- nil:
	default:
	}
}

func (o *Orchestrator) reap(ctx context.Context) {
	now := time.Now()

	o.mutex.Lock()
	var reapable, expired []string
	for name, state := range o.nodes {
		if state.reapable(now) {
			reapable = append(reapable, name)
		}
		if state.status == NodeStatusFailed && now.Sub(state.failedAt) >= o.config.FailedRetention {
			expired = append(expired, name)
		}
	}
	for _, name := range expired {
		delete(o.nodes, name)
	}
	o.mutex.Unlock()

	for _, name := range reapable {
		o.log.Info("Removing node according to its retention", "node", name)
		o.removeAsync(ctx, name)
	}
}

func (o *Orchestrator) removeAsync(ctx context.Context, name string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Remove(context.WithoutCancel(ctx), name); err != nil {
			o.log.Debug("Node already removed", "node", name)
		}
	}()
}

func (o *Orchestrator) state(name string) (*nodeState, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	state, ok := o.nodes[name]
	return state, ok
}

func (o *Orchestrator) isShutdown() bool {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	return o.shutdown
}

func (o *Orchestrator) save(state *nodeState) error {
	if o.config.Store == nil {
		return nil
	}

	o.mutex.Lock()
	record := store.Node{
		Name:      state.node.Name,
		Provider:  state.node.Provider,
		Label:     state.node.Label,
		Status:    string(state.status),
		Launched:  state.node.Launched(),
		Retention: string(state.node.Retention.Kind),
		CreatedAt: state.node.CreatedAt,
	}
	if state.node.Template != nil {
		record.Template = state.node.Template.Name
	}
	o.mutex.Unlock()

	return o.config.Store.Save(o.ctx, record)
}

func (o *Orchestrator) persist(state *nodeState) {
	if err := o.save(state); err != nil {
		state.log.Warn("Failed to persist node", "error", err)
	}
}

func (o *Orchestrator) forget(name string) {
	if o.config.Store == nil {
		return
	}
	if err := o.config.Store.Delete(context.Background(), name); err != nil {
		o.log.Warn("Failed to delete persisted node", "node", name, "error", err)
	}
}
