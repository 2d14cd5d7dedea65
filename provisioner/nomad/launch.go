package nomad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/gammadia/nomadcloud/cloud"
	api "github.com/gammadia/nomadcloud/nomad"
	"github.com/gammadia/nomadcloud/provisioner/internal"
)

// State of a launch.
type State string

const (
	StateSubmitted State = "submitted"
	StateScheduled State = "scheduled"
	StateConnected State = "connected"
	StateFailed    State = "failed"
)

var (
	ErrNodeRemoved        = errors.New("node was removed")
	ErrJobVanished        = errors.New("job no longer exists")
	ErrSubmissionRejected = errors.New("job submission rejected")
	ErrAgentNotConnected  = errors.New("agent not connected")
	ErrNoTemplate         = errors.New("node has no template")
)

// NotConnectedError is returned when an agent did not connect in time.
type NotConnectedError struct {
	Name     string
	Attempts int
	Status   string
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("agent %s is not connected after %d attempts, status: %s", e.Name, e.Attempts, e.Status)
}

func (e *NotConnectedError) Is(target error) bool {
	return target == ErrAgentNotConnected
}

// launch drives one node from job submission to agent connection.
type launch struct {
	provider *Provider
	node     *cloud.AgentNode
	listener cloud.Listener
	log      *slog.Logger

	state  State
	budget internal.Budget
	// Last job status seen while waiting for the job to be scheduled
	status string
}

// Launch submits the job of a node and waits for its agent to connect. On
// failure, the node is terminated and the launch error is returned.
func (p *Provider) Launch(ctx context.Context, node *cloud.AgentNode, listener cloud.Listener) error {
	if computer := node.Computer(); computer != nil {
		computer.SetAcceptingTasks(false)
		if node.Launched() {
			computer.SetAcceptingTasks(true)
			return nil
		}
	}

	defer func() {
		p.options.InFlight.Done(node.Name)
		p.options.Metrics.InFlight.WithLabelValues(p.Name()).Set(float64(p.options.InFlight.Len()))
	}()

	l := &launch{
		provider: p,
		node:     node,
		listener: listener,
		log:      p.log.With("node", node.Name),
		state:    StateSubmitted,
	}

	start := time.Now()
	if err := l.run(ctx); err != nil {
		failedIn := l.state
		l.transition(StateFailed)
		p.options.Metrics.Launches.WithLabelValues(p.Name(), string(failedIn)).Inc()

		l.log.Error("Failed to launch agent", "state", failedIn, "error", err)
		listener.Errorf("Failed to launch agent %s: %v", node.Name, err)

		// The launch error is what the caller needs, cleanup problems are only reported
		result := p.Terminate(context.WithoutCancel(ctx), node, listener)
		if !result.OK() {
			l.log.Warn("Cleanup after failed launch was incomplete", "error", result.Err)
		}
		return err
	}

	p.options.Metrics.Launches.WithLabelValues(p.Name(), string(StateConnected)).Inc()
	p.options.Metrics.LaunchDuration.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())

	node.MarkLaunched()
	if computer := node.Computer(); computer != nil {
		computer.SetAcceptingTasks(true)
	}
	if p.options.Orchestrator != nil {
		if err := p.options.Orchestrator.Save(node); err != nil {
			l.log.Warn("Failed to save node", "error", err)
		}
	}

	l.log.Info("Agent launched", "duration", time.Since(start).Round(time.Millisecond))
	listener.Printf("Agent %s is connected", node.Name)
	return nil
}

func (l *launch) transition(state State) {
	l.log.Debug("Launch state changed", "from", l.state, "to", state, "attempts", l.budget.Used())
	l.state = state
}

func (l *launch) run(ctx context.Context) error {
	if err := l.submit(ctx); err != nil {
		return err
	}
	if err := l.awaitScheduled(ctx); err != nil {
		return err
	}
	return l.awaitConnected(ctx)
}

func (l *launch) submit(ctx context.Context) error {
	p, node := l.provider, l.node

	if node.Computer() == nil {
		return fmt.Errorf("%w: %s", ErrNodeRemoved, node.Name)
	}
	if node.Template == nil {
		return fmt.Errorf("%w: %s", ErrNoTemplate, node.Name)
	}

	client, err := p.connect()
	if err != nil {
		return err
	}

	var connection cloud.ConnectionInfo
	if p.options.Orchestrator != nil {
		connection = p.options.Orchestrator.ConnectionInfo(node)
	}

	job, err := api.BuildJob(node.Template, api.AgentSpec{
		Name:        node.Name,
		Provider:    p.Name(),
		Label:       node.Label,
		Namespace:   p.config.Namespace,
		Datacenters: p.config.Datacenters,
		Meta:        p.config.Labels,
		Connection:  connection,
	})
	if err != nil {
		return fmt.Errorf("failed to build job '%s': %w", node.Name, err)
	}
	for _, group := range job.TaskGroups {
		l.log.Debug("Agent task", "group", lo.FromPtr(group.Name), "image", group.Tasks[0].Config["image"], "command", api.CommandLine(group.Tasks[0]))
	}

	l.listener.Printf("Submitting job %s to Nomad at %s", node.Name, client.Address())
	resp, err := client.Register(ctx, job)
	if err != nil {
		var apiErr *api.APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%w: %s", ErrSubmissionRejected, apiErr.Message)
		}
		return err
	}

	l.log.Info("Job submitted", "eval", resp.EvalID, "template", node.Template.Name)
	l.listener.Printf("Job %s submitted, evaluation %s", node.Name, resp.EvalID)
	return nil
}

// awaitScheduled waits for the job to be running. Running out of attempts is
// not an error: some jobs never report running although their agent connects,
// and the connection is what matters.
func (l *launch) awaitScheduled(ctx context.Context) error {
	p := l.provider
	client, err := p.connect()
	if err != nil {
		return err
	}

	running, err := internal.Poll(ctx, &l.budget, p.options.SchedulePollAttempts, p.options.SchedulePollInterval, true, func(attempt int) (bool, error) {
		job, err := client.Info(ctx, l.node.Name)
		if errors.Is(err, api.ErrJobNotFound) {
			return false, fmt.Errorf("%w: %s", ErrJobVanished, l.node.Name)
		} else if err != nil {
			return false, err
		}

		l.status = lo.FromPtr(job.Status)
		l.log.Debug("Waiting for job to be running", "status", l.status, "attempt", attempt+1)
		return l.status == api.StatusRunning, nil
	})
	if err != nil {
		return err
	}

	if running {
		l.listener.Printf("Job %s is running", l.node.Name)
	} else {
		l.log.Warn("Job is not running, waiting for the agent anyway", "status", l.status, "attempts", l.budget.Used())
	}
	l.transition(StateScheduled)
	return nil
}

// awaitConnected waits for the agent to come online. It shares its attempt
// budget with awaitScheduled.
func (l *launch) awaitConnected(ctx context.Context) error {
	p, node := l.provider, l.node
	attempts := node.Template.ConnectAttempts()

	l.listener.Printf("Waiting for agent %s to connect", node.Name)
	connected, err := internal.Poll(ctx, &l.budget, attempts, p.options.ConnectPollInterval, false, func(int) (bool, error) {
		computer := node.Computer()
		if computer == nil {
			return false, fmt.Errorf("%w: %s", ErrNodeRemoved, node.Name)
		}
		return computer.IsOnline(), nil
	})
	if err != nil {
		return err
	}
	// The scheduled phase may have used up the whole budget, the agent still
	// gets checked once.
	if !connected {
		computer := node.Computer()
		connected = computer != nil && computer.IsOnline()
	}
	if !connected {
		return &NotConnectedError{Name: node.Name, Attempts: attempts, Status: l.status}
	}

	l.transition(StateConnected)
	return nil
}
