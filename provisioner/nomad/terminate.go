package nomad

import (
	"context"
	"errors"
	"fmt"

	"github.com/gammadia/nomadcloud/cloud"
)

var ErrProviderNotFound = errors.New("provider not found")

// Terminate disconnects the agent of a node and deregisters its job. It never
// fails: problems are logged, reported to the listener and returned in the
// result. Nothing is retried, a job left behind must be cleaned up by hand.
func (p *Provider) Terminate(ctx context.Context, node *cloud.AgentNode, listener cloud.Listener) (result cloud.TerminationResult) {
	result.Node = node.Name
	log := p.log.With("node", node.Name)

	defer func() {
		outcome := "ok"
		if !result.OK() {
			outcome = "failed"
		}
		p.options.Metrics.Terminations.WithLabelValues(node.Provider, outcome).Inc()
	}()

	if computer := node.Sever(); computer != nil {
		disconnectCtx, cancel := context.WithTimeout(ctx, p.options.DisconnectTimeout)
		err := computer.Disconnect(disconnectCtx, "Agent is being terminated")
		cancel()

		if err != nil {
			log.Warn("Failed to disconnect agent, terminating anyway", "timeout", p.options.DisconnectTimeout, "error", err)
		} else {
			result.Disconnected = true
		}
	}

	owner, err := p.owner(node.Provider)
	if err != nil {
		log.Error("Unable to terminate agent, its job may be left behind", "owner", node.Provider, "error", err)
		listener.Errorf("Unable to terminate agent %s: %v", node.Name, err)
		result.Err = err
		return
	}

	client, err := owner.connect()
	if err != nil {
		log.Error("Failed to connect to Nomad, job may be left behind", "error", err)
		listener.Errorf("Failed to connect to Nomad to terminate agent %s: %v", node.Name, err)
		result.Err = err
		return
	}

	evalID, err := client.Deregister(ctx, node.Name)
	if err != nil {
		log.Error("Failed to deregister job", "error", err)
		listener.Errorf("Failed to deregister job %s: %v", node.Name, err)
		result.Err = err
		return
	}

	result.Deregistered = true
	result.EvalID = evalID
	log.Info("Job deregistered", "eval", evalID)
	listener.Printf("Terminated agent %s, evaluation %s", node.Name, evalID)
	return
}

// owner resolves the provider a node was launched by, which may have been
// removed or replaced since.
func (p *Provider) owner(name string) (*Provider, error) {
	if p.options.Registry == nil {
		if name == p.Name() {
			return p, nil
		}
		return nil, fmt.Errorf("%w: '%s'", ErrProviderNotFound, name)
	}

	owner, ok := p.options.Registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrProviderNotFound, name)
	}
	return owner, nil
}
