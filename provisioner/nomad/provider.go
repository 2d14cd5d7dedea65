// Package nomad provisions build agents as Nomad batch jobs.
package nomad

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/gammadia/nomadcloud/cloud"
	"github.com/gammadia/nomadcloud/namegen"
	api "github.com/gammadia/nomadcloud/nomad"
	"github.com/gammadia/nomadcloud/provisioner/internal"
)

type Provider struct {
	config  Config
	options Options
	log     *slog.Logger

	// mutex serializes provisioning passes and guards the template lists.
	mutex     sync.Mutex
	templates []*cloud.Template
	dynamic   []*cloud.Template

	clientMutex sync.Mutex
	client      *api.Client
}

// Provider implements cloud.Cloud
var _ cloud.Cloud = (*Provider)(nil)

func New(config Config, options Options) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	options = options.withDefaults()

	p := &Provider{
		config:    config,
		options:   options,
		log:       options.Logger.With("component", "provider", "provider", config.Name),
		templates: copyTemplates(config.Templates),
	}
	p.config.Templates = nil

	return p, nil
}

func copyTemplates(templates []cloud.Template) []*cloud.Template {
	return lo.Map(templates, func(t cloud.Template, _ int) *cloud.Template {
		return &t
	})
}

func (p *Provider) Name() string {
	return p.config.Name
}

func (p *Provider) Config() Config {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	config := p.config
	config.Templates = lo.Map(p.templates, func(t *cloud.Template, _ int) cloud.Template { return *t })
	return config
}

func (p *Provider) InFlight() *cloud.InFlight {
	return p.options.InFlight
}

// Templates returns the static templates followed by the dynamic ones.
func (p *Provider) Templates() []*cloud.Template {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.allTemplates()
}

func (p *Provider) allTemplates() []*cloud.Template {
	all := make([]*cloud.Template, 0, len(p.templates)+len(p.dynamic))
	return append(append(all, p.templates...), p.dynamic...)
}

// TemplatesFor returns all templates matching a label expression, in order.
func (p *Provider) TemplatesFor(label string) []*cloud.Template {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.templatesFor(label)
}

func (p *Provider) templatesFor(label string) []*cloud.Template {
	return lo.Filter(p.allTemplates(), func(t *cloud.Template, _ int) bool {
		return t.Matches(label)
	})
}

// Template returns the first template matching a label expression, nil if none does.
func (p *Provider) Template(label string) *cloud.Template {
	if templates := p.TemplatesFor(label); len(templates) > 0 {
		return templates[0]
	}
	return nil
}

func (p *Provider) AddTemplate(t cloud.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.hasTemplate(t.Name) {
		return fmt.Errorf("template '%s' already exists", t.Name)
	}
	p.templates = append(p.templates, &t)
	return nil
}

// RemoveTemplate removes a static template, it returns false if there was none.
func (p *Provider) RemoveTemplate(name string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	before := len(p.templates)
	p.templates = lo.Reject(p.templates, func(t *cloud.Template, _ int) bool { return t.Name == name })
	return len(p.templates) != before
}

// SetTemplates replaces the static templates.
func (p *Provider) SetTemplates(templates []cloud.Template) error {
	config := p.Config()
	config.Templates = templates
	if err := config.Validate(); err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.templates = copyTemplates(templates)
	return nil
}

// AddDynamicTemplate adds a template that is not part of the configuration.
func (p *Provider) AddDynamicTemplate(t cloud.Template) error {
	if err := t.Validate(); err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.hasTemplate(t.Name) {
		return fmt.Errorf("template '%s' already exists", t.Name)
	}
	p.dynamic = append(p.dynamic, &t)
	return nil
}

func (p *Provider) RemoveDynamicTemplate(name string) bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	before := len(p.dynamic)
	p.dynamic = lo.Reject(p.dynamic, func(t *cloud.Template, _ int) bool { return t.Name == name })
	return len(p.dynamic) != before
}

func (p *Provider) hasTemplate(name string) bool {
	return lo.ContainsBy(p.allTemplates(), func(t *cloud.Template) bool { return t.Name == name })
}

// CanProvision always returns true: capacity is enforced by Provision.
func (p *Provider) CanProvision(string) bool {
	return true
}

// connect returns the scheduler client of this provider, creating it on first use.
func (p *Provider) connect() (*api.Client, error) {
	p.clientMutex.Lock()
	defer p.clientMutex.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	token := ""
	if p.config.CredentialsID != "" {
		if p.options.Credentials == nil {
			return nil, fmt.Errorf("no credentials store to look up '%s'", p.config.CredentialsID)
		}

		var err error
		if token, err = p.options.Credentials(p.config.CredentialsID); err != nil {
			return nil, fmt.Errorf("failed to load credentials '%s': %w", p.config.CredentialsID, err)
		}
		token = strings.TrimSpace(token)
	}

	client, err := api.New(api.Config{
		Address:        p.config.Address,
		Namespace:      p.config.Namespace,
		Token:          token,
		TLSSkipVerify:  p.config.TLSSkipVerify,
		ConnectTimeout: time.Duration(p.config.ConnectTimeout) * time.Second,
		ReadTimeout:    time.Duration(p.config.ReadTimeout) * time.Second,
		Retries:        p.options.ClientRetries,
		RetryDelay:     p.options.ClientRetryDelay,
		Logger:         p.options.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Nomad client: %w", err)
	}

	p.client = client
	return client, nil
}

// TestConnection lists jobs and reports the outcome for display.
func (p *Provider) TestConnection(ctx context.Context) string {
	client, err := p.connect()
	if err == nil {
		_, err = client.List(ctx)
	}
	if err != nil {
		p.log.Warn("Connection test failed", "address", p.config.Address, "error", err)
		return fmt.Sprintf("Error testing connection %s: %v", p.config.Address, err)
	}
	return "Connection test successful"
}

// TestConnection checks a provider definition that is not registered yet.
func TestConnection(ctx context.Context, config Config, options Options) string {
	if strings.TrimSpace(config.Name) == "" {
		return "Error testing connection: name is required"
	}

	p, err := New(config, options)
	if err != nil {
		return fmt.Sprintf("Error testing connection %s: %v", config.Address, err)
	}
	return p.TestConnection(ctx)
}

func (p *Provider) plan(t *cloud.Template, label string) cloud.PlannedAgent {
	return cloud.PlannedAgent{
		Name:       namegen.AgentName(t.Name),
		Provider:   p.Name(),
		Template:   t,
		Label:      label,
		Launcher:   p,
		Terminator: p,
		Retention:  cloud.RetentionFor(t, p.config.Retention()),
	}
}

// Provision grants up to excessWorkload agents, minus those already in flight
// for the label, from the first matching template that has any capacity left.
// Errors are logged and result in nothing being granted.
func (p *Provider) Provision(ctx context.Context, label string, excessWorkload int) (granted []cloud.PlannedAgent) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	log := p.log.With("label", label)
	inFlight := p.options.InFlight

	defer func() {
		if r := recover(); r != nil {
			log.Error("Provisioning panicked", "panic", r)
			p.rollback(granted)
			granted = nil
		}
		p.options.Metrics.InFlight.WithLabelValues(p.Name()).Set(float64(inFlight.Len()))
	}()

	toProvision := internal.ToProvision(excessWorkload, inFlight.Count(label))
	log.Debug("Provisioning", "excess", excessWorkload, "in-flight", inFlight.Count(label), "to-provision", toProvision)
	if toProvision == 0 {
		return nil
	}

	for _, t := range p.templatesFor(label) {
		for len(granted) < toProvision {
			ok, reason, err := p.hasCapacity(ctx, t)
			if err != nil {
				if api.IsUnreachable(err) {
					log.Warn("Nomad is unreachable, not provisioning", "address", p.config.Address, "error", err)
				} else {
					log.Error("Failed to check capacity, not provisioning", "template", t.Name, "error", err)
				}
				p.rollback(granted)
				return nil
			}
			if !ok {
				log.Info("No capacity left", "template", t.Name, "reason", reason)
				p.options.Metrics.Denied.WithLabelValues(p.Name(), t.Name, reason).Inc()
				break
			}

			agent := p.plan(t, label)
			inFlight.Add(agent)
			granted = append(granted, agent)
		}

		if len(granted) > 0 {
			log.Info("Provisioned agents", "template", t.Name, "count", len(granted), "agents", lo.Map(granted, func(a cloud.PlannedAgent, _ int) string { return a.Name }))
			p.options.Metrics.Provisioned.WithLabelValues(p.Name(), t.Name).Add(float64(len(granted)))
			return granted
		}
	}

	return nil
}

func (p *Provider) rollback(granted []cloud.PlannedAgent) {
	for _, agent := range granted {
		p.options.InFlight.Done(agent.Name)
	}
}

// hasCapacity counts live jobs of this provider, plus agents in flight, against
// the global and template caps.
func (p *Provider) hasCapacity(ctx context.Context, t *cloud.Template) (bool, string, error) {
	globalCap, templateCap := p.config.Cap(), t.Cap()
	if globalCap == cloud.Unbounded && templateCap == cloud.Unbounded {
		return true, "", nil
	}

	client, err := p.connect()
	if err != nil {
		return false, "", err
	}

	jobs, err := client.List(ctx)
	if err != nil {
		return false, "", err
	}

	live := lo.Filter(jobs, func(job *api.JobListStub, _ int) bool {
		return job.Status != api.StatusDead && job.Meta[api.MetaProvider] == p.Name()
	})
	ids := func(jobs []*api.JobListStub) []string {
		return lo.Map(jobs, func(job *api.JobListStub, _ int) string { return job.ID })
	}

	globalCount := len(lo.Union(ids(live), p.options.InFlight.Names()))
	templateCount := len(lo.Union(
		ids(lo.Filter(live, func(job *api.JobListStub, _ int) bool { return job.Meta[api.MetaTemplate] == t.Name })),
		p.options.InFlight.NamesForTemplate(t.Name),
	))

	ok, reason := internal.HasCapacity(globalCap, globalCount, templateCap, templateCount)
	p.log.Debug("Capacity check", "template", t.Name,
		"global-count", globalCount, "global-cap", globalCap,
		"template-count", templateCount, "template-cap", templateCap,
		"ok", ok,
	)
	return ok, reason, nil
}
