package nomad

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/gammadia/nomadcloud/cloud"
)

// Config is one provider definition.
type Config struct {
	Name          string `yaml:"name"`
	Address       string `yaml:"address"`
	TLSSkipVerify bool   `yaml:"tls-skip-verify,omitempty"`
	Namespace     string `yaml:"namespace"`
	CredentialsID string `yaml:"credentials-id,omitempty"`

	// ContainerCap limits the number of live agents across all templates, 0 means unbounded.
	ContainerCap int `yaml:"container-cap,omitempty"`
	// ConnectTimeout and ReadTimeout apply to scheduler requests, in seconds.
	ConnectTimeout int `yaml:"connect-timeout,omitempty"`
	ReadTimeout    int `yaml:"read-timeout,omitempty"`
	// RetentionTimeout is how long "once" agents may stay idle, in minutes.
	RetentionTimeout int `yaml:"retention-timeout,omitempty"`

	Datacenters []string          `yaml:"datacenters,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Templates   []cloud.Template  `yaml:"templates"`
}

const DefaultRetentionTimeout = 5

// Cap returns the global agent cap, cloud.Unbounded when none is set.
func (c Config) Cap() int {
	if c.ContainerCap <= 0 {
		return cloud.Unbounded
	}
	return c.ContainerCap
}

func (c Config) Retention() time.Duration {
	return time.Duration(lo.Ternary(c.RetentionTimeout > 0, c.RetentionTimeout, DefaultRetentionTimeout)) * time.Minute
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("provider name is required")
	}
	if strings.TrimSpace(c.Namespace) == "" {
		return fmt.Errorf("provider '%s': namespace is required", c.Name)
	}
	if u, err := url.Parse(c.Address); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("provider '%s': invalid address '%s'", c.Name, c.Address)
	}
	if c.ContainerCap < 0 {
		return fmt.Errorf("provider '%s': container-cap must not be negative", c.Name)
	}
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 || c.RetentionTimeout < 0 {
		return fmt.Errorf("provider '%s': timeouts must not be negative", c.Name)
	}

	for i := range c.Templates {
		if err := c.Templates[i].Validate(); err != nil {
			return fmt.Errorf("provider '%s': %w", c.Name, err)
		}
	}
	if duplicates := lo.FindDuplicates(lo.Map(c.Templates, func(t cloud.Template, _ int) string { return t.Name })); len(duplicates) > 0 {
		return fmt.Errorf("provider '%s': duplicate template names %v", c.Name, duplicates)
	}
	return nil
}

// Process-wide defaults of Options.
const (
	DefaultDisconnectTimeout    = 5 * time.Second
	DefaultSchedulePollInterval = 6 * time.Second
	DefaultSchedulePollAttempts = 100
	DefaultConnectPollInterval  = 1 * time.Second
)

// Options are the collaborators and tunables shared by providers.
type Options struct {
	Logger       *slog.Logger
	Metrics      *Metrics
	Orchestrator cloud.Orchestrator
	// Registry resolves the owning provider of a node when terminating it.
	Registry *Registry
	// InFlight is kept across reloads of the same provider.
	InFlight *cloud.InFlight
	// Credentials returns the scheduler token for a credentials ID.
	Credentials func(id string) (string, error)

	DisconnectTimeout    time.Duration
	SchedulePollInterval time.Duration
	SchedulePollAttempts int
	ConnectPollInterval  time.Duration

	ClientRetries    uint
	ClientRetryDelay time.Duration
}

func (o Options) withDefaults() Options {
	o.Logger = lo.Ternary(o.Logger != nil, o.Logger, slog.Default())
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.InFlight == nil {
		o.InFlight = cloud.NewInFlight()
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if o.SchedulePollInterval <= 0 {
		o.SchedulePollInterval = DefaultSchedulePollInterval
	}
	if o.SchedulePollAttempts <= 0 {
		o.SchedulePollAttempts = DefaultSchedulePollAttempts
	}
	if o.ConnectPollInterval <= 0 {
		o.ConnectPollInterval = DefaultConnectPollInterval
	}
	return o
}
