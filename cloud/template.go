package cloud

import (
	"fmt"
	"math"
	"strings"

	"github.com/gammadia/nomadcloud/label"
)

// Mode tells whether a template serves unlabeled demand.
type Mode string

const (
	// ModeNormal templates are used for any job, labeled or not.
	ModeNormal Mode = "normal"
	// ModeExclusive templates only serve demand whose label matches.
	ModeExclusive Mode = "exclusive"
)

const (
	// DefaultConnectTimeout is the number of polling attempts an agent gets to connect.
	DefaultConnectTimeout = 100

	// Unbounded is the cap used when none is configured.
	Unbounded = math.MaxInt
)

// TaskGroup describes one group of the scheduler job an agent runs in.
type TaskGroup struct {
	Name    string            `yaml:"name" json:"name"`
	Image   string            `yaml:"image" json:"image"`
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    string            `yaml:"args,omitempty" json:"args,omitempty"`
	CPU     int               `yaml:"cpu,omitempty" json:"cpu,omitempty"`
	Memory  int               `yaml:"memory,omitempty" json:"memory,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// Template is a named capability descriptor that agents are launched from.
type Template struct {
	Name  string `yaml:"name" json:"name"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
	Mode  Mode   `yaml:"mode,omitempty" json:"mode,omitempty"`

	// InstanceCap limits the number of live agents for this template, 0 means unbounded.
	InstanceCap int `yaml:"instance-cap,omitempty" json:"instance-cap,omitempty"`
	// ConnectTimeout is the number of one second attempts an agent gets to connect.
	ConnectTimeout int `yaml:"connect-timeout,omitempty" json:"connect-timeout,omitempty"`
	IdleMinutes    int `yaml:"idle-minutes,omitempty" json:"idle-minutes,omitempty"`

	Namespace   string            `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Datacenters []string          `yaml:"datacenters,omitempty" json:"datacenters,omitempty"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	TaskGroups  []TaskGroup       `yaml:"task-groups" json:"task-groups"`
}

// DisplayName is the name used in logs.
func (t *Template) DisplayName() string {
	if t.Name == "" {
		return "(unnamed)"
	}
	return t.Name
}

// LabelSet returns the atoms this template advertises.
func (t *Template) LabelSet() []string {
	return label.Atoms(t.Label)
}

// Cap returns the instance cap, Unbounded when none is set.
func (t *Template) Cap() int {
	if t.InstanceCap <= 0 {
		return Unbounded
	}
	return t.InstanceCap
}

// ConnectAttempts returns the connection timeout, in attempts.
func (t *Template) ConnectAttempts() int {
	if t.ConnectTimeout <= 0 {
		return DefaultConnectTimeout
	}
	return t.ConnectTimeout
}

// UsageMode returns the node usage mode, defaulting to ModeNormal.
func (t *Template) UsageMode() Mode {
	if t.Mode == "" {
		return ModeNormal
	}
	return t.Mode
}

// Matches reports whether this template can serve demand for the given label
// expression. A blank expression stands for unlabeled demand.
func (t *Template) Matches(expr string) bool {
	if strings.TrimSpace(expr) == "" {
		return t.UsageMode() == ModeNormal
	}

	matched, err := label.Matches(expr, t.LabelSet())
	return err == nil && matched
}

func (t *Template) Validate() error {
	if t.InstanceCap < 0 {
		return fmt.Errorf("template '%s': instance-cap must not be negative", t.DisplayName())
	}
	if t.ConnectTimeout < 0 {
		return fmt.Errorf("template '%s': connect-timeout must not be negative", t.DisplayName())
	}
	if t.IdleMinutes < 0 {
		return fmt.Errorf("template '%s': idle-minutes must not be negative", t.DisplayName())
	}
	switch t.UsageMode() {
	case ModeNormal, ModeExclusive:
	default:
		return fmt.Errorf("template '%s': unknown mode '%s'", t.DisplayName(), t.Mode)
	}
	if len(t.TaskGroups) < 1 {
		return fmt.Errorf("template '%s': at least one task group is required", t.DisplayName())
	}
	names := make(map[string]bool, len(t.TaskGroups))
	for i, group := range t.TaskGroups {
		if group.Image == "" {
			return fmt.Errorf("template '%s': task group %d has no image", t.DisplayName(), i)
		}
		name := t.GroupName(i)
		if names[name] {
			return fmt.Errorf("template '%s': duplicate task group name '%s'", t.DisplayName(), name)
		}
		names[name] = true
	}
	return nil
}

// GroupName returns the name of the i-th task group, unnamed groups being
// called after their position.
func (t *Template) GroupName(i int) string {
	if name := t.TaskGroups[i].Name; name != "" {
		return name
	}
	return fmt.Sprintf("agent-%d", i)
}
