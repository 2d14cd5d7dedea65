package nomad

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/alessio/shellescape"
	sprig "github.com/go-task/slim-sprig/v3"
	nomadapi "github.com/hashicorp/nomad/api"
	"github.com/samber/lo"

	"github.com/gammadia/nomadcloud/cloud"
)

// Meta keys set on every agent job.
const (
	MetaProvider = "nomadcloud-provider"
	MetaTemplate = "nomadcloud-template"
	MetaLabel    = "nomadcloud-label"
)

// DefaultArgs is used for task groups that don't set any arguments.
const DefaultArgs = "{{ .Secret }} {{ .Name }}"

const driver = "docker"

// AgentSpec is what, besides the template, goes into an agent job.
type AgentSpec struct {
	Name     string
	Provider string
	Label    string

	// Provider level defaults, overridden by the template.
	Namespace   string
	Datacenters []string
	// Meta is added to the job meta, under the reserved keys.
	Meta map[string]string

	Connection cloud.ConnectionInfo
}

// TemplateData is the data available to args, command and env templates.
type TemplateData struct {
	Name   string
	Secret string
	URL    string
	Tunnel string
	Label  string
}

// BuildJob turns a template into the job running a single agent.
func BuildJob(t *cloud.Template, agent AgentSpec) (*Job, error) {
	if agent.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if len(t.TaskGroups) < 1 {
		return nil, fmt.Errorf("template '%s' has no task group", t.DisplayName())
	}

	data := TemplateData{
		Name:   agent.Name,
		Secret: agent.Connection.Secret,
		URL:    agent.Connection.URL,
		Tunnel: agent.Connection.Tunnel,
		Label:  agent.Label,
	}

	meta := lo.Assign(agent.Meta, map[string]string{
		MetaProvider: agent.Provider,
		MetaTemplate: t.Name,
		MetaLabel:    agent.Label,
	})

	job := &Job{
		ID:          lo.ToPtr(agent.Name),
		Name:        lo.ToPtr(agent.Name),
		Type:        lo.ToPtr(nomadapi.JobTypeBatch),
		Namespace:   lo.ToPtr(lo.Ternary(t.Namespace != "", t.Namespace, agent.Namespace)),
		Datacenters: lo.Ternary(len(t.Datacenters) > 0, t.Datacenters, agent.Datacenters),
		Meta:        meta,
	}

	for i, group := range t.TaskGroups {
		task, err := buildTask(t, group, i, data)
		if err != nil {
			return nil, fmt.Errorf("template '%s': %w", t.DisplayName(), err)
		}

		taskGroup := nomadapi.NewTaskGroup(task.Name, 1).AddTask(task)
		// Agents are never restarted: a failed agent is a failed launch.
		taskGroup.RestartPolicy = &RestartPolicy{
			Attempts: lo.ToPtr(0),
			Mode:     lo.ToPtr("fail"),
		}
		taskGroup.ReschedulePolicy = &ReschedulePolicy{
			Attempts:  lo.ToPtr(0),
			Unlimited: lo.ToPtr(false),
		}
		job.AddTaskGroup(taskGroup)
	}

	return job, nil
}

func buildTask(t *cloud.Template, group cloud.TaskGroup, index int, data TemplateData) (*Task, error) {
	name := t.GroupName(index)

	args, err := render(name+".args", lo.Ternary(group.Args != "", group.Args, DefaultArgs), data)
	if err != nil {
		return nil, err
	}
	command, err := render(name+".command", group.Command, data)
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	for key, value := range lo.Assign(t.Env, group.Env) {
		if env[key], err = render(name+".env."+key, value, data); err != nil {
			return nil, err
		}
	}

	config := map[string]any{"image": group.Image}
	if command = strings.TrimSpace(command); command != "" {
		config["command"] = command
	}
	if fields := strings.Fields(args); len(fields) > 0 {
		config["args"] = fields
	}

	task := nomadapi.NewTask(name, driver)
	task.Config = config
	task.Env = lo.Ternary(len(env) > 0, env, nil)
	if group.CPU > 0 || group.Memory > 0 {
		task.Resources = &Resources{}
		if group.CPU > 0 {
			task.Resources.CPU = lo.ToPtr(group.CPU)
		}
		if group.Memory > 0 {
			task.Resources.MemoryMB = lo.ToPtr(group.Memory)
		}
	}

	return task, nil
}

var funcs = lo.Assign(template.FuncMap(sprig.TxtFuncMap()), template.FuncMap{
	"base64": func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	},
	"json": func(v any) (string, error) {
		buf, err := json.Marshal(v)
		return string(buf), err
	},
})

func render(name, source string, data TemplateData) (string, error) {
	if !strings.Contains(source, "{{") {
		return source, nil
	}

	tmpl, err := template.New(name).Funcs(funcs).Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", name, err)
	}

	var output strings.Builder
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", name, err)
	}

	return output.String(), nil
}

// CommandLine returns the shell-quoted command and arguments of a task, for logs.
// The image entrypoint is used when no command is set.
func CommandLine(task *Task) string {
	var parts []string
	if command, ok := task.Config["command"].(string); ok && command != "" {
		parts = append(parts, command)
	}
	if args, ok := task.Config["args"].([]string); ok {
		parts = append(parts, args...)
	}
	return shellescape.QuoteCommand(parts)
}
