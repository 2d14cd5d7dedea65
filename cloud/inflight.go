package cloud

import (
	"sort"
	"sync"
)

// InFlight tracks agents that were granted but whose launch has not reached a
// terminal state yet. It is safe for concurrent use.
type InFlight struct {
	mutex  sync.Mutex
	agents map[string]inFlightAgent
}

type inFlightAgent struct {
	label    string
	template string
}

func NewInFlight() *InFlight {
	return &InFlight{agents: make(map[string]inFlightAgent)}
}

// Add registers a planned agent.
func (f *InFlight) Add(agent PlannedAgent) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	template := ""
	if agent.Template != nil {
		template = agent.Template.Name
	}
	f.agents[agent.Name] = inFlightAgent{label: agent.Label, template: template}
}

// Done removes an agent. It returns false if the agent was not in flight,
// which makes it safe to call more than once.
func (f *InFlight) Done(name string) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if _, ok := f.agents[name]; !ok {
		return false
	}
	delete(f.agents, name)
	return true
}

// Count returns the number of agents in flight for a demand label.
func (f *InFlight) Count(label string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	count := 0
	for _, agent := range f.agents {
		if agent.label == label {
			count++
		}
	}
	return count
}

// Len returns the number of agents in flight, all labels included.
func (f *InFlight) Len() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return len(f.agents)
}

// Names returns the names of all agents in flight, sorted.
func (f *InFlight) Names() []string {
	return f.names(func(inFlightAgent) bool { return true })
}

// NamesForTemplate returns the names of agents in flight for a template, sorted.
func (f *InFlight) NamesForTemplate(template string) []string {
	return f.names(func(agent inFlightAgent) bool { return agent.template == template })
}

func (f *InFlight) names(keep func(inFlightAgent) bool) []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	names := make([]string, 0, len(f.agents))
	for name, agent := range f.agents {
		if keep(agent) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
