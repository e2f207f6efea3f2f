package registry

import (
	"fmt"
	"sort"

	"github.com/akyriacou/synod/internal/config"
	"github.com/akyriacou/synod/internal/swarm"
)

// Registry holds the configured agent templates and stamps them out into
// swarms. Templates are read-only after startup.
type Registry struct {
	templates map[string]config.AgentTemplate
}

func New(templates map[string]config.AgentTemplate) *Registry {
	return &Registry{templates: templates}
}

// Get returns the template for a named agent class.
func (r *Registry) Get(name string) (config.AgentTemplate, bool) {
	tpl, ok := r.templates[name]
	return tpl, ok
}

// Names returns the template names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spec builds the agent spec for one instance of a template. The index
// disambiguates names when a template has count > 1.
func (r *Registry) Spec(name string, index int) (swarm.AgentSpec, error) {
	tpl, ok := r.templates[name]
	if !ok {
		return swarm.AgentSpec{}, fmt.Errorf("unknown agent template: %s", name)
	}
	spec := swarm.AgentSpec{
		Name:         name,
		Type:         tpl.Type,
		Capabilities: tpl.Capabilities,
	}
	if tpl.Count > 1 {
		spec.Name = fmt.Sprintf("%s-%d", name, index)
	}
	return spec, nil
}

// Populate adds every templated agent to the given swarm and returns the
// created agents.
func (r *Registry) Populate(coord *swarm.Coordinator, swarmID string) ([]*swarm.Agent, error) {
	var agents []*swarm.Agent
	for _, name := range r.Names() {
		tpl := r.templates[name]
		count := tpl.Count
		if count <= 0 {
			count = 1
		}
		for i := 0; i < count; i++ {
			spec, err := r.Spec(name, i)
			if err != nil {
				return agents, err
			}
			agent, err := coord.AddAgentToSwarm(swarmID, spec)
			if err != nil {
				return agents, fmt.Errorf("add agent %s: %w", spec.Name, err)
			}
			agents = append(agents, agent)
		}
	}
	return agents, nil
}
