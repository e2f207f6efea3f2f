package registry

import (
	"testing"

	"github.com/akyriacou/synod/internal/config"
	"github.com/akyriacou/synod/internal/consensus"
	"github.com/akyriacou/synod/internal/swarm"
)

func testTemplates() map[string]config.AgentTemplate {
	return map[string]config.AgentTemplate{
		"worker": {
			Type:         "generic",
			Capabilities: []string{"build", "test"},
			Count:        3,
		},
		"deployer": {
			Type:         "deploy",
			Capabilities: []string{"deploy"},
		},
	}
}

func TestNamesSorted(t *testing.T) {
	r := New(testTemplates())
	names := r.Names()
	if len(names) != 2 || names[0] != "deployer" || names[1] != "worker" {
		t.Errorf("names %v, want [deployer worker]", names)
	}
}

func TestGet(t *testing.T) {
	r := New(testTemplates())
	tpl, ok := r.Get("worker")
	if !ok || tpl.Type != "generic" {
		t.Errorf("get worker: %+v, %v", tpl, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("unknown template found")
	}
}

func TestSpecNaming(t *testing.T) {
	r := New(testTemplates())

	// Single-instance templates keep the bare name.
	spec, err := r.Spec("deployer", 0)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Name != "deployer" {
		t.Errorf("name %q, want deployer", spec.Name)
	}

	// Multi-instance templates get an index suffix.
	spec, err = r.Spec("worker", 2)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Name != "worker-2" {
		t.Errorf("name %q, want worker-2", spec.Name)
	}
	if spec.Type != "generic" || len(spec.Capabilities) != 2 {
		t.Errorf("spec %+v", spec)
	}

	if _, err := r.Spec("missing", 0); err == nil {
		t.Error("expected error for unknown template")
	}
}

func TestPopulate(t *testing.T) {
	net := consensus.NewLocalNetwork()
	t.Cleanup(net.Close)
	kr, err := consensus.NewKeyring("node-0")
	if err != nil {
		t.Fatal(err)
	}
	kr.Register("node-0", kr.PublicKey())
	node := consensus.New("node-0", 0.33, 0, kr, net.Register("node-0"))
	net.Attach(node)
	node.Initialize([]string{"node-0"})
	t.Cleanup(node.Stop)

	coord := swarm.NewCoordinator(config.CoordinatorConfig{MaxSwarms: 5, ExecutionMode: "parallel"}, node)
	sw, err := coord.CreateSwarm(swarm.SwarmConfig{Name: "farm"})
	if err != nil {
		t.Fatal(err)
	}

	r := New(testTemplates())
	agents, err := r.Populate(coord, sw.ID)
	if err != nil {
		t.Fatalf("populate: %v", err)
	}
	// 1 deployer + 3 workers.
	if len(agents) != 4 {
		t.Fatalf("expected 4 agents, got %d", len(agents))
	}

	names := make(map[string]bool)
	for _, a := range agents {
		names[a.Name] = true
	}
	for _, want := range []string{"deployer", "worker-0", "worker-1", "worker-2"} {
		if !names[want] {
			t.Errorf("missing agent %s in %v", want, names)
		}
	}

	if _, err := r.Populate(coord, "unknown"); err == nil {
		t.Error("expected error for unknown swarm")
	}
}
