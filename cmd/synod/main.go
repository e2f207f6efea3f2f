package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akyriacou/synod/internal/config"
	"github.com/akyriacou/synod/internal/consensus"
	"github.com/akyriacou/synod/internal/executor"
	"github.com/akyriacou/synod/internal/natsbus"
	"github.com/akyriacou/synod/internal/registry"
	"github.com/akyriacou/synod/internal/scheduler"
	"github.com/akyriacou/synod/internal/store"
	"github.com/akyriacou/synod/internal/swarm"
	"github.com/akyriacou/synod/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("synod %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: synod <command>\n\nCommands:\n  serve      Start the coordination node\n  backup     Archive the data directory\n  restore    Restore a data directory archive\n  version    Print version\n")
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting synod node", "version", version, "node", cfg.Node.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	client, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("init nats client: %w", err)
	}
	defer client.Close()

	// Consensus node over the bus
	kr, err := consensus.NewKeyring(cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init keyring: %w", err)
	}
	transport := natsbus.NewConsensusTransport(client, cfg.Consensus.Cluster, cfg.Node.ID)
	defer transport.Close()

	node := consensus.New(cfg.Node.ID, cfg.Consensus.FaultThreshold, cfg.Consensus.Timeout, kr, transport)
	defer node.Stop()
	node.SetEventSink(func(event string, data map[string]any) {
		_ = client.PublishEvent(natsbus.TopicEventsNode(cfg.Node.ID), event, data)
	})

	if err := transport.Attach(node); err != nil {
		return fmt.Errorf("attach consensus transport: %w", err)
	}
	if err := transport.ShareKeys(kr); err != nil {
		return fmt.Errorf("share consensus keys: %w", err)
	}

	node.Initialize(cfg.Consensus.Peers)
	slog.Info("consensus node initialized", "peers", len(cfg.Consensus.Peers)+1, "quorum", node.QuorumSize(), "primary", node.PrimaryID())

	// Swarm coordinator
	coord := swarm.NewCoordinator(cfg.Coordinator, node)
	coord.SetArchiver(db)
	coord.SetEventSink(func(event string, data map[string]any) {
		swarmID, _ := data["swarm_id"].(string)
		_ = client.PublishEvent(natsbus.TopicEventsSwarmID(swarmID), event, data)
	})

	// Each agent gets a sequential executor dispatching work over the bus.
	coord.SetRunnerFactory(func(agent *swarm.Agent) swarm.TaskRunner {
		sub := executor.New(agent.ID, cfg.Executor, cfg.Rules, workAction(client))
		sub.SetReporter(coord)
		sub.SetDependencyChecker(coord.IsTaskCompleted)
		sub.SetEventSink(func(event string, data map[string]any) {
			_ = client.PublishEvent(natsbus.TopicEventsAgentID(agent.ID), event, data)
		})
		return sub
	})

	// Agent templates
	reg := registry.New(cfg.Agents)

	// Recurring submissions
	sched := scheduler.New(db, coord, client, cfg.Scheduler)
	go sched.Start(ctx)

	// Web API + event stream
	if cfg.Web.Enabled {
		srv := web.NewServer(db, bus, node, coord, reg, sched, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()
	return nil
}

// workAction dispatches a task to whatever worker is subscribed on the
// task type's work subject and interprets the reply. No responder within
// the deadline surfaces as an ordinary failure, subject to retries.
func workAction(client *natsbus.Client) executor.Action {
	return func(ctx context.Context, t *swarm.Task) error {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}

		timeout := 30 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}

		msg, err := client.Request(natsbus.TopicWork(t.Type), data, timeout)
		if err != nil {
			return fmt.Errorf("dispatch %s work: %w", t.Type, err)
		}

		var reply struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			return fmt.Errorf("undecodable worker reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("worker reported failure: %s", reply.Error)
		}
		return nil
	}
}
