// Command agentgate is the CLI for the AgentGate server.
//
// Usage:
//
//	agentgate serve --config config.yaml
//	agentgate validate --data-dir ./data
//	agentgate purge --data-dir ./data --status failed --older-than 720h
//	agentgate version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fl-sean03/agentgate/internal/audit"
	"github.com/fl-sean03/agentgate/internal/config"
	"github.com/fl-sean03/agentgate/internal/driver"
	"github.com/fl-sean03/agentgate/internal/engine"
	"github.com/fl-sean03/agentgate/internal/gate"
	"github.com/fl-sean03/agentgate/internal/model"
	"github.com/fl-sean03/agentgate/internal/resource"
	"github.com/fl-sean03/agentgate/internal/retry"
	"github.com/fl-sean03/agentgate/internal/scheduler"
	"github.com/fl-sean03/agentgate/internal/store"
	"github.com/fl-sean03/agentgate/internal/stream"
	"github.com/fl-sean03/agentgate/internal/transport"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the AgentGate server."`
	Validate ValidateCmd `cmd:"" help:"Validate the work-order store for corruption."`
	Purge    PurgeCmd    `cmd:"" help:"Delete work orders matching a filter."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

// VersionCmd prints build version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("agentgate version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP/WebSocket server and its background loops.
type ServeCmd struct {
	Addr    string `help:"Override the listen address from config."`
	DataDir string `help:"Override the data directory from config." type:"path"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	log := newLogger(cli.LogLevel)

	cfg := defaultConfigOr("", log)
	if cli.Config != "" {
		loaded, err := config.Load(cli.Config)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}
	if c.DataDir != "" {
		cfg.DataDir = c.DataDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if issues, err := st.ValidateStorage(); err == nil && len(issues) > 0 {
		log.Warn("work-order store has corrupt records", "count", len(issues))
	}

	auditLog := audit.New(cfg.AuditMaxEvents)

	buf := stream.NewBuffer(stream.BufferConfig{
		MaxEventsPerWorkOrder: cfg.Stream.MaxEventsPerWorkOrder,
		MaxTotalEvents:        cfg.Stream.MaxTotalEvents,
		RetentionMinutes:      cfg.Stream.RetentionMinutes,
	})
	buf.Start()
	defer buf.Stop()

	slots := resource.New(resource.Config{
		MaxConcurrentSlots: cfg.Scheduler.MaxConcurrentRuns,
		MemoryPerSlotMB:    cfg.Resource.MemoryPerSlotMB,
		PollInterval:       time.Duration(cfg.Resource.PollIntervalSeconds) * time.Second,
	}, log)
	slots.Start()
	defer slots.Stop()

	baseDir := cfg.DataDir + "/sandboxes"
	sandboxes := &driver.LocalSandboxProvider{BaseDir: baseDir}
	agentDriver := &driver.SubprocessAgentDriver{Command: "true"}
	vcs := &driver.GitVCS{}
	verifier := &driver.CommandVerifier{
		Commands: map[model.Level]string{}, // populated per work order by real deployments
	}

	base, maxDelay := cfg.Retry.Durations()
	retryPolicy := retry.Policy{
		MaxRetries:        cfg.Retry.MaxRetries,
		BaseDelay:         base,
		MaxDelay:          maxDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		JitterFactor:      cfg.Retry.JitterFactor,
	}

	eng := engine.New(engine.Deps{
		Store:     st,
		Slots:     slots,
		Sandboxes: sandboxes,
		Agents:    agentDriver,
		VCS:       vcs,
		Verifier:  verifier,
		GateRunners: map[model.GateCheckType]driver.GateRunner{
			model.GateVerificationLevels: &gate.VerificationLevelsRunner{},
			model.GateCustomCommand: &gate.CustomCommandRunner{
				WorkspacePath: func(snap *model.Snapshot) string { return baseDir + "/" + snap.WorkOrderID },
			},
		},
		Audit:       auditLog,
		Buffer:      buf,
		RetryPolicy: retryPolicy,
		Log:         log,
		MaxConcurrentRuns: cfg.Scheduler.MaxConcurrentRuns,
	})

	sched := scheduler.New(scheduler.Config{
		PollInterval:    time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second,
		StaggerInterval: time.Duration(cfg.Scheduler.StaggerIntervalMillis) * time.Millisecond,
		StaleAfter:      time.Duration(cfg.Scheduler.StaleAfterMinutes) * time.Minute,
	}, st, slots, eng, eng, auditLog, log)
	sched.Start(ctx)
	defer sched.Stop()

	srv := transport.New(transport.Config{
		Addr:                 cfg.Server.Addr,
		ReadTimeout:          time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:         time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		PrometheusRegisterer: prometheus.DefaultRegisterer,
	}, st, eng, auditLog, buf, slots, log)

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown", "error", err)
		}
	}()

	return srv.Start()
}

// ValidateCmd inspects the work-order store for corrupt records without
// starting the server.
type ValidateCmd struct {
	DataDir string `help:"Data directory to validate." default:"./data" type:"path"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	st, err := store.New(c.DataDir)
	if err != nil {
		return err
	}
	issues, err := st.ValidateStorage()
	if err != nil {
		return err
	}
	if len(issues) == 0 {
		fmt.Println("ok: no corrupt work orders found")
		return nil
	}
	for _, issue := range issues {
		fmt.Printf("%s: %s: %s\n", issue.Category, issue.Path, issue.Detail)
	}
	return fmt.Errorf("found %d corrupt work order(s)", len(issues))
}

// PurgeCmd deletes work orders matching a status/age filter.
type PurgeCmd struct {
	DataDir   string   `help:"Data directory to purge." default:"./data" type:"path"`
	Status    []string `help:"Only purge work orders with one of these statuses."`
	OlderThan string   `help:"Only purge work orders created before this long ago (e.g. 720h)."`
	DryRun    bool     `help:"Report what would be deleted without deleting."`
}

func (c *PurgeCmd) Run(cli *CLI) error {
	st, err := store.New(c.DataDir)
	if err != nil {
		return err
	}

	var olderThan time.Time
	if c.OlderThan != "" {
		d, err := time.ParseDuration(c.OlderThan)
		if err != nil {
			return fmt.Errorf("invalid --older-than: %w", err)
		}
		olderThan = time.Now().Add(-d)
	}

	filter := store.PurgeFilter{OlderThan: olderThan, DryRun: c.DryRun}
	for _, s := range c.Status {
		filter.Statuses = append(filter.Statuses, statusFromString(s))
	}

	matched, err := st.Purge(filter)
	if err != nil {
		return err
	}
	verb := "purged"
	if c.DryRun {
		verb = "would purge"
	}
	fmt.Printf("%s %d work order(s)\n", verb, len(matched))
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("agentgate"),
		kong.Description("Schedules and executes long-running AI-agent work orders."),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
