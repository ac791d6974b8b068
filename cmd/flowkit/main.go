// flowkit runs a flow definition from a JSON file and prints the final run
// snapshot. The heavy lifting lives in internal/engine; this binary is the
// manual-trigger boundary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/opsrig/flowkit/internal/capability"
	"github.com/opsrig/flowkit/internal/engine"
	"github.com/opsrig/flowkit/internal/history"
	"github.com/opsrig/flowkit/internal/logging"
	"github.com/opsrig/flowkit/internal/streaming"
	"github.com/opsrig/flowkit/pkg/schema"
)

func main() {
	var (
		flowPath    = flag.String("flow", "", "path to the flow definition JSON file")
		dbPath      = flag.String("db", "", "optional libsql database for run history (file URI)")
		startNode   = flag.String("start", "", "optional explicit start node ID")
		resumeRun   = flag.String("resume-run", "", "resume this prior run ID from history (requires -db)")
		resumeNode  = flag.String("resume-node", "", "explicit node to resume from (default: successor of the failed node)")
		listActions = flag.Bool("list-actions", false, "print the builtin provider/action catalog and exit")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	if *listActions {
		if err := printActions(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if *flowPath == "" {
		fmt.Fprintln(os.Stderr, "usage: flowkit -flow <definition.json> [-db <uri>] [-start <node>] [-resume-run <id>]")
		os.Exit(2)
	}
	if *resumeRun != "" && *dbPath == "" {
		fmt.Fprintln(os.Stderr, "flowkit: -resume-run requires -db")
		os.Exit(2)
	}

	logger := newLogger(*logLevel)
	if err := run(logger, *flowPath, *dbPath, *startNode, *resumeRun, *resumeNode); err != nil {
		logger.Error("flowkit failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(base))
}

func run(logger *slog.Logger, flowPath, dbPath, startNode, resumeRun, resumeNode string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	def, err := loadDefinition(flowPath)
	if err != nil {
		return err
	}

	registry := capability.NewRegistry()
	if err := capability.RegisterBuiltins(registry); err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithHub(streaming.NewMemoryHub()),
	}
	var recorder *history.LibSQLLog
	if dbPath != "" {
		recorder, err = history.OpenLibSQLLog(ctx, dbPath)
		if err != nil {
			return err
		}
		defer recorder.Close()
		opts = append(opts, engine.WithRecorder(recorder))
	}

	eng, err := engine.New(def, registry, opts...)
	if err != nil {
		return err
	}

	var snap *engine.RunSnapshot
	var runErr error
	switch {
	case resumeRun != "":
		if err := eng.RestoreRun(ctx, recorder, resumeRun); err != nil {
			return err
		}
		snap, runErr = eng.Resume(ctx, resumeNode, true)
	case startNode != "":
		snap, runErr = eng.ExecuteFrom(ctx, startNode)
	default:
		snap, runErr = eng.Execute(ctx)
	}
	if snap != nil {
		printSnapshot(snap)
	}
	return runErr
}

func printActions() error {
	registry := capability.NewRegistry()
	if err := capability.RegisterBuiltins(registry); err != nil {
		return err
	}
	for _, info := range registry.List() {
		fmt.Printf("%s.%s\t%s\n", info.Provider, info.Action, info.Description)
	}
	return nil
}

func loadDefinition(path string) (*schema.FlowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow definition: %w", err)
	}
	var def schema.FlowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse flow definition: %w", err)
	}
	if err := schema.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func printSnapshot(snap *engine.RunSnapshot) {
	out, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode snapshot: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
