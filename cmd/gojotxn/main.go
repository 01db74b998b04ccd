// Command gojotxn is an interactive shell over a transactional triple store.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/core/dataset"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	dataDir    = flag.String("dir", "", "Dataset directory (overrides store.dir)")
	logLevel   = flag.String("log-level", "", "Log level (overrides logger.level)")
	logChanges = flag.Bool("log-changes", false, "Log every committed change")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gojotxn: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if *dataDir != "" {
		cfg.Store.Dir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to create logger")
	}
	defer log.Sync()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return errors.Wrap(err, "failed to initialize telemetry")
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Error("Failed to shut down telemetry", zap.Error(err))
		}
	}()

	metrics, err := internaltelemetry.NewTxnMetrics(tel.Meter)
	if err != nil {
		return errors.Wrap(err, "failed to create transaction metrics")
	}

	storeCfg := cfg.Store
	storeCfg.Logger = log
	storeCfg.Tracer = tel.Tracer
	storeCfg.Metrics = metrics
	if *logChanges {
		storeCfg.ChangeLog = dataset.NewLoggingChangeLog(log)
	}
	ds, err := dataset.Open(storeCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := ds.Close(); err != nil {
			log.Error("Failed to close dataset", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return shellLoop(ctx, ds, filepath.Join(cfg.Store.Dir, ".gojotxn_history"))
}

func shellLoop(ctx context.Context, ds *dataset.Dataset, history string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "gojotxn> ",
		HistoryFile:       history,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return errors.Wrap(err, "getting readline")
	}
	defer rl.Close()

	sh := newShell(ctx, ds, rl.Stdout())
	fmt.Fprintln(rl.Stdout(), "gojotxn shell. Type HELP for commands.")
	for {
		if ctx.Err() != nil {
			return nil
		}
		if ds.IsInTransaction() {
			rl.SetPrompt("gojotxn*> ")
		} else {
			rl.SetPrompt("gojotxn> ")
		}
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			return ds.End()
		}
		if err != nil {
			return errors.Wrap(err, "reading line")
		}
		if err := sh.exec(line); err != nil {
			if errors.Is(err, errQuit) {
				return ds.End()
			}
			fmt.Fprintf(rl.Stderr(), "ERROR: %v\n", err)
		}
	}
}
