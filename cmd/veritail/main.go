// Command veritail is the operational CLI for the research engine: it runs
// migrations, submits jobs, and reports job status. Processing requires
// adapter implementations (search, scrape, LLM), which live with the
// embedding application; see the root package docs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/veritail/veritail"
	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/model"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("VERITAIL_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func usage() error {
	return fmt.Errorf(`usage: veritail <command>

commands:
  migrate                         connect and apply embedded migrations
  submit <tenant> <title> [mode]  register a research job (mode: fast|balanced|deep)
  status <job-id>                 print job status, step log, and result`)
}

func run(ctx context.Context, logger *slog.Logger) error {
	if len(os.Args) < 2 {
		return usage()
	}

	// Engine construction runs migrations; no adapters are needed for the
	// ops commands.
	eng, err := veritail.New(adapters.Deps{},
		veritail.WithLogger(logger),
		veritail.WithVersion(version),
	)
	if err != nil {
		return err
	}
	defer eng.Close()

	switch os.Args[1] {
	case "migrate":
		logger.Info("migrations applied")
		return nil

	case "submit":
		if len(os.Args) < 4 {
			return usage()
		}
		mode := model.ModeBalanced
		if len(os.Args) > 4 {
			mode = model.Mode(os.Args[4])
		}
		jobID, err := eng.Submit(ctx, veritail.SubmitRequest{
			TenantID: os.Args[2],
			InputRaw: os.Args[3],
			Mode:     mode,
		})
		if err != nil {
			return err
		}
		fmt.Println(jobID.String())
		return nil

	case "status":
		if len(os.Args) < 3 {
			return usage()
		}
		jobID, err := uuid.Parse(os.Args[2])
		if err != nil {
			return fmt.Errorf("invalid job id: %w", err)
		}
		status, err := eng.Status(ctx, jobID)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	default:
		return usage()
	}
}
