// Command tenderctl runs operator tasks against a TenderDesk database:
// schema migrations, copying a section answer to the clipboard and exporting
// a proposal.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"tenderdesk/api/internal/app"
	"tenderdesk/api/internal/clipboard"
	"tenderdesk/api/internal/config"
	"tenderdesk/api/internal/gitrepo"
	"tenderdesk/api/internal/observability"
	"tenderdesk/api/internal/store"
)

const usage = `Usage:
  tenderctl migrate up|down [-steps <n>]
  tenderctl copy   -bid <id> -section <index>
  tenderctl export -bid <id> [-format pdf|docx] [-version <hash>] [-comments] [-out <file>]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	cfg := config.Load()
	logger := observability.Setup(os.Stderr, cfg.LogLevel)

	var err error
	switch os.Args[1] {
	case "migrate":
		err = runMigrate(cfg, os.Args[2:], os.Stdout)
	case "copy":
		err = runCopy(cfg, logger, os.Args[2:], os.Stdout)
	case "export":
		err = runExport(cfg, logger, os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "tenderctl:", err)
		os.Exit(1)
	}
}

func runMigrate(cfg config.Config, args []string, out io.Writer) error {
	if len(args) == 0 || (args[0] != "up" && args[0] != "down") {
		return fmt.Errorf("migrate needs up or down")
	}
	direction := args[0]
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "Migrations to roll back, 0 for all (down only)")
	dir := fs.String("dir", cfg.MigrationsDir, "Migrations directory")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if direction == "up" {
		err = store.ApplyMigrations(ctx, db, *dir)
	} else {
		err = store.RollbackMigrations(ctx, db, *dir, *steps)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "migrate %s done\n", direction)
	return nil
}

func runCopy(cfg config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("copy", flag.ContinueOnError)
	bidID := fs.String("bid", "", "Bid id")
	index := fs.Int("section", 0, "Section index, zero based")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bidID == "" {
		return fmt.Errorf("-bid is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	service, closeFn, err := openService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	payload, err := service.CopySection(ctx, *bidID, *index)
	if err != nil {
		return err
	}
	text, _ := payload["text"].(string)
	fmt.Fprintf(out, "copied %d characters from section %d\n", len(text), *index)
	return nil
}

func runExport(cfg config.Config, logger *slog.Logger, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	bidID := fs.String("bid", "", "Bid id")
	format := fs.String("format", "pdf", "pdf or docx")
	version := fs.String("version", "", "History commit to export, latest when empty")
	comments := fs.Bool("comments", false, "Include comments")
	target := fs.String("out", "", "Output file, the suggested filename when empty")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *bidID == "" {
		return fmt.Errorf("-bid is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	service, closeFn, err := openService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	result, err := service.Export(ctx, *bidID, *format, *version, *comments)
	if err != nil {
		return err
	}
	path := *target
	if path == "" {
		path = result.Filename
	}
	if err := os.WriteFile(path, result.Data, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(out, "wrote %s (%d bytes)\n", path, len(result.Data))
	return nil
}

// openService builds a service over the database and history repos that
// writes copies to the host clipboard.
func openService(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app.Service, func(), error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	service := app.New(cfg, app.Deps{
		Store:     store.NewPostgresStore(db),
		Git:       gitrepo.New(cfg.ReposDir),
		Clipboard: clipboard.System{},
		Logger:    logger,
	})
	return service, func() {
		service.Close()
		_ = db.Close()
	}, nil
}
