// Command mcpdoctor checks an MCP tool-server setup, or serves the checks as
// an MCP stdio server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/abubrak/mcpdoctor"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{}))
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := run(ctx, logger, os.Args[1:])
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Interrupted mid-checkup; same convention as SIGINT.
			os.Exit(130)
		}
		logger.Error("mcpdoctor failed", "error", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run(ctx context.Context, logger *slog.Logger, args []string) (int, error) {
	if len(args) == 0 {
		return runCheckup(ctx, logger, "", false)
	}

	switch args[0] {
	case "check":
		dir := ""
		handshake := false
		for _, arg := range args[1:] {
			if arg == "--handshake" {
				handshake = true
				continue
			}
			dir = arg
		}
		return runCheckup(ctx, logger, dir, handshake)
	case "serve":
		return 0, runStdio(ctx, logger)
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0, nil
	case "version", "-v", "--version":
		fmt.Printf("mcpdoctor %s\n", version)
		return 0, nil
	default:
		printHelp(os.Stderr)
		return 0, fmt.Errorf("unknown command %q", args[0])
	}
}

func runCheckup(ctx context.Context, logger *slog.Logger, dir string, handshake bool) (int, error) {
	return mcpdoctor.RunCheckup(ctx, mcpdoctor.Config{
		ConfigDir: dir,
		Logger:    logger,
		Version:   version,
	}, os.Stdout, handshake)
}

func runStdio(ctx context.Context, logger *slog.Logger) error {
	err := mcpdoctor.RunStdio(ctx, mcpdoctor.Config{Logger: logger, Version: version})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printHelp(w io.Writer) {
	_, _ = fmt.Fprintln(w, "mcpdoctor - health checks and diagnostics for MCP tool servers")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  mcpdoctor                    Run the full checkup in the current directory")
	_, _ = fmt.Fprintln(w, "  mcpdoctor check [dir]        Run the checkup against an agent config directory")
	_, _ = fmt.Fprintln(w, "        --handshake            Also MCP-handshake every healthy stdio server")
	_, _ = fmt.Fprintln(w, "  mcpdoctor serve              Serve the diagnostics as an MCP server over stdio")
	_, _ = fmt.Fprintln(w, "  mcpdoctor help               Show this help")
	_, _ = fmt.Fprintln(w, "  mcpdoctor version            Show version")
}
