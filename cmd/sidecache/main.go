// sidecache: offline-resilience sidecar for MCP knowledge servers.
//
// It sits between a tool-calling client and a remote MCP server,
// serving reads from a persistent local cache, queueing writes made
// while disconnected, and replaying them when the upstream returns.
//
// Usage:
//
//	sidecache serve            # Start the sidecar (stdio transport)
//	sidecache queue list       # Inspect failed sync operations
//	sidecache queue retry <id> # Reset a failed operation to pending
//	sidecache queue clear      # Drop all failed operations
package main

import (
	"fmt"
	"os"
	"strconv"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sidecache/sidecache/internal/config"
	"github.com/sidecache/sidecache/internal/logging"
	"github.com/sidecache/sidecache/internal/queue"
	sidecar "github.com/sidecache/sidecache/internal/server"
	"github.com/sidecache/sidecache/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "queue":
		if err := runQueue(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "--help", "-h", "help":
		printUsage()
	case "--version", "-v", "version":
		fmt.Printf("sidecache v%s\n", sidecar.Version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) error {
	cfg, err := config.Load(configFlag(args))
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	sc, err := sidecar.New(cfg, log)
	if err != nil {
		return fmt.Errorf("creating sidecar: %w", err)
	}
	defer sc.Close()

	sc.Start()

	// The stdio server owns the process lifetime: it returns when the
	// client closes our stdin, which is the MCP shutdown signal.
	return mcpserver.ServeStdio(sc.MCP())
}

// runQueue is the operator surface for the failed-sync bucket. It works
// against the same database file the serving sidecar uses.
func runQueue(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: sidecache queue <list|retry|clear>")
	}

	cfg, err := config.Load(configFlag(args))
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.Cache.Dir)
	if err != nil {
		return err
	}
	defer db.Close()

	q := queue.New(db, queue.DefaultMaxAttempts, zap.NewNop())

	switch args[0] {
	case "list":
		rows, err := q.ListFailed()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No failed operations.")
			return nil
		}
		for _, r := range rows {
			msg := ""
			if r.LastError != nil {
				msg = *r.LastError
			}
			fmt.Printf("%6d  %-16s  attempts=%d  %s\n", r.ID, r.Operation, r.Attempts, msg)
		}
		return nil

	case "retry":
		if len(args) < 2 {
			return fmt.Errorf("usage: sidecache queue retry <id>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[1])
		}
		if err := q.Retry(id); err != nil {
			return err
		}
		fmt.Printf("Operation %d reset to pending; it will replay on the next sync.\n", id)
		return nil

	case "clear":
		n, err := q.ClearFailed()
		if err != nil {
			return err
		}
		fmt.Printf("Cleared %d failed operation(s).\n", n)
		return nil

	default:
		return fmt.Errorf("unknown queue command %q", args[0])
	}
}

// configFlag extracts --config <path> (or --config=<path>) from args.
func configFlag(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if len(a) > len("--config=") && a[:len("--config=")] == "--config=" {
			return a[len("--config="):]
		}
	}
	return ""
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `sidecache v%s — offline-resilience MCP sidecar

Usage:
  sidecache serve [--config path]   Start the sidecar (stdio transport)
  sidecache queue list              List failed sync operations
  sidecache queue retry <id>        Reset a failed operation to pending
  sidecache queue clear             Drop all failed operations
  sidecache version                 Print version

Configuration:
  Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "sidecache": {
        "command": "sidecache",
        "args": ["serve"]
      }
    }
  }

Settings come from ~/.sidecache/config.yaml and SIDECACHE_* env vars.
`, sidecar.Version)
}
