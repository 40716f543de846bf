package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"teamwire/internal/api"
	"teamwire/internal/config"
	"teamwire/internal/store"
	"teamwire/internal/transport"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your teamwire setup",
		Long: `Verifies that the configuration, local database, chat server and
websocket endpoint are reachable and correctly set up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			return runDoctor(ctx, cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

// checklist tallies doctor results.
type checklist struct {
	out                    io.Writer
	passed, warned, failed int
}

func (c *checklist) pass(check, detail string) {
	c.passed++
	fmt.Fprintf(c.out, "  [PASS] %-20s %s\n", check, detail)
}

func (c *checklist) fail(check, detail string) {
	c.failed++
	fmt.Fprintf(c.out, "  [FAIL] %-20s %s\n", check, detail)
}

func (c *checklist) warn(check, detail string) {
	c.warned++
	fmt.Fprintf(c.out, "  [WARN] %-20s %s\n", check, detail)
}

func runDoctor(ctx context.Context, out io.Writer, cfgPath string) error {
	fmt.Fprintf(out, "teamwire doctor v%s\n\n", version)
	c := &checklist{out: out}

	if _, err := os.Stat(cfgPath); err != nil {
		c.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
		fmt.Fprintf(out, "\nRun 'teamwire init' to create a default configuration.\n")
		return fmt.Errorf("config file missing")
	}
	c.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		c.fail("Config validation", err.Error())
		return c.summary()
	}
	c.pass("Config validation", "valid")

	if cfg.General.UserID == "" {
		c.fail("User", "general.userId is empty")
	} else {
		c.pass("User", cfg.General.UserID)
	}
	if cfg.Server.Token == "" {
		c.warn("Token", "server.token is empty; the server may reject requests")
	}

	if schema, err := checkStore(cfg.Store.DBPath); err != nil {
		c.fail("Database", err.Error())
	} else {
		c.pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Store.DBPath, schema))
	}

	client := api.NewClient(api.ClientConfig{
		BaseURL: cfg.Server.BaseURL,
		Token:   cfg.Server.Token,
		Timeout: cfg.Server.RequestTimeout.Std(),
		Logger:  logger,
	})
	start := time.Now()
	if err := client.Ping(ctx); err != nil {
		c.fail("Server", err.Error())
	} else {
		c.pass("Server", fmt.Sprintf("%s (%s)", cfg.Server.BaseURL, time.Since(start).Round(time.Millisecond)))
	}

	ws := transport.NewWebSocket(transport.WSConfig{
		URL:    cfg.Server.WebsocketURL,
		Token:  cfg.Server.Token,
		Logger: logger,
	})
	if err := ws.Connect(ctx); err != nil {
		c.fail("Websocket", err.Error())
	} else {
		ws.Close()
		c.pass("Websocket", cfg.Server.WebsocketURL)
	}

	if cfg.Metrics.Enabled {
		if err := checkAddr(cfg.Metrics.Addr); err != nil {
			c.warn("Metrics address", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
		} else {
			c.pass("Metrics address", cfg.Metrics.Addr+" available")
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			c.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			c.pass("Log file", cfg.General.LogFile)
		}
	}

	return c.summary()
}

func (c *checklist) summary() error {
	fmt.Fprintf(c.out, "\nResults: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
	if c.failed > 0 {
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	if c.warned == 0 {
		fmt.Fprintf(c.out, "All checks passed.\n")
	}
	return nil
}

// checkStore opens the database, which applies pending migrations.
func checkStore(dbPath string) (int, error) {
	db, err := store.Open(dbPath, logger)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.Ping(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	return db.SchemaVersion()
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
