package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"pmchat/internal/config"
	"pmchat/internal/devstore"
	"pmchat/internal/domain"
	"pmchat/internal/remote"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your pmchat setup",
		Long: `Verifies that the configuration, agent routing, remote store and
local dev database are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.Context(), resolveConfigPath(), cmd.OutOrStdout())
		},
	}
}

type doctorReport struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.out, "  [PASS] %-20s %s\n", check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.out, "  [FAIL] %-20s %s\n", check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.out, "  [WARN] %-20s %s\n", check, detail)
}

func runDoctor(ctx context.Context, cfgPath string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	r := &doctorReport{out: out}
	fmt.Fprintf(out, "pmchat doctor v%s\n\n", version)

	// 1. Config file exists
	if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
		r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
		fmt.Fprintf(out, "\nRun 'pmchat init' to create a default configuration.\n")
		return fmt.Errorf("no config file")
	}
	r.pass("Config file", cfgPath)

	// 2. Config loads and validates
	cfg, err := config.Load(cfgPath)
	if err != nil {
		r.fail("Config validation", err.Error())
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	r.pass("Config validation", "valid")

	// 3. Every known agent role is routed
	router := remote.NewRouter(cfg.Remote.EndpointMap())
	for _, role := range domain.KnownRoles() {
		if path, err := router.Endpoint(role); err != nil {
			r.warn("Route: "+string(role), "no endpoint; sends for this role will fail")
		} else {
			r.pass("Route: "+string(role), path)
		}
	}

	// 4. Remote store reachable
	if err := checkRemote(ctx, cfg); err != nil {
		r.fail("Remote store", err.Error())
	} else {
		r.pass("Remote store", cfg.Remote.BaseURL)
	}

	// 5. Dev database writable and not newer than this binary
	if version, err := checkDatabase(ctx, cfg.DevServer.DBPath); err != nil {
		r.warn("Dev database", err.Error())
	} else if version > devstore.SchemaVersion {
		r.warn("Dev database", fmt.Sprintf("schema v%d is newer than supported v%d", version, devstore.SchemaVersion))
	} else if version < devstore.SchemaVersion {
		r.pass("Dev database", fmt.Sprintf("%s (schema v%d, serve migrates to v%d)", cfg.DevServer.DBPath, version, devstore.SchemaVersion))
	} else {
		r.pass("Dev database", fmt.Sprintf("%s (schema v%d)", cfg.DevServer.DBPath, version))
	}

	// 6. Dev server port
	if err := checkPort(cfg.DevServer.Host, cfg.DevServer.Port); err != nil {
		r.warn("Dev server port", fmt.Sprintf("port %d may be in use: %v", cfg.DevServer.Port, err))
	} else {
		r.pass("Dev server port", fmt.Sprintf(":%d available", cfg.DevServer.Port))
	}

	// 7. Log file writable
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}

	fmt.Fprintf(out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

// checkRemote reads the history of a key no conversation uses. Both 200 and
// 404 prove the store answers; anything else is reported.
func checkRemote(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	target := strings.TrimRight(cfg.Remote.BaseURL, "/") + cfg.Remote.HistoryPath + "?" +
		url.Values{"id": {"pmchat-doctor"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	if cfg.Remote.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Remote.AuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("credentials rejected (HTTP %d)", resp.StatusCode)
	default:
		return fmt.Errorf("unexpected HTTP %d", resp.StatusCode)
	}
}

// checkDatabase verifies dbPath is writable and returns its schema version.
func checkDatabase(ctx context.Context, dbPath string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return 0, fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return 0, fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return 0, fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return 0, fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	version, err := devstore.GetSchemaVersion(db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
