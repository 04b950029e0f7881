// Package main implements the oak CLI for managing and querying the
// per-project oakd daemon.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/oaklabs/oakd/internal/config"
)

// version information (set via ldflags during build)
var version = "dev"

// Exit codes. Scripts key off these, keep them stable.
const (
	exitOK                  = 0
	exitDaemonNotRunning    = 2
	exitConfigInvalid       = 3
	exitProviderUnreachable = 4
)

// exitError carries a process exit code alongside the message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitf(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "oak",
	Short: "Manage and query the oakd codebase intelligence daemon",
	Long: `oak controls the per-project oakd daemon: lifecycle, indexing,
search and memories. The project root is the current directory unless
OAK_PROJECT_ROOT is set.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
}

// loadConfig resolves the project config, mapping failures onto the
// config-invalid exit code.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load("")
	if err != nil {
		return nil, exitf(exitConfigInvalid, "invalid config: %v", err)
	}
	return cfg, nil
}

// client is a thin JSON client for the daemon API.
type client struct {
	base string
	hc   *http.Client
}

// daemonClient connects to the running daemon, failing with the
// not-running exit code when the port file is absent or stale.
func daemonClient(cfg *config.Config) (*client, error) {
	raw, err := os.ReadFile(cfg.PortFilePath())
	if err != nil {
		return nil, exitf(exitDaemonNotRunning, "daemon is not running (no port file; start it with `oak start`)")
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || port <= 0 {
		return nil, exitf(exitDaemonNotRunning, "daemon is not running (bad port file)")
	}
	c := &client{
		base: fmt.Sprintf("http://127.0.0.1:%d", port),
		hc:   &http.Client{Timeout: 5 * time.Minute},
	}
	if _, err := c.health(); err != nil {
		return nil, exitf(exitDaemonNotRunning, "daemon is not running (start it with `oak start`)")
	}
	return c, nil
}

type healthBody struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int    `json:"uptime_s"`
}

func (c *client) health() (*healthBody, error) {
	var h healthBody
	if err := c.get("/api/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *client) get(path string, out any) error {
	resp, err := c.hc.Get(c.base + path)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

func (c *client) post(path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	resp, err := c.hc.Post(c.base+path, "application/json", rd)
	if err != nil {
		return err
	}
	return decodeResponse(resp, out)
}

// decodeResponse unwraps the daemon's error envelope and maps the
// provider-unreachable code onto its dedicated exit status.
func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var eb struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&eb) == nil && eb.Error.Message != "" {
			if eb.Error.Code == "provider_unreachable" {
				return exitf(exitProviderUnreachable, "embedding provider unreachable: %s", eb.Error.Message)
			}
			return fmt.Errorf("daemon: %s (%s)", eb.Error.Message, eb.Error.Code)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
