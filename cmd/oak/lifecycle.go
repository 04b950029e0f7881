package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oaklabs/oakd/internal/config"
)

const (
	startWait = 60 * time.Second
	stopWait  = 30 * time.Second
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon for this project",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := runStop(cmd, args); err != nil {
			// A daemon that was not running is fine for restart.
			var ee *exitError
			if !errors.As(err, &ee) || ee.code != exitDaemonNotRunning {
				return err
			}
		}
		return runStart(cmd, args)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var logsTail int

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the daemon log",
	Args:  cobra.NoArgs,
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 100, "number of trailing lines, 0 for all")
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if pid, ok := runningPID(cfg); ok {
		fmt.Printf("daemon already running (pid %d)\n", pid)
		return nil
	}

	exe, err := oakdBinary()
	if err != nil {
		return err
	}
	child := exec.Command(exe)
	child.Env = append(os.Environ(), "OAK_PROJECT_ROOT="+cfg.ProjectRoot)
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("spawning oakd: %w", err)
	}
	// The daemon manages its own lifetime; do not wait on it.
	go child.Wait()

	fmt.Printf("starting oakd (pid %d)...\n", child.Process.Pid)
	deadline := time.Now().Add(startWait)
	for time.Now().Before(deadline) {
		if c, err := daemonClient(cfg); err == nil {
			h, herr := c.health()
			if herr == nil {
				fmt.Printf("daemon up on %s (status: %s)\n", c.base, h.Status)
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not become healthy within %s (see %s)", startWait, cfg.LogFilePath())
}

// oakdBinary finds the daemon executable, preferring a sibling of the
// oak binary over PATH.
func oakdBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "oakd")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	exe, err := exec.LookPath("oakd")
	if err != nil {
		return "", fmt.Errorf("oakd binary not found in PATH")
	}
	return exe, nil
}

// runningPID reads the pid file and checks the process is alive.
func runningPID(cfg *config.Config) (int, bool) {
	raw, err := os.ReadFile(cfg.PIDFilePath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	if err := syscall.Kill(pid, 0); err != nil {
		return 0, false
	}
	return pid, true
}

func runStop(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pid, ok := runningPID(cfg)
	if !ok {
		return exitf(exitDaemonNotRunning, "daemon is not running")
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(stopWait)
	for time.Now().Before(deadline) {
		if err := syscall.Kill(pid, 0); err != nil {
			fmt.Println("daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not exit within %s", pid, stopWait)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := daemonClient(cfg)
	if err != nil {
		return err
	}
	h, err := c.health()
	if err != nil {
		return err
	}
	pid, _ := runningPID(cfg)
	fmt.Printf("Status:   %s\n", h.Status)
	fmt.Printf("Version:  %s\n", h.Version)
	fmt.Printf("PID:      %d\n", pid)
	fmt.Printf("Address:  %s\n", c.base)
	fmt.Printf("Uptime:   %s\n", (time.Duration(h.UptimeS) * time.Second).String())
	fmt.Printf("Project:  %s\n", cfg.ProjectRoot)
	return nil
}

func runLogs(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	f, err := os.Open(cfg.LogFilePath())
	if err != nil {
		return fmt.Errorf("no daemon log at %s", cfg.LogFilePath())
	}
	defer f.Close()

	if logsTail <= 0 {
		_, err = io.Copy(os.Stdout, f)
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > logsTail {
		lines = lines[len(lines)-logsTail:]
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}
