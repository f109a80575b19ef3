// Package tools locates and runs the external astromatic binaries.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"omegacamer/internal/config"
	"omegacamer/internal/logging"
)

// Logical tool names.
const (
	Scamp      = "scamp"
	Sextractor = "sextractor"
	Swarp      = "swarp"
	Gzip       = "gzip"
	Reducer    = "reducer"
)

const stderrTail = 2048

// Manager resolves logical tool names to configured binaries.
type Manager struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewManager creates a tool manager for cfg.
func NewManager(cfg *config.Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// ToolStatus represents the availability of a tool
type ToolStatus struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// Binary returns the configured executable for a logical tool name.
func (m *Manager) Binary(tool string) string {
	switch tool {
	case Scamp:
		return m.cfg.ScampBin
	case Sextractor:
		return m.cfg.SexBin
	case Swarp:
		return m.cfg.SwarpBin
	case Gzip:
		return m.cfg.GzipBin
	case Reducer:
		return m.cfg.Reducer.Command
	default:
		return tool
	}
}

// Check verifies if a tool is available and working
func (m *Manager) Check(tool string) ToolStatus {
	bin := m.Binary(tool)
	if bin == "" {
		return ToolStatus{Error: fmt.Errorf("%s is not configured", tool)}
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		status := ToolStatus{Error: err}
		logging.LogToolStatus(m.logger, tool, false, "", "", err)
		return status
	}

	var versionArgs []string
	switch tool {
	case Scamp, Sextractor, Swarp:
		versionArgs = []string{"-v"}
	case Gzip:
		versionArgs = []string{"--version"}
	default:
		// For unknown tools, just check if they exist
		return ToolStatus{Available: true, Path: path}
	}

	output, err := exec.Command(path, versionArgs...).CombinedOutput()
	if err != nil && len(output) == 0 {
		logging.LogToolStatus(m.logger, tool, false, "", path, err)
		return ToolStatus{Path: path, Error: err}
	}
	// astromatic tools exit non-zero on -v in some builds but still print a version
	version := extractVersion(string(output))
	logging.LogToolStatus(m.logger, tool, true, version, path, nil)
	return ToolStatus{Available: true, Version: version, Path: path}
}

// Status checks every tool the pipeline can use.
func (m *Manager) Status() map[string]ToolStatus {
	status := make(map[string]ToolStatus)
	for _, tool := range []string{Scamp, Sextractor, Swarp, Gzip, Reducer} {
		status[tool] = m.Check(tool)
	}
	return status
}

// Names returns the tool names of a status map in stable order.
func Names(status map[string]ToolStatus) []string {
	names := make([]string, 0, len(status))
	for n := range status {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// extractVersion extracts version information from tool output
func extractVersion(output string) string {
	lines := strings.Split(output, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.Contains(line, "version") || strings.Contains(line, "Version") {
			return line
		}
	}
	if len(lines) > 0 && strings.TrimSpace(lines[0]) != "" {
		return strings.TrimSpace(lines[0])
	}
	return "unknown"
}

// Cmd describes one invocation of an external tool.
type Cmd struct {
	Tool   string // logical name, resolved through the manager
	Args   []string
	Dir    string
	Stdout io.Writer
}

// ExitError reports a tool that ran and failed.
type ExitError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// Run executes c and waits for it. Failures to start are returned as is,
// non-zero exits as *ExitError with the tail of stderr.
func (m *Manager) Run(ctx context.Context, c Cmd) error {
	bin := m.Binary(c.Tool)
	cmd := exec.CommandContext(ctx, bin, c.Args...)
	cmd.Dir = c.Dir
	if c.Stdout != nil {
		cmd.Stdout = c.Stdout
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr

	start := time.Now()
	m.logger.Debug("running tool", "tool", c.Tool, "bin", bin, "args", strings.Join(c.Args, " "), "dir", c.Dir)
	err := cmd.Run()
	if err == nil {
		m.logger.Debug("tool finished", "tool", c.Tool, "duration", time.Since(start).Round(time.Millisecond))
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", c.Tool, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{
			Tool:     c.Tool,
			ExitCode: exitErr.ExitCode(),
			Stderr:   strings.TrimSpace(stderr.String()),
			Err:      err,
		}
	}
	return fmt.Errorf("start %s (%s): %w", c.Tool, bin, err)
}

// SplitArgs parses a user supplied argument string with shell quoting rules.
func SplitArgs(extra string) ([]string, error) {
	if strings.TrimSpace(extra) == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(extra)
	if err != nil {
		return nil, fmt.Errorf("parse extra args %q: %w", extra, err)
	}
	return args, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

// Param is one line of an astromatic configuration file.
type Param struct {
	Key     string
	Value   string
	Comment string
}

// WriteParams writes params in the astromatic "KEY value # comment" layout.
func WriteParams(path string, params []Param) error {
	var b strings.Builder
	for _, p := range params {
		line := fmt.Sprintf("%-18s %s", p.Key, p.Value)
		if p.Comment != "" {
			line = fmt.Sprintf("%-40s # %s", line, p.Comment)
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// YesNo renders a boolean the way astromatic tools expect it.
func YesNo(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}
