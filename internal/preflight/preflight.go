// Package preflight validates the runtime environment before a server
// starts: data directory, disk space, file descriptor limits, and the
// reachability of the metadata store and model dependencies. Required
// failures abort startup; optional ones degrade to warnings because the
// worker loads remote models lazily on first use.
package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CheckStatus is the outcome of one check.
type CheckStatus int

const (
	StatusPass CheckStatus = iota
	StatusWarn
	StatusFail
)

// String returns the status label used in check output.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical reports whether this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Pinger is satisfied by the metadata store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is an optional service the worker warms lazily: the
// inference service or the LLM provider. A cold dependency warns
// instead of failing startup.
type Dependency struct {
	Name  string
	Ready func(ctx context.Context) bool
}

// Checker runs the preflight checks.
type Checker struct {
	store   Pinger
	deps    []Dependency
	verbose bool
	output  io.Writer
}

// Option configures a Checker.
type Option func(*Checker)

// WithStore adds the metadata store reachability check.
func WithStore(s Pinger) Option {
	return func(c *Checker) { c.store = s }
}

// WithDependency adds an optional service probe.
func WithDependency(name string, ready func(ctx context.Context) bool) Option {
	return func(c *Checker) {
		c.deps = append(c.deps, Dependency{Name: name, Ready: ready})
	}
}

// WithVerbose enables detail lines in printed output.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) { c.verbose = verbose }
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) { c.output = w }
}

// New creates a Checker.
func New(opts ...Option) *Checker {
	c := &Checker{output: os.Stdout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every configured check against the data directory.
func (c *Checker) RunAll(ctx context.Context, dataDir string) []CheckResult {
	results := []CheckResult{
		c.CheckDataDir(dataDir),
		c.CheckDiskSpace(dataDir),
		c.CheckFileDescriptors(),
	}

	if c.store != nil {
		results = append(results, c.CheckStore(ctx))
	}
	for _, dep := range c.deps {
		results = append(results, c.CheckDependency(ctx, dep))
	}
	return results
}

// HasCriticalFailures reports whether any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus reduces the results to ready / ready_with_warnings / failed.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	warned := false
	for _, r := range results {
		if r.IsCritical() {
			return "failed"
		}
		if r.Status == StatusWarn || (r.Status == StatusFail && !r.Required) {
			warned = true
		}
	}
	if warned {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults prints check results to the configured output.
func (c *Checker) PrintResults(results []CheckResult) {
	_, _ = fmt.Fprintln(c.output, "Lorekeep System Check")
	_, _ = fmt.Fprintln(c.output, "=====================")
	_, _ = fmt.Fprintln(c.output)

	for _, r := range results {
		_, _ = fmt.Fprintf(c.output, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if c.verbose && r.Details != "" {
			_, _ = fmt.Fprintf(c.output, "      %s\n", r.Details)
		}
	}

	_, _ = fmt.Fprintln(c.output)
	_, _ = fmt.Fprintf(c.output, "Status: %s\n", strings.ToUpper(c.SummaryStatus(results)))
}

// CheckDataDir verifies the data directory exists (creating it if
// needed) and accepts writes.
func (c *Checker) CheckDataDir(dataDir string) CheckResult {
	result := CheckResult{
		Name:     "data_dir",
		Required: true,
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot create %s: %v", dataDir, err)
		return result
	}

	probe := filepath.Join(dataDir, ".preflight")
	f, err := os.Create(probe)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("not writable: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(probe)

	result.Status = StatusPass
	result.Message = dataDir
	return result
}

// CheckStore verifies the metadata store answers a ping.
func (c *Checker) CheckStore(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "metadata_store",
		Required: true,
	}

	if err := c.store.Ping(ctx); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("unreachable: %v", err)
		return result
	}

	result.Status = StatusPass
	result.Message = "OK"
	return result
}

// CheckDependency probes an optional service. A cold one warns; the
// worker retries through its warmup loop after startup.
func (c *Checker) CheckDependency(ctx context.Context, dep Dependency) CheckResult {
	result := CheckResult{
		Name:     dep.Name,
		Required: false,
	}

	if !dep.Ready(ctx) {
		result.Status = StatusWarn
		result.Message = "not responding, loads on first use"
		return result
	}

	result.Status = StatusPass
	result.Message = "OK"
	return result
}
