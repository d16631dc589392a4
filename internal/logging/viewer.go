package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a parsed JSON log line.
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     string         `json:"level"`
	Msg       string         `json:"msg"`
	Source    string         `json:"source"` // "gateway" or "worker"
	Component string         `json:"component"`
	Attrs     map[string]any `json:"-"` // remaining attributes
	Raw       string         `json:"-"` // original line
	IsValid   bool           `json:"-"` // whether JSON parsing succeeded
}

// ViewerConfig configures the log viewer.
type ViewerConfig struct {
	Level     string         // filter by minimum level
	Component string         // filter by component attribute
	Pattern   *regexp.Regexp // filter by pattern over the raw line
	NoColor   bool
	// ShowSource labels each line with its role when viewing merged logs.
	ShowSource bool
}

// Viewer provides log viewing and filtering.
type Viewer struct {
	config ViewerConfig
	out    io.Writer
}

// NewViewer creates a new log viewer.
func NewViewer(cfg ViewerConfig, out io.Writer) *Viewer {
	return &Viewer{config: cfg, out: out}
}

// Tail reads the last n lines from the given log files and returns matching
// entries merged into a single timeline.
func (v *Viewer) Tail(paths []string, n int) ([]LogEntry, error) {
	var all []LogEntry

	for _, path := range paths {
		source := sourceFromPath(path)

		file, err := os.Open(path)
		if err != nil {
			if len(paths) == 1 {
				return nil, fmt.Errorf("failed to open log file: %w", err)
			}
			continue
		}

		var lines []string
		scanner := bufio.NewScanner(file)
		const maxCapacity = 1024 * 1024
		buf := make([]byte, maxCapacity)
		scanner.Buffer(buf, maxCapacity)

		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		_ = file.Close()

		if scanner.Err() != nil {
			continue
		}

		start := 0
		if len(lines) > n {
			start = len(lines) - n
		}
		for _, line := range lines[start:] {
			entry := v.parseLineWithSource(line, source)
			if v.matchesFilter(entry) {
				all = append(all, entry)
			}
		}
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].Time.Before(all[j].Time)
	})

	if len(all) > n {
		all = all[len(all)-n:]
	}

	return all, nil
}

// Follow watches log files for new entries and sends them to the channel.
// Blocks until the context is cancelled.
func (v *Viewer) Follow(ctx context.Context, paths []string, entries chan<- LogEntry) error {
	var wg sync.WaitGroup

	for _, path := range paths {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			source := sourceFromPath(p)

			file, err := os.Open(p)
			if err != nil {
				return
			}
			defer func() { _ = file.Close() }()

			if _, err := file.Seek(0, io.SeekEnd); err != nil {
				return
			}

			reader := bufio.NewReader(file)
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					for {
						line, err := reader.ReadString('\n')
						if err != nil {
							break
						}

						line = strings.TrimSuffix(line, "\n")
						if line == "" {
							continue
						}

						entry := v.parseLineWithSource(line, source)
						if v.matchesFilter(entry) {
							select {
							case entries <- entry:
							case <-ctx.Done():
								return
							}
						}
					}
				}
			}
		}(path)
	}

	wg.Wait()
	<-ctx.Done()
	return nil
}

// sourceFromPath extracts the role from a log file name.
func sourceFromPath(path string) string {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "gateway"):
		return "gateway"
	case strings.HasPrefix(base, "worker"):
		return "worker"
	default:
		return "unknown"
	}
}

// parseLineWithSource parses a JSON log line and sets the source if absent.
func (v *Viewer) parseLineWithSource(line, defaultSource string) LogEntry {
	entry := v.parseLine(line)
	if entry.Source == "" {
		entry.Source = defaultSource
	}
	return entry
}

// FormatEntry formats a log entry for display.
func (v *Viewer) FormatEntry(entry LogEntry) string {
	if !entry.IsValid {
		return entry.Raw
	}

	timestamp := entry.Time.Format("15:04:05.000")
	level := v.formatLevel(entry.Level)

	sourceLabel := ""
	if v.config.ShowSource && entry.Source != "" {
		sourceLabel = v.formatSource(entry.Source) + " "
	}

	componentLabel := ""
	if entry.Component != "" {
		componentLabel = entry.Component + ": "
	}

	var attrs []string
	for k, val := range entry.Attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, val))
	}
	sort.Strings(attrs)
	attrStr := ""
	if len(attrs) > 0 {
		attrStr = " " + strings.Join(attrs, " ")
	}

	return fmt.Sprintf("%s %s %s%s%s%s", timestamp, level, sourceLabel, componentLabel, entry.Msg, attrStr)
}

// formatSource formats the role label with optional color.
func (v *Viewer) formatSource(source string) string {
	label := fmt.Sprintf("[%s]", source)

	if v.config.NoColor {
		return label
	}

	switch source {
	case "gateway":
		return "\033[36m" + label + "\033[0m" // cyan
	case "worker":
		return "\033[35m" + label + "\033[0m" // magenta
	default:
		return "\033[90m" + label + "\033[0m" // gray
	}
}

// Print prints entries to the output.
func (v *Viewer) Print(entries []LogEntry) {
	for _, entry := range entries {
		_, _ = fmt.Fprintln(v.out, v.FormatEntry(entry))
	}
}

// parseLine parses a JSON log line into LogEntry.
func (v *Viewer) parseLine(line string) LogEntry {
	entry := LogEntry{
		Raw:     line,
		IsValid: false,
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return entry
	}

	entry.IsValid = true

	if t, ok := data["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			entry.Time = parsed
		}
	}

	if l, ok := data["level"].(string); ok {
		entry.Level = l
	}

	if m, ok := data["msg"].(string); ok {
		entry.Msg = m
	}

	if s, ok := data["source"].(string); ok {
		entry.Source = s
	}

	if c, ok := data["component"].(string); ok {
		entry.Component = c
	}

	entry.Attrs = make(map[string]any)
	for k, val := range data {
		switch k {
		case "time", "level", "msg", "source", "component":
		default:
			entry.Attrs[k] = val
		}
	}

	return entry
}

// matchesFilter checks if an entry matches the configured filters.
func (v *Viewer) matchesFilter(entry LogEntry) bool {
	if v.config.Level != "" {
		entryLevel := LevelFromString(entry.Level)
		filterLevel := LevelFromString(v.config.Level)
		if entryLevel < filterLevel {
			return false
		}
	}

	if v.config.Component != "" && entry.Component != v.config.Component {
		return false
	}

	if v.config.Pattern != nil {
		if !v.config.Pattern.MatchString(entry.Raw) {
			return false
		}
	}

	return true
}

// formatLevel formats the log level with optional color.
func (v *Viewer) formatLevel(level string) string {
	levelStr := strings.ToUpper(level)
	if len(levelStr) > 5 {
		levelStr = levelStr[:5]
	}
	levelStr = fmt.Sprintf("%-5s", levelStr)

	if v.config.NoColor {
		return levelStr
	}

	switch strings.ToLower(level) {
	case "debug":
		return "\033[90m" + levelStr + "\033[0m" // gray
	case "info":
		return "\033[32m" + levelStr + "\033[0m" // green
	case "warn", "warning":
		return "\033[33m" + levelStr + "\033[0m" // yellow
	case "error":
		return "\033[31m" + levelStr + "\033[0m" // red
	default:
		return levelStr
	}
}
