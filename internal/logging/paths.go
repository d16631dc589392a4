package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns the default log directory (~/.lorekeep/logs/).
// Falls back to the temp directory if the home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".lorekeep", "logs")
	}
	return filepath.Join(home, ".lorekeep", "logs")
}

// DefaultLogPath returns the log path for a server role.
func DefaultLogPath(role string) string {
	return filepath.Join(DefaultLogDir(), role+".log")
}

// LogSource selects which role's logs to view.
type LogSource string

const (
	// LogSourceGateway is the gateway server logs.
	LogSourceGateway LogSource = "gateway"
	// LogSourceWorker is the RAG worker logs.
	LogSourceWorker LogSource = "worker"
	// LogSourceAll merges both.
	LogSourceAll LogSource = "all"
)

// ParseLogSource parses a string into a LogSource.
func ParseLogSource(s string) LogSource {
	switch s {
	case "gateway":
		return LogSourceGateway
	case "all":
		return LogSourceAll
	default:
		return LogSourceWorker
	}
}

// FindLogFiles finds log files for the given source.
// An explicit path takes precedence over the defaults.
func FindLogFiles(source LogSource, explicit string) ([]string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return []string{explicit}, nil
		}
		return nil, fmt.Errorf("log file not found: %s", explicit)
	}

	var candidates []string
	switch source {
	case LogSourceGateway:
		candidates = []string{DefaultLogPath("gateway")}
	case LogSourceWorker:
		candidates = []string{DefaultLogPath("worker")}
	case LogSourceAll:
		candidates = []string{DefaultLogPath("gateway"), DefaultLogPath("worker")}
	default:
		return nil, fmt.Errorf("unknown log source: %s (use: gateway, worker, all)", source)
	}

	var paths []string
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			paths = append(paths, c)
		}
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no log files found for source %q.\nChecked: %v\n\nRun `lorekeep %s` first to generate logs", source, candidates, defaultRoleFor(source))
	}

	return paths, nil
}

func defaultRoleFor(source LogSource) string {
	if source == LogSourceGateway {
		return "gateway"
	}
	return "worker"
}
