// Package logging provides structured JSON logging for lorekeep.
// Both server roles write slog JSON lines to ~/.lorekeep/logs/<role>.log
// with size-based rotation; on interactive terminals a text handler is
// used for stderr instead. The lorekeep-logs binary tails and filters
// the JSONL output.
package logging
