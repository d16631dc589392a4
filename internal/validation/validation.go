// Package validation checks user-supplied input at the API boundary:
// filenames, file sizes, and account fields. Checks return structured
// errors so handlers can map them to HTTP statuses directly.
package validation

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lorekeep/lorekeep/internal/errors"
)

// AllowedExtensions are the document types the ingestion pipeline accepts.
var AllowedExtensions = map[string]bool{
	".pdf":  true,
	".txt":  true,
	".md":   true,
	".docx": true,
}

const (
	MinUsernameLen = 3
	MaxUsernameLen = 50
	MinPasswordLen = 6
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// NormalizeExtension returns the lowercased extension of a filename,
// including the dot. Empty when the filename has no extension.
func NormalizeExtension(filename string) string {
	return strings.ToLower(filepath.Ext(filename))
}

// ValidateFilename checks that a filename is usable and of an ingestable
// type. Returns the normalized extension.
func ValidateFilename(filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", errors.InvalidInput("filename is required")
	}
	if strings.ContainsRune(filename, 0) {
		return "", errors.InvalidInput("filename contains invalid characters")
	}

	ext := NormalizeExtension(filename)
	if ext == "" || !AllowedExtensions[ext] {
		return "", errors.Newf(errors.KindUnsupportedFileType,
			"file type %q is not supported", ext).
			WithDetail("filename", filename).
			WithSuggestion("Supported types: " + strings.Join(allowedList(), ", "))
	}

	return ext, nil
}

// ValidateFileSize checks an upload against the configured ceiling.
func ValidateFileSize(size, maxSize int64) error {
	if size <= 0 {
		return errors.InvalidInput("file size must be positive")
	}
	if size > maxSize {
		return errors.Newf(errors.KindFileTooLarge,
			"file size %s exceeds the maximum allowed (%s)",
			FormatFileSize(size), FormatFileSize(maxSize)).
			WithDetail("size", fmt.Sprintf("%d", size)).
			WithDetail("max_size", fmt.Sprintf("%d", maxSize))
	}
	return nil
}

// FormatFileSize renders a byte count as B, KB, MB, or GB.
func FormatFileSize(n int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(gb))
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(mb))
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(kb))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// ValidateUsername enforces the account naming rules: 3-50 characters,
// letters, digits, and underscores only.
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLen || len(username) > MaxUsernameLen {
		return errors.InvalidInput(
			fmt.Sprintf("username must be between %d and %d characters", MinUsernameLen, MaxUsernameLen))
	}
	if !usernamePattern.MatchString(username) {
		return errors.InvalidInput("username may only contain letters, digits, and underscores")
	}
	return nil
}

// ValidatePassword enforces the minimum password length.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLen {
		return errors.InvalidInput(
			fmt.Sprintf("password must be at least %d characters", MinPasswordLen))
	}
	return nil
}

// ValidateEmail checks an optional email field. Empty is allowed.
func ValidateEmail(email string) error {
	if email == "" {
		return nil
	}
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return errors.InvalidInput("email address is not valid")
	}
	return nil
}

func allowedList() []string {
	// Stable order for messages and tests.
	return []string{".pdf", ".txt", ".md", ".docx"}
}
