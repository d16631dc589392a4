package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	lkerrors "github.com/lorekeep/lorekeep/internal/errors"
)

// Scan helpers shared by the sqlite and postgres backends. pgx v5 wraps
// sql.ErrNoRows, so the no-rows check below covers both drivers.

type rowScanner interface {
	Scan(dest ...any) error
}

// rowIterator is the subset of *sql.Rows and pgx.Rows the collect helpers
// need. Close stays with the caller.
type rowIterator interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanUser(row rowScanner, key string) (*User, error) {
	u := &User{}
	var lastLogin sql.NullTime
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Email,
		&u.DisplayName, &u.IsActive, &u.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lkerrors.NotFound("user", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLoginAt = &t
	}
	return u, nil
}

func scanDocument(row rowScanner, docID string) (*Document, error) {
	doc, err := scanDocumentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lkerrors.NotFound("document", docID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan document: %w", err)
	}
	return doc, nil
}

func scanDocumentRow(row rowScanner) (*Document, error) {
	doc := &Document{}
	var status string
	err := row.Scan(&doc.ID, &doc.UserID, &doc.OriginalFilename, &doc.StoragePath,
		&doc.FileSize, &doc.FileType, &doc.PageCount, &doc.ChunkCount,
		&status, &doc.ErrorMessage, &doc.VectorCollection, &doc.UploadAt)
	if err != nil {
		return nil, err
	}
	doc.Status = Status(status)
	return doc, nil
}

func collectParentMap(rows rowIterator, userID string) (map[string]*ParentBlock, error) {
	out := make(map[string]*ParentBlock)
	for rows.Next() {
		block := &ParentBlock{UserID: userID}
		var meta string
		if err := rows.Scan(&block.ParentID, &block.DocID, &block.Content, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan parent block: %w", err)
		}
		m, err := decodeMetadata(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to decode metadata for parent %s: %w", block.ParentID, err)
		}
		block.Metadata = m
		out[block.ParentID] = block
	}
	return out, rows.Err()
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	if s == "" || s == "{}" {
		return map[string]string{}, nil
	}
	m := map[string]string{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// sanitizeDiagnostic bounds a persisted error message: NUL bytes stripped
// (postgres rejects them in text columns), length capped.
func sanitizeDiagnostic(msg string) string {
	msg = strings.ReplaceAll(msg, "\x00", "")
	const maxLen = 500
	if len(msg) > maxLen {
		msg = msg[:maxLen]
	}
	return msg
}
