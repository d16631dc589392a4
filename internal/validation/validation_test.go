package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep/lorekeep/internal/errors"
)

func TestValidateFilename_AcceptsSupportedTypes(t *testing.T) {
	tests := []struct {
		filename string
		wantExt  string
	}{
		{"report.pdf", ".pdf"},
		{"notes.txt", ".txt"},
		{"README.md", ".md"},
		{"contract.docx", ".docx"},
		{"MIXED.PDF", ".pdf"},
		{"测试文档.pdf", ".pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			ext, err := ValidateFilename(tt.filename)
			require.NoError(t, err)
			assert.Equal(t, tt.wantExt, ext)
		})
	}
}

func TestValidateFilename_RejectsUnsupportedTypes(t *testing.T) {
	tests := []string{"malware.exe", "archive.zip", "noextension", "photo.jpeg", "data.csv"}

	for _, filename := range tests {
		t.Run(filename, func(t *testing.T) {
			_, err := ValidateFilename(filename)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindUnsupportedFileType))
		})
	}
}

func TestValidateFilename_RejectsEmptyAndNul(t *testing.T) {
	_, err := ValidateFilename("  ")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))

	_, err = ValidateFilename("bad\x00name.pdf")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
}

func TestValidateFileSize(t *testing.T) {
	maxSize := int64(30 * 1024 * 1024)

	// Given: a file within the limit
	assert.NoError(t, ValidateFileSize(maxSize, maxSize))
	assert.NoError(t, ValidateFileSize(1, maxSize))

	// When: the file is one byte over
	err := ValidateFileSize(maxSize+1, maxSize)

	// Then: the error names both sizes in readable units
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindFileTooLarge))
	assert.Contains(t, err.Error(), "30.0 MB")

	// And: zero and negative sizes are invalid input
	assert.True(t, errors.IsKind(ValidateFileSize(0, maxSize), errors.KindInvalidInput))
	assert.True(t, errors.IsKind(ValidateFileSize(-5, maxSize), errors.KindInvalidInput))
}

func TestFormatFileSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{30 * 1024 * 1024, "30.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatFileSize(tt.n))
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{name: "valid simple", username: "alice"},
		{name: "valid with underscore and digits", username: "user_42"},
		{name: "minimum length", username: "abc"},
		{name: "maximum length", username: strings.Repeat("a", 50)},
		{name: "too short", username: "ab", wantErr: true},
		{name: "too long", username: strings.Repeat("a", 51), wantErr: true},
		{name: "dash rejected", username: "bad-name", wantErr: true},
		{name: "space rejected", username: "bad name", wantErr: true},
		{name: "cjk rejected", username: "用户一号", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsKind(err, errors.KindInvalidInput))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePassword(t *testing.T) {
	assert.Error(t, ValidatePassword("short"))
	assert.NoError(t, ValidatePassword("longer"))
	assert.NoError(t, ValidatePassword("correct horse battery staple"))
}

func TestValidateEmail(t *testing.T) {
	assert.NoError(t, ValidateEmail(""))
	assert.NoError(t, ValidateEmail("user@example.com"))
	assert.Error(t, ValidateEmail("missing-at"))
	assert.Error(t, ValidateEmail("@leading"))
	assert.Error(t, ValidateEmail("trailing@"))
	assert.Error(t, ValidateEmail("two@@signs"))
}
