package split

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// paragraph builds a deterministic paragraph of roughly n characters.
func paragraph(n int) string {
	var b strings.Builder
	sentence := "The retrieval system indexes every document before answering questions. "
	for b.Len() < n {
		b.WriteString(sentence)
	}
	return strings.TrimSpace(b.String())
}

func TestParentChild_ShortTextProducesNothing(t *testing.T) {
	// Given: text below the 200-char parent minimum
	text := "too short to keep"

	// When: splitting
	parents, children, err := ParentChild(text, Options{})

	// Then: both outputs are empty
	require.NoError(t, err)
	assert.Empty(t, parents)
	assert.Empty(t, children)
}

func TestParentChild_SingleParagraph(t *testing.T) {
	// Given: one paragraph comfortably above the parent minimum
	text := paragraph(600)

	// When: splitting with defaults
	parents, children, err := ParentChild(text, Options{})
	require.NoError(t, err)

	// Then: one parent holds the paragraph and children cover it
	require.Len(t, parents, 1)
	assert.NotEmpty(t, parents[0].ID)
	assert.Equal(t, text, parents[0].Content)
	require.NotEmpty(t, children)
	for _, c := range children {
		assert.Equal(t, parents[0].ID, c.ParentID)
		assert.GreaterOrEqual(t, utf8.RuneCountInString(c.Content), 50)
	}
}

func TestParentChild_ChunkIDsIncreaseAcrossParents(t *testing.T) {
	// Given: several large paragraphs that split into multiple parents
	text := strings.Join([]string{
		paragraph(1700),
		paragraph(1700),
		paragraph(1700),
	}, "\n\n\n")

	// When: splitting
	parents, children, err := ParentChild(text, Options{})
	require.NoError(t, err)
	require.Greater(t, len(parents), 1)
	require.NotEmpty(t, children)

	// Then: chunk ids are 0..n-1 across the whole document
	for i, c := range children {
		assert.Equal(t, i, c.ChunkID)
	}
}

func TestParentChild_EveryChildHasAKnownParent(t *testing.T) {
	// Given: multi-paragraph text
	text := paragraph(1700) + "\n\n\n" + paragraph(1700)

	// When: splitting
	parents, children, err := ParentChild(text, Options{})
	require.NoError(t, err)

	ids := make(map[string]bool, len(parents))
	for _, p := range parents {
		ids[p.ID] = true
	}

	// Then: no child references a missing parent
	for _, c := range children {
		assert.True(t, ids[c.ParentID], "child %d references unknown parent %s", c.ChunkID, c.ParentID)
	}
}

func TestParentChild_ParentIDsAreUnique(t *testing.T) {
	text := strings.Join([]string{paragraph(1700), paragraph(1700), paragraph(1700)}, "\n\n\n")

	parents, _, err := ParentChild(text, Options{})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, p := range parents {
		assert.False(t, seen[p.ID], "duplicate parent id %s", p.ID)
		seen[p.ID] = true
	}
}

func TestParentChild_DropsHeaderOnlyBlocks(t *testing.T) {
	// Given: a long run of short heading lines followed by real prose
	var headings []string
	for i := 0; i < 40; i++ {
		headings = append(headings, "Chapter heading line #")
	}
	text := strings.Join(headings, "\n") + "\n\n\n" + paragraph(600)

	// When: splitting
	parents, _, err := ParentChild(text, Options{})
	require.NoError(t, err)

	// Then: the heading block is gone even though it clears the length bar
	for _, p := range parents {
		assert.NotContains(t, p.Content, "Chapter heading line #")
	}
	require.NotEmpty(t, parents)
}

func TestParentChild_RespectsCustomSizes(t *testing.T) {
	// Given: text long enough to need multiple small parents
	text := paragraph(2000)

	// When: splitting with tighter sizes
	parents, children, err := ParentChild(text, Options{ParentSize: 600, ChildSize: 150})
	require.NoError(t, err)

	// Then: more parents than the default sizing would produce
	assert.Greater(t, len(parents), 1)
	for _, c := range children {
		assert.LessOrEqual(t, utf8.RuneCountInString(c.Content), 160,
			"child should stay near the configured size")
	}
}

func TestParentChild_CJKSentenceBoundaries(t *testing.T) {
	// Given: CJK prose with 。-separated sentences and no spaces
	sentence := "检索增强生成系统会先检索相关的文档内容然后再根据检索结果生成回答内容。"
	text := strings.Repeat(sentence, 30)

	// When: splitting
	parents, children, err := ParentChild(text, Options{})
	require.NoError(t, err)

	// Then: splitting succeeds and children stay within bounds
	require.NotEmpty(t, parents)
	require.NotEmpty(t, children)
	for _, c := range children {
		assert.GreaterOrEqual(t, utf8.RuneCountInString(c.Content), 50)
	}
}

func TestIsHeaderOnly(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"all short heading lines", "Intro #\nSetup #\nUsage #", true},
		{"contains prose line", "Intro #\nThis line is a real sentence without the marker.", false},
		{"long heading line", strings.Repeat("x", 70) + "#", false},
		{"empty content", "", false},
		{"blank lines between headings", "One #\n\nTwo #", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isHeaderOnly(tt.content))
		})
	}
}
