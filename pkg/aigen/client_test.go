package aigen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestParseStoreContent(t *testing.T) {
	content, err := ParseStoreContent(`{"headline":"Jane's Workshop","about":"Handmade woodwork.","product_ideas":["mug","plan bundle"]}`)
	require.NoError(t, err)
	assert.Equal(t, "Jane's Workshop", content.Headline)
	assert.Equal(t, "Handmade woodwork.", content.About)
	assert.Len(t, content.ProductIdeas, 2)
}

func TestParseStoreContent_CodeFence(t *testing.T) {
	text := "Here is the copy:\n```json\n{\"headline\":\"H\",\"about\":\"A\",\"product_ideas\":[]}\n```"
	content, err := ParseStoreContent(text)
	require.NoError(t, err)
	assert.Equal(t, "H", content.Headline)
}

func TestParseStoreContent_Invalid(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"no json", "sorry, I cannot do that"},
		{"malformed", `{"headline": `},
		{"missing headline", `{"about":"A"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStoreContent(tt.text)
			assert.Error(t, err)
		})
	}
}
