package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/kioku/internal/domain"
)

func TestHTML(t *testing.T) {
	r := New()

	tests := []struct {
		name     string
		in       string
		contains []string
		excludes []string
	}{
		{
			name:     "emphasis",
			in:       "**猫** is a cat",
			contains: []string{"<strong>猫</strong>"},
		},
		{
			name:     "ruby annotations survive",
			in:       "<ruby>漢字<rt>かんじ</rt></ruby>",
			contains: []string{"<ruby>漢字<rt>かんじ</rt></ruby>"},
		},
		{
			name:     "script is stripped",
			in:       "hello <script>alert(1)</script>",
			excludes: []string{"<script", "alert(1)"},
		},
		{
			name:     "javascript links are neutralised",
			in:       "[click](javascript:alert(1))",
			excludes: []string{"javascript:"},
		},
		{
			name:     "strikethrough",
			in:       "~~wrong~~ right",
			contains: []string{"<del>wrong</del>"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.HTML(tt.in)
			require.NoError(t, err)
			for _, want := range tt.contains {
				assert.Contains(t, got, want)
			}
			for _, bad := range tt.excludes {
				assert.False(t, strings.Contains(got, bad), "output %q contains %q", got, bad)
			}
		})
	}
}

func TestItem(t *testing.T) {
	r := New()
	out, err := r.Item(domain.Item{Prompt: "*Hund*", Answer: "dog", Hash: "h1"})
	require.NoError(t, err)
	assert.Equal(t, "h1", out.Hash)
	assert.Contains(t, out.PromptHTML, "<em>Hund</em>")
	assert.Contains(t, out.AnswerHTML, "dog")
	assert.Empty(t, out.ContextHTML)
}
