// Package render turns deck markdown into HTML that is safe to embed.
package render

import (
	"bytes"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/conorfennell/kioku/internal/domain"
)

// Renderer converts markdown with goldmark and sanitises the result.
type Renderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

func New() *Renderer {
	policy := bluemonday.UGCPolicy().
		AllowElements("ruby", "rt", "rp").
		AllowAttrs("lang").Globally()
	return &Renderer{
		// Raw HTML is passed through and left to the sanitiser so that
		// furigana written as <ruby> survives.
		md: goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough, extension.Table),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
		policy: policy,
	}
}

// HTML renders src to sanitised HTML.
func (r *Renderer) HTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return r.policy.Sanitize(buf.String()), nil
}

// RenderedItem is an item with HTML versions of its fields.
type RenderedItem struct {
	domain.Item
	PromptHTML  string `json:"prompt_html"`
	AnswerHTML  string `json:"answer_html"`
	ContextHTML string `json:"context_html,omitempty"`
}

// Item renders every field of it.
func (r *Renderer) Item(it domain.Item) (*RenderedItem, error) {
	out := &RenderedItem{Item: it}
	for _, f := range []struct {
		src string
		dst *string
	}{
		{it.Prompt, &out.PromptHTML},
		{it.Answer, &out.AnswerHTML},
		{it.Context, &out.ContextHTML},
	} {
		if f.src == "" {
			continue
		}
		rendered, err := r.HTML(f.src)
		if err != nil {
			return nil, err
		}
		*f.dst = rendered
	}
	return out, nil
}
