// Package knol gives deck items a stable identity. The identity ignores
// markdown formatting, letter case and whitespace so that cosmetic edits to
// a deck file keep the learner's review history attached to the item.
package knol

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/conorfennell/kioku/internal/domain"
)

var md = goldmark.New()

// PlainText strips markdown formatting from s, keeping the visible text.
// Block boundaries become newlines.
func PlainText(s string) string {
	src := []byte(strings.ReplaceAll(s, "\r\n", "\n"))
	doc := md.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			if n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
				buf.WriteByte('\n')
			}
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(src))
			if node.SoftLineBreak() || node.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(node.Value)
		case *ast.AutoLink:
			buf.Write(node.Label(src))
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				buf.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(buf.String())
}

// Normalize reduces each field of the item to lower-case plain text with
// runs of whitespace collapsed, and joins the fields with newlines so that
// text cannot move between fields without changing the result.
func Normalize(item domain.Item) string {
	normalizePart := func(part string) string {
		return strings.Join(strings.Fields(strings.ToLower(PlainText(part))), " ")
	}
	return strings.Join([]string{
		normalizePart(item.Prompt),
		normalizePart(item.Answer),
		normalizePart(item.Context),
	}, "\n")
}

// Hash returns the hex SHA-256 of the item's normalized content.
func Hash(item domain.Item) string {
	sum := sha256.Sum256([]byte(Normalize(item)))
	return hex.EncodeToString(sum[:])
}
