package parser

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/conorfennell/kioku/internal/domain"
)

// maxLineBytes bounds a single deck line; long example sentences fit easily.
const maxLineBytes = 1 << 20

type field int

const (
	noField field = iota
	promptField
	answerField
	contextField
)

var markers = []struct {
	prefix string
	field  field
}{
	{"Q:", promptField},
	{"A:", answerField},
	{"C:", contextField},
}

// ParseFile reads a deck file and extracts its items.
func ParseFile(path string) ([]domain.Item, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse extracts items from deck text. An item starts at a "Q:" line and
// "A:" and "C:" lines start its answer and usage context. Unmarked lines
// continue the current field. A "---" line or the next "Q:" ends the item.
// Items without a prompt are dropped. Hashes are left empty.
func Parse(r io.Reader) ([]domain.Item, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var p deckParser
	for scanner.Scan() {
		p.line(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	p.finishItem()
	return p.items, nil
}

type deckParser struct {
	items   []domain.Item
	current domain.Item
	field   field
	block   []string
}

func (p *deckParser) line(line string) {
	line = strings.TrimSuffix(line, "\r")
	if strings.TrimSpace(line) == "---" {
		p.finishItem()
		return
	}

	for _, m := range markers {
		rest, ok := strings.CutPrefix(line, m.prefix)
		if !ok {
			continue
		}
		p.finishField()
		if m.field == promptField && p.started() {
			p.finishItem()
		}
		p.field = m.field
		p.block = append(p.block, strings.TrimPrefix(rest, " "))
		return
	}

	if p.field != noField {
		p.block = append(p.block, line)
	}
}

func (p *deckParser) started() bool {
	return p.current.Prompt != "" || p.current.Answer != "" || p.current.Context != ""
}

func (p *deckParser) finishField() {
	if len(p.block) == 0 {
		return
	}
	content := strings.TrimRight(strings.Join(p.block, "\n"), " \t\n")
	switch p.field {
	case promptField:
		p.current.Prompt = content
	case answerField:
		p.current.Answer = content
	case contextField:
		p.current.Context = content
	}
	p.block = nil
}

func (p *deckParser) finishItem() {
	p.finishField()
	if strings.TrimSpace(p.current.Prompt) != "" {
		p.items = append(p.items, p.current)
	}
	p.current = domain.Item{}
	p.field = noField
}
