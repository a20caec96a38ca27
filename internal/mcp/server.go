// Package mcp exposes the review service as Model Context Protocol tools.
package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/conorfennell/kioku/internal/config"
	"github.com/conorfennell/kioku/internal/review"
)

type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

var toolRegistry = map[string]toolEntry{
	"card_review": {
		def: mcp.NewTool("card_review",
			mcp.WithDescription("Rate a card and reschedule it. The response carries the previous card and stats; pass them to card_unreview to undo."),
			mcp.WithString("learner_id", mcp.Required()),
			mcp.WithString("card_id", mcp.Required()),
			mcp.WithString("rating", mcp.Required(), mcp.Enum("again", "hard", "good", "easy")),
			mcp.WithNumber("response_time_ms", mcp.Description("How long the learner took to answer, in milliseconds")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleReview },
	},
	"card_unreview": {
		def: mcp.NewTool("card_unreview",
			mcp.WithDescription("Undo a card's most recent review by restoring the snapshot card_review returned."),
			mcp.WithString("learner_id", mcp.Required()),
			mcp.WithString("card_id", mcp.Required()),
			mcp.WithObject("snapshot", mcp.Required(), mcp.Description("The previous field of the card_review result")),
			mcp.WithObject("stats", mcp.Required(), mcp.Description("The stats field of the card_review result")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleUnreview },
	},
	"cards_due": {
		def: mcp.NewTool("cards_due",
			mcp.WithDescription("List the learner's cards that are due now, learning cards first."),
			mcp.WithString("learner_id", mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of cards (default 20, max 500)")),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleDue },
	},
	"card_history": {
		def: mcp.NewTool("card_history",
			mcp.WithDescription("List a card's reviews, most recent first."),
			mcp.WithString("learner_id", mcp.Required()),
			mcp.WithString("card_id", mcp.Required()),
			mcp.WithNumber("limit"),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHistory },
	},
	"card_preview": {
		def: mcp.NewTool("card_preview",
			mcp.WithDescription("Show what each rating would do to a card without reviewing it."),
			mcp.WithString("learner_id", mcp.Required()),
			mcp.WithString("card_id", mcp.Required()),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandlePreview },
	},
	"item_enroll": {
		def: mcp.NewTool("item_enroll",
			mcp.WithDescription("Give the learner cards for one item (item_hash) or every item of a source (source_id)."),
			mcp.WithString("learner_id", mcp.Required()),
			mcp.WithString("item_hash"),
			mcp.WithNumber("source_id"),
		),
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEnroll },
	},
}

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns the names that are not tools.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server with every tool cfg does not disable.
func NewServer(reviews *review.Service, cfg *config.Config, version string) *server.MCPServer {
	s := server.NewMCPServer("kioku", version, server.WithToolCapabilities(true))
	h := NewHandlers(reviews)
	for name, entry := range toolRegistry {
		if !cfg.ToolEnabled(name) {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}
	return s
}

// Run serves the tools over stdio.
func Run(reviews *review.Service, cfg *config.Config, version string) error {
	return server.ServeStdio(NewServer(reviews, cfg, version))
}
