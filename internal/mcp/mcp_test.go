package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/kioku/internal/config"
	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/fsrs"
	"github.com/conorfennell/kioku/internal/review"
	"github.com/conorfennell/kioku/internal/storage"
)

type setup struct {
	h      *Handlers
	svc    *review.Service
	source int64
}

func testSetup(t *testing.T) *setup {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "kioku.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	src, err := db.InsertSource(ctx, "decks/es", domain.SourceLocal)
	require.NoError(t, err)
	for _, it := range []domain.Item{
		{Prompt: "gato", Answer: "cat", Hash: "h-gato"},
		{Prompt: "perro", Answer: "dog", Hash: "h-perro"},
	} {
		_, err := db.UpsertItem(ctx, it, src)
		require.NoError(t, err)
	}

	sched, err := fsrs.NewScheduler(fsrs.DefaultParams())
	require.NoError(t, err)
	svc := review.New(db, sched)
	return &setup{h: NewHandlers(svc), svc: svc, source: src}
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) []byte {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "content is %T", result.Content[0])
	return []byte(text.Text)
}

func unmarshal[T any](t *testing.T, result *mcp.CallToolResult) T {
	t.Helper()
	require.False(t, result.IsError, string(resultText(t, result)))
	var v T
	require.NoError(t, json.Unmarshal(resultText(t, result), &v))
	return v
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, code string) {
	t.Helper()
	require.True(t, result.IsError, "expected error result")
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resultText(t, result), &payload))
	assert.Equal(t, code, payload.Error.Code)
}

func (s *setup) call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), makeRequest(args))
	require.NoError(t, err, "handlers report failures in the result")
	return result
}

func TestHandleEnroll(t *testing.T) {
	s := testSetup(t)

	tests := []struct {
		name      string
		args      map[string]any
		errorCode string
	}{
		{"one item", map[string]any{"learner_id": "ana", "item_hash": "h-gato"}, ""},
		{"whole source", map[string]any{"learner_id": "ana", "source_id": s.source}, ""},
		{"unknown item", map[string]any{"learner_id": "ana", "item_hash": "nope"}, "NOT_FOUND"},
		{"unknown source", map[string]any{"learner_id": "ana", "source_id": 404}, "NOT_FOUND"},
		{"both", map[string]any{"learner_id": "ana", "item_hash": "h-gato", "source_id": s.source}, "INVALID_REQUEST"},
		{"no learner", map[string]any{"item_hash": "h-gato"}, "INVALID_REQUEST"},
		{"wrong type", map[string]any{"learner_id": "ana", "source_id": "one"}, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := s.call(t, s.h.HandleEnroll, tt.args)
			if tt.errorCode != "" {
				assertErrorCode(t, result, tt.errorCode)
				return
			}
			assert.False(t, result.IsError, string(resultText(t, result)))
		})
	}

	out := unmarshal[review.EnrollSourceOutput](t, s.call(t, s.h.HandleEnroll, map[string]any{"learner_id": "ana", "source_id": s.source}))
	assert.Equal(t, 0, out.Enrolled)
	assert.Equal(t, 2, out.Existing)
}

func TestHandleReviewAndUnreview(t *testing.T) {
	s := testSetup(t)
	enrolled := unmarshal[review.EnrollOutput](t, s.call(t, s.h.HandleEnroll, map[string]any{"learner_id": "ana", "item_hash": "h-gato"}))
	cardID := enrolled.Card.ID

	due := unmarshal[struct {
		Count int `json:"count"`
	}](t, s.call(t, s.h.HandleDue, map[string]any{"learner_id": "ana"}))
	assert.Equal(t, 1, due.Count)

	// Arguments arrive as decoded JSON, so feed the handler the same shapes.
	var raw map[string]any
	reviewed := s.call(t, s.h.HandleReview, map[string]any{
		"learner_id":       "ana",
		"card_id":          cardID,
		"rating":           "again",
		"response_time_ms": 4200,
	})
	require.NoError(t, json.Unmarshal(resultText(t, reviewed), &raw))
	out := unmarshal[review.ReviewOutput](t, reviewed)
	assert.Equal(t, fsrs.New, out.PreviousState)
	assert.Equal(t, fsrs.Learning, out.NewState)
	assert.Equal(t, 1, out.Card.Reps)

	history := unmarshal[struct {
		Reviews []domain.ReviewLog `json:"reviews"`
	}](t, s.call(t, s.h.HandleHistory, map[string]any{"learner_id": "ana", "card_id": cardID}))
	require.Len(t, history.Reviews, 1)
	require.NotNil(t, history.Reviews[0].ResponseTimeMs)
	assert.Equal(t, int64(4200), *history.Reviews[0].ResponseTimeMs)

	undone := unmarshal[review.UnreviewOutput](t, s.call(t, s.h.HandleUnreview, map[string]any{
		"learner_id": "ana",
		"card_id":    cardID,
		"snapshot":   raw["previous"],
		"stats":      raw["stats"],
	}))
	assert.Equal(t, fsrs.New, undone.Card.State)
	assert.Equal(t, out.LogID, undone.Removed.ID)
	assert.True(t, undone.Card.Due.Equal(enrolled.Card.Due))

	stats, err := s.svc.Stats(context.Background(), "ana")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TimesReviewed)
}

func TestHandleReview_Errors(t *testing.T) {
	s := testSetup(t)
	enrolled := unmarshal[review.EnrollOutput](t, s.call(t, s.h.HandleEnroll, map[string]any{"learner_id": "ana", "item_hash": "h-gato"}))

	tests := []struct {
		name      string
		args      map[string]any
		errorCode string
	}{
		{"bad rating", map[string]any{"learner_id": "ana", "card_id": enrolled.Card.ID, "rating": "meh"}, "INVALID_REQUEST"},
		{"missing rating", map[string]any{"learner_id": "ana", "card_id": enrolled.Card.ID}, "INVALID_REQUEST"},
		{"no card", map[string]any{"learner_id": "ana", "rating": "good"}, "INVALID_REQUEST"},
		{"someone else's card", map[string]any{"learner_id": "ben", "card_id": enrolled.Card.ID, "rating": "good"}, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertErrorCode(t, s.call(t, s.h.HandleReview, tt.args), tt.errorCode)
		})
	}

	assertErrorCode(t, s.call(t, s.h.HandleUnreview, map[string]any{"learner_id": "ana", "card_id": enrolled.Card.ID}), "INVALID_REQUEST")
}

func TestHandlePreview(t *testing.T) {
	s := testSetup(t)
	enrolled := unmarshal[review.EnrollOutput](t, s.call(t, s.h.HandleEnroll, map[string]any{"learner_id": "ana", "item_hash": "h-perro"}))

	preview := unmarshal[review.PreviewOutput](t, s.call(t, s.h.HandlePreview, map[string]any{"learner_id": "ana", "card_id": enrolled.Card.ID}))
	require.Len(t, preview.Outcomes, 4)
	assert.Equal(t, fsrs.Review, preview.Outcomes[fsrs.Easy].Card.State)
	assert.Equal(t, fsrs.Learning, preview.Outcomes[fsrs.Again].Card.State)

	card, err := s.svc.GetCard(context.Background(), "ana", enrolled.Card.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, card.Reps)
}

func TestServerRegistration(t *testing.T) {
	s := testSetup(t)

	tools := NewServer(s.svc, config.Default(), "test").ListTools()
	assert.Len(t, tools, len(AllToolNames()))
	for _, name := range AllToolNames() {
		assert.Contains(t, tools, name)
	}

	cfg := config.Default()
	cfg.MCP.DisabledTools = []string{"card_unreview", "item_enroll"}
	tools = NewServer(s.svc, cfg, "test").ListTools()
	assert.Len(t, tools, len(AllToolNames())-2)
	assert.NotContains(t, tools, "card_unreview")
	assert.Contains(t, tools, "card_review")
}

func TestValidateDisabledTools(t *testing.T) {
	assert.Empty(t, ValidateDisabledTools([]string{"card_review", "cards_due"}))
	assert.Equal(t, []string{"capsule_store"}, ValidateDisabledTools([]string{"card_review", "capsule_store"}))
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	result := errorResult(kerrors.NewInternal(assert.AnError))
	assert.True(t, result.IsError)
	assert.NotContains(t, string(resultText(t, result)), assert.AnError.Error())
	assertErrorCode(t, result, "INTERNAL")
}
