package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/fsrs"
	"github.com/conorfennell/kioku/internal/review"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	reviews *review.Service
}

func NewHandlers(reviews *review.Service) *Handlers {
	return &Handlers{reviews: reviews}
}

type ReviewRequest struct {
	LearnerID      string       `json:"learner_id"`
	CardID         string       `json:"card_id"`
	Rating         *fsrs.Rating `json:"rating"`
	ResponseTimeMs *int64       `json:"response_time_ms,omitempty"`
}

type UnreviewRequest struct {
	LearnerID string       `json:"learner_id"`
	CardID    string       `json:"card_id"`
	Snapshot  *fsrs.Card   `json:"snapshot"`
	Stats     domain.Stats `json:"stats"`
}

type DueRequest struct {
	LearnerID string `json:"learner_id"`
	Limit     int    `json:"limit,omitempty"`
}

type CardRequest struct {
	LearnerID string `json:"learner_id"`
	CardID    string `json:"card_id"`
	Limit     int    `json:"limit,omitempty"`
}

type EnrollRequest struct {
	LearnerID string `json:"learner_id"`
	ItemHash  string `json:"item_hash,omitempty"`
	SourceID  *int64 `json:"source_id,omitempty"`
}

func (h *Handlers) HandleReview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ReviewRequest](req)
	if err != nil {
		return errorResult(kerrors.NewInvalidRequest(err.Error())), nil
	}
	if input.Rating == nil {
		return errorResult(kerrors.NewInvalidRequest("rating is required")), nil
	}
	result, err := h.reviews.Review(ctx, review.ReviewInput{
		CardID:         input.CardID,
		LearnerID:      input.LearnerID,
		Rating:         *input.Rating,
		ResponseTimeMs: input.ResponseTimeMs,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

func (h *Handlers) HandleUnreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[UnreviewRequest](req)
	if err != nil {
		return errorResult(kerrors.NewInvalidRequest(err.Error())), nil
	}
	if input.Snapshot == nil {
		return errorResult(kerrors.NewInvalidRequest("snapshot is required")), nil
	}
	result, err := h.reviews.Unreview(ctx, review.UnreviewInput{
		CardID:    input.CardID,
		LearnerID: input.LearnerID,
		Snapshot:  *input.Snapshot,
		Stats:     input.Stats,
	})
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

func (h *Handlers) HandleDue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[DueRequest](req)
	if err != nil {
		return errorResult(kerrors.NewInvalidRequest(err.Error())), nil
	}
	cards, err := h.reviews.Due(ctx, input.LearnerID, input.Limit)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"cards": cards, "count": len(cards)})
}

func (h *Handlers) HandleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CardRequest](req)
	if err != nil {
		return errorResult(kerrors.NewInvalidRequest(err.Error())), nil
	}
	logs, err := h.reviews.History(ctx, input.LearnerID, input.CardID, input.Limit)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(map[string]any{"card_id": input.CardID, "reviews": logs})
}

func (h *Handlers) HandlePreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CardRequest](req)
	if err != nil {
		return errorResult(kerrors.NewInvalidRequest(err.Error())), nil
	}
	result, err := h.reviews.Preview(ctx, input.LearnerID, input.CardID)
	if err != nil {
		return errorResult(err), nil
	}
	return successResult(result)
}

func (h *Handlers) HandleEnroll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[EnrollRequest](req)
	if err != nil {
		return errorResult(kerrors.NewInvalidRequest(err.Error())), nil
	}
	switch {
	case input.ItemHash != "" && input.SourceID != nil:
		return errorResult(kerrors.NewInvalidRequest("give item_hash or source_id, not both")), nil
	case input.SourceID != nil:
		result, err := h.reviews.EnrollSource(ctx, input.LearnerID, *input.SourceID)
		if err != nil {
			return errorResult(err), nil
		}
		return successResult(result)
	default:
		result, err := h.reviews.Enroll(ctx, input.LearnerID, input.ItemHash)
		if err != nil {
			return errorResult(err), nil
		}
		return successResult(result)
	}
}

// errorResult reports err with IsError set. Internal error messages can carry
// SQL or file paths and are replaced.
func errorResult(err error) *mcp.CallToolResult {
	kerr := kerrors.As(err)
	errorObj := map[string]any{
		"code":    kerr.Code,
		"message": kerr.Message,
		"status":  kerr.Status,
	}
	if kerr.Code == kerrors.ErrInternal {
		errorObj["message"] = "an internal error occurred"
	} else if kerr.Details != nil {
		errorObj["details"] = kerr.Details
	}

	content, _ := json.Marshal(map[string]any{"error": errorObj})
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
