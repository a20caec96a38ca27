package web

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/conorfennell/kioku/internal/auth"
	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/fsrs"
	"github.com/conorfennell/kioku/internal/review"
	ksync "github.com/conorfennell/kioku/internal/sync"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("health-check-failed")
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type enrollRequest struct {
	ItemHash string `json:"item_hash"`
	SourceID *int64 `json:"source_id"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	learnerID := auth.LearnerFromContext(r.Context())

	switch {
	case req.ItemHash != "" && req.SourceID != nil:
		writeError(w, r, kerrors.NewInvalidRequest("give item_hash or source_id, not both"))
	case req.ItemHash != "":
		out, err := s.reviews.Enroll(r.Context(), learnerID, req.ItemHash)
		if err != nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if out.Created {
			status = http.StatusCreated
		}
		writeJSON(w, r, status, out)
	case req.SourceID != nil:
		out, err := s.reviews.EnrollSource(r.Context(), learnerID, *req.SourceID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, out)
	default:
		writeError(w, r, kerrors.NewInvalidRequest("item_hash or source_id is required"))
	}
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	cards, err := s.reviews.Due(r.Context(), auth.LearnerFromContext(r.Context()), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"cards": cards, "count": len(cards)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reviews.Stats(r.Context(), auth.LearnerFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.reviews.GetCard(r.Context(), auth.LearnerFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, card)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	out, err := s.reviews.Preview(r.Context(), auth.LearnerFromContext(r.Context()), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	logs, err := s.reviews.History(r.Context(), auth.LearnerFromContext(r.Context()), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"card_id": r.PathValue("id"), "reviews": logs})
}

type reviewRequest struct {
	Rating         *fsrs.Rating `json:"rating"`
	ResponseTimeMs *int64       `json:"response_time_ms"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Rating == nil {
		writeError(w, r, kerrors.NewInvalidRequest("rating is required"))
		return
	}
	out, err := s.reviews.Review(r.Context(), review.ReviewInput{
		CardID:         r.PathValue("id"),
		LearnerID:      auth.LearnerFromContext(r.Context()),
		Rating:         *req.Rating,
		ResponseTimeMs: req.ResponseTimeMs,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

type unreviewRequest struct {
	Snapshot *fsrs.Card   `json:"snapshot"`
	Stats    domain.Stats `json:"stats"`
}

func (s *Server) handleUnreview(w http.ResponseWriter, r *http.Request) {
	var req unreviewRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Snapshot == nil {
		writeError(w, r, kerrors.NewInvalidRequest("snapshot is required"))
		return
	}
	out, err := s.reviews.Unreview(r.Context(), review.UnreviewInput{
		CardID:    r.PathValue("id"),
		LearnerID: auth.LearnerFromContext(r.Context()),
		Snapshot:  *req.Snapshot,
		Stats:     req.Stats,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	hash := r.PathValue("hash")
	item, err := s.store.FindItemByHash(r.Context(), hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if item == nil {
		writeError(w, r, kerrors.NewNotFound("item", hash))
		return
	}
	rendered, err := s.renderer.Item(*item)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rendered)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.GetAllSources(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sources == nil {
		sources = []domain.Source{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"sources": sources})
}

type addSourceRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request) {
	var req addSourceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	src, created, err := s.syncer.AddSource(r.Context(), req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, src)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.store.DeleteSource(r.Context(), id, s.now()); err != nil {
		writeError(w, r, err)
		return
	}
	hlog.FromRequest(r).Info().Int64("source_id", id).Msg("source-deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	reports, err := s.syncer.Run(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []ksync.Report{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"reports": reports})
}
