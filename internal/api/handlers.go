package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
	"github.com/JakeFAU/site-analyzer/internal/submission"
)

type analyzeRequest struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type analyzeResponse struct {
	Success    bool   `json:"success"`
	CrawlJobID string `json:"crawlJobId"`
	SiteID     string `json:"siteId"`
	Message    string `json:"message"`
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		s.writeServiceError(w, r, analysis.ErrUnauthorized)
		return
	}
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request data")
		return
	}
	res, err := s.svc.Submit(r.Context(), submission.SubmitRequest{
		UserID:      userID,
		URL:         req.URL,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		Success:    true,
		CrawlJobID: res.CrawlJobID,
		SiteID:     res.SiteID,
		Message:    "Analysis job created successfully",
	})
}

func (s *Server) listReports(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.svc.ListReports(r.Context(), callerID(r), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.GetReport(r.Context(), callerID(r), chi.URLParam(r, "report_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.GetJob(r.Context(), callerID(r), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// runWorker detaches the pass from the request so a client disconnect does
// not fail the jobs it has already claimed.
func (s *Server) runWorker(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.RunWorkerOnce(context.WithoutCancel(r.Context()))
	if err != nil {
		s.logger.Error("worker run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   "Failed to run crawl worker",
			"summary": summary,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Crawl worker finished",
		"summary": summary,
	})
}

// writeServiceError maps service sentinels onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, analysis.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, analysis.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":   "Invalid request data",
			"details": strings.TrimPrefix(err.Error(), analysis.ErrInvalidInput.Error()+": "),
		})
	case errors.Is(err, analysis.ErrNoTeam):
		writeError(w, http.StatusNotFound, "No team found")
	case errors.Is(err, analysis.ErrSubscriptionRequired):
		writeError(w, http.StatusPaymentRequired, "Active subscription required")
	case errors.Is(err, analysis.ErrQuotaExceeded):
		writeError(w, http.StatusTooManyRequests, "Daily quota exceeded")
	case errors.Is(err, analysis.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	default:
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func callerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

func parseLimitOffset(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	limit, offset := 0, 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errors.New("limit must be an integer")
		}
		limit = v
	}
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, errors.New("offset must be an integer")
		}
		offset = v
	}
	return limit, offset, nil
}
