package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/mailbox-classifier/internal/journal"
	"github.com/ignite/mailbox-classifier/internal/training"
	"github.com/ignite/mailbox-classifier/internal/worker"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	controller *worker.Controller
	journal    *journal.Journal
	archiver   *training.Archiver
	adminKey   string
}

// NewHandlers creates a new Handlers instance. archiver may be nil when
// no corpus archive target is configured.
func NewHandlers(controller *worker.Controller, j *journal.Journal, archiver *training.Archiver, adminKey string) *Handlers {
	return &Handlers{
		controller: controller,
		journal:    j,
		archiver:   archiver,
		adminKey:   adminKey,
	}
}

// Notification is the wire shape of one journal row for the
// notification endpoints.
type Notification struct {
	ID                string  `json:"id"`
	Timestamp         string  `json:"timestamp"`
	Sender            string  `json:"sender"`
	Recipient         string  `json:"recipient"`
	Subject           string  `json:"subject"`
	PredictedCategory string  `json:"predicted_category"`
	ConfidenceScore   float64 `json:"confidence_score"`
	IsRead            bool    `json:"is_read"`
}

func toNotifications(recs []*journal.MessageRecord) []Notification {
	out := make([]Notification, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Notification{
			ID:                rec.ID,
			Timestamp:         rec.ReceivedAt.UTC().Format(time.RFC3339),
			Sender:            rec.Sender,
			Recipient:         rec.Recipient,
			Subject:           rec.Subject,
			PredictedCategory: rec.PredictedCategory,
			ConfidenceScore:   rec.Confidence,
			IsRead:            rec.IsRead,
		})
	}
	return out
}

// HandleRun triggers one synchronous ingest pass.
//
//	POST /run?limit=20
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)

	result, err := h.controller.RunIngest(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HandleStats returns per-category counts, optionally bounded by
// received_at.
//
//	GET /stats?start_time=RFC3339&end_time=RFC3339
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start_time")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid start_time")
		return
	}
	end, err := queryTime(r, "end_time")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid end_time")
		return
	}

	stats, err := h.journal.Stats(r.Context(), start, end)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"stats": stats})
}

// HandleLabels returns the classifier's current category set.
//
//	GET /labels
func (h *Handlers) HandleLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := h.controller.Labels(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"labels": labels})
}

// HandleNotifications returns all unread journal rows, newest first.
//
//	GET /notifications
func (h *Handlers) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	recs, err := h.journal.Unread(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toNotifications(recs))
}

// HandleAck marks notifications read. A null or empty id list marks
// everything.
//
//	POST /notifications/ack  {"ids": ["12", "17"]}
func (h *Handlers) HandleAck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if _, err := h.journal.Ack(r.Context(), req.IDs); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// HandlePop returns all unread rows and marks them read in the same
// call.
//
//	POST /notifications/pop
func (h *Handlers) HandlePop(w http.ResponseWriter, r *http.Request) {
	recs, err := h.journal.PopUnread(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toNotifications(recs))
}

// HandleReadNotifications returns already-read rows in a time range;
// both bounds are required.
//
//	GET /notifications/read?start_time=RFC3339&end_time=RFC3339
func (h *Handlers) HandleReadNotifications(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start_time")
	if err != nil || start == nil {
		respondError(w, http.StatusBadRequest, "start_time is required")
		return
	}
	end, err := queryTime(r, "end_time")
	if err != nil || end == nil {
		respondError(w, http.StatusBadRequest, "end_time is required")
		return
	}

	recs, err := h.journal.ReadInRange(r.Context(), *start, *end)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, toNotifications(recs))
}

// HandleCorrection records an operator correction for one message.
//
//	POST /logs/{id}/correction  {"corrected_category": "WORK"}
func (h *Handlers) HandleCorrection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		CorrectedCategory string `json:"corrected_category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CorrectedCategory == "" {
		respondError(w, http.StatusBadRequest, "corrected_category is required")
		return
	}

	err := h.controller.Correct(r.Context(), id, req.CorrectedCategory)
	switch {
	case errors.Is(err, worker.ErrUnknownCategory):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, journal.ErrNotFound):
		respondError(w, http.StatusNotFound, "no record with id "+id)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "success"})
	}
}

// HandleReclassify starts a background bulk reclassification over all
// uncorrected records. It shares the job permit, so a run colliding
// with another job logs a skip.
//
//	POST /admin/reclassify?limit=0
func (h *Handlers) HandleReclassify(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)

	go func() {
		if _, err := h.controller.RunReclassify(context.Background(), limit); err != nil {
			log.Printf("[Reclassify] background run failed: %v", err)
		}
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// HandleAmbiguous lists records whose last reconciliation pass was
// inconclusive.
//
//	GET /admin/ambiguous
func (h *Handlers) HandleAmbiguous(w http.ResponseWriter, r *http.Request) {
	recs, err := h.journal.ListAmbiguous(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type ambiguousRecord struct {
		ID            string   `json:"id"`
		Timestamp     string   `json:"timestamp"`
		Sender        string   `json:"sender"`
		Subject       string   `json:"subject"`
		Predicted     string   `json:"predicted_category"`
		Candidates    []string `json:"candidates"`
		LastRecheckAt string   `json:"last_recheck_at,omitempty"`
	}
	out := make([]ambiguousRecord, 0, len(recs))
	for _, rec := range recs {
		ar := ambiguousRecord{
			ID:         rec.ID,
			Timestamp:  rec.ReceivedAt.UTC().Format(time.RFC3339),
			Sender:     rec.Sender,
			Subject:    rec.Subject,
			Predicted:  rec.PredictedCategory,
			Candidates: rec.AmbiguousCandidates,
		}
		if rec.LastRecheckAt != nil {
			ar.LastRecheckAt = rec.LastRecheckAt.UTC().Format(time.RFC3339)
		}
		out = append(out, ar)
	}
	respondJSON(w, http.StatusOK, out)
}

// HandleArchive snapshots the training corpus to the configured object
// store.
//
//	POST /admin/training-data/archive
func (h *Handlers) HandleArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil || !h.archiver.Enabled() {
		respondError(w, http.StatusServiceUnavailable, "no archive bucket configured")
		return
	}

	keys, err := h.archiver.Archive(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"keys":   keys,
	})
}

// requireAPIKey guards privileged endpoints. An unset key is a
// configuration error and rejects everything.
func (h *Handlers) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.adminKey == "" {
			respondError(w, http.StatusInternalServerError, "Admin API key not configured")
			return
		}
		if r.Header.Get("X-API-Key") != h.adminKey {
			respondError(w, http.StatusForbidden, "Could not validate credentials")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// queryTime parses an optional RFC3339 query parameter; nil means the
// parameter was absent.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
