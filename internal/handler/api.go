package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/pavelanni/mockexam/internal/band"
	"github.com/pavelanni/mockexam/internal/grading"
	"github.com/pavelanni/mockexam/internal/model"
)

// GradeRequest grades responses against the stored key of Section, or
// against Key when it is given.
type GradeRequest struct {
	Section   model.Stage              `json:"section"`
	Responses []string                 `json:"responses" validate:"required"`
	Key       []grading.AnswerKeyEntry `json:"key,omitempty"`
}

// GradeResponse is the result of a grading request.
type GradeResponse struct {
	grading.Result
	Percent float64 `json:"percent"`
	Band    float64 `json:"band"`
}

func (h *Handler) apiRoutes(r chi.Router) {
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Get("/health", h.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(h.requireAPIUser)
		r.Post("/grade", h.handleAPIGrade)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write json", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requireAPIUser admits requests with a staff session. API clients get a
// JSON 401 instead of the login redirect.
func (h *Handler) requireAPIUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := h.currentUser(r)
		if user == nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if user.Role != model.UserRoleTeacher && user.Role != model.UserRoleAdmin {
			writeJSONError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r.WithContext(model.ContextWithUser(r.Context(), user)))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleAPIGrade(w http.ResponseWriter, r *http.Request) {
	var req GradeRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	key := req.Key
	if len(key) == 0 {
		if !req.Section.Objective() {
			writeJSONError(w, http.StatusBadRequest, "section must be grammar_reading or listening when no key is given")
			return
		}
		var err error
		key, err = h.store.GetAnswerKey(string(req.Section))
		if err != nil {
			slog.Error("failed to get answer key", "section", req.Section, "error", err)
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if len(key) == 0 {
			writeJSONError(w, http.StatusNotFound, "no answer key for "+string(req.Section))
			return
		}
	}

	res := grading.Grade(req.Responses, key)
	writeJSON(w, http.StatusOK, GradeResponse{
		Result:  res,
		Percent: res.Percent(),
		Band:    band.FromPercent(res.Percent()),
	})
}
