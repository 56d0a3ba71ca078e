package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/a-h/templ"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/mockexam/internal/answerkey"
	"github.com/pavelanni/mockexam/internal/exam"
	"github.com/pavelanni/mockexam/internal/gcp"
	"github.com/pavelanni/mockexam/internal/handler/views"
	"github.com/pavelanni/mockexam/internal/model"
	"github.com/pavelanni/mockexam/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	exam     *exam.Service
	config   model.ExamConfig
	validate *validator.Validate

	// sheetSource builds the answer key source for a Sheets sync request.
	sheetSource func(spreadsheetID, rng string) answerkey.Source
}

// New creates a new Handler. creds authorizes answer key syncs from
// Google Sheets.
func New(s *store.Store, ex *exam.Service, creds gcp.Credentials) (*Handler, error) {
	return &Handler{
		store:    s,
		exam:     ex,
		config:   ex.Config(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		sheetSource: func(id, rng string) answerkey.Source {
			return answerkey.SheetsSource{SpreadsheetID: id, Range: rng, Credentials: creds}
		},
	}, nil
}

// BasePathMiddleware stores the configured base path in every request
// context so views can build links.
func (h *Handler) BasePathMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := model.ContextWithBasePath(r.Context(), h.config.BasePath)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.config.MaxUploadBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api", h.apiRoutes)

	r.Group(func(r chi.Router) {
		r.Use(h.limitBody)
		r.Use(h.csrfMiddleware)

		r.Get("/login", h.handleLoginPage)
		r.Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)

			r.Get("/", h.handleIndex)
			r.Get("/exam/{token}/result", h.handleResultPage)
			r.Get("/exam/{token}/report.pdf", h.handleReportPDF)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleStudent))
				r.Post("/exam/start", h.handleStartExam)
				r.Get("/exam/{token}", h.handleExamPage)
				r.Post("/exam/{token}/objective", h.handleSubmitObjective)
				r.Post("/exam/{token}/writing", h.handleSubmitWriting)
				r.Post("/exam/{token}/speaking", h.handleSubmitSpeaking)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleTeacher, model.UserRoleAdmin))
				r.Get("/review", h.handleReviewList)
				r.Get("/review/{attemptID}", h.handleReviewPage)
				r.Post("/review/{attemptID}/resend", h.handleResendReport)
				r.Post("/review/{attemptID}/reevaluate", h.handleReevaluate)

				r.Get("/admin/classes", h.handleAdminClassesPage)
				r.Post("/admin/classes", h.handleCreateClass)
				r.Get("/admin/classes/{classID}", h.handleAdminClassPage)
				r.Post("/admin/classes/{classID}/delete", h.handleDeleteClass)
				r.Post("/admin/classes/{classID}/students", h.handleCreateStudent)
				r.Get("/admin/students/{studentID}", h.handleAdminStudentPage)
				r.Post("/admin/students/{studentID}", h.handleUpdateStudent)
				r.Post("/admin/students/{studentID}/delete", h.handleDeleteStudent)
				r.Post("/admin/students/{studentID}/account", h.handleCreateStudentAccount)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireRole(model.UserRoleAdmin))
				r.Get("/admin/users", h.handleAdminUsersPage)
				r.Post("/admin/users", h.handleCreateUser)
				r.Post("/admin/users/{userID}/toggle", h.handleToggleUserActive)
				r.Get("/admin/keys", h.handleAdminKeysPage)
				r.Post("/admin/keys/upload", h.handleUploadKey)
				r.Post("/admin/keys/sync", h.handleSyncKey)
				r.Post("/admin/content", h.handleSaveContent)
			})
		})
	})
}

func render(w http.ResponseWriter, r *http.Request, status int, c templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	if err := c.Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

func idParam(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}

// examErrorStatus maps exam pipeline errors to an HTTP status and a
// message ID shown to the student.
func examErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, exam.ErrNotFound):
		return http.StatusNotFound, ""
	case errors.Is(err, exam.ErrStageClosed):
		return http.StatusConflict, "ErrStageClosed"
	case errors.Is(err, exam.ErrPartSubmitted):
		return http.StatusConflict, "ErrPartSubmitted"
	case errors.Is(err, exam.ErrNoAnswerKey):
		return http.StatusServiceUnavailable, "ErrNoAnswerKey"
	case errors.Is(err, exam.ErrInvalidPart):
		return http.StatusBadRequest, ""
	}
	return http.StatusInternalServerError, ""
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	if user.Role != model.UserRoleStudent {
		http.Redirect(w, r, h.path("/review"), http.StatusSeeOther)
		return
	}

	st, err := h.store.GetStudentByUserID(user.ID)
	if err != nil {
		slog.Error("failed to get student", "user", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	data := views.IndexData{Student: st}
	if st != nil {
		data.Attempts, err = h.store.ListAttemptsForStudent(st.ID)
		if err != nil {
			slog.Error("failed to list attempts", "student", st.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	render(w, r, http.StatusOK, views.IndexPage(data))
}

// attemptForUser loads the attempt named by the {token} URL parameter and
// checks that the current user may see it: staff see every attempt,
// students only their own. It writes the error response itself.
func (h *Handler) attemptForUser(w http.ResponseWriter, r *http.Request) (*model.Attempt, bool) {
	a, err := h.store.GetAttemptByToken(chi.URLParam(r, "token"))
	if err != nil {
		slog.Error("failed to get attempt", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	if a == nil {
		http.NotFound(w, r)
		return nil, false
	}

	user := model.UserFromContext(r.Context())
	if user.Role == model.UserRoleStudent {
		st, err := h.store.GetStudentByUserID(user.ID)
		if err != nil {
			slog.Error("failed to get student", "user", user.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return nil, false
		}
		if st == nil || st.ID != a.StudentID {
			http.NotFound(w, r)
			return nil, false
		}
	}
	return a, true
}
