package handler

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/pavelanni/mockexam/internal/exam"
	"github.com/pavelanni/mockexam/internal/handler/views"
	appI18n "github.com/pavelanni/mockexam/internal/i18n"
	"github.com/pavelanni/mockexam/internal/model"
	"github.com/pavelanni/mockexam/internal/report"
)

func (h *Handler) handleReviewList(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.store.ListAttempts()
	if err != nil {
		slog.Error("failed to list attempts", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	classes, err := h.store.ListClasses()
	if err != nil {
		slog.Error("failed to list classes", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	classNames := make(map[int64]string, len(classes))
	for _, c := range classes {
		classNames[c.ID] = c.Name
	}

	students := make(map[int64]*model.Student)
	rows := make([]views.ReviewRow, 0, len(attempts))
	for _, a := range attempts {
		st, seen := students[a.StudentID]
		if !seen {
			st, err = h.store.GetStudent(a.StudentID)
			if err != nil {
				slog.Error("failed to get student", "student", a.StudentID, "error", err)
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			students[a.StudentID] = st
		}
		row := views.ReviewRow{Attempt: a}
		if st != nil {
			row.StudentName = st.FullName
			row.ClassName = classNames[st.ClassID]
		}
		rows = append(rows, row)
	}
	render(w, r, http.StatusOK, views.ReviewListPage(rows))
}

func (h *Handler) attemptView(w http.ResponseWriter, r *http.Request) (*model.AttemptView, bool) {
	id, err := idParam(r, "attemptID")
	if err != nil {
		http.Error(w, "invalid attempt ID", http.StatusBadRequest)
		return nil, false
	}
	view, err := h.store.GetAttemptView(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.NotFound(w, r)
		return nil, false
	}
	if err != nil {
		slog.Error("failed to get attempt view", "attempt", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return view, true
}

func (h *Handler) handleReviewPage(w http.ResponseWriter, r *http.Request) {
	view, ok := h.attemptView(w, r)
	if !ok {
		return
	}
	data := views.ReviewData{
		View:   *view,
		Report: report.Build(*view, h.exam.School()),
	}
	if flash := r.URL.Query().Get("flash"); flash != "" {
		data.Flash = appI18n.T(r.Context(), flash)
	}
	render(w, r, http.StatusOK, views.ReviewPage(data))
}

func (h *Handler) reviewRedirect(w http.ResponseWriter, r *http.Request, id int64, flash string) {
	target := h.path("/review/" + strconv.FormatInt(id, 10))
	if flash != "" {
		target += "?flash=" + url.QueryEscape(flash)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) handleResendReport(w http.ResponseWriter, r *http.Request) {
	view, ok := h.attemptView(w, r)
	if !ok {
		return
	}
	id := view.Attempt.ID
	if view.Attempt.Status != model.StatusFinished {
		http.Error(w, appI18n.T(r.Context(), "ResultPending"), http.StatusConflict)
		return
	}

	err := h.exam.SendReport(r.Context(), id)
	if errors.Is(err, exam.ErrNoRecipient) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		slog.Error("failed to send report", "attempt", id, "error", err)
		http.Error(w, "failed to send report", http.StatusBadGateway)
		return
	}
	slog.Info("report resent", "attempt", id, "by", model.UserFromContext(r.Context()).Username)
	h.reviewRedirect(w, r, id, "ReportResent")
}

func (h *Handler) handleReevaluate(w http.ResponseWriter, r *http.Request) {
	view, ok := h.attemptView(w, r)
	if !ok {
		return
	}
	id := view.Attempt.ID
	if view.Attempt.Stage != model.StageFinished {
		http.Error(w, appI18n.T(r.Context(), "ResultPending"), http.StatusConflict)
		return
	}
	h.exam.FinishAsync(r.Context(), id)
	slog.Info("re-evaluation started", "attempt", id, "by", model.UserFromContext(r.Context()).Username)
	h.reviewRedirect(w, r, id, "ReevaluationStarted")
}
