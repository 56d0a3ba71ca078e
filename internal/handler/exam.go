package handler

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/pavelanni/mockexam/internal/exam"
	"github.com/pavelanni/mockexam/internal/handler/views"
	appI18n "github.com/pavelanni/mockexam/internal/i18n"
	"github.com/pavelanni/mockexam/internal/model"
	"github.com/pavelanni/mockexam/internal/report"
)

func (h *Handler) handleStartExam(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	st, err := h.store.GetStudentByUserID(user.ID)
	if err != nil {
		slog.Error("failed to get student", "user", user.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if st == nil {
		http.Error(w, appI18n.T(r.Context(), "NoStudentRecord"), http.StatusForbidden)
		return
	}

	a, err := h.exam.Start(r.Context(), st.ID)
	if err != nil {
		slog.Error("failed to start attempt", "student", st.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, h.path("/exam/"+a.Token), http.StatusSeeOther)
}

func (h *Handler) handleExamPage(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attemptForUser(w, r)
	if !ok {
		return
	}
	data, err := h.examData(a)
	if err != nil {
		slog.Error("failed to load exam page", "attempt", a.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	render(w, r, http.StatusOK, views.ExamPage(data))
}

func (h *Handler) examData(a *model.Attempt) (views.ExamData, error) {
	data := views.ExamData{Attempt: *a, SpeakingParts: h.config.SpeakingParts}
	if a.Stage == model.StageFinished {
		return data, nil
	}

	sec, err := h.store.GetSection(a.ID, a.Stage)
	if err != nil {
		return data, fmt.Errorf("get section: %w", err)
	}
	data.Section = sec
	if deadline, timed := h.exam.Deadline(sec); timed {
		data.Deadline = &deadline
	}
	if data.PaperURL, err = h.store.GetMetadata(exam.PaperURLKey(a.Stage)); err != nil {
		return data, fmt.Errorf("get paper url: %w", err)
	}

	switch {
	case a.Stage.Objective():
		key, err := h.store.GetAnswerKey(string(a.Stage))
		if err != nil {
			return data, fmt.Errorf("get answer key: %w", err)
		}
		data.Questions = len(key)
		if len(key) == 0 {
			data.Error = "ErrNoAnswerKey"
		}
	case a.Stage == model.StageSpeaking:
		data.Recorded = make(map[int]bool)
		if sec != nil {
			for _, rec := range sec.Recordings {
				data.Recorded[rec.Part] = true
			}
		}
	}
	return data, nil
}

func (h *Handler) examError(w http.ResponseWriter, r *http.Request, a *model.Attempt, err error) {
	status, msgID := examErrorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("exam submission failed", "attempt", a.ID, "error", err)
	} else {
		slog.Warn("exam submission rejected", "attempt", a.ID, "error", err)
	}
	msg := http.StatusText(status)
	if msgID != "" {
		msg = appI18n.T(r.Context(), msgID)
	}
	http.Error(w, msg, status)
}

// objectiveResponses collects the q1..qN form fields in order, stopping at
// the first missing number.
func objectiveResponses(r *http.Request) []string {
	var responses []string
	for i := 1; ; i++ {
		v, ok := r.PostForm["q"+strconv.Itoa(i)]
		if !ok {
			return responses
		}
		responses = append(responses, strings.Join(v, ""))
	}
}

func (h *Handler) handleSubmitObjective(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attemptForUser(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	stage := model.Stage(r.PostFormValue("stage"))
	if _, err := h.exam.SubmitObjective(r.Context(), a.ID, stage, objectiveResponses(r)); err != nil {
		h.examError(w, r, a, err)
		return
	}
	http.Redirect(w, r, h.path("/exam/"+a.Token), http.StatusSeeOther)
}

func (h *Handler) handleSubmitWriting(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attemptForUser(w, r)
	if !ok {
		return
	}
	if _, err := h.exam.SubmitWriting(r.Context(), a.ID, r.FormValue("task1"), r.FormValue("task2")); err != nil {
		h.examError(w, r, a, err)
		return
	}
	http.Redirect(w, r, h.path("/exam/"+a.Token), http.StatusSeeOther)
}

func (h *Handler) handleSubmitSpeaking(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attemptForUser(w, r)
	if !ok {
		return
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
		return
	}
	part, err := strconv.Atoi(r.FormValue("part"))
	if err != nil {
		http.Error(w, "invalid part", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, "no file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if _, err := h.exam.SubmitSpeaking(r.Context(), a.ID, part, header.Filename, contentType, file); err != nil {
		h.examError(w, r, a, err)
		return
	}
	http.Redirect(w, r, h.path("/exam/"+a.Token), http.StatusSeeOther)
}

func (h *Handler) handleResultPage(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attemptForUser(w, r)
	if !ok {
		return
	}
	view, err := h.store.GetAttemptView(a.ID)
	if err != nil {
		slog.Error("failed to get attempt view", "attempt", a.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	data := views.ResultData{Attempt: view.Attempt, Report: report.Build(*view, h.exam.School())}
	render(w, r, http.StatusOK, views.ResultPage(data))
}

func (h *Handler) handleReportPDF(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attemptForUser(w, r)
	if !ok {
		return
	}
	if a.Status != model.StatusFinished {
		http.Error(w, appI18n.T(r.Context(), "ResultPending"), http.StatusConflict)
		return
	}
	view, err := h.store.GetAttemptView(a.ID)
	if err != nil {
		slog.Error("failed to get attempt view", "attempt", a.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	rep := report.Build(*view, h.exam.School())
	var buf bytes.Buffer
	if err := report.WritePDF(&buf, rep); err != nil {
		slog.Error("failed to render pdf", "attempt", a.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rep.Filename()))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	if _, err := buf.WriteTo(w); err != nil {
		slog.Warn("failed to write pdf", "attempt", a.ID, "error", err)
	}
}
