package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/mockexam/internal/answerkey"
	"github.com/pavelanni/mockexam/internal/exam"
	"github.com/pavelanni/mockexam/internal/grading"
	"github.com/pavelanni/mockexam/internal/handler/views"
	appI18n "github.com/pavelanni/mockexam/internal/i18n"
	"github.com/pavelanni/mockexam/internal/model"
	"github.com/pavelanni/mockexam/internal/report"
)

type userForm struct {
	Username    string `validate:"required,max=64,printascii"`
	DisplayName string `validate:"max=120"`
	Email       string `validate:"omitempty,email"`
	Password    string `validate:"required,min=8"`
	Role        string `validate:"oneof=admin teacher student"`
}

func (h *Handler) redirectFlash(w http.ResponseWriter, r *http.Request, p, flash string) {
	http.Redirect(w, r, h.path(p)+"?flash="+url.QueryEscape(flash), http.StatusSeeOther)
}

func flashMessage(r *http.Request) string {
	if id := r.URL.Query().Get("flash"); id != "" {
		return appI18n.T(r.Context(), id)
	}
	return ""
}

func (h *Handler) badForm(w http.ResponseWriter, err error) {
	slog.Warn("invalid form", "error", err)
	http.Error(w, "invalid input: "+err.Error(), http.StatusBadRequest)
}

func (h *Handler) handleAdminUsersPage(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers()
	if err != nil {
		slog.Error("failed to list users", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	render(w, r, http.StatusOK, views.AdminUsersPage(views.UsersData{Users: users, Flash: flashMessage(r)}))
}

func (h *Handler) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	form := userForm{
		Username:    strings.TrimSpace(r.FormValue("username")),
		DisplayName: strings.TrimSpace(r.FormValue("display_name")),
		Email:       strings.TrimSpace(r.FormValue("email")),
		Password:    r.FormValue("password"),
		Role:        r.FormValue("role"),
	}
	if err := h.validate.Struct(form); err != nil {
		h.badForm(w, err)
		return
	}
	if form.DisplayName == "" {
		form.DisplayName = form.Username
	}

	if _, err := h.createUser(form); err != nil {
		slog.Error("failed to create user", "error", err)
		http.Error(w, "failed to create user: "+err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("user created", "username", form.Username, "role", form.Role)
	h.redirectFlash(w, r, "/admin/users", "UserCreated")
}

func (h *Handler) createUser(form userForm) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(form.Password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}
	return h.store.CreateUser(model.User{
		Username:     form.Username,
		DisplayName:  form.DisplayName,
		Email:        form.Email,
		PasswordHash: string(hash),
		Role:         model.UserRole(form.Role),
		Active:       true,
	})
}

func (h *Handler) handleToggleUserActive(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "userID")
	if err != nil {
		http.Error(w, "invalid user ID", http.StatusBadRequest)
		return
	}
	if id == model.UserFromContext(r.Context()).ID {
		http.Error(w, "cannot deactivate yourself", http.StatusBadRequest)
		return
	}

	if err := h.store.ToggleUserActive(id); err != nil {
		slog.Error("failed to toggle user active", "id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, h.path("/admin/users"), http.StatusSeeOther)
}

func (h *Handler) handleAdminClassesPage(w http.ResponseWriter, r *http.Request) {
	classes, err := h.store.ListClasses()
	if err != nil {
		slog.Error("failed to list classes", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	students, err := h.store.ListStudents(0)
	if err != nil {
		slog.Error("failed to list students", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	teachers, err := h.store.ListStaff()
	if err != nil {
		slog.Error("failed to list staff", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	counts := make(map[int64]int, len(classes))
	for _, st := range students {
		counts[st.ClassID]++
	}
	render(w, r, http.StatusOK, views.AdminClassesPage(views.ClassesData{
		Classes:  classes,
		Teachers: teachers,
		Counts:   counts,
		Flash:    flashMessage(r),
	}))
}

func (h *Handler) handleCreateClass(w http.ResponseWriter, r *http.Request) {
	c := model.Class{
		Name:  strings.TrimSpace(r.FormValue("name")),
		Level: strings.TrimSpace(r.FormValue("level")),
	}
	if v := r.FormValue("teacher_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid teacher ID", http.StatusBadRequest)
			return
		}
		c.TeacherID = &id
	}
	if err := h.validate.Struct(c); err != nil {
		h.badForm(w, err)
		return
	}

	if _, err := h.store.CreateClass(c); err != nil {
		slog.Error("failed to create class", "error", err)
		http.Error(w, "failed to create class: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.redirectFlash(w, r, "/admin/classes", "ClassCreated")
}

func (h *Handler) handleDeleteClass(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "classID")
	if err != nil {
		http.Error(w, "invalid class ID", http.StatusBadRequest)
		return
	}
	if err := h.store.DeleteClass(id); err != nil {
		slog.Warn("failed to delete class", "id", id, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	http.Redirect(w, r, h.path("/admin/classes"), http.StatusSeeOther)
}

func (h *Handler) handleAdminClassPage(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "classID")
	if err != nil {
		http.Error(w, "invalid class ID", http.StatusBadRequest)
		return
	}
	c, err := h.store.GetClass(id)
	if err != nil {
		slog.Error("failed to get class", "id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if c == nil {
		http.NotFound(w, r)
		return
	}
	students, err := h.store.ListStudents(id)
	if err != nil {
		slog.Error("failed to list students", "class", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	render(w, r, http.StatusOK, views.AdminClassPage(views.ClassData{Class: *c, Students: students, Flash: flashMessage(r)}))
}

// studentFromForm reads the editable student fields. The class comes from
// the URL for new students and from the form on edit.
func studentFromForm(r *http.Request) (model.Student, error) {
	st := model.Student{
		FullName: strings.TrimSpace(r.FormValue("full_name")),
		Email:    strings.TrimSpace(r.FormValue("email")),
		Phone:    strings.TrimSpace(r.FormValue("phone")),
		Notes:    strings.TrimSpace(r.FormValue("notes")),
	}
	if v := strings.TrimSpace(r.FormValue("target_band")); v != "" {
		b, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return st, fmt.Errorf("target band %q: %w", v, err)
		}
		st.TargetBand = b
	}
	return st, nil
}

func (h *Handler) handleCreateStudent(w http.ResponseWriter, r *http.Request) {
	classID, err := idParam(r, "classID")
	if err != nil {
		http.Error(w, "invalid class ID", http.StatusBadRequest)
		return
	}
	st, err := studentFromForm(r)
	if err != nil {
		h.badForm(w, err)
		return
	}
	st.ClassID = classID
	if err := h.validate.Struct(st); err != nil {
		h.badForm(w, err)
		return
	}

	if _, err := h.store.CreateStudent(st); err != nil {
		slog.Error("failed to create student", "error", err)
		http.Error(w, "failed to create student: "+err.Error(), http.StatusInternalServerError)
		return
	}
	h.redirectFlash(w, r, "/admin/classes/"+strconv.FormatInt(classID, 10), "StudentSaved")
}

func (h *Handler) studentParam(w http.ResponseWriter, r *http.Request) (*model.Student, bool) {
	id, err := idParam(r, "studentID")
	if err != nil {
		http.Error(w, "invalid student ID", http.StatusBadRequest)
		return nil, false
	}
	st, err := h.store.GetStudent(id)
	if err != nil {
		slog.Error("failed to get student", "id", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if st == nil {
		http.NotFound(w, r)
		return nil, false
	}
	return st, true
}

func (h *Handler) handleAdminStudentPage(w http.ResponseWriter, r *http.Request) {
	st, ok := h.studentParam(w, r)
	if !ok {
		return
	}
	classes, err := h.store.ListClasses()
	if err != nil {
		slog.Error("failed to list classes", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	attempts, err := h.store.ListAttemptsForStudent(st.ID)
	if err != nil {
		slog.Error("failed to list attempts", "student", st.ID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	render(w, r, http.StatusOK, views.AdminStudentPage(views.StudentData{
		Student:  *st,
		Classes:  classes,
		Attempts: attempts,
		Flash:    flashMessage(r),
	}))
}

func (h *Handler) handleUpdateStudent(w http.ResponseWriter, r *http.Request) {
	cur, ok := h.studentParam(w, r)
	if !ok {
		return
	}
	st, err := studentFromForm(r)
	if err != nil {
		h.badForm(w, err)
		return
	}
	st.ID = cur.ID
	st.ClassID = cur.ClassID
	if v := r.FormValue("class_id"); v != "" {
		if st.ClassID, err = strconv.ParseInt(v, 10, 64); err != nil {
			http.Error(w, "invalid class ID", http.StatusBadRequest)
			return
		}
	}
	if err := h.validate.Struct(st); err != nil {
		h.badForm(w, err)
		return
	}

	if err := h.store.UpdateStudent(st); err != nil {
		slog.Error("failed to update student", "id", st.ID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.redirectFlash(w, r, "/admin/students/"+strconv.FormatInt(st.ID, 10), "StudentSaved")
}

func (h *Handler) handleDeleteStudent(w http.ResponseWriter, r *http.Request) {
	st, ok := h.studentParam(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteStudent(st.ID); err != nil {
		slog.Warn("failed to delete student", "id", st.ID, "error", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	http.Redirect(w, r, h.path("/admin/classes/"+strconv.FormatInt(st.ClassID, 10)), http.StatusSeeOther)
}

// handleCreateStudentAccount creates a student login and links it to the
// student record.
func (h *Handler) handleCreateStudentAccount(w http.ResponseWriter, r *http.Request) {
	st, ok := h.studentParam(w, r)
	if !ok {
		return
	}
	if st.UserID != nil {
		http.Error(w, "student already has a login", http.StatusConflict)
		return
	}
	form := userForm{
		Username:    strings.TrimSpace(r.FormValue("username")),
		DisplayName: st.FullName,
		Email:       st.Email,
		Password:    r.FormValue("password"),
		Role:        string(model.UserRoleStudent),
	}
	if err := h.validate.Struct(form); err != nil {
		h.badForm(w, err)
		return
	}

	userID, err := h.createUser(form)
	if err != nil {
		slog.Error("failed to create student login", "student", st.ID, "error", err)
		http.Error(w, "failed to create login: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.store.LinkStudentUser(st.ID, userID); err != nil {
		slog.Error("failed to link student login", "student", st.ID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("student login created", "student", st.ID, "username", form.Username)
	h.redirectFlash(w, r, "/admin/students/"+strconv.FormatInt(st.ID, 10), "AccountCreated")
}

// contentFields lists the editable exam content: writing prompts, speaking
// prompts and the paper link of each stage.
func (h *Handler) contentFields() ([]views.ContentField, error) {
	var fields []views.ContentField
	for _, stage := range model.Stages {
		fields = append(fields, views.ContentField{
			Key:   exam.PaperURLKey(stage),
			Label: report.StageTitle(stage) + " paper URL",
		})
	}
	for n := 1; n <= 2; n++ {
		fields = append(fields, views.ContentField{
			Key:   exam.WritingTaskKey(n),
			Label: fmt.Sprintf("Writing task %d prompt", n),
			Long:  true,
		})
	}
	for n := 1; n <= h.config.SpeakingParts; n++ {
		fields = append(fields, views.ContentField{
			Key:   exam.SpeakingPartKey(n),
			Label: fmt.Sprintf("Speaking part %d prompt", n),
			Long:  true,
		})
	}
	for i := range fields {
		v, err := h.store.GetMetadata(fields[i].Key)
		if err != nil {
			return nil, err
		}
		fields[i].Value = v
	}
	return fields, nil
}

func objectiveStages() []model.Stage {
	var stages []model.Stage
	for _, s := range model.Stages {
		if s.Objective() {
			stages = append(stages, s)
		}
	}
	return stages
}

func (h *Handler) handleAdminKeysPage(w http.ResponseWriter, r *http.Request) {
	h.renderKeysPage(w, r, http.StatusOK, flashMessage(r))
}

func (h *Handler) renderKeysPage(w http.ResponseWriter, r *http.Request, status int, flash string) {
	sizes, err := h.store.AnswerKeySizes()
	if err != nil {
		slog.Error("failed to count answer keys", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data := views.KeysData{Flash: flash}
	for _, stage := range objectiveStages() {
		hash, err := h.store.AnswerKeyHash(string(stage))
		if err != nil {
			slog.Error("failed to read key hash", "section", stage, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		data.Sections = append(data.Sections, views.KeySection{Stage: stage, Entries: sizes[string(stage)], Hash: hash})
	}
	if data.Content, err = h.contentFields(); err != nil {
		slog.Error("failed to read exam content", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	render(w, r, status, views.AdminKeysPage(data))
}

func keySection(r *http.Request) (model.Stage, error) {
	stage := model.Stage(r.FormValue("section"))
	if !stage.Objective() {
		return "", fmt.Errorf("section %q has no answer key", stage)
	}
	return stage, nil
}

func (h *Handler) storeKey(stage model.Stage, entries []grading.AnswerKeyEntry) error {
	if err := h.store.ReplaceAnswerKey(string(stage), entries); err != nil {
		return fmt.Errorf("store answer key: %w", err)
	}
	slog.Info("answer key imported", "section", stage, "entries", len(entries), "hash", answerkey.Hash(entries))
	return nil
}

func (h *Handler) handleUploadKey(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		http.Error(w, "file too large", http.StatusBadRequest)
		return
	}
	stage, err := keySection(r)
	if err != nil {
		h.badForm(w, err)
		return
	}

	file, header, err := r.FormFile("key_file")
	if err != nil {
		http.Error(w, "no file uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		return
	}

	entries, err := answerkey.DecodeJSON(data)
	if err != nil {
		http.Error(w, "invalid answer key: "+err.Error(), http.StatusBadRequest)
		return
	}

	storedHash, err := h.store.AnswerKeyHash(string(stage))
	if err != nil {
		slog.Error("failed to read stored key hash", "section", stage, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if storedHash == answerkey.Hash(entries) {
		slog.Info("uploaded key matches stored key", "section", stage, "file", header.Filename)
		h.renderKeysPage(w, r, http.StatusOK, appI18n.T(r.Context(), "UploadDuplicate"))
		return
	}

	if err := h.storeKey(stage, entries); err != nil {
		slog.Error("failed to import answer key", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msg := appI18n.Td(r.Context(), "KeyImported", map[string]any{"Count": len(entries), "Section": report.StageTitle(stage)})
	h.renderKeysPage(w, r, http.StatusOK, msg)
}

func (h *Handler) handleSyncKey(w http.ResponseWriter, r *http.Request) {
	stage, err := keySection(r)
	if err != nil {
		h.badForm(w, err)
		return
	}
	id := strings.TrimSpace(r.FormValue("spreadsheet_id"))
	rng := strings.TrimSpace(r.FormValue("range"))
	if id == "" || rng == "" {
		http.Error(w, "spreadsheet ID and range required", http.StatusBadRequest)
		return
	}

	entries, err := h.sheetSource(id, rng).Load(r.Context())
	if errors.Is(err, answerkey.ErrNoRows) {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		slog.Error("failed to load answer key from sheets", "spreadsheet", id, "range", rng, "error", err)
		http.Error(w, "failed to read spreadsheet: "+err.Error(), http.StatusBadGateway)
		return
	}
	if err := h.storeKey(stage, entries); err != nil {
		slog.Error("failed to import answer key", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	msg := appI18n.Td(r.Context(), "KeyImported", map[string]any{"Count": len(entries), "Section": report.StageTitle(stage)})
	h.renderKeysPage(w, r, http.StatusOK, msg)
}

func (h *Handler) handleSaveContent(w http.ResponseWriter, r *http.Request) {
	fields, err := h.contentFields()
	if err != nil {
		slog.Error("failed to read exam content", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, f := range fields {
		v := strings.TrimSpace(r.FormValue(f.Key))
		if v == f.Value {
			continue
		}
		if err := h.store.SetMetadata(f.Key, v); err != nil {
			slog.Error("failed to save exam content", "key", f.Key, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	h.redirectFlash(w, r, "/admin/keys", "ContentSaved")
}
