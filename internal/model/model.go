package model

import (
	"context"
	"time"

	"github.com/pavelanni/mockexam/internal/grading"
)

// UserRole represents a staff or student account's access level.
type UserRole string

const (
	// UserRoleStudent can take exams and see their own results.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher manages classes and reviews attempts.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin manages users and answer keys.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64
	Username     string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         UserRole
	Active       bool
	CreatedAt    time.Time
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}

// Class is a group of students taught together.
type Class struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name" validate:"required,max=80"`
	Level     string    `json:"level" validate:"max=40"`
	TeacherID *int64    `json:"teacher_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Student is a learner enrolled in a class. UserID links the login account.
type Student struct {
	ID         int64     `json:"id"`
	ClassID    int64     `json:"class_id" validate:"required"`
	UserID     *int64    `json:"user_id,omitempty"`
	FullName   string    `json:"full_name" validate:"required,max=120"`
	Email      string    `json:"email" validate:"omitempty,email"`
	Phone      string    `json:"phone" validate:"max=40"`
	TargetBand float64   `json:"target_band" validate:"gte=0,lte=9"`
	Notes      string    `json:"notes"`
	CreatedAt  time.Time `json:"created_at"`
}

// Stage is one section of the mock exam.
type Stage string

const (
	StageGrammarReading Stage = "grammar_reading"
	StageListening      Stage = "listening"
	StageWriting        Stage = "writing"
	StageSpeaking       Stage = "speaking"
	StageFinished       Stage = "finished"
)

// Stages lists the exam stages in the order a student takes them.
var Stages = []Stage{StageGrammarReading, StageListening, StageWriting, StageSpeaking}

// Next returns the stage after s.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return StageFinished
}

// Objective reports whether the stage is graded against an answer key.
func (s Stage) Objective() bool {
	return s == StageGrammarReading || s == StageListening
}

// AttemptStatus tracks the lifecycle of a mock-exam attempt.
type AttemptStatus string

const (
	StatusInProgress AttemptStatus = "in_progress"
	StatusEvaluating AttemptStatus = "evaluating"
	StatusFinished   AttemptStatus = "finished"
)

// Attempt is one student's run through the mock exam.
type Attempt struct {
	ID           int64         `json:"id"`
	Token        string        `json:"token"`
	StudentID    int64         `json:"student_id"`
	Stage        Stage         `json:"stage"`
	Status       AttemptStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
	OverallBand  float64       `json:"overall_band"`
	ReportSentAt *time.Time    `json:"report_sent_at,omitempty"`
}

// SectionResult is the stored outcome of one stage of an attempt.
type SectionResult struct {
	AttemptID   int64           `json:"attempt_id"`
	Stage       Stage           `json:"stage"`
	StartedAt   time.Time       `json:"started_at"`
	SubmittedAt *time.Time      `json:"submitted_at,omitempty"`
	Late        bool            `json:"late"`
	Responses   []string        `json:"responses,omitempty"`
	Grading     *grading.Result `json:"grading,omitempty"`
	Evaluation  *Evaluation     `json:"evaluation,omitempty"`
	Band        float64         `json:"band"`
	Recordings  []Recording     `json:"recordings,omitempty"`
}

// Recording is an uploaded speaking answer and its transcript. Name is the
// blob name the audio was stored under; Error holds the last transcription
// failure.
type Recording struct {
	Part       int    `json:"part"`
	Name       string `json:"name,omitempty"`
	Ref        string `json:"ref"`
	Transcript string `json:"transcript"`
	Error      string `json:"error,omitempty"`
}

// Evaluation is the AI assessment of a writing or speaking section.
type Evaluation struct {
	Criteria map[string]float64 `json:"criteria"`
	Band     float64            `json:"band"`
	Feedback string             `json:"feedback"`
	Error    string             `json:"error,omitempty"`
}

// AttemptView combines an attempt with its student and section results.
type AttemptView struct {
	Attempt  Attempt
	Student  Student
	Class    *Class
	Sections map[Stage]*SectionResult
}

// Section returns the result for a stage, or nil.
func (v AttemptView) Section(s Stage) *SectionResult {
	if v.Sections == nil {
		return nil
	}
	return v.Sections[s]
}

// ExamConfig holds runtime exam parameters set via CLI flags.
type ExamConfig struct {
	StageMinutes   map[Stage]int // 0 means no time limit
	SpeakingParts  int
	BasePath       string // URL prefix for sub-path deployments
	SecureCookies  bool   // Set Secure flag on cookies (disable for local dev)
	PromptVariant  string // Evaluation prompt variant (strict, standard, lenient)
	ReportCC       string // Teacher/office address copied on every report
	MaxUploadBytes int64
	AllowedOrigins []string // CORS origins for the JSON API
}

// Deadline returns when a stage started at start must be submitted, and
// whether the stage is timed at all.
func (c ExamConfig) Deadline(stage Stage, start time.Time) (time.Time, bool) {
	mins := c.StageMinutes[stage]
	if mins <= 0 {
		return time.Time{}, false
	}
	return start.Add(time.Duration(mins) * time.Minute), true
}
