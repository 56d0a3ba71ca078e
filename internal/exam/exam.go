// Package exam runs a student through the mock exam: it grades the
// objective papers, collects essays and recordings, and produces the final
// evaluated result and report.
package exam

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"sync"
	"time"

	"github.com/pavelanni/mockexam/internal/blob"
	"github.com/pavelanni/mockexam/internal/grading"
	"github.com/pavelanni/mockexam/internal/llm"
	"github.com/pavelanni/mockexam/internal/mailer"
	"github.com/pavelanni/mockexam/internal/model"
)

var (
	// ErrNotFound is returned for unknown attempts or students.
	ErrNotFound = errors.New("not found")
	// ErrStageClosed is returned when a submission targets a stage other
	// than the attempt's current one.
	ErrStageClosed = errors.New("stage is closed")
	// ErrNoAnswerKey is returned when an objective stage has no stored key.
	ErrNoAnswerKey = errors.New("no answer key for section")
	// ErrInvalidPart is returned for a speaking part outside 1..SpeakingParts.
	ErrInvalidPart = errors.New("invalid speaking part")
	// ErrPartSubmitted is returned when a speaking part was already recorded.
	ErrPartSubmitted = errors.New("speaking part already submitted")
	// ErrNoRecipient is returned when a report cannot be addressed.
	ErrNoRecipient = errors.New("student has no email address")
)

// LateGrace is how long after a stage deadline a submission still counts
// as on time. It covers the client's auto-submit round trip.
const LateGrace = 30 * time.Second

// DefaultSpeakingParts is used when the config leaves SpeakingParts unset.
const DefaultSpeakingParts = 3

// Store is the persistence the exam pipeline needs.
type Store interface {
	GetStudent(id int64) (*model.Student, error)
	CreateAttempt(studentID int64) (model.Attempt, error)
	GetAttempt(id int64) (*model.Attempt, error)
	GetAttemptView(id int64) (*model.AttemptView, error)
	AdvanceStage(attemptID int64, from model.Stage) (bool, error)
	UpdateAttemptStatus(id int64, status model.AttemptStatus) error
	FinishAttempt(id int64, overall float64, status model.AttemptStatus) error
	MarkReportSent(id int64) error
	GetSection(attemptID int64, stage model.Stage) (*model.SectionResult, error)
	SaveSection(sec model.SectionResult) error
	GetAnswerKey(section string) ([]grading.AnswerKeyEntry, error)
	GetMetadata(key string) (string, error)
}

// Evaluator scores writing and speaking and transcribes recordings.
type Evaluator interface {
	EvaluateWriting(ctx context.Context, task llm.WritingTask, essay string) (*model.Evaluation, error)
	EvaluateSpeaking(ctx context.Context, part llm.SpeakingPart, transcript string) (*model.Evaluation, error)
	Transcribe(ctx context.Context, filename string, r io.Reader) (string, error)
}

// Service runs the exam pipeline.
type Service struct {
	store  Store
	eval   Evaluator
	mail   mailer.Mailer
	blobs  blob.Store
	cfg    model.ExamConfig
	school string
	cc     []mail.Address
	now    func() time.Time

	locks attemptLocks
	wg    sync.WaitGroup
}

// New creates an exam service. The report CC list is parsed from
// cfg.ReportCC.
func New(st Store, ev Evaluator, m mailer.Mailer, b blob.Store, cfg model.ExamConfig, school string) (*Service, error) {
	cc, err := mailer.ParseAddressList(cfg.ReportCC)
	if err != nil {
		return nil, fmt.Errorf("report cc: %w", err)
	}
	if cfg.SpeakingParts <= 0 {
		cfg.SpeakingParts = DefaultSpeakingParts
	}
	return &Service{
		store:  st,
		eval:   ev,
		mail:   m,
		blobs:  b,
		cfg:    cfg,
		school: school,
		cc:     cc,
		now:    time.Now,
	}, nil
}

// Config returns the effective exam configuration.
func (s *Service) Config() model.ExamConfig {
	return s.cfg
}

// School returns the school name printed on reports.
func (s *Service) School() string {
	return s.school
}

// Wait blocks until background evaluations have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// attemptLocks serializes work on one attempt. An entry lives only while
// some caller holds or waits for it.
type attemptLocks struct {
	mu sync.Mutex
	m  map[int64]*attemptLock
}

type attemptLock struct {
	mu   sync.Mutex
	refs int
}

func (l *attemptLocks) acquire(id int64) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[int64]*attemptLock)
	}
	e := l.m[id]
	if e == nil {
		e = &attemptLock{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}

func (l *attemptLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func (s *Service) lock(attemptID int64) func() {
	return s.locks.acquire(attemptID)
}

// Start opens a new attempt for a student at the first stage.
func (s *Service) Start(ctx context.Context, studentID int64) (model.Attempt, error) {
	st, err := s.store.GetStudent(studentID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("get student: %w", err)
	}
	if st == nil {
		return model.Attempt{}, fmt.Errorf("student %d: %w", studentID, ErrNotFound)
	}
	a, err := s.store.CreateAttempt(studentID)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("create attempt: %w", err)
	}
	slog.Info("attempt started", "attempt", a.ID, "student", studentID)
	return a, nil
}

// Deadline returns when the current section of an attempt is due.
func (s *Service) Deadline(sec *model.SectionResult) (time.Time, bool) {
	if sec == nil {
		return time.Time{}, false
	}
	return s.cfg.Deadline(sec.Stage, sec.StartedAt)
}

func (s *Service) isLate(sec *model.SectionResult, at time.Time) bool {
	deadline, timed := s.Deadline(sec)
	return timed && at.After(deadline.Add(LateGrace))
}

// openSection loads the attempt and its section for stage, failing with
// ErrStageClosed unless stage is the attempt's current stage.
func (s *Service) openSection(attemptID int64, stage model.Stage) (*model.Attempt, *model.SectionResult, error) {
	a, err := s.store.GetAttempt(attemptID)
	if err != nil {
		return nil, nil, fmt.Errorf("get attempt: %w", err)
	}
	if a == nil {
		return nil, nil, fmt.Errorf("attempt %d: %w", attemptID, ErrNotFound)
	}
	if a.Status != model.StatusInProgress || a.Stage != stage {
		return nil, nil, fmt.Errorf("attempt %d is at %s, not %s: %w", attemptID, a.Stage, stage, ErrStageClosed)
	}
	sec, err := s.store.GetSection(attemptID, stage)
	if err != nil {
		return nil, nil, fmt.Errorf("get section: %w", err)
	}
	if sec == nil {
		sec = &model.SectionResult{AttemptID: attemptID, Stage: stage, StartedAt: s.now()}
	}
	return a, sec, nil
}

// advance claims the stage transition and then stores the section. A
// concurrent duplicate submission loses the claim and gets ErrStageClosed.
func (s *Service) advance(sec *model.SectionResult) error {
	ok, err := s.store.AdvanceStage(sec.AttemptID, sec.Stage)
	if err != nil {
		return fmt.Errorf("advance stage: %w", err)
	}
	if !ok {
		return fmt.Errorf("attempt %d %s: %w", sec.AttemptID, sec.Stage, ErrStageClosed)
	}
	if err := s.store.SaveSection(*sec); err != nil {
		return fmt.Errorf("save section: %w", err)
	}
	return nil
}

func (s *Service) markSubmitted(sec *model.SectionResult) {
	now := s.now()
	sec.SubmittedAt = &now
	sec.Late = s.isLate(sec, now)
	if sec.Late {
		slog.Warn("late submission", "attempt", sec.AttemptID, "stage", sec.Stage)
	}
}
