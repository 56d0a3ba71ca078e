package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/mockexam/internal/grading"
	"github.com/pavelanni/mockexam/internal/model"
)

const attemptColumns = `id, token, student_id, stage, status, started_at, finished_at, overall_band, report_sent_at`

func scanAttempt(row interface{ Scan(...any) error }) (model.Attempt, error) {
	var a model.Attempt
	err := row.Scan(&a.ID, &a.Token, &a.StudentID, &a.Stage, &a.Status, &a.StartedAt, &a.FinishedAt, &a.OverallBand, &a.ReportSentAt)
	return a, err
}

// CreateAttempt starts a new attempt at the first stage.
func (s *Store) CreateAttempt(studentID int64) (model.Attempt, error) {
	now := time.Now()
	a := model.Attempt{
		Token:     uuid.NewString(),
		StudentID: studentID,
		Stage:     model.Stages[0],
		Status:    model.StatusInProgress,
		StartedAt: now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return a, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO attempts (token, student_id, stage, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		a.Token, a.StudentID, a.Stage, a.Status, a.StartedAt,
	)
	if err != nil {
		return a, err
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return a, err
	}
	if _, err := tx.Exec(
		`INSERT INTO attempt_sections (attempt_id, stage, started_at) VALUES (?, ?, ?)`,
		a.ID, a.Stage, now,
	); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// GetAttempt returns an attempt by ID, or nil if it does not exist.
func (s *Store) GetAttempt(id int64) (*model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRow(`SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAttemptByToken returns an attempt by its public token, or nil.
func (s *Store) GetAttemptByToken(token string) (*model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRow(`SELECT `+attemptColumns+` FROM attempts WHERE token = ?`, token))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAttempts returns all attempts, newest first.
func (s *Store) ListAttempts() ([]model.Attempt, error) {
	return s.listAttempts(`SELECT ` + attemptColumns + ` FROM attempts ORDER BY id DESC`)
}

// ListAttemptsForStudent returns a student's attempts, newest first.
func (s *Store) ListAttemptsForStudent(studentID int64) ([]model.Attempt, error) {
	return s.listAttempts(`SELECT `+attemptColumns+` FROM attempts WHERE student_id = ? ORDER BY id DESC`, studentID)
}

func (s *Store) listAttempts(query string, args ...any) ([]model.Attempt, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// AdvanceStage moves an attempt from stage from to the next stage and
// opens the next section. It returns false when the attempt was no longer
// at from, which happens on duplicate submissions.
func (s *Store) AdvanceStage(attemptID int64, from model.Stage) (bool, error) {
	next := from.Next()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE attempts SET stage = ? WHERE id = ? AND stage = ?`, next, attemptID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if next != model.StageFinished {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO attempt_sections (attempt_id, stage, started_at) VALUES (?, ?, ?)`,
			attemptID, next, time.Now(),
		); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

// UpdateAttemptStatus sets the attempt status.
func (s *Store) UpdateAttemptStatus(id int64, status model.AttemptStatus) error {
	_, err := s.db.Exec(`UPDATE attempts SET status = ? WHERE id = ?`, status, id)
	return err
}

// FinishAttempt records the overall band and closes the attempt.
func (s *Store) FinishAttempt(id int64, overall float64, status model.AttemptStatus) error {
	_, err := s.db.Exec(
		`UPDATE attempts SET status = ?, overall_band = ?, finished_at = ? WHERE id = ?`,
		status, overall, time.Now(), id,
	)
	return err
}

// MarkReportSent records when the result email went out.
func (s *Store) MarkReportSent(id int64) error {
	_, err := s.db.Exec(`UPDATE attempts SET report_sent_at = ? WHERE id = ?`, time.Now(), id)
	return err
}

// SaveSection writes a section result, creating the row if needed.
func (s *Store) SaveSection(sec model.SectionResult) error {
	responses, err := json.Marshal(sec.Responses)
	if err != nil {
		return fmt.Errorf("encode responses: %w", err)
	}
	recordings, err := json.Marshal(sec.Recordings)
	if err != nil {
		return fmt.Errorf("encode recordings: %w", err)
	}
	gradingJSON, err := optionalJSON(sec.Grading)
	if err != nil {
		return fmt.Errorf("encode grading: %w", err)
	}
	evalJSON, err := optionalJSON(sec.Evaluation)
	if err != nil {
		return fmt.Errorf("encode evaluation: %w", err)
	}
	if sec.StartedAt.IsZero() {
		sec.StartedAt = time.Now()
	}

	_, err = s.db.Exec(
		`INSERT INTO attempt_sections
		   (attempt_id, stage, started_at, submitted_at, late, responses, grading, evaluation, band, recordings)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(attempt_id, stage) DO UPDATE SET
		   submitted_at = excluded.submitted_at,
		   late = excluded.late,
		   responses = excluded.responses,
		   grading = excluded.grading,
		   evaluation = excluded.evaluation,
		   band = excluded.band,
		   recordings = excluded.recordings`,
		sec.AttemptID, sec.Stage, sec.StartedAt, sec.SubmittedAt, sec.Late,
		string(responses), gradingJSON, evalJSON, sec.Band, string(recordings),
	)
	return err
}

func optionalJSON[T any](v *T) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	return string(data), err
}

const sectionColumns = `attempt_id, stage, started_at, submitted_at, late, responses, grading, evaluation, band, recordings`

func scanSection(row interface{ Scan(...any) error }) (*model.SectionResult, error) {
	var sec model.SectionResult
	var responses, gradingJSON, evalJSON, recordings string
	err := row.Scan(&sec.AttemptID, &sec.Stage, &sec.StartedAt, &sec.SubmittedAt, &sec.Late,
		&responses, &gradingJSON, &evalJSON, &sec.Band, &recordings)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(responses), &sec.Responses); err != nil {
		return nil, fmt.Errorf("decode responses: %w", err)
	}
	if err := json.Unmarshal([]byte(recordings), &sec.Recordings); err != nil {
		return nil, fmt.Errorf("decode recordings: %w", err)
	}
	if gradingJSON != "" {
		sec.Grading = &grading.Result{}
		if err := json.Unmarshal([]byte(gradingJSON), sec.Grading); err != nil {
			return nil, fmt.Errorf("decode grading: %w", err)
		}
	}
	if evalJSON != "" {
		sec.Evaluation = &model.Evaluation{}
		if err := json.Unmarshal([]byte(evalJSON), sec.Evaluation); err != nil {
			return nil, fmt.Errorf("decode evaluation: %w", err)
		}
	}
	return &sec, nil
}

// GetSection returns one section of an attempt, or nil if it was never opened.
func (s *Store) GetSection(attemptID int64, stage model.Stage) (*model.SectionResult, error) {
	sec, err := scanSection(s.db.QueryRow(
		`SELECT `+sectionColumns+` FROM attempt_sections WHERE attempt_id = ? AND stage = ?`, attemptID, stage,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sec, err
}

// ListSections returns all opened sections of an attempt keyed by stage.
func (s *Store) ListSections(attemptID int64) (map[model.Stage]*model.SectionResult, error) {
	rows, err := s.db.Query(`SELECT `+sectionColumns+` FROM attempt_sections WHERE attempt_id = ?`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sections := make(map[model.Stage]*model.SectionResult)
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		sections[sec.Stage] = sec
	}
	return sections, rows.Err()
}

// GetAttemptView builds a full view of an attempt with its student and sections.
func (s *Store) GetAttemptView(attemptID int64) (*model.AttemptView, error) {
	a, err := s.GetAttempt(attemptID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, sql.ErrNoRows
	}
	st, err := s.GetStudent(a.StudentID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("attempt %d: student %d not found", a.ID, a.StudentID)
	}
	class, err := s.GetClass(st.ClassID)
	if err != nil {
		return nil, err
	}
	sections, err := s.ListSections(attemptID)
	if err != nil {
		return nil, err
	}
	return &model.AttemptView{
		Attempt:  *a,
		Student:  *st,
		Class:    class,
		Sections: sections,
	}, nil
}
