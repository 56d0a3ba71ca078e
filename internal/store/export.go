package store

import (
	"fmt"

	"github.com/pavelanni/mockexam/internal/model"
)

// ExportAttempts builds export-ready results from all attempts, oldest first.
func (s *Store) ExportAttempts() ([]model.StudentResult, error) {
	attempts, err := s.ListAttempts()
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	// Track attempt count per student for attempt_number.
	attemptCount := make(map[int64]int)

	var results []model.StudentResult
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		attemptCount[a.StudentID]++

		view, err := s.GetAttemptView(a.ID)
		if err != nil {
			return nil, fmt.Errorf("get attempt %d: %w", a.ID, err)
		}

		var className string
		if view.Class != nil {
			className = view.Class.Name
		}

		var sections []model.SectionResult
		for _, stage := range model.Stages {
			if sec := view.Section(stage); sec != nil {
				sections = append(sections, *sec)
			}
		}

		results = append(results, model.StudentResult{
			AttemptToken:  a.Token,
			StudentName:   view.Student.FullName,
			StudentEmail:  view.Student.Email,
			ClassName:     className,
			AttemptNumber: attemptCount[a.StudentID],
			Status:        a.Status,
			StartedAt:     a.StartedAt,
			FinishedAt:    a.FinishedAt,
			OverallBand:   a.OverallBand,
			Sections:      sections,
		})
	}

	return results, nil
}
