package exam

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"github.com/pavelanni/mockexam/internal/band"
	"github.com/pavelanni/mockexam/internal/llm"
	"github.com/pavelanni/mockexam/internal/mailer"
	"github.com/pavelanni/mockexam/internal/model"
	"github.com/pavelanni/mockexam/internal/report"
)

// Writing task minimum lengths, as in the real test.
var writingMinWords = []int{150, 250}

// WritingTaskKey is the metadata key holding the prompt of writing task n.
func WritingTaskKey(n int) string {
	return fmt.Sprintf("writing_task_%d", n)
}

// SpeakingPartKey is the metadata key holding the prompt of speaking part n.
func SpeakingPartKey(n int) string {
	return fmt.Sprintf("speaking_part_%d", n)
}

// PaperURLKey is the metadata key holding the question paper or audio link
// shown with a stage.
func PaperURLKey(stage model.Stage) string {
	return "paper_url:" + string(stage)
}

// Finish evaluates the writing and speaking sections, computes the overall
// band, closes the attempt and emails the report. Evaluation errors are
// recorded on the section and the attempt is finished with the bands that
// are available.
func (s *Service) Finish(ctx context.Context, attemptID int64) error {
	defer s.lock(attemptID)()

	view, err := s.store.GetAttemptView(attemptID)
	if err != nil {
		return fmt.Errorf("get attempt: %w", err)
	}
	if view.Attempt.Stage != model.StageFinished {
		return fmt.Errorf("attempt %d is at %s: %w", attemptID, view.Attempt.Stage, ErrStageClosed)
	}
	if err := s.store.UpdateAttemptStatus(attemptID, model.StatusEvaluating); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	// Put the previous status back if evaluation cannot be stored, so
	// staff can trigger it again.
	restore := func(err error) error {
		if rerr := s.store.UpdateAttemptStatus(attemptID, view.Attempt.Status); rerr != nil {
			slog.Error("restore attempt status", "attempt", attemptID, "error", rerr)
		}
		return err
	}

	if sec := view.Section(model.StageWriting); sec != nil {
		s.evaluateWriting(ctx, sec)
		if err := s.store.SaveSection(*sec); err != nil {
			return restore(fmt.Errorf("save writing: %w", err))
		}
	}
	if sec := view.Section(model.StageSpeaking); sec != nil {
		s.evaluateSpeaking(ctx, sec)
		if err := s.store.SaveSection(*sec); err != nil {
			return restore(fmt.Errorf("save speaking: %w", err))
		}
	}

	overall := band.Overall(sectionBands(view)...)
	if err := s.store.FinishAttempt(attemptID, overall, model.StatusFinished); err != nil {
		return restore(fmt.Errorf("finish attempt: %w", err))
	}
	slog.Info("attempt finished", "attempt", attemptID, "overall", overall)

	if err := s.sendReport(ctx, attemptID); err != nil {
		if errors.Is(err, ErrNoRecipient) {
			slog.Warn("report not sent", "attempt", attemptID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// sectionBands collects the bands that count toward the overall result:
// graded objective sections and successfully evaluated sections.
func sectionBands(v *model.AttemptView) []float64 {
	var bands []float64
	for _, stage := range model.Stages {
		sec := v.Section(stage)
		switch {
		case sec == nil:
		case sec.Grading != nil:
			bands = append(bands, sec.Band)
		case sec.Evaluation != nil && sec.Evaluation.Error == "":
			bands = append(bands, sec.Band)
		}
	}
	return bands
}

func (s *Service) metadata(key string) string {
	v, err := s.store.GetMetadata(key)
	if err != nil {
		slog.Warn("read exam content", "key", key, "error", err)
	}
	return v
}

type weighted struct {
	ev     *model.Evaluation
	weight float64
	label  string
}

func (s *Service) evaluateWriting(ctx context.Context, sec *model.SectionResult) {
	var parts []weighted
	var errs []string
	for i := 0; i < 2; i++ {
		var essay string
		if i < len(sec.Responses) {
			essay = sec.Responses[i]
		}
		task := llm.WritingTask{Number: i + 1, Prompt: s.metadata(WritingTaskKey(i + 1)), MinWords: writingMinWords[i]}
		ev, err := s.eval.EvaluateWriting(ctx, task, essay)
		if err != nil {
			slog.Error("writing evaluation failed", "attempt", sec.AttemptID, "task", i+1, "error", err)
			errs = append(errs, fmt.Sprintf("task %d: %v", i+1, err))
			continue
		}
		// Task 2 counts double.
		parts = append(parts, weighted{ev: ev, weight: float64(i + 1), label: fmt.Sprintf("Task %d", i+1)})
	}
	sec.Evaluation = combine(parts, errs)
	sec.Band = sec.Evaluation.Band
}

// retranscribe reads a recording back from the blob store and transcribes
// it again, clearing the stored error on success.
func (s *Service) retranscribe(ctx context.Context, attemptID int64, rec *model.Recording) {
	if rec.Name == "" {
		return
	}
	rc, err := s.blobs.Get(ctx, rec.Name)
	if err != nil {
		slog.Error("read recording", "attempt", attemptID, "part", rec.Part, "error", err)
		rec.Error = err.Error()
		return
	}
	defer rc.Close()
	transcript, err := s.eval.Transcribe(ctx, rec.Name, rc)
	if err != nil {
		slog.Error("transcription failed", "attempt", attemptID, "part", rec.Part, "error", err)
		rec.Error = err.Error()
		return
	}
	rec.Transcript = transcript
	rec.Error = ""
}

func (s *Service) evaluateSpeaking(ctx context.Context, sec *model.SectionResult) {
	var parts []weighted
	var errs []string
	for i := range sec.Recordings {
		rec := &sec.Recordings[i]
		if rec.Error != "" {
			s.retranscribe(ctx, sec.AttemptID, rec)
		}
		if rec.Error != "" {
			errs = append(errs, fmt.Sprintf("part %d transcription: %s", rec.Part, rec.Error))
			continue
		}
		part := llm.SpeakingPart{Number: rec.Part, Prompt: s.metadata(SpeakingPartKey(rec.Part))}
		ev, err := s.eval.EvaluateSpeaking(ctx, part, rec.Transcript)
		if err != nil {
			slog.Error("speaking evaluation failed", "attempt", sec.AttemptID, "part", rec.Part, "error", err)
			errs = append(errs, fmt.Sprintf("part %d: %v", rec.Part, err))
			continue
		}
		parts = append(parts, weighted{ev: ev, weight: 1, label: fmt.Sprintf("Part %d", rec.Part)})
	}
	if len(parts) == 0 && len(errs) == 0 {
		errs = append(errs, "no recordings")
	}
	sec.Evaluation = combine(parts, errs)
	sec.Band = sec.Evaluation.Band
}

// combine merges per-task evaluations into one section evaluation using
// weighted criterion means. Any error marks the whole section for review.
func combine(parts []weighted, errs []string) *model.Evaluation {
	ev := &model.Evaluation{Criteria: map[string]float64{}}
	if len(errs) > 0 {
		ev.Error = strings.Join(errs, "; ")
	}
	if len(parts) == 0 {
		return ev
	}

	sums := map[string]float64{}
	weights := map[string]float64{}
	var bandSum, weightSum float64
	var feedback []string
	for _, p := range parts {
		for k, v := range p.ev.Criteria {
			sums[k] += v * p.weight
			weights[k] += p.weight
		}
		bandSum += p.ev.Band * p.weight
		weightSum += p.weight
		if p.ev.Feedback != "" {
			feedback = append(feedback, p.label+": "+p.ev.Feedback)
		}
	}
	for k, sum := range sums {
		ev.Criteria[k] = band.Round(sum / weights[k])
	}
	ev.Band = band.Round(bandSum / weightSum)
	ev.Feedback = strings.Join(feedback, "\n\n")
	return ev
}

// SendReport emails the attempt's report to the student, copying the
// configured staff addresses.
func (s *Service) SendReport(ctx context.Context, attemptID int64) error {
	defer s.lock(attemptID)()
	return s.sendReport(ctx, attemptID)
}

func (s *Service) sendReport(ctx context.Context, attemptID int64) error {
	view, err := s.store.GetAttemptView(attemptID)
	if err != nil {
		return fmt.Errorf("get attempt: %w", err)
	}
	if strings.TrimSpace(view.Student.Email) == "" {
		return fmt.Errorf("%s: %w", view.Student.FullName, ErrNoRecipient)
	}

	r := report.Build(*view, s.school)
	html, err := report.RenderHTML(r)
	if err != nil {
		return err
	}
	var pdf bytes.Buffer
	if err := report.WritePDF(&pdf, r); err != nil {
		return err
	}

	msg := mailer.Message{
		To:      []mail.Address{{Name: view.Student.FullName, Address: view.Student.Email}},
		Cc:      s.cc,
		Subject: r.Subject(),
		Text:    report.RenderText(r),
		HTML:    html,
		Attachments: []mailer.Attachment{{
			Filename:    r.Filename(),
			ContentType: "application/pdf",
			Data:        pdf.Bytes(),
		}},
	}
	if err := s.mail.Send(ctx, msg); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	if err := s.store.MarkReportSent(attemptID); err != nil {
		return fmt.Errorf("mark report sent: %w", err)
	}
	return nil
}
