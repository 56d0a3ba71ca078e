package exam

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/pavelanni/mockexam/internal/band"
	"github.com/pavelanni/mockexam/internal/grading"
	"github.com/pavelanni/mockexam/internal/model"
)

// SubmitObjective grades the responses of an objective stage against the
// stored key, records the result and band, and advances the attempt.
func (s *Service) SubmitObjective(ctx context.Context, attemptID int64, stage model.Stage, responses []string) (*model.SectionResult, error) {
	if !stage.Objective() {
		return nil, fmt.Errorf("%s is not an objective stage: %w", stage, ErrStageClosed)
	}
	defer s.lock(attemptID)()

	_, sec, err := s.openSection(attemptID, stage)
	if err != nil {
		return nil, err
	}
	key, err := s.store.GetAnswerKey(string(stage))
	if err != nil {
		return nil, fmt.Errorf("get answer key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%s: %w", stage, ErrNoAnswerKey)
	}
	if len(responses) != len(key) {
		slog.Warn("response count differs from key", "attempt", attemptID, "stage", stage,
			"responses", len(responses), "key", len(key))
	}

	res := grading.Grade(responses, key)
	sec.Responses = responses
	sec.Grading = &res
	sec.Band = band.FromPercent(res.Percent())
	s.markSubmitted(sec)

	if err := s.advance(sec); err != nil {
		return nil, err
	}
	slog.Info("objective section graded", "attempt", attemptID, "stage", stage,
		"correct", res.CorrectCount, "questions", res.TotalQuestions, "band", sec.Band)
	return sec, nil
}

// SubmitWriting stores both essays and advances the attempt. Evaluation
// happens in Finish.
func (s *Service) SubmitWriting(ctx context.Context, attemptID int64, task1, task2 string) (*model.SectionResult, error) {
	defer s.lock(attemptID)()

	_, sec, err := s.openSection(attemptID, model.StageWriting)
	if err != nil {
		return nil, err
	}
	sec.Responses = []string{task1, task2}
	s.markSubmitted(sec)

	if err := s.advance(sec); err != nil {
		return nil, err
	}
	slog.Info("writing submitted", "attempt", attemptID, "late", sec.Late)
	return sec, nil
}

// SubmitSpeaking stores the recording of one speaking part and its
// transcript. Once every part is in, the attempt advances to finished and
// evaluation starts in the background.
func (s *Service) SubmitSpeaking(ctx context.Context, attemptID int64, part int, filename, contentType string, audio io.Reader) (*model.SectionResult, error) {
	if part < 1 || part > s.cfg.SpeakingParts {
		return nil, fmt.Errorf("part %d of %d: %w", part, s.cfg.SpeakingParts, ErrInvalidPart)
	}
	unlock := s.lock(attemptID)

	a, sec, err := s.openSection(attemptID, model.StageSpeaking)
	if err != nil {
		unlock()
		return nil, err
	}
	for _, r := range sec.Recordings {
		if r.Part == part {
			unlock()
			return nil, fmt.Errorf("part %d: %w", part, ErrPartSubmitted)
		}
	}

	data, err := io.ReadAll(audio)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("read recording: %w", err)
	}
	name := fmt.Sprintf("%s-part%d%s", a.Token, part, filepath.Ext(filename))
	ref, err := s.blobs.Put(ctx, name, contentType, bytes.NewReader(data))
	if err != nil {
		unlock()
		return nil, fmt.Errorf("store recording: %w", err)
	}

	rec := model.Recording{Part: part, Name: name, Ref: ref}
	rec.Transcript, err = s.eval.Transcribe(ctx, name, bytes.NewReader(data))
	if err != nil {
		slog.Error("transcription failed", "attempt", attemptID, "part", part, "error", err)
		rec.Error = err.Error()
	}

	sec.Recordings = append(sec.Recordings, rec)
	sort.Slice(sec.Recordings, func(i, j int) bool { return sec.Recordings[i].Part < sec.Recordings[j].Part })

	if len(sec.Recordings) < s.cfg.SpeakingParts {
		err := s.store.SaveSection(*sec)
		unlock()
		if err != nil {
			return nil, fmt.Errorf("save section: %w", err)
		}
		slog.Info("speaking part recorded", "attempt", attemptID, "part", part)
		return sec, nil
	}

	s.markSubmitted(sec)
	err = s.advance(sec)
	unlock()
	if err != nil {
		return nil, err
	}
	slog.Info("speaking submitted", "attempt", attemptID, "late", sec.Late)

	s.FinishAsync(ctx, attemptID)
	return sec, nil
}

// FinishAsync runs Finish in the background, detached from the request.
func (s *Service) FinishAsync(ctx context.Context, attemptID int64) {
	bg := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Finish(bg, attemptID); err != nil {
			slog.Error("finish attempt", "attempt", attemptID, "error", err)
		}
	}()
}
