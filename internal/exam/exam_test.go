package exam

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/mockexam/internal/blob"
	"github.com/pavelanni/mockexam/internal/grading"
	"github.com/pavelanni/mockexam/internal/llm"
	"github.com/pavelanni/mockexam/internal/mailer"
	"github.com/pavelanni/mockexam/internal/model"
	"github.com/pavelanni/mockexam/internal/store"
)

type fakeEvaluator struct {
	mu            sync.Mutex
	writingErr    error
	transcribeErr error
	tasks         []llm.WritingTask
	transcripts   []string
}

func (f *fakeEvaluator) EvaluateWriting(_ context.Context, task llm.WritingTask, essay string) (*model.Evaluation, error) {
	f.mu.Lock()
	f.tasks = append(f.tasks, task)
	f.mu.Unlock()
	if f.writingErr != nil {
		return nil, f.writingErr
	}
	b := 6.0
	if task.Number == 2 {
		b = 7
	}
	return &model.Evaluation{
		Criteria: map[string]float64{"task_response": b, "lexical_resource": b},
		Band:     b,
		Feedback: "essay " + essay,
	}, nil
}

func (f *fakeEvaluator) EvaluateSpeaking(_ context.Context, part llm.SpeakingPart, transcript string) (*model.Evaluation, error) {
	f.mu.Lock()
	f.transcripts = append(f.transcripts, transcript)
	f.mu.Unlock()
	if strings.TrimSpace(transcript) == "" {
		return &model.Evaluation{Criteria: map[string]float64{"fluency_coherence": 0, "pronunciation": 0}}, nil
	}
	return &model.Evaluation{
		Criteria: map[string]float64{"fluency_coherence": 7, "pronunciation": 7},
		Band:     7,
	}, nil
}

func (f *fakeEvaluator) Transcribe(_ context.Context, filename string, r io.Reader) (string, error) {
	f.mu.Lock()
	terr := f.transcribeErr
	f.mu.Unlock()
	if terr != nil {
		return "", terr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return "said " + string(data), nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (f *fakeMailer) Send(_ context.Context, msg mailer.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

type fakeBlobs struct {
	mu    sync.Mutex
	names []string
	data  map[string][]byte
}

func (f *fakeBlobs) Put(_ context.Context, name, _ string, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	f.data[name] = data
	return "blob://" + name, nil
}

func (f *fakeBlobs) Get(_ context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.data[name]
	if !ok {
		return nil, blob.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// failingStore fails SaveSection once failSave is set.
type failingStore struct {
	*store.Store
	failSave bool
}

func (f *failingStore) SaveSection(sec model.SectionResult) error {
	if f.failSave {
		return errors.New("disk full")
	}
	return f.Store.SaveSection(sec)
}

type fixture struct {
	svc     *Service
	store   *store.Store
	eval    *fakeEvaluator
	mail    *fakeMailer
	blobs   *fakeBlobs
	student int64
}

func newFixture(t *testing.T, email string, cfg model.ExamConfig) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	classID, err := st.CreateClass(model.Class{Name: "IELTS Evening"})
	require.NoError(t, err)
	studentID, err := st.CreateStudent(model.Student{ClassID: classID, FullName: "Tran Van B", Email: email})
	require.NoError(t, err)

	require.NoError(t, st.ReplaceAnswerKey(string(model.StageGrammarReading), []grading.AnswerKeyEntry{
		{ExpectedAnswer: "a", Skill: "Grammar"},
		{ExpectedAnswer: "b", Skill: "Grammar"},
		{ExpectedAnswer: "paris", Skill: "Reading"},
		{ExpectedAnswer: "c/d", Skill: "Reading"},
	}))
	require.NoError(t, st.ReplaceAnswerKey(string(model.StageListening), []grading.AnswerKeyEntry{
		{ExpectedAnswer: "a", Skill: "Section 1"},
		{ExpectedAnswer: "b", Skill: "Section 1"},
		{ExpectedAnswer: "c", Skill: "Section 2"},
		{ExpectedAnswer: "d", Skill: "Section 2"},
	}))
	require.NoError(t, st.SetMetadata(WritingTaskKey(2), "Discuss both views."))

	f := &fixture{store: st, eval: &fakeEvaluator{}, mail: &fakeMailer{}, blobs: &fakeBlobs{}, student: studentID}
	f.svc, err = New(st, f.eval, f.mail, f.blobs, cfg, "Sunrise English")
	require.NoError(t, err)
	return f
}

func (f *fixture) runToSpeaking(t *testing.T) model.Attempt {
	t.Helper()
	ctx := context.Background()
	a, err := f.svc.Start(ctx, f.student)
	require.NoError(t, err)
	_, err = f.svc.SubmitObjective(ctx, a.ID, model.StageGrammarReading, []string{"A", "b) because", "Paris", "d"})
	require.NoError(t, err)
	_, err = f.svc.SubmitObjective(ctx, a.ID, model.StageListening, []string{"a", "b", "x", ""})
	require.NoError(t, err)
	_, err = f.svc.SubmitWriting(ctx, a.ID, "first essay", "second essay")
	require.NoError(t, err)
	return a
}

func TestFullAttempt(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{SpeakingParts: 2, ReportCC: "Office <office@school.example>"})
	ctx := context.Background()
	a := f.runToSpeaking(t)

	sec, err := f.svc.SubmitSpeaking(ctx, a.ID, 2, "p2.webm", "audio/webm", strings.NewReader("two"))
	require.NoError(t, err)
	assert.Len(t, sec.Recordings, 1)
	assert.Nil(t, sec.SubmittedAt, "speaking is not submitted until every part is in")

	_, err = f.svc.SubmitSpeaking(ctx, a.ID, 2, "p2.webm", "audio/webm", strings.NewReader("again"))
	assert.ErrorIs(t, err, ErrPartSubmitted)

	sec, err = f.svc.SubmitSpeaking(ctx, a.ID, 1, "p1.webm", "audio/webm", strings.NewReader("one"))
	require.NoError(t, err)
	require.Len(t, sec.Recordings, 2)
	assert.Equal(t, 1, sec.Recordings[0].Part)
	assert.Equal(t, "said one", sec.Recordings[0].Transcript)
	assert.Equal(t, "blob://"+a.Token+"-part1.webm", sec.Recordings[0].Ref)

	f.svc.Wait()

	view, err := f.store.GetAttemptView(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFinished, view.Attempt.Stage)
	assert.Equal(t, model.StatusFinished, view.Attempt.Status)
	assert.NotNil(t, view.Attempt.FinishedAt)
	assert.NotNil(t, view.Attempt.ReportSentAt)

	assert.Equal(t, 9.0, view.Section(model.StageGrammarReading).Band)
	assert.Equal(t, 5.5, view.Section(model.StageListening).Band)
	wr := view.Section(model.StageWriting)
	assert.Equal(t, 6.5, wr.Band, "task 2 counts double")
	assert.Contains(t, wr.Evaluation.Feedback, "Task 2: essay second essay")
	assert.Equal(t, 7.0, view.Section(model.StageSpeaking).Band)
	// (9 + 5.5 + 6.5 + 7) / 4 = 7
	assert.Equal(t, 7.0, view.Attempt.OverallBand)

	require.Len(t, f.eval.tasks, 2)
	assert.Equal(t, "Discuss both views.", f.eval.tasks[1].Prompt)
	assert.Equal(t, 250, f.eval.tasks[1].MinWords)

	require.Len(t, f.mail.sent, 1)
	msg := f.mail.sent[0]
	assert.Equal(t, "b@example.com", msg.To[0].Address)
	require.Len(t, msg.Cc, 1)
	assert.Equal(t, "office@school.example", msg.Cc[0].Address)
	assert.Contains(t, msg.Subject, "overall band 7.0")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "application/pdf", msg.Attachments[0].ContentType)

	assert.Zero(t, f.svc.locks.size(), "attempt locks are released")
}

func TestStageOrderEnforced(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{})
	ctx := context.Background()
	a, err := f.svc.Start(ctx, f.student)
	require.NoError(t, err)

	_, err = f.svc.SubmitWriting(ctx, a.ID, "x", "y")
	assert.ErrorIs(t, err, ErrStageClosed)
	_, err = f.svc.SubmitObjective(ctx, a.ID, model.StageListening, []string{"a"})
	assert.ErrorIs(t, err, ErrStageClosed)
	_, err = f.svc.SubmitObjective(ctx, a.ID, model.StageWriting, []string{"a"})
	assert.ErrorIs(t, err, ErrStageClosed)

	_, err = f.svc.SubmitObjective(ctx, a.ID, model.StageGrammarReading, []string{"a"})
	require.NoError(t, err)
	_, err = f.svc.SubmitObjective(ctx, a.ID, model.StageGrammarReading, []string{"a", "b"})
	assert.ErrorIs(t, err, ErrStageClosed, "duplicate submission")

	sec, err := f.store.GetSection(a.ID, model.StageGrammarReading)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, sec.Responses, "first submission is kept")
}

func TestConcurrentDuplicateSubmissions(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{})
	ctx := context.Background()
	a, err := f.svc.Start(ctx, f.student)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.SubmitObjective(ctx, a.ID, model.StageGrammarReading, []string{"a", "b"})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrStageClosed)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestNoAnswerKey(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{})
	require.NoError(t, f.store.ReplaceAnswerKey(string(model.StageGrammarReading), nil))
	ctx := context.Background()
	a, err := f.svc.Start(ctx, f.student)
	require.NoError(t, err)

	_, err = f.svc.SubmitObjective(ctx, a.ID, model.StageGrammarReading, []string{"a"})
	assert.ErrorIs(t, err, ErrNoAnswerKey)

	got, err := f.store.GetAttempt(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageGrammarReading, got.Stage, "attempt must not advance")
}

func TestLateSubmission(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{
		StageMinutes: map[model.Stage]int{model.StageGrammarReading: 60, model.StageListening: 30},
	})
	ctx := context.Background()
	a, err := f.svc.Start(ctx, f.student)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(59 * time.Minute) }
	sec, err := f.svc.SubmitObjective(ctx, a.ID, model.StageGrammarReading, []string{"a"})
	require.NoError(t, err)
	assert.False(t, sec.Late)

	// Listening opened just now in real time; an hour later it is overdue.
	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	sec, err = f.svc.SubmitObjective(ctx, a.ID, model.StageListening, []string{"a"})
	require.NoError(t, err)
	assert.True(t, sec.Late)

	stored, err := f.store.GetSection(a.ID, model.StageListening)
	require.NoError(t, err)
	assert.True(t, stored.Late)
}

func TestEvaluationFailureStillFinishes(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{SpeakingParts: 1})
	f.eval.writingErr = errors.New("model overloaded")
	ctx := context.Background()
	a := f.runToSpeaking(t)

	_, err := f.svc.SubmitSpeaking(ctx, a.ID, 1, "p1.webm", "audio/webm", strings.NewReader("one"))
	require.NoError(t, err)
	f.svc.Wait()

	view, err := f.store.GetAttemptView(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, view.Attempt.Status)
	wr := view.Section(model.StageWriting)
	require.NotNil(t, wr.Evaluation)
	assert.Contains(t, wr.Evaluation.Error, "model overloaded")
	// (9 + 5.5 + 7) / 3 = 7.17
	assert.Equal(t, 7.0, view.Attempt.OverallBand)
	assert.Len(t, f.mail.sent, 1)
}

func TestTranscriptionFailureExcludedFromOverall(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{SpeakingParts: 1})
	f.eval.transcribeErr = errors.New("whisper unavailable")
	ctx := context.Background()
	a := f.runToSpeaking(t)

	sec, err := f.svc.SubmitSpeaking(ctx, a.ID, 1, "p1.webm", "audio/webm", strings.NewReader("one"))
	require.NoError(t, err)
	require.Len(t, sec.Recordings, 1)
	assert.Contains(t, sec.Recordings[0].Error, "whisper unavailable")
	f.svc.Wait()

	view, err := f.store.GetAttemptView(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, view.Attempt.Status)
	sp := view.Section(model.StageSpeaking)
	require.NotNil(t, sp.Evaluation)
	assert.Contains(t, sp.Evaluation.Error, "part 1 transcription")
	assert.Empty(t, f.eval.transcripts, "an untranscribed part is not scored")
	// (9 + 5.5 + 6.5) / 3 = 7; a zero speaking band would give 5.5.
	assert.Equal(t, 7.0, view.Attempt.OverallBand)

	// Re-evaluation transcribes the stored audio again.
	f.eval.mu.Lock()
	f.eval.transcribeErr = nil
	f.eval.mu.Unlock()
	require.NoError(t, f.svc.Finish(ctx, a.ID))

	view, err = f.store.GetAttemptView(a.ID)
	require.NoError(t, err)
	sp = view.Section(model.StageSpeaking)
	assert.Empty(t, sp.Evaluation.Error)
	assert.Equal(t, "said one", sp.Recordings[0].Transcript)
	assert.Empty(t, sp.Recordings[0].Error)
	assert.Equal(t, 7.0, sp.Band)
	assert.Equal(t, []string{"said one"}, f.eval.transcripts)
}

func TestFinishRestoresStatusOnSaveError(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{SpeakingParts: 1})
	ctx := context.Background()
	a := f.runToSpeaking(t)
	_, err := f.svc.SubmitSpeaking(ctx, a.ID, 1, "p1.webm", "audio/webm", strings.NewReader("one"))
	require.NoError(t, err)
	f.svc.Wait()

	fs := &failingStore{Store: f.store, failSave: true}
	svc, err := New(fs, f.eval, f.mail, f.blobs, model.ExamConfig{SpeakingParts: 1}, "Sunrise English")
	require.NoError(t, err)

	err = svc.Finish(ctx, a.ID)
	assert.ErrorContains(t, err, "disk full")

	got, err := f.store.GetAttempt(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, got.Status, "attempt must not stay in evaluating")

	fs.failSave = false
	require.NoError(t, svc.Finish(ctx, a.ID))
}

func TestFinishWithoutEmail(t *testing.T) {
	f := newFixture(t, "", model.ExamConfig{SpeakingParts: 1})
	ctx := context.Background()
	a := f.runToSpeaking(t)

	_, err := f.svc.SubmitSpeaking(ctx, a.ID, 1, "p1.webm", "audio/webm", strings.NewReader("one"))
	require.NoError(t, err)
	f.svc.Wait()

	got, err := f.store.GetAttempt(a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, got.Status)
	assert.Nil(t, got.ReportSentAt)
	assert.Empty(t, f.mail.sent)

	assert.ErrorIs(t, f.svc.SendReport(ctx, a.ID), ErrNoRecipient)
}

func TestFinishBeforeSpeaking(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{})
	a := f.runToSpeaking(t)
	assert.ErrorIs(t, f.svc.Finish(context.Background(), a.ID), ErrStageClosed)
}

func TestInvalidSpeakingPart(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{})
	_, err := f.svc.SubmitSpeaking(context.Background(), 1, 4, "x.webm", "audio/webm", strings.NewReader(""))
	assert.ErrorIs(t, err, ErrInvalidPart)
	assert.Equal(t, DefaultSpeakingParts, f.svc.Config().SpeakingParts)
}

func TestStartUnknownStudent(t *testing.T) {
	f := newFixture(t, "b@example.com", model.ExamConfig{})
	_, err := f.svc.Start(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRejectsBadCC(t *testing.T) {
	_, err := New(nil, nil, nil, nil, model.ExamConfig{ReportCC: "not an address"}, "x")
	assert.Error(t, err)
}

func TestCombine(t *testing.T) {
	parts := []weighted{
		{ev: &model.Evaluation{Criteria: map[string]float64{"a": 5, "b": 6}, Band: 5.5, Feedback: "one"}, weight: 1, label: "Task 1"},
		{ev: &model.Evaluation{Criteria: map[string]float64{"a": 7, "b": 7}, Band: 7}, weight: 2, label: "Task 2"},
	}
	ev := combine(parts, nil)
	// a: (5 + 14) / 3 = 6.33 -> 6.5; b: (6 + 14) / 3 = 6.67 -> 6.5; band: (5.5 + 14) / 3 = 6.5
	assert.Equal(t, map[string]float64{"a": 6.5, "b": 6.5}, ev.Criteria)
	assert.Equal(t, 6.5, ev.Band)
	assert.Equal(t, "Task 1: one", ev.Feedback)
	assert.Empty(t, ev.Error)

	ev = combine(nil, []string{"task 1: boom"})
	assert.Equal(t, 0.0, ev.Band)
	assert.Equal(t, "task 1: boom", ev.Error)
}
