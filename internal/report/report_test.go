package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/mockexam/internal/grading"
	"github.com/pavelanni/mockexam/internal/model"
)

func testView() model.AttemptView {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	key := []grading.AnswerKeyEntry{
		{ExpectedAnswer: "b", Skill: "Grammar", Points: 1},
		{ExpectedAnswer: "paris", Skill: "Reading", Points: 2},
		{ExpectedAnswer: "c", Skill: "Grammar", Points: 1},
	}
	gr := grading.Grade([]string{"B", "Paris", "a"}, key)

	return model.AttemptView{
		Attempt: model.Attempt{ID: 1, Token: "tok-1", Status: model.StatusFinished, StartedAt: now, FinishedAt: &now, OverallBand: 6.5},
		Student: model.Student{FullName: "Nguyễn Thị Đào", Email: "dao@example.com", TargetBand: 7},
		Class:   &model.Class{Name: "IELTS Evening"},
		Sections: map[model.Stage]*model.SectionResult{
			model.StageGrammarReading: {Stage: model.StageGrammarReading, SubmittedAt: &now, Grading: &gr, Band: 7},
			model.StageWriting: {Stage: model.StageWriting, SubmittedAt: &now, Late: true, Band: 6, Evaluation: &model.Evaluation{
				Criteria: map[string]float64{"task_response": 6, "lexical_resource": 6.5},
				Feedback: "Develop your main ideas.",
			}},
			model.StageSpeaking: {Stage: model.StageSpeaking, Evaluation: &model.Evaluation{Error: "timeout"}},
		},
	}
}

func TestBuild(t *testing.T) {
	r := Build(testView(), "Sunrise English")

	assert.Equal(t, "IELTS Evening", r.ClassName)
	assert.Equal(t, 6.5, r.Overall)
	require.Len(t, r.Sections, 3)

	gr := r.Sections[0]
	assert.Equal(t, model.StageGrammarReading, gr.Stage)
	assert.True(t, gr.Objective())
	assert.Equal(t, 2, gr.Correct)
	assert.Equal(t, 3, gr.Questions)
	assert.InDelta(t, 75, gr.Percent, 0.001)
	require.Len(t, gr.Skills, 2)
	assert.Equal(t, "Grammar", gr.Skills[0].Skill)
	assert.InDelta(t, 50, gr.Skills[0].Percent, 0.001)
	require.Len(t, gr.WrongAnswers, 1)
	assert.Equal(t, 3, gr.WrongAnswers[0].QuestionNumber)

	wr := r.Sections[1]
	assert.Equal(t, "Writing", wr.Title)
	assert.True(t, wr.Late)
	require.Len(t, wr.Criteria, 2)
	assert.Equal(t, "Lexical Resource", wr.Criteria[0].Title)

	sp := r.Sections[2]
	assert.False(t, sp.Submitted)
	assert.Equal(t, "timeout", sp.Error)
}

func TestSubjectAndFilename(t *testing.T) {
	r := Build(testView(), "Sunrise English")
	assert.Equal(t, "Sunrise English mock exam result: Nguyễn Thị Đào, overall band 6.5", r.Subject())
	assert.Equal(t, "mock-exam-tok-1.pdf", r.Filename())
}

func TestFormatBand(t *testing.T) {
	assert.Equal(t, "-", FormatBand(0))
	assert.Equal(t, "7.0", FormatBand(7))
	assert.Equal(t, "6.5", FormatBand(6.5))
}

func TestRenderHTML(t *testing.T) {
	r := Build(testView(), "Sunrise English")
	r.Sections[0].WrongAnswers[0].UserAnswer = "<script>alert(1)</script>"

	html, err := RenderHTML(r)
	require.NoError(t, err)
	assert.Contains(t, html, "Nguyễn Thị Đào")
	assert.Contains(t, html, "Target 7.0")
	assert.Contains(t, html, "2 of 3 correct, 3 of 4 points (75%)")
	assert.Contains(t, html, "Develop your main ideas.")
	assert.Contains(t, html, "(late)")
	assert.NotContains(t, html, "<script>")
}

func TestRenderText(t *testing.T) {
	text := RenderText(Build(testView(), "Sunrise English"))
	assert.Contains(t, text, "Overall band: 6.5")
	assert.Contains(t, text, "== Writing: band 6.0 (submitted late)")
	assert.Contains(t, text, `Q3 [Grammar] your answer "a", correct "c"`)
	assert.Contains(t, text, "your teacher will review this section")
}

func TestWritePDF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePDF(&buf, Build(testView(), "Sunrise English")))
	assert.True(t, strings.HasPrefix(buf.String(), "%PDF-"))
	assert.Greater(t, buf.Len(), 1000)
}

func TestFold(t *testing.T) {
	assert.Equal(t, "Nguyen Thi Dao", fold("Nguyễn Thị Đào"))
	assert.Equal(t, "plain", fold("plain"))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short", 10))
	assert.Equal(t, "abc~", clip("abcdefgh", 4))
}
