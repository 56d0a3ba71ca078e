package grading

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradeMixedKey(t *testing.T) {
	key := []AnswerKeyEntry{
		{ExpectedAnswer: "b", Skill: "Grammar", Points: 1},
		{ExpectedAnswer: "paris", Skill: "Reading", Points: 2},
		{ExpectedAnswer: "", Skill: "Grammar", Points: 1},
	}
	res := Grade([]string{"B", "Paris", "x"}, key)

	assert.Equal(t, 2, res.CorrectCount)
	assert.Equal(t, 3.0, res.TotalScore)
	assert.Equal(t, 3.0, res.MaxScore)
	assert.Equal(t, 2, res.TotalQuestions)
	assert.Empty(t, res.WrongAnswers)
	assert.Equal(t, map[string]SkillStat{
		"Grammar": {Correct: 1, TotalPoint: 1, Max: 1, QuestionCount: 1},
		"Reading": {Correct: 1, TotalPoint: 2, Max: 2, QuestionCount: 1},
	}, res.SkillStats)
}

func TestGradeLetterWrong(t *testing.T) {
	res := Grade([]string{"c"}, []AnswerKeyEntry{{ExpectedAnswer: "a/b", Skill: "MC", Points: 1}})

	assert.Equal(t, 0, res.CorrectCount)
	require.Len(t, res.WrongAnswers, 1)
	assert.Equal(t, WrongAnswer{QuestionNumber: 1, CorrectAnswer: "a/b", UserAnswer: "c", Skill: "MC"}, res.WrongAnswers[0])
}

func TestLetterMode(t *testing.T) {
	key := []AnswerKeyEntry{{ExpectedAnswer: "b", Skill: "Grammar", Points: 1}}
	tests := []struct {
		response string
		correct  bool
	}{
		{"B", true},
		{"b", true},
		{"b) answer text", true},
		{"  B. some text ", true},
		{"ab", false},
		{"c", false},
		{"", false},
		{"   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.response, func(t *testing.T) {
			res := Grade([]string{tt.response}, key)
			assert.Equal(t, tt.correct, res.CorrectCount == 1)
		})
	}
}

func TestFreeTextMode(t *testing.T) {
	key := []AnswerKeyEntry{{ExpectedAnswer: "paris, France's capital", Skill: "Reading", Points: 1}}
	tests := []struct {
		response string
		correct  bool
	}{
		{"Paris", true},
		{"  PARIS  ", true},
		{"france's capital", true},
		{"pari", false},
		{"paris france", false},
		{"p", false},
	}
	for _, tt := range tests {
		t.Run(tt.response, func(t *testing.T) {
			res := Grade([]string{tt.response}, key)
			assert.Equal(t, tt.correct, res.CorrectCount == 1)
		})
	}
}

func TestMixedOptionsAreFreeText(t *testing.T) {
	// "a" alongside a word disables letter mode, so "a) x" must match exactly.
	key := []AnswerKeyEntry{{ExpectedAnswer: "a / true", Skill: "Reading"}}
	assert.Equal(t, 0, Grade([]string{"a) x"}, key).CorrectCount)
	assert.Equal(t, 1, Grade([]string{"A"}, key).CorrectCount)
	assert.Equal(t, 1, Grade([]string{"True"}, key).CorrectCount)
}

func TestDefaults(t *testing.T) {
	res := Grade([]string{"yes", "no"}, []AnswerKeyEntry{
		{ExpectedAnswer: "yes"},
		{ExpectedAnswer: "yes", Skill: "  ", Points: -3},
	})

	assert.Equal(t, 1.0, res.TotalScore)
	assert.Equal(t, 2.0, res.MaxScore)
	require.Contains(t, res.SkillStats, UnknownSkill)
	assert.Equal(t, SkillStat{Correct: 1, TotalPoint: 1, Max: 2, QuestionCount: 2}, res.SkillStats[UnknownSkill])
	require.Len(t, res.WrongAnswers, 1)
	assert.Equal(t, UnknownSkill, res.WrongAnswers[0].Skill)
}

func TestBlankEntryExcludedFromTotals(t *testing.T) {
	key := []AnswerKeyEntry{
		{ExpectedAnswer: "a", Skill: "Grammar"},
		{ExpectedAnswer: " , / ", Skill: "Grammar"},
		{ExpectedAnswer: "c", Skill: "Grammar"},
	}
	res := Grade([]string{"a", "anything", "d"}, key)

	assert.Equal(t, 2, res.TotalQuestions)
	require.Len(t, res.WrongAnswers, 1)
	assert.Equal(t, 3, res.WrongAnswers[0].QuestionNumber)
}

func TestLengthMismatch(t *testing.T) {
	key := []AnswerKeyEntry{{ExpectedAnswer: "a"}, {ExpectedAnswer: "b"}, {ExpectedAnswer: "c"}}

	res := Grade([]string{"a"}, key)
	assert.Equal(t, 1, res.TotalQuestions)

	res = Grade([]string{"a", "b", "c", "d", "e"}, key[:2])
	assert.Equal(t, 2, res.TotalQuestions)
	assert.Equal(t, 2, res.CorrectCount)

	res = Grade(nil, nil)
	assert.Equal(t, 0, res.TotalQuestions)
	assert.Equal(t, 0.0, res.Percent())
	assert.NotNil(t, res.SkillStats)
	assert.NotNil(t, res.WrongAnswers)
}

func TestAccountingInvariants(t *testing.T) {
	key := []AnswerKeyEntry{
		{ExpectedAnswer: "a", Skill: "Grammar", Points: 1},
		{ExpectedAnswer: "b/c", Skill: "Grammar", Points: 1.5},
		{ExpectedAnswer: "", Skill: "Reading", Points: 4},
		{ExpectedAnswer: "true, yes", Skill: "Reading", Points: 2},
		{ExpectedAnswer: "cathedral", Skill: "Reading"},
		{ExpectedAnswer: "d", Points: 3},
	}
	responseSets := [][]string{
		{"a", "c", "", "yes", "Cathedral", "d"},
		{"b", "a", "x", "no", "", "e"},
		{"a", "b"},
		{},
	}
	for _, responses := range responseSets {
		res := Grade(responses, key)

		var sumMax, sumPoints float64
		for _, s := range res.SkillStats {
			sumMax += s.Max
			sumPoints += s.TotalPoint
		}
		assert.InDelta(t, res.MaxScore, sumMax, 1e-9)
		assert.InDelta(t, res.TotalScore, sumPoints, 1e-9)
		assert.Equal(t, res.TotalQuestions, res.CorrectCount+len(res.WrongAnswers))
	}
}

func TestWrongAnswersInQuestionOrder(t *testing.T) {
	key := []AnswerKeyEntry{{ExpectedAnswer: "a"}, {ExpectedAnswer: "b"}, {ExpectedAnswer: "c"}}
	res := Grade([]string{"x", "b", "y"}, key)

	require.Len(t, res.WrongAnswers, 2)
	assert.Equal(t, 1, res.WrongAnswers[0].QuestionNumber)
	assert.Equal(t, "x", res.WrongAnswers[0].UserAnswer)
	assert.Equal(t, 3, res.WrongAnswers[1].QuestionNumber)
}

func TestPercentAndSkills(t *testing.T) {
	res := Grade([]string{"a", "x"}, []AnswerKeyEntry{
		{ExpectedAnswer: "a", Skill: "Reading", Points: 3},
		{ExpectedAnswer: "b", Skill: "Grammar", Points: 1},
	})
	assert.InDelta(t, 75.0, res.Percent(), 1e-9)
	assert.Equal(t, []string{"Grammar", "Reading"}, res.Skills())
}

func TestIsLetterMode(t *testing.T) {
	assert.True(t, IsLetterMode([]string{"a", "e"}))
	assert.False(t, IsLetterMode([]string{"a", "f"}))
	assert.False(t, IsLetterMode([]string{"ab"}))
	assert.False(t, IsLetterMode(nil))
}
