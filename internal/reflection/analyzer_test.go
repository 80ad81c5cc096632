package reflection

import (
	"context"
	"testing"

	"forest/internal/store"
	"forest/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	response string
	err      error
	lastUser string
}

func (f *fakeLLM) Complete(_ context.Context, _, userPrompt string) (string, error) {
	f.lastUser = userPrompt
	return f.response, f.err
}

func TestHeuristicAnalyzerSentiment(t *testing.T) {
	a := NewHeuristicAnalyzer()
	ctx := context.Background()

	analysis, err := a.Analyze(ctx, "the run felt great and I am proud of my progress", nil)
	require.NoError(t, err)
	assert.Greater(t, analysis.SentimentScore, 0.0)
	assert.Contains(t, analysis.Themes, "great")

	analysis, err = a.Analyze(ctx, "tired and frustrated, knee pain again", nil)
	require.NoError(t, err)
	assert.Less(t, analysis.SentimentScore, 0.0)

	analysis, err = a.Analyze(ctx, "went to the store on tuesday", nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, analysis.SentimentScore, "neutral text scores zero")
	assert.Empty(t, analysis.Themes)
}

func TestHeuristicAnalyzerRejectsEmpty(t *testing.T) {
	a := NewHeuristicAnalyzer()
	_, err := a.Analyze(context.Background(), "   ", nil)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))
}

func TestLLMAnalyzerParsesResponse(t *testing.T) {
	llm := &fakeLLM{response: `{"themes":["consistency"],"sentiment_score":0.6,"insight":"You are building a habit."}`}
	a := NewLLMAnalyzer(llm)

	related := []store.ScoredMemory{
		{Memory: store.Memory{Content: "ran yesterday too"}, Similarity: 0.8},
	}
	analysis, err := a.Analyze(context.Background(), "ran again today", related)
	require.NoError(t, err)
	assert.Equal(t, []string{"consistency"}, analysis.Themes)
	assert.Equal(t, 0.6, analysis.SentimentScore)
	assert.Equal(t, "You are building a habit.", analysis.Insight)
	assert.Contains(t, llm.lastUser, "ran yesterday too", "related memories feed the prompt")
}

func TestLLMAnalyzerClampsSentiment(t *testing.T) {
	llm := &fakeLLM{response: `{"themes":[],"sentiment_score":7.5}`}
	a := NewLLMAnalyzer(llm)

	analysis, err := a.Analyze(context.Background(), "amazing", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, analysis.SentimentScore)
}

func TestLLMAnalyzerFallsBackOnMalformedJSON(t *testing.T) {
	llm := &fakeLLM{response: "I think you did well!"}
	a := NewLLMAnalyzer(llm)

	analysis, err := a.Analyze(context.Background(), "the run felt great", nil)
	require.NoError(t, err, "malformed model output degrades to the heuristic")
	assert.Greater(t, analysis.SentimentScore, 0.0)
}

func TestLLMAnalyzerPropagatesClientError(t *testing.T) {
	llm := &fakeLLM{err: types.NewServiceUnavailableError("gemini", assert.AnError)}
	a := NewLLMAnalyzer(llm)

	_, err := a.Analyze(context.Background(), "ran today", nil)
	require.Error(t, err)
	assert.True(t, types.IsServiceUnavailable(err))
}
