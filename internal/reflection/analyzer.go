// Package reflection analyzes free-form user reflections into themes and a
// sentiment score. The LLM analyzer is used when a model is configured; the
// heuristic analyzer keeps the pipeline working offline.
package reflection

import (
	"context"
	"encoding/json"
	"strings"

	"forest/internal/generate"
	"forest/internal/logging"
	"forest/internal/store"
	"forest/internal/types"
)

// Analysis is the processed form of one reflection.
type Analysis struct {
	Themes         []string `json:"themes"`
	SentimentScore float64  `json:"sentiment_score"` // -1..1
	Insight        string   `json:"insight,omitempty"`
}

// Analyzer turns reflection text plus related memories into an Analysis.
type Analyzer interface {
	Analyze(ctx context.Context, text string, related []store.ScoredMemory) (Analysis, error)
}

// LLMAnalyzer asks the model for themes, sentiment, and a short insight.
type LLMAnalyzer struct {
	client generate.LLMClient
}

// NewLLMAnalyzer wraps the client.
func NewLLMAnalyzer(client generate.LLMClient) *LLMAnalyzer {
	return &LLMAnalyzer{client: client}
}

const analyzeSystemPrompt = `You analyze a user's journal reflection in the
context of their past reflections. Respond with JSON only:
{"themes":["..."],"sentiment_score":<-1..1>,"insight":"one short supportive sentence"}`

// Analyze sends the reflection and related memories to the model.
func (a *LLMAnalyzer) Analyze(ctx context.Context, text string, related []store.ScoredMemory) (Analysis, error) {
	if strings.TrimSpace(text) == "" {
		return Analysis{}, types.NewValidationError("empty reflection text")
	}

	var sb strings.Builder
	sb.WriteString("Reflection: ")
	sb.WriteString(text)
	if len(related) > 0 {
		sb.WriteString("\nPast related reflections:")
		for _, m := range related {
			sb.WriteString("\n- ")
			sb.WriteString(m.Content)
		}
	}

	raw, err := a.client.Complete(ctx, analyzeSystemPrompt, sb.String())
	if err != nil {
		return Analysis{}, err
	}

	var analysis Analysis
	cleaned := stripFences(raw)
	if err := json.Unmarshal([]byte(cleaned), &analysis); err != nil {
		logging.OrchestratorDebug("reflection analysis JSON malformed, falling back to heuristic: %v", err)
		return heuristicAnalyze(text), nil
	}
	analysis.SentimentScore = clampSentiment(analysis.SentimentScore)
	return analysis, nil
}

// HeuristicAnalyzer scores sentiment from a small lexicon; no external calls.
type HeuristicAnalyzer struct{}

// NewHeuristicAnalyzer creates the offline analyzer.
func NewHeuristicAnalyzer() *HeuristicAnalyzer {
	return &HeuristicAnalyzer{}
}

// Analyze implements Analyzer.
func (a *HeuristicAnalyzer) Analyze(_ context.Context, text string, _ []store.ScoredMemory) (Analysis, error) {
	if strings.TrimSpace(text) == "" {
		return Analysis{}, types.NewValidationError("empty reflection text")
	}
	return heuristicAnalyze(text), nil
}

var positiveWords = map[string]bool{
	"good": true, "great": true, "strong": true, "proud": true, "happy": true,
	"energized": true, "energizing": true, "progress": true, "better": true,
	"easy": true, "easier": true, "confident": true, "motivated": true,
}

var negativeWords = map[string]bool{
	"bad": true, "hard": true, "tired": true, "pain": true, "hurt": true,
	"stuck": true, "worse": true, "frustrated": true, "anxious": true,
	"skipped": true, "failed": true, "overwhelmed": true,
}

func heuristicAnalyze(text string) Analysis {
	pos, neg := 0, 0
	var themes []string
	seen := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()")
		switch {
		case positiveWords[tok]:
			pos++
		case negativeWords[tok]:
			neg++
		default:
			continue
		}
		if !seen[tok] && len(themes) < 5 {
			seen[tok] = true
			themes = append(themes, tok)
		}
	}

	score := 0.0
	if pos+neg > 0 {
		score = float64(pos-neg) / float64(pos+neg)
	}
	return Analysis{
		Themes:         themes,
		SentimentScore: clampSentiment(score),
	}
}

func clampSentiment(v float64) float64 {
	if v < -1 {
		return -1
	}
	if v > 1 {
		return 1
	}
	return v
}

func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}
	return strings.TrimSpace(text)
}
