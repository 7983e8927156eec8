package evaluate

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/zpandasoft/deer-flow/internal/llm"
	"github.com/zpandasoft/deer-flow/pkg/models"
)

const sufficiencyPrompt = `You judge whether gathered research is enough to answer a need.

Need:
%s

Gathered information:
%s

Reply with JSON only:
{"level": "SUFFICIENT|LARGELY_SUFFICIENT|PARTIALLY_SUFFICIENT|INSUFFICIENT",
 "score": <0-100>, "gaps": ["..."], "recommendations": ["..."]}`

const completionPrompt = `You review work produced for a %s and score how completely it meets its goal.

Goal:
%s

Produced output:
%s

Reply with JSON only:
{"score": <0-100>, "gaps": ["what is missing"], "recommendations": ["how to fix it"]}`

// LLMEvaluator asks a language model to grade a subject.
type LLMEvaluator struct {
	llm llm.Invoker
}

// NewLLMEvaluator creates an evaluator backed by inv.
func NewLLMEvaluator(inv llm.Invoker) *LLMEvaluator {
	return &LLMEvaluator{llm: inv}
}

// Evaluate sends the grading prompt and parses the JSON verdict.
func (e *LLMEvaluator) Evaluate(ctx context.Context, req Request) (models.EvaluationResult, error) {
	var prompt string
	switch req.Kind {
	case KindSufficiency:
		prompt = fmt.Sprintf(sufficiencyPrompt, req.Criteria, req.Subject)
	default:
		unit := "unit"
		if req.UnitType != "" {
			unit = string(req.UnitType)
		}
		prompt = fmt.Sprintf(completionPrompt, unit, req.Criteria, req.Subject)
	}

	reply, err := e.llm.Invoke(ctx, prompt)
	if err != nil {
		return models.EvaluationResult{}, err
	}
	return ParseResult(reply)
}

// ParseResult extracts an EvaluationResult from a model reply. A missing
// level is derived from the score.
func ParseResult(reply string) (models.EvaluationResult, error) {
	raw, err := llm.ExtractJSON(reply)
	if err != nil {
		return models.EvaluationResult{}, fmt.Errorf("parse evaluation: %w", err)
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return models.EvaluationResult{}, fmt.Errorf("parse evaluation: expected JSON object")
	}

	res := models.EvaluationResult{
		Score:           int(doc.Get("score").Int()),
		Gaps:            llm.StringList(doc, "gaps"),
		Recommendations: llm.StringList(doc, "recommendations"),
	}
	if lvl := doc.Get("level"); lvl.Exists() {
		res.Level = models.ParseSufficiencyLevel(lvl.String())
	} else {
		res.Level = LevelForScore(res.Score)
	}
	return res, nil
}

// LevelForScore maps a 0-100 score to a sufficiency level.
func LevelForScore(score int) models.SufficiencyLevel {
	switch {
	case score >= 90:
		return models.Sufficient
	case score >= 75:
		return models.LargelySufficient
	case score >= 40:
		return models.PartiallySufficient
	default:
		return models.Insufficient
	}
}
