package voice

import (
	"fmt"
	"math"
	"sort"
)

// DefaultPassThreshold is the score a text needs to count as compliant.
const DefaultPassThreshold = 70

// Evaluation is the audit of a single text.
type Evaluation struct {
	Score      int         `json:"score"`
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations"`
	Summary    string      `json:"summary"`
}

// TermCount counts how often a violation term appeared across a batch.
type TermCount struct {
	Term  string `json:"term"`
	Count int    `json:"count"`
}

// Report aggregates evaluations over a batch of texts.
type Report struct {
	Total            int              `json:"total"`
	Passed           int              `json:"passed"`
	Failed           int              `json:"failed"`
	AverageScore     float64          `json:"average_score"`
	ByCategory       map[Category]int `json:"by_category"`
	CommonViolations []TermCount      `json:"common_violations"`
	Results          []Evaluation     `json:"results"`
}

// Evaluate audits one text against a pass threshold.
func (e *Enforcer) Evaluate(text string, threshold int) Evaluation {
	violations := e.Audit(text)
	score := Score(violations)
	return Evaluation{
		Score:      score,
		Passed:     score >= threshold,
		Violations: violations,
		Summary:    summarize(score, len(violations)),
	}
}

func summarize(score, count int) string {
	switch {
	case score >= 90:
		return "Excellent voice compliance."
	case score >= 70:
		return fmt.Sprintf("Acceptable voice compliance with %d minor issue(s).", count)
	case score >= 50:
		return fmt.Sprintf("Voice needs work. %d violation(s) detected.", count)
	default:
		return fmt.Sprintf("Poor voice compliance. Major revision needed. %d violation(s).", count)
	}
}

// Compliance evaluates a batch of texts. The ten most frequent violation
// terms are reported in CommonViolations.
func (e *Enforcer) Compliance(texts []string, threshold int) Report {
	report := Report{
		Total:      len(texts),
		ByCategory: make(map[Category]int),
	}
	if len(texts) == 0 {
		return report
	}

	counts := make(map[string]int)
	sum := 0
	for _, text := range texts {
		ev := e.Evaluate(text, threshold)
		report.Results = append(report.Results, ev)
		sum += ev.Score
		if ev.Passed {
			report.Passed++
		}
		for _, v := range ev.Violations {
			report.ByCategory[v.Category]++
			counts[v.Term]++
		}
	}
	report.Failed = report.Total - report.Passed
	report.AverageScore = math.Round(float64(sum)/float64(report.Total)*10) / 10

	for term, n := range counts {
		report.CommonViolations = append(report.CommonViolations, TermCount{Term: term, Count: n})
	}
	sort.Slice(report.CommonViolations, func(i, j int) bool {
		a, b := report.CommonViolations[i], report.CommonViolations[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Term < b.Term
	})
	if len(report.CommonViolations) > 10 {
		report.CommonViolations = report.CommonViolations[:10]
	}
	return report
}
