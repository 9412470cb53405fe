package observe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// GenerationRecord is written to <dir>/<trace>/generation.json.
type GenerationRecord struct {
	Generation
	StartedAt time.Time `json:"started_at"`
}

// OutcomeRecord is written to <dir>/<trace>/outcome.json.
type OutcomeRecord struct {
	TraceID        string    `json:"trace_id"`
	Output         string    `json:"output,omitempty"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostUSD        float64   `json:"cost_usd"`
	DurationMillis int64     `json:"duration_ms"`
	VoiceScore     int       `json:"voice_score"`
	Violations     any       `json:"violations,omitempty"`
	Error          string    `json:"error,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}

// ScoreRecord is written to <dir>/<trace>/scores/<name>.json.
type ScoreRecord struct {
	TraceID   string    `json:"trace_id"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EvidenceSink writes one JSON bundle per trace to disk so a request can
// be audited after the fact.
type EvidenceSink struct {
	baseDir string
	now     func() time.Time
}

// NewEvidenceSink creates a sink rooted at baseDir.
func NewEvidenceSink(baseDir string) (*EvidenceSink, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, err
	}
	return &EvidenceSink{baseDir: baseDir, now: time.Now}, nil
}

// TraceDir returns the directory holding a trace's records.
func (s *EvidenceSink) TraceDir(traceID string) string {
	return filepath.Join(s.baseDir, unsafeName.ReplaceAllString(traceID, "_"))
}

type evidenceTrace struct {
	sink *EvidenceSink
	id   string
}

func (s *EvidenceSink) StartTrace(_ context.Context, gen Generation) (Trace, error) {
	gen = EnsureID(gen)
	dir := s.TraceDir(gen.TraceID)
	if err := os.MkdirAll(filepath.Join(dir, "scores"), 0700); err != nil {
		return nil, err
	}
	record := GenerationRecord{Generation: gen, StartedAt: s.now().UTC()}
	if err := writeJSON(filepath.Join(dir, "generation.json"), record); err != nil {
		return nil, err
	}
	return &evidenceTrace{sink: s, id: gen.TraceID}, nil
}

func (t *evidenceTrace) ID() string { return t.id }

func (t *evidenceTrace) End(_ context.Context, out Outcome) error {
	record := OutcomeRecord{
		TraceID:        t.id,
		Output:         out.Output,
		InputTokens:    out.Usage.InputTokens,
		OutputTokens:   out.Usage.OutputTokens,
		CostUSD:        out.Cost,
		DurationMillis: out.Latency.Milliseconds(),
		VoiceScore:     out.VoiceScore,
		FinishedAt:     t.sink.now().UTC(),
	}
	if len(out.Violations) > 0 {
		record.Violations = out.Violations
	}
	if out.Err != nil {
		record.Error = out.Err.Error()
	}
	return writeJSON(filepath.Join(t.sink.TraceDir(t.id), "outcome.json"), record)
}

func (s *EvidenceSink) SubmitScore(_ context.Context, traceID, name string, value float64, comment string) error {
	if traceID == "" || name == "" {
		return fmt.Errorf("trace ID and score name are required")
	}
	dir := filepath.Join(s.TraceDir(traceID), "scores")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	record := ScoreRecord{TraceID: traceID, Name: name, Value: value, Comment: comment, Timestamp: s.now().UTC()}
	path := filepath.Join(dir, unsafeName.ReplaceAllString(name, "_")+".json")
	return writeJSON(path, record)
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
