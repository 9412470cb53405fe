// Package assess runs the structured side calls that sit next to the
// chat path: daily readiness scoring and content classification.
package assess

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/zen-systems/coachgate/pkg/adapter"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultMaxTokens = 500
)

// Error reports a failed call or an answer outside the schema.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// caller holds what every structured call shares.
type caller struct {
	provider  adapter.StructuredCompleter
	model     string
	maxTokens int
	timeout   time.Duration
	logger    zerolog.Logger
}

// Option configures an assessor.
type Option func(*caller)

// WithTimeout sets the per-call deadline (default 15s).
func WithTimeout(d time.Duration) Option {
	return func(c *caller) {
		c.timeout = d
	}
}

// WithMaxTokens caps the response size (default 500).
func WithMaxTokens(n int) Option {
	return func(c *caller) {
		c.maxTokens = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *caller) {
		c.logger = logger
	}
}

func newCaller(provider adapter.StructuredCompleter, model string, opts []Option) caller {
	c := caller{
		provider:  provider,
		model:     model,
		maxTokens: defaultMaxTokens,
		timeout:   defaultTimeout,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

func (c caller) call(ctx context.Context, op, system, prompt string, schema adapter.Schema) (gjson.Result, error) {
	if c.provider == nil {
		return gjson.Result{}, &Error{Op: op, Err: fmt.Errorf("no provider configured")}
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := c.provider.CompleteStructured(ctx, adapter.StructuredRequest{
		Model:     c.model,
		System:    system,
		Prompt:    prompt,
		Schema:    schema,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return gjson.Result{}, &Error{Op: op, Err: err}
	}

	content := strings.TrimSpace(string(raw))
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if !gjson.Valid(content) {
		c.logger.Warn().Str("op", op).Msg("structured output is not JSON")
		return gjson.Result{}, &Error{Op: op, Err: fmt.Errorf("invalid JSON")}
	}

	c.logger.Debug().Str("op", op).Str("model", c.model).Dur("latency", time.Since(start)).Msg("structured call")
	return gjson.Parse(content), nil
}

// score reads an integer field in [1, 10], rounding model floats.
func score(doc gjson.Result, path string) (int, error) {
	v := doc.Get(path)
	if v.Type != gjson.Number {
		return 0, fmt.Errorf("missing %s", path)
	}
	n := int(math.Round(v.Float()))
	if n < 1 || n > 10 {
		return 0, fmt.Errorf("%s %v out of range 1-10", path, v.Float())
	}
	return n, nil
}

func oneOf[T ~string](doc gjson.Result, path string, allowed ...T) (T, error) {
	got := strings.ToLower(strings.TrimSpace(doc.Get(path).String()))
	for _, a := range allowed {
		if string(a) == got {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown %s %q", path, got)
}
