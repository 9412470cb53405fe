package tier

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Spec describes one tier: which model serves it, how much it may produce,
// and what it costs.
type Spec struct {
	Tier              Tier          `yaml:"-" json:"tier"`
	Provider          string        `yaml:"provider" json:"provider"`
	Model             string        `yaml:"model" json:"model"`
	MaxTokens         int           `yaml:"max_tokens" json:"max_tokens"`
	TargetP95         time.Duration `yaml:"target_p95" json:"target_p95"`
	CallTimeout       time.Duration `yaml:"call_timeout" json:"call_timeout"`
	InputCostPerMTok  float64       `yaml:"input_cost_per_mtok" json:"input_cost_per_mtok"`
	OutputCostPerMTok float64       `yaml:"output_cost_per_mtok" json:"output_cost_per_mtok"`
	// MaxComplexity is the highest complexity score this tier handles
	// before the router steps up. Zero for CREATIVE.
	MaxComplexity int `yaml:"max_complexity" json:"max_complexity"`
}

// Cost returns the USD cost of a call with the given token counts.
func (s Spec) Cost(inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*s.InputCostPerMTok + float64(outputTokens)*s.OutputCostPerMTok) / 1_000_000
}

// Catalog is the process-wide tier table. It is read-only once built.
type Catalog struct {
	specs   map[Tier]Spec
	intents map[string]Tier
	aliases map[string]string
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return &Catalog{
		specs: map[Tier]Spec{
			Fast: {
				Tier:              Fast,
				Provider:          "anthropic",
				Model:             "claude-haiku-4-5-20251001",
				MaxTokens:         1024,
				TargetP95:         500 * time.Millisecond,
				CallTimeout:       20 * time.Second,
				InputCostPerMTok:  1,
				OutputCostPerMTok: 5,
				MaxComplexity:     6,
			},
			Smart: {
				Tier:              Smart,
				Provider:          "anthropic",
				Model:             "claude-sonnet-4-5-20250929",
				MaxTokens:         2048,
				TargetP95:         2 * time.Second,
				CallTimeout:       60 * time.Second,
				InputCostPerMTok:  3,
				OutputCostPerMTok: 15,
				MaxComplexity:     9,
			},
			Deep: {
				Tier:              Deep,
				Provider:          "anthropic",
				Model:             "claude-opus-4-5-20251101",
				MaxTokens:         4096,
				TargetP95:         8 * time.Second,
				CallTimeout:       120 * time.Second,
				InputCostPerMTok:  15,
				OutputCostPerMTok: 75,
				MaxComplexity:     10,
			},
			Creative: {
				Tier:        Creative,
				Provider:    "google",
				Model:       "imagen-3.0-generate-002",
				MaxTokens:   256,
				TargetP95:   3 * time.Second,
				CallTimeout: 10 * time.Second,
			},
		},
		intents: map[string]Tier{
			"EXECUTION": Fast,
			"COACHING":  Smart,
			"PLANNING":  Deep,
			"CREATION":  Creative,
		},
		aliases: map[string]string{
			"haiku":  "claude-haiku-4-5-20251001",
			"sonnet": "claude-sonnet-4-5-20250929",
			"opus":   "claude-opus-4-5-20251101",
			"imagen": "imagen-3.0-generate-002",
			"gemini": "gemini-2.5-flash",
		},
	}
}

// fileCatalog is the on-disk override shape (tiers.yaml).
type fileCatalog struct {
	Tiers   map[string]Spec   `yaml:"tiers"`
	Intents map[string]string `yaml:"intents"`
	Aliases map[string]string `yaml:"aliases"`
}

// Load reads tier overrides from a YAML file and applies them on top of the
// default catalog. Fields left zero in the file keep their default values.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog is Load without the file read.
func ParseCatalog(data []byte) (*Catalog, error) {
	var fc fileCatalog
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse tier catalog: %w", err)
	}

	c := Default()
	for k, v := range fc.Aliases {
		c.aliases[k] = v
	}
	for name, override := range fc.Tiers {
		t, err := Parse(name)
		if err != nil {
			return nil, fmt.Errorf("tier catalog: %w", err)
		}
		c.specs[t] = merge(c.specs[t], override)
	}
	for intent, name := range fc.Intents {
		t, err := Parse(name)
		if err != nil {
			return nil, fmt.Errorf("tier catalog intent %q: %w", intent, err)
		}
		c.intents[intent] = t
	}
	for t, spec := range c.specs {
		spec.Model = c.Resolve(spec.Model)
		c.specs[t] = spec
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func merge(base, over Spec) Spec {
	if over.Provider != "" {
		base.Provider = over.Provider
	}
	if over.Model != "" {
		base.Model = over.Model
	}
	if over.MaxTokens != 0 {
		base.MaxTokens = over.MaxTokens
	}
	if over.TargetP95 != 0 {
		base.TargetP95 = over.TargetP95
	}
	if over.CallTimeout != 0 {
		base.CallTimeout = over.CallTimeout
	}
	if over.InputCostPerMTok != 0 {
		base.InputCostPerMTok = over.InputCostPerMTok
	}
	if over.OutputCostPerMTok != 0 {
		base.OutputCostPerMTok = over.OutputCostPerMTok
	}
	if over.MaxComplexity != 0 {
		base.MaxComplexity = over.MaxComplexity
	}
	return base
}

// Validate checks the complexity bands are strictly increasing and end at 10.
func (c *Catalog) Validate() error {
	prev := 0
	for _, t := range []Tier{Fast, Smart, Deep} {
		spec := c.specs[t]
		if spec.MaxComplexity <= prev {
			return fmt.Errorf("tier %s: max_complexity %d must exceed %d", t, spec.MaxComplexity, prev)
		}
		if spec.MaxTokens <= 0 {
			return fmt.Errorf("tier %s: max_tokens must be positive", t)
		}
		prev = spec.MaxComplexity
	}
	if prev != 10 {
		return fmt.Errorf("tier DEEP: max_complexity must be 10, got %d", prev)
	}
	return nil
}

// Spec returns the spec for t. Unknown tiers return a zero Spec.
func (c *Catalog) Spec(t Tier) Spec {
	return c.specs[t]
}

// Specs returns all specs in tier order.
func (c *Catalog) Specs() []Spec {
	out := make([]Spec, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
	return out
}

// BaseTier returns the default tier for an intent name.
func (c *Catalog) BaseTier(intent string) (Tier, bool) {
	t, ok := c.intents[intent]
	return t, ok
}

// Resolve returns the canonical model id for an alias, or the input unchanged.
func (c *Catalog) Resolve(modelOrAlias string) string {
	if canonical, ok := c.aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// Providers returns the distinct provider names the catalog references.
func (c *Catalog) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, spec := range c.Specs() {
		if spec.Provider != "" && !seen[spec.Provider] {
			seen[spec.Provider] = true
			out = append(out, spec.Provider)
		}
	}
	return out
}
