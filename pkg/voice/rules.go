package voice

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rules is the data-driven rule set behind an Enforcer.
type Rules struct {
	Lexical         []LexicalRule `yaml:"lexical"`
	Phrases         []PhraseRule  `yaml:"phrases"`
	Fillers         []string      `yaml:"fillers"`
	MaxExclamations int           `yaml:"max_exclamations"`
	Audit           []AuditRule   `yaml:"audit"`
}

// LexicalRule replaces a whole word or phrase, case-insensitively. An empty
// Replacement deletes the term.
type LexicalRule struct {
	Term        string `yaml:"term"`
	Replacement string `yaml:"replacement"`
}

// PhraseRule is an ordered regular-expression rewrite. Patterns are matched
// case-insensitively.
type PhraseRule struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// AuditRule lists terms that produce a violation of one category.
type AuditRule struct {
	Category Category `yaml:"category"`
	Severity Severity `yaml:"severity"`
	Terms    []string `yaml:"terms"`
}

// DefaultRules returns the embedded rule set.
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads a rule set from a YAML file.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRules(data)
}

// ParseRules decodes a YAML rule set.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse voice rules: %w", err)
	}
	if r.MaxExclamations == 0 {
		r.MaxExclamations = 2
	}
	return &r, nil
}

// termPattern builds a case-insensitive whole-term matcher. Word boundaries
// are only asserted on sides where the term begins or ends with a word
// character, so "great job!" still matches before a space.
func termPattern(term string) (*regexp.Regexp, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, fmt.Errorf("empty term")
	}
	first, _ := utf8.DecodeRuneInString(term)
	last, _ := utf8.DecodeLastRuneInString(term)

	var b strings.Builder
	b.WriteString("(?i)")
	if isWordRune(first) {
		b.WriteString(`\b`)
	}
	// Words may be separated by any run of horizontal space so a term is
	// still found after an inner deletion leaves a double space behind.
	for i, word := range strings.Fields(term) {
		if i > 0 {
			b.WriteString(`[ \t]+`)
		}
		b.WriteString(regexp.QuoteMeta(word))
	}
	if isWordRune(last) {
		b.WriteString(`\b`)
	}
	return regexp.Compile(b.String())
}

func isWordRune(r rune) bool {
	return r == '_' || r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
