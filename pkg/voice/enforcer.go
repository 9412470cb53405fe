package voice

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Category classifies a voice violation.
type Category string

const (
	CategoryBannedWord        Category = "banned_word"
	CategoryWeakLanguage      Category = "weak_language"
	CategoryApology           Category = "apology"
	CategoryCorporateSpeak    Category = "corporate_speak"
	CategoryExcessPunctuation Category = "excess_punctuation"
)

// Severity ranks a violation.
type Severity string

const (
	SeverityMinor Severity = "minor"
	SeverityMajor Severity = "major"
)

// Violation is one category of deviation found in a text. Term lists the
// distinct matches, comma separated.
type Violation struct {
	Category Category `json:"category"`
	Term     string   `json:"term"`
	Severity Severity `json:"severity"`
}

// PenaltyPerViolation is the flat score deduction per violation.
const PenaltyPerViolation = 15

// maxPasses bounds the fixpoint loop in Enforce.
const maxPasses = 64

type compiledRewrite struct {
	re          *regexp.Regexp
	replacement string
}

type compiledAudit struct {
	category Category
	severity Severity
	terms    []string
	patterns []*regexp.Regexp
}

var (
	reHorizontalSpace = regexp.MustCompile(`[ \t]+`)
	reSpaceBeforePunc = regexp.MustCompile(`[ \t]+([.,!?;:])`)
	reDoubledPeriod   = regexp.MustCompile(`\.(?:[ \t]*\.)+`)
	reCommaThenStop   = regexp.MustCompile(`[,;:][ \t]*([.!?])`)
	reLeadingPunc     = regexp.MustCompile(`(?m)^[ \t]*[,;:][ \t]*`)
	reBlankRuns       = regexp.MustCompile(`\n{3,}`)
)

// Enforcer rewrites text into the brand voice and audits it. It is safe
// for concurrent use.
type Enforcer struct {
	lexical         []compiledRewrite
	phrases         []compiledRewrite
	filler          *regexp.Regexp
	audits          []compiledAudit
	maxExclamations int
}

// New compiles rules into an Enforcer. It rejects rule sets whose
// replacements would reintroduce a rewritten term, since those would make
// Enforce diverge.
func New(rules *Rules) (*Enforcer, error) {
	if rules == nil {
		return nil, fmt.Errorf("voice rules are required")
	}
	e := &Enforcer{maxExclamations: rules.MaxExclamations}

	var banned []string
	for _, r := range rules.Lexical {
		re, err := termPattern(r.Term)
		if err != nil {
			return nil, fmt.Errorf("lexical rule %q: %w", r.Term, err)
		}
		e.lexical = append(e.lexical, compiledRewrite{re: re, replacement: r.Replacement})
		if r.Replacement != "" && !strings.ContainsAny(strings.TrimSpace(r.Term), " !") {
			banned = append(banned, strings.ToLower(r.Term))
		}
	}
	for _, r := range rules.Phrases {
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("phrase rule %q: %w", r.Pattern, err)
		}
		e.phrases = append(e.phrases, compiledRewrite{re: re, replacement: r.Replacement})
	}
	if len(rules.Fillers) > 0 {
		quoted := make([]string, len(rules.Fillers))
		for i, f := range rules.Fillers {
			quoted[i] = regexp.QuoteMeta(strings.TrimSpace(f))
		}
		e.filler = regexp.MustCompile(`(?im)^(?:` + strings.Join(quoted, "|") + `)\b,?[ \t]+`)
	}

	audits := append([]AuditRule{{Category: CategoryBannedWord, Severity: SeverityMajor, Terms: banned}}, rules.Audit...)
	byCategory := make(map[Category]int)
	for _, a := range audits {
		idx, ok := byCategory[a.Category]
		if !ok {
			idx = len(e.audits)
			byCategory[a.Category] = idx
			e.audits = append(e.audits, compiledAudit{category: a.Category, severity: a.Severity})
		}
		for _, term := range a.Terms {
			re, err := termPattern(term)
			if err != nil {
				return nil, fmt.Errorf("audit rule %s: %w", a.Category, err)
			}
			e.audits[idx].terms = append(e.audits[idx].terms, strings.ToLower(term))
			e.audits[idx].patterns = append(e.audits[idx].patterns, re)
		}
	}

	if err := e.checkReplacements(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Enforcer) checkReplacements() error {
	rewrites := append(append([]compiledRewrite{}, e.lexical...), e.phrases...)
	for _, src := range rewrites {
		if src.replacement == "" {
			continue
		}
		for _, r := range rewrites {
			if r.re.MatchString(src.replacement) {
				return fmt.Errorf("replacement %q is rewritten again by %s", src.replacement, r.re)
			}
		}
	}
	return nil
}

var (
	defaultOnce     sync.Once
	defaultEnforcer *Enforcer
	defaultErr      error
)

// Default returns the Enforcer built from the embedded rules.
func Default() *Enforcer {
	defaultOnce.Do(func() {
		rules, err := DefaultRules()
		if err != nil {
			defaultErr = err
			return
		}
		defaultEnforcer, defaultErr = New(rules)
	})
	if defaultErr != nil {
		panic(fmt.Sprintf("voice: embedded rules invalid: %v", defaultErr))
	}
	return defaultEnforcer
}

// Enforce rewrites text into the brand voice. It is pure and idempotent:
// the stage sequence is repeated until the text stops changing.
func (e *Enforcer) Enforce(text string) string {
	current := text
	for i := 0; i < maxPasses; i++ {
		next := e.pass(current)
		if next == current {
			return next
		}
		current = next
	}
	return current
}

func (e *Enforcer) pass(text string) string {
	out := text
	for _, r := range e.lexical {
		out = r.apply(out, func(s string) string {
			return r.re.ReplaceAllStringFunc(s, func(m string) string {
				return matchCase(m, r.replacement)
			})
		})
	}
	for _, r := range e.phrases {
		out = r.apply(out, func(s string) string {
			return r.re.ReplaceAllLiteralString(s, r.replacement)
		})
	}
	out = cleanup(out)
	if e.filler != nil {
		for {
			next := e.filler.ReplaceAllString(out, "")
			if next == out {
				break
			}
			out = next
		}
	}
	return out
}

// apply runs one rewrite until the text stops changing, so nested matches
// such as "try try to to" collapse in a single pass. The loop is bounded by
// the text length for rules whose replacement is not shorter than the match.
func (r compiledRewrite) apply(text string, rewrite func(string) string) string {
	out := text
	for i := 0; i <= len(text); i++ {
		next := rewrite(out)
		if next == out {
			break
		}
		out = next
	}
	return out
}

func cleanup(text string) string {
	out := reHorizontalSpace.ReplaceAllString(text, " ")
	out = reSpaceBeforePunc.ReplaceAllString(out, "$1")
	out = reDoubledPeriod.ReplaceAllString(out, ".")
	out = reCommaThenStop.ReplaceAllString(out, "$1")
	out = reLeadingPunc.ReplaceAllString(out, "")

	lines := strings.Split(out, "\n")
	for i, line := range lines {
		lines[i] = strings.Trim(line, " \t\r")
	}
	out = strings.Join(lines, "\n")
	out = reBlankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// matchCase capitalizes the replacement when the matched text starts with
// an upper-case letter.
func matchCase(matched, replacement string) string {
	if replacement == "" {
		return ""
	}
	first, _ := utf8.DecodeRuneInString(matched)
	if !unicode.IsUpper(first) {
		return replacement
	}
	r, size := utf8.DecodeRuneInString(replacement)
	return string(unicode.ToUpper(r)) + replacement[size:]
}

// Audit scans text for residual voice deviations without changing it. It
// returns at most one violation per category.
func (e *Enforcer) Audit(text string) []Violation {
	var violations []Violation
	for _, a := range e.audits {
		var found []string
		for i, re := range a.patterns {
			if re.MatchString(text) {
				found = append(found, a.terms[i])
			}
		}
		if len(found) > 0 {
			violations = append(violations, Violation{
				Category: a.category,
				Term:     strings.Join(found, ", "),
				Severity: a.severity,
			})
		}
	}
	if n := strings.Count(text, "!"); n > e.maxExclamations {
		violations = append(violations, Violation{
			Category: CategoryExcessPunctuation,
			Term:     fmt.Sprintf("%d exclamation marks", n),
			Severity: SeverityMinor,
		})
	}
	return violations
}

// Score audits text and returns its voice score.
func (e *Enforcer) Score(text string) int {
	return Score(e.Audit(text))
}

// Score is the canonical voice score: 100 minus a flat penalty per
// violation, floored at zero.
func Score(violations []Violation) int {
	score := 100 - PenaltyPerViolation*len(violations)
	if score < 0 {
		return 0
	}
	return score
}
