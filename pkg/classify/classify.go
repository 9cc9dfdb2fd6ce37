package classify

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Category is the actionable class of a raw engine error.
type Category string

const (
	Fatal          Category = "fatal"
	QualityWarning Category = "quality-warning"
	MotionWarning  Category = "motion-warning"
	Transient      Category = "transient-connectivity"
	Ignorable      Category = "ignorable"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case Fatal, QualityWarning, MotionWarning, Transient, Ignorable:
		return true
	default:
		return false
	}
}

// Warning reports whether c is an advisory that leaves the session running.
func (c Category) Warning() bool {
	return c == QualityWarning || c == MotionWarning || c == Transient
}

// Vendor error codes with a dedicated meaning.
const (
	CodeLowSNR          = "LOW_SNR"
	CodeLivenessFailure = "LIVENESS_ERROR"
)

// RawError is an error payload emitted by the capture engine.
type RawError struct {
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Empty reports whether e carries nothing at all. A nil error is empty.
func (e *RawError) Empty() bool {
	return e == nil || (e.Code == "" && strings.TrimSpace(e.Message) == "" && len(e.Details) == 0)
}

func (e *RawError) Error() string {
	switch {
	case e == nil:
		return "<nil>"
	case e.Code != "" && e.Message != "":
		return e.Code + ": " + e.Message
	case e.Message != "":
		return e.Message
	default:
		return e.Code
	}
}

// Event is the classification of a raw error. It is derived, never stored.
type Event struct {
	Category    Category
	Rule        string
	Message     string
	Code        string
	AutoDismiss time.Duration
}

// Rule is one row of the classification table. A rule matches when
// MatchEmpty is set and the payload is empty, when the payload code is in
// Codes, or when the message matches any of Patterns (case-insensitive).
// A rule with none of these matches everything.
type Rule struct {
	Name        string        `yaml:"name"`
	Category    Category      `yaml:"category"`
	MatchEmpty  bool          `yaml:"match_empty"`
	Codes       []string      `yaml:"codes"`
	Patterns    []string      `yaml:"patterns"`
	Message     string        `yaml:"message"`
	AutoDismiss time.Duration `yaml:"auto_dismiss"`

	compiled []*regexp.Regexp
}

func (r *Rule) compile() error {
	if !r.Category.Valid() {
		return fmt.Errorf("classify: rule %q: unknown category %q", r.Name, r.Category)
	}

	r.compiled = make([]*regexp.Regexp, 0, len(r.Patterns))
	for _, p := range r.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return fmt.Errorf("classify: rule %q: pattern %q: %w", r.Name, p, err)
		}
		r.compiled = append(r.compiled, re)
	}

	return nil
}

func (r *Rule) catchAll() bool {
	return !r.MatchEmpty && len(r.Codes) == 0 && len(r.Patterns) == 0
}

func (r *Rule) matches(e *RawError) bool {
	if e.Empty() {
		return r.MatchEmpty || r.catchAll()
	}
	if r.catchAll() {
		return true
	}

	for _, c := range r.Codes {
		if e.Code == c {
			return true
		}
	}

	for _, re := range r.compiled {
		if re.MatchString(e.Message) {
			return true
		}
	}

	return false
}

// Default messages surfaced to the user.
const (
	MessageReconnecting = "Reconectando..."
	MessageLowLight     = "Melhore a iluminação"
	MessageStayStill    = "Fique parado"
	MessageLowQuality   = "Qualidade da medição baixa, tente novamente"
	MessageUnknownError = "Erro inesperado no scanner"
)

// DefaultRules returns the built-in classification table, in evaluation
// order. The last rule is the fatal catch-all.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "empty",
			Category:   Ignorable,
			MatchEmpty: true,
		},
		{
			Name:        "connectivity",
			Category:    Transient,
			Patterns:    []string{`websocket`, `disconnect`, `connection`, `network`},
			Message:     MessageReconnecting,
			AutoDismiss: 2 * time.Second,
		},
		{
			Name:        "low-snr",
			Category:    QualityWarning,
			Codes:       []string{CodeLowSNR},
			Message:     MessageLowLight,
			AutoDismiss: 3 * time.Second,
		},
		{
			Name:        "motion",
			Category:    MotionWarning,
			Patterns:    []string{`\bmov(e|ed|es|ing|ement)\b`, `motion`, `\b(stay|hold|keep|remain|be)\s+still\b`},
			Message:     MessageStayStill,
			AutoDismiss: 2 * time.Second,
		},
		{
			Name:     "fatal",
			Category: Fatal,
		},
	}
}

// Classifier applies a rule table to raw errors. It is immutable and safe
// for concurrent use.
type Classifier struct {
	rules []Rule
}

// New builds a Classifier from the default table with extra rules inserted
// before the fatal catch-all.
func New(extra ...Rule) (*Classifier, error) {
	base := DefaultRules()
	rules := make([]Rule, 0, len(base)+len(extra))
	rules = append(rules, base[:len(base)-1]...)
	rules = append(rules, extra...)
	rules = append(rules, base[len(base)-1])

	return NewWithRules(rules)
}

// NewWithRules builds a Classifier from an explicit table. The table must
// end with a catch-all rule so every payload is classified.
func NewWithRules(rules []Rule) (*Classifier, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("classify: empty rule table")
	}

	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if err := r.compile(); err != nil {
			return nil, err
		}
		compiled[i] = r
	}

	if !compiled[len(compiled)-1].catchAll() {
		return nil, fmt.Errorf("classify: last rule %q must be a catch-all", compiled[len(compiled)-1].Name)
	}

	return &Classifier{rules: compiled}, nil
}

// Default returns a Classifier using DefaultRules.
func Default() *Classifier {
	c, err := NewWithRules(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

// Rules returns a copy of the table in evaluation order.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// Classify returns the category of e. The first matching rule wins.
func (c *Classifier) Classify(e *RawError) Event {
	for i := range c.rules {
		r := &c.rules[i]
		if !r.matches(e) {
			continue
		}

		ev := Event{
			Category:    r.Category,
			Rule:        r.Name,
			Message:     r.Message,
			AutoDismiss: r.AutoDismiss,
		}
		if e != nil {
			ev.Code = e.Code
		}
		if ev.Message == "" && !e.Empty() {
			ev.Message = e.Message
			if ev.Message == "" {
				ev.Message = e.Code
			}
			if ev.Message == "" {
				ev.Message = fmt.Sprintf("%s (%v)", MessageUnknownError, e.Details)
			}
		}

		return ev
	}

	// Unreachable: NewWithRules guarantees a catch-all.
	return Event{Category: Fatal, Message: e.Error()}
}
