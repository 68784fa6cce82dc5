// Package redact masks personally identifiable values in log message text.
//
// A Redactor applies an ordered RuleSet to the whole message, each rule replacing all
// of its matches. Field rules keep the field name and surrounding syntax as found and
// swap only the value for Mask, at whatever escaping depth the field was written, so the
// output stays consistent with its nesting. Redaction is total: a rule that does not
// match leaves the text alone, and no input makes it fail.
package redact

import (
	"strings"

	"github.com/kumarabd/ingestion-plane/redactor/pkg/logtypes"
)

// Redactor applies a fixed RuleSet. It holds no mutable state and is safe for
// concurrent use.
type Redactor struct {
	rules RuleSet
}

// New creates a redactor over rules, applied in order
func New(rules RuleSet) *Redactor {
	return &Redactor{rules: append(RuleSet(nil), rules...)}
}

// NewDefault creates a redactor over DefaultRuleSet
func NewDefault() *Redactor {
	return New(DefaultRuleSet())
}

// Rules returns a copy of the redactor's rules
func (r *Redactor) Rules() RuleSet {
	return append(RuleSet(nil), r.rules...)
}

// Redact returns message with every rule applied once, in order
func (r *Redactor) Redact(message string) string {
	for _, rule := range r.rules {
		if !rule.applies(message) {
			continue
		}
		message = rule.apply(message)
	}
	return message
}

// RedactWithReport redacts message and reports which rules changed it
func (r *Redactor) RedactWithReport(message string) (string, logtypes.RedactionReport) {
	report := logtypes.RedactionReport{
		Rules:      []string{},
		Categories: []string{},
	}

	seen := make(map[Category]bool)
	for _, rule := range r.rules {
		if !rule.applies(message) {
			continue
		}
		redacted := rule.apply(message)
		if redacted == message {
			continue
		}

		report.Applied = true
		report.Rules = append(report.Rules, rule.Name)
		report.Count += rule.count(message)
		if !seen[rule.Category] {
			seen[rule.Category] = true
			report.Categories = append(report.Categories, rule.Category.String())
		}
		message = redacted
	}

	return message, report
}

// RedactBatch returns a copy of batch with every record's message redacted. The input
// batch is not modified; record order, IDs, timestamps and extracted fields carry over.
// reports[i] describes batch.Records[i].
func (r *Redactor) RedactBatch(batch *logtypes.LogBatch) (*logtypes.LogBatch, []logtypes.RedactionReport) {
	if batch == nil {
		return nil, nil
	}

	out := *batch
	out.Records = make([]logtypes.LogRecord, len(batch.Records))
	reports := make([]logtypes.RedactionReport, len(batch.Records))

	for i, rec := range batch.Records {
		out.Records[i] = rec
		out.Records[i].Message, reports[i] = r.RedactWithReport(rec.Message)
	}

	return &out, reports
}

func (rule Rule) applies(message string) bool {
	return rule.Hint == "" || strings.Contains(message, rule.Hint)
}

func (rule Rule) apply(message string) string {
	if rule.Scope == nil {
		return rule.Pattern.ReplaceAllString(message, rule.Replacement)
	}
	return rule.Scope.ReplaceAllStringFunc(message, func(scoped string) string {
		return rule.Pattern.ReplaceAllString(scoped, rule.Replacement)
	})
}

func (rule Rule) count(message string) int {
	if rule.Scope == nil {
		return len(rule.Pattern.FindAllStringIndex(message, -1))
	}
	n := 0
	for _, scoped := range rule.Scope.FindAllString(message, -1) {
		n += len(rule.Pattern.FindAllStringIndex(scoped, -1))
	}
	return n
}
