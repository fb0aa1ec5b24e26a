package consistency

import (
	"errors"
	"fmt"
	"strings"

	"github.com/phrazzld/taskqueue/internal/failure"
)

// Violation rules.
const (
	RuleIllegalTransition  = "illegal_transition"
	RuleProgressRegression = "progress_regression"
	RuleDuplicateKey       = "duplicate_key"
	RuleMissingField       = "missing_field"
)

// Violation is one broken invariant.
type Violation struct {
	Rule   string
	Detail string
}

func (v Violation) String() string {
	return v.Rule + ": " + v.Detail
}

// ViolationError reports the invariants a job broke.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}
	return "consistency violation: " + strings.Join(parts, "; ")
}

// IsViolation reports whether err carries a *ViolationError.
func IsViolation(err error) bool {
	var ve *ViolationError
	return errors.As(err, &ve)
}

// newViolationError tags the violation as a business-logic failure so it is
// never retried.
func newViolationError(vs []Violation) error {
	return failure.BusinessLogic(&ViolationError{Violations: vs})
}

// Rules configures record validation.
type Rules struct {
	// Required lists, per table, the fields every new or changed record must
	// carry with a non-empty value.
	Required map[string][]string
}

// Validate compares pre and post. legal decides whether a status change is
// allowed; a nil legal accepts every change.
func Validate(pre, post State, legal func(from, to string) bool, rules Rules) []Violation {
	var vs []Violation

	if pre.Status != post.Status && legal != nil && !legal(pre.Status, post.Status) {
		vs = append(vs, Violation{
			Rule:   RuleIllegalTransition,
			Detail: fmt.Sprintf("%s -> %s", pre.Status, post.Status),
		})
	}

	if post.Progress < pre.Progress {
		vs = append(vs, Violation{
			Rule:   RuleProgressRegression,
			Detail: fmt.Sprintf("%d -> %d", pre.Progress, post.Progress),
		})
	}

	before := make(map[string]Record, len(pre.Records))
	for _, r := range pre.Records {
		before[r.id()] = r
	}

	seen := make(map[string]bool, len(post.Records))
	for _, r := range post.Records {
		id := r.id()
		if seen[id] {
			vs = append(vs, Violation{Rule: RuleDuplicateKey, Detail: id})
			continue
		}
		seen[id] = true

		if old, ok := before[id]; ok && sameFields(old, r) {
			continue
		}
		for _, field := range rules.Required[r.Table] {
			if isBlank(r.Fields[field]) {
				vs = append(vs, Violation{
					Rule:   RuleMissingField,
					Detail: fmt.Sprintf("%s.%s", id, field),
				})
			}
		}
	}

	return vs
}

func sameFields(a, b Record) bool {
	ca, errA := Checksum(State{Records: []Record{a}})
	cb, errB := Checksum(State{Records: []Record{b}})
	return errA == nil && errB == nil && ca == cb
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	default:
		return false
	}
}

// NewViolation builds the error for a single broken rule.
func NewViolation(rule, detail string) error {
	return newViolationError([]Violation{{Rule: rule, Detail: detail}})
}
