// Package tagschema checks problem tags against the configured categories.
package tagschema

import (
	"fmt"
	"slices"

	"github.com/pbaille/problembank/internal/domain"
)

type Reason string

const (
	MissingRequired Reason = "missing_required"
	UnknownCategory Reason = "unknown_category"
	ValueNotAllowed Reason = "value_not_allowed"
)

// Violation is one reason a tag set does not fit the schema.
type Violation struct {
	Category string `json:"category"`
	Reason   Reason `json:"reason"`
	Value    string `json:"value,omitempty"`
}

func (v Violation) String() string {
	if v.Value == "" {
		return fmt.Sprintf("%s: %s", v.Category, v.Reason)
	}
	return fmt.Sprintf("%s: %s (%q)", v.Category, v.Reason, v.Value)
}

type Result struct {
	Violations []Violation `json:"violations,omitempty"`
}

func (r Result) Valid() bool { return len(r.Violations) == 0 }

// Validate reports every violation of tags against schema, in schema order
// followed by unknown categories sorted by name.
func Validate(tags domain.Tags, schema domain.TagSchema) Result {
	var res Result
	for _, c := range schema.Categories {
		vals := tags[c.Name]
		if len(vals) == 0 {
			if c.Required {
				res.Violations = append(res.Violations, Violation{Category: c.Name, Reason: MissingRequired})
			}
			continue
		}
		for _, v := range vals {
			if !c.Allows(v) {
				res.Violations = append(res.Violations, Violation{Category: c.Name, Reason: ValueNotAllowed, Value: v})
			}
		}
	}

	var unknown []string
	for name := range tags {
		if _, ok := schema.Lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	slices.Sort(unknown)
	for _, name := range unknown {
		res.Violations = append(res.Violations, Violation{Category: name, Reason: UnknownCategory})
	}
	return res
}

// Rejection pairs a record id with why its tags were refused.
type Rejection struct {
	ID         string      `json:"id"`
	Violations []Violation `json:"violations"`
}

type BatchResult struct {
	Applied  []domain.Problem `json:"applied"`
	Rejected []Rejection      `json:"rejected"`
}

// ApplyBatch merges tags over each record and keeps the records whose merged
// tags validate. Input records are not modified.
func ApplyBatch(records []domain.Problem, tags domain.Tags, schema domain.TagSchema) BatchResult {
	var out BatchResult
	for _, rec := range records {
		merged := rec.Tags.Merge(tags)
		res := Validate(merged, schema)
		if !res.Valid() {
			out.Rejected = append(out.Rejected, Rejection{ID: rec.ID, Violations: res.Violations})
			continue
		}
		rec.Tags = merged
		out.Applied = append(out.Applied, rec)
	}
	return out
}
