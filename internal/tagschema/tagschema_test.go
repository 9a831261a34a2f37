package tagschema

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/problembank/internal/domain"
)

func testSchema() domain.TagSchema {
	return domain.TagSchema{Categories: []domain.Category{
		{Name: "unit", Required: true},
		{Name: "difficulty", Allowed: []string{"easy", "medium", "hard"}, Required: true},
		{Name: "source"},
	}}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		tags domain.Tags
		want []Violation
	}{
		{
			name: "valid",
			tags: domain.Tags{"unit": {"algebra"}, "difficulty": {"easy"}},
		},
		{
			name: "missing required",
			tags: domain.Tags{"unit": {"algebra"}},
			want: []Violation{{Category: "difficulty", Reason: MissingRequired}},
		},
		{
			name: "value not allowed",
			tags: domain.Tags{"unit": {"algebra"}, "difficulty": {"brutal"}},
			want: []Violation{{Category: "difficulty", Reason: ValueNotAllowed, Value: "brutal"}},
		},
		{
			name: "unknown category",
			tags: domain.Tags{"unit": {"algebra"}, "difficulty": {"hard"}, "color": {"red"}},
			want: []Violation{{Category: "color", Reason: UnknownCategory}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Validate(tt.tags, testSchema())
			assert.Equal(t, tt.want, res.Violations)
			assert.Equal(t, len(tt.want) == 0, res.Valid())
		})
	}
}

func TestApplyBatchRejectsAllOnInvalidTags(t *testing.T) {
	var records []domain.Problem
	for i := range 5 {
		records = append(records, domain.Problem{
			ID:   fmt.Sprintf("p%d", i),
			Tags: domain.Tags{"unit": {"algebra"}, "difficulty": {"easy"}},
		})
	}

	out := ApplyBatch(records, domain.Tags{"difficulty": {"impossible"}}, testSchema())
	assert.Empty(t, out.Applied)
	require.Len(t, out.Rejected, 5)
	for i, r := range out.Rejected {
		assert.Equal(t, fmt.Sprintf("p%d", i), r.ID)
		assert.Equal(t, []Violation{{Category: "difficulty", Reason: ValueNotAllowed, Value: "impossible"}}, r.Violations)
	}
	for _, rec := range records {
		assert.Equal(t, []string{"easy"}, rec.Tags["difficulty"])
	}
}

func TestApplyBatchMergesPerRecord(t *testing.T) {
	records := []domain.Problem{
		{ID: "a", Tags: domain.Tags{"unit": {"algebra"}}},
		{ID: "b", Tags: domain.Tags{}},
	}
	out := ApplyBatch(records, domain.Tags{"difficulty": {"hard"}}, testSchema())

	require.Len(t, out.Applied, 1)
	assert.Equal(t, "a", out.Applied[0].ID)
	assert.Equal(t, domain.Tags{"unit": {"algebra"}, "difficulty": {"hard"}}, out.Applied[0].Tags)
	require.Len(t, out.Rejected, 1)
	assert.Equal(t, "b", out.Rejected[0].ID)
	assert.Equal(t, MissingRequired, out.Rejected[0].Violations[0].Reason)
	assert.Equal(t, domain.Tags{"unit": {"algebra"}}, records[0].Tags)
}
