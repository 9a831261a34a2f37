package bank

import (
	"context"
	"fmt"

	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/tagschema"
)

// ApplyTags overlays tags on every listed record and persists the records
// whose merged tags satisfy the schema. Rejected records keep their old tags.
func (s *Service) ApplyTags(ctx context.Context, ids []string, tags domain.Tags) (tagschema.BatchResult, error) {
	if len(ids) == 0 {
		return tagschema.BatchResult{}, fmt.Errorf("%w: no records given", ErrInvalidRequest)
	}
	records, err := s.Store.ListByIDs(ids)
	if err != nil {
		return tagschema.BatchResult{}, err
	}
	res := tagschema.ApplyBatch(records, tags, s.Config.Schema)
	for _, p := range res.Applied {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.Store.SetTags(p.ID, p.Tags); err != nil {
			return res, fmt.Errorf("save tags for %s: %w", p.ID, err)
		}
	}
	s.Logger.Info("bank.tags_applied", "applied", len(res.Applied), "rejected", len(res.Rejected))
	return res, nil
}

// ValidateTags checks tags against the configured schema.
func (s *Service) ValidateTags(tags domain.Tags) tagschema.Result {
	return tagschema.Validate(tags, s.Config.Schema)
}

// DeleteProblems removes records by id. Worksheets that used them keep
// their stored copy and problem list.
func (s *Service) DeleteProblems(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no records given", ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := s.Store.DeleteProblems(ids)
	if err != nil {
		return 0, err
	}
	s.Logger.Info("bank.problems_deleted", "count", n)
	return n, nil
}
