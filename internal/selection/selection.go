// Package selection picks problems for a worksheet by unit and difficulty.
package selection

import (
	"cmp"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/pbaille/problembank/internal/domain"
)

// Spec describes what a worksheet should contain.
type Spec struct {
	Total int `json:"total" validate:"gt=0"`
	// Units are values of the unit category. Order matters for output.
	Units []string `json:"units" validate:"min=1,dive,required"`
	// Ratios holds a percentage per difficulty level. Missing levels count as 0.
	Ratios  map[string]int `json:"difficulty_ratios" validate:"required"`
	Shuffle bool           `json:"shuffle"`
	// Seed makes sampling and shuffling reproducible. Nil draws a fresh seed.
	Seed *uint64 `json:"seed,omitempty"`
}

// Result is the outcome of one selection.
type Result struct {
	IDs       []string       `json:"ids"`
	PerUnit   map[string]int `json:"per_unit"`
	Requested int            `json:"requested"`
	Actual    int            `json:"actual"`
	Warnings  []string       `json:"warnings,omitempty"`
}

// Engine selects from candidate problems. Levels is the difficulty order
// used both for allocation tie-breaks and for output ordering.
type Engine struct {
	UnitCategory       string
	DifficultyCategory string
	Levels             []string
}

// NewEngine builds an engine whose difficulty levels are the allowed values
// of the schema's difficulty category.
func NewEngine(schema domain.TagSchema, unitCategory, difficultyCategory string) (*Engine, error) {
	cat, ok := schema.Lookup(difficultyCategory)
	if !ok {
		return nil, fmt.Errorf("difficulty category %q not in schema", difficultyCategory)
	}
	if len(cat.Allowed) == 0 {
		return nil, fmt.Errorf("difficulty category %q has no allowed values", difficultyCategory)
	}
	return &Engine{
		UnitCategory:       unitCategory,
		DifficultyCategory: difficultyCategory,
		Levels:             slices.Clone(cat.Allowed),
	}, nil
}

// Validate checks a spec against the engine's levels.
func (e *Engine) Validate(spec Spec) error {
	var errs []error
	if spec.Total <= 0 {
		errs = append(errs, errors.New("total must be at least 1"))
	}
	if len(normalizeUnits(spec.Units)) == 0 {
		errs = append(errs, errors.New("at least one unit is required"))
	}
	sum := 0
	for level, pct := range spec.Ratios {
		if !slices.Contains(e.Levels, level) {
			errs = append(errs, fmt.Errorf("unknown difficulty %q (allowed: %s)", level, strings.Join(e.Levels, ", ")))
		}
		if pct < 0 {
			errs = append(errs, fmt.Errorf("ratio for %q is negative", level))
		}
		sum += pct
	}
	if sum != 100 {
		errs = append(errs, fmt.Errorf("difficulty ratios sum to %d, want 100", sum))
	}
	return errors.Join(errs...)
}

// Select picks up to spec.Total problems from candidates. Shortages are
// reported in Result.Warnings and are never back-filled from other units
// or levels. A problem id is selected at most once.
func (e *Engine) Select(spec Spec, candidates []domain.Problem) (Result, error) {
	if err := e.Validate(spec); err != nil {
		return Result{}, err
	}
	seed := rand.Uint64()
	if spec.Seed != nil {
		seed = *spec.Seed
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	units := normalizeUnits(spec.Units)
	pools := make(map[string]map[string][]domain.Problem, len(units))
	for _, u := range units {
		pools[u] = map[string][]domain.Problem{}
	}
	for _, p := range candidates {
		if p.ID == "" {
			continue
		}
		level := strings.TrimSpace(p.Tags.First(e.DifficultyCategory))
		if !slices.Contains(e.Levels, level) {
			continue
		}
		for _, u := range p.Tags[e.UnitCategory] {
			if pool, ok := pools[strings.TrimSpace(u)]; ok {
				pool[level] = append(pool[level], p)
			}
		}
	}

	type pick struct {
		p     domain.Problem
		unit  int
		level int
	}
	var picks []pick
	used := map[string]bool{}
	res := Result{PerUnit: make(map[string]int, len(units)), Requested: spec.Total}

	targets := splitEven(spec.Total, len(units))
	for ui, unit := range units {
		target := targets[ui]
		perLevel := e.allocate(target, spec.Ratios)
		got := 0
		for li, level := range e.Levels {
			need := perLevel[level]
			if need == 0 {
				continue
			}
			var pool []domain.Problem
			for _, p := range pools[unit][level] {
				if !used[p.ID] {
					pool = append(pool, p)
				}
			}
			if len(pool) > need {
				rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
				pool = pool[:need]
			}
			for _, p := range pool {
				used[p.ID] = true
				picks = append(picks, pick{p: p, unit: ui, level: li})
				got++
			}
		}
		res.PerUnit[unit] = got
		if got < target {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("unit %q: selected %d of %d problems (shortfall not back-filled)", unit, got, target))
		}
	}

	if spec.Shuffle {
		rng.Shuffle(len(picks), func(i, j int) { picks[i], picks[j] = picks[j], picks[i] })
	} else {
		slices.SortStableFunc(picks, func(a, b pick) int {
			return cmp.Or(
				cmp.Compare(a.unit, b.unit),
				cmp.Compare(a.level, b.level),
				cmp.Compare(a.p.SourceID, b.p.SourceID),
				cmp.Compare(a.p.BlockIndex, b.p.BlockIndex),
				cmp.Compare(a.p.ID, b.p.ID),
			)
		})
	}
	res.IDs = make([]string, len(picks))
	for i, pk := range picks {
		res.IDs[i] = pk.p.ID
	}
	res.Actual = len(res.IDs)
	return res, nil
}

// splitEven divides total across n units, giving the remainder to the first units.
func splitEven(total, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = total / n
		if i < total%n {
			out[i]++
		}
	}
	return out
}

// allocate turns percentages into counts summing to total: floor first,
// then the leftover goes to the largest fractional parts, ties broken by
// level order.
func (e *Engine) allocate(total int, ratios map[string]int) map[string]int {
	out := make(map[string]int, len(e.Levels))
	if total <= 0 {
		return out
	}
	type rem struct {
		level string
		frac  int // in hundredths of a problem
		order int
	}
	rems := make([]rem, 0, len(e.Levels))
	used := 0
	for i, level := range e.Levels {
		scaled := total * ratios[level]
		out[level] = scaled / 100
		used += out[level]
		rems = append(rems, rem{level: level, frac: scaled % 100, order: i})
	}
	slices.SortStableFunc(rems, func(a, b rem) int {
		return cmp.Or(cmp.Compare(b.frac, a.frac), cmp.Compare(a.order, b.order))
	})
	for i := 0; used < total; i++ {
		out[rems[i%len(rems)].level]++
		used++
	}
	return out
}

func normalizeUnits(units []string) []string {
	var out []string
	for _, u := range units {
		u = strings.TrimSpace(u)
		if u != "" && !slices.Contains(out, u) {
			out = append(out, u)
		}
	}
	return out
}
