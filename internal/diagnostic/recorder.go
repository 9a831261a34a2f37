package diagnostic

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/pbaille/problembank/internal/document"
)

type Line struct {
	Type string `json:"type"`
	Text string `json:"text"`
	// Old and New are 1-based line numbers within the region; 0 when the
	// line does not exist on that side.
	Old int `json:"old,omitempty"`
	New int `json:"new,omitempty"`
}

const (
	LineContext = "context"
	LineAdded   = "added"
	LineRemoved = "removed"
)

const (
	// ContextLines is how many unchanged lines are kept around a change.
	ContextLines = 1
	// MaxDiffLines caps the lines reported for one region.
	MaxDiffLines = 2000
)

// snapshotScopes are the regions a recorder watches, in report order.
var snapshotScopes = []document.Scope{document.ScopeHeader, document.ScopeBody, document.ScopeFooter}

// RegionDiff is what one stage changed inside one family of regions.
type RegionDiff struct {
	Scope     string `json:"scope"`
	Lines     []Line `json:"lines"`
	Truncated bool   `json:"truncated,omitempty"`
}

// StageDiff lists the regions a stage changed. A header-only stage that left
// the body alone has no body entry.
type StageDiff struct {
	Stage   string       `json:"stage"`
	Regions []RegionDiff `json:"regions,omitempty"`
}

func (d StageDiff) Changed() bool { return len(d.Regions) > 0 }

// Touched reports whether the stage changed text in scope.
func (d StageDiff) Touched(scope document.Scope) bool {
	for _, r := range d.Regions {
		if r.Scope == scope.String() {
			return true
		}
	}
	return false
}

// Recorder snapshots header, body and footer text between stages.
type Recorder struct {
	enabled bool
	last    map[document.Scope]string
	diffs   []StageDiff
}

// NewRecorder returns a recorder; a disabled one records nothing.
func NewRecorder(enabled bool) *Recorder {
	return &Recorder{enabled: enabled}
}

func snapshot(doc document.Reader) (map[document.Scope]string, error) {
	out := make(map[document.Scope]string, len(snapshotScopes))
	for _, scope := range snapshotScopes {
		text, err := doc.Text(scope)
		if err != nil {
			return nil, err
		}
		out[scope] = text
	}
	return out, nil
}

// Start takes the baseline snapshot.
func (r *Recorder) Start(doc document.Reader) error {
	if !r.enabled {
		return nil
	}
	snap, err := snapshot(doc)
	if err != nil {
		return err
	}
	r.last = snap
	return nil
}

// Stage compares the document with the previous snapshot, region by region.
func (r *Recorder) Stage(name string, doc document.Reader) error {
	if !r.enabled {
		return nil
	}
	snap, err := snapshot(doc)
	if err != nil {
		return err
	}
	d := StageDiff{Stage: name}
	for _, scope := range snapshotScopes {
		before, after := r.last[scope], snap[scope]
		if before == after {
			continue
		}
		lines, truncated := LineDiff(before, after, ContextLines, MaxDiffLines)
		d.Regions = append(d.Regions, RegionDiff{Scope: scope.String(), Lines: lines, Truncated: truncated})
	}
	r.diffs = append(r.diffs, d)
	r.last = snap
	return nil
}

func (r *Recorder) Diffs() []StageDiff { return r.diffs }

// LineDiff returns the changed lines between before and after with up to
// context unchanged lines around each change. At most limit lines are
// returned; truncated reports that more were left out.
func LineDiff(before, after string, context, limit int) (lines []Line, truncated bool) {
	dmp := diffmatchpatch.New()
	a, b, table := dmp.DiffLinesToRunes(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(a, b, false), table)

	var all []Line
	old, cur := 1, 1
	for _, d := range diffs {
		for _, text := range splitLines(d.Text) {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				all = append(all, Line{Type: LineContext, Text: text, Old: old, New: cur})
				old++
				cur++
			case diffmatchpatch.DiffDelete:
				all = append(all, Line{Type: LineRemoved, Text: text, Old: old})
				old++
			case diffmatchpatch.DiffInsert:
				all = append(all, Line{Type: LineAdded, Text: text, New: cur})
				cur++
			}
		}
	}

	keep := make([]bool, len(all))
	for i, l := range all {
		if l.Type == LineContext {
			continue
		}
		for j := max(0, i-context); j <= min(len(all)-1, i+context); j++ {
			keep[j] = true
		}
	}
	for i, l := range all {
		if !keep[i] {
			continue
		}
		if limit > 0 && len(lines) == limit {
			return lines, true
		}
		lines = append(lines, l)
	}
	return lines, false
}

// splitLines splits a diff chunk into its lines, ignoring the empty piece
// after a final newline.
func splitLines(chunk string) []string {
	if chunk == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(chunk, "\n"), "\n")
}
