// Package extract turns scanned problem blocks into problem records.
package extract

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/logging"
	"github.com/pbaille/problembank/internal/scanner"
)

// MalformedBlockError reports a block whose parts could not be recognized.
type MalformedBlockError struct {
	Index  int
	Part   string
	Reason string
}

func (e *MalformedBlockError) Error() string {
	if e.Part == "" {
		return fmt.Sprintf("block %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("block %d: %s: %s", e.Index, e.Part, e.Reason)
}

// Parts is the stem plus named regions of one block.
type Parts struct {
	Stem    string
	Regions map[string]string
}

// Grammar splits the content of a block into parts.
type Grammar interface {
	Split(content string) (Parts, error)
}

// MarkerGrammar splits on a fixed list of sub-markers. Text before the first
// sub-marker present is the stem.
type MarkerGrammar struct {
	SubMarkers  []domain.SubMarker
	RequireStem bool
}

type hit struct {
	marker domain.SubMarker
	at     int
}

func (g MarkerGrammar) Split(content string) (Parts, error) {
	var hits []hit
	for _, sm := range g.SubMarkers {
		if sm.Literal == "" {
			continue
		}
		i := strings.Index(content, sm.Literal)
		if i < 0 {
			if sm.Required {
				return Parts{}, &MalformedBlockError{Part: sm.Name, Reason: "required region missing"}
			}
			continue
		}
		hits = append(hits, hit{marker: sm, at: i})
	}
	slices.SortFunc(hits, func(a, b hit) int { return cmp.Compare(a.at, b.at) })

	stemEnd := len(content)
	if len(hits) > 0 {
		stemEnd = hits[0].at
	}
	parts := Parts{Stem: strings.TrimSpace(content[:stemEnd])}
	if parts.Stem == "" && g.RequireStem {
		return Parts{}, &MalformedBlockError{Part: "stem", Reason: "empty stem"}
	}

	for i, h := range hits {
		start := h.at + len(h.marker.Literal)
		end := len(content)
		if i+1 < len(hits) {
			end = hits[i+1].at
		}
		if start > end {
			// overlapping literals
			return Parts{}, &MalformedBlockError{Part: h.marker.Name, Reason: "region overlaps next marker"}
		}
		if parts.Regions == nil {
			parts.Regions = make(map[string]string, len(hits))
		}
		parts.Regions[h.marker.Name] = strings.TrimSpace(content[start:end])
	}
	return parts, nil
}

// Result is the outcome of one extraction pass. One bad block never hides the others.
type Result struct {
	Problems []domain.Problem
	Failures []*MalformedBlockError
	Warnings []scanner.Warning
}

// Extractor scans text and splits every block with Grammar.
type Extractor struct {
	Scanner *scanner.Scanner
	Grammar Grammar
	// RegionOrder fixes the order regions appear in Problem.Text.
	RegionOrder []string
	Logger      *slog.Logger
}

// New builds an Extractor for the given marker set.
func New(markers domain.MarkerSet, requireStem bool, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = logging.Nop()
	}
	order := make([]string, 0, len(markers.SubMarkers))
	for _, sm := range markers.SubMarkers {
		order = append(order, sm.Name)
	}
	return &Extractor{
		Scanner:     scanner.New(markers.ProblemOpen, markers.ProblemClose, logger),
		Grammar:     MarkerGrammar{SubMarkers: markers.SubMarkers, RequireStem: requireStem},
		RegionOrder: order,
		Logger:      logger,
	}
}

// Extract builds one problem per well-formed block of text.
func (x *Extractor) Extract(sourceID, text string) Result {
	segs, warns := x.Scanner.Scan(text)
	res := Result{Warnings: warns}
	for _, seg := range segs {
		parts, err := x.Grammar.Split(seg.Content)
		if err != nil {
			mbe := asMalformed(err)
			mbe.Index = seg.Index
			x.Logger.Warn("extract.malformed_block", "index", seg.Index, "part", mbe.Part, "reason", mbe.Reason)
			res.Failures = append(res.Failures, mbe)
			continue
		}
		res.Problems = append(res.Problems, domain.Problem{
			SourceID:   sourceID,
			BlockIndex: seg.Index,
			Stem:       parts.Stem,
			Regions:    parts.Regions,
			Text:       x.flatten(parts),
			Tags:       domain.Tags{},
		})
	}
	x.Logger.Info("extract.done", "source", sourceID, "problems", len(res.Problems),
		"failures", len(res.Failures), "warnings", len(res.Warnings))
	return res
}

func (x *Extractor) flatten(p Parts) string {
	out := []string{p.Stem}
	for _, name := range x.RegionOrder {
		if v, ok := p.Regions[name]; ok && v != "" {
			out = append(out, v)
		}
	}
	return strings.TrimSpace(strings.Join(out, "\n\n"))
}

func asMalformed(err error) *MalformedBlockError {
	if mbe, ok := err.(*MalformedBlockError); ok {
		cp := *mbe
		return &cp
	}
	return &MalformedBlockError{Reason: err.Error()}
}
