package domain

import (
	"errors"
	"fmt"
	"slices"
)

// SubMarker introduces a named region inside a problem block.
type SubMarker struct {
	Name     string `json:"name" koanf:"name" yaml:"name"`
	Literal  string `json:"literal" koanf:"literal" yaml:"literal"`
	Required bool   `json:"required" koanf:"required" yaml:"required"`
}

// MarkerSet declares every marker literal the scanner, extractor and
// composer agree on.
type MarkerSet struct {
	ProblemOpen  string      `json:"problem_open" koanf:"problem_open" yaml:"problem_open"`
	ProblemClose string      `json:"problem_close" koanf:"problem_close" yaml:"problem_close"`
	SubMarkers   []SubMarker `json:"sub_markers" koanf:"sub_markers" yaml:"sub_markers"`
	HeaderTokens []string    `json:"header_tokens" koanf:"header_tokens" yaml:"header_tokens"`
	BodyMarker   string      `json:"body_marker" koanf:"body_marker" yaml:"body_marker"`
}

// Header tokens understood by the worksheet service.
const (
	TokenDate    = "HDR_DATE"
	TokenTitle   = "HDR_TITLE"
	TokenTeacher = "HDR_TEACHER"
	TokenScope   = "HDR_SCOPE"
)

// DefaultMarkers returns the marker set used when configuration is silent.
func DefaultMarkers() MarkerSet {
	return MarkerSet{
		ProblemOpen:  "[[Q]]",
		ProblemClose: "[[/Q]]",
		SubMarkers: []SubMarker{
			{Name: "answer", Literal: "[[A]]"},
		},
		HeaderTokens: []string{TokenDate, TokenTitle, TokenTeacher, TokenScope},
		BodyMarker:   "PROBLEMS_HERE",
	}
}

// Validate checks that the literals can be told apart.
func (m MarkerSet) Validate() error {
	var errs []error
	if m.ProblemOpen == "" {
		errs = append(errs, errors.New("problem_open is empty"))
	}
	if m.ProblemClose == "" {
		errs = append(errs, errors.New("problem_close is empty"))
	}
	if m.ProblemOpen != "" && m.ProblemOpen == m.ProblemClose {
		errs = append(errs, errors.New("problem_open and problem_close must differ"))
	}
	if m.BodyMarker == "" {
		errs = append(errs, errors.New("body_marker is empty"))
	}
	seen := map[string]bool{}
	for i, tok := range m.HeaderTokens {
		if tok == "" {
			errs = append(errs, fmt.Errorf("header_tokens[%d] is empty", i))
			continue
		}
		if seen[tok] {
			errs = append(errs, fmt.Errorf("header token %q declared twice", tok))
		}
		seen[tok] = true
	}
	if slices.Contains(m.HeaderTokens, m.BodyMarker) {
		errs = append(errs, fmt.Errorf("body marker %q is also a header token", m.BodyMarker))
	}
	for i, sm := range m.SubMarkers {
		if sm.Name == "" || sm.Literal == "" {
			errs = append(errs, fmt.Errorf("sub_markers[%d] needs name and literal", i))
		}
	}
	return errors.Join(errs...)
}
