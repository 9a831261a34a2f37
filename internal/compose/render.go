package compose

import (
	"fmt"
	"strings"

	"github.com/pbaille/problembank/internal/domain"
)

// Renderer turns problems into the plain text inserted at the body marker.
type Renderer struct {
	// Numbered prefixes each problem with "1. ", "2. ", ...
	Numbered bool `koanf:"numbered" yaml:"numbered" json:"numbered"`
	// Regions lists sub-regions printed under the stem, e.g. "answer".
	Regions []string `koanf:"regions" yaml:"regions" json:"regions"`
	// Annotations lists tag categories printed as "[category] value" lines.
	Annotations []string `koanf:"annotations" yaml:"annotations" json:"annotations"`
}

// Render joins problems with a blank line, in the order given.
func (r Renderer) Render(problems []domain.Problem) string {
	blocks := make([]string, 0, len(problems))
	for i, p := range problems {
		blocks = append(blocks, r.renderOne(i+1, p))
	}
	return strings.Join(blocks, "\n\n")
}

func (r Renderer) renderOne(n int, p domain.Problem) string {
	var lines []string
	stem := p.Stem
	if r.Numbered {
		stem = fmt.Sprintf("%d. %s", n, stem)
	}
	lines = append(lines, stem)
	for _, name := range r.Regions {
		if v := p.Regions[name]; v != "" {
			lines = append(lines, fmt.Sprintf("[%s] %s", name, v))
		}
	}
	for _, cat := range r.Annotations {
		if vals := p.Tags[cat]; len(vals) > 0 {
			lines = append(lines, fmt.Sprintf("[%s] %s", cat, strings.Join(vals, ", ")))
		}
	}
	return strings.Join(lines, "\n")
}
