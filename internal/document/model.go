package document

import (
	"fmt"
	"strings"
)

// piece is a run of region text. Only editable pieces may change; the rest
// stand for paragraph breaks and similar structure.
type piece struct {
	text     string
	editable bool
	ref      int
}

type region struct {
	kind   RegionKind
	name   string
	tables int
	pieces []piece
}

func (r *region) text() string {
	var b strings.Builder
	for _, p := range r.pieces {
		b.WriteString(p.text)
	}
	return b.String()
}

type position struct {
	region int
	offset int
}

type selection struct {
	region     int
	start, end int
}

// model implements cursor, selection and text edits over ordered regions.
type model struct {
	regions []*region
	cursor  position
	sel     *selection
	closed  bool
}

func (m *model) resetCursor() {
	m.sel = nil
	m.cursor = position{}
	for i, r := range m.regions {
		if r.kind == RegionBody {
			m.cursor.region = i
			return
		}
	}
}

// inScope lists region indexes visible in scope, in document order.
func (m *model) inScope(scope Scope) []int {
	var kinds []RegionKind
	switch scope {
	case ScopeBody:
		kinds = []RegionKind{RegionBody}
	case ScopeHeader:
		kinds = []RegionKind{RegionHeader}
	case ScopeFooter:
		kinds = []RegionKind{RegionFooter}
	default:
		kinds = []RegionKind{RegionHeader, RegionBody, RegionFooter}
	}
	var out []int
	for _, k := range kinds {
		for i, r := range m.regions {
			if r.kind == k {
				out = append(out, i)
			}
		}
	}
	return out
}

func (m *model) Text(scope Scope) (string, error) {
	if m.closed {
		return "", ErrClosed
	}
	idx := m.inScope(scope)
	parts := make([]string, len(idx))
	for i, ri := range idx {
		parts[i] = m.regions[ri].text()
	}
	return strings.Join(parts, "\n"), nil
}

func (m *model) Structure() (Structure, error) {
	if m.closed {
		return Structure{}, ErrClosed
	}
	var s Structure
	for _, r := range m.regions {
		s.Regions = append(s.Regions, RegionInfo{Kind: r.kind, Name: r.name, Tables: r.tables})
	}
	return s, nil
}

func (m *model) Find(scope Scope, literal string) (bool, error) {
	if m.closed {
		return false, ErrClosed
	}
	if literal == "" {
		return false, ErrEmptyLiteral
	}
	for _, ri := range m.inScope(scope) {
		if i := strings.Index(m.regions[ri].text(), literal); i >= 0 {
			m.sel = &selection{region: ri, start: i, end: i + len(literal)}
			m.cursor = position{region: ri, offset: i}
			return true, nil
		}
	}
	m.sel = nil
	return false, nil
}

func (m *model) DeleteSelection() error {
	if m.closed {
		return ErrClosed
	}
	if m.sel == nil {
		return ErrNoSelection
	}
	s := *m.sel
	if err := m.deleteRange(s.region, s.start, s.end); err != nil {
		return err
	}
	m.sel = nil
	m.cursor = position{region: s.region, offset: s.start}
	return nil
}

func (m *model) InsertText(text string) error {
	if m.closed {
		return ErrClosed
	}
	if len(m.regions) == 0 {
		return fmt.Errorf("insert text: document has no regions")
	}
	if err := m.insertAt(m.cursor.region, m.cursor.offset, text); err != nil {
		return err
	}
	m.sel = nil
	m.cursor.offset += len(text)
	return nil
}

func (m *model) deleteRange(ri, start, end int) error {
	r := m.regions[ri]
	// refuse before mutating anything
	off := 0
	for _, p := range r.pieces {
		pEnd := off + len(p.text)
		if !p.editable && off < end && pEnd > start {
			return fmt.Errorf("delete %d..%d: %w", start, end, ErrNotEditable)
		}
		off = pEnd
	}
	off = 0
	for i := range r.pieces {
		p := &r.pieces[i]
		pStart, pEnd := off, off+len(p.text)
		off = pEnd
		lo, hi := max(start, pStart), min(end, pEnd)
		if lo >= hi {
			continue
		}
		p.text = p.text[:lo-pStart] + p.text[hi-pStart:]
		off -= hi - lo
		end -= hi - lo
	}
	return nil
}

func (m *model) insertAt(ri, offset int, text string) error {
	r := m.regions[ri]
	off := 0
	for i := range r.pieces {
		p := &r.pieces[i]
		pEnd := off + len(p.text)
		if p.editable && offset >= off && offset <= pEnd {
			at := offset - off
			p.text = p.text[:at] + text + p.text[at:]
			return nil
		}
		off = pEnd
	}
	return fmt.Errorf("insert at %d: no text run at cursor: %w", offset, ErrNotEditable)
}

// replaceAll substitutes every occurrence in scope and returns the count.
func (m *model) replaceAll(scope Scope, find, replace string) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if find == "" {
		return 0, ErrEmptyLiteral
	}
	n := 0
	for _, ri := range m.inScope(scope) {
		from := 0
		for {
			t := m.regions[ri].text()
			i := strings.Index(t[from:], find)
			if i < 0 {
				break
			}
			at := from + i
			if err := m.deleteRange(ri, at, at+len(find)); err != nil {
				return n, err
			}
			if err := m.insertAt(ri, at, replace); err != nil {
				return n, err
			}
			from = at + len(replace)
			n++
		}
	}
	m.sel = nil
	return n, nil
}
