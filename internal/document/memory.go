package document

import (
	"errors"
	"fmt"
	"os"
)

// Region seeds one region of a Memory document.
type Region struct {
	Kind   RegionKind
	Name   string
	Text   string
	Tables int
}

// Memory is an in-memory document. It backs plain text sources and serves as
// the fake editor in tests.
type Memory struct {
	model

	// FabricateOnEnter reproduces editors that create a new header region
	// when asked to enter one.
	FabricateOnEnter bool

	entered []RegionKind
	saved   []string
}

// NewMemory builds a document from regions in the given order.
func NewMemory(regions ...Region) *Memory {
	m := &Memory{}
	for _, r := range regions {
		m.regions = append(m.regions, &region{
			kind:   r.Kind,
			name:   r.Name,
			tables: r.Tables,
			pieces: []piece{{text: r.Text, editable: true, ref: -1}},
		})
	}
	m.resetCursor()
	return m
}

// NewMemoryText builds a document with an optional header and footer.
// Empty header or footer text means the region is absent.
func NewMemoryText(header, body, footer string) *Memory {
	regions := []Region{}
	if header != "" {
		regions = append(regions, Region{Kind: RegionHeader, Text: header})
	}
	regions = append(regions, Region{Kind: RegionBody, Text: body})
	if footer != "" {
		regions = append(regions, Region{Kind: RegionFooter, Text: footer})
	}
	return NewMemory(regions...)
}

func (m *Memory) EnterRegion(kind RegionKind) error {
	if m.closed {
		return ErrClosed
	}
	if kind == RegionHeader && m.FabricateOnEnter {
		m.regions = append(m.regions, &region{
			kind:   RegionHeader,
			name:   fmt.Sprintf("header%d", len(m.regions)),
			pieces: []piece{{editable: true, ref: -1}},
		})
	}
	m.entered = append(m.entered, kind)
	return nil
}

func (m *Memory) ExitRegion() error {
	if m.closed {
		return ErrClosed
	}
	if len(m.entered) == 0 {
		return errors.New("exit region: not inside a region")
	}
	m.entered = m.entered[:len(m.entered)-1]
	return nil
}

// Entered returns the regions currently entered, innermost last.
func (m *Memory) Entered() []RegionKind {
	return append([]RegionKind(nil), m.entered...)
}

func (m *Memory) ReplaceAll(scope Scope, find, replace string) (int, error) {
	return m.replaceAll(scope, find, replace)
}

// Save writes the document text to path.
func (m *Memory) Save(path string) error {
	if m.closed {
		return ErrClosed
	}
	if path == "" {
		return errors.New("save: empty path")
	}
	text, err := m.Text(ScopeDocument)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	m.saved = append(m.saved, path)
	return nil
}

// Saved lists the paths Save wrote to.
func (m *Memory) Saved() []string {
	return append([]string(nil), m.saved...)
}

func (m *Memory) Close() error {
	m.closed = true
	return nil
}

func (m *Memory) Closed() bool { return m.closed }

var (
	_ Session          = (*Memory)(nil)
	_ StructuralEditor = (*Memory)(nil)
)
