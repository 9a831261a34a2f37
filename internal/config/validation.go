package config

import (
	"fmt"
	"strings"
)

// Path builds dotted field paths like "schema.categories[1].name" for errors.
type Path struct {
	segments []string
}

func NewPath(root string) *Path {
	return &Path{segments: []string{root}}
}

// Child returns a new path with the child segment appended.
func (p *Path) Child(name string) *Path {
	segs := make([]string, len(p.segments)+1)
	copy(segs, p.segments)
	segs[len(p.segments)] = name
	return &Path{segments: segs}
}

// Index appends an array index to the last segment.
func (p *Path) Index(i int) *Path {
	segs := make([]string, len(p.segments))
	copy(segs, p.segments)
	segs[len(segs)-1] = fmt.Sprintf("%s[%d]", segs[len(segs)-1], i)
	return &Path{segments: segs}
}

func (p *Path) String() string {
	return strings.Join(p.segments, ".")
}

// FieldError is a validation error for one config field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []*FieldError

func (ve ValidationErrors) Error() string {
	var b strings.Builder
	for i, e := range ve {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("- ")
		b.WriteString(e.Error())
	}
	return b.String()
}

// OrNil returns nil if there are no errors.
func (ve ValidationErrors) OrNil() error {
	if len(ve) == 0 {
		return nil
	}
	return ve
}

func Required(path *Path) *FieldError {
	return &FieldError{Field: path.String(), Message: "is required"}
}

func Invalid(path *Path, msg string) *FieldError {
	return &FieldError{Field: path.String(), Message: msg}
}
