package domain

import (
	"slices"
	"time"
)

// SourceKind tells where a problem bank document came from.
type SourceKind string

const (
	SourceTextbook SourceKind = "textbook"
	SourceExam     SourceKind = "exam"
)

// Source is a problem bank document registered for extraction
type Source struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Kind         SourceKind `json:"kind"`
	DefaultTags  Tags       `json:"default_tags,omitempty"`
	ProblemCount int        `json:"problem_count"`
	ParsedAt     *time.Time `json:"parsed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Problem is one exam question extracted from a source document.
// ID and OriginalID stay empty until the record is committed to the store.
type Problem struct {
	ID           string            `json:"id,omitempty"`
	SourceID     string            `json:"source_id"`
	BlockIndex   int               `json:"block_index"`
	Stem         string            `json:"stem"`
	Regions      map[string]string `json:"regions,omitempty"`
	Text         string            `json:"text"`
	Tags         Tags              `json:"tags,omitempty"`
	OriginalID   string            `json:"original_id,omitempty"`
	OriginalPath string            `json:"original_path,omitempty"`
	Creator      string            `json:"creator,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Tags maps a tag category to a set of values
type Tags map[string][]string

// Add inserts value into category, keeping values sorted and unique.
func (t Tags) Add(category, value string) {
	vals := t[category]
	i, found := slices.BinarySearch(vals, value)
	if found {
		return
	}
	t[category] = slices.Insert(vals, i, value)
}

// Set replaces the values of category.
func (t Tags) Set(category string, values ...string) {
	out := slices.Clone(values)
	slices.Sort(out)
	t[category] = slices.Compact(out)
}

// First returns the first value of category, or "".
func (t Tags) First(category string) string {
	if vals := t[category]; len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// Clone returns a deep copy.
func (t Tags) Clone() Tags {
	out := make(Tags, len(t))
	for k, v := range t {
		out[k] = slices.Clone(v)
	}
	return out
}

// Merge overlays other on top of t category by category and returns the result.
// Categories present in other replace the ones in t; t itself is not modified.
func (t Tags) Merge(other Tags) Tags {
	out := t.Clone()
	for k, v := range other {
		out.Set(k, v...)
	}
	return out
}

// Category is one entry of a TagSchema
type Category struct {
	Name     string   `json:"name" koanf:"name" yaml:"name"`
	Allowed  []string `json:"allowed" koanf:"allowed" yaml:"allowed"`
	Required bool     `json:"required" koanf:"required" yaml:"required"`
}

// Allows reports whether value belongs to the category's allowed set.
// An empty allowed set accepts any non-empty value.
func (c Category) Allows(value string) bool {
	if len(c.Allowed) == 0 {
		return value != ""
	}
	return slices.Contains(c.Allowed, value)
}

// TagSchema is the ordered set of tag categories a problem may carry.
type TagSchema struct {
	Categories []Category `json:"categories" koanf:"categories" yaml:"categories"`
}

// Lookup finds a category by name.
func (s TagSchema) Lookup(name string) (Category, bool) {
	for _, c := range s.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

// TokenMapping maps a field token to its plain-text replacement.
type TokenMapping map[string]string

// Segment is the span between a matched open and close marker.
// Start and End are byte offsets covering both markers; Content excludes them.
type Segment struct {
	Index   int    `json:"index"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Content string `json:"content"`
}

// Worksheet records one composed worksheet. The saved file itself is kept
// by the store next to the record.
type Worksheet struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Creator      string    `json:"creator"`
	TemplatePath string    `json:"template_path"`
	OutputPath   string    `json:"output_path"`
	ProblemIDs   []string  `json:"problem_ids"`
	Numbered     bool      `json:"numbered"`
	Size         int       `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}
