package document

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// xmlNode is the byte span of one w:t element inside a part.
type xmlNode struct {
	start, end int
	prefix     string
	orig       string
}

type docxPart struct {
	name   string
	raw    []byte
	nodes  []xmlNode
	region *region
}

// Docx is an editing session over a .docx file. Edits only rewrite the
// contents of w:t elements; everything else is saved byte for byte.
type Docx struct {
	model
	path    string
	archive []byte
	parts   map[string]*docxPart
}

var _ Session = (*Docx)(nil)

// OpenDocx reads the archive at path and indexes its header, body and
// footer parts.
func OpenDocx(path string) (*Docx, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}

	d := &Docx{path: path, archive: data, parts: map[string]*docxPart{}}
	var headers, bodies, footers []*docxPart
	for _, f := range zr.File {
		kind, ok := partKind(f.Name)
		if !ok {
			continue
		}
		raw, err := readZipFile(f)
		if err != nil {
			return nil, err
		}
		part, err := parsePart(f.Name, raw, kind)
		if err != nil {
			return nil, err
		}
		d.parts[f.Name] = part
		switch kind {
		case RegionHeader:
			headers = append(headers, part)
		case RegionBody:
			bodies = append(bodies, part)
		case RegionFooter:
			footers = append(footers, part)
		}
	}
	if len(bodies) == 0 {
		return nil, errors.New("word/document.xml not found in archive")
	}

	byName := func(a, b *docxPart) int { return strings.Compare(a.name, b.name) }
	slices.SortFunc(headers, byName)
	slices.SortFunc(footers, byName)
	for _, group := range [][]*docxPart{headers, bodies, footers} {
		for _, p := range group {
			d.regions = append(d.regions, p.region)
		}
	}
	d.resetCursor()
	return d, nil
}

func partKind(name string) (RegionKind, bool) {
	if name == "word/document.xml" {
		return RegionBody, true
	}
	if !strings.HasPrefix(name, "word/") || !strings.HasSuffix(name, ".xml") || strings.Contains(name[5:], "/") {
		return "", false
	}
	base := strings.TrimSuffix(name[5:], ".xml")
	switch {
	case strings.HasPrefix(base, "header"):
		return RegionHeader, true
	case strings.HasPrefix(base, "footer"):
		return RegionFooter, true
	}
	return "", false
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return data, nil
}

// parsePart walks the part with RawToken so offsets line up with raw.
func parsePart(name string, raw []byte, kind RegionKind) (*docxPart, error) {
	part := &docxPart{name: name, raw: raw, region: &region{kind: kind, name: name}}
	dec := xml.NewDecoder(bytes.NewReader(raw))

	var cur *xmlNode
	var text strings.Builder
	runDepth := 0
	sep := func(s string) {
		part.region.pieces = append(part.region.pieces, piece{text: s, ref: -1})
	}

	for {
		before := int(dec.InputOffset())
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		after := int(dec.InputOffset())

		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				cur = &xmlNode{start: before, prefix: t.Name.Space}
				text.Reset()
			case "r":
				runDepth++
			case "br", "cr":
				if runDepth > 0 {
					sep("\n")
				}
			case "tab":
				if runDepth > 0 {
					sep("\t")
				}
			case "tbl":
				part.region.tables++
			}
		case xml.CharData:
			if cur != nil {
				text.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				if cur == nil {
					continue
				}
				cur.end = after
				cur.orig = text.String()
				part.region.pieces = append(part.region.pieces, piece{
					text:     cur.orig,
					editable: true,
					ref:      len(part.nodes),
				})
				part.nodes = append(part.nodes, *cur)
				cur = nil
			case "r":
				runDepth--
			case "p":
				sep("\n")
			}
		}
	}
	return part, nil
}

// texts returns the current content of every w:t node, and whether any changed.
func (p *docxPart) texts() ([]string, bool) {
	out := make([]string, len(p.nodes))
	for _, pc := range p.region.pieces {
		if pc.ref >= 0 {
			out[pc.ref] = pc.text
		}
	}
	changed := false
	for i, n := range p.nodes {
		if out[i] != n.orig {
			changed = true
			break
		}
	}
	return out, changed
}

func (p *docxPart) render(texts []string) []byte {
	var b bytes.Buffer
	last := 0
	for i, n := range p.nodes {
		b.Write(p.raw[last:n.start])
		writeText(&b, n.prefix, texts[i])
		last = n.end
	}
	b.Write(p.raw[last:])
	return b.Bytes()
}

// writeText emits one w:t element per line with w:br between lines.
func writeText(b *bytes.Buffer, prefix, text string) {
	el := func(local string) string {
		if prefix == "" {
			return local
		}
		return prefix + ":" + local
	}
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			fmt.Fprintf(b, "<%s/>", el("br"))
		}
		fmt.Fprintf(b, `<%s xml:space="preserve">`, el("t"))
		_ = xml.EscapeText(b, []byte(line))
		fmt.Fprintf(b, "</%s>", el("t"))
	}
}

// Save writes a new archive to path. Unchanged entries are copied raw.
func (d *Docx) Save(path string) error {
	if d.closed {
		return ErrClosed
	}
	zr, err := zip.NewReader(bytes.NewReader(d.archive), int64(len(d.archive)))
	if err != nil {
		return fmt.Errorf("reopen zip: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".pbank-*.docx")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw := zip.NewWriter(tmp)
	for _, f := range zr.File {
		part := d.parts[f.Name]
		if part != nil {
			if texts, changed := part.texts(); changed {
				w, err := zw.CreateHeader(&zip.FileHeader{
					Name:     f.Name,
					Method:   zip.Deflate,
					Modified: f.Modified,
				})
				if err != nil {
					tmp.Close()
					return fmt.Errorf("write %s: %w", f.Name, err)
				}
				if _, err := w.Write(part.render(texts)); err != nil {
					tmp.Close()
					return fmt.Errorf("write %s: %w", f.Name, err)
				}
				continue
			}
		}
		if err := zw.Copy(f); err != nil {
			tmp.Close()
			return fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("close zip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("save docx: %w", err)
	}
	return nil
}

func (d *Docx) Close() error {
	d.closed = true
	d.archive = nil
	return nil
}
