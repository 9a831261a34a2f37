package document

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileOpener opens local files, choosing the session type by extension.
// Only a cancelled context is reported as SessionAcquisitionError: a missing
// or unparseable file does not get better on retry.
type FileOpener struct{}

func (FileOpener) Open(ctx context.Context, path string, _ OpenOptions) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SessionAcquisitionError{Path: path, Err: err}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx":
		d, err := OpenDocx(path)
		if err != nil {
			return nil, openError(path, err)
		}
		return d, nil
	case ".txt", ".text", ".md":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, openError(path, err)
		}
		return NewMemory(Region{Kind: RegionBody, Name: filepath.Base(path), Text: string(data)}), nil
	case ".html", ".htm":
		f, err := os.Open(path)
		if err != nil {
			return nil, openError(path, err)
		}
		defer f.Close()
		m, err := LoadHTML(f)
		if err != nil {
			return nil, openError(path, err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("open %s: %w", path, ErrUnsupportedFormat)
}

// openError keeps file system errors as they are and marks anything else as
// a document that could not be parsed.
func openError(path string, err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return fmt.Errorf("open %s: %w", path, err)
	}
	return fmt.Errorf("open %s: %w: %w", path, ErrInvalidDocument, err)
}

// Supported reports whether FileOpener can open path.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".docx", ".txt", ".text", ".md", ".html", ".htm":
		return true
	}
	return false
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path string, opts OpenOptions) (Session, error)

func (f OpenerFunc) Open(ctx context.Context, path string, opts OpenOptions) (Session, error) {
	return f(ctx, path, opts)
}
