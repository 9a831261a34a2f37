package editor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/problembank/internal/document"
)

// crashClient exits the helper process on "Crash".
type crashClient struct{ Client }

func (c crashClient) Call(ctx context.Context, method string, params any, result any) error {
	if method == "Crash" {
		os.Exit(3)
	}
	return c.Client.Call(ctx, method, params, result)
}

// TestHelperProcess is the worker process started by the manager tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("PBANK_EDITOR_HELPER") != "1" {
		return
	}
	local := NewLocal(document.FileOpener{})
	err := Serve(context.Background(), crashClient{local}, os.Stdin, os.Stdout, nil)
	_ = local.Close()
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func helperManager(t *testing.T) *Manager {
	t.Helper()
	mgr := New(Config{
		Command: []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Env:     []string{"PBANK_EDITOR_HELPER=1"},
	}, nil)
	require.NoError(t, mgr.Start())
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestManagerRoundTrip(t *testing.T) {
	mgr := helperManager(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "template.txt")
	require.NoError(t, os.WriteFile(src, []byte("Title: HDR_TITLE"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, mgr.HealthCheck(ctx))

	op := &Opener{Client: mgr}
	s, err := op.Open(ctx, src, document.OpenOptions{})
	require.NoError(t, err)

	found, err := s.Find(document.ScopeBody, "HDR_TITLE")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, s.DeleteSelection())
	require.NoError(t, s.InsertText("Quiz 3"))

	err = s.DeleteSelection()
	assert.ErrorIs(t, err, document.ErrNoSelection)

	out := filepath.Join(dir, "out.txt")
	require.NoError(t, s.Save(out))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Title: Quiz 3", string(data))
	orig, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, "Title: HDR_TITLE", string(orig))

	_, err = s.Text(document.ScopeBody)
	assert.ErrorIs(t, err, document.ErrClosed)
}

func TestManagerRestartOnCrash(t *testing.T) {
	mgr := helperManager(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, mgr.HealthCheck(ctx))

	err := mgr.Call(ctx, "Crash", map[string]any{}, nil)
	assert.ErrorIs(t, err, ErrUnavailable)

	require.NoError(t, mgr.HealthCheck(ctx))
}

func TestManagerWithoutCommand(t *testing.T) {
	mgr := New(Config{MaxRestarts: 1}, nil)
	assert.ErrorIs(t, mgr.Start(), ErrUnavailable)
	assert.ErrorIs(t, mgr.Call(context.Background(), "WorkerGetInfo", nil, nil), ErrUnavailable)
	assert.True(t, mgr.disabled)
}

func TestManagerDisablesAfterRepeatedCrashes(t *testing.T) {
	mgr := New(Config{
		Command:     []string{os.Args[0], "-test.run=^TestHelperProcess$"},
		Env:         []string{"PBANK_EDITOR_HELPER=1"},
		MaxRestarts: 2,
	}, nil)
	t.Cleanup(func() { _ = mgr.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for range 2 {
		assert.ErrorIs(t, mgr.Call(ctx, "Crash", map[string]any{}, nil), ErrUnavailable)
	}
	require.Eventually(t, func() bool {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		return mgr.disabled
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, mgr.HealthCheck(ctx), ErrUnavailable)
}

func TestManagerClosedRefusesCalls(t *testing.T) {
	mgr := helperManager(t)
	require.NoError(t, mgr.Close())
	assert.ErrorIs(t, mgr.Call(context.Background(), "WorkerGetInfo", nil, nil), ErrUnavailable)
	require.NoError(t, mgr.Close())
}

func TestManagerOpenMissingFileIsFinal(t *testing.T) {
	mgr := helperManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	op := &Opener{Client: mgr}
	_, err := op.Open(ctx, filepath.Join(t.TempDir(), "missing.txt"), document.OpenOptions{})
	assert.ErrorIs(t, err, fs.ErrNotExist)
	var acq *document.SessionAcquisitionError
	assert.False(t, errors.As(err, &acq))

	broken := filepath.Join(t.TempDir(), "broken.docx")
	require.NoError(t, os.WriteFile(broken, []byte("not a zip"), 0o644))
	_, err = op.Open(ctx, broken, document.OpenOptions{})
	assert.ErrorIs(t, err, document.ErrInvalidDocument)
	assert.False(t, errors.As(err, &acq))

	_, err = op.Open(ctx, filepath.Join(t.TempDir(), "x.pdf"), document.OpenOptions{})
	assert.ErrorIs(t, err, document.ErrUnsupportedFormat)
	assert.False(t, errors.As(err, &acq))
}

func TestFakeServesRegisteredMemory(t *testing.T) {
	fake := NewFake()
	doc := document.NewMemoryText("HDR_DATE", "PROBLEMS_HERE", "")
	fake.Register("template.docx", doc)

	op := &Opener{Client: fake}
	s, err := op.Open(t.Context(), "template.docx", document.OpenOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, fake.Open())

	found, err := s.Find(document.ScopeHeader, "HDR_DATE")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, s.DeleteSelection())
	require.NoError(t, s.InsertText("2026.10.19"))

	st, err := s.Structure()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count(document.RegionHeader))

	text, err := s.Text(document.ScopeDocument)
	require.NoError(t, err)
	assert.Equal(t, "2026.10.19\nPROBLEMS_HERE", text)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, fake.Open())
	assert.True(t, doc.Closed())
}

func TestFakeFailOpens(t *testing.T) {
	fake := NewFake()
	fake.Register("t.txt", document.NewMemoryText("", "x", ""))
	fake.FailOpens = 1

	op := &Opener{Client: fake}
	_, err := op.Open(t.Context(), "t.txt", document.OpenOptions{})
	var acq *document.SessionAcquisitionError
	require.ErrorAs(t, err, &acq)
	assert.ErrorIs(t, err, ErrUnavailable)

	s, err := op.Open(t.Context(), "t.txt", document.OpenOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = op.Open(t.Context(), "unknown.txt", document.OpenOptions{})
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.False(t, errors.As(err, &acq))
}

func TestFakeUnknownDoc(t *testing.T) {
	fake := NewFake()
	err := fake.Call(t.Context(), "DocText", map[string]any{"doc_id": "nope"}, nil)
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeUnknownDoc, re.Code)
}
