package compose

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/problembank/internal/diagnostic"
	"github.com/pbaille/problembank/internal/document"
	"github.com/pbaille/problembank/internal/domain"
)

func problems(stems ...string) []domain.Problem {
	out := make([]domain.Problem, len(stems))
	for i, s := range stems {
		out[i] = domain.Problem{ID: s, Stem: s, Tags: domain.Tags{"unit": {"u1"}}}
	}
	return out
}

func header() domain.TokenMapping {
	return domain.TokenMapping{domain.TokenDate: "2026.10.19", domain.TokenTitle: "Quiz"}
}

func outPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "out.txt")
}

func TestComposeHeaderAndBody(t *testing.T) {
	doc := document.NewMemoryText("HDR_TITLE / HDR_DATE", "Solve:\nPROBLEMS_HERE\nEnd", "")
	c := New(domain.DefaultMarkers(), Renderer{}, nil)

	out := outPath(t)
	res, err := c.Compose(context.Background(), doc, Request{
		HeaderValues: header(),
		Problems:     problems("stem A", "stem B"),
		OutputPath:   out,
	}, diagnostic.Defaults())
	require.NoError(t, err)

	text, _ := doc.Text(document.ScopeDocument)
	assert.Equal(t, "Quiz / 2026.10.19\nSolve:\nstem A\n\nstem B\nEnd", text)
	assert.Equal(t, []string{StageHeader, StageBody, StageSave}, res.Stages)
	assert.Equal(t, []string{domain.TokenTeacher, domain.TokenScope}, res.UnusedTokens)
	assert.Equal(t, 2, res.Inserted)
	assert.Zero(t, res.ExtraBodyMarkers)

	saved, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, text, string(saved))
}

func TestHeaderOnlyNeverTouchesBody(t *testing.T) {
	doc := document.NewMemoryText("HDR_TITLE", "PROBLEMS_HERE HDR_DATE", "")
	cfg := diagnostic.Defaults()
	cfg.Mode = diagnostic.ModeHeaderOnly

	res, err := New(domain.DefaultMarkers(), Renderer{}, nil).Compose(context.Background(), doc,
		Request{HeaderValues: header(), Problems: problems("a"), OutputPath: outPath(t)}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{StageHeader, StageSave}, res.Stages)

	head, _ := doc.Text(document.ScopeHeader)
	assert.Equal(t, "Quiz", head)
	body, _ := doc.Text(document.ScopeBody)
	assert.Contains(t, body, "PROBLEMS_HERE")
}

func TestBodyOnlyLeavesHeaderTokens(t *testing.T) {
	doc := document.NewMemoryText("HDR_TITLE HDR_DATE", "PROBLEMS_HERE", "")
	cfg := diagnostic.Defaults()
	cfg.Mode = diagnostic.ModeBodyOnly

	res, err := New(domain.DefaultMarkers(), Renderer{}, nil).Compose(context.Background(), doc,
		Request{HeaderValues: header(), Problems: problems("a"), OutputPath: outPath(t)}, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{StageBody, StageSave}, res.Stages)

	head, _ := doc.Text(document.ScopeHeader)
	assert.Equal(t, "HDR_TITLE HDR_DATE", head)
	body, _ := doc.Text(document.ScopeBody)
	assert.Equal(t, "a", body)
}

func TestMissingBodyMarkerLeavesTemplateUntouched(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "template.txt")
	require.NoError(t, os.WriteFile(tmpl, []byte("HDR_TITLE\nno marker here"), 0o644))

	s, err := document.FileOpener{}.Open(context.Background(), tmpl, document.OpenOptions{})
	require.NoError(t, err)
	defer s.Close()

	out := filepath.Join(dir, "out.txt")
	_, err = New(domain.DefaultMarkers(), Renderer{}, nil).Compose(context.Background(), s,
		Request{HeaderValues: header(), Problems: problems("a"), OutputPath: out}, diagnostic.Defaults())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBodyMarkerNotFound))

	var partial *PartialCompositionError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, []string{StageHeader}, partial.Completed)
	assert.Equal(t, StageBody, partial.Failed)
	assert.Contains(t, err.Error(), "discard the output")

	data, err := os.ReadFile(tmpl)
	require.NoError(t, err)
	assert.Equal(t, "HDR_TITLE\nno marker here", string(data))
	_, err = os.Stat(out)
	assert.True(t, os.IsNotExist(err))
}

func TestMissingBodyMarkerWithoutMutationIsPlain(t *testing.T) {
	doc := document.NewMemoryText("", "nothing", "")
	_, err := New(domain.DefaultMarkers(), Renderer{}, nil).Compose(context.Background(), doc,
		Request{Problems: problems("a"), OutputPath: outPath(t)}, diagnostic.Defaults())

	var missing *BodyMarkerNotFoundError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "PROBLEMS_HERE", missing.Marker)
	var partial *PartialCompositionError
	assert.False(t, errors.As(err, &partial))
}

func TestExtraBodyMarkersFirstWins(t *testing.T) {
	doc := document.NewMemoryText("", "PROBLEMS_HERE | PROBLEMS_HERE | PROBLEMS_HERE", "")
	res, err := New(domain.DefaultMarkers(), Renderer{}, nil).Compose(context.Background(), doc,
		Request{Problems: problems("x"), OutputPath: outPath(t)}, diagnostic.Defaults())
	require.NoError(t, err)
	assert.Equal(t, 2, res.ExtraBodyMarkers)
	body, _ := doc.Text(document.ScopeBody)
	assert.Equal(t, "x | PROBLEMS_HERE | PROBLEMS_HERE", body)
}

func TestAllReplaceStrategyExposesFabricatedHeader(t *testing.T) {
	cell := document.NewMemoryText("HDR_TITLE", "PROBLEMS_HERE", "")
	cell.FabricateOnEnter = true
	_, err := New(domain.DefaultMarkers(), Renderer{}, nil).Compose(context.Background(), cell,
		Request{HeaderValues: header(), OutputPath: outPath(t)}, diagnostic.Defaults())
	require.NoError(t, err)
	st, _ := cell.Structure()
	assert.Equal(t, 1, st.Count(document.RegionHeader))

	all := document.NewMemoryText("HDR_TITLE", "PROBLEMS_HERE", "")
	all.FabricateOnEnter = true
	cfg := diagnostic.Defaults()
	cfg.HeaderStrategy = diagnostic.StrategyAllReplace
	cfg.HeaderExit = false
	res, err := New(domain.DefaultMarkers(), Renderer{}, nil).Compose(context.Background(), all,
		Request{HeaderValues: header(), OutputPath: outPath(t)}, cfg)
	require.NoError(t, err)
	st, _ = all.Structure()
	assert.Equal(t, 2, st.Count(document.RegionHeader))
	assert.Equal(t, []document.RegionKind{document.RegionHeader}, all.Entered())
	assert.Contains(t, res.UnusedTokens, domain.TokenDate)
}

func TestBodyLimitAndDiffs(t *testing.T) {
	doc := document.NewMemoryText("HDR_TITLE", "PROBLEMS_HERE", "")
	cfg := diagnostic.Defaults()
	cfg.Mode = diagnostic.ModeCombined
	cfg.BodyLimit = 1
	cfg.Diff = true

	res, err := New(domain.DefaultMarkers(), Renderer{Numbered: true}, nil).Compose(context.Background(), doc,
		Request{HeaderValues: header(), Problems: problems("a", "b", "c"), OutputPath: outPath(t)}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	body, _ := doc.Text(document.ScopeBody)
	assert.Equal(t, "1. a", body)

	require.Len(t, res.Diffs, 2)
	assert.Equal(t, StageHeader, res.Diffs[0].Stage)
	assert.True(t, res.Diffs[0].Changed())
	assert.Equal(t, StageBody, res.Diffs[1].Stage)
	assert.True(t, res.Diffs[1].Changed())
}

type failingSave struct{ *document.Memory }

func (failingSave) Save(string) error { return errors.New("disk full") }

func TestSaveFailureIsPartial(t *testing.T) {
	doc := failingSave{document.NewMemoryText("HDR_TITLE", "PROBLEMS_HERE", "")}
	_, err := New(domain.DefaultMarkers(), Renderer{}, nil).Compose(context.Background(), doc,
		Request{HeaderValues: header(), Problems: problems("a"), OutputPath: outPath(t)}, diagnostic.Defaults())

	var partial *PartialCompositionError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, StageSave, partial.Failed)
	assert.Equal(t, []string{StageHeader, StageBody}, partial.Completed)
	assert.ErrorContains(t, err, "disk full")
}

func TestCanceledBeforeFirstStage(t *testing.T) {
	doc := document.NewMemoryText("HDR_TITLE", "PROBLEMS_HERE", "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(domain.DefaultMarkers(), Renderer{}, nil).Compose(ctx, doc,
		Request{HeaderValues: header(), OutputPath: outPath(t)}, diagnostic.Defaults())
	assert.ErrorIs(t, err, context.Canceled)
	text, _ := doc.Text(document.ScopeDocument)
	assert.Equal(t, "HDR_TITLE\nPROBLEMS_HERE", text)
}

func TestComposeRequiresOutputPath(t *testing.T) {
	doc := document.NewMemoryText("", "PROBLEMS_HERE", "")
	_, err := New(domain.DefaultMarkers(), Renderer{}, nil).Compose(context.Background(), doc,
		Request{}, diagnostic.Defaults())
	assert.Error(t, err)
}

func TestRenderer(t *testing.T) {
	p := domain.Problem{
		Stem:    "What is 2+2?",
		Regions: map[string]string{"answer": "4"},
		Tags:    domain.Tags{"unit": {"arith"}, "difficulty": {"easy"}},
	}
	r := Renderer{Numbered: true, Regions: []string{"answer"}, Annotations: []string{"unit", "source", "difficulty"}}
	assert.Equal(t, "1. What is 2+2?\n[answer] 4\n[unit] arith\n[difficulty] easy\n\n2. What is 2+2?\n[answer] 4\n[unit] arith\n[difficulty] easy",
		r.Render([]domain.Problem{p, p}))
	assert.Equal(t, "", Renderer{}.Render(nil))
}
