package extract

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/problembank/internal/domain"
	"github.com/pbaille/problembank/internal/scanner"
)

func TestExtractTwoBlocksInOrder(t *testing.T) {
	x := New(domain.DefaultMarkers(), false, nil)
	res := x.Extract("src-1", "[[Q]]stem A[[/Q]] [[Q]]stem B[[/Q]]")

	require.Len(t, res.Problems, 2)
	assert.Empty(t, res.Failures)
	assert.Equal(t, "stem A", res.Problems[0].Stem)
	assert.Equal(t, "stem B", res.Problems[1].Stem)
	for i, p := range res.Problems {
		assert.Equal(t, "src-1", p.SourceID)
		assert.Equal(t, i, p.BlockIndex)
		assert.Empty(t, p.ID)
	}
}

func TestExtractAnswerRegion(t *testing.T) {
	x := New(domain.DefaultMarkers(), false, nil)
	res := x.Extract("s", "[[Q]]\n  What is 2+2?\n[[A]] 4 \n[[/Q]]")

	require.Len(t, res.Problems, 1)
	p := res.Problems[0]
	assert.Equal(t, "What is 2+2?", p.Stem)
	assert.Equal(t, map[string]string{"answer": "4"}, p.Regions)
	assert.Equal(t, "What is 2+2?\n\n4", p.Text)
}

func TestRequiredRegionMissingDoesNotAbort(t *testing.T) {
	m := domain.DefaultMarkers()
	m.SubMarkers[0].Required = true
	x := New(m, false, nil)

	res := x.Extract("s", "[[Q]]no answer[[/Q]][[Q]]q[[A]]a[[/Q]]")
	require.Len(t, res.Problems, 1)
	assert.Equal(t, 1, res.Problems[0].BlockIndex)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 0, res.Failures[0].Index)
	assert.Equal(t, "answer", res.Failures[0].Part)

	var mbe *MalformedBlockError
	assert.True(t, errors.As(error(res.Failures[0]), &mbe))
}

func TestRequireStem(t *testing.T) {
	g := MarkerGrammar{SubMarkers: domain.DefaultMarkers().SubMarkers, RequireStem: true}
	_, err := g.Split("   [[A]] only answer")
	var mbe *MalformedBlockError
	require.ErrorAs(t, err, &mbe)
	assert.Equal(t, "stem", mbe.Part)

	g.RequireStem = false
	parts, err := g.Split("   [[A]] only answer")
	require.NoError(t, err)
	assert.Empty(t, parts.Stem)
	assert.Equal(t, "only answer", parts.Regions["answer"])
}

func TestRegionsFollowDocumentOrder(t *testing.T) {
	g := MarkerGrammar{SubMarkers: []domain.SubMarker{
		{Name: "answer", Literal: "[[A]]"},
		{Name: "hint", Literal: "[[H]]"},
	}}
	parts, err := g.Split("stem [[H]] hint text [[A]] answer text")
	require.NoError(t, err)
	assert.Equal(t, "stem", parts.Stem)
	assert.Equal(t, "hint text", parts.Regions["hint"])
	assert.Equal(t, "answer text", parts.Regions["answer"])
}

func TestScannerWarningsSurface(t *testing.T) {
	x := New(domain.DefaultMarkers(), false, nil)
	res := x.Extract("s", "[[Q]]a[[/Q]][[Q]]dangling")
	assert.Len(t, res.Problems, 1)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, scanner.WarnDanglingOpen, res.Warnings[0].Kind)
}
