package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	stats := Summarize(testRecords())
	assert.Equal(t, 5, stats.TotalObjects)
	assert.Equal(t, 3, stats.TotalLabels)
	assert.Equal(t, map[string]int{"perch": 3, "pike": 1, "roach": 1}, stats.Labels)
	assert.InDelta(t, 0.68, stats.MeanProbability, 1e-9)

	require.Len(t, stats.PerLabel, 3)
	perch := stats.PerLabel[0]
	assert.Equal(t, "perch", perch.Label)
	assert.InDelta(t, 2.0/3.0, perch.MeanProbability, 1e-9)
	assert.InDelta(t, 40.0/3.0, perch.MeanDuration, 1e-9)
	assert.InDelta(t, 10.0, perch.MedianDuration, 1e-9)
	assert.Greater(t, perch.StdProbability, 0.0)
	// Equal counts are ordered by name
	assert.Equal(t, "pike", stats.PerLabel[1].Label)
	assert.Equal(t, "roach", stats.PerLabel[2].Label)
	assert.Equal(t, 0.0, stats.PerLabel[1].StdProbability)

	empty := Summarize(nil)
	assert.Equal(t, 0, empty.TotalObjects)
	assert.NotNil(t, empty.Labels)
}

func TestRenderCharts(t *testing.T) {
	stats := Summarize(testRecords())

	html := &bytes.Buffer{}
	require.NoError(t, RenderHTML(html, stats, "Job"))
	assert.Contains(t, html.String(), "perch")

	png := &bytes.Buffer{}
	require.NoError(t, RenderPNG(png, stats, "Job"))
	assert.True(t, bytes.HasPrefix(png.Bytes(), []byte("\x89PNG")))

	png.Reset()
	require.NoError(t, RenderPNG(png, Summarize(nil), "Empty"))
	assert.NotZero(t, png.Len())
}
