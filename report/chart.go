package report

import (
	"fmt"
	"io"
	"math"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// RenderHTML writes an interactive page with objects per label and mean time in view
func RenderHTML(w io.Writer, stats Stats, title string) error {
	labels := make([]string, 0, len(stats.PerLabel))
	counts := make([]opts.BarData, 0, len(stats.PerLabel))
	durations := make([]opts.BarData, 0, len(stats.PerLabel))
	for _, labelStats := range stats.PerLabel {
		labels = append(labels, labelStats.Label)
		counts = append(counts, opts.BarData{Value: labelStats.Count})
		durations = append(durations, opts.BarData{Value: math.Round(labelStats.MeanDuration*10) / 10})
	}
	subtitle := fmt.Sprintf("objects=%d labels=%d mean probability=%.2f", stats.TotalObjects, stats.TotalLabels, stats.MeanProbability)

	countBar := charts.NewBar()
	countBar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "objects"}),
	)
	countBar.SetXAxis(labels).
		AddSeries("objects", counts,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	durationBar := charts.NewBar()
	durationBar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px"}),
		charts.WithTitleOpts(opts.Title{Title: "Mean time in view"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "seconds"}),
	)
	durationBar.SetXAxis(labels).AddSeries("seconds", durations)

	page := components.NewPage()
	page.AddCharts(countBar, durationBar)
	if err := page.Render(w); err != nil {
		return errors.Wrap(err, "Can't render chart")
	}
	return nil
}

// RenderPNG writes a static bar chart of objects per label
func RenderPNG(w io.Writer, stats Stats, title string) error {
	p := plot.New()
	p.Title.Text = title
	p.Y.Label.Text = "objects"

	labels := make([]string, 0, len(stats.PerLabel))
	values := make(plotter.Values, 0, len(stats.PerLabel))
	for _, labelStats := range stats.PerLabel {
		labels = append(labels, labelStats.Label)
		values = append(values, float64(labelStats.Count))
	}
	if len(values) > 0 {
		bars, err := plotter.NewBarChart(values, vg.Points(24))
		if err != nil {
			return errors.Wrap(err, "Can't build bar chart")
		}
		bars.LineStyle.Width = vg.Length(0)
		p.Add(bars)
		p.NominalX(labels...)
	}

	writer, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return errors.Wrap(err, "Can't render chart")
	}
	if _, err := writer.WriteTo(w); err != nil {
		return errors.Wrap(err, "Can't write chart")
	}
	return nil
}
