package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/LdDl/mot-pipeline/report"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize objects of a job",
}

var reportStatsCmd = &cobra.Command{
	Use:   "stats <job_id>",
	Short: "Print per-label statistics of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportStats,
}

var reportChartCmd = &cobra.Command{
	Use:   "chart <job_id>",
	Short: "Render per-label chart of a job as HTML or PNG",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportChart,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportStatsCmd)
	reportCmd.AddCommand(reportChartCmd)

	reportStatsCmd.Flags().Bool("json", false, "Output as JSON")
	reportChartCmd.Flags().String("format", "html", "Chart format: html or png")
	reportChartCmd.Flags().StringP("output", "o", "", "Output file (defaults to stdout)")
}

// loadStats summarizes every object of the job. Returns job name as well
func loadStats(cmd *cobra.Command, jobID string) (report.Stats, string, error) {
	backend, err := openBackend()
	if err != nil {
		return report.Stats{}, "", err
	}
	defer closeBackend(backend)
	job, err := backend.GetJob(cmd.Context(), jobID)
	if err != nil {
		return report.Stats{}, "", err
	}
	records, err := backend.JobObjects(cmd.Context(), job.ID)
	if err != nil {
		return report.Stats{}, "", err
	}
	return report.Summarize(records), job.Name, nil
}

func runReportStats(cmd *cobra.Command, args []string) error {
	stats, _, err := loadStats(cmd, args[0])
	if err != nil {
		return err
	}
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return writeJSONOut(cmd.OutOrStdout(), stats)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintf(w, "Objects:\t%d\n", stats.TotalObjects)
	_, _ = fmt.Fprintf(w, "Labels:\t%d\n", stats.TotalLabels)
	_, _ = fmt.Fprintf(w, "Mean probability:\t%.3f\n\n", stats.MeanProbability)
	_, _ = fmt.Fprintln(w, "LABEL\tCOUNT\tPROBABILITY\tMEAN DURATION\tMEDIAN DURATION")
	for _, label := range stats.PerLabel {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.3f ± %.3f\t%.2fs\t%.2fs\n",
			label.Label, label.Count, label.MeanProbability, label.StdProbability, label.MeanDuration, label.MedianDuration)
	}
	return nil
}

func runReportChart(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	output, _ := cmd.Flags().GetString("output")
	stats, name, err := loadStats(cmd, args[0])
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	switch format {
	case "html":
		err = report.RenderHTML(&buf, stats, name)
	case "png":
		err = report.RenderPNG(&buf, stats, name)
	default:
		return errors.Errorf("unknown chart format '%s'", format)
	}
	if err != nil {
		return err
	}
	if output == "" {
		_, err := io.Copy(cmd.OutOrStdout(), &buf)
		return err
	}
	if err := os.WriteFile(output, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "Can't write chart to '%s'", output)
	}
	_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Chart written to %s\n", output)
	return nil
}
