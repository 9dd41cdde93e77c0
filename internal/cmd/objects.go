package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/LdDl/mot-pipeline/report"
	"github.com/LdDl/mot-pipeline/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var objectsCmd = &cobra.Command{
	Use:   "objects",
	Short: "Query tracked objects in the store",
}

var objectsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked objects with filters, sorting and paging",
	Example: `  motpipe objects list --job 1b4e28ba-2fa1-11d2-883f-0016d3cca427 --label perch
  motpipe objects list --from 2024-05-01T10:00:00Z --to 2024-05-01T11:00:00Z --sort probability --desc`,
	Args: cobra.NoArgs,
	RunE: runObjectsList,
}

func init() {
	rootCmd.AddCommand(objectsCmd)
	objectsCmd.AddCommand(objectsListCmd)

	objectsListCmd.Flags().String("job", "", "Only objects of this job")
	objectsListCmd.Flags().String("label", "", "Only objects with this label")
	objectsListCmd.Flags().String("from", "", "Objects in view at or after this time (RFC3339)")
	objectsListCmd.Flags().String("to", "", "Objects in view at or before this time (RFC3339)")
	objectsListCmd.Flags().Float64("min-probability", 0, "Minimum label probability")
	objectsListCmd.Flags().String("sort", string(report.SortByTimeIn), "Sort field: time_in, time_out, probability, label, id")
	objectsListCmd.Flags().Bool("desc", false, "Sort descending")
	objectsListCmd.Flags().Int("offset", 0, "Skip this many objects")
	objectsListCmd.Flags().Int("limit", report.DefaultLimit, "Page size")
	objectsListCmd.Flags().Bool("json", false, "Output as JSON")
}

// openBackend opens configured store. Caller closes it.
func openBackend() (pipeline.Backend, error) {
	backend, err := store.Open(appConfig.Store, logger)
	if err != nil {
		return nil, errors.Wrap(err, "Can't open store")
	}
	return backend, nil
}

func closeBackend(backend pipeline.Backend) {
	if err := backend.Close(); err != nil {
		logger.Error("Can't close store", zap.Error(err))
	}
}

func parseTimeFlag(cmd *cobra.Command, name string) (time.Time, error) {
	value, _ := cmd.Flags().GetString(name)
	if strings.TrimSpace(value) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "--%s", name)
	}
	return t.UTC(), nil
}

func objectsQuery(cmd *cobra.Command) (report.Query, error) {
	flags := cmd.Flags()
	q := report.Query{}
	q.JobID, _ = flags.GetString("job")
	q.Label, _ = flags.GetString("label")
	q.MinProbability, _ = flags.GetFloat64("min-probability")
	q.Desc, _ = flags.GetBool("desc")
	q.Offset, _ = flags.GetInt("offset")
	q.Limit, _ = flags.GetInt("limit")
	sortField, _ := flags.GetString("sort")
	var err error
	if q.Sort, err = report.ParseSortField(sortField); err != nil {
		return q, err
	}
	if q.From, err = parseTimeFlag(cmd, "from"); err != nil {
		return q, err
	}
	if q.To, err = parseTimeFlag(cmd, "to"); err != nil {
		return q, err
	}
	return q.Normalize()
}

func runObjectsList(cmd *cobra.Command, _ []string) error {
	q, err := objectsQuery(cmd)
	if err != nil {
		return err
	}
	backend, err := openBackend()
	if err != nil {
		return err
	}
	defer closeBackend(backend)

	if q.JobID != "" {
		if _, err := backend.GetJob(cmd.Context(), q.JobID); err != nil {
			return err
		}
	}
	page, err := backend.ListObjects(cmd.Context(), q)
	if err != nil {
		return err
	}
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return writeJSONOut(cmd.OutOrStdout(), page)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tTRACK\tLABEL\tPROBABILITY\tTIME IN\tTIME OUT\tFRAMES")
	for _, record := range page.Items {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.3f\t%s\t%s\t%d-%d\n",
			record.JobID,
			strconv.FormatUint(record.TrackID, 10),
			record.Label,
			record.Probability,
			record.TimeIn.Format(time.RFC3339Nano),
			record.TimeOut.Format(time.RFC3339Nano),
			record.FrameIn, record.FrameOut,
		)
	}
	_, _ = fmt.Fprintf(w, "Showing %d-%d of %d\n", minInt(page.Offset+1, page.Total), minInt(page.Offset+len(page.Items), page.Total), page.Total)
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
