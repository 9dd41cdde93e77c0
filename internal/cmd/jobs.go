package cmd

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/LdDl/mot-pipeline/internal/server"
	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs of a running motpipe server",
	Long: `Manage jobs through the HTTP API of 'motpipe serve'.

By default the server configured in server.host and server.port is used,
another one can be picked with --server.`,
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a job from a manifest",
	Args:  cobra.NoArgs,
	RunE:  runJobsCreate,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status and progress of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsToggleCmd = &cobra.Command{
	Use:   "toggle <job_id>",
	Short: "Flip a job between running and paused (pending jobs are started)",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsToggle,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Stop a job and delete it with its checkpoint and objects",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func newJobActionCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <job_id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsAction(cmd, args[0], name)
		},
	}
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.PersistentFlags().String("server", "", "Server address, host:port or URL (defaults to server.host:server.port)")
	jobsCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Request timeout")
	jobsCmd.PersistentFlags().Bool("json", false, "Output as JSON")

	jobsCreateCmd.Flags().StringP("file", "f", "", "Job manifest (YAML)")
	jobsCreateCmd.Flags().Bool("start", false, "Start the job right away")
	_ = jobsCreateCmd.MarkFlagRequired("file")

	jobsCmd.AddCommand(jobsCreateCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(newJobActionCmd("start", "Start a pending job"))
	jobsCmd.AddCommand(newJobActionCmd("pause", "Pause a running job at the next frame boundary"))
	jobsCmd.AddCommand(newJobActionCmd("resume", "Resume a paused job from its checkpoint"))
	jobsCmd.AddCommand(jobsToggleCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
}

func clientFor(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	if addr == "" {
		addr = net.JoinHostPort(appConfig.Server.Host, strconv.Itoa(appConfig.Server.Port))
	}
	return newAPIClient(addr, timeout)
}

func jobPath(id string) string {
	return "/jobs/" + url.PathEscape(strings.TrimSpace(id))
}

func runJobsCreate(cmd *cobra.Command, _ []string) error {
	manifestPath, _ := cmd.Flags().GetString("file")
	start, _ := cmd.Flags().GetBool("start")
	spec, err := loadManifest(manifestPath, appConfig.JobDefaults())
	if err != nil {
		return err
	}
	query := url.Values{}
	if start {
		query.Set("start", "true")
	}
	var job pipeline.Job
	if err := clientFor(cmd).do(cmd.Context(), http.MethodPost, "/jobs", query, spec, &job); err != nil {
		return err
	}
	return outputJob(cmd, job)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	var jobs []pipeline.Job
	if err := clientFor(cmd).do(cmd.Context(), http.MethodGet, "/jobs", nil, nil, &jobs); err != nil {
		return err
	}
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return writeJSONOut(cmd.OutOrStdout(), jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No jobs found")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tSTATUS\tPROGRESS\tOBJECTS\tCREATED")
	for _, job := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%d\t%s\n",
			job.ID, job.Name, job.Status, job.Progress.Percent, job.Objects, job.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	var job pipeline.Job
	if err := clientFor(cmd).do(cmd.Context(), http.MethodGet, jobPath(args[0]), nil, nil, &job); err != nil {
		return err
	}
	return outputJob(cmd, job)
}

func runJobsAction(cmd *cobra.Command, id, action string) error {
	var job pipeline.Job
	if err := clientFor(cmd).do(cmd.Context(), http.MethodPost, jobPath(id)+"/"+action, nil, nil, &job); err != nil {
		return err
	}
	return outputJob(cmd, job)
}

func runJobsToggle(cmd *cobra.Command, args []string) error {
	var resp server.ToggleResponse
	if err := clientFor(cmd).do(cmd.Context(), http.MethodPut, jobPath(args[0])+"/toggle", nil, nil, &resp); err != nil {
		return err
	}
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return writeJSONOut(cmd.OutOrStdout(), resp)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", resp.Job.ID, resp.From, resp.To)
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	if err := clientFor(cmd).do(cmd.Context(), http.MethodDelete, jobPath(args[0]), nil, nil, nil); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Job %s canceled\n", strings.TrimSpace(args[0]))
	return nil
}

func outputJob(cmd *cobra.Command, job pipeline.Job) error {
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		return writeJSONOut(cmd.OutOrStdout(), job)
	}
	printJob(cmd.OutOrStdout(), job)
	return nil
}

// printJob writes human readable summary of a job
func printJob(out io.Writer, job pipeline.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintf(w, "Job:\t%s\n", job.ID)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", job.Name)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", job.Status)
	_, _ = fmt.Fprintf(w, "Progress:\t%d/%d frames (%.1f%%)\n", job.Progress.FramesDone, job.Progress.FramesTotal, job.Progress.Percent)
	_, _ = fmt.Fprintf(w, "Objects:\t%d\n", job.Objects)
	_, _ = fmt.Fprintf(w, "Videos:\t%d\n", len(job.Spec.Videos))
	if job.CheckpointSeq > 0 {
		_, _ = fmt.Fprintf(w, "Checkpoint:\t#%d (frame %d)\n", job.CheckpointSeq, job.LastGoodFrame)
	}
	if job.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", job.Error)
	}
	_, _ = fmt.Fprintf(w, "Updated:\t%s\n", job.UpdatedAt.Format(time.RFC3339))
}

