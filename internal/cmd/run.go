package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LdDl/mot-pipeline/pipeline"
	"github.com/LdDl/mot-pipeline/store"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single job in the foreground",
	Long: `Create a job from a manifest and process it in this process.

Interrupting the run (Ctrl+C) pauses the job and leaves a checkpoint, the job
can be continued later with --resume <job_id>.`,
	Example: `  motpipe run -f job.yaml
  motpipe run --resume 1b4e28ba-2fa1-11d2-883f-0016d3cca427`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("file", "f", "", "Job manifest (YAML)")
	runCmd.Flags().String("resume", "", "Id of a pending or paused job to continue")
	runCmd.Flags().Bool("recover", false, "Repair jobs left running by a crashed process before starting")
	runCmd.Flags().Bool("json", false, "Print resulting job as JSON")
}

func runRun(cmd *cobra.Command, _ []string) error {
	manifestPath, _ := cmd.Flags().GetString("file")
	resumeID, _ := cmd.Flags().GetString("resume")
	recoverJobs, _ := cmd.Flags().GetBool("recover")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	if (manifestPath == "") == (resumeID == "") {
		return errors.New("exactly one of --file and --resume is required")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(appConfig.Store, logger)
	if err != nil {
		return errors.Wrap(err, "Can't open store")
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Error("Can't close store", zap.Error(err))
		}
	}()

	scheduler := pipeline.NewScheduler(backend, pipeline.WithLogger(logger))
	if recoverJobs {
		if err := scheduler.Recover(ctx); err != nil {
			return errors.Wrap(err, "Can't recover jobs")
		}
	}

	var jobID string
	if manifestPath != "" {
		spec, err := loadManifest(manifestPath, appConfig.JobDefaults())
		if err != nil {
			return err
		}
		job, err := scheduler.Create(ctx, spec)
		if err != nil {
			return err
		}
		jobID = job.ID
		if err := scheduler.Start(ctx, jobID); err != nil {
			return err
		}
	} else {
		jobID = resumeID
		if err := continueJob(ctx, scheduler, jobID); err != nil {
			return err
		}
	}
	logger.Info("Job is running", zap.String("job_id", jobID))

	job, err := scheduler.Wait(ctx, jobID)
	if err != nil && ctx.Err() == nil {
		return err
	}
	if ctx.Err() != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), appConfig.Server.ShutdownTimeout)
		defer cancel()
		if err := scheduler.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "Can't pause job")
		}
		job, err = scheduler.Status(shutdownCtx, jobID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Interrupted. Continue with: motpipe run --resume %s\n", jobID)
	}

	if jsonOutput {
		if err := writeJSONOut(cmd.OutOrStdout(), job); err != nil {
			return err
		}
	} else {
		printJob(cmd.OutOrStdout(), job)
	}
	if job.Status == pipeline.StatusError {
		return errors.Errorf("job %s failed: %s", job.ID, job.Error)
	}
	return nil
}

// continueJob starts pending job or resumes paused one
func continueJob(ctx context.Context, scheduler *pipeline.Scheduler, id string) error {
	job, err := scheduler.Status(ctx, id)
	if err != nil {
		return err
	}
	switch job.Status {
	case pipeline.StatusPending:
		return scheduler.Start(ctx, id)
	case pipeline.StatusPaused:
		return scheduler.Resume(ctx, id)
	case pipeline.StatusRunning:
		return errors.Errorf("job %s is running in another process. If that process died, run again with --recover", id)
	default:
		return errors.Errorf("job %s is %s and can't be continued", id, job.Status)
	}
}
