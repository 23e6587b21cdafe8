package main

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/cf-client/pkg/backoff"
	"github.com/Sternrassler/cf-client/pkg/client"
	"github.com/Sternrassler/cf-client/pkg/job"
)

// result is the JSON line printed by the wait commands.
type result struct {
	ID      string      `json:"id"`
	Outcome job.Outcome `json:"outcome"`
	Elapsed string      `json:"elapsed"`
	Error   string      `json:"error,omitempty"`
}

// outcomeAccepted marks a job that was started but not waited for.
const outcomeAccepted job.Outcome = "accepted"

// outcomeOf extends job.OutcomeOf to staging waits.
func outcomeOf(err error) job.Outcome {
	var staging *client.StagingFailedError
	switch {
	case errors.As(err, &staging):
		return job.OutcomeFailed
	case errors.Is(err, backoff.ErrTimeout):
		return job.OutcomeTimedOut
	default:
		return job.OutcomeOf(err)
	}
}

// printResult writes the result line and passes err through.
func printResult(w io.Writer, id string, start time.Time, err error) error {
	r := result{
		ID:      id,
		Outcome: outcomeOf(err),
		Elapsed: time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		r.Error = err.Error()
	}
	if encErr := json.NewEncoder(w).Encode(r); encErr != nil {
		return encErr
	}
	return err
}

// printAccepted writes the result line for a job left running.
func printAccepted(w io.Writer, id string, start time.Time) error {
	return json.NewEncoder(w).Encode(result{
		ID:      id,
		Outcome: outcomeAccepted,
		Elapsed: time.Since(start).Round(time.Millisecond).String(),
	})
}

func newWaitCmd(a *app) *cobra.Command {
	var v2 bool

	cmd := &cobra.Command{
		Use:   "wait <job-guid>",
		Short: "Wait for an asynchronous job to finish",
		Long: `Polls the job with exponential backoff until it is FINISHED or FAILED,
or until --timeout elapses. Exits 2 when the job failed and 3 on timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := &job.Reference{ID: args[0], Status: job.StatusQueued}
			logger := a.logger.With().Str("job_id", ref.ID).Logger()
			logger.Info().Bool("v2", v2).Dur("timeout", a.settings.JobTimeout).Msg("Waiting for job")

			start := time.Now()
			wait := a.client.WaitForJob
			if v2 {
				wait = a.client.WaitForJobV2
			}
			return printResult(cmd.OutOrStdout(), ref.ID, start, wait(cmd.Context(), ref))
		},
	}

	cmd.Flags().Duration(flagTimeout, 0, "Give up after this long (env: CF_JOB_TIMEOUT, default 5m)")
	cmd.Flags().BoolVar(&v2, "v2", false, "Read the job from /v2/jobs")
	return cmd
}

func newWaitStagedCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait-staged <app-guid>",
		Short: "Wait for an application's package to be staged",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID := args[0]
			a.logger.Info().Str("app_id", appID).Dur("timeout", a.settings.JobTimeout).Msg("Waiting for staging")

			start := time.Now()
			return printResult(cmd.OutOrStdout(), appID, start, a.client.WaitForStaged(cmd.Context(), appID))
		},
	}

	cmd.Flags().Duration(flagTimeout, 0, "Give up after this long (env: CF_JOB_TIMEOUT, default 5m)")
	return cmd
}
