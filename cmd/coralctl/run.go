package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"CoralRush/sdk/go/coralrush"
)

// inputFlags 是 run 与 submit 共用的输入参数。
type inputFlags struct {
	audio       string
	language    string
	voice       string
	session     string
	sessionType string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.audio, "audio", "", "path to an audio file to transcribe")
	cmd.Flags().StringVar(&f.language, "language", "", "language hint for transcription")
	cmd.Flags().StringVar(&f.voice, "voice", "", "voice id used for the spoken reply")
	cmd.Flags().StringVar(&f.session, "session", "", "continue an existing session")
	cmd.Flags().StringVar(&f.sessionType, "type", "", "session type for new sessions (voice, text, support)")
}

// request 组装请求；未给出文本且 stdin 不是终端时从 stdin 读取文本。
func (f *inputFlags) request(cmd *cobra.Command, args []string) (coralrush.OrchestrationRequest, error) {
	req := coralrush.OrchestrationRequest{
		Text:        strings.TrimSpace(strings.Join(args, " ")),
		Language:    f.language,
		VoiceID:     f.voice,
		SessionID:   f.session,
		SessionType: f.sessionType,
	}
	if f.audio != "" {
		data, err := os.ReadFile(f.audio)
		if err != nil {
			return req, fmt.Errorf("read audio: %w", err)
		}
		req.Audio = data
	}
	if req.Text == "" && len(req.Audio) == 0 {
		in := cmd.InOrStdin()
		if file, ok := in.(*os.File); ok && isTerminal(file) {
			return req, fmt.Errorf("provide text arguments, --audio, or pipe text on stdin")
		}
		data, err := io.ReadAll(in)
		if err != nil {
			return req, fmt.Errorf("read stdin: %w", err)
		}
		req.Text = strings.TrimSpace(string(data))
	}
	if req.Text == "" && len(req.Audio) == 0 {
		return req, fmt.Errorf("nothing to send: input is empty")
	}
	return req, nil
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	flags := &inputFlags{}
	cmd := &cobra.Command{
		Use:   "run [text...]",
		Short: "Run the pipeline synchronously and print the aggregated response",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(cmd, args)
			if err != nil {
				return err
			}
			client, ctx, cancel, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			resp, err := client.Orchestrate(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.human(out) {
				printResponse(out, resp)
				return nil
			}
			return printJSON(out, resp)
		},
	}
	flags.register(cmd)
	return cmd
}

func newSubmitCmd(opts *globalOptions) *cobra.Command {
	flags := &inputFlags{}
	var (
		id       string
		wait     bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit [text...]",
		Short: "Queue the pipeline as an asynchronous job",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(cmd, args)
			if err != nil {
				return err
			}
			req.JobID = id
			client, ctx, cancel, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			summary, err := client.SubmitJob(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !wait {
				if opts.human(out) {
					fmt.Fprintf(out, "Job %s queued (%s)\n", summary.JobID, summary.Status)
					return nil
				}
				return printJSON(out, summary)
			}
			job, err := client.WaitForJob(ctx, summary.JobID, interval)
			if err != nil {
				return err
			}
			if opts.human(out) {
				printJob(out, job)
				return nil
			}
			return printJSON(out, job)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "idempotency key used as the job id")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "polling interval with --wait")
	return cmd
}

func newJobCmd(opts *globalOptions) *cobra.Command {
	var (
		wait     bool
		interval time.Duration
		limit    int
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "job [id]",
		Short: "Show a job, or list recent jobs when no id is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				list, err := client.ListJobs(ctx, limit, statuses...)
				if err != nil {
					return err
				}
				if !opts.human(out) {
					return printJSON(out, list)
				}
				for _, job := range list {
					fmt.Fprintf(out, "%s  %-9s  attempts=%d  session=%s\n", job.ID, job.Status, job.Attempts, job.SessionID)
				}
				return nil
			}

			var job coralrush.Job
			if wait {
				job, err = client.WaitForJob(ctx, args[0], interval)
			} else {
				job, err = client.GetJob(ctx, args[0])
			}
			if err != nil {
				return err
			}
			if opts.human(out) {
				printJob(out, job)
				return nil
			}
			return printJSON(out, job)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the job to finish")
	cmd.Flags().DurationVar(&interval, "interval", 500*time.Millisecond, "polling interval with --wait")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of jobs to list")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter listed jobs by status")
	return cmd
}

func newAgentsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents and their operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, ctx, cancel, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer cancel()
			agents, err := client.Agents(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !opts.human(out) {
				return printJSON(out, agents)
			}
			for _, a := range agents {
				fmt.Fprintf(out, "%-9s %s\n", a.Name, strings.Join(a.Operations, ", "))
			}
			return nil
		},
	}
}
