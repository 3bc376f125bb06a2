package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"CoralRush/sdk/go/coralrush"
)

// isTerminal 判断 w 是否为交互式终端。
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// human 判断是否输出人类可读的格式。
func (o *globalOptions) human(w io.Writer) bool {
	return !o.json && isTerminal(w)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printResponse(w io.Writer, resp coralrush.Response) {
	fmt.Fprintf(w, "Session:  %s (%s)\n", resp.SessionID, resp.Status)
	outcome := "success"
	if !resp.OverallSuccess {
		outcome = "failure"
	}
	if resp.Aborted {
		outcome = "aborted: " + resp.AbortReason
	}
	fmt.Fprintf(w, "Outcome:  %s, %.0f%% steps succeeded, %d ms total\n", outcome, resp.SuccessRate*100, resp.TotalProcessingTimeMs)
	if resp.CombinedText != "" {
		fmt.Fprintf(w, "Text:     %s\n", resp.CombinedText)
	}
	if len(resp.Steps) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tAGENT\tOPERATION\tPROVIDER\tMS\tRESULT")
	for _, step := range resp.Steps {
		result := "ok"
		if !step.Result.Success {
			result = strings.TrimSpace(step.Result.ErrorKind + " " + step.Result.ErrorMessage)
		}
		if step.Critical {
			result += " *"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			step.SequenceIndex, step.AgentName, step.Operation, step.Result.ProviderUsed, step.Result.ProcessingTimeMs, result)
	}
	_ = tw.Flush()
}

func printJob(w io.Writer, job coralrush.Job) {
	fmt.Fprintf(w, "Job:      %s\n", job.ID)
	fmt.Fprintf(w, "Status:   %s (attempt %d of %d)\n", job.Status, job.Attempts, job.MaxRetries)
	if job.ErrorCode != "" || job.LastError != "" {
		fmt.Fprintf(w, "Error:    %s %s\n", job.ErrorCode, job.LastError)
	}
	if job.Response != nil {
		fmt.Fprintln(w)
		printResponse(w, *job.Response)
	}
}

func printSession(w io.Writer, detail coralrush.SessionDetail) {
	s := detail.Session
	fmt.Fprintf(w, "Session:  %s (%s)\n", s.ID, s.Status)
	if s.Metadata.SessionType != "" {
		fmt.Fprintf(w, "Type:     %s\n", s.Metadata.SessionType)
	}
	fmt.Fprintf(w, "Started:  %s\n", s.StartTime.Format("2006-01-02 15:04:05"))
	if s.EndTime != nil {
		fmt.Fprintf(w, "Ended:    %s\n", s.EndTime.Format("2006-01-02 15:04:05"))
	}
	if len(s.Participants) > 0 {
		fmt.Fprintf(w, "Agents:   %s\n", strings.Join(s.Participants, ", "))
	}
	fmt.Fprintln(w)
	printResponse(w, detail.Summary)
}
