package main

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"CoralRush/sdk/go/coralrush"
)

const (
	envServer = "CORALRUSH_SERVER"
	envToken  = "CORALRUSH_TOKEN"
)

var version = "dev" // set via ldflags at build time

// globalOptions 保存所有子命令共享的连接参数。
type globalOptions struct {
	server  string
	token   string
	timeout time.Duration
	json    bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "coralctl",
		Short: "Command line client for the CoralRush orchestration server",
		Long: `coralctl sends text or audio through the CoralRush pipeline
(transcribe, analyze intent, ledger action, synthesize), queues jobs,
and inspects or finalizes sessions.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr(envServer, "http://localhost:8080"), "CoralRush API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv(envToken), "bearer token for the API")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON even when writing to a terminal")

	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newSubmitCmd(opts))
	root.AddCommand(newJobCmd(opts))
	root.AddCommand(newSessionCmd(opts))
	root.AddCommand(newAgentsCmd(opts))
	return root
}

// client 根据全局参数创建 API 客户端与带超时的上下文。
func (o *globalOptions) client(cmd *cobra.Command) (*coralrush.Client, context.Context, context.CancelFunc, error) {
	c, err := coralrush.NewClient(o.server, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	if o.token != "" {
		c.SetAccessToken(o.token)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	return c, ctx, cancel, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
