// Command icstctl is a command-line client for the icst server.
//
// Usage:
//
//	icstctl classify samples.json
//	icstctl analyse matrix.csv --wait
//	icstctl confidence samples.json --interval 90 --sync
//	icstctl result analyse 3f2c... --wait
//	icstctl genes
//	icstctl genes --replace genes.txt --token $ICST_ADMIN_TOKEN
//
// Environment variables:
//
//	ICST_URL         - Server base URL (default: http://localhost:8080)
//	ICST_ADMIN_TOKEN - Bearer token for admin commands
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/icstlab/icst/pkg/client"
)

// version is set via ldflags at build time
var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	url     string
	token   string
	timeout time.Duration
}

func (o *globalOptions) client() *client.Client {
	return client.New(o.url, client.WithToken(o.token))
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:           "icstctl",
		Short:         "Command-line client for the icst classification server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.url, "url", envOr("ICST_URL", "http://localhost:8080"), "icst server URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("ICST_ADMIN_TOKEN"), "bearer token for admin commands")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "overall deadline for the command")

	root.AddCommand(
		classifyCmd(opts),
		analyseCmd(opts),
		extractCmd(opts),
		confidenceCmd(opts),
		resultCmd(opts),
		genesCmd(opts),
		reloadCmd(opts),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
