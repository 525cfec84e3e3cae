package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/icstlab/icst/pkg/client"
	"github.com/icstlab/icst/pkg/features"
	"github.com/icstlab/icst/pkg/jobs"
	"github.com/icstlab/icst/pkg/pipeline"
)

func classifyCmd(opts *globalOptions) *cobra.Command {
	var (
		probabilities bool
		threshold     float64
	)
	cmd := &cobra.Command{
		Use:   "classify FILE",
		Short: "Classify a JSON batch of samples (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req pipeline.SamplesRequest
			if err := readJSON(cmd, args[0], &req); err != nil {
				return err
			}
			if cmd.Flags().Changed("qc-threshold") {
				req.QCThreshold = &threshold
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			var (
				out any
				err error
			)
			if probabilities {
				out, err = opts.client().Probabilities(ctx, &req)
			} else {
				out, err = opts.client().Classify(ctx, &req)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&probabilities, "probabilities", false, "print raw probabilities without the QC gate")
	cmd.Flags().Float64Var(&threshold, "qc-threshold", 0, "override the server's QC threshold")
	return cmd
}

func analyseCmd(opts *globalOptions) *cobra.Command {
	var (
		delimiter    string
		threshold    float64
		wait         bool
		pollInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:     "analyse FILE",
		Aliases: []string{"analyze"},
		Short:   "Upload an expression matrix and start an analyse job",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open matrix: %w", err)
			}
			defer f.Close()

			ao := client.AnalyseOptions{Delimiter: delimiter}
			if cmd.Flags().Changed("qc-threshold") {
				ao.QCThreshold = &threshold
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			c := opts.client()
			sub, err := c.SubmitAnalyse(ctx, filepath.Base(args[0]), f, ao)
			if err != nil {
				return err
			}
			return finish(ctx, cmd, c, jobs.KindAnalyse, sub, wait, pollInterval)
		},
	}
	cmd.Flags().StringVar(&delimiter, "delimiter", "", "cell delimiter (default: from the file extension)")
	cmd.Flags().Float64Var(&threshold, "qc-threshold", 0, "override the server's QC threshold")
	addWaitFlags(cmd, &wait, &pollInterval)
	return cmd
}

func extractCmd(opts *globalOptions) *cobra.Command {
	var delimiter string
	cmd := &cobra.Command{
		Use:   "extract FILE",
		Short: "Align an expression matrix to the accepted features",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open matrix: %w", err)
			}
			defer f.Close()

			ctx, cancel := opts.context(cmd)
			defer cancel()

			out, err := opts.client().Extract(ctx, filepath.Base(args[0]), f, delimiter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&delimiter, "delimiter", "", "cell delimiter (default: from the file extension)")
	return cmd
}

func confidenceCmd(opts *globalOptions) *cobra.Command {
	var (
		interval     float64
		sync         bool
		wait         bool
		pollInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "confidence FILE",
		Short: "Compute bootstrap confidence intervals for a JSON batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req pipeline.ConfidenceRequest
			if err := readJSON(cmd, args[0], &req); err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") || req.Interval == 0 {
				req.Interval = interval
			}

			ctx, cancel := opts.context(cmd)
			defer cancel()

			c := opts.client()
			if sync {
				out, err := c.ConfidenceSync(ctx, &req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			sub, err := c.SubmitConfidence(ctx, &req)
			if err != nil {
				return err
			}
			return finish(ctx, cmd, c, jobs.KindConfidence, sub, wait, pollInterval)
		},
	}
	cmd.Flags().Float64Var(&interval, "interval", 90, "interval width in percent")
	cmd.Flags().BoolVar(&sync, "sync", false, "answer inline instead of starting a job")
	addWaitFlags(cmd, &wait, &pollInterval)
	return cmd
}

func resultCmd(opts *globalOptions) *cobra.Command {
	var (
		wait         bool
		pollInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:       "result KIND ID",
		Short:     "Fetch the result of a job",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{jobs.KindAnalyse, jobs.KindConfidence},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c := opts.client()
			if wait {
				data, err := c.Wait(ctx, args[0], args[1], pollInterval)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), data)
			}

			data, done, err := c.Result(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if !done {
				return printJSON(cmd.OutOrStdout(), map[string]string{"status": "PENDING"})
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	addWaitFlags(cmd, &wait, &pollInterval)
	return cmd
}

func genesCmd(opts *globalOptions) *cobra.Command {
	var replace string
	cmd := &cobra.Command{
		Use:   "genes",
		Short: "Print the accepted feature list, or replace it with --replace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			c := opts.client()
			if replace != "" {
				f, err := openInput(cmd, replace)
				if err != nil {
					return err
				}
				defer f.Close()

				names, err := features.ParseList(f)
				if err != nil {
					return err
				}
				if err := c.ReplaceGeneList(ctx, names); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "replaced feature list with %d features\n", len(names))
				return err
			}

			names, err := c.GeneList(ctx)
			if err != nil {
				return err
			}
			return features.WriteList(cmd.OutOrStdout(), names)
		},
	}
	cmd.Flags().StringVar(&replace, "replace", "", "file with one feature name per line (- reads stdin)")
	return cmd
}

func reloadCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the server's artifacts from disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opts.context(cmd)
			defer cancel()

			v, err := opts.client().Reload(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "serving artifacts %s\n", v)
			return err
		},
	}
}

func addWaitFlags(cmd *cobra.Command, wait *bool, interval *time.Duration) {
	cmd.Flags().BoolVar(wait, "wait", false, "poll until the job finishes and print its result")
	cmd.Flags().DurationVar(interval, "poll-interval", client.DefaultPollInterval, "delay between polls with --wait")
}

// finish prints the submission, or waits for the job and prints its result.
func finish(ctx context.Context, cmd *cobra.Command, c *client.Client, kind string, sub *client.Submission, wait bool, interval time.Duration) error {
	if !wait {
		return printJSON(cmd.OutOrStdout(), sub)
	}
	data, err := c.Wait(ctx, kind, sub.JobID, interval)
	if err != nil {
		return fmt.Errorf("job %s: %w", sub.JobID, err)
	}
	return printJSON(cmd.OutOrStdout(), data)
}

func (o *globalOptions) context(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if o.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.timeout)
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

func readJSON(cmd *cobra.Command, path string, v any) error {
	f, err := openInput(cmd, path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		v = decoded
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
