package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/remote-progress-relay/internal/operation"
	"github.com/JakeFAU/remote-progress-relay/internal/remoteprogress"
	"github.com/JakeFAU/remote-progress-relay/internal/server"
	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

// Output formats for the simulate command.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

type simulateFlags struct {
	kind      string
	remote    string
	objects   int
	stepDelay time.Duration
	format    string
}

// report is the final document printed by --format json|yaml.
type report struct {
	ID         string     `json:"id" yaml:"id"`
	Kind       string     `json:"kind" yaml:"kind"`
	Remote     string     `json:"remote" yaml:"remote"`
	Status     string     `json:"status" yaml:"status"`
	Reason     string     `json:"reason" yaml:"reason"`
	State      string     `json:"state,omitempty" yaml:"state,omitempty"`
	Percent    uint8      `json:"percent" yaml:"percent"`
	Relayed    int        `json:"relayed" yaml:"relayed"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
	ReportURI  string     `json:"report_uri,omitempty" yaml:"report_uri,omitempty"`
}

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	flags := &simulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run one simulated transfer and print its progress",
		Long: `Runs a single simulated fetch or push through the relay and prints every
progress value the consumer observes, followed by the final outcome.`,
		PreRunE: func(_ *cobra.Command, _ []string) error {
			if _, err := store.ParseKind(flags.kind); err != nil {
				return fmt.Errorf("--kind must be fetch or push: %w", err)
			}
			switch flags.format {
			case formatText, formatJSON, formatYAML:
			default:
				return fmt.Errorf("--format must be text, json or yaml")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if flags.objects > 0 {
				cfg.Simulate.Objects = flags.objects
			}
			if cmd.Flags().Changed("step-delay") {
				cfg.Simulate.StepDelayMs = int(flags.stepDelay / time.Millisecond)
			}
			app, err := server.Build(cmd.Context(), cfg, nil)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
				defer cancel()
				_ = app.Close(closeCtx)
			}()

			op, err := app.Launcher().Launch(cmd.Context(), store.Kind(flags.kind), flags.remote)
			if err != nil {
				return err //nolint:wrapcheck
			}
			return watch(cmd.Context(), op, app.Logger().Named("simulate"), cmd.OutOrStdout(), flags.format)
		},
	}
	cmd.Flags().StringVar(&flags.kind, "kind", "push", "transfer kind: fetch or push")
	cmd.Flags().StringVar(&flags.remote, "remote", "origin", "remote name reported for the transfer")
	cmd.Flags().IntVar(&flags.objects, "objects", 0, "override simulate.objects")
	cmd.Flags().DurationVar(&flags.stepDelay, "step-delay", 0, "override simulate.step_delay_ms")
	cmd.Flags().StringVar(&flags.format, "format", formatText, "output format: text, json or yaml")
	return cmd
}

// watch polls the operation's cell on every wake-up until it is finalized.
// Text output prints one line per observed value; json and yaml print only
// the final report.
func watch(ctx context.Context, op *operation.Operation, logger *zap.Logger, out io.Writer, format string) error {
	wake, release := op.Subscribe()
	defer release()

	var lastSeq uint64
	poll := func() {
		snap, ok, err := op.Snapshot()
		if err != nil {
			logger.Error("progress unavailable", zap.Error(err))
			return
		}
		if !ok || snap.Seq == lastSeq {
			return
		}
		lastSeq = snap.Seq
		logger.Info("progress",
			zap.String("state", string(snap.State)),
			zap.Uint8("percent", snap.Percent),
			zap.Uint64("seq", snap.Seq),
		)
		if format == formatText {
			fmt.Fprintf(out, "%-15s %3d%%\n", snap.State, snap.Percent)
		}
	}

	for {
		select {
		case <-ctx.Done():
			op.Cancel()
			<-op.Done()
			return fmt.Errorf("simulate interrupted: %w", ctx.Err())
		case _, open := <-wake:
			poll()
			if open {
				continue
			}
			result, _ := op.Outcome()
			if err := printResult(out, format, op, result); err != nil {
				return err
			}
			if result.Fatal() {
				return fmt.Errorf("relay failed: %w", result.Err)
			}
			return nil
		}
	}
}

func printResult(out io.Writer, format string, op *operation.Operation, result remoteprogress.Outcome) error {
	if format == formatText {
		_, err := fmt.Fprintf(out, "status: %s (reason %s, %d relayed)\n",
			operation.StatusFor(result), result.Reason, result.Relayed)
		return err //nolint:wrapcheck
	}
	rec := op.Record()
	doc := report{
		ID:         rec.ID.String(),
		Kind:       string(rec.Kind),
		Remote:     rec.Remote,
		Status:     string(rec.Status),
		Reason:     string(result.Reason),
		State:      rec.State,
		Percent:    rec.Percent,
		Relayed:    rec.Relayed,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		ReportURI:  op.ReportURI(),
	}
	if rec.ErrorMessage != nil {
		doc.Error = *rec.ErrorMessage
	}
	if format == formatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		return nil
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
