package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalproc/core"
)

// NewStartCmd creates the "start" subcommand.
func NewStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <bytecode-version>",
		Short: "Start a process instance",
		Args:  cobra.ExactArgs(1),
		RunE:  runStart,
	}

	cmd.Flags().String("process-key", "", "Logical process name")
	cmd.Flags().StringP("payload", "p", "", "Opaque domain payload (inline)")
	cmd.Flags().StringP("payload-file", "f", "", "Read the domain payload from a file")
	cmd.Flags().String("correlation-id", "", "External correlation id")
	cmd.Flags().Bool("run", false, "Tick the instance until idle after starting")

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	version, err := core.ParseDigest(args[0])
	if err != nil {
		return exitError(exitInputParse, "parsing bytecode version: %v", err)
	}

	payload, _ := cmd.Flags().GetString("payload")
	if payloadFile, _ := cmd.Flags().GetString("payload-file"); payloadFile != "" {
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return exitError(exitFileNotFound, "reading payload: %v", err)
		}
		payload = string(data)
	}
	processKey, _ := cmd.Flags().GetString("process-key")
	correlationID, _ := cmd.Flags().GetString("correlation-id")

	cliCtx, err := openContext(cmd)
	if err != nil {
		return err
	}
	defer cliCtx.Close()

	instance, err := cliCtx.engine.Start(cmd.Context(), processKey, version, payload, correlationID)
	if err != nil {
		return exitError(exitRuntime, "starting instance: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started %s\n", instance.InstanceID)

	if run, _ := cmd.Flags().GetBool("run"); run {
		return runAndReport(cmd, cliCtx, instance.InstanceID)
	}
	return nil
}

// runAndReport drives an instance to quiescence and prints the outcome plus
// any jobs the run activated, one JSON line each, so a worker reading stdout
// can pick them up.
func runAndReport(cmd *cobra.Command, cliCtx *cliContext, instanceID uuid.UUID) error {
	jobs, outcome, err := cliCtx.engine.RunInstance(cmd.Context(), instanceID)
	if err != nil {
		return exitError(exitRuntime, "running instance: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Outcome: %s\n", outcome.Kind)
	for _, job := range jobs {
		line, err := json.Marshal(job)
		if err != nil {
			return exitError(exitRuntime, "encoding job: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(line))
	}
	return nil
}

// NewRunCmd creates the "run" subcommand, which ticks one instance until it
// is idle or terminal.
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <instance-id>",
		Short: "Tick an instance until idle or terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID, err := uuid.Parse(args[0])
			if err != nil {
				return exitError(exitInputParse, "parsing instance id: %v", err)
			}

			cliCtx, err := openContext(cmd)
			if err != nil {
				return err
			}
			defer cliCtx.Close()

			return runAndReport(cmd, cliCtx, instanceID)
		},
	}
}

// NewSignalCmd creates the "signal" subcommand.
func NewSignalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal <instance-id>",
		Short: "Deliver a correlated message to an instance",
		Args:  cobra.ExactArgs(1),
		RunE:  runSignal,
	}

	cmd.Flags().Uint32("msg", 0, "Message name (interned id)")
	cmd.Flags().String("corr", "", "Correlation key")
	cmd.Flags().Bool("run", true, "Tick the instance after delivering the signal")

	return cmd
}

func runSignal(cmd *cobra.Command, args []string) error {
	instanceID, err := uuid.Parse(args[0])
	if err != nil {
		return exitError(exitInputParse, "parsing instance id: %v", err)
	}
	msgName, _ := cmd.Flags().GetUint32("msg")
	corr, _ := cmd.Flags().GetString("corr")

	var corrKey core.Value
	if corr != "" {
		corrKey = core.StrValue(corr)
	}

	cliCtx, err := openContext(cmd)
	if err != nil {
		return err
	}
	defer cliCtx.Close()

	if err := cliCtx.engine.Signal(cmd.Context(), instanceID, msgName, corrKey); err != nil {
		return exitError(exitRuntime, "signalling instance: %v", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Signal delivered")
	if run, _ := cmd.Flags().GetBool("run"); run {
		return runAndReport(cmd, cliCtx, instanceID)
	}
	return nil
}

// NewCancelCmd creates the "cancel" subcommand.
func NewCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a process instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID, err := uuid.Parse(args[0])
			if err != nil {
				return exitError(exitInputParse, "parsing instance id: %v", err)
			}
			reason, _ := cmd.Flags().GetString("reason")

			cliCtx, err := openContext(cmd)
			if err != nil {
				return err
			}
			defer cliCtx.Close()

			if err := cliCtx.engine.Cancel(cmd.Context(), instanceID, reason); err != nil {
				return exitError(exitRuntime, "cancelling instance: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Cancelled")
			return nil
		},
	}

	cmd.Flags().String("reason", "operator request", "Cancellation reason")

	return cmd
}

// NewResolveCmd creates the "resolve" subcommand for incident remediation.
func NewResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <incident-id>",
		Short: "Resolve an incident and return its instance to Running",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			incidentID, err := uuid.Parse(args[0])
			if err != nil {
				return exitError(exitInputParse, "parsing incident id: %v", err)
			}
			resolution, _ := cmd.Flags().GetString("resolution")

			cliCtx, err := openContext(cmd)
			if err != nil {
				return err
			}
			defer cliCtx.Close()

			if err := cliCtx.engine.ResolveIncident(cmd.Context(), incidentID, resolution); err != nil {
				return exitError(exitRuntime, "resolving incident: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Resolved")
			return nil
		},
	}

	cmd.Flags().String("resolution", "", "Free-text resolution note")

	return cmd
}

// NewInspectCmd creates the "inspect" subcommand.
func NewInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <instance-id>",
		Short: "Print a snapshot of an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			instanceID, err := uuid.Parse(args[0])
			if err != nil {
				return exitError(exitInputParse, "parsing instance id: %v", err)
			}

			cliCtx, err := openContext(cmd)
			if err != nil {
				return err
			}
			defer cliCtx.Close()

			report, err := cliCtx.engine.Inspect(cmd.Context(), instanceID)
			if err != nil {
				return exitError(exitRuntime, "inspecting instance: %v", err)
			}

			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return exitError(exitRuntime, "encoding report: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

// NewEventsCmd creates the "events" subcommand.
func NewEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <instance-id>",
		Short: "Print an instance's event log",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvents,
	}

	cmd.Flags().Uint64("from", 1, "First sequence number to print")
	cmd.Flags().Bool("json", false, "Print events as JSON lines")

	return cmd
}

func runEvents(cmd *cobra.Command, args []string) error {
	instanceID, err := uuid.Parse(args[0])
	if err != nil {
		return exitError(exitInputParse, "parsing instance id: %v", err)
	}
	fromSeq, _ := cmd.Flags().GetUint64("from")

	cliCtx, err := openContext(cmd)
	if err != nil {
		return err
	}
	defer cliCtx.Close()

	events, err := cliCtx.engine.ReadEvents(cmd.Context(), instanceID, fromSeq)
	if err != nil {
		return exitError(exitRuntime, "reading events: %v", err)
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	for _, e := range events {
		if asJSON {
			line, err := json.Marshal(e)
			if err != nil {
				return exitError(exitRuntime, "encoding event: %v", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(line))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%6d  %-28s %s\n", e.Seq, e.Kind, formatPayload(e.Payload))
	}
	return nil
}

func formatPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
