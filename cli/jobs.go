package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalproc/core"
	"github.com/petal-labs/petalproc/runtime"
)

// NewJobsCmd creates the "jobs" subcommand, which activates pending jobs for
// a worker.
func NewJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Activate pending jobs for the given task types",
		RunE:  runJobs,
	}

	cmd.Flags().StringArray("type", nil, "Task type to activate (repeatable)")
	cmd.Flags().Int("max", 10, "Maximum number of jobs to activate")

	return cmd
}

func runJobs(cmd *cobra.Command, args []string) error {
	taskTypes, _ := cmd.Flags().GetStringArray("type")
	if len(taskTypes) == 0 {
		return exitError(exitValidation, "at least one --type is required")
	}
	max, _ := cmd.Flags().GetInt("max")

	cliCtx, err := openContext(cmd)
	if err != nil {
		return err
	}
	defer cliCtx.Close()

	jobs, err := cliCtx.engine.ActivateJobs(cmd.Context(), taskTypes, max)
	if err != nil {
		return exitError(exitRuntime, "activating jobs: %v", err)
	}

	for _, job := range jobs {
		line, err := json.Marshal(job)
		if err != nil {
			return exitError(exitRuntime, "encoding job: %v", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(line))
	}
	return nil
}

// NewCompleteCmd creates the "complete" subcommand.
func NewCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <job-key>",
		Short: "Report a job completion",
		Args:  cobra.ExactArgs(1),
		RunE:  runComplete,
	}

	cmd.Flags().StringP("payload", "p", "", "Updated domain payload (inline)")
	cmd.Flags().StringP("payload-file", "f", "", "Read the updated domain payload from a file")
	cmd.Flags().StringArray("flag", nil, "Result flag as flag_<n>=<value> (repeatable)")
	cmd.Flags().Bool("run", true, "Tick the instance after applying the completion")

	return cmd
}

func runComplete(cmd *cobra.Command, args []string) error {
	jobKey := args[0]

	payload, _ := cmd.Flags().GetString("payload")
	if payloadFile, _ := cmd.Flags().GetString("payload-file"); payloadFile != "" {
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return exitError(exitFileNotFound, "reading payload: %v", err)
		}
		payload = string(data)
	}

	rawFlags, _ := cmd.Flags().GetStringArray("flag")
	flags, err := parseFlagArgs(rawFlags)
	if err != nil {
		return exitError(exitInputParse, "parsing flags: %v", err)
	}

	completion := &core.JobCompletion{
		JobKey:        jobKey,
		DomainPayload: payload,
		Flags:         flags,
	}
	if payload != "" {
		completion.DomainPayloadHash = core.ComputeHash(payload)
	}

	cliCtx, err := openContext(cmd)
	if err != nil {
		return err
	}
	defer cliCtx.Close()

	if err := cliCtx.engine.CompleteJob(cmd.Context(), completion); err != nil {
		return exitError(exitRuntime, "completing job: %v", err)
	}

	if run, _ := cmd.Flags().GetBool("run"); run {
		if err := runInstanceOfJob(cmd, cliCtx, jobKey); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Completed")
	return nil
}

// NewFailCmd creates the "fail" subcommand.
func NewFailCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fail <job-key>",
		Short: "Report a job failure",
		Args:  cobra.ExactArgs(1),
		RunE:  runFail,
	}

	cmd.Flags().String("class", string(core.ErrorTransient),
		"Failure class: transient | contract_violation | business_rejection")
	cmd.Flags().String("code", "", "Rejection code (business_rejection only)")
	cmd.Flags().StringP("message", "m", "", "Failure message")
	cmd.Flags().Bool("run", true, "Tick the instance after applying the failure")

	return cmd
}

func runFail(cmd *cobra.Command, args []string) error {
	jobKey := args[0]
	class, _ := cmd.Flags().GetString("class")
	code, _ := cmd.Flags().GetString("code")
	message, _ := cmd.Flags().GetString("message")

	switch core.ErrorClassKind(class) {
	case core.ErrorTransient, core.ErrorContractViolation, core.ErrorBusinessRejection:
	default:
		return exitError(exitValidation, "unknown failure class %q", class)
	}

	failure := &core.JobFailure{
		JobKey:  jobKey,
		Class:   core.ErrorClass{Kind: core.ErrorClassKind(class), RejectionCode: code},
		Message: message,
	}

	cliCtx, err := openContext(cmd)
	if err != nil {
		return err
	}
	defer cliCtx.Close()

	if err := cliCtx.engine.FailJob(cmd.Context(), failure); err != nil {
		return exitError(exitRuntime, "failing job: %v", err)
	}

	if run, _ := cmd.Flags().GetBool("run"); run {
		if err := runInstanceOfJob(cmd, cliCtx, jobKey); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Failure recorded")
	return nil
}

func runInstanceOfJob(cmd *cobra.Command, cliCtx *cliContext, jobKey string) error {
	instanceID, _, _, _, err := runtime.ParseJobKey(jobKey)
	if err != nil {
		return exitError(exitInputParse, "parsing job key: %v", err)
	}
	return runAndReport(cmd, cliCtx, instanceID)
}

// parseFlagArgs converts repeated "flag_<n>=<value>" arguments into wire
// flags. Values parse as bool, then integer, then fall back to string.
func parseFlagArgs(raw []string) (map[string]core.Value, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	flags := make(map[string]core.Value, len(raw))
	for _, arg := range raw {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return nil, fmt.Errorf("flag %q must be name=value", arg)
		}
		if !strings.HasPrefix(name, "flag_") {
			return nil, fmt.Errorf("flag name %q must use the flag_<n> form", name)
		}
		if b, err := strconv.ParseBool(value); err == nil {
			flags[name] = core.BoolValue(b)
		} else if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			flags[name] = core.IntValue(n)
		} else {
			flags[name] = core.StrValue(value)
		}
	}
	return flags, nil
}
