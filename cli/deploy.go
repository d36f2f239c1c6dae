package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalproc/core"
)

// NewDeployCmd creates the "deploy" subcommand.
func NewDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy <program.json>",
		Short: "Deploy a compiled program",
		Long:  "Deploy a compiled program JSON file, verifying its content hash and structure.",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeploy,
	}

	cmd.Flags().Bool("seal", false, "Compute and stamp the content hash before deploying (for hand-built programs)")

	return cmd
}

func runDeploy(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return exitError(exitFileNotFound, "reading program: %v", err)
	}

	var program core.CompiledProgram
	if err := json.Unmarshal(data, &program); err != nil {
		return exitError(exitInputParse, "parsing program: %v", err)
	}

	if seal, _ := cmd.Flags().GetBool("seal"); seal {
		if err := program.Seal(); err != nil {
			return exitError(exitValidation, "sealing program: %v", err)
		}
	}

	cliCtx, err := openContext(cmd)
	if err != nil {
		return err
	}
	defer cliCtx.Close()

	if err := cliCtx.engine.DeployProgram(cmd.Context(), &program); err != nil {
		return exitError(exitValidation, "deploying program: %v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deployed %s (%d instructions)\n",
		program.BytecodeVersion, len(program.Program))
	return nil
}
