package worker

import "github.com/spf13/cobra"

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Operator jobs against the outbox store",
	}
	// attach subcommands
	cmd.AddCommand(requeueCmd)

	return cmd
}
