package debug

import (
	"github.com/spf13/cobra"
)

func NewDebugCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "start, inspect and revert remote debug sessions",
	}
	cmd.AddCommand(newStartCmd(configPath), newRevertCmd(configPath), newStatusCmd(configPath))
	return cmd
}
