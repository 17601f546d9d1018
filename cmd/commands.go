package cmd

import (
	"github.com/kfsoftware/ldk/cmd/debug"
	"github.com/kfsoftware/ldk/cmd/proxy"
	"github.com/kfsoftware/ldk/cmd/tunnel"
	"github.com/spf13/cobra"
)

const (
	ldkDesc = `
ldk attaches a local debugger to a Lambda function running in AWS. It opens
an IoT secure tunnel, patches the function with the debug layer, bridges the
tunnel to a local port and reverts the function when the session ends.
Detailed help for each command is available with 'ldk help <command>'.
`
)

func NewCmdLdk() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "ldk",
		Short:        "debug deployed Lambda functions locally",
		Long:         ldkDesc,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.ldk/config.yaml)")
	cmd.AddCommand(debug.NewDebugCmd(&configPath))
	cmd.AddCommand(tunnel.NewTunnelCmd(&configPath))
	cmd.AddCommand(proxy.NewProxyCmd(&configPath))

	return cmd
}
