package debug

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/kfsoftware/ldk/pkg/app"
	"github.com/kfsoftware/ldk/pkg/config"
	"github.com/kfsoftware/ldk/pkg/deployment"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type revertCmd struct {
	configPath *string
	yes        bool
	in         io.Reader
	out        io.Writer
}

func (c *revertCmd) validate() error {
	return nil
}

func (c *revertCmd) confirm(s *deployment.Snapshot) bool {
	if c.yes {
		return true
	}
	fmt.Fprintf(c.out, "%s still has a debug configuration from an earlier session. Revert it? [y/N] ", s.Function())
	answer, _ := bufio.NewReader(c.in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func (c *revertCmd) run() error {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := app.New(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.Close()

	stale, err := a.Snapshots.Load(ctx)
	if err != nil {
		return err
	}
	if stale == nil {
		log.Info().Msg("No debug configuration to revert")
		return nil
	}
	region := stale.Region
	if region == "" {
		region = cfg.Region
	}
	ctrl, err := a.Controller(region)
	if err != nil {
		return err
	}
	reverted, err := ctrl.RevertStaleSnapshot(ctx, c.confirm)
	if err != nil {
		return err
	}
	if reverted != nil {
		log.Info().Msgf("Reverted %s", reverted.Function())
	}
	return nil
}

func newRevertCmd(configPath *string) *cobra.Command {
	c := &revertCmd{configPath: configPath, in: os.Stdin, out: os.Stdout}
	cmd := &cobra.Command{
		Use:   "revert",
		Short: "revert a function left patched by an interrupted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.BoolVarP(&c.yes, "yes", "y", false, "Revert without asking")
	return cmd
}
