package tunnel

import (
	"context"
	"io"
	"os"

	"github.com/kfsoftware/ldk/pkg/awsclient"
	"github.com/kfsoftware/ldk/pkg/config"
	"github.com/kfsoftware/ldk/pkg/tunnel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type tunnelCmd struct {
	configPath *string
	action     string
	region     string
	tunnelID   string
	out        io.Writer
}

func (c *tunnelCmd) validate() error {
	if c.action != "open" && c.tunnelID == "" {
		return errors.New("--tunnel-id is required")
	}
	return nil
}

func (c *tunnelCmd) manager(ctx context.Context) (*tunnel.Manager, string, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, "", err
	}
	region := c.region
	if region == "" {
		region = cfg.Region
	}
	factory, err := awsclient.New(ctx, awsclient.Options{
		Region:         region,
		Profile:        cfg.Profile,
		TunnelEndpoint: cfg.TunnelEndpoint,
	})
	if err != nil {
		return nil, "", err
	}
	if region == "" {
		region = factory.Region()
	}
	return tunnel.NewManager(factory.TunnelClients(), cfg.InstanceID, log.Logger), region, nil
}

func (c *tunnelCmd) run() error {
	ctx := context.Background()
	m, region, err := c.manager(ctx)
	if err != nil {
		return err
	}
	var info *tunnel.Info
	switch c.action {
	case "open":
		info, err = m.CreateOrReuseTunnel(ctx, region)
	case "rotate":
		info, err = m.RefreshTunnelTokens(ctx, c.tunnelID, region)
	case "close":
		if err := m.CloseTunnel(ctx, c.tunnelID, region); err != nil {
			return err
		}
		log.Info().Msgf("Closed tunnel %s", c.tunnelID)
		return nil
	}
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(c.out)
	defer enc.Close()
	return enc.Encode(info)
}

func newActionCmd(configPath *string, action string, short string) *cobra.Command {
	c := &tunnelCmd{configPath: configPath, action: action, out: os.Stdout}
	cmd := &cobra.Command{
		Use:   action,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.region, "region", "r", "", "Region of the tunnel")
	if action != "open" {
		persistentFlags.StringVarP(&c.tunnelID, "tunnel-id", "", "", "Tunnel to operate on")
		cmd.MarkPersistentFlagRequired("tunnel-id")
	}
	return cmd
}

func NewTunnelCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "manage the secure tunnel used for debugging",
	}
	cmd.AddCommand(
		newActionCmd(configPath, "open", "open a tunnel or reuse the one of this machine"),
		newActionCmd(configPath, "rotate", "rotate the access tokens of a tunnel"),
		newActionCmd(configPath, "close", "close a tunnel"),
	)
	return cmd
}
