package proxy

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/kfsoftware/ldk/pkg/config"
	"github.com/kfsoftware/ldk/pkg/proxy"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type proxyCmd struct {
	configPath  *string
	accessToken string
	region      string
	endpoint    string
	listen      string
}

func (c *proxyCmd) validate() error {
	if c.accessToken == "" {
		c.accessToken = os.Getenv("LDK_ACCESS_TOKEN")
	}
	if c.accessToken == "" {
		return errors.New("--access-token or LDK_ACCESS_TOKEN is required")
	}
	return nil
}

func (c *proxyCmd) run() error {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return err
	}
	if c.region == "" {
		c.region = cfg.Region
	}
	if c.endpoint == "" {
		c.endpoint = cfg.Proxy.Endpoint
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := proxy.New(proxy.Config{
		Region:               c.region,
		Endpoint:             c.endpoint,
		AccessToken:          c.accessToken,
		ClientToken:          uuid.NewString(),
		ListenAddr:           c.listen,
		PingInterval:         cfg.Proxy.PingInterval,
		ReconnectInterval:    cfg.Proxy.ReconnectInterval,
		MaxReconnectAttempts: cfg.Proxy.MaxReconnectAttempts,
	}, log.Logger)
	defer p.Stop()
	port, err := p.Start(ctx)
	if err != nil {
		return err
	}
	log.Info().Msgf("Forwarding 127.0.0.1:%d through the tunnel, press Ctrl+C to stop", port)
	select {
	case <-ctx.Done():
		return nil
	case <-p.Done():
		return p.Err()
	}
}

func NewProxyCmd(configPath *string) *cobra.Command {
	c := &proxyCmd{configPath: configPath}
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "run a source mode local proxy for an existing tunnel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.accessToken, "access-token", "", "", "Source access token of the tunnel")
	persistentFlags.StringVarP(&c.region, "region", "r", "", "Region of the tunnel")
	persistentFlags.StringVarP(&c.endpoint, "endpoint", "", "", "Tunneling data endpoint, overrides the regional one")
	persistentFlags.StringVarP(&c.listen, "listen", "l", "127.0.0.1:0", "Local address to accept debugger connections on")
	return cmd
}
