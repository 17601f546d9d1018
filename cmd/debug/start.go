package debug

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kfsoftware/ldk/pkg/admin"
	"github.com/kfsoftware/ldk/pkg/app"
	"github.com/kfsoftware/ldk/pkg/config"
	"github.com/kfsoftware/ldk/pkg/controller"
	"github.com/kfsoftware/ldk/pkg/deployment"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const teardownTimeout = 5 * time.Minute

type startCmd struct {
	configPath     *string
	functionArn    string
	timeout        int32
	publishVersion bool
	layerArn       string
	debugger       string
	adminAddr      string
	localstack     bool

	publishSet    bool
	localstackSet bool
}

func (c *startCmd) validate() error {
	if c.functionArn == "" {
		return errors.New("--function-arn is required")
	}
	_, err := deployment.RegionFromArn(c.functionArn)
	return err
}

func (c *startCmd) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		cfg.Timeout = c.timeout
	}
	if c.publishSet {
		cfg.PublishVersion = c.publishVersion
	}
	if c.localstackSet {
		cfg.LocalStack.Enabled = c.localstack
	}
	if c.layerArn != "" {
		cfg.LayerArn = c.layerArn
	}
	if c.debugger != "" {
		cfg.Debugger = strings.Fields(c.debugger)
	}
	if c.adminAddr != "" {
		cfg.AdminAddr = c.adminAddr
	}
	return cfg, cfg.Validate()
}

func (c *startCmd) run() error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	region, _ := deployment.RegionFromArn(c.functionArn)
	if cfg.Region == "" {
		cfg.Region = region
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.Close()
	ctrl, err := a.Controller(region)
	if err != nil {
		return err
	}
	ctrl.Subscribe(func(s controller.State) {
		log.Debug().Msgf("Debug session state: %s", s)
	})

	if cfg.AdminAddr != "" {
		listener, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			return errors.Wrapf(err, "failed to listen on %s", cfg.AdminAddr)
		}
		srv := admin.NewServer(ctrl, log.Logger)
		go func() {
			if err := srv.Serve(listener); err != nil {
				log.Error().Err(err).Msg("Admin API stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	ep, err := ctrl.StartDebugging(ctx, controller.Request{
		FunctionArn:    c.functionArn,
		TimeoutSeconds: cfg.Timeout,
		PublishVersion: cfg.PublishVersion,
		LayerArn:       cfg.LayerArnFor(region),
	}, func(message string) {
		log.Info().Msg(message)
	})
	if err != nil {
		return err
	}
	log.Info().Msgf("Debug session active on %s:%d (qualifier %s), press Ctrl+C to stop", ep.Host, ep.Port, ep.Qualifier)

	select {
	case <-ctrl.Done():
		if st := ctrl.Status(); st.LastError != "" {
			return errors.New(st.LastError)
		}
		log.Info().Msg("Debug session finished")
		return nil
	case <-ctx.Done():
		log.Info().Msg("Stopping debug session")
		teardownCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		return ctrl.StopDebugging(teardownCtx)
	}
}

func newStartCmd(configPath *string) *cobra.Command {
	c := &startCmd{configPath: configPath}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "patch a function and attach a debugger to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			c.publishSet = cmd.Flags().Changed("publish-version")
			c.localstackSet = cmd.Flags().Changed("localstack")
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.functionArn, "function-arn", "f", "", "ARN of the function to debug")
	persistentFlags.Int32VarP(&c.timeout, "timeout", "t", 0, "Function timeout in seconds while debugging (max 900)")
	persistentFlags.BoolVarP(&c.publishVersion, "publish-version", "", false, "Debug a published version and restore $LATEST immediately")
	persistentFlags.StringVarP(&c.layerArn, "layer-arn", "", "", "Debug layer ARN, {region} is substituted")
	persistentFlags.StringVarP(&c.debugger, "debugger", "", "", "Debugger command, {host}, {port}, {function} and {qualifier} are substituted")
	persistentFlags.StringVarP(&c.adminAddr, "admin-addr", "", "", "Address of the admin API")
	persistentFlags.BoolVarP(&c.localstack, "localstack", "", false, "Debug a function running in LocalStack")

	cmd.MarkPersistentFlagRequired("function-arn")
	return cmd
}
