package debug

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kfsoftware/ldk/pkg/config"
	"github.com/kfsoftware/ldk/pkg/controller"
	"github.com/kfsoftware/ldk/pkg/db"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type statusCmd struct {
	configPath *string
	adminAddr  string
	out        io.Writer
}

func (c *statusCmd) validate() error {
	return nil
}

// liveStatus asks a running `ldk debug start` for its state.
func (c *statusCmd) liveStatus(addr string) (*controller.Status, error) {
	st := &controller.Status{}
	resp, err := resty.New().
		SetTimeout(2 * time.Second).
		R().
		SetResult(st).
		ForceContentType("application/json").
		Get("http://" + addr + "/status")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("admin api returned %d", resp.StatusCode())
	}
	return st, nil
}

func (c *statusCmd) run() error {
	cfg, err := config.Load(*c.configPath)
	if err != nil {
		return err
	}
	addr := cfg.AdminAddr
	if c.adminAddr != "" {
		addr = c.adminAddr
	}
	report := map[string]interface{}{}
	if addr != "" {
		if st, err := c.liveStatus(addr); err == nil {
			report["session"] = st
		} else {
			log.Debug().Err(err).Msg("No running debug session answered")
		}
	}

	dbClient, err := db.Open(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := dbClient.DB(); err == nil {
		defer sqlDB.Close()
	}
	snapshot, err := db.NewSnapshotStore(dbClient).Load(context.Background())
	if err != nil {
		return err
	}
	if snapshot != nil {
		report["snapshot"] = snapshot
	}
	if len(report) == 0 {
		fmt.Fprintln(c.out, "No debug session and no stored snapshot")
		return nil
	}
	enc := yaml.NewEncoder(c.out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(report)
}

func newStatusCmd(configPath *string) *cobra.Command {
	c := &statusCmd{configPath: configPath, out: os.Stdout}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show the running session and any stored snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.validate(); err != nil {
				return err
			}
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.adminAddr, "admin-addr", "", "", "Address of the admin API of a running session")
	return cmd
}
