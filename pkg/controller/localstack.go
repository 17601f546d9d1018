package controller

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kfsoftware/ldk/pkg/deployment"
	"github.com/kfsoftware/ldk/pkg/retry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	DefaultLocalStackEndpoint = "http://localhost:4566"

	healthPath       = "/_localstack/health"
	debugConfigsPath = "/_aws/lambda/debug_configs/"
)

var errDebugServerNotRunning = errors.New("debug server not running yet")

type LocalStackOptions struct {
	Endpoint string
	// DebugPort is the port requested for the function's debug server; 0 lets LocalStack pick.
	DebugPort int
	// Timeout bounds each request, 30s by default.
	Timeout   time.Duration
	ReadyPoll retry.Config
}

// LocalStackDebugger asks LocalStack to run the function with a debug server
// attached. No tunnel is needed and the function configuration is untouched.
type LocalStackDebugger struct {
	opts   LocalStackOptions
	client *resty.Client
	log    zerolog.Logger

	mu          sync.Mutex
	functionArn string
}

type debugConfigRequest struct {
	Port            int    `json:"port,omitempty"`
	UserAgent       string `json:"user_agent"`
	EnforceTimeouts bool   `json:"enforce_timeouts"`
}

type debugConfigResponse struct {
	Port                 int  `json:"port"`
	IsDebugServerRunning bool `json:"is_debug_server_running"`
}

func NewLocalStackDebugger(opts LocalStackOptions, logger zerolog.Logger) *LocalStackDebugger {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultLocalStackEndpoint
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ReadyPoll.MaxRetries == 0 {
		opts.ReadyPoll = retry.Config{MaxRetries: 30, InitialDelay: time.Second, Multiplier: 1}
	}
	return &LocalStackDebugger{
		opts: opts,
		client: resty.New().
			SetBaseURL(strings.TrimSuffix(opts.Endpoint, "/")).
			SetTimeout(opts.Timeout).
			SetHeader("Accept", "application/json"),
		log: logger.With().Str("component", "localstack-debugger").Logger(),
	}
}

func (d *LocalStackDebugger) CheckHealth(ctx context.Context) error {
	var health struct {
		Services map[string]string `json:"services"`
	}
	if err := d.do(ctx, http.MethodGet, healthPath, nil, &health); err != nil {
		return errors.Wrap(err, "localstack is not reachable")
	}
	switch health.Services["lambda"] {
	case "running", "available":
		return nil
	default:
		return errors.Errorf("localstack lambda service is %q", health.Services["lambda"])
	}
}

func (d *LocalStackDebugger) Setup(ctx context.Context, setup Setup) (*Endpoint, error) {
	functionArn := setup.Snapshot.FunctionArn
	if functionArn == "" {
		return nil, deployment.ErrMissingFunction
	}
	d.mu.Lock()
	d.functionArn = functionArn
	d.mu.Unlock()

	setup.transition(DeploymentPatching)
	setup.Progress.Report("Configuring LocalStack debug mode")
	var created debugConfigResponse
	err := d.do(ctx, http.MethodPut, d.configPath(functionArn), debugConfigRequest{
		Port:      d.opts.DebugPort,
		UserAgent: "ldk",
	}, &created)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to enable debug mode for %s", functionArn)
	}

	setup.transition(ProxyStarting)
	setup.Progress.Report("Waiting for debug server")
	err = retry.Do(ctx, d.opts.ReadyPoll, func() error {
		var status debugConfigResponse
		if err := d.do(ctx, http.MethodGet, d.configPath(functionArn), nil, &status); err != nil {
			return err
		}
		if !status.IsDebugServerRunning {
			return errDebugServerNotRunning
		}
		if status.Port != 0 {
			created.Port = status.Port
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, errDebugServerNotRunning)
	})
	if err != nil {
		return nil, errors.Wrap(err, "debug server did not start")
	}

	u, err := url.Parse(d.opts.Endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid localstack endpoint %q", d.opts.Endpoint)
	}
	return &Endpoint{
		Host:      u.Hostname(),
		Port:      created.Port,
		Qualifier: deployment.LatestQualifier,
	}, nil
}

func (d *LocalStackDebugger) Done() <-chan struct{} {
	return nil
}

func (d *LocalStackDebugger) Cleanup(ctx context.Context, snapshot *deployment.Snapshot) error {
	d.mu.Lock()
	functionArn := d.functionArn
	d.functionArn = ""
	d.mu.Unlock()
	if functionArn == "" {
		functionArn = snapshot.FunctionArn
	}
	if functionArn == "" {
		return nil
	}
	err := d.do(ctx, http.MethodDelete, d.configPath(functionArn), nil, nil)
	var status *statusError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		return nil
	}
	return errors.Wrapf(err, "failed to disable debug mode for %s", functionArn)
}

func (d *LocalStackDebugger) configPath(functionArn string) string {
	return debugConfigsPath + url.PathEscape(functionArn)
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

// do sends in as the JSON body and decodes a JSON response into out; either may be nil.
func (d *LocalStackDebugger) do(ctx context.Context, method string, path string, in interface{}, out interface{}) error {
	req := d.client.R().SetContext(ctx)
	if in != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(in)
	}
	if out != nil {
		req.SetResult(out).ForceContentType("application/json")
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.IsError() {
		return &statusError{code: resp.StatusCode(), body: strings.TrimSpace(resp.String())}
	}
	return nil
}
