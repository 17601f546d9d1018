// Package awsclient builds the AWS SDK clients used by ldk.
package awsclient

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iotsecuretunneling"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/kfsoftware/ldk/pkg/tunnel"
	"github.com/pkg/errors"
)

type Options struct {
	Region  string
	Profile string
	// LambdaEndpoint and TunnelEndpoint replace the regional endpoints, e.g. for LocalStack.
	LambdaEndpoint string
	TunnelEndpoint string
}

// Factory builds clients from one shared credential chain.
type Factory struct {
	cfg  aws.Config
	opts Options
}

func New(ctx context.Context, opts Options) (*Factory, error) {
	var loaders []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loaders = append(loaders, awsconfig.WithRegion(opts.Region))
	}
	if opts.Profile != "" {
		loaders = append(loaders, awsconfig.WithSharedConfigProfile(opts.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loaders...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load aws configuration")
	}
	return &Factory{cfg: cfg, opts: opts}, nil
}

func (f *Factory) Region() string {
	return f.cfg.Region
}

// Lambda returns a client for region, or the default region when empty.
func (f *Factory) Lambda(region string) *lambda.Client {
	return lambda.NewFromConfig(f.cfg, func(o *lambda.Options) {
		if region != "" {
			o.Region = region
		}
		if f.opts.LambdaEndpoint != "" {
			o.BaseEndpoint = aws.String(f.opts.LambdaEndpoint)
		}
	})
}

func (f *Factory) Tunneling(region string) *iotsecuretunneling.Client {
	return iotsecuretunneling.NewFromConfig(f.cfg, func(o *iotsecuretunneling.Options) {
		if region != "" {
			o.Region = region
		}
		if f.opts.TunnelEndpoint != "" {
			o.BaseEndpoint = aws.String(f.opts.TunnelEndpoint)
		}
	})
}

// TunnelClients adapts the factory to tunnel.Manager.
func (f *Factory) TunnelClients() tunnel.ClientProvider {
	return func(_ context.Context, region string) (tunnel.API, error) {
		if region == "" && f.cfg.Region == "" {
			return nil, errors.New("no region configured for secure tunneling")
		}
		return f.Tunneling(region), nil
	}
}
