package tunnel

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iotsecuretunneling"
	"github.com/aws/aws-sdk-go-v2/service/iotsecuretunneling/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// MaxLifetime is the lifetime requested for every tunnel opened here.
	MaxLifetime = 12 * time.Hour
	// MinRemainingLifetime is the least lifetime a tunnel must have left to be reused.
	MinRemainingLifetime = 15 * time.Minute

	DestinationService = "WSS"
	instanceTagKey     = "ldk:instance"
)

// API is the subset of the IoT secure tunneling client used by the Manager.
type API interface {
	ListTunnels(ctx context.Context, params *iotsecuretunneling.ListTunnelsInput, optFns ...func(*iotsecuretunneling.Options)) (*iotsecuretunneling.ListTunnelsOutput, error)
	DescribeTunnel(ctx context.Context, params *iotsecuretunneling.DescribeTunnelInput, optFns ...func(*iotsecuretunneling.Options)) (*iotsecuretunneling.DescribeTunnelOutput, error)
	OpenTunnel(ctx context.Context, params *iotsecuretunneling.OpenTunnelInput, optFns ...func(*iotsecuretunneling.Options)) (*iotsecuretunneling.OpenTunnelOutput, error)
	RotateTunnelAccessToken(ctx context.Context, params *iotsecuretunneling.RotateTunnelAccessTokenInput, optFns ...func(*iotsecuretunneling.Options)) (*iotsecuretunneling.RotateTunnelAccessTokenOutput, error)
	CloseTunnel(ctx context.Context, params *iotsecuretunneling.CloseTunnelInput, optFns ...func(*iotsecuretunneling.Options)) (*iotsecuretunneling.CloseTunnelOutput, error)
}

// ClientProvider returns a tunneling client bound to region.
type ClientProvider func(ctx context.Context, region string) (API, error)

// Info holds the credentials of one tunnel session. The source token
// authenticates the local proxy, the destination token is handed to the
// function being debugged.
type Info struct {
	TunnelID         string `json:"tunnelId" yaml:"tunnelId"`
	SourceToken      string `json:"sourceToken" yaml:"sourceToken"`
	DestinationToken string `json:"destinationToken" yaml:"destinationToken"`
}

type Manager struct {
	clients    ClientProvider
	instanceID string
	log        zerolog.Logger
	now        func() time.Time
}

// NewManager returns a Manager that tags its tunnels with instanceID so later
// runs on the same machine find and reuse them.
func NewManager(clients ClientProvider, instanceID string, logger zerolog.Logger) *Manager {
	return &Manager{
		clients:    clients,
		instanceID: instanceID,
		log:        logger.With().Str("component", "tunnel").Logger(),
		now:        time.Now,
	}
}

func (m *Manager) Description() string {
	return fmt.Sprintf("RemoteDebugging+%s", m.instanceID)
}

func (m *Manager) CreateOrReuseTunnel(ctx context.Context, region string) (*Info, error) {
	client, err := m.clients(ctx, region)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create tunneling client for %s", region)
	}
	existing, err := m.findTunnel(ctx, client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tunnels")
	}
	if existing == nil {
		m.log.Debug().Msgf("No open tunnel found, opening a new one in %s", region)
		return m.openTunnel(ctx, client)
	}
	tunnelID := aws.ToString(existing.TunnelId)
	remaining, err := m.remainingLifetime(ctx, client, tunnelID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to describe tunnel %s", tunnelID)
	}
	if remaining >= MinRemainingLifetime {
		m.log.Debug().Msgf("Reusing tunnel %s with %s remaining", tunnelID, remaining.Round(time.Second))
		return m.rotate(ctx, client, tunnelID)
	}
	m.log.Info().Msgf("Tunnel %s expires in %s, replacing it", tunnelID, remaining.Round(time.Second))
	if _, err := client.CloseTunnel(ctx, &iotsecuretunneling.CloseTunnelInput{
		TunnelId: aws.String(tunnelID),
	}); err != nil {
		return nil, errors.Wrapf(err, "failed to close expiring tunnel %s", tunnelID)
	}
	return m.openTunnel(ctx, client)
}

func (m *Manager) RefreshTunnelTokens(ctx context.Context, tunnelID string, region string) (*Info, error) {
	client, err := m.clients(ctx, region)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create tunneling client for %s", region)
	}
	return m.rotate(ctx, client, tunnelID)
}

func (m *Manager) CloseTunnel(ctx context.Context, tunnelID string, region string) error {
	client, err := m.clients(ctx, region)
	if err != nil {
		return errors.Wrapf(err, "failed to create tunneling client for %s", region)
	}
	_, err = client.CloseTunnel(ctx, &iotsecuretunneling.CloseTunnelInput{
		TunnelId: aws.String(tunnelID),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to close tunnel %s", tunnelID)
	}
	m.log.Info().Msgf("Closed tunnel %s", tunnelID)
	return nil
}

func (m *Manager) findTunnel(ctx context.Context, client API) (*types.TunnelSummary, error) {
	description := m.Description()
	input := &iotsecuretunneling.ListTunnelsInput{MaxResults: aws.Int32(100)}
	for {
		out, err := client.ListTunnels(ctx, input)
		if err != nil {
			return nil, err
		}
		for i := range out.TunnelSummaries {
			summary := out.TunnelSummaries[i]
			if summary.Status == types.TunnelStatusOpen && aws.ToString(summary.Description) == description {
				return &summary, nil
			}
		}
		if aws.ToString(out.NextToken) == "" {
			return nil, nil
		}
		input.NextToken = out.NextToken
	}
}

func (m *Manager) remainingLifetime(ctx context.Context, client API, tunnelID string) (time.Duration, error) {
	out, err := client.DescribeTunnel(ctx, &iotsecuretunneling.DescribeTunnelInput{
		TunnelId: aws.String(tunnelID),
	})
	if err != nil {
		return 0, err
	}
	if out.Tunnel == nil || out.Tunnel.CreatedAt == nil {
		return 0, errors.Errorf("tunnel %s has no creation time", tunnelID)
	}
	lifetime := MaxLifetime
	if out.Tunnel.TimeoutConfig != nil && out.Tunnel.TimeoutConfig.MaxLifetimeTimeoutMinutes != nil {
		lifetime = time.Duration(aws.ToInt32(out.Tunnel.TimeoutConfig.MaxLifetimeTimeoutMinutes)) * time.Minute
	}
	return out.Tunnel.CreatedAt.Add(lifetime).Sub(m.now()), nil
}

func (m *Manager) openTunnel(ctx context.Context, client API) (*Info, error) {
	out, err := client.OpenTunnel(ctx, &iotsecuretunneling.OpenTunnelInput{
		Description: aws.String(m.Description()),
		DestinationConfig: &types.DestinationConfig{
			Services: []string{DestinationService},
		},
		TimeoutConfig: &types.TimeoutConfig{
			MaxLifetimeTimeoutMinutes: aws.Int32(int32(MaxLifetime / time.Minute)),
		},
		Tags: []types.Tag{{
			Key:   aws.String(instanceTagKey),
			Value: aws.String(m.instanceID),
		}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open tunnel")
	}
	info := &Info{
		TunnelID:         aws.ToString(out.TunnelId),
		SourceToken:      aws.ToString(out.SourceAccessToken),
		DestinationToken: aws.ToString(out.DestinationAccessToken),
	}
	m.log.Info().Msgf("Opened tunnel %s", info.TunnelID)
	return info, nil
}

func (m *Manager) rotate(ctx context.Context, client API, tunnelID string) (*Info, error) {
	out, err := client.RotateTunnelAccessToken(ctx, &iotsecuretunneling.RotateTunnelAccessTokenInput{
		TunnelId:   aws.String(tunnelID),
		ClientMode: types.ClientModeAll,
		DestinationConfig: &types.DestinationConfig{
			Services: []string{DestinationService},
		},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to rotate tokens for tunnel %s", tunnelID)
	}
	return &Info{
		TunnelID:         tunnelID,
		SourceToken:      aws.ToString(out.SourceAccessToken),
		DestinationToken: aws.ToString(out.DestinationAccessToken),
	}, nil
}
