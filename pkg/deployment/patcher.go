package deployment

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
	"github.com/kfsoftware/ldk/pkg/retry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const (
	ExecWrapperKey      = "AWS_LAMBDA_EXEC_WRAPPER"
	ExecWrapperValue    = "/opt/bin/ldk_wrapper"
	BackupWrapperKey    = "ORIGINAL_AWS_LAMBDA_EXEC_WRAPPER"
	DebugOnLatestKey    = "AWS_LAMBDA_DEBUG_ON_LATEST"
	DestinationTokenKey = "AWS_LDK_DESTINATION_TOKEN"

	LatestQualifier = "$LATEST"
	MaxLayers       = 5
	MaxTimeout      = 900
)

var (
	ErrMissingFunction = errors.New("function arn or name is required")
	ErrLayerLimit      = errors.New("cannot add layer: function already has the maximum number of layers")
	errNotReady        = errors.New("function update still in progress")
)

// LambdaAPI is the subset of the Lambda client used by the Patcher.
type LambdaAPI interface {
	GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	PublishVersion(ctx context.Context, params *lambda.PublishVersionInput, optFns ...func(*lambda.Options)) (*lambda.PublishVersionOutput, error)
	DeleteFunction(ctx context.Context, params *lambda.DeleteFunctionInput, optFns ...func(*lambda.Options)) (*lambda.DeleteFunctionOutput, error)
}

// Progress receives human readable status updates. It may be nil and may be
// called from several goroutines.
type Progress func(message string)

func (p Progress) Report(message string) {
	if p != nil {
		p(message)
	}
}

type Options struct {
	Retry retry.Config
	// WaitForActive polls the function until pending updates settle before each update.
	WaitForActive bool
	ReadyPoll     retry.Config
	// BackgroundTimeout bounds the revert of $LATEST after a version is published.
	BackgroundTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Retry:             retry.DefaultConfig(),
		WaitForActive:     true,
		ReadyPoll:         retry.Config{MaxRetries: 60, InitialDelay: time.Second, Multiplier: 1},
		BackgroundTimeout: 5 * time.Minute,
	}
}

type DebugRequest struct {
	FunctionArn      string
	FunctionName     string
	DestinationToken string
	TimeoutSeconds   int32
	PublishVersion   bool
	LayerArn         string
}

func (r DebugRequest) function() string {
	if r.FunctionArn != "" {
		return r.FunctionArn
	}
	return r.FunctionName
}

type Patcher struct {
	api  LambdaAPI
	opts Options
	log  zerolog.Logger

	wg    sync.WaitGroup
	bgMu  sync.Mutex
	bgErr error
}

func NewPatcher(api LambdaAPI, opts Options, logger zerolog.Logger) *Patcher {
	return &Patcher{
		api:  api,
		opts: opts,
		log:  logger.With().Str("component", "deployment").Logger(),
	}
}

func (p *Patcher) GetSnapshot(ctx context.Context, function string) (*Snapshot, error) {
	if function == "" {
		return nil, ErrMissingFunction
	}
	out, err := p.api.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: aws.String(function),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get configuration of %s", function)
	}
	s := &Snapshot{
		FunctionArn:  aws.ToString(out.FunctionArn),
		FunctionName: aws.ToString(out.FunctionName),
		Runtime:      string(out.Runtime),
		Timeout:      aws.ToInt32(out.Timeout),
		Layers:       []string{},
		Environment:  map[string]string{},
	}
	if s.FunctionArn == "" && strings.HasPrefix(function, "arn:") {
		s.FunctionArn = function
	}
	if s.FunctionName == "" {
		s.FunctionName = function
	}
	if s.FunctionArn != "" {
		if region, err := RegionFromArn(s.FunctionArn); err == nil {
			s.Region = region
		}
	}
	for _, l := range out.Layers {
		s.Layers = append(s.Layers, aws.ToString(l.Arn))
	}
	if out.Environment != nil {
		for k, v := range out.Environment.Variables {
			s.Environment[k] = v
		}
	}
	return s, nil
}

// CreateDebugDeployment patches the function so its invocations are routed
// through the debug layer, and returns the qualifier the debugger should
// target. With PublishVersion the patch is frozen into a new version and
// $LATEST is restored in the background.
func (p *Patcher) CreateDebugDeployment(ctx context.Context, req DebugRequest, progress Progress) (string, error) {
	function := req.function()
	if function == "" {
		return "", ErrMissingFunction
	}
	if req.LayerArn == "" {
		return "", errors.New("debug layer arn is required")
	}
	progress.Report("Reading function configuration")
	original, err := p.GetSnapshot(ctx, function)
	if err != nil {
		return "", err
	}
	layers, err := MergeDebugLayer(original.Layers, req.LayerArn)
	if err != nil {
		return "", errors.Wrapf(err, "function %s", function)
	}
	env := DebugEnvironment(original.Environment, req.DestinationToken, req.PublishVersion)
	timeout := ClampTimeout(req.TimeoutSeconds)

	progress.Report("Updating function configuration")
	if err := p.update(ctx, function, timeout, layers, env); err != nil {
		return "", errors.Wrap(err, "failed to apply debug configuration")
	}
	p.log.Info().Msgf("Patched %s for debugging (timeout=%ds, %d layers)", function, timeout, len(layers))
	if !req.PublishVersion {
		return LatestQualifier, nil
	}

	progress.Report("Publishing debug version")
	version, err := p.publish(ctx, function)
	if err != nil {
		return "", errors.Wrap(err, "failed to publish debug version")
	}
	p.log.Info().Msgf("Published debug version %s of %s", version, function)
	p.revertInBackground(original)
	return version, nil
}

func (p *Patcher) revertInBackground(original *Snapshot) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.opts.BackgroundTimeout)
		defer cancel()
		if err := p.RemoveDebugDeployment(ctx, original, false); err != nil {
			p.log.Error().Err(err).Msgf("Failed to restore $LATEST of %s", original.Function())
			p.bgMu.Lock()
			p.bgErr = multierr.Append(p.bgErr, err)
			p.bgMu.Unlock()
			return
		}
		p.log.Debug().Msgf("Restored $LATEST of %s", original.Function())
	}()
}

// Wait blocks until background reverts finish and returns their failures.
func (p *Patcher) Wait() error {
	p.wg.Wait()
	p.bgMu.Lock()
	defer p.bgMu.Unlock()
	err := p.bgErr
	p.bgErr = nil
	return err
}

// RemoveDebugDeployment restores timeout, layers and environment from the
// snapshot. With check set it first compares the live configuration and does
// nothing when they already match.
func (p *Patcher) RemoveDebugDeployment(ctx context.Context, snapshot *Snapshot, check bool) error {
	function := snapshot.Function()
	if function == "" {
		return ErrMissingFunction
	}
	if check {
		live, err := p.GetSnapshot(ctx, function)
		if err != nil {
			return err
		}
		if live.Equivalent(snapshot) {
			p.log.Debug().Msgf("%s already matches its snapshot", function)
			return nil
		}
		p.log.Debug().Msgf("%s differs from its snapshot in %v", function, live.Diff(snapshot))
	}
	if err := p.update(ctx, function, snapshot.Timeout, snapshot.Layers, snapshot.Environment); err != nil {
		return errors.Wrapf(err, "failed to revert %s", function)
	}
	p.log.Info().Msgf("Reverted debug configuration of %s", function)
	return nil
}

func (p *Patcher) DeleteDebugVersion(ctx context.Context, function string, qualifier string) error {
	if qualifier == "" || qualifier == LatestQualifier {
		return nil
	}
	_, err := p.api.DeleteFunction(ctx, &lambda.DeleteFunctionInput{
		FunctionName: aws.String(function),
		Qualifier:    aws.String(qualifier),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrapf(err, "failed to delete version %s of %s", qualifier, function)
	}
	p.log.Info().Msgf("Deleted debug version %s of %s", qualifier, function)
	return nil
}

func (p *Patcher) update(ctx context.Context, function string, timeout int32, layers []string, env map[string]string) error {
	if layers == nil {
		layers = []string{}
	}
	if env == nil {
		env = map[string]string{}
	}
	input := &lambda.UpdateFunctionConfigurationInput{
		FunctionName: aws.String(function),
		Timeout:      aws.Int32(timeout),
		Layers:       layers,
		Environment:  &types.Environment{Variables: env},
	}
	return retry.Do(ctx, p.opts.Retry, func() error {
		if err := p.waitUntilReady(ctx, function); err != nil {
			return err
		}
		_, err := p.api.UpdateFunctionConfiguration(ctx, input)
		if err != nil {
			p.log.Debug().Err(err).Msgf("Update of %s failed", function)
		}
		return err
	}, IsRetryable)
}

func (p *Patcher) publish(ctx context.Context, function string) (string, error) {
	var version string
	err := retry.Do(ctx, p.opts.Retry, func() error {
		if err := p.waitUntilReady(ctx, function); err != nil {
			return err
		}
		out, err := p.api.PublishVersion(ctx, &lambda.PublishVersionInput{
			FunctionName: aws.String(function),
			Description:  aws.String("ldk remote debug session"),
		})
		if err != nil {
			return err
		}
		version = aws.ToString(out.Version)
		return nil
	}, IsRetryable)
	return version, err
}

func (p *Patcher) waitUntilReady(ctx context.Context, function string) error {
	if !p.opts.WaitForActive {
		return nil
	}
	return retry.Do(ctx, p.opts.ReadyPoll, func() error {
		out, err := p.api.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
			FunctionName: aws.String(function),
		})
		if err != nil {
			return err
		}
		if out.State == types.StatePending || out.LastUpdateStatus == types.LastUpdateStatusInProgress {
			return errNotReady
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, errNotReady) || IsRetryable(err)
	})
}

// IsRetryable reports whether err is a throttling or update-in-progress error.
func IsRetryable(err error) bool {
	if errors.Is(err, errNotReady) {
		return true
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ResourceConflictException", "TooManyRequestsException", "ThrottlingException":
		return true
	}
	return false
}

// ClampTimeout bounds a timeout to Lambda's (0, 900] seconds. Non-positive values mean the maximum.
func ClampTimeout(seconds int32) int32 {
	if seconds <= 0 || seconds > MaxTimeout {
		return MaxTimeout
	}
	return seconds
}

// MergeDebugLayer adds debugLayer to layers, replacing any other version of
// the same layer. It fails when no slot is left.
func MergeDebugLayer(layers []string, debugLayer string) ([]string, error) {
	base := layerBase(debugLayer)
	merged := make([]string, 0, len(layers)+1)
	found := false
	for _, l := range layers {
		if layerBase(l) == base {
			if !found {
				merged = append(merged, debugLayer)
				found = true
			}
			continue
		}
		merged = append(merged, l)
	}
	if found {
		return merged, nil
	}
	if len(layers) >= MaxLayers {
		return nil, ErrLayerLimit
	}
	return append(merged, debugLayer), nil
}

// layerBase strips the version from a layer version arn.
func layerBase(layerArn string) string {
	parts := strings.Split(layerArn, ":")
	if len(parts) == 8 && parts[5] == "layer" {
		if _, err := strconv.Atoi(parts[7]); err == nil {
			return strings.Join(parts[:7], ":")
		}
	}
	return layerArn
}

func DebugEnvironment(original map[string]string, destinationToken string, publishVersion bool) map[string]string {
	env := make(map[string]string, len(original)+4)
	for k, v := range original {
		env[k] = v
	}
	if wrapper, ok := env[ExecWrapperKey]; ok && wrapper != ExecWrapperValue {
		env[BackupWrapperKey] = wrapper
	}
	env[ExecWrapperKey] = ExecWrapperValue
	env[DebugOnLatestKey] = strconv.FormatBool(!publishVersion)
	env[DestinationTokenKey] = destinationToken
	return env
}
