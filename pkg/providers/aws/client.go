// Package aws implements the stack provider, object store and network
// cleaner over aws-sdk-go-v2.
//
// Every call goes through a shared caller that applies a client-side rate
// limit, records provider metrics and spans, and classifies SDK errors into
// *engine.EngineError values. The SDK's own retryer still handles short
// transport retries; the deployer decides everything above that.
package aws

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/telemetry"
)

// Config selects the account, region and request budget.
type Config struct {
	// Region is the AWS region. Empty uses the SDK's resolution chain.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// Profile is a shared config profile.
	Profile string `yaml:"profile,omitempty" json:"profile,omitempty"`

	// RequestsPerSecond caps calls per client. Zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" json:"requests_per_second,omitempty" validate:"gte=0"`

	// Burst is the limiter bucket size. Defaults to 1.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty" validate:"gte=0"`

	// MaxAttempts is handed to the SDK retryer. Zero keeps the SDK default.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty" validate:"gte=0,lte=20"`

	// EventPages bounds how many pages of stack events are read.
	EventPages int `yaml:"event_pages,omitempty" json:"event_pages,omitempty" validate:"gte=0"`
}

// DefaultConfig returns conservative request limits.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		Burst:             2,
		EventPages:        5,
	}
}

// Option configures the adapters.
type Option func(*caller)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *caller) { c.logger = l }
}

// WithMetrics records provider calls and errors.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *caller) { c.metrics = m }
}

// WithTracer wraps provider calls in spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(c *caller) { c.tracer = t }
}

// WithClock sets the clock used to wait for network interfaces to detach.
func WithClock(clock engine.Clock) Option {
	return func(c *caller) { c.clock = clock }
}

// Clients bundles the three adapters over one SDK config.
type Clients struct {
	Stacks  *CloudFormation
	Objects *S3
	Network *EC2
}

// LoadSDKConfig resolves credentials and region the standard SDK way.
func LoadSDKConfig(ctx context.Context, cfg Config) (awssdk.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, awsconfig.WithRetryMaxAttempts(cfg.MaxAttempts))
	}
	sdk, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awssdk.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sdk, nil
}

// New loads the SDK config and builds all three adapters.
func New(ctx context.Context, cfg Config, opts ...Option) (*Clients, error) {
	sdk, err := LoadSDKConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Clients{
		Stacks:  NewCloudFormation(cloudformation.NewFromConfig(sdk), cfg, opts...),
		Objects: NewS3(s3.NewFromConfig(sdk), sdk.Region, cfg, opts...),
		Network: NewEC2(ec2.NewFromConfig(sdk), cfg, opts...),
	}, nil
}

// caller is the instrumentation shared by the adapters.
type caller struct {
	service string
	limiter *rate.Limiter
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	clock   engine.Clock
}

func newCaller(service string, cfg Config, opts []Option) *caller {
	c := &caller{
		service: service,
		logger:  zerolog.Nop(),
		clock:   engine.SystemClock{},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "aws").Str("service", service).Logger()
	return c
}

// do runs one SDK call and returns its classified error.
func (c *caller) do(ctx context.Context, op, target string, fn func(context.Context) error) error {
	name := c.service + "." + op
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return classify(name, target, ctx.Err())
			}
			return engine.NewTimeoutError("rate limit wait exceeds deadline", err).WithOperation(name).WithResource(target)
		}
	}

	ctx, span := c.tracer.StartProviderSpan(ctx, name, target)
	defer span.End()

	start := time.Now()
	err := classify(name, target, fn(ctx))
	c.metrics.RecordProviderCall(name, time.Since(start))

	if err != nil {
		// Not-found is an expected answer for describe calls.
		if !engine.IsNotFound(err) {
			c.metrics.RecordProviderError(name, string(engine.ClassOf(err)))
			telemetry.RecordError(span, err)
		}
		c.logger.Debug().Err(err).Str("op", op).Str("target", target).Msg("provider call failed")
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

func tagMap[T any](tags []T, kv func(T) (string, string)) map[string]string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		k, v := kv(t)
		out[k] = v
	}
	return out
}
