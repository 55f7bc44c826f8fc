package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stackpilot/pkg/buckets"
	"github.com/openfroyo/stackpilot/pkg/config"
	"github.com/openfroyo/stackpilot/pkg/deployer"
	"github.com/openfroyo/stackpilot/pkg/engine"
	"github.com/openfroyo/stackpilot/pkg/naming"
	"github.com/openfroyo/stackpilot/pkg/policy"
	"github.com/openfroyo/stackpilot/pkg/providers/aws"
	"github.com/openfroyo/stackpilot/pkg/providers/sim"
	"github.com/openfroyo/stackpilot/pkg/stores"
	"github.com/openfroyo/stackpilot/pkg/telemetry"
)

// app holds everything a command needs, built once from the configuration.
type app struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	logger  zerolog.Logger
	store   *stores.SQLiteStore
	locker  engine.Locker
	gate    *policy.Engine
	scripts *config.StarlarkEvaluator
	metrics *http.Server

	// cloud is the simulated cloud shared by every environment with --sim.
	cloud *simCloud
}

type simCloud struct {
	stacks  *sim.Provider
	objects *sim.Store
	network *sim.Network
}

// target is one environment ready to operate on.
type target struct {
	id       naming.Identity
	deployer *deployer.Deployer
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Telemetry.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		cfg.Telemetry.Metrics.Enabled = true
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		tel:     tel,
		logger:  tel.Logger.Zerolog(),
		scripts: config.NewStarlarkEvaluator(0),
	}

	journal := cfg.Journal
	if rehearse {
		// Rehearsals leave the real journal untouched.
		journal.Path = ":memory:"
		clock := engine.SystemClock{}
		a.cloud = &simCloud{
			stacks:  sim.NewProvider(clock),
			objects: sim.NewStore(clock),
			network: sim.NewNetwork(),
		}
		log.Warn().Msg("Running against a simulated cloud; nothing real is changed")
	}
	a.store, err = stores.Open(ctx, journal)
	if err != nil {
		a.close()
		return nil, err
	}
	a.locker = stores.NewLeaseLocker(a.store, stores.WithLeaseLogger(a.component("lease")))

	a.gate, err = policy.NewEngine(ctx, cfg.Policy, policy.WithLogger(a.logger))
	if err != nil {
		a.close()
		return nil, err
	}

	a.metrics = tel.Metrics.StartMetricsServer(metricsAddr, a.logger)
	return a, nil
}

func (a *app) component(name string) zerolog.Logger {
	return a.logger.With().Str("component", name).Logger()
}

// target builds the deployer for one configured environment.
func (a *app) target(ctx context.Context, env string) (*target, error) {
	id, err := a.cfg.Identity(env)
	if err != nil {
		return nil, engine.NewValidationError("unknown environment", err).WithResource(env)
	}

	var (
		stacks  engine.StackProvider
		objects engine.ObjectStore
		network engine.NetworkCleaner
	)
	if a.cloud != nil {
		stacks, objects, network = a.cloud.stacks, a.cloud.objects, a.cloud.network
	} else {
		clients, err := aws.New(ctx, a.cfg.AWSFor(env),
			aws.WithLogger(a.component("aws")),
			aws.WithMetrics(a.tel.Metrics),
			aws.WithTracer(a.tel.Tracer))
		if err != nil {
			return nil, err
		}
		stacks, objects, network = clients.Stacks, clients.Objects, clients.Network
	}

	bucketManager := buckets.New(objects,
		buckets.WithThresholds(a.cfg.Buckets),
		buckets.WithLogger(a.component("buckets")),
		buckets.WithMetrics(a.tel.Metrics),
		buckets.WithEvents(a.tel.Events))

	d := deployer.New(stacks,
		deployer.WithConfig(a.cfg.DeployFor(env)),
		deployer.WithObjectStore(objects),
		deployer.WithNetworkCleaner(network),
		deployer.WithBuckets(bucketManager),
		deployer.WithAuditSink(a.store),
		deployer.WithJournal(a.store),
		deployer.WithLocker(a.locker),
		deployer.WithPolicy(a.gate),
		deployer.WithLogger(a.component("deployer")),
		deployer.WithMetrics(a.tel.Metrics),
		deployer.WithTracer(a.tel.Tracer),
		deployer.WithEvents(a.tel.Events))

	return &target{id: id, deployer: d}, nil
}

// deploy reads the template, resolves parameters and deploys one environment.
func (a *app) deploy(ctx context.Context, t *target) (*engine.DeploymentResult, error) {
	template, err := os.ReadFile(a.cfg.Template)
	if err != nil {
		return nil, engine.NewValidationError("failed to read template", err).WithResource(a.cfg.Template)
	}

	var bucketName string
	if a.cfg.ParameterScript != "" {
		bucket, err := t.deployer.CurrentArtifactBucket(ctx, t.id)
		if err != nil {
			return nil, err
		}
		bucketName = bucket.Name
	}
	params, err := a.cfg.ResolveParameters(ctx, a.scripts, t.id, bucketName)
	if err != nil {
		return nil, err
	}
	return t.deployer.Deploy(ctx, t.id, template, params)
}

// environments returns the requested environments, or all configured ones.
func (a *app) environments(requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	return a.cfg.EnvironmentNames()
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn().Err(err).Msg("Failed to stop metrics server")
		}
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close journal")
		}
	}
}
