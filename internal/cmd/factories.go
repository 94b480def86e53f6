package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/langmead-lab/recount-pump/internal/awscfg"
	"github.com/langmead-lab/recount-pump/internal/config"
	"github.com/langmead-lab/recount-pump/internal/observability"
	"github.com/langmead-lab/recount-pump/pkg/ledger"
	"github.com/langmead-lab/recount-pump/pkg/mover"
	"github.com/langmead-lab/recount-pump/pkg/mover/globus"
	"github.com/langmead-lab/recount-pump/pkg/mover/local"
	"github.com/langmead-lab/recount-pump/pkg/mover/objectstore"
	"github.com/langmead-lab/recount-pump/pkg/mover/web"
	"github.com/langmead-lab/recount-pump/pkg/output"
	"github.com/langmead-lab/recount-pump/pkg/queue"
	"github.com/langmead-lab/recount-pump/pkg/queue/amqp"
	"github.com/langmead-lab/recount-pump/pkg/queue/memory"
	"github.com/langmead-lab/recount-pump/pkg/queue/redis"
	"github.com/langmead-lab/recount-pump/pkg/queue/sqs"
	"github.com/langmead-lab/recount-pump/pkg/runner"
)

const tracerName = "github.com/langmead-lab/recount-pump"

func awsOptions(c config.AWSConfig) awscfg.Options {
	return awscfg.Options{
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		Profile:         c.Profile,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	}
}

// newQueueBroker connects to the configured queue backend.
func newQueueBroker(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (queue.Broker, error) {
	switch strings.ToLower(cfg.Backend) {
	case config.QueueMemory:
		return memory.New(memory.Config{VisibilityTimeout: cfg.VisibilityTimeout}), nil
	case config.QueueRedis:
		return redis.New(ctx, redis.Config{
			URL:               cfg.Redis.URL,
			Addr:              cfg.Redis.Addr,
			Password:          cfg.Redis.Password,
			DB:                cfg.Redis.DB,
			Prefix:            cfg.Redis.Prefix,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}, logger)
	case config.QueueSQS:
		return sqs.New(ctx, sqs.Config{
			Options:           awsOptions(cfg.SQS),
			VisibilityTimeout: cfg.VisibilityTimeout,
		}, logger)
	case config.QueueAMQP:
		return amqp.New(ctx, amqp.Config{URL: cfg.AMQP.URL}, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func openQueue(ctx context.Context, a *app) (*queue.Service, error) {
	broker, err := newQueueBroker(ctx, a.cfg.Queue, a.logger)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to queue", err)
	}
	return queue.NewService(broker, a.logger), nil
}

func ledgerConfig(c config.LedgerConfig) ledger.Config {
	return ledger.Config{
		Driver:    c.Driver,
		Path:      c.Path,
		URL:       c.URL,
		AuthToken: c.AuthToken,
		MaxConns:  c.MaxConns,
	}
}

func openLedger(ctx context.Context, a *app) (ledger.Store, error) {
	store, err := ledger.Open(ctx, ledgerConfig(a.cfg.Ledger))
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open ledger", err)
	}
	return store, nil
}

// moverBackends returns a factory for each enabled backend. Backends are
// built on first use, so credentials are only required for the schemes a
// run actually touches.
func moverBackends(cfg config.MoverConfig, logger *zap.Logger) map[mover.BackendKind]mover.Factory {
	backends := make(map[mover.BackendKind]mover.Factory)
	if cfg.Local.Enabled {
		backends[mover.BackendLocal] = func(context.Context) (mover.Backend, error) {
			return local.New(), nil
		}
	}
	if cfg.S3.Enabled {
		oc := objectstoreConfig(cfg.S3)
		backends[mover.BackendObjectStore] = func(ctx context.Context) (mover.Backend, error) {
			return objectstore.New(ctx, oc, logger.Named("objectstore"))
		}
	}
	if cfg.Web.Enabled {
		wc := webConfig(cfg.Web)
		backends[mover.BackendWeb] = func(context.Context) (mover.Backend, error) {
			return web.New(wc, logger.Named("web")), nil
		}
	}
	if cfg.Globus.Enabled {
		gc := globusConfig(cfg.Globus)
		backends[mover.BackendManaged] = func(context.Context) (mover.Backend, error) {
			return globus.New(gc, logger.Named("globus"))
		}
	}
	return backends
}

func objectstoreConfig(s3 config.S3MoverConfig) objectstore.Config {
	return objectstore.Config{
		Options:        awsOptions(s3.AWSConfig),
		Driver:         s3.Driver,
		ForcePathStyle: s3.ForcePathStyle,
		Secure:         s3.Secure,
		Retry: objectstore.RetryConfig{
			MaxAttempts: s3.MaxAttempts,
			Backoff:     s3.RetryBackoff,
			MaxBackoff:  s3.RetryMaxBackoff,
		},
	}
}

func webConfig(wc config.WebMoverConfig) web.Config {
	return web.Config{
		GetCommand:       wc.GetCommand,
		HeadCommand:      wc.HeadCommand,
		LivenessInterval: wc.LivenessInterval,
		MaxAttempts:      wc.MaxAttempts,
		RetrySleep:       wc.RetrySleep,
		TimeoutBackoff:   wc.TimeoutBackoff,
		MaxToolExitCode:  wc.MaxToolExitCode,
	}
}

func globusConfig(gc config.GlobusMoverConfig) globus.Config {
	return globus.Config{
		BaseURL:            gc.BaseURL,
		Token:              gc.Token,
		LocalEndpoint:      gc.LocalEndpoint,
		ActivationLifetime: gc.ActivationLifetime,
		PollInterval:       gc.PollInterval,
		Timeout:            gc.Timeout,
		ProgressEvery:      gc.ProgressEvery,
		SubmitAttempts:     gc.SubmitAttempts,
		SubmitBackoff:      gc.SubmitBackoff,
		SubmitMaxBackoff:   gc.SubmitMaxBackoff,
		Label:              gc.Label,
	}
}

func newMover(a *app, tracer trace.Tracer) *mover.Mover {
	return mover.New(mover.Options{
		Backends: moverBackends(a.cfg.Mover, a.logger),
		Logger:   a.logger,
		Tracer:   tracer,
	})
}

func newRunner(a *app) (*runner.CommandRunner, error) {
	r, err := runner.NewCommandRunner(runner.Config{
		Command: a.cfg.Runner.Command,
		LogDir:  a.cfg.Runner.LogDir,
		Env:     a.cfg.Runner.Env,
	}, a.logger.Named("runner"))
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid runner configuration", err)
	}
	return r, nil
}

// newTracer builds the tracer for this invocation. Spans go to stderr so
// stdout stays JSONL.
func newTracer(a *app) (trace.Tracer, observability.ShutdownFunc, error) {
	tp, shutdown, err := observability.NewTracerProvider(observability.TracingConfig{
		Exporter:    a.cfg.Tracing.Exporter,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	}, os.Stderr)
	if err != nil {
		return nil, nil, exitError(foundry.ExitInvalidArgument, "Invalid tracing configuration", err)
	}
	return tp.Tracer(tracerName), shutdown, nil
}

func newWriter(w io.Writer, a *app, backend string) *output.JSONLWriter {
	return output.NewJSONLWriter(w, a.runID, backend)
}

// moverExitCode maps a mover failure to a process exit code.
func moverExitCode(err error) int {
	switch mover.KindOf(err) {
	case mover.KindNotFound:
		return foundry.ExitFileNotFound
	case mover.KindConfiguration, mover.KindUnsupported, mover.KindProtocol:
		return foundry.ExitInvalidArgument
	case mover.KindDataIntegrity:
		return foundry.ExitFileReadError
	default:
		return foundry.ExitExternalServiceUnavailable
	}
}

// moverErrorCode maps a mover failure to an output error code.
func moverErrorCode(err error) string {
	switch mover.KindOf(err) {
	case mover.KindNotFound:
		return output.ErrCodeNotFound
	case mover.KindConfiguration, mover.KindUnsupported, mover.KindProtocol:
		return output.ErrCodeConfiguration
	case mover.KindDataIntegrity:
		return output.ErrCodeIntegrity
	case mover.KindTransient:
		return output.ErrCodeTransient
	default:
		return output.ErrCodeInternal
	}
}
