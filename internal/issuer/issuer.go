// Package issuer runs the certificate request pipeline: resolve the user key,
// build a CSR, seal it to the CA and submit it.
package issuer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/mtls/internal/caclient"
	"github.com/wolfeidau/mtls/internal/config"
	"github.com/wolfeidau/mtls/internal/csr"
	"github.com/wolfeidau/mtls/internal/envelope"
	"github.com/wolfeidau/mtls/internal/keyvault"
	"github.com/wolfeidau/mtls/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/wolfeidau/mtls/internal/issuer"

// Pipeline stages, in execution order.
const (
	StageResolveKey = "resolve-key"
	StageBuildCSR   = "build-csr"
	StageSealCSR    = "seal-csr"
	StageSubmit     = "submit"
)

// StageError reports which stage of the pipeline failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// KeyResolver returns the user's private key.
type KeyResolver interface {
	Resolve(ctx context.Context, identity config.Identity) (*keyvault.Keypair, error)
}

// Submitter sends a sealed CSR to the CA.
type Submitter interface {
	Submit(ctx context.Context, sealed *envelope.SealedBlob, identity config.Identity) (*caclient.Response, error)
}

// Result holds the artifacts of one run.
type Result struct {
	KeyGenerated bool
	Request      *csr.Request
	Sealed       *envelope.SealedBlob
	// Response is nil for a dry run.
	Response *caclient.Response
}

// Issuer runs the pipeline.
type Issuer struct {
	keys    KeyResolver
	env     envelope.Envelope
	client  Submitter
	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// New creates an Issuer.
func New(keys KeyResolver, env envelope.Envelope, client Submitter) *Issuer {
	return &Issuer{
		keys:    keys,
		env:     env,
		client:  client,
		tracer:  otel.Tracer(tracerName),
		metrics: telemetry.GetMetrics(),
	}
}

// Issue runs every stage in order and stops at the first failure, returned as
// a *StageError. When dryRun is set the sealed CSR is returned without being
// submitted.
func (i *Issuer) Issue(ctx context.Context, identity config.Identity, dryRun bool) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "issue", trace.WithAttributes(
		attribute.String("mtls.server", identity.Name),
		attribute.Bool("mtls.dry_run", dryRun),
	))
	defer span.End()

	ctx = log.With().Str("server", identity.Name).Logger().WithContext(ctx)
	i.metrics.RequestsTotal.Add(ctx, 1)

	var (
		res = &Result{}
		kp  *keyvault.Keypair
	)

	err := i.stage(ctx, StageResolveKey, func(ctx context.Context) (err error) {
		kp, err = i.keys.Resolve(ctx, identity)
		if err != nil {
			return err
		}
		res.KeyGenerated = kp.Generated
		if kp.Generated {
			i.metrics.KeysGeneratedTotal.Add(ctx, 1)
		} else {
			i.metrics.KeysDecryptedTotal.Add(ctx, 1)
		}
		return nil
	})
	if err != nil {
		return nil, i.fail(span, err)
	}

	err = i.stage(ctx, StageBuildCSR, func(ctx context.Context) (err error) {
		res.Request, err = csr.Build(identity, kp.Signer)
		return err
	})
	if err != nil {
		return nil, i.fail(span, err)
	}

	err = i.stage(ctx, StageSealCSR, func(ctx context.Context) (err error) {
		if err := identity.Require(config.FieldServerFingerprint); err != nil {
			return err
		}
		zerolog.Ctx(ctx).Info().Str("recipient", identity.ServerFingerprint).Msg("encrypting and signing certificate request")
		res.Sealed, err = i.env.Seal(res.Request.PEM(), identity.ServerFingerprint, true)
		return err
	})
	if err != nil {
		return nil, i.fail(span, err)
	}

	if dryRun {
		zerolog.Ctx(ctx).Info().Msg("dry run, certificate request not submitted")
		return res, nil
	}

	err = i.stage(ctx, StageSubmit, func(ctx context.Context) (err error) {
		res.Response, err = i.client.Submit(ctx, res.Sealed, identity)
		if err != nil {
			return err
		}
		i.metrics.ResponseStatusTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", strconv.Itoa(res.Response.StatusCode)),
		))
		span.SetAttributes(attribute.Int("http.response.status_code", res.Response.StatusCode))
		return nil
	})
	if err != nil {
		return nil, i.fail(span, err)
	}

	return res, nil
}

func (i *Issuer) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := i.tracer.Start(ctx, name)
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	elapsed := time.Since(started)

	i.metrics.StageDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("stage", name)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		i.metrics.RequestErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", name)))

		zerolog.Ctx(ctx).Error().Err(err).Str("stage", name).Dur("duration", elapsed).Msg("stage failed")

		return &StageError{Stage: name, Err: err}
	}

	zerolog.Ctx(ctx).Debug().Str("stage", name).Dur("duration", elapsed).Msg("stage complete")

	return nil
}

func (i *Issuer) fail(span trace.Span, err error) error {
	span.SetStatus(codes.Error, err.Error())
	return err
}
