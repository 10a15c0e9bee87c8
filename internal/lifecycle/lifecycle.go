// Package lifecycle drives patterns through code generation and agent
// deployment. Every status change goes through the pattern store, and a
// failed remote call rolls the pattern back to where it started.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/flowmint/flowmint/internal/activity"
	"github.com/flowmint/flowmint/internal/store"
	"github.com/flowmint/flowmint/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("flowmint/lifecycle")

// Service is the remote side of the lifecycle.
type Service interface {
	Generate(ctx context.Context, req models.LifecycleRequest) (*models.GenerateResponse, error)
	Mint(ctx context.Context, req models.LifecycleRequest) (*models.MintResponse, error)
}

// Driver runs generation and deployment for patterns in the store.
type Driver struct {
	store   store.PatternStore
	service Service
	logs    activity.Logger
}

// New creates a Driver. logs may be nil.
func New(s store.PatternStore, svc Service, logs activity.Logger) *Driver {
	return &Driver{store: s, service: svc, logs: logs}
}

func (d *Driver) log(msg string, typ models.LogType) {
	if d.logs != nil {
		d.logs.Add(msg, typ)
	}
}

func request(p *models.Pattern) models.LifecycleRequest {
	return models.LifecycleRequest{PatternID: p.ID, Name: p.Name, Description: p.Description}
}

// Generate requests automation code for a DETECTED pattern. On success the
// pattern is READY_TO_MINT with its code; on failure it returns to
// DETECTED and the remote error is returned.
func (d *Driver) Generate(ctx context.Context, id string) (*models.Pattern, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.generate")
	defer span.End()
	span.SetAttributes(attribute.String("flowmint.pattern.id", id))

	p, err := d.store.BeginGeneration(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	d.log(fmt.Sprintf("Generating Python agent for %q...", p.Name), models.LogInfo)

	resp, err := d.service.Generate(ctx, request(p))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate")
		log.Warn().Err(err).Str("pattern", id).Msg("Generation failed, rolling back")
		if _, rbErr := d.store.Transition(ctx, id, models.StatusDetected); rbErr != nil {
			log.Error().Err(rbErr).Str("pattern", id).Msg("Generation rollback failed")
		}
		d.log(fmt.Sprintf("Generation failed for %q", p.Name), models.LogInfo)
		return nil, fmt.Errorf("generate %s: %w", id, err)
	}

	out, err := d.store.Transition(ctx, id, models.StatusReadyToMint, store.WithCode(resp.Code))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	d.log(fmt.Sprintf("Code generated for %q. Ready to mint.", p.Name), models.LogSuccess)
	log.Info().Str("pattern", id).Int("code_bytes", len(resp.Code)).Msg("Pattern code generated")
	return out, nil
}

// Mint deploys a READY_TO_MINT pattern. The pattern is MINTING while the
// request is in flight, DEPLOYED with its tx hash on success, and back to
// READY_TO_MINT on failure.
func (d *Driver) Mint(ctx context.Context, id string) (*models.Pattern, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.mint")
	defer span.End()
	span.SetAttributes(attribute.String("flowmint.pattern.id", id))

	p, err := d.store.BeginMinting(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	d.log(fmt.Sprintf("Minting agent for %q...", p.Name), models.LogInfo)

	resp, err := d.service.Mint(ctx, request(p))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mint")
		log.Warn().Err(err).Str("pattern", id).Msg("Mint failed, rolling back")
		if _, rbErr := d.store.Transition(ctx, id, models.StatusReadyToMint); rbErr != nil {
			log.Error().Err(rbErr).Str("pattern", id).Msg("Mint rollback failed")
		}
		d.log(fmt.Sprintf("Minting failed for %q", p.Name), models.LogInfo)
		return nil, fmt.Errorf("mint %s: %w", id, err)
	}

	out, err := d.store.Transition(ctx, id, models.StatusDeployed, store.WithTxHash(resp.TxHash))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	d.log(fmt.Sprintf("Agent %q deployed. Tx %s", p.Name, resp.TxHash), models.LogSuccess)
	log.Info().Str("pattern", id).Str("tx_hash", resp.TxHash).Msg("Agent deployed")
	return out, nil
}
