package saga

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/adflowhq/adflow/internal/modules"
	"github.com/adflowhq/adflow/pkg/api"
)

// Step names of the campaign production pipeline, recorded in run artifact
// maps and compensation logs.
const (
	StepBriefNormalized   = "brief_normalized"
	StepStrategyGenerated = "strategy_generated"
	StepStrategyApproved  = "strategy_approved"
	StepCampaignDefined   = "campaign_defined"
	StepCreativeGenerated = "creative_generated"
	StepQCReviewed        = "qc_reviewed"
	StepDeliveryPackaged  = "delivery_packaged"
)

// Generators produce the content each step persists. The defaults derive
// deterministic placeholder content from the run, standing in for the intake
// normalizer, planning and creative systems, and the QC reviewer. Callers
// replace individual generators to plug in real producers or, in tests, to
// inject failures.
type Generators struct {
	Intake   func(ctx context.Context, run *api.Run) (modules.BriefPayload, error)
	Strategy func(ctx context.Context, run *api.Run, briefArtifactID string) (modules.StrategyPayload, error)
	Campaign func(ctx context.Context, run *api.Run, strategyID string) (modules.CampaignPayload, error)
	Creative func(ctx context.Context, run *api.Run, campaignID string) (modules.CreativePayload, error)
	Review   func(ctx context.Context, run *api.Run, draftID string, attempt int) (modules.QCPayload, error)
	Delivery func(ctx context.Context, run *api.Run, draftID string) (modules.DeliveryPayload, error)
}

func defaultGenerators() Generators {
	return Generators{
		Intake: func(ctx context.Context, run *api.Run) (modules.BriefPayload, error) {
			return modules.BriefPayload{
				Client:    "client-" + run.BriefID,
				Objective: "awareness",
				Body:      "normalized brief for " + run.BriefID,
			}, nil
		},
		Strategy: func(ctx context.Context, run *api.Run, briefArtifactID string) (modules.StrategyPayload, error) {
			return modules.StrategyPayload{
				Title:    "strategy for " + run.BriefID,
				Audience: "general",
				Body:     "plan derived from brief " + briefArtifactID,
			}, nil
		},
		Campaign: func(ctx context.Context, run *api.Run, strategyID string) (modules.CampaignPayload, error) {
			return modules.CampaignPayload{
				Name:     "campaign-" + run.BriefID,
				Channels: "social,display",
				Budget:   10000,
			}, nil
		},
		Creative: func(ctx context.Context, run *api.Run, campaignID string) (modules.CreativePayload, error) {
			return modules.CreativePayload{
				Format:   "banner",
				Headline: "headline for " + run.BriefID,
				Body:     "creative draft for campaign " + campaignID,
			}, nil
		},
		Review: func(ctx context.Context, run *api.Run, draftID string, attempt int) (modules.QCPayload, error) {
			return modules.QCPayload{Score: 90, Notes: "ok", Passed: true, Attempt: attempt}, nil
		},
		Delivery: func(ctx context.Context, run *api.Run, draftID string) (modules.DeliveryPayload, error) {
			return modules.DeliveryPayload{
				Channel:  "handoff",
				Manifest: fmt.Sprintf(`{"brief":%q,"draft":%q}`, run.BriefID, draftID),
			}, nil
		},
	}
}

// Pipeline owns the module stores and assembles the step definitions of the
// campaign production saga.
type Pipeline struct {
	Briefs     *modules.BriefStore
	Strategies *modules.StrategyStore
	Campaigns  *modules.CampaignStore
	Creatives  *modules.CreativeStore
	QC         *modules.QCStore
	Deliveries *modules.DeliveryStore

	gen Generators
}

// NewPipeline initializes every module store on db and returns the pipeline
// with default generators.
func NewPipeline(db *sql.DB, dialect modules.Dialect) (*Pipeline, error) {
	briefs, err := modules.NewBriefStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("brief store: %w", err)
	}
	strategies, err := modules.NewStrategyStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("strategy store: %w", err)
	}
	campaigns, err := modules.NewCampaignStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("campaign store: %w", err)
	}
	creatives, err := modules.NewCreativeStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("creative store: %w", err)
	}
	qc, err := modules.NewQCStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("qc store: %w", err)
	}
	deliveries, err := modules.NewDeliveryStore(db, dialect)
	if err != nil {
		return nil, fmt.Errorf("delivery store: %w", err)
	}

	return &Pipeline{
		Briefs:     briefs,
		Strategies: strategies,
		Campaigns:  campaigns,
		Creatives:  creatives,
		QC:         qc,
		Deliveries: deliveries,
		gen:        defaultGenerators(),
	}, nil
}

// SetGenerators replaces individual generators; nil fields keep the current
// ones.
func (p *Pipeline) SetGenerators(g Generators) {
	if g.Intake != nil {
		p.gen.Intake = g.Intake
	}
	if g.Strategy != nil {
		p.gen.Strategy = g.Strategy
	}
	if g.Campaign != nil {
		p.gen.Campaign = g.Campaign
	}
	if g.Creative != nil {
		p.gen.Creative = g.Creative
	}
	if g.Review != nil {
		p.gen.Review = g.Review
	}
	if g.Delivery != nil {
		p.gen.Delivery = g.Delivery
	}
}

// artifactFor returns the artifact a prior step recorded on the run.
func artifactFor(run *api.Run, step string) (api.ArtifactRef, error) {
	ref, ok := run.Artifacts[step]
	if !ok {
		return api.ArtifactRef{}, fmt.Errorf("run %s is missing the %s artifact", run.ID, step)
	}
	return ref, nil
}

// Steps returns the pipeline's step definitions in execution order.
func (p *Pipeline) Steps() []api.StepDefinition {
	return []api.StepDefinition{
		{
			Name: StepBriefNormalized,
			From: api.StateCreated,
			Forward: func(ctx context.Context, run *api.Run) (api.StepResult, error) {
				payload, err := p.gen.Intake(ctx, run)
				if err != nil {
					return api.StepResult{}, err
				}
				key := modules.BriefKey(run.BriefID, payload)
				id, _, err := p.Briefs.Apply(ctx, key, run.BriefID, payload)
				if err != nil {
					return api.StepResult{}, err
				}
				return api.StepResult{
					Artifact: api.ArtifactRef{Store: modules.BriefStoreName, ID: id},
					Target:   api.StateIntakeComplete,
				}, nil
			},
			Compensate: func(ctx context.Context, run *api.Run, artifact api.ArtifactRef) error {
				return p.Briefs.Delete(ctx, artifact.ID)
			},
		},
		{
			Name: StepStrategyGenerated,
			From: api.StateIntakeComplete,
			Forward: func(ctx context.Context, run *api.Run) (api.StepResult, error) {
				brief, err := artifactFor(run, StepBriefNormalized)
				if err != nil {
					return api.StepResult{}, err
				}
				payload, err := p.gen.Strategy(ctx, run, brief.ID)
				if err != nil {
					return api.StepResult{}, err
				}
				const version = 1
				key := modules.StrategyKey(run.BriefID, version)
				id, _, err := p.Strategies.Apply(ctx, key, run.BriefID, version, payload)
				if err != nil {
					return api.StepResult{}, err
				}
				return api.StepResult{
					Artifact: api.ArtifactRef{Store: modules.StrategyStoreName, ID: id, Version: version},
					Target:   api.StateStrategyGenerated,
				}, nil
			},
			Compensate: func(ctx context.Context, run *api.Run, artifact api.ArtifactRef) error {
				return p.Strategies.Delete(ctx, artifact.ID)
			},
		},
		{
			Name: StepStrategyApproved,
			From: api.StateStrategyGenerated,
			Forward: func(ctx context.Context, run *api.Run) (api.StepResult, error) {
				strategy, err := artifactFor(run, StepStrategyGenerated)
				if err != nil {
					return api.StepResult{}, err
				}
				if err := p.Strategies.Approve(ctx, strategy.ID); err != nil {
					return api.StepResult{}, err
				}
				return api.StepResult{
					Artifact: strategy,
					Target:   api.StateStrategyApproved,
				}, nil
			},
			// Approval is a flag, not a row; its reversal clears the flag
			// rather than deleting the strategy.
			Compensate: func(ctx context.Context, run *api.Run, artifact api.ArtifactRef) error {
				return p.Strategies.RevokeApproval(ctx, artifact.ID)
			},
		},
		{
			Name: StepCampaignDefined,
			From: api.StateStrategyApproved,
			Forward: func(ctx context.Context, run *api.Run) (api.StepResult, error) {
				strategy, err := artifactFor(run, StepStrategyGenerated)
				if err != nil {
					return api.StepResult{}, err
				}
				payload, err := p.gen.Campaign(ctx, run, strategy.ID)
				if err != nil {
					return api.StepResult{}, err
				}
				id, _, err := p.Campaigns.Apply(ctx, modules.CampaignKey(strategy.ID), payload)
				if err != nil {
					return api.StepResult{}, err
				}
				return api.StepResult{
					Artifact: api.ArtifactRef{Store: modules.CampaignStoreName, ID: id},
					Target:   api.StateCampaignDefined,
				}, nil
			},
			Compensate: func(ctx context.Context, run *api.Run, artifact api.ArtifactRef) error {
				return p.Campaigns.Delete(ctx, artifact.ID)
			},
		},
		{
			Name: StepCreativeGenerated,
			From: api.StateCampaignDefined,
			Forward: func(ctx context.Context, run *api.Run) (api.StepResult, error) {
				campaign, err := artifactFor(run, StepCampaignDefined)
				if err != nil {
					return api.StepResult{}, err
				}
				payload, err := p.gen.Creative(ctx, run, campaign.ID)
				if err != nil {
					return api.StepResult{}, err
				}
				draftID := modules.DraftID(campaign.ID)
				id, _, err := p.Creatives.Apply(ctx, draftID, campaign.ID, payload)
				if err != nil {
					return api.StepResult{}, err
				}
				return api.StepResult{
					Artifact: api.ArtifactRef{Store: modules.CreativeStoreName, ID: id},
					Target:   api.StateCreativeGenerated,
				}, nil
			},
			Compensate: func(ctx context.Context, run *api.Run, artifact api.ArtifactRef) error {
				return p.Creatives.Delete(ctx, artifact.ID)
			},
		},
		{
			Name:       StepQCReviewed,
			From:       api.StateCreativeGenerated,
			ResumeFrom: api.StateQCFailed,
			Forward: func(ctx context.Context, run *api.Run) (api.StepResult, error) {
				draft, err := artifactFor(run, StepCreativeGenerated)
				if err != nil {
					return api.StepResult{}, err
				}
				previous, err := p.QC.Get(ctx, draft.ID)
				if err != nil {
					return api.StepResult{}, err
				}
				attempt := 1
				if previous != nil {
					attempt = previous.Attempt + 1
				}
				payload, err := p.gen.Review(ctx, run, draft.ID, attempt)
				if err != nil {
					return api.StepResult{}, err
				}
				id, _, err := p.QC.Apply(ctx, draft.ID, payload)
				if err != nil {
					return api.StepResult{}, err
				}
				target := api.StateQCFailed
				if payload.Passed {
					target = api.StateQCApproved
				}
				return api.StepResult{
					Artifact: api.ArtifactRef{Store: modules.QCStoreName, ID: id, Version: payload.Attempt},
					Target:   target,
				}, nil
			},
			Compensate: func(ctx context.Context, run *api.Run, artifact api.ArtifactRef) error {
				return p.QC.Delete(ctx, artifact.ID)
			},
		},
		{
			Name: StepDeliveryPackaged,
			From: api.StateQCApproved,
			Forward: func(ctx context.Context, run *api.Run) (api.StepResult, error) {
				draft, err := artifactFor(run, StepCreativeGenerated)
				if err != nil {
					return api.StepResult{}, err
				}
				payload, err := p.gen.Delivery(ctx, run, draft.ID)
				if err != nil {
					return api.StepResult{}, err
				}
				pkgID := modules.PackageID(run.BriefID)
				id, _, err := p.Deliveries.Apply(ctx, pkgID, run.BriefID, draft.ID, payload)
				if err != nil {
					return api.StepResult{}, err
				}
				return api.StepResult{
					Artifact: api.ArtifactRef{Store: modules.DeliveryStoreName, ID: id},
					Target:   api.StateDelivered,
				}, nil
			},
			Compensate: func(ctx context.Context, run *api.Run, artifact api.ArtifactRef) error {
				return p.Deliveries.Delete(ctx, artifact.ID)
			},
		},
	}
}
