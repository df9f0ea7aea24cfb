package discovery

import (
	"context"

	"github.com/catherinevee/cloudauditor/internal/concurrency"
	"github.com/catherinevee/cloudauditor/internal/logger"
	discoveryerrors "github.com/catherinevee/cloudauditor/internal/shared/errors"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// scope identifies where a listing runs, for error context
type scope struct {
	stage        string
	source       models.DiscoverySource
	resourceType string
	region       string
}

func (s scope) err(kind discoveryerrors.Kind, msg string) *discoveryerrors.Builder {
	return discoveryerrors.New(kind, msg).
		WithStage(s.stage).
		WithSource(s.source.String()).
		WithType(s.resourceType).
		WithRegion(s.region)
}

// collect drains one listing and converts every record. Failures are
// returned per item; iteration continues past them.
func collect(ctx context.Context, a Adapter, q Query, sc scope, log logger.Logger) ([]models.Resource, []error) {
	var (
		resources []models.Resource
		errs      []error
	)

	err := discoveryerrors.Guard(sc.err(discoveryerrors.KindAdapterCallFailure, "listing panicked"), func() error {
		for raw, err := range a.ListRaw(ctx, q) {
			if err != nil {
				errs = append(errs, sc.err(discoveryerrors.KindAdapterCallFailure, "listing failed").WithWrapped(err).Err())
				continue
			}

			res, err := a.Convert(raw)
			if err != nil {
				log.Warn("skipping unconvertible record",
					logger.String("source", sc.source.String()),
					logger.String("resource_type", sc.resourceType),
					logger.Error(err))
				errs = append(errs, sc.err(discoveryerrors.KindConversion, "failed to convert record").WithWrapped(err).Err())
				continue
			}
			resources = append(resources, res)
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}
	return resources, errs
}

// runPrimary queries the fast index once in aggregator mode, or once per
// resolved region in scoped mode.
func (e *Engine) runPrimary(ctx context.Context, rc *runContext, idx IndexAdapter) stageOutput {
	var out stageOutput
	home := scope{stage: discoveryerrors.StagePrimary, source: idx.Source()}

	mode, err := indexMode(ctx, idx, home)
	if err != nil {
		out.errs = append(out.errs, err)
		return out
	}

	query := Query{
		AccountID: rc.account,
		Types:     rc.config.IncludeTypes,
		Tags:      rc.config.Tags,
	}

	if mode == IndexModeAggregator {
		// Only an explicit region list narrows an aggregator query.
		if rc.explicitRegions {
			query.Regions = rc.regions
		}
		rc.log.Info("querying aggregator index")
		resources, errs := collect(ctx, idx, query, home, rc.log)
		out.resources = e.ownAccount(rc, resources)
		out.errs = append(out.errs, errs...)
		return out
	}

	rc.log.Info("querying scoped indexes", logger.Int("regions", len(rc.regions)))
	for _, region := range rc.regions {
		sc := scope{stage: discoveryerrors.StagePrimary, source: idx.Source(), region: region}
		regional := idx.ForRegion(region)

		mode, err := indexMode(ctx, regional, sc)
		if err != nil {
			out.errs = append(out.errs, err)
			continue
		}
		if mode == IndexModeNone {
			rc.log.Debug("no index in region, skipping", logger.String("region", region))
			continue
		}

		resources, errs := collect(ctx, regional, query, sc, rc.log)
		out.resources = append(out.resources, e.ownAccount(rc, resources)...)
		out.errs = append(out.errs, errs...)
	}
	return out
}

func indexMode(ctx context.Context, idx IndexAdapter, sc scope) (IndexMode, error) {
	var mode IndexMode
	err := discoveryerrors.Guard(sc.err(discoveryerrors.KindAdapterCallFailure, "index lookup panicked"), func() error {
		var err error
		mode, err = idx.Mode(ctx)
		return err
	})
	if err != nil {
		if discoveryerrors.KindOf(err) == "" {
			err = sc.err(discoveryerrors.KindAdapterCallFailure, "failed to determine index mode").WithWrapped(err).Err()
		}
		return IndexModeNone, err
	}
	return mode, nil
}

// ownAccount drops index records that belong to another account.
func (e *Engine) ownAccount(rc *runContext, resources []models.Resource) []models.Resource {
	kept := resources[:0]
	for _, r := range resources {
		if r.AccountID == rc.account || r.AccountID == models.UnknownAccount {
			kept = append(kept, r)
			continue
		}
		rc.log.Debug("dropping foreign account resource", logger.String("arn", r.ARN), logger.String("owner", r.AccountID))
	}
	return kept
}

// typeOutcome is what one secondary fan-out task returns
type typeOutcome struct {
	resourceType string
	resources    []models.Resource
	errs         []error
}

// runSecondary fans out one task per supported type and joins them all
// before returning.
func (e *Engine) runSecondary(ctx context.Context, rc *runContext, ledger LedgerAdapter) stageOutput {
	var out stageOutput
	home := scope{stage: discoveryerrors.StageSecondary, source: ledger.Source()}

	var supported []string
	err := discoveryerrors.Guard(home.err(discoveryerrors.KindAdapterCallFailure, "type catalog panicked"), func() error {
		var err error
		supported, err = ledger.SupportedTypes(ctx)
		return err
	})
	if err != nil {
		if discoveryerrors.KindOf(err) == "" {
			err = home.err(discoveryerrors.KindAdapterCallFailure, "failed to list supported types").WithWrapped(err).Err()
		}
		out.errs = append(out.errs, err)
		return out
	}

	types := make([]string, 0, len(supported))
	for _, t := range supported {
		if rc.config.ShouldIncludeType(t) {
			types = append(types, t)
		}
	}
	rc.log.Info("fanning out change-ledger types",
		logger.Int("types", len(types)),
		logger.Int("workers", rc.config.MaxWorkers))

	outcomes := concurrency.FanOut(ctx, rc.config.MaxWorkers, types, func(ctx context.Context, t string) typeOutcome {
		sc := scope{stage: discoveryerrors.StageSecondary, source: ledger.Source(), resourceType: t}
		resources, errs := collect(ctx, ledger, Query{AccountID: rc.account, Types: []string{t}}, sc, rc.log)
		return typeOutcome{resourceType: t, resources: resources, errs: errs}
	})

	for _, o := range outcomes {
		out.resources = append(out.resources, o.resources...)
		out.errs = append(out.errs, o.errs...)
	}
	return out
}

// runTertiary walks the enumeration catalog sequentially, one listing per
// type and region.
func (e *Engine) runTertiary(ctx context.Context, rc *runContext, enum EnumerationAdapter) stageOutput {
	var out stageOutput

	for _, t := range enum.Catalog() {
		if !rc.config.ShouldIncludeType(t) {
			continue
		}
		for _, region := range rc.regions {
			sc := scope{stage: discoveryerrors.StageTertiary, source: enum.Source(), resourceType: t, region: region}
			resources, errs := collect(ctx, enum, Query{AccountID: rc.account, Types: []string{t}, Regions: []string{region}}, sc, rc.log)
			out.resources = append(out.resources, resources...)
			out.errs = append(out.errs, errs...)
		}
	}
	return out
}
