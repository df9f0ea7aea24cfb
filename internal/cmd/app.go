package cmd

import (
	"context"
	"fmt"

	"github.com/catherinevee/cloudauditor/internal/database"
	"github.com/catherinevee/cloudauditor/internal/discovery"
	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/internal/metrics"
	awsprovider "github.com/catherinevee/cloudauditor/internal/providers/aws"
	"github.com/catherinevee/cloudauditor/internal/regions"
	"github.com/catherinevee/cloudauditor/internal/shared/config"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

func credentialsFrom(cfg *config.Config) awsprovider.Credentials {
	return awsprovider.Credentials{
		Profile:         cfg.AWS.Profile,
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		SessionToken:    cfg.AWS.SessionToken,
		RoleARN:         cfg.AWS.RoleARN,
		ExternalID:      cfg.AWS.ExternalID,
		SessionName:     cfg.Audit.SessionName,
	}
}

func openSession(ctx context.Context, cfg *config.Config) (*awsprovider.Session, error) {
	session, err := awsprovider.NewSession(ctx, credentialsFrom(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return session, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*database.DB, error) {
	return database.Open(ctx, database.Config{
		Driver: cfg.Database.Driver,
		Path:   cfg.Database.Path,
	})
}

func newEngine(session *awsprovider.Session, cfg *config.Config, dc models.DiscoveryConfig, recorder metrics.Recorder) *discovery.Engine {
	backends := session.Backends(awsprovider.BackendOptions{
		BatchSize:         dc.BatchSize,
		RequestsPerSecond: cfg.AWS.RequestsPerSecond,
	})
	return discovery.NewEngine(session, backends, dc,
		discovery.WithRecorder(recorder),
		discovery.WithLogger(logger.New("discovery")))
}

// auditRegions returns the configured regions, else the enabled ones
func auditRegions(ctx context.Context, session *awsprovider.Session, cfg *config.Config) []string {
	res := regions.NewResolver(session).Resolve(ctx, cfg.Discovery.Regions)
	if res.Err != nil {
		logger.New("cmd").Warn("using fallback regions", logger.Error(res.Err))
	}
	return res.Regions
}
