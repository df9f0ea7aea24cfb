package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/catherinevee/cloudauditor/internal/concurrency"
	"github.com/catherinevee/cloudauditor/internal/logger"
	"github.com/catherinevee/cloudauditor/internal/metrics"
	discoveryerrors "github.com/catherinevee/cloudauditor/internal/shared/errors"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// Scope selects which accounts an audit covers
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeRemote Scope = "remote"
	ScopeAll    Scope = "all"
)

// ParseScope validates a scope name
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeLocal, ScopeRemote, ScopeAll:
		return Scope(s), nil
	case "":
		return ScopeAll, nil
	}
	return "", fmt.Errorf("invalid audit scope %q (want local, remote or all)", s)
}

func (s Scope) includesLocal() bool  { return s == ScopeLocal || s == ScopeAll }
func (s Scope) includesRemote() bool { return s == ScopeRemote || s == ScopeAll }

// Store is the persistence the auditor writes to
type Store interface {
	ListAccounts(ctx context.Context, includeDisabled bool) ([]models.MonitoredAccount, error)
	UpdateAccountStatus(ctx context.Context, accountID string, status models.AccountStatus, lastErr string) error
	UpsertIAMEntities(ctx context.Context, entities []models.IAMEntity) (int, error)
	UpsertInstances(ctx context.Context, instances []models.Instance) (int, error)
}

// Target is the API surface of one audited account
type Target interface {
	AccountID(ctx context.Context) (string, error)
	IAM() IAMAPI
	EC2(region string) InstancesAPI
}

// Connector opens the local account or assumes a registered role
type Connector interface {
	Local() Target
	Assume(account models.MonitoredAccount) Target
}

// AccountReport is the outcome for one account
type AccountReport struct {
	AccountID   string               `json:"account_id"`
	Local       bool                 `json:"local"`
	Status      models.AccountStatus `json:"status"`
	IAMEntities int                  `json:"iam_entities"`
	Instances   int                  `json:"instances"`
	Errors      []string             `json:"errors,omitempty"`
}

// Report summarizes one audit run
type Report struct {
	Scope     Scope           `json:"scope"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Accounts  []AccountReport `json:"accounts"`
}

// Failed counts accounts that could not be audited
func (r Report) Failed() int {
	n := 0
	for _, a := range r.Accounts {
		if a.Status == models.AccountBroken {
			n++
		}
	}
	return n
}

// Auditor collects IAM and EC2 inventory from the local account and every
// registered role.
type Auditor struct {
	connector Connector
	store     Store
	regions   []string
	workers   int
	recorder  metrics.Recorder
	log       logger.Logger
}

// Option configures an Auditor
type Option func(*Auditor)

// WithRecorder sets the metrics recorder
func WithRecorder(r metrics.Recorder) Option {
	return func(a *Auditor) { a.recorder = r }
}

// WithWorkers bounds how many regions are collected at once
func WithWorkers(n int) Option {
	return func(a *Auditor) { a.workers = n }
}

// WithLogger sets the auditor logger
func WithLogger(l logger.Logger) Option {
	return func(a *Auditor) { a.log = l }
}

// New creates an auditor collecting instances in regions
func New(connector Connector, store Store, regions []string, opts ...Option) *Auditor {
	a := &Auditor{
		connector: connector,
		store:     store,
		regions:   append([]string{}, regions...),
		workers:   models.DefaultMaxWorkers,
		recorder:  metrics.Nop{},
		log:       logger.New("audit"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run audits the accounts in scope. A role that cannot be assumed is marked
// broken and not retried during the run.
func (a *Auditor) Run(ctx context.Context, scope Scope) (Report, error) {
	report := Report{Scope: scope, StartedAt: time.Now()}

	if scope.includesLocal() {
		report.Accounts = append(report.Accounts, a.auditLocal(ctx))
	}

	if scope.includesRemote() {
		accounts, err := a.store.ListAccounts(ctx, false)
		if err != nil {
			report.Duration = time.Since(report.StartedAt)
			return report, fmt.Errorf("failed to load registered accounts: %w", err)
		}

		broken := make(map[string]bool)
		for _, acct := range accounts {
			if broken[acct.RoleARN] {
				a.log.Debug("skipping broken role", logger.String("role_arn", acct.RoleARN))
				continue
			}
			rep := a.auditRemote(ctx, acct)
			if rep.Status == models.AccountBroken {
				broken[acct.RoleARN] = true
			}
			report.Accounts = append(report.Accounts, rep)
		}
	}

	report.Duration = time.Since(report.StartedAt)
	a.log.Info("audit complete",
		logger.String("scope", string(scope)),
		logger.Int("accounts", len(report.Accounts)),
		logger.Int("failed", report.Failed()),
		logger.Duration("duration", report.Duration))
	return report, nil
}

func (a *Auditor) auditLocal(ctx context.Context) AccountReport {
	target := a.connector.Local()
	rep := AccountReport{Local: true}

	account, err := target.AccountID(ctx)
	if err != nil {
		rep.Status = models.AccountBroken
		rep.Errors = append(rep.Errors, discoveryerrors.New(discoveryerrors.KindAccountDetection, "failed to identify local account").
			WithStage(discoveryerrors.StageAudit).WithWrapped(err).Err().Error())
		a.log.Error("local audit failed", logger.Error(err))
		return rep
	}
	rep.AccountID = account
	rep.Status = models.AccountWorking
	a.collect(ctx, target, &rep)
	return rep
}

func (a *Auditor) auditRemote(ctx context.Context, acct models.MonitoredAccount) AccountReport {
	log := a.log.WithFields(logger.String("account_id", acct.AccountID), logger.String("role_arn", acct.RoleARN))
	rep := AccountReport{AccountID: acct.AccountID}

	target := a.connector.Assume(acct)
	if _, err := target.AccountID(ctx); err != nil {
		rep.Status = models.AccountBroken
		rep.Errors = append(rep.Errors, discoveryerrors.New(discoveryerrors.KindAdapterUnavailable, "failed to assume role").
			WithStage(discoveryerrors.StageAudit).WithDetails("account_id", acct.AccountID).WithWrapped(err).Err().Error())
		a.recorder.RoleChecked(string(models.AccountBroken))
		log.Warn("assume role failed", logger.Error(err))
		if err := a.store.UpdateAccountStatus(ctx, acct.AccountID, models.AccountBroken, err.Error()); err != nil {
			log.Error("failed to mark account broken", logger.Error(err))
		}
		return rep
	}

	rep.Status = models.AccountWorking
	a.recorder.RoleChecked(string(models.AccountWorking))
	if err := a.store.UpdateAccountStatus(ctx, acct.AccountID, models.AccountWorking, ""); err != nil {
		log.Error("failed to mark account working", logger.Error(err))
	}
	a.collect(ctx, target, &rep)
	return rep
}

// collect gathers and stores inventory. Failures are reported per
// collector; the others still run.
func (a *Auditor) collect(ctx context.Context, target Target, rep *AccountReport) {
	log := a.log.WithFields(logger.String("account_id", rep.AccountID))
	fail := func(what, region string, err error) {
		rep.Errors = append(rep.Errors, discoveryerrors.New(discoveryerrors.KindAdapterCallFailure, "failed to collect "+what).
			WithStage(discoveryerrors.StageAudit).WithRegion(region).WithWrapped(err).Err().Error())
		log.Warn("collection failed", logger.String("what", what), logger.String("region", region), logger.Error(err))
	}

	entities, err := CollectIAM(ctx, target.IAM(), rep.AccountID)
	if err != nil {
		fail("iam entities", "", err)
	}
	if n, err := a.store.UpsertIAMEntities(ctx, entities); err != nil {
		fail("iam entities", "", err)
	} else {
		rep.IAMEntities = n
	}

	type regionInstances struct {
		region    string
		instances []models.Instance
		err       error
	}
	type regionClient struct {
		region string
		client InstancesAPI
	}
	// clients are built up front; targets cache them without locking
	clients := make([]regionClient, len(a.regions))
	for i, region := range a.regions {
		clients[i] = regionClient{region: region, client: target.EC2(region)}
	}
	collected := concurrency.FanOut(ctx, a.workers, clients, func(ctx context.Context, rc regionClient) regionInstances {
		instances, err := CollectInstances(ctx, rc.client, rep.AccountID, rc.region)
		return regionInstances{region: rc.region, instances: instances, err: err}
	})

	for _, c := range collected {
		if c.err != nil {
			fail("instances", c.region, c.err)
		}
		n, err := a.store.UpsertInstances(ctx, c.instances)
		if err != nil {
			fail("instances", c.region, err)
			continue
		}
		rep.Instances += n
	}

	log.Info("account audited", logger.Int("iam_entities", rep.IAMEntities), logger.Int("instances", rep.Instances))
}
