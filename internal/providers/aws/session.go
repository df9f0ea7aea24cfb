package aws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/catherinevee/cloudauditor/internal/discovery"
)

const appID = "cloudauditor"

// Credentials selects how a Session authenticates. Empty fields fall back to
// the default credential chain.
type Credentials struct {
	Profile         string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	RoleARN         string
	ExternalID      string
	SessionName     string
}

// STSAPI is the subset of the STS client a Session uses
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// RegionsAPI is the subset of the EC2 client used for region enumeration
type RegionsAPI interface {
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

// Session holds one authenticated AWS configuration and answers account and
// region questions for the discovery engine.
type Session struct {
	cfg     aws.Config
	sts     STSAPI
	regions RegionsAPI

	mu      sync.Mutex
	account string
}

var _ discovery.Session = (*Session)(nil)

// NewSession loads an AWS configuration using the strategy implied by creds
func NewSession(ctx context.Context, creds Credentials) (*Session, error) {
	cfg, err := LoadConfig(ctx, creds)
	if err != nil {
		return nil, err
	}
	return NewSessionFromConfig(cfg), nil
}

// NewSessionFromConfig wraps an already loaded configuration
func NewSessionFromConfig(cfg aws.Config) *Session {
	return newSession(cfg, sts.NewFromConfig(cfg), ec2.NewFromConfig(cfg))
}

func newSession(cfg aws.Config, stsAPI STSAPI, regionsAPI RegionsAPI) *Session {
	return &Session{cfg: cfg, sts: stsAPI, regions: regionsAPI}
}

// LoadConfig builds an aws.Config. Static keys win over a profile; a role
// ARN is assumed on top of whichever base credentials were chosen.
func LoadConfig(ctx context.Context, creds Credentials) (aws.Config, error) {
	if creds.Region == "" {
		return aws.Config{}, errors.New("aws region cannot be blank")
	}
	if creds.AccessKeyID != "" && creds.SecretAccessKey == "" {
		return aws.Config{}, errors.New("secret access key is required with an access key id")
	}

	options := []func(*config.LoadOptions) error{
		config.WithRegion(creds.Region),
		config.WithAppID(appID),
		config.WithRetryMode(aws.RetryModeAdaptive),
	}

	switch {
	case creds.AccessKeyID != "":
		options = append(options, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		))
	case creds.Profile != "":
		options = append(options, config.WithSharedConfigProfile(creds.Profile))
	}

	cfg, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if creds.RoleARN != "" {
		cfg.Credentials = assumeRoleProvider(sts.NewFromConfig(cfg), creds.RoleARN, creds.ExternalID, creds.SessionName)
	}
	return cfg, nil
}

func assumeRoleProvider(client stscreds.AssumeRoleAPIClient, roleARN, externalID, sessionName string) aws.CredentialsProvider {
	return aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(client, roleARN, func(o *stscreds.AssumeRoleOptions) {
		if externalID != "" {
			o.ExternalID = aws.String(externalID)
		}
		if sessionName != "" {
			o.RoleSessionName = sessionName
		}
	}))
}

// Config returns a copy of the session's AWS configuration
func (s *Session) Config() aws.Config {
	return s.cfg.Copy()
}

// Region returns the home region
func (s *Session) Region() string {
	return s.cfg.Region
}

// AccountID returns the caller's account id. Successful lookups are cached.
func (s *Session) AccountID(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account != "" {
		return s.account, nil
	}

	out, err := s.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", err)
	}
	account := aws.ToString(out.Account)
	if account == "" {
		return "", errors.New("caller identity carried no account id")
	}
	s.account = account
	return account, nil
}

// EnabledRegions lists the regions enabled for the account
func (s *Session) EnabledRegions(ctx context.Context) ([]string, error) {
	out, err := s.regions.DescribeRegions(ctx, &ec2.DescribeRegionsInput{
		AllRegions: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe regions: %w", err)
	}

	regions := make([]string, 0, len(out.Regions))
	for _, r := range out.Regions {
		if r.RegionName != nil {
			regions = append(regions, *r.RegionName)
		}
	}
	return regions, nil
}

// AssumeRole returns a session acting as roleARN. Credentials are fetched
// lazily; call AccountID to verify the role can be assumed.
func (s *Session) AssumeRole(roleARN, externalID, sessionName string) *Session {
	cfg := s.cfg.Copy()
	cfg.Credentials = assumeRoleProvider(s.sts, roleARN, externalID, sessionName)
	return NewSessionFromConfig(cfg)
}

// BackendOptions tunes the adapters built by Backends
type BackendOptions struct {
	BatchSize         int
	RequestsPerSecond float64
}

// Backends builds the three discovery adapters on top of this session
func (s *Session) Backends(opts BackendOptions) discovery.Backends {
	return discovery.Backends{
		Index:       NewResourceExplorerAdapter(s.cfg),
		Ledger:      NewConfigAdapter(s.cfg, opts.BatchSize, opts.RequestsPerSecond),
		Enumeration: NewCloudControlAdapter(s.cfg),
	}
}
