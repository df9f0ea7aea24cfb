package audit

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"

	awsprovider "github.com/catherinevee/cloudauditor/internal/providers/aws"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// DefaultSessionName tags the sessions opened by audit role assumptions
const DefaultSessionName = "cloudauditor-audit"

// AWSConnector opens audit targets from a base session
type AWSConnector struct {
	base        *awsprovider.Session
	externalID  string
	sessionName string
}

// NewAWSConnector creates a connector assuming roles from base
func NewAWSConnector(base *awsprovider.Session, externalID string) *AWSConnector {
	return &AWSConnector{base: base, externalID: externalID, sessionName: DefaultSessionName}
}

// Local returns the base session's own account
func (c *AWSConnector) Local() Target {
	return newAWSTarget(c.base)
}

// Assume returns a target acting as the account's registered role
func (c *AWSConnector) Assume(account models.MonitoredAccount) Target {
	return newAWSTarget(c.base.AssumeRole(account.RoleARN, c.externalID, c.sessionName))
}

type awsTarget struct {
	session *awsprovider.Session
	iam     *iam.Client

	mu  sync.Mutex
	ec2 map[string]*ec2.Client
}

func newAWSTarget(s *awsprovider.Session) *awsTarget {
	return &awsTarget{
		session: s,
		iam:     iam.NewFromConfig(s.Config()),
		ec2:     make(map[string]*ec2.Client),
	}
}

func (t *awsTarget) AccountID(ctx context.Context) (string, error) {
	return t.session.AccountID(ctx)
}

func (t *awsTarget) IAM() IAMAPI { return t.iam }

func (t *awsTarget) EC2(region string) InstancesAPI {
	t.mu.Lock()
	defer t.mu.Unlock()
	if client, ok := t.ec2[region]; ok {
		return client
	}
	client := ec2.NewFromConfig(t.session.Config(), func(o *ec2.Options) { o.Region = region })
	t.ec2[region] = client
	return client
}
