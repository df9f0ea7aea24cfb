package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/organizations"
	orgtypes "github.com/aws/aws-sdk-go-v2/service/organizations/types"
)

// OrgAccount is one member account of an organization
type OrgAccount struct {
	ID    string
	Name  string
	Email string
}

// RoleARN returns the ARN of roleName in this account
func (a OrgAccount) RoleARN(roleName string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", a.ID, roleName)
}

// OrganizationsAPI is the listing subset of the Organizations client
type OrganizationsAPI interface {
	organizations.ListAccountsAPIClient
}

// NewOrganizationsClient creates a client from the session's config
func (s *Session) NewOrganizationsClient() OrganizationsAPI {
	return organizations.NewFromConfig(s.cfg)
}

// ActiveAccounts lists every ACTIVE account in the caller's organization
func ActiveAccounts(ctx context.Context, client OrganizationsAPI) ([]OrgAccount, error) {
	var accounts []OrgAccount

	paginator := organizations.NewListAccountsPaginator(client, &organizations.ListAccountsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list organization accounts: %w", err)
		}
		for _, acct := range page.Accounts {
			if acct.Status != orgtypes.AccountStatusActive {
				continue
			}
			accounts = append(accounts, OrgAccount{
				ID:    aws.ToString(acct.Id),
				Name:  aws.ToString(acct.Name),
				Email: aws.ToString(acct.Email),
			})
		}
	}
	return accounts, nil
}
