package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/catherinevee/cloudauditor/pkg/models"
)

// IAMAPI is the listing subset of the IAM client
type IAMAPI interface {
	iam.ListUsersAPIClient
	iam.ListGroupsAPIClient
	iam.ListRolesAPIClient
	iam.ListPoliciesAPIClient
}

// InstancesAPI is the listing subset of the EC2 client
type InstancesAPI interface {
	ec2.DescribeInstancesAPIClient
}

// CollectIAM lists users, groups, roles and customer-managed policies.
// Entities gathered before a failure are returned with the error.
func CollectIAM(ctx context.Context, client IAMAPI, accountID string) ([]models.IAMEntity, error) {
	var entities []models.IAMEntity
	add := func(kind models.IAMEntityKind, name, arn, id, path *string, created *time.Time) {
		e := models.IAMEntity{
			AccountID: accountID,
			Kind:      kind,
			Name:      aws.ToString(name),
			ARN:       aws.ToString(arn),
			ID:        aws.ToString(id),
			Path:      aws.ToString(path),
		}
		if created != nil && !created.IsZero() {
			t := created.UTC()
			e.CreatedAt = &t
		}
		entities = append(entities, e)
	}

	users := iam.NewListUsersPaginator(client, &iam.ListUsersInput{})
	for users.HasMorePages() {
		page, err := users.NextPage(ctx)
		if err != nil {
			return entities, fmt.Errorf("failed to list users: %w", err)
		}
		for _, u := range page.Users {
			add(models.IAMUser, u.UserName, u.Arn, u.UserId, u.Path, u.CreateDate)
		}
	}

	groups := iam.NewListGroupsPaginator(client, &iam.ListGroupsInput{})
	for groups.HasMorePages() {
		page, err := groups.NextPage(ctx)
		if err != nil {
			return entities, fmt.Errorf("failed to list groups: %w", err)
		}
		for _, g := range page.Groups {
			add(models.IAMGroup, g.GroupName, g.Arn, g.GroupId, g.Path, g.CreateDate)
		}
	}

	roles := iam.NewListRolesPaginator(client, &iam.ListRolesInput{})
	for roles.HasMorePages() {
		page, err := roles.NextPage(ctx)
		if err != nil {
			return entities, fmt.Errorf("failed to list roles: %w", err)
		}
		for _, r := range page.Roles {
			add(models.IAMRole, r.RoleName, r.Arn, r.RoleId, r.Path, r.CreateDate)
		}
	}

	policies := iam.NewListPoliciesPaginator(client, &iam.ListPoliciesInput{Scope: iamtypes.PolicyScopeTypeLocal})
	for policies.HasMorePages() {
		page, err := policies.NextPage(ctx)
		if err != nil {
			return entities, fmt.Errorf("failed to list policies: %w", err)
		}
		for _, p := range page.Policies {
			add(models.IAMPolicy, p.PolicyName, p.Arn, p.PolicyId, p.Path, p.CreateDate)
		}
	}

	return entities, nil
}

// CollectInstances lists every instance in one region
func CollectInstances(ctx context.Context, client InstancesAPI, accountID, region string) ([]models.Instance, error) {
	var instances []models.Instance

	paginator := ec2.NewDescribeInstancesPaginator(client, &ec2.DescribeInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return instances, fmt.Errorf("failed to describe instances in %s: %w", region, err)
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				in := models.Instance{
					AccountID:    accountID,
					Region:       region,
					InstanceID:   aws.ToString(inst.InstanceId),
					InstanceType: string(inst.InstanceType),
					PrivateIP:    aws.ToString(inst.PrivateIpAddress),
					LaunchTime:   inst.LaunchTime,
					Tags:         make(map[string]string, len(inst.Tags)),
				}
				if inst.State != nil {
					in.State = string(inst.State.Name)
				}
				for _, tag := range inst.Tags {
					in.Tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
				}
				instances = append(instances, in)
			}
		}
	}
	return instances, nil
}
