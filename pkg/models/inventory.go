package models

import "time"

// AccountStatus tracks whether the auditor can assume an account's role
type AccountStatus string

const (
	AccountPending  AccountStatus = "pending"
	AccountWorking  AccountStatus = "working"
	AccountBroken   AccountStatus = "broken"
	AccountDisabled AccountStatus = "disabled"
)

// MonitoredAccount is a registered (account, role) pair
type MonitoredAccount struct {
	AccountID      string        `json:"account_id"`
	Name           string        `json:"name,omitempty"`
	RoleARN        string        `json:"role_arn"`
	Status         AccountStatus `json:"status"`
	LastError      string        `json:"last_error,omitempty"`
	LastVerifiedAt *time.Time    `json:"last_verified_at,omitempty"`
}

// IAMEntityKind names an IAM entity family
type IAMEntityKind string

const (
	IAMUser   IAMEntityKind = "user"
	IAMGroup  IAMEntityKind = "group"
	IAMRole   IAMEntityKind = "role"
	IAMPolicy IAMEntityKind = "policy"
)

// IAMEntity is one audited IAM user, group, role or customer policy
type IAMEntity struct {
	AccountID string        `json:"account_id"`
	Kind      IAMEntityKind `json:"kind"`
	Name      string        `json:"name"`
	ARN       string        `json:"arn"`
	ID        string        `json:"id"`
	Path      string        `json:"path,omitempty"`
	CreatedAt *time.Time    `json:"created_at,omitempty"`
}

// Instance is one audited EC2 instance
type Instance struct {
	AccountID    string            `json:"account_id"`
	Region       string            `json:"region"`
	InstanceID   string            `json:"instance_id"`
	InstanceType string            `json:"instance_type"`
	State        string            `json:"state"`
	PrivateIP    string            `json:"private_ip,omitempty"`
	LaunchTime   *time.Time        `json:"launch_time,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

// RunRecord is the persisted summary of one discovery run
type RunRecord struct {
	RunID          string        `json:"run_id"`
	AccountID      string        `json:"account_id"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at"`
	Success        bool          `json:"success"`
	TotalResources int           `json:"total_resources"`
	ResourceTypes  int           `json:"resource_types"`
	Errors         []string      `json:"errors"`
	Duration       time.Duration `json:"duration"`
}

// NewRunRecord summarizes a finished discovery result
func NewRunRecord(r *DiscoveryResult) RunRecord {
	return RunRecord{
		RunID:          r.RunID,
		AccountID:      r.AccountID,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.StartedAt.Add(r.Duration),
		Success:        r.Success,
		TotalResources: r.TotalCount,
		ResourceTypes:  len(r.Summary()),
		Errors:         append([]string{}, r.Errors...),
		Duration:       r.Duration,
	}
}
