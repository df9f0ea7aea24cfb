package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/catherinevee/cloudauditor/internal/logger"
	awsprovider "github.com/catherinevee/cloudauditor/internal/providers/aws"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// Verification is the outcome of one role check
type Verification struct {
	AccountID string   `json:"account_id"`
	RoleARN   string   `json:"role_arn"`
	Success   bool     `json:"success"`
	ErrorCode string   `json:"error_code,omitempty"`
	Message   string   `json:"message"`
	Tips      []string `json:"troubleshooting_tips,omitempty"`
}

// Verify assumes the account's role and records the result in store
func (a *Auditor) Verify(ctx context.Context, account models.MonitoredAccount) Verification {
	v := Verification{AccountID: account.AccountID, RoleARN: account.RoleARN}

	caller, err := a.connector.Assume(account).AccountID(ctx)
	switch {
	case err != nil:
		v.ErrorCode = awsprovider.ErrorCode(err)
		v.Message = err.Error()
		v.Tips = TroubleshootingTips(v.ErrorCode, account.AccountID, roleName(account.RoleARN))
	case caller != account.AccountID:
		v.ErrorCode = "AccountMismatch"
		v.Message = fmt.Sprintf("role resolved to account %s", caller)
		v.Tips = TroubleshootingTips(v.ErrorCode, account.AccountID, roleName(account.RoleARN))
	default:
		v.Success = true
		v.Message = "successfully assumed role " + account.RoleARN
	}

	status, lastErr := models.AccountWorking, ""
	if !v.Success {
		status, lastErr = models.AccountBroken, v.Message
	}
	a.recorder.RoleChecked(string(status))
	if err := a.store.UpdateAccountStatus(ctx, account.AccountID, status, lastErr); err != nil {
		a.log.Error("failed to record verification", logger.String("account_id", account.AccountID), logger.Error(err))
	}
	return v
}

// TroubleshootingTips suggests fixes for a failed role assumption
func TroubleshootingTips(code, accountID, role string) []string {
	switch code {
	case "AccessDenied", "AccessDeniedException":
		return []string{
			"Verify that the trust policy of the role names this account as a trusted principal.",
			fmt.Sprintf("Check that the role '%s' exists in account %s.", role, accountID),
			"Ensure the calling identity has sts:AssumeRole permission on the role ARN.",
			"If the role requires an external id, set audit.external_id.",
		}
	case "AccountMismatch", "InvalidClientTokenId", "ValidationError":
		return []string{"Check for typos in the account id or role name."}
	case "":
		return []string{"Check network connectivity and the base credentials."}
	}
	return []string{"Check AWS service health and IAM policy limits."}
}

func roleName(roleARN string) string {
	if i := strings.LastIndex(roleARN, "/"); i >= 0 {
		return roleARN[i+1:]
	}
	return roleARN
}
