package models

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
)

// ARN layout: arn:<partition>:<service>:<region>:<account>:<resource>.
// An empty region field marks a global-scope resource, an empty account
// field an account-less one.
const (
	arnRegionField  = 3
	arnAccountField = 4
	arnMinFields    = 6
)

// ParseScope derives the region and account of an identity string.
// Global-scope identities get GlobalRegion, account-less ones UnknownAccount.
// ok is false when the string does not follow the ARN layout.
func ParseScope(identity string) (region, account string, ok bool) {
	if parsed, err := arn.Parse(identity); err == nil {
		region, account = scopeOrSentinel(parsed.Region, parsed.AccountID)
		return region, account, true
	}

	parts := strings.SplitN(identity, ":", arnMinFields)
	if len(parts) < arnMinFields {
		return "", "", false
	}
	region, account = scopeOrSentinel(parts[arnRegionField], parts[arnAccountField])
	return region, account, true
}

func scopeOrSentinel(region, account string) (string, string) {
	if region == "" {
		region = GlobalRegion
	}
	if account == "" {
		account = UnknownAccount
	}
	return region, account
}

// arnShape describes services whose ARNs drop fields of the generic layout.
type arnShape struct {
	noRegion  bool
	noAccount bool
	bareID    bool
}

var arnShapes = map[string]arnShape{
	"s3":         {noRegion: true, noAccount: true, bareID: true},
	"iam":        {noRegion: true},
	"route53":    {noRegion: true, noAccount: true},
	"cloudfront": {noRegion: true},
}

// SynthesizeARN builds a deterministic identity for a record that carries
// no provider identifier. resourceType uses the AWS::Service::Kind form.
// Equal inputs always yield the same string, and global services get the
// same ARN the provider itself reports (arn:aws:s3:::bucket).
func SynthesizeARN(localID, resourceType, region, account string) string {
	service, kind := splitType(resourceType)
	shape := arnShapes[service]
	if region == GlobalRegion || shape.noRegion {
		region = ""
	}
	if account == "" {
		account = UnknownAccount
	}
	if shape.noAccount {
		account = ""
	}
	resource := kind + "/" + localID
	if shape.bareID {
		resource = localID
	}
	return fmt.Sprintf("arn:aws:%s:%s:%s:%s", service, region, account, resource)
}

// splitType turns AWS::EC2::Instance into ("ec2", "instance").
func splitType(resourceType string) (string, string) {
	parts := strings.Split(resourceType, "::")
	if len(parts) >= 3 {
		return strings.ToLower(parts[1]), strings.ToLower(strings.Join(parts[2:], "-"))
	}
	return "unknown", strings.ToLower(strings.ReplaceAll(resourceType, "::", "-"))
}

// ServiceOf returns the lower-cased service segment of a resource type.
func ServiceOf(resourceType string) string {
	service, _ := splitType(resourceType)
	return service
}
