package s3

import (
	"context"
	"fmt"
	"sort"
)

// Regional AWS S3 endpoints.
var awsEndpoints = map[string]string{
	"us-east-1":      "s3.amazonaws.com",
	"us-east-2":      "s3.us-east-2.amazonaws.com",
	"us-west-1":      "s3.us-west-1.amazonaws.com",
	"us-west-2":      "s3.us-west-2.amazonaws.com",
	"eu-west-1":      "s3.eu-west-1.amazonaws.com",
	"eu-west-2":      "s3.eu-west-2.amazonaws.com",
	"eu-west-3":      "s3.eu-west-3.amazonaws.com",
	"eu-central-1":   "s3.eu-central-1.amazonaws.com",
	"eu-north-1":     "s3.eu-north-1.amazonaws.com",
	"eu-south-1":     "s3.eu-south-1.amazonaws.com",
	"ap-northeast-1": "s3.ap-northeast-1.amazonaws.com",
	"ap-northeast-2": "s3.ap-northeast-2.amazonaws.com",
	"ap-northeast-3": "s3.ap-northeast-3.amazonaws.com",
	"ap-southeast-1": "s3.ap-southeast-1.amazonaws.com",
	"ap-southeast-2": "s3.ap-southeast-2.amazonaws.com",
	"ap-south-1":     "s3.ap-south-1.amazonaws.com",
	"ca-central-1":   "s3.ca-central-1.amazonaws.com",
	"sa-east-1":      "s3.sa-east-1.amazonaws.com",
	"me-south-1":     "s3.me-south-1.amazonaws.com",
	"af-south-1":     "s3.af-south-1.amazonaws.com",
}

// AWSConfig holds AWS S3 configuration.
type AWSConfig struct {
	BucketName string
	AccessKey  string
	SecretKey  string
	Region     string // Default: us-east-1
	Prefix     string
}

// ClientConfig converts to a client Config. AWS uses virtual-host style
// addressing and the SDK's own endpoint resolution.
func (c *AWSConfig) ClientConfig() Config {
	region := c.Region
	if region == "" {
		region = "us-east-1"
	}
	return Config{
		Bucket:    c.BucketName,
		Region:    region,
		AccessKey: c.AccessKey,
		SecretKey: c.SecretKey,
		Prefix:    c.Prefix,
	}
}

// NewAWSClient creates a client for AWS S3.
func NewAWSClient(ctx context.Context, config *AWSConfig) (*Client, error) {
	return New(ctx, config.ClientConfig())
}

// AWSEndpointForRegion returns the S3 endpoint for a given region.
func AWSEndpointForRegion(region string) (string, error) {
	endpoint, ok := awsEndpoints[region]
	if !ok {
		return "", fmt.Errorf("unknown AWS region: %s", region)
	}
	return endpoint, nil
}

// IsSupportedAWSRegion checks if a region is known.
func IsSupportedAWSRegion(region string) bool {
	_, ok := awsEndpoints[region]
	return ok
}

// SupportedAWSRegions returns the known regions in sorted order.
func SupportedAWSRegions() []string {
	regions := make([]string, 0, len(awsEndpoints))
	for region := range awsEndpoints {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}
