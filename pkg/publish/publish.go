// Package publish uploads license usage reports to an S3-compatible bucket.
package publish

import (
	"bytes"
	"context"
	"path"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/xerrors"

	"github.com/thannaske/licenseusage/pkg/models"
	"github.com/thannaske/licenseusage/pkg/rot47"
)

// Client uploads and lists reports in one bucket.
type Client struct {
	client *s3.Client
	bucket string
}

// ReportObject is a report stored in the bucket.
type ReportObject struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// NewClient creates a client for cfg. An empty endpoint means AWS itself;
// anything else is treated as an S3-compatible service addressed with
// path-style URLs.
func NewClient(ctx context.Context, cfg models.S3Config) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, xerrors.New("no bucket configured")
	}
	if cfg.Region == "" {
		cfg.Region = "default"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               cfg.Endpoint,
				SigningRegion:     cfg.Region,
				HostnameImmutable: true,
			}, nil
		})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, xerrors.Errorf("load AWS SDK configuration: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
		// Most S3-compatible gateways reject the newer default checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return &Client{client: client, bucket: cfg.Bucket}, nil
}

// ReportKey is the object key of a site's report for day.
func ReportKey(siteHash string, day time.Time) string {
	return path.Join(siteHash, day.UTC().Format(time.DateOnly)+".json")
}

// UploadReport stores report obfuscated under the key for day and returns
// the key. An existing report for the same day is replaced.
func (c *Client) UploadReport(ctx context.Context, siteHash string, day time.Time, report []byte) (string, error) {
	key := ReportKey(siteHash, day)
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(rot47.EncodeBytes(report)),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", xerrors.Errorf("upload %s: %w", key, err)
	}
	return key, nil
}

// ListReports lists the reports uploaded for a site, oldest first.
func (c *Client) ListReports(ctx context.Context, siteHash string) ([]ReportObject, error) {
	var reports []ReportObject
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(siteHash + "/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, xerrors.Errorf("list reports: %w", err)
		}
		for _, obj := range page.Contents {
			r := ReportObject{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				r.LastModified = *obj.LastModified
			}
			reports = append(reports, r)
		}
	}
	// Keys end in the report date.
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Key < reports[j].Key
	})
	return reports, nil
}
