package series

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
)

// InfluxBackend adapts an InfluxDB v2 server to the sink's Backend
// interface.
type InfluxBackend struct {
	client influxdb2.Client
	writer api.WriteAPIBlocking
	org    string
	bucket string
}

// InfluxConfig holds the connection parameters for an InfluxDB v2
// server.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxBackend creates the adapter. No connection is attempted
// until the first write or provisioning call.
func NewInfluxBackend(cfg InfluxConfig) *InfluxBackend {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxBackend{
		client: client,
		writer: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		org:    cfg.Org,
		bucket: cfg.Bucket,
	}
}

func (b *InfluxBackend) WritePoint(ctx context.Context, point *write.Point) error {
	return b.writer.WritePoint(ctx, point)
}

// EnsureBucket creates the bucket with an expiry rule matching the
// retention when it does not already exist. An existing bucket is
// left untouched, whatever its current retention; changing retention
// on a live bucket is an operator decision.
func (b *InfluxBackend) EnsureBucket(ctx context.Context, retention time.Duration) error {
	buckets := b.client.BucketsAPI()
	if existing, err := buckets.FindBucketByName(ctx, b.bucket); err == nil && existing != nil {
		return nil
	}

	org, err := b.client.OrganizationsAPI().FindOrganizationByName(ctx, b.org)
	if err != nil {
		return fmt.Errorf("series: find org %q: %w", b.org, err)
	}

	var rules []domain.RetentionRule
	if retention > 0 {
		expire := domain.RetentionRuleTypeExpire
		rules = append(rules, domain.RetentionRule{
			Type:         &expire,
			EverySeconds: int64(retention / time.Second),
		})
	}
	if _, err := buckets.CreateBucketWithName(ctx, org, b.bucket, rules...); err != nil {
		return fmt.Errorf("series: create bucket %q: %w", b.bucket, err)
	}
	return nil
}

// Close releases the underlying HTTP client.
func (b *InfluxBackend) Close() {
	b.client.Close()
}
