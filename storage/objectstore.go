package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// RawObjectKey formats the raw object key of §3/§6:
// {tenant_id}/raw/{service}/{table_name}/{YYYY-MM-DD}/{timestampZ}-{seq}.parquet.
func RawObjectKey(tenantID, service, tableName string, ts time.Time, seq int) string {
	return fmt.Sprintf("%s/raw/%s/%s/%s/%s-%d.parquet",
		tenantID, service, tableName, ts.Format("2006-01-02"), ts.Format("2006-01-02T15:04:05Z"), seq)
}

// CanonicalObjectKey formats the canonical object key of §3/§6:
// {tenant_id}/canonical/{table_name}/{YYYY-MM-DD}/{timestampZ}.parquet.
func CanonicalObjectKey(tenantID, tableName string, ts time.Time) string {
	return fmt.Sprintf("%s/canonical/%s/%s/%s.parquet",
		tenantID, tableName, ts.Format("2006-01-02"), ts.Format("2006-01-02T15:04:05Z"))
}

// RawObjectWriter writes raw Parquet snapshots under a chunk's owned key
// prefix (§3 "Raw objects are exclusively owned by the chunk that wrote
// them").
type RawObjectWriter struct {
	client S3Client
	bucket string
}

// NewRawObjectWriter constructs a RawObjectWriter against bucket.
func NewRawObjectWriter(client S3Client, bucket string) *RawObjectWriter {
	return &RawObjectWriter{client: client, bucket: bucket}
}

// Write encodes rows to Parquet and uploads them, returning the key the
// caller appends to ChunkProgress.S3FilesWritten (§4.4 step d: "write under
// the chunk's raw key with a monotonically-increasing in-chunk sequence
// suffix").
func (w *RawObjectWriter) Write(ctx context.Context, tenantID, service, tableName string, seq int, rows []RawRow) (string, error) {
	if len(rows) == 0 {
		return "", fmt.Errorf("write raw object %s/%s/%s: empty batch", tenantID, service, tableName)
	}
	now := time.Now().UTC()
	key := RawObjectKey(tenantID, service, tableName, now, seq)

	schema := RawSchema(rows)
	var buf bytes.Buffer
	if err := WriteRawParquet(&buf, schema, rows); err != nil {
		return "", fmt.Errorf("encode raw object %s: %w", key, err)
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return "", fmt.Errorf("upload raw object %s: %w", key, err)
	}
	return key, nil
}

// CanonicalObjectWriter writes canonical Parquet objects under the
// table-owned key format of §3/§6.
type CanonicalObjectWriter struct {
	client S3Client
	bucket string
}

// NewCanonicalObjectWriter constructs a CanonicalObjectWriter against
// bucket.
func NewCanonicalObjectWriter(client S3Client, bucket string) *CanonicalObjectWriter {
	return &CanonicalObjectWriter{client: client, bucket: bucket}
}

// Write encodes rows to Parquet and uploads them. An empty rows slice
// writes nothing and returns an empty key (§4.5 "If the resulting canonical
// record set is empty, do not write an empty object").
func (w *CanonicalObjectWriter) Write(ctx context.Context, tenantID, tableName string, businessFields []string, rows []CanonicalRow) (string, error) {
	if len(rows) == 0 {
		return "", nil
	}
	now := time.Now().UTC()
	key := CanonicalObjectKey(tenantID, tableName, now)

	schema := CanonicalSchema(businessFields)
	var buf bytes.Buffer
	if err := WriteCanonicalParquet(&buf, schema, rows); err != nil {
		return "", fmt.Errorf("encode canonical object %s: %w", key, err)
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return "", fmt.Errorf("upload canonical object %s: %w", key, err)
	}
	return key, nil
}

// ReadObject fetches one object's full body, used by the canonical
// transform stage to read raw objects named in a chunk's S3FilesWritten
// (§4.5 "read the raw object").
func ReadObject(ctx context.Context, client S3Client, bucket, key string) ([]byte, error) {
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// ListRawKeys enumerates raw object keys under one (tenant, service,
// table) prefix, scoped to a date partition.
func ListRawKeys(ctx context.Context, client S3Client, bucket, tenantID, service, tableName string, date time.Time) ([]string, error) {
	prefix := fmt.Sprintf("%s/raw/%s/%s/%s/", tenantID, service, tableName, date.Format("2006-01-02"))
	objects, err := S3AwsListObjects(ctx, client, bucket, prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		if obj.Key != nil {
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}
