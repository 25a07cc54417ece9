package mirror

import (
	"bytes"
	"context"
	"fmt"
	"path"

	"modledger/internal/model"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the part of *s3.Client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchivePublisher writes one JSON receipt object per transaction to an S3
// compatible bucket such as Cloudflare R2.
type ArchivePublisher struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewArchivePublisher(client ObjectPutter, bucket, prefix string) *ArchivePublisher {
	return &ArchivePublisher{client: client, bucket: bucket, prefix: prefix}
}

func (p *ArchivePublisher) Network() string { return "archive" }

// ObjectKey places receipts under <prefix>/<yyyy>/<mm>/<dd>/<tx id>.json.
func (p *ArchivePublisher) ObjectKey(t *model.Transaction) string {
	return path.Join(p.prefix, t.CreatedAt.UTC().Format("2006/01/02"), t.ID+".json")
}

// Publish returns s3://<bucket>/<key> of the stored receipt.
func (p *ArchivePublisher) Publish(ctx context.Context, t *model.Transaction) (string, error) {
	payload, err := NewReceipt(t).Encode()
	if err != nil {
		return "", err
	}

	key := p.ObjectKey(t)
	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(p.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", p.bucket, key), nil
}
