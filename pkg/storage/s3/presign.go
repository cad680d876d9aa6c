package s3

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// GeneratePresignedURL creates a time-limited download URL for an object
func (c *Client) GeneratePresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	if c.presign == nil {
		return "", fmt.Errorf("presigning is not available for this client")
	}

	result, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	c.log.Debugf("Generated presigned URL for S3 object %s (expires in %s)", objectKey, expiry)
	return result.URL, nil
}
