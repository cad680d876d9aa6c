// Package s3 stores backup artifacts in S3 or an S3-compatible object store.
package s3

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/supporttools/GoBackupKeeper/pkg/config"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// objectAPI is the subset of the S3 client used here
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Client manages artifacts in one bucket under a key prefix
type Client struct {
	api     objectAPI
	presign *s3.PresignClient
	bucket  string
	prefix  string
	log     *zap.SugaredLogger
}

// NewClient creates a client from the S3 settings
func NewClient(ctx context.Context, cfg config.S3Config, debug bool, log *zap.SugaredLogger) (*Client, error) {
	log = logger.OrNop(log)
	if !cfg.Enabled {
		return nil, fmt.Errorf("S3 storage is not enabled in configuration")
	}

	s3Client, err := newS3Client(ctx, cfg, debug, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	c := newClient(s3Client, cfg.Bucket, cfg.Prefix, log)
	c.presign = s3.NewPresignClient(s3Client)
	return c, nil
}

func newClient(api objectAPI, bucket, prefix string, log *zap.SugaredLogger) *Client {
	return &Client{
		api:    api,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    logger.OrNop(log),
	}
}

// newS3Client builds the SDK client with optional custom CA, endpoint and path-style addressing
func newS3Client(ctx context.Context, cfg config.S3Config, debug bool, log *zap.SugaredLogger) (*s3.Client, error) {
	httpClient := &http.Client{}

	if cfg.UseSSL {
		tlsConfig := &tls.Config{}

		if cfg.CustomCAPath != "" && !cfg.SkipCertValidation {
			rootCAs, _ := x509.SystemCertPool()
			if rootCAs == nil {
				rootCAs = x509.NewCertPool()
			}
			caCert, err := os.ReadFile(cfg.CustomCAPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read custom CA certificate: %w", err)
			}
			if ok := rootCAs.AppendCertsFromPEM(caCert); !ok {
				return nil, fmt.Errorf("failed to append custom CA certificate")
			}
			tlsConfig.RootCAs = rootCAs
			log.Infof("Using custom CA certificate from %s", cfg.CustomCAPath)
		}

		if cfg.SkipCertValidation {
			tlsConfig.InsecureSkipVerify = true
			log.Warn("TLS certificate validation is disabled for S3 connections")
		}

		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithHTTPClient(httpClient),
		awsconfig.WithRegion(cfg.Region),
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	if debug {
		log.Debugf("S3 client: region=%s endpoint=%s pathStyle=%t", cfg.Region, cfg.Endpoint, cfg.PathStyle)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle || cfg.Endpoint != ""
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// ObjectKey builds the key of a backup file: <prefix>/<database>/<file>
func (c *Client) ObjectKey(databaseName, fileName string) string {
	if c.prefix != "" {
		return fmt.Sprintf("%s/%s/%s", c.prefix, databaseName, fileName)
	}
	return fmt.Sprintf("%s/%s", databaseName, fileName)
}

// Upload copies a local file to objectKey
func (c *Client) Upload(ctx context.Context, localPath, objectKey string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open backup file for S3 upload: %w", err)
	}
	defer file.Close()

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
		Body:   file,
	})
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			c.log.Debugf("S3 upload URL error: %v, URL: %v, Op: %v", urlErr.Err, urlErr.URL, urlErr.Op)
		}
		return fmt.Errorf("failed to upload backup to S3: %w", err)
	}

	c.log.Infof("Successfully uploaded backup to S3: s3://%s/%s", c.bucket, objectKey)
	return nil
}

// Delete removes the object recorded in FilePath
func (c *Client) Delete(ctx context.Context, backup types.BackupHistory) error {
	if backup.FilePath == "" {
		return fmt.Errorf("backup %s has no object key", backup.BackupID)
	}
	return c.DeleteObject(ctx, backup.FilePath)
}

// DeleteObject removes one object. Deleting a missing key succeeds.
func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", c.bucket, objectKey, err)
	}
	c.log.Infof("Removed S3 backup: s3://%s/%s", c.bucket, objectKey)
	return nil
}
