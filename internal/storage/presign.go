package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Presigner issues time-limited GET URLs for completed assets so clients
// download directly from object storage instead of proxying through the API.
type Presigner struct {
	presign *s3.PresignClient
	bucket  string
	expiry  time.Duration
}

// PresignConfig holds the configuration for the presigning client.
type PresignConfig struct {
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UseSSL       bool
	UsePathStyle bool
	Expiry       time.Duration
}

// NewPresigner creates a presigning client against S3 or MinIO.
func NewPresigner(cfg *PresignConfig) *Presigner {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  awscreds.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: cfg.UsePathStyle, // Required for MinIO
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(endpointURI(cfg.Endpoint, cfg.UseSSL))
	}

	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}

	return &Presigner{
		presign: s3.NewPresignClient(s3.New(opts)),
		bucket:  cfg.Bucket,
		expiry:  expiry,
	}
}

// endpointURI makes the shared host:port endpoint value usable as an
// aws-sdk custom endpoint, which must be a URI with a scheme.
func endpointURI(endpoint string, useSSL bool) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// PresignedURL contains a signed download URL and its expiry.
type PresignedURL struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PresignGet returns a signed GET URL for the object at key.
func (p *Presigner) PresignGet(ctx context.Context, key string) (*PresignedURL, error) {
	req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expiry))
	if err != nil {
		return nil, fmt.Errorf("failed to presign %s: %w", key, err)
	}

	return &PresignedURL{
		URL:       req.URL,
		ExpiresAt: time.Now().Add(p.expiry),
	}, nil
}
