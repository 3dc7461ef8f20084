package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestEndpointURI(t *testing.T) {
	tests := []struct {
		name     string
		endpoint string
		useSSL   bool
		want     string
	}{
		{"bare host gets http", "localhost:9000", false, "http://localhost:9000"},
		{"bare host with ssl gets https", "localhost:9000", true, "https://localhost:9000"},
		{"existing scheme kept", "https://s3.us-east-1.amazonaws.com", false, "https://s3.us-east-1.amazonaws.com"},
		{"http scheme kept despite ssl flag", "http://minio.internal:9000", true, "http://minio.internal:9000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := endpointURI(tt.endpoint, tt.useSSL); got != tt.want {
				t.Errorf("endpointURI(%q, %v) = %q, want %q", tt.endpoint, tt.useSSL, got, tt.want)
			}
		})
	}
}

// Presigning is a local signature computation, so these run without MinIO.
func TestPresigner_PresignGet(t *testing.T) {
	presigner := NewPresigner(&PresignConfig{
		Endpoint:     "localhost:9000",
		Region:       "us-east-1",
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		Bucket:       "pullbox-assets",
		UsePathStyle: true,
		Expiry:       15 * time.Minute,
	})

	signed, err := presigner.PresignGet(context.Background(), "items/item-1/report.pdf")
	if err != nil {
		t.Fatalf("PresignGet failed: %v", err)
	}

	if !strings.HasPrefix(signed.URL, "http://localhost:9000/") {
		t.Errorf("url = %q, want http://localhost:9000/ prefix", signed.URL)
	}
	if !strings.Contains(signed.URL, "/pullbox-assets/items/item-1/report.pdf") {
		t.Errorf("url = %q, want path-style bucket and key", signed.URL)
	}
	if !strings.Contains(signed.URL, "X-Amz-Signature=") {
		t.Errorf("url = %q, want a signature parameter", signed.URL)
	}
	if !signed.ExpiresAt.After(time.Now()) {
		t.Errorf("expires_at = %v, want in the future", signed.ExpiresAt)
	}
}

func TestPresigner_PresignGet_SSLEndpoint(t *testing.T) {
	presigner := NewPresigner(&PresignConfig{
		Endpoint:     "minio.example.com:9000",
		Region:       "us-east-1",
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		Bucket:       "pullbox-assets",
		UseSSL:       true,
		UsePathStyle: true,
	})

	signed, err := presigner.PresignGet(context.Background(), "items/item-1/a.bin")
	if err != nil {
		t.Fatalf("PresignGet failed: %v", err)
	}
	if !strings.HasPrefix(signed.URL, "https://minio.example.com:9000/") {
		t.Errorf("url = %q, want https prefix", signed.URL)
	}
}
