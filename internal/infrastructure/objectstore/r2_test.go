package objectstore

import (
	"context"
	"testing"

	"modledger/internal/config"
)

func TestEndpoint(t *testing.T) {
	if got := Endpoint(&config.ArchiveConfig{AccountID: "abc"}); got != "https://abc.r2.cloudflarestorage.com" {
		t.Errorf("R2 endpoint = %s", got)
	}
	if got := Endpoint(&config.ArchiveConfig{AccountID: "abc", Endpoint: "http://minio:9000"}); got != "http://minio:9000" {
		t.Errorf("explicit endpoint = %s", got)
	}
}

func TestNewClient(t *testing.T) {
	ctx := context.Background()
	if _, err := NewClient(ctx, &config.ArchiveConfig{Region: "auto"}); err == nil {
		t.Fatal("NewClient without endpoint succeeded")
	}

	client, err := NewClient(ctx, &config.ArchiveConfig{
		AccountID: "abc", Region: "auto", AccessKeyID: "id", AccessKeySecret: "secret", UsePathStyle: true,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	opts := client.Options()
	if opts.BaseEndpoint == nil || *opts.BaseEndpoint != "https://abc.r2.cloudflarestorage.com" || !opts.UsePathStyle {
		t.Fatalf("client options endpoint=%v pathStyle=%v", opts.BaseEndpoint, opts.UsePathStyle)
	}
}
