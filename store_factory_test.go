package warden

import (
	"context"
	"errors"
	"testing"

	"pkt.systems/warden/internal/storage"
)

func TestBuildGenericS3Config(t *testing.T) {
	cfg := Config{
		Store:             "s3://minio.local:9000/warden-data/prod?insecure=1&path-style=1&kms-key-id=kms-1",
		S3AccessKeyID:     "admin",
		S3SecretAccessKey: "secret",
	}
	s3cfg, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if s3cfg.Endpoint != "minio.local:9000" {
		t.Fatalf("endpoint = %q", s3cfg.Endpoint)
	}
	if s3cfg.Bucket != "warden-data" || s3cfg.Prefix != "prod" {
		t.Fatalf("bucket/prefix = %q/%q", s3cfg.Bucket, s3cfg.Prefix)
	}
	if !s3cfg.Insecure || !s3cfg.ForcePathStyle {
		t.Fatalf("insecure/path-style = %v/%v, want both true", s3cfg.Insecure, s3cfg.ForcePathStyle)
	}
	if s3cfg.KMSKeyID != "kms-1" {
		t.Fatalf("kms key = %q", s3cfg.KMSKeyID)
	}
	if summary.Source != "config" || !summary.HasSecret {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
}

func TestBuildGenericS3ConfigEnvCredentials(t *testing.T) {
	t.Setenv("WARDEN_S3_ACCESS_KEY_ID", "env-key")
	t.Setenv("WARDEN_S3_SECRET_ACCESS_KEY", "env-secret")
	cfg := Config{Store: "s3://minio:9000/bucket"}
	_, summary, err := BuildGenericS3Config(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if summary.AccessKey != "env-key" || summary.Source != "env:WARDEN_S3_ACCESS_KEY_ID" {
		t.Fatalf("unexpected credential summary: %+v", summary)
	}
}

func TestBuildGenericS3ConfigRejectsMissingBucket(t *testing.T) {
	if _, _, err := BuildGenericS3Config(Config{Store: "s3://minio:9000"}); err == nil {
		t.Fatal("missing bucket must be rejected")
	}
}

func TestBuildAWSConfig(t *testing.T) {
	t.Setenv("AWS_REGION", "")
	t.Setenv("AWS_DEFAULT_REGION", "")
	t.Setenv("WARDEN_AWS_REGION", "")

	if _, _, err := BuildAWSConfig(Config{Store: "aws://bucket"}); err == nil {
		t.Fatal("aws store without region must be rejected")
	}

	awscfg, _, err := BuildAWSConfig(Config{Store: "aws://bucket/pre/fix?region=eu-north-1&kms-key-id=k1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if awscfg.Region != "eu-north-1" {
		t.Fatalf("region = %q", awscfg.Region)
	}
	if awscfg.Bucket != "bucket" || awscfg.Prefix != "pre/fix" {
		t.Fatalf("bucket/prefix = %q/%q", awscfg.Bucket, awscfg.Prefix)
	}
	if awscfg.KMSKeyID != "k1" {
		t.Fatalf("kms key = %q", awscfg.KMSKeyID)
	}
}

func TestBuildAzureConfig(t *testing.T) {
	cfg := Config{
		Store:           "azure://acct/snapshots/team?sas=sv=2024&endpoint=http://127.0.0.1:10000/acct",
		AzureAccountKey: "key",
	}
	azcfg, err := BuildAzureConfig(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if azcfg.Account != "acct" || azcfg.Container != "snapshots" || azcfg.Prefix != "team" {
		t.Fatalf("account/container/prefix = %q/%q/%q", azcfg.Account, azcfg.Container, azcfg.Prefix)
	}
	if azcfg.SASToken != "sv=2024" {
		t.Fatalf("sas = %q", azcfg.SASToken)
	}
	if azcfg.Endpoint != "http://127.0.0.1:10000/acct" {
		t.Fatalf("endpoint = %q", azcfg.Endpoint)
	}

	if _, err := BuildAzureConfig(Config{Store: "azure://acct"}); err == nil {
		t.Fatal("missing container must be rejected")
	}
}

func TestBuildDiskConfig(t *testing.T) {
	diskCfg, err := BuildDiskConfig(Config{Store: "disk:///var/lib/wardend?watch=true"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if diskCfg.Root != "/var/lib/wardend" {
		t.Fatalf("root = %q", diskCfg.Root)
	}
	if !diskCfg.RecordWatch {
		t.Fatal("watch query param must enable the record watch")
	}

	if _, err := BuildDiskConfig(Config{Store: "disk://"}); err == nil {
		t.Fatal("missing path must be rejected")
	}
}

func TestOpenBackendMemoryRoundTrip(t *testing.T) {
	backend, err := OpenBackend(Config{Store: "mem://"}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()

	ctx := context.Background()
	rec := &storage.Record{OwnerID: "a", Generation: 1, LeaseExpiryUnix: 4102444800}
	etag, err := backend.StoreRecord(ctx, "k", rec, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := backend.LoadRecord(ctx, "k")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ETag != etag || got.Record.OwnerID != "a" {
		t.Fatalf("unexpected record: %+v etag=%q want %q", got.Record, got.ETag, etag)
	}
	if _, err := backend.LoadRecord(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("missing record: got %v, want ErrNotFound", err)
	}
}

func TestOpenBackendRejectsUnknownScheme(t *testing.T) {
	if _, err := OpenBackend(Config{Store: "redis://localhost"}, nil); err == nil {
		t.Fatal("unknown scheme must be rejected")
	}
}
