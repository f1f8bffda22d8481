package warden

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/pslog"

	"pkt.systems/warden/internal/backoff"
	"pkt.systems/warden/internal/lease"
	"pkt.systems/warden/internal/shutdown"
	"pkt.systems/warden/internal/statesync"
)

const (
	// DefaultStore is the storage backend used when none is configured.
	DefaultStore = "mem://"
	// DefaultLockKey names the lock record every instance competes for.
	DefaultLockKey = "warden"
	// DefaultLeaseTTL is how long a lease stays valid without renewal.
	DefaultLeaseTTL = lease.DefaultTTL
	// DefaultSkewMargin is added to an observed expiry before a takeover,
	// absorbing clock skew between instances.
	DefaultSkewMargin = 2 * time.Second
	// DefaultSyncPrefix namespaces state snapshots within the object keyspace.
	DefaultSyncPrefix = "state"
	// DefaultSyncInterval is the periodic state push cadence.
	DefaultSyncInterval = statesync.DefaultInterval
	// DefaultShutdownGrace mirrors the common platform termination deadline.
	DefaultShutdownGrace = shutdown.DefaultGrace
	// DefaultShutdownMargin is headroom reserved so the process exits before
	// the grace deadline becomes a kill.
	DefaultShutdownMargin = shutdown.DefaultMargin
	// DefaultDrainFraction is the share of the shutdown budget spent waiting
	// for in-flight mutations.
	DefaultDrainFraction = shutdown.DefaultDrainFraction
)

// Storage retry defaults shared by every backend operation.
const (
	DefaultStorageRetryAttempts   = 6
	DefaultStorageRetryBase       = 100 * time.Millisecond
	DefaultStorageRetryMax        = 5 * time.Second
	DefaultStorageRetryMultiplier = 2.0
	DefaultStorageRetryJitter     = 0.5
)

const (
	// DefaultMetricsListen disables the Prometheus endpoint unless set.
	DefaultMetricsListen = ""
	// DefaultPprofListen disables the pprof endpoint unless set.
	DefaultPprofListen = ""
)

// DefaultConfigFileName is the YAML config file wardend looks for.
const DefaultConfigFileName = "wardend.yaml"

// Config drives a Guard. Zero values fall back to the defaults above.
type Config struct {
	// Store selects the storage backend by URL: mem://, disk:///path,
	// s3://host[:port]/bucket[/prefix], aws://bucket[/prefix],
	// azure://account/container[/prefix].
	Store string
	// LockKey is the lock record key within the backend. Every instance that
	// should be mutually exclusive must use the same key.
	LockKey string
	// OwnerID identifies this instance in the lock record. Defaults to
	// wardend-<hostname>-<xid>.
	OwnerID string
	// LeaseTTL is the lease duration stamped into the lock record.
	LeaseTTL time.Duration
	// RenewInterval is the renewal cadence, LeaseTTL/3 when unset. Must be
	// shorter than LeaseTTL.
	RenewInterval time.Duration
	// SkewMargin delays takeover of an expired lease by this much.
	SkewMargin time.Duration

	// LocalDir is the working directory mirrored to the store. Empty disables
	// state sync entirely.
	LocalDir string
	// SyncPrefix namespaces the snapshot within the object keyspace.
	SyncPrefix string
	// SyncInterval is the periodic push cadence.
	SyncInterval time.Duration

	// ShutdownGrace is the platform's advertised termination deadline.
	ShutdownGrace time.Duration
	// ShutdownMargin is reserved headroom inside ShutdownGrace.
	ShutdownMargin time.Duration
	// DrainFraction is the share of the shutdown budget spent draining
	// in-flight mutations, in (0, 1).
	DrainFraction float64

	// StorageRetryAttempts caps attempts per storage operation.
	StorageRetryAttempts int
	// StorageRetryBase is the first retry delay.
	StorageRetryBase time.Duration
	// StorageRetryMax caps the retry delay.
	StorageRetryMax time.Duration
	// StorageRetryMultiplier grows the delay between attempts.
	StorageRetryMultiplier float64
	// StorageRetryJitter randomises each delay by +/- this fraction.
	StorageRetryJitter float64

	// S3AccessKeyID / S3SecretAccessKey / S3SessionToken authenticate against
	// generic S3-compatible stores. Empty falls back to WARDEN_S3_* env vars,
	// then anonymous.
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3SessionToken    string
	// S3SSE selects server-side encryption for S3 writes (AES256 or aws:kms).
	S3SSE string
	// S3KMSKeyID selects the KMS key when S3SSE is aws:kms.
	S3KMSKeyID string
	// AWSRegion is required for aws:// stores.
	AWSRegion string
	// AWSKMSKeyID overrides S3KMSKeyID for aws:// stores.
	AWSKMSKeyID string

	// AzureAccount / AzureAccountKey / AzureEndpoint / AzureSASToken configure
	// azure:// stores. Empty values fall back to the usual AZURE_* env vars.
	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string

	// DiskRecordWatch enables fsnotify lock-record change events for disk
	// stores so waiting acquirers react to a release without polling.
	DiskRecordWatch bool
	// MemRecordWatch enables in-process record change events for mem stores.
	MemRecordWatch bool

	// BundlePath points at the kryptograf PEM bundle holding encryption
	// material. Setting it (or BundlePEM, or the raw material below) enables
	// envelope encryption of lock records and snapshots at rest.
	BundlePath string
	// BundlePEM supplies the bundle content directly, taking precedence over
	// BundlePath.
	BundlePEM []byte
	// RootKey and RecordDescriptor supply raw material, taking precedence
	// over both bundle forms.
	RootKey          keymgmt.RootKey
	RecordDescriptor keymgmt.Descriptor
	// DisableStorageEncryption forces plaintext storage even when material is
	// available.
	DisableStorageEncryption bool

	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string
	// PprofListen exposes debug/pprof endpoints when non-empty.
	PprofListen string
	// OTLPEndpoint enables trace export when non-empty. Accepts
	// grpc://host:port, grpcs://, http:// and https:// targets; a bare
	// host[:port] defaults to gRPC.
	OTLPEndpoint string

	// Logger receives structured logs. Defaults to a no-op logger.
	Logger pslog.Logger
}

// StorageEncryptionEnabled reports whether envelope encryption is active.
func (c Config) StorageEncryptionEnabled() bool {
	if c.DisableStorageEncryption {
		return false
	}
	return c.RootKey != (keymgmt.RootKey{}) || len(c.BundlePEM) > 0 || strings.TrimSpace(c.BundlePath) != ""
}

// DefaultOwnerID derives a process-unique owner identity.
func DefaultOwnerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return "wardend-" + hostname + "-" + xid.New().String()
}

// DefaultConfigDir returns the per-user configuration directory.
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".wardend"), nil
}

// Validate applies defaults and sanity-checks the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if strings.TrimSpace(c.LockKey) == "" {
		c.LockKey = DefaultLockKey
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		c.OwnerID = DefaultOwnerID()
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.RenewInterval <= 0 {
		c.RenewInterval = c.LeaseTTL / 3
	}
	if c.RenewInterval >= c.LeaseTTL {
		return fmt.Errorf("config: renew interval %v must be shorter than lease ttl %v", c.RenewInterval, c.LeaseTTL)
	}
	if c.SkewMargin < 0 {
		return fmt.Errorf("config: skew margin must not be negative")
	}
	if c.SkewMargin == 0 {
		c.SkewMargin = DefaultSkewMargin
	}
	if strings.TrimSpace(c.SyncPrefix) == "" {
		c.SyncPrefix = DefaultSyncPrefix
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ShutdownMargin <= 0 {
		c.ShutdownMargin = DefaultShutdownMargin
	}
	if c.ShutdownMargin >= c.ShutdownGrace {
		return fmt.Errorf("config: shutdown margin %v must be shorter than grace %v", c.ShutdownMargin, c.ShutdownGrace)
	}
	if c.DrainFraction == 0 {
		c.DrainFraction = DefaultDrainFraction
	}
	if c.DrainFraction <= 0 || c.DrainFraction >= 1 {
		return fmt.Errorf("config: drain fraction %v must be in (0, 1)", c.DrainFraction)
	}
	if c.StorageRetryAttempts <= 0 {
		c.StorageRetryAttempts = DefaultStorageRetryAttempts
	}
	if c.StorageRetryBase <= 0 {
		c.StorageRetryBase = DefaultStorageRetryBase
	}
	if c.StorageRetryMax <= 0 {
		c.StorageRetryMax = DefaultStorageRetryMax
	}
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.StorageRetryJitter < 0 || c.StorageRetryJitter > 1 {
		return fmt.Errorf("config: storage retry jitter %v must be in [0, 1]", c.StorageRetryJitter)
	}
	if c.StorageRetryJitter == 0 {
		c.StorageRetryJitter = DefaultStorageRetryJitter
	}
	return nil
}

func (c Config) retryPolicy() backoff.Policy {
	return backoff.Policy{
		Base:       c.StorageRetryBase,
		Max:        c.StorageRetryMax,
		Multiplier: c.StorageRetryMultiplier,
		Jitter:     c.StorageRetryJitter,
	}
}
