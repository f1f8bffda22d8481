package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/warden"
)

func freshRootCommand(t *testing.T) {
	t.Helper()
	viper.Reset()
	newRootCommand(pslog.NoopLogger())
}

func TestBindConfigDefaults(t *testing.T) {
	freshRootCommand(t)
	var cfg warden.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.Store != warden.DefaultStore {
		t.Fatalf("store = %q, want %q", cfg.Store, warden.DefaultStore)
	}
	if cfg.LockKey != warden.DefaultLockKey {
		t.Fatalf("lock key = %q", cfg.LockKey)
	}
	if cfg.LeaseTTL != warden.DefaultLeaseTTL {
		t.Fatalf("lease ttl = %v", cfg.LeaseTTL)
	}
	if cfg.RenewInterval != warden.DefaultLeaseTTL/3 {
		t.Fatalf("renew interval = %v", cfg.RenewInterval)
	}
	if !strings.HasPrefix(cfg.OwnerID, "wardend-") {
		t.Fatalf("owner id = %q", cfg.OwnerID)
	}
}

func TestBindConfigEnvOverride(t *testing.T) {
	t.Setenv("WARDEN_STORE", "disk:///var/lib/wardend")
	t.Setenv("WARDEN_LEASE_TTL", "45s")
	freshRootCommand(t)
	var cfg warden.Config
	if err := bindConfig(&cfg); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if cfg.Store != "disk:///var/lib/wardend" {
		t.Fatalf("store = %q", cfg.Store)
	}
	if cfg.LeaseTTL != 45*time.Second {
		t.Fatalf("lease ttl = %v", cfg.LeaseTTL)
	}
}

func TestLifecycleFlagsRegistered(t *testing.T) {
	viper.Reset()
	cmd := newRootCommand(pslog.NoopLogger())
	var names []string
	cmd.Flags().VisitAll(func(f *pflag.Flag) { names = append(names, f.Name) })
	for _, want := range []string{
		"lease-ttl", "renew-interval", "skew-margin",
		"local-dir", "sync-interval",
		"shutdown-grace", "shutdown-margin", "drain-fraction",
		"storage-retry-attempts", "metrics-listen", "otlp-endpoint",
	} {
		if !slices.Contains(names, want) {
			t.Fatalf("flag --%s is not registered", want)
		}
	}
}

func TestConfigInitWritesScaffold(t *testing.T) {
	viper.Reset()
	target := filepath.Join(t.TempDir(), "wardend.yaml")
	cmd := newRootCommand(pslog.NoopLogger())
	cmd.SetArgs([]string{"config", "init", "-o", target})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("config init: %v", err)
	}

	raw, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read scaffold: %v", err)
	}
	var parsed map[string]any
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		t.Fatalf("scaffold is not valid yaml: %v", err)
	}
	if parsed["store"] != "mem://" {
		t.Fatalf("scaffold store = %v", parsed["store"])
	}

	// A second init without --force must refuse to clobber the file.
	cmd = newRootCommand(pslog.NoopLogger())
	cmd.SetArgs([]string{"config", "init", "-o", target})
	if err := cmd.Execute(); err == nil {
		t.Fatal("overwrite without --force must fail")
	}
}

func TestVersionCommand(t *testing.T) {
	viper.Reset()
	cmd := newRootCommand(pslog.NoopLogger())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "warden") {
		t.Fatalf("version output = %q", out.String())
	}
}

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"clean run", nil, 0},
		{"signal during acquire", context.Canceled, 0},
		{"wrapped cancellation", fmt.Errorf("warden: acquire: %w", context.Canceled), 0},
		{"child exit code", exitCodeErr{code: 3}, 3},
		{"real failure", errors.New("store unreachable"), 1},
	}
	for _, tc := range cases {
		if got := exitCode(tc.err); got != tc.want {
			t.Fatalf("%s: exitCode = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestSupervisorPropagatesExitCode(t *testing.T) {
	sup := newSupervisor([]string{"/bin/sh", "-c", "exit 3"}, pslog.NoopLogger())
	if err := sup.start(1, "owner"); err != nil {
		t.Fatalf("start: %v", err)
	}
	code, ran := sup.wait()
	if !ran || code != 3 {
		t.Fatalf("wait = (%d, %v), want (3, true)", code, ran)
	}
}

func TestSupervisorExportsFencingEnv(t *testing.T) {
	sup := newSupervisor([]string{"/bin/sh", "-c", `test "$WARDEN_GENERATION" = 7 && test "$WARDEN_OWNER_ID" = me`}, pslog.NoopLogger())
	if err := sup.start(7, "me"); err != nil {
		t.Fatalf("start: %v", err)
	}
	code, ran := sup.wait()
	if !ran || code != 0 {
		t.Fatalf("wait = (%d, %v), want (0, true)", code, ran)
	}
}

func TestSupervisorWaitWithoutStart(t *testing.T) {
	sup := newSupervisor([]string{"/bin/true"}, pslog.NoopLogger())
	if _, ran := sup.wait(); ran {
		t.Fatal("wait must report that no child ran")
	}
}
