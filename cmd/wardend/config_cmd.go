package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/warden"
	"pkt.systems/warden/internal/svcfields"
)

const configScaffold = `# wardend configuration. Every key can also be set as a flag (--store) or an
# environment variable (WARDEN_STORE).

# Storage backend shared by all instances.
#store: s3://localhost:9000/warden?insecure=1
store: mem://

# Lock record key. Instances sharing it are mutually exclusive.
lock-key: warden

# Lease timing. The renew interval defaults to a third of the TTL; the skew
# margin must exceed the worst-case clock disagreement in the fleet.
lease-ttl: 30s
#renew-interval: 10s
skew-margin: 2s

# Local working directory mirrored to the store. Empty disables state sync.
#local-dir: /var/lib/myapp
sync-prefix: state
sync-interval: 60s

# Shutdown budget. Stay inside the platform's termination grace period.
shutdown-grace: 30s
shutdown-margin: 2s
drain-fraction: 0.5

# At-rest encryption via a kryptograf PEM bundle (shared by all instances).
#bundle: ~/.wardend/bundle.pem

# Observability.
#metrics-listen: 127.0.0.1:9464
#pprof-listen: 127.0.0.1:6060
#otlp-endpoint: grpc://localhost:4317
`

func newConfigCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented configuration scaffold",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			path := output
			if path == "" {
				dir, err := warden.DefaultConfigDir()
				if err != nil {
					return err
				}
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("create config dir: %w", err)
				}
				path = filepath.Join(dir, warden.DefaultConfigFileName)
			}
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("config file %q already exists (use --force to overwrite)", path)
				}
			}
			if err := os.WriteFile(path, []byte(configScaffold), 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			svcfields.WithSubsystem(baseLogger, "cli.config").Info("wrote config scaffold", "path", path)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "", "target path (defaults to $HOME/.wardend/"+warden.DefaultConfigFileName+")")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}
