package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"pkt.systems/warden"
	"pkt.systems/warden/internal/storage"
)

// statusReport is the YAML shape printed by `wardend status`.
type statusReport struct {
	Key        string `yaml:"key"`
	Held       bool   `yaml:"held"`
	Owner      string `yaml:"owner,omitempty"`
	Generation int64  `yaml:"generation,omitempty"`
	Hostname   string `yaml:"hostname,omitempty"`
	PID        int    `yaml:"pid,omitempty"`
	AcquiredAt string `yaml:"acquired_at,omitempty"`
	RenewedAt  string `yaml:"renewed_at,omitempty"`
	ExpiresAt  string `yaml:"expires_at,omitempty"`
	Expires    string `yaml:"expires,omitempty"`
	Expired    bool   `yaml:"expired"`
}

func newStatusCommand(baseLogger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the current lock record without competing for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger, cfg, err := setup(baseLogger)
			if err != nil {
				return err
			}
			backend, err := warden.OpenBackend(cfg, logger)
			if err != nil {
				return err
			}
			defer backend.Close()

			report := statusReport{Key: cfg.LockKey}
			res, err := backend.LoadRecord(cmd.Context(), cfg.LockKey)
			switch {
			case errors.Is(err, storage.ErrNotFound):
			case err != nil:
				return fmt.Errorf("load lock record: %w", err)
			default:
				rec := res.Record
				report.Held = true
				report.Owner = rec.OwnerID
				report.Generation = rec.Generation
				report.Hostname = rec.Hostname
				report.PID = rec.PID
				report.AcquiredAt = time.Unix(rec.AcquiredAtUnix, 0).UTC().Format(time.RFC3339)
				if rec.RenewedAtUnix > 0 {
					report.RenewedAt = time.Unix(rec.RenewedAtUnix, 0).UTC().Format(time.RFC3339)
				}
				report.ExpiresAt = rec.ExpiresAt().UTC().Format(time.RFC3339)
				report.Expires = humanize.Time(rec.ExpiresAt())
				report.Expired = rec.Expired(time.Now())
			}

			out, err := yaml.Marshal(report)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
