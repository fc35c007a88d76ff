package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/autoirida/internal/config"
	"github.com/mattjoyce/autoirida/internal/doctor"
	"github.com/mattjoyce/autoirida/internal/irida"
	"github.com/mattjoyce/autoirida/internal/log"
	"github.com/mattjoyce/autoirida/internal/parser"
)

// errChecksFailed is returned after the report has been printed.
var errChecksFailed = errors.New("preflight checks failed")

func newDoctorCommand(opts *cliOptions) *cobra.Command {
	var (
		asJSON  bool
		offline bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, paths and IRIDA credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			var auth doctor.Authenticator
			if !offline {
				timeout := min(cfg.HTTPTimeout(), 30*time.Second)
				client, err := irida.New(irida.Config{
					BaseURL:      cfg.IridaBaseURL,
					Username:     cfg.IridaUsername,
					Password:     cfg.IridaPassword,
					ClientID:     cfg.IridaClientID,
					ClientSecret: cfg.IridaClientSecret,
					HTTPTimeout:  timeout,
				}, irida.WithLogger(log.Discard()))
				if err != nil {
					return fmt.Errorf("%w: %w", config.ErrConfig, err)
				}
				auth = client
			}

			result := doctor.New(cfg, parser.DefaultRegistry(), auth).Validate(cmd.Context())
			out := cmd.OutOrStdout()
			if asJSON {
				js, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, js)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}
			if !result.Valid {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output JSON")
	cmd.Flags().BoolVar(&offline, "offline", false, "Skip the IRIDA login check")
	return cmd
}
