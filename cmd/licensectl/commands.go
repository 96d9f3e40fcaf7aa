package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"wslicense/internal/exporter"
	"wslicense/internal/license"
	"wslicense/internal/security"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runKeysCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Signing key operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "rotate",
		Short: "Generate a new active signing key; older keys keep verifying",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, closeFn, err := g.openService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			kp, err := svc.RotateKeys(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("Rotated signing key: %s (%s, %d bits)\n", kp.Kid, kp.Algorithm, kp.KeySize)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print the verification keys as JWKs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, _, closeFn, err := g.openService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			return printJSON(cmd.OutOrStdout(), map[string]any{"keys": svc.PublicKeys()})
		},
	})

	return cmd
}

func runIssueCommand(g *globalFlags) *cobra.Command {
	var (
		req   license.IssueRequest
		local bool
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a license token for a workshop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.WorkshopCode == "" {
				return errors.New("--workshop is required")
			}
			if req.HardwareFingerprint == "" && !local {
				return errors.New("--fingerprint is required")
			}
			if req.HardwareFingerprint != "" && local {
				return errors.New("--fingerprint and --local are mutually exclusive")
			}

			svc, _, closeFn, err := g.openService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			if local {
				fp, err := svc.Fingerprint(cmd.Context())
				if err != nil {
					return err
				}
				req.HardwareFingerprint = fp.String()
			}

			issued, err := svc.Issue(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), issued)
		},
	}

	cmd.Flags().StringVar(&req.WorkshopCode, "workshop", "", "Workshop code")
	cmd.Flags().StringVar(&req.HardwareFingerprint, "fingerprint", "", "Hardware fingerprint of the workshop machine")
	cmd.Flags().BoolVar(&local, "local", false, "Bind the token to this machine")
	cmd.Flags().StringVar(&req.BusinessName, "business", "", "Business name")
	cmd.Flags().StringVar(&req.BusinessNameAr, "business-ar", "", "Business name in Arabic")
	cmd.Flags().StringVar(&req.OwnerName, "owner", "", "Owner name")
	cmd.Flags().StringVar(&req.OwnerNameAr, "owner-ar", "", "Owner name in Arabic")
	return cmd
}

func runValidateCommand(g *globalFlags) *cobra.Command {
	var token, fingerprint string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a token against this store's keys and revocations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" || fingerprint == "" {
				return errors.New("--token and --fingerprint are required")
			}

			svc, _, closeFn, err := g.openService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			res := svc.Validate(cmd.Context(), token, fingerprint)
			if !res.Valid {
				cmd.Printf("invalid: %s\n", license.KindOf(res.Err))
				return res.Err
			}
			cmd.Printf("valid: workshop=%s jti=%s expires=%s\n",
				res.Claims.WorkshopCode, res.Claims.ID, res.Claims.ExpiresAt.Time.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "License token")
	cmd.Flags().StringVar(&fingerprint, "fingerprint", "", "Hardware fingerprint presented with the token")
	return cmd
}

func runRevokeCommand(g *globalFlags) *cobra.Command {
	var req license.RevokeRequest

	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a token by jti",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.JTI == "" {
				return errors.New("--jti is required")
			}
			if req.Reason == "" {
				return errors.New("--reason is required")
			}

			svc, _, closeFn, err := g.openService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			rec, err := svc.Revoke(cmd.Context(), req)
			if err != nil {
				return err
			}
			cmd.Printf("Revoked %s (workshop %s) at %s\n", rec.JTI, rec.WorkshopCode, rec.RevokedAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&req.JTI, "jti", "", "Token id to revoke")
	cmd.Flags().StringVar(&req.Reason, "reason", "", "Revocation reason")
	cmd.Flags().StringVar(&req.ReasonAr, "reason-ar", "", "Revocation reason in Arabic")
	cmd.Flags().StringVar(&req.RevokedBy, "by", "", "Operator performing the revocation")
	cmd.Flags().StringVar(&req.WorkshopCode, "workshop", "", "Workshop code, when the jti was issued elsewhere")
	return cmd
}

func runStatusCommand(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status [workshop]",
		Short: "Show the offline grace status of one or all workshops",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, closeFn, err := g.openService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			var statuses []license.Status
			if len(args) == 1 {
				s, err := svc.GetStatus(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				statuses = []license.Status{s}
			} else {
				statuses = svc.Statuses()
			}

			if asJSON {
				return printJSON(cmd.OutOrStdout(), statuses)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "WORKSHOP\tSTATE\tOFFLINE\tREMAINING\tFAILURES\tLAST VALIDATION")
			for _, s := range statuses {
				fmt.Fprintf(tw, "%s\t%s\t%.1fh\t%.1fh\t%d\t%s\n",
					s.WorkshopCode, s.State, s.HoursOffline, s.HoursRemaining,
					s.ConsecutiveFailures, s.LastSuccessfulValidation.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func runFingerprintCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this machine's hardware fingerprint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			binder := license.NewHardwareBinder(security.DefaultSources(cfg.License.Issuer), license.SystemClock(), g.logger(cmd))
			fp, err := binder.GenerateFingerprint(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Println(fp.String())
			return nil
		},
	}
}

func runExportRevocationsCommand(g *globalFlags) *cobra.Command {
	var format, output string

	cmd := &cobra.Command{
		Use:   "export-revocations",
		Short: "Export revoked tokens as CSV or XLSX",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "csv" && format != "xlsx" {
				return fmt.Errorf("--format must be csv or xlsx, got %q", format)
			}
			if format == "xlsx" && output == "" {
				return errors.New("--output is required for xlsx")
			}

			svc, cfg, closeFn, err := g.openService(cmd)
			if err != nil {
				return err
			}
			defer closeFn()
			records := svc.Revocations()

			switch {
			case format == "csv" && output == "":
				return exporter.WriteRevocationsCSV(cmd.OutOrStdout(), records)
			case format == "csv":
				w := exporter.NewCSVWriter(cfg.Paths.DataDir, g.logger(cmd))
				if err := w.WriteCSV(output, exporter.RevocationOptions(records)); err != nil {
					return err
				}
			default:
				if !filepath.IsAbs(output) {
					output = filepath.Join(cfg.Paths.DataDir, output)
				}
				if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
					return err
				}
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				if err := exporter.WriteRevocationsXLSX(f, records); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
			}

			cmd.PrintErrf("Exported %d revocations to %s\n", len(records), output)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "csv", "Export format: csv or xlsx")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file, relative to the data dir; csv defaults to stdout")
	return cmd
}
