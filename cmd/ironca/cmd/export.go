package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/export"
)

// exportPasswordEnv supplies passwords without putting them on the command
// line.
const exportPasswordEnv = "IRONCA_EXPORT_PASSWORD"

func newExportCmd(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a certificate or CA as PEM, DER, PKCS#12 or a chain",
	}
	cmd.PersistentFlags().StringVar(&out, "out", "", "Write to this file instead of stdout")

	run := func(fn func(ctx context.Context, e *export.Exporter, id string) (*export.Artifact, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				art, err := fn(cmd.Context(), app.exporter, args[0])
				if err != nil {
					return err
				}
				return writeArtifact(cmd, out, art)
			})
		}
	}

	var (
		pemType     string
		keyPassword string
	)
	pemCmd := &cobra.Command{
		Use:   "pem <id>",
		Short: "Export the certificate, the private key, or both as PEM",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, e *export.Exporter, id string) (*export.Artifact, error) {
			kind, err := export.ParsePEMKind(pemType)
			if err != nil {
				return nil, err
			}
			if keyPassword == "" {
				keyPassword = os.Getenv(exportPasswordEnv)
			}
			return e.PEM(ctx, id, export.PEMOptions{Kind: kind, KeyPassword: keyPassword})
		}),
	}
	pemCmd.Flags().StringVar(&pemType, "type", "both", "What to export: cert, key or both")
	pemCmd.Flags().StringVar(&keyPassword, "key-password", "", "Encrypt the key as PKCS#8 (or set "+exportPasswordEnv+")")

	derCmd := &cobra.Command{
		Use:   "der <id>",
		Short: "Export the certificate as DER",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, e *export.Exporter, id string) (*export.Artifact, error) {
			return e.DER(ctx, id)
		}),
	}

	var p12Password string
	p12Cmd := &cobra.Command{
		Use:   "p12 <id>",
		Short: "Export a PKCS#12 bundle with the key and chain",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, e *export.Exporter, id string) (*export.Artifact, error) {
			if p12Password == "" {
				p12Password = os.Getenv(exportPasswordEnv)
			}
			return e.PKCS12(ctx, id, p12Password)
		}),
	}
	p12Cmd.Flags().StringVar(&p12Password, "password", "", "Bundle password (or set "+exportPasswordEnv+")")

	chainCmd := &cobra.Command{
		Use:   "chain <id>",
		Short: "Export the certificate followed by its issuing CAs as PEM",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(ctx context.Context, e *export.Exporter, id string) (*export.Artifact, error) {
			return e.Chain(ctx, id)
		}),
	}

	cmd.AddCommand(pemCmd, derCmd, p12Cmd, chainCmd)
	return cmd
}

// writeArtifact writes art to path, or to the command's output when path is
// empty. Files holding a private key are created owner-readable only.
func writeArtifact(cmd *cobra.Command, path string, art *export.Artifact) error {
	if path == "" {
		_, err := cmd.OutOrStdout().Write(art.Data)
		return err
	}
	perm := os.FileMode(0o644)
	if art.IncludesKey {
		perm = 0o600
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := f.Write(art.Data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%d bytes)\n", path, len(art.Data))
	return nil
}
