package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/issuance"
	"github.com/jmcleod/ironca/records"
)

func newCertCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Issue and manage end-entity certificates",
	}
	cmd.AddCommand(
		newCertIssueCmd(opts, records.CertTypeServer),
		newCertIssueCmd(opts, records.CertTypeClient),
		newCertListCmd(opts),
		newCertGetCmd(opts),
		newCertRevokeCmd(opts),
		newCertDeleteCmd(opts),
	)
	return cmd
}

func newCertIssueCmd(opts *rootOptions, typ records.CertType) *cobra.Command {
	var (
		subject      subjectFlags
		caID         string
		keyAlgorithm string
		validityDays int
		dnsNames     []string
		ipAddresses  []string
	)
	cmd := &cobra.Command{
		Use:   "issue-" + string(typ),
		Short: fmt.Sprintf("Issue a %s certificate", typ),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				issue := app.certs.CreateClient
				if typ == records.CertTypeServer {
					issue = app.certs.CreateServer
				}
				cert, err := issue(cmd.Context(), issuance.IssueRequest{
					CAID:         caID,
					Subject:      subject.subject(),
					KeyAlgorithm: keyAlgorithm,
					ValidityDays: validityDays,
					SANDNS:       dnsNames,
					SANIPs:       ipAddresses,
				})
				if err != nil {
					return err
				}
				return printCertificate(cmd.OutOrStdout(), opts.output, cert)
			})
		},
	}
	subject.register(cmd)
	cmd.Flags().StringVar(&caID, "ca", "", "Issuing CA ID (required)")
	cmd.Flags().StringVar(&keyAlgorithm, "key-algorithm", "", "Key algorithm (default: the issuing CA's)")
	cmd.Flags().IntVar(&validityDays, "validity-days", 0, "Validity in days (default from config)")
	if typ == records.CertTypeServer {
		cmd.Flags().StringSliceVar(&dnsNames, "dns", nil, "DNS subject alternative names (default: the common name)")
		cmd.Flags().StringSliceVar(&ipAddresses, "ip", nil, "IP subject alternative names")
	}
	_ = cmd.MarkFlagRequired("ca")
	return cmd
}

func newCertListCmd(opts *rootOptions) *cobra.Command {
	var caID, typ, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certificates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			certType, err := records.ParseCertType(typ)
			if err != nil {
				return err
			}
			st, err := records.ParseStatus(status)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				certs, err := app.certs.List(cmd.Context(), records.CertificateFilter{CAID: caID, Type: certType, Status: st})
				if err != nil {
					return err
				}
				return printCertificates(cmd.OutOrStdout(), opts.output, certs)
			})
		},
	}
	cmd.Flags().StringVar(&caID, "ca", "", "Filter by issuing CA ID")
	cmd.Flags().StringVar(&typ, "type", "", "Filter by type: server or client")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: active or revoked")
	return cmd
}

func newCertGetCmd(opts *rootOptions) *cobra.Command {
	return certByIDCmd(opts, "get", "Show a certificate", (*issuance.Service).Get)
}

func newCertRevokeCmd(opts *rootOptions) *cobra.Command {
	return certByIDCmd(opts, "revoke", "Mark a certificate as revoked", (*issuance.Service).Revoke)
}

func certByIDCmd(opts *rootOptions, use, short string, op func(*issuance.Service, context.Context, string) (*records.Certificate, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <cert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				cert, err := op(app.certs, cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printCertificate(cmd.OutOrStdout(), opts.output, cert)
			})
		},
	}
}

func newCertDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <cert-id>",
		Short: "Delete a certificate and its key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				if err := app.certs.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted certificate %s\n", args[0])
				return nil
			})
		},
	}
}
