package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/authority"
	"github.com/jmcleod/ironca/records"
)

// subjectFlags are the distinguished name flags shared by every create
// command.
type subjectFlags struct {
	commonName   string
	organization string
	country      string
}

func (s *subjectFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.commonName, "cn", "", "Subject common name (required)")
	cmd.Flags().StringVar(&s.organization, "org", "", "Subject organization")
	cmd.Flags().StringVar(&s.country, "country", "", "Subject two-letter country code")
	_ = cmd.MarkFlagRequired("cn")
}

func (s *subjectFlags) subject() records.Subject {
	return records.Subject{CommonName: s.commonName, Organization: s.organization, Country: s.country}
}

func newCACmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ca",
		Short: "Manage certificate authorities",
	}
	cmd.AddCommand(
		newCACreateRootCmd(opts),
		newCACreateIntermediateCmd(opts),
		newCAListCmd(opts),
		newCAGetCmd(opts),
		newCAChainCmd(opts),
		newCADeleteCmd(opts),
	)
	return cmd
}

func newCACreateRootCmd(opts *rootOptions) *cobra.Command {
	var (
		subject      subjectFlags
		name         string
		keyAlgorithm string
		validityDays int
	)
	cmd := &cobra.Command{
		Use:   "create-root",
		Short: "Create a self-signed root CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				ca, err := app.authorities.CreateRoot(cmd.Context(), authority.CreateRootRequest{
					Name:         name,
					Subject:      subject.subject(),
					KeyAlgorithm: keyAlgorithm,
					ValidityDays: validityDays,
				})
				if err != nil {
					return err
				}
				return printCA(cmd.OutOrStdout(), opts.output, ca)
			})
		},
	}
	subject.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "Display name (required)")
	cmd.Flags().StringVar(&keyAlgorithm, "key-algorithm", "", "RSA-2048, RSA-4096, EC-P256, EC-P384 or EC-P521 (default from config)")
	cmd.Flags().IntVar(&validityDays, "validity-days", 0, "Validity in days (default from config)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newCACreateIntermediateCmd(opts *rootOptions) *cobra.Command {
	var (
		subject      subjectFlags
		name         string
		parentID     string
		keyAlgorithm string
		validityDays int
	)
	cmd := &cobra.Command{
		Use:   "create-intermediate",
		Short: "Create an intermediate CA signed by a parent CA",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				ca, err := app.authorities.CreateIntermediate(cmd.Context(), authority.CreateIntermediateRequest{
					Name:         name,
					ParentID:     parentID,
					Subject:      subject.subject(),
					KeyAlgorithm: keyAlgorithm,
					ValidityDays: validityDays,
				})
				if err != nil {
					return err
				}
				return printCA(cmd.OutOrStdout(), opts.output, ca)
			})
		},
	}
	subject.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "Display name (required)")
	cmd.Flags().StringVar(&parentID, "parent", "", "Parent CA ID (required)")
	cmd.Flags().StringVar(&keyAlgorithm, "key-algorithm", "", "Key algorithm (default: the parent's)")
	cmd.Flags().IntVar(&validityDays, "validity-days", 0, "Validity in days (default from config)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("parent")
	return cmd
}

func newCAListCmd(opts *rootOptions) *cobra.Command {
	var typ, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certificate authorities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			caType, err := records.ParseCAType(typ)
			if err != nil {
				return err
			}
			st, err := records.ParseStatus(status)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				cas, err := app.authorities.List(cmd.Context(), records.CAFilter{Type: caType, Status: st})
				if err != nil {
					return err
				}
				return printCAs(cmd.OutOrStdout(), opts.output, cas)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Filter by type: root or intermediate")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: active or revoked")
	return cmd
}

func newCAGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <ca-id>",
		Short: "Show a certificate authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				ca, err := app.authorities.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printCA(cmd.OutOrStdout(), opts.output, ca)
			})
		},
	}
}

func newCAChainCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chain <ca-id>",
		Short: "Show the chain from a CA up to its root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				chain, err := app.authorities.Chain(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printCAs(cmd.OutOrStdout(), opts.output, chain)
			})
		},
	}
}

func newCADeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <ca-id>",
		Short: "Delete a CA that has no child CAs or certificates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, cmd.ErrOrStderr(), func(app *app) error {
				if err := app.authorities.Delete(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted CA %s\n", args[0])
				return nil
			})
		},
	}
}
