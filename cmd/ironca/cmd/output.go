package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/jmcleod/ironca/pki"
	"github.com/jmcleod/ironca/records"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// printCA prints one CA, as JSON or as labelled lines.
func printCA(w io.Writer, format string, ca *records.CertificateAuthority) error {
	if format == "json" {
		return printJSON(w, ca)
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "ID:\t%s\n", ca.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", ca.Name)
	fmt.Fprintf(tw, "Type:\t%s\n", ca.Type)
	if ca.ParentID != "" {
		fmt.Fprintf(tw, "Parent:\t%s\n", ca.ParentID)
	}
	fmt.Fprintf(tw, "Subject:\t%s\n", pki.SubjectString(ca.Subject.Name()))
	fmt.Fprintf(tw, "Key algorithm:\t%s\n", ca.KeyAlgorithm)
	fmt.Fprintf(tw, "Serial:\t%s\n", ca.SerialNumber)
	fmt.Fprintf(tw, "Valid:\t%s to %s\n", ca.NotBefore.Format(timeLayout), ca.NotAfter.Format(timeLayout))
	fmt.Fprintf(tw, "Status:\t%s\n", ca.Status)
	return tw.Flush()
}

func printCAs(w io.Writer, format string, cas []*records.CertificateAuthority) error {
	if format == "json" {
		return printJSON(w, cas)
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tALGORITHM\tNOT AFTER\tSTATUS")
	for _, ca := range cas {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			ca.ID, ca.Name, ca.Type, ca.KeyAlgorithm, ca.NotAfter.Format(timeLayout), ca.Status)
	}
	return tw.Flush()
}

func printCertificate(w io.Writer, format string, c *records.Certificate) error {
	if format == "json" {
		return printJSON(w, c)
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "ID:\t%s\n", c.ID)
	fmt.Fprintf(tw, "CA:\t%s\n", c.CAID)
	fmt.Fprintf(tw, "Type:\t%s\n", c.Type)
	fmt.Fprintf(tw, "Subject:\t%s\n", pki.SubjectString(c.Subject.Name()))
	if len(c.SANDNS) > 0 {
		fmt.Fprintf(tw, "DNS names:\t%s\n", strings.Join(c.SANDNS, ", "))
	}
	if len(c.SANIPs) > 0 {
		fmt.Fprintf(tw, "IP addresses:\t%s\n", strings.Join(c.SANIPs, ", "))
	}
	fmt.Fprintf(tw, "Key algorithm:\t%s\n", c.KeyAlgorithm)
	fmt.Fprintf(tw, "Serial:\t%s\n", c.SerialNumber)
	fmt.Fprintf(tw, "Valid:\t%s to %s\n", c.NotBefore.Format(timeLayout), c.NotAfter.Format(timeLayout))
	fmt.Fprintf(tw, "Status:\t%s\n", c.Status)
	return tw.Flush()
}

func printCertificates(w io.Writer, format string, certs []*records.Certificate) error {
	if format == "json" {
		return printJSON(w, certs)
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tCOMMON NAME\tTYPE\tCA\tNOT AFTER\tSTATUS")
	for _, c := range certs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Subject.CommonName, c.Type, c.CAID, c.NotAfter.Format(timeLayout), c.Status)
	}
	return tw.Flush()
}

const timeLayout = "2006-01-02 15:04 MST"
