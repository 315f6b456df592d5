package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type traceOptions struct {
	Method string
	JSON   bool
}

func newTraceCommand(a *app) *cobra.Command {
	opts := &traceOptions{}
	cmd := &cobra.Command{
		Use:   "trace <leaked.pdf|->",
		Short: "Identify the recipient a document was issued to",
		Long: `Send a document to the daemon, which extracts its watermark with the
server key and looks the session secret up in the issuance ledger.
Exits with code 3 when the document was not issued by this daemon.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := a.readDocument(args[0])
			if err != nil {
				return err
			}
			client, err := a.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			res, err := client.Trace(cmd.Context(), doc, opts.Method)
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(a.out, res)
			}
			fmt.Fprintf(a.out, "Identity:  %s\n", res.Identity)
			fmt.Fprintf(a.out, "Issued:    %s\n", res.IssuedAt.Local().Format(time.RFC3339))
			fmt.Fprintf(a.out, "Issuance:  %s\n", res.IssuanceID)
			fmt.Fprintf(a.out, "Session:   %s\n", res.Session)
			fmt.Fprintf(a.out, "File:      %s\n", res.Filename)
			fmt.Fprintf(a.out, "Source:    %s\n", res.Source)
			fmt.Fprintf(a.out, "Method:    %s\n", res.Method)
			fmt.Fprintf(a.out, "Trace ID:  %s\n", res.TraceID)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Method, "method", "m", "", "Method to extract with (default: the daemon's)")
	flags.BoolVar(&opts.JSON, "json", false, "Print JSON")
	return cmd
}
