package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type statusOptions struct {
	JSON bool
}

func newStatusCommand(a *app) *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status and ledger statistics",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(a.out, st)
			}

			fmt.Fprintln(a.out, "=== watermarkd Status ===")
			fmt.Fprintln(a.out)
			fmt.Fprintf(a.out, "Version:     %s\n", st.Version)
			fmt.Fprintf(a.out, "Uptime:      %s\n", st.Uptime.Round(time.Second))
			fmt.Fprintf(a.out, "Method:      %s (%d registered)\n", st.Method, st.Methods)
			fmt.Fprintf(a.out, "Sessions:    %d pending\n", st.Sessions)
			fmt.Fprintf(a.out, "Clients:     %d\n", st.Clients)
			fmt.Fprintln(a.out)
			fmt.Fprintln(a.out, "Ledger:")
			fmt.Fprintf(a.out, "  Issuances:  %d\n", st.Ledger.Issuances)
			fmt.Fprintf(a.out, "  Identities: %d\n", st.Ledger.Identities)
			fmt.Fprintf(a.out, "  Traces:     %d\n", st.Ledger.Traces)
			if st.Ledger.ChainHash != "" {
				fmt.Fprintf(a.out, "  Chain:      %s\n", st.Ledger.ChainHash)
			}
			if st.Ledger.IntegrityOK {
				fmt.Fprintln(a.out, "  Integrity:  OK")
			} else {
				fmt.Fprintf(a.out, "  Integrity:  FAILED (%s)\n", st.Ledger.Error)
			}
			if st.Health != nil {
				fmt.Fprintln(a.out)
				fmt.Fprintf(a.out, "Health:      %s\n", st.Health.Status)
				for _, c := range st.Health.Components {
					line := fmt.Sprintf("  %-11s %s", c.Name+":", c.Status)
					if c.Message != "" {
						line += " (" + c.Message + ")"
					}
					if c.Error != "" {
						line += ": " + c.Error
					}
					fmt.Fprintln(a.out, line)
				}
			}
			if len(st.Metrics) > 0 {
				fmt.Fprintln(a.out)
				fmt.Fprintln(a.out, "Metrics:")
				names := make([]string, 0, len(st.Metrics))
				for name := range st.Metrics {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintf(a.out, "  %-42s %g\n", strings.TrimPrefix(name, "watermarkd_"), st.Metrics[name])
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Print JSON")
	return cmd
}
