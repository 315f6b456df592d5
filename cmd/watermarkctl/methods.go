package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"watermarkd/internal/watermark"
)

type methodsOptions struct {
	Daemon bool
	JSON   bool
}

func newMethodsCommand(a *app) *cobra.Command {
	opts := &methodsOptions{}
	cmd := &cobra.Command{
		Use:   "methods",
		Short: "List the available watermarking methods",
		Long: `List the watermarking methods built into this binary and declared in the
config file. With --daemon, list the methods registered in the running daemon
and mark the one it issues with.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				active  string
				methods []watermark.MethodInfo
			)
			if opts.Daemon {
				client, err := a.dial()
				if err != nil {
					return err
				}
				defer client.Close()
				resp, err := client.ListMethods(cmd.Context())
				if err != nil {
					return err
				}
				active, methods = resp.Active, resp.Methods
			} else {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				registry, err := a.registry(cfg)
				if err != nil {
					return err
				}
				active, methods = cfg.Watermark.Method, registry.Describe()
			}

			if opts.JSON {
				return writeJSON(a.out, map[string]any{"active": active, "methods": methods})
			}
			for _, m := range methods {
				marker := " "
				if m.Name == active {
					marker = "*"
				}
				fmt.Fprintf(a.out, "%s %s\n", marker, m.Name)
				fmt.Fprintf(a.out, "    %s\n", wrap(m.Usage, 72, "    "))
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.Daemon, "daemon", false, "Ask the running daemon instead of building the local registry")
	flags.BoolVar(&opts.JSON, "json", false, "Print JSON")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// wrap breaks s into lines of at most width characters, prefixing
// continuation lines with indent.
func wrap(s string, width int, indent string) string {
	var (
		b    strings.Builder
		line int
	)
	for i, word := range strings.Fields(s) {
		if i > 0 {
			if line+1+len(word) > width {
				b.WriteString("\n" + indent)
				line = 0
			} else {
				b.WriteByte(' ')
				line++
			}
		}
		b.WriteString(word)
		line += len(word)
	}
	return b.String()
}
