package main

import (
	"github.com/spf13/cobra"

	"watermarkd/internal/explorer"
)

type exploreOptions struct {
	Compact bool
	Daemon  bool
}

func newExploreCommand(a *app) *cobra.Command {
	opts := &exploreOptions{}
	cmd := &cobra.Command{
		Use:   "explore <input.pdf|->",
		Short: "Print the object tree of a PDF as JSON",
		Long: `Print a JSON tree with one node per page and per indirect object of a PDF.
Inputs the PDF parser rejects are scanned for object markers instead, so the
command succeeds on damaged or non-PDF data.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := a.readDocument(args[0])
			if err != nil {
				return err
			}

			var root *explorer.Node
			if opts.Daemon {
				client, err := a.dial()
				if err != nil {
					return err
				}
				defer client.Close()
				resp, err := client.Explore(cmd.Context(), doc)
				if err != nil {
					return err
				}
				root = resp.Root
			} else {
				root = explorer.Explore(doc)
			}
			return explorer.WriteJSON(a.out, root, !opts.Compact)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.Compact, "compact", false, "Print the tree on one line")
	flags.BoolVar(&opts.Daemon, "daemon", false, "Explore in the running daemon")
	return cmd
}
