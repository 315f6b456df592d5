package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type extractOptions struct {
	Method  string
	Key     string
	KeyFile string
	Record  bool
}

// recordExtractor is implemented by methods whose secret lives in an
// authenticated side record.
type recordExtractor interface {
	ExtractRecord(doc []byte, key string) (string, error)
}

func newExtractCommand(a *app) *cobra.Command {
	opts := &extractOptions{}
	cmd := &cobra.Command{
		Use:   "extract <input.pdf|->",
		Short: "Recover the secret embedded in a PDF",
		Long: `Recover and authenticate the secret embedded in a PDF document.

The email-in-producer method needs the secret store the document was
embedded with; it is read from paths.secrets in the config. With --record
the full authenticated record is printed instead of the secret alone.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keySrc := valueSource{name: "key", value: opts.Key, file: opts.KeyFile}
			if args[0] == stdinName && stdinUsers(keySrc) > 0 {
				return usageErrorf("the document and the key cannot both come from stdin")
			}

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			registry, err := a.registry(cfg)
			if err != nil {
				return err
			}
			if opts.Method == "" {
				opts.Method = cfg.Watermark.Method
			}
			method, err := registry.Resolve(opts.Method)
			if err != nil {
				return err
			}

			doc, err := a.readDocument(args[0])
			if err != nil {
				return err
			}
			key, err := a.resolve(keySrc)
			if err != nil {
				return err
			}

			var secret string
			if opts.Record {
				rx, ok := method.(recordExtractor)
				if !ok {
					return usageErrorf("method %s keeps no side record", method.Name())
				}
				secret, err = rx.ExtractRecord(doc, key)
			} else {
				secret, err = method.Extract(doc, key)
			}
			if err != nil {
				return methodError(err)
			}
			fmt.Fprintln(a.out, secret)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Method, "method", "m", "", "Watermarking method (default: watermark.method from the config)")
	flags.StringVarP(&opts.Key, "key", "k", "", `Watermark key, or "-" for stdin`)
	flags.StringVar(&opts.KeyFile, "key-file", "", "Read the watermark key from a file")
	flags.BoolVar(&opts.Record, "record", false, "Print the authenticated side record")
	return cmd
}
