package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"watermarkd/internal/watermark"
)

type embedOptions struct {
	Method     string
	Secret     string
	SecretFile string
	Key        string
	KeyFile    string
	Output     string
	Position   string
}

func newEmbedCommand(a *app) *cobra.Command {
	opts := &embedOptions{}
	cmd := &cobra.Command{
		Use:   "embed <input.pdf|->",
		Short: "Embed a secret into a PDF",
		Long: `Embed a secret into a copy of a PDF document with a watermarking method.

Usage examples:

1. Commit an email address with the default method:

	watermarkctl embed report.pdf -s alice@example.com -k "$KEY" -o out.pdf

2. Read the key from a file and the document from standard input:

	cat report.pdf | watermarkctl embed - -m hash-eof -s tag-42 --key-file wm.key > out.pdf
`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secretSrc := valueSource{name: "secret", value: opts.Secret, file: opts.SecretFile}
			keySrc := valueSource{name: "key", value: opts.Key, file: opts.KeyFile}
			readers := stdinUsers(secretSrc, keySrc)
			if args[0] == stdinName {
				readers++
			}
			if readers > 1 {
				return usageErrorf("only one of the document, secret and key can come from stdin")
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
			if !method.IsApplicable(doc) {
				return fmt.Errorf("%s: %w", method.Name(), watermark.ErrNotApplicable)
			}
			secret, err := a.resolve(secretSrc)
			if err != nil {
				return err
			}
			key, err := a.resolve(keySrc)
			if err != nil {
				return err
			}

			out, err := method.Embed(doc, secret, key, watermark.EmbedOptions{Position: opts.Position})
			if err != nil {
				return methodError(err)
			}
			if err := a.writeDocument(opts.Output, out); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			if opts.Output != "" && opts.Output != stdinName {
				fmt.Fprintf(a.errOut, "embedded with %s into %s\n", method.Name(), opts.Output)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.Method, "method", "m", "", "Watermarking method (default: watermark.method from the config)")
	flags.StringVarP(&opts.Secret, "secret", "s", "", `Secret to embed, or "-" for stdin`)
	flags.StringVar(&opts.SecretFile, "secret-file", "", "Read the secret from a file")
	flags.StringVarP(&opts.Key, "key", "k", "", `Watermark key, or "-" for stdin`)
	flags.StringVar(&opts.KeyFile, "key-file", "", "Read the watermark key from a file")
	flags.StringVarP(&opts.Output, "output", "o", "", "Output file (default: stdout)")
	flags.StringVar(&opts.Position, "position", "", "Placement hint for methods that support one")
	return cmd
}
