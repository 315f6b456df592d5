package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"watermarkd/internal/handshake"
	"watermarkd/internal/identity"
	"watermarkd/internal/security"
)

type handshakeOptions struct {
	Identity       string
	Key            string
	Passphrase     string
	PassphraseFile string
	ServerPub      string
	Output         string
	ShowSecret     bool
	JSON           bool
}

func newHandshakeCommand(a *app) *cobra.Command {
	opts := &handshakeOptions{}
	cmd := &cobra.Command{
		Use:   "handshake",
		Short: "Authenticate to the daemon and receive a watermarked document",
		Long: `Run the two-message handshake against the daemon as an enrolled identity.
On success the daemon issues a document watermarked with a fresh session
secret; it is written to --output (default: the issued file name in the
current directory).

Usage examples:

	watermarkctl handshake --identity alice --key ./alice --server-pub server_key.pub
`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Identity == "" {
				return usageErrorf("--identity is required")
			}
			keyPath := opts.Key
			if keyPath == "" {
				keyPath = opts.Identity
			}
			serverPubPath := opts.ServerPub
			if serverPubPath == "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				serverPubPath = cfg.Server.KeyPath + ".pub"
			}

			priv, err := a.loadIdentityKey(keyPath, opts)
			if err != nil {
				return err
			}
			defer security.Wipe(priv)
			serverPub, err := identity.LoadPublicKey(serverPubPath)
			if err != nil {
				return fmt.Errorf("load server public key: %w", err)
			}

			hc, err := handshake.NewClient(opts.Identity, priv, serverPub)
			if err != nil {
				return err
			}
			client, err := a.dial()
			if err != nil {
				return err
			}
			defer client.Close()

			ctx := cmd.Context()
			hello, err := hc.Hello()
			if err != nil {
				return err
			}
			cont, err := client.HandshakeInitiate(ctx, hello)
			if err != nil {
				return fmt.Errorf("initiate: %w", err)
			}
			finish, err := hc.Respond(cont)
			if err != nil {
				return fmt.Errorf("verify server: %w", err)
			}
			res, err := client.HandshakeFinalize(ctx, finish)
			if err != nil {
				return fmt.Errorf("finalize: %w", err)
			}
			if res.Session != hc.Session() {
				return fmt.Errorf("daemon answered for session %s: %w", res.Session, handshake.ErrSessionState)
			}
			secret, err := hc.OpenSecret(res.Sealed)
			if err != nil {
				return fmt.Errorf("open session secret: %w", err)
			}

			out := opts.Output
			if out == "" {
				out = filepath.Base(res.Filename)
			}
			if err := a.writeDocument(out, res.Document); err != nil {
				return fmt.Errorf("write document: %w", err)
			}

			// Keep stdout clean when the document goes there.
			info := a.out
			if out == stdinName {
				info = a.errOut
			}
			if opts.JSON {
				v := map[string]any{
					"issuance_id": res.IssuanceID,
					"session":     res.Session,
					"identity":    res.Identity,
					"method":      res.Method,
					"source":      res.Source,
					"output":      out,
				}
				if opts.ShowSecret {
					v["secret"] = secret
				}
				return writeJSON(info, v)
			}
			fmt.Fprintf(info, "issued %s to %s with %s (session %s)\n", res.IssuanceID, res.Identity, res.Method, res.Session)
			if out != stdinName {
				fmt.Fprintf(info, "document written to %s\n", out)
			}
			if opts.ShowSecret {
				fmt.Fprintf(info, "session secret %s\n", secret)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Identity, "identity", "", "Enrolled identity name")
	flags.StringVar(&opts.Key, "key", "", "Identity private key file (default: ./<identity>)")
	flags.StringVar(&opts.Passphrase, "passphrase", "", `Key passphrase, or "-" for stdin`)
	flags.StringVar(&opts.PassphraseFile, "passphrase-file", "", "Read the key passphrase from a file")
	flags.StringVar(&opts.ServerPub, "server-pub", "", "Server public key (default: server.key_path from the config plus .pub)")
	flags.StringVarP(&opts.Output, "output", "o", "", `Output file, or "-" for stdout`)
	flags.BoolVar(&opts.ShowSecret, "show-secret", false, "Print the session secret")
	flags.BoolVar(&opts.JSON, "json", false, "Print the result as JSON")
	return cmd
}

// loadIdentityKey loads an identity key, asking for the passphrase only
// when the key turns out to be encrypted.
func (a *app) loadIdentityKey(path string, opts *handshakeOptions) (ed25519.PrivateKey, error) {
	var passphrase []byte
	if opts.Passphrase != "" || opts.PassphraseFile != "" {
		p, err := a.resolve(valueSource{name: "passphrase", value: opts.Passphrase, file: opts.PassphraseFile})
		if err != nil {
			return nil, err
		}
		passphrase = []byte(p)
	}
	priv, err := identity.LoadPrivateKey(path, passphrase)
	if errors.Is(err, identity.ErrPassphraseRequired) && a.readPassword != nil {
		p, perr := a.resolve(valueSource{name: "passphrase for " + path})
		if perr != nil {
			return nil, perr
		}
		passphrase = []byte(p)
		priv, err = identity.LoadPrivateKey(path, passphrase)
	}
	security.Wipe(passphrase)
	if err != nil {
		return nil, fmt.Errorf("load identity key: %w", err)
	}
	return priv, nil
}
