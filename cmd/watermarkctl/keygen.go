package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"watermarkd/internal/config"
	"watermarkd/internal/identity"
	"watermarkd/internal/logging"
	"watermarkd/internal/security"
)

// watermarkKeyBytes is the entropy of a generated watermark key.
const watermarkKeyBytes = 32

type keygenOptions struct {
	Output         string
	Force          bool
	Passphrase     string
	PassphraseFile string
	AskPassphrase  bool
	Enroll         bool
}

func newKeygenCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate server, identity and watermark keys",
		Args:  noArgs,
	}
	cmd.AddCommand(
		newKeygenServerCommand(a),
		newKeygenIdentityCommand(a),
		newKeygenWatermarkCommand(a),
	)
	return cmd
}

func newKeygenServerCommand(a *app) *cobra.Command {
	opts := &keygenOptions{}
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Generate the daemon's long-term Ed25519 key pair",
		Long: `Generate the daemon's long-term Ed25519 key pair. The private key is written
to server.key_path from the config (or --output) with mode 0600 and the public
key next to it with a .pub suffix. Clients need the public key to run the
handshake.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			path := opts.Output
			if path == "" {
				path = cfg.Server.KeyPath
			}
			pub, err := a.writeKeyPair(cmd.Context(), cfg, path, "watermarkd server", opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "server key written to %s\n", path)
			fmt.Fprintf(a.out, "fingerprint %s\n", identity.Fingerprint(pub))
			return nil
		},
	}
	addKeyPairFlags(cmd, opts)
	return cmd
}

func newKeygenIdentityCommand(a *app) *cobra.Command {
	opts := &keygenOptions{}
	cmd := &cobra.Command{
		Use:   "identity <name>",
		Short: "Generate a recipient key pair",
		Long: `Generate an Ed25519 key pair for a recipient identity. The private key is
written to ./<name> (or --output) and the public key next to it with a .pub
suffix. With --enroll the public key is also added to the daemon's identity
directory, paths.identities in the config.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := security.ValidateName(name); err != nil {
				return usageErrorf("identity name: %v", err)
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			path := opts.Output
			if path == "" {
				path = name
			}
			pub, err := a.writeKeyPair(cmd.Context(), cfg, path, name, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "identity %s key written to %s\n", name, path)
			fmt.Fprintf(a.out, "fingerprint %s\n", identity.Fingerprint(pub))

			if opts.Enroll {
				dir, err := identity.OpenDirectory(cfg.Paths.Identities)
				if err != nil {
					return err
				}
				if err := dir.Enroll(name, pub, opts.Force); err != nil {
					if errors.Is(err, identity.ErrIdentityExists) {
						return usageErrorf("%v (use --force to replace it)", err)
					}
					return err
				}
				fmt.Fprintf(a.out, "enrolled %s in %s\n", name, dir.Root())
			}
			return nil
		},
	}
	addKeyPairFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.Enroll, "enroll", false, "Add the public key to the daemon's identity directory")
	return cmd
}

func newKeygenWatermarkCommand(a *app) *cobra.Command {
	opts := &keygenOptions{}
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Generate a random watermark key",
		Long: `Generate a random watermark key and write it to watermark.key_file from the
config (or --output) with mode 0600. Changing the key makes documents issued
under the old key untraceable.`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			path := opts.Output
			if path == "" {
				path = cfg.Watermark.KeyFile
			}
			if err := refuseOverwrite(path, opts.Force); err != nil {
				return err
			}
			key, err := security.RandomHex(watermarkKeyBytes)
			if err != nil {
				return err
			}
			if err := security.WriteSecretFile(path, []byte(key+"\n")); err != nil {
				return err
			}
			id := security.HashDomainSeparated("watermarkd/key-id", []byte(key))
			a.auditKey(cmd.Context(), cfg, "watermark", security.ShortHex(id[:], 8))
			fmt.Fprintf(a.out, "watermark key written to %s\n", path)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "", "Key file (default: watermark.key_file from the config)")
	flags.BoolVar(&opts.Force, "force", false, "Overwrite an existing key")
	return cmd
}

func addKeyPairFlags(cmd *cobra.Command, opts *keygenOptions) {
	flags := cmd.Flags()
	flags.StringVarP(&opts.Output, "output", "o", "", "Private key file; the public key gets a .pub suffix")
	flags.BoolVar(&opts.Force, "force", false, "Overwrite existing key files")
	flags.StringVar(&opts.Passphrase, "passphrase", "", `Encrypt the private key with this passphrase, or "-" for stdin`)
	flags.StringVar(&opts.PassphraseFile, "passphrase-file", "", "Read the passphrase from a file")
	flags.BoolVar(&opts.AskPassphrase, "ask-passphrase", false, "Prompt for a passphrase")
}

// passphrase returns the optional passphrase selected by opts; nil means
// the key is stored unencrypted.
func (a *app) passphrase(opts *keygenOptions) ([]byte, error) {
	if opts.Passphrase == "" && opts.PassphraseFile == "" {
		if !opts.AskPassphrase {
			return nil, nil
		}
		if a.readPassword == nil {
			return nil, usageErrorf("--ask-passphrase needs a terminal")
		}
		first, err := a.readPassword("Enter passphrase: ")
		if err != nil {
			return nil, err
		}
		second, err := a.readPassword("Repeat passphrase: ")
		if err != nil {
			return nil, err
		}
		if string(first) != string(second) {
			return nil, usageErrorf("passphrases do not match")
		}
		return first, nil
	}
	p, err := a.resolve(valueSource{name: "passphrase", value: opts.Passphrase, file: opts.PassphraseFile})
	if err != nil {
		return nil, err
	}
	if p == "" {
		return nil, usageErrorf("empty passphrase")
	}
	return []byte(p), nil
}

func (a *app) writeKeyPair(ctx context.Context, cfg *config.Config, path, comment string, opts *keygenOptions) (ed25519.PublicKey, error) {
	pubPath := path + ".pub"
	for _, p := range []string{path, pubPath} {
		if err := refuseOverwrite(p, opts.Force); err != nil {
			return nil, err
		}
	}
	passphrase, err := a.passphrase(opts)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(passphrase)

	pub, priv, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer security.Wipe(priv)

	privPEM, err := identity.MarshalPrivateKey(priv, comment, passphrase)
	if err != nil {
		return nil, err
	}
	pubLine, err := identity.MarshalPublicKey(pub, comment)
	if err != nil {
		return nil, err
	}
	if err := security.WriteSecretFile(path, privPEM); err != nil {
		return nil, err
	}
	if err := security.WriteFileAtomic(pubPath, pubLine, security.PermPublicFile); err != nil {
		return nil, err
	}
	a.auditKey(ctx, cfg, comment, identity.Fingerprint(pub))
	return pub, nil
}

func refuseOverwrite(path string, force bool) error {
	if force {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return usageErrorf("%s already exists (use --force to overwrite)", path)
	}
	return nil
}

// auditKey appends a key generation event to the daemon's audit log when
// one is configured. Failures only produce a warning.
func (a *app) auditKey(ctx context.Context, cfg *config.Config, subject, fingerprint string) {
	if cfg.Logging.AuditPath == "" {
		return
	}
	audit, err := logging.NewAuditLogger(cfg.Logging.AuditPath, int64(cfg.Logging.MaxSizeMB), cfg.Logging.MaxBackups)
	if err != nil {
		fmt.Fprintf(a.errOut, "warning: audit log unavailable: %v\n", err)
		return
	}
	defer audit.Close()
	if err := audit.LogKeyGenerated(ctx, subject, fingerprint); err != nil {
		fmt.Fprintf(a.errOut, "warning: audit log: %v\n", err)
	}
}
