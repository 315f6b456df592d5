package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"watermarkd/internal/config"
	"watermarkd/internal/ipc"
	"watermarkd/internal/secretstore"
	"watermarkd/internal/security"
	"watermarkd/internal/watermark"
)

// app carries the global flags and I/O streams shared by all commands.
type app struct {
	configPath string
	socketPath string

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// readPassword prompts on the controlling terminal without echo. It
	// is nil when standard input is not a terminal.
	readPassword func(prompt string) ([]byte, error)
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	a := &app{in: in, out: out, errOut: errOut}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		a.readPassword = func(prompt string) ([]byte, error) {
			fmt.Fprint(errOut, prompt)
			defer fmt.Fprintln(errOut)
			return term.ReadPassword(fd)
		}
	}
	return a
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "watermarkctl",
		Short: "Operate the watermarkd PDF watermarking service",
		Long: `watermarkctl embeds and extracts watermarks locally and talks to a running
watermarkd daemon to issue and trace documents.

Secrets, keys and passphrases are taken, in order, from the flag value, from
the matching --*-file flag, from standard input when the value is "-", and
finally from an interactive prompt.

Exit codes: 0 success; 2 input error; 3 secret not found; 4 invalid key or
failed verification; 5 watermarking error; 1 anything else.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "",
		"Path to the watermarkd config file (default: platform config dir)")
	flags.StringVar(&a.socketPath, "socket", "",
		"Daemon socket path. Overrides ipc.socket_path from the config.")

	root.AddCommand(
		newMethodsCommand(a),
		newEmbedCommand(a),
		newExtractCommand(a),
		newExploreCommand(a),
		newKeygenCommand(a),
		newHandshakeCommand(a),
		newTraceCommand(a),
		newStatusCommand(a),
		newMetricsCommand(a),
	)
	return root
}

// args validators that report usage errors.

func exactArgs(n int) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return usageErrorf("accepts %d argument(s), received %d", n, len(args))
		}
		return nil
	}
}

func noArgs(_ *cobra.Command, args []string) error {
	if len(args) > 0 {
		return usageErrorf("unexpected argument %q", args[0])
	}
	return nil
}

// loadConfig reads the config file without validating it: the CLI only
// needs paths, and a daemon-side problem should not block local commands.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// registry builds the methods the daemon would register from cfg,
// backed by the configured secret store.
func (a *app) registry(cfg *config.Config) (*watermark.Registry, error) {
	if err := security.EnsureSecureDir(cfg.Paths.Secrets); err != nil {
		return nil, fmt.Errorf("secret store: %w", err)
	}
	secrets, err := secretstore.Open(cfg.Paths.Secrets)
	if err != nil {
		return nil, err
	}
	catalog := watermark.NewCatalog(secrets)
	registry, err := catalog.NewDefaultRegistry()
	if err != nil {
		return nil, err
	}
	for _, spec := range cfg.Watermark.MethodSpecs() {
		if _, err := catalog.Load(registry, spec, false); err != nil {
			return nil, fmt.Errorf("register method %q: %w", spec.Name, err)
		}
	}
	return registry, nil
}

// dial connects to the daemon named by --socket or the config.
func (a *app) dial() (*ipc.Client, error) {
	path := a.socketPath
	if path == "" {
		cfg, err := a.loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.IPC.SocketPath
	}
	client, err := ipc.Dial(ipc.DefaultClientConfig(path))
	if err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return nil, fmt.Errorf("%w (socket %s)", err, path)
		}
		return nil, err
	}
	return client, nil
}
