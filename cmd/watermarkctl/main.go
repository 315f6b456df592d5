// watermarkctl is the operator CLI for watermarkd.
//
// Local commands (methods, embed, extract, explore, keygen) work directly on
// files and the configured secret store. The handshake, trace, status and
// metrics commands talk to a running daemon over its Unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"watermarkd/internal/handshake"
	"watermarkd/internal/identity"
	"watermarkd/internal/issuance"
	"watermarkd/internal/security"
	"watermarkd/internal/watermark"
)

// Version is set at build time.
var Version = "dev"

// Exit codes.
const (
	exitOK           = 0
	exitFailure      = 1
	exitInput        = 2
	exitNotFound     = 3
	exitKey          = 4
	exitWatermarking = 5
)

var (
	// errUsage marks command line mistakes.
	errUsage = errors.New("usage")

	// errWatermarking marks method failures that carry no more specific
	// error kind.
	errWatermarking = errors.New("watermarking failed")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(newApp(os.Stdin, os.Stdout, os.Stderr))
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "watermarkctl: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, watermark.ErrInvalidSecret),
		errors.Is(err, watermark.ErrUnknownMethod),
		errors.Is(err, identity.ErrPassphraseRequired):
		return exitInput
	case errors.Is(err, watermark.ErrSecretNotFound),
		errors.Is(err, issuance.ErrNotIssued):
		return exitNotFound
	case errors.Is(err, watermark.ErrInvalidKey),
		errors.Is(err, identity.ErrWrongPassphrase),
		errors.Is(err, handshake.ErrVerificationFailed),
		errors.Is(err, security.ErrLockedOut):
		return exitKey
	case errors.Is(err, watermark.ErrNotApplicable),
		errors.Is(err, errWatermarking):
		return exitWatermarking
	default:
		return exitFailure
	}
}

// methodError tags a method failure for exit code mapping unless it
// already carries a known kind.
func methodError(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		watermark.ErrInvalidSecret,
		watermark.ErrInvalidKey,
		watermark.ErrSecretNotFound,
		watermark.ErrUnknownMethod,
		watermark.ErrNotApplicable,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", errWatermarking, err)
}

func usageErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errUsage, fmt.Sprintf(format, args...))
}
