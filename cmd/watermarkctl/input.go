package main

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"watermarkd/internal/security"
)

const (
	maxDocumentSize = 256 << 20
	maxSecretSize   = 64 << 10
)

// stdinName selects standard input wherever a file name or value is
// accepted.
const stdinName = "-"

// readDocument reads a PDF from path, or from standard input for "-".
func (a *app) readDocument(path string) ([]byte, error) {
	if path == stdinName {
		return readLimited(a.in, maxDocumentSize)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxDocumentSize {
		return nil, usageErrorf("%s: document larger than %d bytes", path, maxDocumentSize)
	}
	return os.ReadFile(path)
}

// writeDocument writes data to path atomically, or to standard output for
// "-" or an empty path.
func (a *app) writeDocument(path string, data []byte) error {
	if path == "" || path == stdinName {
		_, err := a.out.Write(data)
		return err
	}
	return security.WriteFileAtomic(path, data, security.PermPublicFile)
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, usageErrorf("input larger than %d bytes", max)
	}
	return data, nil
}

// valueSource names where a secret, key or passphrase may come from.
type valueSource struct {
	// name is used in prompts and errors.
	name  string
	value string
	file  string
}

// resolve returns the value from the flag, the file, standard input or
// an interactive prompt, in that order. Values read from files and
// standard input lose their trailing line break.
func (a *app) resolve(src valueSource) (string, error) {
	switch {
	case src.value != "" && src.value != stdinName:
		return src.value, nil
	case src.file != "" && src.file != stdinName:
		data, err := os.ReadFile(src.file)
		if err != nil {
			return "", fmt.Errorf("read %s file: %w", src.name, err)
		}
		if int64(len(data)) > maxSecretSize {
			return "", usageErrorf("%s file larger than %d bytes", src.name, maxSecretSize)
		}
		return trimLine(data), nil
	case src.value == stdinName || src.file == stdinName:
		data, err := readLimited(a.in, maxSecretSize)
		if err != nil {
			return "", fmt.Errorf("read %s from stdin: %w", src.name, err)
		}
		return trimLine(data), nil
	case a.readPassword != nil:
		data, err := a.readPassword(fmt.Sprintf("Enter %s: ", src.name))
		if err != nil {
			return "", fmt.Errorf("read %s: %w", src.name, err)
		}
		return string(data), nil
	default:
		return "", usageErrorf("no %s given", src.name)
	}
}

// stdinUsers counts sources that would read standard input; only one
// may.
func stdinUsers(srcs ...valueSource) int {
	n := 0
	for _, s := range srcs {
		if s.value == stdinName || (s.value == "" && s.file == stdinName) {
			n++
		}
	}
	return n
}

func trimLine(data []byte) string {
	return string(bytes.TrimRight(data, "\r\n"))
}
