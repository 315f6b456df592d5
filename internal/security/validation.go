package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Validation errors
var (
	ErrPathTraversal   = errors.New("security: path traversal detected")
	ErrInvalidPath     = errors.New("security: invalid path")
	ErrPathOutsideRoot = errors.New("security: path outside allowed root")
	ErrInvalidInput    = errors.New("security: invalid input")
	ErrInputTooLong    = errors.New("security: input exceeds maximum length")
	ErrNullByte        = errors.New("security: null byte in input")
)

// PathValidator provides secure path validation.
type PathValidator struct {
	// AllowedRoots are the directories that paths must be within
	AllowedRoots []string

	// AllowSymlinks controls whether symbolic links are followed
	AllowSymlinks bool

	// MaxPathLength is the maximum allowed path length
	MaxPathLength int
}

// DefaultPathValidator returns a PathValidator with sensible defaults.
func DefaultPathValidator() *PathValidator {
	return &PathValidator{
		MaxPathLength: 4096,
	}
}

// ValidatePath checks if a path is safe to use.
// It returns the cleaned, absolute path if valid.
func (v *PathValidator) ValidatePath(path string) (string, error) {
	if path == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(path, "\x00") {
		return "", ErrNullByte
	}
	if v.MaxPathLength > 0 && len(path) > v.MaxPathLength {
		return "", fmt.Errorf("%w: length %d exceeds maximum %d", ErrInputTooLong, len(path), v.MaxPathLength)
	}
	if containsTraversal(path) {
		return "", ErrPathTraversal
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if len(v.AllowedRoots) > 0 && !v.withinRoots(absPath) {
		return "", ErrPathOutsideRoot
	}

	if !v.AllowSymlinks {
		realPath, err := filepath.EvalSymlinks(absPath)
		switch {
		case err == nil:
			absPath = realPath
		case os.IsNotExist(err):
			// The file may not exist yet; resolve its parent instead.
			parent := filepath.Dir(absPath)
			if realParent, err := filepath.EvalSymlinks(parent); err == nil && realParent != parent {
				absPath = filepath.Join(realParent, filepath.Base(absPath))
			}
		default:
			return "", fmt.Errorf("%w: symlink evaluation failed: %v", ErrInvalidPath, err)
		}
	}

	return absPath, nil
}

func (v *PathValidator) withinRoots(absPath string) bool {
	for _, root := range v.AllowedRoots {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if absPath == absRoot || strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func containsTraversal(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	if strings.Contains(strings.ToLower(path), "%2e%2e") {
		return true
	}
	return strings.Contains(path, "..\\") || strings.Contains(path, "\\..")
}

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@+-]{0,127}$`)

// ValidateName checks that name can be used as a single path component,
// e.g. an identity name mapped to "<dir>/<name>.pub".
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidInput)
	}
	if strings.Contains(name, "\x00") {
		return ErrNullByte
	}
	if strings.Contains(name, "..") || !namePattern.MatchString(name) {
		return fmt.Errorf("%w: name %q is not allowed", ErrInvalidInput, name)
	}
	return nil
}

// ValidateHexString validates that s is hexadecimal of the expected length.
// An expectedLen of zero only checks the alphabet.
func ValidateHexString(s string, expectedLen int) error {
	if expectedLen > 0 && len(s) != expectedLen {
		return fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidInput, expectedLen, len(s))
	}
	if s == "" {
		return fmt.Errorf("%w: empty hex string", ErrInvalidInput)
	}
	for i, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return fmt.Errorf("%w: invalid hex character at position %d", ErrInvalidInput, i)
		}
	}
	return nil
}

var sensitivePatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(secret|passphrase|password|key|token)[\s:=]+["']?[\w\-./+=@]{8,}["']?`), "$1=[REDACTED]"},
	{regexp.MustCompile(`(?s)-----BEGIN[\w\s]+PRIVATE KEY-----.*?-----END[\w\s]+PRIVATE KEY-----`), "[PRIVATE KEY REDACTED]"},
}

// SanitizeLogOutput masks values that look like secrets or keys.
func SanitizeLogOutput(input string) string {
	result := input
	for _, sp := range sensitivePatterns {
		result = sp.pattern.ReplaceAllString(result, sp.replacement)
	}
	return result
}
