package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// Memory and randomness
// =============================================================================

func TestWipe(t *testing.T) {
	data := []byte("sensitive data that should be wiped")
	Wipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d was not wiped: got %d, want 0", i, b)
		}
	}

	// Should not panic on empty input.
	Wipe(nil)
	Wipe([]byte{})
}

func TestGuardedExecWipesKey(t *testing.T) {
	key := []byte("0123456789abcdef")
	err := GuardedExec(key, func(k []byte) error {
		if !bytes.Equal(k, []byte("0123456789abcdef")) {
			t.Fatalf("key not passed through: %q", k)
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error from fn")
	}
	if !bytes.Equal(key, make([]byte, 16)) {
		t.Errorf("key not wiped: %x", key)
	}
}

func TestRandomHex(t *testing.T) {
	a, err := RandomHex(32)
	if err != nil {
		t.Fatal(err)
	}
	b, err := RandomHex(32)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 {
		t.Errorf("len = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two random values are equal")
	}
	if err := ValidateHexString(a, 64); err != nil {
		t.Errorf("ValidateHexString: %v", err)
	}
}

func TestDeriveKeys(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)
	keys, err := DeriveKeys(secret, []byte("salt"), []byte("info"), 32, 32)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 {
		t.Fatalf("got %d keys, want 2", len(keys))
	}
	if bytes.Equal(keys[0], keys[1]) {
		t.Error("derived keys are not independent")
	}

	again, err := DeriveKeys(secret, []byte("salt"), []byte("info"), 32, 32)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(keys[0], again[0]) {
		t.Error("derivation is not deterministic")
	}

	other, _ := DeriveKeys(secret, []byte("salt"), []byte("other"), 32)
	if bytes.Equal(keys[0], other[0]) {
		t.Error("info does not separate keys")
	}

	if _, err := DeriveKeys([]byte("short"), nil, nil, 32); !errors.Is(err, ErrWeakKey) {
		t.Errorf("short secret: err = %v, want ErrWeakKey", err)
	}
	if _, err := DeriveKeys(secret, nil, nil, 4); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("small output: err = %v, want ErrInvalidKeySize", err)
	}
}

func TestHashDomainSeparated(t *testing.T) {
	a := HashDomainSeparated("d1", []byte("ab"), []byte("c"))
	b := HashDomainSeparated("d1", []byte("a"), []byte("bc"))
	c := HashDomainSeparated("d2", []byte("ab"), []byte("c"))
	if a == b {
		t.Error("length prefixing does not separate parts")
	}
	if a == c {
		t.Error("domain does not separate hashes")
	}
}

// =============================================================================
// Validation
// =============================================================================

func TestPathValidator(t *testing.T) {
	v := DefaultPathValidator()

	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/tmp/test.txt", false},
		{"../../../etc/passwd", true},
		{"/tmp/../../../etc/passwd", true},
		{"/tmp/%2e%2e/etc", true},
		{"/tmp/test\x00.txt", true},
		{"", true},
	}

	for _, tt := range tests {
		_, err := v.ValidatePath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestPathValidatorWithRoots(t *testing.T) {
	root := t.TempDir()
	v := DefaultPathValidator()
	v.AllowedRoots = []string{root}

	if _, err := v.ValidatePath(filepath.Join(root, "a.secret")); err != nil {
		t.Errorf("path inside root rejected: %v", err)
	}
	if _, err := v.ValidatePath("/etc/passwd"); !errors.Is(err, ErrPathOutsideRoot) {
		t.Errorf("path outside root: err = %v, want ErrPathOutsideRoot", err)
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"alice", false},
		{"Group_17", false},
		{"bob@example.com", false},
		{"", true},
		{"../alice", true},
		{"a/b", true},
		{".hidden", true},
		{"a..b", true},
		{"with space", true},
		{strings.Repeat("x", 200), true},
	}
	for _, tt := range tests {
		err := ValidateName(tt.name)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
	}
}

func TestValidateHexString(t *testing.T) {
	if err := ValidateHexString("00ff", 4); err != nil {
		t.Errorf("valid hex rejected: %v", err)
	}
	if err := ValidateHexString("00fg", 4); err == nil {
		t.Error("invalid hex accepted")
	}
	if err := ValidateHexString("00ff", 6); err == nil {
		t.Error("wrong length accepted")
	}
}

func TestSanitizeLogOutput(t *testing.T) {
	out := SanitizeLogOutput("handshake secret=0123456789abcdef0123 done")
	if strings.Contains(out, "0123456789abcdef0123") {
		t.Errorf("secret not redacted: %s", out)
	}
}

// =============================================================================
// Files
// =============================================================================

func TestWriteSecretFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "record.secret")

	if err := WriteSecretFile(path, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != PermSecretFile {
		t.Errorf("mode = %04o, want %04o", info.Mode().Perm(), PermSecretFile)
	}

	data, err := ReadSecretFile(path, 1024)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("data = %q", data)
	}

	if _, err := ReadSecretFile(path, 3); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("err = %v, want ErrFileTooLarge", err)
	}
}

func TestReadSecretFileRejectsOpenMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open.secret")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSecretFile(path, 0); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("err = %v, want ErrInsecurePermissions", err)
	}
}

func TestAtomicWriterAbort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.pdf")

	w, err := NewAtomicWriter(path, PermPublicFile, PermPublicDir)
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("partial"))
	w.Abort()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("target exists after abort: %v", err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("leftover files: %v", entries)
	}
}

func TestEnsureSecureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "secrets")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := EnsureSecureDir(dir); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(dir)
	if info.Mode().Perm() != PermSecretDir {
		t.Errorf("mode = %04o, want %04o", info.Mode().Perm(), PermSecretDir)
	}
}

func TestLockDir(t *testing.T) {
	dir := t.TempDir()

	l1, err := LockDir(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := LockDir(dir, false)
	if err != nil {
		t.Fatalf("second shared lock: %v", err)
	}
	l1.Unlock()
	l2.Unlock()

	ex, err := LockDir(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := ex.Unlock(); err != nil {
		t.Errorf("unlock: %v", err)
	}
}

// =============================================================================
// Rate limiting
// =============================================================================

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := newRateLimiter(1, 2, func() time.Time { return now })

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("burst not honoured")
	}
	if rl.Allow() {
		t.Fatal("third call allowed without refill")
	}

	now = now.Add(time.Second)
	if !rl.Allow() {
		t.Error("token not refilled after one second")
	}
}

func TestKeyedRateLimiter(t *testing.T) {
	kl := NewKeyedRateLimiter(0.001, 1, time.Minute)

	if !kl.Allow("alice") {
		t.Fatal("first call for alice denied")
	}
	if kl.Allow("alice") {
		t.Error("second call for alice allowed")
	}
	if !kl.Allow("bob") {
		t.Error("bob limited by alice's bucket")
	}
}

func TestFailureLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	fl := NewFailureLimiter(3, time.Minute, 5*time.Minute)
	fl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		fl.RecordFailure("alice")
	}
	if fl.IsLocked("alice") {
		t.Fatal("locked before reaching the threshold")
	}
	fl.RecordFailure("alice")
	if !fl.IsLocked("alice") {
		t.Fatal("not locked after threshold")
	}

	now = now.Add(6 * time.Minute)
	if fl.IsLocked("alice") {
		t.Error("still locked after lock duration")
	}

	fl.RecordFailure("bob")
	fl.RecordSuccess("bob")
	fl.RecordFailure("bob")
	fl.RecordFailure("bob")
	if fl.IsLocked("bob") {
		t.Error("success did not reset the failure count")
	}
}
