package vaultfs

import (
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

// newTestFS creates an in-memory filesystem for a test
func newTestFS(t *testing.T) absfs.FileSystem {
	t.Helper()
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("Failed to create memfs: %v", err)
	}
	return fs
}

// testKeyProvider builds a password provider with test-cost scrypt so
// derivation stays fast
func testKeyProvider(password string) *PasswordKeyProvider {
	return NewPasswordKeyProvider([]byte(password), NewScryptKDF(ScryptTest), nil)
}

// newTestLoader wires a loader over fs with test-cost key derivation
func newTestLoader(fs absfs.FileSystem, stateRoot, password string, overrides Overrides) *ConfigLoader {
	return NewConfigLoader(fs, testKeyProvider(password), NewLocalStateDir(fs, stateRoot), overrides, nil)
}

// testConfig builds a valid descriptor for codec and envelope tests
func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := newConfig(DefaultCipher, DefaultBlockSizeBytes, nil)
	if err != nil {
		t.Fatalf("newConfig failed: %v", err)
	}
	cfg.RootBlobID = "rootblob-0"
	return cfg
}

func strptr(s string) *string { return &s }
func u32ptr(v uint32) *uint32 { return &v }
func boolptr(v bool) *bool    { return &v }

// mustReadFile reads a whole file or fails the test
func mustReadFile(t *testing.T, fs absfs.FileSystem, path string) []byte {
	t.Helper()
	data, err := readFile(fs, path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return data
}
