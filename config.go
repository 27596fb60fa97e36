package vaultfs

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

const (
	// DefaultCipher is the suite chosen for new filesystems unless overridden
	DefaultCipher = "xchacha20-poly1305"

	// DefaultBlockSizeBytes is the block granularity for new filesystems (16 KiB)
	DefaultBlockSizeBytes = uint32(16 * 1024)
)

// recognizedBlockSizes are the block granularities a descriptor may declare
var recognizedBlockSizes = []uint32{
	4 * 1024, 8 * 1024, 16 * 1024, 32 * 1024, 64 * 1024,
	128 * 1024, 256 * 1024, 512 * 1024, 1024 * 1024,
}

// FilesystemID is the immutable 128-bit identity of a filesystem,
// assigned at creation
type FilesystemID [16]byte

// NewFilesystemID generates a fresh random filesystem id
func NewFilesystemID() FilesystemID {
	return FilesystemID(uuid.New())
}

// ParseFilesystemID parses the canonical string form of a filesystem id
func ParseFilesystemID(s string) (FilesystemID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return FilesystemID{}, fmt.Errorf("invalid filesystem id %q: %w", s, err)
	}
	return FilesystemID(id), nil
}

// String returns the canonical string form of the filesystem id
func (id FilesystemID) String() string {
	return uuid.UUID(id).String()
}

// Config is the cleartext descriptor payload of a filesystem. It is
// persisted only inside the authenticated-encrypted descriptor envelope.
type Config struct {
	// FormatVersion is the storage format version, distinct from the
	// version of the release that created the filesystem
	FormatVersion string

	// CreatorVersion is the release that created the filesystem
	CreatorVersion string

	// LastOpenedVersion is rewritten on every successful open
	LastOpenedVersion string

	// Cipher is the symbolic name of the block cipher suite
	Cipher string

	// EncryptionKey is the hex-encoded inner key used by the block layer
	EncryptionKey string

	// BlockSizeBytes is the block granularity
	BlockSizeBytes uint32

	// RootBlobID identifies the root directory blob; empty until the
	// block layer creates it
	RootBlobID string

	// FilesystemID is the immutable filesystem identity
	FilesystemID FilesystemID

	// ExclusiveClientID pins the filesystem to one client when set.
	// Present if and only if missing blocks are integrity violations.
	ExclusiveClientID *uint32
}

// Clone returns a deep copy of the config
func (c *Config) Clone() *Config {
	clone := *c
	if c.ExclusiveClientID != nil {
		id := *c.ExclusiveClientID
		clone.ExclusiveClientID = &id
	}
	return &clone
}

// EncryptionKeyBytes decodes the inner key to raw bytes
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key encoding: %w", err)
	}
	return key, nil
}

// SetEncryptionKey stores raw inner key bytes hex-encoded
func (c *Config) SetEncryptionKey(key []byte) {
	c.EncryptionKey = hex.EncodeToString(key)
}

// Validate checks the invariants that hold without consulting local state
func (c *Config) Validate() error {
	if !validVersion(c.FormatVersion) {
		return fmt.Errorf("invalid format version %q", c.FormatVersion)
	}
	suite, err := LookupCipher(c.Cipher)
	if err != nil {
		return err
	}
	key, err := c.EncryptionKeyBytes()
	if err != nil {
		return err
	}
	defer wipe(key)
	if len(key) != suite.KeySize {
		return fmt.Errorf("%w: %s requires a %d-byte key, descriptor holds %d bytes",
			ErrInvalidKeySize, suite.Name, suite.KeySize, len(key))
	}
	if !recognizedBlockSize(c.BlockSizeBytes) {
		return fmt.Errorf("unrecognized block size %d", c.BlockSizeBytes)
	}
	return nil
}

func recognizedBlockSize(size uint32) bool {
	for _, s := range recognizedBlockSizes {
		if s == size {
			return true
		}
	}
	return false
}

// newConfig assembles the descriptor for a freshly created filesystem.
// The inner key is sampled at the cipher's key size.
func newConfig(cipherName string, blockSizeBytes uint32, exclusiveClientID *uint32) (*Config, error) {
	suite, err := LookupCipher(cipherName)
	if err != nil {
		return nil, err
	}
	if !recognizedBlockSize(blockSizeBytes) {
		return nil, fmt.Errorf("unrecognized block size %d", blockSizeBytes)
	}
	key, err := randomBytes(suite.KeySize)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	cfg := &Config{
		FormatVersion:     FormatVersion,
		CreatorVersion:    ReleaseVersion,
		LastOpenedVersion: ReleaseVersion,
		Cipher:            suite.Name,
		BlockSizeBytes:    blockSizeBytes,
		FilesystemID:      NewFilesystemID(),
		ExclusiveClientID: exclusiveClientID,
	}
	cfg.SetEncryptionKey(key)
	return cfg, nil
}
