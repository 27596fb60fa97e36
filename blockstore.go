package vaultfs

import (
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/absfs/absfs"
)

// BlockID addresses one ciphertext block in the basedir. Ids are lowercase
// hex and at least four characters so the two-character fan-out directory
// always exists.
type BlockID string

// NewBlockID generates a random 128-bit block id
func NewBlockID() (BlockID, error) {
	raw, err := randomBytes(16)
	if err != nil {
		return "", err
	}
	return BlockID(hex.EncodeToString(raw)), nil
}

// BlockStore persists fixed-size authenticated ciphertext blocks as
// independent files under the basedir. Every block is sealed with the
// filesystem's inner key and bound to its id, so a block moved to another
// id or another filesystem fails authentication.
type BlockStore struct {
	fs        absfs.FileSystem
	dir       string
	aead      cipher.AEAD
	blockSize uint32
}

// OpenBlockStore instantiates the block layer from a successful load. The
// descriptor supplies cipher and block size; the result supplies the
// inner key.
func OpenBlockStore(fs absfs.FileSystem, basedir string, result *ConfigLoadResult) (*BlockStore, error) {
	config := result.ConfigFile.Config()
	suite, err := LookupCipher(config.Cipher)
	if err != nil {
		return nil, err
	}
	aead, err := suite.NewAEAD(result.InnerKey())
	if err != nil {
		return nil, err
	}
	return &BlockStore{
		fs:        fs,
		dir:       filepath.Join(basedir, "blocks"),
		aead:      aead,
		blockSize: config.BlockSizeBytes,
	}, nil
}

// BlockSize returns the block granularity in plaintext bytes
func (s *BlockStore) BlockSize() uint32 {
	return s.blockSize
}

func (s *BlockStore) blockPath(id BlockID) (string, error) {
	if len(id) < 4 {
		return "", fmt.Errorf("block id %q too short", id)
	}
	return filepath.Join(s.dir, string(id[:2]), string(id[2:])), nil
}

// Store seals a plaintext block and writes it atomically. The plaintext
// must not exceed the block size; only the final block of a blob may be
// shorter.
func (s *BlockStore) Store(id BlockID, plaintext []byte) error {
	if uint32(len(plaintext)) > s.blockSize {
		return fmt.Errorf("%w: %d > %d", ErrBlockTooLarge, len(plaintext), s.blockSize)
	}
	path, err := s.blockPath(id)
	if err != nil {
		return err
	}
	nonce, err := randomBytes(s.aead.NonceSize())
	if err != nil {
		return err
	}
	sealed := s.aead.Seal(nonce, nonce, plaintext, []byte(id))
	return atomicWriteFile(s.fs, path, sealed, 0600)
}

// Load reads and authenticates a block. Tampered, truncated or relocated
// block files fail with an IntegrityViolation error.
func (s *BlockStore) Load(id BlockID) ([]byte, error) {
	path, err := s.blockPath(id)
	if err != nil {
		return nil, err
	}
	data, err := readFile(s.fs, path)
	if err != nil {
		return nil, err
	}
	if len(data) < s.aead.NonceSize()+s.aead.Overhead() {
		return nil, NewLoadError(CodeIntegrityViolation,
			fmt.Sprintf("block %s is truncated", id))
	}
	nonce, ciphertext := data[:s.aead.NonceSize()], data[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(id))
	if err != nil {
		return nil, WrapLoadError(CodeIntegrityViolation,
			fmt.Sprintf("block %s failed authentication", id), err)
	}
	return plaintext, nil
}

// Exists reports whether a block file is present
func (s *BlockStore) Exists(id BlockID) (bool, error) {
	path, err := s.blockPath(id)
	if err != nil {
		return false, err
	}
	return fileExists(s.fs, path), nil
}

// Remove deletes a block file
func (s *BlockStore) Remove(id BlockID) error {
	path, err := s.blockPath(id)
	if err != nil {
		return err
	}
	return s.fs.Remove(path)
}
