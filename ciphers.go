package vaultfs

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherSuite describes a block cipher suite by its symbolic name. The
// descriptor stores the name; the key size gates the inner key length and
// the constructor builds the AEAD used by the block layer.
type CipherSuite struct {
	Name    string // Symbolic name as stored in the descriptor
	KeySize int    // Required key size in bytes
	newAEAD func(key []byte) (cipher.AEAD, error)
}

// NewAEAD instantiates the suite's AEAD with the given key
func (c *CipherSuite) NewAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != c.KeySize {
		return nil, fmt.Errorf("%w: %s requires a %d-byte key, got %d bytes",
			ErrInvalidKeySize, c.Name, c.KeySize, len(key))
	}
	return c.newAEAD(key)
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

var cipherSuites = []CipherSuite{
	{Name: "xchacha20-poly1305", KeySize: chacha20poly1305.KeySize, newAEAD: chacha20poly1305.NewX},
	{Name: "chacha20-poly1305", KeySize: chacha20poly1305.KeySize, newAEAD: chacha20poly1305.New},
	{Name: "aes-256-gcm", KeySize: 32, newAEAD: newAESGCM},
	{Name: "aes-128-gcm", KeySize: 16, newAEAD: newAESGCM},
}

// LookupCipher resolves a suite by its symbolic name
func LookupCipher(name string) (*CipherSuite, error) {
	for i := range cipherSuites {
		if cipherSuites[i].Name == name {
			return &cipherSuites[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, name)
}

// SupportedCiphers returns the symbolic names of all known suites
func SupportedCiphers() []string {
	names := make([]string, len(cipherSuites))
	for i := range cipherSuites {
		names[i] = cipherSuites[i].Name
	}
	return names
}
