package vaultfs

import (
	"fmt"
)

// KeyProvider is the source of the outer key that encrypts the descriptor
// envelope. The envelope layer knows nothing about credentials; it asks a
// provider for a key of the ciphersuite-declared size.
type KeyProvider interface {
	// DeriveKeyForExisting produces the key for an existing filesystem
	// from the KDF parameter block stored in the envelope header
	DeriveKeyForExisting(keySize int, kdfParams []byte) ([]byte, error)

	// DeriveKeyForNew produces a key and a fresh KDF parameter block for
	// a filesystem being created
	DeriveKeyForNew(keySize int) (key []byte, kdfParams []byte, err error)

	// Close wipes the provider's credential material
	Close()
}

// KeySink receives derived key bytes, e.g. so a front end can cache a
// password-hash token and skip KDF work on later operations. The slice is
// owned by the provider; the sink must copy.
type KeySink func(key []byte)

// DirectKeyProvider wraps a pre-derived raw key. It can only open existing
// filesystems; asking it to create one is a programmer error.
type DirectKeyProvider struct {
	key  []byte
	sink KeySink
}

// NewDirectKeyProvider creates a provider around raw key bytes. The
// provider takes ownership of the slice and wipes it on Close.
func NewDirectKeyProvider(key []byte, sink KeySink) *DirectKeyProvider {
	return &DirectKeyProvider{key: key, sink: sink}
}

// DeriveKeyForExisting returns a copy of the wrapped key after checking
// the requested size. The stored KDF parameters are ignored.
func (p *DirectKeyProvider) DeriveKeyForExisting(keySize int, kdfParams []byte) ([]byte, error) {
	if len(p.key) != keySize {
		return nil, fmt.Errorf("%w: have %d bytes, %d requested", ErrInvalidKeySize, len(p.key), keySize)
	}
	key := make([]byte, keySize)
	copy(key, p.key)
	if p.sink != nil {
		p.sink(key)
	}
	return key, nil
}

// DeriveKeyForNew panics: a direct provider cannot create filesystems
func (p *DirectKeyProvider) DeriveKeyForNew(keySize int) ([]byte, []byte, error) {
	panic("DirectKeyProvider cannot be used for new filesystems")
}

// Close wipes the wrapped key
func (p *DirectKeyProvider) Close() {
	wipe(p.key)
	p.key = nil
}

// PasswordKeyProvider derives the outer key from a passphrase through a
// password-based KDF
type PasswordKeyProvider struct {
	password []byte
	kdf      PasswordBasedKDF
	sink     KeySink
}

// NewPasswordKeyProvider creates a provider for the given passphrase and
// KDF. The provider copies the passphrase and wipes its copy on Close.
// sink may be nil.
func NewPasswordKeyProvider(password []byte, kdf PasswordBasedKDF, sink KeySink) *PasswordKeyProvider {
	pw := make([]byte, len(password))
	copy(pw, password)
	return &PasswordKeyProvider{password: pw, kdf: kdf, sink: sink}
}

// DeriveKeyForExisting runs the KDF with the stored parameter block
func (p *PasswordKeyProvider) DeriveKeyForExisting(keySize int, kdfParams []byte) ([]byte, error) {
	key, err := p.kdf.DeriveExistingKey(keySize, p.password, kdfParams)
	if err != nil {
		return nil, err
	}
	if p.sink != nil {
		p.sink(key)
	}
	return key, nil
}

// DeriveKeyForNew runs the KDF with fresh parameters
func (p *PasswordKeyProvider) DeriveKeyForNew(keySize int) ([]byte, []byte, error) {
	key, params, err := p.kdf.DeriveNewKey(keySize, p.password)
	if err != nil {
		return nil, nil, err
	}
	if p.sink != nil {
		p.sink(key)
	}
	return key, params, nil
}

// Close wipes the passphrase copy
func (p *PasswordKeyProvider) Close() {
	wipe(p.password)
	p.password = nil
}
