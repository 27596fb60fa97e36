package vaultfs

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/absfs/absfs"
)

// The descriptor envelope is the only cleartext-visible structure in the
// basedir. Its header carries the KDF parameters so the outer key can be
// re-derived before anything is decrypted.
//
// File layout (little-endian):
//   magic "cryfs.config;<header-version>;" (ASCII)
//   u32   KDF parameter length
//   ...   KDF parameter block (opaque to the envelope)
//   ...   nonce || ciphertext || tag of the encoded descriptor payload
//
// The header is bound to the ciphertext as AEAD associated data.
const (
	envelopeHeaderVersion = 1
	envelopeMagic         = "cryfs.config;1;"

	// maxKDFParamsLen bounds the declared parameter length so a corrupt
	// header cannot ask for a huge allocation
	maxKDFParamsLen = 1 << 20
)

// outerCipherName is the fixed ciphersuite protecting the envelope
const outerCipherName = "xchacha20-poly1305"

// ConfigEncryptor holds the outer key together with the KDF parameter
// block that derives it. A loaded ConfigFile keeps its encryptor so
// refresh saves do not re-run the KDF.
type ConfigEncryptor struct {
	key       []byte
	kdfParams []byte
}

// NewConfigEncryptor wraps an outer key and its KDF parameter block.
// The encryptor takes ownership of the key slice.
func NewConfigEncryptor(key []byte, kdfParams []byte) *ConfigEncryptor {
	return &ConfigEncryptor{key: key, kdfParams: kdfParams}
}

// Destroy wipes the outer key
func (e *ConfigEncryptor) Destroy() {
	wipe(e.key)
	e.key = nil
}

func (e *ConfigEncryptor) seal(payload, header []byte) ([]byte, error) {
	suite, err := LookupCipher(outerCipherName)
	if err != nil {
		return nil, err
	}
	aead, err := suite.NewAEAD(e.key)
	if err != nil {
		return nil, err
	}
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, payload, header), nil
}

func (e *ConfigEncryptor) open(sealed, header []byte) ([]byte, error) {
	suite, err := LookupCipher(outerCipherName)
	if err != nil {
		return nil, err
	}
	aead, err := suite.NewAEAD(e.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrDecryptionFailed
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	payload, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return payload, nil
}

// outerKeySize returns the key size the envelope's ciphersuite demands
func outerKeySize() int {
	suite, err := LookupCipher(outerCipherName)
	if err != nil {
		panic("outer ciphersuite not registered")
	}
	return suite.KeySize
}

func envelopeHeader(kdfParams []byte) []byte {
	header := new(bytes.Buffer)
	header.WriteString(envelopeMagic)
	binary.Write(header, binary.LittleEndian, uint32(len(kdfParams)))
	header.Write(kdfParams)
	return header.Bytes()
}

// splitEnvelope separates a descriptor file into header and sealed payload
func splitEnvelope(data []byte) (header, kdfParams, sealed []byte, err error) {
	if !bytes.HasPrefix(data, []byte(envelopeMagic)) {
		return nil, nil, nil, fmt.Errorf("%w: bad magic", ErrConfigMalformed)
	}
	rest := data[len(envelopeMagic):]
	if len(rest) < 4 {
		return nil, nil, nil, fmt.Errorf("%w: truncated header", ErrConfigMalformed)
	}
	paramsLen := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]
	if paramsLen > maxKDFParamsLen || int(paramsLen) > len(rest) {
		return nil, nil, nil, fmt.Errorf("%w: declared KDF parameter length overruns file", ErrConfigMalformed)
	}
	headerLen := len(envelopeMagic) + 4 + int(paramsLen)
	return data[:headerLen], rest[:paramsLen], rest[paramsLen:], nil
}

// Access controls whether a loaded config file may be rewritten
type Access uint8

const (
	// ReadWrite allows refresh saves and upgrades
	ReadWrite Access = iota
	// ReadOnly forbids any write to the descriptor file
	ReadOnly
)

// ConfigFile is a descriptor bound to its on-disk location and outer
// encryptor. Mutating the config and calling Save rewrites the envelope.
type ConfigFile struct {
	fs        absfs.FileSystem
	path      string
	config    *Config
	encryptor *ConfigEncryptor
	access    Access
}

// Config returns the live descriptor
func (f *ConfigFile) Config() *Config {
	return f.config
}

// Path returns the descriptor file location
func (f *ConfigFile) Path() string {
	return f.path
}

// Destroy wipes the outer key held by the file's encryptor
func (f *ConfigFile) Destroy() {
	if f.encryptor != nil {
		f.encryptor.Destroy()
	}
}

// Save re-encodes the descriptor, seals it under the outer key and
// atomically replaces the file
func (f *ConfigFile) Save() error {
	if f.access == ReadOnly {
		return fmt.Errorf("config file %s opened read-only", f.path)
	}
	payload, err := EncodeConfig(f.config)
	if err != nil {
		return err
	}
	defer wipe(payload)

	header := envelopeHeader(f.encryptor.kdfParams)
	sealed, err := f.encryptor.seal(payload, header)
	if err != nil {
		return err
	}

	out := make([]byte, 0, len(header)+len(sealed))
	out = append(out, header...)
	out = append(out, sealed...)
	return atomicWriteFile(f.fs, f.path, out, 0600)
}

// LoadConfigFile reads and decrypts a descriptor file. The file content is
// read fully and the handle closed before the key provider runs, so no
// handle is held across KDF execution. Errors are ErrConfigNotFound,
// ErrConfigMalformed or ErrDecryptionFailed; a wrong password and a wrong
// ciphersuite are indistinguishable beyond ErrDecryptionFailed.
func LoadConfigFile(fs absfs.FileSystem, path string, provider KeyProvider, access Access) (*ConfigFile, error) {
	if !fileExists(fs, path) {
		return nil, ErrConfigNotFound
	}
	data, err := readFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}

	header, kdfParams, sealed, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}

	key, err := provider.DeriveKeyForExisting(outerKeySize(), kdfParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	encryptor := NewConfigEncryptor(key, kdfParams)

	payload, err := encryptor.open(sealed, header)
	if err != nil {
		encryptor.Destroy()
		return nil, err
	}
	defer wipe(payload)

	config, err := DecodeConfig(payload)
	if err != nil {
		encryptor.Destroy()
		return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}

	return &ConfigFile{fs: fs, path: path, config: config, encryptor: encryptor, access: access}, nil
}

// CreateConfigFile derives a fresh outer key from the provider and writes
// a new descriptor file
func CreateConfigFile(fs absfs.FileSystem, path string, config *Config, provider KeyProvider) (*ConfigFile, error) {
	key, kdfParams, err := provider.DeriveKeyForNew(outerKeySize())
	if err != nil {
		return nil, err
	}
	file := &ConfigFile{
		fs:        fs,
		path:      path,
		config:    config,
		encryptor: NewConfigEncryptor(key, kdfParams),
		access:    ReadWrite,
	}
	if err := file.Save(); err != nil {
		file.Destroy()
		return nil, err
	}
	return file, nil
}
