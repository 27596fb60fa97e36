package vaultfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

// PasswordBasedKDF derives keys from a passphrase. The parameter block is
// opaque to the descriptor envelope; it is produced by DeriveNewKey and
// handed back verbatim to DeriveExistingKey on later opens.
type PasswordBasedKDF interface {
	// DeriveExistingKey re-derives the key for an existing filesystem from
	// the stored parameter block
	DeriveExistingKey(keySize int, password []byte, params []byte) ([]byte, error)

	// DeriveNewKey generates fresh parameters and derives a key for a new
	// filesystem
	DeriveNewKey(keySize int, password []byte) (key []byte, params []byte, err error)
}

// ScryptSettings are the cost parameters for the scrypt KDF
type ScryptSettings struct {
	SaltSize int // Salt size in bytes
	N        int // CPU/memory cost (power of two)
	R        int // Block size parameter
	P        int // Parallelization parameter
}

// Scrypt cost presets. The default takes around a second on commodity
// hardware; the test preset is only for test suites.
var (
	ScryptParanoid = ScryptSettings{SaltSize: 32, N: 1048576, R: 8, P: 16}
	ScryptDefault  = ScryptSettings{SaltSize: 32, N: 1048576, R: 4, P: 8}
	ScryptTest     = ScryptSettings{SaltSize: 16, N: 1024, R: 1, P: 1}
)

// ScryptKDF implements PasswordBasedKDF using scrypt
type ScryptKDF struct {
	settings ScryptSettings
}

// NewScryptKDF creates a scrypt KDF with the given cost settings for new
// filesystems. Existing filesystems always use the costs stored in their
// parameter block.
func NewScryptKDF(settings ScryptSettings) *ScryptKDF {
	if settings.SaltSize == 0 {
		settings.SaltSize = 32
	}
	if settings.N == 0 {
		settings.N = ScryptDefault.N
	}
	if settings.R == 0 {
		settings.R = ScryptDefault.R
	}
	if settings.P == 0 {
		settings.P = ScryptDefault.P
	}
	return &ScryptKDF{settings: settings}
}

// scrypt parameter block layout (little-endian):
// u32 salt length, salt, u64 N, u32 r, u32 p
func encodeScryptParams(salt []byte, n uint64, r, p uint32) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(salt)))
	buf.Write(salt)
	binary.Write(buf, binary.LittleEndian, n)
	binary.Write(buf, binary.LittleEndian, r)
	binary.Write(buf, binary.LittleEndian, p)
	return buf.Bytes()
}

func decodeScryptParams(params []byte) (salt []byte, n uint64, r, p uint32, err error) {
	buf := bytes.NewReader(params)
	var saltLen uint32
	if err = binary.Read(buf, binary.LittleEndian, &saltLen); err != nil {
		return nil, 0, 0, 0, errors.New("scrypt parameters truncated")
	}
	if int(saltLen) > buf.Len() {
		return nil, 0, 0, 0, errors.New("scrypt salt length overruns parameter block")
	}
	salt = make([]byte, saltLen)
	if _, err = buf.Read(salt); err != nil {
		return nil, 0, 0, 0, errors.New("scrypt parameters truncated")
	}
	if err = binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return nil, 0, 0, 0, errors.New("scrypt parameters truncated")
	}
	if err = binary.Read(buf, binary.LittleEndian, &r); err != nil {
		return nil, 0, 0, 0, errors.New("scrypt parameters truncated")
	}
	if err = binary.Read(buf, binary.LittleEndian, &p); err != nil {
		return nil, 0, 0, 0, errors.New("scrypt parameters truncated")
	}
	if buf.Len() != 0 {
		return nil, 0, 0, 0, errors.New("trailing bytes in scrypt parameter block")
	}
	return salt, n, r, p, nil
}

// DeriveExistingKey derives a key using the stored scrypt parameters
func (k *ScryptKDF) DeriveExistingKey(keySize int, password []byte, params []byte) ([]byte, error) {
	salt, n, r, p, err := decodeScryptParams(params)
	if err != nil {
		return nil, err
	}
	if n == 0 || n > 1<<30 || r == 0 || p == 0 {
		return nil, fmt.Errorf("scrypt cost parameters out of range (N=%d r=%d p=%d)", n, r, p)
	}
	return scrypt.Key(password, salt, int(n), int(r), int(p), keySize)
}

// DeriveNewKey generates a fresh salt and derives a key with the
// configured cost settings
func (k *ScryptKDF) DeriveNewKey(keySize int, password []byte) ([]byte, []byte, error) {
	salt, err := randomBytes(k.settings.SaltSize)
	if err != nil {
		return nil, nil, err
	}
	key, err := scrypt.Key(password, salt, k.settings.N, k.settings.R, k.settings.P, keySize)
	if err != nil {
		return nil, nil, err
	}
	params := encodeScryptParams(salt, uint64(k.settings.N), uint32(k.settings.R), uint32(k.settings.P))
	return key, params, nil
}

// Argon2idSettings are the cost parameters for the Argon2id KDF
type Argon2idSettings struct {
	SaltSize    int    // Salt size in bytes
	MemoryKiB   uint32 // Memory in KiB
	Iterations  uint32 // Time parameter
	Parallelism uint8  // Degree of parallelism
}

// Argon2idDefault is a reasonable interactive-cost preset (64 MiB)
var Argon2idDefault = Argon2idSettings{SaltSize: 32, MemoryKiB: 64 * 1024, Iterations: 3, Parallelism: 4}

// Argon2idKDF implements PasswordBasedKDF using Argon2id
type Argon2idKDF struct {
	settings Argon2idSettings
}

// NewArgon2idKDF creates an Argon2id KDF with the given cost settings for
// new filesystems
func NewArgon2idKDF(settings Argon2idSettings) *Argon2idKDF {
	if settings.SaltSize == 0 {
		settings.SaltSize = 32
	}
	if settings.MemoryKiB == 0 {
		settings.MemoryKiB = Argon2idDefault.MemoryKiB
	}
	if settings.Iterations == 0 {
		settings.Iterations = Argon2idDefault.Iterations
	}
	if settings.Parallelism == 0 {
		settings.Parallelism = Argon2idDefault.Parallelism
	}
	return &Argon2idKDF{settings: settings}
}

// argon2id parameter block layout (little-endian):
// u32 salt length, salt, u32 memory KiB, u32 iterations, u8 parallelism
func encodeArgon2idParams(salt []byte, memoryKiB, iterations uint32, parallelism uint8) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(salt)))
	buf.Write(salt)
	binary.Write(buf, binary.LittleEndian, memoryKiB)
	binary.Write(buf, binary.LittleEndian, iterations)
	buf.WriteByte(parallelism)
	return buf.Bytes()
}

func decodeArgon2idParams(params []byte) (salt []byte, memoryKiB, iterations uint32, parallelism uint8, err error) {
	buf := bytes.NewReader(params)
	var saltLen uint32
	if err = binary.Read(buf, binary.LittleEndian, &saltLen); err != nil {
		return nil, 0, 0, 0, errors.New("argon2id parameters truncated")
	}
	if int(saltLen) > buf.Len() {
		return nil, 0, 0, 0, errors.New("argon2id salt length overruns parameter block")
	}
	salt = make([]byte, saltLen)
	if _, err = buf.Read(salt); err != nil {
		return nil, 0, 0, 0, errors.New("argon2id parameters truncated")
	}
	if err = binary.Read(buf, binary.LittleEndian, &memoryKiB); err != nil {
		return nil, 0, 0, 0, errors.New("argon2id parameters truncated")
	}
	if err = binary.Read(buf, binary.LittleEndian, &iterations); err != nil {
		return nil, 0, 0, 0, errors.New("argon2id parameters truncated")
	}
	if parallelism, err = buf.ReadByte(); err != nil {
		return nil, 0, 0, 0, errors.New("argon2id parameters truncated")
	}
	if buf.Len() != 0 {
		return nil, 0, 0, 0, errors.New("trailing bytes in argon2id parameter block")
	}
	return salt, memoryKiB, iterations, parallelism, nil
}

// DeriveExistingKey derives a key using the stored Argon2id parameters
func (k *Argon2idKDF) DeriveExistingKey(keySize int, password []byte, params []byte) ([]byte, error) {
	salt, memoryKiB, iterations, parallelism, err := decodeArgon2idParams(params)
	if err != nil {
		return nil, err
	}
	if memoryKiB == 0 || iterations == 0 || parallelism == 0 {
		return nil, fmt.Errorf("argon2id cost parameters out of range (m=%d t=%d p=%d)",
			memoryKiB, iterations, parallelism)
	}
	return argon2.IDKey(password, salt, iterations, memoryKiB, parallelism, uint32(keySize)), nil
}

// DeriveNewKey generates a fresh salt and derives a key with the
// configured cost settings
func (k *Argon2idKDF) DeriveNewKey(keySize int, password []byte) ([]byte, []byte, error) {
	salt, err := randomBytes(k.settings.SaltSize)
	if err != nil {
		return nil, nil, err
	}
	key := argon2.IDKey(password, salt, k.settings.Iterations, k.settings.MemoryKiB,
		k.settings.Parallelism, uint32(keySize))
	params := encodeArgon2idParams(salt, k.settings.MemoryKiB, k.settings.Iterations, k.settings.Parallelism)
	return key, params, nil
}
