// Package vaultfs implements the configuration core of an encrypted,
// integrity-protected filesystem overlay. It persists every filesystem's
// settings in a single authenticated-encrypted descriptor file and gates
// access to the filesystem behind a credential-to-key derivation.
//
// # Overview
//
// A vaultfs filesystem lives in an untrusted basedir holding fixed-size
// authenticated ciphertext blocks plus one descriptor file (cryfs.config).
// The descriptor carries the inner key the block layer encrypts with; the
// descriptor itself is sealed under an outer key derived from the user's
// credential. This package owns:
//
//   - the descriptor payload codec (tagged binary key/value fields)
//   - the descriptor envelope (header-first framing with cleartext KDF
//     parameters and an AEAD-sealed payload)
//   - key providers (password-based derivation or a pre-derived raw key)
//   - per-machine local state (client ids, key fingerprints, and the
//     basedir-to-filesystem binding used for anti-replacement detection)
//   - the config loader that orchestrates open-or-create, version and
//     cipher gates, single-client mode, and key change
//   - a block store consuming the loaded inner key
//
// # Basic Usage
//
//	base := osfs.New()
//	kdf := vaultfs.NewScryptKDF(vaultfs.ScryptDefault)
//	provider := vaultfs.NewPasswordKeyProvider([]byte("password"), kdf, nil)
//	defer provider.Close()
//
//	loader := vaultfs.NewConfigLoader(base, provider,
//	    vaultfs.NewLocalStateDir(base, "/var/lib/vaultfs"),
//	    vaultfs.Overrides{}, logger)
//
//	result, err := loader.LoadOrCreate("/vault/cryfs.config", true, false)
//	if err != nil {
//	    // vaultfs.CodeOf(err) yields the stable error code
//	}
//	defer result.Destroy()
//
//	blocks, err := vaultfs.OpenBlockStore(base, "/vault", result)
//
// # Security Considerations
//
// Protected against an adversary with full read/write access to the
// basedir:
//   - Confidentiality of file contents and filesystem structure
//   - Tampering with the descriptor (authenticated encryption; any
//     modified bit fails decryption)
//   - Swapping the descriptor for one from a different filesystem
//     (basedir binding in local state)
//   - Replacing the inner key (key fingerprints in local state)
//   - In single-client mode, deleting blocks without detection
//
// Not protected against:
//   - Memory dumps while keys are held in memory
//   - Loss of the descriptor without a backup
//   - Side channels on the host running the filesystem
//
// # Key Derivation
//
// The outer key comes from scrypt (default) or Argon2id. The cost
// parameters chosen at creation time are stored in cleartext in the
// envelope header, so opening an existing filesystem always re-derives
// with the original costs regardless of the local defaults.
package vaultfs
