package vaultfs

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/absfs/absfs"
	"go.uber.org/zap"
)

// Overrides are the optional command-line settings a front end may pass.
// Nil fields mean "no opinion". On create they pick the initial setup; on
// load Cipher and MissingBlockIsViolation are checked against the
// descriptor and disagreement fails. BlockSizeBytes is not checked on load.
type Overrides struct {
	// Cipher is the required block cipher suite name
	Cipher *string

	// BlockSizeBytes is the block granularity for a new filesystem
	BlockSizeBytes *uint32

	// MissingBlockIsViolation requires (true) or forbids (false)
	// single-client mode
	MissingBlockIsViolation *bool
}

// ConfigLoadResult is returned by a successful load or create
type ConfigLoadResult struct {
	// OldConfig is the descriptor as persisted before this load touched
	// it. For a fresh filesystem it equals the new descriptor.
	OldConfig *Config

	// ConfigFile is the live descriptor bound to its file and outer key
	ConfigFile *ConfigFile

	// MyClientID is the client id this machine uses for the filesystem
	MyClientID uint32

	innerKey []byte
}

// InnerKey returns the raw inner key for the block layer. The slice is
// owned by the result; Destroy wipes it.
func (r *ConfigLoadResult) InnerKey() []byte {
	return r.innerKey
}

// Destroy wipes the inner key and the outer key held by the config file
func (r *ConfigLoadResult) Destroy() {
	wipe(r.innerKey)
	r.innerKey = nil
	if r.ConfigFile != nil {
		r.ConfigFile.Destroy()
	}
}

// ConfigLoader opens or creates descriptor files and enforces every gate
// between a credential and a usable filesystem: envelope decryption,
// format versioning, cipher agreement, local-state identity and
// single-client semantics. One loader call runs at a time per descriptor
// path; the caller serializes.
type ConfigLoader struct {
	fs          absfs.FileSystem
	keyProvider KeyProvider
	localState  *LocalStateDir
	overrides   Overrides
	log         *zap.Logger
}

// NewConfigLoader creates a loader. logger may be nil.
func NewConfigLoader(fs absfs.FileSystem, keyProvider KeyProvider, localState *LocalStateDir, overrides Overrides, logger *zap.Logger) *ConfigLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigLoader{
		fs:          fs,
		keyProvider: keyProvider,
		localState:  localState,
		overrides:   overrides,
		log:         logger,
	}
}

// LoadOrCreate opens the descriptor at path, creating a fresh filesystem
// if none exists. allowUpgrade permits format upgrades; allowReplaced
// permits a changed inner key or a changed filesystem id at a known
// basedir.
func (l *ConfigLoader) LoadOrCreate(path string, allowUpgrade, allowReplaced bool) (*ConfigLoadResult, error) {
	if !fileExists(l.fs, path) {
		return l.create(path, allowReplaced)
	}
	return l.load(path, allowUpgrade, allowReplaced, ReadWrite, true)
}

// Load opens an existing descriptor without ever writing to it. The
// returned descriptor carries the refreshed last_opened_version and the
// upgraded format version in memory only; neither is saved.
func (l *ConfigLoader) Load(path string, allowUpgrade, allowReplaced bool) (*ConfigLoadResult, error) {
	return l.load(path, allowUpgrade, allowReplaced, ReadOnly, true)
}

// ChangeEncryptionKey re-encrypts the descriptor under a new credential.
// The current provider must still open the file; newProvider supplies the
// new outer key via fresh KDF parameters. The inner key is unchanged and
// no block ciphertext is rewritten.
func (l *ConfigLoader) ChangeEncryptionKey(path string, allowUpgrade, allowReplaced bool, newProvider KeyProvider) error {
	result, err := l.load(path, allowUpgrade, allowReplaced, ReadOnly, false)
	if err != nil {
		return err
	}
	defer result.Destroy()

	file, err := CreateConfigFile(l.fs, path, result.ConfigFile.Config(), newProvider)
	if err != nil {
		return WrapLoadError(CodeInvalidFilesystem, "failed to rewrite descriptor", err)
	}
	file.Destroy()
	return nil
}

// load runs the existing-descriptor path. full=false stops after the
// local-state step (used by key change, which must not touch integrity
// mode or the basedir binding).
func (l *ConfigLoader) load(path string, allowUpgrade, allowReplaced bool, access Access, full bool) (*ConfigLoadResult, error) {
	file, err := LoadConfigFile(l.fs, path, l.keyProvider, access)
	if err != nil {
		switch {
		case errors.Is(err, ErrConfigNotFound):
			return nil, WrapLoadError(CodeInvalidFilesystem, "no filesystem found at "+path, err)
		case errors.Is(err, ErrDecryptionFailed):
			return nil, WrapLoadError(CodeWrongCredential, "could not decrypt descriptor", err)
		default:
			return nil, WrapLoadError(CodeInvalidFilesystem, "descriptor malformed", err)
		}
	}
	config := file.Config()
	oldConfig := config.Clone()

	// Releases 0.9.7/0.9.8 wrote their release version into the format
	// field; normalize before the gates run.
	config.FormatVersion = normalizeLegacyFormatVersion(config.FormatVersion)

	if err := checkFormatVersion(config.FormatVersion, allowUpgrade); err != nil {
		file.Destroy()
		return nil, err
	}

	if err := config.Validate(); err != nil {
		file.Destroy()
		return nil, WrapLoadError(CodeInvalidFilesystem, "descriptor violates invariants", err)
	}

	// Key change must not advance versions; only a full open does.
	changed := false
	if full {
		if config.FormatVersion != FormatVersion {
			l.log.Info("upgrading filesystem format",
				zap.String("from", config.FormatVersion),
				zap.String("to", FormatVersion))
			config.FormatVersion = FormatVersion
			changed = true
		}
		if config.LastOpenedVersion != ReleaseVersion {
			config.LastOpenedVersion = ReleaseVersion
			changed = true
		}
	}

	if l.overrides.Cipher != nil && *l.overrides.Cipher != config.Cipher {
		file.Destroy()
		return nil, NewLoadError(CodeCipherMismatch,
			fmt.Sprintf("filesystem uses cipher %s, not %s as requested", config.Cipher, *l.overrides.Cipher))
	}

	innerKey, err := config.EncryptionKeyBytes()
	if err != nil {
		file.Destroy()
		return nil, WrapLoadError(CodeInvalidFilesystem, "descriptor holds an invalid inner key", err)
	}

	localState, err := l.localState.LoadOrGenerateLocalState(config.FilesystemID, innerKey, allowReplaced)
	if err != nil {
		wipe(innerKey)
		file.Destroy()
		var le *LoadError
		if errors.As(err, &le) {
			return nil, err
		}
		return nil, WrapLoadError(CodeInvalidFilesystem, "local state unavailable", err)
	}

	result := &ConfigLoadResult{
		OldConfig:  oldConfig,
		ConfigFile: file,
		MyClientID: localState.MyClientID(),
		innerKey:   innerKey,
	}

	if !full {
		return result, nil
	}

	if err := l.checkIntegritySetup(config, localState.MyClientID()); err != nil {
		result.Destroy()
		return nil, err
	}

	// Refresh is best-effort: a failed save must not fail an otherwise
	// successful open.
	if changed && access == ReadWrite {
		if err := file.Save(); err != nil {
			l.log.Warn("could not refresh descriptor",
				zap.String("path", path), zap.Error(err))
		}
	}

	if err := l.bindBasedir(path, config.FilesystemID, allowReplaced); err != nil {
		result.Destroy()
		return nil, err
	}

	return result, nil
}

// checkIntegritySetup enforces single-client mode against the override
// and the client id this machine holds
func (l *ConfigLoader) checkIntegritySetup(config *Config, myClientID uint32) error {
	req := l.overrides.MissingBlockIsViolation
	excl := config.ExclusiveClientID

	if req != nil && *req && excl == nil {
		return NewLoadError(CodeIntegritySetupMismatch,
			"missing blocks were requested to be integrity violations, but the filesystem is not set up for that")
	}
	if req != nil && !*req && excl != nil {
		return NewLoadError(CodeIntegritySetupMismatch,
			"missing blocks were requested to not be integrity violations, but the filesystem is set up for that")
	}
	if excl != nil && *excl != myClientID {
		return NewLoadError(CodeSingleClientViolation,
			"filesystem is in single-client mode and belongs to a different client")
	}
	return nil
}

// bindBasedir detects a replaced descriptor at a known physical location
// and records the current binding
func (l *ConfigLoader) bindBasedir(path string, id FilesystemID, allowReplaced bool) error {
	basedir := filepath.Clean(filepath.Dir(path))
	boundID, known, err := l.localState.BasedirFilesystemID(basedir)
	if err != nil {
		return WrapLoadError(CodeInvalidFilesystem, "basedir metadata unavailable", err)
	}
	if known && boundID != id && !allowReplaced {
		return NewLoadError(CodeFilesystemIdChanged,
			fmt.Sprintf("basedir %s used to hold filesystem %s, now %s", basedir, boundID, id))
	}
	if err := l.localState.SetBasedirFilesystemID(basedir, id); err != nil {
		return WrapLoadError(CodeInvalidFilesystem, "could not record basedir binding", err)
	}
	return nil
}

// create builds a fresh filesystem descriptor at path
func (l *ConfigLoader) create(path string, allowReplaced bool) (*ConfigLoadResult, error) {
	cipherName := DefaultCipher
	if l.overrides.Cipher != nil {
		cipherName = *l.overrides.Cipher
	}
	blockSize := DefaultBlockSizeBytes
	if l.overrides.BlockSizeBytes != nil {
		blockSize = *l.overrides.BlockSizeBytes
	}

	config, err := newConfig(cipherName, blockSize, nil)
	if err != nil {
		return nil, WrapLoadError(CodeInvalidFilesystem, "invalid filesystem setup", err)
	}

	innerKey, err := config.EncryptionKeyBytes()
	if err != nil {
		return nil, WrapLoadError(CodeInvalidFilesystem, "invalid filesystem setup", err)
	}

	localState, err := l.localState.LoadOrGenerateLocalState(config.FilesystemID, innerKey, allowReplaced)
	if err != nil {
		wipe(innerKey)
		return nil, WrapLoadError(CodeInvalidFilesystem, "local state unavailable", err)
	}

	if l.overrides.MissingBlockIsViolation != nil && *l.overrides.MissingBlockIsViolation {
		id := localState.MyClientID()
		config.ExclusiveClientID = &id
	}

	file, err := CreateConfigFile(l.fs, path, config, l.keyProvider)
	if err != nil {
		wipe(innerKey)
		return nil, WrapLoadError(CodeInvalidFilesystem, "could not write descriptor", err)
	}

	if err := l.bindBasedir(path, config.FilesystemID, allowReplaced); err != nil {
		wipe(innerKey)
		file.Destroy()
		return nil, err
	}

	l.log.Info("created new filesystem",
		zap.String("filesystemId", config.FilesystemID.String()),
		zap.String("cipher", config.Cipher),
		zap.Uint32("blockSizeBytes", config.BlockSizeBytes),
		zap.Bool("singleClientMode", config.ExclusiveClientID != nil))

	return &ConfigLoadResult{
		OldConfig:  config.Clone(),
		ConfigFile: file,
		MyClientID: localState.MyClientID(),
		innerKey:   innerKey,
	}, nil
}
