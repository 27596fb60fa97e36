package vaultfs

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/absfs/absfs"
	"golang.org/x/crypto/blake2b"
)

// LocalStateDir is the per-machine state root. It holds one record per
// known filesystem id, the basedir-to-filesystem-id binding, and the
// client id counter. Nothing in it is secret, but it must live outside
// the untrusted basedir.
type LocalStateDir struct {
	fs   absfs.FileSystem
	root string
}

// NewLocalStateDir opens (creating if needed on first write) a local
// state root on the given filesystem
func NewLocalStateDir(fs absfs.FileSystem, root string) *LocalStateDir {
	return &LocalStateDir{fs: fs, root: root}
}

func (d *LocalStateDir) filesystemRecordPath(id FilesystemID) string {
	return filepath.Join(d.root, "filesystems", id.String()+".json")
}

func (d *LocalStateDir) basedirsPath() string {
	return filepath.Join(d.root, "basedirs.json")
}

func (d *LocalStateDir) clientIDCounterPath() string {
	return filepath.Join(d.root, "client_id.json")
}

// fingerprintSaltSize is the MAC key size for the key fingerprint
const fingerprintSaltSize = 32

// keyFingerprint computes a keyed one-way digest of the inner key. The
// salt is the BLAKE2b MAC key and is stored next to the digest; the inner
// key cannot be recovered from either.
func keyFingerprint(salt, innerKey []byte) ([]byte, error) {
	h, err := blake2b.New256(salt)
	if err != nil {
		return nil, err
	}
	h.Write(innerKey)
	return h.Sum(nil), nil
}

// LocalStateMetadata is the per-filesystem-id record: the client id this
// machine uses for the filesystem and a fingerprint of the inner key used
// to detect key replacement.
type LocalStateMetadata struct {
	myClientID      uint32
	fingerprintSalt []byte
	fingerprint     []byte
}

// MyClientID returns the client id assigned to this machine for the filesystem
func (m *LocalStateMetadata) MyClientID() uint32 {
	return m.myClientID
}

type filesystemRecordDoc struct {
	MyClientID         uint32 `json:"myClientId"`
	KeyFingerprintSalt string `json:"keyFingerprintSalt"`
	KeyFingerprint     string `json:"keyFingerprint"`
}

func (m *LocalStateMetadata) doc() filesystemRecordDoc {
	return filesystemRecordDoc{
		MyClientID:         m.myClientID,
		KeyFingerprintSalt: hex.EncodeToString(m.fingerprintSalt),
		KeyFingerprint:     hex.EncodeToString(m.fingerprint),
	}
}

func metadataFromDoc(doc filesystemRecordDoc) (*LocalStateMetadata, error) {
	salt, err := hex.DecodeString(doc.KeyFingerprintSalt)
	if err != nil {
		return nil, fmt.Errorf("invalid fingerprint salt: %w", err)
	}
	fp, err := hex.DecodeString(doc.KeyFingerprint)
	if err != nil {
		return nil, fmt.Errorf("invalid fingerprint: %w", err)
	}
	return &LocalStateMetadata{myClientID: doc.MyClientID, fingerprintSalt: salt, fingerprint: fp}, nil
}

// LoadOrGenerateLocalState loads the record for a filesystem id, verifying
// that the stored key fingerprint still matches the inner key. A mismatch
// fails with KeyReplaced unless allowReplaced, in which case the record is
// rewritten (fresh salt, same client id). Missing records are created with
// a freshly allocated client id.
func (d *LocalStateDir) LoadOrGenerateLocalState(id FilesystemID, innerKey []byte, allowReplaced bool) (*LocalStateMetadata, error) {
	path := d.filesystemRecordPath(id)
	if fileExists(d.fs, path) {
		data, err := readFile(d.fs, path)
		if err != nil {
			return nil, err
		}
		var doc filesystemRecordDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("corrupt local state record for %s: %w", id, err)
		}
		meta, err := metadataFromDoc(doc)
		if err != nil {
			return nil, err
		}
		fp, err := keyFingerprint(meta.fingerprintSalt, innerKey)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(fp, meta.fingerprint) {
			return meta, nil
		}
		if !allowReplaced {
			return nil, NewLoadError(CodeKeyReplaced,
				fmt.Sprintf("encryption key for filesystem %s changed since last open", id))
		}
		// Key replacement was allowed; rebind the record to the new key.
		return d.writeRecord(id, meta.myClientID, innerKey)
	}

	clientID, err := d.allocateClientID()
	if err != nil {
		return nil, err
	}
	return d.writeRecord(id, clientID, innerKey)
}

func (d *LocalStateDir) writeRecord(id FilesystemID, clientID uint32, innerKey []byte) (*LocalStateMetadata, error) {
	salt, err := randomBytes(fingerprintSaltSize)
	if err != nil {
		return nil, err
	}
	fp, err := keyFingerprint(salt, innerKey)
	if err != nil {
		return nil, err
	}
	meta := &LocalStateMetadata{myClientID: clientID, fingerprintSalt: salt, fingerprint: fp}
	data, err := json.Marshal(meta.doc())
	if err != nil {
		return nil, err
	}
	if err := atomicWriteFile(d.fs, d.filesystemRecordPath(id), data, 0600); err != nil {
		return nil, err
	}
	return meta, nil
}

type clientIDCounterDoc struct {
	NextClientID uint32 `json:"nextClientId"`
}

// allocateClientID hands out client ids monotonically across this
// machine. The counter is seeded randomly on first use so two machines
// opening the same filesystem do not hand out colliding ids.
func (d *LocalStateDir) allocateClientID() (uint32, error) {
	var next uint32
	path := d.clientIDCounterPath()
	if fileExists(d.fs, path) {
		data, err := readFile(d.fs, path)
		if err != nil {
			return 0, err
		}
		var doc clientIDCounterDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return 0, fmt.Errorf("corrupt client id counter: %w", err)
		}
		next = doc.NextClientID
	} else {
		seed, err := randomBytes(4)
		if err != nil {
			return 0, err
		}
		next = binary.LittleEndian.Uint32(seed)
		if next == 0 {
			next = 1
		}
	}
	data, err := json.Marshal(clientIDCounterDoc{NextClientID: next + 1})
	if err != nil {
		return 0, err
	}
	if err := atomicWriteFile(d.fs, path, data, 0600); err != nil {
		return 0, err
	}
	return next, nil
}

// BasedirFilesystemID looks up which filesystem id was last seen at a
// basedir. The basedir path is cleaned before lookup.
func (d *LocalStateDir) BasedirFilesystemID(basedir string) (FilesystemID, bool, error) {
	mapping, err := d.loadBasedirs()
	if err != nil {
		return FilesystemID{}, false, err
	}
	s, ok := mapping[filepath.Clean(basedir)]
	if !ok {
		return FilesystemID{}, false, nil
	}
	id, err := ParseFilesystemID(s)
	if err != nil {
		return FilesystemID{}, false, err
	}
	return id, true, nil
}

// SetBasedirFilesystemID binds a basedir to a filesystem id, replacing any
// previous binding
func (d *LocalStateDir) SetBasedirFilesystemID(basedir string, id FilesystemID) error {
	mapping, err := d.loadBasedirs()
	if err != nil {
		return err
	}
	mapping[filepath.Clean(basedir)] = id.String()
	data, err := json.MarshalIndent(mapping, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(d.fs, d.basedirsPath(), data, 0600)
}

func (d *LocalStateDir) loadBasedirs() (map[string]string, error) {
	path := d.basedirsPath()
	if !fileExists(d.fs, path) {
		return map[string]string{}, nil
	}
	data, err := readFile(d.fs, path)
	if err != nil {
		return nil, err
	}
	mapping := map[string]string{}
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("corrupt basedir metadata: %w", err)
	}
	return mapping, nil
}
