package vaultfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

const testConfigPath = "/vault/cryfs.config"

func createTestConfigFile(t *testing.T) (*Config, []byte) {
	t.Helper()
	fs := newTestFS(t)
	cfg := testConfig(t)

	provider := testKeyProvider("hunter2")
	defer provider.Close()

	file, err := CreateConfigFile(fs, testConfigPath, cfg, provider)
	if err != nil {
		t.Fatalf("CreateConfigFile failed: %v", err)
	}
	file.Destroy()

	return cfg, mustReadFile(t, fs, testConfigPath)
}

func loadEnvelopeBytes(t *testing.T, raw []byte, password string) (*ConfigFile, error) {
	t.Helper()
	fs := newTestFS(t)
	if err := atomicWriteFile(fs, testConfigPath, raw, 0600); err != nil {
		t.Fatalf("Failed to write envelope: %v", err)
	}
	provider := testKeyProvider(password)
	defer provider.Close()
	return LoadConfigFile(fs, testConfigPath, provider, ReadOnly)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	cfg, raw := createTestConfigFile(t)

	file, err := loadEnvelopeBytes(t, raw, "hunter2")
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	defer file.Destroy()

	if *file.Config() != *cfg {
		t.Errorf("round trip mismatch:\ngot:  %+v\nwant: %+v", file.Config(), cfg)
	}
}

func TestEnvelope_WrongPassword(t *testing.T) {
	_, raw := createTestConfigFile(t)

	_, err := loadEnvelopeBytes(t, raw, "wrong")
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestEnvelope_FileNotFound(t *testing.T) {
	fs := newTestFS(t)
	provider := testKeyProvider("hunter2")
	defer provider.Close()

	_, err := LoadConfigFile(fs, "/vault/missing.config", provider, ReadOnly)
	if !errors.Is(err, ErrConfigNotFound) {
		t.Errorf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestEnvelope_BadMagic(t *testing.T) {
	_, raw := createTestConfigFile(t)
	raw[0] ^= 0xff

	_, err := loadEnvelopeBytes(t, raw, "hunter2")
	if !errors.Is(err, ErrConfigMalformed) {
		t.Errorf("expected ErrConfigMalformed, got %v", err)
	}
}

func TestEnvelope_KDFLengthOverrunsFile(t *testing.T) {
	_, raw := createTestConfigFile(t)
	binary.LittleEndian.PutUint32(raw[len(envelopeMagic):], uint32(len(raw)))

	_, err := loadEnvelopeBytes(t, raw, "hunter2")
	if !errors.Is(err, ErrConfigMalformed) {
		t.Errorf("expected ErrConfigMalformed, got %v", err)
	}
}

func TestEnvelope_BitFlipsRejected(t *testing.T) {
	_, raw := createTestConfigFile(t)

	// Flipped bits in the KDF parameter block (the salt length, which no
	// longer parses, and a salt byte, which derives a different outer key)
	// and in the sealed region (breaks the AEAD tag) must all be rejected
	// as DecryptionFailed.
	kdfParamsStart := len(envelopeMagic) + 4
	offsets := []int{
		kdfParamsStart,
		kdfParamsStart + 8,
		len(raw) - 1,
		len(raw) - 20,
		len(raw)/2 + len(envelopeMagic),
	}
	for _, off := range offsets {
		flipped := append([]byte{}, raw...)
		flipped[off] ^= 0x01

		_, err := loadEnvelopeBytes(t, flipped, "hunter2")
		if !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("flip at offset %d: expected ErrDecryptionFailed, got %v", off, err)
		}
	}
}

func TestEnvelope_SaveRewritesAtomically(t *testing.T) {
	fs := newTestFS(t)
	cfg := testConfig(t)

	provider := testKeyProvider("hunter2")
	defer provider.Close()

	file, err := CreateConfigFile(fs, testConfigPath, cfg, provider)
	if err != nil {
		t.Fatalf("CreateConfigFile failed: %v", err)
	}
	defer file.Destroy()

	file.Config().RootBlobID = "rootblob-1"
	if err := file.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if fileExists(fs, testConfigPath+".tmp") {
		t.Error("temporary file left behind after save")
	}

	reloaded, err := LoadConfigFile(fs, testConfigPath, provider, ReadOnly)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	defer reloaded.Destroy()
	if reloaded.Config().RootBlobID != "rootblob-1" {
		t.Errorf("saved change not visible after reload: %q", reloaded.Config().RootBlobID)
	}
}

func TestEnvelope_ReadOnlyRefusesSave(t *testing.T) {
	_, raw := createTestConfigFile(t)

	file, err := loadEnvelopeBytes(t, raw, "hunter2")
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	defer file.Destroy()

	if err := file.Save(); err == nil {
		t.Error("expected error saving a read-only config file")
	}
}

func TestEnvelope_HeaderIsBoundAsAssociatedData(t *testing.T) {
	_, raw := createTestConfigFile(t)

	// Swap two bytes inside the KDF salt. A direct provider pins the
	// outer key, so only the associated-data binding can catch this.
	var outerKey []byte
	fs := newTestFS(t)
	if err := atomicWriteFile(fs, testConfigPath, raw, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	sink := func(key []byte) { outerKey = append([]byte{}, key...) }
	provider := NewPasswordKeyProvider([]byte("hunter2"), NewScryptKDF(ScryptTest), sink)
	file, err := LoadConfigFile(fs, testConfigPath, provider, ReadOnly)
	provider.Close()
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}
	file.Destroy()

	kdfParamsStart := len(envelopeMagic) + 4
	tampered := append([]byte{}, raw...)
	tampered[kdfParamsStart+4], tampered[kdfParamsStart+5] = tampered[kdfParamsStart+5], tampered[kdfParamsStart+4]
	if bytes.Equal(tampered, raw) {
		t.Skip("salt bytes happened to be equal")
	}

	fs2 := newTestFS(t)
	if err := atomicWriteFile(fs2, testConfigPath, tampered, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	direct := NewDirectKeyProvider(outerKey, nil)
	defer direct.Close()
	_, err = LoadConfigFile(fs2, testConfigPath, direct, ReadOnly)
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("expected ErrDecryptionFailed for tampered header, got %v", err)
	}
}
