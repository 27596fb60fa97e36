package vaultfs

import (
	"bytes"
	"testing"
)

func TestDirectKeyProvider_ReturnsKeyCopy(t *testing.T) {
	raw := []byte("0123456789abcdef0123456789abcdef")
	provider := NewDirectKeyProvider(append([]byte{}, raw...), nil)
	defer provider.Close()

	key, err := provider.DeriveKeyForExisting(32, nil)
	if err != nil {
		t.Fatalf("DeriveKeyForExisting failed: %v", err)
	}
	if !bytes.Equal(key, raw) {
		t.Error("returned key does not match wrapped key")
	}

	// Mutating the returned slice must not affect later derivations
	key[0] ^= 0xff
	again, err := provider.DeriveKeyForExisting(32, nil)
	if err != nil {
		t.Fatalf("DeriveKeyForExisting failed: %v", err)
	}
	if !bytes.Equal(again, raw) {
		t.Error("provider handed out its internal buffer")
	}
}

func TestDirectKeyProvider_KeySizeMismatch(t *testing.T) {
	provider := NewDirectKeyProvider(make([]byte, 16), nil)
	defer provider.Close()

	if _, err := provider.DeriveKeyForExisting(32, nil); err == nil {
		t.Error("expected key size mismatch error")
	}
}

func TestDirectKeyProvider_NewFilesystemPanics(t *testing.T) {
	provider := NewDirectKeyProvider(make([]byte, 32), nil)
	defer provider.Close()

	defer func() {
		if recover() == nil {
			t.Error("expected panic when a direct provider is asked for a new filesystem")
		}
	}()
	provider.DeriveKeyForNew(32)
}

func TestDirectKeyProvider_CloseWipesKey(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 1)
	}
	provider := NewDirectKeyProvider(raw, nil)
	provider.Close()

	for i, b := range raw {
		if b != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}
}

func TestPasswordKeyProvider_MatchesKDF(t *testing.T) {
	kdf := NewScryptKDF(ScryptTest)
	provider := NewPasswordKeyProvider([]byte("hunter2"), kdf, nil)
	defer provider.Close()

	key, params, err := provider.DeriveKeyForNew(32)
	if err != nil {
		t.Fatalf("DeriveKeyForNew failed: %v", err)
	}

	again, err := provider.DeriveKeyForExisting(32, params)
	if err != nil {
		t.Fatalf("DeriveKeyForExisting failed: %v", err)
	}
	if !bytes.Equal(key, again) {
		t.Error("existing-path derivation does not match new-path derivation")
	}
}

func TestPasswordKeyProvider_OwnsPasswordCopy(t *testing.T) {
	password := []byte("hunter2")
	provider := NewPasswordKeyProvider(password, NewScryptKDF(ScryptTest), nil)
	defer provider.Close()

	_, params, err := provider.DeriveKeyForNew(32)
	if err != nil {
		t.Fatalf("DeriveKeyForNew failed: %v", err)
	}
	key1, err := provider.DeriveKeyForExisting(32, params)
	if err != nil {
		t.Fatalf("DeriveKeyForExisting failed: %v", err)
	}

	// The caller's buffer changing must not change derivations
	password[0] = 'X'
	key2, err := provider.DeriveKeyForExisting(32, params)
	if err != nil {
		t.Fatalf("DeriveKeyForExisting failed: %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("provider shares the caller's password buffer")
	}
}

func TestKeySink_ReceivesDerivedKey(t *testing.T) {
	var sunk []byte
	sink := func(key []byte) {
		sunk = append([]byte{}, key...) // sink must copy
	}

	provider := NewPasswordKeyProvider([]byte("hunter2"), NewScryptKDF(ScryptTest), sink)
	defer provider.Close()

	key, _, err := provider.DeriveKeyForNew(32)
	if err != nil {
		t.Fatalf("DeriveKeyForNew failed: %v", err)
	}
	if !bytes.Equal(sunk, key) {
		t.Error("sink did not receive the derived key")
	}
}
