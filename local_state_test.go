package vaultfs

import (
	"testing"
)

func testInnerKey(fill byte) []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = fill
	}
	return key
}

func TestLocalState_CreatesRecordOnFirstOpen(t *testing.T) {
	fs := newTestFS(t)
	dir := NewLocalStateDir(fs, "/state")
	id := NewFilesystemID()

	meta, err := dir.LoadOrGenerateLocalState(id, testInnerKey(1), false)
	if err != nil {
		t.Fatalf("LoadOrGenerateLocalState failed: %v", err)
	}
	if meta.MyClientID() == 0 {
		t.Error("expected a non-zero client id")
	}

	// Second open with the same key returns the same record
	again, err := dir.LoadOrGenerateLocalState(id, testInnerKey(1), false)
	if err != nil {
		t.Fatalf("second LoadOrGenerateLocalState failed: %v", err)
	}
	if again.MyClientID() != meta.MyClientID() {
		t.Errorf("client id changed across opens: %d != %d", again.MyClientID(), meta.MyClientID())
	}
}

func TestLocalState_ClientIDsMonotone(t *testing.T) {
	fs := newTestFS(t)
	dir := NewLocalStateDir(fs, "/state")

	first, err := dir.LoadOrGenerateLocalState(NewFilesystemID(), testInnerKey(1), false)
	if err != nil {
		t.Fatalf("LoadOrGenerateLocalState failed: %v", err)
	}
	second, err := dir.LoadOrGenerateLocalState(NewFilesystemID(), testInnerKey(2), false)
	if err != nil {
		t.Fatalf("LoadOrGenerateLocalState failed: %v", err)
	}
	if second.MyClientID() != first.MyClientID()+1 {
		t.Errorf("expected monotone client ids, got %d then %d", first.MyClientID(), second.MyClientID())
	}
}

func TestLocalState_KeyReplacedDetected(t *testing.T) {
	fs := newTestFS(t)
	dir := NewLocalStateDir(fs, "/state")
	id := NewFilesystemID()

	if _, err := dir.LoadOrGenerateLocalState(id, testInnerKey(1), false); err != nil {
		t.Fatalf("LoadOrGenerateLocalState failed: %v", err)
	}

	_, err := dir.LoadOrGenerateLocalState(id, testInnerKey(2), false)
	if CodeOf(err) != CodeKeyReplaced {
		t.Errorf("expected KeyReplaced, got %v", err)
	}
}

func TestLocalState_KeyReplacedAllowedRewritesRecord(t *testing.T) {
	fs := newTestFS(t)
	dir := NewLocalStateDir(fs, "/state")
	id := NewFilesystemID()

	orig, err := dir.LoadOrGenerateLocalState(id, testInnerKey(1), false)
	if err != nil {
		t.Fatalf("LoadOrGenerateLocalState failed: %v", err)
	}

	replaced, err := dir.LoadOrGenerateLocalState(id, testInnerKey(2), true)
	if err != nil {
		t.Fatalf("expected rewrite with allowReplaced, got %v", err)
	}
	if replaced.MyClientID() != orig.MyClientID() {
		t.Errorf("client id changed on key replacement: %d != %d", replaced.MyClientID(), orig.MyClientID())
	}

	// The new key is now the accepted one; the old key is rejected.
	if _, err := dir.LoadOrGenerateLocalState(id, testInnerKey(2), false); err != nil {
		t.Errorf("new key should be accepted after rewrite: %v", err)
	}
	if _, err := dir.LoadOrGenerateLocalState(id, testInnerKey(1), false); CodeOf(err) != CodeKeyReplaced {
		t.Errorf("old key should now be rejected, got %v", err)
	}
}

func TestLocalState_FingerprintIsKeyed(t *testing.T) {
	saltA := testInnerKey(3)[:fingerprintSaltSize]
	saltB := testInnerKey(4)[:fingerprintSaltSize]

	fpA, err := keyFingerprint(saltA, testInnerKey(1))
	if err != nil {
		t.Fatalf("keyFingerprint failed: %v", err)
	}
	fpB, err := keyFingerprint(saltB, testInnerKey(1))
	if err != nil {
		t.Fatalf("keyFingerprint failed: %v", err)
	}
	if string(fpA) == string(fpB) {
		t.Error("fingerprint must depend on the salt")
	}
	if len(fpA) < 16 {
		t.Errorf("fingerprint too short: %d bytes", len(fpA))
	}
}

func TestLocalState_BasedirBinding(t *testing.T) {
	fs := newTestFS(t)
	dir := NewLocalStateDir(fs, "/state")
	id := NewFilesystemID()

	if _, known, err := dir.BasedirFilesystemID("/vault"); err != nil || known {
		t.Fatalf("expected no binding yet, got known=%v err=%v", known, err)
	}

	if err := dir.SetBasedirFilesystemID("/vault", id); err != nil {
		t.Fatalf("SetBasedirFilesystemID failed: %v", err)
	}

	bound, known, err := dir.BasedirFilesystemID("/vault")
	if err != nil {
		t.Fatalf("BasedirFilesystemID failed: %v", err)
	}
	if !known || bound != id {
		t.Errorf("expected binding to %s, got known=%v id=%s", id, known, bound)
	}

	// Rebinding replaces the entry
	other := NewFilesystemID()
	if err := dir.SetBasedirFilesystemID("/vault", other); err != nil {
		t.Fatalf("SetBasedirFilesystemID failed: %v", err)
	}
	bound, _, err = dir.BasedirFilesystemID("/vault")
	if err != nil {
		t.Fatalf("BasedirFilesystemID failed: %v", err)
	}
	if bound != other {
		t.Errorf("expected rebinding to %s, got %s", other, bound)
	}
}
