package secrets

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) (*SecretStore, string) {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "keys", ".secret_key")
	store, err := NewSecretStore(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	return store, keyPath
}

func TestEncryptDecrypt(t *testing.T) {
	store, _ := newTestStore(t)

	enc, err := store.Encrypt("db-password")
	if err != nil {
		t.Fatal(err)
	}
	if !IsEncrypted(enc) || enc == "db-password" {
		t.Fatalf("expected enc: value, got %q", enc)
	}

	dec, err := store.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != "db-password" {
		t.Fatalf("got %q, want %q", dec, "db-password")
	}
}

func TestPassthroughValues(t *testing.T) {
	store, _ := newTestStore(t)

	if v, _ := store.Encrypt(""); v != "" {
		t.Fatalf("empty value changed: %q", v)
	}
	if v, _ := store.Decrypt("plain"); v != "plain" {
		t.Fatalf("plaintext changed on decrypt: %q", v)
	}

	enc, _ := store.Encrypt("x")
	again, err := store.Encrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if again != enc {
		t.Fatal("encrypted value was encrypted twice")
	}
}

func TestKeyFileCreatedOnceWithPrivatePermissions(t *testing.T) {
	store1, keyPath := newTestStore(t)

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("key file mode = %o, want 600", perm)
	}

	enc, _ := store1.Encrypt("api-key")
	store2, err := NewSecretStore(keyPath)
	if err != nil {
		t.Fatal(err)
	}
	dec, err := store2.Decrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != "api-key" {
		t.Fatalf("got %q after reload", dec)
	}
}

func TestInvalidKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), ".secret_key")
	if err := os.WriteFile(keyPath, []byte("zz"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := NewSecretStore(keyPath)
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestTamperedAndForeignCiphertext(t *testing.T) {
	store, _ := newTestStore(t)
	enc, _ := store.Encrypt("secret")

	raw := []byte(enc)
	if raw[len(raw)-1] == 'a' {
		raw[len(raw)-1] = 'b'
	} else {
		raw[len(raw)-1] = 'a'
	}
	if _, err := store.Decrypt(string(raw)); err == nil {
		t.Fatal("tampered ciphertext decrypted")
	}

	otherPath := filepath.Join(t.TempDir(), ".secret_key")
	key := make([]byte, 32)
	key[0] = 0x42
	if err := os.WriteFile(otherPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		t.Fatal(err)
	}
	other, err := NewSecretStore(otherPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Decrypt(enc); err == nil {
		t.Fatal("ciphertext opened with the wrong key")
	}

	if _, err := store.Decrypt("enc:00"); err == nil {
		t.Fatal("short ciphertext accepted")
	}
}

func TestFieldHelpers(t *testing.T) {
	store, _ := newTestStore(t)

	password, apiKey, empty := "pw", "key", ""
	if err := store.EncryptFields(&password, &apiKey, &empty); err != nil {
		t.Fatal(err)
	}
	if !IsEncrypted(password) || !IsEncrypted(apiKey) || empty != "" {
		t.Fatalf("unexpected field values %q %q %q", password, apiKey, empty)
	}

	if err := store.DecryptFields(&password, &apiKey, &empty); err != nil {
		t.Fatal(err)
	}
	if password != "pw" || apiKey != "key" {
		t.Fatalf("fields not restored: %q %q", password, apiKey)
	}

	bad := "enc:zz"
	if err := store.DecryptFields(&bad); err == nil {
		t.Fatal("expected decode error")
	}
}
