package secrets

import (
	"errors"
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := New("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}

	plaintext := "SG.secret-api-key-value"
	sealed, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(sealed, "enc:") {
		t.Errorf("ciphertext missing prefix: %s", sealed)
	}
	if strings.Contains(sealed, "secret-api-key") {
		t.Error("plaintext visible in ciphertext")
	}

	got, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if got != plaintext {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

// Plain values pass through Decrypt so a column can be migrated to
// encryption without rewriting existing rows.
func TestDecryptPassesThroughPlainValues(t *testing.T) {
	c, err := New("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.Decrypt("legacy-plain-key")
	if err != nil {
		t.Fatal(err)
	}
	if got != "legacy-plain-key" {
		t.Errorf("Decrypt = %q", got)
	}
}

func TestNilCipherPassesThrough(t *testing.T) {
	var c *Cipher

	sealed, err := c.Encrypt("value")
	if err != nil || sealed != "value" {
		t.Errorf("nil Encrypt = %q, %v", sealed, err)
	}
	plain, err := c.Decrypt("value")
	if err != nil || plain != "value" {
		t.Errorf("nil Decrypt = %q, %v", plain, err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c, err := New("test-passphrase")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Decrypt("enc:not-base64!!"); !errors.Is(err, ErrBadCiphertext) {
		t.Errorf("err = %v, want ErrBadCiphertext", err)
	}
	if _, err := c.Decrypt("enc:AAAA"); !errors.Is(err, ErrBadCiphertext) {
		t.Errorf("err = %v, want ErrBadCiphertext", err)
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestDifferentKeysCannotDecrypt(t *testing.T) {
	a, _ := New("key-a")
	b, _ := New("key-b")

	sealed, err := a.Encrypt("value")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Decrypt(sealed); !errors.Is(err, ErrBadCiphertext) {
		t.Errorf("err = %v, want ErrBadCiphertext", err)
	}
}
