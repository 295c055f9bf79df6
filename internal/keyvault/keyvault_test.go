package keyvault

import "testing"

func TestEncryptDecryptRoundtrip(t *testing.T) {
	key := "61" // too short for New; build a real 64-char hex key instead
	_ = key
	hexKey := ""
	for i := 0; i < 64; i++ {
		hexKey += "a"
	}

	v, err := New(hexKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	plaintext := "uviewtest1somefakeufvkdata"
	encrypted, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if encrypted == plaintext {
		t.Fatal("Encrypt() returned plaintext unchanged")
	}

	decrypted, err := v.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptOrPlaintextNoKey(t *testing.T) {
	v, err := New("")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	result, err := v.DecryptOrPlaintext("uviewtest1abc")
	if err != nil {
		t.Fatalf("DecryptOrPlaintext() error = %v", err)
	}
	if result != "uviewtest1abc" {
		t.Errorf("DecryptOrPlaintext() = %q, want unchanged", result)
	}
}

func TestDecryptOrPlaintextPlaintextUFVK(t *testing.T) {
	hexKey := ""
	for i := 0; i < 64; i++ {
		hexKey += "b"
	}
	v, err := New(hexKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	result, err := v.DecryptOrPlaintext("uviewtest1abc")
	if err != nil {
		t.Fatalf("DecryptOrPlaintext() error = %v", err)
	}
	if result != "uviewtest1abc" {
		t.Errorf("DecryptOrPlaintext() = %q, want unchanged", result)
	}
}

func TestDecryptWebhookSecretPlaintextPrefix(t *testing.T) {
	hexKey := ""
	for i := 0; i < 64; i++ {
		hexKey += "c"
	}
	v, err := New(hexKey)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	result, err := v.DecryptWebhookSecret("whsec_abcdef")
	if err != nil {
		t.Fatalf("DecryptWebhookSecret() error = %v", err)
	}
	if result != "whsec_abcdef" {
		t.Errorf("DecryptWebhookSecret() = %q, want unchanged", result)
	}
}

func TestNewRejectsWrongLength(t *testing.T) {
	if _, err := New("deadbeef"); err != ErrKeyLength {
		t.Errorf("New() error = %v, want ErrKeyLength", err)
	}
}

func TestDecryptRejectsCorruptData(t *testing.T) {
	hexKey := ""
	for i := 0; i < 64; i++ {
		hexKey += "d"
	}
	v, _ := New(hexKey)
	if _, err := v.Decrypt("not-hex!!"); err != ErrCorrupt {
		t.Errorf("Decrypt() error = %v, want ErrCorrupt", err)
	}
}
