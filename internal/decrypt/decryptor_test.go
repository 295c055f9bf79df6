package decrypt

import (
	"testing"

	"github.com/cipherpay/backend/internal/txparser"
	"github.com/cipherpay/backend/internal/viewingkey"
)

func TestTryOrchard_SuccessfulDecryption(t *testing.T) {
	ivk := [32]byte{1, 2, 3, 4}
	ephemeral := [32]byte{5, 6, 7, 8}

	ciphertext, err := EncryptForTest(ivk, ephemeral, viewingkey.PoolOrchard, 50_000_000, "hi CP-AAAA1111 thanks")
	if err != nil {
		t.Fatalf("EncryptForTest() error = %v", err)
	}

	action := txparser.OrchardAction{EphemeralKey: ephemeral}
	copy(action.EncCiphertext[:], ciphertext)

	d, err := TryOrchard(action, viewingkey.PreparedIVK{Pool: viewingkey.PoolOrchard, Scalar: ivk})
	if err != nil {
		t.Fatalf("TryOrchard() error = %v", err)
	}
	if d == nil {
		t.Fatal("TryOrchard() = nil, want a successful decryption")
	}
	if d.ValueZats != 50_000_000 {
		t.Errorf("ValueZats = %d, want 50000000", d.ValueZats)
	}
	if got := d.Memo(); got != "hi CP-AAAA1111 thanks" {
		t.Errorf("Memo() = %q, want %q", got, "hi CP-AAAA1111 thanks")
	}
}

func TestTryOrchard_WrongKeyFailsQuietly(t *testing.T) {
	ivk := [32]byte{1, 2, 3, 4}
	wrongIvk := [32]byte{9, 9, 9, 9}
	ephemeral := [32]byte{5, 6, 7, 8}

	ciphertext, err := EncryptForTest(ivk, ephemeral, viewingkey.PoolOrchard, 50_000_000, "memo")
	if err != nil {
		t.Fatalf("EncryptForTest() error = %v", err)
	}

	action := txparser.OrchardAction{EphemeralKey: ephemeral}
	copy(action.EncCiphertext[:], ciphertext)

	d, err := TryOrchard(action, viewingkey.PreparedIVK{Pool: viewingkey.PoolOrchard, Scalar: wrongIvk})
	if err != nil {
		t.Fatalf("TryOrchard() error = %v, want nil error on authentic failure", err)
	}
	if d != nil {
		t.Errorf("TryOrchard() = %+v, want nil for a note decrypted with the wrong key", d)
	}
}

func TestTrySapling_SuccessfulDecryption(t *testing.T) {
	ivk := [32]byte{11, 12, 13}
	ephemeral := [32]byte{14, 15, 16}

	ciphertext, err := EncryptForTest(ivk, ephemeral, viewingkey.PoolSapling, 1_000, "sapling memo")
	if err != nil {
		t.Fatalf("EncryptForTest() error = %v", err)
	}

	out := txparser.SaplingOutput{EphemeralKey: ephemeral}
	copy(out.EncCiphertext[:], ciphertext)

	d, err := TrySapling(out, viewingkey.PreparedIVK{Pool: viewingkey.PoolSapling, Scalar: ivk})
	if err != nil {
		t.Fatalf("TrySapling() error = %v", err)
	}
	if d == nil || d.ValueZats != 1_000 {
		t.Fatalf("TrySapling() = %+v, want value 1000", d)
	}
}

func TestOpen_WrongCiphertextLengthIsMalformed(t *testing.T) {
	var key [32]byte
	_, err := open(key, make([]byte, 10))
	if err != ErrMalformed {
		t.Errorf("open() error = %v, want ErrMalformed for a too-short ciphertext", err)
	}
}

func TestDecrypted_MemoNonUTF8DropsToEmpty(t *testing.T) {
	d := &Decrypted{}
	copy(d.MemoBytes[:], []byte{0xff, 0xfe, 0xfd})
	if got := d.Memo(); got != "" {
		t.Errorf("Memo() = %q, want empty string for invalid UTF-8", got)
	}
}

func TestDecrypted_MemoStopsAtFirstZeroByte(t *testing.T) {
	d := &Decrypted{}
	copy(d.MemoBytes[:], []byte("hello\x00world"))
	if got := d.Memo(); got != "hello" {
		t.Errorf("Memo() = %q, want %q", got, "hello")
	}
}

func TestDecrypted_ValueZECConversion(t *testing.T) {
	d := &Decrypted{ValueZats: 100_000_000}
	if got := d.ValueZEC(); got != 1.0 {
		t.Errorf("ValueZEC() = %v, want 1.0", got)
	}
}
