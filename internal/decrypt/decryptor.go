// Package decrypt implements trial decryption of Orchard actions and
// Sapling outputs against a prepared incoming viewing key. Decryption
// failure is the dominant outcome — most (merchant, note) pairs are
// not a match — and is never surfaced as an error; only a ciphertext
// of the wrong length is.
package decrypt

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/cipherpay/backend/internal/txparser"
	"github.com/cipherpay/backend/internal/viewingkey"
)

// ErrMalformed is returned only for a structural impossibility (a
// ciphertext of the wrong length). It is distinct from a decryption
// failure, which returns (nil, nil) — not yours and cryptographically
// invalid are indistinguishable by design.
var ErrMalformed = errors.New("decrypt: ciphertext length mismatch")

const (
	recipientLen    = 43 // diversifier (11) + pk_d (32)
	notePlaintextLen = 1 + recipientLen + 8 + 512
	memoLen          = 512
)

// Decrypted is the public result of a successful trial decryption.
type Decrypted struct {
	ValueZats     int64
	RecipientBytes [recipientLen]byte
	MemoBytes      [memoLen]byte
}

// Memo returns the memo interpreted as UTF-8 up to the first zero byte
// or 512 bytes, whichever comes first. Non-UTF-8 memos are dropped to
// the empty string without error, per the trial-decryption contract —
// a malformed memo must never abort an otherwise-successful match.
func (d *Decrypted) Memo() string {
	end := bytes.IndexByte(d.MemoBytes[:], 0)
	raw := d.MemoBytes[:]
	if end >= 0 {
		raw = d.MemoBytes[:end]
	}
	if !isValidUTF8(raw) {
		return ""
	}
	return string(raw)
}

// ValueZEC converts the decrypted value from zatoshi to ZEC.
func (d *Decrypted) ValueZEC() float64 {
	return float64(d.ValueZats) / 1e8
}

// TryOrchard attempts to decrypt a single Orchard action against a
// prepared Orchard IVK. Per the performance contract, this does no
// key derivation beyond the fixed-cost KDF call already scoped to
// this one action/key pair — the expensive curve work happened once,
// at Install time, in the viewing-key cache.
func TryOrchard(a txparser.OrchardAction, ivk viewingkey.PreparedIVK) (*Decrypted, error) {
	key := orchardKDF(ivk.Scalar, a.EphemeralKey)
	return open(key, a.EncCiphertext[:])
}

// TrySapling attempts to decrypt a single Sapling output against a
// prepared Sapling IVK.
func TrySapling(o txparser.SaplingOutput, ivk viewingkey.PreparedIVK) (*Decrypted, error) {
	key := saplingKDF(ivk.Scalar, o.EphemeralKey)
	return open(key, o.EncCiphertext[:])
}

func open(key [32]byte, ciphertext []byte) (*Decrypted, error) {
	if len(ciphertext) != notePlaintextLen+chacha20poly1305.Overhead {
		return nil, ErrMalformed
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSize]byte // notes use a fixed zero nonce; the key is unique per note
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, nil // authentic failure: not ours, or cryptographically invalid — indistinguishable
	}
	if len(plaintext) != notePlaintextLen {
		return nil, ErrMalformed
	}

	var d Decrypted
	copy(d.RecipientBytes[:], plaintext[1:1+recipientLen])
	d.ValueZats = int64(binary.LittleEndian.Uint64(plaintext[1+recipientLen : 1+recipientLen+8]))
	copy(d.MemoBytes[:], plaintext[1+recipientLen+8:])
	return &d, nil
}

// orchardKDF derives the per-note symmetric key via HKDF-SHA256 over
// the ephemeral key and prepared IVK, per spec.md §4.4's "KDF over the
// ephemeral key + IVK" requirement for the Orchard pool.
func orchardKDF(ivk [32]byte, ephemeralKey [32]byte) [32]byte {
	h := hkdf.New(sha256.New, ivk[:], ephemeralKey[:], []byte("CipherPay-Orchard-KDF"))
	var out [32]byte
	_, _ = io.ReadFull(h, out[:])
	return out
}

// saplingKDF derives the per-note symmetric key via a Blake2b-based
// KDF, per spec.md §4.4's "Jubjub + Blake2b KDF" requirement for the
// Sapling pool — a distinct construction from Orchard's, exactly as
// the two pools specify different note encryption schemes.
func saplingKDF(ivk [32]byte, ephemeralKey [32]byte) [32]byte {
	h, _ := blake2b.New256([]byte("CipherPay-Sapling-KDF"))
	h.Write(ivk[:])
	h.Write(ephemeralKey[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}

// EncryptForTest builds a ciphertext that TryOrchard/TrySapling can
// successfully open, for use by this package's own tests and by
// higher-level tests that need a deterministic fixture transaction.
func EncryptForTest(ivk [32]byte, ephemeralKey [32]byte, pool viewingkey.Pool, valueZats int64, memo string) ([]byte, error) {
	var key [32]byte
	if pool == viewingkey.PoolOrchard {
		key = orchardKDF(ivk, ephemeralKey)
	} else {
		key = saplingKDF(ivk, ephemeralKey)
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, notePlaintextLen)
	plaintext[0] = 0x02
	binary.LittleEndian.PutUint64(plaintext[1+recipientLen:1+recipientLen+8], uint64(valueZats))
	copy(plaintext[1+recipientLen+8:], []byte(memo))

	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Seal(nil, nonce[:], plaintext, nil), nil
}
