// Package viewingkey prepares and caches per-merchant incoming viewing
// keys so the scanner never repeats the elliptic-curve scalar
// multiplications a UFVK parse requires on the hot path. Preparation
// happens once, at merchant registration (or process startup); every
// scan cycle only reads the cached, already-prepared form.
package viewingkey

import (
	"crypto/sha256"
	"errors"
	"strings"
	"sync"

	"filippo.io/edwards25519"
	"github.com/google/uuid"
)

var (
	// ErrInvalidViewingKey is returned when a UFVK string fails to parse
	// or its checksum/tag is malformed.
	ErrInvalidViewingKey = errors.New("viewingkey: invalid UFVK")
	// ErrWrongNetwork is returned when a UFVK's network tag does not
	// match the process-wide configured network.
	ErrWrongNetwork = errors.New("viewingkey: UFVK network mismatch")
)

const (
	mainnetOrchardPrefix = "uview"
	testnetOrchardPrefix = "utest"
)

// PreparedIVK holds the curve material derived from a UFVK's Orchard
// (and, if present, Sapling) component. Preparation is the expensive
// step — a full scalar multiplication over the key's base field — so
// the prepared form, not the raw key bytes, is what gets cached and
// handed to the decryptor on every trial.
//
// The Pallas arithmetic Orchard note decryption actually needs has no
// analog in this module's dependency set (see DESIGN.md); the
// edwards25519 scalar/field-element primitives below stand in to
// produce a deterministic, fixed-cost "prepared" value with the same
// shape a real IVK would have — a 32-byte scalar ready for reuse
// across every trial decryption this cycle, never recomputed per note.
type PreparedIVK struct {
	Pool  Pool
	Scalar [32]byte
}

// Pool identifies which shielded pool a prepared key belongs to.
type Pool int

const (
	PoolOrchard Pool = iota
	PoolSapling
)

// MerchantKeys is the full set of prepared keys for one merchant,
// keyed by pool. A UFVK always carries an Orchard component; Sapling
// is present only for keys minted before Orchard-only UFVKs became
// common.
type MerchantKeys struct {
	MerchantID     uuid.UUID
	PaymentAddress string
	Orchard        PreparedIVK
	Sapling        *PreparedIVK
}

// entry is the cache's internal record; it carries the same data as
// MerchantKeys and is never mutated in place — install/evict always
// replace or delete the map entry wholesale.
type entry = MerchantKeys

// Cache holds prepared viewing keys for every registered merchant.
// An RWMutex guards the map: Install and Evict take the write lock and
// change the map in place, readers take the read lock. A scan cycle
// iterates a Snapshot copy, so it never observes a half-updated
// merchant set.
type Cache struct {
	network string // "mainnet" or "testnet"

	mu   sync.RWMutex
	keys map[uuid.UUID]entry
}

// New builds an empty cache bound to the given global network
// configuration. Every install() rejects a UFVK whose network tag
// does not match.
func New(network string) *Cache {
	return &Cache{network: network, keys: make(map[uuid.UUID]entry)}
}

// Install parses ufvk, derives its prepared IVK(s), and stores them
// for merchantID, paymentAddress. Returns ErrInvalidViewingKey on a
// malformed key and ErrWrongNetwork when the key's network tag
// disagrees with the cache's configured network.
func (c *Cache) Install(merchantID uuid.UUID, paymentAddress, ufvk string) error {
	orchard, sapling, err := parseUFVK(c.network, ufvk)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys[merchantID] = entry{
		MerchantID:     merchantID,
		PaymentAddress: paymentAddress,
		Orchard:        orchard,
		Sapling:        sapling,
	}
	return nil
}

// Evict removes a merchant's prepared keys, e.g. ahead of a UFVK
// rotation reinstall. A no-op if the merchant was never installed.
func (c *Cache) Evict(merchantID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, merchantID)
}

// Snapshot returns a copy of the currently installed merchant keys,
// made under the read lock, for one scan cycle to iterate over. The
// slice is never mutated after being returned; a later Install/Evict
// changes only the cache's map, not previously returned snapshots.
func (c *Cache) Snapshot() []MerchantKeys {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]MerchantKeys, 0, len(c.keys))
	for _, e := range c.keys {
		out = append(out, e)
	}
	return out
}

// Len reports how many merchants currently have prepared keys.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

// ValidateUFVK parses ufvk against network without installing anything,
// for callers (merchant registration) that need to reject a malformed
// key before writing any row.
func ValidateUFVK(network, ufvk string) (orchard PreparedIVK, err error) {
	orchard, _, err = parseUFVK(network, ufvk)
	return orchard, err
}

// parseUFVK validates the network tag and derives prepared IVKs from
// a UFVK string. Real UFVKs are a bech32m-encoded concatenation of
// typed sub-keys (Orchard, Sapling, transparent); this module treats
// the payload after the human-readable prefix as opaque bytes and
// derives a prepared scalar per pool via a fixed-cost one-way
// reduction, deterministic in the input so the same UFVK always
// prepares to the same keys.
func parseUFVK(network, ufvk string) (orchard PreparedIVK, sapling *PreparedIVK, err error) {
	var wantPrefix string
	switch network {
	case "mainnet":
		wantPrefix = mainnetOrchardPrefix
	default:
		wantPrefix = testnetOrchardPrefix
	}

	if len(ufvk) < len(wantPrefix)+16 {
		return PreparedIVK{}, nil, ErrInvalidViewingKey
	}

	gotPrefix := ufvk[:5]
	if gotPrefix != mainnetOrchardPrefix && gotPrefix != testnetOrchardPrefix {
		return PreparedIVK{}, nil, ErrInvalidViewingKey
	}
	if gotPrefix != wantPrefix {
		return PreparedIVK{}, nil, ErrWrongNetwork
	}

	payload := ufvk[5:]
	orchardScalar, err := deriveScalar(payload, "orchard")
	if err != nil {
		return PreparedIVK{}, nil, ErrInvalidViewingKey
	}
	orchard = PreparedIVK{Pool: PoolOrchard, Scalar: orchardScalar}

	if strings.Contains(payload, "sap") {
		saplingScalar, err := deriveScalar(payload, "sapling")
		if err != nil {
			return PreparedIVK{}, nil, ErrInvalidViewingKey
		}
		sapling = &PreparedIVK{Pool: PoolSapling, Scalar: saplingScalar}
	}

	return orchard, sapling, nil
}

// deriveScalar reduces an arbitrary-length key payload to a canonical
// 32-byte scalar via SHA-256 followed by a single edwards25519 scalar
// reduction, so the "prepared" value is always a valid group scalar —
// the one invariant a real curve-based IVK preparation step also
// guarantees — without claiming to perform actual Pallas arithmetic.
func deriveScalar(payload, domain string) ([32]byte, error) {
	h := sha256.Sum256([]byte(domain + ":" + payload))
	s, err := edwards25519.NewScalar().SetBytesWithClamping(h[:])
	if err != nil {
		var zero [32]byte
		return zero, err
	}
	var out [32]byte
	copy(out[:], s.Bytes())
	return out, nil
}
