package txparser

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildV4 assembles a minimal valid v4 transaction with zero transparent
// inputs/outputs, zero Sapling spends, and the given number of Sapling
// outputs (filled with deterministic non-zero bytes so a round trip is
// actually exercising something).
func buildV4(numSaplingOutputs int) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, overwinterFlag|4) // header
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0x892f2085)) // version group id
	buf.WriteByte(0)                                                // nIn
	buf.WriteByte(0)                                                // nOut
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0)) // lockTime
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0)) // expiryHeight
	_ = binary.Write(&buf, binary.LittleEndian, int64(0))  // valueBalance
	buf.WriteByte(0)                                       // nSpends

	buf.WriteByte(byte(numSaplingOutputs))
	for i := 0; i < numSaplingOutputs; i++ {
		writeSaplingOutputBytes(&buf, byte(i+1))
	}
	return buf.Bytes()
}

func buildV5(numOrchardActions int) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, overwinterFlag|5) // header
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0x26a7270a)) // consensus branch id
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))          // lockTime
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0))          // expiryHeight
	buf.WriteByte(0)                                                // nIn
	buf.WriteByte(0)                                                // nOut
	buf.WriteByte(0)                                                // sapling outputs count

	buf.WriteByte(byte(numOrchardActions))
	for i := 0; i < numOrchardActions; i++ {
		writeOrchardActionBytes(&buf, byte(i+1))
	}
	return buf.Bytes()
}

func writeSaplingOutputBytes(buf *bytes.Buffer, fill byte) {
	buf.Write(bytes.Repeat([]byte{fill}, 32))                  // cv
	buf.Write(bytes.Repeat([]byte{fill}, 32))                  // cmu
	buf.Write(bytes.Repeat([]byte{fill}, 32))                  // ephemeral key
	buf.Write(bytes.Repeat([]byte{fill}, saplingCiphertextLen))    // enc ciphertext
	buf.Write(bytes.Repeat([]byte{fill}, saplingOutCiphertextLen)) // out ciphertext
	buf.Write(bytes.Repeat([]byte{0}, 192))                        // zkproof
}

func writeOrchardActionBytes(buf *bytes.Buffer, fill byte) {
	buf.Write(bytes.Repeat([]byte{fill}, 32)) // cv_net
	buf.Write(bytes.Repeat([]byte{fill}, 32)) // nullifier
	buf.Write(bytes.Repeat([]byte{fill}, 32)) // rk
	buf.Write(bytes.Repeat([]byte{fill}, 32)) // cmx
	buf.Write(bytes.Repeat([]byte{fill}, 32)) // ephemeral key
	buf.Write(bytes.Repeat([]byte{fill}, orchardCiphertextLen))    // enc ciphertext
	buf.Write(bytes.Repeat([]byte{fill}, orchardOutCiphertextLen)) // out ciphertext
}

func TestParse_V4EmptyShieldedIsValidNotError(t *testing.T) {
	raw := buildV4(0)
	tx, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v, want a valid empty result", err)
	}
	if len(tx.Sapling) != 0 || len(tx.Orchard) != 0 {
		t.Errorf("Parse() = %+v, want no shielded outputs", tx)
	}
}

func TestParse_V4WithSaplingOutputs(t *testing.T) {
	raw := buildV4(2)
	tx, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(tx.Sapling) != 2 {
		t.Fatalf("len(Sapling) = %d, want 2", len(tx.Sapling))
	}
	if tx.Sapling[0].CV[0] != 1 || tx.Sapling[1].CV[0] != 2 {
		t.Errorf("Sapling outputs decoded out of order or corrupted: %+v", tx.Sapling)
	}
	if len(tx.Orchard) != 0 {
		t.Errorf("v4 tx must never carry Orchard actions, got %d", len(tx.Orchard))
	}
}

func TestParse_V5WithOrchardActions(t *testing.T) {
	raw := buildV5(1)
	tx, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(tx.Orchard) != 1 {
		t.Fatalf("len(Orchard) = %d, want 1", len(tx.Orchard))
	}
	if tx.Orchard[0].EphemeralKey[0] != 1 {
		t.Errorf("Orchard action decoded incorrectly: %+v", tx.Orchard[0])
	}
}

func TestParse_UnknownVersionRejected(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, overwinterFlag|99)
	if _, err := Parse(buf.Bytes()); err != ErrUnknownVersion {
		t.Errorf("Parse() error = %v, want ErrUnknownVersion", err)
	}
}

func TestParse_TruncatedBytesMalformed(t *testing.T) {
	if _, err := Parse([]byte{0x01, 0x02}); err != ErrMalformed {
		t.Errorf("Parse() error = %v, want ErrMalformed", err)
	}
}

func TestRoundTrip_SerializeMatchesOriginalBytes(t *testing.T) {
	raw := buildV5(1)
	tx, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	got := tx.Serialize()
	if !bytes.Equal(got, raw) {
		t.Errorf("Serialize() did not round-trip the original bytes")
	}
}

func TestParse_TxidIsDeterministic(t *testing.T) {
	raw := buildV4(1)
	tx1, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	tx2, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if tx1.Txid != tx2.Txid {
		t.Errorf("Txid is not deterministic across repeated parses of the same bytes: %q vs %q", tx1.Txid, tx2.Txid)
	}
	if len(tx1.Txid) != 64 {
		t.Errorf("Txid hex length = %d, want 64 (32-byte hash)", len(tx1.Txid))
	}
}
