package enumerate

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Cursor is a resumable position in the merged enumeration sequence. It is
// opaque to every component except the enumerator that produced it; the
// encoded form must round-trip through persistence without loss.
type Cursor struct {
	Source string `json:"source"`
	Token  string `json:"token"`
	Seq    uint64 `json:"seq"`
}

type cursorEnvelope struct {
	Cursor
	Checksum uint64 `json:"checksum"`
}

func (c Cursor) checksum() uint64 {
	h := xxhash.New()
	h.WriteString(c.Source)
	h.Write([]byte{0})
	h.WriteString(c.Token)
	h.Write([]byte{0})
	var buf [8]byte
	for i := range 8 {
		buf[i] = byte(c.Seq >> (8 * i))
	}
	h.Write(buf[:])
	return h.Sum64()
}

// Encode serializes the cursor with an integrity checksum.
func (c Cursor) Encode() (string, error) {
	env := cursorEnvelope{Cursor: c, Checksum: c.checksum()}
	data, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeCursor parses an encoded cursor and verifies its checksum. A corrupt
// cursor is an error, not a silent restart from zero; the caller decides.
func DecodeCursor(encoded string) (Cursor, error) {
	if encoded == "" {
		return Cursor{}, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	var env cursorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Cursor{}, fmt.Errorf("decode cursor: %w", err)
	}
	if env.Cursor.checksum() != env.Checksum {
		return Cursor{}, fmt.Errorf("cursor checksum mismatch")
	}
	return env.Cursor, nil
}
