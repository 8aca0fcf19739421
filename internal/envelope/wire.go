package envelope

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
)

// Wire forms. The canonical serialization is a flat versioned JSON document
// (header object, payload object, optional signature). The durable backend
// additionally frames envelopes as
// headerLen(4B BE) | headerJSON | payloadJSON | crc32c(header|payload)
// so torn or corrupted records are detected on read.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorruptRecord reports a binary frame whose checksum or structure is
// invalid.
var ErrCorruptRecord = errors.New("envelope: corrupt record")

// MarshalJSON-compatible round trip for the whole envelope goes through the
// standard struct tags; EncodeJSON/DecodeJSON exist so call sites do not
// depend on encoding details.

// EncodeJSON renders the canonical wire document.
func EncodeJSON(e *Envelope) ([]byte, error) { return json.Marshal(e) }

// DecodeJSON parses the canonical wire document.
func DecodeJSON(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

type wireBody struct {
	Payload   map[string]interface{} `json:"payload"`
	Signature string                 `json:"signature,omitempty"`
}

// EncodeBinary renders the CRC-framed form used by the durable backend.
func EncodeBinary(e *Envelope) ([]byte, error) {
	header, err := json.Marshal(e.Header)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(wireBody{Payload: e.Payload, Signature: e.Signature})
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 4+len(header)+len(body)+4)
	var hb [4]byte
	binary.BigEndian.PutUint32(hb[:], uint32(len(header)))
	out = append(out, hb[:]...)
	out = append(out, header...)
	out = append(out, body...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, body)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc)
	out = append(out, cb[:]...)
	return out, nil
}

// DecodeBinary parses the CRC-framed form, verifying the checksum.
func DecodeBinary(b []byte) (*Envelope, error) {
	if len(b) < 8 {
		return nil, ErrCorruptRecord
	}
	hlen := binary.BigEndian.Uint32(b[:4])
	if int(4+hlen+4) > len(b) {
		return nil, ErrCorruptRecord
	}
	headerEnd := 4 + int(hlen)
	header := b[4:headerEnd]
	body := b[headerEnd : len(b)-4]

	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, body)
	if crc != expect {
		return nil, ErrCorruptRecord
	}

	var e Envelope
	if err := json.Unmarshal(header, &e.Header); err != nil {
		return nil, ErrCorruptRecord
	}
	var wb wireBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, ErrCorruptRecord
	}
	e.Payload = wb.Payload
	e.Signature = wb.Signature
	return &e, nil
}
