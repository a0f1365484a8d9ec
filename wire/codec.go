package wire

import (
	"bytes"
	"encoding/binary"
)

// Encode renders f as its wire bytes: header in network byte order
// followed by the body. It is the inverse of Decode.
func Encode(f Frame) ([]byte, error) {
	if len(f.Body) >= MaxPacketSize {
		return nil, ErrOversizedBody
	}

	buf := make([]byte, HeaderSize+len(f.Body))
	buf[0] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[1:3], uint16(f.Type))
	binary.BigEndian.PutUint16(buf[3:5], uint16(f.Code))
	binary.BigEndian.PutUint32(buf[5:9], uint32(len(f.Body)))
	binary.BigEndian.PutUint16(buf[9:11], f.Selection)
	binary.BigEndian.PutUint64(buf[11:19], f.Timestamp)
	copy(buf[HeaderSize:], f.Body)
	return buf, nil
}

// Decoder is a pull-style reader over a per-connection byte buffer. Feed it
// bytes as they arrive with Append, then call Decode repeatedly until it
// reports needMore; every full call advances the internal cursor and
// leaves the unconsumed tail intact, so framing survives arbitrary TCP
// segmentation.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Append appends newly-read bytes to the decode buffer.
func (d *Decoder) Append(b []byte) {
	d.buf.Write(b)
}

// Buffered reports how many undecoded bytes are currently held.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Decode attempts to pull exactly one Frame out of the buffered bytes.
//
//   - If the buffer holds a complete header plus body, it returns
//     (frame, true, nil) and advances the cursor past that frame.
//   - If the buffer doesn't yet hold a complete header plus body, it
//     returns (Frame{}, false, nil): need-more, nothing consumed.
//   - If the header claims an oversized body or an unsupported protocol
//     version, it returns the corresponding error; the caller must
//     disconnect, since the buffer can no longer be trusted to resync.
func (d *Decoder) Decode() (Frame, bool, error) {
	raw := d.buf.Bytes()
	if len(raw) < HeaderSize {
		return Frame{}, false, nil
	}

	version := raw[0]
	if version > ProtocolVersion {
		return Frame{}, false, ErrUnsupportedProtocol
	}

	length := binary.BigEndian.Uint32(raw[5:9])
	if length >= MaxPacketSize {
		return Frame{}, false, ErrOversizedBody
	}

	total := HeaderSize + int(length)
	if len(raw) < total {
		return Frame{}, false, nil
	}

	f := Frame{
		Version:   version,
		Type:      Type(binary.BigEndian.Uint16(raw[1:3])),
		Code:      Code(binary.BigEndian.Uint16(raw[3:5])),
		Selection: binary.BigEndian.Uint16(raw[9:11]),
		Timestamp: binary.BigEndian.Uint64(raw[11:19]),
	}
	if length > 0 {
		f.Body = make([]byte, length)
		copy(f.Body, raw[HeaderSize:total])
	}

	d.buf.Next(total)
	return f, true, nil
}
