package node

import (
	"encoding/binary"
	"errors"
	"time"
)

func unixTime(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0).UTC()
}

// ErrTruncatedInfo is returned by DecodeInfo when the body is shorter
// than a well-formed node-info block.
var ErrTruncatedInfo = errors.New("node: truncated info block")

// EncodeInfo serialises the node-info block exchanged on handshake (spec
// §3) as a CTRL_ACTIVE frame body: fixed-width fields in the order
// they're listed in the spec, followed by a length-prefixed software
// version string.
func EncodeInfo(info Info) []byte {
	buf := make([]byte, 1+8+8+20+4+4+4+8+2+len(info.SoftwareVersion))
	i := 0
	buf[i] = info.ProtocolVersion
	i++
	binary.BigEndian.PutUint64(buf[i:], uint64(info.Start.Unix()))
	i += 8
	binary.BigEndian.PutUint64(buf[i:], uint64(info.LastConfigChange.Unix()))
	i += 8
	copy(buf[i:i+20], info.ConfigHash[:])
	i += 20
	binary.BigEndian.PutUint32(buf[i:], uint32(info.PeerID))
	i += 4
	binary.BigEndian.PutUint32(buf[i:], info.HostChecksHandled)
	i += 4
	binary.BigEndian.PutUint32(buf[i:], info.ServiceChecksHandled)
	i += 4
	binary.BigEndian.PutUint64(buf[i:], info.ActivePeers)
	i += 8
	binary.BigEndian.PutUint16(buf[i:], uint16(len(info.SoftwareVersion)))
	i += 2
	copy(buf[i:], info.SoftwareVersion)
	return buf
}

// DecodeInfo is EncodeInfo's inverse.
func DecodeInfo(body []byte) (Info, error) {
	const fixed = 1 + 8 + 8 + 20 + 4 + 4 + 4 + 8 + 2
	if len(body) < fixed {
		return Info{}, ErrTruncatedInfo
	}
	var info Info
	i := 0
	info.ProtocolVersion = body[i]
	i++
	info.Start = unixTime(binary.BigEndian.Uint64(body[i:]))
	i += 8
	info.LastConfigChange = unixTime(binary.BigEndian.Uint64(body[i:]))
	i += 8
	copy(info.ConfigHash[:], body[i:i+20])
	i += 20
	info.PeerID = int(binary.BigEndian.Uint32(body[i:]))
	i += 4
	info.HostChecksHandled = binary.BigEndian.Uint32(body[i:])
	i += 4
	info.ServiceChecksHandled = binary.BigEndian.Uint32(body[i:])
	i += 4
	info.ActivePeers = binary.BigEndian.Uint64(body[i:])
	i += 8
	strLen := int(binary.BigEndian.Uint16(body[i:]))
	i += 2
	if len(body[i:]) < strLen {
		return Info{}, ErrTruncatedInfo
	}
	info.SoftwareVersion = string(body[i : i+strLen])
	return info, nil
}
