// Package rcon implements the Agent's client for the child's
// administrative socket (spec.md §4.6), using the length-prefixed
// binary framing of the standard Source-RCON-derived protocol that
// Factorio-style game servers expose their admin port with.
package rcon

import (
	"encoding/binary"
	"io"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
)

const (
	typeAuth         int32 = 3
	typeAuthResponse int32 = 2
	typeExecCommand  int32 = 2
	typeResponseVal  int32 = 0

	maxPacketSize = 4096 + 10
)

type packet struct {
	ID   int32
	Type int32
	Body string
}

// writePacket encodes and writes one RCON packet: a little-endian
// Size field (covering everything after itself) followed by ID, Type,
// the NUL-terminated body, and a trailing NUL pad byte.
func writePacket(w io.Writer, p packet) error {
	body := append([]byte(p.Body), 0, 0)
	size := int32(4 + 4 + len(body))
	buf := make([]byte, 4+size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(size))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.ID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(p.Type))
	copy(buf[12:], body)
	_, err := w.Write(buf)
	return err
}

func readPacket(r io.Reader) (packet, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
		return packet{}, err
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < 8 || size > maxPacketSize {
		return packet{}, agenterr.New(agenterr.RconProtocolError, "invalid packet size %d", size)
	}
	rest := make([]byte, size)
	if _, err := io.ReadFull(r, rest); err != nil {
		return packet{}, err
	}
	id := int32(binary.LittleEndian.Uint32(rest[0:4]))
	typ := int32(binary.LittleEndian.Uint32(rest[4:8]))
	body := rest[8:]
	// strip the two trailing NUL bytes, tolerating servers that send only one.
	for len(body) > 0 && body[len(body)-1] == 0 {
		body = body[:len(body)-1]
	}
	return packet{ID: id, Type: typ, Body: string(body)}, nil
}
