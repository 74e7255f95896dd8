// Package packet defines the routed unit of data and its wire encoding.
package packet

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/baaaht/pktrelay/pkg/types"
)

// HeaderSize is the fixed header size:
// Source(8) + Dest(8) + Sequence(4) + EndOfMessage(1) + PayloadLength(8).
const HeaderSize = 29

const (
	offSource        = 0
	offDest          = 8
	offSequence      = 16
	offEndOfMessage  = 20
	offPayloadLength = 21
)

// Header carries the routing fields of a packet.
type Header struct {
	Source        types.Identity
	Dest          types.Identity
	Sequence      uint32
	EndOfMessage  bool
	PayloadLength uint64
}

// Packet is a header plus exactly PayloadLength bytes of payload.
// A Packet is never modified after construction.
type Packet struct {
	Header
	payload []byte
}

// New builds a packet, copying payload so the caller may reuse its slice.
func New(source, dest types.Identity, seq uint32, eom bool, payload []byte) *Packet {
	owned := make([]byte, len(payload))
	copy(owned, payload)
	return &Packet{
		Header: Header{
			Source:        source,
			Dest:          dest,
			Sequence:      seq,
			EndOfMessage:  eom,
			PayloadLength: uint64(len(owned)),
		},
		payload: owned,
	}
}

// Payload returns the payload bytes. Callers must not modify them.
func (p *Packet) Payload() []byte {
	return p.payload
}

// EncodedSize is the number of bytes Encode writes.
func (p *Packet) EncodedSize() int {
	return HeaderSize + len(p.payload)
}

// EncodeTo writes the packet into buf and returns the byte count.
// buf must hold at least EncodedSize bytes.
func (p *Packet) EncodeTo(buf []byte) (int, error) {
	n := p.EncodedSize()
	if len(buf) < n {
		return 0, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("buffer of %d bytes cannot hold packet of %d bytes", len(buf), n))
	}
	putHeader(buf, p.Header)
	copy(buf[HeaderSize:], p.payload)
	return n, nil
}

// Encode returns the wire form of the packet.
func (p *Packet) Encode() []byte {
	buf := make([]byte, p.EncodedSize())
	putHeader(buf, p.Header)
	copy(buf[HeaderSize:], p.payload)
	return buf
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint64(buf[offSource:], uint64(h.Source))
	binary.LittleEndian.PutUint64(buf[offDest:], uint64(h.Dest))
	binary.LittleEndian.PutUint32(buf[offSequence:], h.Sequence)
	if h.EndOfMessage {
		buf[offEndOfMessage] = 1
	} else {
		buf[offEndOfMessage] = 0
	}
	binary.LittleEndian.PutUint64(buf[offPayloadLength:], h.PayloadLength)
}

// DecodeHeader parses the fixed header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("buffer of %d bytes is shorter than the %d byte header", len(buf), HeaderSize))
	}
	return Header{
		Source:        types.Identity(binary.LittleEndian.Uint64(buf[offSource:])),
		Dest:          types.Identity(binary.LittleEndian.Uint64(buf[offDest:])),
		Sequence:      binary.LittleEndian.Uint32(buf[offSequence:]),
		EndOfMessage:  buf[offEndOfMessage] != 0,
		PayloadLength: binary.LittleEndian.Uint64(buf[offPayloadLength:]),
	}, nil
}

// Decode builds an owned packet from buf. buf must hold the header and at
// least PayloadLength payload bytes; trailing bytes are ignored.
func Decode(buf []byte) (*Packet, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return nil, err
	}
	avail := uint64(len(buf) - HeaderSize)
	if h.PayloadLength > avail || h.PayloadLength > math.MaxInt-HeaderSize {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("payload length %d exceeds the %d bytes supplied", h.PayloadLength, avail))
	}
	payload := make([]byte, h.PayloadLength)
	copy(payload, buf[HeaderSize:])
	return &Packet{Header: h, payload: payload}, nil
}

// String returns a short description of the packet
func (p *Packet) String() string {
	return fmt.Sprintf("Packet{Source: %s, Dest: %s, Seq: %d, EOM: %v, Len: %d}",
		p.Header.Source, p.Header.Dest, p.Header.Sequence, p.Header.EndOfMessage, p.Header.PayloadLength)
}
