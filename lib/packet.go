package lib

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Option is one negotiated RFC 2347 option as it appears in an OACK. The
// order of options is preserved on the wire.
type Option struct {
	Name  string
	Value string
}

// TftpPacket represents a packet of the TFTP protocol. Which fields are
// meaningful depends on Opcode.
type TftpPacket struct {
	Opcode       uint16
	Filename     string            // RRQ/WRQ: requested file name, verbatim
	Mode         string            // RRQ/WRQ: octet, netascii or other
	Options      map[string]string // RRQ/WRQ: lowercased option table
	OackOptions  []Option          // OACK: echoed options in wire order; also the option pairs Marshal writes for RRQ/WRQ
	BlockNumber  uint16            // DATA/ACK: block number
	ErrorCode    uint16            // ERROR: numeric code from the catalogue
	ErrorMessage string            // ERROR: human readable message
	Payload      []byte            // DATA: 0..blocksize bytes, copied verbatim
	chunk        *rp.Element       // memory chunk backing Payload
}

// Marshal writes the packet into buffer and returns the frame length.
// Encoding is strict: the DATA payload is copied with no transformation.
func (p *TftpPacket) Marshal(buffer []byte) (int, error) {
	var fp int
	if rp.Debug && p.GetChunkReference() != nil {
		fp = p.AddFootPrint("p.Marshal")
	}

	frameLength := 2
	switch p.Opcode {
	case OpcodeRrq, OpcodeWrq:
		frameLength += len(p.Filename) + 1 + len(p.Mode) + 1
		for _, opt := range p.OackOptions {
			frameLength += len(opt.Name) + 1 + len(opt.Value) + 1
		}
	case OpcodeData:
		frameLength += 2 + len(p.Payload)
	case OpcodeAck:
		frameLength += 2
	case OpcodeError:
		frameLength += 2 + len(p.ErrorMessage) + 1
	case OpcodeOack:
		for _, opt := range p.OackOptions {
			frameLength += len(opt.Name) + 1 + len(opt.Value) + 1
		}
	default:
		return 0, fmt.Errorf("cannot marshal packet with unknown opcode %d", p.Opcode)
	}

	if frameLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}

	binary.BigEndian.PutUint16(buffer[0:2], p.Opcode)
	offset := 2

	putCString := func(s string) {
		copy(buffer[offset:], s)
		offset += len(s)
		buffer[offset] = 0
		offset++
	}

	switch p.Opcode {
	case OpcodeRrq, OpcodeWrq:
		putCString(p.Filename)
		putCString(p.Mode)
		for _, opt := range p.OackOptions {
			putCString(opt.Name)
			putCString(opt.Value)
		}
	case OpcodeData:
		binary.BigEndian.PutUint16(buffer[offset:offset+2], p.BlockNumber)
		offset += 2
		copy(buffer[offset:], p.Payload)
	case OpcodeAck:
		binary.BigEndian.PutUint16(buffer[offset:offset+2], p.BlockNumber)
	case OpcodeError:
		binary.BigEndian.PutUint16(buffer[offset:offset+2], p.ErrorCode)
		offset += 2
		putCString(p.ErrorMessage)
	case OpcodeOack:
		for _, opt := range p.OackOptions {
			putCString(opt.Name)
			putCString(opt.Value)
		}
	}

	if rp.Debug && p.chunk != nil {
		p.chunk.TickFootPrint(fp)
	}
	return frameLength, nil
}

// Unmarshal converts a byte slice to a TftpPacket. Decoding is tolerant:
// extra trailing bytes on ACK and ERROR are ignored and a missing option
// value yields an empty string.
func (p *TftpPacket) Unmarshal(data []byte) error {
	if len(data) < 2 {
		return fmt.Errorf("the length(%d) of data is too short to be unmarshalled", len(data))
	}
	p.Opcode = binary.BigEndian.Uint16(data[0:2])
	rest := data[2:]

	switch p.Opcode {
	case OpcodeRrq, OpcodeWrq:
		var ok bool
		p.Filename, rest, ok = readCString(rest)
		if !ok {
			return fmt.Errorf("request packet is missing the filename field")
		}
		p.Mode, rest, ok = readCString(rest)
		if !ok {
			return fmt.Errorf("request packet is missing the mode field")
		}
		p.Options = make(map[string]string)
		for len(rest) > 0 {
			var name, value string
			name, rest, ok = readCString(rest)
			if !ok || name == "" {
				break
			}
			value, rest, _ = readCString(rest) // missing value decodes as ""
			p.Options[strings.ToLower(name)] = value
		}
	case OpcodeData:
		if len(rest) < 2 {
			return fmt.Errorf("DATA packet is missing the block number")
		}
		p.BlockNumber = binary.BigEndian.Uint16(rest[0:2])
		if len(rest) > 2 {
			if err := p.CopyToPayload(rest[2:]); err != nil {
				return fmt.Errorf("packet unmarshal: error copying packet payload - %s", err)
			}
		} else {
			p.Payload = nil
		}
	case OpcodeAck:
		if len(rest) < 2 {
			return fmt.Errorf("ACK packet is missing the block number")
		}
		p.BlockNumber = binary.BigEndian.Uint16(rest[0:2])
	case OpcodeError:
		if len(rest) < 2 {
			return fmt.Errorf("ERROR packet is missing the error code")
		}
		p.ErrorCode = binary.BigEndian.Uint16(rest[0:2])
		p.ErrorMessage, _, _ = readCString(rest[2:])
	case OpcodeOack:
		p.OackOptions = nil
		for len(rest) > 0 {
			var name, value string
			var ok bool
			name, rest, ok = readCString(rest)
			if !ok || name == "" {
				break
			}
			value, rest, _ = readCString(rest)
			p.OackOptions = append(p.OackOptions, Option{Name: strings.ToLower(name), Value: value})
		}
	default:
		return fmt.Errorf("unknown opcode %d", p.Opcode)
	}

	return nil
}

// readCString splits a NUL terminated string off data. The last field of a
// frame may lack its terminator; it is accepted as-is.
func readCString(data []byte) (string, []byte, bool) {
	if len(data) == 0 {
		return "", nil, false
	}
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], true
		}
	}
	return string(data), nil, true
}

// NewDataPacket builds an outgoing DATA packet with its payload copied into
// a pool chunk. A zero length payload is legal for the final block.
func NewDataPacket(blockNumber uint16, payload []byte) *TftpPacket {
	newPacket := &TftpPacket{
		Opcode:      OpcodeData,
		BlockNumber: blockNumber,
	}
	if len(payload) > 0 {
		if err := newPacket.CopyToPayload(payload); err != nil {
			log.Println("NewDataPacket error:", err)
			return nil
		}
	}
	return newPacket
}

func (p *TftpPacket) CopyToPayload(src []byte) error {
	if len(src) == 0 {
		err := fmt.Errorf("p.CopyToPayload: Source slice is empty")
		log.Println(err)
		return err
	}
	p.GetChunk()
	if p.chunk == nil {
		err := fmt.Errorf("p.CopyToPayload: Got an nil chunk")
		log.Println(err)
		return err
	}
	err := p.chunk.Data.(*DataChunk).Fill(src)
	if err != nil {
		p.ReturnChunk()
		return fmt.Errorf("TftpPacket.CopyToPayload: %s", err)
	}
	p.Payload = p.chunk.Data.(*DataChunk).Bytes()
	return nil
}

func (p *TftpPacket) ReturnChunk() {
	if p.chunk != nil {
		Pool.ReturnElement(p.chunk)
		p.chunk = nil
	}
}

func (p *TftpPacket) GetChunk() {
	p.chunk = Pool.GetElement()
}

func (p *TftpPacket) GetChunkReference() *rp.Element {
	return p.chunk
}

func (p *TftpPacket) AddFootPrint(fpStr string) int {
	return p.chunk.AddFootPrint(fpStr)
}

func (p *TftpPacket) TickFootPrint(fp int) {
	p.chunk.TickFootPrint(fp)
}
