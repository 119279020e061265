package lib

import (
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/Clouded-Sabre/tftpd/config"
)

// Transfer directions. An rrq moves data server to client, a wrq the other
// way around.
const (
	TypeRrq = "rrq"
	TypeWrq = "wrq"
)

// connectionParams carries the static wiring a connection gets from the
// dispatcher at creation time.
type connectionParams struct {
	key      string         // connection key, "ip:port" of the peer
	peerAddr net.Addr       // destination for every send
	sock     net.PacketConn // send socket shared by all connections
}

// ConnectionConfig holds the tunables every new connection starts from.
type ConnectionConfig struct {
	BlockSize         int // DATA payload size before negotiation
	Retries           int // retransmit budget
	RetransmitTimeout int // seconds between retransmits
}

func newConnectionConfig(c *config.ConnectionConfig) *ConnectionConfig {
	return &ConnectionConfig{
		BlockSize:         c.BlockSize,
		Retries:           c.Retries,
		RetransmitTimeout: c.RetransmitTimeout,
	}
}

// Connection is the state machine of one transfer. All methods returning a
// bool report liveness: false means the connection reached a terminal state
// and must be removed by the dispatcher. Connection.Error is empty when the
// terminal state is success.
type Connection struct {
	params *connectionParams

	Type     string            // rrq or wrq
	File     string            // client requested filename, verbatim
	Mode     string            // octet, netascii or other; passed through
	Filesize int64             // rrq: reported via OACK tsize. wrq: upload cap. -1 until provided
	Rfc      map[string]string // option table parsed from the request
	Error    string            // descriptive error string; empty on success

	reader ChunkReader // byte source for rrq
	writer io.Writer   // byte sink for wrq

	blockSize          int
	timeout            int   // seconds, per connection
	retries            int   // remaining retransmit attempts
	sequenceNumber     int64 // next expected block number, starts at 1
	lastSequenceNumber int64 // block number of the final short block
	haveLast           bool  // lastSequenceNumber has been observed
	received           int64 // cumulative bytes ingested on wrq
	lastop             uint16

	oackOptions []Option // options to echo, in wire order

	timer       *time.Timer // recurring retransmit timer, owned by the dispatcher
	finished    bool        // finish event already emitted
	frameBuffer []byte      // marshal scratch
}

func newConnection(params *connectionParams, connConfig *ConnectionConfig, connType, file, mode string, rfc map[string]string) *Connection {
	return &Connection{
		params:         params,
		Type:           connType,
		File:           file,
		Mode:           mode,
		Rfc:            rfc,
		Filesize:       -1,
		blockSize:      connConfig.BlockSize,
		timeout:        connConfig.RetransmitTimeout,
		retries:        connConfig.Retries,
		sequenceNumber: 1,
		frameBuffer:    make([]byte, MaxDatagramSize),
	}
}

// SetReadHandle attaches the application's byte source for an rrq. The
// handle is detected by capability: either a streaming asset with
// GetChunk(offset, length) or a positioned io.ReaderAt.
func (c *Connection) SetReadHandle(handle interface{}) error {
	reader, err := newChunkReader(handle)
	if err != nil {
		return err
	}
	c.reader = reader
	return nil
}

// SetWriteHandle attaches the application's byte sink for a wrq.
func (c *Connection) SetWriteHandle(w io.Writer) {
	c.writer = w
}

// SetFilesize records the source size so a tsize request can be answered.
func (c *Connection) SetFilesize(n int64) {
	c.Filesize = n
}

// Peer returns the endpoint this connection is keyed by.
func (c *Connection) Peer() net.Addr {
	return c.params.peerAddr
}

func (c *Connection) hasHandle() bool {
	if c.Type == TypeRrq {
		return c.reader != nil
	}
	return c.writer != nil
}

// negotiateOptions inspects the request's option table and fills
// oackOptions with the values to echo, in wire order. Unknown options are
// silently ignored per RFC 2347. Returns true when an OACK is due.
func (c *Connection) negotiateOptions() bool {
	c.oackOptions = nil

	if value, ok := c.Rfc["blksize"]; ok {
		if n, err := strconv.Atoi(value); err == nil {
			if n < MinBlockSize {
				n = MinBlockSize
			} else if n > MaxBlockSize {
				n = MaxBlockSize
			}
			c.blockSize = n
			c.oackOptions = append(c.oackOptions, Option{Name: "blksize", Value: strconv.Itoa(n)})
		}
	}

	if value, ok := c.Rfc["timeout"]; ok {
		if n, err := strconv.Atoi(value); err == nil && n >= MinTimeout && n <= MaxTimeout {
			if n >= 1 {
				c.timeout = n
			}
			c.oackOptions = append(c.oackOptions, Option{Name: "timeout", Value: value})
		}
	}

	if value, ok := c.Rfc["tsize"]; ok {
		if c.Type == TypeRrq {
			// Echo whatever size the application provided. A zero byte
			// file is still an answer: tsize=0.
			if c.Filesize >= 0 {
				c.oackOptions = append(c.oackOptions, Option{Name: "tsize", Value: strconv.FormatInt(c.Filesize, 10)})
			}
		} else {
			// On wrq the advertised size becomes the upload cap. It is
			// recorded but not echoed.
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n > 0 {
				c.Filesize = n
			}
		}
	}

	return len(c.oackOptions) > 0
}

// sendPacket marshals and transmits one packet to the peer.
func (c *Connection) sendPacket(packet *TftpPacket) error {
	n, err := packet.Marshal(c.frameBuffer)
	if err != nil {
		return err
	}
	_, err = c.params.sock.WriteTo(c.frameBuffer[:n], c.params.peerAddr)
	if err != nil {
		return err
	}
	debugf("%s <- %s opcode=%d block=%d len=%d", c.params.key, c.Type, packet.Opcode, packet.BlockNumber, n)
	return nil
}

// spendRetry burns one unit of the retransmit budget. Crossing below zero
// is terminal.
func (c *Connection) spendRetry(reason string) bool {
	c.retries--
	if c.retries < 0 {
		c.Error = reason
		return false
	}
	return true
}

// sendData transmits the DATA block sequenceNumber points at. The block is
// read from the application source at offset (sequenceNumber-1)*blockSize;
// a short read marks it as the final block.
func (c *Connection) sendData() bool {
	offset := (c.sequenceNumber - 1) * int64(c.blockSize)
	payload, err := c.reader.GetChunk(offset, c.blockSize)
	if err != nil {
		return c.sendError(ErrFileNotFound, fmt.Sprintf("Read: %s", err))
	}
	if len(payload) < c.blockSize {
		c.lastSequenceNumber = c.sequenceNumber
		c.haveLast = true
	}

	packet := NewDataPacket(uint16(c.sequenceNumber), payload)
	if packet == nil {
		return c.sendError(ErrNotDefined, "Out of payload chunks")
	}
	defer packet.ReturnChunk()

	c.lastop = OpcodeData
	if err := c.sendPacket(packet); err != nil {
		log.Printf("Error sending DATA to %s: %s. Will retry.", c.params.key, err)
		return c.spendRetry("Send failed: " + err.Error())
	}
	return true
}

// sendAck acknowledges block n.
func (c *Connection) sendAck(n uint16) bool {
	c.lastop = OpcodeAck
	packet := &TftpPacket{Opcode: OpcodeAck, BlockNumber: n}
	if err := c.sendPacket(packet); err != nil {
		log.Printf("Error sending ACK to %s: %s. Will retry.", c.params.key, err)
		return c.spendRetry("Send failed: " + err.Error())
	}
	return true
}

// sendOack echoes the negotiated options. The client answers with ACK(0)
// on an rrq or DATA(1) on a wrq.
func (c *Connection) sendOack() bool {
	c.lastop = OpcodeOack
	packet := &TftpPacket{Opcode: OpcodeOack, OackOptions: c.oackOptions}
	if err := c.sendPacket(packet); err != nil {
		log.Printf("Error sending OACK to %s: %s. Will retry.", c.params.key, err)
		return c.spendRetry("Send failed: " + err.Error())
	}
	return true
}

// sendError transmits a TFTP ERROR packet and moves the connection to its
// terminal state. ERROR packets are fire and forget: they are never
// retransmitted and no ACK is expected.
func (c *Connection) sendError(catalogueErr TftpError, message string) bool {
	if message == "" {
		message = catalogueErr.Message
	}
	c.lastop = OpcodeError
	c.Error = message
	packet := &TftpPacket{Opcode: OpcodeError, ErrorCode: catalogueErr.Code, ErrorMessage: message}
	if err := c.sendPacket(packet); err != nil {
		log.Printf("Error sending ERROR to %s: %s", c.params.key, err)
	}
	return false
}

// start answers the initial request: OACK when options were negotiated,
// otherwise DATA block 1 for an rrq or ACK(0) for a wrq.
func (c *Connection) start() bool {
	if !c.hasHandle() {
		return c.sendError(ErrFileNotFound, "")
	}
	if c.negotiateOptions() {
		return c.sendOack()
	}
	if c.Type == TypeRrq {
		return c.sendData()
	}
	return c.sendAck(0)
}

// receiveAck advances an rrq transfer. The accepted block numbers are the
// one just sent, the short-terminating one (transfer complete) and zero
// right after an OACK. Anything else burns a retry and sends nothing.
func (c *Connection) receiveAck(packet *TftpPacket) bool {
	if c.Type != TypeRrq {
		return c.sendError(ErrIllegalOperation, "ACK on a write request")
	}

	n := packet.BlockNumber
	switch {
	case c.haveLast && n == uint16(c.lastSequenceNumber):
		// The short final block was acknowledged. Transfer succeeded.
		c.Error = ""
		return false
	case n == 0 && c.lastop == OpcodeOack:
		return c.sendData()
	case n == uint16(c.sequenceNumber) && c.lastop == OpcodeData:
		c.sequenceNumber++
		return c.sendData()
	default:
		// Stale or out-of-order ACK. The timer retransmits.
		return c.spendRetry("Inactive connection")
	}
}

// receiveData ingests one DATA block of a wrq transfer and acknowledges
// it. The transfer completes once the ACK for the short final block has
// been transmitted.
func (c *Connection) receiveData(packet *TftpPacket) bool {
	if c.Type != TypeWrq {
		return c.sendError(ErrIllegalOperation, "DATA on a read request")
	}

	n := packet.BlockNumber
	if n != uint16(c.sequenceNumber) {
		// Duplicate or out-of-order block. The timer resends the last ACK.
		return c.spendRetry("Inactive connection")
	}

	if c.Filesize > 0 && c.received+int64(len(packet.Payload)) > c.Filesize {
		return c.sendError(ErrDiskFull, "tsize exceeded")
	}
	if len(packet.Payload) > 0 {
		if _, err := c.writer.Write(packet.Payload); err != nil {
			return c.sendError(ErrIllegalOperation, fmt.Sprintf("Write: %s", err))
		}
		c.received += int64(len(packet.Payload))
	}

	if len(packet.Payload) < c.blockSize {
		c.lastSequenceNumber = c.sequenceNumber
		c.haveLast = true
	}
	ack := uint16(c.sequenceNumber)
	c.sequenceNumber++

	if !c.sendAck(ack) {
		return false
	}
	if c.haveLast {
		c.Error = ""
		return false
	}
	return true
}

// retransmit resends whatever was sent last. It fires from the recurring
// per-connection timer when no datagram arrived within the timeout. Each
// fire burns one retry; exhausting the budget abandons the connection.
func (c *Connection) retransmit() bool {
	if c.lastop == OpcodeError {
		// ERROR packets are never retransmitted.
		return false
	}
	if !c.spendRetry("Inactive connection") {
		return false
	}

	switch c.lastop {
	case OpcodeData:
		offset := (c.sequenceNumber - 1) * int64(c.blockSize)
		payload, err := c.reader.GetChunk(offset, c.blockSize)
		if err != nil {
			return c.sendError(ErrFileNotFound, fmt.Sprintf("Read: %s", err))
		}
		packet := NewDataPacket(uint16(c.sequenceNumber), payload)
		if packet == nil {
			return c.sendError(ErrNotDefined, "Out of payload chunks")
		}
		defer packet.ReturnChunk()
		if err := c.sendPacket(packet); err != nil {
			log.Printf("Error retransmitting DATA to %s: %s", c.params.key, err)
		}
	case OpcodeAck:
		packet := &TftpPacket{Opcode: OpcodeAck, BlockNumber: uint16(c.sequenceNumber - 1)}
		if err := c.sendPacket(packet); err != nil {
			log.Printf("Error retransmitting ACK to %s: %s", c.params.key, err)
		}
	case OpcodeOack:
		packet := &TftpPacket{Opcode: OpcodeOack, OackOptions: c.oackOptions}
		if err := c.sendPacket(packet); err != nil {
			log.Printf("Error retransmitting OACK to %s: %s", c.params.key, err)
		}
	default:
		return false
	}
	return true
}
