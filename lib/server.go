package lib

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"

	"github.com/Clouded-Sabre/tftpd/config"
)

// Debug enables verbose tracing. It is switched on by the config file or
// by setting TFTPD_DEBUG=1 in the environment.
var Debug bool

func debugf(format string, v ...interface{}) {
	if Debug {
		log.Printf("tftpd: "+format, v...)
	}
}

// TftpdConfig aggregates everything the dispatcher needs.
type TftpdConfig struct {
	Listen          string            // listen specification, see ParseListenAddr
	MaxConnections  int               // hard cap on concurrent transfers
	PayloadPoolSize int               // number of payload chunks in the ring pool
	Debug           bool              // verbose tracing
	PoolDebug       bool              // ring pool debug setting
	ConnConfig      *ConnectionConfig // per connection tunables
}

func DefaultTftpdConfig() *TftpdConfig {
	return NewTftpdConfig(config.DefaultServerConfig(), config.DefaultConnectionConfig())
}

func NewTftpdConfig(srvConfig *config.ServerConfig, connConfig *config.ConnectionConfig) *TftpdConfig {
	return &TftpdConfig{
		Listen:          srvConfig.Listen,
		MaxConnections:  srvConfig.MaxConnections,
		PayloadPoolSize: srvConfig.PayloadPoolSize,
		Debug:           srvConfig.Debug,
		PoolDebug:       srvConfig.PoolDebug,
		ConnConfig:      newConnectionConfig(connConfig),
	}
}

// Tftpd is the server dispatcher. It owns the UDP socket, the connection
// table keyed by peer endpoint and the per-connection retransmit timers.
// A single mutex serializes the connection table, every state transition
// and every application callback.
type Tftpd struct {
	config      *TftpdConfig
	sock        net.PacketConn
	mu          sync.Mutex
	connections map[string]*Connection
	closeSignal chan struct{}
	wg          sync.WaitGroup
	started     bool

	rrqHandlers    []func(*Connection)
	wrqHandlers    []func(*Connection)
	finishHandlers []func(*Connection, string)
	errorHandlers  []func(error)
}

func NewTftpd(tftpdConfig *TftpdConfig) *Tftpd {
	if tftpdConfig == nil {
		tftpdConfig = DefaultTftpdConfig()
	}
	if tftpdConfig.ConnConfig == nil {
		tftpdConfig.ConnConfig = newConnectionConfig(config.DefaultConnectionConfig())
	}
	Debug = tftpdConfig.Debug || os.Getenv("TFTPD_DEBUG") == "1"

	if Pool == nil {
		rp.Debug = tftpdConfig.PoolDebug
		Pool = rp.NewRingPool("TFTP: ", tftpdConfig.PayloadPoolSize, NewDataChunk, MaxBlockSize)
		Pool.Debug = tftpdConfig.PoolDebug
	}

	return &Tftpd{
		config:      tftpdConfig,
		connections: make(map[string]*Connection),
		closeSignal: make(chan struct{}),
	}
}

// Event subscription. Every event supports multiple subscribers; finish
// fires exactly once per connection with an empty error string on success.
// Callbacks run under the server mutex and must not call back into the
// subscription methods.

func (s *Tftpd) OnRrq(cb func(*Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rrqHandlers = append(s.rrqHandlers, cb)
}

func (s *Tftpd) OnWrq(cb func(*Connection)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrqHandlers = append(s.wrqHandlers, cb)
}

func (s *Tftpd) OnFinish(cb func(*Connection, string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishHandlers = append(s.finishHandlers, cb)
}

func (s *Tftpd) OnError(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorHandlers = append(s.errorHandlers, cb)
}

// emitError surfaces a server level problem. It never touches protocol
// state. Callers must hold s.mu.
func (s *Tftpd) emitError(err error) {
	log.Println("tftpd:", err)
	for _, cb := range s.errorHandlers {
		cb(err)
	}
}

// emitFinish fires the finish event once for the given connection.
// Callers must hold s.mu.
func (s *Tftpd) emitFinish(conn *Connection) {
	if conn.finished {
		return
	}
	conn.finished = true
	for _, cb := range s.finishHandlers {
		cb(conn, conn.Error)
	}
}

// Start binds the UDP socket and starts the datagram loop. It is
// idempotent once started; a bind failure is surfaced via the error event.
func (s *Tftpd) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	listenAddr, err := ParseListenAddr(s.config.Listen)
	if err != nil {
		s.emitError(fmt.Errorf("invalid listen address %q: %w", s.config.Listen, err))
		return err
	}

	sock, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		s.emitError(fmt.Errorf("error binding %s: %w", listenAddr, err))
		return err
	}
	s.sock = sock
	s.started = true

	s.wg.Add(1)
	go s.handleIncomingDatagrams()

	log.Printf("TFTP server listening on %s", sock.LocalAddr())
	return nil
}

// Addr returns the bound socket address, or nil before Start. It takes no
// lock so event callbacks, which run under the server mutex, may call it.
func (s *Tftpd) Addr() net.Addr {
	if s.sock == nil {
		return nil
	}
	return s.sock.LocalAddr()
}

// handleIncomingDatagrams is the socket read loop. Exactly one datagram is
// received per turn and dispatched under the mutex, so no two handlers of
// the same daemon run concurrently.
func (s *Tftpd) handleIncomingDatagrams() {
	defer s.wg.Done()

	buffer := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-s.closeSignal:
			return
		default:
			s.processIncomingDatagram(buffer)
		}
	}
}

func (s *Tftpd) processIncomingDatagram(buffer []byte) {
	// Set a read deadline so the close signal is noticed.
	s.sock.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

	n, addr, err := s.sock.ReadFrom(buffer)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		select {
		case <-s.closeSignal:
			return
		default:
		}
		s.mu.Lock()
		s.emitError(fmt.Errorf("error reading datagram: %w", err))
		s.mu.Unlock()
		return
	}
	if n < 2 {
		s.mu.Lock()
		s.emitError(fmt.Errorf("undersized datagram (%d bytes) from %s", n, addr))
		s.mu.Unlock()
		return
	}

	opcode := binary.BigEndian.Uint16(buffer[0:2])

	s.mu.Lock()
	defer s.mu.Unlock()

	if opcode == OpcodeRrq || opcode == OpcodeWrq {
		s.newRequest(buffer[:n], addr)
		return
	}

	// Everything else belongs to an existing connection.
	connKey := addr.String()
	conn, ok := s.connections[connKey]
	if !ok {
		// Models "Unknown transfer ID": no wire error, only the event.
		s.emitError(fmt.Errorf("%s from unknown connection %s", opcodeName(opcode), connKey))
		return
	}

	// A datagram is progress. Reset the retransmit timer before
	// dispatching so a racing timer fire never retransmits work that was
	// just acknowledged.
	conn.timer.Reset(time.Duration(conn.timeout) * time.Second)

	var alive bool
	switch opcode {
	case OpcodeAck, OpcodeData, OpcodeError:
		packet := &TftpPacket{}
		if err := packet.Unmarshal(buffer[:n]); err != nil {
			s.emitError(fmt.Errorf("malformed packet from %s: %w", connKey, err))
			return
		}
		defer packet.ReturnChunk()
		switch opcode {
		case OpcodeAck:
			alive = conn.receiveAck(packet)
		case OpcodeData:
			alive = conn.receiveData(packet)
		case OpcodeError:
			conn.Error = fmt.Sprintf("(%d) %s", packet.ErrorCode, packet.ErrorMessage)
			alive = false
		}
	default:
		conn.Error = "Unknown opcode"
		alive = false
	}

	if !alive {
		s.removeConnection(conn)
	}
}

// newRequest handles an incoming RRQ or WRQ: enforce capacity, parse the
// request, build a connection, let the application attach a handle and
// send the first reply. Callers must hold s.mu.
func (s *Tftpd) newRequest(data []byte, addr net.Addr) {
	packet := &TftpPacket{}
	if err := packet.Unmarshal(data); err != nil {
		s.emitError(fmt.Errorf("malformed request from %s: %w", addr, err))
		return
	}

	var (
		connType string
		handlers []func(*Connection)
	)
	if packet.Opcode == OpcodeRrq {
		connType = TypeRrq
		handlers = s.rrqHandlers
	} else {
		connType = TypeWrq
		handlers = s.wrqHandlers
	}

	if len(handlers) == 0 {
		s.emitError(fmt.Errorf("cannot handle %s requests", connType))
		return
	}
	if len(s.connections) >= s.config.MaxConnections {
		s.emitError(fmt.Errorf("max connections (%d) reached", s.config.MaxConnections))
		return
	}

	connKey := addr.String()
	if old, ok := s.connections[connKey]; ok {
		// The peer restarted from the same port before the previous
		// transfer was evicted.
		old.Error = "Superseded by a new request"
		s.removeConnection(old)
	}

	params := &connectionParams{
		key:      connKey,
		peerAddr: addr,
		sock:     s.sock,
	}
	conn := newConnection(params, s.config.ConnConfig, connType, packet.Filename, packet.Mode, packet.Options)
	debugf("%s -> %s file=%q mode=%q options=%v", connKey, connType, conn.File, conn.Mode, conn.Rfc)

	// Let the application attach a file handle.
	for _, cb := range handlers {
		cb(conn)
	}

	if !conn.start() {
		s.emitFinish(conn)
		return
	}

	s.connections[connKey] = conn
	conn.timer = time.AfterFunc(time.Duration(conn.timeout)*time.Second, func() {
		s.onRetransmitTimer(conn)
	})
}

// onRetransmitTimer fires when a connection saw no datagram for a full
// timeout interval.
func (s *Tftpd) onRetransmitTimer(conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.connections[conn.params.key]; !ok || current != conn {
		return // removed or superseded while the timer was firing
	}

	if conn.retransmit() {
		conn.timer.Reset(time.Duration(conn.timeout) * time.Second)
		return
	}
	s.removeConnection(conn)
}

// removeConnection tears one connection down and fires finish exactly
// once. Callers must hold s.mu.
func (s *Tftpd) removeConnection(conn *Connection) {
	if conn.timer != nil {
		conn.timer.Stop()
	}
	delete(s.connections, conn.params.key)
	if conn.Error == "" {
		debugf("%s %s finished", conn.params.key, conn.Type)
	} else {
		debugf("%s %s failed: %s", conn.params.key, conn.Type, conn.Error)
	}
	s.emitFinish(conn)
}

// Close stops the read loop, cancels all per-connection timers and closes
// the socket. Transfers still in flight finish with a non-empty error.
func (s *Tftpd) Close() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	close(s.closeSignal)
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for _, conn := range s.connections {
		conn.timer.Stop()
		conn.Error = "Server closed"
		delete(s.connections, conn.params.key)
		s.emitFinish(conn)
	}
	err := s.sock.Close()
	s.mu.Unlock()

	log.Println("TFTP server closed gracefully.")
	return err
}

func opcodeName(opcode uint16) string {
	switch opcode {
	case OpcodeRrq:
		return "RRQ"
	case OpcodeWrq:
		return "WRQ"
	case OpcodeData:
		return "DATA"
	case OpcodeAck:
		return "ACK"
	case OpcodeError:
		return "ERROR"
	case OpcodeOack:
		return "OACK"
	default:
		return fmt.Sprintf("opcode %d", opcode)
	}
}
