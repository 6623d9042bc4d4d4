package epaxos

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	reuse "github.com/portmapping/go-reuse"
)

// TCPTransport implements Transport over persistent TCP connections carrying
// length-delimited JSON frames. Listening and dialing go through SO_REUSEPORT
// so a restarted replica can rebind its address while old connections drain.
type TCPTransport struct {
	bindAddr       string
	listener       net.Listener
	messageHandler func(*Message)

	mu    sync.RWMutex
	conns map[string]net.Conn

	shutdownCh chan struct{}
	wg         sync.WaitGroup
	logger     Logger
}

// NewTCPTransport creates a new TCP transport
func NewTCPTransport(bindAddr string, logger Logger) *TCPTransport {
	return &TCPTransport{
		bindAddr:   bindAddr,
		conns:      make(map[string]net.Conn),
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
}

// Start begins accepting peer connections
func (t *TCPTransport) Start() error {
	listener, err := reuse.Listen("tcp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on TCP: %w", err)
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

// Stop closes the listener and every open connection
func (t *TCPTransport) Stop() error {
	close(t.shutdownCh)
	if t.listener != nil {
		if err := t.listener.Close(); err != nil {
			return fmt.Errorf("failed to close TCP listener: %w", err)
		}
	}

	t.mu.Lock()
	for addr, conn := range t.conns {
		conn.Close()
		delete(t.conns, addr)
	}
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

// SendMessage sends a message to a target address, dialing on first use and
// re-dialing after a broken connection.
func (t *TCPTransport) SendMessage(targetAddr string, msg *Message) error {
	conn, err := t.connTo(targetAddr)
	if err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := conn.Write(frame); err != nil {
		t.dropConn(targetAddr, conn)
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// SetMessageHandler sets the handler for incoming messages
func (t *TCPTransport) SetMessageHandler(handler func(*Message)) {
	t.mu.Lock()
	t.messageHandler = handler
	t.mu.Unlock()
}

// LocalAddr returns the bound address
func (t *TCPTransport) LocalAddr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.bindAddr
}

func (t *TCPTransport) connTo(targetAddr string) (net.Conn, error) {
	t.mu.RLock()
	conn, ok := t.conns[targetAddr]
	t.mu.RUnlock()
	if ok {
		return conn, nil
	}

	conn, err := reuse.Dial("tcp", t.bindAddr, targetAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", targetAddr, err)
	}

	t.mu.Lock()
	if existing, ok := t.conns[targetAddr]; ok {
		t.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	t.conns[targetAddr] = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(targetAddr, conn)
	return conn, nil
}

func (t *TCPTransport) dropConn(addr string, conn net.Conn) {
	t.mu.Lock()
	if t.conns[addr] == conn {
		delete(t.conns, addr)
	}
	t.mu.Unlock()
	conn.Close()
}

// acceptLoop accepts inbound peer connections until shutdown
func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.Errorf("[Transport] Error accepting connection: %v", err)
				continue
			}
		}
		addr := conn.RemoteAddr().String()
		t.mu.Lock()
		t.conns[addr] = conn
		t.mu.Unlock()

		t.wg.Add(1)
		go t.readLoop(addr, conn)
	}
}

// readLoop decodes frames from one connection until it breaks
func (t *TCPTransport) readLoop(addr string, conn net.Conn) {
	defer t.wg.Done()

	reader := bufio.NewReader(conn)
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			select {
			case <-t.shutdownCh:
			default:
				if err != io.EOF {
					t.logger.Warnf("[Transport] Connection from %s broke: %v", addr, err)
				}
			}
			t.dropConn(addr, conn)
			return
		}

		size := binary.BigEndian.Uint32(header)
		body := make([]byte, size)
		if _, err := io.ReadFull(reader, body); err != nil {
			t.logger.Warnf("[Transport] Truncated frame from %s: %v", addr, err)
			t.dropConn(addr, conn)
			return
		}

		var msg Message
		if err := json.Unmarshal(body, &msg); err != nil {
			t.logger.Warnf("[Transport] Failed to unmarshal message: %v", err)
			continue
		}

		t.mu.RLock()
		handler := t.messageHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(&msg)
		}
	}
}
