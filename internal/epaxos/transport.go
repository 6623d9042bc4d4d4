package epaxos

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// Transport handles network communication between replicas and with clients.
// The core never blocks on it: sends are fire-and-forget and delivery is not
// guaranteed, which is exactly what the protocol tolerates.
type Transport interface {
	// Start begins listening for incoming messages
	Start() error
	// Stop shuts down the transport
	Stop() error
	// SendMessage sends a message to a target address
	SendMessage(targetAddr string, msg *Message) error
	// SetMessageHandler sets the handler for incoming messages
	SetMessageHandler(handler func(*Message))
	// LocalAddr is the address peers and clients can reach this transport on
	LocalAddr() string
}

// UDPTransport implements Transport using JSON-encoded UDP datagrams.
type UDPTransport struct {
	bindAddr       string
	conn           *net.UDPConn
	messageHandler func(*Message)
	mu             sync.RWMutex
	shutdownCh     chan struct{}
	wg             sync.WaitGroup
	logger         Logger
}

// NewUDPTransport creates a new UDP transport
func NewUDPTransport(bindAddr string, logger Logger) *UDPTransport {
	return &UDPTransport{
		bindAddr:   bindAddr,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}
}

// Start begins listening for incoming UDP messages
func (t *UDPTransport) Start() error {
	addr, err := net.ResolveUDPAddr("udp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP: %w", err)
	}

	t.conn = conn
	t.wg.Add(1)
	go t.listen()

	return nil
}

// Stop shuts down the transport
func (t *UDPTransport) Stop() error {
	close(t.shutdownCh)
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			return fmt.Errorf("failed to close UDP connection: %w", err)
		}
	}
	t.wg.Wait()
	return nil
}

// SendMessage sends a message to a target address
func (t *UDPTransport) SendMessage(targetAddr string, msg *Message) error {
	addr, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve target address: %w", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := t.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}

// SetMessageHandler sets the handler for incoming messages
func (t *UDPTransport) SetMessageHandler(handler func(*Message)) {
	t.mu.Lock()
	t.messageHandler = handler
	t.mu.Unlock()
}

// LocalAddr returns the bound address
func (t *UDPTransport) LocalAddr() string {
	if t.conn != nil {
		return t.conn.LocalAddr().String()
	}
	return t.bindAddr
}

// listen processes incoming UDP messages until shutdown
func (t *UDPTransport) listen() {
	defer t.wg.Done()

	buf := make([]byte, 65536)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.shutdownCh:
				return
			default:
				t.logger.Errorf("[Transport] Error reading from UDP: %v", err)
				continue
			}
		}

		var msg Message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
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
