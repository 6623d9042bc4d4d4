package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"epaxos/internal/epaxos"
)

// A minimal interactive client: reads key-value commands from stdin, sends
// each to one replica with a monotonically increasing client id, and resends
// it up to five times until the reply arrives, then gives up on that command.
// Retries are safe: replicas deduplicate on
// (address, pseudonym, id).
func main() {
	replicaAddr := flag.String("replica", "", "address of the replica to talk to")
	bindAddr := flag.String("bind", "127.0.0.1:0", "local address to receive replies on")
	timeout := flag.Duration("timeout", 2*time.Second, "per-attempt reply timeout")
	flag.Parse()

	if *replicaAddr == "" {
		log.Fatal("usage: epaxos-client -replica host:port")
	}

	logger := &epaxos.StdLogger{}
	transport := epaxos.NewUDPTransport(*bindAddr, logger)

	pseudonym := uuid.New().String()
	replies := make(chan *epaxos.Message, 16)
	transport.SetMessageHandler(func(msg *epaxos.Message) {
		if msg.Type == epaxos.ClientReplyMsg && msg.ClientPseudonym == pseudonym {
			replies <- msg
		}
	})
	if err := transport.Start(); err != nil {
		log.Fatalf("Failed to start transport: %v", err)
	}
	defer transport.Stop()

	fmt.Printf("Connected as %s via %s\n", pseudonym, transport.LocalAddr())
	fmt.Println("Commands: SET key=value | GET key | DEL key | quit")

	scanner := bufio.NewScanner(os.Stdin)
	var clientID int32
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "quit") || strings.EqualFold(line, "exit") {
			return
		}

		clientID++
		request := &epaxos.Message{
			Type:            epaxos.ClientRequestMsg,
			ClientAddr:      transport.LocalAddr(),
			ClientPseudonym: pseudonym,
			ClientID:        clientID,
			Payload:         []byte(line),
		}

		result, ok := sendWithRetry(transport, *replicaAddr, request, clientID, replies, *timeout)
		if !ok {
			fmt.Println("(no reply, giving up)")
			continue
		}
		fmt.Println(string(result))
	}
}

func sendWithRetry(transport epaxos.Transport, replicaAddr string, request *epaxos.Message,
	clientID int32, replies chan *epaxos.Message, timeout time.Duration) ([]byte, bool) {
	for attempt := 0; attempt < 5; attempt++ {
		if err := transport.SendMessage(replicaAddr, request); err != nil {
			log.Printf("Send failed: %v", err)
		}
		deadline := time.After(timeout)
	waiting:
		for {
			select {
			case reply := <-replies:
				if reply.ClientID == clientID {
					return reply.Result, true
				}
				// Stale reply from an earlier retry, keep waiting
			case <-deadline:
				break waiting
			}
		}
	}
	return nil, false
}
