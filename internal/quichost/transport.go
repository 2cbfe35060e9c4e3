package quichost

import (
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

// clientSocket is the UDP socket shared by every dialed host in the process.
// It is opened by the first Dial and closed when the last dialed host closes.
var clientSocket struct {
	mu   sync.Mutex
	tr   *quic.Transport
	refs int
}

func acquireTransport() (*quic.Transport, error) {
	clientSocket.mu.Lock()
	defer clientSocket.mu.Unlock()

	if clientSocket.tr == nil {
		conn, err := net.ListenUDP("udp", nil)
		if err != nil {
			return nil, err
		}
		clientSocket.tr = &quic.Transport{Conn: conn}
	}
	clientSocket.refs++
	return clientSocket.tr, nil
}

func releaseTransport() {
	clientSocket.mu.Lock()
	defer clientSocket.mu.Unlock()

	clientSocket.refs--
	if clientSocket.refs > 0 {
		return
	}
	_ = clientSocket.tr.Close()
	clientSocket.tr = nil
	clientSocket.refs = 0
}

// sharedSocketRefs reports how many dialed hosts hold the client socket.
func sharedSocketRefs() int {
	clientSocket.mu.Lock()
	defer clientSocket.mu.Unlock()
	return clientSocket.refs
}
