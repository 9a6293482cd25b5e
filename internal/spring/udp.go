package spring

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/protocol"
)

// AutohostSocket is the loopback UDP channel the engine's autohost
// interface talks to. A reader goroutine decodes datagrams onto Events;
// the main loop consumes them. Outbound chat commands go back as plain
// lines to the engine's source port.
type AutohostSocket struct {
	log  *logrus.Logger
	conn *net.UDPConn
	peer *net.UDPAddr

	Events chan protocol.AutohostEvent
}

// OpenAutohostSocket binds a loopback UDP port (0 = ephemeral).
func OpenAutohostSocket(log *logrus.Logger, port int) (*AutohostSocket, error) {
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("bind autohost socket: %w", err)
	}
	s := &AutohostSocket{
		log:    log,
		conn:   conn,
		Events: make(chan protocol.AutohostEvent, 256),
	}
	go s.readLoop()
	return s, nil
}

// Port returns the bound UDP port for the start script.
func (s *AutohostSocket) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

func (s *AutohostSocket) readLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			close(s.Events)
			return
		}
		s.peer = peer
		ev, err := protocol.DecodeAutohost(buf[:n])
		if err != nil {
			s.log.WithError(err).Debug("bad autohost datagram")
			continue
		}
		select {
		case s.Events <- ev:
		default:
			s.log.Warn("autohost event queue full, dropping")
		}
	}
}

// SendLine writes one command line to the engine. Fails until the engine
// has sent its first datagram (peer unknown).
func (s *AutohostSocket) SendLine(line string) error {
	if s.peer == nil {
		return fmt.Errorf("engine not connected yet")
	}
	_, err := s.conn.WriteToUDP([]byte(line), s.peer)
	return err
}

// Close stops the reader and releases the port.
func (s *AutohostSocket) Close() error { return s.conn.Close() }
