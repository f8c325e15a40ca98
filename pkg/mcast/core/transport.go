package core

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"syscall"
	"time"

	"github.com/jabolina/groupcast/pkg/mcast/types"
	"golang.org/x/net/ipv4"
)

// Transport owns the two datagram endpoints a peer needs: the shared
// multicast socket (group traffic) and, once assigned, a unicast socket
// bound to this peer's own port. Grounded on
// other_examples/.../rcarmo-codebits-tv mcast.go's ipv4.PacketConn-based
// sender/receiver, a reference for idiomatic Go UDP multicast.
type Transport interface {
	// Send routes a packet to the multicast address when targetPort
	// equals the group's multicast port, otherwise unicasts it to
	// (multicast_address, targetPort).
	Send(targetPort int, data []byte) error

	// BindUnicast opens this peer's own unicast socket once a port has
	// been assigned by the leader.
	BindUnicast(port int) error

	// Listen returns the channel fed by every bound socket's reader.
	Listen() <-chan types.ReceivedPacket

	// Close releases every bound socket and stops the reader goroutines.
	Close()
}

// UDPTransport is the production Transport, backed by real IPv4 UDP
// sockets.
type UDPTransport struct {
	log types.Logger

	groupAddress string
	groupPort    int

	multicastConn *net.UDPConn
	unicastConn   *net.UDPConn

	producer chan types.ReceivedPacket

	ctx    context.Context
	cancel context.CancelFunc

	invoker Invoker
}

// NewUDPTransport joins the multicast group and starts its reader. The
// unicast socket is bound later, once discovery assigns a port (see
// BindUnicast).
func NewUDPTransport(groupAddress string, groupPort int, log types.Logger, invoker Invoker) (*UDPTransport, error) {
	conn, err := bindMulticast(groupAddress, groupPort)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrSocketBind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		log:           log,
		groupAddress:  groupAddress,
		groupPort:     groupPort,
		multicastConn: conn,
		producer:      make(chan types.ReceivedPacket, 256),
		ctx:           ctx,
		cancel:        cancel,
		invoker:       invoker,
	}
	t.invoker.Spawn(func() { t.read(conn) })
	return t, nil
}

// bindMulticast opens a UDP socket bound to every interface on groupPort,
// sets the platform-appropriate reuse option, and joins the multicast
// group.
func bindMulticast(groupAddress string, groupPort int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: setReuseOption}
	packetConn, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", groupPort))
	if err != nil {
		return nil, err
	}
	udpConn, ok := packetConn.(*net.UDPConn)
	if !ok {
		packetConn.Close()
		return nil, fmt.Errorf("unexpected packet connection type %T", packetConn)
	}

	pc := ipv4.NewPacketConn(udpConn)
	group := net.ParseIP(groupAddress)
	ifaces, _ := net.Interfaces()
	joined := false
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group}); err == nil {
			joined = true
		}
	}
	if !joined {
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("failed joining multicast group %s: %w", groupAddress, err)
		}
	}
	_ = pc.SetMulticastLoopback(true)
	return udpConn, nil
}

// setReuseOption sets SO_REUSEPORT on darwin and SO_REUSEADDR elsewhere.
func setReuseOption(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if runtime.GOOS == "darwin" {
			ctrlErr = trySetOpt(fd, syscall.SO_REUSEPORT)
		} else {
			ctrlErr = trySetOpt(fd, syscall.SO_REUSEADDR)
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

func trySetOpt(fd uintptr, opt int) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, opt, 1)
}

// BindUnicast opens this peer's dedicated unicast socket on port: once
// assigned, directed sends land here instead of the shared multicast
// socket.
func (t *UDPTransport) BindUnicast(port int) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrSocketBind, err)
	}
	t.unicastConn = conn
	t.invoker.Spawn(func() { t.read(conn) })
	return nil
}

func (t *UDPTransport) read(conn *net.UDPConn) {
	buf := make([]byte, maxPacketSize+1)
	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-t.ctx.Done():
				return
			default:
				continue
			}
		}
		if n > maxPacketSize {
			t.log.Warnf("dropping truncated packet of %d bytes from %s", n, addr)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		packet := types.ReceivedPacket{
			Data:   data,
			Sender: types.PeerAddress{Address: addr.IP.String(), Port: addr.Port},
		}
		select {
		case t.producer <- packet:
		case <-t.ctx.Done():
			return
		}
	}
}

// Send routes to the multicast address when targetPort is the group port,
// otherwise unicasts directly to that peer's port. Since every peer's
// unicast socket is bound on the shared multicast address, a directed send
// is simply a unicast datagram to (groupAddress, targetPort). There are no
// retries at this layer; loss is tolerated by the causal gap-recovery
// protocol.
func (t *UDPTransport) Send(targetPort int, data []byte) error {
	addr := &net.UDPAddr{IP: net.ParseIP(t.groupAddress), Port: targetPort}
	conn := t.unicastConn
	if conn == nil {
		conn = t.multicastConn
	}
	_, err := conn.WriteToUDP(data, addr)
	return err
}

// Listen returns the channel fed by both bound sockets' readers.
func (t *UDPTransport) Listen() <-chan types.ReceivedPacket {
	return t.producer
}

// Close stops both readers and releases the sockets.
func (t *UDPTransport) Close() {
	t.cancel()
	if t.multicastConn != nil {
		t.multicastConn.Close()
	}
	if t.unicastConn != nil {
		t.unicastConn.Close()
	}
}
