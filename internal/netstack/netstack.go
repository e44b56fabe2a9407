// Package netstack provides a user-mode network backend for guest network
// devices. Guest ethernet frames are injected into a gVisor TCP/IP stack;
// TCP and UDP flows initiated by the guest are proxied to the host's
// network, so the tender needs no privileges and no tap device. Host TCP
// listeners can be forwarded to guest ports in the other direction.
package netstack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	nicID     = 1
	queueSize = 4096
	mtu       = 1500

	maxInFlightTCP = 1024
)

// Config describes one user-mode network.
type Config struct {
	// GatewayIP is the stack's own address, which the guest uses as its
	// default gateway and DNS server.
	GatewayIP net.IP

	// GatewayMAC is the link address the stack answers ARP with.
	GatewayMAC net.HardwareAddr

	// EnableDNS serves DNS on GatewayIP:53 inside the stack.
	EnableDNS bool

	// Hostnames maps extra names to addresses for the built-in DNS
	// server. Names not listed here fall back to the host resolver.
	Hostnames map[string]net.IP

	// Forwards proxies host TCP listeners into the guest.
	Forwards []Forward

	Log *slog.Logger
}

// Forward publishes one guest TCP port on a host address.
type Forward struct {
	// HostAddr is the host listen address, e.g. "127.0.0.1:8080".
	HostAddr string

	GuestIP   net.IP
	GuestPort uint16
}

// Net is one running user-mode network. It moves raw ethernet frames for a
// single guest interface and proxies the guest's flows to the host.
type Net struct {
	stack *stack.Stack
	ch    *channel.Endpoint
	log   *slog.Logger

	cancel context.CancelFunc

	listeners []net.Listener

	mu     sync.Mutex
	frames [][]byte

	// doorbell becomes readable whenever frames is non-empty.
	doorbellR int
	doorbellW int

	closeOnce sync.Once
}

// New builds the stack, installs the TCP/UDP proxies and starts pumping
// outbound frames.
func New(cfg Config) (*Net, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	gw4 := cfg.GatewayIP.To4()
	if gw4 == nil {
		return nil, fmt.Errorf("netstack: gateway %v is not an IPv4 address", cfg.GatewayIP)
	}

	s := stack.New(stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			arp.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			udp.NewProtocol,
		},
	})

	linkAddr := tcpip.LinkAddress(cfg.GatewayMAC)
	ch := channel.New(queueSize, mtu+header.EthernetMinimumSize, linkAddr)

	if err := s.CreateNIC(nicID, ethernet.New(ch)); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("netstack: create NIC: %s", err)
	}

	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   tcpip.AddrFromSlice(gw4),
			PrefixLen: 24,
		},
	}
	if err := s.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("netstack: add address: %s", err)
	}

	s.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})

	// The guest connects to arbitrary destinations; the stack has to
	// accept flows addressed to any IP, not just its own.
	if err := s.SetPromiscuousMode(nicID, true); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("netstack: promiscuous mode: %s", err)
	}
	if err := s.SetSpoofing(nicID, true); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("netstack: spoofing: %s", err)
	}

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		s.Destroy()
		return nil, fmt.Errorf("netstack: doorbell pipe: %w", err)
	}
	// Spurious doorbell wakeups are harmless; blocking on the doorbell is
	// not.
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)

	ctx, cancel := context.WithCancel(context.Background())
	n := &Net{
		stack:     s,
		ch:        ch,
		log:       log,
		cancel:    cancel,
		doorbellR: fds[0],
		doorbellW: fds[1],
	}

	n.installForwarders()

	if err := n.startForwards(cfg.Forwards); err != nil {
		n.Close()
		return nil, err
	}

	if cfg.EnableDNS {
		if err := n.serveDNS(gw4, cfg.Hostnames); err != nil {
			n.Close()
			return nil, err
		}
	}

	go n.pump(ctx)

	return n, nil
}

// installForwarders proxies guest-initiated TCP and UDP flows to the host's
// network, preserving the original destination.
func (n *Net) installForwarders() {
	tcpFwd := tcp.NewForwarder(n.stack, 0, maxInFlightTCP, func(r *tcp.ForwarderRequest) {
		id := r.ID()
		dest := net.JoinHostPort(id.LocalAddress.String(), strconv.Itoa(int(id.LocalPort)))

		outbound, err := net.Dial("tcp", dest)
		if err != nil {
			n.log.Debug("tcp dial failed", "dest", dest, "err", err)
			r.Complete(true)
			return
		}

		var wq waiter.Queue
		ep, tcpipErr := r.CreateEndpoint(&wq)
		if tcpipErr != nil {
			outbound.Close()
			r.Complete(true)
			return
		}
		r.Complete(false)

		go proxyConns(gonet.NewTCPConn(&wq, ep), outbound)
	})
	n.stack.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(n.stack, func(r *udp.ForwarderRequest) bool {
		id := r.ID()
		dest := net.JoinHostPort(id.LocalAddress.String(), strconv.Itoa(int(id.LocalPort)))

		var wq waiter.Queue
		ep, tcpipErr := r.CreateEndpoint(&wq)
		if tcpipErr != nil {
			return true
		}

		outbound, err := net.Dial("udp", dest)
		if err != nil {
			n.log.Debug("udp dial failed", "dest", dest, "err", err)
			ep.Close()
			return true
		}

		go proxyConns(gonet.NewUDPConn(&wq, ep), outbound)
		return true
	})
	n.stack.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)
}

// startForwards opens one host listener per forward. Accepted connections
// are dialed into the stack toward the guest.
func (n *Net) startForwards(forwards []Forward) error {
	for _, fwd := range forwards {
		guest4 := fwd.GuestIP.To4()
		if guest4 == nil {
			return fmt.Errorf("netstack: forward target %v is not an IPv4 address", fwd.GuestIP)
		}

		ln, err := net.Listen("tcp", fwd.HostAddr)
		if err != nil {
			return fmt.Errorf("netstack: forward listen %s: %w", fwd.HostAddr, err)
		}
		n.listeners = append(n.listeners, ln)

		target := tcpip.FullAddress{
			NIC:  nicID,
			Addr: tcpip.AddrFromSlice(guest4),
			Port: fwd.GuestPort,
		}
		go n.acceptForward(ln, target)
	}
	return nil
}

func (n *Net) acceptForward(ln net.Listener, target tcpip.FullAddress) {
	for {
		inbound, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			guest, err := gonet.DialTCP(n.stack, target, ipv4.ProtocolNumber)
			if err != nil {
				n.log.Debug("forward dial failed", "target", target.Addr, "port", target.Port, "err", err)
				inbound.Close()
				return
			}
			proxyConns(inbound, guest)
		}()
	}
}

func proxyConns(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(a, b)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(b, a)
		done <- struct{}{}
	}()
	<-done
	a.Close()
	b.Close()
	<-done
}

// pump drains frames the stack wants to transmit into the outbound queue
// and rings the doorbell.
func (n *Net) pump(ctx context.Context) {
	for {
		pkt := n.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}
		frame := pkt.ToView().AsSlice()
		pkt.DecRef()

		n.mu.Lock()
		n.frames = append(n.frames, frame)
		n.mu.Unlock()

		var one [1]byte
		unix.Write(n.doorbellW, one[:])
	}
}

// WriteFrame injects one ethernet frame from the guest into the stack.
func (n *Net) WriteFrame(frame []byte) error {
	if len(frame) > mtu+header.EthernetMinimumSize {
		return fmt.Errorf("netstack: frame of %d bytes exceeds MTU", len(frame))
	}
	buf := make([]byte, len(frame))
	copy(buf, frame)

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(buf),
	})
	n.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

// ReadFrame pops one outbound frame, or returns nil when none is queued.
func (n *Net) ReadFrame() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.frames) == 0 {
		return nil
	}
	frame := n.frames[0]
	n.frames = n.frames[1:]

	var one [1]byte
	unix.Read(n.doorbellR, one[:])
	return frame
}

// PollFD returns a descriptor that polls readable while outbound frames are
// queued.
func (n *Net) PollFD() int {
	return n.doorbellR
}

func (n *Net) Close() error {
	n.closeOnce.Do(func() {
		n.cancel()
		for _, ln := range n.listeners {
			ln.Close()
		}
		n.stack.Destroy()
		unix.Close(n.doorbellR)
		unix.Close(n.doorbellW)
	})
	return nil
}
