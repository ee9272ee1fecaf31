package csmanet

// udp.go holds the UDP layer of a node and the sockets applications bind

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/iti/evt/evtm"
)

// maxUDPPayload is the largest payload that fits a csma frame without fragmentation
const maxUDPPayload = csmaMTU - 20 - 8

// ephemeral ports are handed out starting here
const (
	ephemeralPortFirst = 49153
	ephemeralPortLast  = 65535
)

// udpRecvFunc is called when a datagram arrives at a socket
type udpRecvFunc func(evtMgr *evtm.EventManager, sock *udpSocket, from netip.AddrPort, payload []byte)

// a udpSocket is a bound local port
type udpSocket struct {
	udp  *udpLayer
	port uint16
	recv udpRecvFunc
}

// udpLayer demultiplexes datagrams arriving at a node onto its sockets
type udpLayer struct {
	node      *Node
	sockets   map[uint16]*udpSocket
	ephemeral uint16
	drops     int
}

func createUDPLayer(node *Node) *udpLayer {
	ul := new(udpLayer)
	ul.node = node
	ul.sockets = make(map[uint16]*udpSocket)
	ul.ephemeral = ephemeralPortFirst
	node.udp = ul
	return ul
}

// bind creates a socket on the port given, or on the next free ephemeral port when the port is zero
func (ul *udpLayer) bind(port uint16, recv udpRecvFunc) (*udpSocket, error) {
	if port == 0 {
		for {
			if ul.ephemeral < ephemeralPortFirst {
				return nil, fmt.Errorf("node %s has no ephemeral port left", ul.node.name)
			}
			candidate := ul.ephemeral
			ul.ephemeral += 1 // wraps to 0 after the last port, which ends the search
			if _, inUse := ul.sockets[candidate]; !inUse {
				port = candidate
				break
			}
		}
	}
	if _, inUse := ul.sockets[port]; inUse {
		return nil, fmt.Errorf("node %s port %d already bound", ul.node.name, port)
	}
	sock := &udpSocket{udp: ul, port: port, recv: recv}
	ul.sockets[port] = sock
	return sock, nil
}

// Port returns the local port of the socket
func (sock *udpSocket) Port() uint16 {
	return sock.port
}

// sendTo sends the payload from the socket to the address and port given
func (sock *udpSocket) sendTo(evtMgr *evtm.EventManager, dst netip.AddrPort, payload []byte) bool {
	udp := &layers.UDP{SrcPort: layers.UDPPort(sock.port), DstPort: layers.UDPPort(dst.Port())}
	return sock.udp.node.ipv4.sendUDP(evtMgr, netip.Addr{}, dst.Addr(), udp, payload)
}

// receive decodes a segment delivered by the IPv4 layer and hands its payload to the bound socket.
// Datagrams for unbound ports are dropped
func (ul *udpLayer) receive(evtMgr *evtm.EventManager, src, dst netip.Addr, segment []byte) {
	udp := &layers.UDP{}
	if err := udp.DecodeFromBytes(segment, gopacket.NilDecodeFeedback); err != nil {
		ul.drops += 1
		return
	}
	sock, present := ul.sockets[uint16(udp.DstPort)]
	if !present {
		ul.drops += 1
		return
	}
	if sock.recv != nil {
		sock.recv(evtMgr, sock, netip.AddrPortFrom(src, uint16(udp.SrcPort)), udp.Payload)
	}
}
