package csmanet

// ipv4.go holds the IPv4 layer of a node: its interfaces and their addresses,
// its routing table, and the sending, delivery and forwarding of datagrams

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/iti/evt/evtm"
	"go4.org/netipx"
	"golang.org/x/exp/slices"
)

// defaultTTL is the time-to-live given to the datagrams a node originates
const defaultTTL = 64

// limitedBroadcast is the all-ones address
var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// an ipv4Intrfc binds a device to an address within a subnet
type ipv4Intrfc struct {
	number int
	device netDevice
	addr   netip.Addr
	prefix netip.Prefix
	arp    *arpCache // nil on the loopback interface
}

// broadcast returns the directed broadcast address of the interface's subnet
func (intrfc *ipv4Intrfc) broadcast() netip.Addr {
	return netipx.PrefixLastIP(intrfc.prefix)
}

// routeOrigin is the base type for an enumerated type of the ways a route enters a routing table
type routeOrigin int

const (
	connectedRoute routeOrigin = iota
	globalRoute
)

func routeOriginToStr(origin routeOrigin) string {
	if origin == connectedRoute {
		return "connected"
	}
	return "global"
}

// a routeEntry says where datagrams for a destination prefix leave the node, and through which gateway.
// The gateway is invalid for a destination on a directly connected subnet
type routeEntry struct {
	dest    netip.Prefix
	gateway netip.Addr
	intrfc  int
	origin  routeOrigin
}

// nextHop returns the address ARP must resolve to reach the destination given through this route
func (re *routeEntry) nextHop(dst netip.Addr) netip.Addr {
	if re.gateway.IsValid() {
		return re.gateway
	}
	return dst
}

// ipv4Stack is the IPv4 layer installed on a node
type ipv4Stack struct {
	node    *Node
	intrfcs []*ipv4Intrfc
	routes  []routeEntry
	forward bool
	ident   uint16
	drops   int
}

// createIpv4Stack is a constructor.  Every node forwards datagrams not addressed to it
func createIpv4Stack(node *Node) *ipv4Stack {
	stack := new(ipv4Stack)
	stack.node = node
	stack.intrfcs = make([]*ipv4Intrfc, 0)
	stack.routes = make([]routeEntry, 0)
	stack.forward = true
	node.ipv4 = stack
	return stack
}

// addIntrfc binds an address to a device and adds the route to the directly connected subnet
func (stack *ipv4Stack) addIntrfc(dev netDevice, addr netip.Addr, prefix netip.Prefix) *ipv4Intrfc {
	if stack.intrfcByDevice(dev) != nil {
		panic(fmt.Errorf("device %s already has an IPv4 interface", dev.devName()))
	}
	intrfc := &ipv4Intrfc{number: len(stack.intrfcs), device: dev, addr: addr, prefix: prefix.Masked()}
	if _, isLoopback := dev.(*loopbackDev); !isLoopback {
		intrfc.arp = createArpCache(stack, intrfc)
	}
	stack.intrfcs = append(stack.intrfcs, intrfc)
	stack.addRoute(routeEntry{dest: intrfc.prefix, intrfc: intrfc.number, origin: connectedRoute})
	return intrfc
}

// addRoute includes a route in the table, replacing one to the same destination
func (stack *ipv4Stack) addRoute(re routeEntry) {
	idx := slices.IndexFunc(stack.routes, func(have routeEntry) bool { return have.dest == re.dest })
	if idx > -1 {
		stack.routes[idx] = re
		return
	}
	stack.routes = append(stack.routes, re)
}

// lookup returns the route with the longest prefix holding the destination
func (stack *ipv4Stack) lookup(dst netip.Addr) (routeEntry, bool) {
	best := -1
	for idx, re := range stack.routes {
		if !re.dest.Contains(dst) {
			continue
		}
		if best == -1 || re.dest.Bits() > stack.routes[best].dest.Bits() {
			best = idx
		}
	}
	if best == -1 {
		return routeEntry{}, false
	}
	return stack.routes[best], true
}

// intrfcByDevice returns the interface bound to a device, or nil
func (stack *ipv4Stack) intrfcByDevice(dev netDevice) *ipv4Intrfc {
	for _, intrfc := range stack.intrfcs {
		if intrfc.device == dev {
			return intrfc
		}
	}
	return nil
}

// intrfcOnChannel returns the interface whose device is attached to the channel, or nil
func (stack *ipv4Stack) intrfcOnChannel(ch *csmaChannel) *ipv4Intrfc {
	for _, intrfc := range stack.intrfcs {
		csmaDev, isCsma := intrfc.device.(*csmaDevice)
		if isCsma && csmaDev.channel == ch {
			return intrfc
		}
	}
	return nil
}

// ownsAddr reports whether one of the node's interfaces carries the address given
func (stack *ipv4Stack) ownsAddr(addr netip.Addr) bool {
	for _, intrfc := range stack.intrfcs {
		if intrfc.addr == addr {
			return true
		}
	}
	return false
}

// isLocal reports whether a datagram for the destination given is to be delivered on this node
func (stack *ipv4Stack) isLocal(dst netip.Addr) bool {
	if dst == limitedBroadcast || stack.ownsAddr(dst) {
		return true
	}
	for _, intrfc := range stack.intrfcs {
		if intrfc.arp != nil && intrfc.broadcast() == dst {
			return true
		}
	}
	return false
}

// addrFromIP converts a gopacket header address into a netip.Addr
func addrFromIP(ip net.IP) netip.Addr {
	addr, ok := netipx.FromStdIP(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr
}

// sendUDP wraps a UDP header and payload in an IPv4 header and sends the datagram toward its
// destination.  An invalid source address is replaced by the address of the outgoing interface.
// The return is false if there is no route or the datagram could not be handed to a device
func (stack *ipv4Stack) sendUDP(evtMgr *evtm.EventManager, src, dst netip.Addr, udp *layers.UDP, payload []byte) bool {
	if stack.ownsAddr(dst) {
		return stack.sendLoopback(evtMgr, src, dst, udp, payload)
	}

	re, present := stack.lookup(dst)
	if !present {
		stack.drops += 1
		return false
	}
	intrfc := stack.intrfcs[re.intrfc]
	if !src.IsValid() {
		src = intrfc.addr
	}

	datagram, err := stack.buildDatagram(src, dst, udp, payload)
	if err != nil {
		panic(fmt.Errorf("%s building datagram: %w", stack.node.name, err))
	}
	return stack.transmit(evtMgr, intrfc, re.nextHop(dst), dst, datagram)
}

// sendLoopback delivers a datagram the node addresses to itself
func (stack *ipv4Stack) sendLoopback(evtMgr *evtm.EventManager, src, dst netip.Addr, udp *layers.UDP, payload []byte) bool {
	if !src.IsValid() {
		src = dst
	}
	datagram, err := stack.buildDatagram(src, dst, udp, payload)
	if err != nil {
		panic(fmt.Errorf("%s building datagram: %w", stack.node.name, err))
	}
	return stack.intrfcs[0].device.send(evtMgr, nil, layers.EthernetTypeIPv4, datagram)
}

// buildDatagram serializes the IPv4 header, the UDP header and the payload
func (stack *ipv4Stack) buildDatagram(src, dst netip.Addr, udp *layers.UDP, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      defaultTTL,
		Id:       stack.ident,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	stack.ident += 1

	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// transmit hands a datagram to the device of the interface given, resolving the link layer
// address of the next hop first unless the destination is a broadcast address
func (stack *ipv4Stack) transmit(evtMgr *evtm.EventManager, intrfc *ipv4Intrfc, nextHop, dst netip.Addr, datagram []byte) bool {
	if intrfc.arp == nil {
		return intrfc.device.send(evtMgr, nil, layers.EthernetTypeIPv4, datagram)
	}
	if dst == limitedBroadcast || dst == intrfc.broadcast() {
		return intrfc.device.send(evtMgr, broadcastMAC, layers.EthernetTypeIPv4, datagram)
	}
	return intrfc.arp.resolveAndSend(evtMgr, nextHop, datagram)
}

// receive accepts a datagram from an interface and either delivers it locally or forwards it
func (stack *ipv4Stack) receive(evtMgr *evtm.EventManager, intrfc *ipv4Intrfc, payload []byte) {
	ip := &layers.IPv4{}
	if err := ip.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil || ip.Version != 4 {
		stack.drops += 1
		return
	}

	src := addrFromIP(ip.SrcIP)
	dst := addrFromIP(ip.DstIP)

	if stack.isLocal(dst) {
		if ip.Protocol == layers.IPProtocolUDP && stack.node.udp != nil {
			stack.node.udp.receive(evtMgr, src, dst, ip.Payload)
			return
		}
		stack.drops += 1
		return
	}

	if !stack.forward {
		stack.drops += 1
		return
	}
	stack.forwardDatagram(evtMgr, ip, dst)
}

// forwardDatagram sends on a datagram that is not for this node, one hop closer to its destination
func (stack *ipv4Stack) forwardDatagram(evtMgr *evtm.EventManager, ip *layers.IPv4, dst netip.Addr) {
	if ip.TTL <= 1 {
		stack.drops += 1
		return
	}
	re, present := stack.lookup(dst)
	if !present {
		stack.drops += 1
		return
	}
	ip.TTL -= 1

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(ip.Payload)); err != nil {
		panic(fmt.Errorf("%s forwarding datagram: %w", stack.node.name, err))
	}
	stack.transmit(evtMgr, stack.intrfcs[re.intrfc], re.nextHop(dst), dst, buf.Bytes())
}

// an ipv4AddressHelper hands out the addresses of one subnet, in order, to the devices it is given
type ipv4AddressHelper struct {
	network netip.Prefix
	next    netip.Addr
}

// createIpv4AddressHelper is a constructor taking the network and mask in dotted-quad form.
// The first address handed out is the network address plus one
func createIpv4AddressHelper(network, mask string) (*ipv4AddressHelper, error) {
	netAddr, err := netip.ParseAddr(network)
	if err != nil || !netAddr.Is4() {
		return nil, fmt.Errorf("network %q is not an IPv4 address", network)
	}
	maskAddr, err := netip.ParseAddr(mask)
	if err != nil || !maskAddr.Is4() {
		return nil, fmt.Errorf("mask %q is not an IPv4 address", mask)
	}
	ones, bits := net.IPMask(maskAddr.AsSlice()).Size()
	if bits == 0 {
		return nil, fmt.Errorf("mask %q is not contiguous", mask)
	}

	prefix := netip.PrefixFrom(netAddr, ones)
	if prefix.Masked().Addr() != netAddr {
		return nil, fmt.Errorf("network %s has host bits set under mask %s", network, mask)
	}
	return &ipv4AddressHelper{network: prefix, next: netAddr.Next()}, nil
}

// assign gives each device, in order, the next address of the subnet
func (ah *ipv4AddressHelper) assign(devs []netDevice) ([]*ipv4Intrfc, error) {
	assigned := make([]*ipv4Intrfc, 0, len(devs))
	for _, dev := range devs {
		addr := ah.next
		if !ah.network.Contains(addr) || addr == netipx.PrefixLastIP(ah.network) {
			return nil, fmt.Errorf("subnet %s has no address left for %s", ah.network, dev.devName())
		}
		stack := dev.devNode().ipv4
		if stack == nil {
			return nil, fmt.Errorf("node %s has no IPv4 stack", dev.devNode().name)
		}
		assigned = append(assigned, stack.addIntrfc(dev, addr, ah.network))
		ah.next = addr.Next()
	}
	return assigned, nil
}
