package csmanet

import (
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// udpSink counts what arrives at a socket
type udpSink struct {
	payloads [][]byte
	from     []netip.AddrPort
}

func (us *udpSink) recv(evtMgr *evtm.EventManager, sock *udpSocket, from netip.AddrPort, payload []byte) {
	us.payloads = append(us.payloads, append([]byte(nil), payload...))
	us.from = append(us.from, from)
}

func TestAddressHelper(t *testing.T) {
	_, err := createIpv4AddressHelper("10.1.1.0", "255.255.0.255")
	assert.Error(t, err)
	_, err = createIpv4AddressHelper("10.1.1.5", "255.255.255.0")
	assert.Error(t, err)
	_, err = createIpv4AddressHelper("not-an-address", "255.255.255.0")
	assert.Error(t, err)

	_, _, nodes, _ := buildTestLAN(t, 3)
	want := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for idx, node := range nodes {
		require.Len(t, node.ipv4.intrfcs, 2)
		intrfc := node.ipv4.intrfcs[1]
		assert.Equal(t, want[idx], intrfc.addr.String())
		assert.Equal(t, "10.0.0.0/24", intrfc.prefix.String())
		assert.Equal(t, "10.0.0.255", intrfc.broadcast().String())
	}
}

func TestAddressHelperExhausted(t *testing.T) {
	ah, err := createIpv4AddressHelper("192.168.0.0", "255.255.255.252")
	require.NoError(t, err)

	ch := createCsmaChannel("tiny", 1, DataRate(1000000), 1e-6)
	devs := []netDevice{}
	for idx := 0; idx < 3; idx++ {
		node := createNode("tiny", idx, clientRole)
		node.addDevice(createLoopbackDev(node, 10+idx))
		createIpv4Stack(node)
		devs = append(devs, createCsmaDevice(node, 20+idx, macFromInt(uint64(idx+1)), ch, nil))
	}
	_, err = ah.assign(devs)
	assert.Error(t, err)
}

func TestRouteLookup(t *testing.T) {
	node := createNode("lookup", 0, routerRole)
	lo := createLoopbackDev(node, 1)
	node.addDevice(lo)
	stack := createIpv4Stack(node)
	stack.addIntrfc(lo, netip.MustParseAddr("127.0.0.1"), netip.MustParsePrefix("127.0.0.0/8"))

	stack.addRoute(routeEntry{dest: netip.MustParsePrefix("10.0.0.0/8"), intrfc: 0, origin: globalRoute,
		gateway: netip.MustParseAddr("127.0.0.2")})
	stack.addRoute(routeEntry{dest: netip.MustParsePrefix("10.1.0.0/16"), intrfc: 0, origin: globalRoute,
		gateway: netip.MustParseAddr("127.0.0.3")})

	re, present := stack.lookup(netip.MustParseAddr("10.1.2.3"))
	require.True(t, present)
	assert.Equal(t, "10.1.0.0/16", re.dest.String())
	assert.Equal(t, "127.0.0.3", re.nextHop(netip.MustParseAddr("10.1.2.3")).String())

	re, present = stack.lookup(netip.MustParseAddr("10.9.9.9"))
	require.True(t, present)
	assert.Equal(t, "10.0.0.0/8", re.dest.String())

	_, present = stack.lookup(netip.MustParseAddr("192.168.1.1"))
	assert.False(t, present)

	// a second route to the same destination replaces the first
	stack.addRoute(routeEntry{dest: netip.MustParsePrefix("10.0.0.0/8"), intrfc: 0, origin: globalRoute,
		gateway: netip.MustParseAddr("127.0.0.4")})
	assert.Len(t, stack.routes, 3)
}

func TestUDPAcrossLAN(t *testing.T) {
	evtMgr, _, nodes, _ := buildTestLAN(t, 2)
	sink := new(udpSink)
	_, err := nodes[1].udp.bind(7, sink.recv)
	require.NoError(t, err)

	sock, err := nodes[0].udp.bind(0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint16(ephemeralPortFirst), sock.Port())

	assert.True(t, sock.sendTo(evtMgr, netip.MustParseAddrPort("10.0.0.2:7"), []byte("hola")))
	evtMgr.Run(10.0)

	require.Len(t, sink.payloads, 1)
	assert.Equal(t, []byte("hola"), sink.payloads[0])
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:49153"), sink.from[0])

	// the requester learned the target from the reply; a request teaches the target nothing
	_, known := nodes[0].ipv4.intrfcs[1].arp.lookupMAC(netip.MustParseAddr("10.0.0.2"), evtMgr.CurrentSeconds())
	assert.True(t, known)
	_, known = nodes[1].ipv4.intrfcs[1].arp.lookupMAC(netip.MustParseAddr("10.0.0.1"), evtMgr.CurrentSeconds())
	assert.False(t, known)
}

func TestUDPLoopback(t *testing.T) {
	evtMgr, _, nodes, devs := buildTestLAN(t, 2)
	sink := new(udpSink)
	_, err := nodes[0].udp.bind(7, sink.recv)
	require.NoError(t, err)
	sock, err := nodes[0].udp.bind(0, nil)
	require.NoError(t, err)

	sock.sendTo(evtMgr, netip.MustParseAddrPort("10.0.0.1:7"), []byte{1})
	sock.sendTo(evtMgr, netip.MustParseAddrPort("127.0.0.1:7"), []byte{2})
	evtMgr.Run(10.0)

	assert.Len(t, sink.payloads, 2)
	assert.Zero(t, devs[0].stats.TxFrames)
}

func TestBindConflicts(t *testing.T) {
	_, _, nodes, _ := buildTestLAN(t, 1)
	_, err := nodes[0].udp.bind(9, nil)
	require.NoError(t, err)
	_, err = nodes[0].udp.bind(9, nil)
	assert.Error(t, err)

	first, err := nodes[0].udp.bind(0, nil)
	require.NoError(t, err)
	second, err := nodes[0].udp.bind(0, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Port()+1, second.Port())
}

func TestNoRouteIsDropped(t *testing.T) {
	evtMgr, _, nodes, _ := buildTestLAN(t, 1)
	sock, err := nodes[0].udp.bind(0, nil)
	require.NoError(t, err)
	assert.False(t, sock.sendTo(evtMgr, netip.MustParseAddrPort("172.16.0.1:9"), []byte{0}))
	assert.Equal(t, 1, nodes[0].ipv4.drops)
}

func TestArpPendingQueue(t *testing.T) {
	evtMgr, _, nodes, _ := buildTestLAN(t, 2)
	sink := new(udpSink)
	_, err := nodes[1].udp.bind(7, sink.recv)
	require.NoError(t, err)
	sock, err := nodes[0].udp.bind(0, nil)
	require.NoError(t, err)

	dst := netip.MustParseAddrPort("10.0.0.2:7")
	for idx := 0; idx < arpPendingQueueSize+2; idx++ {
		sock.sendTo(evtMgr, dst, []byte{byte(idx)})
	}
	evtMgr.Run(10.0)

	require.Len(t, sink.payloads, arpPendingQueueSize)
	for idx := 0; idx < arpPendingQueueSize; idx++ {
		assert.Equal(t, []byte{byte(idx)}, sink.payloads[idx])
	}
	assert.Equal(t, 2, nodes[0].ipv4.intrfcs[1].arp.drops)
	assert.Equal(t, 2, nodeDrops(nodes[0]))
	assert.Zero(t, nodeDrops(nodes[1]))
}

func TestArpGivesUp(t *testing.T) {
	evtMgr, _, nodes, devs := buildTestLAN(t, 2)
	sent := new(frameCounter)
	devs[0].addSniffer(sent)
	sock, err := nodes[0].udp.bind(0, nil)
	require.NoError(t, err)

	sock.sendTo(evtMgr, netip.MustParseAddrPort("10.0.0.77:7"), []byte{0})

	// a datagram sent while the entry is dead is dropped at once
	evtMgr.Schedule(sock, nil, func(evtMgr *evtm.EventManager, context any, data any) any {
		context.(*udpSocket).sendTo(evtMgr, netip.MustParseAddrPort("10.0.0.77:7"), []byte{1})
		return nil
	}, vrtime.SecondsToTime(50.0))
	evtMgr.Run(100.0)

	// the first request and arpMaxRetries repeats, one wait apart
	assert.Equal(t, arpMaxRetries+1, devs[0].stats.TxFrames)
	ac := nodes[0].ipv4.intrfcs[1].arp
	entry := ac.entries[netip.MustParseAddr("10.0.0.77")]
	require.NotNil(t, entry)
	assert.Equal(t, arpDead, entry.state)
	assert.Equal(t, 2, ac.drops)

	// the other node answered none of it
	assert.Zero(t, devs[1].stats.TxFrames)

	// requests go to the broadcast address, and ask for the broadcast hardware address
	require.Len(t, sent.frames, arpMaxRetries+1)
	for _, frame := range sent.frames {
		pckt := gopacket.NewPacket(frame[:len(frame)-fcsLen], layers.LayerTypeEthernet, gopacket.Default)
		eth, ok := pckt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		require.True(t, ok)
		assert.Equal(t, broadcastMAC, eth.DstMAC)
		arp, ok := pckt.Layer(layers.LayerTypeARP).(*layers.ARP)
		require.True(t, ok)
		assert.Equal(t, uint16(layers.ARPRequest), arp.Operation)
		assert.Equal(t, []byte(broadcastMAC), arp.DstHwAddress)
		assert.Equal(t, []byte{10, 0, 0, 77}, arp.DstProtAddress)
	}
	assert.InDelta(t, float64(arpMaxRetries)*arpWaitReplyTimeout, sent.times[arpMaxRetries], 1e-3)
}
