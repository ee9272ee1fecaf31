package csmanet

// arp.go resolves the link layer addresses of next hops on a segment.
// Each interface keeps its own cache.  A datagram for an unresolved next hop waits
// in the cache entry while a request is outstanding; requests are repeated a few
// times before the entry is declared dead and its waiting datagrams dropped.

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// timers and limits of every arpCache
const (
	arpAliveTimeout     = 120.0
	arpDeadTimeout      = 100.0
	arpWaitReplyTimeout = 1.0
	arpMaxRetries       = 3
	arpPendingQueueSize = 3
)

// arpEntryState is the base type for the states of an arpEntry
type arpEntryState int

const (
	arpWaitReply arpEntryState = iota
	arpAlive
	arpDead
)

// an arpEntry is what the cache knows of one next hop
type arpEntry struct {
	addr    netip.Addr
	state   arpEntryState
	mac     net.HardwareAddr
	updated float64 // time of the last change of state
	retries int
	pending [][]byte
	epoch   int // bumped on every change of state, so stale retransmit events can tell
}

// an arpCache holds the entries of one interface
type arpCache struct {
	stack   *ipv4Stack
	intrfc  *ipv4Intrfc
	entries map[netip.Addr]*arpEntry
	drops   int

	lastTimer float64 // time of the latest wait-reply expiry handled
}

func createArpCache(stack *ipv4Stack, intrfc *ipv4Intrfc) *arpCache {
	ac := new(arpCache)
	ac.stack = stack
	ac.intrfc = intrfc
	ac.entries = make(map[netip.Addr]*arpEntry)
	return ac
}

// lookupMAC returns the resolved address of a next hop, if the cache holds a live one
func (ac *arpCache) lookupMAC(addr netip.Addr, now float64) (net.HardwareAddr, bool) {
	entry, present := ac.entries[addr]
	if !present || entry.state != arpAlive || now-entry.updated > arpAliveTimeout {
		return nil, false
	}
	return entry.mac, true
}

// resolveAndSend sends the datagram to the next hop given if its address is known, and
// otherwise holds it until a reply arrives
func (ac *arpCache) resolveAndSend(evtMgr *evtm.EventManager, nextHop netip.Addr, datagram []byte) bool {
	now := evtMgr.CurrentSeconds()
	entry, present := ac.entries[nextHop]

	if !present {
		entry = &arpEntry{addr: nextHop}
		ac.entries[nextHop] = entry
		ac.startResolution(evtMgr, entry, datagram)
		return true
	}

	switch entry.state {
	case arpAlive:
		if now-entry.updated <= arpAliveTimeout {
			return ac.intrfc.device.send(evtMgr, entry.mac, layers.EthernetTypeIPv4, datagram)
		}
		ac.startResolution(evtMgr, entry, datagram)
		return true
	case arpWaitReply:
		if len(entry.pending) >= arpPendingQueueSize {
			ac.drops += 1
			return false
		}
		entry.pending = append(entry.pending, datagram)
		return true
	case arpDead:
		if now-entry.updated <= arpDeadTimeout {
			ac.drops += 1
			return false
		}
		ac.startResolution(evtMgr, entry, datagram)
		return true
	}
	return false
}

// startResolution puts an entry into the wait-reply state holding the datagram given,
// and sends the first request
func (ac *arpCache) startResolution(evtMgr *evtm.EventManager, entry *arpEntry, datagram []byte) {
	entry.state = arpWaitReply
	entry.updated = evtMgr.CurrentSeconds()
	entry.retries = 0
	entry.pending = [][]byte{datagram}
	entry.epoch += 1
	ac.sendRequest(evtMgr, entry)
}

// arpTimer identifies the entry and state a retransmit event was scheduled for
type arpTimer struct {
	entry *arpEntry
	epoch int
}

// sendRequest broadcasts a request for the entry's address and schedules the check for a reply
func (ac *arpCache) sendRequest(evtMgr *evtm.EventManager, entry *arpEntry) {
	arp := ac.newArp(layers.ARPRequest, broadcastMAC, entry.addr)
	ac.sendArp(evtMgr, broadcastMAC, arp)
	evtMgr.Schedule(ac, arpTimer{entry: entry, epoch: entry.epoch}, arpWaitReplyExpired,
		vrtime.SecondsToTime(arpWaitReplyTimeout))
}

// arpWaitReplyExpired implements the event handler for the end of the wait for a reply
func arpWaitReplyExpired(evtMgr *evtm.EventManager, context any, data any) any {
	ac := context.(*arpCache)
	timer := data.(arpTimer)
	entry := timer.entry
	ac.lastTimer = max(ac.lastTimer, evtMgr.CurrentSeconds())

	// the entry changed state since this wait began
	if entry.epoch != timer.epoch || entry.state != arpWaitReply {
		return nil
	}

	if entry.retries >= arpMaxRetries {
		ac.drops += len(entry.pending)
		entry.pending = nil
		entry.state = arpDead
		entry.updated = evtMgr.CurrentSeconds()
		entry.epoch += 1
		return nil
	}
	entry.retries += 1
	entry.epoch += 1
	ac.sendRequest(evtMgr, entry)
	return nil
}

// newArp fills in an ARP header with this interface as the sender
func (ac *arpCache) newArp(op uint16, dstMAC net.HardwareAddr, dstAddr netip.Addr) *layers.ARP {
	return &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   []byte(ac.intrfc.device.devMAC()),
		SourceProtAddress: ac.intrfc.addr.AsSlice(),
		DstHwAddress:      []byte(dstMAC),
		DstProtAddress:    dstAddr.AsSlice(),
	}
}

func (ac *arpCache) sendArp(evtMgr *evtm.EventManager, dst net.HardwareAddr, arp *layers.ARP) {
	buf := gopacket.NewSerializeBuffer()
	if err := arp.SerializeTo(buf, gopacket.SerializeOptions{}); err != nil {
		panic(fmt.Errorf("ARP on %s: %w", ac.intrfc.device.devName(), err))
	}
	ac.intrfc.device.send(evtMgr, dst, layers.EthernetTypeARP, buf.Bytes())
}

// receive handles an ARP message that arrived on the interface.  A request for the
// interface's address is answered.  A reply for an entry awaiting one makes the entry
// live and releases the datagrams it held
func (ac *arpCache) receive(evtMgr *evtm.EventManager, payload []byte) {
	arp := &layers.ARP{}
	if err := arp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
		ac.drops += 1
		return
	}
	if arp.Protocol != layers.EthernetTypeIPv4 || len(arp.DstProtAddress) != 4 || len(arp.SourceProtAddress) != 4 {
		return
	}

	target := addrFromIP(arp.DstProtAddress)
	if target != ac.intrfc.addr {
		return
	}
	sender := addrFromIP(arp.SourceProtAddress)
	senderMAC := net.HardwareAddr(append([]byte(nil), arp.SourceHwAddress...))

	switch arp.Operation {
	case layers.ARPRequest:
		reply := ac.newArp(layers.ARPReply, senderMAC, sender)
		ac.sendArp(evtMgr, senderMAC, reply)
	case layers.ARPReply:
		entry, present := ac.entries[sender]
		if !present || entry.state != arpWaitReply {
			return
		}
		entry.state = arpAlive
		entry.mac = senderMAC
		entry.updated = evtMgr.CurrentSeconds()
		entry.epoch += 1

		pending := entry.pending
		entry.pending = nil
		for _, datagram := range pending {
			ac.intrfc.device.send(evtMgr, entry.mac, layers.EthernetTypeIPv4, datagram)
		}
	}
}
