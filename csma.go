package csmanet

// csma.go holds the shared-medium channel and the devices that contend for it.
// A channel carries one frame at a time.  A device that finds the channel busy backs
// off a random number of slots and tries again; the frame reaches every other
// device on the channel one propagation delay after its last bit leaves the sender.

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// channelState is the base type for the states of a csmaChannel
type channelState int

const (
	chnlIdle channelState = iota
	chnlTransmitting
	chnlPropagating
)

// a csmaChannel is the medium of one segment
type csmaChannel struct {
	name    string
	number  int
	rate    DataRate
	delay   float64 // propagation delay, in seconds
	devices []*csmaDevice
	state   channelState
	current *csmaDevice // device whose frame is on the medium
	frame   []byte

	lastActivity float64 // time of the latest event handled on the segment
}

func createCsmaChannel(name string, number int, rate DataRate, delay float64) *csmaChannel {
	ch := new(csmaChannel)
	ch.name = name
	ch.number = number
	ch.rate = rate
	ch.delay = delay
	ch.devices = make([]*csmaDevice, 0)
	ch.state = chnlIdle
	return ch
}

// attach adds a device to the channel
func (ch *csmaChannel) attach(dev *csmaDevice) {
	for _, attached := range ch.devices {
		if attached == dev {
			panic(fmt.Errorf("device %s attached twice to %s", dev.name, ch.name))
		}
	}
	ch.devices = append(ch.devices, dev)
	dev.channel = ch
}

// touch records that an event was handled on the segment at the time given
func (ch *csmaChannel) touch(now float64) {
	ch.lastActivity = max(ch.lastActivity, now)
}

// transmitStart claims the medium for the frame a device puts on it.  The claim fails
// unless the channel is idle
func (ch *csmaChannel) transmitStart(dev *csmaDevice, frame []byte) bool {
	if ch.state != chnlIdle {
		return false
	}
	ch.state = chnlTransmitting
	ch.current = dev
	ch.frame = frame
	return true
}

// transmitEnd is called when the last bit of the current frame has left the sender.
// The frame arrives at every other device after the propagation delay, at which time the
// channel becomes idle again
func (ch *csmaChannel) transmitEnd(evtMgr *evtm.EventManager) {
	if ch.state != chnlTransmitting {
		panic(fmt.Errorf("transmit end on channel %s that is not transmitting", ch.name))
	}
	ch.state = chnlPropagating

	delay := vrtime.SecondsToTime(ch.delay)
	for _, dev := range ch.devices {
		if dev == ch.current {
			continue
		}
		evtMgr.Schedule(dev, ch.frame, csmaReceive, delay)
	}
	evtMgr.Schedule(ch, nil, propagationComplete, delay)
}

// propagationComplete implements the event handler for the end of the propagation of a frame
func propagationComplete(evtMgr *evtm.EventManager, context any, data any) any {
	ch := context.(*csmaChannel)
	ch.touch(evtMgr.CurrentSeconds())
	ch.state = chnlIdle
	ch.current = nil
	ch.frame = nil
	return nil
}

// the backoff parameters of every csmaDevice
const (
	backoffSlotTime = 1e-6
	backoffMinSlots = 1
	backoffMaxSlots = 1000
	backoffCeiling  = 10
	backoffRetries  = 1000
)

// a backoffState counts the attempts to find the channel free for the frame at the head of a device's queue
type backoffState struct {
	retries int
	rngstrm *rngstream.RngStream
}

// maxRetriesReached reports whether the frame has been deferred as often as allowed
func (bo *backoffState) maxRetriesReached() bool {
	return bo.retries >= backoffRetries
}

// backoffTime samples the time to wait before the next attempt.  The number of slots is
// uniform on [minSlots, 2^min(retries,ceiling)-1], capped at maxSlots
func (bo *backoffState) backoffTime() float64 {
	ceiling := min(bo.retries, backoffCeiling)
	maxSlot := min((1<<ceiling)-1, backoffMaxSlots)
	maxSlot = max(maxSlot, backoffMinSlots)
	slots := bo.rngstrm.RandInt(backoffMinSlots, maxSlot)
	return float64(slots) * backoffSlotTime
}

func (bo *backoffState) reset() {
	bo.retries = 0
}

// txState is the base type for the states of a csmaDevice's transmitter
type txState int

const (
	txReady txState = iota
	txBusy
	txGap
	txBackoff
)

// ethernet framing constants
const (
	csmaMTU        = 1500
	csmaQueueLimit = 100
	fcsLen         = 4
)

// broadcastMAC is the link layer address every device accepts
var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// frameSniffer is satisfied by anything that wants to see the frames a device sends and accepts
type frameSniffer interface {
	sniff(time float64, frame []byte)
}

// devStats counts what a device did over a run
type devStats struct {
	TxFrames int
	RxFrames int
	Drops    int
}

// a csmaDevice is the interface of a node onto a csmaChannel
type csmaDevice struct {
	name     string
	id       int
	index    int
	node     *Node
	mac      net.HardwareAddr
	mtu      int
	ifg      float64 // interframe gap, in seconds
	channel  *csmaChannel
	queue    [][]byte
	state    txState
	current  []byte
	backoff  backoffState
	sniffers []frameSniffer
	traceMgr *TraceManager
	stats    devStats
}

// createCsmaDevice is a constructor.  The device is appended to the node's device list
// and attached to the channel
func createCsmaDevice(node *Node, id int, mac net.HardwareAddr, ch *csmaChannel, tm *TraceManager) *csmaDevice {
	dev := new(csmaDevice)
	dev.index = node.nxtDevIndex()
	dev.name = fmt.Sprintf("%s/csma-%d", node.name, dev.index)
	dev.id = id
	dev.node = node
	dev.mac = mac
	dev.mtu = csmaMTU
	dev.queue = make([][]byte, 0)
	dev.state = txReady
	dev.backoff = backoffState{rngstrm: rngstream.New(dev.name)}
	dev.sniffers = make([]frameSniffer, 0)
	dev.traceMgr = tm
	node.addDevice(dev)
	ch.attach(dev)
	return dev
}

func (dev *csmaDevice) devName() string          { return dev.name }
func (dev *csmaDevice) DevID() int               { return dev.id }
func (dev *csmaDevice) devIndex() int            { return dev.index }
func (dev *csmaDevice) devNode() *Node           { return dev.node }
func (dev *csmaDevice) devMAC() net.HardwareAddr { return dev.mac }
func (dev *csmaDevice) devMTU() int              { return dev.mtu }

// addSniffer attaches a consumer of the device's frames
func (dev *csmaDevice) addSniffer(fs frameSniffer) {
	dev.sniffers = append(dev.sniffers, fs)
}

func (dev *csmaDevice) sniff(time float64, frame []byte) {
	for _, fs := range dev.sniffers {
		fs.sniff(time, frame)
	}
}

func (dev *csmaDevice) logNetEvent(evtMgr *evtm.EventManager, op string, frame []byte) {
	if dev.traceMgr == nil {
		return
	}
	dev.traceMgr.AddTrace(evtMgr.CurrentTime(), dev.id, op, frame)
}

// send frames the payload, queues the frame, and starts the transmitter if it is idle
func (dev *csmaDevice) send(evtMgr *evtm.EventManager, dst net.HardwareAddr,
	etherType layers.EthernetType, payload []byte) bool {

	if len(payload) > dev.mtu {
		dev.stats.Drops += 1
		return false
	}

	eth := &layers.Ethernet{SrcMAC: dev.mac, DstMAC: dst, EthernetType: etherType}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, gopacket.Payload(payload))
	if err != nil {
		panic(fmt.Errorf("framing on %s: %w", dev.name, err))
	}
	frame := appendFCS(buf.Bytes())

	if len(dev.queue) >= csmaQueueLimit {
		dev.stats.Drops += 1
		dev.logNetEvent(evtMgr, "drop", frame)
		return false
	}
	dev.queue = append(dev.queue, frame)
	dev.logNetEvent(evtMgr, "enqueue", frame)

	if dev.state == txReady {
		dev.dequeue(evtMgr)
		dev.transmitStart(evtMgr)
	}
	return true
}

// dequeue makes the frame at the head of the queue the current one
func (dev *csmaDevice) dequeue(evtMgr *evtm.EventManager) {
	dev.current = dev.queue[0]
	dev.queue = dev.queue[1:]
	dev.sniff(evtMgr.CurrentSeconds(), dev.current)
	dev.logNetEvent(evtMgr, "dequeue", dev.current)
}

// transmitStart tries to put the current frame on the channel, backing off if the channel is busy
func (dev *csmaDevice) transmitStart(evtMgr *evtm.EventManager) {
	if dev.current == nil {
		panic(fmt.Errorf("transmit start on %s with no frame", dev.name))
	}

	if !dev.channel.transmitStart(dev, dev.current) {
		dev.state = txBackoff
		if dev.backoff.maxRetriesReached() {
			dev.transmitAbort(evtMgr)
			return
		}
		dev.backoff.retries += 1
		evtMgr.Schedule(dev, nil, csmaBackoffExpired, vrtime.SecondsToTime(dev.backoff.backoffTime()))
		return
	}

	dev.backoff.reset()
	dev.state = txBusy
	dev.stats.TxFrames += 1
	dev.logNetEvent(evtMgr, "tx", dev.current)

	txTime := dev.channel.rate.TxTime(len(dev.current))
	evtMgr.Schedule(dev, nil, csmaTransmitComplete, vrtime.SecondsToTime(txTime))
}

// transmitAbort drops the current frame after too many deferrals and moves on to the next one
func (dev *csmaDevice) transmitAbort(evtMgr *evtm.EventManager) {
	dev.stats.Drops += 1
	dev.logNetEvent(evtMgr, "drop", dev.current)
	dev.current = nil
	dev.backoff.reset()
	dev.state = txReady
	if len(dev.queue) > 0 {
		dev.dequeue(evtMgr)
		dev.transmitStart(evtMgr)
	}
}

// csmaBackoffExpired implements the event handler for the end of a backoff period
func csmaBackoffExpired(evtMgr *evtm.EventManager, context any, data any) any {
	dev := context.(*csmaDevice)
	dev.channel.touch(evtMgr.CurrentSeconds())
	dev.transmitStart(evtMgr)
	return nil
}

// csmaTransmitComplete implements the event handler for the last bit of a frame leaving the device
func csmaTransmitComplete(evtMgr *evtm.EventManager, context any, data any) any {
	dev := context.(*csmaDevice)
	if dev.state != txBusy {
		panic(fmt.Errorf("transmit complete on %s that is not busy", dev.name))
	}
	dev.state = txGap
	dev.current = nil
	dev.channel.transmitEnd(evtMgr)

	evtMgr.Schedule(dev, nil, csmaTransmitReady, vrtime.SecondsToTime(dev.ifg))
	return nil
}

// csmaTransmitReady implements the event handler for the end of the interframe gap
func csmaTransmitReady(evtMgr *evtm.EventManager, context any, data any) any {
	dev := context.(*csmaDevice)
	dev.channel.touch(evtMgr.CurrentSeconds())
	dev.state = txReady
	if len(dev.queue) > 0 {
		dev.dequeue(evtMgr)
		dev.transmitStart(evtMgr)
	}
	return nil
}

// accepts reports whether a frame sent to the destination address given is for this device
func (dev *csmaDevice) accepts(dst net.HardwareAddr) bool {
	if len(dst) != 6 {
		return false
	}
	// the group bit is set on broadcast and multicast addresses
	if dst[0]&0x01 == 0x01 {
		return true
	}
	return string(dst) == string(dev.mac)
}

// csmaReceive implements the event handler for the arrival of a frame at a device
func csmaReceive(evtMgr *evtm.EventManager, context any, data any) any {
	dev := context.(*csmaDevice)
	frame := data.([]byte)
	dev.channel.touch(evtMgr.CurrentSeconds())

	// the frame check sequence goes no further than the device
	eth := &layers.Ethernet{}
	if len(frame) < fcsLen || eth.DecodeFromBytes(frame[:len(frame)-fcsLen], gopacket.NilDecodeFeedback) != nil {
		dev.stats.Drops += 1
		return nil
	}
	if !dev.accepts(eth.DstMAC) {
		return nil
	}

	dev.stats.RxFrames += 1
	dev.sniff(evtMgr.CurrentSeconds(), frame)
	dev.logNetEvent(evtMgr, "rx", frame)
	dev.node.receive(evtMgr, dev, eth.EthernetType, eth.Payload, eth.SrcMAC)
	return nil
}

// appendFCS appends the frame check sequence, the CRC-32 of the frame, least significant byte first
func appendFCS(frame []byte) []byte {
	return binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))
}

// macFromInt builds the 48-bit address whose low order bits are the integer given,
// so that sequential allocation runs 00:00:00:00:00:01, 00:00:00:00:00:02, ...
func macFromInt(n uint64) net.HardwareAddr {
	mac := make(net.HardwareAddr, 6)
	for idx := 5; idx >= 0; idx-- {
		mac[idx] = byte(n & 0xff)
		n >>= 8
	}
	return mac
}
