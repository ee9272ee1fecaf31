package csmanet

// node.go holds the simulated hosts and routers, and the interface every
// network device attached to one of them satisfies

import (
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// nodeRole is the base type for an enumerated type of the parts a node plays in a scenario
type nodeRole int

const (
	serverRole nodeRole = iota
	routerRole
	clientRole
)

// nodeRoleToStr returns a string corresponding to an input nodeRole
func nodeRoleToStr(role nodeRole) string {
	switch role {
	case serverRole:
		return "server"
	case routerRole:
		return "router"
	case clientRole:
		return "client"
	}
	return "unknown"
}

// the netDevice interface specifies the functionality every device embedded in a node provides
type netDevice interface {
	devName() string          // every device has a unique name
	DevID() int               // every device has a unique integer id within the scenario
	devIndex() int            // position of the device in its node's device list
	devNode() *Node           // node the device is embedded in
	devMAC() net.HardwareAddr // link layer address
	devMTU() int              // largest payload the device carries

	// send hands a link layer payload to the device, to be framed for the destination address given.
	// The return is false if the device dropped it
	send(*evtm.EventManager, net.HardwareAddr, layers.EthernetType, []byte) bool
}

// Node is a simulated endpoint: the echo server, the router, or one of the echo clients.
// Identity is all a node adds; the devices, IPv4 stack and applications hang off of it.
type Node struct {
	name    string
	id      int
	role    nodeRole
	devices []netDevice
	ipv4    *ipv4Stack
	udp     *udpLayer
	apps    []Application
}

// createNode is a constructor.  The id is the node's position in the order of creation
func createNode(name string, id int, role nodeRole) *Node {
	node := new(Node)
	node.name = name
	node.id = id
	node.role = role
	node.devices = make([]netDevice, 0)
	node.apps = make([]Application, 0)
	return node
}

// Name returns the node's name
func (node *Node) Name() string {
	return node.name
}

// ID returns the node's integer identity
func (node *Node) ID() int {
	return node.id
}

// Role returns the part the node plays in the scenario
func (node *Node) Role() string {
	return nodeRoleToStr(node.role)
}

// Apps returns the applications installed on the node
func (node *Node) Apps() []Application {
	return node.apps
}

// addDevice appends a device to the node's device list
func (node *Node) addDevice(dev netDevice) {
	if dev.devIndex() != len(node.devices) {
		panic(fmt.Errorf("device %s added to %s out of order", dev.devName(), node.name))
	}
	node.devices = append(node.devices, dev)
}

// nxtDevIndex returns the index the next device added to the node will have
func (node *Node) nxtDevIndex() int {
	return len(node.devices)
}

// addApp installs an application on the node
func (node *Node) addApp(app Application) {
	node.apps = append(node.apps, app)
}

// receive is called by a device to pass up a payload whose frame was accepted.
// The EtherType selects the protocol that takes it
func (node *Node) receive(evtMgr *evtm.EventManager, dev netDevice, etherType layers.EthernetType,
	payload []byte, srcMAC net.HardwareAddr) {

	if node.ipv4 == nil {
		return
	}
	intrfc := node.ipv4.intrfcByDevice(dev)
	if intrfc == nil {
		return
	}

	switch etherType {
	case layers.EthernetTypeARP:
		if intrfc.arp != nil {
			intrfc.arp.receive(evtMgr, payload)
		}
	case layers.EthernetTypeIPv4:
		node.ipv4.receive(evtMgr, intrfc, payload)
	}
}

// loopbackDev is the device every node gets when its IPv4 stack is installed.  Whatever is
// sent through it comes right back to the node
type loopbackDev struct {
	name  string
	id    int
	index int
	node  *Node
}

// loopbackMTU matches the MTU of the loopback device of a typical host
const loopbackMTU = 16384

func createLoopbackDev(node *Node, id int) *loopbackDev {
	lo := new(loopbackDev)
	lo.name = node.name + "/lo"
	lo.id = id
	lo.index = node.nxtDevIndex()
	lo.node = node
	return lo
}

func (lo *loopbackDev) devName() string          { return lo.name }
func (lo *loopbackDev) DevID() int               { return lo.id }
func (lo *loopbackDev) devIndex() int            { return lo.index }
func (lo *loopbackDev) devNode() *Node           { return lo.node }
func (lo *loopbackDev) devMAC() net.HardwareAddr { return net.HardwareAddr{0, 0, 0, 0, 0, 0} }
func (lo *loopbackDev) devMTU() int              { return loopbackMTU }

// loopbackFrame carries a payload across the zero-delay loopback event
type loopbackFrame struct {
	etherType layers.EthernetType
	payload   []byte
}

// send schedules the immediate return of the payload to the node
func (lo *loopbackDev) send(evtMgr *evtm.EventManager, dst net.HardwareAddr,
	etherType layers.EthernetType, payload []byte) bool {
	if len(payload) > loopbackMTU {
		return false
	}
	evtMgr.Schedule(lo, loopbackFrame{etherType: etherType, payload: payload}, loopbackReceive,
		vrtime.SecondsToTime(0.0))
	return true
}

// loopbackReceive implements the event handler for the return of a payload through the loopback device
func loopbackReceive(evtMgr *evtm.EventManager, context any, data any) any {
	lo := context.(*loopbackDev)
	lf := data.(loopbackFrame)
	lo.node.receive(evtMgr, lo, lf.etherType, lf.payload, lo.devMAC())
	return nil
}
