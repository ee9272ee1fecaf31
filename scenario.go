package csmanet

// scenario.go builds the topology, installs the echo applications, and runs the
// simulation.  The server and the router share one segment; the router and the
// echo clients share the other

import (
	"errors"
	"fmt"
	"log"
	"net/netip"
	"path/filepath"

	"github.com/iti/evt/evtm"
	"github.com/rs/xid"
)

// the subnets of the two segments
const (
	serverNetwork = "10.1.1.0"
	clientNetwork = "10.1.2.0"
	segmentMask   = "255.255.255.0"
)

// simHorizon bounds a run that is given no stop time
const simHorizon = 1e6

// segmentPcap remembers which segment a capture file watches
type segmentPcap struct {
	seg  *csmaChannel
	sink *pcapSink
}

// Scenario is a built topology together with the event manager that runs it
type Scenario struct {
	name   string
	runID  string
	cfg    *Config
	params *scenarioParams
	evtMgr *evtm.EventManager

	nodes    []*Node
	server   *Node
	router   *Node
	clients  []*Node
	segments []*csmaChannel

	serverSeg *csmaChannel
	clientSeg *csmaChannel

	serverIntrfcs []*ipv4Intrfc // in server, router order
	clientIntrfcs []*ipv4Intrfc // in router, client order

	serverApps []*EchoServer
	clientApps []*EchoClient

	pcaps    []segmentPcap
	traceMgr *TraceManager
	echoDB   *SQLiteEchoWriter
	logger   *log.Logger

	nxtObjID int
	nxtMAC   uint64
	ran      bool
	closed   bool
}

// nxtID returns a fresh identity for a device or segment
func (scn *Scenario) nxtID() int {
	scn.nxtObjID += 1
	return scn.nxtObjID
}

// allocMAC returns the next link layer address of the scenario
func (scn *Scenario) allocMAC() uint64 {
	scn.nxtMAC += 1
	return scn.nxtMAC
}

// BuildScenario validates the configuration and builds everything the run needs:
// nodes, IPv4 stacks, the two segments, addresses, routing tables, the echo
// applications and the capture files.  Nothing is scheduled until Run.
func BuildScenario(cfg *Config) (*Scenario, error) {
	params, err := cfg.params()
	if err != nil {
		return nil, err
	}

	scn := new(Scenario)
	scn.name = "practica1"
	scn.runID = xid.New().String()
	scn.cfg = cfg
	scn.params = params
	scn.evtMgr = evtm.New()
	scn.traceMgr = CreateTraceManager(scn.name, len(cfg.TraceFile) > 0)
	if cfg.Verbose {
		scn.logger = log.Default()
	}

	if err := scn.build(); err != nil {
		scn.closeOutputs()
		return nil, err
	}
	return scn, nil
}

func (scn *Scenario) build() error {
	cfg := scn.cfg

	// nodes for the server, the router and the clients, in that order of creation
	scn.server = scn.addNode("servidor", serverRole)
	scn.router = scn.addNode("router", routerRole)
	scn.clients = make([]*Node, 0, cfg.Clients)
	for idx := 0; idx < int(cfg.Clients); idx++ {
		scn.clients = append(scn.clients, scn.addNode(fmt.Sprintf("cliente-%d", idx), clientRole))
	}

	// every node gets an IPv4 stack, whose loopback device is the node's device 0
	for _, node := range scn.nodes {
		scn.installStack(node)
	}

	// the two csma segments, server-router and router-clients
	scn.serverSeg = scn.addSegment("server-segment")
	serverDevs := scn.installCsma(scn.serverSeg, []*Node{scn.server, scn.router})

	scn.clientSeg = scn.addSegment("client-segment")
	clientDevs := scn.installCsma(scn.clientSeg, append([]*Node{scn.router}, scn.clients...))

	// addresses, from disjoint subnets
	serverAddrs, err := createIpv4AddressHelper(serverNetwork, segmentMask)
	if err != nil {
		return err
	}
	clientAddrs, err := createIpv4AddressHelper(clientNetwork, segmentMask)
	if err != nil {
		return err
	}
	scn.serverIntrfcs, err = serverAddrs.assign(serverDevs)
	if err != nil {
		return err
	}
	scn.clientIntrfcs, err = clientAddrs.assign(clientDevs)
	if err != nil {
		return err
	}

	if err := populateRoutingTables(scn.nodes, scn.segments); err != nil {
		return err
	}

	// the echo server on the server node, and a client on every client node aimed at the
	// server's address on the server-router segment
	srv := createEchoServer(scn.server, cfg.Port, scn.logger)
	scn.serverApps = []*EchoServer{srv}

	remote := netip.AddrPortFrom(scn.serverIntrfcs[0].addr, cfg.Port)
	scn.clientApps = make([]*EchoClient, 0, len(scn.clients))
	for _, client := range scn.clients {
		cl := createEchoClient(client, remote, cfg.MaxPackets, scn.params.interval, cfg.PacketSize, scn.logger)
		scn.clientApps = append(scn.clientApps, cl)
	}

	if len(cfg.EchoDB) > 0 {
		scn.echoDB, err = NewSQLiteEchoWriter(cfg.EchoDB, scn.runID)
		if err != nil {
			return err
		}
		for _, cl := range scn.clientApps {
			cl.setRecorder(scn.echoDB)
		}
	}

	// capture on the first device of each segment
	if err := scn.enablePcap(cfg.ServerPcap, scn.serverSeg, serverDevs[0]); err != nil {
		return err
	}
	if err := scn.enablePcap(cfg.ClientPcap, scn.clientSeg, clientDevs[0]); err != nil {
		return err
	}
	return nil
}

func (scn *Scenario) addNode(name string, role nodeRole) *Node {
	node := createNode(name, len(scn.nodes), role)
	scn.nodes = append(scn.nodes, node)
	return node
}

// installStack gives the node its loopback device, IPv4 layer and UDP layer
func (scn *Scenario) installStack(node *Node) {
	lo := createLoopbackDev(node, scn.nxtID())
	node.addDevice(lo)
	scn.traceMgr.AddName(lo.id, lo.name, "loopback")

	stack := createIpv4Stack(node)
	stack.addIntrfc(lo, netip.MustParseAddr("127.0.0.1"), netip.MustParsePrefix("127.0.0.0/8"))
	createUDPLayer(node)
}

func (scn *Scenario) addSegment(name string) *csmaChannel {
	seg := createCsmaChannel(name, scn.nxtID(), scn.params.rate, scn.params.delay)
	scn.segments = append(scn.segments, seg)
	scn.traceMgr.AddName(seg.number, seg.name, "segment")
	return seg
}

// installCsma creates a device on each node given, attached to the segment
func (scn *Scenario) installCsma(seg *csmaChannel, nodes []*Node) []netDevice {
	devs := make([]netDevice, 0, len(nodes))
	for _, node := range nodes {
		dev := createCsmaDevice(node, scn.nxtID(), macFromInt(scn.allocMAC()), seg, scn.traceMgr)
		scn.traceMgr.AddName(dev.id, dev.name, "csma")
		devs = append(devs, dev)
	}
	return devs
}

func (scn *Scenario) enablePcap(prefix string, seg *csmaChannel, dev netDevice) error {
	ps, err := enablePcap(scn.cfg.OutDir, prefix, dev.(*csmaDevice))
	if err != nil {
		return err
	}
	scn.pcaps = append(scn.pcaps, segmentPcap{seg: seg, sink: ps})
	return nil
}

// Run starts the applications and runs the event loop until nothing is left to do,
// or until the stop time if one was given.  Outputs are closed when the run is over.
func (scn *Scenario) Run() error {
	if scn.ran {
		return errors.New("scenario has already run")
	}
	scn.ran = true

	for _, node := range scn.nodes {
		for _, app := range node.apps {
			app.Start(scn.evtMgr)
		}
	}

	limit := simHorizon
	if scn.params.stop > 0 {
		limit = scn.params.stop
	}
	scn.evtMgr.Run(limit)

	return scn.Close()
}

// Close flushes and closes the capture files, and writes the trace, the topology
// description and the exchange database if they were asked for.  Every error met is returned.
func (scn *Scenario) Close() error {
	if scn.closed {
		return nil
	}
	scn.closed = true

	errs := []error{}
	if len(scn.cfg.TraceFile) > 0 {
		errs = append(errs, scn.traceMgr.WriteToFile(scn.outPath(scn.cfg.TraceFile)))
	}
	if len(scn.cfg.TopoFile) > 0 {
		errs = append(errs, describeTopo(scn).WriteToFile(scn.outPath(scn.cfg.TopoFile)))
	}
	errs = append(errs, scn.closeOutputs())
	return errors.Join(errs...)
}

// closeOutputs closes the capture files and the database
func (scn *Scenario) closeOutputs() error {
	errs := []error{}
	for _, sp := range scn.pcaps {
		errs = append(errs, sp.sink.close())
	}
	if scn.echoDB != nil {
		errs = append(errs, scn.echoDB.Close())
		scn.echoDB = nil
	}
	return errors.Join(errs...)
}

// outPath places a relative output file name in the output directory
func (scn *Scenario) outPath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(scn.cfg.OutDir, filename)
}

// RunID returns the identifier given to this run
func (scn *Scenario) RunID() string { return scn.runID }

// Nodes returns every node, in order of creation
func (scn *Scenario) Nodes() []*Node { return scn.nodes }

// Server returns the node holding the echo server
func (scn *Scenario) Server() *Node { return scn.server }

// Router returns the node joining the two segments
func (scn *Scenario) Router() *Node { return scn.router }

// Clients returns the echo client nodes
func (scn *Scenario) Clients() []*Node { return scn.clients }

// ServerApps returns the echo servers installed
func (scn *Scenario) ServerApps() []*EchoServer { return scn.serverApps }

// ClientApps returns the echo clients installed
func (scn *Scenario) ClientApps() []*EchoClient { return scn.clientApps }

// ServerSubnet returns the subnet of the server-router segment
func (scn *Scenario) ServerSubnet() netip.Prefix { return scn.serverIntrfcs[0].prefix }

// ClientSubnet returns the subnet of the router-clients segment
func (scn *Scenario) ClientSubnet() netip.Prefix { return scn.clientIntrfcs[0].prefix }

// ServerAddress returns the address of the server's interface on the server-router segment
func (scn *Scenario) ServerAddress() netip.Addr { return scn.serverIntrfcs[0].addr }

// PcapFiles returns the names of the capture files, server segment first
func (scn *Scenario) PcapFiles() []string {
	names := make([]string, 0, len(scn.pcaps))
	for _, sp := range scn.pcaps {
		names = append(names, sp.sink.filename)
	}
	return names
}

// TraceManager returns the scenario's trace manager
func (scn *Scenario) TraceManager() *TraceManager { return scn.traceMgr }

// Topology returns a description of the built scenario
func (scn *Scenario) Topology() *TopoDesc { return describeTopo(scn) }

// EchoDB returns the exchange database, nil if none was asked for or it has been closed
func (scn *Scenario) EchoDB() *SQLiteEchoWriter { return scn.echoDB }

// ClientSummary reports what one echo client did in a run
type ClientSummary struct {
	Name     string  `json:"name" yaml:"name"`
	Address  string  `json:"address" yaml:"address"`
	Sent     uint32  `json:"sent" yaml:"sent"`
	Received uint32  `json:"received" yaml:"received"`
	MeanRTT  float64 `json:"meanrtt" yaml:"meanrtt"`
}

// RunSummary reports what the applications did in a run, and how many frames and
// datagrams the devices and stacks sent and dropped
type RunSummary struct {
	RunID          string          `json:"runid" yaml:"runid"`
	SimTime        float64         `json:"simtime" yaml:"simtime"` // time of the last event handled
	ServerReceived uint32          `json:"serverreceived" yaml:"serverreceived"`
	FramesSent     int             `json:"framessent" yaml:"framessent"`
	Drops          int             `json:"drops" yaml:"drops"`
	Clients        []ClientSummary `json:"clients" yaml:"clients"`
}

// lastEventTime returns the time of the latest event handled anywhere in the scenario.
// The event manager's own clock moves on to the run's limit once the event list drains
func (scn *Scenario) lastEventTime() float64 {
	last := 0.0
	for _, seg := range scn.segments {
		last = max(last, seg.lastActivity)
	}
	for _, node := range scn.nodes {
		for _, intrfc := range node.ipv4.intrfcs {
			if intrfc.arp != nil {
				last = max(last, intrfc.arp.lastTimer)
			}
		}
	}
	return min(last, scn.evtMgr.CurrentSeconds())
}

// nodeDrops totals what the devices, ARP caches and protocol layers of a node dropped
func nodeDrops(node *Node) int {
	drops := node.ipv4.drops + node.udp.drops
	for _, intrfc := range node.ipv4.intrfcs {
		if intrfc.arp != nil {
			drops += intrfc.arp.drops
		}
		if csmaDev, isCsma := intrfc.device.(*csmaDevice); isCsma {
			drops += csmaDev.stats.Drops
		}
	}
	return drops
}

// Summary gathers the counts of the echo applications
func (scn *Scenario) Summary() RunSummary {
	rs := RunSummary{RunID: scn.runID, SimTime: scn.lastEventTime(), Clients: []ClientSummary{}}
	for _, node := range scn.nodes {
		rs.Drops += nodeDrops(node)
		for _, dev := range node.devices {
			if csmaDev, isCsma := dev.(*csmaDevice); isCsma {
				rs.FramesSent += csmaDev.stats.TxFrames
			}
		}
	}
	for _, srv := range scn.serverApps {
		rs.ServerReceived += srv.received
	}
	for _, cl := range scn.clientApps {
		cs := ClientSummary{Name: cl.node.name, Sent: cl.sent, Received: cl.received, MeanRTT: cl.MeanRTT()}
		if intrfc := cl.node.ipv4.intrfcOnChannel(scn.clientSeg); intrfc != nil {
			cs.Address = intrfc.addr.String()
		}
		rs.Clients = append(rs.Clients, cs)
	}
	return rs
}
