package csmanet

// echo.go holds the UDP echo applications.  The server returns every datagram to
// whoever sent it; a client sends a fixed number of datagrams at a fixed interval
// and counts what comes back.

import (
	"fmt"
	"log"
	"net/netip"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
)

// Application is satisfied by everything installed on a node to generate or answer traffic
type Application interface {
	// a globally unique name for the application
	GlobalName() string

	// node the application runs on
	AppNode() *Node

	// Start schedules the application's start at the time it was configured with
	Start(evtMgr *evtm.EventManager)
}

// simLogf writes a log line stamped with the simulation time, when a logger is given
func simLogf(logger *log.Logger, evtMgr *evtm.EventManager, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf("At time +%gs %s", evtMgr.CurrentSeconds(), fmt.Sprintf(format, args...))
}

// EchoServer answers every datagram arriving at its port with a copy sent back to the sender
type EchoServer struct {
	name      string
	node      *Node
	port      uint16
	startTime float64
	sock      *udpSocket
	received  uint32
	logger    *log.Logger
}

// createEchoServer is a constructor; the server is installed on the node given
func createEchoServer(node *Node, port uint16, logger *log.Logger) *EchoServer {
	srv := new(EchoServer)
	srv.name = fmt.Sprintf("%s/echo-server:%d", node.name, port)
	srv.node = node
	srv.port = port
	srv.logger = logger
	node.addApp(srv)
	return srv
}

func (srv *EchoServer) GlobalName() string { return srv.name }
func (srv *EchoServer) AppNode() *Node     { return srv.node }

// Received returns the number of datagrams the server has echoed
func (srv *EchoServer) Received() uint32 { return srv.received }

// Port returns the port the server listens on
func (srv *EchoServer) Port() uint16 { return srv.port }

func (srv *EchoServer) Start(evtMgr *evtm.EventManager) {
	evtMgr.Schedule(srv, nil, startEchoServer, vrtime.SecondsToTime(srv.startTime))
}

// startEchoServer implements the event handler for the server binding its port
func startEchoServer(evtMgr *evtm.EventManager, context any, data any) any {
	srv := context.(*EchoServer)
	sock, err := srv.node.udp.bind(srv.port, srv.handleRead)
	if err != nil {
		log.Panic(err)
	}
	srv.sock = sock
	return nil
}

func (srv *EchoServer) handleRead(evtMgr *evtm.EventManager, sock *udpSocket, from netip.AddrPort, payload []byte) {
	srv.received += 1
	simLogf(srv.logger, evtMgr, "server received %d bytes from %s port %d", len(payload), from.Addr(), from.Port())

	echo := append([]byte(nil), payload...)
	sock.sendTo(evtMgr, from, echo)
	simLogf(srv.logger, evtMgr, "server sent %d bytes to %s port %d", len(echo), from.Addr(), from.Port())
}

// EchoRecorder is satisfied by anything that keeps the exchanges a client completes
type EchoRecorder interface {
	RecordExchange(EchoExchange)
}

// EchoExchange describes one datagram sent by a client and its echo
type EchoExchange struct {
	Client   string
	Seq      int
	Sent     float64
	Received float64
	Bytes    int
}

// RTT returns the round-trip time of the exchange
func (ex EchoExchange) RTT() float64 {
	return ex.Received - ex.Sent
}

// EchoClient sends MaxPackets datagrams of PacketSize zero bytes to a remote echo server,
// the first at its start time and the rest one Interval apart.  A MaxPackets of zero has
// no limit
type EchoClient struct {
	name       string
	node       *Node
	remote     netip.AddrPort
	maxPackets uint32
	interval   float64
	packetSize int
	startTime  float64
	sock       *udpSocket

	sent     uint32
	received uint32
	inFlight []inFlightEcho // datagrams whose echo has not come back
	rttSum   float64
	rttCount int

	recorder EchoRecorder
	logger   *log.Logger
}

type inFlightEcho struct {
	seq  int
	sent float64
}

// createEchoClient is a constructor; the client is installed on the node given
func createEchoClient(node *Node, remote netip.AddrPort, maxPackets uint32, interval float64,
	packetSize int, logger *log.Logger) *EchoClient {
	cl := new(EchoClient)
	cl.name = fmt.Sprintf("%s/echo-client", node.name)
	cl.node = node
	cl.remote = remote
	cl.maxPackets = maxPackets
	cl.interval = interval
	cl.packetSize = packetSize
	cl.logger = logger
	cl.inFlight = make([]inFlightEcho, 0)
	node.addApp(cl)
	return cl
}

func (cl *EchoClient) GlobalName() string { return cl.name }
func (cl *EchoClient) AppNode() *Node     { return cl.node }

// Remote returns the address and port the client sends to
func (cl *EchoClient) Remote() netip.AddrPort { return cl.remote }

// Sent returns the number of datagrams the client has sent
func (cl *EchoClient) Sent() uint32 { return cl.sent }

// Received returns the number of echoes the client has gotten back
func (cl *EchoClient) Received() uint32 { return cl.received }

// MeanRTT returns the average round-trip time of the echoes received, zero if there were none
func (cl *EchoClient) MeanRTT() float64 {
	if cl.rttCount == 0 {
		return 0.0
	}
	return cl.rttSum / float64(cl.rttCount)
}

// setRecorder names the place completed exchanges are kept
func (cl *EchoClient) setRecorder(rec EchoRecorder) {
	cl.recorder = rec
}

func (cl *EchoClient) Start(evtMgr *evtm.EventManager) {
	evtMgr.Schedule(cl, nil, startEchoClient, vrtime.SecondsToTime(cl.startTime))
}

// startEchoClient implements the event handler for the client binding an ephemeral port and
// sending its first datagram
func startEchoClient(evtMgr *evtm.EventManager, context any, data any) any {
	cl := context.(*EchoClient)
	sock, err := cl.node.udp.bind(0, cl.handleRead)
	if err != nil {
		log.Panic(err)
	}
	cl.sock = sock
	evtMgr.Schedule(cl, nil, echoClientSend, vrtime.SecondsToTime(0.0))
	return nil
}

// echoClientSend implements the event handler for the client sending one datagram
func echoClientSend(evtMgr *evtm.EventManager, context any, data any) any {
	cl := context.(*EchoClient)

	payload := make([]byte, cl.packetSize)
	cl.sock.sendTo(evtMgr, cl.remote, payload)
	cl.inFlight = append(cl.inFlight, inFlightEcho{seq: int(cl.sent), sent: evtMgr.CurrentSeconds()})
	cl.sent += 1
	simLogf(cl.logger, evtMgr, "client sent %d bytes to %s port %d", cl.packetSize, cl.remote.Addr(), cl.remote.Port())

	if cl.maxPackets == 0 || cl.sent < cl.maxPackets {
		evtMgr.Schedule(cl, nil, echoClientSend, vrtime.SecondsToTime(cl.interval))
	}
	return nil
}

func (cl *EchoClient) handleRead(evtMgr *evtm.EventManager, sock *udpSocket, from netip.AddrPort, payload []byte) {
	cl.received += 1
	simLogf(cl.logger, evtMgr, "client received %d bytes from %s port %d", len(payload), from.Addr(), from.Port())

	if len(cl.inFlight) == 0 {
		return
	}
	// echoes carry nothing to tell them apart, so an echo goes with the latest datagram sent
	// and any older one still waiting is taken as lost
	head := cl.inFlight[len(cl.inFlight)-1]
	cl.inFlight = cl.inFlight[:0]

	ex := EchoExchange{Client: cl.node.name, Seq: head.seq, Sent: head.sent,
		Received: evtMgr.CurrentSeconds(), Bytes: len(payload)}
	cl.rttSum += ex.RTT()
	cl.rttCount += 1
	if cl.recorder != nil {
		cl.recorder.RecordExchange(ex)
	}
}
