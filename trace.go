package csmanet

// trace.go gathers a record of what the devices of a scenario did to the frames
// passing through them, for post-run analysis

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// TraceRecord saves information about the visit of a frame to some device in the simulation
type TraceRecord struct {
	Time     float64 `json:"time" yaml:"time"`         // time in float64
	Ticks    int64   `json:"ticks" yaml:"ticks"`       // ticks variable of time
	Priority int64   `json:"priority" yaml:"priority"` // priority field of time-stamp
	ObjID    int     `json:"objid" yaml:"objid"`       // integer id for the device being referenced
	Op       string  `json:"op" yaml:"op"`             // "enqueue", "dequeue", "tx", "rx", "drop"
	Length   int     `json:"length" yaml:"length"`     // bytes in the frame
	Summary  string  `json:"summary" yaml:"summary"`
}

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// TraceManager is used to gather information about a scenario and an execution of it
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, by the id of the object they were recorded at
	Traces map[int][]TraceRecord `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceRecord)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace creates a record of a frame's visit to an object, and stores it
func (tm *TraceManager) AddTrace(vrt vrtime.Time, objID int, op string, frame []byte) {
	if !tm.InUse {
		return
	}

	trc := TraceRecord{Time: vrt.Seconds(), Ticks: vrt.Ticks(), Priority: vrt.Pri(),
		ObjID: objID, Op: op, Length: len(frame), Summary: frameSummary(frame)}
	tm.Traces[objID] = append(tm.Traces[objID], trc)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// NumTraces returns the number of records gathered
func (tm *TraceManager) NumTraces() int {
	n := 0
	for _, trcs := range tm.Traces {
		n += len(trcs)
	}
	return n
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) error {
	if !tm.InUse {
		return nil
	}
	var bytes []byte
	var merr error

	if IsYAML(filename) {
		bytes, merr = yaml.Marshal(*tm)
	} else {
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadTraceManager deserializes a trace written by WriteToFile
func ReadTraceManager(filename string, useYAML bool, dict []byte) (*TraceManager, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}
	tm := CreateTraceManager("", true)
	if useYAML {
		err = yaml.Unmarshal(dict, tm)
	} else {
		err = json.Unmarshal(dict, tm)
	}
	if err != nil {
		return nil, err
	}
	return tm, nil
}

// frameSummary describes an ethernet frame in one line
func frameSummary(frame []byte) string {
	pckt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)

	if arpLayer := pckt.Layer(layers.LayerTypeARP); arpLayer != nil {
		arp := arpLayer.(*layers.ARP)
		if arp.Operation == layers.ARPRequest {
			return fmt.Sprintf("ARP request who-has %s tell %s",
				addrFromIP(arp.DstProtAddress), addrFromIP(arp.SourceProtAddress))
		}
		return fmt.Sprintf("ARP reply %s is-at %s",
			addrFromIP(arp.SourceProtAddress), fmtMAC(arp.SourceHwAddress))
	}

	ipLayer := pckt.Layer(layers.LayerTypeIPv4)
	udpLayer := pckt.Layer(layers.LayerTypeUDP)
	if ipLayer != nil && udpLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		udp := udpLayer.(*layers.UDP)
		return fmt.Sprintf("UDP %s:%d > %s:%d ttl %d len %d", ip.SrcIP, udp.SrcPort, ip.DstIP, udp.DstPort,
			ip.TTL, len(udp.Payload))
	}
	if ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		return fmt.Sprintf("IPv4 %s > %s proto %d", ip.SrcIP, ip.DstIP, ip.Protocol)
	}
	return fmt.Sprintf("frame of %d bytes", len(frame))
}

func fmtMAC(hw []byte) string {
	return net.HardwareAddr(hw).String()
}
