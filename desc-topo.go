package csmanet

// desc-topo.go holds serializable descriptions of a built scenario: its nodes, their
// interfaces and routing tables, and the segments joining them.  The descriptions are
// written for inspection after a run and can be read back.

import (
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"
)

// An IntrfcDesc describes one addressed interface of a node
type IntrfcDesc struct {
	Name    string `json:"name" yaml:"name"`
	Device  int    `json:"device" yaml:"device"` // index of the device on its node
	MAC     string `json:"mac" yaml:"mac"`
	Address string `json:"address" yaml:"address"`
	Prefix  string `json:"prefix" yaml:"prefix"`
	Segment string `json:"segment,omitempty" yaml:"segment,omitempty"`

	// counts of the device and ARP cache behind the interface
	TxFrames int `json:"txframes" yaml:"txframes"`
	RxFrames int `json:"rxframes" yaml:"rxframes"`
	Drops    int `json:"drops" yaml:"drops"`
	ArpDrops int `json:"arpdrops" yaml:"arpdrops"`
}

// A RouteDesc describes one routing table entry
type RouteDesc struct {
	Dest    string `json:"dest" yaml:"dest"`
	Gateway string `json:"gateway,omitempty" yaml:"gateway,omitempty"`
	Intrfc  int    `json:"intrfc" yaml:"intrfc"`
	Origin  string `json:"origin" yaml:"origin"`
}

// A NodeDesc describes a node, its interfaces, routes and applications
type NodeDesc struct {
	Name    string       `json:"name" yaml:"name"`
	ID      int          `json:"id" yaml:"id"`
	Role    string       `json:"role" yaml:"role"`
	Intrfcs []IntrfcDesc `json:"intrfcs" yaml:"intrfcs"`
	Routes  []RouteDesc  `json:"routes" yaml:"routes"`
	Apps    []string     `json:"apps" yaml:"apps"`

	IPDrops  int `json:"ipdrops" yaml:"ipdrops"`   // datagrams without a route, local delivery or TTL left
	UDPDrops int `json:"udpdrops" yaml:"udpdrops"` // datagrams for unbound ports
}

// A SegmentDesc describes a csma segment: its medium parameters and the devices on it
type SegmentDesc struct {
	Name     string   `json:"name" yaml:"name"`
	DataRate string   `json:"datarate" yaml:"datarate"`
	Delay    float64  `json:"delay" yaml:"delay"`
	Subnet   string   `json:"subnet" yaml:"subnet"`
	Devices  []string `json:"devices" yaml:"devices"`
	Pcap     []string `json:"pcap,omitempty" yaml:"pcap,omitempty"`
}

// TopoDesc describes a whole scenario
type TopoDesc struct {
	Name     string        `json:"name" yaml:"name"`
	Nodes    []NodeDesc    `json:"nodes" yaml:"nodes"`
	Segments []SegmentDesc `json:"segments" yaml:"segments"`
}

// describeTopo builds the description of a scenario
func describeTopo(scn *Scenario) *TopoDesc {
	td := new(TopoDesc)
	td.Name = scn.name
	td.Nodes = make([]NodeDesc, 0, len(scn.nodes))
	td.Segments = make([]SegmentDesc, 0, len(scn.segments))

	for _, node := range scn.nodes {
		nd := NodeDesc{Name: node.name, ID: node.id, Role: node.Role(),
			Intrfcs: []IntrfcDesc{}, Routes: []RouteDesc{}, Apps: []string{},
			IPDrops: node.ipv4.drops, UDPDrops: node.udp.drops}

		for _, intrfc := range node.ipv4.intrfcs {
			id := IntrfcDesc{Name: intrfc.device.devName(), Device: intrfc.device.devIndex(),
				MAC: intrfc.device.devMAC().String(), Address: intrfc.addr.String(), Prefix: intrfc.prefix.String()}
			if csmaDev, isCsma := intrfc.device.(*csmaDevice); isCsma {
				id.Segment = csmaDev.channel.name
				id.TxFrames = csmaDev.stats.TxFrames
				id.RxFrames = csmaDev.stats.RxFrames
				id.Drops = csmaDev.stats.Drops
			}
			if intrfc.arp != nil {
				id.ArpDrops = intrfc.arp.drops
			}
			nd.Intrfcs = append(nd.Intrfcs, id)
		}

		for _, re := range node.ipv4.routes {
			rd := RouteDesc{Dest: re.dest.String(), Intrfc: re.intrfc, Origin: routeOriginToStr(re.origin)}
			if re.gateway.IsValid() {
				rd.Gateway = re.gateway.String()
			}
			nd.Routes = append(nd.Routes, rd)
		}

		for _, app := range node.apps {
			nd.Apps = append(nd.Apps, app.GlobalName())
		}
		td.Nodes = append(td.Nodes, nd)
	}

	for _, seg := range scn.segments {
		sd := SegmentDesc{Name: seg.name, DataRate: seg.rate.String(), Delay: seg.delay, Devices: []string{}}
		if prefix, err := segmentPrefix(seg); err == nil {
			sd.Subnet = prefix.String()
		}
		for _, dev := range seg.devices {
			sd.Devices = append(sd.Devices, dev.name)
		}
		for _, ps := range scn.pcaps {
			if ps.seg == seg {
				sd.Pcap = append(sd.Pcap, ps.sink.filename)
			}
		}
		td.Segments = append(td.Segments, sd)
	}
	return td
}

// NodeByName returns the description of the named node, or nil
func (td *TopoDesc) NodeByName(name string) *NodeDesc {
	for idx := range td.Nodes {
		if td.Nodes[idx].Name == name {
			return &td.Nodes[idx]
		}
	}
	return nil
}

// WriteToFile stores the TopoDesc struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (td *TopoDesc) WriteToFile(filename string) error {
	var bytes []byte
	var merr error

	if IsYAML(filename) {
		bytes, merr = yaml.Marshal(*td)
	} else {
		bytes, merr = json.MarshalIndent(*td, "", "\t")
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// ReadTopoDesc deserializes a byte slice holding a representation of a TopoDesc struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.
func ReadTopoDesc(filename string, useYAML bool, dict []byte) (*TopoDesc, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := TopoDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}
