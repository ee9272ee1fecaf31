package csmanet

// routes.go computes the routing tables of every node from a global view of the topology

import (
	"fmt"
	"math"
	"net/netip"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// The general approach is to convert the scenario into the data structures used by a
// graph package that has built-in path discovery algorithms.  The graph is bipartite:
// one vertex per node and one per segment, with an edge of weight 1 from a node to every
// segment one of its devices is attached to.  A shortest path from a node to a segment it is
// not attached to alternates node, segment, node, ... and so its first three vertices name
// the outgoing segment and the neighbour acting as gateway, which is what a routing table
// entry needs.
//
// Vertices for nodes carry the node id; vertices for segments are offset past the largest node id.

// routeGraph holds the graph and the means to map its vertices back onto the scenario
type routeGraph struct {
	connGraph graph.Graph
	nodes     map[int64]*Node
	segments  map[int64]*csmaChannel
	segOffset int64
}

// buildConnGraph returns the bipartite node/segment graph of a scenario
func buildConnGraph(nodes []*Node, segments []*csmaChannel) *routeGraph {
	rg := new(routeGraph)
	rg.nodes = make(map[int64]*Node)
	rg.segments = make(map[int64]*csmaChannel)

	for _, node := range nodes {
		rg.nodes[int64(node.id)] = node
		rg.segOffset = max(rg.segOffset, int64(node.id)+1)
	}

	wg := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, node := range nodes {
		wg.AddNode(simple.Node(int64(node.id)))
	}

	for idx, seg := range segments {
		segVID := rg.segOffset + int64(idx)
		rg.segments[segVID] = seg
		wg.AddNode(simple.Node(segVID))

		// transform attachment of a device onto the segment into an edge of the graph
		for _, dev := range seg.devices {
			nodeVID := int64(dev.node.id)
			weightedEdge := simple.WeightedEdge{F: simple.Node(nodeVID), T: simple.Node(segVID), W: 1.0}
			wg.SetWeightedEdge(weightedEdge)
		}
	}
	rg.connGraph = wg
	return rg
}

// populateRoutingTables adds to every node a route to each subnet it is not directly attached to.
// The gateway is the address of the first neighbour on the shortest path to the subnet's segment
func populateRoutingTables(nodes []*Node, segments []*csmaChannel) error {
	rg := buildConnGraph(nodes, segments)

	for _, node := range nodes {
		if node.ipv4 == nil {
			continue
		}
		spTree := path.DijkstraFrom(simple.Node(int64(node.id)), rg.connGraph)

		for idx, seg := range segments {
			segVID := rg.segOffset + int64(idx)
			// connected routes were added when the addresses were assigned
			if node.ipv4.intrfcOnChannel(seg) != nil {
				continue
			}
			dest, err := segmentPrefix(seg)
			if err != nil {
				return err
			}

			nodeSeq, _ := spTree.To(segVID)
			if len(nodeSeq) < 3 {
				// not reachable from here
				continue
			}

			firstSeg := rg.segments[nodeSeq[1].ID()]
			gateway := rg.nodes[nodeSeq[2].ID()]
			outIntrfc := node.ipv4.intrfcOnChannel(firstSeg)
			gwIntrfc := gateway.ipv4.intrfcOnChannel(firstSeg)
			if outIntrfc == nil || gwIntrfc == nil {
				return fmt.Errorf("route from %s to %s crosses %s without an address on it",
					node.name, seg.name, firstSeg.name)
			}

			node.ipv4.addRoute(routeEntry{dest: dest, gateway: gwIntrfc.addr, intrfc: outIntrfc.number, origin: globalRoute})
		}
	}
	return nil
}

// segmentPrefix returns the subnet assigned to the interfaces on a segment
func segmentPrefix(seg *csmaChannel) (netip.Prefix, error) {
	for _, dev := range seg.devices {
		intrfc := dev.node.ipv4.intrfcByDevice(dev)
		if intrfc != nil {
			return intrfc.prefix, nil
		}
	}
	return netip.Prefix{}, fmt.Errorf("segment %s has no addressed interface", seg.name)
}

// ShowPath returns a string that lists the names of the nodes and segments a datagram
// crosses from the source node to the destination node
func ShowPath(scn *Scenario, src, dst *Node) string {
	rg := buildConnGraph(scn.nodes, scn.segments)
	spTree := path.DijkstraFrom(simple.Node(int64(src.id)), rg.connGraph)
	nodeSeq, _ := spTree.To(int64(dst.id))

	pathString := make([]string, 0, len(nodeSeq))
	for _, vtx := range nodeSeq {
		if node, present := rg.nodes[vtx.ID()]; present {
			pathString = append(pathString, node.name)
			continue
		}
		pathString = append(pathString, rg.segments[vtx.ID()].name)
	}
	return strings.Join(pathString, ",")
}
