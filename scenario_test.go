package csmanet

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns the default configuration with its outputs under a fresh directory
func testConfig(t *testing.T) *Config {
	cfg := DefaultConfig()
	cfg.OutDir = t.TempDir()
	return cfg
}

// totalTxFrames adds up the frames every interface of a topology description sent
func totalTxFrames(td *TopoDesc) int {
	total := 0
	for _, nd := range td.Nodes {
		for _, id := range nd.Intrfcs {
			total += id.TxFrames
		}
	}
	return total
}

func TestApplicationCounts(t *testing.T) {
	for _, clients := range []uint32{0, 1, 5, 20} {
		t.Run(fmt.Sprintf("clients-%d", clients), func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Clients = clients

			scn, err := BuildScenario(cfg)
			require.NoError(t, err)
			defer scn.Close()

			assert.Len(t, scn.ServerApps(), 1)
			assert.Len(t, scn.ClientApps(), int(clients))
			assert.Len(t, scn.Clients(), int(clients))
			assert.Len(t, scn.Nodes(), int(clients)+2)
			assert.Equal(t, 0, scn.Server().ID())
			assert.Equal(t, 1, scn.Router().ID())

			for idx, cl := range scn.ClientApps() {
				assert.Equal(t, "10.1.1.1:9", cl.Remote().String())
				assert.Equal(t, idx+2, cl.AppNode().ID())
			}
		})
	}
}

func TestSubnetsAreDisjoint(t *testing.T) {
	scn, err := BuildScenario(testConfig(t))
	require.NoError(t, err)
	defer scn.Close()

	assert.Equal(t, "10.1.1.0/24", scn.ServerSubnet().String())
	assert.Equal(t, "10.1.2.0/24", scn.ClientSubnet().String())
	assert.False(t, scn.ServerSubnet().Overlaps(scn.ClientSubnet()))
	assert.Equal(t, "10.1.1.1", scn.ServerAddress().String())

	// every csma interface gets an address of its own segment's subnet
	for _, node := range scn.Nodes() {
		for _, intrfc := range node.ipv4.intrfcs[1:] {
			seg := intrfc.device.(*csmaDevice).channel
			prefix, err := segmentPrefix(seg)
			require.NoError(t, err)
			assert.True(t, prefix.Contains(intrfc.addr), intrfc.device.devName())
		}
	}

	router := scn.Router().ipv4
	assert.Equal(t, "10.1.1.2", router.intrfcs[1].addr.String())
	assert.Equal(t, "10.1.2.1", router.intrfcs[2].addr.String())
	assert.Equal(t, "10.1.2.2", scn.Clients()[0].ipv4.intrfcs[1].addr.String())
}

func TestTooManyClients(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clients = 254
	_, err := BuildScenario(cfg)
	assert.Error(t, err)

	cfg.Clients = 253
	scn, err := BuildScenario(cfg)
	require.NoError(t, err)
	scn.Close()
}

func TestBuildRejectsBadParameters(t *testing.T) {
	cfg := testConfig(t)
	cfg.DataRate = "fast"
	_, err := BuildScenario(cfg)
	assert.Error(t, err)
}

func TestDefaultRun(t *testing.T) {
	cfg := testConfig(t)
	scn, err := BuildScenario(cfg)
	require.NoError(t, err)
	require.NoError(t, scn.Run())

	rs := scn.Summary()
	require.Len(t, rs.Clients, DefaultClients)
	total := uint32(0)
	for idx, cs := range rs.Clients {
		assert.Equal(t, fmt.Sprintf("10.1.2.%d", idx+2), cs.Address)
		assert.Equal(t, cfg.MaxPackets, cs.Sent, cs.Name)
		// an echo may be lost while ARP resolves the first hops
		assert.GreaterOrEqual(t, cs.Received, cfg.MaxPackets-1, cs.Name)
		assert.LessOrEqual(t, cs.Received, cs.Sent, cs.Name)
		assert.Greater(t, cs.MeanRTT, 0.0)
		assert.Less(t, cs.MeanRTT, 0.1)
		total += cs.Received
	}
	assert.GreaterOrEqual(t, rs.ServerReceived, total)

	// the last echo comes back a little after the last datagram leaves at t=99
	assert.Greater(t, rs.SimTime, 99.0)
	assert.Less(t, rs.SimTime, 200.0)

	// two frames each way per echo, not counting ARP
	assert.GreaterOrEqual(t, rs.FramesSent, 4*int(total))
	lost := int(cfg.MaxPackets)*DefaultClients - int(total)
	assert.GreaterOrEqual(t, rs.Drops, lost)

	assert.Error(t, scn.Run())
}

func TestPcapFiles(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxPackets = 3
	scn, err := BuildScenario(cfg)
	require.NoError(t, err)
	require.NoError(t, scn.Run())

	files := scn.PcapFiles()
	require.Equal(t, []string{
		filepath.Join(cfg.OutDir, "salida_server-0-1.pcap"),
		filepath.Join(cfg.OutDir, "salida_clientes-1-2.pcap"),
	}, files)

	for _, name := range files {
		f, err := os.Open(name)
		require.NoError(t, err)
		defer f.Close()

		r, err := pcapgo.NewReader(f)
		require.NoError(t, err)
		assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())

		arps, udps := 0, 0
		for {
			data, _, err := r.ReadPacketData()
			if err != nil {
				break
			}
			pckt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
			if pckt.Layer(layers.LayerTypeARP) != nil {
				arps += 1
			}
			if udp, ok := pckt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
				udps += 1
				assert.True(t, udp.DstPort == 9 || udp.SrcPort == 9)
			}
		}
		assert.Positive(t, arps, name)
		assert.Positive(t, udps, name)
	}
}

func TestStopTime(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clients = 1
	cfg.MaxPackets = 0
	cfg.StopTime = "5.5s"

	scn, err := BuildScenario(cfg)
	require.NoError(t, err)
	require.NoError(t, scn.Run())

	sent := scn.ClientApps()[0].Sent()
	assert.InDelta(t, 6, float64(sent), 1.0)
	assert.Greater(t, scn.Summary().SimTime, 5.0)
	assert.LessOrEqual(t, scn.Summary().SimTime, 5.5)
}

func TestOptionalOutputs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Clients = 2
	cfg.MaxPackets = 4
	cfg.TraceFile = "trace.yaml"
	cfg.TopoFile = "topo.json"
	cfg.EchoDB = filepath.Join(cfg.OutDir, "echo.sqlite3")

	scn, err := BuildScenario(cfg)
	require.NoError(t, err)
	require.NoError(t, scn.Run())
	rs := scn.Summary()

	// trace
	tm, err := ReadTraceManager(filepath.Join(cfg.OutDir, "trace.yaml"), true, nil)
	require.NoError(t, err)
	assert.Equal(t, "practica1", tm.ExpName)
	assert.Positive(t, tm.NumTraces())
	ops := map[string]int{}
	for id, trcs := range tm.Traces {
		_, named := tm.NameByID[id]
		assert.True(t, named, id)
		for _, trc := range trcs {
			ops[trc.Op] += 1
		}
	}
	assert.Positive(t, ops["tx"])
	assert.Positive(t, ops["rx"])
	assert.Positive(t, ops["enqueue"])

	// topology
	td, err := ReadTopoDesc(filepath.Join(cfg.OutDir, "topo.json"), false, nil)
	require.NoError(t, err)
	require.Len(t, td.Nodes, 4)
	require.Len(t, td.Segments, 2)
	srv := td.NodeByName("servidor")
	require.NotNil(t, srv)
	require.Len(t, srv.Intrfcs, 2)
	assert.Equal(t, "10.1.1.1", srv.Intrfcs[1].Address)
	assert.Equal(t, "00:00:00:00:00:01", srv.Intrfcs[1].MAC)
	assert.Positive(t, srv.Intrfcs[1].TxFrames)
	assert.Positive(t, srv.Intrfcs[1].RxFrames)
	assert.Zero(t, srv.Intrfcs[1].ArpDrops)
	assert.Equal(t, rs.FramesSent, totalTxFrames(td))
	assert.Equal(t, []string{"servidor/echo-server:9"}, srv.Apps)
	assert.Equal(t, "10.1.1.0/24", td.Segments[0].Subnet)
	assert.Equal(t, "1Mb/s", td.Segments[0].DataRate)
	assert.Len(t, td.Segments[1].Devices, 3)
	assert.Len(t, td.Segments[0].Pcap, 1)
	assert.Nil(t, td.NodeByName("nobody"))

	// exchanges
	db, err := NewSQLiteEchoWriter(cfg.EchoDB, "reader")
	require.NoError(t, err)
	defer db.Close()
	n, err := db.CountExchanges("")
	require.NoError(t, err)
	assert.Equal(t, int(rs.Clients[0].Received+rs.Clients[1].Received), n)
	n, err = db.CountExchanges("cliente-1")
	require.NoError(t, err)
	assert.Equal(t, int(rs.Clients[1].Received), n)
}
