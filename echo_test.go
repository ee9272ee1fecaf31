package csmanet

import (
	"net/netip"
	"testing"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exchangeLog keeps the exchanges a client records
type exchangeLog struct {
	exchanges []EchoExchange
}

func (el *exchangeLog) RecordExchange(ex EchoExchange) {
	el.exchanges = append(el.exchanges, ex)
}

func TestEchoGoesWithLatestDatagram(t *testing.T) {
	node := createNode("echo-match", 0, clientRole)
	remote := netip.MustParseAddrPort("10.1.1.1:9")
	cl := createEchoClient(node, remote, 3, 1.0, 100, nil)
	rec := new(exchangeLog)
	cl.setRecorder(rec)

	// two datagrams in flight when the echo arrives at t=1
	cl.inFlight = append(cl.inFlight, inFlightEcho{seq: 0, sent: 0.0}, inFlightEcho{seq: 1, sent: 0.5})
	echoAt := func(evtMgr *evtm.EventManager, context any, data any) any {
		context.(*EchoClient).handleRead(evtMgr, nil, remote, make([]byte, 100))
		return nil
	}
	evtMgr := evtm.New()
	evtMgr.Schedule(cl, nil, echoAt, vrtime.SecondsToTime(1.0))

	// a second echo at t=2 finds nothing in flight, so it is counted but not matched
	evtMgr.Schedule(cl, nil, echoAt, vrtime.SecondsToTime(2.0))
	evtMgr.Run(10.0)

	require.Len(t, rec.exchanges, 1)
	ex := rec.exchanges[0]
	assert.Equal(t, 1, ex.Seq)
	assert.Equal(t, "echo-match", ex.Client)
	assert.Equal(t, 100, ex.Bytes)
	assert.InDelta(t, 0.5, ex.RTT(), 1e-9)
	assert.InDelta(t, 0.5, cl.MeanRTT(), 1e-9)

	// the older datagram is given up on
	assert.Empty(t, cl.inFlight)
	assert.Equal(t, uint32(2), cl.Received())
}
