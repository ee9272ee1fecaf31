package csmanet

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEchoDBName(t *testing.T) {
	assert.Equal(t, "plain.sqlite3", echoDBName("plain.sqlite3"))

	auto := echoDBName("auto")
	assert.True(t, strings.HasPrefix(auto, "echo_"))
	assert.True(t, strings.HasSuffix(auto, ".sqlite3"))
	assert.NotEqual(t, auto, echoDBName("auto"))

	inDir := echoDBName("out" + string(os.PathSeparator))
	assert.Equal(t, "out", filepath.Dir(inDir))
}

func TestSQLiteEchoWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.sqlite3")
	w, err := NewSQLiteEchoWriter(path, "run-1")
	require.NoError(t, err)
	assert.Equal(t, path, w.Name())
	w.batchSize = 2

	w.RecordExchange(EchoExchange{Client: "a", Seq: 0, Sent: 1.0, Received: 1.004, Bytes: 100})
	// nothing is written until the batch fills
	n, err := w.CountExchanges("")
	require.NoError(t, err)
	assert.Zero(t, n)

	w.RecordExchange(EchoExchange{Client: "b", Seq: 0, Sent: 1.0, Received: 1.006, Bytes: 100})
	w.RecordExchange(EchoExchange{Client: "a", Seq: 1, Sent: 2.0, Received: 2.004, Bytes: 100})
	n, err = w.CountExchanges("")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	w.Flush()
	n, err = w.CountExchanges("a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var rtt float64
	require.NoError(t, w.QueryRow(`select rtt from echo_exchange where client = 'b'`).Scan(&rtt))
	assert.InDelta(t, 0.006, rtt, 1e-9)

	require.NoError(t, w.Close())
}
