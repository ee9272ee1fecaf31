package csmanet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataRate(t *testing.T) {
	cases := map[string]DataRate{
		"1Mb/s":    1000000,
		"1Mbps":    1000000,
		"100kbps":  100000,
		"2.5Gb/s":  2500000000,
		"9600":     9600,
		"1KB/s":    8000,
		"1MiB/s":   8 * 1024 * 1024,
		" 10Mb/s ": 10000000,
	}
	for str, want := range cases {
		got, err := ParseDataRate(str)
		require.NoError(t, err, str)
		assert.Equal(t, want, got, str)
	}
}

func TestParseDataRateRejects(t *testing.T) {
	for _, str := range []string{"", "fast", "1Xb/s", "0Mb/s", "-1Mb/s", "0.1b/s"} {
		_, err := ParseDataRate(str)
		assert.Error(t, err, str)
	}
}

func TestDataRateString(t *testing.T) {
	assert.Equal(t, "1Mb/s", DataRate(1000000).String())
	assert.Equal(t, "100kb/s", DataRate(100000).String())
	assert.Equal(t, "3Gb/s", DataRate(3000000000).String())
	assert.Equal(t, "1500b/s", DataRate(1500).String())
}

func TestTxTime(t *testing.T) {
	dr := DataRate(1000000)
	assert.InDelta(t, 8e-6, dr.TxTime(1), 1e-15)
	assert.InDelta(t, 1.2e-2, dr.TxTime(1500), 1e-12)
}

func TestParseTime(t *testing.T) {
	cases := map[string]float64{
		"0.5ms": 0.5e-3,
		"2s":    2.0,
		"3":     3.0,
		"10us":  10e-6,
		"1e-3s": 1e-3,
		"2min":  120.0,
		"0":     0.0,
	}
	for str, want := range cases {
		got, err := ParseTime(str)
		require.NoError(t, err, str)
		assert.InDelta(t, want, got, 1e-15, str)
	}

	for _, str := range []string{"", "soon", "5parsecs", "-1ms"} {
		_, err := ParseTime(str)
		assert.Error(t, err, str)
	}
}
