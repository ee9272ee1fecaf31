package csmanet

// pcap.go writes the frames a device sends and accepts into a capture file

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapLen is the largest number of bytes captured from a frame
const pcapSnapLen = 65535

// a pcapSink is a frameSniffer that writes what it sees through gopacket's pcap writer.
// Capture timestamps count simulation time from the Unix epoch
type pcapSink struct {
	filename string
	f        *os.File
	w        *pcapgo.Writer
	frames   int
	err      error
}

// pcapFileName returns the name of the capture file for a device: the prefix, then the
// id of the device's node and the device's index on it
func pcapFileName(dir, prefix string, dev netDevice) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d-%d.pcap", prefix, dev.devNode().id, dev.devIndex()))
}

// createPcapSink creates the capture file and writes its header
func createPcapSink(filename string) (*pcapSink, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(pcapSnapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return nil, fmt.Errorf("pcap header %s: %w", filename, err)
	}
	return &pcapSink{filename: filename, f: f, w: w}, nil
}

// sniff writes one frame.  The first write error is kept and reported by close
func (ps *pcapSink) sniff(t float64, frame []byte) {
	if ps.err != nil || ps.f == nil {
		return
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(0, 0).Add(time.Duration(t * 1e9)),
		CaptureLength: min(len(frame), pcapSnapLen),
		Length:        len(frame),
	}
	if err := ps.w.WritePacket(ci, frame[:ci.CaptureLength]); err != nil {
		ps.err = fmt.Errorf("pcap write %s: %w", ps.filename, err)
		return
	}
	ps.frames += 1
}

// close flushes and closes the capture file
func (ps *pcapSink) close() error {
	if ps.f == nil {
		return ps.err
	}
	cerr := ps.f.Close()
	ps.f = nil
	if ps.err != nil {
		return ps.err
	}
	return cerr
}

// enablePcap attaches a capture file to a csma device
func enablePcap(dir, prefix string, dev *csmaDevice) (*pcapSink, error) {
	ps, err := createPcapSink(pcapFileName(dir, prefix, dev))
	if err != nil {
		return nil, err
	}
	dev.addSniffer(ps)
	return ps, nil
}
