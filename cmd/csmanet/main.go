package main

// csmanet builds the server, router and echo client scenario from the command line,
// runs it, and leaves the capture files of the two segments in the output directory

import (
	"log"
	"os"

	"github.com/iti/csmanet"
	"github.com/tebeka/atexit"
)

func main() {
	cfg, err := configFromArgs(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		log.Fatal(err)
	}

	scn, err := csmanet.BuildScenario(cfg)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("run %s: %d clients, %s, delay %s", scn.RunID(), len(scn.Clients()), cfg.DataRate, cfg.Delay)

	if err := scn.Run(); err != nil {
		log.Fatal(err)
	}

	rs := scn.Summary()
	log.Printf("simulation ended at %gs, server echoed %d datagrams, %d frames sent, %d dropped",
		rs.SimTime, rs.ServerReceived, rs.FramesSent, rs.Drops)
	for _, cs := range rs.Clients {
		log.Printf("%s (%s): sent %d, received %d, mean rtt %gs", cs.Name, cs.Address, cs.Sent, cs.Received, cs.MeanRTT)
	}
	for _, name := range scn.PcapFiles() {
		log.Printf("capture written to %s", name)
	}

	atexit.Exit(0)
}
