package csmanet

// config.go holds the parameters of a scenario, their defaults, and the
// means of reading them from a description file or the command line

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"

	"gopkg.in/yaml.v3"
)

// default values of the scenario parameters
const (
	DefaultClients    = 5
	DefaultDataRate   = "1Mb/s"
	DefaultDelay      = "0.5ms"
	DefaultEchoPort   = 9
	DefaultServerPcap = "salida_server"
	DefaultClientPcap = "salida_clientes"
)

// Config carries everything needed to build and run a scenario.  The string valued
// rate and time fields are kept as given so that a description file reads the way
// the command line does; Validate converts them.
type Config struct {
	// number of echo client nodes on the client segment
	Clients uint32 `json:"clientes" yaml:"clientes"`

	// data rate and propagation delay shared by both segments
	DataRate string `json:"regimenbinario" yaml:"regimenbinario"`
	Delay    string `json:"retardoprop" yaml:"retardoprop"`

	// UDP port the echo server listens on
	Port uint16 `json:"port" yaml:"port"`

	// echo client attributes
	MaxPackets uint32 `json:"maxpackets" yaml:"maxpackets"`
	Interval   string `json:"interval" yaml:"interval"`
	PacketSize int    `json:"packetsize" yaml:"packetsize"`

	// capture file prefixes for the server and client segments, and where they go
	ServerPcap string `json:"serverpcap" yaml:"serverpcap"`
	ClientPcap string `json:"clientpcap" yaml:"clientpcap"`
	OutDir     string `json:"outdir" yaml:"outdir"`

	// simulation time at which to stop, "" or "0" runs until there is nothing left to do
	StopTime string `json:"stop" yaml:"stop"`

	// optional outputs: event trace, topology description, exchange database
	TraceFile string `json:"trace" yaml:"trace"`
	TopoFile  string `json:"topo" yaml:"topo"`
	EchoDB    string `json:"echodb" yaml:"echodb"`

	Verbose bool `json:"verbose" yaml:"verbose"`
}

// DefaultConfig returns a Config with every parameter at its default value
func DefaultConfig() *Config {
	cfg := new(Config)
	cfg.Clients = DefaultClients
	cfg.DataRate = DefaultDataRate
	cfg.Delay = DefaultDelay
	cfg.Port = DefaultEchoPort
	cfg.MaxPackets = 100
	cfg.Interval = "1s"
	cfg.PacketSize = 100
	cfg.ServerPcap = DefaultServerPcap
	cfg.ClientPcap = DefaultClientPcap
	cfg.OutDir = "."
	return cfg
}

// ReadConfig deserializes a byte slice holding a representation of a Config struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.  Fields the description leaves out keep their default values.
func ReadConfig(filename string, useYAML bool, dict []byte) (*Config, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	cfg := DefaultConfig()
	if useYAML {
		err = yaml.Unmarshal(dict, cfg)
	} else {
		err = json.Unmarshal(dict, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", filename, err)
	}
	return cfg, nil
}

// IsYAML reports whether a file name carries one of the extensions we read as YAML
func IsYAML(filename string) bool {
	pathExt := path.Ext(filename)
	return pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml"
}

// WriteToFile stores the Config struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (cfg *Config) WriteToFile(filename string) error {
	var bytes []byte
	var merr error

	if IsYAML(filename) {
		bytes, merr = yaml.Marshal(*cfg)
	} else {
		bytes, merr = json.MarshalIndent(*cfg, "", "\t")
	}
	if merr != nil {
		return merr
	}
	return os.WriteFile(filename, bytes, 0o644)
}

// SetParam assigns the parameter whose command line name is given from its string value.
func (cfg *Config) SetParam(name, value string) error {
	switch name {
	case "clientes":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("clientes: %w", err)
		}
		cfg.Clients = uint32(n)
	case "regimenBinario":
		cfg.DataRate = value
	case "retardoProp":
		cfg.Delay = value
	case "outDir":
		cfg.OutDir = value
	case "stop":
		cfg.StopTime = value
	case "trace":
		cfg.TraceFile = value
	case "topo":
		cfg.TopoFile = value
	case "echoDB":
		cfg.EchoDB = value
	default:
		return fmt.Errorf("unknown parameter %q", name)
	}
	return nil
}

// scenarioParams are the Config values converted into the units the simulation uses
type scenarioParams struct {
	rate     DataRate
	delay    float64
	interval float64
	stop     float64
}

// Validate checks every parameter and converts the ones given as strings.
// All problems found are reported together.
func (cfg *Config) Validate() error {
	_, err := cfg.params()
	return err
}

func (cfg *Config) params() (*scenarioParams, error) {
	sp := new(scenarioParams)
	errs := []error{}
	var err error

	sp.rate, err = ParseDataRate(cfg.DataRate)
	errs = append(errs, err)

	sp.delay, err = ParseTime(cfg.Delay)
	errs = append(errs, err)

	sp.interval, err = ParseTime(cfg.Interval)
	errs = append(errs, err)

	if len(cfg.StopTime) > 0 {
		sp.stop, err = ParseTime(cfg.StopTime)
		errs = append(errs, err)
	}

	if cfg.PacketSize < 0 || cfg.PacketSize > maxUDPPayload {
		errs = append(errs, fmt.Errorf("packet size %d outside [0,%d]", cfg.PacketSize, maxUDPPayload))
	}
	if cfg.Port == 0 {
		errs = append(errs, errors.New("echo port must not be zero"))
	}
	if len(cfg.ServerPcap) == 0 || len(cfg.ClientPcap) == 0 {
		errs = append(errs, errors.New("capture file prefixes must not be empty"))
	}
	if cfg.MaxPackets == 0 && sp.stop == 0 {
		errs = append(errs, errors.New("echo clients without a packet limit need a stop time"))
	}

	if aggErr := errors.Join(errs...); aggErr != nil {
		return nil, aggErr
	}
	return sp, nil
}
