package main

// args.go turns the command line into a scenario configuration

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iti/cmdline"
	"github.com/iti/csmanet"
)

// parameters a command line flag can override in the configuration
var overrides = []string{"clientes", "regimenBinario", "retardoProp", "outDir", "stop", "trace", "topo", "echoDB"}

// every flag takes a value on the command line; verbose alone may be given bare
var declaredFlags = append([]string{"config", "verbose"}, overrides...)

// cmdlineParameters configures for recognition of command line variables
func cmdlineParameters() *cmdline.CmdParser {
	// create an argument parser
	cp := cmdline.NewCmdParser()
	cp.AddFlag(cmdline.StringFlag, "config", false) // description file with the scenario parameters

	cp.AddFlag(cmdline.StringFlag, "clientes", false)       // number of echo clients
	cp.AddFlag(cmdline.StringFlag, "regimenBinario", false) // data rate of both segments
	cp.AddFlag(cmdline.StringFlag, "retardoProp", false)    // propagation delay of both segments

	cp.AddFlag(cmdline.StringFlag, "outDir", false)  // directory the output files go to
	cp.AddFlag(cmdline.StringFlag, "stop", false)    // simulation time at which the run ends
	cp.AddFlag(cmdline.StringFlag, "trace", false)   // name of the event trace file
	cp.AddFlag(cmdline.StringFlag, "topo", false)    // name of the topology description file
	cp.AddFlag(cmdline.StringFlag, "echoDB", false)  // sqlite database of echo exchanges
	cp.AddFlag(cmdline.StringFlag, "verbose", false) // "true" logs every echo sent and received

	return cp
}

// normalizeArgs accepts both "--name=value" and "-name value" and rewrites every flag into
// the "-name value" form the parser reads.  Unknown flags, stray values and values holding
// whitespace are errors
func normalizeArgs(args []string) ([]string, error) {
	tokens := []string{}
	for idx := 0; idx < len(args); idx++ {
		arg := args[idx]
		if !strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("unexpected argument %q", arg)
		}
		name := strings.TrimLeft(arg, "-")
		value, hasValue := "", false
		if eq := strings.Index(name, "="); eq > -1 {
			name, value, hasValue = name[:eq], name[eq+1:], true
		}

		known := false
		for _, flagName := range declaredFlags {
			if flagName == name {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown flag %q", arg)
		}

		if !hasValue {
			switch {
			case name == "verbose" && (idx+1 == len(args) || strings.HasPrefix(args[idx+1], "-")):
				value = "true"
			case idx+1 < len(args):
				idx += 1
				value = args[idx]
			default:
				return nil, fmt.Errorf("flag %q needs a value", arg)
			}
		}
		if len(value) == 0 || strings.ContainsAny(value, " \t\n") {
			return nil, fmt.Errorf("flag %q has an empty value or one holding whitespace", arg)
		}
		tokens = append(tokens, "-"+name, value)
	}
	return tokens, nil
}

// strVar returns the value of a string flag, empty if it was not given
func strVar(cp *cmdline.CmdParser, name string) string {
	if !cp.IsLoaded(name) {
		return ""
	}
	value, ok := cp.GetVar(name).(string)
	if !ok {
		return ""
	}
	return value
}

// configFromArgs builds the configuration for the arguments that follow the program name.
// The description file named by -config is read first; the other flags then override it.
// With no arguments the defaults are returned
func configFromArgs(args []string) (*csmanet.Config, error) {
	if len(args) == 0 {
		return csmanet.DefaultConfig(), nil
	}

	tokens, err := normalizeArgs(args)
	if err != nil {
		return nil, err
	}

	// configure command line variable recognition, then parse
	cp := cmdlineParameters()
	cp.ParseFromString(strings.Join(tokens, " "))

	cfg := csmanet.DefaultConfig()
	if cfgFile := strVar(cp, "config"); len(cfgFile) > 0 {
		cfg, err = csmanet.ReadConfig(cfgFile, csmanet.IsYAML(cfgFile), []byte{})
		if err != nil {
			return nil, err
		}
	}

	// flags given on the command line win over the description file
	for _, name := range overrides {
		value := strVar(cp, name)
		if len(value) == 0 {
			continue
		}
		if err := cfg.SetParam(name, value); err != nil {
			return nil, err
		}
	}
	if verbose := strVar(cp, "verbose"); len(verbose) > 0 {
		cfg.Verbose, err = strconv.ParseBool(verbose)
		if err != nil {
			return nil, fmt.Errorf("verbose: %w", err)
		}
	}
	return cfg, nil
}
