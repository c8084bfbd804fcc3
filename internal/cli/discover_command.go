package cli

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/rust4c/c2rust-agent-sub001/internal/config"
	"github.com/rust4c/c2rust-agent-sub001/internal/discovery"
	"github.com/rust4c/c2rust-agent-sub001/internal/model"
)

type discoverResult struct {
	Root  string       `json:"root"`
	Total int          `json:"total"`
	Units []model.Unit `json:"units"`
}

func runDiscover(args []string) error {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	root := fs.String("root", "", "work tree holding the units (default: first argument or current directory)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	target, err := resolveRoot(config.FirstNonEmpty(*root, fs.Arg(0), "."))
	if err != nil {
		return err
	}
	cfg, logger, err := cf.load()
	if err != nil {
		return err
	}
	defer logger.Close()

	opts := cfg.DiscoveryOptions()
	opts.Logger = logger.Logger
	units, err := discovery.Discover(target, opts)
	if err != nil {
		return err
	}

	if *cf.jsonOut {
		return printJSON(discoverResult{Root: target, Total: len(units), Units: units})
	}
	for _, u := range units {
		fmt.Printf("%s\t%s\n", u.ID, u.Path)
	}
	fmt.Printf("units: %d\n", len(units))
	return nil
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	root := fs.String("root", "", "work tree to check (default: first argument or current directory)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := cf.load()
	if err != nil {
		return err
	}
	defer logger.Close()

	opts := cfg.DiscoveryOptions()
	opts.Logger = logger.Logger
	res, err := discovery.Doctor(discovery.DoctorOptions{
		Root:         config.FirstNonEmpty(*root, fs.Arg(0), "."),
		Tools:        pipelineTools(cfg),
		ConfigSource: cfg.Source,
		Discovery:    opts,
	})
	if err != nil {
		return err
	}
	if *cf.jsonOut {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		for _, c := range res.Checks {
			status := "ok"
			if !c.OK {
				status = "fail"
			}
			fmt.Printf("%s: %s (%s)\n", c.Name, status, c.Message)
		}
	}
	if !res.OK {
		return errors.New("doctor checks failed")
	}
	if !*cf.jsonOut {
		fmt.Println("doctor: all checks passed")
	}
	return nil
}

// pipelineTools lists the binaries the configured stages invoke.
func pipelineTools(cfg config.Config) []string {
	tools := make([]string, 0, 3)
	for _, cmd := range [][]string{cfg.Pipeline.Transform, cfg.Pipeline.Verify, cfg.Pipeline.Repair} {
		if len(cmd) > 0 && strings.TrimSpace(cmd[0]) != "" {
			tools = append(tools, cmd[0])
		}
	}
	return tools
}
