package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/nasa-jpl/quadshaker/scan"
	"github.com/nasa-jpl/quadshaker/server/middleware/locker"
	"github.com/nasa-jpl/quadshaker/session"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "quadshaker.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(session.DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

// watchconfig re-applies the scan timing of the config file to s each time
// the file changes
func watchconfig(s *session.Session) {
	f := file.Provider(ConfigFileName)
	err := f.Watch(func(event interface{}, err error) {
		if err != nil {
			log.Printf("config watch error: %v", err)
			return
		}
		kk := koanf.New(".")
		kk.Load(structs.Provider(session.DefaultConfig(), "koanf"), nil)
		if err := kk.Load(f, yaml.Parser()); err != nil {
			log.Printf("error reloading config: %v", err)
			return
		}
		c := scan.Config{}
		if err := kk.Unmarshal("Scan", &c); err != nil {
			log.Printf("error reloading config: %v", err)
			return
		}
		s.SetScanConfig(c)
		log.Printf("scan config reloaded, time step %v, max tries %d, validate %v", c.TimeStep, c.MaxTries, c.Validate)
	})
	if err != nil {
		log.Printf("not watching %s: %v", ConfigFileName, err)
	}
}

func root() {
	str := `quadshaker measures the beam offset inside quadrupole magnets by shaking their
field and watching the beam position monitors move, then finds the corrector
settings that steer the beam through the magnet centers.  It exposes an HTTP
interface to the scan, the analysis, and the correction.

Usage:
	quadshaker <command>

Commands:
	run
	scan
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `quadshaker is amenable to configuration via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

mkconf writes the defaults to quadshaker.yml.  The beam line is described by
the file named in Lattice, and the magnets, monitors, and correctors to use by
their ids in that file along with the names of their channels.

With Mock.Enabled, no hardware is touched: a simulated beam line with the
offsets in Mock.Offsets answers every channel.

Changes to the Scan section of the config file take effect at the next step
of a running scan.

run serves HTTP at Addr.  Routes are listed at /endpoints.
scan runs one scan of every active magnet from the command line, then
prints the measured orbit.  It takes an optional machine snapshot id,
which is written into every recorded file.`
	fmt.Println(str)
}

func mkconf() {
	c := session.Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := session.Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("quadshaker version %v\n", Version)
}

func open() *session.Session {
	c := session.Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	s, err := session.Open(c)
	if err != nil {
		log.Fatal(err)
	}
	return s
}

func run() {
	s := open()
	defer s.Close()
	watchconfig(s)
	mux := BuildMux(s, locker.New())
	addr := s.Config().Addr
	log.Println("now listening for requests at ", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func scanonce(args []string) {
	s := open()
	defer s.Close()
	if len(args) > 0 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			log.Fatalf("snapshot id %q is not an integer", args[0])
		}
		s.SetSnapshot(id)
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		StopCharacter:     "done",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "failed",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := s.Runner.Initialize(); err != nil {
		log.Fatal(err)
	}
	if err := s.Runner.Start(); err != nil {
		log.Fatal(err)
	}
	spinner.Start()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-s.Runner.Done():
			break loop
		case <-tick.C:
			spinner.Message(fmt.Sprintf("%3d%% %s", s.Runner.Progress(), s.Runner.Message()))
		}
	}
	if err := s.Runner.Err(); err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		os.Exit(1)
	}
	failures := s.Shaker.Failures()
	if len(failures) > 0 {
		spinner.StopFailMessage(fmt.Sprintf("%d magnets failed to calibrate", len(failures)))
		spinner.StopFail()
		for _, err := range failures {
			log.Println(err)
		}
	} else {
		spinner.StopMessage(s.Runner.State().String())
		spinner.Stop()
	}

	if err := s.Analyze(); err != nil {
		log.Fatal(err)
	}
	if err := s.DumpOrbit(os.Stdout); err != nil {
		log.Fatal(err)
	}
	if fn, err := s.RecordOrbit(); err != nil {
		log.Println(err)
	} else {
		log.Println("orbit recorded to", fn)
	}
	if len(failures) > 0 {
		os.Exit(1)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "scan":
		scanonce(args[2:])
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
