package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/cei-upm/cbsafe/bootimage"
	"github.com/cei-upm/cbsafe/config"
	"github.com/cei-upm/cbsafe/diagnostics"
	"github.com/cei-upm/cbsafe/journal"
	"github.com/cei-upm/cbsafe/registers"
	"github.com/cei-upm/cbsafe/safety"
	"github.com/cei-upm/cbsafe/scenario"
	"github.com/cei-upm/cbsafe/soc"
)

const version = "0.1.0"

var commandHelp = map[string]string{
	"run":      "Run scenario scripts on the simulated SoC (the template application without arguments).",
	"status":   "Show the safety wrapper registers and core status.",
	"journal":  "List the checkpoints of a journal file and verify them.",
	"bootinfo": "Show the segments and boot address of an Intel HEX boot image.",
	"bundle":   "List the contents of a diagnostics bundle.",
	"monitor":  "Open a serial console to the board.",
	"ports":    "List serial ports.",
	"version":  "Show version information.",
	"help":     "Print this help.",
}

func usage(command string) {
	if help, ok := commandHelp[command]; ok {
		fmt.Fprintln(os.Stderr, help)
		fmt.Fprintf(os.Stderr, "\nusage: %s %s [arguments]\n\nflags:\n", os.Args[0], command)
		flag.PrintDefaults()
		return
	}
	fmt.Fprintln(os.Stderr, "cbsafe drives the CB-heep safety wrapper redundancy controller.")
	fmt.Fprintf(os.Stderr, "\nusage:\n\t%s <command> [arguments]\n\ncommands:\n", os.Args[0])
	for _, name := range []string{"run", "status", "journal", "bootinfo", "bundle", "monitor", "ports", "version", "help"} {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", name, commandHelp[name])
	}
	fmt.Fprintln(os.Stderr, "\nfor more details, see `cbsafe help <command>`")
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(colorable.NewColorableStderr(), &slog.HandlerOptions{Level: level}))
}

// stdout returns a writer for reports and whether it understands ANSI colors.
func stdout() (io.Writer, bool) {
	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	return colorable.NewColorableStdout(), color
}

// openBus connects to the control block selected by the configuration. The
// simulator is returned as well when the sim backend is used.
func openBus(cfg *config.Config) (registers.Bus, *soc.SoC, func() error, error) {
	switch cfg.Backend {
	case config.BackendSim:
		sim := soc.New()
		return sim, sim, func() error { return nil }, nil
	case config.BackendMMIO:
		window, err := cfg.WindowSize()
		if err != nil {
			return nil, nil, nil, err
		}
		m, err := registers.OpenMMIO(cfg.Device, cfg.BaseAddress, window)
		if err != nil {
			return nil, nil, nil, err
		}
		return m, nil, m.Close, nil
	case config.BackendSerial:
		b, err := registers.OpenSerial(cfg.Serial.Port, cfg.Serial.Baud, cfg.BaseAddress)
		if err != nil {
			return nil, nil, nil, err
		}
		return b, nil, b.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// bootAddress returns the configured boot address, derived from the boot
// image if only that is given.
func bootAddress(cfg *config.Config) (uint32, error) {
	if cfg.BootAddress != 0 || cfg.BootImage == "" {
		return cfg.BootAddress, nil
	}
	img, err := bootimage.Load(cfg.BootImage)
	if err != nil {
		return 0, err
	}
	return img.BootAddress()
}

func runScripts(cfg *config.Config, log *slog.Logger, scripts []string, bundlePath string) error {
	if cfg.Backend != config.BackendSim {
		return fmt.Errorf("run: scripts need the %s backend, not %s", config.BackendSim, cfg.Backend)
	}
	boot, err := bootAddress(cfg)
	if err != nil {
		return err
	}
	recorder := diagnostics.NewRecorder(cfg.DiagnosticsLimit)
	opts := safety.Options{
		Timeouts:    cfg.Timeouts,
		BootAddress: boot,
		Logger:      log,
		Recorder:    recorder,
	}
	if cfg.Journal != "" {
		j, err := journal.Open(cfg.Journal, log)
		if err != nil {
			return err
		}
		defer j.Close()
		opts.Sink = j
	}

	sim := soc.New()
	w := safety.New(sim, sim, opts)
	out, color := stdout()

	var files []diagnostics.BundleFile
	runErr := func() error {
		if len(scripts) == 0 {
			files = append(files, diagnostics.BundleFile{Name: "template.txt", Data: []byte(scenario.Template)})
			return scenario.New(sim, w, out, log).Run("template", strings.NewReader(scenario.Template))
		}
		for i, path := range scripts {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			files = append(files, diagnostics.BundleFile{Name: fmt.Sprintf("script%d.txt", i), Data: data})
			if err := scenario.New(sim, w, out, log).Run(filepath.Base(path), bytes.NewReader(data)); err != nil {
				return err
			}
		}
		return nil
	}()

	events := recorder.Events()
	if runErr != nil {
		events = append(events, diagnostics.CreateDiagnostics(runErr)...)
	}
	diagnostics.CreateReport(events).WriteTo(out, color)

	if bundlePath != "" {
		report, err := diagnostics.ReportFiles(events)
		if err != nil {
			return errors.Join(runErr, err)
		}
		cfgData, err := cfg.Marshal()
		if err != nil {
			return errors.Join(runErr, err)
		}
		files = append(append(report, diagnostics.BundleFile{Name: "config.yaml", Data: cfgData}), files...)
		if err := writeBundle(bundlePath, files); err != nil {
			return errors.Join(runErr, err)
		}
		log.Info("diagnostics bundle written", "path", bundlePath, "files", len(files))
	}
	return runErr
}

func writeBundle(path string, files []diagnostics.BundleFile) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := diagnostics.WriteBundle(f, files, time.Now()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func printStatus(cfg *config.Config) error {
	bus, _, closeBus, err := openBus(cfg)
	if err != nil {
		return err
	}
	defer closeBus()

	block := safety.NewBlock(bus)
	regs := registers.Dump(bus)
	if sb, ok := bus.(*registers.SerialBus); ok && sb.Err() != nil {
		return sb.Err()
	}
	fmt.Printf("backend %s, control block at %#08x\n\n", cfg.Backend, cfg.BaseAddress)
	for _, off := range registers.Offsets {
		fmt.Printf("  %#04x %-20s %#010x\n", off, registers.Names[off], regs[off])
	}
	master, ok := block.Master()
	masterText := master.String()
	if !ok {
		masterText = "invalid"
	}
	fmt.Printf("\nmode %s, mask %s, master %s, critical section locked: %v\n",
		block.Mode(), block.Mask(), masterText, block.Locked())
	enabled, pending := block.Interrupt()
	fmt.Printf("interrupt enabled %v, pending %v\n", enabled, pending)
	st := block.Status()
	for c := safety.Core0; c < safety.NumCores; c++ {
		state := "running"
		switch {
		case st[c].Debug:
			state = "debug"
		case st[c].Sleeping:
			state = "sleeping"
		}
		fmt.Printf("  %s %s\n", c, state)
	}
	return nil
}

func printJournal(path string, verify bool) error {
	cps, err := journal.Load(path)
	if err != nil {
		return err
	}
	journal.WriteTable(os.Stdout, cps)
	if verify {
		return journal.Verify(cps)
	}
	return nil
}

func printBootInfo(path string) error {
	img, err := bootimage.Load(path)
	if err != nil {
		return err
	}
	return img.WriteSummary(os.Stdout)
}

func listBundle(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	files, err := diagnostics.ReadBundle(f)
	if err != nil {
		return err
	}
	for _, file := range files {
		fmt.Printf("%-16s %6d\n", file.Name, len(file.Data))
	}
	return nil
}

func listPorts() error {
	ports, err := registers.Ports()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no serial ports found")
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return nil
}

// printError prints an error, with the diagnostics of every error in the
// tree.
func printError(err error) {
	out, color := stdout()
	var se *scenario.ScriptError
	if errors.As(err, &se) {
		fmt.Fprintln(os.Stderr, "error:", se)
		return
	}
	for _, e := range diagnostics.CreateDiagnostics(err) {
		e.WriteTo(out, color)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "No command-line arguments supplied.")
		usage("")
		os.Exit(1)
	}
	command := os.Args[1]

	configPath := flag.String("config", "", "configuration file (default: simulator)")
	backend := flag.String("backend", "", "override the backend: sim, mmio or serial")
	port := flag.String("port", "", "serial port for the serial backend and monitor")
	baud := flag.Int("baud", 0, "serial baud rate")
	logLevel := flag.String("log", "", "log level: debug, info, warn or error")
	bundle := flag.String("bundle", "", "run: write a diagnostics bundle (ar archive) to this file")
	verify := flag.Bool("verify", true, "journal: fail when an entry has a bad CRC")
	flag.CommandLine.Parse(os.Args[2:])

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if *port != "" {
		cfg.Serial.Port = *port
	}
	if *baud != 0 {
		cfg.Serial.Baud = *baud
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	level, _ := cfg.Level()
	logger := newLogger(level)
	slog.SetDefault(logger)

	var err error
	switch command {
	case "run":
		err = runScripts(cfg, logger, flag.Args(), *bundle)
	case "status":
		err = printStatus(cfg)
	case "journal":
		path := cfg.Journal
		if flag.NArg() == 1 {
			path = flag.Arg(0)
		}
		if path == "" {
			fmt.Fprintln(os.Stderr, "No journal file given.")
			usage(command)
			os.Exit(1)
		}
		err = printJournal(path, *verify)
	case "bootinfo":
		path := cfg.BootImage
		if flag.NArg() == 1 {
			path = flag.Arg(0)
		}
		if path == "" {
			fmt.Fprintln(os.Stderr, "No boot image given.")
			usage(command)
			os.Exit(1)
		}
		err = printBootInfo(path)
	case "bundle":
		if flag.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "No bundle file given.")
			usage(command)
			os.Exit(1)
		}
		err = listBundle(flag.Arg(0))
	case "monitor":
		err = monitor(cfg.Serial.Port, cfg.Serial.Baud)
	case "ports":
		err = listPorts()
	case "version":
		fmt.Printf("cbsafe version %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
	case "help":
		command := ""
		if flag.NArg() >= 1 {
			command = flag.Arg(0)
		}
		usage(command)
	default:
		fmt.Fprintln(os.Stderr, "Unknown command:", command)
		usage("")
		os.Exit(1)
	}
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}
