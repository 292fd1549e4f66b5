// Command mwvm runs micro-wibble images: assemble-and-run from source,
// disassemble/xref a pool, drive the interactive debugger (TUI or
// GUI), or expose the HTTP/WebSocket inspection API.
//
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wibblevm/microwibble/api"
	"github.com/wibblevm/microwibble/asm"
	"github.com/wibblevm/microwibble/config"
	"github.com/wibblevm/microwibble/debugger"
	"github.com/wibblevm/microwibble/pool"
	"github.com/wibblevm/microwibble/service"
	"github.com/wibblevm/microwibble/tools"
	"github.com/wibblevm/microwibble/vm"
	"github.com/wibblevm/microwibble/word"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		showHelp    = flag.Bool("help", false, "show help information")
		debugMode   = flag.Bool("debug", false, "start in the line-oriented debugger")
		tuiMode     = flag.Bool("tui", false, "use the terminal debugger UI")
		guiMode     = flag.Bool("gui", false, "use the desktop debugger UI")
		apiServer   = flag.Bool("api-server", false, "start the HTTP/WebSocket inspection API")
		disasm      = flag.Bool("disasm", false, "disassemble the program's main code object and exit")
		xref        = flag.Bool("xref", false, "report jump targets and global references and exit")
		traceMode   = flag.Bool("trace", false, "record execution and call tracing; write a report on exit")
		statsMode   = flag.Bool("stats", false, "write GC/allocator statistics on exit")
		configPath  = flag.String("config", "", "path to a TOML config file (default: platform config dir)")

		heapWords  = flag.Uint64("heap-words", 0, "heap size in words (0: use config default)")
		budget     = flag.Uint64("instruction-budget", 0, "instruction budget (0: use config value; a config value of 0 is unbounded)")
		callDepth  = flag.Int("max-call-depth", 0, "max call depth (0: use config value)")
		apiAddrOpt = flag.String("addr", "", "API server listen address (default from config)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mwvm %s\n", Version)
		return
	}
	if *showHelp {
		printHelp()
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mwvm: %v\n", err)
		os.Exit(1)
	}
	if *heapWords > 0 {
		cfg.VM.HeapSizeWords = *heapWords
	}
	if *budget > 0 {
		cfg.VM.InstructionBudget = *budget
	}
	if *callDepth > 0 {
		cfg.VM.MaxCallDepth = *callDepth
	}
	if *apiAddrOpt != "" {
		cfg.API.Addr = *apiAddrOpt
	}

	if *apiServer {
		runAPIServer(cfg.API.Addr)
		return
	}

	if flag.NArg() == 0 {
		printHelp()
		os.Exit(1)
	}

	imagePath := flag.Arg(0)
	image, err := loadImage(imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mwvm: %v\n", err)
		os.Exit(2)
	}

	if *disasm || *xref {
		if err := runStaticAnalysis(image, *disasm, *xref); err != nil {
			fmt.Fprintf(os.Stderr, "mwvm: %v\n", err)
			os.Exit(1)
		}
		return
	}

	machine, err := vm.NewVM(image, vm.Config{
		HeapSizeWords:     cfg.VM.HeapSizeWords,
		InstructionBudget: cfg.VM.InstructionBudget,
		MaxCallDepth:      cfg.VM.MaxCallDepth,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mwvm: failed to load image: %v\n", err)
		os.Exit(2)
	}
	sess := service.NewSession(machine)

	if *traceMode {
		machine.Trace.Enabled = true
		machine.Calls.Enabled = true
		machine.Calls.MaxEntries = cfg.Trace.MaxEntries
	}
	if *statsMode && cfg.Statistics.CollectHotPath {
		machine.Trace.Enabled = true
	}
	writeReports := func() {
		if *traceMode {
			if err := writeTraceReport(machine, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "mwvm: trace report: %v\n", err)
			}
		}
		if *statsMode {
			if err := writeStatsReport(machine, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "mwvm: stats report: %v\n", err)
			}
		}
	}

	switch {
	case *guiMode:
		if err := debugger.RunGUI(debugger.NewDebugger(sess)); err != nil {
			fmt.Fprintf(os.Stderr, "mwvm: gui error: %v\n", err)
			os.Exit(1)
		}
		writeReports()
	case *tuiMode:
		tui := debugger.NewTUI(debugger.NewDebugger(sess))
		if err := tui.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "mwvm: tui error: %v\n", err)
			os.Exit(1)
		}
		writeReports()
	case *debugMode:
		runLineDebugger(sess)
		writeReports()
	default:
		result := sess.Run(context.Background())
		writeReports()
		reportOutcome(result)
	}
}

// writeTraceReport writes the execution profile and recorded call
// transitions to the configured trace output file.
func writeTraceReport(machine *vm.VM, cfg *config.Config) error {
	f, err := os.Create(cfg.Trace.OutputFile) // #nosec G304 -- user-configured output path
	if err != nil {
		return err
	}
	defer f.Close()

	machine.Trace.Report(f, 10)
	events := machine.Calls.Events()
	if len(events) > 0 {
		fmt.Fprintf(f, "call transitions (%d):\n", len(events))
		for _, e := range events {
			fmt.Fprintf(f, "%5d %-6s caller_pc=%d callee_pc=%d depth=%d n=%d\n",
				e.Sequence, e.Kind, e.CallerPC, e.CalleePC, e.Depth, e.ArgOrRet)
		}
	}
	return nil
}

// writeStatsReport writes GC and allocator statistics to the
// configured statistics output file, as JSON or plain text per the
// config's format setting, including the hot-path profile when
// collect_hotpath is on.
func writeStatsReport(machine *vm.VM, cfg *config.Config) error {
	f, err := os.Create(cfg.Statistics.OutputFile) // #nosec G304 -- user-configured output path
	if err != nil {
		return err
	}
	defer f.Close()

	gcStats := machine.GCStats()
	alloc := machine.AllocStats()

	if cfg.Statistics.Format == "json" {
		payload := map[string]any{
			"gc":    gcStats,
			"alloc": alloc,
		}
		if cfg.Statistics.CollectHotPath {
			payload["hot_path"] = machine.Trace.Top(10)
		}
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	fmt.Fprintf(f, "gc: sweeps=%d marked=%d collected=%d live=%d words_live=%d\n",
		gcStats.Sweeps, gcStats.ObjectsMarked, gcStats.ObjectsCollected, gcStats.ObjectsLive, gcStats.WordsLive)
	fmt.Fprintf(f, "alloc: total=%d reuses=%d high_water_words=%d\n",
		alloc.TotalAllocations, alloc.FreeListReuses, alloc.HighWaterWords)
	if cfg.Statistics.CollectHotPath {
		for _, e := range machine.Trace.Top(10) {
			fmt.Fprintf(f, "hot: offset=%d count=%d\n", e.Addr, e.Count)
		}
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFrom(path)
	}
	return config.Load()
}

// loadImage reads path, assembling it first if it has a .mwasm
// extension, so mwvm accepts either a finished image or its assembly
// source directly.
func loadImage(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- user-specified program path
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if strings.HasSuffix(path, ".mwasm") {
		img, err := asm.Assemble(string(data), path)
		if err != nil {
			return nil, fmt.Errorf("assemble %s: %w", path, err)
		}
		return img, nil
	}
	return data, nil
}

func runStaticAnalysis(image []byte, wantDisasm, wantXref bool) error {
	p, err := pool.Load(image)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	entry, err := p.CodeObjectAt(word.AsPoolOffset(p.MainRef(), uint64(word.Align)))
	if err != nil {
		return fmt.Errorf("locate main: %w", err)
	}

	if wantDisasm {
		text, err := tools.DisassembleCode(p, entry.CodeStart, entry.CodeEnd, tools.DefaultDisasmOptions())
		if err != nil {
			return fmt.Errorf("disassemble: %w", err)
		}
		fmt.Print(text)
	}
	if wantXref {
		x, err := tools.BuildXref(p, entry.CodeStart, entry.CodeEnd)
		if err != nil {
			return fmt.Errorf("xref: %w", err)
		}
		fmt.Print(x.Report())
	}
	return nil
}

// runLineDebugger is a plain stdin/stdout REPL over Debugger, for
// scripted or headless debugging sessions where neither the TUI nor
// GUI front end applies.
func runLineDebugger(sess *service.Session) {
	d := debugger.NewDebugger(sess)
	fmt.Println("mwvm debugger. Type 'help' for commands, 'quit' to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("(mwvm) ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "quit" || line == "q" {
			break
		}
		if err := d.ExecuteCommand(line); err != nil {
			fmt.Printf("error: %v\n", err)
		}
		fmt.Print(d.DrainOutput())
	}
}

func runAPIServer(addr string) {
	server := api.NewServer(addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "mwvm: api server error: %v\n", err)
		}
	}()

	<-sigChan
	fmt.Println("\nshutting down API server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mwvm: shutdown error: %v\n", err)
		os.Exit(1)
	}
}

// Exit codes: 0 halted, 1 faulted, 2 load error, 3 cancelled,
// 4 instruction budget exhausted.
func reportOutcome(result vm.RunResult) {
	switch result.Outcome {
	case vm.OutcomeHalted:
		fmt.Printf("halted: %v\n", result.Values)
	case vm.OutcomeFaulted:
		fmt.Fprintf(os.Stderr, "faulted: %v\n", result.Fault)
		os.Exit(1)
	case vm.OutcomeCpuExhausted:
		fmt.Println("instruction budget exhausted")
		os.Exit(4)
	case vm.OutcomeCancelled:
		fmt.Println("cancelled")
		os.Exit(3)
	}
}

func printHelp() {
	fmt.Print(`mwvm - the micro-wibble bytecode VM

Usage:
  mwvm [flags] <program.mwasm|program.mwimg>

Flags:
  -version              show version information
  -help                 show this help text
  -debug                start in the line-oriented debugger
  -tui                  use the terminal debugger UI
  -gui                  use the desktop debugger UI
  -disasm               disassemble the main code object and exit
  -xref                 report jump targets and global references and exit
  -trace                record execution/call tracing; write a report on exit
  -stats                write GC/allocator statistics on exit
  -api-server           start the HTTP/WebSocket inspection API
  -addr <host:port>     API server listen address
  -config <path>        path to a TOML config file
  -heap-words <n>       heap size in words
  -instruction-budget <n>  instruction budget (0 = use config value)
  -max-call-depth <n>   max call depth (0 = use config value)
`)
}
