// Command sievec compiles Sieve scripts into binaries.
//
//	sievec [-c config] [-d] <script> [<outfile>]
//
// The binary is written next to the script with the .svbin extension
// unless outfile is given. A directory compiles every script in it. With
// -d the disassembly is written to outfile, or standard output, instead.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/migadu/sieve/logger"
	"github.com/migadu/sieve/service"
	"github.com/migadu/sieve/sieve/diag"
	"github.com/migadu/sieve/sieve/engine"
	"github.com/migadu/sieve/sieve/script"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
)

var errCompile = errors.New("compilation failed")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sievec", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("c", "", "Path to TOML configuration file")
	dump := fs.Bool("d", false, "Dump the compiled binary instead of writing it")
	showVersion := fs.Bool("version", false, "Show version information and exit")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: sievec [-c config] [-d] <script> [<outfile>]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 64
	}
	if *showVersion {
		fmt.Fprintf(stdout, "sievec version %s (commit: %s)\n", version, commit)
		return 0
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		fs.Usage()
		return 64
	}

	cfg, err := service.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "sievec: %v\n", err)
		return 78
	}
	if *configPath == "" {
		cfg.Logging.Level = "warn"
	}
	if logFile, err := logger.Initialize(cfg.Logging); err != nil {
		fmt.Fprintf(stderr, "sievec: warning initializing logger: %v\n", err)
	} else if logFile != nil {
		defer logFile.Close()
	}

	eng, err := service.NewEngine(cfg, nil)
	if err != nil {
		fmt.Fprintf(stderr, "sievec: %v\n", err)
		return 78
	}
	defer eng.Close()

	c := &compiler{eng: eng, maxErrors: cfg.Sieve.GetMaxErrors(), stdout: stdout, stderr: stderr}
	src := fs.Arg(0)
	out := fs.Arg(1)

	info, err := os.Stat(src)
	if err != nil {
		fmt.Fprintf(stderr, "sievec: %v\n", err)
		return 66
	}
	if info.IsDir() {
		if out != "" {
			fmt.Fprintln(stderr, "sievec: an output file cannot be given when compiling a directory")
			return 64
		}
		err = c.compileDir(src, *dump)
	} else {
		err = c.compile(src, out, *dump)
	}
	if err != nil {
		if !errors.Is(err, errCompile) {
			fmt.Fprintf(stderr, "sievec: %v\n", err)
		}
		return 1
	}
	return 0
}

type compiler struct {
	eng       *engine.Engine
	maxErrors int
	stdout    io.Writer
	stderr    io.Writer
}

func (c *compiler) compile(path, out string, dump bool) error {
	eh := diag.NewHandler(c.maxErrors)
	bin, err := service.CompileFile(context.Background(), c.eng, path, eh)
	io.WriteString(c.stderr, eh.String())
	if err != nil {
		if eh.Errors() > 0 {
			fmt.Fprintf(c.stderr, "sievec: %s: %v\n", path, errCompile)
			return errCompile
		}
		return err
	}

	if dump {
		if out == "" || out == "-" {
			return c.eng.Dump(c.stdout, bin)
		}
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		return c.eng.Dump(f, bin)
	}
	if out == "" {
		out = service.BinaryPath(path)
	}
	return service.WriteBinary(out, bin)
}

// compileDir compiles every script in dir. It keeps going after a failed
// script and reports the failure at the end.
func (c *compiler) compileDir(dir string, dump bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), script.FileExt) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var failed error
	for _, name := range names {
		if err := c.compile(filepath.Join(dir, name), "", dump); err != nil {
			if !errors.Is(err, errCompile) {
				fmt.Fprintf(c.stderr, "sievec: %s: %v\n", name, err)
			}
			failed = errCompile
		}
	}
	return failed
}
