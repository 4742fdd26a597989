// Command vesper runs, builds and disassembles Vesper scripts.
//
// Usage:
//
//	vesper run [script.vs]     compile (or load from cache) and execute
//	vesper build <script.vs>   compile to a .vspi program image
//	vesper disasm <file>       disassemble a script or image
//
// With no script argument, run resolves the entry point through the
// project's vesper.toml.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/vesper-lang/vesper"
	"github.com/vesper-lang/vesper/manifest"
	"github.com/vesper-lang/vesper/pkg/bytecode"
	"github.com/vesper-lang/vesper/server"
	"github.com/vesper-lang/vesper/store"
	"github.com/vesper-lang/vesper/vm"
)

var log = commonlog.GetLogger("vesper")

func main() {
	verbose := flag.Int("v", 0, "log verbosity")
	debug := flag.Bool("debug", false, "serve the debugger before running")
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "run":
		err = runCommand(args[1:], *debug)
	case "build":
		err = buildCommand(args[1:])
	case "disasm":
		err = disasmCommand(args[1:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "vesper:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: vesper [-v N] [-debug] run|build|disasm [file]")
}

// loadManifest resolves the project manifest for the target, falling back
// to defaults when the project has none.
func loadManifest() *manifest.Manifest {
	cwd, err := os.Getwd()
	if err != nil {
		return manifest.Default(".")
	}
	m, err := manifest.Find(cwd)
	if err != nil {
		return manifest.Default(cwd)
	}
	return m
}

func runCommand(args []string, debug bool) error {
	m := loadManifest()
	path := m.EntryPath()
	if len(args) > 0 {
		path = args[0]
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	img, err := compileCached(m, path, string(source))
	if err != nil {
		return err
	}

	machine := newVM(m)
	sched := vm.NewScheduler(machine)
	sched.RegisterGlobals()

	if debug {
		dbg := server.NewDebugServer(machine)
		go func() {
			if err := dbg.ListenAndServe(m.Debugger.Listen); err != nil {
				log.Errorf("debugger: %s", err.Error())
			}
		}()
	}

	result, err := machine.Execute(img)
	if err != nil {
		return err
	}
	if err := sched.RunToCompletion(); err != nil {
		return err
	}
	if !result.IsUndefined() {
		fmt.Println(vm.ToString(result))
	}
	return nil
}

// compileCached consults the project image cache before compiling.
func compileCached(m *manifest.Manifest, path, source string) (*bytecode.Image, error) {
	cachePath := m.CachePath()
	if cachePath == "" {
		return vesper.Compile(path, source)
	}

	cache, err := store.Open(cachePath)
	if err != nil {
		log.Warningf("image cache unavailable: %s", err.Error())
		return vesper.Compile(path, source)
	}
	defer cache.Close()

	if img, err := cache.Lookup(source); err == nil {
		log.Infof("loaded %s from image cache", path)
		return img, nil
	} else if !errors.Is(err, store.ErrMiss) {
		log.Warningf("image cache lookup: %s", err.Error())
	}

	img, err := vesper.Compile(path, source)
	if err != nil {
		return nil, err
	}
	if err := cache.Put(source, path, img); err != nil {
		log.Warningf("image cache store: %s", err.Error())
	}
	return img, nil
}

func newVM(m *manifest.Manifest) *vm.VM {
	if m.Runtime.PoolEntries > 0 && m.Runtime.PoolSize > 0 {
		return vm.NewWithPool(m.Runtime.PoolEntries, m.Runtime.PoolSize)
	}
	return vm.New()
}

func buildCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("build requires a script path")
	}
	path := args[0]
	source, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	img, err := vesper.Compile(path, string(source))
	if err != nil {
		return err
	}
	data, err := img.Serialize()
	if err != nil {
		return err
	}
	out := strings.TrimSuffix(path, ".vs") + ".vspi"
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	log.Infof("wrote %s (%d bytes, %d functions)", out, len(data), len(img.Functions))
	return nil
}

func disasmCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("disasm requires a script or image path")
	}
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var img *bytecode.Image
	if strings.HasSuffix(path, ".vspi") {
		img, err = bytecode.LoadImage(data)
	} else {
		img, err = vesper.Compile(path, string(data))
	}
	if err != nil {
		return err
	}
	fmt.Print(img.Disassemble())
	return nil
}
