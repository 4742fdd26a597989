// Package vesper ties the engine together for embedders: source text in,
// program image or result value out.
package vesper

import (
	"github.com/vesper-lang/vesper/compiler"
	"github.com/vesper-lang/vesper/pkg/bytecode"
	"github.com/vesper-lang/vesper/pkg/codegen"
	"github.com/vesper-lang/vesper/vm"
)

// Compile parses and lowers source text into a linked program image.
func Compile(file, source string) (*bytecode.Image, error) {
	mod, err := compiler.Parse(file, source)
	if err != nil {
		return nil, err
	}
	return codegen.Compile(mod)
}

// Run compiles and executes source on the given VM.
func Run(machine *vm.VM, file, source string) (vm.Value, error) {
	img, err := Compile(file, source)
	if err != nil {
		return vm.Undefined, err
	}
	return machine.Execute(img)
}

// Eval compiles and executes source on a fresh VM, for one-shot embedding.
func Eval(source string) (vm.Value, error) {
	return Run(vm.New(), "<eval>", source)
}
