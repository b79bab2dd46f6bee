// Command modcheck runs a points-to analysis over a package's module SWI
// handler table (every function passed to (*swi.Dispatcher).RegisterModule)
// and reports any handler whose points-to set includes the Dispatcher
// itself; a handler that reaches only one of its internal maps is not
// reported. A module's chunked SWI handler is
// meant to see only the *ostask.Regs it is handed, matching
// module.h's offset_to_swi_handler contract (a module's own entry point,
// opaque to the kernel beyond its register-saving calling convention); a
// handler that closes over the dispatcher's pipeOf/queueOf/lockOf tables
// has reached past that boundary, the Go equivalent of a module poking at
// shared.ostask state it was never handed a pointer to.
package main

import (
	"flag"
	"fmt"
	"go/types"
	"os"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

func main() {
	pkgPath := flag.String("pkg", "", "import path of the package to check (must import github.com/ostask/substrate/internal/swi)")
	flag.Parse()

	if *pkgPath == "" {
		fmt.Fprintln(os.Stderr, "modcheck: -pkg is required")
		os.Exit(2)
	}

	findings, err := check(*pkgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "modcheck:", err)
		os.Exit(1)
	}
	for _, f := range findings {
		fmt.Println(f)
	}
	if len(findings) > 0 {
		os.Exit(1)
	}
}

const dispatcherType = "github.com/ostask/substrate/internal/swi.Dispatcher"
const registerModuleMethod = "RegisterModule"

// check loads pkgPath, builds its SSA form, finds every call site of
// (*swi.Dispatcher).RegisterModule, and runs pointer analysis querying
// each handler argument's points-to set, reporting every label that
// labelNamesType matches to dispatcherType.
func check(pkgPath string) ([]string, error) {
	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedTypes | packages.NeedTypesInfo |
			packages.NeedSyntax | packages.NeedDeps | packages.NeedImports,
	}
	pkgs, err := packages.Load(cfg, pkgPath)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", pkgPath, err)
	}
	if packages.PrintErrors(pkgs) > 0 {
		return nil, fmt.Errorf("package %s has load errors", pkgPath)
	}

	prog, ssaPkgs := ssautil.AllPackages(pkgs, ssa.SanityCheckFunctions)
	prog.Build()

	mainPkgs := ssautil.MainPackages(ssaPkgs)
	if len(mainPkgs) == 0 {
		// A library package with no main: analyze every function in the
		// loaded package as if it were a root, matching a lint tool's
		// "check everything reachable from here" posture rather than a
		// single entry point.
		for _, p := range ssaPkgs {
			if p != nil {
				mainPkgs = append(mainPkgs, p)
			}
		}
	}

	handlers := findHandlerArgs(ssaPkgs)
	if len(handlers) == 0 {
		return nil, nil
	}

	queries := make(map[ssa.Value]struct{})
	for _, h := range handlers {
		queries[h.arg] = struct{}{}
	}

	ptrCfg := &pointer.Config{
		Mains:          mainPkgs,
		BuildCallGraph: false,
		Queries:        make(map[ssa.Value]pointer.Query),
	}
	for v := range queries {
		ptrCfg.Queries[v] = pointer.Query{}
	}

	result, err := pointer.Analyze(ptrCfg)
	if err != nil {
		return nil, fmt.Errorf("pointer analysis: %w", err)
	}

	var findings []string
	for _, h := range handlers {
		p, ok := result.Queries[h.arg]
		if !ok {
			continue
		}
		for _, label := range p.PointsTo().Labels() {
			if labelNamesType(label, dispatcherType) {
				findings = append(findings, fmt.Sprintf(
					"%s: handler %s may alias the dispatcher itself (%s)",
					h.pos, h.name, label.String()))
			}
		}
	}
	return findings, nil
}

type handlerArg struct {
	name string
	pos  string
	arg  ssa.Value
}

// findHandlerArgs walks every instruction of every function in ssaPkgs
// looking for calls to RegisterModule, matching the handler argument back
// to the closure or function value passed, the SSA equivalent of grepping
// source for RegisterModule( call sites.
func findHandlerArgs(ssaPkgs []*ssa.Package) []handlerArg {
	var out []handlerArg
	for _, pkg := range ssaPkgs {
		if pkg == nil {
			continue
		}
		for _, member := range pkg.Members {
			fn, ok := member.(*ssa.Function)
			if !ok {
				continue
			}
			out = append(out, scanFunction(fn)...)
			for _, anon := range fn.AnonFuncs {
				out = append(out, scanFunction(anon)...)
			}
		}
	}
	return out
}

func scanFunction(fn *ssa.Function) []handlerArg {
	var out []handlerArg
	for _, block := range fn.Blocks {
		for _, instr := range block.Instrs {
			call, ok := instr.(*ssa.Call)
			if !ok {
				continue
			}
			callee := call.Call.StaticCallee()
			if callee == nil || callee.Name() != registerModuleMethod {
				continue
			}
			args := call.Call.Args
			if len(args) == 0 {
				continue
			}
			handlerVal := args[len(args)-1]
			out = append(out, handlerArg{
				name: describeValue(handlerVal),
				pos:  fn.Prog.Fset.Position(call.Pos()).String(),
				arg:  handlerVal,
			})
		}
	}
	return out
}

func describeValue(v ssa.Value) string {
	if fn, ok := v.(*ssa.Function); ok {
		return fn.String()
	}
	if mc, ok := v.(*ssa.MakeClosure); ok {
		return mc.Fn.(*ssa.Function).String()
	}
	return v.String()
}

// labelNamesType reports whether label's value type is (or points to)
// named, matching dispatcherType by its fully qualified name.
func labelNamesType(label *pointer.Label, named string) bool {
	t := label.Value().Type()
	for {
		if p, ok := t.(*types.Pointer); ok {
			t = p.Elem()
			continue
		}
		break
	}
	n, ok := t.(*types.Named)
	if !ok {
		return false
	}
	obj := n.Obj()
	if obj.Pkg() == nil {
		return false
	}
	return obj.Pkg().Path()+"."+obj.Name() == named
}
