// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/analysis"
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Assembly is the deterministic node and edge set derived from a batch
// of per-file analysis results. Assembly is pure: the same inputs
// produce byte-identical output regardless of arrival order.
type Assembly struct {
	// Nodes in id order.
	Nodes []isg.InterfaceNode

	// Edges in key order, deduplicated.
	Edges []isg.Edge

	// Warnings carries non-fatal resolution diagnostics.
	Warnings []string
}

// Assemble resolves a batch of file results into graph nodes and edges.
//
// # Description
//
// Emits one module node per package directory, one node per level-1
// declaration, and one synthetic gate node per distinct build
// constraint. Reference resolution is name-based within the workspace:
// a reference that resolves to no node, or ambiguously to several,
// produces no edge. External references (stdlib, third-party) never
// produce edges.
//
// # Inputs
//
//   - modulePath: The workspace's module path from go.mod, used to
//     recognize in-tree imports. Empty disables import resolution.
//   - files: Per-file analysis results. Order does not matter.
//
// # Outputs
//
//   - *Assembly: sorted nodes and edges plus resolution warnings.
func Assemble(modulePath string, files []*analysis.FileResult) *Assembly {
	sorted := make([]*analysis.FileResult, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	r := newResolver(modulePath, sorted)

	nodes := make(map[isg.NodeID]isg.InterfaceNode)
	edges := make(map[string]isg.Edge)

	for _, m := range r.modules {
		nodes[m.ID] = m
	}
	for _, f := range sorted {
		for _, d := range f.Decls {
			nodes[d.Node.ID] = d.Node
		}
	}

	r.resolveCalls(edges)
	r.resolveUses(edges)
	r.resolveImplements(edges)
	r.resolveBounds(edges)
	r.resolveDepends(edges)
	r.resolveFeatureGates(nodes, edges)

	asm := &Assembly{Warnings: r.warnings}
	asm.Nodes = make([]isg.InterfaceNode, 0, len(nodes))
	for _, n := range nodes {
		asm.Nodes = append(asm.Nodes, n)
	}
	sort.Slice(asm.Nodes, func(i, j int) bool { return asm.Nodes[i].ID < asm.Nodes[j].ID })

	asm.Edges = make([]isg.Edge, 0, len(edges))
	for _, e := range edges {
		asm.Edges = append(asm.Edges, e)
	}
	sort.Slice(asm.Edges, func(i, j int) bool { return asm.Edges[i].Key() < asm.Edges[j].Key() })

	return asm
}

// dirOf returns the package directory of a workspace-relative path,
// "." for files at the root.
func dirOf(filePath string) string {
	d := path.Dir(filePath)
	if d == "" {
		return "."
	}
	return d
}

// resolver carries the name indexes edge resolution works from.
type resolver struct {
	modulePath string
	files      []*analysis.FileResult
	warnings   []string

	// modules maps dir + "\x00" + package name to the module node.
	modules map[string]isg.InterfaceNode

	// pkgOfDir maps a directory to its primary (non-test) package.
	pkgOfDir map[string]string

	// funcsByPkg maps package -> name -> candidate ids for free
	// functions (no receiver).
	funcsByPkg map[string]map[string][]isg.NodeID

	// methodsByPkg maps package -> method name -> candidate ids.
	methodsByPkg map[string]map[string][]isg.NodeID

	// typesByPkg maps package -> name -> candidate ids for types,
	// traits, and constants.
	typesByPkg map[string]map[string][]isg.NodeID

	// traits maps trait id -> its method contract.
	traits map[isg.NodeID][]analysis.MethodSig

	// methodSets maps package -> receiver type name -> method name ->
	// signature counts.
	methodSets map[string]map[string]map[string]analysis.MethodSig

	// declsByID maps every declaration id back to its decl and file.
	declsByID map[isg.NodeID]*declRef
}

type declRef struct {
	decl *analysis.Decl
	file *analysis.FileResult
}

func newResolver(modulePath string, files []*analysis.FileResult) *resolver {
	r := &resolver{
		modulePath:   modulePath,
		files:        files,
		modules:      make(map[string]isg.InterfaceNode),
		pkgOfDir:     make(map[string]string),
		funcsByPkg:   make(map[string]map[string][]isg.NodeID),
		methodsByPkg: make(map[string]map[string][]isg.NodeID),
		typesByPkg:   make(map[string]map[string][]isg.NodeID),
		traits:       make(map[isg.NodeID][]analysis.MethodSig),
		methodSets:   make(map[string]map[string]map[string]analysis.MethodSig),
		declsByID:    make(map[isg.NodeID]*declRef),
	}

	for _, f := range files {
		if f.Package == "" {
			continue
		}
		r.indexModule(f)
		for _, d := range f.Decls {
			r.indexDecl(d, f)
		}
	}
	return r
}

// indexModule registers the module node for one file's package.
func (r *resolver) indexModule(f *analysis.FileResult) {
	dir := dirOf(f.Path)
	key := dir + "\x00" + f.Package
	if _, ok := r.modules[key]; ok {
		return
	}

	sig := "package " + f.Package
	r.modules[key] = isg.InterfaceNode{
		ID:         isg.NewNodeID(isg.KindModule, dir, "", f.Package),
		Kind:       isg.KindModule,
		Level:      1,
		Name:       f.Package,
		FilePath:   dir,
		Package:    f.Package,
		Visibility: isg.VisPublic,
		Signature:  sig,
		SigHash:    isg.HashSignature(sig),
		IsTest:     strings.HasSuffix(f.Package, "_test"),
		Line:       1,
	}

	// The primary package names the directory for import resolution;
	// external test packages never do.
	if !strings.HasSuffix(f.Package, "_test") {
		r.pkgOfDir[dir] = f.Package
	}
}

// indexDecl files one declaration into the name indexes.
func (r *resolver) indexDecl(d *analysis.Decl, f *analysis.FileResult) {
	r.declsByID[d.Node.ID] = &declRef{decl: d, file: f}
	pkg := f.Package

	switch d.Node.Kind {
	case isg.KindFunction:
		if d.Node.Scope == "" {
			addIndex(r.funcsByPkg, pkg, d.Node.Name, d.Node.ID)
		} else {
			addIndex(r.methodsByPkg, pkg, d.Node.Name, d.Node.ID)
			if d.Sig != nil {
				byType, ok := r.methodSets[pkg]
				if !ok {
					byType = make(map[string]map[string]analysis.MethodSig)
					r.methodSets[pkg] = byType
				}
				set, ok := byType[d.Node.Scope]
				if !ok {
					set = make(map[string]analysis.MethodSig)
					byType[d.Node.Scope] = set
				}
				set[d.Node.Name] = *d.Sig
			}
		}
	case isg.KindType, isg.KindTrait, isg.KindConstant:
		addIndex(r.typesByPkg, pkg, d.Node.Name, d.Node.ID)
		if d.Node.Kind == isg.KindTrait {
			r.traits[d.Node.ID] = d.Methods
		}
	}
}

func addIndex(idx map[string]map[string][]isg.NodeID, pkg, name string, id isg.NodeID) {
	byName, ok := idx[pkg]
	if !ok {
		byName = make(map[string][]isg.NodeID)
		idx[pkg] = byName
	}
	byName[name] = append(byName[name], id)
}

// uniqueIn returns the id when exactly one candidate matches in the
// given package, "" otherwise. Ambiguity produces no edge so repeated
// builds never flip between candidates.
func uniqueIn(idx map[string]map[string][]isg.NodeID, pkg, name string) isg.NodeID {
	if byName, ok := idx[pkg]; ok {
		if ids := byName[name]; len(ids) == 1 {
			return ids[0]
		}
	}
	return ""
}

// uniqueGlobal returns the id when exactly one candidate matches across
// every package.
func uniqueGlobal(idx map[string]map[string][]isg.NodeID, name string) isg.NodeID {
	var found isg.NodeID
	for _, byName := range idx {
		for _, id := range byName[name] {
			if found != "" {
				return ""
			}
			found = id
		}
	}
	return found
}

// importedPackage resolves an import alias used in a file to an in-tree
// package name, "" when the alias points outside the workspace.
func (r *resolver) importedPackage(f *analysis.FileResult, alias string) string {
	if r.modulePath == "" {
		return ""
	}
	for _, imp := range f.Imports {
		name := imp.Alias
		if name == "" || name == "_" || name == "." {
			name = path.Base(imp.Path)
		}
		if name != alias {
			continue
		}
		var dir string
		switch {
		case imp.Path == r.modulePath:
			dir = "."
		case strings.HasPrefix(imp.Path, r.modulePath+"/"):
			dir = strings.TrimPrefix(imp.Path, r.modulePath+"/")
		default:
			return ""
		}
		return r.pkgOfDir[dir]
	}
	return ""
}

func addEdge(edges map[string]isg.Edge, src, dst isg.NodeID, kind isg.EdgeKind) {
	if src == "" || dst == "" || src == dst {
		return
	}
	e := isg.Edge{Src: src, Dst: dst, Kind: kind}
	edges[e.Key()] = e
}

// resolveCalls emits CALLS edges from collected call references.
func (r *resolver) resolveCalls(edges map[string]isg.Edge) {
	for _, f := range r.files {
		for _, d := range f.Decls {
			for _, call := range d.Calls {
				dst := r.resolveCallTarget(f, call)
				addEdge(edges, d.Node.ID, dst, isg.EdgeCalls)
			}
		}
	}
}

// resolveCallTarget maps one call reference to a node id, "" when the
// target is external or ambiguous.
func (r *resolver) resolveCallTarget(f *analysis.FileResult, call analysis.CallRef) isg.NodeID {
	if !call.IsMethod {
		if id := uniqueIn(r.funcsByPkg, f.Package, call.Target); id != "" {
			return id
		}
		return uniqueGlobal(r.funcsByPkg, call.Target)
	}

	// A selector call is either pkg.Func through an import alias or a
	// method call on a value.
	if pkg := r.importedPackage(f, call.Receiver); pkg != "" {
		return uniqueIn(r.funcsByPkg, pkg, call.Target)
	}

	// Receiver naming a local type: constructor-style calls such as
	// Type.Method used as a value.
	if byName, ok := r.typesByPkg[f.Package]; ok {
		if len(byName[call.Receiver]) == 1 {
			if set, ok := r.methodSets[f.Package][call.Receiver]; ok {
				if _, ok := set[call.Target]; ok {
					return uniqueMethodOf(r.methodsByPkg, r.declsByID, f.Package, call.Receiver, call.Target)
				}
			}
		}
	}

	// Method call on a value of unknown type: resolvable only when the
	// package has exactly one method with that name.
	return uniqueIn(r.methodsByPkg, f.Package, call.Target)
}

// uniqueMethodOf finds the one method id matching (package, receiver
// type, name).
func uniqueMethodOf(idx map[string]map[string][]isg.NodeID, decls map[isg.NodeID]*declRef, pkg, scope, name string) isg.NodeID {
	byName, ok := idx[pkg]
	if !ok {
		return ""
	}
	var found isg.NodeID
	for _, id := range byName[name] {
		ref, ok := decls[id]
		if !ok || ref.decl.Node.Scope != scope {
			continue
		}
		if found != "" {
			return ""
		}
		found = id
	}
	return found
}

// resolveUses emits USES edges from referenced type identifiers.
func (r *resolver) resolveUses(edges map[string]isg.Edge) {
	for _, f := range r.files {
		for _, d := range f.Decls {
			for _, ref := range d.TypeRefs {
				dst := r.resolveTypeRef(f, ref)
				addEdge(edges, d.Node.ID, dst, isg.EdgeUses)
			}
		}
	}
}

// resolveTypeRef maps a type reference ("Name" or "alias.Name") to a
// node id.
func (r *resolver) resolveTypeRef(f *analysis.FileResult, ref string) isg.NodeID {
	if alias, name, ok := strings.Cut(ref, "."); ok {
		pkg := r.importedPackage(f, alias)
		if pkg == "" {
			return ""
		}
		return uniqueIn(r.typesByPkg, pkg, name)
	}
	if id := uniqueIn(r.typesByPkg, f.Package, ref); id != "" {
		return id
	}
	return uniqueGlobal(r.typesByPkg, ref)
}

// resolveImplements emits IMPLEMENTS edges by matching concrete method
// sets against trait contracts: every trait method must be present by
// name with the same parameter and result counts.
func (r *resolver) resolveImplements(edges map[string]isg.Edge) {
	for pkg, byType := range r.methodSets {
		for typeName, set := range byType {
			typeID := uniqueIn(r.typesByPkg, pkg, typeName)
			if typeID == "" {
				continue
			}
			for traitID, contract := range r.traits {
				if traitID == typeID || len(contract) == 0 {
					continue
				}
				if satisfies(set, contract) {
					addEdge(edges, typeID, traitID, isg.EdgeImplements)
				}
			}
		}
	}
}

func satisfies(set map[string]analysis.MethodSig, contract []analysis.MethodSig) bool {
	for _, want := range contract {
		got, ok := set[want.Name]
		if !ok {
			return false
		}
		if got.ParamCount != want.ParamCount || got.ReturnCount != want.ReturnCount {
			return false
		}
	}
	return true
}

// resolveBounds emits REQUIRES_BOUND edges for generic constraints that
// name an in-tree trait.
func (r *resolver) resolveBounds(edges map[string]isg.Edge) {
	for _, f := range r.files {
		for _, d := range f.Decls {
			for _, bound := range d.BoundRefs {
				dst := r.resolveTypeRef(f, bound)
				if dst == "" {
					continue
				}
				if _, isTrait := r.traits[dst]; !isTrait {
					continue
				}
				addEdge(edges, d.Node.ID, dst, isg.EdgeRequiresBound)
			}
		}
	}
}

// resolveDepends emits module DEPENDS edges from in-tree imports and
// breaks any cycle deterministically.
func (r *resolver) resolveDepends(edges map[string]isg.Edge) {
	adj := make(map[isg.NodeID][]isg.NodeID)
	depends := make(map[string]isg.Edge)

	for _, f := range r.files {
		srcKey := dirOf(f.Path) + "\x00" + f.Package
		src, ok := r.modules[srcKey]
		if !ok {
			continue
		}
		for _, imp := range f.Imports {
			if r.modulePath == "" {
				break
			}
			var dir string
			switch {
			case imp.Path == r.modulePath:
				dir = "."
			case strings.HasPrefix(imp.Path, r.modulePath+"/"):
				dir = strings.TrimPrefix(imp.Path, r.modulePath+"/")
			default:
				continue
			}
			pkg, ok := r.pkgOfDir[dir]
			if !ok {
				continue
			}
			dst, ok := r.modules[dir+"\x00"+pkg]
			if !ok || dst.ID == src.ID {
				continue
			}
			e := isg.Edge{Src: src.ID, Dst: dst.ID, Kind: isg.EdgeDepends}
			if _, seen := depends[e.Key()]; !seen {
				depends[e.Key()] = e
				adj[src.ID] = append(adj[src.ID], dst.ID)
			}
		}
	}

	// The toolchain rejects import cycles, so one here means the
	// name-based resolution glued together what Go keeps apart
	// (a directory hosting both a package and its external test
	// package). Drop the lexicographically last edge of the cycle.
	for _, key := range sortedKeys(depends) {
		e := depends[key]
		if createsCycle(adj, e) {
			r.warnings = append(r.warnings,
				fmt.Sprintf("dependency cycle broken at %s -> %s", e.Src, e.Dst))
			delete(depends, key)
		}
	}

	for k, e := range depends {
		edges[k] = e
	}
}

func sortedKeys(m map[string]isg.Edge) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// createsCycle reports whether dst reaches src while skipping the edge
// under test is unnecessary: the edge set already contains it, so a
// path from dst back to src that does not start with it closes a cycle.
func createsCycle(adj map[isg.NodeID][]isg.NodeID, e isg.Edge) bool {
	seen := map[isg.NodeID]bool{}
	stack := []isg.NodeID{e.Dst}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == e.Src {
			return true
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, next := range adj[n] {
			if n == e.Dst && next == e.Src {
				continue
			}
			stack = append(stack, next)
		}
	}
	return false
}

// resolveFeatureGates synthesizes one gate node per distinct build
// constraint and links every declaration behind it.
func (r *resolver) resolveFeatureGates(nodes map[isg.NodeID]isg.InterfaceNode, edges map[string]isg.Edge) {
	for _, f := range r.files {
		if f.BuildTag == "" {
			continue
		}

		sig := "//go:build " + f.BuildTag
		gate := isg.InterfaceNode{
			ID:         isg.NewNodeID(isg.KindConstant, f.Path, "go:build", f.BuildTag),
			Kind:       isg.KindConstant,
			Level:      1,
			Name:       f.BuildTag,
			Scope:      "go:build",
			FilePath:   f.Path,
			Package:    f.Package,
			Visibility: isg.VisPrivate,
			Signature:  sig,
			SigHash:    isg.HashSignature(sig),
			Line:       1,
		}
		nodes[gate.ID] = gate

		for _, d := range f.Decls {
			addEdge(edges, d.Node.ID, gate.ID, isg.EdgeFeatureGatedBy)
		}
	}
}
