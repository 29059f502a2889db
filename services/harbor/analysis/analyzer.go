// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis turns Go source files into the level-1 declarations the
// graph builder assembles into an Interface Signature Graph.
//
// Ownership Model:
//
//	The Analyzer is stateless and safe for concurrent use; a fresh
//	tree-sitter parser is created per call. FileResults are owned by the
//	caller.
//
// Error Handling:
//
//	Only unusable input (oversized, non-UTF-8, nil) fails AnalyzeFile.
//	Syntax errors inside a file degrade to partial results with entries
//	in FileResult.Errs, so one broken file never aborts a build batch.
package analysis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// WarnFileSize is the size above which a warning is logged before
// analysis proceeds (1 MB).
const WarnFileSize = 1 * 1024 * 1024

// predeclared holds identifiers that never resolve to in-tree types and
// are therefore excluded from type references.
var predeclared = map[string]bool{
	"any": true, "bool": true, "byte": true, "comparable": true,
	"complex64": true, "complex128": true, "error": true,
	"float32": true, "float64": true, "int": true, "int8": true,
	"int16": true, "int32": true, "int64": true, "rune": true,
	"string": true, "uint": true, "uint8": true, "uint16": true,
	"uint32": true, "uint64": true, "uintptr": true,
}

// Analyzer extracts level-1 declarations from Go source.
type Analyzer struct {
	opts Options
}

// NewAnalyzer creates an Analyzer.
//
// Example:
//
//	// Defaults
//	a := NewAnalyzer()
//
//	// Custom file size cap
//	a := NewAnalyzer(WithMaxFileSize(5 * 1024 * 1024))
//
// Thread Safety:
//
//	The returned Analyzer is safe for concurrent use.
func NewAnalyzer(opts ...Option) *Analyzer {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return &Analyzer{opts: options}
}

// AnalyzeFile extracts the declarations of one Go source file.
//
// # Description
//
// Parses the content with tree-sitter and extracts every level-1
// declaration: functions, methods, type and interface declarations, and
// package-level constant/variable specs. Declarations nested deeper than
// level 1 are folded into their parent's Nested list, never promoted.
// Call expressions, referenced type identifiers, generic constraints,
// and the file's go:build predicate are collected alongside so the
// builder can resolve edges without re-reading the source.
//
// # Inputs
//
//   - ctx: Cancellation context. Checked before parsing, after parsing,
//     and periodically inside body walks.
//   - filePath: Workspace-relative path, forward slashes.
//   - content: Raw file bytes. Must be valid UTF-8.
//
// # Outputs
//
//   - *FileResult: Extracted declarations. Partial on syntax errors,
//     with the problems listed in Errs.
//   - error: ErrNilContent, ErrFileTooLarge, ErrInvalidContent,
//     ErrParseFailed, or a context error.
//
// # Thread Safety
//
// Safe for concurrent use.
func (a *Analyzer) AnalyzeFile(ctx context.Context, filePath string, content []byte) (*FileResult, error) {
	ctx, span := startAnalyzeSpan(ctx, filePath, len(content))
	defer span.End()
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analysis canceled before start: %w", err)
	}

	if content == nil {
		return nil, ErrNilContent
	}

	if int64(len(content)) > a.opts.MaxFileSize {
		return nil, fmt.Errorf("%w: size %d exceeds limit %d",
			ErrFileTooLarge, len(content), a.opts.MaxFileSize)
	}

	if len(content) > WarnFileSize {
		slog.Warn("analyzing large file",
			slog.String("file", filePath),
			slog.Int("size_bytes", len(content)))
	}

	if !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidContent, filePath)
	}

	hash := sha256.Sum256(content)

	// New parser per call keeps the analyzer safe for concurrent use.
	parser := sitter.NewParser()
	parser.SetLanguage(golang.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		recordAnalyzeMetrics(ctx, time.Since(start), 0, false)
		return nil, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}
	defer tree.Close()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analysis canceled after parse: %w", err)
	}

	result := &FileResult{
		Path:     filePath,
		Hash:     hex.EncodeToString(hash[:]),
		BuildTag: extractBuildTag(content),
		Decls:    make([]*Decl, 0),
		Imports:  make([]Import, 0),
		Errs:     make([]string, 0),
	}

	root := tree.RootNode()
	if root == nil {
		result.Errs = append(result.Errs, "tree-sitter returned nil root node")
		return result, nil
	}
	if root.HasError() {
		result.Errs = append(result.Errs, "source contains syntax errors")
	}

	result.Package = a.extractPackage(root, content)

	a.extractImports(root, content, result)
	a.extractFunctions(ctx, root, content, filePath, result)
	a.extractTypes(ctx, root, content, filePath, result)
	a.extractValueSpecs(root, content, filePath, result)

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("analysis canceled after extraction: %w", err)
	}

	setAnalyzeSpanResult(span, len(result.Decls), len(result.Errs))
	recordAnalyzeMetrics(ctx, time.Since(start), len(result.Decls), true)
	return result, nil
}

// extractBuildTag returns the go:build expression of the file, if any.
// Build constraints must precede the package clause, so only the head of
// the file is scanned.
func extractBuildTag(content []byte) string {
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "//go:build ") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "//go:build"))
		}
		if strings.HasPrefix(trimmed, "package ") {
			break
		}
	}
	return ""
}

// extractPackage returns the declared package name.
func (a *Analyzer) extractPackage(root *sitter.Node, content []byte) string {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child.Type() != "package_clause" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			nameNode := child.Child(j)
			if nameNode.Type() == "package_identifier" {
				return string(content[nameNode.StartByte():nameNode.EndByte()])
			}
		}
	}
	return ""
}

// extractImports collects the file's import specs.
func (a *Analyzer) extractImports(root *sitter.Node, content []byte, result *FileResult) {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child.Type() != "import_declaration" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			spec := child.Child(j)
			switch spec.Type() {
			case "import_spec":
				a.processImportSpec(spec, content, result)
			case "import_spec_list":
				for k := 0; k < int(spec.ChildCount()); k++ {
					inner := spec.Child(k)
					if inner.Type() == "import_spec" {
						a.processImportSpec(inner, content, result)
					}
				}
			}
		}
	}
}

// processImportSpec extracts one import path and optional alias.
func (a *Analyzer) processImportSpec(node *sitter.Node, content []byte, result *FileResult) {
	var alias, path string
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "package_identifier", "blank_identifier", "dot":
			alias = string(content[child.StartByte():child.EndByte()])
		case "interpreted_string_literal":
			raw := string(content[child.StartByte():child.EndByte()])
			path = strings.Trim(raw, "\"")
		}
	}
	if path == "" {
		return
	}
	result.Imports = append(result.Imports, Import{Path: path, Alias: alias})
}

// extractFunctions walks top-level function and method declarations.
func (a *Analyzer) extractFunctions(ctx context.Context, root *sitter.Node, content []byte, filePath string, result *FileResult) {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		switch child.Type() {
		case "function_declaration":
			a.processFunction(ctx, root, child, content, filePath, "", result)
		case "method_declaration":
			scope := receiverTypeName(child, content)
			a.processFunction(ctx, root, child, content, filePath, scope, result)
		}
	}
}

// processFunction emits a KindFunction declaration (methods carry the
// receiver type in scope).
func (a *Analyzer) processFunction(ctx context.Context, root, node *sitter.Node, content []byte, filePath, scope string, result *FileResult) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := string(content[nameNode.StartByte():nameNode.EndByte()])
	if name == "" {
		return
	}

	exported := isExported(name)
	if !a.opts.IncludePrivate && !exported {
		return
	}

	body := node.ChildByFieldName("body")

	// Signature is the declaration text up to the body so that
	// body-only edits keep the signature hash stable.
	sigEnd := node.EndByte()
	if body != nil {
		sigEnd = body.StartByte()
	}
	signature := strings.TrimSpace(string(content[node.StartByte():sigEnd]))

	constraints, bounds := typeParameters(node, content)

	decl := &Decl{
		Node: a.makeNode(isg.KindFunction, filePath, scope, name, result.Package,
			signature, exported, int(node.StartPoint().Row+1), result.BuildTag),
		Sig: functionSig(node, name),
	}
	decl.Node.Constraints = constraints
	decl.Node.Doc = getPrecedingComment(root, node, content)
	decl.Node.StartByte = node.StartByte()
	decl.Node.EndByte = node.EndByte()

	refs := newRefSet()
	refs.addBounds(bounds)

	// Parameter and result types participate in USES resolution.
	if params := node.ChildByFieldName("parameters"); params != nil {
		collectTypeRefs(params, content, refs)
	}
	if res := node.ChildByFieldName("result"); res != nil {
		collectTypeRefs(res, content, refs)
	}
	if recv := node.ChildByFieldName("receiver"); recv != nil {
		collectTypeRefs(recv, content, refs)
	}

	if body != nil {
		a.walkBody(ctx, body, content, filePath, decl, refs)
	}

	decl.TypeRefs = refs.typeRefs()
	decl.BoundRefs = refs.boundRefs()
	result.Decls = append(result.Decls, decl)
}

// receiverTypeName returns the bare receiver type of a method
// declaration ("Handler" for "(h *Handler)").
func receiverTypeName(node *sitter.Node, content []byte) string {
	recv := node.ChildByFieldName("receiver")
	if recv == nil {
		return ""
	}
	text := string(content[recv.StartByte():recv.EndByte()])
	text = strings.TrimPrefix(text, "(")
	text = strings.TrimSuffix(text, ")")
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return ""
	}
	typePart := parts[len(parts)-1]
	typePart = strings.TrimPrefix(typePart, "*")
	// Generic receivers look like "Handler[T]"; the bare name is the
	// part before the bracket.
	if idx := strings.IndexByte(typePart, '['); idx > 0 {
		typePart = typePart[:idx]
	}
	return typePart
}

// extractTypes walks type declarations, classifying interfaces as traits
// and everything else as types.
func (a *Analyzer) extractTypes(ctx context.Context, root *sitter.Node, content []byte, filePath string, result *FileResult) {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child.Type() != "type_declaration" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			spec := child.Child(j)
			if spec.Type() == "type_spec" {
				a.processTypeSpec(ctx, root, child, spec, content, filePath, result)
			}
		}
	}
}

// processTypeSpec emits a KindType or KindTrait declaration.
func (a *Analyzer) processTypeSpec(ctx context.Context, root, parentDecl, node *sitter.Node, content []byte, filePath string, result *FileResult) {
	var name string
	var typeNode *sitter.Node
	kind := isg.KindType

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "type_identifier":
			if name == "" {
				name = string(content[child.StartByte():child.EndByte()])
			}
		case "interface_type":
			kind = isg.KindTrait
			typeNode = child
		case "struct_type":
			typeNode = child
		}
	}
	if name == "" {
		return
	}

	exported := isExported(name)
	if !a.opts.IncludePrivate && !exported {
		return
	}

	// The whole declaration text is the signature: a type's shape is
	// its full declared form.
	signature := strings.TrimSpace(string(content[node.StartByte():node.EndByte()]))

	constraints, bounds := typeParameters(node, content)

	decl := &Decl{
		Node: a.makeNode(kind, filePath, "", name, result.Package,
			signature, exported, int(node.StartPoint().Row+1), result.BuildTag),
	}
	decl.Node.Constraints = constraints
	decl.Node.Doc = getPrecedingComment(root, parentDecl, content)
	decl.Node.StartByte = parentDecl.StartByte()
	decl.Node.EndByte = parentDecl.EndByte()

	refs := newRefSet()
	refs.addBounds(bounds)
	collectTypeRefs(node, content, refs)
	// The declaration's own name is not a reference to itself.
	refs.remove(name)

	if kind == isg.KindTrait && typeNode != nil {
		decl.Methods = collectInterfaceMethods(typeNode, content)
		for _, m := range decl.Methods {
			decl.Node.Nested = append(decl.Node.Nested, isg.NestedDecl{
				Name: m.Name,
				Kind: isg.KindFunction,
			})
		}
	}

	decl.TypeRefs = refs.typeRefs()
	decl.BoundRefs = refs.boundRefs()
	result.Decls = append(result.Decls, decl)
}

// extractValueSpecs emits KindConstant declarations for package-level
// const and var specs. Both map to the constant kind: the graph models
// the declared package surface, and Go has no separate variable kind in
// the closed set.
func (a *Analyzer) extractValueSpecs(root *sitter.Node, content []byte, filePath string, result *FileResult) {
	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		if child.Type() != "const_declaration" && child.Type() != "var_declaration" {
			continue
		}
		for j := 0; j < int(child.ChildCount()); j++ {
			spec := child.Child(j)
			if spec.Type() == "const_spec" || spec.Type() == "var_spec" {
				a.processValueSpec(root, child, spec, content, filePath, result)
			}
		}
	}
}

// processValueSpec emits one node per declared name in a value spec.
func (a *Analyzer) processValueSpec(root, parentDecl, node *sitter.Node, content []byte, filePath string, result *FileResult) {
	var names []string
	refs := newRefSet()

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "identifier" {
			names = append(names, string(content[child.StartByte():child.EndByte()]))
			continue
		}
		collectTypeRefs(child, content, refs)
	}

	signature := strings.TrimSpace(string(content[node.StartByte():node.EndByte()]))
	doc := getPrecedingComment(root, parentDecl, content)

	for _, name := range names {
		if name == "_" {
			continue
		}
		exported := isExported(name)
		if !a.opts.IncludePrivate && !exported {
			continue
		}
		decl := &Decl{
			Node: a.makeNode(isg.KindConstant, filePath, "", name, result.Package,
				signature, exported, int(node.StartPoint().Row+1), result.BuildTag),
		}
		decl.Node.Doc = doc
		decl.Node.StartByte = parentDecl.StartByte()
		decl.Node.EndByte = parentDecl.EndByte()
		decl.TypeRefs = refs.typeRefs()
		result.Decls = append(result.Decls, decl)
	}
}

// makeNode assembles an InterfaceNode with its derived identity fields.
func (a *Analyzer) makeNode(kind isg.NodeKind, filePath, scope, name, pkg, signature string, exported bool, line int, buildTag string) isg.InterfaceNode {
	vis := isg.VisPrivate
	if exported {
		vis = isg.VisPublic
	}
	return isg.InterfaceNode{
		ID:          isg.NewNodeID(kind, filePath, scope, name),
		Kind:        kind,
		Level:       1,
		Name:        name,
		Scope:       scope,
		FilePath:    filePath,
		Package:     pkg,
		Visibility:  vis,
		Signature:   signature,
		SigHash:     isg.HashSignature(signature),
		Line:        line,
		FeatureGate: buildTag,
		IsTest:      IsTestNode(filePath, name),
	}
}

// walkBody traverses a declaration body collecting call references,
// nested declarations, and type references in one pass.
//
// The walk is iterative with a bounded depth, checks the context every
// ctxCheckInterval nodes, and stops contributing calls once
// MaxCallSitesPerDecl is reached.
func (a *Analyzer) walkBody(ctx context.Context, body *sitter.Node, content []byte, filePath string, decl *Decl, refs *refSet) {
	type stackEntry struct {
		node  *sitter.Node
		depth int
	}

	stack := make([]stackEntry, 0, 64)
	stack = append(stack, stackEntry{node: body, depth: 0})

	seenCalls := make(map[string]bool)
	nodeCount := 0

	for len(stack) > 0 {
		entry := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		node := entry.node
		if node == nil {
			continue
		}

		if entry.depth > MaxCallExpressionDepth {
			slog.Debug("max body walk depth reached",
				slog.String("file", filePath),
				slog.Int("depth", entry.depth))
			continue
		}

		nodeCount++
		if nodeCount%ctxCheckInterval == 0 && ctx.Err() != nil {
			slog.Debug("context canceled during body walk",
				slog.String("file", filePath),
				slog.Int("calls_found", len(decl.Calls)))
			return
		}

		switch node.Type() {
		case "call_expression":
			if len(decl.Calls) < MaxCallSitesPerDecl {
				if call := extractCallRef(node, content); call != nil {
					key := call.Receiver + "." + call.Target
					if !seenCalls[key] {
						seenCalls[key] = true
						decl.Calls = append(decl.Calls, *call)
					}
				}
			} else {
				slog.Warn("max call sites per declaration reached",
					slog.String("file", filePath),
					slog.Int("limit", MaxCallSitesPerDecl))
			}

		case "type_declaration":
			// Function-local types fold into the parent, never
			// promoted to independent nodes.
			for i := 0; i < int(node.ChildCount()); i++ {
				spec := node.Child(i)
				if spec.Type() != "type_spec" {
					continue
				}
				nested := nestedFromTypeSpec(spec, content)
				if nested != nil {
					decl.Node.Nested = append(decl.Node.Nested, *nested)
				}
			}

		case "type_identifier":
			refs.add(typeRefText(node, content))
		}

		for i := int(node.ChildCount()) - 1; i >= 0; i-- {
			if child := node.Child(i); child != nil {
				stack = append(stack, stackEntry{node: child, depth: entry.depth + 1})
			}
		}
	}
}

// extractCallRef reads one call_expression into a CallRef.
func extractCallRef(node *sitter.Node, content []byte) *CallRef {
	funcNode := node.ChildByFieldName("function")
	if funcNode == nil && node.ChildCount() > 0 {
		funcNode = node.Child(0)
	}
	if funcNode == nil {
		return nil
	}

	ref := &CallRef{Line: int(node.StartPoint().Row) + 1}

	switch funcNode.Type() {
	case "identifier":
		ref.Target = string(content[funcNode.StartByte():funcNode.EndByte()])

	case "selector_expression":
		operand := funcNode.ChildByFieldName("operand")
		field := funcNode.ChildByFieldName("field")
		if field != nil {
			ref.Target = string(content[field.StartByte():field.EndByte()])
		}
		if operand != nil {
			ref.Receiver = string(content[operand.StartByte():operand.EndByte()])
			ref.IsMethod = true
		}

	default:
		// Calls through parenthesized expressions, indexes, or type
		// conversions do not resolve to a named target.
		return nil
	}

	if ref.Target == "" {
		return nil
	}
	return ref
}

// nestedFromTypeSpec folds a local type spec into a NestedDecl.
func nestedFromTypeSpec(spec *sitter.Node, content []byte) *isg.NestedDecl {
	var name string
	kind := isg.KindType
	for i := 0; i < int(spec.ChildCount()); i++ {
		child := spec.Child(i)
		switch child.Type() {
		case "type_identifier":
			if name == "" {
				name = string(content[child.StartByte():child.EndByte()])
			}
		case "interface_type":
			kind = isg.KindTrait
		}
	}
	if name == "" {
		return nil
	}
	return &isg.NestedDecl{Name: name, Kind: kind}
}

// collectInterfaceMethods reads the method contract of an interface_type
// node. Embedded interfaces contribute type references, not methods; the
// builder chases them through USES edges.
func collectInterfaceMethods(node *sitter.Node, content []byte) []MethodSig {
	if node == nil || node.Type() != "interface_type" {
		return nil
	}

	methods := make([]MethodSig, 0, 4)
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() != "method_elem" {
			continue
		}
		sig := methodSigFromElem(child, content)
		if sig != nil {
			methods = append(methods, *sig)
		}
	}
	return methods
}

// methodSigFromElem reads one method_elem into a MethodSig.
func methodSigFromElem(node *sitter.Node, content []byte) *MethodSig {
	var name string
	var params, result *sitter.Node

	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "field_identifier":
			name = string(content[child.StartByte():child.EndByte()])
		case "parameter_list":
			if params == nil {
				params = child
			} else if result == nil {
				result = child
			}
		case "type_identifier", "pointer_type", "slice_type", "map_type",
			"qualified_type", "interface_type", "struct_type",
			"function_type", "channel_type":
			// Single unparenthesized return type.
			if params != nil && result == nil {
				result = child
			}
		}
	}

	if name == "" {
		return nil
	}

	sig := &MethodSig{Name: name}
	sig.ParamCount = countParameters(params)
	if result != nil {
		if result.Type() == "parameter_list" {
			sig.ReturnCount = countParameters(result)
		} else {
			sig.ReturnCount = 1
		}
	}
	return sig
}

// functionSig reads the parameter and result counts of a function or
// method declaration.
func functionSig(node *sitter.Node, name string) *MethodSig {
	sig := &MethodSig{Name: name}
	if params := node.ChildByFieldName("parameters"); params != nil {
		sig.ParamCount = countParameters(params)
	}
	if result := node.ChildByFieldName("result"); result != nil {
		if result.Type() == "parameter_list" {
			sig.ReturnCount = countParameters(result)
		} else {
			sig.ReturnCount = 1
		}
	}
	return sig
}

// countParameters counts declared parameters in a parameter_list,
// expanding grouped names ("a, b int" counts as two).
func countParameters(paramList *sitter.Node) int {
	if paramList == nil {
		return 0
	}
	count := 0
	for i := 0; i < int(paramList.ChildCount()); i++ {
		child := paramList.Child(i)
		if child == nil {
			continue
		}
		switch child.Type() {
		case "parameter_declaration", "variadic_parameter_declaration":
			identCount := 0
			for j := 0; j < int(child.ChildCount()); j++ {
				if gc := child.Child(j); gc != nil && gc.Type() == "identifier" {
					identCount++
				}
			}
			if identCount == 0 {
				count++
			} else {
				count += identCount
			}
		}
	}
	return count
}

// typeParameters reads a declaration's type-parameter list, returning
// the raw constraint texts and the bare constraint names considered for
// REQUIRES_BOUND resolution.
func typeParameters(node *sitter.Node, content []byte) (constraints []string, bounds []string) {
	var list *sitter.Node
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child.Type() == "type_parameter_list" {
			list = child
			break
		}
	}
	if list == nil {
		return nil, nil
	}

	for i := 0; i < int(list.ChildCount()); i++ {
		child := list.Child(i)
		// Grammar revisions name the inner node differently.
		if child.Type() != "parameter_declaration" && child.Type() != "type_parameter_declaration" {
			continue
		}
		text := strings.TrimSpace(string(content[child.StartByte():child.EndByte()]))
		if text != "" {
			constraints = append(constraints, text)
		}
		if typeNode := child.ChildByFieldName("type"); typeNode != nil {
			bound := strings.TrimSpace(string(content[typeNode.StartByte():typeNode.EndByte()]))
			bound = strings.TrimPrefix(bound, "~")
			if bound != "" && !predeclared[bound] {
				bounds = append(bounds, bound)
			}
		}
	}
	return constraints, bounds
}

// collectTypeRefs walks a subtree collecting type_identifier references.
func collectTypeRefs(node *sitter.Node, content []byte, refs *refSet) {
	if node == nil {
		return
	}
	stack := []*sitter.Node{node}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Type() == "type_identifier" {
			refs.add(typeRefText(n, content))
		}
		for i := int(n.ChildCount()) - 1; i >= 0; i-- {
			if child := n.Child(i); child != nil {
				stack = append(stack, child)
			}
		}
	}
}

// typeRefText renders a type identifier, keeping the package qualifier
// when the identifier sits inside a qualified_type.
func typeRefText(node *sitter.Node, content []byte) string {
	if parent := node.Parent(); parent != nil && parent.Type() == "qualified_type" {
		return string(content[parent.StartByte():parent.EndByte()])
	}
	return string(content[node.StartByte():node.EndByte()])
}

// getPrecedingComment extracts the comment block immediately before a
// top-level declaration.
func getPrecedingComment(root, node *sitter.Node, content []byte) string {
	if node == nil {
		return ""
	}
	nodeStartLine := int(node.StartPoint().Row)
	for i := 0; i < int(root.ChildCount()); i++ {
		sibling := root.Child(i)
		if sibling.Type() != "comment" {
			continue
		}
		commentEndLine := int(sibling.EndPoint().Row)
		if commentEndLine == nodeStartLine-1 || commentEndLine == nodeStartLine {
			return strings.TrimSpace(string(content[sibling.StartByte():sibling.EndByte()]))
		}
	}
	return ""
}

// isExported reports whether a Go identifier is exported.
func isExported(name string) bool {
	return len(name) > 0 && name[0] >= 'A' && name[0] <= 'Z'
}

// refSet accumulates deduplicated type and bound references.
type refSet struct {
	types  map[string]bool
	bounds map[string]bool
}

func newRefSet() *refSet {
	return &refSet{
		types:  make(map[string]bool),
		bounds: make(map[string]bool),
	}
}

func (r *refSet) add(name string) {
	if name == "" || predeclared[name] {
		return
	}
	r.types[name] = true
}

func (r *refSet) addBounds(names []string) {
	for _, n := range names {
		if n == "" || predeclared[n] {
			continue
		}
		r.bounds[n] = true
		// A bound is also a use of the named trait.
		r.types[n] = true
	}
}

func (r *refSet) remove(name string) {
	delete(r.types, name)
}

func (r *refSet) typeRefs() []string {
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *refSet) boundRefs() []string {
	out := make([]string, 0, len(r.bounds))
	for name := range r.bounds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
