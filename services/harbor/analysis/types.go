// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"github.com/AleutianAI/AleutianHarbor/services/harbor/isg"
)

// Default limits for single-file analysis.
const (
	// DefaultMaxFileSize is the maximum file size accepted for analysis
	// (10 MB). Larger files produce ErrFileTooLarge.
	DefaultMaxFileSize = 10 * 1024 * 1024

	// MaxCallExpressionDepth bounds how deep the call-site walk descends
	// into nested expressions.
	MaxCallExpressionDepth = 50

	// MaxCallSitesPerDecl bounds how many call references a single
	// declaration may contribute.
	MaxCallSitesPerDecl = 1000

	// ctxCheckInterval is how many visited nodes pass between context
	// cancellation checks inside tight walks.
	ctxCheckInterval = 100
)

// CallRef is one call expression found inside a declaration body.
type CallRef struct {
	// Target is the called identifier ("Handle", "Close").
	Target string

	// Receiver is the operand of a selector call ("client" in
	// client.Close()), empty for plain calls.
	Receiver string

	// IsMethod reports whether the call went through a selector.
	IsMethod bool

	// Line is the 1-based line of the call expression.
	Line int
}

// Import is one import declaration of the analyzed file.
type Import struct {
	// Path is the unquoted import path.
	Path string

	// Alias is the local alias if one was declared, "" otherwise.
	Alias string
}

// MethodSig is one method of an interface's contract, reduced to the
// shape used for implementation matching: name plus parameter and return
// counts. Full type equivalence is out of reach without type checking;
// count matching mirrors how candidate implementations are screened.
type MethodSig struct {
	// Name is the method name.
	Name string

	// ParamCount is the number of parameters.
	ParamCount int

	// ReturnCount is the number of return values.
	ReturnCount int
}

// Decl is one level-1 declaration extracted from a file, together with
// the references the graph builder resolves into edges.
type Decl struct {
	// Node is the addressable interface node for this declaration.
	Node isg.InterfaceNode

	// Calls lists call expressions inside the declaration body,
	// deduplicated per (target, receiver) pair.
	Calls []CallRef

	// TypeRefs lists type identifiers referenced by the declaration's
	// signature and body, used for USES edge resolution. Deduplicated,
	// predeclared types excluded.
	TypeRefs []string

	// BoundRefs lists the names referenced as generic constraints,
	// a subset of TypeRefs considered for REQUIRES_BOUND resolution.
	BoundRefs []string

	// Sig carries the parameter and result counts of a function or
	// method declaration, used for trait satisfaction matching. Nil
	// for non-function kinds.
	Sig *MethodSig

	// Methods is the method contract of a trait (interface) node.
	// Empty for every other kind.
	Methods []MethodSig
}

// FileResult is the outcome of analyzing one source file.
//
// Analysis never fails a batch: a file that cannot be processed reports
// its problems in Errs and contributes no declarations.
type FileResult struct {
	// Path is the workspace-relative path of the analyzed file.
	Path string

	// Package is the declared package name.
	Package string

	// Hash is the SHA-256 of the file content.
	Hash string

	// BuildTag is the file's go:build predicate, "" when the file is
	// unconditional.
	BuildTag string

	// Decls are the level-1 declarations owned by this file.
	Decls []*Decl

	// Imports are the file's import declarations.
	Imports []Import

	// Errs collects non-fatal problems encountered during analysis.
	Errs []string
}

// Options configures analyzer behavior.
type Options struct {
	// MaxFileSize is the largest file the analyzer will accept.
	MaxFileSize int64

	// IncludePrivate controls whether unexported declarations become
	// nodes. The graph needs private declarations for call resolution,
	// so this defaults to true.
	IncludePrivate bool
}

// DefaultOptions returns the analyzer defaults.
func DefaultOptions() Options {
	return Options{
		MaxFileSize:    DefaultMaxFileSize,
		IncludePrivate: true,
	}
}

// Option is a functional option for configuring the Analyzer.
type Option func(*Options)

// WithMaxFileSize sets the maximum accepted file size in bytes.
func WithMaxFileSize(size int64) Option {
	return func(o *Options) {
		if size > 0 {
			o.MaxFileSize = size
		}
	}
}

// WithIncludePrivate controls extraction of unexported declarations.
func WithIncludePrivate(include bool) Option {
	return func(o *Options) {
		o.IncludePrivate = include
	}
}
