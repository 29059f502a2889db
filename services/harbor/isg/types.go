// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package isg defines the Interface Signature Graph data model: addressable
// interface nodes, the closed set of relationship kinds between them, and the
// snapshot/fingerprint types that identify an exact graph state.
//
// Ownership Model:
//
//	Values in this package are plain data. They are produced by the builder,
//	persisted by the store, and read by everything else. Nothing in this
//	package performs IO.
//
// Thread Safety:
//
//	All types are value types with no internal synchronization. Treat them
//	as immutable once published.
package isg

import (
	"fmt"
)

// NodeID is the stable identifier of an InterfaceNode.
//
// IDs are derived deterministically from the node's kind, file path,
// enclosing scope, and name (see NewNodeID). Source locations are excluded
// on purpose: editing one declaration must not shift the identity of its
// unchanged neighbors.
type NodeID string

// NodeKind classifies an addressable interface node.
type NodeKind int

const (
	// KindUnknown indicates an unrecognized node kind.
	KindUnknown NodeKind = iota

	// KindModule is a package/module boundary node.
	KindModule

	// KindType is a concrete type declaration (struct, alias, named type).
	KindType

	// KindTrait is an abstract contract (interface declaration).
	KindTrait

	// KindFunction is a free function or a method (methods carry the
	// receiver type in Scope).
	KindFunction

	// KindConstant is a constant declaration, including synthetic
	// build-gate predicate nodes (Scope "go:build").
	KindConstant

	// NumNodeKinds is the total number of node kinds (for array sizing).
	NumNodeKinds
)

// nodeKindNames maps NodeKind values to their string representations.
var nodeKindNames = map[NodeKind]string{
	KindUnknown:  "unknown",
	KindModule:   "module",
	KindType:     "type",
	KindTrait:    "trait",
	KindFunction: "function",
	KindConstant: "constant",
}

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	if name, ok := nodeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseNodeKind converts a string to a NodeKind.
// Unrecognized strings map to KindUnknown.
func ParseNodeKind(s string) NodeKind {
	for kind, name := range nodeKindNames {
		if name == s {
			return kind
		}
	}
	return KindUnknown
}

// Valid reports whether the kind is a member of the closed set.
func (k NodeKind) Valid() bool {
	return k > KindUnknown && k < NumNodeKinds
}

// Visibility classifies whether a node is reachable from outside its
// declaring package.
type Visibility int

const (
	// VisPrivate is a package-private declaration.
	VisPrivate Visibility = iota

	// VisPublic is an exported declaration.
	VisPublic
)

// String returns the string representation of the Visibility.
func (v Visibility) String() string {
	switch v {
	case VisPublic:
		return "public"
	case VisPrivate:
		return "private"
	default:
		return "private"
	}
}

// EdgeKind classifies a directed relationship between two nodes.
type EdgeKind int

const (
	// EdgeUnknown indicates an unrecognized relationship kind.
	EdgeUnknown EdgeKind = iota

	// EdgeCalls records that one function/method invokes another.
	// Call edges may form cycles (recursion is legal).
	EdgeCalls

	// EdgeImplements records that a type satisfies a trait's contract.
	EdgeImplements

	// EdgeUses records that a declaration references a type in its
	// signature or body.
	EdgeUses

	// EdgeDepends records a module-level dependency. The DEPENDS
	// subgraph must remain acyclic.
	EdgeDepends

	// EdgeRequiresBound records that a generic declaration constrains a
	// type parameter by a trait.
	EdgeRequiresBound

	// EdgeFeatureGatedBy records that a declaration's availability is
	// conditional on a build predicate node.
	EdgeFeatureGatedBy

	// NumEdgeKinds is the total number of edge kinds (for array sizing).
	NumEdgeKinds
)

// edgeKindNames maps EdgeKind values to their string representations.
var edgeKindNames = map[EdgeKind]string{
	EdgeUnknown:        "unknown",
	EdgeCalls:          "calls",
	EdgeImplements:     "implements",
	EdgeUses:           "uses",
	EdgeDepends:        "depends",
	EdgeRequiresBound:  "requires_bound",
	EdgeFeatureGatedBy: "feature_gated_by",
}

// String returns the string representation of the EdgeKind.
func (k EdgeKind) String() string {
	if name, ok := edgeKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// ParseEdgeKind converts a string to an EdgeKind.
// Unrecognized strings map to EdgeUnknown.
func ParseEdgeKind(s string) EdgeKind {
	for kind, name := range edgeKindNames {
		if name == s {
			return kind
		}
	}
	return EdgeUnknown
}

// Valid reports whether the kind is a member of the closed set.
func (k EdgeKind) Valid() bool {
	return k > EdgeUnknown && k < NumEdgeKinds
}

// NestedDecl is a declaration folded into its enclosing level-1 node.
//
// Interfaces nested inside other interfaces, function-local types, and
// similar inner declarations are never promoted to independent nodes; they
// are recorded here as informational attributes of the parent.
type NestedDecl struct {
	// Name is the declared identifier.
	Name string `json:"name"`

	// Kind is the nested declaration's kind.
	Kind NodeKind `json:"kind"`
}

// InterfaceNode is an addressable unit of code structure.
//
// Nodes are created and updated only by graph rebuilds (full or per-file);
// the candidate-code write pipeline never mutates them.
type InterfaceNode struct {
	// ID is the stable deterministic identifier. See NewNodeID.
	ID NodeID `json:"id"`

	// Kind is the node's classification within the closed kind set.
	Kind NodeKind `json:"kind"`

	// Level is the hierarchy depth. Level 1 nodes sit at the file/module
	// boundary and are independently addressable; deeper declarations are
	// folded into Nested and never get their own row.
	Level int `json:"level"`

	// Name is the declared identifier (package name for module nodes).
	Name string `json:"name"`

	// Scope is the enclosing scope: the receiver type for methods, the
	// parent declaration for folded members, empty for top-level
	// declarations.
	Scope string `json:"scope,omitempty"`

	// FilePath is the workspace-relative path of the declaring file.
	// Module nodes use the package directory instead.
	FilePath string `json:"file_path"`

	// Package is the declaring package name.
	Package string `json:"package,omitempty"`

	// Visibility records whether the declaration is exported.
	Visibility Visibility `json:"visibility"`

	// Signature is the declaration's signature text (normalized
	// whitespace, no body).
	Signature string `json:"signature,omitempty"`

	// SigHash is a content hash of Signature. Embedding references stay
	// stable across rebuilds while SigHash is unchanged.
	SigHash string `json:"sig_hash,omitempty"`

	// Doc is the declaration's leading comment, if any.
	Doc string `json:"doc,omitempty"`

	// Line is the 1-based line of the declaration. Informational only;
	// never part of the identity.
	Line int `json:"line,omitempty"`

	// StartByte and EndByte delimit the declaration's source range in
	// FilePath as of the build that produced this node. Grouped const,
	// var, and type specs share their enclosing declaration's range.
	// Informational like Line; never part of the identity.
	StartByte uint32 `json:"start_byte,omitempty"`
	EndByte   uint32 `json:"end_byte,omitempty"`

	// Constraints lists generic type-parameter constraints, in
	// declaration order.
	Constraints []string `json:"constraints,omitempty"`

	// FeatureGate is the build predicate gating the declaring file,
	// empty when the file is unconditional.
	FeatureGate string `json:"feature_gate,omitempty"`

	// IsTest records the declared test/non-test classification
	// (see analysis.IsTestNode).
	IsTest bool `json:"is_test,omitempty"`

	// EmbeddingRef is the stable key of this node's similarity vector in
	// the external index. Empty until an embedding is attached.
	EmbeddingRef string `json:"embedding_ref,omitempty"`

	// Nested lists declarations folded into this node.
	Nested []NestedDecl `json:"nested,omitempty"`
}

// Validate checks structural invariants on the node.
//
// Outputs:
//
//	error - Non-nil if the ID is empty, the kind is outside the closed
//	set, or the level is below 1.
func (n *InterfaceNode) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidNode)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: kind %d outside closed set", ErrInvalidNode, n.Kind)
	}
	if n.Level < 1 {
		return fmt.Errorf("%w: level %d below 1", ErrInvalidNode, n.Level)
	}
	if n.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidNode)
	}
	return nil
}

// Edge is a directed relation between two nodes.
//
// Both endpoints must resolve to an existing node in the same snapshot; an
// edge that fails that check is a consistency violation and is quarantined
// by the store, never silently dropped.
type Edge struct {
	// Src is the source node id.
	Src NodeID `json:"src"`

	// Dst is the destination node id.
	Dst NodeID `json:"dst"`

	// Kind is the relationship kind.
	Kind EdgeKind `json:"kind"`
}

// Validate checks structural invariants on the edge.
func (e Edge) Validate() error {
	if e.Src == "" || e.Dst == "" {
		return fmt.Errorf("%w: empty endpoint", ErrInvalidEdge)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: kind %d outside closed set", ErrInvalidEdge, e.Kind)
	}
	return nil
}

// Key returns a canonical string form of the edge, unique per
// (src, kind, dst) triple. Used for dedup and stable sorting.
func (e Edge) Key() string {
	return string(e.Src) + ":" + fmt.Sprintf("%02d", int(e.Kind)) + ":" + string(e.Dst)
}
