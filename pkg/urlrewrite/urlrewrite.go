// Package urlrewrite rewrites embedded resource references (url() values)
// discovered while a style compiler walks its tree.
package urlrewrite

import (
	"net/url"
	"strings"
)

// Node is an embedded resource reference seen by the compiler.
type Node struct {
	// Value is the reference as it currently appears in output.
	Value string

	// Filename is the file the reference was written in.
	Filename string
}

// Visitor rewrites a reference node in place and returns it.
type Visitor func(node *Node) *Node

// URLDependencyAdder registers a URL dependency and returns the reference to
// substitute into output.
type URLDependencyAdder interface {
	AddURLDependency(ref, from string) string
}

// New returns a Visitor that replaces every node value with the reference
// returned by deps. It performs no I/O.
func New(deps URLDependencyAdder) Visitor {
	return func(node *Node) *Node {
		if node == nil {
			return nil
		}

		node.Value = deps.AddURLDependency(node.Value, node.Filename)

		return node
	}
}

// IsURL reports whether ref points outside the project: an absolute URL, a
// protocol-relative URL, a data URI, a fragment-only reference or nothing.
func IsURL(ref string) bool {
	if ref == "" || strings.HasPrefix(ref, "#") || strings.HasPrefix(ref, "//") {
		return true
	}

	parsed, err := url.Parse(ref)
	if err != nil {
		return false
	}

	return parsed.Scheme != ""
}
