package mcp

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// CheckServerName rejects names that would make qualified names
// ambiguous: empty, or containing a dot or whitespace.
func CheckServerName(name string) error {
	if name == "" {
		return errors.New("server config without name")
	}
	if strings.ContainsRune(name, '.') || strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("server name %q must not contain dots or whitespace", name)
	}
	return nil
}

// QualifiedName joins a server name and a local capability name. Server
// names never contain dots (CheckServerName), so the first dot always
// separates the two.
func QualifiedName(server, local string) string {
	return server + "." + local
}

// SplitQualified splits a qualified name at its first dot. ok is false
// for names without one.
func SplitQualified(name string) (server, local string, ok bool) {
	return strings.Cut(name, ".")
}

// ToolEntry is a tool in the merged catalog.
type ToolEntry struct {
	QualifiedName string
	Server        string
	Tool          ToolDefinition
}

// ResourceEntry is a resource in the merged catalog. The qualified name
// is the server name joined with the resource URI.
type ResourceEntry struct {
	QualifiedName string
	Server        string
	Resource      Resource
}

// PromptEntry is a prompt in the merged catalog.
type PromptEntry struct {
	QualifiedName string
	Server        string
	Prompt        Prompt
}

// ServerCapabilitySet is one Ready server's advertised capabilities, the
// input to BuildCatalog.
type ServerCapabilitySet struct {
	Server    string
	Tools     []ToolDefinition
	Resources []Resource
	Prompts   []Prompt
}

// Catalog is an immutable snapshot of every capability offered by Ready
// servers. Entries keep server registration order, then each server's
// advertised order. Readers hold a snapshot for as long as they like;
// the manager replaces it wholesale.
type Catalog struct {
	generation uint64

	tools     []ToolEntry
	resources []ResourceEntry
	prompts   []PromptEntry

	toolIndex     map[string]int
	resourceIndex map[string]int
	promptIndex   map[string]int

	// byLocal maps an unqualified tool name to indexes into tools, in
	// registration order.
	byLocal map[string][]int

	duplicates []string
}

// BuildCatalog merges per-server capability sets, given in registration
// order, into a snapshot. It is a pure function of its input. A server
// that advertises the same name twice keeps the first; the rest are
// reported by Duplicates.
func BuildCatalog(generation uint64, servers []ServerCapabilitySet) *Catalog {
	c := &Catalog{
		generation:    generation,
		toolIndex:     make(map[string]int),
		resourceIndex: make(map[string]int),
		promptIndex:   make(map[string]int),
		byLocal:       make(map[string][]int),
	}

	for _, s := range servers {
		for _, t := range s.Tools {
			qn := QualifiedName(s.Server, t.Name)
			if _, dup := c.toolIndex[qn]; dup {
				c.duplicates = append(c.duplicates, qn)
				continue
			}
			c.toolIndex[qn] = len(c.tools)
			c.byLocal[t.Name] = append(c.byLocal[t.Name], len(c.tools))
			c.tools = append(c.tools, ToolEntry{QualifiedName: qn, Server: s.Server, Tool: t})
		}
		for _, r := range s.Resources {
			qn := QualifiedName(s.Server, r.URI)
			if _, dup := c.resourceIndex[qn]; dup {
				c.duplicates = append(c.duplicates, qn)
				continue
			}
			c.resourceIndex[qn] = len(c.resources)
			c.resources = append(c.resources, ResourceEntry{QualifiedName: qn, Server: s.Server, Resource: r})
		}
		for _, p := range s.Prompts {
			qn := QualifiedName(s.Server, p.Name)
			if _, dup := c.promptIndex[qn]; dup {
				c.duplicates = append(c.duplicates, qn)
				continue
			}
			c.promptIndex[qn] = len(c.prompts)
			c.prompts = append(c.prompts, PromptEntry{QualifiedName: qn, Server: s.Server, Prompt: p})
		}
	}
	return c
}

// emptyCatalog is the snapshot before any server is Ready.
var emptyCatalog = BuildCatalog(0, nil)

// Generation increases with every rebuild.
func (c *Catalog) Generation() uint64 { return c.generation }

// Tools returns the tool entries in catalog order.
func (c *Catalog) Tools() []ToolEntry {
	return append([]ToolEntry(nil), c.tools...)
}

// Resources returns the resource entries in catalog order.
func (c *Catalog) Resources() []ResourceEntry {
	return append([]ResourceEntry(nil), c.resources...)
}

// Prompts returns the prompt entries in catalog order.
func (c *Catalog) Prompts() []PromptEntry {
	return append([]PromptEntry(nil), c.prompts...)
}

// Duplicates lists qualified names dropped because a server advertised
// them more than once.
func (c *Catalog) Duplicates() []string {
	return append([]string(nil), c.duplicates...)
}

// Len returns the total number of entries.
func (c *Catalog) Len() int {
	return len(c.tools) + len(c.resources) + len(c.prompts)
}

// LookupTool finds a tool by qualified name only.
func (c *Catalog) LookupTool(qualified string) (ToolEntry, bool) {
	i, ok := c.toolIndex[qualified]
	if !ok {
		return ToolEntry{}, false
	}
	return c.tools[i], true
}

// ResolveTool finds a tool by qualified name, falling back to an
// unqualified match. An unqualified name advertised by several servers
// resolves to the first-registered one; candidates then lists every
// matching qualified name so the caller can warn about the ambiguity.
func (c *Catalog) ResolveTool(name string) (entry ToolEntry, candidates []string, ok bool) {
	if e, found := c.LookupTool(name); found {
		return e, nil, true
	}
	idx := c.byLocal[name]
	if len(idx) == 0 {
		return ToolEntry{}, nil, false
	}
	if len(idx) > 1 {
		candidates = make([]string, len(idx))
		for i, j := range idx {
			candidates[i] = c.tools[j].QualifiedName
		}
	}
	return c.tools[idx[0]], candidates, true
}

// LookupResource finds a resource by qualified name (server.uri).
func (c *Catalog) LookupResource(qualified string) (ResourceEntry, bool) {
	i, ok := c.resourceIndex[qualified]
	if !ok {
		return ResourceEntry{}, false
	}
	return c.resources[i], true
}

// LookupPrompt finds a prompt by qualified name.
func (c *Catalog) LookupPrompt(qualified string) (PromptEntry, bool) {
	i, ok := c.promptIndex[qualified]
	if !ok {
		return PromptEntry{}, false
	}
	return c.prompts[i], true
}
