package bind

import (
	"strings"

	"github.com/sloretz/buildalot/internal/template"
)

// BoundValue pairs a resolved value with the name of the bind-chain layer
// that supplied it, so a --debug dump can show provenance alongside the
// value itself.
type BoundValue struct {
	SourceName string
	Value      string
}

// BindSource is one layer of a bind chain: the CLI, a group, or the
// built-in defaults layer all produce one of these.
type BindSource struct {
	SourceName string

	// ArchitecturesSet distinguishes "this layer specifies an
	// architecture list" (even if that list is empty) from "this layer
	// says nothing about architectures" (nil Architectures, unset flag).
	ArchitecturesSet bool
	Architectures    []template.Arch

	Arguments  []template.Arg
	Exclusions []template.Exclusion
}

func (s BindSource) argument(name string) (string, bool) {
	for _, a := range s.Arguments {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// BindChain is an ordered, first-wins stack of BindSource layers.
type BindChain struct {
	sources []BindSource
}

// NewBindChain builds a chain from sources in precedence order: sources[0]
// wins ties.
func NewBindChain(sources ...BindSource) *BindChain {
	return &BindChain{sources: sources}
}

// Extend returns a new chain with an additional layer appended at the end
// (lowest precedence).
func (c *BindChain) Extend(s BindSource) *BindChain {
	extended := make([]BindSource, 0, len(c.sources)+1)
	extended = append(extended, c.sources...)
	extended = append(extended, s)
	return &BindChain{sources: extended}
}

// Argument returns the first value for name found walking the chain in
// order, or a MissingParameterError naming every layer consulted.
func (c *BindChain) Argument(name string) (BoundValue, error) {
	var consulted []string
	for _, s := range c.sources {
		consulted = append(consulted, s.SourceName)
		if v, ok := s.argument(name); ok {
			return BoundValue{SourceName: s.SourceName, Value: v}, nil
		}
	}
	return BoundValue{}, &MissingParameterError{Name: name, Sources: consulted}
}

// Architectures returns the first layer in the chain that specifies an
// architecture list at all (ArchitecturesSet true), along with that
// layer's name. ok is false if no layer in the chain ever specifies one.
func (c *BindChain) Architectures() (arches []template.Arch, sourceName string, ok bool) {
	for _, s := range c.sources {
		if s.ArchitecturesSet {
			return s.Architectures, s.SourceName, true
		}
	}
	return nil, "", false
}

// ArchitecturesForImage is Architectures filtered by every exclusion
// naming imageID found anywhere in the chain.
func (c *BindChain) ArchitecturesForImage(imageID string) (arches []template.Arch, sourceName string, ok bool) {
	arches, sourceName, ok = c.Architectures()
	if !ok {
		return nil, "", false
	}
	var excluded []template.Exclusion
	for _, s := range c.sources {
		for _, e := range s.Exclusions {
			if e.ImageID == imageID {
				excluded = append(excluded, e)
			}
		}
	}
	if len(excluded) == 0 {
		return arches, sourceName, true
	}
	filtered := arches[:0:0]
	for _, a := range arches {
		skip := false
		for _, e := range excluded {
			if e.Arch == a.Arch && e.Variant == a.Variant {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, a)
		}
	}
	return filtered, sourceName, true
}

// substitute replaces every "${name}" occurrence in s with its value from
// chain, returning the substituted string and the set of BoundValue
// provenance entries consulted (one per distinct parameter name in s).
func substitute(chain *BindChain, s string) (string, map[string]BoundValue, error) {
	names := template.ParametersOf(s)
	if len(names) == 0 {
		return s, nil, nil
	}
	sources := map[string]BoundValue{}
	out := s
	for _, name := range names {
		if _, ok := sources[name]; ok {
			continue
		}
		bv, err := chain.Argument(name)
		if err != nil {
			return "", nil, err
		}
		sources[name] = bv
	}
	for name, bv := range sources {
		out = strings.ReplaceAll(out, "${"+name+"}", bv.Value)
	}
	return out, sources, nil
}
