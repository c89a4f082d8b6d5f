// Package template holds the declarative entities a build document is made
// of: image templates, group templates, parameter references, and the
// uses-id dependency graph between them. Nothing in this package resolves a
// "${...}" reference to a value; that is the binder's job.
package template

import (
	"fmt"
	"regexp"
)

var paramRef = regexp.MustCompile(`\$\{\s*([A-Za-z0-9_-]+)\s*\}`)

// ParseError reports a malformed document: an unrecognized top-level shape,
// an unknown field, or a missing or mis-shaped required field.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return e.msg }

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{msg: fmt.Sprintf(format, args...)}
}

// UnknownIDError is returned when a caller asks for a top-level id the
// document does not declare, and by ParseDocument when a group's images
// list or exclusions name an id that is not declared.
type UnknownIDError struct {
	ID string
}

func (e *UnknownIDError) Error() string { return fmt.Sprintf("unknown id %q", e.ID) }

// ParametersOf returns every "${name}" occurrence in s, in order of
// appearance, including duplicates.
func ParametersOf(s string) []string {
	matches := paramRef.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// Arch is a (architecture, variant) pair. Variant is empty when the
// document didn't specify one.
type Arch struct {
	Arch    string
	Variant string
}

// Arg is a single (name, value) pair, used both for an image's build
// arguments and for a group's provided parameters. Value is the raw string
// as declared; whether it names another image's id or is a templated
// literal is a binding-time decision, not a parsing one.
type Arg struct {
	Name  string
	Value string
}

// Exclusion names an (image, arch, variant) tuple a group wants skipped for
// that one image.
type Exclusion struct {
	ImageID string
	Arch    string
	Variant string
}

// Template is the shared surface of ImageTemplate and GroupTemplate.
type Template interface {
	ID() string
	Parameters() []string
	UsesID(id string) bool
}

// ImageTemplate is a templated image definition to be built.
type ImageTemplate struct {
	IDField      string
	Registry     string
	Name         string
	Tag          string
	BuildContext string
	Args         []Arg
}

const (
	defaultRegistryRef = "${registry}"
	defaultNameRef     = "${name}"
	defaultTagRef      = "${tag}"
)

var _ Template = (*ImageTemplate)(nil)

func (t *ImageTemplate) ID() string { return t.IDField }

func (t *ImageTemplate) Parameters() []string {
	var params []string
	params = append(params, ParametersOf(t.Registry)...)
	params = append(params, ParametersOf(t.Name)...)
	params = append(params, ParametersOf(t.Tag)...)
	params = append(params, ParametersOf(t.BuildContext)...)
	for _, a := range t.Args {
		params = append(params, ParametersOf(a.Name)...)
		params = append(params, ParametersOf(a.Value)...)
	}
	return params
}

// UsesID reports whether a build-arg value names exact_id literally. This is
// the raw, pre-binding check: the document graph is built from it before
// any id-resolver exists.
func (t *ImageTemplate) UsesID(exactID string) bool {
	if t.IDField == exactID {
		return false
	}
	for _, a := range t.Args {
		if a.Value == exactID {
			return true
		}
	}
	return false
}

// GroupTemplate is a templated group of images sharing architectures,
// parameters, and exclusions.
type GroupTemplate struct {
	IDField       string
	Images        []string
	Architectures []Arch
	Provides      []Arg
	Exclusions    []Exclusion
}

var _ Template = (*GroupTemplate)(nil)

func (t *GroupTemplate) ID() string { return t.IDField }

func (t *GroupTemplate) Parameters() []string {
	var params []string
	for _, img := range t.Images {
		params = append(params, ParametersOf(img)...)
	}
	for _, a := range t.Architectures {
		params = append(params, ParametersOf(a.Arch)...)
		if a.Variant != "" {
			params = append(params, ParametersOf(a.Variant)...)
		}
	}
	for _, p := range t.Provides {
		params = append(params, ParametersOf(p.Name)...)
		params = append(params, ParametersOf(p.Value)...)
	}
	return params
}

// UsesID reports whether exact_id appears in this group's images list or as
// a literal provides-parameters value.
func (t *GroupTemplate) UsesID(exactID string) bool {
	if t.IDField == exactID {
		return false
	}
	for _, img := range t.Images {
		if img == exactID {
			return true
		}
	}
	for _, p := range t.Provides {
		if p.Value == exactID {
			return true
		}
	}
	return false
}
