package bind

import (
	"strings"

	"github.com/sloretz/buildalot/internal/template"
)

// ArgValue is a bound build argument's value: either a literal string or a
// shared IdResolver cell pointing at another image's fully qualified name,
// not yet known at bind time.
type ArgValue struct {
	Literal  string
	Resolver *IdResolver
}

func (v ArgValue) String() string {
	if v.Resolver != nil {
		return v.Resolver.String()
	}
	return v.Literal
}

// BoundArg is a bound build argument.
type BoundArg struct {
	Name  string
	Value ArgValue
}

// ImageDebugInfo records, per field, which bind-chain layer supplied it
// and what value it substituted -- the data a --debug dump prints.
type ImageDebugInfo struct {
	Registry     BoundValue
	Name         BoundValue
	Tag          BoundValue
	BuildContext BoundValue
	ArchSource   string
	Args         map[string]map[string]BoundValue
}

// BoundImage is a template.ImageTemplate with every field substituted.
type BoundImage struct {
	ID            string
	Registry      string
	Name          string
	Tag           string
	BuildContext  string
	Args          []BoundArg
	Architectures []template.Arch

	resolver *IdResolver
	Debug    ImageDebugInfo
}

// FullyQualifiedName is registry/name:tag, with a single trailing slash on
// registry trimmed.
func (b *BoundImage) FullyQualifiedName() string {
	return strings.TrimRight(b.Registry, "/") + "/" + b.Name + ":" + b.Tag
}

// BoundConfig is the fully bound document: build order, every bound image,
// and the dependency relationships between them.
type BoundConfig struct {
	order      []string
	images     map[string]*BoundImage
	dependsOn  map[string][]string
	dependedBy map[string][]string
}

// BuildOrder returns every bound image id, dependencies before dependents.
func (c *BoundConfig) BuildOrder() []string { return append([]string(nil), c.order...) }

// GetImage looks up a bound image by id.
func (c *BoundConfig) GetImage(id string) *BoundImage { return c.images[id] }

// DependenciesOf returns the ids id directly depends on.
func (c *BoundConfig) DependenciesOf(id string) []string {
	return append([]string(nil), c.dependsOn[id]...)
}

// DependentsOf returns the ids that directly depend on id.
func (c *BoundConfig) DependentsOf(id string) []string {
	return append([]string(nil), c.dependedBy[id]...)
}

const imageDefaultsSourceName = "__image_defaults__"

// Binder binds a template.Document against a CLI-supplied BindSource.
type Binder struct{}

// NewBinder constructs a Binder. It carries no state of its own; each call
// to Bind is independent.
func NewBinder() *Binder { return &Binder{} }

// Bind resolves every "${...}" reference in doc against cliSource (highest
// precedence), the document's single group (if any), and the built-in
// defaults layer (registry=localhost, tag=latest), in that order.
//
// Images are substituted in reverse build order -- dependents before their
// dependencies -- because a dependent needs its dependency's id-resolver
// cell to exist (created while binding the dependency later isn't
// required: resolvers are created up front, independent of bind order).
// A second pass then resolves every resolver to its owner's fully
// qualified name, which itself doesn't depend on bind order either, since
// an image's FQN is derived only from its own registry/name/tag.
func (b *Binder) Bind(doc *template.Document, cliSource BindSource) (*BoundConfig, error) {
	groups := doc.Groups()
	if len(groups) > 1 {
		return nil, &MultipleGroupsError{Count: len(groups)}
	}

	chain := NewBindChain(cliSource)

	var groupID string
	if len(groups) == 1 {
		groupID = groups[0]
		grp, _ := doc.Group(groupID)
		groupSource, err := bindGroup(chain, grp)
		if err != nil {
			return nil, err
		}
		chain = chain.Extend(groupSource)
	}

	chain = chain.Extend(BindSource{
		SourceName:       imageDefaultsSourceName,
		ArchitecturesSet: false,
		Arguments: []template.Arg{
			{Name: "registry", Value: "localhost"},
			{Name: "tag", Value: "latest"},
		},
	})

	buildOrder := doc.BuildOrder()

	resolvers := map[string]*IdResolver{}
	for _, id := range buildOrder {
		resolvers[id] = NewIdResolver(id)
	}

	images := map[string]*BoundImage{}
	reverse := make([]string, len(buildOrder))
	for i, id := range buildOrder {
		reverse[len(buildOrder)-1-i] = id
	}
	for _, id := range reverse {
		tmpl, _ := doc.Image(id)
		img, err := bindImage(chain, tmpl, resolvers)
		if err != nil {
			return nil, err
		}
		img.resolver = resolvers[id]
		images[id] = img
	}

	for _, id := range buildOrder {
		if err := images[id].resolver.Resolve(images[id].FullyQualifiedName()); err != nil {
			return nil, err
		}
	}

	dependsOn := map[string][]string{}
	dependedBy := map[string][]string{}
	for _, id := range buildOrder {
		dependsOn[id] = nil
		dependedBy[id] = nil
	}
	for _, id := range buildOrder {
		for _, dep := range doc.Dependencies(id) {
			if _, isImage := images[dep]; !isImage {
				continue
			}
			dependsOn[id] = append(dependsOn[id], dep)
			dependedBy[dep] = append(dependedBy[dep], id)
		}
	}

	return &BoundConfig{
		order:      buildOrder,
		images:     images,
		dependsOn:  dependsOn,
		dependedBy: dependedBy,
	}, nil
}

func bindGroup(chain *BindChain, grp *template.GroupTemplate) (BindSource, error) {
	arches := make([]template.Arch, 0, len(grp.Architectures))
	for _, a := range grp.Architectures {
		arch, err := substitute(chain, a.Arch)
		if err != nil {
			return BindSource{}, err
		}
		variant := a.Variant
		if variant != "" {
			variant, err = substitute(chain, a.Variant)
			if err != nil {
				return BindSource{}, err
			}
		}
		arches = append(arches, template.Arch{Arch: arch, Variant: variant})
	}

	args := make([]template.Arg, 0, len(grp.Provides))
	for _, p := range grp.Provides {
		name, err := substitute(chain, p.Name)
		if err != nil {
			return BindSource{}, err
		}
		value, err := substitute(chain, p.Value)
		if err != nil {
			return BindSource{}, err
		}
		args = append(args, template.Arg{Name: name, Value: value})
	}

	return BindSource{
		SourceName:       grp.IDField,
		ArchitecturesSet: true,
		Architectures:    arches,
		Arguments:        args,
		Exclusions:       grp.Exclusions,
	}, nil
}

func bindImage(chain *BindChain, tmpl *template.ImageTemplate, resolvers map[string]*IdResolver) (*BoundImage, error) {
	registry, registrySrc, err := substituteTracked(chain, tmpl.Registry)
	if err != nil {
		return nil, err
	}
	name, nameSrc, err := substituteTracked(chain, tmpl.Name)
	if err != nil {
		return nil, err
	}
	tag, tagSrc, err := substituteTracked(chain, tmpl.Tag)
	if err != nil {
		return nil, err
	}
	buildContext, ctxSrc, err := substituteTracked(chain, tmpl.BuildContext)
	if err != nil {
		return nil, err
	}

	args := make([]BoundArg, 0, len(tmpl.Args))
	argDebug := map[string]map[string]BoundValue{}
	for _, a := range tmpl.Args {
		if resolver, ok := resolvers[a.Value]; ok {
			args = append(args, BoundArg{Name: a.Name, Value: ArgValue{Resolver: resolver}})
			continue
		}
		value, srcs, err := substituteTrackedMap(chain, a.Value)
		if err != nil {
			return nil, err
		}
		args = append(args, BoundArg{Name: a.Name, Value: ArgValue{Literal: value}})
		argDebug[a.Name] = srcs
	}

	arches, archSrc, ok := chain.ArchitecturesForImage(tmpl.IDField)
	if !ok {
		arches = nil
	} else if len(arches) == 0 {
		before, _, _ := chain.Architectures()
		if len(before) > 0 {
			return nil, &MissingArchitecturesError{ImageID: tmpl.IDField}
		}
	}

	return &BoundImage{
		ID:            tmpl.IDField,
		Registry:      registry,
		Name:          name,
		Tag:           tag,
		BuildContext:  buildContext,
		Args:          args,
		Architectures: arches,
		Debug: ImageDebugInfo{
			Registry:     registrySrc,
			Name:         nameSrc,
			Tag:          tagSrc,
			BuildContext: ctxSrc,
			ArchSource:   archSrc,
			Args:         argDebug,
		},
	}, nil
}

func substituteTracked(chain *BindChain, s string) (string, BoundValue, error) {
	names := template.ParametersOf(s)
	if len(names) == 0 {
		return s, BoundValue{}, nil
	}
	value, sources, err := substitute(chain, s)
	if err != nil {
		return "", BoundValue{}, err
	}
	return value, sources[names[0]], nil
}

func substituteTrackedMap(chain *BindChain, s string) (string, map[string]BoundValue, error) {
	value, sources, err := substitute(chain, s)
	if err != nil {
		return "", nil, err
	}
	return value, sources, nil
}
