// Package oci lowers a bound build plan into a DAG of concrete OCI build
// operations: one image build per (bound image, architecture), and one
// manifest per bound image that has a non-empty architecture list.
package oci

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/sloretz/buildalot/internal/bind"
	"github.com/sloretz/buildalot/internal/template"
)

// Image is a single architecture's build of a bound image.
type Image struct {
	FQN          string
	BuildContext string
	Args         map[string]string
	Platform     *v1.Platform
	OwnerID      string
}

// Manifest is a multi-architecture manifest list, one per bound image that
// has a non-empty architecture list (even if only one architecture is left).
type Manifest struct {
	FQN     string
	Members []string // FQNs of the per-arch images it lists, in order
	OwnerID string
}

// Graph is the OCI operation DAG: images and manifests as nodes, "depends
// on" edges between them.
type Graph struct {
	order    []string
	images   map[string]*Image
	manifest map[string]*Manifest
	deps     map[string][]string
}

func newGraph() *Graph {
	return &Graph{
		images:   map[string]*Image{},
		manifest: map[string]*Manifest{},
		deps:     map[string][]string{},
	}
}

// Order returns every node FQN in the order it was first added.
func (g *Graph) Order() []string { return append([]string(nil), g.order...) }

// Image looks up an image node by FQN.
func (g *Graph) Image(fqn string) (*Image, bool) {
	img, ok := g.images[fqn]
	return img, ok
}

// Manifest looks up a manifest node by FQN.
func (g *Graph) Manifest(fqn string) (*Manifest, bool) {
	m, ok := g.manifest[fqn]
	return m, ok
}

// DependenciesOf returns the FQNs fqn depends on.
func (g *Graph) DependenciesOf(fqn string) []string {
	return append([]string(nil), g.deps[fqn]...)
}

// addImage inserts an image node, coalescing on FQN: two bound images (or
// two per-arch builds) that land on the same fully qualified name become
// one node.
func (g *Graph) addImage(img *Image) {
	if _, exists := g.images[img.FQN]; exists {
		return
	}
	g.images[img.FQN] = img
	g.order = append(g.order, img.FQN)
}

func (g *Graph) addManifest(m *Manifest) {
	if _, exists := g.manifest[m.FQN]; exists {
		return
	}
	g.manifest[m.FQN] = m
	g.order = append(g.order, m.FQN)
}

func (g *Graph) addEdge(from, to string) {
	for _, existing := range g.deps[from] {
		if existing == to {
			return
		}
	}
	g.deps[from] = append(g.deps[from], to)
}

// Dot renders the graph as a Graphviz "digraph" for --debug dumps.
func (g *Graph) Dot() string {
	var b strings.Builder
	b.WriteString("digraph oci {\n")
	for _, id := range g.order {
		shape := "box"
		if _, ok := g.manifest[id]; ok {
			shape = "ellipse"
		}
		fmt.Fprintf(&b, "  %q [shape=%s];\n", id, shape)
	}
	for _, from := range g.order {
		deps := append([]string(nil), g.deps[from]...)
		sort.Strings(deps)
		for _, to := range deps {
			fmt.Fprintf(&b, "  %q -> %q;\n", from, to)
		}
	}
	b.WriteString("}\n")
	return b.String()
}

func validateFQN(fqn string) error {
	if _, err := name.NewTag(fqn, name.WeakValidation); err != nil {
		return fmt.Errorf("invalid fully qualified name %q: %w", fqn, err)
	}
	return nil
}

// Lower converts a bound config into an OCI operation graph.
//
// Nodes are added in bc.BuildOrder() (dependency-first); by the time a
// dependent image is processed, every image and manifest it might cross
// reference already has a node and a resolved "downstream" FQN in the
// graph. This is a simplification of walking the dependency tree
// recursively from each root: both produce the same set of nodes and
// edges, because the only requirement is that a dependency exists in the
// graph before anything that might reference it, which a forward pass over
// an already-topologically-sorted build order guarantees for free.
func Lower(bc *bind.BoundConfig) (*Graph, error) {
	g := newGraph()

	// downstream[id] is the FQN other images should depend on when they
	// reference id: the single image's FQN if it has no architecture list,
	// or the manifest's FQN if it has one.
	downstream := map[string]string{}
	// ownerMembers[id] is every per-arch (or single) image FQN building id,
	// the set that must gain a cross edge when something depends on id.
	ownerMembers := map[string][]string{}

	for _, id := range bc.BuildOrder() {
		img := bc.GetImage(id)
		if img == nil {
			continue
		}

		archs := img.Architectures
		if len(archs) == 0 {
			fqn := img.FullyQualifiedName()
			if err := validateFQN(fqn); err != nil {
				return nil, err
			}
			node := &Image{FQN: fqn, BuildContext: img.BuildContext, Args: argsMap(img), OwnerID: id}
			g.addImage(node)
			downstream[id] = fqn
			ownerMembers[id] = []string{fqn}
			continue
		}

		// Any non-empty architecture list gets a manifest, even a single
		// entry left over after exclusions pruned the rest: the manifest's
		// FQN is what the rest of the graph depends on, and that must stay
		// stable regardless of how many architectures survived exclusion.
		var members []string
		for _, a := range archs {
			fqn, err := perArchFQN(img, a)
			if err != nil {
				return nil, err
			}
			node := &Image{
				FQN:          fqn,
				BuildContext: img.BuildContext,
				Args:         argsMap(img),
				Platform:     platformFor(a),
				OwnerID:      id,
			}
			g.addImage(node)
			members = append(members, fqn)
		}

		manifestFQN := img.FullyQualifiedName()
		if err := validateFQN(manifestFQN); err != nil {
			return nil, err
		}
		m := &Manifest{FQN: manifestFQN, Members: members, OwnerID: id}
		g.addManifest(m)
		for _, member := range members {
			g.addEdge(manifestFQN, member)
		}
		downstream[id] = manifestFQN
		ownerMembers[id] = members
	}

	for _, id := range bc.BuildOrder() {
		for _, dep := range bc.DependenciesOf(id) {
			target, ok := downstream[dep]
			if !ok {
				continue
			}
			for _, memberFQN := range ownerMembers[id] {
				g.addEdge(memberFQN, target)
			}
		}
	}

	return g, nil
}

func argsMap(img *bind.BoundImage) map[string]string {
	if len(img.Args) == 0 {
		return nil
	}
	args := make(map[string]string, len(img.Args))
	for _, a := range img.Args {
		args[a.Name] = a.Value.String()
	}
	return args
}

func perArchFQN(img *bind.BoundImage, a template.Arch) (string, error) {
	suffix := a.Arch
	if a.Variant != "" {
		suffix += "-" + a.Variant
	}
	fqn := fmt.Sprintf("%s-%s", img.FullyQualifiedName(), suffix)
	if err := validateFQN(fqn); err != nil {
		return "", err
	}
	return fqn, nil
}

func platformFor(a template.Arch) *v1.Platform {
	return &v1.Platform{OS: "linux", Architecture: a.Arch, Variant: a.Variant}
}
