package template

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Document is a fully parsed build document: every top-level image and
// group template, plus the uses-id dependency graph between them in
// declaration order.
type Document struct {
	order  []string
	images map[string]*ImageTemplate
	groups map[string]*GroupTemplate
	uses   map[string]map[string]bool
}

// ParseDocument decodes a build document from YAML bytes.
//
// It walks the document as a yaml.Node tree rather than decoding straight
// into a map so that top-level key order and build.args/provides_parameters
// mapping order are preserved; both matter for deterministic tie-breaking
// in BuildOrder.
func ParseDocument(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}
	if len(root.Content) == 0 {
		return &Document{images: map[string]*ImageTemplate{}, groups: map[string]*GroupTemplate{}, uses: map[string]map[string]bool{}}, nil
	}
	top := root.Content[0]
	if top.Kind != yaml.MappingNode {
		return nil, parseErrorf("document must be a mapping of ids to templates")
	}

	doc := &Document{
		images: map[string]*ImageTemplate{},
		groups: map[string]*GroupTemplate{},
		uses:   map[string]map[string]bool{},
	}

	for i := 0; i+1 < len(top.Content); i += 2 {
		keyNode := top.Content[i]
		valNode := top.Content[i+1]
		id := keyNode.Value
		if id == "" {
			return nil, parseErrorf("top-level entries must have a non-empty id")
		}
		if _, dup := doc.images[id]; dup {
			return nil, parseErrorf("duplicate id %q", id)
		}
		if _, dup := doc.groups[id]; dup {
			return nil, parseErrorf("duplicate id %q", id)
		}
		if valNode.Kind != yaml.MappingNode {
			return nil, parseErrorf("entry %q must be a mapping", id)
		}

		switch classifyEntry(valNode) {
		case entryImage:
			img, err := parseImageTemplate(id, valNode)
			if err != nil {
				return nil, err
			}
			doc.images[id] = img
		case entryGroup:
			grp, err := parseGroupTemplate(id, valNode)
			if err != nil {
				return nil, err
			}
			doc.groups[id] = grp
		default:
			return nil, parseErrorf("entry %q is neither an image (has \"build\") nor a group (has \"images\")", id)
		}
		doc.order = append(doc.order, id)
	}

	if err := doc.buildGraph(); err != nil {
		return nil, err
	}
	return doc, nil
}

type entryKind int

const (
	entryUnknown entryKind = iota
	entryImage
	entryGroup
)

func classifyEntry(n *yaml.Node) entryKind {
	if mappingHasKey(n, "build") {
		return entryImage
	}
	if mappingHasKey(n, "images") {
		return entryGroup
	}
	return entryUnknown
}

func mappingHasKey(n *yaml.Node, key string) bool {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return true
		}
	}
	return false
}

func mappingGet(n *yaml.Node, key string) (*yaml.Node, bool) {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1], true
		}
	}
	return nil, false
}

var imageAllowedKeys = map[string]bool{"name": true, "registry": true, "tag": true, "build": true}
var buildAllowedKeys = map[string]bool{"context": true, "args": true}

func parseImageTemplate(id string, n *yaml.Node) (*ImageTemplate, error) {
	if err := checkAllowedKeys(n, imageAllowedKeys, fmt.Sprintf("image %q", id)); err != nil {
		return nil, err
	}

	img := &ImageTemplate{
		IDField:  id,
		Registry: defaultRegistryRef,
		Name:     defaultNameRef,
		Tag:      defaultTagRef,
	}
	if v, ok := mappingGet(n, "name"); ok {
		img.Name = v.Value
	}
	if v, ok := mappingGet(n, "registry"); ok {
		img.Registry = v.Value
	}
	if v, ok := mappingGet(n, "tag"); ok {
		img.Tag = v.Value
	}

	buildNode, ok := mappingGet(n, "build")
	if !ok {
		return nil, parseErrorf("image %q is missing required key \"build\"", id)
	}
	if buildNode.Kind != yaml.MappingNode {
		return nil, parseErrorf("image %q: \"build\" must be a mapping", id)
	}
	if err := checkAllowedKeys(buildNode, buildAllowedKeys, fmt.Sprintf("image %q build", id)); err != nil {
		return nil, err
	}

	ctxNode, ok := mappingGet(buildNode, "context")
	if !ok || ctxNode.Value == "" {
		return nil, parseErrorf("image %q: build.context is required", id)
	}
	img.BuildContext = ctxNode.Value

	if argsNode, ok := mappingGet(buildNode, "args"); ok {
		if argsNode.Kind != yaml.MappingNode {
			return nil, parseErrorf("image %q: build.args must be a mapping", id)
		}
		for i := 0; i+1 < len(argsNode.Content); i += 2 {
			img.Args = append(img.Args, Arg{
				Name:  argsNode.Content[i].Value,
				Value: argsNode.Content[i+1].Value,
			})
		}
	}
	return img, nil
}

var groupAllowedKeys = map[string]bool{"images": true, "architectures": true, "parameters": true, "exclude": true}

func parseGroupTemplate(id string, n *yaml.Node) (*GroupTemplate, error) {
	if err := checkAllowedKeys(n, groupAllowedKeys, fmt.Sprintf("group %q", id)); err != nil {
		return nil, err
	}

	grp := &GroupTemplate{IDField: id}

	imagesNode, ok := mappingGet(n, "images")
	if !ok || imagesNode.Kind != yaml.SequenceNode || len(imagesNode.Content) == 0 {
		return nil, parseErrorf("group %q: \"images\" must be a non-empty list", id)
	}
	for _, item := range imagesNode.Content {
		grp.Images = append(grp.Images, item.Value)
	}

	if archNode, ok := mappingGet(n, "architectures"); ok {
		if archNode.Kind != yaml.SequenceNode {
			return nil, parseErrorf("group %q: \"architectures\" must be a list", id)
		}
		grp.Architectures = []Arch{}
		for _, item := range archNode.Content {
			a, err := parseArchEntry(id, item)
			if err != nil {
				return nil, err
			}
			grp.Architectures = append(grp.Architectures, a)
		}
	} else {
		grp.Architectures = []Arch{}
	}

	if paramsNode, ok := mappingGet(n, "parameters"); ok {
		if paramsNode.Kind != yaml.MappingNode {
			return nil, parseErrorf("group %q: \"parameters\" must be a mapping", id)
		}
		for i := 0; i+1 < len(paramsNode.Content); i += 2 {
			grp.Provides = append(grp.Provides, Arg{
				Name:  paramsNode.Content[i].Value,
				Value: paramsNode.Content[i+1].Value,
			})
		}
	}

	if exclNode, ok := mappingGet(n, "exclude"); ok {
		if exclNode.Kind != yaml.SequenceNode {
			return nil, parseErrorf("group %q: \"exclude\" must be a list", id)
		}
		for _, item := range exclNode.Content {
			entries, err := parseExclusionEntry(id, item)
			if err != nil {
				return nil, err
			}
			grp.Exclusions = append(grp.Exclusions, entries...)
		}
	}

	return grp, nil
}

func parseArchEntry(groupID string, n *yaml.Node) (Arch, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return Arch{Arch: n.Value}, nil
	case yaml.SequenceNode:
		if len(n.Content) != 2 {
			return Arch{}, parseErrorf("group %q: architecture entry must be a string or a 2-element [arch, variant] list", groupID)
		}
		return Arch{Arch: n.Content[0].Value, Variant: n.Content[1].Value}, nil
	default:
		return Arch{}, parseErrorf("group %q: architecture entry must be a string or a 2-element [arch, variant] list", groupID)
	}
}

// parseExclusionEntry decodes one `{architecture: <arch-spec>, images:
// [<image_id>,...]}` entry into one Exclusion per listed image, all sharing
// that entry's (arch, variant).
func parseExclusionEntry(groupID string, n *yaml.Node) ([]Exclusion, error) {
	if n.Kind != yaml.MappingNode {
		return nil, parseErrorf("group %q: exclude entry must be a mapping", groupID)
	}
	if err := checkAllowedKeys(n, exclusionAllowedKeys, fmt.Sprintf("group %q exclude entry", groupID)); err != nil {
		return nil, err
	}

	archNode, ok := mappingGet(n, "architecture")
	if !ok {
		return nil, parseErrorf("group %q: exclude entry requires \"architecture\"", groupID)
	}
	arch, err := parseArchEntry(groupID, archNode)
	if err != nil {
		return nil, err
	}

	imagesNode, ok := mappingGet(n, "images")
	if !ok || imagesNode.Kind != yaml.SequenceNode || len(imagesNode.Content) == 0 {
		return nil, parseErrorf("group %q: exclude entry requires a non-empty \"images\" list", groupID)
	}

	exclusions := make([]Exclusion, 0, len(imagesNode.Content))
	for _, item := range imagesNode.Content {
		exclusions = append(exclusions, Exclusion{ImageID: item.Value, Arch: arch.Arch, Variant: arch.Variant})
	}
	return exclusions, nil
}

var exclusionAllowedKeys = map[string]bool{"architecture": true, "images": true}

func checkAllowedKeys(n *yaml.Node, allowed map[string]bool, context string) error {
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i].Value
		if !allowed[key] {
			return parseErrorf("%s: unknown key %q", context, key)
		}
	}
	return nil
}

func (d *Document) template(id string) (Template, bool) {
	if img, ok := d.images[id]; ok {
		return img, true
	}
	if grp, ok := d.groups[id]; ok {
		return grp, true
	}
	return nil, false
}

// buildGraph computes the uses-id edges between every pair of top-level
// entries and validates that every referenced id is actually declared.
func (d *Document) buildGraph() error {
	for _, id := range d.order {
		d.uses[id] = map[string]bool{}
	}
	for _, from := range d.order {
		fromTmpl, _ := d.template(from)
		for _, to := range d.order {
			if from == to {
				continue
			}
			toTmpl, _ := d.template(to)
			if fromTmpl.UsesID(toTmpl.ID()) {
				d.uses[from][to] = true
			}
		}
	}
	for _, grp := range d.groups {
		for _, imgID := range grp.Images {
			if _, ok := d.template(imgID); !ok {
				return &UnknownIDError{ID: imgID}
			}
		}
		for _, excl := range grp.Exclusions {
			if _, ok := d.template(excl.ImageID); !ok {
				return &UnknownIDError{ID: excl.ImageID}
			}
		}
	}
	for _, img := range d.images {
		for _, a := range img.Args {
			if _, ok := d.template(a.Value); ok {
				d.uses[img.IDField][a.Value] = true
			}
		}
	}
	return nil
}

// Images returns the id of every image template, in declaration order.
func (d *Document) Images() []string {
	var ids []string
	for _, id := range d.order {
		if _, ok := d.images[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Groups returns the id of every group template, in declaration order.
func (d *Document) Groups() []string {
	var ids []string
	for _, id := range d.order {
		if _, ok := d.groups[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Image looks up an image template by id.
func (d *Document) Image(id string) (*ImageTemplate, bool) {
	img, ok := d.images[id]
	return img, ok
}

// Group looks up a group template by id.
func (d *Document) Group(id string) (*GroupTemplate, bool) {
	grp, ok := d.groups[id]
	return grp, ok
}

// BuildOrder returns every image id in an order where each image precedes
// any image that depends on it, breaking ties by declaration order.
func (d *Document) BuildOrder() []string {
	indegree := map[string]int{}
	for id := range d.images {
		indegree[id] = 0
	}
	for from := range d.images {
		for to := range d.uses[from] {
			if _, isImage := d.images[to]; isImage {
				indegree[from]++
			}
		}
	}

	declOrder := map[string]int{}
	for i, id := range d.order {
		declOrder[id] = i
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	var order []string
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return declOrder[ready[i]] < declOrder[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for from := range d.images {
			if d.uses[from][next] {
				indegree[from]--
				if indegree[from] == 0 {
					ready = append(ready, from)
				}
			}
		}
	}
	return order
}

// Dependencies returns the image/group ids that id directly references.
func (d *Document) Dependencies(id string) []string {
	var deps []string
	for to := range d.uses[id] {
		deps = append(deps, to)
	}
	sort.Strings(deps)
	return deps
}

// Parameters returns the union of every template's "${...}" parameter
// names, sorted.
func (d *Document) Parameters() []string {
	set := map[string]bool{}
	for _, img := range d.images {
		for _, p := range img.Parameters() {
			set[p] = true
		}
	}
	for _, grp := range d.groups {
		for _, p := range grp.Parameters() {
			set[p] = true
		}
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Slice returns a new Document containing only the transitive closure of
// wantTopLevelIDs: each requested id, and the ids each transitively
// references. UnknownIDError is returned if a requested id isn't declared.
func (d *Document) Slice(wantTopLevelIDs ...string) (*Document, error) {
	keep := map[string]bool{}
	var walk func(id string) error
	walk = func(id string) error {
		if keep[id] {
			return nil
		}
		if _, ok := d.template(id); !ok {
			return &UnknownIDError{ID: id}
		}
		keep[id] = true
		for to := range d.uses[id] {
			if err := walk(to); err != nil {
				return err
			}
		}
		return nil
	}
	for _, id := range wantTopLevelIDs {
		if err := walk(id); err != nil {
			return nil, err
		}
	}

	out := &Document{
		images: map[string]*ImageTemplate{},
		groups: map[string]*GroupTemplate{},
		uses:   map[string]map[string]bool{},
	}
	for _, id := range d.order {
		if !keep[id] {
			continue
		}
		out.order = append(out.order, id)
		if img, ok := d.images[id]; ok {
			out.images[id] = img
		}
		if grp, ok := d.groups[id]; ok {
			out.groups[id] = grp
		}
		edges := map[string]bool{}
		for to := range d.uses[id] {
			if keep[to] {
				edges[to] = true
			}
		}
		out.uses[id] = edges
	}
	return out, nil
}
