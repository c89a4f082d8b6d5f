package buildah

import (
	"strings"
	"testing"

	"github.com/sloretz/buildalot/internal/bind"
	"github.com/sloretz/buildalot/internal/oci"
	"github.com/sloretz/buildalot/internal/template"
)

func mustLower(t *testing.T, src string) *oci.Graph {
	t.Helper()
	doc, err := template.ParseDocument([]byte(src))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	bc, err := bind.NewBinder().Bind(doc, bind.BindSource{SourceName: "command-line"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	g, err := oci.Lower(bc)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	return g
}

func TestBuildGraphPushPruning(t *testing.T) {
	g := mustLower(t, `
base:
  name: base
  registry: myreg
  tag: v1
  build:
    context: ./base
release:
  images: [base]
  architectures:
    - amd64
    - arm64
`)

	wg := BuildGraph(g, Options{Push: true})

	for _, n := range wg.Nodes() {
		if strings.Contains(n.String(), "buildah push") && strings.Contains(n.String(), "amd64") {
			t.Errorf("expected per-arch push to be pruned in favor of manifest push, found %q", n.String())
		}
	}

	foundManifestPush := false
	for _, n := range wg.Nodes() {
		if strings.Contains(n.String(), "manifest push") {
			foundManifestPush = true
		}
	}
	if !foundManifestPush {
		t.Errorf("expected a manifest push node")
	}
}

func TestBuildGraphSingleArchPushNotPruned(t *testing.T) {
	g := mustLower(t, `
base:
  name: base
  registry: myreg
  tag: v1
  build:
    context: ./base
`)
	wg := BuildGraph(g, Options{Push: true})

	found := false
	for _, n := range wg.Nodes() {
		if strings.Contains(n.String(), "buildah push") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a plain image push for a single-arch image")
	}
}
