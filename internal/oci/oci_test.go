package oci

import (
	"sort"
	"testing"

	"github.com/sloretz/buildalot/internal/bind"
	"github.com/sloretz/buildalot/internal/template"
)

func mustBind(t *testing.T, src string, src2 bind.BindSource) *bind.BoundConfig {
	t.Helper()
	doc, err := template.ParseDocument([]byte(src))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	bc, err := bind.NewBinder().Bind(doc, src2)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	return bc
}

func TestLowerSingleArchImage(t *testing.T) {
	bc := mustBind(t, `
base:
  name: base
  registry: myreg
  tag: v1
  build:
    context: ./base
`, bind.BindSource{SourceName: "command-line"})

	g, err := Lower(bc)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	if _, ok := g.Image("myreg/base:v1"); !ok {
		t.Fatalf("expected image node myreg/base:v1, got order %v", g.Order())
	}
}

func TestLowerMultiArchProducesManifest(t *testing.T) {
	bc := mustBind(t, `
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
`, bind.BindSource{SourceName: "command-line"})

	g, err := Lower(bc)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	m, ok := g.Manifest("myreg/base:v1")
	if !ok {
		t.Fatalf("expected manifest node myreg/base:v1, got order %v", g.Order())
	}
	members := append([]string(nil), m.Members...)
	sort.Strings(members)
	want := []string{"myreg/base:v1-amd64", "myreg/base:v1-arm64"}
	for i, w := range want {
		if members[i] != w {
			t.Errorf("members[%d] = %q, want %q", i, members[i], w)
		}
	}
	for _, fqn := range want {
		if _, ok := g.Image(fqn); !ok {
			t.Errorf("expected per-arch image node %q", fqn)
		}
		found := false
		for _, d := range g.DependenciesOf("myreg/base:v1") {
			if d == fqn {
				found = true
			}
		}
		if !found {
			t.Errorf("expected manifest to depend on %q", fqn)
		}
	}
}

func TestLowerExclusionToSingleArchStillProducesManifest(t *testing.T) {
	bc := mustBind(t, `
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
    - [arm64, v8]
  exclude:
    - architecture: amd64
      images: [base]
`, bind.BindSource{SourceName: "command-line"})

	g, err := Lower(bc)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}
	m, ok := g.Manifest("myreg/base:v1")
	if !ok {
		t.Fatalf("expected a manifest node even with a single surviving architecture, got order %v", g.Order())
	}
	if len(m.Members) != 1 || m.Members[0] != "myreg/base:v1-arm64-v8" {
		t.Fatalf("manifest members = %v, want [myreg/base:v1-arm64-v8]", m.Members)
	}
	if _, ok := g.Image("myreg/base:v1-amd64"); ok {
		t.Errorf("excluded architecture amd64 should not have a build node")
	}
}

func TestLowerCrossImageEdgeAttachesToManifest(t *testing.T) {
	bc := mustBind(t, `
base:
  name: base
  registry: myreg
  tag: v1
  build:
    context: ./base
app:
  name: app
  registry: myreg
  tag: v1
  build:
    context: ./app
    args:
      FROM: base
release:
  images: [base, app]
  architectures:
    - amd64
    - arm64
`, bind.BindSource{SourceName: "command-line"})

	g, err := Lower(bc)
	if err != nil {
		t.Fatalf("Lower: %v", err)
	}

	for _, fqn := range []string{"myreg/app:v1-amd64", "myreg/app:v1-arm64"} {
		deps := g.DependenciesOf(fqn)
		found := false
		for _, d := range deps {
			if d == "myreg/base:v1" {
				found = true
			}
		}
		if !found {
			t.Errorf("%s deps = %v, want to include myreg/base:v1 (the manifest)", fqn, deps)
		}
	}
}
