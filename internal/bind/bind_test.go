package bind

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/sloretz/buildalot/internal/template"
)

func mustParse(t *testing.T, src string) *template.Document {
	t.Helper()
	doc, err := template.ParseDocument([]byte(src))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	return doc
}

func TestBindSingleImageDefaults(t *testing.T) {
	doc := mustParse(t, `
base:
  name: base
  build:
    context: ./base
`)
	bc, err := NewBinder().Bind(doc, BindSource{SourceName: "command-line"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	img := bc.GetImage("base")
	if img == nil {
		t.Fatalf("GetImage(base) is nil")
	}
	if got, want := img.FullyQualifiedName(), "localhost/base:latest"; got != want {
		t.Errorf("FullyQualifiedName() = %q, want %q", got, want)
	}
}

func TestBindImageReferenceInjectsResolver(t *testing.T) {
	doc := mustParse(t, `
base:
  registry: myreg
  name: base
  tag: v1
  build:
    context: ./base
app:
  name: app
  build:
    context: ./app
    args:
      FROM: base
`)
	bc, err := NewBinder().Bind(doc, BindSource{SourceName: "command-line"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	app := bc.GetImage("app")
	if len(app.Args) != 1 {
		t.Fatalf("expected 1 bound arg, got %d", len(app.Args))
	}
	if app.Args[0].Value.Resolver == nil {
		t.Fatalf("expected FROM to bind to an id resolver")
	}
	if got, want := app.Args[0].Value.String(), "myreg/base:v1"; got != want {
		t.Errorf("resolved FROM = %q, want %q", got, want)
	}
}

func TestBindMultipleGroupsRejected(t *testing.T) {
	doc := mustParse(t, `
base:
  build:
    context: ./base
g1:
  images: [base]
g2:
  images: [base]
`)
	_, err := NewBinder().Bind(doc, BindSource{SourceName: "command-line"})
	var merr *MultipleGroupsError
	if !errors.As(err, &merr) {
		t.Fatalf("expected *MultipleGroupsError, got %v", err)
	}
}

func TestBindMissingParameter(t *testing.T) {
	doc := mustParse(t, `
base:
  name: ${custom}
  build:
    context: ./base
`)
	_, err := NewBinder().Bind(doc, BindSource{SourceName: "command-line"})
	var merr *MissingParameterError
	if !errors.As(err, &merr) {
		t.Fatalf("expected *MissingParameterError, got %v", err)
	}
}

func TestBindGroupArchitecturesAndExclusions(t *testing.T) {
	doc := mustParse(t, `
base:
  name: base
  build:
    context: ./base
other:
  name: other
  build:
    context: ./other
release:
  images: [base, other]
  architectures:
    - amd64
    - [arm64, v8]
  exclude:
    - architecture: [arm64, v8]
      images: [other]
`)
	bc, err := NewBinder().Bind(doc, BindSource{SourceName: "command-line"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	base := bc.GetImage("base")
	want := []template.Arch{{Arch: "amd64"}, {Arch: "arm64", Variant: "v8"}}
	if diff := cmp.Diff(want, base.Architectures); diff != "" {
		t.Errorf("base.Architectures mismatch (-want +got):\n%s", diff)
	}

	other := bc.GetImage("other")
	wantOther := []template.Arch{{Arch: "amd64"}}
	if diff := cmp.Diff(wantOther, other.Architectures); diff != "" {
		t.Errorf("other.Architectures mismatch (-want +got):\n%s", diff)
	}
}

func TestBindMissingArchitecturesAfterExclusion(t *testing.T) {
	doc := mustParse(t, `
base:
  name: base
  build:
    context: ./base
release:
  images: [base]
  architectures:
    - amd64
  exclude:
    - architecture: amd64
      images: [base]
`)
	_, err := NewBinder().Bind(doc, BindSource{SourceName: "command-line"})
	var aerr *MissingArchitecturesError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected *MissingArchitecturesError, got %v", err)
	}
}

func TestBuildOrderAndDependencies(t *testing.T) {
	doc := mustParse(t, `
base:
  name: base
  build:
    context: ./base
app:
  name: app
  build:
    context: ./app
    args:
      FROM: base
`)
	bc, err := NewBinder().Bind(doc, BindSource{SourceName: "command-line"})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if diff := cmp.Diff([]string{"base", "app"}, bc.BuildOrder()); diff != "" {
		t.Errorf("BuildOrder() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"base"}, bc.DependenciesOf("app"), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("DependenciesOf(app) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"app"}, bc.DependentsOf("base"), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("DependentsOf(base) mismatch (-want +got):\n%s", diff)
	}
}
