package template

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParametersOf(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"none", "static", nil},
		{"one", "${registry}/foo", []string{"registry"}},
		{"repeat", "${a}-${b}-${a}", []string{"a", "b", "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParametersOf(tc.in)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("ParametersOf(%q) mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestParseDocumentImageAndGroup(t *testing.T) {
	doc, err := ParseDocument([]byte(`
base:
  build:
    context: ./base
app:
  build:
    context: ./app
    args:
      FROM: base
release:
  images: [base, app]
  architectures:
    - amd64
    - [arm64, v8]
`))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}

	if diff := cmp.Diff([]string{"base", "app"}, doc.Images()); diff != "" {
		t.Errorf("Images() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"release"}, doc.Groups()); diff != "" {
		t.Errorf("Groups() mismatch (-want +got):\n%s", diff)
	}

	order := doc.BuildOrder()
	if diff := cmp.Diff([]string{"base", "app"}, order); diff != "" {
		t.Errorf("BuildOrder() mismatch (-want +got):\n%s", diff)
	}

	grp, ok := doc.Group("release")
	if !ok {
		t.Fatalf("Group(release) not found")
	}
	want := []Arch{{Arch: "amd64"}, {Arch: "arm64", Variant: "v8"}}
	if diff := cmp.Diff(want, grp.Architectures); diff != "" {
		t.Errorf("Architectures mismatch (-want +got):\n%s", diff)
	}
}

func TestParseDocumentUnknownEntryShape(t *testing.T) {
	_, err := ParseDocument([]byte(`
mystery:
  foo: bar
`))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v (%T)", err, err)
	}
}

func TestParseDocumentMissingBuildContext(t *testing.T) {
	_, err := ParseDocument([]byte(`
base:
  build: {}
`))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ParseError, got %v (%T)", err, err)
	}
}

func TestSliceTransitiveClosure(t *testing.T) {
	doc, err := ParseDocument([]byte(`
base:
  build:
    context: ./base
app:
  build:
    context: ./app
    args:
      FROM: base
unrelated:
  build:
    context: ./unrelated
`))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}

	sliced, err := doc.Slice("app")
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if diff := cmp.Diff([]string{"base", "app"}, sliced.Images()); diff != "" {
		t.Errorf("Images() mismatch (-want +got):\n%s", diff)
	}

	_, err = doc.Slice("nope")
	var uerr *UnknownIDError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected *UnknownIDError, got %v", err)
	}
}

func TestParametersUnionSorted(t *testing.T) {
	doc, err := ParseDocument([]byte(`
base:
  registry: ${registry}
  build:
    context: ${context_dir}
`))
	if err != nil {
		t.Fatalf("ParseDocument: %v", err)
	}
	got := doc.Parameters()
	want := []string{"context_dir", "name", "registry", "tag"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Parameters() mismatch (-want +got):\n%s", diff)
	}
}
