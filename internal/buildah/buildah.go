// Package buildah materializes an oci.Graph into a work.Graph of concrete
// "buildah" command invocations: a build per image node, a
// create/add[/push] sequence per manifest node, with per-arch pushes
// pruned when a manifest push already carries that image.
package buildah

import (
	"fmt"
	"sort"

	"github.com/sloretz/buildalot/internal/cohesive"
	"github.com/sloretz/buildalot/internal/oci"
	"github.com/sloretz/buildalot/internal/work"
)

const (
	defaultRetryAttempts = 5
	retryMultiplier      = 15.0
	retryExponent        = 2.0
	retryConstant        = 5.0
)

// Options configures how commands are materialized and run.
type Options struct {
	Push   bool
	DryRun bool
	Output *cohesive.Registry
	// OnComplete, if set, is attached to every ExecuteCommand's
	// OnComplete hook (used to record build-history rows).
	OnComplete func(argv []string, err error)
}

// BuildGraph converts every OCI operation into a work.Graph of buildah
// invocations, wiring the cross-image "downstream" edges onto whichever
// node is actually the last thing to happen to the upstream image: its
// push if one exists, otherwise its build (or, for a manifest, its last
// add).
func BuildGraph(g *oci.Graph, opts Options) *work.Graph {
	wg := work.NewGraph()

	buildNodes := map[string]work.Work{}
	downstream := map[string]work.Work{}
	memberOf := map[string]string{}

	order := g.Order()

	for _, fqn := range order {
		if m, ok := g.Manifest(fqn); ok {
			for _, member := range m.Members {
				memberOf[member] = fqn
			}
		}
	}

	for _, fqn := range order {
		img, ok := g.Image(fqn)
		if !ok {
			continue
		}
		bud := newBud(fqn, img, opts)
		wg.AddNode(bud)
		buildNodes[fqn] = bud
		downstream[fqn] = bud
	}

	for _, fqn := range order {
		m, ok := g.Manifest(fqn)
		if !ok {
			continue
		}
		create := newManifestCreate(fqn, opts)
		wg.AddNode(create)

		var adds []work.Work
		var lastAdd work.Work = create
		for _, member := range m.Members {
			add := newManifestAdd(fqn, member, opts)
			wg.AddNode(add, lastAdd, buildNodes[member])
			adds = append(adds, add)
			lastAdd = add
		}
		downstream[fqn] = lastAdd

		if opts.Push {
			push := newManifestPush(fqn, opts)
			wg.AddNode(push, adds...)
			downstream[fqn] = push
		}
	}

	for _, fqn := range order {
		if _, ok := g.Image(fqn); !ok || !opts.Push {
			continue
		}
		if _, isMember := memberOf[fqn]; isMember {
			continue // carried by the manifest's own push instead
		}
		push := newPush(fqn, opts)
		wg.AddNode(push, buildNodes[fqn])
		downstream[fqn] = push
	}

	for _, fqn := range order {
		if _, ok := g.Image(fqn); !ok {
			continue
		}
		deps := g.DependenciesOf(fqn)
		sort.Strings(deps)
		for _, dep := range deps {
			if target, ok := downstream[dep]; ok {
				wg.AddNode(buildNodes[fqn], target)
			}
		}
	}

	return wg
}

func newBud(fqn string, img *oci.Image, opts Options) work.Work {
	argv := []string{"buildah", "bud", "-t", fqn}
	names := make([]string, 0, len(img.Args))
	for name := range img.Args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		argv = append(argv, "--build-arg", fmt.Sprintf("%s=%s", name, img.Args[name]))
	}
	if img.Platform != nil {
		argv = append(argv, "--arch", img.Platform.Architecture)
		if img.Platform.Variant != "" {
			argv = append(argv, "--variant", img.Platform.Variant)
		}
	}

	cmd := &work.ExecuteCommand{Argv: argv, Dir: img.BuildContext, DryRun: opts.DryRun, Output: opts.Output, OnComplete: opts.OnComplete}
	return retried(cmd)
}

func newPush(fqn string, opts Options) work.Work {
	cmd := &work.ExecuteCommand{
		Argv:       []string{"buildah", "push", fqn},
		DryRun:     opts.DryRun,
		Output:     opts.Output,
		OnComplete: opts.OnComplete,
	}
	return retried(cmd)
}

func newManifestCreate(fqn string, opts Options) work.Work {
	return &work.ExecuteCommand{
		Argv:       []string{"buildah", "manifest", "create", fqn},
		DryRun:     opts.DryRun,
		Output:     opts.Output,
		OnComplete: opts.OnComplete,
	}
}

func newManifestAdd(manifestFQN, memberFQN string, opts Options) work.Work {
	return &work.ExecuteCommand{
		Argv:       []string{"buildah", "manifest", "add", manifestFQN, memberFQN},
		DryRun:     opts.DryRun,
		Output:     opts.Output,
		OnComplete: opts.OnComplete,
	}
}

func newManifestPush(fqn string, opts Options) work.Work {
	cmd := &work.ExecuteCommand{
		Argv:       []string{"buildah", "manifest", "push", "--all", fqn},
		DryRun:     opts.DryRun,
		Output:     opts.Output,
		OnComplete: opts.OnComplete,
	}
	return retried(cmd)
}

func retried(cmd *work.ExecuteCommand) work.Work {
	return work.NewRetry(cmd, defaultRetryAttempts, retryMultiplier, retryExponent, retryConstant)
}
