package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sloretz/buildalot/internal/bind"
	"github.com/sloretz/buildalot/internal/buildah"
	"github.com/sloretz/buildalot/internal/cohesive"
	"github.com/sloretz/buildalot/internal/history"
	"github.com/sloretz/buildalot/internal/oci"
	"github.com/sloretz/buildalot/internal/telemetry"
	"github.com/sloretz/buildalot/internal/template"
	"github.com/sloretz/buildalot/internal/work"
	"github.com/sloretz/buildalot/version"
)

type BuildCmd struct {
	ThingToBuild string `arg:"" help:"id of the top-level image or group to build"`

	Parameter      []string `short:"p" placeholder:"<NAME=VALUE>" help:"supply a value for a templated parameter (repeatable)"`
	Config         string   `default:"buildalot.yaml" placeholder:"<path>" help:"the input build document"`
	Push           bool     `help:"push built images and manifests, pruning per-arch pushes a manifest push already carries"`
	DryRun         bool     `help:"print each buildah command instead of running it"`
	NativeArchOnly bool     `help:"override any document architecture list with native-arch-only"`
	Debug          bool     `help:"print the bound config, OCI graph, and work graph before executing"`
	Concurrency    int64    `default:"0" help:"max concurrent work items (0 = number of CPUs)"`
	HistoryDB      string   `placeholder:"<path>" help:"optional sqlite database recording every executed command"`
}

var paramFlagRegex = regexp.MustCompile(`^([A-Za-z0-9_-]+)=(.*)$`)

func parseParameters(raw []string) ([]template.Arg, error) {
	args := make([]template.Arg, 0, len(raw))
	for _, p := range raw {
		m := paramFlagRegex.FindStringSubmatch(p)
		if m == nil {
			return nil, fmt.Errorf("invalid --parameter %q: must be NAME=VALUE", p)
		}
		args = append(args, template.Arg{Name: m[1], Value: m[2]})
	}
	return args, nil
}

func (c *BuildCmd) Run(cctx *Context) error {
	ctx := context.Background()
	slog.InfoContext(ctx, "build starting", "run_id", cctx.RunID, "thing_to_build", c.ThingToBuild, "push", c.Push, "dry_run", c.DryRun)

	tracer, shutdownTelemetry, err := telemetry.Setup(ctx, version.Get().GitCommit)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer shutdownTelemetry(ctx)

	data, err := os.ReadFile(c.Config)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.Config, err)
	}

	_, span := tracer.Start(ctx, "parse")
	doc, err := template.ParseDocument(data)
	span.End()
	if err != nil {
		return fmt.Errorf("parsing %s: %w", c.Config, err)
	}

	_, span = tracer.Start(ctx, "slice")
	doc, err = doc.Slice(c.ThingToBuild)
	span.End()
	if err != nil {
		return fmt.Errorf("slicing %s out of %s: %w", c.ThingToBuild, c.Config, err)
	}

	params, err := parseParameters(c.Parameter)
	if err != nil {
		return err
	}
	declared := map[string]bool{}
	for _, name := range doc.Parameters() {
		declared[name] = true
	}
	for _, a := range params {
		if !declared[a.Name] {
			return fmt.Errorf("--parameter %s is not used by anything reachable from %s", a.Name, c.ThingToBuild)
		}
	}

	cliSource := bind.BindSource{SourceName: "command-line", Arguments: params}
	if c.NativeArchOnly {
		cliSource.ArchitecturesSet = true
		cliSource.Architectures = nil
	}

	_, span = tracer.Start(ctx, "bind")
	bc, err := bind.NewBinder().Bind(doc, cliSource)
	span.End()
	if err != nil {
		return fmt.Errorf("binding: %w", err)
	}

	if c.Debug {
		dumpDebug(os.Stderr, bc)
	}

	_, span = tracer.Start(ctx, "lower")
	ociGraph, err := oci.Lower(bc)
	span.End()
	if err != nil {
		return fmt.Errorf("lowering plan: %w", err)
	}
	if c.Debug {
		fmt.Fprintln(os.Stderr, ociGraph.Dot())
	}

	var historyStore *history.Store
	if c.HistoryDB != "" {
		historyStore, err = history.Open(c.HistoryDB)
		if err != nil {
			return fmt.Errorf("opening history db: %w", err)
		}
		defer historyStore.Close()
	}

	opts := buildah.Options{
		Push:   c.Push,
		DryRun: c.DryRun,
		Output: cohesive.NewRegistry(os.Stdout),
	}
	if historyStore != nil {
		opts.OnComplete = func(argv []string, runErr error) {
			now := time.Now()
			if err := historyStore.Insert(ctx, history.Record{
				RunID:       cctx.RunID,
				Command:     strings.Join(argv, " "),
				Fingerprint: history.Fingerprint(argv),
				Succeeded:   runErr == nil,
				StartedAt:   now,
				FinishedAt:  now,
			}); err != nil {
				slog.ErrorContext(ctx, "failed to record history row", "error", err)
			}
		}
	}

	workGraph := buildah.BuildGraph(ociGraph, opts)
	if c.Debug {
		fmt.Fprintln(os.Stderr, workGraph.Dot())
	}

	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = int64(runtime.NumCPU())
	}

	started := time.Now()
	execCtx, span := tracer.Start(ctx, "execute")
	runErr := work.NewExecutor(workGraph, concurrency).Run(execCtx)
	span.End()

	count := len(workGraph.Nodes())
	summary := fmt.Sprintf("%s: %s work items, started %s", c.ThingToBuild, humanize.Comma(int64(count)), humanize.Time(started))
	if runErr != nil {
		slog.ErrorContext(ctx, "build failed", "summary", summary, "error", runErr)
		return runErr
	}
	slog.InfoContext(ctx, "build succeeded", "summary", summary)
	fmt.Println(summary)
	return nil
}

func dumpDebug(w io.Writer, bc *bind.BoundConfig) {
	for _, id := range bc.BuildOrder() {
		img := bc.GetImage(id)
		fmt.Fprintf(w, "--- %s ---\n", id)
		fmt.Fprintf(w, "fully_qualified_name: %s\n", img.FullyQualifiedName())
		printBoundValue(w, "registry", img.Debug.Registry)
		printBoundValue(w, "name", img.Debug.Name)
		printBoundValue(w, "tag", img.Debug.Tag)
		printBoundValue(w, "build_context", img.Debug.BuildContext)
		if img.Debug.ArchSource != "" {
			fmt.Fprintf(w, "architectures from: %s\n", img.Debug.ArchSource)
		}
		for _, arg := range img.Args {
			for name, bv := range img.Debug.Args[arg.Name] {
				fmt.Fprintf(w, "  arg %s (${%s}) <- %s: %q\n", arg.Name, name, bv.SourceName, bv.Value)
			}
		}
	}
}

func printBoundValue(w io.Writer, field string, bv bind.BoundValue) {
	if bv.SourceName == "" {
		return
	}
	fmt.Fprintf(w, "%s <- %s: %q\n", field, bv.SourceName, bv.Value)
}
