package collect

import (
	"context"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"upgrade-guard/internal/codepkg"
	"upgrade-guard/internal/diagnostic"
	"upgrade-guard/internal/il"
	"upgrade-guard/internal/metadata"
)

var logger = loggo.GetLogger("upgradeguard.collect")

// Options configures a Collector.
type Options struct {
	// Pattern identifies calls to the persistence API.
	Pattern il.Pattern
	// Extensions are the module file extensions, with the leading dot.
	Extensions set.Strings
	// Parallelism bounds the number of modules scanned at once; 1 scans
	// sequentially.
	Parallelism int
}

// Report is the outcome of collecting a code package.
type Report struct {
	Types       TypeSet
	Scanned     []string // modules that reference the persistence API
	Skipped     []string // files that are not managed modules or never reference the API
	Diagnostics diagnostic.Diagnostics
}

// Collector gathers the persisted types of a code package.
type Collector struct {
	opts Options
}

// New returns a Collector. Missing options take their defaults.
func New(opts Options) *Collector {
	if opts.Pattern == (il.Pattern{}) {
		opts.Pattern = il.DefaultPattern
	}

	if opts.Extensions == nil || opts.Extensions.IsEmpty() {
		opts.Extensions = set.NewStrings(".dll", ".exe")
	}

	opts.Parallelism = max(opts.Parallelism, 1)

	return &Collector{opts: opts}
}

// Extensions returns the module file extensions the collector scans.
func (c *Collector) Extensions() set.Strings {
	return c.opts.Extensions
}

// Collect returns the types persisted by the modules under dir. Stateless
// services persist nothing, so dir is not read at all when isStateful is false.
func (c *Collector) Collect(ctx context.Context, dir string, isStateful bool) (TypeSet, error) {
	report, err := c.CollectReport(ctx, dir, isStateful)
	if err != nil {
		return TypeSet{}, err
	}

	return report.Types, nil
}

// CollectReport is Collect with the per-module details.
func (c *Collector) CollectReport(ctx context.Context, dir string, isStateful bool) (Report, error) {
	if !isStateful {
		logger.Debugf("%s: stateless service, nothing persisted", dir)

		return Report{}, nil
	}

	files, err := codepkg.Files(dir, c.opts.Extensions)
	if err != nil {
		return Report{}, errors.Trace(err)
	}

	report, err := c.CollectFiles(ctx, files)
	if err != nil {
		return Report{}, errors.Annotatef(err, "collecting %s", dir)
	}

	logger.Infof("%s: %d persisted types in %d of %d modules", dir, report.Types.Len(), len(report.Scanned), len(files))

	return report, nil
}

// moduleResult is what a single worker hands back.
type moduleResult struct {
	types       TypeSet
	scanned     bool
	diagnostics diagnostic.Diagnostics
}

// CollectFiles scans the given module files. Results are folded in the
// order of files whatever the parallelism.
func (c *Collector) CollectFiles(ctx context.Context, files []string) (Report, error) {
	results := make([]moduleResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallelism)

	for i, path := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			r, err := c.collectModule(path)
			if err != nil {
				return err
			}

			results[i] = r

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Report{}, errors.Trace(err)
	}

	var report Report

	for i, r := range results {
		report.Types = report.Types.Union(r.types)
		report.Diagnostics.Merge(r.diagnostics)

		if r.scanned {
			report.Scanned = append(report.Scanned, files[i])
		} else {
			report.Skipped = append(report.Skipped, files[i])
		}
	}

	return report, nil
}

// collectModule loads one module and scans every method body.
func (c *Collector) collectModule(path string) (moduleResult, error) {
	var r moduleResult

	m, err := metadata.Open(path)
	if errors.Is(err, metadata.ErrNotAModule) {
		logger.Debugf("skipping %s: %v", path, err)
		r.diagnostics.AddInfo(diagnostic.CodeNotAModule, err.Error(), path, "")

		return r, nil
	}

	if err != nil {
		return r, errors.Trace(err)
	}

	defer func() { _ = m.Close() }()

	if !m.HasTypeReference(c.opts.Pattern.DeclaringType) {
		logger.Debugf("skipping %s: no reference to %s", path, c.opts.Pattern.DeclaringType)
		r.diagnostics.AddInfo(diagnostic.CodeNoPersistenceAPI,
			"no reference to "+c.opts.Pattern.DeclaringType, path, "")

		return r, nil
	}

	r.scanned = true
	scanner := il.NewScanner(m, c.opts.Pattern)

	for method := range m.Methods() {
		if !method.HasBody() {
			continue
		}

		seq, err := scanner.Scan(method)
		if err != nil {
			logger.Warningf("%s: skipping %s: %v", path, method, err)
			r.diagnostics.AddWarning(diagnostic.CodeMalformedBody, err.Error(), path, method.DeclaringType.FullName())

			continue
		}

		r.types = r.types.Union(FromSeq(seq))
	}

	logger.Debugf("%s: %d persisted types", path, r.types.Len())

	return r, nil
}
