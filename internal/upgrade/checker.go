package upgrade

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"upgrade-guard/internal/codepkg"
	"upgrade-guard/internal/collect"
	"upgrade-guard/internal/diagnostic"
	"upgrade-guard/internal/metadata"
	"upgrade-guard/internal/verify"
)

var logger = loggo.GetLogger("upgradeguard.upgrade")

// errTypeFailed stops the remaining verifications once a type fails.
const errTypeFailed = errors.ConstError("type failed verification")

// ManifestReader reads the fields of a service manifest the check needs.
type ManifestReader interface {
	CodePackageName(path string) (string, error)
	Version(path string) (string, error)
	IsStateful(path string) (bool, error)
}

// Options configures a Checker.
type Options struct {
	Manifests ManifestReader
	Collector *collect.Collector
	Verifier  *verify.Verifier
	// Parallelism bounds the number of types verified at once; 1 verifies
	// sequentially.
	Parallelism int
}

// Checker decides whether a service can be upgraded.
type Checker struct {
	manifests   ManifestReader
	collector   *collect.Collector
	verifier    *verify.Verifier
	parallelism int
}

// NewChecker returns a Checker. A nil collector or verifier gets the
// default configuration.
func NewChecker(opts Options) *Checker {
	c := &Checker{
		manifests:   opts.Manifests,
		collector:   opts.Collector,
		verifier:    opts.Verifier,
		parallelism: max(opts.Parallelism, 1),
	}

	if c.collector == nil {
		c.collector = collect.New(collect.Options{Parallelism: c.parallelism})
	}

	if c.verifier == nil {
		c.verifier = verify.New(verify.Options{Extensions: c.collector.Extensions()})
	}

	return c
}

// CanUpgrade returns true if V2 of a service can replace V1 without
// leaving persisted types undefined.
func (c *Checker) CanUpgrade(ctx context.Context, v1Manifest, v2Manifest string) (bool, error) {
	d, err := c.Evaluate(ctx, v1Manifest, v2Manifest)
	if err != nil {
		return false, err
	}

	return d.CanUpgrade, nil
}

// Evaluate runs the upgrade check and returns the full decision.
func (c *Checker) Evaluate(ctx context.Context, v1Manifest, v2Manifest string) (Decision, error) {
	var d Decision

	var err error

	if d.V1Version, err = c.manifests.Version(v1Manifest); err != nil {
		return Decision{}, errors.Trace(err)
	}

	if d.V2Version, err = c.manifests.Version(v2Manifest); err != nil {
		return Decision{}, errors.Trace(err)
	}

	if d.V1Version == d.V2Version {
		logger.Infof("versions are equal (%s), no upgrade", d.V1Version)

		return c.allow(d, ReasonSameVersion), nil
	}

	v2Types, err := c.persistedTypes(ctx, v2Manifest, &d.Diagnostics)
	if err != nil {
		return Decision{}, err
	}

	if v2Types.IsEmpty() {
		return c.allow(d, ReasonNoPersistedTypes), nil
	}

	v1Dir, err := c.packagePath(v1Manifest)
	if err != nil {
		return Decision{}, err
	}

	v1Files, err := codepkg.Files(v1Dir, c.collector.Extensions())
	if err != nil {
		return Decision{}, errors.Trace(err)
	}

	types := v2Types.Sorted()

	if r, ok := c.missingModule(types, v1Files); ok {
		d.Results = []verify.Result{r}

		return c.deny(d, r), nil
	}

	results, ok, err := c.VerifyTypes(ctx, types, v1Files)
	if err != nil {
		return Decision{}, err
	}

	d.Results = results
	if !ok {
		r, _ := d.Failure()

		return c.deny(d, r), nil
	}

	return c.allow(d, ReasonCompatible), nil
}

// VerifyTypes verifies types against v1Files and reports whether every
// one of them passed. Verification stops at the first failure; the
// results of the types verified so far are returned in the order of types.
func (c *Checker) VerifyTypes(ctx context.Context, types []metadata.TypeDescriptor, v1Files []string) ([]verify.Result, bool, error) {
	results := make([]*verify.Result, len(types))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)

	for i, t := range types {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			r := c.verifier.Verify(t, v1Files)
			results[i] = &r

			if !r.OK() {
				return errTypeFailed
			}

			return nil
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, errTypeFailed) {
		return nil, false, errors.Trace(err)
	}

	if err == nil {
		if err := ctx.Err(); err != nil {
			return nil, false, errors.Trace(err)
		}
	}

	done := make([]verify.Result, 0, len(types))
	for _, r := range results {
		if r != nil {
			done = append(done, *r)
		}
	}

	return done, err == nil, nil
}

// missingModule returns the first non-platform type no V1 file is expected
// to define.
func (c *Checker) missingModule(types []metadata.TypeDescriptor, v1Files []string) (verify.Result, bool) {
	for _, t := range types {
		if c.verifier.IsPlatform(t.Scope) || c.verifier.HasDefiningModule(t, v1Files) {
			continue
		}

		return c.verifier.Verify(t, v1Files), true
	}

	return verify.Result{}, false
}

// persistedTypes collects the types persisted by the service of manifest.
func (c *Checker) persistedTypes(ctx context.Context, manifest string, diags *diagnostic.Diagnostics) (collect.TypeSet, error) {
	stateful, err := c.manifests.IsStateful(manifest)
	if err != nil {
		return collect.TypeSet{}, errors.Trace(err)
	}

	dir, err := c.packagePath(manifest)
	if err != nil {
		return collect.TypeSet{}, err
	}

	report, err := c.collector.CollectReport(ctx, dir, stateful)
	if err != nil {
		return collect.TypeSet{}, errors.Trace(err)
	}

	diags.Merge(report.Diagnostics)

	return report.Types, nil
}

func (c *Checker) packagePath(manifest string) (string, error) {
	name, err := c.manifests.CodePackageName(manifest)
	if err != nil {
		return "", errors.Trace(err)
	}

	return codepkg.Path(manifest, name), nil
}

func (c *Checker) allow(d Decision, reason Reason) Decision {
	d.CanUpgrade = true
	d.Reason = reason
	logger.Infof("can upgrade %s -> %s: %s", d.V1Version, d.V2Version, reason)

	return d
}

func (c *Checker) deny(d Decision, failed verify.Result) Decision {
	d.CanUpgrade = false
	d.Reason = reasonFor(failed.Verdict)
	d.Diagnostics.AddError(failed.Verdict.String(), failed.Reason, failed.Module, failed.Type.FullName())
	logger.Infof("cannot upgrade %s -> %s: %s", d.V1Version, d.V2Version, failed)

	return d
}
