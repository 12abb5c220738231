package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"upgrade-guard/internal/collect"
	"upgrade-guard/internal/config"
	"upgrade-guard/internal/manifest"
	"upgrade-guard/internal/upgrade"
	"upgrade-guard/internal/verify"
)

const manifestExtension = ".xml"

var logger = loggo.GetLogger("upgradeguard.cli")

// runCheck validates the input, runs the upgrade check and reports the
// decision. Nothing is checked unless both manifests are valid input.
func runCheck(ctx context.Context, opts *RootOptions, args []string, out, errOut io.Writer) error {
	f := &OutputFormatter{Format: opts.Format, Writer: out, Verbose: opts.Verbose}

	if len(args) != 2 {
		_ = f.Error(ErrCodeArguments, fmt.Sprintf("expected 2 arguments, the V1 and V2 service manifests, got %d", len(args)))

		return NewExitError(ExitCommandError, "")
	}

	for i, path := range args {
		if err := checkManifestPath(path); err != nil {
			_ = f.Error(ErrCodeInput, fmt.Sprintf("V%d manifest %s: %v", i+1, path, err))

			return NewExitError(ExitCommandError, "")
		}
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error())

		return NewExitError(ExitCommandError, "")
	}

	level := cfg.Level()
	if opts.Verbose {
		level = loggo.DEBUG
	}

	if err := configureLogging(errOut, level); err != nil {
		return WrapExitError(ExitCommandError, "configuring logging", err)
	}

	logger.Debugf("checking %s -> %s with parallelism %d", args[0], args[1], cfg.Parallelism)

	d, err := newChecker(cfg).Evaluate(ctx, args[0], args[1])
	if err != nil {
		_ = f.Error(ErrCodeCheck, err.Error())

		return NewExitError(ExitCommandError, "")
	}

	if err := f.Decision(d); err != nil {
		return WrapExitError(ExitCommandError, "writing output", err)
	}

	if !d.CanUpgrade {
		return NewExitError(ExitFailure, "")
	}

	return nil
}

// checkManifestPath accepts existing regular files with the .xml extension.
func checkManifestPath(path string) error {
	if !strings.EqualFold(filepath.Ext(path), manifestExtension) {
		return errors.Errorf("not an %s file", manifestExtension)
	}

	info, err := os.Stat(path)
	if err != nil {
		return errors.New("file not found")
	}

	if !info.Mode().IsRegular() {
		return errors.New("not a regular file")
	}

	return nil
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg := config.Default()

	if opts.Config != "" {
		var err error
		if cfg, err = config.LoadFile(opts.Config); err != nil {
			return nil, err
		}
	}

	if opts.Parallelism > 0 {
		cfg.Parallelism = opts.Parallelism
	}

	return cfg, nil
}

func newChecker(cfg *config.Config) *upgrade.Checker {
	collector := collect.New(collect.Options{
		Pattern:     cfg.Pattern(),
		Extensions:  cfg.Extensions(),
		Parallelism: cfg.Parallelism,
	})

	verifier := verify.New(verify.Options{
		IsPlatform: verify.TokenAllowList(cfg.Tokens()),
		Extensions: cfg.Extensions(),
		Match:      cfg.Match(),
	})

	return upgrade.NewChecker(upgrade.Options{
		Manifests:   manifest.Reader{},
		Collector:   collector,
		Verifier:    verifier,
		Parallelism: cfg.Parallelism,
	})
}

// configureLogging sends log output to w at level and above.
func configureLogging(w io.Writer, level loggo.Level) error {
	// A previous run or loggo.ResetLogging may have dropped the default writer.
	_, _ = loggo.RemoveWriter(loggo.DefaultWriterName)
	if err := loggo.RegisterWriter(loggo.DefaultWriterName, loggo.NewSimpleWriter(w, loggo.DefaultFormatter)); err != nil {
		return errors.Trace(err)
	}

	return loggo.ConfigureLoggers("<root>=" + level.String())
}
