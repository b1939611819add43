package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// errStale is returned by check so the process exits non-zero after the
// reasons were printed.
var errStale = errors.New("bindings are stale")

var buildFlags struct {
	profile    string
	noBindings bool
	bestEffort bool
	clean      bool
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Locate, build, bind and propagate the native library",
	RunE:  runBuild,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download and extract the pinned source archive",
	RunE:  runFetch,
}

var bindgenCmd = &cobra.Command{
	Use:   "bindgen",
	Short: "Regenerate the Go bindings from an existing build",
	RunE:  runBindgen,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Exit non-zero when the generated bindings are out of date",
	RunE:  runCheck,
}

var cleanFlags struct {
	cache bool
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove the build output and the copied runtime libraries",
	RunE:  runClean,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where the library comes from and what was built",
	RunE:  runStatus,
}

func init() {
	f := buildCmd.Flags()
	f.StringVar(&buildFlags.profile, "profile", "", "Build profile (debug, release, relwithdebinfo, minsizerel)")
	f.BoolVar(&buildFlags.noBindings, "no-bindings", false, "Skip binding generation")
	f.BoolVar(&buildFlags.bestEffort, "best-effort", false, "Warn instead of failing when a runtime artifact cannot be copied")
	f.BoolVar(&buildFlags.clean, "clean", false, "Run the native clean step before building")

	cleanCmd.Flags().BoolVar(&cleanFlags.cache, "cache", false, "Also remove downloaded archives")
}

func runBuild(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}
	if buildFlags.profile != "" {
		cfg.Build.Profile = buildFlags.profile
	}
	if buildFlags.noBindings {
		cfg.Bindings.Disabled = true
	}
	if buildFlags.clean {
		cfg.Build.CleanFirst = true
	}
	if buildFlags.bestEffort {
		cfg.Artifacts.BestEffort = true
	}

	p, err := newPipeline(cfg)
	if err != nil {
		return err
	}
	result, err := p.Run(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), renderResult(result))
	return nil
}

func runFetch(cmd *cobra.Command, _ []string) error {
	p, err := loadPipeline(cmd.Context())
	if err != nil {
		return err
	}
	tree, err := p.Fetch(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tree.Path)
	return nil
}

func runBindgen(cmd *cobra.Command, _ []string) error {
	p, err := loadPipeline(cmd.Context())
	if err != nil {
		return err
	}
	if p.Config.Bindings.Disabled {
		return errors.New("bindings are disabled in the configuration")
	}
	out, err := p.Prebuilt(cmd.Context())
	if err != nil {
		return fmt.Errorf("%w (run 'nativedep build' first)", err)
	}
	_, written, err := p.GenerateBindings(cmd.Context(), out)
	if err != nil {
		return err
	}

	path := p.Config.BindingsPathFor(p.ProjectDir)
	if written {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s unchanged\n", path)
	}
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	p, err := loadPipeline(cmd.Context())
	if err != nil {
		return err
	}
	staleness := p.Check()
	fmt.Fprint(cmd.OutOrStdout(), renderStaleness(staleness))
	if staleness.Stale {
		return errStale
	}
	return nil
}

func runClean(cmd *cobra.Command, _ []string) error {
	p, err := loadPipeline(cmd.Context())
	if err != nil {
		return err
	}
	return p.Clean(cmd.Context(), cleanFlags.cache)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	p, err := loadPipeline(cmd.Context())
	if err != nil {
		return err
	}
	st, err := p.Status()
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), renderStatus(st))
	return nil
}
