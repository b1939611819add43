//go:build mage

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/rs/zerolog"

	"github.com/contriboss/nativedep-go"
)

// Default target when mage runs without arguments.
var Default = Build

func pipeline(ctx context.Context) (*nativedep.Pipeline, error) {
	path := ""
	if _, err := os.Stat(nativedep.ConfigFileName); err == nil {
		path = nativedep.ConfigFileName
	}
	cfg, err := nativedep.LoadConfig(ctx, path)
	if err != nil {
		return nil, err
	}

	level := zerolog.InfoLevel
	if mg.Verbose() {
		level = zerolog.DebugLevel
		cfg.Build.Verbose = true
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
	return nativedep.NewPipeline(cfg, ".", logger)
}

// Build resolves and builds the native library, then regenerates bindings.
func Build(ctx context.Context) error {
	p, err := pipeline(ctx)
	if err != nil {
		return err
	}
	_, err = p.Run(ctx)
	return err
}

// Fetch downloads the pinned source archive into the cache.
func Fetch(ctx context.Context) error {
	p, err := pipeline(ctx)
	if err != nil {
		return err
	}
	tree, err := p.Fetch(ctx)
	if err != nil {
		return err
	}
	fmt.Println(tree.Path)
	return nil
}

// Check fails when the generated bindings are out of date.
func Check(ctx context.Context) error {
	p, err := pipeline(ctx)
	if err != nil {
		return err
	}
	if s := p.Check(); s.Stale {
		return mg.Fatal(1, "bindings are stale: "+s.String())
	}
	return nil
}

// Clean removes the build output, copied runtime libraries and the archive cache.
func Clean(ctx context.Context) error {
	p, err := pipeline(ctx)
	if err != nil {
		return err
	}
	return p.Clean(ctx, true)
}

// Test runs the unit tests.
func Test() error {
	args := []string{"test", "./..."}
	if mg.Verbose() {
		args = append(args, "-v")
	}
	return sh.RunV(mg.GoCmd(), args...)
}

// Install builds the nativedep command into $GOBIN.
func Install() error {
	mg.Deps(Test)
	return sh.RunV(mg.GoCmd(), "install", "./cmd/nativedep")
}

// CI verifies bindings are current and the tests pass.
func CI(ctx context.Context) error {
	mg.CtxDeps(ctx, Build)
	var errs []error
	if err := Check(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := Test(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
