package nativedep

import (
	"context"
	"fmt"
	"path/filepath"
)

// ArchiveFetcher supplies a SourceTree from a remote archive.
// *Fetcher is the production implementation.
type ArchiveFetcher interface {
	Fetch(ctx context.Context, spec RemoteArchiveSpec) (SourceTree, error)
}

// Locator decides where the native source comes from.
//
// A local checkout at ProjectDir/LocalPath always wins. The archive is only
// fetched when that directory carries no build-description file the factory
// recognizes.
type Locator struct {
	ProjectDir string
	LocalPath  string
	Archive    RemoteArchiveSpec
	Factory    *BuilderFactory
	Fetcher    ArchiveFetcher
}

// LocalCandidate returns the directory checked for a local checkout.
func (l *Locator) LocalCandidate() string {
	if filepath.IsAbs(l.LocalPath) {
		return l.LocalPath
	}
	return filepath.Join(l.ProjectDir, l.LocalPath)
}

// Locate returns the source tree to build.
func (l *Locator) Locate(ctx context.Context) (SourceTree, error) {
	factory := l.Factory
	if factory == nil {
		factory = NewBuilderFactory()
	}

	candidate := l.LocalCandidate()
	if buildFile, ok := factory.Detect(candidate); ok {
		path, err := canonicalPath(candidate)
		if err != nil {
			return SourceTree{}, stageError(StageLocate, ErrLocalSourceInvalid, err, "canonicalize %s", candidate)
		}
		return SourceTree{Path: path, BuildFile: buildFile, Origin: OriginLocal}, nil
	}

	if l.Fetcher == nil {
		return SourceTree{}, stageError(StageLocate, ErrLocalSourceInvalid,
			fmt.Errorf("no build-description file in %s and no archive fetcher configured", candidate), "locate")
	}

	tree, err := l.Fetcher.Fetch(ctx, l.Archive)
	if err != nil {
		return SourceTree{}, err
	}
	if tree.BuildFile == "" {
		if buildFile, ok := factory.Detect(tree.Path); ok {
			tree.BuildFile = buildFile
		}
	}
	return tree, nil
}

// canonicalPath returns an absolute path with every symlink resolved.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
