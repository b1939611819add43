package nativedep

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ArtifactManifestName is the file, in the destination directory, that
// records which runtime artifacts the last run copied there.
const ArtifactManifestName = ".nativedep-artifacts.yaml"

// DefaultArtifactLevels is how far above the output root the final binary's
// directory sits in the default layout (<project>/.nativedep/target/<profile>).
const DefaultArtifactLevels = 3

// ArtifactOptions controls where runtime artifacts are copied.
type ArtifactOptions struct {
	// OutDir is the build output root the destination is derived from.
	OutDir string

	// Levels is the number of parent directories to ascend from OutDir.
	Levels int

	// Dest overrides the derived destination when set.
	Dest string

	// BestEffort turns copy failures into warnings.
	BestEffort bool

	Logger zerolog.Logger
}

// CopiedArtifact is one entry of the copy manifest.
type CopiedArtifact struct {
	Source string
	Dest   string
}

// ArtifactReport describes what PropagateArtifacts did.
type ArtifactReport struct {
	Dest    string
	Copied  []CopiedArtifact
	Failed  []string // sources skipped in best-effort mode
	Removed []string // stale artifacts deleted from Dest
}

type artifactManifest struct {
	Version   int      `yaml:"version"`
	Artifacts []string `yaml:"artifacts"`
}

// ArtifactDestination ascends levels parent directories from outDir.
func ArtifactDestination(outDir string, levels int) string {
	dest := filepath.Clean(outDir)
	for i := 0; i < levels; i++ {
		dest = filepath.Dir(dest)
	}
	return dest
}

func (o ArtifactOptions) destination() string {
	if o.Dest != "" {
		return filepath.Clean(o.Dest)
	}
	return ArtifactDestination(o.OutDir, o.Levels)
}

// CollectArtifacts returns every runtime artifact under binDir, recursively,
// in lexical order. A missing binDir yields no artifacts.
func CollectArtifacts(binDir string) ([]string, error) {
	if !fileExists(binDir) {
		return nil, nil
	}

	var found []string
	err := filepath.WalkDir(binDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !IsRuntimeArtifact(path) {
			return nil
		}
		// Versioned libraries are often symlinks; copy what they point at.
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		found = append(found, path)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(found)
	return found, nil
}

// PropagateArtifacts copies the runtime artifacts of a finished build next
// to the final binary.
//
// Files are flattened to their base name. Only extensions on the runtime
// allow-list are copied; everything else under BinDir is ignored. Artifacts a
// previous run copied that are no longer produced are removed from the
// destination.
func PropagateArtifacts(out *BuildOutput, opts ArtifactOptions) (*ArtifactReport, error) {
	if opts.Levels < 0 {
		return nil, stageError(StageArtifacts, ErrArtifactCopyFailure, fmt.Errorf("negative levels %d", opts.Levels), "resolve destination")
	}

	dest := opts.destination()
	report := &ArtifactReport{Dest: dest}
	log := opts.Logger.With().Str("dest", dest).Logger()

	sources, err := CollectArtifacts(out.BinDir)
	if err != nil {
		return report, stageError(StageArtifacts, ErrArtifactCopyFailure, err, "scan %s", out.BinDir)
	}

	var names []string
	for _, src := range sources {
		name := filepath.Base(src)
		target := filepath.Join(dest, name)

		if err := copyFile(src, target); err != nil {
			if !opts.BestEffort {
				return report, stageError(StageArtifacts, ErrArtifactCopyFailure, err, "copy %s", src)
			}
			log.Warn().Err(err).Str("artifact", src).Msg("skipping runtime artifact")
			report.Failed = append(report.Failed, src)
			continue
		}

		log.Debug().Str("artifact", name).Msg("copied runtime artifact")
		report.Copied = append(report.Copied, CopiedArtifact{Source: src, Dest: target})
		names = append(names, name)
	}
	names = uniqueStrings(names)

	removed, err := syncArtifactManifest(dest, names)
	report.Removed = removed
	if err != nil {
		if !opts.BestEffort {
			return report, stageError(StageArtifacts, ErrArtifactCopyFailure, err, "update %s", ArtifactManifestName)
		}
		log.Warn().Err(err).Msg("artifact manifest not updated")
	}

	return report, nil
}

// syncArtifactManifest removes artifacts recorded by the previous run but
// absent from names, then records names.
func syncArtifactManifest(dest string, names []string) ([]string, error) {
	manifestPath := filepath.Join(dest, ArtifactManifestName)

	previous, err := readArtifactManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	current := make(map[string]struct{}, len(names))
	for _, name := range names {
		current[name] = struct{}{}
	}

	var removed []string
	for _, name := range previous.Artifacts {
		if _, ok := current[name]; ok {
			continue
		}
		// Only plain file names written by this package are eligible.
		if name != filepath.Base(name) || strings.HasPrefix(name, ".") || !IsRuntimeArtifact(name) {
			continue
		}
		if err := os.Remove(filepath.Join(dest, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		removed = append(removed, name)
	}

	if len(names) == 0 {
		if err := os.Remove(manifestPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, err
		}
		return removed, nil
	}

	data, err := yaml.Marshal(artifactManifest{Version: 1, Artifacts: names})
	if err != nil {
		return removed, err
	}
	return removed, writeFileAtomic(manifestPath, data, 0o644)
}

func readArtifactManifest(path string) (artifactManifest, error) {
	var manifest artifactManifest
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return manifest, nil
	}
	if err != nil {
		return manifest, err
	}
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return manifest, fmt.Errorf("parse %s: %w", path, err)
	}
	return manifest, nil
}
