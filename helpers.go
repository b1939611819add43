package nativedep

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// MatchesPattern reports whether filename matches any of the regex patterns.
// Invalid patterns are skipped.
//
//	MatchesPattern("CMakeLists.txt", `^CMakeLists\.txt$`) // true
func MatchesPattern(filename string, patterns ...string) bool {
	for _, pattern := range patterns {
		if matched, _ := regexp.MatchString(pattern, filename); matched {
			return true
		}
	}
	return false
}

// MatchesExtension reports whether filename ends with any of the extensions,
// ignoring case. Extensions may be given with or without the leading dot.
func MatchesExtension(filename string, extensions ...string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, strings.ToLower(ext)) {
			return true
		}
	}
	return false
}

// BuildError formats a native build failure together with the tool output.
//
// With error and output:
//
//	CMake build failed: exit status 1
//
//	Build output:
//	-- The C compiler identification is unknown
//	CMake Error: CMAKE_C_COMPILER not set
//
// Without output only the first line is returned. The returned error wraps
// err so exec.ExitError stays reachable through errors.As.
func BuildError(builder string, output []string, err error) error {
	outputStr := strings.TrimSpace(strings.Join(output, "\n"))

	if err == nil {
		if outputStr != "" {
			return fmt.Errorf("%s build failed\n\nBuild output:\n%s", builder, outputStr)
		}
		return fmt.Errorf("%s build failed", builder)
	}

	if outputStr != "" {
		return fmt.Errorf("%s build failed: %w\n\nBuild output:\n%s", builder, err, outputStr)
	}
	return fmt.Errorf("%s build failed: %w", builder, err)
}

// copyFile copies srcPath to destPath, creating parent directories and
// keeping the source file mode. Copying a file onto itself is a no-op.
func copyFile(srcPath, destPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return err
	}
	if destInfo, statErr := os.Stat(destPath); statErr == nil && os.SameFile(info, destInfo) {
		return nil
	}

	if mkErr := os.MkdirAll(filepath.Dir(destPath), 0o755); mkErr != nil {
		return mkErr
	}

	in, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	var result []string

	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}

	return result
}

// writeFileAtomic replaces path with data through a temporary file in the
// same directory, so readers never observe a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
