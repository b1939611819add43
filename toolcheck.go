package nativedep

import (
	"fmt"
	"os/exec"
	"strings"
)

// execLookPath is exec.LookPath; tests replace it.
var execLookPath = exec.LookPath

// ToolChecker is implemented by builders that depend on external programs.
//
// The factory calls CheckTools before Build so a missing cmake or compiler is
// reported as such instead of as an opaque exec failure:
//
//	if checker, ok := builder.(ToolChecker); ok {
//	    if err := checker.CheckTools(); err != nil {
//	        return fmt.Errorf("build tools missing: %w", err)
//	    }
//	}
type ToolChecker interface {
	// RequiredTools lists the programs this builder runs.
	RequiredTools() []ToolRequirement

	// CheckTools returns an error naming every missing required tool.
	CheckTools() error
}

// ToolRequirement describes one program a builder needs.
//
//	ToolRequirement{Name: "cc", Alternatives: []string{"gcc", "clang", "cl"}, Purpose: "C compiler"}
type ToolRequirement struct {
	Name         string   // Primary binary name
	Alternatives []string // Any of these satisfies the requirement as well
	Optional     bool     // Missing optional tools never fail the check
	Purpose      string   // Shown in error messages
}

// CheckToolAvailable returns an error if tool is not in PATH.
func CheckToolAvailable(tool string) error {
	if _, err := execLookPath(tool); err != nil {
		return fmt.Errorf("%s not found in PATH", tool)
	}
	return nil
}

// CheckRequiredTools verifies requirements and reports all missing required
// tools in one error.
//
// Error format for one tool:
//
//	cmake (CMake build system) not found in PATH
//
// and for several:
//
//	missing required tools: cmake (CMake build system), cc (C compiler)
func CheckRequiredTools(requirements []ToolRequirement) error {
	var missingTools []string

	for _, req := range requirements {
		if req.Optional || toolFound(req) {
			continue
		}
		if req.Purpose != "" {
			missingTools = append(missingTools, fmt.Sprintf("%s (%s)", req.Name, req.Purpose))
		} else {
			missingTools = append(missingTools, req.Name)
		}
	}

	switch len(missingTools) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s not found in PATH", missingTools[0])
	default:
		return fmt.Errorf("missing required tools: %s", strings.Join(missingTools, ", "))
	}
}

func toolFound(req ToolRequirement) bool {
	if CheckToolAvailable(req.Name) == nil {
		return true
	}
	for _, alt := range req.Alternatives {
		if CheckToolAvailable(alt) == nil {
			return true
		}
	}
	return false
}

// compilerRequirement is shared by every builder that compiles C or C++.
var compilerRequirement = ToolRequirement{
	Name:         "cc",
	Alternatives: []string{"gcc", "clang", "cl", "c++", "g++", "clang++"},
	Purpose:      "C/C++ compiler",
}
