package thirdparty

import (
	"bytes"
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"

	"github.com/Gavincrz/yuanrong-functionsystem/executor/pkg/buildsys"
)

var versionMatcher = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

// ToolStatus is the result of checking a single tool.
type ToolStatus struct {
	Name       string
	Path       string
	Version    string
	Constraint string
	Err        error
}

// toolVersion runs "<tool> --version" and extracts the first dotted version number from its output.
var toolVersion = func(ctx context.Context, path string) (string, error) {
	out := bytes.Buffer{}
	err := buildsys.Command(ctx, ".", nil, &out, &out, path, "--version")
	if err != nil {
		return "", err
	}

	match := versionMatcher.FindString(out.String())
	if match == "" {
		return "", eris.Errorf("could not find a version number in %q", strings.TrimSpace(out.String()))
	}
	return match, nil
}

var lookPath = buildsys.LookPath

func checkTool(ctx context.Context, name, rawConstraint string) ToolStatus {
	status := ToolStatus{Name: name, Constraint: rawConstraint}

	path, err := lookPath(name)
	if err != nil {
		status.Err = ToolMissing{Tool: name}
		return status
	}
	status.Path = path

	rawConstraint = strings.TrimSpace(rawConstraint)
	if rawConstraint == "" || rawConstraint == "*" {
		return status
	}

	constraint, err := semver.NewConstraint(rawConstraint)
	if err != nil {
		status.Err = eris.Wrapf(err, "invalid version constraint %q for %s", rawConstraint, name)
		return status
	}

	version, err := toolVersion(ctx, path)
	if err != nil {
		status.Err = eris.Wrapf(err, "failed to determine the version of %s", name)
		return status
	}
	status.Version = version

	parsed, err := semver.NewVersion(version)
	if err != nil {
		status.Err = eris.Wrapf(err, "failed to parse version %s of %s", version, name)
		return status
	}

	if !constraint.Check(parsed) {
		status.Err = ToolVersionMismatch{Tool: name, Version: version, Constraint: rawConstraint}
	}
	return status
}

// InspectTools checks every tool in the name -> constraint map and returns the results sorted by name.
func InspectTools(ctx context.Context, tools map[string]string) []ToolStatus {
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]ToolStatus, 0, len(names))
	for _, name := range names {
		result = append(result, checkTool(ctx, name, tools[name]))
	}
	return result
}

// CheckTools verifies that every tool is available and satisfies its version constraint. All problems
// are logged, the first one is returned.
func CheckTools(ctx context.Context, tools map[string]string) error {
	var first error
	for _, status := range InspectTools(ctx, tools) {
		if status.Err != nil {
			buildsys.Log(ctx).Error().Str("tool", status.Name).Msg(status.Err.Error())
			if first == nil {
				first = status.Err
			}
			continue
		}

		buildsys.Log(ctx).Debug().
			Str("tool", status.Name).
			Str("path", status.Path).
			Str("version", status.Version).
			Msg("tool found")
	}

	return first
}
