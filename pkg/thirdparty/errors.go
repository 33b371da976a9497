package thirdparty

import "fmt"

type ChecksumMismatch struct {
	Dep      string
	Expected string
	Actual   string
}

var _ error = ChecksumMismatch{}

func (e ChecksumMismatch) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s but got %s", e.Dep, e.Expected, e.Actual)
}

type MissingChecksum struct {
	Dep string
}

var _ error = MissingChecksum{}

func (e MissingChecksum) Error() string {
	return fmt.Sprintf("dependency %s doesn't have a checksum", e.Dep)
}

type UnknownDep struct {
	Name string
}

var _ error = UnknownDep{}

func (e UnknownDep) Error() string {
	return fmt.Sprintf("dependency %s is not listed in the manifest", e.Name)
}

type ToolMissing struct {
	Tool string
}

var _ error = ToolMissing{}

func (e ToolMissing) Error() string {
	return fmt.Sprintf("required tool %s was not found in PATH", e.Tool)
}

type ToolVersionMismatch struct {
	Tool       string
	Version    string
	Constraint string
}

var _ error = ToolVersionMismatch{}

func (e ToolVersionMismatch) Error() string {
	return fmt.Sprintf("%s %s doesn't satisfy %s", e.Tool, e.Version, e.Constraint)
}
