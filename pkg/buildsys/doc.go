// Package buildsys implements a minimal build system based on Starlark for the task definitions
// and mvdan.cc/sh for the shell runtime.
//
// Tasks come from two places: the project's tasks.star script (see Parse) and the lifecycle tasks
// the executor generates from its configuration. Both end up in a TaskList and are executed by
// RunTask, which resolves dependencies, skips tasks whose outputs are up to date and runs the
// remaining commands in an embedded POSIX shell.
package buildsys
