package buildsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	initPhase    bool
}

// reservedTaskNames can't be declared by scripts. "configure" is the script's entry point.
var reservedTaskNames = map[string]bool{
	"configure": true,
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

// ShellWord quotes a single argument the way processCmdParts does for script commands.
func ShellWord(value string) *syntax.Word {
	var part syntax.WordPart
	if value == "" || strings.ContainsAny(value, " \t\n$'\"`\\*?[]{}()<>|&;#~") {
		part = &syntax.SglQuoted{Value: strings.ReplaceAll(value, "'", `'\''`)}
	} else {
		part = &syntax.Lit{Value: value}
	}

	return &syntax.Word{Parts: []syntax.WordPart{part}}
}

// FormatCommand renders args as a single shell command line.
func FormatCommand(args ...string) (string, error) {
	call := &syntax.CallExpr{Args: make([]*syntax.Word, len(args))}
	for idx, arg := range args {
		call.Args[idx] = ShellWord(arg)
	}

	buffer := strings.Builder{}
	err := syntax.NewPrinter(syntax.Minify(true)).Print(&buffer, call)
	if err != nil {
		return "", eris.Wrapf(err, "failed to format command %v", args)
	}

	return buffer.String(), nil
}

func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	// leading NAME=value items become assignments
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}
		envVars = append(envVars, value.GoString())
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	cmd.Args = make([]*syntax.Word, 0, len(parts)-len(envVars))
	for _, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case StarlarkPath:
			encodedValue = string(value)

			if filepath.IsAbs(encodedValue) {
				// absolute paths cause issues on Windows
				relValue, err := filepath.Rel(base, encodedValue)
				if err == nil {
					encodedValue = relValue
				}
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		cmd.Args = append(cmd.Args, ShellWord(encodedValue))
	}

	return cmd, nil
}

func scriptMessage(thread *starlark.Thread, msg string) string {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	return fmt.Sprintf("%s:%d:%d: %s", simplifyPath(ctx.projectRoot, ctx.filepath), pos.Line, pos.Col, msg)
}

func info(thread *starlark.Thread, msg string) {
	log(getCtx(thread).ctx).Info().Msg(scriptMessage(thread, msg))
}

func warn(thread *starlark.Thread, msg string) {
	log(getCtx(thread).ctx).Warn().Msg(scriptMessage(thread, msg))
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func cmdFromValue(item starlark.Value, idx int, parser *syntax.Parser, printer *syntax.Printer, base string) (TaskCmd, error) {
	var parts starlark.Tuple

	switch value := item.(type) {
	case starlark.String:
		return TaskCmdScript{Content: value.GoString(), Index: idx}, nil
	case *Task:
		return TaskCmdTaskRef{Task: value}, nil
	case starlark.Tuple:
		parts = value
	case *starlark.List:
		parts = make(starlark.Tuple, 0, value.Len())
		for i := 0; i < value.Len(); i++ {
			parts = append(parts, value.Index(i))
		}
	default:
		return nil, eris.Errorf("unexpected type %s. Only strings, tuples, lists and tasks are valid", item.Type())
	}

	cmd, err := processCmdParts(parts, parser, base)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to process command #%d", idx)
	}

	buffer := strings.Builder{}
	err = printer.Print(&buffer, cmd)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to process command #%d", idx)
	}

	return TaskCmdScript{Content: buffer.String(), Index: idx}, nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds)
	if err != nil {
		return nil, err
	}

	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if reservedTaskNames[task.Short] {
		return nil, eris.Errorf("the task name %q is reserved, please use a different name", task.Short)
	}

	ctx := getCtx(thread)
	task.Env = map[string]string{}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = ctx.normalizePath(task.Base)

	task.Deps, err = starlarkIterable2stringSlice(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.SkipIfExists, err = starlarkIterable2stringSlice(skipIfExists, "skip_if_exists")
	if err != nil {
		return nil, err
	}

	task.Inputs, err = starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	task.Outputs, err = starlarkIterable2stringSlice(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	if env != nil {
		for _, item := range env.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
			}

			value, ok := item[1].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key.GoString())
			}

			task.Env[key.GoString()] = value.GoString()
		}
	}

	printer := syntax.NewPrinter(syntax.Minify(true))
	parser := syntax.NewParser()
	task.Cmds = make([]TaskCmd, 0)

	if cmds != nil {
		for idx := 0; idx < cmds.Len(); idx++ {
			cmd, err := cmdFromValue(cmds.Index(idx), idx, parser, printer, task.Base)
			if err != nil {
				return nil, eris.Wrapf(err, "%s(%s)", fn.Name(), task.Short)
			}

			if script, ok := cmd.(TaskCmdScript); ok {
				script.TaskName = task.Short
				cmd = script
			}
			task.Cmds = append(task.Cmds, cmd)
		}
	}

	if len(task.Inputs) > 0 && len(task.Outputs) == 0 {
		warn(thread, fmt.Sprintf("%s: found inputs but no outputs", fn.Name()))
	}

	if !task.Hidden {
		ctx.tasks = append(ctx.tasks, task)
	}
	return task, nil
}

func evalErrorMessage(err error) string {
	if evalError, ok := err.(*starlark.EvalError); ok {
		return evalError.Backtrace()
	}
	return err.Error()
}

// RunScript executes a Starlark script and returns the declared options. If doConfigure is true, the script's
// configure function is called and the declared tasks are collected and returned.
func RunScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	if options == nil {
		options = map[string]string{}
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"execute":      starlark.NewBuiltin("execute", starExec),
		"task":         starlark.NewBuiltin("task", task),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read file %s", filename)
	}

	displayName := simplifyPath(projectRoot, filename)
	globals, err := starlark.ExecFile(thread, displayName, script, builtins)
	if err != nil {
		return nil, nil, eris.Errorf("failed to execute %s:\n%s", displayName, evalErrorMessage(err))
	}

	tasks := TaskList{}
	if doConfigure {
		configure, ok := globals["configure"]
		if !ok {
			return nil, nil, eris.Errorf("%s did not declare a configure function", displayName)
		}

		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", displayName)
		}

		threadCtx.initPhase = false
		_, err = starlark.Call(thread, configureFunc, starlark.Tuple{}, nil)
		if err != nil {
			return nil, nil, eris.Errorf("failed configure call in %s:\n%s", displayName, evalErrorMessage(err))
		}

		for _, task := range threadCtx.tasks {
			tasks[task.Short] = task

			for name, value := range threadCtx.envOverrides {
				if _, present := task.Env[name]; !present {
					task.Env[name] = value
				}
			}
		}
	}

	return tasks, threadCtx.options, nil
}

// Parse loads the tasks declared by filename. If cacheFile is set, a cached result is used as long as the
// script hasn't changed and the options match; otherwise the script is evaluated and the cache refreshed.
func Parse(ctx context.Context, filename, projectRoot string, options map[string]string, cacheFile string) (TaskList, error) {
	if options == nil {
		options = map[string]string{}
	}

	if cacheFile != "" {
		tasks, ok := readValidCache(ctx, cacheFile, filename, options)
		if ok {
			return tasks, nil
		}
	}

	tasks, _, err := RunScript(ctx, filename, projectRoot, options, true)
	if err != nil {
		return nil, err
	}

	if cacheFile != "" {
		err = os.MkdirAll(filepath.Dir(cacheFile), 0o770)
		if err == nil {
			err = WriteCache(cacheFile, options, tasks)
		}
		if err != nil {
			log(ctx).Warn().Err(err).Str("path", cacheFile).Msg("failed to write task cache")
		}
	}

	return tasks, nil
}

func readValidCache(ctx context.Context, cacheFile, filename string, options map[string]string) (TaskList, bool) {
	cacheInfo, err := os.Stat(cacheFile)
	if err != nil {
		return nil, false
	}

	scriptInfo, err := os.Stat(filename)
	if err != nil || scriptInfo.ModTime().After(cacheInfo.ModTime()) {
		return nil, false
	}

	cachedOptions, tasks, err := ReadCache(cacheFile)
	if err != nil {
		log(ctx).Debug().Err(err).Str("path", cacheFile).Msg("ignoring unreadable task cache")
		return nil, false
	}

	if len(cachedOptions) != len(options) {
		return nil, false
	}
	for k, v := range options {
		if cached, ok := cachedOptions[k]; !ok || cached != v {
			return nil, false
		}
	}

	log(ctx).Debug().Str("path", cacheFile).Msg("using cached tasks")
	return tasks, true
}
