package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultFile is the name of the project configuration file looked up in the project root.
const DefaultFile = "executor.toml"

// Config describes all configuration options
type Config struct {
	// Root is the project root all relative paths are resolved against. Load always overwrites it.
	Root string `usage:"Project root"`

	StateDir  string `default:".executor" usage:"Directory for the state database, caches and locks"`
	TasksFile string `default:"tasks.star" usage:"Starlark file with project specific tasks"`

	Log struct {
		Level string `default:"info"`
		File  string
		JSON  bool `default:"false" usage:"Output JSONND instead of pretty console messages"`
	}

	Build struct {
		Dir             string   `default:"build"`
		Output          string   `default:"output" usage:"Install prefix"`
		Type            string   `default:"Release" usage:"CMake build type"`
		Generator       string   `default:"Ninja"`
		Jobs            int      `default:"0" usage:"Parallel jobs, 0 uses all CPUs"`
		Defines         []string `usage:"Extra -D definitions passed to cmake"`
		Targets         []string
		Ccache          bool `default:"false"`
		Coverage        bool `default:"false"`
		Sanitizers      string
		Install         bool     `default:"true"`
		CompileCommands bool     `default:"true"`
		Command         string   `usage:"Shell script replacing the cmake build step"`
		Deps            []string `usage:"Tasks from the tasks file to run before building"`
		Watch           []string `default:"src/**,include/**,**/CMakeLists.txt"`
	}

	Thirdparty struct {
		Manifest string        `default:"thirdparty/thirdparty.yml"`
		Cache    string        `usage:"Download cache, defaults to <state_dir>/downloads"`
		Jobs     int           `default:"1"`
		Timeout  time.Duration `default:"30m"`
		Retries  int           `default:"3"`
	}

	Test struct {
		Command string        `usage:"Shell script replacing ctest"`
		Timeout time.Duration `default:"0s" usage:"Per test timeout"`
		Junit   string        `default:"test-results.xml" usage:"JUnit report written by ctest, relative to the build dir"`
	}

	Clean struct {
		Paths []string `usage:"Additional glob patterns removed by clean"`
	}
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

var buildTypes = map[string]bool{
	"Debug":          true,
	"Release":        true,
	"RelWithDebInfo": true,
	"MinSizeRel":     true,
}

// Loader initializes an empty config object and returns a new Loader for this object. file may be empty
// or point to a missing file, in which case only defaults and the environment are used.
func Loader(file string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	files := []string{}
	if file != "" {
		if _, err := os.Stat(file); err == nil {
			files = append(files, file)
		}
	}

	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "EXECUTOR",
		SkipFlags: true,
		SkipFiles: len(files) == 0,
		Files:     files,
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load reads the configuration for the project in root. If file is empty, <root>/executor.toml is used.
func Load(root, file string) (*Config, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve project root")
	}

	if file == "" {
		file = filepath.Join(root, DefaultFile)
	} else if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrapf(err, "config file %s not found", file)
	}

	cfg, loader := Loader(file)
	err = loader.Load()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load %s", file)
	}

	cfg.Root = root
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	if _, ok := logLevels[cfg.Log.Level]; !ok {
		return eris.Errorf(`invalid value for log.level: %s`, cfg.Log.Level)
	}

	if !buildTypes[cfg.Build.Type] {
		return eris.Errorf(`invalid value for build.type: %s (must be one of Debug, Release, RelWithDebInfo or MinSizeRel)`, cfg.Build.Type)
	}

	if cfg.Build.Generator == "" {
		return eris.New(`build.generator can't be empty`)
	}

	if cfg.Build.Dir == "" {
		return eris.New(`build.dir can't be empty`)
	}

	if cfg.Build.Jobs < 0 {
		return eris.Errorf(`invalid value for build.jobs: %d`, cfg.Build.Jobs)
	}

	if cfg.Thirdparty.Jobs < 1 {
		return eris.Errorf(`invalid value for thirdparty.jobs: %d (must be at least 1)`, cfg.Thirdparty.Jobs)
	}

	if cfg.Thirdparty.Retries < 0 {
		return eris.Errorf(`invalid value for thirdparty.retries: %d`, cfg.Thirdparty.Retries)
	}

	if cfg.Thirdparty.Timeout <= 0 {
		return eris.Errorf(`invalid value for thirdparty.timeout: %s`, cfg.Thirdparty.Timeout)
	}

	if cfg.Test.Timeout < 0 {
		return eris.Errorf(`invalid value for test.timeout: %s`, cfg.Test.Timeout)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// IsValidBuildType reports whether name is a build type cmake understands.
func IsValidBuildType(name string) bool {
	return buildTypes[name]
}

// Path resolves a configured path against the project root.
func (cfg *Config) Path(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.Root, path)
}

func (cfg *Config) StatePath(elem ...string) string {
	return filepath.Join(append([]string{cfg.Path(cfg.StateDir)}, elem...)...)
}

func (cfg *Config) BuildDir() string {
	return cfg.Path(cfg.Build.Dir)
}

func (cfg *Config) OutputDir() string {
	return cfg.Path(cfg.Build.Output)
}

func (cfg *Config) ManifestPath() string {
	return cfg.Path(cfg.Thirdparty.Manifest)
}

func (cfg *Config) DownloadCache() string {
	if cfg.Thirdparty.Cache != "" {
		return cfg.Path(cfg.Thirdparty.Cache)
	}
	return cfg.StatePath("downloads")
}

// Jobs returns the effective build parallelism.
func (cfg *Config) Jobs() int {
	if cfg.Build.Jobs > 0 {
		return cfg.Build.Jobs
	}
	return runtime.NumCPU()
}
