// Package config handles objcore.toml runtime configuration.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/chazu/objcore/vm"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "objcore.toml"

//go:embed schema.cue
var schemaSource string

// Config represents an objcore.toml file.
type Config struct {
	Stack     Stack     `toml:"stack" json:"stack"`
	Dispatch  Dispatch  `toml:"dispatch" json:"dispatch"`
	Scheduler Scheduler `toml:"scheduler" json:"scheduler"`
	Collector Collector `toml:"collector" json:"collector"`
	Log       Log       `toml:"log" json:"log"`

	// Dir is the directory containing the objcore.toml file (set at load time).
	Dir string `toml:"-" json:"-"`
}

// Stack sizes the evaluation stack and the frame stack.
type Stack struct {
	InitialSlots int `toml:"initial_slots" json:"initial_slots"`
	MaxFrames    int `toml:"max_frames" json:"max_frames"` // -1 for unlimited
}

// Dispatch bounds the dispatcher.
type Dispatch struct {
	MaxRedirects int `toml:"max_redirects" json:"max_redirects"`
}

// Scheduler configures safepoints and the worker pool.
type Scheduler struct {
	SafepointInterval int `toml:"safepoint_interval" json:"safepoint_interval"`
	Workers           int `toml:"workers" json:"workers"`
}

// Collector configures the cycle sweeper.
type Collector struct {
	Enabled  bool   `toml:"enabled" json:"enabled"`
	Interval string `toml:"interval" json:"interval"`
}

// Log configures commonlog.
type Log struct {
	Verbosity   int    `toml:"verbosity" json:"verbosity"`
	File        string `toml:"file" json:"file"`
	TraceFrames bool   `toml:"trace_frames" json:"trace_frames"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	def := vm.DefaultOptions()
	return &Config{
		Stack: Stack{
			InitialSlots: def.InitialStack,
			MaxFrames:    def.MaxFrames,
		},
		Dispatch: Dispatch{MaxRedirects: def.MaxRedirects},
		Scheduler: Scheduler{
			SafepointInterval: def.SafepointInterval,
			Workers:           min(runtime.GOMAXPROCS(0), 1024),
		},
		Collector: Collector{Enabled: true, Interval: "30s"},
	}
}

// Load parses objcore.toml from dir over the defaults and validates it.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return c, nil
}

// Parse decodes TOML over the defaults and validates the result. Unknown
// keys are an error.
func Parse(data []byte) (*Config, error) {
	c := Default()
	md, err := toml.Decode(string(data), c)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find an objcore.toml file, then
// loads it. Returns the defaults if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

// Validate checks the configuration against the embedded CUE schema.
func (c *Config) Validate() error {
	cctx := cuecontext.New()
	schema := cctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	v := def.Unify(cctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SweepInterval returns the collector interval. Validate guarantees it
// parses.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Collector.Interval)
	if err != nil {
		return 0
	}
	return d
}

// VMOptions derives interpreter options.
func (c *Config) VMOptions() vm.Options {
	return vm.Options{
		InitialStack:      c.Stack.InitialSlots,
		MaxFrames:         c.Stack.MaxFrames,
		MaxRedirects:      c.Dispatch.MaxRedirects,
		SafepointInterval: c.Scheduler.SafepointInterval,
		TraceFrames:       c.Log.TraceFrames,
	}
}

// Apply configures logging.
func (c *Config) Apply() {
	var path *string
	if c.Log.File != "" {
		file := c.Log.File
		if c.Dir != "" && !filepath.IsAbs(file) {
			file = filepath.Join(c.Dir, file)
		}
		path = &file
	}
	commonlog.Configure(c.Log.Verbosity, path)
}
