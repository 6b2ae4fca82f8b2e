package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Octogonapus/FleetBench/benchmark"
	"github.com/Octogonapus/FleetBench/provider"
)

// EnvPrefix prefixes environment overrides: sink.uri is FLEETBENCH_SINK_URI.
const EnvPrefix = "FLEETBENCH"

const (
	DispatchSequential = "sequential"
	DispatchConcurrent = "concurrent"

	CompletionBlocking = "blocking"
	CompletionMarker   = "marker"
	CompletionFixed    = "fixed"
)

var profileNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,39}$`)

type Config struct {
	Project  string                    `mapstructure:"project"`
	Region   string                    `mapstructure:"region"`
	Zone     string                    `mapstructure:"zone"`
	Machines []provider.MachineProfile `mapstructure:"machines"`

	Workload string        `mapstructure:"workload"`
	Warmup   time.Duration `mapstructure:"warmup"`
	Run      time.Duration `mapstructure:"run"`
	Cooldown time.Duration `mapstructure:"cooldown"`

	// Kind options file pushed to every node.
	OptionsFile string `mapstructure:"options_file"`
	// fleetbench-node binary built for the instances' OS and architecture.
	NodeBinary string `mapstructure:"node_binary"`

	Sink       SinkConfig       `mapstructure:"sink"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Completion CompletionConfig `mapstructure:"completion"`
	Ready      ReadyConfig      `mapstructure:"ready"`
	Instance   InstanceConfig   `mapstructure:"instance"`

	ResultsDir string `mapstructure:"results_dir"`
	LedgerPath string `mapstructure:"ledger"`
}

type SinkConfig struct {
	URI          string `mapstructure:"uri"`
	CreateBucket bool   `mapstructure:"create_bucket"`
}

type DispatchConfig struct {
	Mode        string `mapstructure:"mode"`
	Concurrency int    `mapstructure:"concurrency"`
}

type CompletionConfig struct {
	Mode         string        `mapstructure:"mode"`
	Buffer       time.Duration `mapstructure:"buffer"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ReadyConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

type InstanceConfig struct {
	ImageID      string `mapstructure:"image_id"`
	User         string `mapstructure:"user"`
	VolumeSizeGB int32  `mapstructure:"volume_size_gb"`
	RemoteDir    string `mapstructure:"remote_dir"`
	OutputDir    string `mapstructure:"output_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project", "fleetbench")
	v.SetDefault("region", "")
	v.SetDefault("zone", "")
	v.SetDefault("workload", benchmark.SelectAll)
	v.SetDefault("warmup", benchmark.DefaultWarmup)
	v.SetDefault("run", benchmark.DefaultRun)
	v.SetDefault("cooldown", benchmark.DefaultCooldown)
	v.SetDefault("options_file", "")
	v.SetDefault("node_binary", "./fleetbench-node")
	v.SetDefault("sink.uri", "")
	v.SetDefault("sink.create_bucket", false)
	v.SetDefault("dispatch.mode", DispatchSequential)
	v.SetDefault("dispatch.concurrency", 4)
	v.SetDefault("completion.mode", CompletionBlocking)
	v.SetDefault("completion.buffer", 10*time.Minute)
	v.SetDefault("completion.poll_interval", 30*time.Second)
	v.SetDefault("ready.attempts", 30)
	v.SetDefault("ready.interval", 10*time.Second)
	v.SetDefault("instance.image_id", "")
	v.SetDefault("instance.user", "ubuntu")
	v.SetDefault("instance.volume_size_gb", 32)
	v.SetDefault("instance.remote_dir", "/opt/fleetbench")
	v.SetDefault("instance.output_dir", "/var/lib/fleetbench/output")
	v.SetDefault("results_dir", "results")
	v.SetDefault("ledger", ".fleetbench/ledger.db")
}

// Load reads the YAML file at path, applies FLEETBENCH_ environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Machines) == 0 {
		errs = append(errs, errors.New("at least one machine is required"))
	}
	seen := map[string]bool{}
	for i, m := range c.Machines {
		if !profileNameRe.MatchString(m.Name) {
			errs = append(errs, fmt.Errorf("machines[%d]: name %q must be lowercase letters, digits and dashes", i, m.Name))
		}
		if seen[m.Name] {
			errs = append(errs, fmt.Errorf("machines[%d]: duplicate name %q", i, m.Name))
		}
		seen[m.Name] = true
		if m.MachineType == "" {
			errs = append(errs, fmt.Errorf("machines[%d]: machine_type is required", i))
		}
	}

	if c.Run < time.Second {
		errs = append(errs, fmt.Errorf("run must be at least 1s, got %s", c.Run))
	}
	if c.Warmup < 0 {
		errs = append(errs, fmt.Errorf("warmup must not be negative, got %s", c.Warmup))
	}
	if c.Cooldown < 0 {
		errs = append(errs, fmt.Errorf("cooldown must not be negative, got %s", c.Cooldown))
	}
	// The node takes warmup and run as whole seconds on its command line.
	if c.Warmup%time.Second != 0 {
		errs = append(errs, fmt.Errorf("warmup must be a whole number of seconds, got %s", c.Warmup))
	}
	if c.Run%time.Second != 0 {
		errs = append(errs, fmt.Errorf("run must be a whole number of seconds, got %s", c.Run))
	}
	if kinds, _ := benchmark.ParseSelector(c.Workload); len(kinds) == 0 {
		errs = append(errs, fmt.Errorf("workload %q selects no supported kind", c.Workload))
	}
	if c.NodeBinary == "" {
		errs = append(errs, errors.New("node_binary is required"))
	}

	switch c.Dispatch.Mode {
	case DispatchSequential:
	case DispatchConcurrent:
		if c.Dispatch.Concurrency < 1 {
			errs = append(errs, fmt.Errorf("dispatch.concurrency must be positive, got %d", c.Dispatch.Concurrency))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch.mode %q", c.Dispatch.Mode))
	}

	switch c.Completion.Mode {
	case CompletionBlocking, CompletionFixed:
	case CompletionMarker:
		if c.Sink.URI == "" {
			errs = append(errs, errors.New("completion.mode marker needs sink.uri"))
		}
		if c.Completion.PollInterval <= 0 {
			errs = append(errs, errors.New("completion.poll_interval must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown completion.mode %q", c.Completion.Mode))
	}
	if c.Completion.Buffer < 0 {
		errs = append(errs, errors.New("completion.buffer must not be negative"))
	}

	if c.Ready.Attempts < 1 {
		errs = append(errs, fmt.Errorf("ready.attempts must be positive, got %d", c.Ready.Attempts))
	}
	if c.Ready.Interval <= 0 {
		errs = append(errs, errors.New("ready.interval must be positive"))
	}
	return errors.Join(errs...)
}

// Job is the node job every instance runs. The sink is the fleet root; each instance gets its own prefix.
func (c *Config) Job() benchmark.JobSpec {
	return benchmark.JobSpec{
		Selector: c.Workload,
		Warmup:   c.Warmup,
		Run:      c.Run,
		SinkURI:  c.Sink.URI,
	}
}
