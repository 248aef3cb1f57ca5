// mxsched configuration
//
// Configuration is loaded from a YAML file with the following structure:
//
//  mxsched_config:
//    instance: mxsched
//    log_config:
//      ...
//    worker_pool_config:
//      ...
//    scheduler_config:
//      ...
//    backoff_config:
//      ...
//
// The document-node walk below decodes only the child whose key matches the
// section name, leaving everything else at its default. This lets the same
// YAML file carry sections for other tools alongside mxsched_config without
// either one needing to know about the other's schema.

package mxsched_internal

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	MXSCHED_CONFIG_SECTION_NAME = "mxsched_config"

	MXSCHED_CONFIG_INSTANCE_DEFAULT = "mxsched"
)

type Config struct {
	// Instance name, used only in log output; default "mxsched".
	Instance string `yaml:"instance"`

	LogConfig        *LoggerConfig         `yaml:"log_config"`
	WorkerPoolConfig *WorkerPoolConfig     `yaml:"worker_pool_config"`
	SchedulerConfig  *MicroSchedulerConfig `yaml:"scheduler_config"`
	BackoffConfig    *BackoffConfig        `yaml:"backoff_config"`
}

func DefaultConfig() *Config {
	return &Config{
		Instance:         MXSCHED_CONFIG_INSTANCE_DEFAULT,
		LogConfig:        DefaultLoggerConfig(),
		WorkerPoolConfig: DefaultWorkerPoolConfig(),
		SchedulerConfig:  DefaultMicroSchedulerConfig(),
		BackoffConfig:    DefaultBackoffConfig(),
	}
}

// LoadConfig loads the mxsched_config section from the given YAML file (or
// buf directly, for testing) into a fresh *Config primed with defaults.
func LoadConfig(cfgFile string, buf []byte) (*Config, error) {
	if buf == nil {
		f, err := os.Open(cfgFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		buf, err = io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("file: %q: %v", cfgFile, err)
		}
	}

	docNode := yaml.Node{}
	if err := yaml.Unmarshal(buf, &docNode); err != nil {
		return nil, fmt.Errorf("file: %q: %v", cfgFile, err)
	}

	cfg := DefaultConfig()
	if docNode.Kind == yaml.DocumentNode && len(docNode.Content) > 0 {
		rootNode := docNode.Content[0]
		if rootNode.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("file: %q: invalid YAML root node %q", cfgFile, rootNode.Tag)
		}
		wantSection := false
		for _, n := range rootNode.Content {
			if n.Kind == yaml.ScalarNode {
				wantSection = n.Value == MXSCHED_CONFIG_SECTION_NAME
				continue
			}
			if n.Kind == yaml.MappingNode && wantSection {
				if err := n.Decode(cfg); err != nil {
					return nil, fmt.Errorf("file: %q: %v", cfgFile, err)
				}
			}
			wantSection = false
		}
	}

	return cfg, nil
}
