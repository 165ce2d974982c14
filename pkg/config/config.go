package config

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir       string = "ptrace"
	configDirHidden string = ".ptrace"
	configFile      string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Deliver exceptions a second time when the target has no handler of
	// its own for the signal.
	SecondChance bool `yaml:"second-chance"`

	// Comma separated list of log layers, same syntax as --log-output.
	LogOutput string `yaml:"log-output,omitempty"`

	// Number of parsed ELF export tables kept in memory.
	ExportCacheSize int `yaml:"export-cache-size,omitempty"`

	// How long the dispatch loop sleeps when no traced thread has stopped.
	WaitPollInterval time.Duration `yaml:"wait-poll-interval,omitempty"`

	// Overrides the calling convention used to decode arguments. One of
	// "sysv-amd64", "cdecl", "ms-x64". Empty means the architecture default.
	CallingConvention string `yaml:"calling-convention,omitempty"`
}

// Defaults applied to zero valued fields after loading.
const (
	DefaultExportCacheSize  = 64
	DefaultWaitPollInterval = 5 * time.Millisecond
)

func (c *Config) applyDefaults() {
	if c.ExportCacheSize <= 0 {
		c.ExportCacheSize = DefaultExportCacheSize
	}
	if c.WaitPollInterval <= 0 {
		c.WaitPollInterval = DefaultWaitPollInterval
	}
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return defaultConfig()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return defaultConfig()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return defaultConfig()
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return defaultConfig()
	}
	return c
}

func defaultConfig() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the ptrace event tracer.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Deliver segmentation faults and other exceptions a second time when the
# target has not installed a handler for the signal.
# second-chance: true

# Log layers enabled when --log is passed without --log-output.
# log-output: engine,ptrace

# Number of ELF export tables cached while resolving module!export specs.
# export-cache-size: 64

# Sleep between polls of the traced threads.
# wait-poll-interval: 5ms

# Force a calling convention: sysv-amd64, cdecl or ms-x64.
# calling-convention: sysv-amd64
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return path.Join(configPath, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDirHidden, file), nil
}
