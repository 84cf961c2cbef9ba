package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"github.com/cosiner/argv"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".sohook"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
// Command line flags take precedence over every option.
type Config struct {
	// Library is the hook library preloaded into the program.
	Library string `yaml:"library,omitempty"`
	// Metadata is a hook declaration file.
	Metadata string `yaml:"metadata,omitempty"`
	// Embedded reads hook declarations from the library sections even when
	// a declaration file is given.
	Embedded bool `yaml:"embedded,omitempty"`
	// HookSection and FuncSection override the names of the library
	// sections holding embedded declarations.
	HookSection string `yaml:"hook-section,omitempty"`
	FuncSection string `yaml:"func-section,omitempty"`

	// TargetArgs are the arguments passed to the program when none are
	// given on the command line, split like a shell would.
	TargetArgs string `yaml:"target-args,omitempty"`

	// DisableASLR starts the program without address space randomization.
	DisableASLR bool `yaml:"disable-aslr,omitempty"`

	// LogOutput selects the log layers enabled by --log.
	LogOutput string `yaml:"log-output,omitempty"`
}

// Args splits TargetArgs into an argument list.
func (c *Config) Args() ([]string, error) {
	if c.TargetArgs == "" {
		return nil, nil
	}
	v, err := argv.Argv(c.TargetArgs,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, fmt.Errorf("target-args: %v", err)
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("target-args: illegal command line '%s'", c.TargetArgs)
	}
	return v[0], nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() (*Config, error) {
	err := createConfigPath()
	if err != nil {
		return &Config{}, fmt.Errorf("could not create config directory: %v", err)
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.UnmarshalStrict(data, &c)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}

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

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for sohook.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Hook library to preload, used when --so is not given.
# library: /path/to/libhook.so

# Hook declaration file (lines of "ADDRESS = NAME[, LENGTH]").
# metadata: /path/to/target.inj

# Also read declarations embedded in the library when a declaration file is used.
# embedded: true

# Names of the library sections holding embedded declarations.
# hook-section: .sohook
# func-section: .sofunc

# Arguments passed to the program when none are given after "--".
# target-args: "--verbose input.txt"

# Start the program with address space randomization disabled.
# disable-aslr: true

# Log layers enabled by --log (tracee, dispatch, hookdata, vamap, session).
# log-output: dispatch,session
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
// $XDG_CONFIG_HOME/sohook is used when XDG_CONFIG_HOME is set.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return path.Join(xdg, "sohook", file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
