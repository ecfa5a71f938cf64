// Package pathutil locates and writes gateway configuration files.
package pathutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/skycoin/skycoin/src/util/logging"
	"gopkg.in/yaml.v3"
)

var log = logging.MustGetLogger("pathutil")

// ErrConfigNotFound is returned when no candidate config path exists.
var ErrConfigNotFound = errors.New("config not found")

// ConfigLocationType describes a config path's location type.
type ConfigLocationType string

const (
	// WorkingDirLoc represents the default working directory location for a configuration file.
	WorkingDirLoc = ConfigLocationType("WD")

	// HomeLoc represents the default home folder location for a configuration file.
	HomeLoc = ConfigLocationType("HOME")

	// LocalLoc represents the default /usr/local location for a configuration file.
	LocalLoc = ConfigLocationType("LOCAL")
)

// String implements fmt.Stringer for ConfigLocationType.
func (t ConfigLocationType) String() string {
	return string(t)
}

// Set implements pflag.Value for ConfigLocationType.
func (t *ConfigLocationType) Set(s string) error {
	for _, loc := range AllConfigLocationTypes() {
		if strings.EqualFold(s, string(loc)) {
			*t = loc
			return nil
		}
	}
	return fmt.Errorf("invalid config location %q, valid: %v", s, AllConfigLocationTypes())
}

// Type implements pflag.Value for ConfigLocationType.
func (t ConfigLocationType) Type() string {
	return "pathutil.ConfigLocationType"
}

// AllConfigLocationTypes returns all valid config location types.
func AllConfigLocationTypes() []ConfigLocationType {
	return []ConfigLocationType{
		WorkingDirLoc,
		HomeLoc,
		LocalLoc,
	}
}

// ConfigPaths contains a map of configuration paths, based on ConfigLocationTypes.
type ConfigPaths map[ConfigLocationType]string

// String implements fmt.Stringer for ConfigPaths.
func (dp ConfigPaths) String() string {
	raw, err := json.MarshalIndent(dp, "", "\t")
	if err != nil {
		return fmt.Sprintf("%v", map[ConfigLocationType]string(dp))
	}
	return string(raw)
}

// Get obtains a path stored under given configuration location type.
func (dp ConfigPaths) Get(cpType ConfigLocationType) (string, error) {
	if path, ok := dp[cpType]; ok {
		return path, nil
	}
	return "", fmt.Errorf("invalid config type '%s' provided. Valid types: %v", cpType, AllConfigLocationTypes())
}

// GatewayDefaults returns the default config paths for btxmesh-gateway.
func GatewayDefaults() ConfigPaths {
	paths := make(ConfigPaths)
	if wd, err := os.Getwd(); err == nil {
		paths[WorkingDirLoc] = filepath.Join(wd, "btxmesh-config.json")
	}
	paths[HomeLoc] = filepath.Join(HomeDir(), ".btxmesh", "btxmesh-config.json")
	paths[LocalLoc] = "/usr/local/btxmesh/btxmesh-config.json"
	return paths
}

// FindConfigPath is used by a service to find a config file path in the following order:
// - From CLI argument.
// - From ENV.
// - From a list of default paths.
// If argsIndex < 0, searching from CLI arguments does not take place.
func FindConfigPath(args []string, argsIndex int, env string, defaults ConfigPaths) (string, error) {
	if argsIndex >= 0 && len(args) > argsIndex {
		path := args[argsIndex]
		log.Infof("using args[%d] as config path: %s", argsIndex, path)
		return path, nil
	}
	if env != "" {
		if path, ok := os.LookupEnv(env); ok {
			log.Infof("using $%s as config path: %s", env, path)
			return path, nil
		}
	}
	log.Debugf("config path is not explicitly specified, trying default paths...")
	for i, cpType := range AllConfigLocationTypes() {
		path, ok := defaults[cpType]
		if !ok {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			log.Debugf("- [%d/%d] '%s' cannot be accessed: %s", i+1, len(defaults), path, err.Error())
		} else {
			log.Debugf("- [%d/%d] '%s' is found", i+1, len(defaults), path)
			log.Infof("using fallback config path: %s", path)
			return path, nil
		}
	}
	return "", fmt.Errorf("%w in any of the following paths: %s", ErrConfigNotFound, defaults.String())
}

// WriteConfig is used by config file generators. The encoding follows the
// extension of output: .yaml and .yml produce YAML, anything else JSON.
// 'replace' is true if replacing files is allowed.
func WriteConfig(conf interface{}, output string, replace bool) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch strings.ToLower(filepath.Ext(output)) {
	case ".yaml", ".yml":
		raw, err = yaml.Marshal(conf)
	default:
		raw, err = json.MarshalIndent(conf, "", "\t")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %s", err)
	}

	if _, err := os.Stat(output); !replace && err == nil {
		return nil, fmt.Errorf("file %s already exists, stopping as 'replace,r' flag is not set", output)
	}
	if _, err := EnsureDir(filepath.Dir(output)); err != nil {
		return nil, err
	}
	if err := AtomicWriteFile(output, raw); err != nil {
		return nil, fmt.Errorf("failed to write file: %s", err)
	}
	log.Infof("Wrote %d bytes to %s", len(raw), output)
	return raw, nil
}
