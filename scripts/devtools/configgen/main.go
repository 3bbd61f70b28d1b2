package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Profile describes one environment: shared infrastructure plus per-binary overrides.
type Profile struct {
	OutputDir string                    `yaml:"outputDir"`
	Shared    SharedProfile             `yaml:"shared"`
	Services  map[string]ServiceProfile `yaml:"services"`
}

// SharedProfile holds settings every binary must agree on.
type SharedProfile struct {
	AuthSecret   string   `yaml:"authSecret"`
	AuthIssuer   string   `yaml:"authIssuer"`
	DatabaseDSN  string   `yaml:"databaseDSN"`
	DatabaseType string   `yaml:"databaseDriver"`
	RedisAddr    string   `yaml:"redisAddr"`
	MQDriver     string   `yaml:"mqDriver"`
	KafkaBrokers []string `yaml:"kafkaBrokers"`
}

type ServiceProfile struct {
	Base      string                 `yaml:"base"`
	Output    string                 `yaml:"output"`
	Overrides map[string]interface{} `yaml:"overrides"`
}

// sharedKeys lists which shared settings each binary consumes.
var sharedKeys = map[string][]string{
	"submit-service": {"auth", "database", "redis", "mq"},
	"judge-worker":   {"database", "redis", "mq"},
}

func main() {
	profilePath := flag.String("profile", "configs/dev-profile.yaml", "Path to config profile")
	outputDir := flag.String("output-dir", "", "Override output directory")
	flag.Parse()

	profilePathAbs, err := filepath.Abs(*profilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve profile path failed: %v\n", err)
		os.Exit(1)
	}
	profile, err := loadProfile(profilePathAbs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load profile failed: %v\n", err)
		os.Exit(1)
	}
	if *outputDir != "" {
		profile.OutputDir = *outputDir
	}
	if err := generate(profile, filepath.Dir(profilePathAbs)); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func generate(profile *Profile, profileDir string) error {
	if profile.OutputDir == "" {
		return errors.New("output directory is required")
	}
	if !filepath.IsAbs(profile.OutputDir) {
		profile.OutputDir = filepath.Join(profileDir, profile.OutputDir)
	}
	if err := os.MkdirAll(profile.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory failed: %w", err)
	}

	serviceNames := make([]string, 0, len(profile.Services))
	for name := range profile.Services {
		serviceNames = append(serviceNames, name)
	}
	sort.Strings(serviceNames)

	for _, name := range serviceNames {
		service := profile.Services[name]
		if service.Base == "" {
			return fmt.Errorf("service %q missing base config", name)
		}
		if !filepath.IsAbs(service.Base) {
			service.Base = filepath.Join(profileDir, service.Base)
		}

		baseConfig, err := loadYAML(service.Base)
		if err != nil {
			return fmt.Errorf("load base config for %q failed: %w", name, err)
		}
		baseConfig = normalizeValue(baseConfig)

		if len(service.Overrides) > 0 {
			merged, err := mergeMap(baseConfig, normalizeValue(service.Overrides))
			if err != nil {
				return fmt.Errorf("merge overrides for %q failed: %w", name, err)
			}
			baseConfig = merged
		}
		baseConfig, err = applyShared(profile.Shared, name, baseConfig)
		if err != nil {
			return fmt.Errorf("apply shared settings for %q failed: %w", name, err)
		}

		outputPath, err := resolveOutputPath(profile.OutputDir, service)
		if err != nil {
			return fmt.Errorf("resolve output path for %q failed: %w", name, err)
		}
		if err := writeYAML(outputPath, baseConfig); err != nil {
			return fmt.Errorf("write config for %q failed: %w", name, err)
		}
	}
	return nil
}

func loadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile failed: %w", err)
	}
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile failed: %w", err)
	}
	if len(profile.Services) == 0 {
		return nil, errors.New("profile has no services")
	}
	return &profile, nil
}

func loadYAML(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read yaml failed: %w", err)
	}
	var value interface{}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("parse yaml failed: %w", err)
	}
	return value, nil
}

func writeYAML(path string, value interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir failed: %w", err)
	}
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal yaml failed: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write yaml failed: %w", err)
	}
	return nil
}

func resolveOutputPath(outputDir string, service ServiceProfile) (string, error) {
	output := service.Output
	if output == "" {
		output = filepath.Base(service.Base)
	}
	if output == "" {
		return "", errors.New("output path is empty")
	}
	if filepath.IsAbs(output) {
		return output, nil
	}
	return filepath.Join(outputDir, output), nil
}

func normalizeValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			out[k] = normalizeValue(v)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(typed))
		for k, v := range typed {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}
			out[key] = normalizeValue(v)
		}
		return out
	case []interface{}:
		out := make([]interface{}, 0, len(typed))
		for _, item := range typed {
			out = append(out, normalizeValue(item))
		}
		return out
	default:
		return value
	}
}

func mergeMap(base interface{}, override interface{}) (interface{}, error) {
	baseMap, ok := base.(map[string]interface{})
	if !ok {
		return nil, errors.New("base config is not a map")
	}
	overrideMap, ok := override.(map[string]interface{})
	if !ok {
		return nil, errors.New("override config is not a map")
	}

	merged := make(map[string]interface{}, len(baseMap))
	for k, v := range baseMap {
		merged[k] = v
	}
	for key, overrideValue := range overrideMap {
		baseValue, exists := merged[key]
		if !exists {
			merged[key] = overrideValue
			continue
		}
		baseChild, baseIsMap := baseValue.(map[string]interface{})
		overrideChild, overrideIsMap := overrideValue.(map[string]interface{})
		if baseIsMap && overrideIsMap {
			combined, err := mergeMap(baseChild, overrideChild)
			if err != nil {
				return nil, err
			}
			merged[key] = combined
			continue
		}
		merged[key] = overrideValue
	}
	return merged, nil
}

// applyShared writes the shared settings a binary consumes into its config tree.
func applyShared(shared SharedProfile, serviceName string, config interface{}) (interface{}, error) {
	keys, ok := sharedKeys[serviceName]
	if !ok {
		return config, nil
	}
	root, ok := config.(map[string]interface{})
	if !ok {
		return nil, errors.New("service config is not a map")
	}
	for _, key := range keys {
		switch key {
		case "auth":
			setPath(root, shared.AuthSecret, "auth", "secret")
			setPath(root, shared.AuthIssuer, "auth", "issuer")
		case "database":
			setPath(root, shared.DatabaseDSN, "database", "dsn")
			setPath(root, shared.DatabaseType, "database", "driver")
		case "redis":
			setPath(root, shared.RedisAddr, "redis", "addr")
		case "mq":
			setPath(root, shared.MQDriver, "mq", "driver")
			if len(shared.KafkaBrokers) > 0 {
				brokers := make([]interface{}, 0, len(shared.KafkaBrokers))
				for _, b := range shared.KafkaBrokers {
					brokers = append(brokers, b)
				}
				setPath(root, brokers, "mq", "kafka", "brokers")
			}
		}
	}
	return root, nil
}

// setPath assigns value at path, creating maps on the way. Empty strings are skipped.
func setPath(root map[string]interface{}, value interface{}, path ...string) {
	if s, ok := value.(string); ok && s == "" {
		return
	}
	node := root
	for _, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]interface{})
		if !ok {
			child = map[string]interface{}{}
			node[key] = child
		}
		node = child
	}
	node[path[len(path)-1]] = value
}
