package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const envVarConfigFile = "TELECONSULT_SIGNALING_CONFIG_FILE"

// fileKeys are the variables a config file may set. They use the same names
// as the environment so one deployment manifest can feed either.
var fileKeys = []string{
	envVarListenAddr, envVarPublicBaseURL, envVarAllowedOrigins,
	envVarLogFormat, envVarLogLevel, envVarShutdownTimeout, envVarMode,
	envVarAuthMode, envVarAPIKey, envVarJWTSecret,
	envVarSignalingAuthTimeout, envVarSignalingWSIdleTimeout, envVarSignalingWSPingInterval,
	envVarMaxSignalingMessageBytes, envVarMaxSignalingMessagesPerSecond,
	envVarSignalingSendQueueFrames, envVarSignalingSendQueueBytes,
	envVarIdleRoomGrace, envVarMaxSignalingConnectsPerIP,
	envVarConsultationAPIBaseURL, envVarConsultationAPIToken,
	envVarConsultationAPITimeout, envVarConsultationHookQueue,
	envVarTURNRESTSharedSecret, envVarTURNRESTTTLSeconds,
	envVarTURNRESTUsernamePrefix, envVarTURNRESTRealm,
	envICEServersJSON, envStunURLs, envTurnURLs, envTurnUsername, envTurnCredential,
}

// readConfigFile parses a YAML mapping of variable names to values. Sequences
// are joined with commas. ICE_SERVERS_JSON may be given as structured YAML
// and is re-encoded as JSON.
func readConfigFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	known := make(map[string]bool, len(fileKeys))
	for _, k := range fileKeys {
		known[k] = true
	}

	out := make(map[string]string, len(doc))
	var unknown []string
	for key, node := range doc {
		if !known[key] {
			unknown = append(unknown, key)
			continue
		}
		v, err := nodeValue(key, &node)
		if err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		out[key] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("config file %s: unknown keys %s", path, strings.Join(unknown, ", "))
	}
	return out, nil
}

func nodeValue(key string, node *yaml.Node) (string, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Value, nil
	case yaml.SequenceNode:
		if key == envICEServersJSON {
			return iceServersFromYAML(node)
		}
		parts := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("%s: list items must be scalars (line %d)", key, item.Line)
			}
			parts = append(parts, item.Value)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("%s: unsupported value at line %d", key, node.Line)
	}
}

// iceServersFromYAML turns a structured server list into the JSON form that
// ICE_SERVERS_JSON expects.
func iceServersFromYAML(node *yaml.Node) (string, error) {
	type server struct {
		URLs       yamlStrings `yaml:"urls" json:"urls"`
		Username   string      `yaml:"username" json:"username,omitempty"`
		Credential string      `yaml:"credential" json:"credential,omitempty"`
	}
	var servers []server
	if err := node.Decode(&servers); err != nil {
		return "", fmt.Errorf("%s: %w", envICEServersJSON, err)
	}
	out, err := json.Marshal(servers)
	if err != nil {
		return "", fmt.Errorf("%s: %w", envICEServersJSON, err)
	}
	return string(out), nil
}

// yamlStrings accepts either a single string or a list.
type yamlStrings []string

func (s *yamlStrings) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = []string{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// configFilePath finds --config-file in args before the flag set is parsed,
// since the file supplies the flag defaults.
func configFilePath(lookup func(string) (string, bool), args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name := strings.TrimLeft(a, "-")
		if name == a || len(a)-len(name) > 2 {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config-file="); ok {
			return v
		}
		if name == "config-file" && i+1 < len(args) {
			return args[i+1]
		}
	}
	path, _ := lookup(envVarConfigFile)
	return strings.TrimSpace(path)
}

// withConfigFile layers the config file beneath lookup. Environment values
// win over the file; flags win over both.
func withConfigFile(lookup func(string) (string, bool), args []string) (func(string) (string, bool), string, error) {
	path := configFilePath(lookup, args)
	if path == "" {
		return lookup, "", nil
	}
	values, err := readConfigFile(path)
	if err != nil {
		return nil, "", err
	}
	return func(key string) (string, bool) {
		if v, ok := lookup(key); ok && v != "" {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, path, nil
}
