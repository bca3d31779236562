package audionode

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// NodeConfig holds the connection settings for one audio node.
type NodeConfig struct {
	Name     string
	Host     string
	Port     int
	Password string
	Secure   bool
}

// ClusterConfig contains configuration for the audio node manager.
type ClusterConfig struct {
	Nodes []NodeConfig

	// SearchPrefix is the identifier prefix for free-text searches on the
	// primary platform, e.g. "ytsearch".
	SearchPrefix string

	RestTimeout      time.Duration
	ReconnectDelay   time.Duration
	WatchdogInterval time.Duration
	MaxRebuilds      int
	SearchCacheTTL   time.Duration
}

// DefaultClusterConfig returns a configuration with sensible defaults.
func DefaultClusterConfig() *ClusterConfig {
	return &ClusterConfig{
		SearchPrefix:     "ytsearch",
		RestTimeout:      10 * time.Second,
		ReconnectDelay:   5 * time.Second,
		WatchdogInterval: 30 * time.Second,
		MaxRebuilds:      5,
		SearchCacheTTL:   time.Hour,
	}
}

// LoadFromEnvironment loads configuration values from environment variables.
// Nodes are read from AUDIO_NODES as a comma-separated list of
// name@host:port:password entries; AUDIO_NODES_SECURE enables TLS for all.
func (c *ClusterConfig) LoadFromEnvironment() {
	if val := os.Getenv("AUDIO_NODES"); val != "" {
		secure := os.Getenv("AUDIO_NODES_SECURE") == "true"
		c.Nodes = c.Nodes[:0]
		for _, entry := range strings.Split(val, ",") {
			node, err := parseNodeEntry(strings.TrimSpace(entry), secure)
			if err != nil {
				continue
			}
			c.Nodes = append(c.Nodes, node)
		}
	}
	if val := os.Getenv("AUDIO_SEARCH_PREFIX"); val != "" {
		c.SearchPrefix = val
	}
	if val := os.Getenv("AUDIO_WATCHDOG_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.WatchdogInterval = d
		}
	}
	if val := os.Getenv("AUDIO_MAX_REBUILDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.MaxRebuilds = n
		}
	}
}

func parseNodeEntry(entry string, secure bool) (NodeConfig, error) {
	name := "main"
	if at := strings.IndexByte(entry, '@'); at >= 0 {
		name, entry = entry[:at], entry[at+1:]
	}
	parts := strings.SplitN(entry, ":", 3)
	if len(parts) != 3 {
		return NodeConfig{}, fmt.Errorf("malformed node entry %q", entry)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return NodeConfig{}, fmt.Errorf("malformed node port %q", parts[1])
	}
	return NodeConfig{
		Name:     name,
		Host:     parts[0],
		Port:     port,
		Password: parts[2],
		Secure:   secure,
	}, nil
}

// Validate validates the configuration and returns any errors.
func (c *ClusterConfig) Validate() error {
	var errs []string
	if len(c.Nodes) == 0 {
		errs = append(errs, "at least one node must be configured")
	}
	for _, node := range c.Nodes {
		if node.Host == "" {
			errs = append(errs, fmt.Sprintf("node %q host cannot be empty", node.Name))
		}
		if node.Port <= 0 || node.Port > 65535 {
			errs = append(errs, fmt.Sprintf("node %q port out of range", node.Name))
		}
	}
	if c.SearchPrefix == "" {
		errs = append(errs, "search prefix cannot be empty")
	}
	if c.WatchdogInterval <= 0 {
		errs = append(errs, "watchdog interval must be > 0")
	}
	if c.MaxRebuilds < 0 {
		errs = append(errs, "max rebuilds must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("cluster configuration validation failed: %v", errs)
	}
	return nil
}
