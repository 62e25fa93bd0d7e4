// Package config provides configuration loading for trino-lb.
//
// Configuration is a single declarative YAML file: external address, TLS
// files, persistence backend choice, proxy mode, tracing, cluster groups
// with their autoscaling policies and member clusters, routers in order,
// routing fallback, and scaler backend.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	Server       ServerConfig                `mapstructure:"server"`
	Persistence  PersistenceConfig           `mapstructure:"persistence"`
	ProxyMode    string                      `mapstructure:"proxyMode"` // "ProxyAllCalls" | "ProxyFirstCall"
	Tracing      TracingConfig               `mapstructure:"tracing"`
	ClusterGroups map[string]ClusterGroupConfig `mapstructure:"clusterGroups"`
	Routers       []RouterConfig              `mapstructure:"routers"`
	RoutingFallback string                    `mapstructure:"routingFallback"`
	Scaler        ScalerConfig                `mapstructure:"scaler"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listenAddr"`
	MetricsAddr  string        `mapstructure:"metricsAddr"`
	ExternalURL  string        `mapstructure:"externalUrl"` // base URL clients use to reach this replica, for nextUri rewriting
	TLSCertPath  string        `mapstructure:"tlsCertPath"`
	TLSKeyPath   string        `mapstructure:"tlsKeyPath"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// PersistenceConfig selects and configures the persistence backend.
type PersistenceConfig struct {
	Backend string `mapstructure:"backend"` // "memory" | "redis" | "relational"

	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`

	Relational struct {
		Driver string `mapstructure:"driver"` // "postgres" | "sqlite"
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"relational"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlpEndpoint"`
	Protocol    string `mapstructure:"protocol"` // not read: SetupTracing always exports OTLP over HTTP
	Compression string `mapstructure:"compression"`
}

// ClusterGroupConfig configures one cluster group and its member clusters.
type ClusterGroupConfig struct {
	MaxRunningQueries int                 `mapstructure:"maxRunningQueries"`
	Autoscaling       *AutoscalingConfig  `mapstructure:"autoscaling"`
	Clusters          []ClusterConfig     `mapstructure:"clusters"`
}

// AutoscalingConfig configures a group's scaler policy.
type AutoscalingConfig struct {
	MinClusters                               int           `mapstructure:"minClusters"`
	UpscaleQueuedQueriesThreshold              int           `mapstructure:"upscaleQueuedQueriesThreshold"`
	DownscaleRunningQueriesPercentageThreshold float64       `mapstructure:"downscaleRunningQueriesPercentageThreshold"`
	DrainIdleDurationBeforeShutdown            time.Duration `mapstructure:"drainIdleDurationBeforeShutdown"`
	WeeklySchedule                             []ScheduleWindow `mapstructure:"weeklySchedule"`
}

// ScheduleWindow is a (weekdays, time-of-day window) -> minimum cluster count rule.
type ScheduleWindow struct {
	Weekdays   []time.Weekday `mapstructure:"weekdays"`
	StartHour  int            `mapstructure:"startHour"`
	EndHour    int            `mapstructure:"endHour"`
	MinClusters int           `mapstructure:"minClusters"`
}

// ClusterConfig describes one Trino coordinator endpoint.
type ClusterConfig struct {
	Name     string `mapstructure:"name"`
	Endpoint string `mapstructure:"endpoint"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	TLSInsecureSkipVerify bool `mapstructure:"tlsInsecureSkipVerify"`
	Autoscaled bool `mapstructure:"autoscaled"`
}

// RouterConfig configures one entry in the router chain.
type RouterConfig struct {
	Type string `mapstructure:"type"` // "header" | "clientTags" | "script" | "explainCosts"

	Header struct {
		HeaderName string `mapstructure:"headerName"`
	} `mapstructure:"header"`

	ClientTags struct {
		OneOf  []string          `mapstructure:"oneOf"`
		AllOf  []string          `mapstructure:"allOf"`
		Target string            `mapstructure:"target"`
	} `mapstructure:"clientTags"`

	Script struct {
		Path    string        `mapstructure:"path"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"script"`

	ExplainCosts struct {
		Coordinator string              `mapstructure:"coordinator"`
		Thresholds  []CostThresholdRule `mapstructure:"thresholds"`
	} `mapstructure:"explainCosts"`
}

// CostThresholdRule is one {thresholds -> group} entry, evaluated in order.
type CostThresholdRule struct {
	Group           string  `mapstructure:"group"`
	MaxCPUCost      float64 `mapstructure:"maxCpuCost"`
	MaxMemoryCost   float64 `mapstructure:"maxMemoryCost"`
	MaxNetworkCost  float64 `mapstructure:"maxNetworkCost"`
	MaxRowCount     float64 `mapstructure:"maxRowCount"`
	MaxOutputSize   float64 `mapstructure:"maxOutputSize"`
}

// ScalerConfig selects the scaler control backend.
type ScalerConfig struct {
	Backend        string        `mapstructure:"backend"` // "noop" | "kubernetes"
	ReconcileEvery time.Duration `mapstructure:"reconcileEvery"`
	Kubernetes     struct {
		Kubeconfig string `mapstructure:"kubeconfig"`
		Group      string `mapstructure:"group"`
		Version    string `mapstructure:"version"`
		Resource   string `mapstructure:"resource"`
		Namespace  string `mapstructure:"namespace"`
	} `mapstructure:"kubernetes"`
}

// Load loads configuration from configPath (or, if empty, the first
// trino-lb.yaml found in ~/.trino-lb or the current directory), then
// environment variables prefixed TRINOLB_, then applies defaults for
// anything left unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".trino-lb"))
		}
		v.AddConfigPath(".")
		v.SetConfigName("trino-lb")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("TRINOLB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listenAddr", ":8080")
	v.SetDefault("server.metricsAddr", ":9090")
	v.SetDefault("server.externalUrl", "http://localhost:8080")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("persistence.backend", "memory")
	v.SetDefault("proxyMode", "ProxyAllCalls")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.protocol", "http")
	v.SetDefault("scaler.backend", "noop")
	v.SetDefault("scaler.reconcileEvery", "30s")
}

// Validate checks structural invariants that viper's unmarshal can't
// express: every router must reference a real type, routingFallback must
// name a configured group, and every cluster name must be globally unique.
func (c *Config) Validate() error {
	if c.ProxyMode != "ProxyAllCalls" && c.ProxyMode != "ProxyFirstCall" {
		return fmt.Errorf("config: proxyMode must be ProxyAllCalls or ProxyFirstCall, got %q", c.ProxyMode)
	}

	if len(c.ClusterGroups) == 0 {
		return fmt.Errorf("config: at least one cluster group is required")
	}

	if _, ok := c.ClusterGroups[c.RoutingFallback]; c.RoutingFallback != "" && !ok {
		return fmt.Errorf("config: routingFallback %q does not name a configured cluster group", c.RoutingFallback)
	}

	seen := make(map[string]string)
	for groupName, group := range c.ClusterGroups {
		if group.MaxRunningQueries <= 0 {
			return fmt.Errorf("config: cluster group %q must set maxRunningQueries > 0", groupName)
		}
		for _, cl := range group.Clusters {
			if owner, ok := seen[cl.Name]; ok {
				return fmt.Errorf("config: cluster name %q used by both group %q and %q; must be globally unique", cl.Name, owner, groupName)
			}
			seen[cl.Name] = groupName
		}
	}

	for _, r := range c.Routers {
		switch r.Type {
		case "header", "clientTags", "script", "explainCosts":
		default:
			return fmt.Errorf("config: unknown router type %q", r.Type)
		}
	}

	switch c.Persistence.Backend {
	case "memory", "redis", "relational":
	default:
		return fmt.Errorf("config: unknown persistence backend %q", c.Persistence.Backend)
	}

	return nil
}
