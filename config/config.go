// Package config loads clustermgrd's configuration the way the
// teacher repo's server package does: a layered viper read (built-in
// defaults, a shared "default" section, then a per-cluster section
// overriding it), pflag-bound command line flags, and an env prefix
// so operators can override any key without touching the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "CLUSTERMGR"

// Config is the fully resolved configuration for one managed cluster.
// Fields mirror the component knobs named across SPEC_FULL.md §4.9-4.14.
type Config struct {
	ConfigFile        string        `mapstructure:"config-file"`
	ClusterConfigPath string        `mapstructure:"cluster-config-path"`
	ClusterName       string        `mapstructure:"cluster-name"`
	WorkingDir        string        `mapstructure:"working-dir"`

	CatalogDSN string `mapstructure:"catalog-dsn"`

	SwitchIntervalMs int  `mapstructure:"switch-interval-ms"`
	AllowAllAsync    bool `mapstructure:"allow-all-async"`

	AgentConnectTimeout time.Duration `mapstructure:"agent-connect-timeout"`
	AgentDialTimeout    time.Duration `mapstructure:"agent-dial-timeout"`

	ManagerIP string `mapstructure:"manager-ip"`

	HTTPListenAddress string `mapstructure:"http-listen-address"`
	HTTPJWTSigningKey string `mapstructure:"http-jwt-signing-key"`
	OIDCIssuerURL     string `mapstructure:"oidc-issuer-url"`
	OIDCClientID      string `mapstructure:"oidc-client-id"`

	GRPCListenAddress    string `mapstructure:"grpc-listen-address"`
	GRPCWebListenAddress string `mapstructure:"grpc-web-listen-address"`

	MetricsListenAddress string `mapstructure:"metrics-listen-address"`

	LogLevel    string `mapstructure:"log-level"`
	LogFile     string `mapstructure:"log-file"`
	SyslogAddr  string `mapstructure:"syslog-address"`
	SyslogTag   string `mapstructure:"syslog-tag"`

	// Hosts maps a catalog host id to its network address, agent port
	// and OS user, read from the config file's [hosts.<id>] sections.
	// This is the external collaborator spec §3 describes: clustermgrd
	// seeds the catalog's host table from this map once at startup, and
	// every engine afterward resolves a host-id exclusively through
	// catalog.HostResolver, never through this map directly.
	Hosts map[string]HostConfig `mapstructure:"hosts"`
}

type HostConfig struct {
	Address   string `mapstructure:"address"`
	AgentPort int    `mapstructure:"agent-port"`
	OSUser    string `mapstructure:"os-user"`
}

// Defaults mirrors the teacher's pattern of registering every flag's
// default centrally before any file or env override is applied.
func Defaults() Config {
	return Config{
		ClusterConfigPath:    "./cluster.d",
		WorkingDir:           "./data",
		CatalogDSN:           "catalog.db",
		SwitchIntervalMs:     2000,
		AgentConnectTimeout:  2 * time.Second,
		AgentDialTimeout:     2 * time.Second,
		HTTPListenAddress:    "0.0.0.0:10001",
		GRPCListenAddress:    "0.0.0.0:10002",
		GRPCWebListenAddress: "0.0.0.0:10003",
		MetricsListenAddress: "0.0.0.0:10004",
		LogLevel:             "info",
		SyslogTag:            "clustermgrd",
	}
}

// BindFlags registers pflag bindings for every Config field the CLI
// entrypoints expose, following the teacher's "one flag per config
// knob, same name dashed" convention.
func BindFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("config-file", defaults.ConfigFile, "path to a TOML config file")
	fs.String("cluster-config-path", defaults.ClusterConfigPath, "directory of per-cluster TOML includes")
	fs.String("cluster-name", defaults.ClusterName, "name of the cluster section to load")
	fs.String("working-dir", defaults.WorkingDir, "writable working directory")
	fs.String("catalog-dsn", defaults.CatalogDSN, "catalog store DSN")
	fs.Int("switch-interval-ms", defaults.SwitchIntervalMs, "switcher tick interval in milliseconds")
	fs.Bool("allow-all-async", defaults.AllowAllAsync, "permit an all-async sync set without a standby (I3 override)")
	fs.Duration("agent-connect-timeout", defaults.AgentConnectTimeout, "agent RPC connect timeout")
	fs.Duration("agent-dial-timeout", defaults.AgentDialTimeout, "agent RPC client default timeout")
	fs.String("manager-ip", defaults.ManagerIP, "manager's own address, used for HBA trust lines")
	fs.String("http-listen-address", defaults.HTTPListenAddress, "HTTP administrative API listen address")
	fs.String("http-jwt-signing-key", defaults.HTTPJWTSigningKey, "path to an RSA private key for JWT signing, generated if empty")
	fs.String("oidc-issuer-url", defaults.OIDCIssuerURL, "OIDC issuer URL for SSO login")
	fs.String("oidc-client-id", defaults.OIDCClientID, "OIDC client id")
	fs.String("grpc-listen-address", defaults.GRPCListenAddress, "gRPC administrative API listen address")
	fs.String("grpc-web-listen-address", defaults.GRPCWebListenAddress, "gRPC-Web bridge listen address")
	fs.String("metrics-listen-address", defaults.MetricsListenAddress, "Prometheus /metrics listen address")
	fs.String("log-level", defaults.LogLevel, "logrus level")
	fs.String("log-file", defaults.LogFile, "rotating log file path, empty disables")
	fs.String("syslog-address", defaults.SyslogAddr, "syslog server address, empty disables")
	fs.String("syslog-tag", defaults.SyslogTag, "syslog program tag")
}

// Load reproduces the teacher's InitConfig/GetClusterConfig split: a
// first viper read resolves the "default" section of the config file,
// then a per-cluster viper overlays cluster-specific keys on top of
// that default, with pflag/env taking precedence over both.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	v.SetConfigType("toml")
	if cfg.ConfigFile != "" {
		if _, err := os.Stat(cfg.ConfigFile); os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: no such file %s", cfg.ConfigFile)
		}
		v.SetConfigFile(cfg.ConfigFile)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("/etc/clustermgr/")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: parsing %s: %w", v.ConfigFileUsed(), err)
		}
	}

	defaultSection := v.Sub("default")
	clusterSection := sectionFor(v, cfg.ClusterName)

	merged := v
	if defaultSection != nil {
		for _, k := range defaultSection.AllKeys() {
			merged.SetDefault(k, defaultSection.Get(k))
		}
	}
	if clusterSection != nil {
		for _, k := range clusterSection.AllKeys() {
			if f := fs.Lookup(k); f != nil && f.Changed {
				continue
			}
			if _, set := os.LookupEnv(envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))); set {
				continue
			}
			merged.Set(k, clusterSection.Get(k))
		}
	}

	if err := merged.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func sectionFor(v *viper.Viper, cluster string) *viper.Viper {
	if cluster == "" {
		return nil
	}
	return v.Sub(cluster)
}
