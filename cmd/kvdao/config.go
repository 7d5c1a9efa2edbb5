package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andreyvit/kvdao"
)

// Config is read from flags, KVDAO_* environment variables (a .env file in
// the working directory is loaded first) and kvdao.yaml.
type Config struct {
	Path      string `mapstructure:"path"`
	Engine    string `mapstructure:"engine"`
	LogLevel  string `mapstructure:"log_level"`
	Verbose   bool   `mapstructure:"verbose"`
	Format    string `mapstructure:"format"`
	KeyFormat string `mapstructure:"key_format"`

	// Entities describe how primary and index partitions relate, for the
	// index and dump commands.
	Entities []EntityConfig `mapstructure:"entities"`

	level logrus.Level
}

type EntityConfig struct {
	Name      string        `mapstructure:"name"`
	Partition string        `mapstructure:"partition"`
	Indexes   []IndexConfig `mapstructure:"indexes"`
}

type IndexConfig struct {
	Name      string `mapstructure:"name"`
	Partition string `mapstructure:"partition"`
	Unique    bool   `mapstructure:"unique"`
}

func Load(cmd *cobra.Command) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Root().PersistentFlags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("kvdao")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read kvdao.yaml: %w", err)
			}
		}
	}

	v.SetEnvPrefix("KVDAO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logrus.Debugf("config: path=%s engine=%s entities=%d", cfg.Path, cfg.Engine, len(cfg.Entities))
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("path", "")
	v.SetDefault("engine", string(kvdao.EngineBolt))
	v.SetDefault("log_level", "info")
	v.SetDefault("verbose", false)
	v.SetDefault("format", "text")
	v.SetDefault("key_format", "string")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"path":       "path",
		"engine":     "engine",
		"log-level":  "log_level",
		"verbose":    "verbose",
		"format":     "format",
		"key-format": "key_format",
	}
	pflags := cmd.Root().PersistentFlags()
	for flag, key := range flags {
		if err := v.BindPFlag(key, pflags.Lookup(flag)); err != nil {
			return err
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Path == "" {
		return fmt.Errorf("path is required: specify via --path flag, kvdao.yaml, or KVDAO_PATH environment variable")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	cfg.level = level
	switch kvdao.EngineKind(cfg.Engine) {
	case kvdao.EngineBolt, kvdao.EnginePebble, kvdao.EngineBadger, kvdao.EngineMemory:
	default:
		return fmt.Errorf("unknown engine %q", cfg.Engine)
	}
	switch cfg.Format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown format %q", cfg.Format)
	}
	if _, err := parseKey(cfg.KeyFormat, ""); errors.Is(err, errUnknownKeyFormat) {
		return err
	}
	return nil
}

// debug reports whether scans should trace their plans and bounds.
func (cfg *Config) debug() bool {
	return cfg.level >= logrus.DebugLevel
}

// rawRecord stands in for entity types the CLI knows nothing about.
type rawRecord []byte

type rawCodec struct{}

func (rawCodec) EncodeValue(v *rawRecord) ([]byte, error) { return []byte(*v), nil }

func (rawCodec) DecodeValue(b []byte) (*rawRecord, error) {
	r := rawRecord(append([]byte(nil), b...))
	return &r, nil
}

func noIndexValues(*rawRecord) [][]byte { return nil }

// schema declares the configured entities over raw bytes. The CLI never
// writes records, so index extractors are never consulted.
func (cfg *Config) schema() (scm *kvdao.Schema, err error) {
	defer func() {
		if p := recover(); p != nil {
			scm, err = nil, fmt.Errorf("invalid entities: %v", p)
		}
	}()
	scm = kvdao.NewSchema()
	for _, ec := range cfg.Entities {
		var indexes []*kvdao.IndexDef[rawRecord]
		for _, ic := range ec.Indexes {
			idx := kvdao.RawIndex(ic.Name, ic.Partition, noIndexValues)
			if ic.Unique {
				idx = idx.Unique()
			}
			indexes = append(indexes, idx)
		}
		kvdao.DefineEntity(scm, ec.Name, ec.Partition, kvdao.BytesKey(), kvdao.ValueCodec[rawRecord](rawCodec{}), indexes...)
	}
	return scm, nil
}
