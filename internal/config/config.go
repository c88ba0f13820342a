// ABOUTME: Server and CLI configuration loaded from TOML and overridden by flags
// ABOUTME: Parse, Adjust and Validate run in that order

package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	flag "github.com/spf13/pflag"

	"github.com/nainya/nestedset/internal/logger"
	"github.com/nainya/nestedset/pkg/mptt"
)

const (
	defaultAddr               = "127.0.0.1:50051"
	defaultStatusAddr         = "127.0.0.1:9090"
	defaultDBPath             = "nestedset.db"
	defaultTable              = "nodes"
	defaultBatchSize          = mptt.DefaultBatchSize
	defaultJournalMaxFileSize = 64 << 20
	defaultJournalMaxFiles    = 4
	defaultCheckpointInterval = 10 * time.Minute
	defaultLogLevel           = "info"
)

// Duration is a time.Duration that decodes from TOML strings like "30s"
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText formats the duration
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// TreeConfig describes the node table
type TreeConfig struct {
	Table            string   `toml:"table"`
	ExtraColumns     []string `toml:"extra-columns"`
	OrderInsertionBy []string `toml:"order-insertion-by"`
	RootOrdering     bool     `toml:"root-ordering"`
	BatchSize        int      `toml:"batch-size"`
}

// JournalConfig configures the write journal. An empty path disables it.
type JournalConfig struct {
	Path               string   `toml:"path"`
	MaxFileSize        int64    `toml:"max-file-size"`
	MaxFiles           int      `toml:"max-files"`
	CheckpointInterval Duration `toml:"checkpoint-interval"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Config is the nestedset server configuration
type Config struct {
	flagSet    *flag.FlagSet
	configFile string

	Addr       string `toml:"addr"`
	StatusAddr string `toml:"status-addr"`
	DBPath     string `toml:"db-path"`

	Tree    TreeConfig    `toml:"tree"`
	Journal JournalConfig `toml:"journal"`
	Log     LogConfig     `toml:"log"`
}

// NewConfig registers the command line flags of the server
func NewConfig(name string) *Config {
	cfg := &Config{}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	cfg.flagSet = fs

	fs.StringVarP(&cfg.configFile, "config", "c", "", "config file")
	fs.StringVar(&cfg.Addr, "addr", defaultAddr, "gRPC listen address")
	fs.StringVar(&cfg.StatusAddr, "status-addr", defaultStatusAddr, "metrics and health listen address, empty disables it")
	fs.StringVar(&cfg.DBPath, "db", defaultDBPath, "SQLite database path")
	fs.StringVar(&cfg.Tree.Table, "table", defaultTable, "node table name")
	fs.StringSliceVar(&cfg.Tree.ExtraColumns, "extra-columns", nil, "caller columns stored with every node")
	fs.StringSliceVar(&cfg.Tree.OrderInsertionBy, "order-insertion-by", nil, "sibling order columns used by rebuilds")
	fs.BoolVar(&cfg.Tree.RootOrdering, "root-ordering", true, "keep tree ids contiguous and ordered")
	fs.IntVar(&cfg.Tree.BatchSize, "batch-size", defaultBatchSize, "rows per bulk update during rebuilds")
	fs.StringVar(&cfg.Journal.Path, "journal", "", "journal base path, empty disables journaling")
	fs.StringVar(&cfg.Log.Level, "log-level", defaultLogLevel, "log level")
	fs.BoolVar(&cfg.Log.Pretty, "log-pretty", false, "console log output")
	return cfg
}

// FlagSet exposes the flags, for usage output
func (c *Config) FlagSet() *flag.FlagSet {
	return c.flagSet
}

// Parse loads the config file named by --config, then applies the command
// line so that explicit flags win over the file.
func (c *Config) Parse(arguments []string) error {
	pre := flag.NewFlagSet("config", flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	pre.ParseErrorsWhitelist.UnknownFlags = true
	pre.StringVarP(&c.configFile, "config", "c", "", "")
	_ = pre.Parse(arguments)

	var meta *toml.MetaData
	if c.configFile != "" {
		md, err := toml.DecodeFile(c.configFile, c)
		if err != nil {
			return fmt.Errorf("load config %s: %w", c.configFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("config contains undefined items: %s", strings.Join(keys, ", "))
		}
		meta = &md
	}

	if err := c.flagSet.Parse(arguments); err != nil {
		return err
	}
	if len(c.flagSet.Args()) != 0 {
		return fmt.Errorf("'%s' is an invalid flag", c.flagSet.Arg(0))
	}

	c.Adjust(meta)
	return c.Validate()
}

func isDefined(meta *toml.MetaData, key ...string) bool {
	return meta != nil && meta.IsDefined(key...)
}

// Adjust fills values that have no flag default
func (c *Config) Adjust(meta *toml.MetaData) {
	if c.Tree.Table == "" {
		c.Tree.Table = defaultTable
	}
	if c.Tree.BatchSize <= 0 {
		c.Tree.BatchSize = defaultBatchSize
	}
	if !isDefined(meta, "journal", "max-file-size") && c.Journal.MaxFileSize == 0 {
		c.Journal.MaxFileSize = defaultJournalMaxFileSize
	}
	if !isDefined(meta, "journal", "max-files") && c.Journal.MaxFiles == 0 {
		c.Journal.MaxFiles = defaultJournalMaxFiles
	}
	if c.Journal.CheckpointInterval.Duration == 0 {
		c.Journal.CheckpointInterval.Duration = defaultCheckpointInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
}

// Validate checks the adjusted configuration
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db-path must not be empty"))
	}
	if c.Journal.MaxFileSize <= 0 {
		errs = append(errs, errors.New("journal max-file-size must be positive"))
	}
	if c.Journal.MaxFiles < 0 {
		errs = append(errs, errors.New("journal max-files must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := c.Schema().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Schema builds the node table mapping
func (c *Config) Schema() *mptt.Schema {
	s := mptt.NewSchema(c.Tree.Table, c.Tree.ExtraColumns...)
	s.RootOrdering = c.Tree.RootOrdering
	for _, col := range c.Tree.OrderInsertionBy {
		desc := strings.HasPrefix(col, "-")
		s.OrderInsertionBy = append(s.OrderInsertionBy, mptt.Order{Field: mptt.Field(strings.TrimPrefix(col, "-")), Desc: desc})
	}
	return s
}

// Logger builds the configured logger
func (c *Config) Logger() *logger.Logger {
	return logger.NewLogger(logger.Config{Level: c.Log.Level, Pretty: c.Log.Pretty})
}

// ManagerOptions returns the engine options implied by the configuration
func (c *Config) ManagerOptions() []mptt.Option {
	return []mptt.Option{mptt.WithBatchSize(c.Tree.BatchSize)}
}
