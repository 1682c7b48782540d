// Package dbconfig loads the connection and subprocess settings referenced
// by --db-config: MySQL (Result Sink), ClickHouse (Task Fetcher), and the
// HDFS counter subprocess. Values are read from YAML first, then
// overridden by environment variables, then validated.
package dbconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type MySQL struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"required"`
	Database string `yaml:"database" validate:"required"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
}

func (m MySQL) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=Local",
		m.User, m.Password, m.Host, m.Port, m.Database)
}

type ClickHouse struct {
	Hosts    []string `yaml:"hosts" validate:"required,min=1"`
	Database string   `yaml:"database" validate:"required"`
	User     string   `yaml:"user"`
	Password string   `yaml:"password"`
	Query    string   `yaml:"query" validate:"required"`
}

type Counter struct {
	JarPath       string `yaml:"jar_path" validate:"required"`
	JavaHome      string `yaml:"java_home"`
	HadoopConfDir string `yaml:"hadoop_conf_dir"`
}

// Config is the parsed, env-overridden, validated db-config file.
type Config struct {
	MySQL      MySQL      `yaml:"mysql" validate:"required"`
	ClickHouse ClickHouse `yaml:"clickhouse" validate:"required"`
	Counter    Counter    `yaml:"counter" validate:"required"`
	Timezone   string     `yaml:"timezone" validate:"required"`
}

// Load reads path, applies environment variable overrides, and validates
// the result. Environment overrides match the external interface table:
// MYSQL_HOST, MYSQL_PORT, MYSQL_DATABASE, MYSQL_USER, MYSQL_PASSWORD,
// CLICKHOUSE_HOST (comma-separated), CLICKHOUSE_PORT, CLICKHOUSE_DATABASE,
// CLICKHOUSE_USER, CLICKHOUSE_PASSWORD, HDFS_COUNTER_JAR.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read db config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse db config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid db config: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MYSQL_HOST"); v != "" {
		cfg.MySQL.Host = v
	}
	if v := os.Getenv("MYSQL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MySQL.Port = port
		}
	}
	if v := os.Getenv("MYSQL_DATABASE"); v != "" {
		cfg.MySQL.Database = v
	}
	if v := os.Getenv("MYSQL_USER"); v != "" {
		cfg.MySQL.User = v
	}
	if v := os.Getenv("MYSQL_PASSWORD"); v != "" {
		cfg.MySQL.Password = v
	}

	if v := os.Getenv("CLICKHOUSE_HOST"); v != "" {
		hosts := strings.Split(v, ",")
		port := ""
		if p := os.Getenv("CLICKHOUSE_PORT"); p != "" {
			port = ":" + p
		}
		for i, h := range hosts {
			h = strings.TrimSpace(h)
			if port != "" && !strings.Contains(h, ":") {
				h += port
			}
			hosts[i] = h
		}
		cfg.ClickHouse.Hosts = hosts
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		cfg.ClickHouse.Database = v
	}
	if v := os.Getenv("CLICKHOUSE_USER"); v != "" {
		cfg.ClickHouse.User = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		cfg.ClickHouse.Password = v
	}

	if v := os.Getenv("HDFS_COUNTER_JAR"); v != "" {
		cfg.Counter.JarPath = v
	}
}
