// Package config loads connection and pool parameters from a YAML file,
// with REDIS_HOST / REDIS_PORT environment overrides for test rigs.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/ghodss/yaml"

	"github.com/siderkv/sider/redis"
	"github.com/siderkv/sider/siderconn"
	"github.com/siderkv/sider/siderpool"
)

type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	UnixPath string `json:"unixPath"`
	DB       int    `json:"db"`
	Password string `json:"password"`
	Name     string `json:"name"`

	PoolSize int `json:"poolSize"`

	ReadBufferInitial int `json:"readBufferInitial"`
	ReadBufferMax     int `json:"readBufferMax"`

	DialTimeoutMs int `json:"dialTimeoutMs"`
	IOTimeoutMs   int `json:"ioTimeoutMs"`
}

// Default returns the configuration used when a field is absent from the
// file.
func Default() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              6379,
		PoolSize:          1,
		ReadBufferInitial: siderconn.DefaultReadBufferInitial,
		ReadBufferMax:     siderconn.DefaultReadBufferMax,
	}
}

// Parse unmarshals data over the defaults and applies environment overrides.
func Parse(data []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, redis.ErrUsage.Wrap(err, "cannot parse configuration")
	}
	c.applyEnv()
	return c, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, redis.ErrUsage.Wrap(err, "cannot read configuration file")
	}
	return Parse(data)
}

// applyEnv lets test rigs repoint a fixed config file at their own server.
func (c *Config) applyEnv() {
	if host := os.Getenv("REDIS_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
}

// ConnOpts maps the configuration onto connection options.
func (c Config) ConnOpts() siderconn.Opts {
	return siderconn.Opts{
		Host:              c.Host,
		Port:              c.Port,
		UnixPath:          c.UnixPath,
		DB:                c.DB,
		Password:          c.Password,
		Name:              c.Name,
		DialTimeout:       time.Duration(c.DialTimeoutMs) * time.Millisecond,
		IOTimeout:         time.Duration(c.IOTimeoutMs) * time.Millisecond,
		ReadBufferInitial: c.ReadBufferInitial,
		ReadBufferMax:     c.ReadBufferMax,
	}
}

// PoolOpts maps the configuration onto pool options.
func (c Config) PoolOpts() siderpool.Opts {
	return siderpool.Opts{
		Size: c.PoolSize,
		Conn: c.ConnOpts(),
	}
}
