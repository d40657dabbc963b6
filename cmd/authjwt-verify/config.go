package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// config is the CLI configuration. Values come from the YAML file, then the
// environment, then explicitly set flags, each overriding the previous.
type config struct {
	AuthServiceURL    string        `yaml:"auth_service_url"`
	JWKSPath          string        `yaml:"jwks_path"`
	Issuer            string        `yaml:"issuer"`
	Audience          string        `yaml:"audience"`
	HTTPTimeout       time.Duration `yaml:"http_timeout"`
	ClockSkew         time.Duration `yaml:"clock_skew"`
	RequireExpiration bool          `yaml:"require_expiration"`

	// ServiceAccount and IDTokenAudience enable Google identity tokens on
	// JWKS requests.
	ServiceAccount  string `yaml:"service_account"`
	IDTokenAudience string `yaml:"id_token_audience"`

	LogLevel string `yaml:"log_level"`
}

var envKeys = map[string]func(*config, string) error{
	"AUTHJWT_AUTH_SERVICE_URL": func(c *config, v string) error { c.AuthServiceURL = v; return nil },
	"AUTHJWT_JWKS_PATH":        func(c *config, v string) error { c.JWKSPath = v; return nil },
	"AUTHJWT_ISSUER":           func(c *config, v string) error { c.Issuer = v; return nil },
	"AUTHJWT_AUDIENCE":         func(c *config, v string) error { c.Audience = v; return nil },
	"AUTHJWT_SERVICE_ACCOUNT":  func(c *config, v string) error { c.ServiceAccount = v; return nil },
	"AUTHJWT_ID_TOKEN_AUDIENCE": func(c *config, v string) error {
		c.IDTokenAudience = v
		return nil
	},
	"AUTHJWT_LOG_LEVEL": func(c *config, v string) error { c.LogLevel = v; return nil },
	"AUTHJWT_HTTP_TIMEOUT": func(c *config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.HTTPTimeout = d
		return nil
	},
	"AUTHJWT_CLOCK_SKEW": func(c *config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.ClockSkew = d
		return nil
	},
	"AUTHJWT_REQUIRE_EXPIRATION": func(c *config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		c.RequireExpiration = b
		return nil
	},
}

// loadConfigFile reads a YAML config. An empty path yields the zero config.
func loadConfigFile(path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv overrides fields from AUTHJWT_* variables.
func (c *config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	for key, set := range envKeys {
		value, ok := lookup(key)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := set(c, strings.TrimSpace(value)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (c config) validate() error {
	switch {
	case c.AuthServiceURL == "":
		return errors.New("auth service url is required (--auth-url or AUTHJWT_AUTH_SERVICE_URL)")
	case c.Issuer == "":
		return errors.New("issuer is required (--issuer or AUTHJWT_ISSUER)")
	}
	return nil
}

func defaultEnvPath() string {
	if path := os.Getenv("AUTHJWT_ENV_FILE"); path != "" {
		return path
	}
	return ".env"
}

// loadEnvFile exports KEY=VALUE lines that are not already set.
func loadEnvFile(path string, logger logrus.FieldLogger) error {
	if path == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			logger.Warnf("invalid line %d in %s", lineNum, filepath.Base(path))
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if key == "" {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			logger.Warnf("set env %s: %v", key, err)
		}
	}
	return scanner.Err()
}
