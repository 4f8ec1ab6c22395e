// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/filter"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/pipeline"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of tgrelay, loaded once per
// invocation.
type Config struct {
	Source    source.Config   `yaml:"source"`
	Filter    FilterConfig    `yaml:"filter"`
	Transform TransformConfig `yaml:"transform"`
	Publish   PublishConfig   `yaml:"publish"`
	Storage   StorageConfig   `yaml:"storage"`
	Run       RunConfig       `yaml:"run"`

	env envConfig
	// path is the file the config was read from, if any.
	path string
}

type FilterConfig struct {
	// AdKeywords replaces the built-in list. An empty list disables the ad
	// check.
	AdKeywords []string `yaml:"ad_keywords,omitempty"`
	// BlockRule is a path to a Starlark file defining block_rule(post).
	// Relative paths are resolved against the config file directory.
	BlockRule string `yaml:"block_rule,omitempty"`
	Dedupe    string `yaml:"dedupe,omitempty"`
}

type TransformConfig struct {
	Provider       string   `yaml:"provider,omitempty"` // gemini (default), openai or cohere
	Model          string   `yaml:"model,omitempty"`
	BaseURL        string   `yaml:"base_url,omitempty"`
	SystemPrompt   string   `yaml:"system_prompt,omitempty"`
	UserTemplate   string   `yaml:"user_template,omitempty"`
	Temperature    *float32 `yaml:"temperature,omitempty"`
	MaxTokens      int      `yaml:"max_tokens,omitempty"`
	MaxInputLength int      `yaml:"max_input_length,omitempty"`
	MinLength      int      `yaml:"min_length,omitempty"`
	DeclineToken   string   `yaml:"decline_token,omitempty"`
	Timeout        Duration `yaml:"timeout,omitempty"`
}

type PublishConfig struct {
	Footer             string `yaml:"footer,omitempty"`
	SendMedia          bool   `yaml:"send_media,omitempty"`
	DisableLinkPreview bool   `yaml:"disable_link_preview,omitempty"`
	BaseURL            string `yaml:"base_url,omitempty"`
}

type StorageConfig struct {
	Backend string `yaml:"backend,omitempty"` // file (default), sqlite or redis
	Dir     string `yaml:"dir,omitempty"`
	Prefix  string `yaml:"prefix,omitempty"` // redis
	DB      int    `yaml:"db,omitempty"`     // redis
}

type RunConfig struct {
	MaxItems       int      `yaml:"max_items,omitempty"`
	PostDelay      Duration `yaml:"post_delay,omitempty"`
	FloodWaitLimit Duration `yaml:"flood_wait_limit,omitempty"`
	LedgerLimit    int      `yaml:"ledger_limit,omitempty"`
	Policy         string   `yaml:"policy,omitempty"`
	// MetricsFile receives Prometheus metrics after every run.
	MetricsFile string `yaml:"metrics_file,omitempty"`
}

// envConfig holds values that come from the environment.
type envConfig struct {
	TelegramToken  string
	ChatID         string
	AdminChatID    string
	GeminiAPIKey   string
	OpenAIAPIKey   string
	CohereAPIKey   string
	TwitterToken   string
	StateDirectory string
	RedisAddr      string
	RedisPassword  string
}

type envVar struct {
	name   string
	secret bool
	dst    func(*envConfig) *string
}

var envVars = []envVar{
	{"TELEGRAM_BOT_TOKEN", true, func(e *envConfig) *string { return &e.TelegramToken }},
	{"TELEGRAM_CHAT_ID", false, func(e *envConfig) *string { return &e.ChatID }},
	{"ADMIN_CHAT_ID", false, func(e *envConfig) *string { return &e.AdminChatID }},
	{"GEMINI_API_KEY", true, func(e *envConfig) *string { return &e.GeminiAPIKey }},
	{"OPENAI_API_KEY", true, func(e *envConfig) *string { return &e.OpenAIAPIKey }},
	{"COHERE_API_KEY", true, func(e *envConfig) *string { return &e.CohereAPIKey }},
	{"TWITTER_BEARER_TOKEN", true, func(e *envConfig) *string { return &e.TwitterToken }},
	{"STATE_DIRECTORY", false, func(e *envConfig) *string { return &e.StateDirectory }},
	{"REDIS_ADDR", false, func(e *envConfig) *string { return &e.RedisAddr }},
	{"REDIS_PASSWORD", true, func(e *envConfig) *string { return &e.RedisPassword }},
}

// Duration is a time.Duration written as a string in YAML, like "3s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// getenv looks up variables in the process environment first and falls back
// to the dotenv file.
func getenv(lookup func(string) string, dotenvPath string) (func(string) string, error) {
	vars, err := godotenv.Read(dotenvPath)
	if errors.Is(err, fs.ErrNotExist) {
		vars = nil
	} else if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dotenvPath, err)
	}
	return func(name string) string {
		return cmp.Or(lookup(name), vars[name])
	}, nil
}

// loadConfig reads the config file at path, if any, and the environment.
func loadConfig(path string, getenv func(string) string) (*Config, error) {
	cfg := new(Config)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		cfg.path = path
	}
	for _, v := range envVars {
		*v.dst(&cfg.env) = getenv(v.name)
	}
	return cfg, nil
}

// stateDir returns the state directory: the config value, then
// $STATE_DIRECTORY, then $XDG_STATE_HOME/tgrelay.
func (c *Config) stateDir(getenv func(string) string) (string, error) {
	if dir := cmp.Or(c.Storage.Dir, c.env.StateDirectory); dir != "" {
		return dir, nil
	}
	xdgStateHome := getenv("XDG_STATE_HOME")
	if xdgStateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		xdgStateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(xdgStateHome, "tgrelay"), nil
}

// blockRulePath resolves the block rule file against the config directory.
func (c *Config) blockRulePath() string {
	p := c.Filter.BlockRule
	if p == "" || filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// validate reports every problem at once. Publishing settings are not
// required in dry-run mode.
func (c *Config) validate(dry bool) error {
	var errs []error
	missing := func(what string) { errs = append(errs, fmt.Errorf("missing %s", what)) }

	if c.Source.Type == "" {
		missing("source.type")
	} else if _, err := source.New(c.Source, c.sourceDeps(nil, nil)); err != nil {
		errs = append(errs, err)
	}

	switch c.Transform.Provider {
	case "", "gemini":
		if c.env.GeminiAPIKey == "" {
			missing("environment variable GEMINI_API_KEY")
		}
	case "openai":
		if c.env.OpenAIAPIKey == "" {
			missing("environment variable OPENAI_API_KEY")
		}
	case "cohere":
		if c.env.CohereAPIKey == "" {
			missing("environment variable COHERE_API_KEY")
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transform provider %q", c.Transform.Provider))
	}

	if !dry {
		if c.env.TelegramToken == "" {
			missing("environment variable TELEGRAM_BOT_TOKEN")
		}
		if c.env.ChatID == "" {
			missing("environment variable TELEGRAM_CHAT_ID")
		}
	}

	switch c.Storage.Backend {
	case "", "file", "sqlite":
	case "redis":
		if c.env.RedisAddr == "" {
			missing("environment variable REDIS_ADDR")
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}

	if _, err := filter.ParseDedupeBy(c.Filter.Dedupe); err != nil {
		errs = append(errs, err)
	}
	if _, err := pipeline.ParsePublishPolicy(c.Run.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.Run.MaxItems < 0 {
		errs = append(errs, fmt.Errorf("run.max_items must not be negative"))
	}
	if c.Run.LedgerLimit < 0 {
		errs = append(errs, fmt.Errorf("run.ledger_limit must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) sourceDeps(httpc *http.Client, log *slog.Logger) source.Deps {
	d := source.Deps{
		HTTPClient:   httpc,
		Logger:       log,
		GeminiAPIKey: c.env.GeminiAPIKey,
		TwitterToken: c.env.TwitterToken,
	}
	if c.Source.Type == "vision" {
		d.GeminiURL = c.Source.BaseURL
	}
	return d
}

// scrubber replaces secret values, or is nil if none are set.
func (c *Config) scrubber() *strings.Replacer {
	var oldnew []string
	for _, v := range envVars {
		if val := *v.dst(&c.env); v.secret && val != "" {
			oldnew = append(oldnew, val, "[EXPUNGED]")
		}
	}
	if len(oldnew) == 0 {
		return nil
	}
	return strings.NewReplacer(oldnew...)
}

const redacted = "[REDACTED]"

// redacted returns the configuration as YAML with secrets masked.
func (c *Config) redacted() ([]byte, error) {
	env := make(map[string]string)
	for _, v := range envVars {
		val := *v.dst(&c.env)
		switch {
		case val == "":
			continue
		case v.secret:
			val = redacted
		}
		env[v.name] = val
	}
	return yaml.Marshal(struct {
		Config `yaml:",inline"`
		Env    map[string]string `yaml:"env,omitempty"`
	}{*c, env})
}
