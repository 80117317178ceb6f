// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/newsbot/internal/cli"

	"github.com/joho/godotenv"
)

const (
	defaultKeywords = "iqtisodiyot, texnologiya, siyosat"
	defaultInterval = 15 * time.Minute
	defaultAddr     = "localhost:3000"
)

// config is built once per invocation from flags, the environment and an
// optional .env file. The environment takes precedence over the file.
type config struct {
	tgToken            string
	chatID             string
	errorChatID        string
	disableLinkPreview bool

	backend       string
	openAIKey     string
	openAIModel   string
	openAIBaseURL string
	geminiKey     string
	geminiModel   string
	language      string
	keywords      string

	sourcesFile  string
	databaseURL  string
	stateDir     string
	interval     time.Duration
	publishDelay time.Duration

	runToken string
	addr     string
}

func (a *app) loadConfig(env *cli.Env) (*config, error) {
	dotenv := map[string]string{}
	if a.envFile != "" {
		var err error
		dotenv, err = godotenv.Read(a.envFile)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", cli.ErrInvalidArgs, a.envFile, err)
		}
	}
	getenv := func(key string) string { return cmp.Or(env.Getenv(key), dotenv[key]) }

	c := &config{
		tgToken:            getenv("TELEGRAM_BOT_TOKEN"),
		chatID:             getenv("CHANNEL_ID"),
		errorChatID:        getenv("ERROR_CHAT_ID"),
		disableLinkPreview: parseBool(getenv("DISABLE_LINK_PREVIEW")),
		openAIKey:          getenv("OPENAI_API_KEY"),
		openAIModel:        getenv("OPENAI_MODEL"),
		openAIBaseURL:      getenv("OPENAI_BASE_URL"),
		geminiKey:          getenv("GEMINI_API_KEY"),
		geminiModel:        getenv("GEMINI_MODEL"),
		language:           getenv("TARGET_LANGUAGE"),
		keywords:           cmp.Or(getenv("KEYWORDS"), defaultKeywords),
		sourcesFile:        cmp.Or(getenv("SOURCES_FILE"), "sources.yml"),
		runToken:           getenv("RUN_TOKEN"),
		addr:               cmp.Or(a.addr, getenv("ADDR"), defaultAddr),
		interval:           a.interval,
	}

	c.backend = a.backend
	if c.backend == "" {
		switch {
		case c.openAIKey != "":
			c.backend = "openai"
		case c.geminiKey != "":
			c.backend = "gemini"
		default:
			c.backend = "none"
		}
	}
	switch c.backend {
	case "openai":
		if c.openAIKey == "" {
			return nil, fmt.Errorf("%w: OPENAI_API_KEY is required by the openai backend", cli.ErrInvalidArgs)
		}
	case "gemini":
		if c.geminiKey == "" {
			return nil, fmt.Errorf("%w: GEMINI_API_KEY is required by the gemini backend", cli.ErrInvalidArgs)
		}
	case "none":
	default:
		return nil, fmt.Errorf("%w: unknown backend %q, want openai, gemini or none", cli.ErrInvalidArgs, c.backend)
	}

	if c.interval == 0 {
		if s := getenv("POST_INTERVAL_MINUTES"); s != "" {
			minutes, err := strconv.Atoi(s)
			if err != nil || minutes <= 0 {
				return nil, fmt.Errorf("%w: POST_INTERVAL_MINUTES must be a positive number, got %q", cli.ErrInvalidArgs, s)
			}
			c.interval = time.Duration(minutes) * time.Minute
		}
	}

	if s := getenv("PUBLISH_DELAY"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid PUBLISH_DELAY: %v", cli.ErrInvalidArgs, err)
		}
		// Zero disables pacing.
		if d <= 0 {
			d = -1
		}
		c.publishDelay = d
	}

	var err error
	if c.stateDir, err = stateDir(getenv); err != nil {
		return nil, err
	}
	c.databaseURL = cmp.Or(getenv("DATABASE_URL"), filepath.Join(c.stateDir, "newsbot.db"))

	return c, nil
}

// validateBot checks the settings needed to publish.
func (c *config) validateBot(dry bool) error {
	if dry {
		return nil
	}
	var missing []string
	if c.tgToken == "" {
		missing = append(missing, "TELEGRAM_BOT_TOKEN")
	}
	if c.chatID == "" {
		missing = append(missing, "CHANNEL_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing environment variables: %s", cli.ErrInvalidArgs, strings.Join(missing, ", "))
	}
	return nil
}

// scrubber removes secrets from errors and logs.
func (c *config) scrubber() *strings.Replacer {
	var oldnew []string
	for _, secret := range []string{c.tgToken, c.openAIKey, c.geminiKey, c.runToken} {
		if secret != "" {
			oldnew = append(oldnew, secret, "[EXPUNGED]")
		}
	}
	return strings.NewReplacer(oldnew...)
}

func stateDir(getenv func(string) string) (string, error) {
	dir := getenv("STATE_DIRECTORY")
	if dir == "" {
		xdgStateHome := getenv("XDG_STATE_HOME")
		if xdgStateHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			xdgStateHome = filepath.Join(home, ".local", "state")
		}
		dir = filepath.Join(xdgStateHome, "newsbot")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
