// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Newsbot fetches news from RSS and Atom feeds, translates and summarizes them
with a language model and publishes them to a Telegram channel.

# Usage

	$ newsbot [flags...] <command>

Commands:

  - run: run one cycle and print its report.
  - loop: run cycles every -interval until interrupted.
  - serve: serve POST /run, /health and /metrics over HTTP, and run cycles in
    the background if -interval is set.
  - sources: validate the sources file and print it.
  - posted [n]: print the n most recently published articles (default 20).

# Environment Variables

  - TELEGRAM_BOT_TOKEN: Telegram bot token. Required unless -dry is set.
  - CHANNEL_ID: chat ID or @username of the channel. Required unless -dry is set.
  - ERROR_CHAT_ID: chat that receives notifications about failed cycles.
  - DISABLE_LINK_PREVIEW: disable link previews in published messages.
  - OPENAI_API_KEY, OPENAI_MODEL, OPENAI_BASE_URL: OpenAI backend settings.
    The model defaults to gpt-4o.
  - GEMINI_API_KEY, GEMINI_MODEL: Gemini backend settings.
  - TARGET_LANGUAGE: language of published messages (default Uzbek).
  - KEYWORDS: comma separated topics the summaries focus on.
  - SOURCES_FILE: path to the sources file (default sources.yml).
  - DATABASE_URL: dedup store. A postgres:// URL, "mem:", a path to a .json
    file or a path to a SQLite database (default newsbot.db in the state
    directory).
  - STATE_DIRECTORY: directory for the run lock and the default database.
    Defaults to $XDG_STATE_HOME/newsbot.
  - POST_INTERVAL_MINUTES: time between cycles if -interval is not set.
  - PUBLISH_DELAY: minimum time between two messages (default 10s, 0
    disables pacing).
  - RUN_TOKEN: bearer token of POST /run. Required by serve.
  - ADDR: listen address of serve (default localhost:3000).

Variables can also be read from a file passed with -env-file. Variables set in
the environment take precedence.

# Sources

The sources file lists the feeds to follow. It is read on every cycle, so
edits take effect without a restart. YAML, TOML and Starlark are supported,
chosen by the file extension:

	sources:
	  - name: kun.uz
	    display_name: Kun.uz
	    feed_url: https://kun.uz/news/rss
	  - name: gazeta
	    feed_url: https://www.gazeta.uz/ru/rss/

Names and feed URLs must be unique.

In Starlark, set the sources variable to a list of source(name, feed_url,
display_name) values.

# Translation

With a language model configured, each new article is translated into the
target language and summarized in two or three sentences. If the model fails
or replies in an unexpected format, the article is published with its original
title only. Without a model, the original title and summary are published.

Only one cycle runs at a time: a file lock in the state directory guards
against concurrent runs.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/newsbot/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
