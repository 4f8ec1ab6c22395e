// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Tgrelay reposts a public news channel into your own Telegram channel,
rewriting every post with a language model.

# Usage

	$ tgrelay [flags...] <command>

Commands:

	run                 fetch new posts, rewrite and publish them, then exit
	state               print the watermark and the number of remembered posts
	set-watermark <id>  overwrite the watermark
	check               validate the configuration and print it, secrets redacted

tgrelay is meant to be started periodically, for example by a systemd timer.
Every run fetches posts newer than the saved watermark, drops pinned posts,
ads and posts it has already seen, rewrites the rest and sends them to the
destination channel with a footer. On the very first run it only remembers
the latest post and publishes nothing.

If a run is aborted, a short report is sent to the admin chat. Error text is
never sent to the destination channel.

# Environment Variables

Values are read from the environment and from a .env file in the working
directory; the environment takes precedence.

  - TELEGRAM_BOT_TOKEN: Telegram Bot API token used for publishing.
  - TELEGRAM_CHAT_ID: destination channel, like @mychannel or -100123.
  - ADMIN_CHAT_ID: chat that receives error reports. Optional.
  - GEMINI_API_KEY: Gemini API key, for the gemini provider and the vision
    source.
  - OPENAI_API_KEY: OpenAI API key, for the openai provider.
  - COHERE_API_KEY: Cohere API key, for the cohere provider.
  - TWITTER_BEARER_TOKEN: X API bearer token, for the twitter source.
  - STATE_DIRECTORY: directory with state files. Defaults to
    $XDG_STATE_HOME/tgrelay.
  - REDIS_ADDR, REDIS_PASSWORD: Redis server for the redis storage backend.
  - TGRELAY_CONFIG: path to the config file, if -config is not given.

# Configuration

The config file is YAML:

	source:
	  type: telegram      # rss, scrape, probe, vision or twitter
	  channel: lookonchain
	filter:
	  block_rule: rule.star
	  dedupe: fingerprint # or id
	transform:
	  provider: gemini    # openai or cohere
	  model: gemini-2.0-flash
	  timeout: 15s
	publish:
	  footer: "📊 Source: @lookonchain"
	  send_media: true
	storage:
	  backend: file       # sqlite or redis
	run:
	  max_items: 10
	  post_delay: 3s
	  policy: retry       # or skip
	  metrics_file: /var/lib/node_exporter/tgrelay.prom

The block rule file is written in Starlark and defines block_rule(post),
which returns true for posts that must not be published:

	def block_rule(post):
	    return "giveaway" in post.text.lower()

The post has id, text, link, pinned and attachments fields.

# State

With the file backend the state directory holds last_message_id.txt with the
watermark and processed_hashes.txt with one fingerprint per line. The sqlite
backend keeps both in state.db instead. Only one run can use a state directory
at a time.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/tgrelay/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
