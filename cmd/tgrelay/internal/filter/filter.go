// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package filter decides which upstream posts are worth republishing.
package filter

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
)

// Fingerprint is the hex MD5 digest of normalized post text.
type Fingerprint string

// FingerprintOf returns the fingerprint of text. Texts that differ only in
// letter case or whitespace have the same fingerprint.
func FingerprintOf(text string) Fingerprint {
	normalized := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	sum := md5.Sum([]byte(normalized))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// Reason tags why a post was rejected.
type Reason string

// Rejection reasons, in the order they are checked.
const (
	Pinned    Reason = "pinned"
	Empty     Reason = "empty"
	Stale     Reason = "stale"
	Ad        Reason = "ad"
	Rule      Reason = "rule"
	Duplicate Reason = "duplicate"
)

// DefaultAdKeywords are matched case-insensitively against post text.
var DefaultAdKeywords = []string{
	"sponsored",
	"advertisement",
	"promo code",
	"affiliate",
	"discount code",
	"use code",
	"click here",
	"limited offer",
	"join our",
	"subscribe to",
	"sign up now",
}

// DedupeBy selects the ledger key used to detect already processed posts.
type DedupeBy string

const (
	ByFingerprint DedupeBy = "fingerprint"
	ByID          DedupeBy = "id"
)

// Seen reports whether a ledger key was already recorded.
type Seen interface {
	Contains(key string) bool
}

// Chain is the ordered set of checks applied to every post.
type Chain struct {
	// AdKeywords overrides DefaultAdKeywords when non-nil. An empty non-nil
	// slice disables the ad check.
	AdKeywords []string
	// BlockRule, if set, rejects posts for which it reports true.
	BlockRule *BlockRule
	// DedupeBy defaults to ByFingerprint.
	DedupeBy DedupeBy
}

// Key returns the ledger key of item.
func (c *Chain) Key(item source.Item) string {
	if c.DedupeBy == ByID {
		return "id:" + item.ID.String()
	}
	return string(FingerprintOf(item.Text))
}

// Check applies the checks to item in order and returns the first failing
// one. It reports true if the post passed all of them.
func (c *Chain) Check(item source.Item, watermark source.ID, seen Seen) (Reason, bool) {
	switch {
	case item.Pinned:
		return Pinned, false
	case strings.TrimSpace(item.Text) == "":
		return Empty, false
	case item.ID <= watermark:
		return Stale, false
	case c.isAd(item.Text):
		return Ad, false
	case c.BlockRule != nil && c.BlockRule.Match(item):
		return Rule, false
	case seen != nil && seen.Contains(c.Key(item)):
		return Duplicate, false
	}
	return "", true
}

func (c *Chain) isAd(text string) bool {
	keywords := c.AdKeywords
	if keywords == nil {
		keywords = DefaultAdKeywords
	}
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// ParseDedupeBy validates a dedupe policy name. Empty means ByFingerprint.
func ParseDedupeBy(s string) (DedupeBy, error) {
	switch DedupeBy(s) {
	case "", ByFingerprint:
		return ByFingerprint, nil
	case ByID:
		return ByID, nil
	}
	return "", fmt.Errorf("unknown dedupe policy %q", s)
}
