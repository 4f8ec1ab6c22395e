// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package version

import (
	"runtime/debug"
	"strings"
	"testing"

	"go.astrophena.name/tgrelay/internal/testutil"
)

func TestLoadInfo(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		bi          *debug.BuildInfo
		ok          bool
		wantVersion string
		wantCommit  string
	}{
		"no build info": {
			ok:          false,
			wantVersion: "devel",
		},
		"devel with commit": {
			bi: &debug.BuildInfo{
				Main: debug.Module{Version: "(devel)"},
				Settings: []debug.BuildSetting{
					{Key: "vcs.revision", Value: "abc123"},
					{Key: "vcs.time", Value: "2026-01-01T00:00:00Z"},
				},
			},
			ok:          true,
			wantVersion: "devel",
			wantCommit:  "abc123",
		},
		"tagged": {
			bi:          &debug.BuildInfo{Main: debug.Module{Version: "v1.2.3"}},
			ok:          true,
			wantVersion: "v1.2.3",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			i := loadInfo(func() (*debug.BuildInfo, bool) { return tc.bi, tc.ok })
			testutil.AssertEqual(t, i.Version, tc.wantVersion)
			testutil.AssertEqual(t, i.Commit, tc.wantCommit)
		})
	}
}

func TestUserAgent(t *testing.T) {
	t.Parallel()

	got := userAgent(Info{Name: "tgrelay", Version: "devel", Commit: "abc123"})
	testutil.AssertEqual(t, got, "tgrelay/abc123 (+https://astrophena.name/bleep-bloop)")

	got = userAgent(Info{Name: "tgrelay", Version: "v1.0.0"})
	if !strings.HasPrefix(got, "tgrelay/v1.0.0 ") {
		t.Fatalf("unexpected user agent %q", got)
	}
}
