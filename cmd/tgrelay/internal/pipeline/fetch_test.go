// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/source"
	"go.astrophena.name/tgrelay/cmd/tgrelay/internal/state"
	"go.astrophena.name/tgrelay/internal/testutil"
)

// newsSite serves /news/1 to /news/last and 404 for everything else.
func newsSite(t *testing.T, last int) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/news/"))
		if err != nil || id < 1 || id > last {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, `<html><body><article>Market update number %d</article></body></html>`, id)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRunFirstRunWalksPastMaxItems(t *testing.T) {
	t.Parallel()

	srv := newsSite(t, 25)
	e := &env{store: state.NewMem(0)}
	r := newRunner(Config{
		Fetcher:  &source.Probe{URLTemplate: srv.URL + "/news/%d", MaxMisses: 1},
		MaxItems: 10,
	}, e)

	var sums []Summary
	for range 3 {
		sum, err := r.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		sums = append(sums, sum)
	}

	testutil.AssertEqual(t, sums[0].FirstRun, true)
	testutil.AssertEqual(t, sums[0].Watermark, source.ID(25))
	for i, sum := range sums[1:] {
		if sum.FirstRun || sum.Published != 0 {
			t.Errorf("run %d: first run %v, published %d; want a quiet run", i+2, sum.FirstRun, sum.Published)
		}
	}
	testutil.AssertEqual(t, watermark(t, e.store), source.ID(25))
	testutil.AssertEqual(t, len(e.pub.published), 0)
}
