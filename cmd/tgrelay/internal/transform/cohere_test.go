// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package transform

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cohere-ai/cohere-go/v2/core"

	"go.astrophena.name/tgrelay/internal/testutil"
)

func TestCohereGenerate(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat") || r.Header.Get("Authorization") != "Bearer co-test" {
			http.Error(w, `{"message":"bad request"}`, http.StatusBadRequest)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"Fresh take.","generation_id":"g1","finish_reason":"COMPLETE"}`))
	}))
	t.Cleanup(srv.Close)

	m := NewCohere(ModelOptions{APIKey: "co-test", BaseURL: srv.URL, HTTPClient: srv.Client()})
	out, err := m.Generate(t.Context(), "News: x")
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, out, "Fresh take.")

	mu.Lock()
	defer mu.Unlock()
	testutil.AssertEqual(t, got["message"], "News: x")
	testutil.AssertEqual(t, got["model"], DefaultCohereModel)
	testutil.AssertEqual(t, got["preamble"], DefaultSystemPrompt)
}

func TestCohereErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		status    int
		permanent bool
	}{
		"unauthorized": {status: http.StatusUnauthorized, permanent: true},
		"server error": {status: http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				w.Write([]byte(`{"message":"nope"}`))
			}))
			t.Cleanup(srv.Close)

			_, err := NewCohere(ModelOptions{APIKey: "co-test", BaseURL: srv.URL}).Generate(t.Context(), "x")
			if err == nil {
				t.Fatal("want error")
			}
			var apiErr *core.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("want APIError, got %T: %v", err, err)
			}
			testutil.AssertEqual(t, apiErr.StatusCode, tc.status)
			calls, _ := retryBehavior(t, err)
			if tc.permanent {
				testutil.AssertEqual(t, calls, 1)
				return
			}
			testutil.AssertEqual(t, calls, 2)
		})
	}
}
