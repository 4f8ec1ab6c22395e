// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package source

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.astrophena.name/tgrelay/internal/api/google/gemini"
	"go.astrophena.name/tgrelay/internal/testutil"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestVisionFetch(t *testing.T) {
	t.Parallel()

	gotMime := new(hitLog[string])
	mux := http.NewServeMux()
	mux.HandleFunc("GET /shot.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngHeader)
	})
	mux.HandleFunc("POST /models/gemini-2.0-flash:generateContent", func(w http.ResponseWriter, r *http.Request) {
		var params gemini.GenerateContentParams
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotMime.add(params.Contents[0].Parts[1].InlineData.MimeType)
		answer := "```json\n" + `[{"id": 71, "text": "Pinned rules", "pinned": true}, {"id": 73, "text": " Fresh "}, {"id": 70, "text": "Old"}, {"id": 0, "text": "no id"}]` + "\n```"
		json.NewEncoder(w).Encode(gemini.GenerateContentResponse{
			Candidates: []*gemini.Candidate{{Content: &gemini.Content{Parts: []*gemini.Part{{Text: answer}}}}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	v := &Vision{
		ScreenshotURL: srv.URL + "/shot.png",
		Gemini:        &gemini.Client{APIKey: "k", BaseURL: srv.URL},
	}
	items, err := v.FetchSince(t.Context(), 70, 10)
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, gotMime.get(), []string{"image/png"})
	testutil.AssertEqual(t, ids(items), []ID{73, 71})
	testutil.AssertEqual(t, items[0].Text, "Fresh")
	testutil.AssertEqual(t, items[1].Pinned, true)
}

func TestVisionRejectsNonImage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>login required</html>"))
	}))
	t.Cleanup(srv.Close)

	v := &Vision{ScreenshotURL: srv.URL, Gemini: &gemini.Client{BaseURL: srv.URL}}
	if _, err := v.FetchSince(t.Context(), 0, 10); err == nil {
		t.Fatal("want error")
	}
}

func TestParseVisionPosts(t *testing.T) {
	t.Parallel()
	for name, in := range map[string]string{
		"bare":   `[{"id":1,"text":"a"}]`,
		"fenced": "```json\n[{\"id\":1,\"text\":\"a\"}]\n```",
		"plain":  "```\n[{\"id\":1,\"text\":\"a\"}]```",
	} {
		t.Run(name, func(t *testing.T) {
			posts, err := parseVisionPosts(in)
			if err != nil {
				t.Fatal(err)
			}
			testutil.AssertEqual(t, posts, []visionPost{{ID: 1, Text: "a"}})
		})
	}
	if _, err := parseVisionPosts("I can't read this image."); err == nil {
		t.Fatal("want error")
	}
}
