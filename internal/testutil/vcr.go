// Package testutil holds shared test helpers. The VCR recorder replays
// recorded provider HTTP exchanges so dispatcher tests run offline.
package testutil

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// NewProviderRecorder opens the named cassette under testdata/fixtures in
// replay mode. Set VCR_MODE=record to re-record against live providers.
// The recorder is stopped automatically when the test finishes.
func NewProviderRecorder(t *testing.T, cassetteName string) *recorder.Recorder {
	t.Helper()

	mode := recorder.ModeReplaying
	if os.Getenv("VCR_MODE") == "record" {
		mode = recorder.ModeRecording
	}

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", cassetteName), mode, nil)
	if err != nil {
		t.Fatalf("create provider recorder: %v", err)
	}

	// Provider request bodies carry chunk text; match on method and URL only.
	r.SetMatcher(func(req *http.Request, i cassette.Request) bool {
		return req.Method == i.Method && req.URL.String() == i.URL
	})

	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("stop provider recorder: %v", err)
		}
	})
	return r
}

// RecorderClient wraps a recorder in an http.Client for injection into
// provider-mode dispatchers.
func RecorderClient(r *recorder.Recorder) *http.Client {
	return &http.Client{Transport: r}
}
