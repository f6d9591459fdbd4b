package update

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func newTestUpdater(t *testing.T, current, tag string) *Updater {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("GET /repos/GoCodeAlone/conductor/releases/latest", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"tag_name":%q,"assets":[
			{"name":"conductord_linux_x86_64","browser_download_url":"%s/dl/conductord"},
			{"name":"conductor_linux_x86_64","browser_download_url":"%s/dl/conductor"},
			{"name":"conductor_darwin_arm64","browser_download_url":"%s/dl/conductor-mac"}]}`,
			tag, srv.URL, srv.URL, srv.URL)
	})
	mux.HandleFunc("GET /dl/conductor", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("new-binary"))
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u := New(current, "conductor")
	u.APIBase = srv.URL
	u.GOOS, u.GOARCH = "linux", "amd64"
	return u
}

func TestCheckForUpdate(t *testing.T) {
	ctx := context.Background()

	rel, err := newTestUpdater(t, "v1.0.0", "v1.1.0").CheckForUpdate(ctx)
	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}
	if rel == nil || rel.Version != "v1.1.0" || filepath.Base(rel.URL) != "conductor" {
		t.Fatalf("release = %+v, want v1.1.0 conductor asset", rel)
	}

	if rel, err := newTestUpdater(t, "1.1.0", "v1.1.0").CheckForUpdate(ctx); err != nil || rel != nil {
		t.Errorf("same version = %+v, %v; want nil, nil", rel, err)
	}
	if rel, err := newTestUpdater(t, "dev", "v1.1.0").CheckForUpdate(ctx); err != nil || rel != nil {
		t.Errorf("dev build = %+v, %v; want nil, nil", rel, err)
	}

	u := newTestUpdater(t, "v1.0.0", "v1.1.0")
	u.GOOS = "windows"
	if _, err := u.CheckForUpdate(ctx); err == nil {
		t.Error("expected error when no asset matches the platform")
	}
}

func TestApplyUpdate(t *testing.T) {
	ctx := context.Background()
	u := newTestUpdater(t, "v1.0.0", "v1.1.0")
	rel, err := u.CheckForUpdate(ctx)
	if err != nil {
		t.Fatalf("CheckForUpdate: %v", err)
	}

	target := filepath.Join(t.TempDir(), "conductor")
	if err := os.WriteFile(target, []byte("old"), 0o755); err != nil {
		t.Fatalf("write target: %v", err)
	}
	if err := u.ApplyUpdate(ctx, rel, target); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if string(got) != "new-binary" {
		t.Errorf("target = %q, want new-binary", got)
	}
}
