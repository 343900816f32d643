package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestParseRepo(t *testing.T) {
	cases := []struct {
		spec  string
		owner string
		name  string
		ok    bool
	}{
		{"acme/shop", "acme", "shop", true},
		{"github.com/acme/shop", "acme", "shop", true},
		{"https://github.com/acme/shop", "acme", "shop", true},
		{"https://github.com/acme/shop.git", "acme", "shop", true},
		{"http://github.com/acme/shop/", "acme", "shop", true},
		{"  acme/shop  ", "acme", "shop", true},
		{"acme/my-repo.v2", "acme", "my-repo.v2", true},
		{"acme", "", "", false},
		{"acme/a/b", "", "", false},
		{"", "", "", false},
		{"acme/sh op", "", "", false},
	}
	for _, tc := range cases {
		owner, name, err := ParseRepo(tc.spec)
		if !tc.ok {
			assert.Error(t, err, "spec %q should be rejected", tc.spec)
			continue
		}
		require.NoError(t, err, "spec %q", tc.spec)
		assert.Equal(t, tc.owner, owner)
		assert.Equal(t, tc.name, name)
	}
}

func TestLocalFetch(t *testing.T) {
	dir := t.TempDir()
	root, err := Local{Path: dir}.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(root))

	file := filepath.Join(dir, "app.php")
	require.NoError(t, os.WriteFile(file, []byte("<?php"), 0o644))
	root, err = Local{Path: file}.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, file, root, "a single file is a valid codebase root")

	_, err = Local{Path: filepath.Join(dir, "missing")}.Fetch(context.Background())
	assert.Error(t, err)
}

func TestSkipPath(t *testing.T) {
	skipped := []string{
		"node_modules/lodash/index.js",
		"api/node_modules/x.js",
		"vendor/autoload.php",
		"dist/bundle.js",
		".github/workflows/ci.yml",
		"src/.cache/entry.js",
	}
	kept := []string{
		"src/app.js",
		"routes/web.php",
		".env",
		"distribution/app.js",
		"app/.gitignore",
	}
	for _, p := range skipped {
		assert.True(t, skipPath(p), "%s should be skipped", p)
	}
	for _, p := range kept {
		assert.False(t, skipPath(p), "%s should be kept", p)
	}
}

func TestWantEntry(t *testing.T) {
	blob := func(path, mode string) *github.TreeEntry {
		return &github.TreeEntry{
			Path: github.String(path),
			Mode: github.String(mode),
			Type: github.String("blob"),
		}
	}
	assert.True(t, wantEntry(blob("src/app.js", "100644")))
	assert.True(t, wantEntry(blob("bin/run", "100755")))
	assert.False(t, wantEntry(blob("link.php", "120000")), "symlink blobs hold targets, not content")
	assert.False(t, wantEntry(blob("node_modules/x.js", "100644")))
	assert.False(t, wantEntry(&github.TreeEntry{
		Path: github.String("app"),
		Mode: github.String("040000"),
		Type: github.String("tree"),
	}))
}

// testGitHub rewires a provider against a stub API server.
func testGitHub(t *testing.T, srv *httptest.Server, spec, ref string) *GitHub {
	t.Helper()
	p, err := NewGitHub(spec, "", ref, 0)
	require.NoError(t, err)
	client := github.NewClient(nil)
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base
	p.client = client
	p.limiter = rate.NewLimiter(rate.Inf, 0)
	p.baseDir = t.TempDir()
	return p
}

const stubTree = `{
  "sha": "t1",
  "truncated": false,
  "tree": [
    {"path": "app", "mode": "040000", "type": "tree", "sha": "d1"},
    {"path": "app/Http/UserController.php", "mode": "100644", "type": "blob", "sha": "b1", "size": 16},
    {"path": "routes/web.php", "mode": "100644", "type": "blob", "sha": "b2", "size": 12},
    {"path": "node_modules/left-pad/index.js", "mode": "100644", "type": "blob", "sha": "b3", "size": 4},
    {"path": ".github/workflows/ci.yml", "mode": "100644", "type": "blob", "sha": "b4", "size": 4},
    {"path": "current.php", "mode": "120000", "type": "blob", "sha": "b5", "size": 8}
  ]
}`

func TestGitHubFetch(t *testing.T) {
	blobs := map[string]string{
		"b1": "<?php class UserController {}",
		"b2": "Route::get('/', fn () => view('home'));",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/shop/git/trees/trunk", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(stubTree))
	})
	mux.HandleFunc("GET /repos/acme/shop/git/blobs/{sha}", func(w http.ResponseWriter, r *http.Request) {
		sha := r.PathValue("sha")
		content, ok := blobs[sha]
		if !ok {
			t.Errorf("blob %s should never be requested", sha)
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(content))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := testGitHub(t, srv, "acme/shop", "trunk")
	root, err := p.Fetch(context.Background())
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(filepath.Base(root), "anatomy-acme-shop-"))
	got, err := os.ReadFile(filepath.Join(root, "app", "Http", "UserController.php"))
	require.NoError(t, err)
	assert.Equal(t, blobs["b1"], string(got))
	got, err = os.ReadFile(filepath.Join(root, "routes", "web.php"))
	require.NoError(t, err)
	assert.Equal(t, blobs["b2"], string(got))

	assert.NoFileExists(t, filepath.Join(root, "node_modules", "left-pad", "index.js"))
	assert.NoFileExists(t, filepath.Join(root, ".github", "workflows", "ci.yml"))
	assert.NoFileExists(t, filepath.Join(root, "current.php"))

	require.NoError(t, p.Cleanup())
	assert.NoDirExists(t, root)
	assert.NoError(t, p.Cleanup(), "second cleanup is a no-op")
}

func TestGitHubFetchResolvesDefaultBranch(t *testing.T) {
	var askedRepo bool
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/shop", func(w http.ResponseWriter, r *http.Request) {
		askedRepo = true
		w.Write([]byte(`{"id": 1, "default_branch": "trunk"}`))
	})
	mux.HandleFunc("GET /repos/acme/shop/git/trees/trunk", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sha": "t1", "tree": []}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := testGitHub(t, srv, "acme/shop", "")
	root, err := p.Fetch(context.Background())
	require.NoError(t, err)
	defer p.Cleanup()

	assert.True(t, askedRepo, "empty ref must resolve the default branch first")
	assert.DirExists(t, root)
}

func TestGitHubFetchBlobErrorRemovesWorkdir(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/shop/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sha": "t1", "tree": [
			{"path": "a.php", "mode": "100644", "type": "blob", "sha": "b1", "size": 3}
		]}`))
	})
	mux.HandleFunc("GET /repos/acme/shop/git/blobs/b1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := testGitHub(t, srv, "acme/shop", "main")
	_, err := p.Fetch(context.Background())
	require.ErrorContains(t, err, "fetch blob a.php")

	leftovers, err := os.ReadDir(p.baseDir)
	require.NoError(t, err)
	assert.Empty(t, leftovers, "failed fetches must not leave partial trees behind")
}
