package dist

import (
	"path/filepath"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"a/b/../c":              "a/c",
		"a/../../b":             "b",
		"./a/./b":               "a/b",
		"/x/y/../../..":         "/",
		"/srv/m/dist/../dist/f": "/srv/m/dist/f",
		"":                      "",
	}
	for in, want := range cases {
		got := NormalizePath(filepath.FromSlash(in))
		if got != filepath.FromSlash(want) {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRelativePath(t *testing.T) {
	t.Parallel()

	got, err := RelativePath("https://static.rust-lang.org/dist/2024-01-01/rust%20docs.tar.gz")
	if err != nil {
		t.Fatal(err)
	}
	if got != "dist/2024-01-01/rust docs.tar.gz" {
		t.Errorf("RelativePath = %q", got)
	}

	if _, err := RelativePath("https://static.rust-lang.org/"); err == nil {
		t.Error("RelativePath should reject an URL without a path")
	}
}

func TestUpstreamURL(t *testing.T) {
	t.Parallel()

	got := UpstreamURL("https://static.rust-lang.org", "dist/2024-01-01/rust docs.tar.gz")
	want := "https://static.rust-lang.org/dist/2024-01-01/rust%20docs.tar.gz"
	if got != want {
		t.Errorf("UpstreamURL = %q, want %q", got, want)
	}
}
