package dist

import "testing"

func TestParseChannel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id   string
		path string
	}{
		{"stable", "dist/channel-rust-stable.toml"},
		{"nightly", "dist/channel-rust-nightly.toml"},
		{"1.75.0", "dist/channel-rust-1.75.0.toml"},
		{"1.75", "dist/channel-rust-1.75.toml"},
		{"nightly-2024-01-01", "dist/2024-01-01/channel-rust-nightly.toml"},
	}
	for _, c := range cases {
		ch, err := ParseChannel(c.id)
		if err != nil {
			t.Errorf("ParseChannel(%q): %v", c.id, err)
			continue
		}
		if ch.ManifestPath() != c.path {
			t.Errorf("ManifestPath(%q) = %q, want %q", c.id, ch.ManifestPath(), c.path)
		}
	}

	for _, bad := range []string{"", "Stable", "1", "1.x", "nightly-2024-13-01", "alpha", "../stable"} {
		if _, err := ParseChannel(bad); err == nil {
			t.Errorf("ParseChannel(%q) should fail", bad)
		}
	}
}

func TestIsKnownTarget(t *testing.T) {
	t.Parallel()

	if !IsKnownTarget("x86_64-unknown-linux-gnu") || !IsKnownTarget("aarch64-apple-darwin") {
		t.Error("tier 1 targets must be known")
	}
	if IsKnownTarget("x86_64-unknown-linux") || IsKnownTarget(WildcardTarget) {
		t.Error("unknown target accepted")
	}
}
