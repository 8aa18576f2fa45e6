// Copyright (c) 2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package version

import (
	"strings"
	"testing"
)

// TestParseSemVer ensures semantic version strings are split into their
// components and malformed ones are rejected.
func TestParseSemVer(t *testing.T) {
	tests := []struct {
		ver     string
		want    semVer
		invalid bool
	}{
		{ver: "0.0.4", want: semVer{major: 0, minor: 0, patch: 4}},
		{ver: "10.20.30", want: semVer{major: 10, minor: 20, patch: 30}},
		{ver: "1.0.0-pre", want: semVer{major: 1, preRelease: "pre"}},
		{ver: "1.1.2-rc.1+meta", want: semVer{major: 1, minor: 1, patch: 2,
			preRelease: "rc.1", build: "meta"}},
		{ver: "1.1.2+release.local", want: semVer{major: 1, minor: 1,
			patch: 2, build: "release.local"}},
		{ver: "1.2", invalid: true},
		{ver: "01.1.1", invalid: true},
		{ver: "1.1.1-", invalid: true},
		{ver: "1.1.1+", invalid: true},
		{ver: "1.1.1-pre_release", invalid: true},
		{ver: "v1.1.1", invalid: true},
	}

	for _, test := range tests {
		got, err := parseSemVer(test.ver)
		if test.invalid {
			if err == nil {
				t.Errorf("%q: did not receive expected error", test.ver)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", test.ver, err)
			continue
		}
		if *got != test.want {
			t.Errorf("%q: got %+v, want %+v", test.ver, *got, test.want)
		}
	}
}

// TestVersion ensures the package level version is parsed on init.
func TestVersion(t *testing.T) {
	if !strings.HasPrefix(String(), Release()) {
		t.Fatalf("version %q does not start with release %q", String(),
			Release())
	}
	if PreRelease != "pre" {
		t.Fatalf("unexpected pre-release %q", PreRelease)
	}
	if BuildMetadata != "" && !strings.HasSuffix(String(), "+"+BuildMetadata) {
		t.Fatalf("version %q does not end with build metadata %q", String(),
			BuildMetadata)
	}
}
