package sanitize

import (
	"strings"
	"testing"
)

func TestFilename(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"firmware_binary", "firmware.bin", "firmware.bin"},
		{"version_file", "firmware_version.txt", "firmware_version.txt"},
		{"spaces_become_underscores", "My cool movie.mov", "My_cool_movie.mov"},
		{"whitespace_runs_collapse", "a \t  b.txt", "a_b.txt"},
		{"hyphens_kept", "fw-1.2.3.bin", "fw-1.2.3.bin"},

		{"unix_traversal", "../../etc/passwd", "etc_passwd"},
		{"absolute_path", "/etc/passwd", "etc_passwd"},
		{"windows_traversal", "..\\..\\windows\\system32", "windowssystem32"},
		{"dot_dot_only", "..", ""},
		{"dots_only", "...", ""},
		{"hidden_file", ".bashrc", "bashrc"},
		{"trailing_underscores", "__init__", "init"},

		{"accents_folded", "fïrmwäre.bin", "firmware.bin"},
		{"non_latin_dropped", "прошивка.bin", "bin"},
		{"null_byte", "file\x00evil.txt", "fileevil.txt"},
		{"shell_metachars", "a;b|c&d$(e).bin", "abcde.bin"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Filename(tt.input); got != tt.expected {
				t.Fatalf("Filename(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFilenameNeverEscapes(t *testing.T) {
	inputs := []string{
		"../../../../tmp/x",
		"..%2f..%2fetc",
		"....//....//etc/passwd",
		"/..",
		"a/../../b",
	}
	for _, in := range inputs {
		got := Filename(in)
		if strings.ContainsAny(got, "/\\") || strings.HasPrefix(got, ".") {
			t.Fatalf("Filename(%q) = %q escapes its directory", in, got)
		}
	}
}
