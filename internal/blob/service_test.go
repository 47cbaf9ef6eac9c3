package blob

import (
	"strings"
	"testing"
)

func TestValidateFile(t *testing.T) {
	if err := ValidateFile("report.pdf", 1024); err != nil {
		t.Errorf("expected small file to pass, got %v", err)
	}
	if err := ValidateFile("report.pdf", MaxFileSize); err != nil {
		t.Errorf("expected file at the limit to pass, got %v", err)
	}
	if err := ValidateFile("report.pdf", MaxFileSize+1); err == nil {
		t.Error("expected oversized file to fail")
	}
	if err := ValidateFile("report.pdf", 0); err == nil {
		t.Error("expected empty file to fail")
	}
	if err := ValidateFile("  ", 10); err == nil {
		t.Error("expected blank file name to fail")
	}
}

func TestSanitizeFileName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\a\notes.txt`, "notes.txt"},
		{"q4 budget (final).xlsx", "q4_budget__final_.xlsx"},
		{"...", "file"},
		{"", "file"},
	}
	for _, tc := range cases {
		if got := sanitizeFileName(tc.in); got != tc.want {
			t.Errorf("sanitizeFileName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildKeyLayout(t *testing.T) {
	key := buildKey("report.pdf")
	if !strings.HasPrefix(key, "attachments/") {
		t.Errorf("expected attachments/ prefix, got %q", key)
	}
	if !strings.HasSuffix(key, "/report.pdf") {
		t.Errorf("expected sanitized name suffix, got %q", key)
	}
	if key == buildKey("report.pdf") {
		t.Error("expected keys to be unique per upload")
	}
}
