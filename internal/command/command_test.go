package command

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line string
		want Command
	}{
		{"upload foo.txt ~S1/notes", Command{Verb: Upload, Name: "foo.txt", Path: "~S1/notes"}},
		{"uploadf  main.c\t~S1", Command{Verb: Upload, Name: "main.c", Path: "~S1"}},
		{"download ~S1/a/b.pdf", Command{Verb: Download, Path: "~S1/a/b.pdf"}},
		{"downlf ~S1/a/b.pdf", Command{Verb: Download, Path: "~S1/a/b.pdf"}},
		{"removef ~S1/x.zip", Command{Verb: Remove, Path: "~S1/x.zip"}},
		{"dispfnames ~S1/docs", Command{Verb: List, Path: "~S1/docs"}},
		{"downltar .pdf", Command{Verb: Archive, Ext: ".pdf"}},
		{"ping", Command{Verb: Ping}},
	}
	for _, tt := range tests {
		got, err := Parse(tt.line)
		if err != nil {
			t.Errorf("Parse(%q): %v", tt.line, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		line string
		want error
	}{
		{"", ErrMalformed},
		{"   ", ErrMalformed},
		{"frobnicate x", ErrUnknownVerb},
		{"UPLOAD foo.txt ~S1", ErrUnknownVerb},
		{"upload foo.txt", ErrMalformed},
		{"upload a/foo.txt ~S1", ErrMalformed},
		{"upload .. ~S1", ErrMalformed},
		{"download", ErrMalformed},
		{"download a b", ErrMalformed},
		{"list", ErrMalformed},
		{"archive pdf", ErrMalformed},
		{"archive .", ErrMalformed},
		{"ping now", ErrMalformed},
	}
	for _, tt := range tests {
		if _, err := Parse(tt.line); !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q) err = %v, want %v", tt.line, err, tt.want)
		}
	}
}

func TestStringIsCanonical(t *testing.T) {
	for _, line := range []string{
		"upload foo.txt ~S1/notes",
		"download ~S1/a.c",
		"remove ~S1/a.c",
		"list ~S1",
		"archive .txt",
		"ping",
	} {
		c, err := Parse(line)
		if err != nil {
			t.Fatalf("Parse(%q): %v", line, err)
		}
		if c.String() != line {
			t.Errorf("String() = %q, want %q", c.String(), line)
		}
	}

	c, _ := Parse("downltar .zip")
	if c.String() != "archive .zip" {
		t.Errorf("alias not canonicalized: %q", c.String())
	}
}

func TestTarget(t *testing.T) {
	c, _ := Parse("upload foo.txt ~S1/notes")
	if c.Target() != "foo.txt" {
		t.Errorf("upload target = %q", c.Target())
	}
	c, _ = Parse("archive .pdf")
	if c.Target() != ".pdf" {
		t.Errorf("archive target = %q", c.Target())
	}
	c, _ = Parse("remove ~S1/a.c")
	if c.Target() != "~S1/a.c" {
		t.Errorf("remove target = %q", c.Target())
	}
}
