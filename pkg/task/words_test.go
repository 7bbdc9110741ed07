package task

import (
	"context"
	"errors"
	"testing"

	"github.com/drcloud/drcloud/pkg/drerr"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		word    string
		want    Kind
		wantErr bool
	}{
		{word: "https://example.com/x", want: KindURL},
		{word: "s3://bucket/key", want: KindURL},
		{word: "//env", want: KindBuiltin},
		{word: "/bin/echo", want: KindSystem},
		{word: "echo", want: KindSystem},
		{word: "a//b", wantErr: true},
		{word: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Classify(tt.word)
		if (err != nil) != tt.wantErr {
			t.Errorf("Classify(%q) error = %v, wantErr %v", tt.word, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.word, got, tt.want)
		}
	}
}

func TestResolveLongestScheme(t *testing.T) {
	errShort := errors.New("short")
	errLong := errors.New("long")
	r := NewRegistry()
	r.Scheme("git://", func(context.Context, *Session, string, []string, Options) error { return errShort })
	r.Scheme("git://internal.", func(context.Context, *Session, string, []string, Options) error { return errLong })

	tests := []struct {
		word string
		want error
	}{
		{word: "git://internal.example.com/repo", want: errLong},
		{word: "git://github.com/repo", want: errShort},
	}
	for _, tt := range tests {
		h, kind, err := r.Resolve(tt.word)
		if err != nil {
			t.Fatalf("Resolve(%q) error = %v", tt.word, err)
		}
		if kind != KindURL {
			t.Errorf("Resolve(%q) kind = %q, want url", tt.word, kind)
		}
		if got := h(context.Background(), nil, tt.word, nil, Options{}); got != tt.want {
			t.Errorf("Resolve(%q) picked handler returning %v, want %v", tt.word, got, tt.want)
		}
	}
}

func TestResolveUnknown(t *testing.T) {
	r := DefaultRegistry()
	for _, word := range []string{"ftp://host/file", "//nope", "x//y"} {
		if _, _, err := r.Resolve(word); !drerr.IsValidation(err) {
			t.Errorf("Resolve(%q) error = %v, want validation", word, err)
		}
	}
	for _, word := range []string{"//env", "//cd", "//cd+", "//x", "http://h/x", "https://h/x", "s3://b/k", "ls"} {
		if _, _, err := r.Resolve(word); err != nil {
			t.Errorf("Resolve(%q) error = %v", word, err)
		}
	}
}
