package dns

import (
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/drcloud/drcloud/pkg/drerr"
)

func TestName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{name: "single label", in: "web", want: true},
		{name: "dotted", in: "a-b.c-d", want: true},
		{name: "trailing dot", in: "web.example.com.", want: true},
		{name: "digits", in: "node-1.dc2", want: true},
		{name: "uppercase", in: "Web", want: false},
		{name: "underscore", in: "a_b", want: false},
		{name: "leading hyphen", in: "-a", want: false},
		{name: "trailing hyphen", in: "a-", want: false},
		{name: "empty label", in: "a..b", want: false},
		{name: "empty", in: "", want: false},
		{name: "long label", in: strings.Repeat("a", 64), want: false},
		{name: "max label", in: strings.Repeat("a", 63), want: true},
		{name: "too long", in: strings.Repeat("abcdefghi.", 26), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Name(tt.in); got != tt.want {
				t.Errorf("Name(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCheckIsValidation(t *testing.T) {
	if err := Check("A_B"); !drerr.IsValidation(err) {
		t.Errorf("Check() error = %v, want validation", err)
	}
}

func TestPathRoundTrip(t *testing.T) {
	p, err := Path("node.service-ip")
	if err != nil {
		t.Fatalf("Path() error = %v", err)
	}
	if p != "node/service-ip" {
		t.Errorf("Path() = %q, want %q", p, "node/service-ip")
	}
	name, err := FromPath(p)
	if err != nil {
		t.Fatalf("FromPath() error = %v", err)
	}
	if name != "node.service-ip" {
		t.Errorf("FromPath() = %q, want %q", name, "node.service-ip")
	}
	if _, err := FromPath("!/node"); err == nil {
		t.Error("FromPath() of tombstone path should fail")
	}
}

func TestRegisterValidation(t *testing.T) {
	v := validator.New()
	if err := RegisterValidation(v); err != nil {
		t.Fatalf("RegisterValidation() error = %v", err)
	}

	type target struct {
		Channel string `validate:"required,dns"`
	}
	if err := v.Struct(target{Channel: "web.example.com"}); err != nil {
		t.Errorf("valid channel rejected: %v", err)
	}
	if err := v.Struct(target{Channel: "Web Example"}); err == nil {
		t.Error("invalid channel accepted")
	}
}
