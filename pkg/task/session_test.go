package task

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/drcloud/drcloud/pkg/drerr"
)

func newTestSession(t *testing.T, reg *Registry) (*Session, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	s, err := NewSession(SessionOptions{
		Env:      []string{"PATH=/usr/bin:/bin", "HOME=" + t.TempDir()},
		Dir:      t.TempDir(),
		Stdout:   &out,
		Stderr:   io.Discard,
		Registry: reg,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s, &out
}

func TestEnvThenEcho(t *testing.T) {
	var tk Task
	if err := json.Unmarshal([]byte(`{"lock":"run","code":["//env FOO bar","/bin/echo $FOO"]}`), &tk); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	s, out := newTestSession(t, nil)
	if err := s.Run(context.Background(), &tk); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "bar") {
		t.Errorf("output = %q, want it to contain bar", out.String())
	}
	if _, ok := os.LookupEnv("FOO"); ok && os.Getenv("FOO") == "bar" {
		t.Error("//env leaked into the process environment")
	}
}

func TestEmptyTaskSucceeds(t *testing.T) {
	s, out := newTestSession(t, nil)
	if err := s.Run(context.Background(), &Task{}); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("output = %q, want none", out.String())
	}
}

func TestCommandsStopAtFirstFailure(t *testing.T) {
	s, out := newTestSession(t, nil)
	tk := &Task{Code: []Cmd{
		Command("/bin/echo", "one"),
		Command("/bin/sh", "-c", "exit 3"),
		Command("/bin/echo", "two"),
	}}
	err := s.Run(context.Background(), tk)
	if err == nil {
		t.Fatal("Run() error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "code 3") {
		t.Errorf("Run() error = %v, want exit code", err)
	}
	if got := out.String(); got != "one\n" {
		t.Errorf("output = %q, want only the first command", got)
	}
}

func TestCdBuiltins(t *testing.T) {
	s, out := newTestSession(t, nil)
	sub := filepath.Join(s.Getenv("HOME"), "work")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	tk := &Task{Code: []Cmd{
		Command("//cd+", "~/work"),
		Command("pwd"),
		Command("//cd", "/"),
		Command("//env", "W", "work"),
		Command("//cd+", "$HOME/$W"),
		Command("pwd"),
	}}
	if err := s.Run(context.Background(), tk); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := sub + "\n" + sub + "\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestCdMissingDirectory(t *testing.T) {
	s, _ := newTestSession(t, nil)
	if err := s.Run(context.Background(), &Task{Code: []Cmd{Command("//cd", "/does/not/exist")}}); err == nil {
		t.Error("Run() error = nil, want failure")
	}
}

func TestHexBuiltinRemovesProgram(t *testing.T) {
	s, out := newTestSession(t, nil)
	script := "#!/bin/sh\necho \"hex $1\"\nls \"$0\" >/dev/null\n"
	tk := &Task{Code: []Cmd{Command("//x", hex.EncodeToString([]byte(script)), "arg")}}

	before, _ := filepath.Glob(filepath.Join(os.TempDir(), "*.drcloud"))
	if err := s.Run(context.Background(), tk); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.String() != "hex arg\n" {
		t.Errorf("output = %q, want %q", out.String(), "hex arg\n")
	}
	after, _ := filepath.Glob(filepath.Join(os.TempDir(), "*.drcloud"))
	if len(after) > len(before) {
		t.Errorf("temporary programs left behind: %v", after)
	}
}

func TestHexBuiltinRejectsBadHex(t *testing.T) {
	s, _ := newTestSession(t, nil)
	err := s.Run(context.Background(), &Task{Code: []Cmd{Command("//x", "zz")}})
	if !drerr.IsValidation(err) {
		t.Errorf("Run() error = %v, want validation", err)
	}
}

func TestHTTPFetchAndRun(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "#!/bin/sh\necho fetched \"$@\"\n")
	}))
	defer srv.Close()

	reg := NewRegistry()
	reg.Scheme("http://", FetchAndRun(&HTTPFetcher{}))
	s, out := newTestSession(t, reg)

	tk := &Task{Code: []Cmd{Command(srv.URL+"/setup.sh", "a", "b")}}
	if err := s.Run(context.Background(), tk); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.String() != "fetched a b\n" {
		t.Errorf("output = %q, want %q", out.String(), "fetched a b\n")
	}
	if hits != 2 {
		t.Errorf("server hits = %d, want 2 (one retry)", hits)
	}
}

func TestHTTPFetchGivesUp(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := &HTTPFetcher{}
	err := f.Fetch(context.Background(), srv.URL, Options{}, io.Discard)
	if !drerr.IsTransfer(err) {
		t.Errorf("Fetch() error = %v, want transfer", err)
	}
	if hits != 1 {
		t.Errorf("server hits = %d, want 1 for a client error", hits)
	}
}

func TestHTTPSInsecureDownload(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	f := &HTTPFetcher{MaxTries: 1}
	if err := f.Fetch(context.Background(), srv.URL, Options{}, io.Discard); err == nil {
		t.Error("Fetch() without insecure_download accepted a self-signed certificate")
	}
	var buf bytes.Buffer
	if err := f.Fetch(context.Background(), srv.URL, Options{InsecureDownload: true}, &buf); err != nil {
		t.Fatalf("Fetch() with insecure_download error = %v", err)
	}
	if buf.String() != "ok" {
		t.Errorf("body = %q, want ok", buf.String())
	}
}

type fakeGetter struct {
	bucket, key string
	body        string
}

func (f *fakeGetter) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = *in.Bucket, *in.Key
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(f.body))}, nil
}

func TestS3FetchAndRun(t *testing.T) {
	getter := &fakeGetter{body: "#!/bin/sh\necho from-s3\n"}
	reg := NewRegistry()
	reg.Scheme("s3://", FetchAndRun(&S3Fetcher{Client: getter}))
	s, out := newTestSession(t, reg)

	if err := s.Run(context.Background(), &Task{Code: []Cmd{Command("s3://tools/bin/setup")}}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if getter.bucket != "tools" || getter.key != "bin/setup" {
		t.Errorf("GetObject(%q, %q), want tools, bin/setup", getter.bucket, getter.key)
	}
	if out.String() != "from-s3\n" {
		t.Errorf("output = %q, want from-s3", out.String())
	}
}

func TestSessionPathLookup(t *testing.T) {
	s, out := newTestSession(t, nil)
	bin := filepath.Join(s.Dir(), "bin")
	if err := os.MkdirAll(bin, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bin, "hello-tool"), []byte("#!/bin/sh\necho tool\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	tk := &Task{Code: []Cmd{
		Command("//env", "PATH", bin+":/usr/bin:/bin"),
		Command("hello-tool"),
	}}
	if err := s.Run(context.Background(), tk); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.String() != "tool\n" {
		t.Errorf("output = %q, want tool", out.String())
	}
}
