package task

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/drcloud/drcloud/pkg/drerr"
)

func TestOptionSetLastMatchWins(t *testing.T) {
	var tk Task
	doc := `{
  "code": [],
  "options": {
    "web-*": {"insecure_download": true},
    "web-prod": {"insecure_download": false}
  }
}`
	if err := json.Unmarshal([]byte(doc), &tk); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	tests := []struct {
		word string
		want bool
	}{
		{word: "web-prod", want: false},
		{word: "web-staging", want: true},
		{word: "db", want: false},
	}
	for _, tt := range tests {
		if got := tk.Options.For(tt.word).InsecureDownload; got != tt.want {
			t.Errorf("Options.For(%q).InsecureDownload = %v, want %v", tt.word, got, tt.want)
		}
	}
}

func TestOptionSetKeepsOrderOnTheWire(t *testing.T) {
	set := OptionSet{
		{Glob: "z*", Options: Options{InsecureDownload: true}},
		{Glob: "a*"},
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if want := `{"z*":{"insecure_download":true},"a*":{}}`; string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}

	var back OptionSet
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !reflect.DeepEqual(back, set) {
		t.Errorf("Unmarshal() = %+v, want %+v", back, set)
	}
}

func TestGlobMatchesAcrossSlashes(t *testing.T) {
	set := OptionSet{{Glob: "https://*", Options: Options{InsecureDownload: true}}}
	if !set.For("https://example.com/bin/setup").InsecureDownload {
		t.Error("pattern should match URL words containing slashes")
	}
}

func TestCmdUnmarshalForms(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Cmd
		wantErr bool
	}{
		{name: "object", in: `{"word":"/bin/echo","args":["hi"],"formerly":["echo"]}`, want: Cmd{Word: "/bin/echo", Args: []string{"hi"}, Formerly: []string{"echo"}}},
		{name: "array", in: `["//env","FOO","bar"]`, want: Cmd{Word: "//env", Args: []string{"FOO", "bar"}}},
		{name: "string", in: `"/bin/echo $FOO"`, want: Cmd{Word: "/bin/echo", Args: []string{"$FOO"}}},
		{name: "bare word", in: `"true"`, want: Cmd{Word: "true", Args: []string{}}},
		{name: "empty array", in: `[]`, wantErr: true},
		{name: "blank string", in: `"  "`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Cmd
			err := json.Unmarshal([]byte(tt.in), &c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if c.Word != tt.want.Word || len(c.Args) != len(tt.want.Args) {
				t.Fatalf("Unmarshal() = %+v, want %+v", c, tt.want)
			}
			for i := range c.Args {
				if c.Args[i] != tt.want.Args[i] {
					t.Errorf("Args[%d] = %q, want %q", i, c.Args[i], tt.want.Args[i])
				}
			}
			if !reflect.DeepEqual(c.Formerly, tt.want.Formerly) {
				t.Errorf("Formerly = %v, want %v", c.Formerly, tt.want.Formerly)
			}
		})
	}
}

func TestTaskDefaults(t *testing.T) {
	tk := Task{}
	if tk.LockName() != "run" || tk.LabelName() != "run" {
		t.Errorf("defaults = %q/%q, want run/run", tk.LockName(), tk.LabelName())
	}
	tk.Lock = "pkg"
	if tk.LabelName() != "pkg" {
		t.Errorf("LabelName() = %q, want lock name", tk.LabelName())
	}
	tk.Label = "install nginx"
	if tk.LabelName() != "install nginx" {
		t.Errorf("LabelName() = %q, want label", tk.LabelName())
	}
}

func TestTaskValidate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{name: "empty", task: Task{}},
		{name: "system", task: Task{Code: []Cmd{Command("/bin/true")}}},
		{name: "bad lock", task: Task{Lock: "Bad Lock"}, wantErr: true},
		{name: "slashes in system word", task: Task{Code: []Cmd{Command("bin//true")}}, wantErr: true},
		{name: "empty word", task: Task{Code: []Cmd{{}}}, wantErr: true},
		{name: "bad glob", task: Task{Options: OptionSet{{Glob: "[unterminated"}}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !drerr.IsValidation(err) {
				t.Errorf("Validate() error = %v, want validation kind", err)
			}
		})
	}
}
