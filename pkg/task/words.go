package task

import (
	"context"
	"sort"
	"strings"

	"github.com/drcloud/drcloud/pkg/drerr"
)

// Kind is how a command word is resolved.
type Kind string

const (
	// KindURL words contain a scheme separator and are fetched, then run.
	KindURL Kind = "url"
	// KindBuiltin words start with "//" and name an internal directive.
	KindBuiltin Kind = "builtin"
	// KindSystem words name an executable.
	KindSystem Kind = "system"
)

// Classify returns the kind of word without consulting any registry.
func Classify(word string) (Kind, error) {
	switch {
	case word == "":
		return "", drerr.Validationf("empty command word")
	case strings.Contains(word, "://"):
		return KindURL, nil
	case strings.HasPrefix(word, "//"):
		return KindBuiltin, nil
	case strings.Contains(word, "//"):
		return "", drerr.Validationf("command word %q contains //", word)
	default:
		return KindSystem, nil
	}
}

// Handler runs one command word with its arguments against a session.
type Handler func(ctx context.Context, s *Session, word string, args []string, opts Options) error

// Registry maps builtin names and URL scheme prefixes to handlers.
type Registry struct {
	builtins map[string]Handler
	schemes  map[string]Handler
	system   Handler
}

// NewRegistry returns a registry that only runs system executables.
func NewRegistry() *Registry {
	return &Registry{
		builtins: make(map[string]Handler),
		schemes:  make(map[string]Handler),
		system:   runSystem,
	}
}

// DefaultRegistry returns a registry with the standard builtins and the
// http, https and s3 URL handlers.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Builtin("//env", builtinEnv)
	r.Builtin("//cd", builtinCd)
	r.Builtin("//cd+", builtinCdExpand)
	r.Builtin("//x", builtinHex)

	web := &HTTPFetcher{}
	r.Scheme("http://", FetchAndRun(web))
	r.Scheme("https://", FetchAndRun(web))
	r.Scheme("s3://", FetchAndRun(&S3Fetcher{}))
	return r
}

// Builtin registers h under the exact word name, which must start with "//".
func (r *Registry) Builtin(name string, h Handler) {
	r.builtins[name] = h
}

// Scheme registers h for words starting with prefix, e.g. "https://".
func (r *Registry) Scheme(prefix string, h Handler) {
	r.schemes[prefix] = h
}

// Resolve finds the handler for word: the longest matching scheme prefix for
// URLs, an exact builtin name, or the system executable runner.
func (r *Registry) Resolve(word string) (Handler, Kind, error) {
	kind, err := Classify(word)
	if err != nil {
		return nil, "", err
	}

	switch kind {
	case KindURL:
		prefixes := make([]string, 0, len(r.schemes))
		for p := range r.schemes {
			prefixes = append(prefixes, p)
		}
		sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
		for _, p := range prefixes {
			if strings.HasPrefix(word, p) {
				return r.schemes[p], kind, nil
			}
		}
		scheme, _, _ := strings.Cut(word, "://")
		return nil, kind, drerr.Validationf("no handler for %s URLs", scheme)
	case KindBuiltin:
		if h, ok := r.builtins[word]; ok {
			return h, kind, nil
		}
		return nil, kind, drerr.Validationf("unknown builtin %s", word)
	default:
		return r.system, kind, nil
	}
}
