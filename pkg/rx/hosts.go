package rx

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/drcloud/drcloud/pkg/flock"
)

// HostsMarker tags the hosts file lines the agent owns.
const HostsMarker = "drcloud//"

// HostsFile applies name mappings to a hosts(5) file. Lines carrying
// HostsMarker are replaced wholesale on every apply; other lines are kept.
type HostsFile struct {
	Path string

	// Timeout bounds the wait for the file's lock.
	Timeout time.Duration

	// Now stamps written lines. Defaults to time.Now.
	Now func() time.Time
}

// Apply replaces the agent's lines with names (fqdn to address).
func (h *HostsFile) Apply(ctx context.Context, names map[string]string) error {
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	f, err := flock.Lock(ctx, h.Path, flock.Options{Flag: flock.Exclusive, Timeout: h.Timeout})
	if err != nil {
		return err
	}
	defer f.Unlock()

	current, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", h.Path, err)
	}

	var lines []string
	for _, line := range strings.Split(string(current), "\n") {
		if line == "" || strings.Contains(line, HostsMarker) {
			continue
		}
		lines = append(lines, line)
	}
	lines = append(lines, FormatHosts(names, now())...)

	text := strings.Join(lines, "\n")
	if text != "" {
		text += "\n"
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", h.Path, err)
	}
	if _, err := f.WriteAt([]byte(text), 0); err != nil {
		return fmt.Errorf("failed to write %s: %w", h.Path, err)
	}
	return nil
}

// FormatHosts renders names as aligned hosts lines, ordered by reversed
// name components so that names in one domain sit together.
func FormatHosts(names map[string]string, t time.Time) []string {
	if len(names) == 0 {
		return nil
	}

	ipw, namew := 0, 0
	fqdns := make([]string, 0, len(names))
	for name, ip := range names {
		fqdns = append(fqdns, name)
		ipw = max(ipw, len(ip))
		namew = max(namew, len(name))
	}
	slices.SortFunc(fqdns, func(a, b string) int {
		return slices.Compare(reversed(a), reversed(b))
	})

	stamp := t.UTC().Format(time.RFC3339)
	lines := make([]string, 0, len(fqdns))
	for _, name := range fqdns {
		lines = append(lines, fmt.Sprintf("%-*s %-*s # %s%s", ipw, names[name], namew, name, HostsMarker, stamp))
	}
	return lines
}

func reversed(name string) []string {
	parts := strings.Split(strings.TrimSuffix(name, "."), ".")
	slices.Reverse(parts)
	return parts
}
