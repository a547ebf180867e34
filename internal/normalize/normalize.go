// Package normalize extracts what a command chain touches (programs, paths,
// hosts) so a human approving it sees more than the raw text.
package normalize

import (
	"net/url"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/gzhole/guardbridge/internal/segment"
)

// Footprint is the union over every segment of a chain.
type Footprint struct {
	Executables []string `json:"executables"`
	Paths       []string `json:"paths,omitempty"`
	Domains     []string `json:"domains,omitempty"`
}

var domainRegex = regexp.MustCompile(`https?://([^/\s'"?#]+)`)

// Chain walks the segments in order, tracking `cd` so relative paths are
// resolved against the directory they would run in. cwd and home may be
// empty, in which case relative and ~ paths are only cleaned.
func Chain(chain segment.Chain, cwd, home string) Footprint {
	fp := Footprint{}
	seenExe := map[string]bool{}
	seenPath := map[string]bool{}
	seenDomain := map[string]bool{}

	for _, seg := range chain.Segments {
		if len(seg.Argv) == 0 {
			continue
		}
		exe := filepath.Base(seg.Argv[0])
		if !seenExe[exe] {
			seenExe[exe] = true
			fp.Executables = append(fp.Executables, exe)
		}

		for _, arg := range seg.Argv[1:] {
			if looksLikePath(arg) {
				p := expandPath(arg, cwd, home)
				if !seenPath[p] {
					seenPath[p] = true
					fp.Paths = append(fp.Paths, p)
				}
			}
			for _, d := range extractDomains(arg) {
				if !seenDomain[d] {
					seenDomain[d] = true
					fp.Domains = append(fp.Domains, d)
				}
			}
		}

		if exe == "git" && len(seg.Argv) > 2 && seg.Argv[1] == "clone" {
			if d := gitHost(seg.Argv[2]); d != "" && !seenDomain[d] {
				seenDomain[d] = true
				fp.Domains = append(fp.Domains, d)
			}
		}

		if seg.Argv[0] == "cd" {
			target := "~"
			if len(seg.Argv) > 1 {
				target = seg.Argv[1]
			}
			cwd = expandPath(target, cwd, home)
		}
	}

	sort.Strings(fp.Domains)
	return fp
}

// String renders fp on one line for notifications.
func (fp Footprint) String() string {
	parts := []string{"runs " + strings.Join(fp.Executables, ",")}
	if len(fp.Domains) > 0 {
		parts = append(parts, "hosts "+strings.Join(fp.Domains, ","))
	}
	if len(fp.Paths) > 0 {
		parts = append(parts, "paths "+strings.Join(fp.Paths, ","))
	}
	return strings.Join(parts, "; ")
}

func looksLikePath(arg string) bool {
	if strings.HasPrefix(arg, "-") {
		return false
	}
	if strings.Contains(arg, "://") || strings.HasPrefix(arg, "git@") {
		return false
	}
	return arg == "~" || arg == "." || arg == ".." || strings.Contains(arg, "/")
}

func expandPath(path, cwd, home string) string {
	switch {
	case path == "~" && home != "":
		path = home
	case strings.HasPrefix(path, "~/") && home != "":
		path = filepath.Join(home, path[2:])
	}
	if !filepath.IsAbs(path) && cwd != "" {
		path = filepath.Join(cwd, path)
	}
	return filepath.Clean(path)
}

func extractDomains(s string) []string {
	matches := domainRegex.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		host := m[1]
		if at := strings.LastIndex(host, "@"); at >= 0 {
			host = host[at+1:]
		}
		out = append(out, strings.ToLower(host))
	}
	return out
}

// gitHost handles scp-style remotes (git@host:org/repo) that carry no scheme.
func gitHost(remote string) string {
	if strings.HasPrefix(remote, "git@") {
		host, _, _ := strings.Cut(strings.TrimPrefix(remote, "git@"), ":")
		return strings.ToLower(host)
	}
	if u, err := url.Parse(remote); err == nil && u.Host != "" {
		return strings.ToLower(u.Hostname())
	}
	return ""
}
