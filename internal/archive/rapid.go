package archive

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// resolveMod maps the configured mod spec to an installed archive name:
//
//	~pattern              regex over installed mods, longest match wins
//	rapid://group:version rapid tag lookup in the data dirs
//	anything else         literal name, must be installed
func (l *Loader) resolveMod(spec string) (*ModInfo, error) {
	switch {
	case strings.HasPrefix(spec, "~"):
		return l.resolveModRegex(spec[1:])
	case strings.HasPrefix(spec, "rapid://"):
		return l.resolveRapid(spec[len("rapid://"):])
	default:
		mods, err := l.installedMods()
		if err != nil {
			return nil, err
		}
		for _, m := range mods {
			if m == spec {
				return &ModInfo{Name: spec, Hash: modHash(spec)}, nil
			}
		}
		return nil, fmt.Errorf("mod %q not installed", spec)
	}
}

// resolveModRegex picks the lexically greatest matching mod name, which
// for versioned names selects the newest release.
func (l *Loader) resolveModRegex(pattern string) (*ModInfo, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("mod regex %q: %w", pattern, err)
	}
	mods, err := l.installedMods()
	if err != nil {
		return nil, err
	}
	best := ""
	for _, m := range mods {
		if re.MatchString(m) && m > best {
			best = m
		}
	}
	if best == "" {
		return nil, fmt.Errorf("no installed mod matches ~%s", pattern)
	}
	return &ModInfo{Name: best, Hash: modHash(best)}, nil
}

// resolveRapid resolves "group:version" by scanning every data dir's
// rapid/*/<group>/versions.gz index. Lines are CSV: tag, package hash,
// dependencies, display name; the tag match wins.
func (l *Loader) resolveRapid(tag string) (*ModInfo, error) {
	group, _, ok := strings.Cut(tag, ":")
	if !ok {
		return nil, fmt.Errorf("bad rapid tag %q (want group:version)", tag)
	}
	for _, dir := range l.dataDirs {
		repos, err := filepath.Glob(filepath.Join(dir, "rapid", "*", group, "versions.gz"))
		if err != nil {
			continue
		}
		for _, idx := range repos {
			name, err := scanRapidIndex(idx, tag)
			if err != nil {
				l.log.WithField("index", idx).WithError(err).Warn("rapid index unreadable")
				continue
			}
			if name != "" {
				return &ModInfo{Name: name, Hash: modHash(name)}, nil
			}
		}
	}
	return nil, fmt.Errorf("rapid tag %q not found in any data dir", tag)
}

func scanRapidIndex(path, tag string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", err
	}
	defer gz.Close()

	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), ",")
		if len(fields) < 4 {
			continue
		}
		if fields[0] == tag {
			return fields[3], nil
		}
	}
	return "", sc.Err()
}

func (l *Loader) installedMods() ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, dir := range l.dataDirs {
		entries, err := os.ReadDir(filepath.Join(dir, "games"))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("scan %s: %w", dir, err)
		}
		for _, e := range entries {
			name := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".sd7"), ".sdz")
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out, nil
}

// modHash is a stable synthetic hash derived from the name, used until a
// native archive hash is available.
func modHash(name string) int32 {
	var h int32 = 5381
	for i := 0; i < len(name); i++ {
		h = h*33 + int32(name[i])
	}
	return h
}
