// Package archive enumerates maps and resolves the hosted mod from the
// engine data directories, off the main loop and under the archive-cache
// file lock.
package archive

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/akoven/autohost/internal/locks"
)

// Load modes.
const (
	ModeFull     = "full"
	ModeGameOnly = "game-only"
)

// StartPos is one map start position in map coordinates.
type StartPos struct {
	X, Z int
}

// MapInfo is the cached metadata of one available map.
type MapInfo struct {
	Name     string
	Hash     int32
	Width    int
	Height   int
	StartPos []StartPos
	Options  map[string]string
}

// ModInfo is the resolved hosted mod.
type ModInfo struct {
	Name string
	Hash int32
}

// Result is what one loader run produces.
type Result struct {
	Mode string
	Maps map[string]*MapInfo
	Mod  *ModInfo
	Err  error
}

// Prober fills map metadata; the default probes the archive file itself.
// Tests inject a fake.
type Prober interface {
	ProbeMap(path string) (*MapInfo, error)
}

// Loader runs archive enumeration in a worker goroutine under the
// archive-cache lock, delivering one Result on Done per request.
type Loader struct {
	log      *logrus.Logger
	dataDirs []string
	lockPath string
	prober   Prober

	Done chan Result

	busy bool
}

// NewLoader creates a loader over the engine data directories.
func NewLoader(log *logrus.Logger, dataDirs []string, instanceDir string) *Loader {
	return &Loader{
		log:      log,
		dataDirs: dataDirs,
		lockPath: filepath.Join(instanceDir, locks.UnitsyncLockName),
		prober:   fileProber{},
		Done:     make(chan Result, 1),
	}
}

// SetProber overrides the metadata prober.
func (l *Loader) SetProber(p Prober) { l.prober = p }

// Busy reports whether a load is in flight.
func (l *Loader) Busy() bool { return l.busy }

// Start kicks off a load. Only one runs at a time; the result is consumed
// by the main loop from Done, which must then call Finish.
func (l *Loader) Start(mode, modSpec string, known map[string]*MapInfo) error {
	if l.busy {
		return fmt.Errorf("archive load already in progress")
	}
	l.busy = true
	go func() {
		res := l.run(mode, modSpec, known)
		l.Done <- res
	}()
	return nil
}

// Finish clears the in-flight flag; called by the main loop after the
// Result has been applied.
func (l *Loader) Finish() { l.busy = false }

func (l *Loader) run(mode, modSpec string, known map[string]*MapInfo) Result {
	res := Result{Mode: mode}

	lock := locks.New(l.lockPath)
	// launch may hold the lock for a while; wait generously but not forever
	got, err := lock.LockTimeout(5*time.Minute, time.Second)
	if err != nil {
		res.Err = fmt.Errorf("archive cache lock: %w", err)
		return res
	}
	if !got {
		res.Err = fmt.Errorf("archive cache lock not acquired within 5m")
		return res
	}
	defer lock.Unlock()

	start := time.Now()
	if mode == ModeFull {
		maps, err := l.enumerateMaps(known)
		if err != nil {
			res.Err = err
			return res
		}
		res.Maps = maps
	}

	mod, err := l.resolveMod(modSpec)
	if err != nil {
		res.Err = err
		return res
	}
	res.Mod = mod
	l.log.WithFields(logrus.Fields{
		"mode":     mode,
		"maps":     len(res.Maps),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("archive load finished")
	return res
}

// enumerateMaps scans every data dir's maps/ in parallel. Maps already in
// known keep their metadata; new ones are probed.
func (l *Loader) enumerateMaps(known map[string]*MapInfo) (map[string]*MapInfo, error) {
	var g errgroup.Group
	perDir := make([][]string, len(l.dataDirs))
	for i, dir := range l.dataDirs {
		g.Go(func() error {
			entries, err := os.ReadDir(filepath.Join(dir, "maps"))
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return fmt.Errorf("scan %s: %w", dir, err)
			}
			for _, e := range entries {
				name := e.Name()
				if strings.HasSuffix(name, ".sd7") || strings.HasSuffix(name, ".sdz") {
					perDir[i] = append(perDir[i], filepath.Join(dir, "maps", name))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*MapInfo)
	for _, paths := range perDir {
		for _, path := range paths {
			name := mapNameFromArchive(path)
			if _, dup := out[name]; dup {
				continue
			}
			if prev, ok := known[name]; ok {
				out[name] = prev
				continue
			}
			info, err := l.prober.ProbeMap(path)
			if err != nil {
				l.log.WithField("map", name).WithError(err).Warn("map probe failed, skipping")
				continue
			}
			info.Name = name
			out[name] = info
		}
	}
	return out, nil
}

func mapNameFromArchive(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(strings.TrimSuffix(base, ".sd7"), ".sdz")
}

// fileProber derives minimal metadata from the archive file without a
// native unitsync binding: a stable content hash and default geometry.
type fileProber struct{}

func (fileProber) ProbeMap(path string) (*MapInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	head := make([]byte, 1<<20)
	n, err := f.Read(head)
	if err != nil && n == 0 {
		return nil, err
	}
	sum := md5.Sum(head[:n])
	return &MapInfo{
		Hash:    int32(binary.LittleEndian.Uint32(sum[:4])),
		Width:   8,
		Height:  8,
		Options: map[string]string{},
	}, nil
}

// ListNames returns the sorted map names of a cache.
func ListNames(maps map[string]*MapInfo) []string {
	names := make([]string, 0, len(maps))
	for n := range maps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
