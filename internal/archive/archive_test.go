package archive

import (
	"compress/gzip"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func testLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	dir := t.TempDir()
	return NewLoader(log, []string{dir}, t.TempDir()), dir
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("archive payload"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveModLiteral(t *testing.T) {
	l, dir := testLoader(t)
	touch(t, filepath.Join(dir, "games", "Balanced Annihilation V12.1.sd7"))

	mod, err := l.resolveMod("Balanced Annihilation V12.1")
	if err != nil {
		t.Fatal(err)
	}
	if mod.Name != "Balanced Annihilation V12.1" || mod.Hash == 0 {
		t.Errorf("got %+v", mod)
	}
	if _, err := l.resolveMod("Not Installed"); err == nil {
		t.Error("missing mod must be an error")
	}
}

func TestResolveModRegexPicksNewest(t *testing.T) {
	l, dir := testLoader(t)
	for _, name := range []string{
		"Balanced Annihilation V12.1.sd7",
		"Balanced Annihilation V12.10.sdz",
		"Balanced Annihilation V9.46.sd7",
		"Other Game V1.sd7",
	} {
		touch(t, filepath.Join(dir, "games", name))
	}

	mod, err := l.resolveMod("~Balanced Annihilation V.*")
	if err != nil {
		t.Fatal(err)
	}
	// lexically greatest match, not the highest semantic version
	if mod.Name != "Balanced Annihilation V9.46" {
		t.Errorf("got %q", mod.Name)
	}

	if _, err := l.resolveMod("~Zero-K.*"); err == nil {
		t.Error("pattern with no match must be an error")
	}
	if _, err := l.resolveMod("~[invalid"); err == nil {
		t.Error("bad pattern must be an error")
	}
}

func TestResolveRapid(t *testing.T) {
	l, dir := testLoader(t)
	idx := filepath.Join(dir, "rapid", "repos.example.org", "ba", "versions.gz")
	if err := os.MkdirAll(filepath.Dir(idx), 0o755); err != nil {
		t.Fatal(err)
	}
	f, err := os.Create(idx)
	if err != nil {
		t.Fatal(err)
	}
	gz := gzip.NewWriter(f)
	fmt.Fprintln(gz, "ba:test,0123abcd,,Balanced Annihilation test-1234")
	fmt.Fprintln(gz, "ba:stable,4567ef01,,Balanced Annihilation V12.1")
	gz.Close()
	f.Close()

	mod, err := l.resolveMod("rapid://ba:stable")
	if err != nil {
		t.Fatal(err)
	}
	if mod.Name != "Balanced Annihilation V12.1" {
		t.Errorf("got %q", mod.Name)
	}

	if _, err := l.resolveMod("rapid://ba:nosuch"); err == nil {
		t.Error("unknown tag must be an error")
	}
	if _, err := l.resolveMod("rapid://justagroup"); err == nil {
		t.Error("tag without a version must be an error")
	}
}

type fakeProber struct {
	probed []string
}

func (p *fakeProber) ProbeMap(path string) (*MapInfo, error) {
	p.probed = append(p.probed, path)
	return &MapInfo{Hash: 42, Width: 16, Height: 16, Options: map[string]string{}}, nil
}

func TestEnumerateMapsReusesKnown(t *testing.T) {
	l, dir := testLoader(t)
	touch(t, filepath.Join(dir, "maps", "Comet Catcher Redux.sd7"))
	touch(t, filepath.Join(dir, "maps", "DeltaSiegeDry.sdz"))
	touch(t, filepath.Join(dir, "maps", "notamap.txt"))

	p := &fakeProber{}
	l.SetProber(p)
	known := map[string]*MapInfo{
		"DeltaSiegeDry": {Name: "DeltaSiegeDry", Hash: 7, Width: 20, Height: 20},
	}
	maps, err := l.enumerateMaps(known)
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 2 {
		t.Fatalf("got %v", ListNames(maps))
	}
	if maps["Comet Catcher Redux"].Hash != 42 {
		t.Error("new map must be probed")
	}
	if maps["DeltaSiegeDry"].Hash != 7 || len(p.probed) != 1 {
		t.Error("known map must keep its cached metadata without a re-probe")
	}
}

func TestListNamesSorted(t *testing.T) {
	got := ListNames(map[string]*MapInfo{"b": {}, "a": {}, "c": {}})
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("got %v", got)
	}
}

func TestGhostMapsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ghostMaps.json")
	g, err := LoadGhostMaps(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := g.Lookup("Comet"); ok {
		t.Fatal("empty table must not resolve")
	}
	if err := g.Learn("Comet", 12345); err != nil {
		t.Fatal(err)
	}

	g2, err := LoadGhostMaps(path)
	if err != nil {
		t.Fatal(err)
	}
	h, ok := g2.Lookup("Comet")
	if !ok || h != 12345 {
		t.Errorf("persisted hash: %d %v", h, ok)
	}
	info, ok := g2.Entry("Comet")
	if !ok || info.Hash != 12345 || info.Name != "Comet" {
		t.Errorf("Entry = %+v", info)
	}
}
