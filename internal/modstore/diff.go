package modstore

import (
	"os"
	"regexp"
	"strings"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/layout"
	"github.com/circlesabound/fctrl-agent/internal/model"
)

var modFilePattern = regexp.MustCompile(`^(.+)_(\d+\.\d+\.\d+)\.zip$`)

// key identifies a mod by name and version for set-difference purposes.
type key struct{ name, version string }

// scanDisk lists mods/*.zip and parses each filename into a
// {name,version} pair, mirroring the filename-derived shard scan in
// aistore's dataset diff resolver.
func scanDisk(l *layout.Layout) (map[key]bool, error) {
	entries, err := os.ReadDir(l.ModsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return map[key]bool{}, nil
		}
		return nil, agenterr.Wrap(agenterr.ConfigIoFailed, err, "scanning %s", l.ModsDir())
	}
	disk := make(map[key]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := modFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		disk[key{name: m[1], version: m[2]}] = true
	}
	return disk, nil
}

// diff computes target-minus-disk (to download) and disk-minus-target
// (to delete), in deterministic name order so progress frames are
// reproducible.
func diff(target model.ModList, disk map[key]bool) (toDownload, toDelete []key) {
	wanted := make(map[key]bool, len(target.Mods))
	for _, m := range target.Mods {
		k := key{name: m.Name, version: m.Version}
		wanted[k] = true
		if !disk[k] {
			toDownload = append(toDownload, k)
		}
	}
	for k := range disk {
		if !wanted[k] {
			toDelete = append(toDelete, k)
		}
	}
	sortKeys(toDownload)
	sortKeys(toDelete)
	return toDownload, toDelete
}

func sortKeys(ks []key) {
	for i := 1; i < len(ks); i++ {
		for j := i; j > 0 && less(ks[j], ks[j-1]); j-- {
			ks[j], ks[j-1] = ks[j-1], ks[j]
		}
	}
}

func less(a, b key) bool {
	if a.name != b.name {
		return strings.Compare(a.name, b.name) < 0
	}
	return strings.Compare(a.version, b.version) < 0
}
