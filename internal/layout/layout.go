// Package layout owns the on-disk tree rooted at a configurable
// filesystem root: installs, saves, mods, and config artifacts
// (spec.md §4.1). Every write goes through WriteFile/WriteJSON, which
// stage into a temp file in the destination directory and rename into
// place, so a reader never observes a partially written file.
package layout

import (
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Layout resolves every deterministic subpath described in spec.md §4.1.
type Layout struct {
	Root string
}

func New(root string) *Layout {
	return &Layout{Root: root}
}

func (l *Layout) InstallsDir() string            { return filepath.Join(l.Root, "installs") }
func (l *Layout) InstallStagingDir() string      { return filepath.Join(l.InstallsDir(), ".staging") }
func (l *Layout) InstallDir(version string) string {
	return filepath.Join(l.InstallsDir(), version)
}
func (l *Layout) CurrentLink() string { return filepath.Join(l.Root, "current") }

func (l *Layout) SavesDir() string { return filepath.Join(l.Root, "saves") }
func (l *Layout) SavePath(name string) string {
	return filepath.Join(l.SavesDir(), name+".zip")
}

func (l *Layout) ModsDir() string { return filepath.Join(l.Root, "mods") }
func (l *Layout) ModPath(name, version string) string {
	return filepath.Join(l.ModsDir(), name+"_"+version+".zip")
}
func (l *Layout) ModListPath() string     { return filepath.Join(l.ModsDir(), "mod-list.json") }
func (l *Layout) ModSettingsPath() string { return filepath.Join(l.ModsDir(), "mod-settings.dat") }

func (l *Layout) ConfigDir() string { return filepath.Join(l.Root, "config") }
func (l *Layout) ServerSettingsPath() string {
	return filepath.Join(l.ConfigDir(), "server-settings.json")
}
func (l *Layout) AdminListPath() string {
	return filepath.Join(l.ConfigDir(), "server-adminlist.json")
}
func (l *Layout) BanListPath() string {
	return filepath.Join(l.ConfigDir(), "server-banlist.json")
}
func (l *Layout) WhiteListPath() string {
	return filepath.Join(l.ConfigDir(), "server-whitelist.json")
}
func (l *Layout) RconPasswordPath() string { return filepath.Join(l.ConfigDir(), "rconpw") }
func (l *Layout) SecretsPath() string      { return filepath.Join(l.ConfigDir(), "secrets.json") }

func (l *Layout) StagingDir() string { return filepath.Join(l.Root, ".agent", "staging") }
func (l *Layout) JournalPath() string {
	return filepath.Join(l.Root, ".agent", "operations.log")
}

// EnsureDirs creates every top-level directory the layout depends on.
func (l *Layout) EnsureDirs() error {
	dirs := []string{
		l.InstallsDir(), l.InstallStagingDir(), l.SavesDir(), l.ModsDir(),
		l.ConfigDir(), l.StagingDir(), filepath.Dir(l.JournalPath()),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return agenterr.Wrap(agenterr.ConfigIoFailed, err, "creating directory %s", d)
		}
	}
	return nil
}

// WriteFile stages data into a temp file beside dest and renames it
// into place, so dest is always either its previous bytes or the new
// ones, never a partial write (spec.md §4.1, invariant 3 of §8).
func WriteFile(dest string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "mkdir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(dest)+"-*")
	if err != nil {
		return errors.Wrapf(err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "write temp file %s", tmpName)
	}
	if err = tmp.Chmod(perm); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "chmod temp file %s", tmpName)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "sync temp file %s", tmpName)
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrapf(err, "close temp file %s", tmpName)
	}
	if err = os.Rename(tmpName, dest); err != nil {
		return errors.Wrapf(err, "rename %s to %s", tmpName, dest)
	}
	return nil
}

// WriteJSON marshals v with the agent's json-iterator codec and writes
// it atomically via WriteFile.
func WriteJSON(dest string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return agenterr.Wrap(agenterr.ConfigInvalid, err, "encoding %s", dest)
	}
	if err := WriteFile(dest, data, 0o644); err != nil {
		return agenterr.Wrap(agenterr.ConfigIoFailed, err, "writing %s", dest)
	}
	return nil
}

// ReadJSON reads and unmarshals a JSON document at path.
func ReadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return agenterr.Wrap(agenterr.ConfigIoFailed, err, "%s does not exist", path)
		}
		return agenterr.Wrap(agenterr.ConfigIoFailed, err, "reading %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return agenterr.Wrap(agenterr.ConfigInvalid, err, "decoding %s", path)
	}
	return nil
}

// Exists reports whether path exists (and is not an error other than
// not-found).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// ActivateInstall atomically switches the "current" symlink to point at
// the given version's install directory. It replaces any previous
// symlink via rename-into-place of a freshly created link, matching the
// same temp-then-rename discipline as WriteFile.
func (l *Layout) ActivateInstall(version string) error {
	target := l.InstallDir(version)
	if !Exists(target) {
		return agenterr.New(agenterr.InstallFailed, "install directory %s missing", target)
	}
	link := l.CurrentLink()
	tmp := link + ".tmp"
	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return agenterr.Wrap(agenterr.InstallFailed, err, "creating temp symlink")
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return agenterr.Wrap(agenterr.InstallFailed, err, "activating install %s", version)
	}
	return nil
}

// CurrentVersion resolves the "current" symlink to a version string, or
// "" if no install is active.
func (l *Layout) CurrentVersion() (string, error) {
	target, err := os.Readlink(l.CurrentLink())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrap(err, "reading current symlink")
	}
	return filepath.Base(target), nil
}
