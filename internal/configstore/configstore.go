// Package configstore implements the Config Store (spec.md §4.4): one
// typed reader/writer pair per ConfigKind, each write going through
// internal/layout's atomic temp-then-rename primitive. Writes made
// while the supervisor is running are accepted but only take effect on
// the child's next start — this package has no opinion on lifecycle and
// simply persists documents. The ConfigPut operation's Completed frame
// does not say whether a change is waiting for the next start.
package configstore

import (
	"errors"
	"os"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/layout"
	"github.com/circlesabound/fctrl-agent/internal/model"
)

type Store struct {
	Layout *layout.Layout
}

func New(l *layout.Layout) *Store {
	return &Store{Layout: l}
}

func (s *Store) GetAdminList() (model.AdminList, error) {
	var v model.AdminList
	if err := layout.ReadJSON(s.Layout.AdminListPath(), &v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.AdminList{}, nil
		}
		return model.AdminList{}, err
	}
	return v, nil
}

func (s *Store) PutAdminList(v model.AdminList) error {
	return layout.WriteJSON(s.Layout.AdminListPath(), v)
}

func (s *Store) GetBanList() (model.BanList, error) {
	var v model.BanList
	if err := layout.ReadJSON(s.Layout.BanListPath(), &v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.BanList{}, nil
		}
		return model.BanList{}, err
	}
	return v, nil
}

func (s *Store) PutBanList(v model.BanList) error {
	return layout.WriteJSON(s.Layout.BanListPath(), v)
}

func (s *Store) GetWhiteList() (model.WhiteList, error) {
	var v model.WhiteList
	if err := layout.ReadJSON(s.Layout.WhiteListPath(), &v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.WhiteList{}, nil
		}
		return model.WhiteList{}, err
	}
	return v, nil
}

func (s *Store) PutWhiteList(v model.WhiteList) error {
	return layout.WriteJSON(s.Layout.WhiteListPath(), v)
}

// GetRconConfig reads the admin-socket credential. Unlike Secrets, the
// RCON password is never erased on read: the supervisor and RCON client
// both need the live value, and it is not exposed over the gateway to
// peers directly (only RconCommand, which proxies through the
// supervisor-owned client, touches it).
func (s *Store) GetRconConfig() (model.RconConfig, error) {
	var v model.RconConfig
	if err := layout.ReadJSON(s.Layout.RconPasswordPath(), &v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.RconConfig{}, nil
		}
		return model.RconConfig{}, err
	}
	return v, nil
}

func (s *Store) PutRconConfig(v model.RconConfig) error {
	return layout.WriteJSON(s.Layout.RconPasswordPath(), v)
}

// GetSecrets reads the catalog credential and erases the token field
// before returning it (spec.md §4.4).
func (s *Store) GetSecrets() (model.Secrets, error) {
	var v model.Secrets
	if err := layout.ReadJSON(s.Layout.SecretsPath(), &v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.Secrets{}, nil
		}
		return model.Secrets{}, err
	}
	v.Token = nil
	return v, nil
}

// PutSecrets writes the catalog credential. A nil Token preserves
// whatever token is already on disk rather than clearing it.
func (s *Store) PutSecrets(v model.Secrets) error {
	if v.Token == nil {
		existing, err := s.ReadSecretsRaw()
		if err == nil {
			v.Token = existing.Token
		}
	}
	return layout.WriteJSON(s.Layout.SecretsPath(), v)
}

// ReadSecretsRaw returns Secrets with the token intact, for internal
// callers (the catalog auth path) that are not a peer-facing
// ConfigGet(Secrets) read.
func (s *Store) ReadSecretsRaw() (model.Secrets, error) {
	var v model.Secrets
	err := layout.ReadJSON(s.Layout.SecretsPath(), &v)
	return v, err
}

func (s *Store) GetServerSettings() (model.ServerSettings, error) {
	var v model.ServerSettings
	if err := layout.ReadJSON(s.Layout.ServerSettingsPath(), &v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.ServerSettings{}, nil
		}
		return model.ServerSettings{}, err
	}
	return v, nil
}

func (s *Store) PutServerSettings(v model.ServerSettings) error {
	if v.MaxPlayers < 0 {
		return agenterr.New(agenterr.ConfigInvalid, "max_players must be >= 0")
	}
	return layout.WriteJSON(s.Layout.ServerSettingsPath(), v)
}

func (s *Store) GetModSettingsJSON() (model.ModSettingsJSON, error) {
	var v model.ModSettingsJSON
	if err := layout.ReadJSON(s.Layout.ModSettingsPath()+".json", &v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.ModSettingsJSON{}, nil
		}
		return model.ModSettingsJSON{}, err
	}
	return v, nil
}

func (s *Store) PutModSettingsJSON(v model.ModSettingsJSON) error {
	return layout.WriteJSON(s.Layout.ModSettingsPath()+".json", v)
}

// GetModSettingsBinary reads the opaque binary mod-settings payload
// unmodified.
func (s *Store) GetModSettingsBinary() (model.ModSettingsBinary, error) {
	data, err := os.ReadFile(s.Layout.ModSettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return model.ModSettingsBinary{}, nil
		}
		return model.ModSettingsBinary{}, agenterr.Wrap(agenterr.ConfigIoFailed, err, "reading mod-settings.dat")
	}
	return model.ModSettingsBinary{Bytes: data}, nil
}

func (s *Store) PutModSettingsBinary(v model.ModSettingsBinary) error {
	return layout.WriteFile(s.Layout.ModSettingsPath(), v.Bytes, 0o644)
}

