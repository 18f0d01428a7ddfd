package model

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ConfigKind enumerates the config document kinds of spec.md §3.
type ConfigKind string

const (
	KindAdminList         ConfigKind = "AdminList"
	KindBanList           ConfigKind = "BanList"
	KindWhiteList         ConfigKind = "WhiteList"
	KindRconConfig        ConfigKind = "RconConfig"
	KindSecrets           ConfigKind = "Secrets"
	KindServerSettings    ConfigKind = "ServerSettings"
	KindModSettingsJSON   ConfigKind = "ModSettingsJson"
	KindModSettingsBinary ConfigKind = "ModSettingsBinary"
)

// AdminList is an ordered set of player names granted admin rights.
type AdminList struct {
	Users []string `json:"users"`
}

// BanList is an ordered set of banned player names.
type BanList struct {
	Users []string `json:"users"`
}

// WhiteList is the toggleable player allow-list.
type WhiteList struct {
	Enabled bool     `json:"enabled"`
	Users   []string `json:"users"`
}

// RconConfig carries the administrative-socket credential.
type RconConfig struct {
	Port     uint16 `json:"port"`
	Password string `json:"password"`
}

// Secrets carries the catalog credential. Token is erased (set to nil)
// whenever Secrets is read back through the store; writing with a nil
// Token preserves whatever token is already on disk.
type Secrets struct {
	Username string  `json:"username"`
	Token    *string `json:"token,omitempty"`
}

// ServerSettings is the structured server-settings document. Only the
// fields the Agent itself interprets are typed; everything else round
// trips through Extra via MarshalJSON/UnmarshalJSON below, so a
// server-settings.json key this Agent doesn't know about survives a
// ConfigGet/ConfigPut cycle instead of being silently dropped.
type ServerSettings struct {
	Name             string                 `json:"name"`
	Description      string                 `json:"description"`
	MaxPlayers       int                    `json:"max_players"`
	GamePassword     string                 `json:"game_password,omitempty"`
	PubliclyVisible  bool                   `json:"visibility_public"`
	AutosaveInterval int                    `json:"autosave_interval"`
	Extra            map[string]interface{} `json:"-"`
}

// serverSettingsKnownKeys lists the wire names of ServerSettings' typed
// fields, kept out of Extra on decode and taking precedence over any
// same-named Extra entry on encode.
var serverSettingsKnownKeys = map[string]struct{}{
	"name":              {},
	"description":       {},
	"max_players":       {},
	"game_password":     {},
	"visibility_public": {},
	"autosave_interval": {},
}

type serverSettingsAlias struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	MaxPlayers       int    `json:"max_players"`
	GamePassword     string `json:"game_password,omitempty"`
	PubliclyVisible  bool   `json:"visibility_public"`
	AutosaveInterval int    `json:"autosave_interval"`
}

func (s ServerSettings) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(s.Extra)+len(serverSettingsKnownKeys))
	for k, v := range s.Extra {
		out[k] = v
	}
	out["name"] = s.Name
	out["description"] = s.Description
	out["max_players"] = s.MaxPlayers
	if s.GamePassword != "" {
		out["game_password"] = s.GamePassword
	}
	out["visibility_public"] = s.PubliclyVisible
	out["autosave_interval"] = s.AutosaveInterval
	return json.Marshal(out)
}

func (s *ServerSettings) UnmarshalJSON(data []byte) error {
	var alias serverSettingsAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var extra map[string]interface{}
	for k, v := range raw {
		if _, known := serverSettingsKnownKeys[k]; known {
			continue
		}
		if extra == nil {
			extra = make(map[string]interface{}, len(raw))
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		extra[k] = val
	}
	*s = ServerSettings{
		Name:             alias.Name,
		Description:      alias.Description,
		MaxPlayers:       alias.MaxPlayers,
		GamePassword:     alias.GamePassword,
		PubliclyVisible:  alias.PubliclyVisible,
		AutosaveInterval: alias.AutosaveInterval,
		Extra:            extra,
	}
	return nil
}

// ModSettingsJSON is the text (editable) mirror of the binary
// mod-settings.dat format.
type ModSettingsJSON struct {
	Settings map[string]interface{} `json:"settings"`
}

// ModSettingsBinary is the opaque on-disk binary mod-settings form;
// the Agent never interprets its contents, only moves bytes atomically.
type ModSettingsBinary struct {
	Bytes []byte `json:"bytes"`
}

// ModEntry is one element of a ModList.
type ModEntry struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ModList is the declarative mod-list target / observed state of
// spec.md §3. The base-game entry is implicit and never appears here.
type ModList struct {
	Mods []ModEntry `json:"mods"`
}
