package configstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/circlesabound/fctrl-agent/internal/layout"
	"github.com/circlesabound/fctrl-agent/internal/model"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	l := layout.New(t.TempDir())
	require.NoError(t, l.EnsureDirs())
	return New(l)
}

func TestAdminListRoundTrip(t *testing.T) {
	s := newStore(t)
	got, err := s.GetAdminList()
	require.NoError(t, err)
	require.Empty(t, got.Users)

	want := model.AdminList{Users: []string{"alice", "bob"}}
	require.NoError(t, s.PutAdminList(want))

	got, err = s.GetAdminList()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSecretsReadErasesTokenWriteNilPreservesIt(t *testing.T) {
	s := newStore(t)
	tok := "super-secret"
	require.NoError(t, s.PutSecrets(model.Secrets{Username: "svc", Token: &tok}))

	got, err := s.GetSecrets()
	require.NoError(t, err)
	require.Equal(t, "svc", got.Username)
	require.Nil(t, got.Token)

	require.NoError(t, s.PutSecrets(model.Secrets{Username: "svc2", Token: nil}))

	raw, err := s.ReadSecretsRaw()
	require.NoError(t, err)
	require.Equal(t, "svc2", raw.Username)
	require.NotNil(t, raw.Token)
	require.Equal(t, tok, *raw.Token)
}

func TestServerSettingsRejectsNegativeMaxPlayers(t *testing.T) {
	s := newStore(t)
	err := s.PutServerSettings(model.ServerSettings{MaxPlayers: -1})
	require.Error(t, err)
}

func TestServerSettingsPreservesUnknownKeys(t *testing.T) {
	s := newStore(t)
	want := model.ServerSettings{
		Name:       "my-server",
		MaxPlayers: 16,
		Extra: map[string]interface{}{
			"afk_autokick_interval": float64(120),
			"tags":                  []interface{}{"vanilla", "pvp"},
		},
	}
	require.NoError(t, s.PutServerSettings(want))

	got, err := s.GetServerSettings()
	require.NoError(t, err)
	require.Equal(t, want.Name, got.Name)
	require.Equal(t, want.MaxPlayers, got.MaxPlayers)
	require.Equal(t, want.Extra, got.Extra)
}

func TestModSettingsBinaryRoundTrip(t *testing.T) {
	s := newStore(t)
	want := model.ModSettingsBinary{Bytes: []byte{0x01, 0x02, 0x03}}
	require.NoError(t, s.PutModSettingsBinary(want))

	got, err := s.GetModSettingsBinary()
	require.NoError(t, err)
	require.Equal(t, want.Bytes, got.Bytes)
}
