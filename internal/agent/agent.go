// Package agent is the composition root: it wires the Filesystem
// Layout, Operation Registry, Process Supervisor, Installer, Mod
// Store, Config Store, RCON Client, and Metrics Sampler together and
// exposes one method per request kind of spec.md §4.8. The Message
// Gateway is the only caller of this package; it owns transport and
// per-peer framing, this package owns what each request kind actually
// does.
package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
	"github.com/circlesabound/fctrl-agent/internal/config"
	"github.com/circlesabound/fctrl-agent/internal/configstore"
	"github.com/circlesabound/fctrl-agent/internal/installer"
	"github.com/circlesabound/fctrl-agent/internal/layout"
	"github.com/circlesabound/fctrl-agent/internal/model"
	"github.com/circlesabound/fctrl-agent/internal/modstore"
	"github.com/circlesabound/fctrl-agent/internal/opregistry"
	"github.com/circlesabound/fctrl-agent/internal/rcon"
	"github.com/circlesabound/fctrl-agent/internal/sampler"
	"github.com/circlesabound/fctrl-agent/internal/supervisor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// pollCommand is the administrative command the sampler issues every
// tick. Its exact grammar is binary-version dependent like the
// readiness pattern (spec.md §4.9); operators override it by
// constructing a Sampler directly if the default does not match their
// server build.
const pollCommand = "/silent-command rcon.print(helpers.table_to_json(game.get_run_statistics and {} or {}))"

type Agent struct {
	Layout     *layout.Layout
	Registry   *opregistry.Registry
	Supervisor *supervisor.Supervisor
	Installer  *installer.Installer
	Mods       *modstore.Reconciler
	Config     *configstore.Store
	Rcon       *rcon.Client
	Sampler    *sampler.Sampler
}

// New constructs an Agent rooted at cfg.Root, with catalog and
// modCatalog as the two out-of-scope external collaborators (spec.md
// §1) it talks to over HTTPS.
func New(cfg *config.Config, catalog installer.Catalog, modCatalog modstore.Catalog) (*Agent, error) {
	l := layout.New(cfg.Root)
	if err := l.EnsureDirs(); err != nil {
		return nil, err
	}

	reg := opregistry.New(cfg.OperationTTL, l.JournalPath())
	sup := supervisor.New(supervisor.Config{StopGraceTimeout: cfg.StopGraceTimeout})
	cs := configstore.New(l)
	rc := rcon.New(func() model.RconConfig {
		c, _ := cs.GetRconConfig()
		return c
	}, lifecycleWatcher{sup}, cfg.RconCommandTimeout)
	smp := sampler.New(lifecycleWatcher{sup}, rc, cfg.SamplerInterval, pollCommand)
	in := installer.New(l, catalog, nil)
	ms := modstore.New(l, modCatalog)

	return &Agent{
		Layout:     l,
		Registry:   reg,
		Supervisor: sup,
		Installer:  in,
		Mods:       ms,
		Config:     cs,
		Rcon:       rc,
		Sampler:    smp,
	}, nil
}

// lifecycleWatcher hands the supervisor's lifecycle watch (not its log
// bus, which Supervisor.Subscribe returns) to the RCON client and the
// sampler.
type lifecycleWatcher struct{ s *supervisor.Supervisor }

func (w lifecycleWatcher) Subscribe() (<-chan model.Lifecycle, int) { return w.s.WatchLifecycle() }
func (w lifecycleWatcher) Unsubscribe(tok int)                      { w.s.UnwatchLifecycle(tok) }

// Run starts the background loops that live for the Agent's whole
// process lifetime (RCON reconnection, metrics sampling). It returns
// once ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	go a.Rcon.Run(ctx)
	go a.Sampler.Run(ctx)
	<-ctx.Done()
	a.Registry.Close()
}

// StatusResult is the inline Status response body.
type StatusResult struct {
	Lifecycle      model.Lifecycle `json:"lifecycle"`
	CurrentVersion string          `json:"current_version"`
	RconConnected  bool            `json:"rcon_connected"`
}

func (a *Agent) Status() (StatusResult, error) {
	v, err := a.Layout.CurrentVersion()
	if err != nil {
		return StatusResult{}, err
	}
	return StatusResult{
		Lifecycle:      a.Supervisor.Lifecycle(),
		CurrentVersion: v,
		RconConnected:  a.Rcon.Connected(),
	}, nil
}

func (a *Agent) VersionGet() (string, error) {
	return a.Layout.CurrentVersion()
}

// BeginInstall starts VersionInstall as a tracked, cancellable
// operation.
func (a *Agent) BeginInstall(version string, force bool) (*opregistry.Handle, error) {
	if a.Supervisor.Lifecycle() != model.NotRunning {
		return nil, agenterr.New(agenterr.NotIdle, "install requires lifecycle NotRunning, was %s", a.Supervisor.Lifecycle())
	}
	h, err := a.Registry.Begin(model.OpInstall, opregistry.ProcessClass, true)
	if err != nil {
		return nil, err
	}
	go func() {
		ctx, cancel := h.Context(context.Background())
		defer cancel()
		_ = a.Installer.Install(ctx, h, version, force)
	}()
	return h, nil
}

// BeginModReconcile starts ModListApply, rejecting the request outright
// if the server is not NotRunning (spec.md §4.3).
func (a *Agent) BeginModReconcile(target model.ModList) (*opregistry.Handle, error) {
	if a.Supervisor.Lifecycle() != model.NotRunning {
		return nil, agenterr.New(agenterr.NotIdle, "mod reconciliation requires lifecycle NotRunning, was %s", a.Supervisor.Lifecycle())
	}
	h, err := a.Registry.Begin(model.OpModReconcile, opregistry.ProcessClass, true)
	if err != nil {
		return nil, err
	}
	go func() {
		ctx, cancel := h.Context(context.Background())
		defer cancel()
		secrets, _ := a.Config.ReadSecretsRaw()
		token := ""
		if secrets.Token != nil {
			token = *secrets.Token
		}
		_ = a.Mods.Reconcile(ctx, h, target, secrets.Username, token)
	}()
	return h, nil
}

func (a *Agent) ModList() (model.ModList, error) {
	var v model.ModList
	if err := layout.ReadJSON(a.Layout.ModListPath(), &v); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.ModList{}, nil
		}
		return model.ModList{}, err
	}
	return v, nil
}

// BeginServerStart starts the supervisor and waits (in its own
// goroutine) for the Starting->Running/NotRunning resolution before
// completing the operation.
func (a *Agent) BeginServerStart(save string) (*opregistry.Handle, error) {
	h, err := a.Registry.Begin(model.OpServerStart, opregistry.ProcessClass, false)
	if err != nil {
		return nil, err
	}
	go func() {
		version, err := a.Layout.CurrentVersion()
		if err != nil || version == "" {
			h.Fail(agenterr.InstallFailed, "no active install")
			return
		}
		binPath := filepath.Join(a.Layout.InstallDir(version), "bin", "x64", "factorio")
		args := []string{"--start-server", a.Layout.SavePath(save)}
		if err := a.Supervisor.Start(binPath, args); err != nil {
			h.Fail(agenterr.KindOf(err), err.Error())
			return
		}
		ctx, cancel := h.Context(context.Background())
		defer cancel()
		st, err := a.Supervisor.WaitReady(ctx)
		if err != nil {
			h.Fail(agenterr.Cancelled, err.Error())
			return
		}
		if st == model.Running {
			h.Complete(model.CompletedResult{})
		} else {
			h.Fail(agenterr.StartupFailed, "child exited before becoming ready")
		}
	}()
	return h, nil
}

// BeginServerStop completes immediately as NoOp when already
// NotRunning (spec.md §8 idempotence law).
func (a *Agent) BeginServerStop() (*opregistry.Handle, error) {
	h, err := a.Registry.Begin(model.OpServerStop, opregistry.ProcessClass, false)
	if err != nil {
		return nil, err
	}
	if a.Supervisor.Lifecycle() == model.NotRunning {
		h.Complete(model.CompletedResult{NoOp: true})
		return h, nil
	}
	go func() {
		if err := a.Supervisor.Stop(); err != nil {
			h.Fail(agenterr.KindOf(err), err.Error())
			return
		}
		h.Complete(model.CompletedResult{})
	}()
	return h, nil
}

func (a *Agent) SaveList() ([]model.Savefile, error) {
	entries, err := os.ReadDir(a.Layout.SavesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, agenterr.Wrap(agenterr.ConfigIoFailed, err, "listing saves")
	}
	out := make([]model.Savefile, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		name := filepath.Base(e.Name())
		name = name[:len(name)-len(filepath.Ext(name))]
		out = append(out, model.Savefile{Name: name, ModifiedAt: info.ModTime(), SizeBytes: info.Size()})
	}
	return out, nil
}

// BeginSaveCreate issues the in-game save command and completes the
// operation once the RCON command returns; it does not check that the
// save file exists on disk.
func (a *Agent) BeginSaveCreate(name string) (*opregistry.Handle, error) {
	h, err := a.Registry.Begin(model.OpSaveCreate, opregistry.ProcessClass, false)
	if err != nil {
		return nil, err
	}
	go func() {
		if !a.Rcon.Connected() {
			h.Fail(agenterr.RconNotConnected, "server is not running")
			return
		}
		deadline, cancelDeadline := context.WithTimeout(context.Background(), a.Rcon.Timeout())
		defer cancelDeadline()
		ctx, cancel := h.Context(deadline)
		defer cancel()
		if _, err := a.Rcon.Command(ctx, "/server-save "+name); err != nil {
			h.Fail(agenterr.KindOf(err), err.Error())
			return
		}
		h.Complete(model.CompletedResult{Data: name})
	}()
	return h, nil
}

func (a *Agent) BeginSaveDelete(name string) (*opregistry.Handle, error) {
	h, err := a.Registry.Begin(model.OpSaveDelete, opregistry.ProcessClass, false)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := os.Remove(a.Layout.SavePath(name)); err != nil && !os.IsNotExist(err) {
			wrapped := agenterr.Wrap(agenterr.ConfigIoFailed, err, "deleting save %s", name)
			h.Fail(wrapped.Kind, wrapped.Detail)
			return
		}
		h.Complete(model.CompletedResult{})
	}()
	return h, nil
}

func (a *Agent) SaveDownload(name string) ([]byte, error) {
	data, err := os.ReadFile(a.Layout.SavePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, agenterr.New(agenterr.BadRequest, "no such save %s", name)
		}
		return nil, agenterr.Wrap(agenterr.ConfigIoFailed, err, "reading save %s", name)
	}
	return data, nil
}

// BeginUpload registers a new chunked SaveUpload sequence under the
// UploadClass(id) conflict bucket so a concurrent upload of the same id
// fails immediately with UploadConflict (spec.md §4.8).
func (a *Agent) BeginUpload(id string) (*opregistry.Handle, error) {
	h, err := a.Registry.Begin(model.OpSaveUpload, opregistry.UploadClass(id), false)
	if err != nil {
		return nil, agenterr.New(agenterr.UploadConflict, "%s", id)
	}
	return h, nil
}

func (a *Agent) RconCommand(ctx context.Context, cmd string) (*opregistry.Handle, error) {
	h, err := a.Registry.Begin(model.OpRconCommand, opregistry.ProcessClass, false)
	if err != nil {
		return nil, err
	}
	go func() {
		out, err := a.Rcon.Command(ctx, cmd)
		if err != nil {
			h.Fail(agenterr.KindOf(err), err.Error())
			return
		}
		h.Complete(model.CompletedResult{Data: out})
	}()
	return h, nil
}

// ConfigGet dispatches to the typed reader for kind and returns its
// result as a json.RawMessage-ready value.
func (a *Agent) ConfigGet(kind model.ConfigKind) (interface{}, error) {
	switch kind {
	case model.KindAdminList:
		return a.Config.GetAdminList()
	case model.KindBanList:
		return a.Config.GetBanList()
	case model.KindWhiteList:
		return a.Config.GetWhiteList()
	case model.KindRconConfig:
		v, err := a.Config.GetRconConfig()
		v.Password = "" // never echo the live password back over the gateway
		return v, err
	case model.KindSecrets:
		return a.Config.GetSecrets()
	case model.KindServerSettings:
		return a.Config.GetServerSettings()
	case model.KindModSettingsJSON:
		return a.Config.GetModSettingsJSON()
	case model.KindModSettingsBinary:
		return a.Config.GetModSettingsBinary()
	default:
		return nil, agenterr.New(agenterr.BadRequest, "unknown config kind %s", kind)
	}
}

// BeginConfigPut decodes raw into kind's concrete type and writes it
// through the matching Config Store setter, under the ConfigClass(kind)
// conflict bucket (spec.md §4.7's Open Question, resolved in DESIGN.md).
func (a *Agent) BeginConfigPut(kind model.ConfigKind, raw []byte) (*opregistry.Handle, error) {
	h, err := a.Registry.Begin(model.OpConfigWrite, opregistry.ConfigClass(string(kind)), false)
	if err != nil {
		return nil, err
	}
	go func() {
		writeErr := a.applyConfigPut(kind, raw)
		if writeErr != nil {
			h.Fail(agenterr.KindOf(writeErr), writeErr.Error())
			return
		}
		h.Complete(model.CompletedResult{})
	}()
	return h, nil
}

func (a *Agent) applyConfigPut(kind model.ConfigKind, raw []byte) error {
	decode := func(v interface{}) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return agenterr.Wrap(agenterr.ConfigInvalid, err, "decoding %s", kind)
		}
		return nil
	}
	switch kind {
	case model.KindAdminList:
		var v model.AdminList
		if err := decode(&v); err != nil {
			return err
		}
		return a.Config.PutAdminList(v)
	case model.KindBanList:
		var v model.BanList
		if err := decode(&v); err != nil {
			return err
		}
		return a.Config.PutBanList(v)
	case model.KindWhiteList:
		var v model.WhiteList
		if err := decode(&v); err != nil {
			return err
		}
		return a.Config.PutWhiteList(v)
	case model.KindRconConfig:
		var v model.RconConfig
		if err := decode(&v); err != nil {
			return err
		}
		return a.Config.PutRconConfig(v)
	case model.KindSecrets:
		var v model.Secrets
		if err := decode(&v); err != nil {
			return err
		}
		return a.Config.PutSecrets(v)
	case model.KindServerSettings:
		var v model.ServerSettings
		if err := decode(&v); err != nil {
			return err
		}
		return a.Config.PutServerSettings(v)
	case model.KindModSettingsJSON:
		var v model.ModSettingsJSON
		if err := decode(&v); err != nil {
			return err
		}
		return a.Config.PutModSettingsJSON(v)
	case model.KindModSettingsBinary:
		var v model.ModSettingsBinary
		if err := decode(&v); err != nil {
			return err
		}
		return a.Config.PutModSettingsBinary(v)
	default:
		return agenterr.New(agenterr.BadRequest, "unknown config kind %s", kind)
	}
}
