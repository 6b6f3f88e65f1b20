// Package reconcile keeps the local store, the host cloud store and the remote
// relational store approximately consistent for one user session.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"bookshelf/pkg/cloudkv"
	"bookshelf/pkg/domain"
	"bookshelf/pkg/localkv"
)

// DefaultReloadDelay leaves the confirmation message visible before the UI reloads.
const DefaultReloadDelay = 1500 * time.Millisecond

var ErrNoExternalID = errors.New("current user is not linked to a platform account")

// Path names the remote side a sync talked to.
type Path string

const (
	PathCloud Path = "cloud"
	PathHTTP  Path = "http"
)

// Remote is the batched HTTP sync endpoint pair.
type Remote interface {
	Load(ctx context.Context, externalID int64) (map[string]string, error)
	Save(ctx context.Context, externalID int64, data map[string]string) (string, error)
}

// Reloader schedules a full reload of the consuming UI.
type Reloader interface {
	ScheduleReload(delay time.Duration)
}

// Runtime describes the host for one sync call. Cloud may be nil when the
// host exposes no storage at all.
type Runtime struct {
	Version string
	Cloud   cloudkv.Store
}

type Config struct {
	Local       localkv.Store
	Remote      Remote
	Reloader    Reloader
	Keys        []string
	MinVersion  string
	ReloadDelay time.Duration
	Logger      *slog.Logger
}

// KeyStatus is the per-key outcome of a sync.
type KeyStatus struct {
	Key     string `json:"key"`
	Pulled  bool   `json:"pulled"`
	Pushed  bool   `json:"pushed"`
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// Report is the result of one sync call.
type Report struct {
	domain.Result
	Path    Path        `json:"path,omitempty"`
	Changed int         `json:"changed"`
	Reload  bool        `json:"reload"`
	Skipped bool        `json:"skipped,omitempty"`
	Keys    []KeyStatus `json:"keys,omitempty"`
}

// Reconciler runs full syncs. Manual syncs never overlap; automatic syncs run
// at most once per session.
type Reconciler struct {
	local       localkv.Store
	remote      Remote
	reloader    Reloader
	keys        []string
	minVersion  string
	reloadDelay time.Duration
	logger      *slog.Logger

	inFlight atomic.Bool
}

// New constructs a reconciler.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Local == nil {
		return nil, errors.New("local store required")
	}
	keys := cfg.Keys
	if len(keys) == 0 {
		keys = domain.SyncKeys
	}
	for _, key := range keys {
		if err := cloudkv.ValidateKey(key); err != nil {
			return nil, err
		}
	}
	minVersion := strings.TrimSpace(cfg.MinVersion)
	if minVersion == "" {
		minVersion = cloudkv.DefaultMinVersion
	}
	delay := cfg.ReloadDelay
	if delay <= 0 {
		delay = DefaultReloadDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		local:       cfg.Local,
		remote:      cfg.Remote,
		reloader:    cfg.Reloader,
		keys:        append([]string(nil), keys...),
		minVersion:  minVersion,
		reloadDelay: delay,
		logger:      logger,
	}, nil
}

// ChoosePath returns the path a sync against rt would take.
func (r *Reconciler) ChoosePath(rt Runtime) Path {
	if rt.Cloud != nil && cloudkv.Supported(rt.Version, r.minVersion) {
		return PathCloud
	}
	return PathHTTP
}

// SyncNow runs a full sync on behalf of a direct user action. A call made
// while another is still running returns immediately without doing any I/O.
func (r *Reconciler) SyncNow(ctx context.Context, rt Runtime) Report {
	if !r.inFlight.CompareAndSwap(false, true) {
		return Report{Result: domain.Fail("sync already in progress"), Skipped: true}
	}
	defer r.inFlight.Store(false)
	return r.run(ctx, rt)
}

// AutoSync runs the automatic sync the first time it is called for session.
// The session is only marked once no other sync is running, so a call that
// collides with a manual sync leaves the automatic sync still owed.
func (r *Reconciler) AutoSync(ctx context.Context, rt Runtime, session Session) Report {
	if !r.inFlight.CompareAndSwap(false, true) {
		return Report{Result: domain.Fail("sync already in progress"), Skipped: true}
	}
	defer r.inFlight.Store(false)
	first, err := session.MarkAutoSynced(ctx)
	if err != nil {
		r.logger.Warn("auto sync session check failed", "err", err)
		return Report{Result: domain.Fail("automatic sync unavailable"), Skipped: true}
	}
	if !first {
		return Report{Result: domain.OK("already synced this session"), Skipped: true}
	}
	return r.run(ctx, rt)
}

type keyState struct {
	key       string
	remote    string
	hasRemote bool
	pulled    bool
	pushed    bool
	changed   bool
	err       error
}

func (s *keyState) fail(err error) {
	s.err = errors.Join(s.err, err)
}

func (r *Reconciler) run(ctx context.Context, rt Runtime) Report {
	path := r.ChoosePath(rt)
	states := make([]*keyState, len(r.keys))
	for i, key := range r.keys {
		states[i] = &keyState{key: key}
	}

	switch path {
	case PathCloud:
		r.pullCloud(ctx, rt.Cloud, states)
		r.merge(ctx, states)
		r.pushCloud(ctx, rt.Cloud, states)
	default:
		if r.remote == nil {
			return Report{Result: domain.Fail("remote sync is not configured"), Path: path}
		}
		externalID, err := r.currentExternalID(ctx)
		if err != nil {
			r.logger.Warn("http sync unavailable", "err", err)
			return Report{Result: domain.Fail(err.Error()), Path: path}
		}
		r.pullHTTP(ctx, externalID, states)
		r.merge(ctx, states)
		r.pushHTTP(ctx, externalID, states)
	}
	return r.summarize(path, states)
}

func (r *Reconciler) pullCloud(ctx context.Context, cloud cloudkv.Store, states []*keyState) {
	var g errgroup.Group
	for _, st := range states {
		g.Go(func() error {
			val, err := cloud.GetItem(ctx, st.key)
			if err != nil {
				r.logger.Warn("cloud pull failed", "key", st.key, "err", err)
				st.fail(fmt.Errorf("pull: %w", err))
				return nil
			}
			st.pulled = true
			st.remote = val
			st.hasRemote = !isBlank(val)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) pushCloud(ctx context.Context, cloud cloudkv.Store, states []*keyState) {
	var g errgroup.Group
	for _, st := range states {
		g.Go(func() error {
			val, ok, err := r.local.Get(ctx, st.key)
			if err != nil {
				st.fail(fmt.Errorf("read local: %w", err))
				return nil
			}
			if !ok || isBlank(val) {
				return nil
			}
			if err := cloud.SetItem(ctx, st.key, val); err != nil {
				r.logger.Warn("cloud push failed", "key", st.key, "err", err)
				st.fail(fmt.Errorf("push: %w", err))
				return nil
			}
			st.pushed = true
			return nil
		})
	}
	_ = g.Wait()
}

func (r *Reconciler) pullHTTP(ctx context.Context, externalID int64, states []*keyState) {
	data, err := r.remote.Load(ctx, externalID)
	if err != nil {
		r.logger.Warn("remote load failed", "external_id", externalID, "err", err)
		for _, st := range states {
			st.fail(fmt.Errorf("pull: %w", err))
		}
		return
	}
	for _, st := range states {
		st.pulled = true
		st.remote = data[st.key]
		st.hasRemote = !isBlank(st.remote)
	}
}

func (r *Reconciler) pushHTTP(ctx context.Context, externalID int64, states []*keyState) {
	data := make(map[string]string, len(states))
	included := make([]*keyState, 0, len(states))
	for _, st := range states {
		val, ok, err := r.local.Get(ctx, st.key)
		if err != nil {
			st.fail(fmt.Errorf("read local: %w", err))
			continue
		}
		if !ok || isBlank(val) {
			continue
		}
		data[st.key] = val
		included = append(included, st)
	}
	if len(data) == 0 {
		return
	}
	msg, err := r.remote.Save(ctx, externalID, data)
	if err != nil {
		r.logger.Warn("remote save failed", "external_id", externalID, "err", err)
		for _, st := range included {
			st.fail(fmt.Errorf("push: %w", err))
		}
		return
	}
	r.logger.Debug("remote save", "external_id", externalID, "keys", len(data), "message", msg)
	for _, st := range included {
		st.pushed = true
	}
}

// merge applies remote values key by key in declared order.
func (r *Reconciler) merge(ctx context.Context, states []*keyState) {
	for _, st := range states {
		if !st.hasRemote {
			continue
		}
		local, _, err := r.local.Get(ctx, st.key)
		if err != nil {
			st.fail(fmt.Errorf("read local: %w", err))
			continue
		}
		if SameJSON(local, st.remote) || Decide(local, st.remote) != TakeRemote {
			continue
		}
		if err := r.local.Set(ctx, st.key, st.remote); err != nil {
			r.logger.Warn("apply remote value failed", "key", st.key, "err", err)
			st.fail(fmt.Errorf("write local: %w", err))
			continue
		}
		st.changed = true
	}
}

func (r *Reconciler) summarize(path Path, states []*keyState) Report {
	rep := Report{Path: path, Keys: make([]KeyStatus, 0, len(states))}
	var ok bool
	failed := 0
	for _, st := range states {
		ks := KeyStatus{Key: st.key, Pulled: st.pulled, Pushed: st.pushed, Changed: st.changed}
		if st.err != nil {
			ks.Error = st.err.Error()
			failed++
		}
		if st.pulled || st.pushed {
			ok = true
		}
		if st.changed {
			rep.Changed++
		}
		rep.Keys = append(rep.Keys, ks)
	}
	if !ok {
		rep.Result = domain.Fail("sync failed: remote storage unavailable")
		return rep
	}

	var msg string
	if rep.Changed > 0 {
		msg = fmt.Sprintf("synced via %s: %d keys updated", path, rep.Changed)
		rep.Reload = true
		if r.reloader != nil {
			r.reloader.ScheduleReload(r.reloadDelay)
		}
	} else {
		msg = fmt.Sprintf("synced via %s: no changes", path)
	}
	if failed > 0 {
		msg += fmt.Sprintf(" (%d keys failed)", failed)
	}
	rep.Result = domain.OK(msg)
	r.logger.Info("sync finished", "path", string(path), "changed", rep.Changed, "failed_keys", failed)
	return rep
}

func (r *Reconciler) currentExternalID(ctx context.Context) (int64, error) {
	raw, ok, err := r.local.Get(ctx, domain.KeyCurrentUser)
	if err != nil {
		return 0, fmt.Errorf("read current user: %w", err)
	}
	if !ok || isBlank(raw) {
		return 0, ErrNoExternalID
	}
	var cur struct {
		ExternalID *int64 `json:"externalId"`
	}
	if err := json.Unmarshal([]byte(raw), &cur); err != nil || cur.ExternalID == nil {
		return 0, ErrNoExternalID
	}
	return *cur.ExternalID, nil
}
