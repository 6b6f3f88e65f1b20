package reconcile

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"bookshelf/pkg/cloudkv"
	"bookshelf/pkg/domain"
	"bookshelf/pkg/localkv"
)

type fakeRemote struct {
	mu        sync.Mutex
	data      map[string]string
	loadErr   error
	saveErr   error
	loads     int
	saves     int
	lastSaved map[string]string

	loadStarted chan struct{}
	release     chan struct{}
}

func (f *fakeRemote) Load(ctx context.Context, externalID int64) (map[string]string, error) {
	f.mu.Lock()
	f.loads++
	started, release := f.loadStarted, f.release
	f.mu.Unlock()
	if started != nil {
		close(started)
		<-release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make(map[string]string, len(f.data))
	for k, v := range f.data {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRemote) Save(ctx context.Context, externalID int64, data map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.lastSaved = data
	if f.data == nil {
		f.data = map[string]string{}
	}
	for k, v := range data {
		f.data[k] = v
	}
	return "saved", nil
}

type recordingReloader struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingReloader) ScheduleReload(delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, delay)
}

func (r *recordingReloader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delays)
}

func newReconciler(t *testing.T, local localkv.Store, remote Remote, reloader Reloader) *Reconciler {
	t.Helper()
	r, err := New(Config{Local: local, Remote: remote, Reloader: reloader})
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func seed(t *testing.T, kv localkv.Store, values map[string]string) {
	t.Helper()
	for k, v := range values {
		if err := kv.Set(context.Background(), k, v); err != nil {
			t.Fatalf("seed %s: %v", k, err)
		}
	}
}

func TestCoarseMergeOverwritesWholeCollection(t *testing.T) {
	ctx := context.Background()
	local := localkv.NewMemoryStore()
	cloud := cloudkv.NewMemoryStore()
	reloader := &recordingReloader{}
	remoteBooks := `[{"id":1,"title":"A2","updatedAt":200},{"id":2,"title":"B","updatedAt":200}]`
	seed(t, local, map[string]string{domain.KeyBooks: `[{"id":1,"title":"A","updatedAt":100}]`})
	if err := cloud.SetItem(ctx, domain.KeyBooks, remoteBooks); err != nil {
		t.Fatalf("seed cloud: %v", err)
	}

	rep := newReconciler(t, local, nil, reloader).SyncNow(ctx, Runtime{Version: "7.0", Cloud: cloud})
	if !rep.Success || rep.Path != PathCloud {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Changed != 1 || !rep.Reload {
		t.Fatalf("expected one changed key and a reload, got %+v", rep)
	}
	got, _, _ := local.Get(ctx, domain.KeyBooks)
	if got != remoteBooks {
		t.Fatalf("local books = %s, want remote array verbatim", got)
	}
	if reloader.count() != 1 || reloader.delays[0] != DefaultReloadDelay {
		t.Fatalf("expected one reload after %v, got %v", DefaultReloadDelay, reloader.delays)
	}
}

func TestSecondSyncReportsNoChanges(t *testing.T) {
	ctx := context.Background()
	local := localkv.NewMemoryStore()
	cloud := cloudkv.NewMemoryStore()
	reloader := &recordingReloader{}
	seed(t, local, map[string]string{
		domain.KeyUsers:       `[{"id":"u1","createdAt":"2024-01-01T00:00:00Z"}]`,
		domain.KeyCurrentUser: `{"id":"u1"}`,
	})
	_ = cloud.SetItem(ctx, domain.KeyBooks, `[{"id":"b1","updatedAt":"2024-02-01T00:00:00Z"}]`)
	_ = cloud.SetItem(ctx, domain.KeyCurrentUser, `{"id":"u2"}`)

	r := newReconciler(t, local, nil, reloader)
	rt := Runtime{Version: "6.9", Cloud: cloud}
	first := r.SyncNow(ctx, rt)
	if !first.Success || first.Changed != 2 {
		t.Fatalf("first sync: %+v", first)
	}
	second := r.SyncNow(ctx, rt)
	if !second.Success || second.Changed != 0 || second.Reload {
		t.Fatalf("second sync should be a no-op: %+v", second)
	}
	if !strings.Contains(second.Message, "no changes") {
		t.Fatalf("unexpected message %q", second.Message)
	}
	if reloader.count() != 1 {
		t.Fatalf("expected exactly one reload, got %d", reloader.count())
	}
}

func TestCapabilityFallbackUsesHTTPOnly(t *testing.T) {
	ctx := context.Background()
	local := localkv.NewMemoryStore()
	cloud := cloudkv.NewMemoryStore()
	remote := &fakeRemote{data: map[string]string{
		domain.KeyBooks: `[{"id":"b1","updatedAt":"2024-02-01T00:00:00Z"}]`,
	}}
	seed(t, local, map[string]string{
		domain.KeyCurrentUser: `{"id":"u1","externalId":42}`,
		domain.KeyUsers:       `[{"id":"u1","externalId":42}]`,
	})

	for _, version := range []string{"6.1", "", "bogus"} {
		before := cloud.Calls()
		rep := newReconciler(t, local, remote, &recordingReloader{}).SyncNow(ctx, Runtime{Version: version, Cloud: cloud})
		if rep.Path != PathHTTP || !rep.Success {
			t.Fatalf("version %q: expected http success, got %+v", version, rep)
		}
		if cloud.Calls() != before {
			t.Fatalf("version %q: cloud store was called", version)
		}
	}
	if remote.loads != 3 || remote.saves != 3 {
		t.Fatalf("expected one load and one save per sync, got loads=%d saves=%d", remote.loads, remote.saves)
	}
	if _, ok := remote.lastSaved[domain.KeyUsers]; !ok {
		t.Fatalf("expected users to be pushed, got %v", remote.lastSaved)
	}
	got, _, _ := local.Get(ctx, domain.KeyBooks)
	if !strings.Contains(got, `"b1"`) {
		t.Fatalf("expected remote books to be merged, got %s", got)
	}
}

func TestHTTPPathRequiresExternalID(t *testing.T) {
	ctx := context.Background()
	local := localkv.NewMemoryStore()
	remote := &fakeRemote{}
	seed(t, local, map[string]string{domain.KeyCurrentUser: `{"id":"u1"}`})

	rep := newReconciler(t, local, remote, nil).SyncNow(ctx, Runtime{})
	if rep.Success || rep.Path != PathHTTP {
		t.Fatalf("expected hard failure, got %+v", rep)
	}
	if remote.loads != 0 || remote.saves != 0 {
		t.Fatalf("expected no remote calls, got loads=%d saves=%d", remote.loads, remote.saves)
	}
}

func TestPartialFailureStillSucceeds(t *testing.T) {
	ctx := context.Background()
	local := localkv.NewMemoryStore()
	cloud := cloudkv.NewMemoryStore()
	seed(t, local, map[string]string{domain.KeyBooks: `[{"id":"b1"}]`, domain.KeyUsers: `[{"id":"u1"}]`})
	cloud.FailGet(domain.KeyBooks, errors.New("timeout"))
	cloud.FailSet(domain.KeyBooks, errors.New("timeout"))

	rep := newReconciler(t, local, nil, nil).SyncNow(ctx, Runtime{Version: "7.0", Cloud: cloud})
	if !rep.Success {
		t.Fatalf("expected partial success, got %+v", rep)
	}
	if !strings.Contains(rep.Message, "1 keys failed") {
		t.Fatalf("unexpected message %q", rep.Message)
	}
	for _, ks := range rep.Keys {
		if ks.Key == domain.KeyBooks && (ks.Error == "" || ks.Pulled || ks.Pushed) {
			t.Fatalf("books should have failed both ways: %+v", ks)
		}
		if ks.Key == domain.KeyUsers && !ks.Pushed {
			t.Fatalf("users should have been pushed: %+v", ks)
		}
	}
}

func TestTotalFailureReportsGenericMessage(t *testing.T) {
	ctx := context.Background()
	local := localkv.NewMemoryStore()
	remote := &fakeRemote{loadErr: errors.New("dial tcp"), saveErr: errors.New("dial tcp")}
	seed(t, local, map[string]string{
		domain.KeyCurrentUser: `{"id":"u1","externalId":7}`,
		domain.KeyBooks:       `[{"id":"b1"}]`,
	})

	rep := newReconciler(t, local, remote, nil).SyncNow(ctx, Runtime{Version: "5.0"})
	if rep.Success || rep.Reload {
		t.Fatalf("expected failure, got %+v", rep)
	}
	if !strings.HasPrefix(rep.Message, "sync failed") {
		t.Fatalf("unexpected message %q", rep.Message)
	}
}

func TestOverlappingManualSyncIsIgnored(t *testing.T) {
	ctx := context.Background()
	local := localkv.NewMemoryStore()
	remote := &fakeRemote{loadStarted: make(chan struct{}), release: make(chan struct{})}
	seed(t, local, map[string]string{domain.KeyCurrentUser: `{"id":"u1","externalId":7}`})
	r := newReconciler(t, local, remote, nil)

	done := make(chan Report, 1)
	go func() { done <- r.SyncNow(ctx, Runtime{}) }()
	<-remote.loadStarted

	overlap := r.SyncNow(ctx, Runtime{})
	if !overlap.Skipped || overlap.Success {
		t.Fatalf("expected overlapping call to be skipped, got %+v", overlap)
	}
	close(remote.release)
	first := <-done
	if first.Skipped || !first.Success {
		t.Fatalf("first sync: %+v", first)
	}
	remote.mu.Lock()
	loads := remote.loads
	remote.loads = 0
	remote.loadStarted = nil
	remote.mu.Unlock()
	if loads != 1 {
		t.Fatalf("expected one load, got %d", loads)
	}

	again := r.SyncNow(ctx, Runtime{})
	if again.Skipped {
		t.Fatalf("manual sync should run again once the first finished")
	}
}

func TestAutoSyncOncePerSession(t *testing.T) {
	ctx := context.Background()
	local := localkv.NewMemoryStore()
	cloud := cloudkv.NewMemoryStore()
	r := newReconciler(t, local, nil, nil)
	rt := Runtime{Version: "7.0", Cloud: cloud}

	session := &MemorySession{}
	for i := range 5 {
		rep := r.AutoSync(ctx, rt, session)
		if (i == 0) == rep.Skipped {
			t.Fatalf("call %d: skipped=%v", i, rep.Skipped)
		}
	}
	if rep := r.AutoSync(ctx, rt, &MemorySession{}); rep.Skipped {
		t.Fatalf("a new session should sync again")
	}
	if rep := r.SyncNow(ctx, rt); rep.Skipped {
		t.Fatalf("manual sync must bypass the session guard")
	}
}

func TestAutoSyncDuringManualSyncStaysOwed(t *testing.T) {
	ctx := context.Background()
	local := localkv.NewMemoryStore()
	remote := &fakeRemote{loadStarted: make(chan struct{}), release: make(chan struct{})}
	seed(t, local, map[string]string{domain.KeyCurrentUser: `{"id":"u1","externalId":7}`})
	r := newReconciler(t, local, remote, nil)

	done := make(chan Report, 1)
	go func() { done <- r.SyncNow(ctx, Runtime{}) }()
	<-remote.loadStarted

	session := &MemorySession{}
	if rep := r.AutoSync(ctx, Runtime{}, session); !rep.Skipped || rep.Success {
		t.Fatalf("auto sync during a manual sync should be skipped, got %+v", rep)
	}
	close(remote.release)
	<-done
	remote.mu.Lock()
	remote.loadStarted = nil
	remote.mu.Unlock()

	rep := r.AutoSync(ctx, Runtime{}, session)
	if rep.Skipped || !rep.Success {
		t.Fatalf("session should still get its automatic sync, got %+v", rep)
	}
	if again := r.AutoSync(ctx, Runtime{}, session); !again.Skipped {
		t.Fatalf("automatic sync should run only once per session")
	}
}

func TestReencodedRemoteValueIsNotAChange(t *testing.T) {
	ctx := context.Background()
	local := localkv.NewMemoryStore()
	reloader := &recordingReloader{}
	seed(t, local, map[string]string{
		domain.KeyCurrentUser: `{"id":"u1","email":"ann@example.com","externalId":7}`,
		domain.KeyUsers:       `[{"id":"u1","externalId":7,"createdAt":"2024-01-01T00:00:00Z"}]`,
	})
	remote := &fakeRemote{data: map[string]string{
		domain.KeyCurrentUser: `{"email": "ann@example.com", "externalId": 7, "id": "u1"}`,
		domain.KeyUsers:       `[{"createdAt": "2024-01-01T00:00:00Z", "externalId": 7, "id": "u1"}]`,
	}}

	rep := newReconciler(t, local, remote, reloader).SyncNow(ctx, Runtime{})
	if !rep.Success || rep.Changed != 0 || rep.Reload {
		t.Fatalf("re-encoded remote values should not count as changes, got %+v", rep)
	}
	if reloader.count() != 0 {
		t.Fatalf("no reload expected, got %d", reloader.count())
	}
	got, _, _ := local.Get(ctx, domain.KeyCurrentUser)
	if got != `{"id":"u1","email":"ann@example.com","externalId":7}` {
		t.Fatalf("local current user rewritten: %s", got)
	}
}

func TestRedisSessionGuard(t *testing.T) {
	srv := miniredis.RunT(t)
	sessions, err := NewRedisSessions(srv.Addr(), "", "test:session", time.Minute)
	if err != nil {
		t.Fatalf("new sessions: %v", err)
	}
	ctx := context.Background()

	first, err := sessions.Session("abc").MarkAutoSynced(ctx)
	if err != nil || !first {
		t.Fatalf("first mark: %v %v", first, err)
	}
	again, err := sessions.Session("abc").MarkAutoSynced(ctx)
	if err != nil || again {
		t.Fatalf("second mark: %v %v", again, err)
	}
	other, _ := sessions.Session("xyz").MarkAutoSynced(ctx)
	if !other {
		t.Fatalf("sessions should be independent")
	}

	srv.FastForward(2 * time.Minute)
	expired, _ := sessions.Session("abc").MarkAutoSynced(ctx)
	if !expired {
		t.Fatalf("flag should expire with its ttl")
	}

	srv.Close()
	rep := mustReconciler(t).AutoSync(ctx, Runtime{}, sessions.Session("down"))
	if rep.Success || !rep.Skipped {
		t.Fatalf("expected redis outage to skip auto sync, got %+v", rep)
	}
}

func mustReconciler(t *testing.T) *Reconciler {
	t.Helper()
	return newReconciler(t, localkv.NewMemoryStore(), &fakeRemote{}, nil)
}

func TestNewRejectsInvalidKeys(t *testing.T) {
	if _, err := New(Config{Local: localkv.NewMemoryStore(), Keys: []string{"bad key"}}); !errors.Is(err, cloudkv.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected missing local store to fail")
	}
}
