package legion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/legionhq/legion/runtime"
)

// fakeRuntime records create/stop calls and lets tests hook creation,
// typically to deliver the first heartbeat.
type fakeRuntime struct {
	mu         sync.Mutex
	created    []runtime.Spec
	stopped    []string
	onCreate   func(spec runtime.Spec)
	failCreate bool
}

func (f *fakeRuntime) Create(_ context.Context, spec runtime.Spec) (string, error) {
	f.mu.Lock()
	fail := f.failCreate
	if !fail {
		f.created = append(f.created, spec)
	}
	hook := f.onCreate
	f.mu.Unlock()
	if fail {
		return "", errors.New("runtime down")
	}
	if hook != nil {
		hook(spec)
	}
	return "ctr-" + spec.InstanceID, nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeRuntime) Alive(context.Context, string) (bool, error) {
	return true, nil
}

func (f *fakeRuntime) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeRuntime) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func testLifecycle(t *testing.T, cfg LifecycleConfig) (*Lifecycle, *fakeRuntime) {
	t.Helper()
	fr := &fakeRuntime{}
	lc := NewLifecycle(fr, cfg)
	// Deliver the first heartbeat as soon as the container starts, the
	// way a real worker does.
	fr.mu.Lock()
	fr.onCreate = func(spec runtime.Spec) { lc.Heartbeat(spec.InstanceID) }
	fr.mu.Unlock()
	t.Cleanup(func() { lc.Close(context.Background()) })
	return lc, fr
}

func ephemeralProfile(name string) *Profile {
	return &Profile{Name: name, Description: "test", Capabilities: []string{"calculator"}}
}

func persistentProfile(name string) *Profile {
	p := ephemeralProfile(name)
	p.Persistent = true
	return p
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAcquireCreatesAndClaims(t *testing.T) {
	lc, fr := testLifecycle(t, LifecycleConfig{})

	inst, err := lc.Acquire(context.Background(), ephemeralProfile("analyst"), "corr-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}

	info, err := lc.Info(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.State != StateBusy {
		t.Errorf("state = %v, want busy", info.State)
	}
	if info.Assignment != "corr-1" || info.TaskID != "task-1" {
		t.Errorf("assignment = %q/%q", info.Assignment, info.TaskID)
	}
	if fr.createdCount() != 1 {
		t.Errorf("created = %d, want 1", fr.createdCount())
	}
}

func TestAcquireReusesIdleInstance(t *testing.T) {
	lc, fr := testLifecycle(t, LifecycleConfig{})
	ctx := context.Background()

	first, err := lc.Acquire(ctx, ephemeralProfile("analyst"), "corr-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := lc.Release(first.ID); err != nil {
		t.Fatal(err)
	}

	second, err := lc.Acquire(ctx, ephemeralProfile("analyst"), "corr-2", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Error("idle instance should be reused")
	}
	if fr.createdCount() != 1 {
		t.Errorf("created = %d, want 1", fr.createdCount())
	}
}

func TestAcquireDoesNotCrossProfiles(t *testing.T) {
	lc, fr := testLifecycle(t, LifecycleConfig{})
	ctx := context.Background()

	a, err := lc.Acquire(ctx, ephemeralProfile("analyst"), "corr-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	lc.Release(a.ID)

	b, err := lc.Acquire(ctx, ephemeralProfile("reviewer"), "corr-2", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Error("an analyst instance must not serve reviewer work")
	}
	if fr.createdCount() != 2 {
		t.Errorf("created = %d, want 2", fr.createdCount())
	}
}

func TestAcquirePoolFull(t *testing.T) {
	lc, _ := testLifecycle(t, LifecycleConfig{MaxWorkers: 1, AcquireWait: 50 * time.Millisecond})
	ctx := context.Background()

	if _, err := lc.Acquire(ctx, ephemeralProfile("analyst"), "corr-1", "task-1"); err != nil {
		t.Fatal(err)
	}

	_, err := lc.Acquire(ctx, ephemeralProfile("analyst"), "corr-2", "task-2")
	if !errors.Is(err, ErrWorkerUnavailable) {
		t.Errorf("err = %v, want ErrWorkerUnavailable", err)
	}
}

func TestAcquireUnblocksOnRelease(t *testing.T) {
	lc, _ := testLifecycle(t, LifecycleConfig{MaxWorkers: 1, AcquireWait: 2 * time.Second})
	ctx := context.Background()

	first, err := lc.Acquire(ctx, ephemeralProfile("analyst"), "corr-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		lc.Release(first.ID)
	}()

	second, err := lc.Acquire(ctx, ephemeralProfile("analyst"), "corr-2", "task-2")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Error("waiter should claim the released instance")
	}
}

func TestPersistentInstancesExemptFromCapacity(t *testing.T) {
	lc, _ := testLifecycle(t, LifecycleConfig{MaxWorkers: 1, AcquireWait: 50 * time.Millisecond})
	ctx := context.Background()

	if _, err := lc.Acquire(ctx, ephemeralProfile("analyst"), "corr-1", "task-1"); err != nil {
		t.Fatal(err)
	}
	// The cap is spent, but persistent profiles do not count against it.
	for i := 0; i < 3; i++ {
		if _, err := lc.Acquire(ctx, persistentProfile("archivist"), fmt.Sprintf("corr-p%d", i), "task-1"); err != nil {
			t.Fatalf("persistent acquire %d: %v", i, err)
		}
	}
}

func TestIdleEvictionSparesPersistent(t *testing.T) {
	lc, fr := testLifecycle(t, LifecycleConfig{
		IdleTimeout:   30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	eph, err := lc.Acquire(ctx, ephemeralProfile("analyst"), "corr-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	per, err := lc.Acquire(ctx, persistentProfile("archivist"), "corr-2", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	lc.Release(eph.ID)
	lc.Release(per.ID)

	waitFor(t, time.Second, func() bool {
		_, err := lc.Info(eph.ID)
		return errors.Is(err, ErrInstanceNotFound)
	}, "idle ephemeral instance should be evicted")

	if info, err := lc.Info(per.ID); err != nil || info.State != StateIdle {
		t.Errorf("persistent instance should survive idling: %v %v", info, err)
	}
	if fr.stoppedCount() != 1 {
		t.Errorf("stopped = %d, want 1", fr.stoppedCount())
	}
}

func TestBusyInstanceNotEvicted(t *testing.T) {
	lc, _ := testLifecycle(t, LifecycleConfig{
		IdleTimeout:   20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	inst, err := lc.Acquire(context.Background(), ephemeralProfile("analyst"), "corr-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if info, err := lc.Info(inst.ID); err != nil || info.State != StateBusy {
		t.Errorf("busy instance should never idle out: %v %v", info, err)
	}
}

func TestCreationFailure(t *testing.T) {
	fr := &fakeRuntime{failCreate: true}
	lc := NewLifecycle(fr, LifecycleConfig{SweepInterval: 10 * time.Millisecond})
	t.Cleanup(func() { lc.Close(context.Background()) })

	_, err := lc.Acquire(context.Background(), ephemeralProfile("analyst"), "corr-1", "task-1")
	if !errors.Is(err, ErrWorkerCreationFailed) {
		t.Fatalf("err = %v, want ErrWorkerCreationFailed", err)
	}

	// The failed instance must not pin capacity forever.
	waitFor(t, time.Second, func() bool {
		return len(lc.Instances()) == 0
	}, "failed instance should be swept away")
}

func TestCreationHeartbeatTimeout(t *testing.T) {
	fr := &fakeRuntime{} // no heartbeat hook
	lc := NewLifecycle(fr, LifecycleConfig{CreationTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { lc.Close(context.Background()) })

	_, err := lc.Acquire(context.Background(), ephemeralProfile("analyst"), "corr-1", "task-1")
	if !errors.Is(err, ErrWorkerCreationFailed) {
		t.Errorf("err = %v, want ErrWorkerCreationFailed", err)
	}
}

func TestSuspectRecoversOnHeartbeat(t *testing.T) {
	lc, _ := testLifecycle(t, LifecycleConfig{})

	inst, err := lc.Acquire(context.Background(), ephemeralProfile("analyst"), "corr-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}

	lc.MarkSuspect(inst.ID)
	if info, _ := lc.Info(inst.ID); !info.Suspect || info.State != StateBusy {
		t.Fatalf("after MarkSuspect: %+v", info)
	}

	lc.Heartbeat(inst.ID)
	info, err := lc.Info(inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if info.Suspect {
		t.Error("heartbeat should clear suspicion")
	}
	if info.State != StateIdle {
		t.Errorf("state = %v, want idle after resolved heartbeat", info.State)
	}
}

func TestSuspectSilencePastGraceFails(t *testing.T) {
	lc, fr := testLifecycle(t, LifecycleConfig{
		SuspectGrace:  20 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	inst, err := lc.Acquire(context.Background(), ephemeralProfile("analyst"), "corr-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	lc.MarkSuspect(inst.ID)

	waitFor(t, time.Second, func() bool {
		_, err := lc.Info(inst.ID)
		return errors.Is(err, ErrInstanceNotFound)
	}, "silent suspect should be torn down")

	if fr.stoppedCount() != 1 {
		t.Errorf("stopped = %d, want 1", fr.stoppedCount())
	}
}

func TestExplicitStop(t *testing.T) {
	lc, fr := testLifecycle(t, LifecycleConfig{})
	ctx := context.Background()

	inst, err := lc.Acquire(ctx, persistentProfile("archivist"), "corr-1", "task-1")
	if err != nil {
		t.Fatal(err)
	}
	lc.Release(inst.ID)

	if err := lc.Stop(ctx, inst.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := lc.Info(inst.ID); !errors.Is(err, ErrInstanceNotFound) {
		t.Error("stopped instance should be removed")
	}
	if fr.stoppedCount() != 1 {
		t.Errorf("stopped = %d, want 1", fr.stoppedCount())
	}
}

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to InstanceState }{
		{StateCreating, StateIdle},
		{StateCreating, StateError},
		{StateIdle, StateBusy},
		{StateIdle, StateStopping},
		{StateBusy, StateIdle},
		{StateBusy, StateError},
		{StateError, StateStopping},
		{StateStopping, StateStopped},
	}
	for _, tc := range legal {
		if !transitionLegal(tc.from, tc.to) {
			t.Errorf("%s -> %s should be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to InstanceState }{
		{StateCreating, StateBusy},
		{StateStopped, StateIdle},
		{StateStopping, StateBusy},
		{StateError, StateIdle},
		{StateIdle, StateCreating},
	}
	for _, tc := range illegal {
		if transitionLegal(tc.from, tc.to) {
			t.Errorf("%s -> %s should be illegal", tc.from, tc.to)
		}
	}
}

func TestClosePreservesPersistentContainers(t *testing.T) {
	fr := &fakeRuntime{}
	lc := NewLifecycle(fr, LifecycleConfig{})
	fr.mu.Lock()
	fr.onCreate = func(spec runtime.Spec) { lc.Heartbeat(spec.InstanceID) }
	fr.mu.Unlock()
	ctx := context.Background()

	if _, err := lc.Acquire(ctx, ephemeralProfile("analyst"), "corr-1", "task-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := lc.Acquire(ctx, persistentProfile("archivist"), "corr-2", "task-1"); err != nil {
		t.Fatal(err)
	}

	if err := lc.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if fr.stoppedCount() != 1 {
		t.Errorf("stopped = %d, want only the ephemeral instance", fr.stoppedCount())
	}
}

func TestProvisionHonorsCapacity(t *testing.T) {
	lc, fr := testLifecycle(t, LifecycleConfig{MaxWorkers: 1, AcquireWait: 50 * time.Millisecond})
	ctx := context.Background()

	first, err := lc.Provision(ctx, ephemeralProfile("analyst"))
	if err != nil {
		t.Fatal(err)
	}
	if info, err := lc.Info(first.ID); err != nil || info.State != StateIdle {
		t.Fatalf("provisioned instance should be idle: %v %v", info, err)
	}

	if _, err := lc.Provision(ctx, ephemeralProfile("analyst")); !errors.Is(err, ErrWorkerUnavailable) {
		t.Fatalf("err = %v, want ErrWorkerUnavailable", err)
	}
	if fr.createdCount() != 1 {
		t.Errorf("created = %d, want 1", fr.createdCount())
	}

	// Stopping the first instance frees the slot.
	if err := lc.Stop(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := lc.Provision(ctx, ephemeralProfile("analyst")); err != nil {
		t.Fatalf("provision after stop: %v", err)
	}
}

func TestProvisionPersistentExemptFromCapacity(t *testing.T) {
	lc, _ := testLifecycle(t, LifecycleConfig{MaxWorkers: 1, AcquireWait: 50 * time.Millisecond})
	ctx := context.Background()

	if _, err := lc.Provision(ctx, ephemeralProfile("analyst")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := lc.Provision(ctx, persistentProfile("archivist")); err != nil {
			t.Fatalf("persistent provision %d: %v", i, err)
		}
	}
}

func TestCapacityReservationIsAtomic(t *testing.T) {
	lc, fr := testLifecycle(t, LifecycleConfig{MaxWorkers: 2, AcquireWait: 50 * time.Millisecond})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := lc.Provision(ctx, ephemeralProfile("analyst"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, full int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrWorkerUnavailable):
			full++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 2 || full != 4 {
		t.Errorf("ok = %d, full = %d, want 2/4", ok, full)
	}
	if fr.createdCount() != 2 {
		t.Errorf("created = %d, want 2", fr.createdCount())
	}
}
