package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BTreeMap/RemindPipe/internal/models"
	"github.com/BTreeMap/RemindPipe/internal/store"
)

// ErrStoreDown is the error FlakyStore injects.
var ErrStoreDown = errors.New("store unavailable")

// FlakyStore wraps a store and fails chosen methods a set number of times.
// Combined writes fail inside the wrapped store's transaction, so its rollback
// is what the caller observes.
type FlakyStore struct {
	store.Store

	mu    sync.Mutex
	fails map[string]int
}

// NewFlakyStore wraps st with no failures armed.
func NewFlakyStore(st store.Store) *FlakyStore {
	return &FlakyStore{Store: st, fails: make(map[string]int)}
}

// FailNext makes the next n calls to method return ErrStoreDown.
func (f *FlakyStore) FailNext(method string, n int) *FlakyStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[method] += n
	return f
}

func (f *FlakyStore) fail(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails[method] == 0 {
		return false
	}
	f.fails[method]--
	return true
}

func failProfile(*models.PatientProfile) error { return ErrStoreDown }

func (f *FlakyStore) ListProfiles(ctx context.Context) ([]models.PatientProfile, error) {
	if f.fail("ListProfiles") {
		return nil, ErrStoreDown
	}
	return f.Store.ListProfiles(ctx)
}

func (f *FlakyStore) UpdateProfile(ctx context.Context, id string, fn func(*models.PatientProfile) error) (*models.PatientProfile, error) {
	if f.fail("UpdateProfile") {
		return nil, ErrStoreDown
	}
	return f.Store.UpdateProfile(ctx, id, fn)
}

func (f *FlakyStore) UpdateEvent(ctx context.Context, e models.ReminderEvent) error {
	if f.fail("UpdateEvent") {
		return ErrStoreDown
	}
	return f.Store.UpdateEvent(ctx, e)
}

func (f *FlakyStore) ClaimEvent(ctx context.Context, id string, at time.Time) (*models.ReminderEvent, error) {
	if f.fail("ClaimEvent") {
		return nil, ErrStoreDown
	}
	return f.Store.ClaimEvent(ctx, id, at)
}

func (f *FlakyStore) ScheduleEvent(ctx context.Context, e models.ReminderEvent, fn func(*models.PatientProfile) error) (*models.ReminderEvent, *models.PatientProfile, error) {
	if f.fail("ScheduleEvent") {
		fn = failProfile
	}
	return f.Store.ScheduleEvent(ctx, e, fn)
}

func (f *FlakyStore) ResolveEvent(ctx context.Context, e models.ReminderEvent, fn func(*models.PatientProfile) error) (*models.PatientProfile, error) {
	if f.fail("ResolveEvent") {
		fn = failProfile
	}
	return f.Store.ResolveEvent(ctx, e, fn)
}
