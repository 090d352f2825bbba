package command

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auradrive/internal/callback"
	"auradrive/internal/store"
)

type fakeModuleStore struct {
	mu       sync.Mutex
	rows     map[string]bool
	tampered []string
	failSet  error
}

func newFakeModuleStore() *fakeModuleStore {
	return &fakeModuleStore{rows: make(map[string]bool)}
}

func (f *fakeModuleStore) SetModule(_ context.Context, pkg string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet != nil {
		return f.failSet
	}
	f.rows[pkg] = enabled
	return nil
}

func (f *fakeModuleStore) Modules(context.Context) ([]store.ModuleRecord, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.ModuleRecord
	for pkg, on := range f.rows {
		out = append(out, store.ModuleRecord{Package: pkg, Enabled: on})
	}
	return out, f.tampered, nil
}

func TestToggleKnownModule(t *testing.T) {
	db := newFakeModuleStore()
	b := &fakeBroadcaster{}
	m := NewModules(db, b, nil)
	require.NoError(t, m.Load(context.Background(), []string{"com.example.alpha"}))

	status, err := m.Toggle(context.Background(), "com.example.alpha", true)
	require.NoError(t, err)
	assert.Equal(t, "module com.example.alpha enabled", status)

	on, ok := m.State("com.example.alpha")
	assert.True(t, ok)
	assert.True(t, on)
	assert.True(t, db.rows["com.example.alpha"])

	sent := b.all()
	require.Len(t, sent, 1)
	assert.Equal(t, callback.ModuleStateChanged("com.example.alpha", true), sent[0])

	status, err = m.Toggle(context.Background(), "com.example.alpha", false)
	require.NoError(t, err)
	assert.Equal(t, "module com.example.alpha disabled", status)
}

func TestToggleUnknownModule(t *testing.T) {
	b := &fakeBroadcaster{}
	m := NewModules(newFakeModuleStore(), b, nil)
	require.NoError(t, m.Load(context.Background(), nil))

	_, err := m.Toggle(context.Background(), "com.example.ghost", true)
	require.ErrorIs(t, err, ErrModuleNotFound)
	assert.Equal(t, "ModuleNotFound", ErrorCode(err))
	assert.Empty(t, b.all())
}

func TestTogglePersistFailureKeepsState(t *testing.T) {
	db := newFakeModuleStore()
	b := &fakeBroadcaster{}
	m := NewModules(db, b, nil)
	require.NoError(t, m.Load(context.Background(), []string{"pkg"}))

	db.failSet = errors.New("readonly database")
	_, err := m.Toggle(context.Background(), "pkg", true)
	require.ErrorIs(t, err, ErrCommandFailed)

	on, _ := m.State("pkg")
	assert.False(t, on)
	assert.Empty(t, b.all())
}

func TestLoadMergesPersistedAndConfigured(t *testing.T) {
	db := newFakeModuleStore()
	db.rows["persisted.only"] = true
	db.rows["both"] = true
	db.tampered = []string{"forged"}

	m := NewModules(db, nil, nil)
	require.NoError(t, m.Load(context.Background(), []string{"both", "configured.only"}))

	assert.Equal(t, map[string]bool{
		"persisted.only":  true,
		"both":            true,
		"configured.only": false,
	}, m.Snapshot())
	_, ok := m.State("forged")
	assert.False(t, ok)

	known, enabled := m.Counts()
	assert.Equal(t, 3, known)
	assert.Equal(t, 2, enabled)
}

func TestSetKnownKeepsPersisted(t *testing.T) {
	db := newFakeModuleStore()
	m := NewModules(db, nil, nil)
	require.NoError(t, m.Load(context.Background(), []string{"a", "b"}))
	_, err := m.Toggle(context.Background(), "a", true)
	require.NoError(t, err)

	m.SetKnown([]string{"c"})
	assert.Equal(t, []string{"a", "c"}, m.Packages())
}
