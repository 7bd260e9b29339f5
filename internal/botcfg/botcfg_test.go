package botcfg

import (
	"context"
	"errors"
	"testing"
)

// fakeConfigStore is an in-memory memory.ConfigStore with a switchable
// failure mode.
type fakeConfigStore struct {
	values map[string]string
	fail   bool
	reads  int
}

func (f *fakeConfigStore) GetConfig(_ context.Context, key string) (string, bool, error) {
	f.reads++
	if f.fail {
		return "", false, errors.New("connection refused")
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeConfigStore) SetConfig(_ context.Context, key, value string) error {
	if f.fail {
		return errors.New("connection refused")
	}
	f.values[key] = value
	return nil
}

func (f *fakeConfigStore) AllConfig(_ context.Context) (map[string]string, error) {
	if f.fail {
		return nil, errors.New("connection refused")
	}
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out, nil
}

func newFake() *fakeConfigStore {
	return &fakeConfigStore{values: make(map[string]string)}
}

func TestGet_DefaultWhenUnset(t *testing.T) {
	svc := New(newFake())
	if got := svc.Get(context.Background(), KeyBotName); got != "Famulus" {
		t.Errorf("Get(bot_name) = %q, want default", got)
	}
}

func TestGet_StoredValueWins(t *testing.T) {
	store := newFake()
	store.values[KeyBotName] = "Jeeves"
	svc := New(store)
	if got := svc.Get(context.Background(), KeyBotName); got != "Jeeves" {
		t.Errorf("Get(bot_name) = %q, want stored value", got)
	}
}

func TestGet_CachesWithinTTL(t *testing.T) {
	store := newFake()
	store.values[KeyChatModel] = "llama3.1:8b"
	svc := New(store)

	ctx := context.Background()
	svc.Get(ctx, KeyChatModel)
	svc.Get(ctx, KeyChatModel)
	svc.Get(ctx, KeyChatModel)
	if store.reads != 1 {
		t.Errorf("store reads = %d, want 1 (cached)", store.reads)
	}
}

func TestGet_FallsBackToCacheOnStoreFailure(t *testing.T) {
	store := newFake()
	store.values[KeyPersona] = "a gruff butler"
	svc := New(store)

	ctx := context.Background()
	if got := svc.Get(ctx, KeyPersona); got != "a gruff butler" {
		t.Fatalf("initial Get = %q", got)
	}

	store.fail = true
	svc.Invalidate(KeyPersona)
	// Invalidate dropped the entry, so this read misses both cache and store
	// and must fall back to the default.
	if got := svc.Get(ctx, KeyPersona); got != Defaults[KeyPersona] {
		t.Errorf("Get after failure = %q, want default", got)
	}
}

func TestSet_WritesThroughAndRefreshesCache(t *testing.T) {
	store := newFake()
	svc := New(store)
	ctx := context.Background()

	if err := svc.Set(ctx, KeyChatModel, "qwen2.5:14b"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if store.values[KeyChatModel] != "qwen2.5:14b" {
		t.Error("value not written through to store")
	}
	store.fail = true // cached value must serve the read
	if got := svc.Get(ctx, KeyChatModel); got != "qwen2.5:14b" {
		t.Errorf("Get = %q, want cached written value", got)
	}
}

func TestTypedGetters(t *testing.T) {
	store := newFake()
	store.values[KeyRecallLimit] = "8"
	store.values[KeyRecallMinSimilarity] = "0.5"
	store.values[KeyExtractionEnabled] = "false"
	store.values["bogus_int"] = "not-a-number"
	svc := New(store)
	ctx := context.Background()

	if got := svc.Int(ctx, KeyRecallLimit, 5); got != 8 {
		t.Errorf("Int = %d, want 8", got)
	}
	if got := svc.Float(ctx, KeyRecallMinSimilarity, 0.35); got != 0.5 {
		t.Errorf("Float = %v, want 0.5", got)
	}
	if got := svc.Bool(ctx, KeyExtractionEnabled, true); got != false {
		t.Errorf("Bool = %v, want false", got)
	}
	if got := svc.Int(ctx, "bogus_int", 7); got != 7 {
		t.Errorf("Int(bogus) = %d, want fallback 7", got)
	}
}

func TestAll_MergesDefaults(t *testing.T) {
	store := newFake()
	store.values[KeyBotName] = "Jeeves"
	svc := New(store)

	all, err := svc.All(context.Background())
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if all[KeyBotName] != "Jeeves" {
		t.Errorf("All[bot_name] = %q, want stored override", all[KeyBotName])
	}
	if all[KeyDisplayTimezone] != Defaults[KeyDisplayTimezone] {
		t.Errorf("All[display_timezone] = %q, want default", all[KeyDisplayTimezone])
	}
}
