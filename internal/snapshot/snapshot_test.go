package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/ledger"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/position"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/recycle"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewStore(path, nil)

	now := time.Now().UTC().Truncate(time.Second)
	state := State{
		SavedAt: now,
		Positions: []position.Position{
			{Symbol: "BTC/USDT", Quantity: 1.5, EntryPrice: 100, MarkPrice: 110, OpenedAt: now, Origin: position.OriginAgent},
		},
		Ledger: ledger.Snapshot{BaseCurrency: "USDT", Available: 42, RefreshedAt: now},
		Guard: recycle.GuardSnapshot{
			LastRecycle: map[string]time.Time{"ETH/USDT": now},
			StaleCancels: map[string]recycle.StaleCancelState{
				"BTC/USDT": {Count: 2, CanceledPrice: 99, LastCancelAt: now, CooldownUntil: now.Add(10 * time.Minute)},
			},
		},
	}

	if err := store.Save(state); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	loaded, ok, err := store.Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !ok {
		t.Fatalf("expected snapshot to exist")
	}
	if len(loaded.Positions) != 1 || loaded.Positions[0].Symbol != "BTC/USDT" {
		t.Errorf("positions lost in round trip: %+v", loaded.Positions)
	}
	if loaded.Ledger.Available != 42 {
		t.Errorf("ledger lost in round trip: %+v", loaded.Ledger)
	}
	if loaded.Guard.StaleCancels["BTC/USDT"].Count != 2 {
		t.Errorf("guard state lost in round trip: %+v", loaded.Guard)
	}
}

func TestSave_OverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewStore(path, nil)

	if err := store.Save(State{Ledger: ledger.Snapshot{Available: 1}}); err != nil {
		t.Fatalf("first Save returned error: %v", err)
	}
	if err := store.Save(State{Ledger: ledger.Snapshot{Available: 2}}); err != nil {
		t.Fatalf("second Save returned error: %v", err)
	}

	loaded, ok, err := store.Load()
	if err != nil || !ok {
		t.Fatalf("Load failed: ok=%v err=%v", ok, err)
	}
	if loaded.Ledger.Available != 2 {
		t.Errorf("expected latest snapshot, got available=%v", loaded.Ledger.Available)
	}

	// rename 完成后不应残留临时文件。
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir returned error: %v", err)
	}
	for _, entry := range entries {
		if strings.Contains(entry.Name(), ".tmp-") {
			t.Errorf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "missing.json"), nil)
	_, ok, err := store.Load()
	if err != nil {
		t.Fatalf("missing snapshot must not error: %v", err)
	}
	if ok {
		t.Errorf("expected ok=false for missing snapshot")
	}
}

func TestLoad_CorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}
	store := NewStore(path, nil)
	if _, _, err := store.Load(); err == nil {
		t.Fatalf("corrupt snapshot must surface an error")
	}
}

func TestSave_StampsSavedAt(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "state.json"), nil)
	if err := store.Save(State{}); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	loaded, _, err := store.Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded.SavedAt.IsZero() {
		t.Errorf("Save must stamp SavedAt when unset")
	}
}
