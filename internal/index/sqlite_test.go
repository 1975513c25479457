package index

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/trailmark/trailmark/internal/audit"
)

func openTestIndex(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func writableChannel(id string) audit.ChannelConfig {
	return audit.ChannelConfig{
		ChannelID: id,
		Root:      "root-" + id,
		State: audit.CryptoState{
			Mode: audit.ModeRestricted, Key: "SIDEKEY", Count: 1, NextCount: 2,
			Index: 3, Start: 4, SecurityLevel: 2,
		},
		Access: audit.Writable{Seed: "SEED" + id},
	}
}

func TestSQLite_MissingRecords(t *testing.T) {
	s, _ := openTestIndex(t)
	ctx := context.Background()

	if _, ok, err := s.GetChannel(ctx, "nope"); err != nil || ok {
		t.Errorf("GetChannel on empty index: ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.GetAsset(ctx, "nope", "r1"); err != nil || ok {
		t.Errorf("GetAsset on empty index: ok=%v err=%v", ok, err)
	}
}

func TestSQLite_ChannelRoundTrip(t *testing.T) {
	s, _ := openTestIndex(t)
	ctx := context.Background()

	want := writableChannel("c1")
	if err := s.PutChannel(ctx, want); err != nil {
		t.Fatalf("PutChannel: %v", err)
	}
	got, ok, err := s.GetChannel(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("GetChannel: ok=%v err=%v", ok, err)
	}
	if got.Root != want.Root || got.State != want.State {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if seed, ok := got.Seed(); !ok || seed != "SEEDc1" {
		t.Errorf("Seed() = %q, %v", seed, ok)
	}
}

func TestSQLite_ReadOnlyChannelHasNoSeed(t *testing.T) {
	s, _ := openTestIndex(t)
	ctx := context.Background()

	cfg := writableChannel("shared")
	cfg.Access = audit.ReadOnly{}
	if err := s.PutChannel(ctx, cfg); err != nil {
		t.Fatalf("PutChannel: %v", err)
	}
	got, _, err := s.GetChannel(ctx, "shared")
	if err != nil {
		t.Fatalf("GetChannel: %v", err)
	}
	if _, ok := got.Access.(audit.ReadOnly); !ok {
		t.Errorf("access = %T, want ReadOnly", got.Access)
	}
}

func TestSQLite_SaveCommitAndPersistence(t *testing.T) {
	s, path := openTestIndex(t)
	ctx := context.Background()

	cfg := writableChannel("c1")
	asset := audit.AssetPointer{AssetID: "r1", RootLocator: "loc1", CurrentLocator: "loc1", Version: 0}
	if err := s.SaveCommit(ctx, cfg, asset); err != nil {
		t.Fatalf("SaveCommit: %v", err)
	}

	cfg.State.Start = 5
	asset.RootLocator, asset.CurrentLocator, asset.Version = "loc2", "loc2", 1
	if err := s.SaveCommit(ctx, cfg, asset); err != nil {
		t.Fatalf("second SaveCommit: %v", err)
	}
	s.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	gotCfg, ok, err := reopened.GetChannel(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("GetChannel after reopen: ok=%v err=%v", ok, err)
	}
	if gotCfg.State.Start != 5 {
		t.Errorf("start = %d, want 5", gotCfg.State.Start)
	}
	gotAsset, ok, err := reopened.GetAsset(ctx, "c1", "r1")
	if err != nil || !ok {
		t.Fatalf("GetAsset after reopen: ok=%v err=%v", ok, err)
	}
	if gotAsset != asset {
		t.Errorf("asset = %+v, want %+v", gotAsset, asset)
	}
}

func TestSQLite_Listing(t *testing.T) {
	s, _ := openTestIndex(t)
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := s.PutChannel(ctx, writableChannel(id)); err != nil {
			t.Fatalf("PutChannel(%s): %v", id, err)
		}
	}
	for _, id := range []string{"r2", "r1"} {
		if err := s.PutAsset(ctx, "alpha", audit.AssetPointer{AssetID: id, RootLocator: "l-" + id, CurrentLocator: "l-" + id}); err != nil {
			t.Fatalf("PutAsset(%s): %v", id, err)
		}
	}

	channels, err := s.ListChannels(ctx)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	var ids []string
	for _, c := range channels {
		ids = append(ids, c.ChannelID)
	}
	if len(ids) != 3 || ids[0] != "alpha" || ids[1] != "mid" || ids[2] != "zeta" {
		t.Errorf("channel ids = %v, want [alpha mid zeta]", ids)
	}

	assets, err := s.ListAssets(ctx, "alpha")
	if err != nil {
		t.Fatalf("ListAssets: %v", err)
	}
	if len(assets) != 2 || assets[0].AssetID != "r1" || assets[1].AssetID != "r2" {
		t.Errorf("assets = %+v", assets)
	}
}

func TestExport_DocumentLayout(t *testing.T) {
	s, _ := openTestIndex(t)
	ctx := context.Background()

	if err := s.SaveCommit(ctx, writableChannel("c1"),
		audit.AssetPointer{AssetID: "r1", RootLocator: "loc", CurrentLocator: "loc", Version: 2}); err != nil {
		t.Fatalf("SaveCommit: %v", err)
	}

	tests := []struct {
		name      string
		withSeeds bool
	}{
		{"without seeds", false},
		{"with seeds", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Export(ctx, s, &buf, tt.withSeeds); err != nil {
				t.Fatalf("Export: %v", err)
			}

			var raw map[string]map[string]map[string]json.RawMessage
			if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
				t.Fatalf("export is not the expected shape: %v\n%s", err, buf.String())
			}
			ch, ok := raw["channels"]["c1"]
			if !ok {
				t.Fatalf("channel c1 missing from export:\n%s", buf.String())
			}

			var assets map[string]map[string]any
			if err := json.Unmarshal(ch["assets"], &assets); err != nil {
				t.Fatalf("assets: %v", err)
			}
			if assets["r1"]["currentLocator"] != "loc" || assets["r1"]["version"] != float64(2) {
				t.Errorf("asset r1 = %v", assets["r1"])
			}

			var config map[string]any
			if err := json.Unmarshal(ch["config"], &config); err != nil {
				t.Fatalf("config: %v", err)
			}
			_, hasSeed := config["seed"]
			if hasSeed != tt.withSeeds {
				t.Errorf("seed present = %v, want %v", hasSeed, tt.withSeeds)
			}
			if _, ok := config["cryptoState"]; !ok {
				t.Error("config.cryptoState missing")
			}
		})
	}
}

func TestRecordConversion(t *testing.T) {
	cfg := writableChannel("c1")
	back := fromRecord("c1", toRecord(cfg))
	if back.Root != cfg.Root || back.State != cfg.State {
		t.Errorf("round trip changed config: %+v", back)
	}
	if seed, ok := back.Seed(); !ok || seed != "SEEDc1" {
		t.Errorf("seed lost: %q %v", seed, ok)
	}

	cfg.Access = audit.ReadOnly{}
	if rec := toRecord(cfg); rec.Seed != nil {
		t.Errorf("read-only channel encoded a seed: %q", *rec.Seed)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "etcd"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestDocument_Imports(t *testing.T) {
	s, _ := openTestIndex(t)
	ctx := context.Background()
	for _, id := range []string{"b", "a"} {
		if err := s.SaveCommit(ctx, writableChannel(id),
			audit.AssetPointer{AssetID: "r1", RootLocator: "loc-" + id, CurrentLocator: "loc-" + id, Version: 1}); err != nil {
			t.Fatalf("SaveCommit: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := Export(ctx, s, &buf, true); err != nil {
		t.Fatalf("Export: %v", err)
	}
	doc, err := ReadDocument(&buf)
	if err != nil {
		t.Fatalf("ReadDocument: %v", err)
	}

	imports := doc.Imports()
	if len(imports) != 2 || imports[0].ChannelID != "a" || imports[1].ChannelID != "b" {
		t.Fatalf("imports = %+v", imports)
	}
	imp := imports[0]
	if imp.Root != "root-a" || imp.Mode != audit.ModeRestricted || imp.Key != "SIDEKEY" || imp.SecurityLevel != 2 {
		t.Errorf("import a = %+v", imp)
	}
	if imp.Assets["r1"] != "loc-a" {
		t.Errorf("assets = %v", imp.Assets)
	}

	if _, err := ReadDocument(bytes.NewBufferString("{")); err == nil {
		t.Error("expected error for truncated document")
	}
}
