package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := testDB(t)

	in := []Chat{
		{ID: "5511@s.whatsapp.net", Name: "Ana", LastMessageAt: 200},
		{ID: "5522@s.whatsapp.net", Name: "Bruno", LastMessageAt: 100},
	}
	if err := db.SaveSnapshot(ChatsNamespace("vendas"), in); err != nil {
		t.Fatal(err)
	}

	var out []Chat
	capturedAt, ok, err := db.LoadSnapshot(ChatsNamespace("vendas"), &out)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("snapshot not found")
	}
	if capturedAt == 0 {
		t.Error("capturedAt not set")
	}
	if len(out) != 2 || out[0].Name != "Ana" {
		t.Errorf("loaded %+v", out)
	}
}

func TestSaveSnapshotIgnoresEmpty(t *testing.T) {
	db := testDB(t)

	good := []Instance{{Name: "vendas", Status: StatusOpen}}
	if err := db.SaveSnapshot(NamespaceInstances, good); err != nil {
		t.Fatal(err)
	}

	// An empty list and a nil payload must not erase prior good data.
	if err := db.SaveSnapshot(NamespaceInstances, []Instance{}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSnapshot(NamespaceInstances, nil); err != nil {
		t.Fatal(err)
	}

	var out []Instance
	_, ok, err := db.LoadSnapshot(NamespaceInstances, &out)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || len(out) != 1 || out[0].Name != "vendas" {
		t.Errorf("prior snapshot was clobbered: ok=%v out=%+v", ok, out)
	}
}

func TestSaveSnapshotReplacesWholesale(t *testing.T) {
	db := testDB(t)
	ns := ChatsNamespace("vendas")

	if err := db.SaveSnapshot(ns, []Chat{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveSnapshot(ns, []Chat{{ID: "c"}}); err != nil {
		t.Fatal(err)
	}

	var out []Chat
	if _, _, err := db.LoadSnapshot(ns, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].ID != "c" {
		t.Errorf("stale entries survived replacement: %+v", out)
	}
}

func TestLoadSnapshotMiss(t *testing.T) {
	db := testDB(t)

	var out []Chat
	_, ok, err := db.LoadSnapshot(ChatsNamespace("nope"), &out)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("ok = true for missing namespace")
	}
}

func TestDeleteSnapshotsPrefix(t *testing.T) {
	db := testDB(t)

	_ = db.SaveSnapshot(ChatsNamespace("vendas"), []Chat{{ID: "a"}})
	_ = db.SaveSnapshot(MessagesNamespace("vendas", "a"), []Message{{ID: "m1", ChatID: "a", Kind: KindText, Body: "x"}})
	_ = db.SaveSnapshot(ChatsNamespace("suporte"), []Chat{{ID: "b"}})

	if err := db.DeleteSnapshots("chats/vendas"); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteSnapshots("messages/vendas"); err != nil {
		t.Fatal(err)
	}

	var out []Chat
	if _, ok, _ := db.LoadSnapshot(ChatsNamespace("vendas"), &out); ok {
		t.Error("vendas chats snapshot should be gone")
	}
	if _, ok, _ := db.LoadSnapshot(ChatsNamespace("suporte"), &out); !ok {
		t.Error("suporte snapshot should survive")
	}
}

func TestDeleteSnapshotsUnderscoreIsLiteral(t *testing.T) {
	db := testDB(t)

	// "_" is a LIKE wildcard; a prefix delete for instance a_c must not
	// match abc.
	_ = db.SaveSnapshot(MessagesNamespace("a_c", "x"), []Message{{ID: "m1", ChatID: "x", Kind: KindText, Body: "one"}})
	_ = db.SaveSnapshot(MessagesNamespace("abc", "x"), []Message{{ID: "m2", ChatID: "x", Kind: KindText, Body: "two"}})

	if err := db.DeleteSnapshots("messages/a_c"); err != nil {
		t.Fatal(err)
	}

	var out []Message
	if _, ok, _ := db.LoadSnapshot(MessagesNamespace("a_c", "x"), &out); ok {
		t.Error("a_c snapshot should be gone")
	}
	if _, ok, _ := db.LoadSnapshot(MessagesNamespace("abc", "x"), &out); !ok {
		t.Error("abc snapshot should survive a delete for a_c")
	}
}

func TestSettings(t *testing.T) {
	db := testDB(t)

	if v, err := db.GetSetting(ActiveInstanceKey); err != nil || v != "" {
		t.Fatalf("unset key: v=%q err=%v", v, err)
	}
	if err := db.SetSetting(ActiveInstanceKey, "vendas"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetSetting(ActiveInstanceKey); v != "vendas" {
		t.Errorf("got %q, want vendas", v)
	}
	if err := db.SetSetting(ActiveInstanceKey, "suporte"); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetSetting(ActiveInstanceKey); v != "suporte" {
		t.Errorf("got %q, want suporte", v)
	}
	if err := db.DeleteSetting(ActiveInstanceKey); err != nil {
		t.Fatal(err)
	}
	if v, _ := db.GetSetting(ActiveInstanceKey); v != "" {
		t.Errorf("got %q after delete, want empty", v)
	}
}
