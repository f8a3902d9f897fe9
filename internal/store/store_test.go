package store_test

import (
	"testing"

	"github.com/arcmux/arcmux/internal/cache"
	"github.com/arcmux/arcmux/internal/model"
	"github.com/arcmux/arcmux/internal/testutil"
)

func TestSaveSessionAndLoadNames(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	windows := []model.Window{
		{Index: 0, ID: "@1", Name: "vim", Active: true, Panes: 1},
		{Index: 1, ID: "@2", Name: "logs", Panes: 2},
		{Index: 2, ID: "@3", Name: "", Panes: 1}, // unnamed rows are not persisted as names
	}
	if err := st.SaveSession(ctx, "local", "main", windows); err != nil {
		t.Fatalf("save session: %v", err)
	}

	names, err := st.LoadNames(ctx)
	if err != nil {
		t.Fatalf("load names: %v", err)
	}
	if names["local/main/id:@1"] != "vim" || names["local/main/id:@2"] != "logs" {
		t.Fatalf("unexpected names: %v", names)
	}
	if _, ok := names["local/main/id:@3"]; ok {
		t.Fatalf("blank name was persisted")
	}
}

func TestSaveSessionReplacesPreviousNames(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	if err := st.SaveSession(ctx, "local", "main", []model.Window{
		{Index: 0, ID: "@1", Name: "old"},
		{Index: 1, ID: "@2", Name: "gone"},
	}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := st.SaveSession(ctx, "local", "main", []model.Window{
		{Index: 0, ID: "@1", Name: "new"},
	}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	names, err := st.LoadNames(ctx)
	if err != nil {
		t.Fatalf("load names: %v", err)
	}
	if names["local/main/id:@1"] != "new" {
		t.Fatalf("name not updated: %v", names)
	}
	if _, ok := names["local/main/id:@2"]; ok {
		t.Fatalf("removed window's name survived the save")
	}
}

func TestLoadWindowsRoundTrip(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	in := []model.Window{
		{Index: 0, ID: "@1", Name: "vim", Active: true, Panes: 2},
		{Index: 1, ID: "@2", Name: "logs", Panes: 1},
	}
	if err := st.SaveSession(ctx, "remote:bob@dev:22", "work", in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, ok, err := st.LoadWindows(ctx, "remote:bob@dev:22", "work")
	if err != nil || !ok {
		t.Fatalf("load windows: %v %v", ok, err)
	}
	if len(out) != 2 || out[0].Name != "vim" || !out[0].Active || out[1].Panes != 1 {
		t.Fatalf("window list round trip lost data: %+v", out)
	}

	if _, ok, err := st.LoadWindows(ctx, "local", "work"); err != nil || ok {
		t.Fatalf("expected miss for other scope: %v %v", ok, err)
	}
}

func TestRenameSessionMovesRows(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	if err := st.SaveSession(ctx, "local", "old", []model.Window{{Index: 0, ID: "@1", Name: "vim"}}); err != nil {
		t.Fatalf("save old: %v", err)
	}
	if err := st.SaveSession(ctx, "local", "new", []model.Window{{Index: 0, ID: "@1", Name: "stale"}}); err != nil {
		t.Fatalf("save colliding: %v", err)
	}

	if err := st.RenameSession(ctx, "local", "old", "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	names, err := st.LoadNames(ctx)
	if err != nil {
		t.Fatalf("load names: %v", err)
	}
	if names["local/new/id:@1"] != "vim" {
		t.Fatalf("renamed row did not win the collision: %v", names)
	}
	if _, ok := names["local/old/id:@1"]; ok {
		t.Fatalf("old rows survived rename")
	}
	if _, ok, _ := st.LoadWindows(ctx, "local", "old"); ok {
		t.Fatalf("old window list survived rename")
	}
	if _, ok, _ := st.LoadWindows(ctx, "local", "new"); !ok {
		t.Fatalf("window list lost in rename")
	}
}

func TestDeleteSession(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	if err := st.SaveSession(ctx, "local", "main", []model.Window{{Index: 0, ID: "@1", Name: "vim"}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.SaveSession(ctx, "local", "other", []model.Window{{Index: 0, ID: "@9", Name: "keep"}}); err != nil {
		t.Fatalf("save other: %v", err)
	}

	if err := st.DeleteSession(ctx, "local", "main"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	names, err := st.LoadNames(ctx)
	if err != nil {
		t.Fatalf("load names: %v", err)
	}
	if _, ok := names["local/main/id:@1"]; ok {
		t.Fatalf("deleted session's names survived")
	}
	if names["local/other/id:@9"] != "keep" {
		t.Fatalf("unrelated session was deleted: %v", names)
	}
}

func TestSeedPopulatesCache(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	if err := st.SaveSession(ctx, "local", "main", []model.Window{{Index: 0, ID: "@1", Name: "vim"}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	c := cache.NewStore()
	if err := st.Seed(ctx, c); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if name, ok := c.Name("local", "main", 0, "@1"); !ok || name != "vim" {
		t.Fatalf("seed did not reach the cache: %q %v", name, ok)
	}
}
