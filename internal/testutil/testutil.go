package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arcmux/arcmux/internal/model"
	"github.com/arcmux/arcmux/internal/store"
)

func NewStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "arcmux-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return st, ctx
}

// Windows builds a window list from compact specs of the form
// index, id, name, active.
func Windows(specs ...model.Window) []model.Window {
	out := make([]model.Window, 0, len(specs))
	for _, w := range specs {
		if w.Panes == 0 {
			w.Panes = 1
		}
		out = append(out, w)
	}
	return out
}
