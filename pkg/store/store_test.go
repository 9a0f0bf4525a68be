package store

import "testing"

type widget struct {
	ID    string
	Owner string
	Seq   int64
}

func (w *widget) PrimaryKey() Key { return Key(w.ID) }
func (w *widget) IndexKeys() map[Index]Key {
	return map[Index]Key{"by_owner": Key(w.Owner + "|" + w.ID)}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateGetDuplicate(t *testing.T) {
	s := openTestStore(t)
	c := NewCollection[*widget](s, "widget:")

	w := &widget{ID: "w1", Owner: "alice", Seq: 1}
	if err := c.Create(w); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Create(w); err == nil {
		t.Fatalf("expected duplicate key error")
	}

	got := &widget{}
	found, err := c.Get(Key("w1"), got)
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.Owner != "alice" || got.Seq != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}

	missing := &widget{}
	found, err = c.Get(Key("nope"), missing)
	if err != nil || found {
		t.Fatalf("expected not-found, got found=%v err=%v", found, err)
	}
}

func TestFindByIndexAndModify(t *testing.T) {
	s := openTestStore(t)
	c := NewCollection[*widget](s, "widget:")

	for i, id := range []string{"w1", "w2", "w3"} {
		if err := c.Create(&widget{ID: id, Owner: "alice", Seq: int64(i)}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := c.Create(&widget{ID: "w9", Owner: "bob", Seq: 9}); err != nil {
		t.Fatalf("create w9: %v", err)
	}

	keys, err := c.FindByIndex("by_owner", Key("alice"))
	if err != nil {
		t.Fatalf("find by index: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("expected 3 alice widgets, got %d", len(keys))
	}

	out := &widget{}
	if _, err := c.Modify(Key("w1"), out, func(w *widget) error {
		w.Owner = "bob"
		return nil
	}); err != nil {
		t.Fatalf("modify: %v", err)
	}

	keys, err = c.FindByIndex("by_owner", Key("alice"))
	if err != nil {
		t.Fatalf("find by index after modify: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 alice widgets after move, got %d", len(keys))
	}
	keys, err = c.FindByIndex("by_owner", Key("bob"))
	if err != nil {
		t.Fatalf("find bob: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 bob widgets after move, got %d", len(keys))
	}
}

func TestRemove(t *testing.T) {
	s := openTestStore(t)
	c := NewCollection[*widget](s, "widget:")
	w := &widget{ID: "w1", Owner: "alice", Seq: 1}
	if err := c.Create(w); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.Remove(w.PrimaryKey(), w); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got := &widget{}
	found, err := c.Get(Key("w1"), got)
	if err != nil || found {
		t.Fatalf("expected removed, found=%v err=%v", found, err)
	}
	keys, err := c.FindByIndex("by_owner", Key("alice"))
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected empty index after remove, got %d keys err=%v", len(keys), err)
	}
}

func TestScanAscendingOrder(t *testing.T) {
	s := openTestStore(t)
	c := NewCollection[*widget](s, "widget:")
	for _, id := range []string{"w3", "w1", "w2"} {
		if err := c.Create(&widget{ID: id, Owner: "alice", Seq: 1}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	var order []string
	err := c.Scan(nil, nil, func() *widget { return &widget{} }, func(w *widget) error {
		order = append(order, w.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	want := []string{"w1", "w2", "w3"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("expected ascending order %v, got %v", want, order)
		}
	}
}

func TestSnapshotCommitAndRollback(t *testing.T) {
	s := openTestStore(t)
	c := NewCollection[*widget](s, "widget:")

	if err := s.BeginSnapshot(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.BeginSnapshot(); err == nil {
		t.Fatalf("expected error on nested snapshot")
	}
	if err := c.Create(&widget{ID: "w1", Owner: "alice", Seq: 1}); err != nil {
		t.Fatalf("create in snapshot: %v", err)
	}
	s.Rollback()

	got := &widget{}
	found, err := c.Get(Key("w1"), got)
	if err != nil || found {
		t.Fatalf("expected rollback to discard write, found=%v err=%v", found, err)
	}

	if err := s.BeginSnapshot(); err != nil {
		t.Fatalf("begin 2: %v", err)
	}
	if err := c.Create(&widget{ID: "w1", Owner: "alice", Seq: 1}); err != nil {
		t.Fatalf("create in snapshot 2: %v", err)
	}
	if err := s.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	found, err = c.Get(Key("w1"), got)
	if err != nil || !found {
		t.Fatalf("expected committed write to persist, found=%v err=%v", found, err)
	}
}

func TestUpperBound(t *testing.T) {
	got := UpperBound([]byte("ab"))
	if string(got) != "ac" {
		t.Fatalf("expected 'ac', got %q", got)
	}
	allFF := UpperBound([]byte{0xff, 0xff})
	if allFF != nil {
		t.Fatalf("expected nil for all-0xff prefix, got %v", allFF)
	}
}
