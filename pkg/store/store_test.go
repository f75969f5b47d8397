package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"walkv/pkg/batch"
	"walkv/pkg/dberrors"
	"walkv/pkg/faultfs"
	"walkv/pkg/memtable"
)

const testPath = "db"

func openStore(t *testing.T, env *faultfs.Env, opts Options) *Store {
	t.Helper()
	opts.Env = env
	opts.CreateIfMissing = true
	s, err := Open(testPath, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func mustPut(t *testing.T, s *Store, key, value string, wo WriteOptions) {
	t.Helper()
	if err := s.Put([]byte(key), []byte(value), wo); err != nil {
		t.Fatalf("put %s: %v", key, err)
	}
}

func expectValue(t *testing.T, s *Store, key, want string) {
	t.Helper()
	got, found, err := s.GetString(key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	if !found {
		t.Fatalf("expected %s=%q, key not found", key, want)
	}
	if got != want {
		t.Fatalf("expected %s=%q, got %q", key, want, got)
	}
}

func expectAbsent(t *testing.T, s *Store, key string) {
	t.Helper()
	got, found, err := s.GetString(key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	if found {
		t.Fatalf("expected %s to be absent, got %q", key, got)
	}
}

func mustClose(t *testing.T, s *Store) {
	t.Helper()
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func crash(t *testing.T, env *faultfs.Env) {
	t.Helper()
	if err := env.DropUnsyncedData(); err != nil {
		t.Fatalf("drop unsynced data: %v", err)
	}
}

func TestStore_PutString_GetString(t *testing.T) {
	s := openStore(t, faultfs.NewMem(), Options{})
	defer mustClose(t, s)

	if err := s.PutString("key1", "value1"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	expectValue(t, s, "key1", "value1")
}

func TestStore_DeleteString(t *testing.T) {
	s := openStore(t, faultfs.NewMem(), Options{})
	defer mustClose(t, s)

	if err := s.PutString("key1", "value1"); err != nil {
		t.Fatalf("PutString failed: %v", err)
	}
	expectValue(t, s, "key1", "value1")

	if err := s.DeleteString("key1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	expectAbsent(t, s, "key1")
}

func TestStore_Overwrite(t *testing.T) {
	s := openStore(t, faultfs.NewMem(), Options{})
	defer mustClose(t, s)

	mustPut(t, s, "key1", "value1", WriteOptions{})
	mustPut(t, s, "key1", "value2", WriteOptions{})
	expectValue(t, s, "key1", "value2")
}

func TestStore_NonExistentKey(t *testing.T) {
	s := openStore(t, faultfs.NewMem(), Options{})
	defer mustClose(t, s)

	expectAbsent(t, s, "nonexistent")
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := openStore(t, faultfs.NewMem(), Options{})
	defer mustClose(t, s)

	mustPut(t, s, "k", "value", WriteOptions{})
	v, _, _ := s.Get([]byte("k"))
	v[0] = 'X'
	expectValue(t, s, "k", "value")
}

// Manual flush: only what was synced survives a crash.
func TestStore_ManualFlushCrash(t *testing.T) {
	env := faultfs.NewMem()
	s := openStore(t, env, Options{ManualWALFlush: true})

	mustPut(t, s, "k0-1", "a", WriteOptions{})
	if err := s.FlushWAL(true); err != nil {
		t.Fatalf("flush wal: %v", err)
	}
	expectValue(t, s, "k0-1", "a")

	mustPut(t, s, "k0-2", "b", WriteOptions{})
	expectValue(t, s, "k0-2", "b")
	mustClose(t, s)

	crash(t, env)

	s = openStore(t, env, Options{ManualWALFlush: true})
	defer mustClose(t, s)
	expectValue(t, s, "k0-1", "a")
	expectAbsent(t, s, "k0-2")
}

// Unlogged writes never touch the medium, so fail-on-write cannot break them,
// and they are gone after a reopen.
func TestStore_DisableWALWithFailOnWrite(t *testing.T) {
	env := faultfs.NewMem()
	s := openStore(t, env, Options{FailOnWrite: true, ManualWALFlush: true})

	if !env.FailOnWrite() {
		t.Fatalf("expected fail-on-write to be active")
	}
	keys := []string{"k1", "k2", "k3"}
	wo := WriteOptions{DisableWAL: true, Sync: false}
	for _, k := range keys {
		mustPut(t, s, k, "v-"+k, wo)
	}
	for _, k := range keys {
		expectValue(t, s, k, "v-"+k)
	}
	if s.Stats().UnloggedWrites != 3 || s.Stats().WALOffset != 0 {
		t.Fatalf("unexpected stats %+v", s.Stats())
	}
	mustClose(t, s)

	s = openStore(t, env, Options{ManualWALFlush: true})
	defer mustClose(t, s)
	for _, k := range keys {
		expectAbsent(t, s, k)
	}
}

func TestStore_DurabilityAfterSync(t *testing.T) {
	env := faultfs.NewMem()
	s := openStore(t, env, Options{ManualWALFlush: true})

	// W1..W4, sync after W4, then W5..W6
	mustPut(t, s, "a", "1", WriteOptions{})
	mustPut(t, s, "b", "1", WriteOptions{})
	mustPut(t, s, "a", "2", WriteOptions{})
	if err := s.Delete([]byte("b"), WriteOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.FlushWAL(true); err != nil {
		t.Fatalf("flush: %v", err)
	}
	mustPut(t, s, "a", "3", WriteOptions{})
	mustPut(t, s, "c", "1", WriteOptions{})
	mustPut(t, s, "b", "2", WriteOptions{})
	mustClose(t, s)

	crash(t, env)

	s = openStore(t, env, Options{ManualWALFlush: true})
	defer mustClose(t, s)
	expectValue(t, s, "a", "2")
	expectAbsent(t, s, "b")
	expectAbsent(t, s, "c")
}

func TestStore_AutoSyncSurvivesCrash(t *testing.T) {
	env := faultfs.NewMem()
	s := openStore(t, env, Options{})

	for i := 0; i < 20; i++ {
		mustPut(t, s, fmt.Sprintf("k%02d", i), fmt.Sprint(i), WriteOptions{})
	}
	if st := s.Stats(); st.WALDurableOffset != st.WALOffset {
		t.Fatalf("auto sync must keep the whole wal durable, %+v", st)
	}
	mustClose(t, s)
	crash(t, env)

	s = openStore(t, env, Options{})
	defer mustClose(t, s)
	for i := 0; i < 20; i++ {
		expectValue(t, s, fmt.Sprintf("k%02d", i), fmt.Sprint(i))
	}
}

func TestStore_SyncWriteOption(t *testing.T) {
	env := faultfs.NewMem()
	s := openStore(t, env, Options{ManualWALFlush: true})

	mustPut(t, s, "lazy", "1", WriteOptions{})
	mustPut(t, s, "eager", "1", WriteOptions{Sync: true})
	mustPut(t, s, "late", "1", WriteOptions{})
	mustClose(t, s)
	crash(t, env)

	s = openStore(t, env, Options{ManualWALFlush: true})
	defer mustClose(t, s)
	// syncing the eager write makes everything logged before it durable too
	expectValue(t, s, "lazy", "1")
	expectValue(t, s, "eager", "1")
	expectAbsent(t, s, "late")
}

func TestStore_ReopenWithoutCrashKeepsUnsyncedView(t *testing.T) {
	env := faultfs.NewMem()
	s := openStore(t, env, Options{ManualWALFlush: true})
	mustPut(t, s, "k", "v", WriteOptions{})
	mustPut(t, s, "gone", "v", WriteOptions{DisableWAL: true})
	mustClose(t, s)

	s = openStore(t, env, Options{ManualWALFlush: true})
	expectValue(t, s, "k", "v")
	expectAbsent(t, s, "gone")
	mustClose(t, s)

	// the unsynced record is still only in the volatile tier
	crash(t, env)
	s = openStore(t, env, Options{ManualWALFlush: true})
	defer mustClose(t, s)
	expectAbsent(t, s, "k")
}

func TestStore_ReplayIdempotent(t *testing.T) {
	env := faultfs.NewMem()
	s := openStore(t, env, Options{ManualWALFlush: true})
	for i := 0; i < 50; i++ {
		mustPut(t, s, fmt.Sprintf("k%d", i%7), fmt.Sprint(i), WriteOptions{})
		if i%10 == 0 {
			_ = s.Delete([]byte(fmt.Sprintf("k%d", i%5)), WriteOptions{})
		}
		if i == 30 {
			_ = s.FlushWAL(true)
		}
	}
	mustClose(t, s)
	crash(t, env)

	snapshot := func() []memtable.Item {
		s := openStore(t, env, Options{ManualWALFlush: true})
		defer mustClose(t, s)
		return s.mt.Sorted()
	}

	first, second := snapshot(), snapshot()
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("expected equal non-empty indexes, got %d and %d items", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if string(a.Key) != string(b.Key) || string(a.Value) != string(b.Value) || a.SeqN != b.SeqN || a.Kind != b.Kind {
			t.Fatalf("item %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestStore_FailedPutLeavesNoTrace(t *testing.T) {
	t.Run("FailOnWrite", func(t *testing.T) {
		env := faultfs.NewMem()
		s := openStore(t, env, Options{})
		mustPut(t, s, "ok", "1", WriteOptions{})

		env.SetFailOnWrite(true)
		err := s.Put([]byte("bad"), []byte("1"), WriteOptions{})
		if !errors.Is(err, dberrors.ErrWrite) || !errors.Is(err, dberrors.ErrIO) {
			t.Fatalf("expected write error, got %v", err)
		}
		expectAbsent(t, s, "bad")
		env.SetFailOnWrite(false)

		mustPut(t, s, "after", "1", WriteOptions{})
		mustClose(t, s)
		crash(t, env)

		s = openStore(t, env, Options{})
		defer mustClose(t, s)
		expectValue(t, s, "ok", "1")
		expectValue(t, s, "after", "1")
		expectAbsent(t, s, "bad")
	})

	t.Run("TornAppend", func(t *testing.T) {
		env := faultfs.NewMem()
		s := openStore(t, env, Options{})
		mustPut(t, s, "ok", "1", WriteOptions{})

		env.InjectTornWrite(6)
		if err := s.Put([]byte("torn"), []byte("value"), WriteOptions{}); !errors.Is(err, dberrors.ErrWrite) {
			t.Fatalf("expected write error, got %v", err)
		}
		expectAbsent(t, s, "torn")
		mustClose(t, s)
		crash(t, env)

		s = openStore(t, env, Options{})
		defer mustClose(t, s)
		expectValue(t, s, "ok", "1")
		expectAbsent(t, s, "torn")
	})
}

func TestStore_WriteBatchIsAtomic(t *testing.T) {
	env := faultfs.NewMem()
	s := openStore(t, env, Options{ManualWALFlush: true})

	synced := batch.New()
	synced.Put([]byte("a"), []byte("1"))
	synced.Put([]byte("b"), []byte("1"))
	synced.Delete([]byte("a"))
	if err := s.Write(synced, WriteOptions{Sync: true}); err != nil {
		t.Fatalf("write: %v", err)
	}

	lost := batch.New()
	lost.Put([]byte("c"), []byte("1"))
	lost.Put([]byte("d"), []byte("1"))
	if err := s.Write(lost, WriteOptions{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectValue(t, s, "d", "1")
	if s.Stats().Seq != 5 {
		t.Fatalf("expected one sequence per record, got %d", s.Stats().Seq)
	}
	mustClose(t, s)
	crash(t, env)

	s = openStore(t, env, Options{ManualWALFlush: true})
	defer mustClose(t, s)
	expectAbsent(t, s, "a")
	expectValue(t, s, "b", "1")
	expectAbsent(t, s, "c")
	expectAbsent(t, s, "d")

	bad := batch.New()
	bad.Put([]byte("e"), []byte("1"))
	bad.Put(nil, []byte("1"))
	if err := s.Write(bad, WriteOptions{}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	expectAbsent(t, s, "e")
}

func TestStore_InvalidArguments(t *testing.T) {
	s := openStore(t, faultfs.NewMem(), Options{MaxEntryBytes: 64})
	defer mustClose(t, s)

	if err := s.Put(nil, []byte("v"), WriteOptions{}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for empty key, got %v", err)
	}
	err := s.Put([]byte("k"), []byte(strings.Repeat("x", 100)), WriteOptions{})
	if !errors.Is(err, memtable.ErrTooLargeEntry) || !errors.Is(err, dberrors.ErrWrite) {
		t.Fatalf("expected ErrTooLargeEntry, got %v", err)
	}
	err = s.Put([]byte("k"), []byte("v"), WriteOptions{DisableWAL: true, Sync: true})
	if !errors.Is(err, dberrors.ErrInvalidArgument) || !errors.Is(err, ErrSyncWithoutWAL) {
		t.Fatalf("expected ErrSyncWithoutWAL, got %v", err)
	}
	if _, found, _ := s.Get([]byte("k")); found {
		t.Fatalf("rejected write reached the index")
	}
	if _, _, err := s.Get(nil); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument on get, got %v", err)
	}
	if s.Stats().WALOffset != 0 {
		t.Fatalf("rejected writes must not reach the wal")
	}
}

func TestStore_OpenOptions(t *testing.T) {
	t.Run("MissingPath", func(t *testing.T) {
		_, err := Open("nope", Options{Env: faultfs.NewMem()})
		if !errors.Is(err, dberrors.ErrOpen) || !errors.Is(err, ErrPathNotFound) {
			t.Fatalf("expected open error, got %v", err)
		}
	})

	t.Run("ErrorIfExists", func(t *testing.T) {
		env := faultfs.NewMem()
		mustClose(t, openStore(t, env, Options{}))

		_, err := Open(testPath, Options{Env: env, ErrorIfExists: true})
		if !errors.Is(err, dberrors.ErrOpen) || !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("expected already exists, got %v", err)
		}
	})

	t.Run("OneHandlePerPath", func(t *testing.T) {
		env := faultfs.NewMem()
		s := openStore(t, env, Options{})

		_, err := Open(testPath, Options{Env: env})
		if !errors.Is(err, dberrors.ErrOpen) || !errors.Is(err, faultfs.ErrLocked) {
			t.Fatalf("expected locked path, got %v", err)
		}

		mustClose(t, s)
		mustClose(t, openStore(t, env, Options{}))
	})

	t.Run("RealDisk", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "db")
		s, err := Open(dir, Options{CreateIfMissing: true})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		mustPut(t, s, "k", "v", WriteOptions{})
		mustClose(t, s)

		s, err = Open(dir, Options{})
		if err != nil {
			t.Fatalf("reopen: %v", err)
		}
		defer mustClose(t, s)
		expectValue(t, s, "k", "v")
	})
}

func TestStore_Closed(t *testing.T) {
	s := openStore(t, faultfs.NewMem(), Options{})
	mustClose(t, s)
	mustClose(t, s)

	if err := s.PutString("k", "v"); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed on put, got %v", err)
	}
	if _, _, err := s.GetString("k"); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed on get, got %v", err)
	}
	if err := s.FlushWAL(true); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("expected ErrClosed on flush, got %v", err)
	}
}

func TestStore_FlushFailure(t *testing.T) {
	env := faultfs.NewMem()
	s := openStore(t, env, Options{ManualWALFlush: true})
	defer mustClose(t, s)

	mustPut(t, s, "k", "v", WriteOptions{})
	env.SetFailOnWrite(true)
	err := s.FlushWAL(true)
	if !errors.Is(err, dberrors.ErrFlush) || !errors.Is(err, faultfs.ErrInjectedFault) {
		t.Fatalf("expected flush error, got %v", err)
	}
	if err := s.FlushWAL(false); err != nil {
		t.Fatalf("flush without sync does no io, got %v", err)
	}
	env.SetFailOnWrite(false)

	if err := s.FlushWAL(true); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if st := s.Stats(); st.DurableSeq != 1 {
		t.Fatalf("expected durable seq 1, got %+v", st)
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	env := faultfs.NewMem()
	s := openStore(t, env, Options{})

	const (
		writers = 8
		each    = 50
	)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				key := []byte(fmt.Sprintf("w%d-%d", w, i))
				if err := s.Put(key, key, WriteOptions{}); err != nil {
					t.Errorf("put: %v", err)
					return
				}
				if _, _, err := s.Get(key); err != nil {
					t.Errorf("get: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if st := s.Stats(); st.Seq != writers*each || st.Keys != writers*each {
		t.Fatalf("unexpected stats %+v", st)
	}
	mustClose(t, s)
	crash(t, env)

	s = openStore(t, env, Options{})
	defer mustClose(t, s)
	for w := 0; w < writers; w++ {
		for i := 0; i < each; i++ {
			key := fmt.Sprintf("w%d-%d", w, i)
			expectValue(t, s, key, key)
		}
	}
}

func TestStore_FailOnWriteBelongsToEnv(t *testing.T) {
	env := faultfs.NewMem()
	mustClose(t, openStore(t, env, Options{FailOnWrite: true}))

	s := openStore(t, env, Options{})
	defer mustClose(t, s)
	if !env.FailOnWrite() {
		t.Fatalf("reopen must not clear the env switch")
	}
	if err := s.Put([]byte("k"), []byte("v"), WriteOptions{}); !errors.Is(err, dberrors.ErrWrite) {
		t.Fatalf("expected logged write to fail, got %v", err)
	}

	env.SetFailOnWrite(false)
	mustPut(t, s, "k", "v", WriteOptions{})
	expectValue(t, s, "k", "v")
}
