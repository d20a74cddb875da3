package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsagent/pkg/logx"
)

func openTestStores(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	stores := map[string]func() Store{
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "agent.db")}, logx.Nop())
			require.NoError(t, err)
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "agent.db"), BusyTimeout: time.Second}, logx.Nop())
			require.NoError(t, err)
			return st
		},
	}
	if url := os.Getenv("JOBSAGENT_TEST_REDIS_URL"); url != "" {
		prefix := fmt.Sprintf("jobsagent-test-%d:", time.Now().UnixNano())
		stores["redis"] = func() Store {
			st, err := Open(Config{Driver: "redis", Path: url, KeyPrefix: prefix}, logx.Nop())
			require.NoError(t, err)
			return st
		}
	}
	return stores
}

func TestStoreRoundTripAndReopen(t *testing.T) {
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for name, open := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			st := open()
			require.NoError(t, st.PutPending(ctx, Entry{ID: "b", Endpoint: "admin-1", Payload: []byte(`[{"logId":2}]`), FailedAt: base.Add(time.Second)}))
			require.NoError(t, st.PutPending(ctx, Entry{ID: "a", Endpoint: "admin-1", Payload: []byte(`[{"logId":1}]`), FailedAt: base}))
			require.NoError(t, st.PutPending(ctx, Entry{ID: "c", Endpoint: "admin-2", Payload: []byte(`[]`), FailedAt: base.Add(2 * time.Second)}))

			// Upsert keeps one row and updates attempts.
			require.NoError(t, st.PutPending(ctx, Entry{ID: "b", Endpoint: "admin-1", Payload: []byte(`[{"logId":2}]`), Attempts: 2, LastError: "timeout", FailedAt: base.Add(time.Second)}))
			require.NoError(t, st.DeletePending(ctx, "c"))
			require.ErrorIs(t, st.DeletePending(ctx, "c"), ErrNotFound)
			require.NoError(t, st.Close())

			st = open()
			defer st.Close()
			got, err := st.ListPending(ctx, 0)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, "a", got[0].ID)
			assert.Equal(t, "b", got[1].ID)
			assert.Equal(t, 2, got[1].Attempts)
			assert.Equal(t, "timeout", got[1].LastError)
			assert.JSONEq(t, `[{"logId":2}]`, string(got[1].Payload))
			assert.True(t, got[0].FailedAt.Equal(base))

			first, err := st.ListPending(ctx, 1)
			require.NoError(t, err)
			require.Len(t, first, 1)
			assert.Equal(t, "a", first[0].ID)
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	require.Nil(t, st)

	_, err = Open(Config{Driver: "etcd"}, logx.Nop())
	require.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	require.Error(t, err)
}

func TestFileStoreSkipsTornJournalLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.db")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.PutPending(context.Background(), Entry{ID: "x", Endpoint: "e", Payload: []byte(`[]`), FailedAt: time.Now()}))
	require.NoError(t, st.Close())

	f, err := os.OpenFile(filepath.Join(dir, "agent.pending.journal.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"put","id":"y","entry":{"id":`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err := st.ListPending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].ID)
}
