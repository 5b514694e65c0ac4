// Package storagetest provides a conformance suite that every
// backend.Storage implementation, local or proxied, is expected to pass.
package storagetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/stowage/internal/backend"
	"github.com/seantiz/stowage/internal/model"
)

// Options describes the engine under test.
type Options struct {
	// Attachments reports whether the engine stores binary attachments.
	Attachments bool
}

// Opener returns a fresh, empty storage handle. The suite closes it.
type Opener func(t *testing.T) backend.Storage

// Run executes the conformance suite, opening a new handle per subtest.
func Run(t *testing.T, open Opener, opts Options) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, s backend.Storage)
	}{
		{"PutGet", testPutGet},
		{"PutBumpsRevision", testPutBumpsRevision},
		{"PutEmptyID", testPutEmptyID},
		{"GetMissing", testGetMissing},
		{"Delete", testDelete},
		{"BulkPut", testBulkPut},
		{"Query", testQuery},
		{"ConcurrentPuts", testConcurrentPuts},
	}
	if opts.Attachments {
		cases = append(cases, struct {
			name string
			fn   func(t *testing.T, s backend.Storage)
		}{"Attachments", testAttachments})
	} else {
		cases = append(cases, struct {
			name string
			fn   func(t *testing.T, s backend.Storage)
		}{"AttachmentsUnsupported", testAttachmentsUnsupported})
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() {
				require.NoError(t, s.Close())
			})
			tc.fn(t, s)
		})
	}
}

func doc(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func testPutGet(t *testing.T, s backend.Storage) {
	ctx := t.Context()

	put, err := s.Put(ctx, model.Record{ID: "user-1", Data: doc(map[string]string{"name": "ada"})})
	require.NoError(t, err)
	require.Equal(t, "user-1", put.ID)
	require.Equal(t, int64(1), put.Rev)
	require.False(t, put.UpdatedAt.IsZero(), "UpdatedAt should be set")

	got, err := s.Get(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, put.Rev, got.Rev)
	require.JSONEq(t, `{"name":"ada"}`, string(got.Data))
	require.True(t, put.UpdatedAt.Equal(got.UpdatedAt), "UpdatedAt = %v, want %v", got.UpdatedAt, put.UpdatedAt)
}

func testPutBumpsRevision(t *testing.T, s backend.Storage) {
	ctx := t.Context()

	for want := int64(1); want <= 3; want++ {
		rec, err := s.Put(ctx, model.Record{ID: "counter", Data: doc(map[string]int64{"n": want})})
		require.NoError(t, err)
		require.Equal(t, want, rec.Rev)
	}

	got, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Rev)
	require.JSONEq(t, `{"n":3}`, string(got.Data))
}

func testPutEmptyID(t *testing.T, s backend.Storage) {
	_, err := s.Put(t.Context(), model.Record{Data: doc(1)})
	require.ErrorIs(t, err, backend.ErrInvalidRecord)
}

func testGetMissing(t *testing.T, s backend.Storage) {
	_, err := s.Get(t.Context(), "missing")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func testDelete(t *testing.T, s backend.Storage) {
	ctx := t.Context()

	_, err := s.Put(ctx, model.Record{ID: "doomed", Data: doc(true)})
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, "doomed"))

	_, err = s.Get(ctx, "doomed")
	require.ErrorIs(t, err, backend.ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "doomed"), backend.ErrNotFound)

	// A deleted id starts over.
	rec, err := s.Put(ctx, model.Record{ID: "doomed", Data: doc(false)})
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Rev)
}

func testBulkPut(t *testing.T, s backend.Storage) {
	ctx := t.Context()

	_, err := s.Put(ctx, model.Record{ID: "b", Data: doc("old")})
	require.NoError(t, err)

	out, err := s.BulkPut(ctx, []model.Record{
		{ID: "a", Data: doc("a")},
		{ID: "b", Data: doc("b")},
		{ID: "c", Data: doc("c")},
	})
	require.NoError(t, err)
	require.Len(t, out, 3)

	revs := map[string]int64{}
	for _, rec := range out {
		revs[rec.ID] = rec.Rev
	}
	require.Equal(t, map[string]int64{"a": 1, "b": 2, "c": 1}, revs)

	got, err := s.Get(ctx, "b")
	require.NoError(t, err)
	require.JSONEq(t, `"b"`, string(got.Data))
}

func testQuery(t *testing.T, s backend.Storage) {
	ctx := t.Context()

	for _, id := range []string{"order-3", "user-2", "order-1", "order-2", "user-1"} {
		_, err := s.Put(ctx, model.Record{ID: id, Data: doc(id)})
		require.NoError(t, err)
	}

	tests := []struct {
		name  string
		query model.Query
		want  []string
	}{
		{"all", model.Query{}, []string{"order-1", "order-2", "order-3", "user-1", "user-2"}},
		{"prefix", model.Query{Prefix: "order-"}, []string{"order-1", "order-2", "order-3"}},
		{"limit", model.Query{Prefix: "order-", Limit: 2}, []string{"order-1", "order-2"}},
		{"no match", model.Query{Prefix: "team-"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := s.Query(ctx, tt.query)
			require.NoError(t, err)
			var ids []string
			for _, rec := range recs {
				ids = append(ids, rec.ID)
			}
			require.Equal(t, tt.want, ids)
		})
	}
}

func testConcurrentPuts(t *testing.T, s backend.Storage) {
	const writers = 8
	const perWriter = 5

	g, ctx := errgroup.WithContext(t.Context())
	var mu sync.Mutex
	seen := map[int64]bool{}

	for w := range writers {
		g.Go(func() error {
			for i := range perWriter {
				if _, err := s.Put(ctx, model.Record{ID: fmt.Sprintf("w%d-%d", w, i), Data: doc(i)}); err != nil {
					return err
				}
				rec, err := s.Put(ctx, model.Record{ID: "shared", Data: doc(w)})
				if err != nil {
					return err
				}
				mu.Lock()
				seen[rec.Rev] = true
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	recs, err := s.Query(context.Background(), model.Query{Prefix: "w"})
	require.NoError(t, err)
	require.Len(t, recs, writers*perWriter)

	shared, err := s.Get(context.Background(), "shared")
	require.NoError(t, err)
	require.Equal(t, int64(writers*perWriter), shared.Rev)
	require.Len(t, seen, writers*perWriter, "every shared put should observe a distinct revision")
}

func testAttachments(t *testing.T, s backend.Storage) {
	ctx := t.Context()

	err := s.PutAttachment(ctx, "nobody", "avatar.png", []byte{1})
	require.ErrorIs(t, err, backend.ErrNotFound)

	_, err = s.Put(ctx, model.Record{ID: "owner", Data: doc("x")})
	require.NoError(t, err)

	blob := []byte{0x89, 'P', 'N', 'G', 0x00, 0xff}
	require.NoError(t, s.PutAttachment(ctx, "owner", "avatar.png", blob))

	got, err := s.GetAttachment(ctx, "owner", "avatar.png")
	require.NoError(t, err)
	require.Equal(t, blob, got)

	_, err = s.GetAttachment(ctx, "owner", "missing.png")
	require.ErrorIs(t, err, backend.ErrNotFound)

	require.NoError(t, s.Delete(ctx, "owner"))
	_, err = s.GetAttachment(ctx, "owner", "avatar.png")
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func testAttachmentsUnsupported(t *testing.T, s backend.Storage) {
	ctx := t.Context()

	_, err := s.Put(ctx, model.Record{ID: "owner", Data: doc("x")})
	require.NoError(t, err)

	require.ErrorIs(t, s.PutAttachment(ctx, "owner", "a.bin", []byte{1}), backend.ErrUnsupported)
	_, err = s.GetAttachment(ctx, "owner", "a.bin")
	require.ErrorIs(t, err, backend.ErrUnsupported)
}
