package bridge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/txbridge/core/cursor"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/engine"
	"github.com/sushant-115/txbridge/core/policy"
	"github.com/sushant-115/txbridge/core/query"
	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/core/schema"
	"github.com/sushant-115/txbridge/core/storage_engine/boltstore"
	"github.com/sushant-115/txbridge/core/transaction"
	"github.com/sushant-115/txbridge/core/value"
	internaltelemetry "github.com/sushant-115/txbridge/internal/telemetry"
	"go.uber.org/zap"
)

// --- Test Helpers ---

const testSecret = "worker-test-secret"

var (
	publicMD = reqctx.Metadata{VersionID: "dev", Path: "/dev/posts", RoutingPath: "/posts"}
	authMD   = reqctx.Metadata{VersionID: reqctx.InternalVersionID, Path: "/__txbridge/auth/callback", RoutingPath: "/auth/callback"}
)

// gatedEngine wraps the real engine so tests can hold a store open or make
// cursor pulls wait.
type gatedEngine struct {
	*engine.QueryEngine
	storeGate    chan struct{}
	storeEntered chan struct{}
	blockPulls   bool
}

func (g *gatedEngine) AddRow(ctx context.Context, lease *transaction.Lease, rctx *reqctx.Context, ty *schema.EntityType, row *value.Map) (*engine.IDTree, error) {
	if g.storeGate != nil {
		g.storeEntered <- struct{}{}
		<-g.storeGate
	}
	return g.QueryEngine.AddRow(ctx, lease, rctx, ty, row)
}

func (g *gatedEngine) Query(lease *transaction.Lease, plan *query.QueryPlan) (cursor.Sequence, error) {
	seq, err := g.QueryEngine.Query(lease, plan)
	if err != nil || !g.blockPulls {
		return seq, err
	}
	return &stalledSeq{inner: seq}, nil
}

// stalledSeq never produces a row; Next waits for cancellation.
type stalledSeq struct {
	inner cursor.Sequence
}

func (s *stalledSeq) Next(ctx context.Context) (*value.Map, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stalledSeq) Close() error { return s.inner.Close() }

func newTestWorker(t *testing.T) (*Worker, *gatedEngine) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "bridge.db"), NoSync: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := schema.NewTypeSystem()
	require.NoError(t, ts.AddTypes(&schema.EntityType{Name: "Post", Fields: []schema.Field{
		{Name: "title", Type: schema.TypeString},
		{Name: "rank", Type: schema.TypeNumber, Optional: true},
		{Name: "owner", Type: schema.TypeString, Optional: true},
	}}))
	ps, err := policy.NewSystem()
	require.NoError(t, err)
	require.NoError(t, ps.Add(policy.TypePolicy{
		Type:  "Post",
		Write: `!("owner" in row) || (ctx.user_id != null && row.owner == ctx.user_id)`,
	}))

	exec, err := cursor.NewExecutor(8, logger)
	require.NoError(t, err)
	t.Cleanup(exec.Release)
	metrics, err := internaltelemetry.NewBridgeMetrics(nil)
	require.NoError(t, err)

	eng := &gatedEngine{QueryEngine: engine.New(store, logger)}
	w := NewWorker(&Version{ID: "dev", Types: ts, Policies: ps}, eng, exec, Options{
		Identity: reqctx.NewTokenVerifier(testSecret),
		Metrics:  metrics,
	}, logger)
	t.Cleanup(w.Close)
	return w, eng
}

func post(title string, rank int) map[string]any {
	return map[string]any{"title": title, "rank": rank}
}

func titleOf(t *testing.T, host any) string {
	t.Helper()
	m, ok := host.(map[string]any)
	require.True(t, ok, "row is %T", host)
	s, ok := m["title"].(string)
	require.True(t, ok)
	return s
}

// drain advances and takes until the cursor is empty.
func drain(t *testing.T, w *Worker, id cursor.ResourceID) []any {
	t.Helper()
	var out []any
	for {
		require.NoError(t, w.AdvanceCursor(context.Background(), id))
		v, ok, err := w.TakeCursorValue(id)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestBeginTwiceKeepsFirstTransaction(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()

	require.NoError(t, w.BeginTransaction(ctx))
	_, err := w.Store(ctx, "Post", post("kept", 1), publicMD)
	require.NoError(t, err)

	require.ErrorIs(t, w.BeginTransaction(ctx), dberror.ErrAlreadyInProgress)
	require.True(t, w.InTransaction())

	// The first transaction is intact and still sees its write.
	res, err := w.CrudQuery(ctx, query.CrudParams{TypeName: "Post"}, publicMD)
	require.NoError(t, err)
	require.Len(t, res["results"], 1)
	require.NoError(t, w.CommitTransaction(ctx))
}

func TestNoTransaction(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()

	require.ErrorIs(t, w.CommitTransaction(ctx), dberror.ErrNoneInProgress)
	require.ErrorIs(t, w.RollbackTransaction(ctx), dberror.ErrNoneInProgress)

	_, err := w.Store(ctx, "Post", post("x", 1), publicMD)
	require.ErrorIs(t, err, dberror.ErrNoneInProgress)
	require.ErrorIs(t, w.Delete(ctx, "Post", nil, publicMD), dberror.ErrNoneInProgress)
	_, err = w.Query(ctx, query.OpChain{query.BaseEntity("Post")}, publicMD)
	require.ErrorIs(t, err, dberror.ErrNoneInProgress)
}

func TestCommitWhileStoreSuspended(t *testing.T) {
	w, eng := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, w.BeginTransaction(ctx))

	eng.storeGate = make(chan struct{})
	eng.storeEntered = make(chan struct{})
	stored := make(chan error, 1)
	go func() {
		_, err := w.Store(ctx, "Post", post("in flight", 1), publicMD)
		stored <- err
	}()
	<-eng.storeEntered

	require.ErrorIs(t, w.CommitTransaction(ctx), dberror.ErrOperationInProgress)
	require.ErrorIs(t, w.RollbackTransaction(ctx), dberror.ErrOperationInProgress)
	require.True(t, w.InTransaction(), "refused commit keeps the transaction")

	close(eng.storeGate)
	require.NoError(t, <-stored)
	eng.storeGate = nil

	require.NoError(t, w.CommitTransaction(ctx))
	require.False(t, w.InTransaction())

	require.NoError(t, w.BeginTransaction(ctx))
	res, err := w.CrudQuery(ctx, query.CrudParams{TypeName: "Post"}, publicMD)
	require.NoError(t, err)
	results := res["results"].([]any)
	require.Len(t, results, 1)
	require.Equal(t, "in flight", titleOf(t, results[0]))
}

func TestStoreIntoAuthType(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, w.BeginTransaction(ctx))

	user := map[string]any{"name": "Ada", "email": "ada@example.com"}
	_, err := w.Store(ctx, "AuthUser", user, publicMD)
	require.ErrorIs(t, err, dberror.ErrPermissionDenied)

	tree, err := w.Store(ctx, "AuthUser", user, authMD)
	require.NoError(t, err)
	require.NotEmpty(t, tree.ID)

	id, err := w.Query(ctx, query.OpChain{query.BaseEntity("AuthUser")}, authMD)
	require.NoError(t, err)
	rows := drain(t, w, id)
	require.Len(t, rows, 1)
	row := rows[0].(map[string]any)
	require.Equal(t, "Ada", row["name"])
	require.Equal(t, tree.ID, row["id"])
}

func TestCursorDeliversRowsInOrder(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, w.BeginTransaction(ctx))
	for i, title := range []string{"C", "A", "B"} {
		_, err := w.Store(ctx, "Post", post(title, i), publicMD)
		require.NoError(t, err)
	}

	id, err := w.Query(ctx, query.OpChain{
		query.BaseEntity("Post"),
		query.SortBy(query.SortKey{FieldName: "title", Ascending: true}),
	}, publicMD)
	require.NoError(t, err)

	for _, want := range []string{"A", "B", "C"} {
		require.NoError(t, w.AdvanceCursor(ctx, id))
		v, ok, err := w.TakeCursorValue(id)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, want, titleOf(t, v))
	}
	require.NoError(t, w.AdvanceCursor(ctx, id))
	_, ok, err := w.TakeCursorValue(id)
	require.NoError(t, err)
	require.False(t, ok)

	// The exhausted cursor no longer holds the transaction.
	require.NoError(t, w.CommitTransaction(ctx))
	require.NoError(t, w.CloseCursor(ctx, id))
}

func TestOpenCursorBlocksCommit(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, w.BeginTransaction(ctx))
	_, err := w.Store(ctx, "Post", post("A", 1), publicMD)
	require.NoError(t, err)

	id, err := w.Query(ctx, query.OpChain{query.BaseEntity("Post")}, publicMD)
	require.NoError(t, err)
	require.ErrorIs(t, w.CommitTransaction(ctx), dberror.ErrOperationInProgress)

	require.NoError(t, w.CloseCursor(ctx, id))
	require.NoError(t, w.CommitTransaction(ctx))
}

func TestCloseCursorMidStream(t *testing.T) {
	w, eng := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, w.BeginTransaction(ctx))
	_, err := w.Store(ctx, "Post", post("A", 1), publicMD)
	require.NoError(t, err)

	eng.blockPulls = true
	id, err := w.Query(ctx, query.OpChain{query.BaseEntity("Post")}, publicMD)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- w.AdvanceCursor(ctx, id) }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.CloseCursor(ctx, id))

	select {
	case err := <-errc:
		require.ErrorIs(t, err, dberror.ErrClosedResource)
	case <-time.After(2 * time.Second):
		t.Fatal("advance did not resolve after close")
	}
	require.ErrorIs(t, w.AdvanceCursor(ctx, id), dberror.ErrClosedResource)
	_, _, err = w.TakeCursorValue(id)
	require.ErrorIs(t, err, dberror.ErrClosedResource)

	// The closed stream gives its lease back.
	require.Eventually(t, func() bool { return w.CommitTransaction(ctx) == nil }, time.Second, 10*time.Millisecond)
}

func TestDeleteAndCrud(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, w.BeginTransaction(ctx))
	for i, title := range []string{"a", "b", "c", "d"} {
		_, err := w.Store(ctx, "Post", post(title, i+1), publicMD)
		require.NoError(t, err)
	}

	require.NoError(t, w.Delete(ctx, "Post", query.Binary(query.Field("rank"), query.OpEq, query.Lit(value.Number(1))), publicMD))
	require.NoError(t, w.CrudDelete(ctx, "Post", [][2]string{{".title", "d"}}, publicMD))

	res, err := w.CrudQuery(ctx, query.CrudParams{
		TypeName: "Post",
		URLQuery: [][2]string{{"sort", "-rank"}, {"limit", "1"}},
	}, publicMD)
	require.NoError(t, err)
	results := res["results"].([]any)
	require.Len(t, results, 1)
	require.Equal(t, "c", titleOf(t, results[0]))

	err = w.Delete(ctx, "Post", query.Binary(query.Field("missing"), query.OpEq, query.Lit(value.Null())), publicMD)
	require.ErrorIs(t, err, dberror.ErrInvalidQuery)
}

func TestStoreRejectsUnsupportedValues(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, w.BeginTransaction(ctx))

	_, err := w.Store(ctx, "Post", struct{ Title string }{"x"}, publicMD)
	require.ErrorIs(t, err, dberror.ErrConversion)
	_, err = w.Store(ctx, "Post", "just a string", publicMD)
	require.ErrorIs(t, err, dberror.ErrConversion)
	_, err = w.Store(ctx, "Ghost", post("x", 1), publicMD)
	require.ErrorIs(t, err, dberror.ErrTypeNotFound)
}

func TestIdentityFeedsPolicy(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, w.BeginTransaction(ctx))

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u-1"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	md := publicMD
	md.Headers = [][2]string{{"Authorization", "Bearer " + tok}}

	owned := map[string]any{"title": "mine", "owner": "u-1"}
	_, err = w.Store(ctx, "Post", owned, md)
	require.NoError(t, err)

	_, err = w.Store(ctx, "Post", owned, publicMD)
	require.ErrorIs(t, err, dberror.ErrPermissionDenied)

	md.Headers = [][2]string{{"Authorization", "Bearer forged"}}
	_, err = w.Store(ctx, "Post", post("x", 1), md)
	require.ErrorIs(t, err, dberror.ErrPermissionDenied)
}

func TestClaimedUserNeedsMatchingToken(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, w.BeginTransaction(ctx))

	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	bob := "bob"
	owned := map[string]any{"title": "bob's", "owner": "bob"}

	md := publicMD
	md.UserID = &bob
	md.Headers = [][2]string{{"Authorization", "Bearer " + tok}}
	_, err = w.Store(ctx, "Post", owned, md)
	require.ErrorIs(t, err, dberror.ErrPermissionDenied)

	md.Headers = nil
	_, err = w.Store(ctx, "Post", owned, md)
	require.ErrorIs(t, err, dberror.ErrPermissionDenied)

	id, err := w.Query(ctx, query.OpChain{query.BaseEntity("Post")}, publicMD)
	require.NoError(t, err)
	require.Empty(t, drain(t, w, id))
}

func TestCloseRollsBack(t *testing.T) {
	w, _ := newTestWorker(t)
	ctx := context.Background()
	require.NoError(t, w.BeginTransaction(ctx))
	_, err := w.Store(ctx, "Post", post("lost", 1), publicMD)
	require.NoError(t, err)
	_, err = w.Query(ctx, query.OpChain{query.BaseEntity("Post")}, publicMD)
	require.NoError(t, err)

	w.Close()
	require.Zero(t, w.Cursors())
	require.False(t, w.InTransaction())
}
