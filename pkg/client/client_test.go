package client

import (
	"context"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bridgeservice "github.com/sushant-115/txbridge/api/bridge_service"
	"github.com/sushant-115/txbridge/core/bridge"
	"github.com/sushant-115/txbridge/core/cursor"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/engine"
	"github.com/sushant-115/txbridge/core/policy"
	"github.com/sushant-115/txbridge/core/query"
	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/core/schema"
	"github.com/sushant-115/txbridge/core/security/encryption/internaltls"
	"github.com/sushant-115/txbridge/core/storage_engine/boltstore"
	"github.com/sushant-115/txbridge/core/value"
	internaltelemetry "github.com/sushant-115/txbridge/internal/telemetry"
	"github.com/sushant-115/txbridge/pkg/connection"
	"github.com/sushant-115/txbridge/pkg/telemetry"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/test/bufconn"
)

// --- Test Helpers ---

var md = reqctx.Metadata{VersionID: "dev", Path: "/dev/items", RoutingPath: "/items"}

func startServer(t *testing.T) *Client {
	t.Helper()
	logger := zap.NewNop()
	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "client.db"), NoSync: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := schema.NewTypeSystem()
	require.NoError(t, ts.AddTypes(&schema.EntityType{Name: "Item", Fields: []schema.Field{
		{Name: "name", Type: schema.TypeString},
		{Name: "qty", Type: schema.TypeNumber},
	}}))
	ps, err := policy.NewSystem()
	require.NoError(t, err)
	exec, err := cursor.NewExecutor(4, logger)
	require.NoError(t, err)
	t.Cleanup(exec.Release)

	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: false, ServiceName: "txbridge"})
	require.NoError(t, err)
	t.Cleanup(func() { shutdown(context.Background()) })
	rpcMetrics, err := internaltelemetry.NewGrpcServerMetrics(tel.Meter)
	require.NoError(t, err)
	bridgeMetrics, err := internaltelemetry.NewBridgeMetrics(tel.Meter)
	require.NoError(t, err)

	svc := bridgeservice.NewBridgeServer(bridgeservice.Config{BackupDir: t.TempDir()},
		&bridge.Version{ID: "dev", Types: ts, Policies: ps},
		engine.New(store, logger), store, exec, bridge.Options{Metrics: bridgeMetrics}, logger)
	gs := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(internaltls.DevServerConfig())),
		grpc.ChainUnaryInterceptor(
			bridgeservice.TelemetryInterceptor(internaltelemetry.NewRPCRecorder(rpcMetrics, tel.Tracer, bridgeservice.ServiceName), logger),
			bridgeservice.RateLimitInterceptor(0, 0),
		),
	)
	bridgeservice.Register(gs, svc)

	lis := bufconn.Listen(1 << 20)
	go gs.Serve(lis)
	t.Cleanup(func() {
		gs.Stop()
		svc.Close()
	})

	pool := connection.NewConnectionPoolManager(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(credentials.NewTLS(internaltls.DevClientConfig())),
	)
	t.Cleanup(func() { pool.Close() })
	conn, err := pool.Get("passthrough:///bufnet")
	require.NoError(t, err)
	return New(conn, logger)
}

func name(t *testing.T, row *value.Map) string {
	t.Helper()
	v, ok := row.Get("name")
	require.True(t, ok)
	s, ok := v.AsString()
	require.True(t, ok)
	return s
}

func TestEndToEnd(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	s, err := c.OpenSession(ctx)
	require.NoError(t, err)

	require.NoError(t, s.Begin(ctx))
	require.ErrorIs(t, s.Begin(ctx), dberror.ErrAlreadyInProgress)
	for i, n := range []string{"bolt", "nut", "washer"} {
		ids, err := s.Store(ctx, "Item", map[string]any{"name": n, "qty": i + 1}, md)
		require.NoError(t, err)
		require.NotEmpty(t, ids["id"])
	}

	cur, err := s.Query(ctx, query.OpChain{
		query.BaseEntity("Item"),
		query.Filter(query.Binary(query.Field("qty"), query.OpGt, query.Lit(value.Number(1)))),
		query.SortBy(query.SortKey{FieldName: "name", Ascending: false}),
	}, md)
	require.NoError(t, err)
	require.ErrorIs(t, s.Commit(ctx), dberror.ErrOperationInProgress)
	rows, err := cur.All(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "washer", name(t, rows[0]))
	require.Equal(t, "nut", name(t, rows[1]))

	require.NoError(t, s.Delete(ctx, "Item", query.Binary(query.Field("name"), query.OpEq, query.Lit(value.String("nut"))), md))
	require.NoError(t, s.Commit(ctx))
	require.ErrorIs(t, s.Commit(ctx), dberror.ErrNoneInProgress)

	require.NoError(t, s.Begin(ctx))
	got, err := s.CrudQuery(ctx, query.CrudParams{TypeName: "Item", URLQuery: [][2]string{{"sort", "name"}}}, md)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "bolt", name(t, got[0]))
	require.NoError(t, s.CrudDelete(ctx, "Item", [][2]string{{".qty~gte", "3"}}, md))
	require.NoError(t, s.Rollback(ctx))
	require.NoError(t, s.Close(ctx))
}

func TestCursorClosedMidStream(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	s, err := c.OpenSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Begin(ctx))
	for _, n := range []string{"a", "b"} {
		_, err := s.Store(ctx, "Item", map[string]any{"name": n, "qty": 1}, md)
		require.NoError(t, err)
	}

	cur, err := s.Query(ctx, query.OpChain{query.BaseEntity("Item")}, md)
	require.NoError(t, err)
	row, ok, err := cur.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, row)

	require.NoError(t, cur.Close(ctx))
	require.ErrorIs(t, cur.Advance(ctx), dberror.ErrClosedResource)
	require.NoError(t, s.Commit(ctx))
}

func TestRemoteErrorKinds(t *testing.T) {
	c := startServer(t)
	ctx := context.Background()
	s, err := c.OpenSession(ctx)
	require.NoError(t, err)

	_, err = s.Store(ctx, "Item", map[string]any{"name": "x", "qty": 1}, md)
	require.ErrorIs(t, err, dberror.ErrNoneInProgress)

	require.NoError(t, s.Begin(ctx))
	_, err = s.Store(ctx, "AuthUser", map[string]any{"name": "eve"}, md)
	require.ErrorIs(t, err, dberror.ErrPermissionDenied)
	_, err = s.Store(ctx, "Item", map[string]any{"name": "x"}, md)
	require.ErrorIs(t, err, dberror.ErrConversion)
	_, err = s.Store(ctx, "Nope", map[string]any{}, md)
	require.ErrorIs(t, err, dberror.ErrTypeNotFound)

	require.NoError(t, s.Close(ctx))
	require.ErrorIs(t, s.Begin(ctx), dberror.ErrSessionNotFound)

	res, err := c.Backup(ctx, "snap.db")
	require.NoError(t, err)
	require.Positive(t, res.Bytes)
}
