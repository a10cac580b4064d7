package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	bridgeservice "github.com/sushant-115/txbridge/api/bridge_service"
	"github.com/sushant-115/txbridge/core/bridge"
	"github.com/sushant-115/txbridge/core/cursor"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/engine"
	"github.com/sushant-115/txbridge/core/policy"
	"github.com/sushant-115/txbridge/core/schema"
	"github.com/sushant-115/txbridge/core/storage_engine/boltstore"
	"github.com/sushant-115/txbridge/pkg/client"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// --- Test Helpers ---

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	logger := zap.NewNop()
	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "cli.db"), NoSync: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := schema.NewTypeSystem()
	require.NoError(t, ts.AddTypes(&schema.EntityType{Name: "Item", Fields: []schema.Field{
		{Name: "name", Type: schema.TypeString},
		{Name: "qty", Type: schema.TypeNumber},
	}}))
	ps, err := policy.NewSystem()
	require.NoError(t, err)
	exec, err := cursor.NewExecutor(2, logger)
	require.NoError(t, err)
	t.Cleanup(exec.Release)

	svc := bridgeservice.NewBridgeServer(bridgeservice.Config{BackupDir: t.TempDir()},
		&bridge.Version{ID: "dev", Types: ts, Policies: ps},
		engine.New(store, logger), store, exec, bridge.Options{}, logger)
	gs := grpc.NewServer()
	bridgeservice.Register(gs, svc)
	lis := bufconn.Listen(1 << 20)
	go gs.Serve(lis)
	t.Cleanup(func() {
		gs.Stop()
		svc.Close()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var out bytes.Buffer
	sh := newShell(client.New(conn, logger), "dev", &out)
	t.Cleanup(func() { sh.Close(context.Background()) })
	return sh, &out
}

func execLine(t *testing.T, sh *shell, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	require.NoError(t, sh.exec(context.Background(), line), line)
	return out.String()
}

func TestShellSession(t *testing.T) {
	sh, out := newTestShell(t)

	require.Equal(t, "OK\n", execLine(t, sh, out, "begin"))
	require.Contains(t, execLine(t, sh, out, `store Item {"name": "bolt", "qty": 3}`), `"id"`)
	execLine(t, sh, out, `store Item {"name": "nut", "qty": 1}`)
	execLine(t, sh, out, `store Item {"name": "washer", "qty": 2}`)

	got := execLine(t, sh, out, `query [{"type": "BaseEntity", "name": "Item"}, {"type": "SortBy", "keys": [{"fieldName": "name", "ascending": true}]}]`)
	lines := strings.Split(strings.TrimSpace(got), "\n")
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], "bolt")
	require.Equal(t, "(3 rows)", lines[3])

	got = execLine(t, sh, out, "find Item .qty~gte=2&sort=-name")
	require.Contains(t, got, "(2 rows)")
	require.Less(t, strings.Index(got, "washer"), strings.Index(got, "bolt"))

	require.Equal(t, "cursor 1\n", execLine(t, sh, out, `open [{"type": "BaseEntity", "name": "Item"}]`))
	require.ErrorIs(t, sh.exec(context.Background(), "commit"), dberror.ErrOperationInProgress)
	require.Len(t, strings.Split(strings.TrimSpace(execLine(t, sh, out, "next 1 2")), "\n"), 2)
	require.Equal(t, "OK\n", execLine(t, sh, out, "close 1"))

	require.Equal(t, "OK\n", execLine(t, sh, out, "delete Item .name=nut"))
	require.Equal(t, "OK\n", execLine(t, sh, out, "commit"))

	execLine(t, sh, out, "begin")
	require.Equal(t, "cursor 2\n", execLine(t, sh, out, `open [{"type": "BaseEntity", "name": "Item"}]`))
	require.Contains(t, execLine(t, sh, out, "next 2 5"), "cursor 2 exhausted")
	require.Equal(t, "OK\n", execLine(t, sh, out, "rollback"))

	require.Contains(t, execLine(t, sh, out, "backup shell.db"), "sha256=")
}

func TestShellErrors(t *testing.T) {
	sh, out := newTestShell(t)
	ctx := context.Background()

	require.ErrorIs(t, sh.exec(ctx, "commit"), dberror.ErrNoneInProgress)
	require.ErrorContains(t, sh.exec(ctx, "frobnicate"), "unknown command")
	require.ErrorContains(t, sh.exec(ctx, "store Item"), "requires a type")
	require.ErrorContains(t, sh.exec(ctx, "store Item {nope"), "invalid json")
	require.ErrorContains(t, sh.exec(ctx, "query nope"), "invalid operation chain")
	require.ErrorContains(t, sh.exec(ctx, "next 9"), "no cursor 9")
	require.ErrorIs(t, sh.exec(ctx, "exit"), errExit)

	execLine(t, sh, out, "begin")
	require.ErrorIs(t, sh.exec(ctx, "find Item .bogus=1"), dberror.ErrInvalidQuery)
	require.NoError(t, sh.exec(ctx, "route /auth/callback"))
	require.ErrorIs(t, sh.exec(ctx, `store AuthUser {"name": "eve"}`), dberror.ErrPermissionDenied)
	require.Contains(t, execLine(t, sh, out, "help"), "begin | commit | rollback")
}

func TestParseURLQueryKeepsOrder(t *testing.T) {
	pairs, err := parseURLQuery("sort=+name&.qty~lt=5&limit=2")
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"sort", "+name"}, {".qty~lt", "5"}, {"limit", "2"}}, pairs)

	_, err = parseURLQuery("a=%zz")
	require.Error(t, err)
}
