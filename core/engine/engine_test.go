package engine

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/policy"
	"github.com/sushant-115/txbridge/core/query"
	"github.com/sushant-115/txbridge/core/reqctx"
	"github.com/sushant-115/txbridge/core/schema"
	"github.com/sushant-115/txbridge/core/storage_engine/boltstore"
	"github.com/sushant-115/txbridge/core/transaction"
	"github.com/sushant-115/txbridge/core/value"
	"go.uber.org/zap"
)

// --- Test Helpers ---

type fixture struct {
	engine *QueryEngine
	txns   *transaction.Manager
	rctx   *reqctx.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	store, err := boltstore.Open(boltstore.Options{Path: filepath.Join(t.TempDir(), "engine.db"), NoSync: true}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ts := schema.NewTypeSystem()
	require.NoError(t, ts.AddTypes(
		&schema.EntityType{Name: "Company", Fields: []schema.Field{
			{Name: "title", Type: schema.TypeString},
		}},
		&schema.EntityType{Name: "Person", Fields: []schema.Field{
			{Name: "name", Type: schema.TypeString},
			{Name: "age", Type: schema.TypeNumber},
			{Name: "secret", Type: schema.TypeString, Optional: true},
			{Name: "company", Type: "Company", Optional: true},
		}},
	))
	ps, err := policy.NewSystem()
	require.NoError(t, err)
	require.NoError(t, ps.Add(policy.TypePolicy{
		Type:  "Person",
		Read:  `row.name != "hidden"`,
		Write: `!("locked" in row) || row.locked == false`,
		Omit:  []string{"secret"},
	}))

	e := New(store, logger)
	m := transaction.NewManager(e, logger)
	t.Cleanup(m.Close)
	rctx := reqctx.New(ps, ts, reqctx.Metadata{VersionID: "dev", Path: "/dev/people", RoutingPath: "/people"})
	return &fixture{engine: e, txns: m, rctx: rctx}
}

func (f *fixture) add(t *testing.T, typeName string, row *value.Map) *IDTree {
	t.Helper()
	ty, err := f.rctx.Types.LookupType(typeName)
	require.NoError(t, err)
	tree, err := transaction.WithTransaction(context.Background(), f.txns, func(ctx context.Context, lease *transaction.Lease) (*IDTree, error) {
		return f.engine.AddRow(ctx, lease, f.rctx, ty, row)
	})
	require.NoError(t, err)
	return tree
}

func (f *fixture) run(t *testing.T, chain query.OpChain) []*value.Map {
	t.Helper()
	plan, err := query.BuildQueryPlan(f.rctx, chain)
	require.NoError(t, err)
	rows, err := transaction.WithTransaction(context.Background(), f.txns, func(ctx context.Context, lease *transaction.Lease) ([]*value.Map, error) {
		return f.engine.RunQuery(ctx, lease, plan)
	})
	require.NoError(t, err)
	return rows
}

func str(t *testing.T, row *value.Map, field string) string {
	t.Helper()
	v, ok := row.Get(field)
	require.True(t, ok, "missing %s in %s", field, row)
	s, ok := v.AsString()
	require.True(t, ok)
	return s
}

func person(name string, age float64) *value.Map {
	return value.MapOf("name", value.String(name), "age", value.Number(age))
}

func TestAddRowWithNestedEntity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.txns.Begin(ctx))

	row := person("ada", 36)
	row.Set("company", value.FromMap(value.MapOf("title", value.String("Analytical Engines"))))
	tree := f.add(t, "Person", row)
	require.NotEmpty(t, tree.ID)
	require.Contains(t, tree.Fields, "company")
	host := tree.ToHost()
	require.Equal(t, tree.ID, host["id"])

	rows := f.run(t, query.OpChain{query.BaseEntity("Person")})
	require.Len(t, rows, 1)
	require.Equal(t, tree.ID, str(t, rows[0], "id"))
	company, _ := rows[0].Get("company")
	cm, err := company.AsMap()
	require.NoError(t, err, "nested entity is hydrated")
	require.Equal(t, "Analytical Engines", str(t, cm, "title"))
	require.Equal(t, tree.Fields["company"].ID, str(t, cm, "id"))

	require.NoError(t, f.txns.Commit(ctx))
}

func TestAddRowReplacesById(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.txns.Begin(context.Background()))

	first := f.add(t, "Person", person("ada", 36))
	again := person("ada", 37)
	again.Set("id", value.String(first.ID))
	second := f.add(t, "Person", again)
	require.Equal(t, first.ID, second.ID)

	rows := f.run(t, query.OpChain{query.BaseEntity("Person")})
	require.Len(t, rows, 1)
	age, _ := rows[0].Get("age")
	require.Equal(t, value.Number(37), age)
}

func TestAddRowRejections(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.txns.Begin(context.Background()))
	ty, err := f.rctx.Types.LookupType("Person")
	require.NoError(t, err)
	addRow := func(row *value.Map) error {
		_, err := transaction.WithTransaction(context.Background(), f.txns, func(ctx context.Context, lease *transaction.Lease) (*IDTree, error) {
			return f.engine.AddRow(ctx, lease, f.rctx, ty, row)
		})
		return err
	}

	require.ErrorIs(t, addRow(value.MapOf("name", value.String("no age"))), dberror.ErrConversion)
	require.ErrorIs(t, addRow(value.MapOf("name", value.Number(1), "age", value.Number(1))), dberror.ErrConversion)

	authUser, err := f.rctx.Types.LookupType("AuthUser")
	require.NoError(t, err)
	_, err = transaction.WithTransaction(context.Background(), f.txns, func(ctx context.Context, lease *transaction.Lease) (*IDTree, error) {
		return f.engine.AddRow(ctx, lease, f.rctx, authUser, value.MapOf("name", value.String("eve")))
	})
	require.ErrorIs(t, err, dberror.ErrPermissionDenied)
}

func TestRejectedParentWritesNoNestedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.txns.Begin(ctx))
	ty, err := f.rctx.Types.LookupType("Person")
	require.NoError(t, err)
	addRow := func(row *value.Map) error {
		_, err := transaction.WithTransaction(ctx, f.txns, func(ctx context.Context, lease *transaction.Lease) (*IDTree, error) {
			return f.engine.AddRow(ctx, lease, f.rctx, ty, row)
		})
		return err
	}

	locked := person("mallory", 40)
	locked.Set("locked", value.Bool(true))
	locked.Set("company", value.FromMap(value.MapOf("title", value.String("Orphan Inc"))))
	require.ErrorIs(t, addRow(locked), dberror.ErrPermissionDenied)

	invalid := value.MapOf("name", value.String("no age"))
	invalid.Set("company", value.FromMap(value.MapOf("title", value.String("Orphan Ltd"))))
	require.ErrorIs(t, addRow(invalid), dberror.ErrConversion)

	require.NoError(t, f.txns.Commit(ctx))
	require.NoError(t, f.txns.Begin(ctx))
	require.Empty(t, f.run(t, query.OpChain{query.BaseEntity("Company")}))
	require.NoError(t, f.txns.Rollback(ctx))
}

func TestQueryStagesAndPolicy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.txns.Begin(context.Background()))

	for _, p := range []*value.Map{
		person("carol", 51), person("ada", 36), person("bob", 17), person("dave", 36), person("hidden", 99),
	} {
		p.Set("secret", value.String("s"))
		f.add(t, "Person", p)
	}

	rows := f.run(t, query.OpChain{query.BaseEntity("Person")})
	require.Len(t, rows, 4, "read policy hides a row")
	for _, r := range rows {
		_, has := r.Get("secret")
		require.False(t, has, "omitted field leaked")
	}

	rows = f.run(t, query.OpChain{
		query.BaseEntity("Person"),
		query.Filter(query.Binary(query.Field("age"), query.OpGtEq, query.Lit(value.Number(18)))),
		query.SortBy(query.SortKey{FieldName: "age", Ascending: false}, query.SortKey{FieldName: "name", Ascending: true}),
		query.Skip(1),
		query.Take(2),
		query.Projection("name"),
	})
	require.Len(t, rows, 2)
	require.True(t, value.MapOf("name", value.String("ada")).Equal(rows[0]))
	require.True(t, value.MapOf("name", value.String("dave")).Equal(rows[1]))
}

func TestLazySequenceOwnsLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.txns.Begin(ctx))
	f.add(t, "Person", person("ada", 36))
	f.add(t, "Person", person("bob", 40))

	plan, err := query.BuildQueryPlan(f.rctx, query.OpChain{query.BaseEntity("Person")})
	require.NoError(t, err)
	lease, err := f.txns.Acquire()
	require.NoError(t, err)
	seq, err := f.engine.Query(lease, plan)
	require.NoError(t, err)

	row, err := seq.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.ErrorIs(t, f.txns.Commit(ctx), dberror.ErrOperationInProgress)

	_, err = seq.Next(ctx)
	require.NoError(t, err)
	_, err = seq.Next(ctx)
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, f.txns.Commit(ctx), "exhaustion released the lease")
	_, err = seq.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.NoError(t, seq.Close())
}

func TestMutateWithTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.txns.Begin(ctx))
	f.add(t, "Person", person("ada", 36))
	f.add(t, "Person", person("bob", 17))
	f.add(t, "Person", person("carol", 70))

	del := func(filter query.Expr) (int, error) {
		m, err := query.BuildDelete(f.rctx, "Person", filter)
		require.NoError(t, err)
		return transaction.WithTransaction(ctx, f.txns, func(ctx context.Context, lease *transaction.Lease) (int, error) {
			return f.engine.MutateWithTransaction(ctx, lease, m)
		})
	}

	n, err := del(query.Binary(query.Field("age"), query.OpLt, query.Lit(value.Number(18))))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, f.run(t, query.OpChain{query.BaseEntity("Person")}), 2)

	require.NoError(t, f.txns.Commit(ctx))
	require.NoError(t, f.txns.Begin(ctx))
	require.Len(t, f.run(t, query.OpChain{query.BaseEntity("Person")}), 2, "committed rows persist")

	n, err = del(nil)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, f.txns.Rollback(ctx))

	require.NoError(t, f.txns.Begin(ctx))
	require.Len(t, f.run(t, query.OpChain{query.BaseEntity("Person")}), 2, "rolled back delete")
}
