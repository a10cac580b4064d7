package engine

import (
	"context"
	"errors"
	"io"
	"sort"

	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/query"
	"github.com/sushant-115/txbridge/core/schema"
	"github.com/sushant-115/txbridge/core/storage_engine/boltstore"
	"github.com/sushant-115/txbridge/core/transaction"
	"github.com/sushant-115/txbridge/core/value"
)

func isEOF(err error) bool { return errors.Is(err, io.EOF) }

// source is one step of the row pipeline. next returns io.EOF when drained and
// always runs with the handle locked.
type source interface {
	next(txn *boltstore.Txn) (*value.Map, error)
}

// rows is the lazy sequence behind a query. Each Next locks the transaction
// handle only for the duration of the pull.
type rows struct {
	lease *transaction.Lease
	owned bool
	src   source
	done  bool
}

func newRows(lease *transaction.Lease, plan *query.QueryPlan, owned bool) *rows {
	var src source = &scan{plan: plan}
	for _, st := range plan.Stages {
		switch st.Kind {
		case query.StageFilter:
			src = &filterStage{src: src, expr: st.Filter}
		case query.StageSort:
			src = &sortStage{src: src, keys: st.Keys}
		case query.StageSkip:
			src = &skipStage{src: src, n: st.Count}
		case query.StageTake:
			src = &takeStage{src: src, n: st.Count}
		case query.StageProject:
			src = &projectStage{src: src, fields: st.Fields}
		}
	}
	return &rows{lease: lease, owned: owned, src: src}
}

func (r *rows) Next(ctx context.Context) (*value.Map, error) {
	if r.done {
		return nil, io.EOF
	}
	txn, err := r.lease.Lock(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		r.finish()
		return nil, err
	}
	btx, err := boltTxn(txn)
	var row *value.Map
	if err == nil {
		row, err = r.src.next(btx)
	}
	r.lease.Unlock()
	if err != nil {
		r.finish()
		return nil, err
	}
	return row, nil
}

func (r *rows) Close() error {
	r.finish()
	return nil
}

func (r *rows) finish() {
	r.done = true
	if r.owned {
		r.lease.Release()
	}
}

// scan walks the bucket of the plan's entity in id order. Rows hidden by the
// read policy are skipped; omitted fields are removed and nested entities
// hydrated before later stages see the row.
type scan struct {
	plan  *query.QueryPlan
	after string
}

func (s *scan) next(txn *boltstore.Txn) (*value.Map, error) {
	for {
		id, row, ok, err := txn.Next(s.plan.Entity.Name, s.after)
		if err != nil {
			return nil, dberror.Store("scan", err)
		}
		if !ok {
			return nil, io.EOF
		}
		s.after = id
		visible, err := s.plan.Policy.AllowRead(row, s.plan.Vars)
		if err != nil {
			return nil, err
		}
		if !visible {
			continue
		}
		for _, f := range s.plan.Policy.Omitted() {
			row.Delete(f)
		}
		if err := hydrate(txn, s.plan, s.plan.Entity, row, hydrateDepth); err != nil {
			return nil, err
		}
		return row, nil
	}
}

// hydrate replaces nested entity ids with the rows they point at. References
// to missing or unreadable rows stay as ids.
func hydrate(txn *boltstore.Txn, plan *query.QueryPlan, ty *schema.EntityType, row *value.Map, depth int) error {
	if depth == 0 || plan.Types == nil {
		return nil
	}
	for _, f := range ty.Fields {
		if !f.IsEntity() {
			continue
		}
		v, ok := row.Get(f.Name)
		if !ok {
			continue
		}
		id, isStr := v.AsString()
		if !isStr {
			continue
		}
		nestedType, err := plan.Types.LookupType(f.Type)
		if err != nil {
			return err
		}
		nested, found, err := txn.Get(nestedType.Name, id)
		if err != nil {
			return dberror.Store("hydrate", err)
		}
		if !found {
			continue
		}
		pol := plan.Policies.For(nestedType.Name)
		visible, err := pol.AllowRead(nested, plan.Vars)
		if err != nil {
			return err
		}
		if !visible {
			continue
		}
		for _, o := range pol.Omitted() {
			nested.Delete(o)
		}
		if err := hydrate(txn, plan, nestedType, nested, depth-1); err != nil {
			return err
		}
		row.Set(f.Name, value.FromMap(nested))
	}
	return nil
}

type filterStage struct {
	src  source
	expr query.Expr
}

func (s *filterStage) next(txn *boltstore.Txn) (*value.Map, error) {
	for {
		row, err := s.src.next(txn)
		if err != nil {
			return nil, err
		}
		ok, err := query.EvalBool(s.expr, row)
		if err != nil {
			return nil, err
		}
		if ok {
			return row, nil
		}
	}
}

// sortStage drains its source on the first pull.
type sortStage struct {
	src    source
	keys   []query.SortKey
	loaded bool
	buf    []*value.Map
}

func (s *sortStage) next(txn *boltstore.Txn) (*value.Map, error) {
	if !s.loaded {
		for {
			row, err := s.src.next(txn)
			if isEOF(err) {
				break
			}
			if err != nil {
				return nil, err
			}
			s.buf = append(s.buf, row)
		}
		sort.SliceStable(s.buf, func(i, j int) bool { return s.less(s.buf[i], s.buf[j]) })
		s.loaded = true
	}
	if len(s.buf) == 0 {
		return nil, io.EOF
	}
	row := s.buf[0]
	s.buf = s.buf[1:]
	return row, nil
}

func (s *sortStage) less(a, b *value.Map) bool {
	for _, k := range s.keys {
		av, _ := a.Get(k.FieldName)
		bv, _ := b.Get(k.FieldName)
		c := value.Compare(av, bv)
		if c == 0 {
			continue
		}
		if k.Ascending {
			return c < 0
		}
		return c > 0
	}
	return false
}

type skipStage struct {
	src     source
	n       int
	skipped bool
}

func (s *skipStage) next(txn *boltstore.Txn) (*value.Map, error) {
	for ; !s.skipped && s.n > 0; s.n-- {
		if _, err := s.src.next(txn); err != nil {
			return nil, err
		}
	}
	s.skipped = true
	return s.src.next(txn)
}

type takeStage struct {
	src source
	n   int
}

func (s *takeStage) next(txn *boltstore.Txn) (*value.Map, error) {
	if s.n <= 0 {
		return nil, io.EOF
	}
	row, err := s.src.next(txn)
	if err != nil {
		return nil, err
	}
	s.n--
	return row, nil
}

type projectStage struct {
	src    source
	fields []string
}

func (s *projectStage) next(txn *boltstore.Txn) (*value.Map, error) {
	row, err := s.src.next(txn)
	if err != nil {
		return nil, err
	}
	out := value.NewMap()
	for _, f := range s.fields {
		if v, ok := row.Get(f); ok {
			out.Set(f, v)
		}
	}
	return out, nil
}
