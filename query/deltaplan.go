package query

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/nova-db/stdb/datastore"
	"github.com/nova-db/stdb/layout"
	"github.com/nova-db/stdb/rowptr"
	"github.com/nova-db/stdb/tableindex"
)

// JoinRow is one row of a two-way equi-join's result: one value from each
// base table.
type JoinRow struct {
	R, S layout.Value
}

// TableDelta is the insert/delete delta a single base table contributed to
// a just-committed transaction, decoded to layout.Value so DeltaPlan can
// re-key and re-join them without touching page storage again.
type TableDelta struct {
	Plus  []layout.Value
	Minus []layout.Value
}

// DeltaPlanInputs describes one subscribed two-way equi-join view: the two
// base tables, an index on each side's join column(s), two key
// projections, and each side's delta from the transaction that just
// committed. RKeyOf maps an R row into SIndexId's key space and is used to
// probe S's post-commit state; SKeyOf maps an S row into RIndexId's key
// space and is used to probe R's. joinDeltaPair compares RKeyOf and SKeyOf
// results directly, so the two must encode equal join values as equal
// bytes.
type DeltaPlanInputs struct {
	R, S               rowptr.TableId
	RIndexId, SIndexId rowptr.IndexId
	RKeyOf, SKeyOf     func(layout.Value) (tableindex.Key, error)
	DR, DS             TableDelta
}

// DeltaResult holds the rows a subscribed view must insert into, and
// delete from, its client-side materialization.
type DeltaResult struct {
	Insert []JoinRow
	Delete []JoinRow
}

// RunDeltaPlan computes dv(+) and dv(-) for a two-way equi-join view, per
// spec section 4.8:
//
//	dv(+) = R'⋈ds(+)  ∪  dr(+)⋈S'  ∪  dr(+)⋈ds(-)  ∪  dr(-)⋈ds(+)
//	dv(-) = R'⋈ds(-)  ∪  dr(-)⋈S'  ∪  dr(+)⋈ds(+)  ∪  dr(-)⋈ds(-)
//
// where R'/S' denote the post-commit committed state (r must be a Reader
// opened after the transaction producing in.DR/in.DS committed) and
// dr(+)/dr(-)/ds(+)/ds(-) are that transaction's own inserted/deleted rows.
// Each of the up to eight sub-plans runs concurrently via errgroup; a
// sub-plan whose input delta is empty is skipped rather than scheduled.
func RunDeltaPlan(ctx context.Context, r datastore.Reader, in DeltaPlanInputs) (DeltaResult, error) {
	var (
		mu  sync.Mutex
		out DeltaResult
	)
	addInsert := func(rows []JoinRow) {
		if len(rows) == 0 {
			return
		}
		mu.Lock()
		out.Insert = append(out.Insert, rows...)
		mu.Unlock()
	}
	addDelete := func(rows []JoinRow) {
		if len(rows) == 0 {
			return
		}
		mu.Lock()
		out.Delete = append(out.Delete, rows...)
		mu.Unlock()
	}

	g, _ := errgroup.WithContext(ctx)

	// dv(+) sub-plans.
	if len(in.DS.Plus) > 0 {
		g.Go(func() error {
			rows, err := joinDeltaAgainstPrime(r, in.R, in.RIndexId, in.SKeyOf, in.DS.Plus, false)
			if err != nil {
				return err
			}
			addInsert(rows)
			return nil
		})
	}
	if len(in.DR.Plus) > 0 {
		g.Go(func() error {
			rows, err := joinDeltaAgainstPrime(r, in.S, in.SIndexId, in.RKeyOf, in.DR.Plus, true)
			if err != nil {
				return err
			}
			addInsert(rows)
			return nil
		})
	}
	if len(in.DR.Plus) > 0 && len(in.DS.Minus) > 0 {
		g.Go(func() error {
			addInsert(joinDeltaPair(in.DR.Plus, in.DS.Minus, in.RKeyOf, in.SKeyOf))
			return nil
		})
	}
	if len(in.DR.Minus) > 0 && len(in.DS.Plus) > 0 {
		g.Go(func() error {
			addInsert(joinDeltaPair(in.DR.Minus, in.DS.Plus, in.RKeyOf, in.SKeyOf))
			return nil
		})
	}

	// dv(-) sub-plans.
	if len(in.DS.Minus) > 0 {
		g.Go(func() error {
			rows, err := joinDeltaAgainstPrime(r, in.R, in.RIndexId, in.SKeyOf, in.DS.Minus, false)
			if err != nil {
				return err
			}
			addDelete(rows)
			return nil
		})
	}
	if len(in.DR.Minus) > 0 {
		g.Go(func() error {
			rows, err := joinDeltaAgainstPrime(r, in.S, in.SIndexId, in.RKeyOf, in.DR.Minus, true)
			if err != nil {
				return err
			}
			addDelete(rows)
			return nil
		})
	}
	if len(in.DR.Plus) > 0 && len(in.DS.Plus) > 0 {
		g.Go(func() error {
			addDelete(joinDeltaPair(in.DR.Plus, in.DS.Plus, in.RKeyOf, in.SKeyOf))
			return nil
		})
	}
	if len(in.DR.Minus) > 0 && len(in.DS.Minus) > 0 {
		g.Go(func() error {
			addDelete(joinDeltaPair(in.DR.Minus, in.DS.Minus, in.RKeyOf, in.SKeyOf))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return DeltaResult{}, err
	}
	return out, nil
}

// joinDeltaAgainstPrime probes primeTable/primeIndex with each delta row's
// join key, joining it against every matching post-commit row. deltaIsR
// selects which side of JoinRow the delta rows land on.
func joinDeltaAgainstPrime(r datastore.Reader, primeTable rowptr.TableId, primeIndex rowptr.IndexId, deltaKeyOf func(layout.Value) (tableindex.Key, error), delta []layout.Value, deltaIsR bool) ([]JoinRow, error) {
	var out []JoinRow
	for _, dv := range delta {
		key, err := deltaKeyOf(dv)
		if err != nil {
			return nil, err
		}
		scan := NewIndexPointScan(r, primeTable, primeIndex, key)
		for {
			ref, ok := scan.Next()
			if !ok {
				break
			}
			pv, err := ref.Decode()
			if err != nil {
				return nil, err
			}
			if deltaIsR {
				out = append(out, JoinRow{R: dv, S: pv})
			} else {
				out = append(out, JoinRow{R: pv, S: dv})
			}
		}
	}
	return out, nil
}

// joinDeltaPair equi-joins two small in-memory delta sets directly,
// grouping the S side by key since both deltas are transaction-sized and
// fit comfortably in memory.
func joinDeltaPair(dr, ds []layout.Value, rKeyOf, sKeyOf func(layout.Value) (tableindex.Key, error)) []JoinRow {
	byKey := make(map[string][]layout.Value, len(ds))
	for _, sv := range ds {
		k, err := sKeyOf(sv)
		if err != nil {
			continue
		}
		ks := string(k)
		byKey[ks] = append(byKey[ks], sv)
	}
	var out []JoinRow
	for _, rv := range dr {
		k, err := rKeyOf(rv)
		if err != nil {
			continue
		}
		for _, sv := range byKey[string(k)] {
			out = append(out, JoinRow{R: rv, S: sv})
		}
	}
	return out
}
