package calib

import (
	"context"
	"fmt"

	"github.com/kwv/jointfit/sparse"
	"golang.org/x/sync/errgroup"
)

type rhsEntry struct {
	index int
	value float64
}

// imageContribution is the private output of one image during accumulation
type imageContribution struct {
	triplets *sparse.TripletList
	rhs      []rhsEntry
}

// normalTerms is the transposed, whitened Jacobian (parameters × rows) with
// the matching right-hand side -Jᵀ W r.
type normalTerms struct {
	jacobian *sparse.TripletList
	rhs      []float64
}

// forEachImage runs fn for every catalog image on the worker pool.
// fn must only read shared state.
func (f *Fitter) forEachImage(ctx context.Context, fn func(i int, img *Image) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.workers())
	for i, img := range f.cat.Images {
		i, img := i, img
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(i, img)
		})
	}
	return g.Wait()
}

// validLists returns, per catalog image, the measured stars to accumulate
func (f *Fitter) validLists() [][]*MeasuredStar {
	lists := make([][]*MeasuredStar, len(f.cat.Images))
	for i, img := range f.cat.Images {
		for _, ms := range img.Stars {
			if ms.Valid {
				lists[i] = append(lists[i], ms)
			}
		}
	}
	return lists
}

// groupByImage spreads a sub-list of measured stars over catalog image slots
func (f *Fitter) groupByImage(stars []*MeasuredStar) [][]*MeasuredStar {
	slot := make(map[int]int, len(f.cat.Images))
	for i, img := range f.cat.Images {
		slot[img.ID] = i
	}
	lists := make([][]*MeasuredStar, len(f.cat.Images))
	for _, ms := range stars {
		if i, ok := slot[ms.ImageID]; ok {
			lists[i] = append(lists[i], ms)
		}
	}
	return lists
}

// accumulate evaluates the terms of the listed measured stars at the current
// parameter state. Each image writes a private buffer; buffers are joined in
// catalog order so the result does not depend on scheduling.
func (f *Fitter) accumulate(ctx context.Context, idx *ParameterIndex, lists [][]*MeasuredStar) (*normalTerms, error) {
	contribs := make([]imageContribution, len(f.cat.Images))
	perImage := 0
	if n := len(f.cat.Images); n > 0 {
		perImage = f.lastNTrip / n
	}

	err := f.forEachImage(ctx, func(i int, img *Image) error {
		if len(lists[i]) == 0 {
			return nil
		}
		c := imageContribution{triplets: sparse.NewTripletList(perImage)}
		for _, ms := range lists[i] {
			fs, err := f.cat.FittedStar(ms.FittedStar)
			if err != nil {
				return fmt.Errorf("measured star %d: %w", ms.ID, err)
			}
			t, err := f.scheme.evaluate(img, ms, fs, idx)
			if err != nil {
				return err
			}
			c.add(&t)
		}
		contribs[i] = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	total := 0
	for _, c := range contribs {
		if c.triplets != nil {
			total += c.triplets.Len()
		}
	}
	out := &normalTerms{
		jacobian: sparse.NewTripletList(total),
		rhs:      make([]float64, idx.Total),
	}
	for _, c := range contribs {
		if c.triplets == nil {
			continue
		}
		out.jacobian.Append(c.triplets)
		for _, e := range c.rhs {
			out.rhs[e.index] += e.value
		}
	}
	return out, nil
}

// add appends one triplet per nonzero whitened derivative and the rhs
// contribution of every whitened row
func (c *imageContribution) add(t *term) {
	for r := 0; r < t.dim; r++ {
		col := c.triplets.NextFreeIndex()
		for k, gi := range t.indices {
			v := t.a[r][k]
			if v == 0 {
				continue
			}
			c.triplets.Add(gi, col, v)
			c.rhs = append(c.rhs, rhsEntry{index: gi, value: -v * t.z[r]})
		}
		c.triplets.SetNextFreeIndex(col + 1)
	}
}
