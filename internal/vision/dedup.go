package vision

import (
	"context"
	stderrors "errors"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

// Deduper collapses concurrent extractions of the same image into one
// upstream call. Callers that joined an in-flight call get a copy of its
// outcome with Shared set and a zero cost, so the API charge is booked once.
type Deduper struct {
	next  Extractor
	group singleflight.Group
}

// Dedup wraps next.
func Dedup(next Extractor) *Deduper {
	return &Deduper{next: next}
}

type flight struct {
	leader *struct{}
	res    *Result
	err    error
}

// Extract implements Extractor.
func (d *Deduper) Extract(ctx context.Context, imagePath string) (*Result, error) {
	me := new(struct{})
	ch := d.group.DoChan(imagePath, func() (any, error) {
		// Detached so one caller going away doesn't fail the others.
		res, err := d.next.Extract(context.WithoutCancel(ctx), imagePath)
		return &flight{leader: me, res: res, err: err}, nil
	})

	var f *flight
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		f = r.Val.(*flight)
	}

	if f.leader == me {
		return f.res, f.err
	}

	if f.err != nil {
		var pe *ParseError
		if stderrors.As(f.err, &pe) {
			return nil, &ParseError{Tokens: pe.Tokens, Reply: pe.Reply, Err: pe.Err, Shared: true}
		}
		return nil, f.err
	}
	out := *f.res
	out.Cost = decimal.Zero
	out.Shared = true
	return &out, nil
}
