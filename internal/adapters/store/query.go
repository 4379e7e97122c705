package store

import (
	"sort"
	"strings"

	"github.com/dkeye/Lounge/internal/core"
)

// Matches reports whether every equality filter in f holds for r. Filter
// values are strings or booleans; the record side is read tolerantly.
func Matches(r core.Record, f map[string]any) bool {
	for key, want := range f {
		if key == "id" {
			if s, _ := want.(string); s != r.ID {
				return false
			}
			continue
		}
		switch w := want.(type) {
		case bool:
			if core.Bool(r.Fields, key) != w {
				return false
			}
		case string:
			if core.String(r.Fields, key) != w {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply filters, orders and bounds records in place of a query engine.
// Records are expected in creation order on entry.
func Apply(recs []core.Record, q core.Query) []core.Record {
	out := make([]core.Record, 0, len(recs))
	for _, r := range recs {
		if Matches(r, q.Filter) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		less := lessBy(out[i], out[j], q.Sort)
		if q.Desc {
			return lessBy(out[j], out[i], q.Sort)
		}
		return less
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func lessBy(a, b core.Record, field string) bool {
	if field == "" || field == "created" {
		return a.Created.Before(b.Created)
	}
	return strings.Compare(core.String(a.Fields, field), core.String(b.Fields, field)) < 0
}

// Clone copies a record so callers never alias adapter-owned maps.
func Clone(r core.Record) core.Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	r.Fields = fields
	return r
}
