package dispatch

import (
	"reflect"
	"strings"

	"github.com/samber/lo"

	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/result"
)

// BatchGetOptimizer is an OptimizeFunc: it coalesces a run of
// consecutive, logically-identical K/get calls into one handler
// invocation, splitting the merged list/notFound back out per original
// call afterward. Logically identical means every argument other than
// "ids" — properties, any of the class's extra get arguments — is equal
// across the run, and either every call names ids or none does: a call
// with no "ids" wants the whole table, and merging it with an id-scoped
// call (or with a differently-filtered one) would hand it the wrong
// result set. A call carrying a back-reference is left alone, since a
// coalesced call can't see the per-call position in the accumulating
// sentence collection that back-reference resolution needs.
func BatchGetOptimizer(reg *recordclass.Registry) OptimizeFunc {
	return func(_ *engine.Context, items []Item) []Item {
		out := make([]Item, 0, len(items))
		i := 0
		for i < len(items) {
			call, ok := items[i].(Call)
			if !ok || !strings.HasSuffix(call.Method, "/get") || hasBackRef(call.Args) {
				out = append(out, items[i])
				i++
				continue
			}

			run := []Call{call}
			j := i + 1
			for j < len(items) {
				next, ok := items[j].(Call)
				if !ok || next.Method != call.Method || hasBackRef(next.Args) || !coalescable(call, next) {
					break
				}
				run = append(run, next)
				j++
			}
			if len(run) == 1 {
				out = append(out, call)
				i++
				continue
			}

			out = append(out, coalescedGet(reg, call.Method, run))
			i = j
		}
		return out
	}
}

func hasBackRef(args map[string]any) bool {
	for k := range args {
		if strings.HasPrefix(k, "#") {
			return true
		}
	}
	return false
}

// coalescable reports whether b may join a run anchored by a: both must
// agree on whether "ids" is present, and every other argument must be
// deeply equal.
func coalescable(a, b Call) bool {
	_, aHasIDs := a.Args["ids"]
	_, bHasIDs := b.Args["ids"]
	if aHasIDs != bHasIDs {
		return false
	}
	return equalArgsExceptIDs(a.Args, b.Args)
}

func equalArgsExceptIDs(a, b map[string]any) bool {
	for k, av := range a {
		if k == "ids" {
			continue
		}
		bv, ok := b[k]
		if !ok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	for k := range b {
		if k == "ids" {
			continue
		}
		if _, ok := a[k]; !ok {
			return false
		}
	}
	return true
}

func coalescedGet(reg *recordclass.Registry, method string, run []Call) Multicall {
	ident := method + "[batch]"
	handler, ok := reg.HandlerFor(method)
	if !ok {
		pairs := make([]Pair, len(run))
		for i, c := range run {
			pairs[i] = Pair{Result: result.Result{Name: "error", Args: result.UnknownMethod().Sentence("").Args}, ClientID: c.ClientID}
		}
		return &Done{Ident: ident, Pairs: pairs}
	}
	return &batchGet{ident: ident, handler: handler, calls: run}
}

type batchGet struct {
	ident   string
	handler recordclass.HandlerFunc
	calls   []Call
}

func (b *batchGet) CallIdent() string { return b.ident }

func (b *batchGet) Execute(ctx *engine.Context) []Pair {
	merged := make(map[string]any, len(b.calls[0].Args))
	for k, v := range b.calls[0].Args {
		merged[k] = v
	}
	var mergedIDs []any
	anyHasIDs := false
	for _, c := range b.calls {
		if raw, ok := c.Args["ids"]; ok && raw != nil {
			anyHasIDs = true
			if arr, ok := raw.([]any); ok {
				mergedIDs = append(mergedIDs, arr...)
			}
		}
	}
	if anyHasIDs {
		merged["ids"] = lo.Uniq(mergedIDs)
	} else {
		delete(merged, "ids")
	}

	results, err := invoke(ctx, b.handler, merged)
	if err != nil {
		return b.errorPairs(ctx, err)
	}
	if len(results) == 0 {
		return nil
	}

	args := results[0].Args
	list, _ := args["list"].([]map[string]any)
	notFound, _ := args["notFound"].([]string)

	byID := lo.KeyBy(lo.Filter(list, func(m map[string]any, _ int) bool {
		_, ok := m["id"].(string)
		return ok
	}), func(m map[string]any) string { return m["id"].(string) })
	notFoundSet := lo.SliceToMap(notFound, func(id string) (string, bool) { return id, true })

	pairs := make([]Pair, 0, len(b.calls))
	for _, c := range b.calls {
		var ids []string
		rawIDs, scoped := c.Args["ids"]
		if scoped && rawIDs != nil {
			if arr, ok := rawIDs.([]any); ok {
				for _, v := range arr {
					if s, ok := v.(string); ok {
						ids = append(ids, s)
					}
				}
			}
		}

		var callList []map[string]any
		var callNotFound []string
		if !scoped || rawIDs == nil {
			callList = append(callList, list...)
		} else {
			// An explicitly empty ids list stays empty rather than
			// inheriting the run's merged rows.
			for _, id := range ids {
				if m, ok := byID[id]; ok {
					callList = append(callList, m)
				} else if notFoundSet[id] {
					callNotFound = append(callNotFound, id)
				}
			}
		}

		pairs = append(pairs, Pair{
			Result: result.Result{
				Name: results[0].Name,
				Args: map[string]any{
					"accountId": args["accountId"],
					"state":     args["state"],
					"list":      callList,
					"notFound":  nonNilAny(callNotFound),
				},
			},
			ClientID: c.ClientID,
		})
	}
	return pairs
}

func (b *batchGet) errorPairs(ctx *engine.Context, err error) []Pair {
	var errArgs map[string]any
	if rerr, ok := err.(*result.Error); ok {
		errArgs = rerr.Sentence("").Args
	} else {
		guid := ctx.FileExceptionReport(err)
		errArgs = result.InternalError(guid).Sentence("").Args
	}
	pairs := make([]Pair, len(b.calls))
	for i, c := range b.calls {
		pairs[i] = Pair{Result: result.Result{Name: "error", Args: errArgs}, ClientID: c.ClientID}
	}
	return pairs
}

func nonNilAny(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
