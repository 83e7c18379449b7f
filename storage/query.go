package storage

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/result"
	"github.com/forbearing/ix/state"
)

// activeFilterKeys returns the filter keys referenced by args["filter"],
// applying each one's CondBuilder to db and validating the argument shape
// against class.QueryFilterMap. Callers that also need to consult a filter's
// Differ (K/queryChanges) get back exactly which keys were actually in play.
func activeFilterKeys[M any](class *recordclass.Class[M], args map[string]any, db *gorm.DB) (*gorm.DB, []string, *result.Error) {
	raw, ok := args["filter"]
	if !ok || raw == nil {
		return db, nil, nil
	}
	filter, ok := raw.(map[string]any)
	if !ok {
		return nil, nil, result.InvalidArguments(map[string]any{"filter": "must be an object"})
	}
	keys := make([]string, 0, len(filter))
	for key, val := range filter {
		f, ok := class.QueryFilterMap[key]
		if !ok {
			return nil, nil, result.InvalidArguments(map[string]any{"filter": "unknown filter " + key})
		}
		sql, sargs, err := f.CondBuilder(val)
		if err != nil {
			return nil, nil, result.InvalidArguments(map[string]any{key: err.Error()})
		}
		db = db.Where(sql, sargs...)
		keys = append(keys, key)
	}
	return db, keys, nil
}

func applySort[M any](class *recordclass.Class[M], args map[string]any, db *gorm.DB) (*gorm.DB, *result.Error) {
	raw, ok := args["sort"]
	if !ok || raw == nil {
		return db, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, result.InvalidArguments(map[string]any{"sort": "must be an array"})
	}
	for _, item := range arr {
		key, _ := item.(string)
		desc := strings.HasPrefix(key, "-")
		key = strings.TrimPrefix(key, "-")
		expr, ok := class.QuerySortMap[key]
		if !ok {
			return nil, result.InvalidArguments(map[string]any{"sort": "unknown sort " + key})
		}
		if desc {
			expr += " DESC"
		}
		db = db.Order(expr)
	}
	return db, nil
}

func queryImpl[M any](class *recordclass.Class[M]) recordclass.HandlerFunc {
	return func(ctx *engine.Context, args map[string]any) ([]result.Result, error) {
		db := ctx.DB.Table(class.TableName()).Where("account_id = ? AND is_active = ?", ctx.AccountID, true)
		for _, j := range class.QueryJoins {
			db = db.Joins(j)
		}

		db, _, rerr := activeFilterKeys(class, args, db)
		if rerr != nil {
			return nil, rerr
		}
		db, rerr = applySort(class, args, db)
		if rerr != nil {
			return nil, rerr
		}

		var total int64
		calcTotal, _ := args["calculateTotal"].(bool)
		if calcTotal {
			if err := db.Session(&gorm.Session{}).Count(&total).Error; err != nil {
				return nil, errors.Wrap(err, "storage: query count")
			}
		}

		position := 0
		if raw, ok := args["position"]; ok {
			if n, ok := raw.(float64); ok {
				position = int(n)
			}
		}
		limit := 0
		if raw, ok := args["limit"]; ok {
			if n, ok := raw.(float64); ok {
				limit = int(n)
			}
		}

		// anchor, when present, overrides position: it names the id
		// of a row in the filtered/sorted result list, and position becomes
		// that row's index plus anchorOffset, clamped to 0.
		if raw, ok := args["anchor"]; ok && raw != nil {
			anchor, ok := raw.(string)
			if !ok || anchor == "" {
				return nil, result.InvalidArguments(map[string]any{"anchor": "must be a non-empty string"})
			}
			anchorOffset := 0
			if raw, ok := args["anchorOffset"]; ok {
				if n, ok := raw.(float64); ok {
					anchorOffset = int(n)
				}
			}

			var orderedIDs []string
			if err := db.Session(&gorm.Session{}).Pluck("id", &orderedIDs).Error; err != nil {
				return nil, errors.Wrap(err, "storage: query anchor scan")
			}
			idx := -1
			for i, id := range orderedIDs {
				if id == anchor {
					idx = i
					break
				}
			}
			if idx < 0 {
				return nil, result.AnchorNotFound()
			}
			position = idx + anchorOffset
			if position < 0 {
				position = 0
			}
		}

		if position > 0 {
			db = db.Offset(position)
		}
		if limit > 0 {
			db = db.Limit(limit)
		}

		var rows []M
		if err := db.Find(&rows).Error; err != nil {
			return nil, errors.Wrap(err, "storage: query")
		}
		ids := make([]string, len(rows))
		for i := range rows {
			ids[i] = baseOf(&rows[i]).ID
		}

		stateStr := "0"
		if s := ctx.State(); s != nil {
			stateStr = s.StateFor(class.TypeKey)
		}

		respArgs := map[string]any{
			"accountId":           ctx.AccountID,
			"queryState":          stateStr,
			"canCalculateChanges": true,
			"position":            position,
			"ids":                 ids,
		}
		if calcTotal {
			respArgs["total"] = total
		}
		return []result.Result{{Name: class.TypeKey + "/query", Args: respArgs}}, nil
	}
}

// queryChangesImpl is driven by the same declared filter_map/sort_map a
// class's K/query uses: a row changed since sinceQueryState is
// "added" when it currently lives inside the filtered/sorted view, and
// "removed" only when it matches the requested filters' conditions
// (isActive aside) and a requested filter judges (via Differ) that the
// change could have moved it out of view — a row whose change is
// irrelevant to every requested filter is dropped from the diff entirely
// rather than over-reported.
func queryChangesImpl[M any](class *recordclass.Class[M]) recordclass.HandlerFunc {
	return func(ctx *engine.Context, args map[string]any) ([]result.Result, error) {
		sinceQueryState, _ := args["sinceQueryState"].(string)
		if sinceQueryState == "" {
			return nil, result.InvalidArguments(map[string]any{"sinceQueryState": "required"})
		}
		upToID, _ := args["upToId"].(string)
		maxChanges := 0
		if raw, ok := args["maxChanges"]; ok && raw != nil {
			if n, ok := raw.(float64); ok {
				maxChanges = int(n)
			}
		}

		var low, high int64
		if s := ctx.State(); s != nil {
			low, high = s.HighLow(class.TypeKey)
		}
		switch state.Compare(sinceQueryState, low, high) {
		case state.Bogus:
			return nil, result.InvalidArguments(map[string]any{"sinceQueryState": "invalid"})
		case state.Resync:
			return nil, result.CannotCalculateChanges()
		}

		sinceN, err := strconv.ParseInt(sinceQueryState, 10, 64)
		if err != nil {
			return nil, result.InvalidArguments(map[string]any{"sinceQueryState": "invalid"})
		}

		view := ctx.DB.Table(class.TableName()).Where("account_id = ? AND is_active = ?", ctx.AccountID, true)
		for _, j := range class.QueryJoins {
			view = view.Joins(j)
		}
		view, filterKeys, rerr := activeFilterKeys(class, args, view)
		if rerr != nil {
			return nil, rerr
		}
		view, rerr = applySort(class, args, view)
		if rerr != nil {
			return nil, rerr
		}

		var viewIDs []string
		if err := view.Session(&gorm.Session{}).Pluck("id", &viewIDs).Error; err != nil {
			return nil, errors.Wrap(err, "storage: queryChanges view scan")
		}
		inView := make(map[string]bool, len(viewIDs))
		for _, id := range viewIDs {
			inView[id] = true
		}

		// upToId lets the client say it hasn't fetched past a given row in
		// the query's result list; an added row past that point isn't
		// reported. An upToId absent from the current view (destroyed or
		// filtered out) imposes no cutoff.
		cutoff := len(viewIDs)
		if upToID != "" {
			for i, id := range viewIDs {
				if id == upToID {
					cutoff = i + 1
					break
				}
			}
		}

		// Rows matching the requested filters whether live or destroyed; a
		// vanished row outside this set was never in the view.
		everMatched := make(map[string]bool)
		if len(filterKeys) > 0 {
			matching, _, _ := activeFilterKeys(class, args, ctx.DB.Table(class.TableName()).Where("account_id = ?", ctx.AccountID))
			var matchIDs []string
			if err := matching.Pluck("id", &matchIDs).Error; err != nil {
				return nil, errors.Wrap(err, "storage: queryChanges filter scan")
			}
			for _, id := range matchIDs {
				everMatched[id] = true
			}
		}

		var rows []M
		if err := ctx.DB.Table(class.TableName()).
			Where("account_id = ? AND mod_seq_changed > ?", ctx.AccountID, sinceN).
			Find(&rows).Error; err != nil {
			return nil, errors.Wrap(err, "storage: queryChanges")
		}

		var removed, added []string
		for i := range rows {
			row := &rows[i]
			b := baseOf(row)
			if inView[b.ID] {
				pos := indexOf(viewIDs, b.ID)
				if pos < cutoff {
					added = append(added, b.ID)
				}
				continue
			}

			if len(filterKeys) == 0 {
				// No filter requested: every destroyed or otherwise
				// vanished row is unconditionally a removal.
				if b.IsActive == nil {
					removed = append(removed, b.ID)
				}
				continue
			}
			if !everMatched[b.ID] {
				continue
			}

			newArgs := toArgs(row)
			relevant := false
			for _, key := range filterKeys {
				f := class.QueryFilterMap[key]
				if f.Differ != nil && f.Differ(nil, newArgs) {
					relevant = true
					break
				}
			}
			if relevant {
				removed = append(removed, b.ID)
			}
		}

		if maxChanges > 0 && len(added)+len(removed) > maxChanges {
			return nil, result.CannotCalculateChanges()
		}

		return []result.Result{{
			Name: class.TypeKey + "/queryChanges",
			Args: map[string]any{
				"accountId":     ctx.AccountID,
				"oldQueryState": sinceQueryState,
				"newQueryState": strconv.FormatInt(high, 10),
				"removed":       nonNil(removed),
				"added":         nonNil(added),
			},
		}}, nil
	}
}

func indexOf(ss []string, v string) int {
	for i, s := range ss {
		if s == v {
			return i
		}
	}
	return -1
}
