package storage

import (
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/result"
	"github.com/forbearing/ix/state"
)

func changesImpl[M any](class *recordclass.Class[M]) recordclass.HandlerFunc {
	return func(ctx *engine.Context, args map[string]any) ([]result.Result, error) {
		sinceState, _ := args["sinceState"].(string)
		if sinceState == "" {
			return nil, result.InvalidArguments(map[string]any{"sinceState": "required"})
		}
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

		switch state.Compare(sinceState, low, high) {
		case state.Bogus:
			return nil, result.InvalidArguments(map[string]any{"sinceState": "invalid"})
		case state.Resync:
			return nil, result.CannotCalculateChanges()
		case state.InSync:
			return []result.Result{{
				Name: class.TypeKey + "/changes",
				Args: map[string]any{
					"accountId":      ctx.AccountID,
					"oldState":       sinceState,
					"newState":       sinceState,
					"hasMoreUpdates": false,
					"created":        []string{},
					"updated":        []string{},
					"destroyed":      []string{},
				},
			}}, nil
		}

		sinceN, err := strconv.ParseInt(sinceState, 10, 64)
		if err != nil {
			return nil, result.InvalidArguments(map[string]any{"sinceState": "invalid"})
		}

		var rows []M
		if err := ctx.DB.Table(class.TableName()).
			Where("account_id = ? AND mod_seq_changed > ?", ctx.AccountID, sinceN).
			Order("mod_seq_changed ASC").
			Find(&rows).Error; err != nil {
			return nil, errors.Wrap(err, "storage: changes")
		}

		hasMore := false
		if maxChanges > 0 && len(rows) > maxChanges {
			rows = rows[:maxChanges]
			hasMore = true
		}

		var created, updated, destroyed []string
		for i := range rows {
			b := baseOf(&rows[i])
			switch {
			case b.IsActive == nil:
				destroyed = append(destroyed, b.ID)
			case b.ModSeqCreated > sinceN:
				created = append(created, b.ID)
			default:
				updated = append(updated, b.ID)
			}
		}

		newState := strconv.FormatInt(high, 10)
		if hasMore && len(rows) > 0 {
			newState = strconv.FormatInt(baseOf(&rows[len(rows)-1]).ModSeqChanged, 10)
		}

		return []result.Result{{
			Name: class.TypeKey + "/changes",
			Args: map[string]any{
				"accountId":      ctx.AccountID,
				"oldState":       sinceState,
				"newState":       newState,
				"hasMoreUpdates": hasMore,
				"created":        nonNil(created),
				"updated":        nonNil(updated),
				"destroyed":      nonNil(destroyed),
			},
		}}, nil
	}
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
