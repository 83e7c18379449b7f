// Package storage implements the resultset operators: ix_get,
// ix_set, ix_changes, ix_query and ix_query_changes, parameterised by a
// recordclass.Class over a *gorm.DB. GenerateHandlers wires each operator
// into the recordclass.HandlerFunc shape the dispatcher invokes, closing
// the loop the record-class declaration contract describes.
package storage

import (
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/logger"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/result"
	"github.com/forbearing/ix/util"
)

// GenerateHandlers builds the method -> handler map for one record class:
// K/get, K/changes, K/set always; K/query and K/queryChanges only if the
// class opts in; plus any PublishedMethodMap entries registered verbatim.
func GenerateHandlers[M any](class *recordclass.Class[M]) map[string]recordclass.HandlerFunc {
	recordclass.RegisterFamilyMember(class.AccountType, class.TypeKey)
	out := map[string]recordclass.HandlerFunc{
		class.TypeKey + "/get":     Get(class),
		class.TypeKey + "/changes": Changes(class),
		class.TypeKey + "/set":     Set(class),
	}
	if class.QueryEnabled {
		out[class.TypeKey+"/query"] = Query(class)
		out[class.TypeKey+"/queryChanges"] = QueryChanges(class)
	}
	for method, h := range class.PublishedMethodMap {
		out[method] = h
	}
	return out
}

func stringList(args map[string]any, key string) ([]string, bool, *result.Error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, false, nil
	}
	// A single string (what a back-reference to one id resolves to) is a
	// one-element list.
	if s, ok := raw.(string); ok {
		return []string{s}, true, nil
	}
	arr, ok := raw.([]any)
	if !ok {
		return nil, true, result.InvalidArguments(map[string]any{key: "must be an array of strings"})
	}
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, true, result.InvalidArguments(map[string]any{key: "must be an array of strings"})
		}
		out = append(out, s)
	}
	return out, true, nil
}

func filterProperties(m map[string]any, properties []string) map[string]any {
	if len(properties) == 0 {
		return m
	}
	out := make(map[string]any, len(properties)+1)
	out["id"] = m["id"]
	for _, p := range properties {
		if v, ok := m[p]; ok {
			out[p] = v
		}
	}
	return out
}

// Get implements K/get: loads the live rows for the requested ids (or all
// live rows when ids is omitted), projects each onto the requested
// properties (or the class's declared defaults), and reports the account's
// current state for this type.
func Get[M any](class *recordclass.Class[M]) recordclass.HandlerFunc {
	allowedExtra := make(map[string]bool, len(class.ExtraGetArgs))
	for _, a := range class.ExtraGetArgs {
		allowedExtra[a] = true
	}

	return func(ctx *engine.Context, args map[string]any) ([]result.Result, error) {
		for k := range args {
			if k == "ids" || k == "properties" || allowedExtra[k] {
				continue
			}
			return nil, result.InvalidArguments(map[string]any{k: "unknown argument"})
		}

		ids, hasIDs, rerr := stringList(args, "ids")
		if rerr != nil {
			return nil, rerr
		}
		properties, _, rerr := stringList(args, "properties")
		if rerr != nil {
			return nil, rerr
		}
		if len(properties) == 0 {
			properties = class.DefaultProperties
		}

		db := ctx.DB.Table(class.TableName()).Where("account_id = ? AND is_active = ?", ctx.AccountID, true)
		for _, rel := range class.Expand {
			db = db.Preload(rel)
		}
		if class.Hooks.GetFilter != nil {
			var gerr *result.Error
			db, gerr = class.Hooks.GetFilter(ctx, args, db)
			if gerr != nil {
				return nil, gerr
			}
		}

		var rows []M
		if hasIDs {
			if len(ids) > 0 {
				db = db.Where("id IN ?", ids)
			} else {
				db = db.Where("1 = 0")
			}
		}
		if err := db.Find(&rows).Error; err != nil {
			return nil, errors.Wrap(err, "storage: get")
		}

		list := make([]map[string]any, 0, len(rows))
		seen := make(map[string]bool, len(rows))
		for i := range rows {
			m := toArgs(&rows[i])
			seen[m["id"].(string)] = true
			list = append(list, filterProperties(m, properties))
		}

		var notFound []string
		if hasIDs {
			for _, id := range ids {
				if !seen[id] {
					notFound = append(notFound, id)
				}
			}
		}

		stateStr := "0"
		if s := ctx.State(); s != nil {
			stateStr = s.StateFor(class.TypeKey)
		}

		return []result.Result{{
			Name: class.TypeKey + "/get",
			Args: map[string]any{
				"accountId": ctx.AccountID,
				"state":     stateStr,
				"list":      list,
				"notFound":  nonNil(notFound),
			},
		}}, nil
	}
}

// Changes implements K/changes using package state's four-valued
// comparator: in-sync returns an empty diff; okay diffs
// modSeqChanged > sinceState,
// splitting created/updated by modSeqCreated and destroyed by isActive;
// resync and bogus each become the corresponding error.
func Changes[M any](class *recordclass.Class[M]) recordclass.HandlerFunc {
	return changesImpl(class)
}

func Query[M any](class *recordclass.Class[M]) recordclass.HandlerFunc {
	return queryImpl(class)
}

func QueryChanges[M any](class *recordclass.Class[M]) recordclass.HandlerFunc {
	return queryChangesImpl(class)
}

// RewriteUniqueIndexes prefixes every declared unique index with isActive
//, so destroyed rows with an otherwise-identical key coexist and
// the identifier tuple can be reused by a later live row.
func RewriteUniqueIndexes(indexes []recordclass.UniqueIndex) []recordclass.UniqueIndex {
	out := make([]recordclass.UniqueIndex, len(indexes))
	for i, idx := range indexes {
		cols := make([]string, 0, len(idx.Columns)+1)
		cols = append(cols, "is_active")
		cols = append(cols, idx.Columns...)
		out[i] = recordclass.UniqueIndex{Name: idx.Name, Columns: cols}
	}
	return out
}

// Migrate creates the class's table and its isActive-prefixed unique indexes.
// M's Go tags drive GORM's own column migration; the unique indexes are
// applied via raw SQL since RewriteUniqueIndexes' leading column is not
// expressible as a struct tag shared across record classes.
func Migrate[M any](db *gorm.DB, class *recordclass.Class[M]) error {
	if err := db.Table(class.TableName()).AutoMigrate(new(M)); err != nil {
		return errors.Wrapf(err, "storage: migrate %s", class.TableName())
	}
	if err := MigrateIndexes(db, class.TableName(), class.Indexes); err != nil {
		return err
	}
	logger.Storage.Debug("migrated", zap.String("table", class.TableName()), zap.Int("uniqueIndexes", len(class.Indexes)))
	return nil
}

// MigrateIndexes applies the declared unique indexes to table, rewritten
// isActive-first. Split out of Migrate so the index DDL can be asserted
// on in isolation from AutoMigrate's own statements.
func MigrateIndexes(db *gorm.DB, table string, indexes []recordclass.UniqueIndex) error {
	for _, idx := range RewriteUniqueIndexes(indexes) {
		if err := db.Exec(buildUniqueIndexSQL(table, idx)).Error; err != nil {
			return errors.Wrapf(err, "storage: create index %s", idx.Name)
		}
	}
	return nil
}

func buildUniqueIndexSQL(table string, idx recordclass.UniqueIndex) string {
	sql := "CREATE UNIQUE INDEX IF NOT EXISTS " + idx.Name + " ON " + table + " ("
	for i, c := range idx.Columns {
		if i > 0 {
			sql += ", "
		}
		sql += c
	}
	sql += ")"
	return sql
}

func newRowID() string { return util.UUID() }

func now() time.Time { return time.Now().UTC() }
