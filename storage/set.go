package storage

import (
	"reflect"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/result"
	"github.com/forbearing/ix/state"
	"github.com/forbearing/ix/util"
)

// seedAccountStates inserts a zeroed state row for every type in the
// account family when an is_account_base record is created: the new
// record's id becomes an accountId, and each of its family's types starts
// life at highestModSeq 0.
func seedAccountStates(tx *engine.Context, accountType, accountID string) error {
	for _, typ := range recordclass.FamilyMembers(accountType) {
		row := state.Row{AccountID: accountID, Type: typ, LowestModSeq: 0, HighestModSeq: 0}
		if err := tx.DB.Create(&row).Error; err != nil {
			return errors.Wrapf(err, "storage: seed state row for %s", typ)
		}
	}
	return nil
}

// Set implements K/set: one outer transaction, with each
// create/update/destroy processed in its own nested savepoint. A
// *result.Error for one record (a failed check, a CreateError rewrite)
// rolls back only that record's savepoint and is reported in
// notCreated/notUpdated/notDestroyed; any other error, such as a database
// failure, aborts the whole call and rolls back every record of it (see
// DESIGN.md). The postprocess hooks run once Set's own transactional
// scope has succeeded; when Set runs under the dispatcher, that scope is a
// savepoint inside the request's transaction, so they run before the
// request's transaction commits.
func Set[M any](class *recordclass.Class[M]) recordclass.HandlerFunc {
	return func(ctx *engine.Context, args map[string]any) ([]result.Result, error) {
		var env *result.SetEnvelope[map[string]any]
		var post []func()

		err := ctx.TxnDo(func(tx *engine.Context) error {
			e, p, werr := doSet(tx, class, args)
			env, post = e, p
			return werr
		})
		if err != nil {
			return nil, err
		}

		for _, fn := range post {
			fn()
		}

		return []result.Result{{Name: class.TypeKey + "/set", Args: env.Args()}}, nil
	}
}

func doSet[M any](outer *engine.Context, class *recordclass.Class[M], args map[string]any) (*result.SetEnvelope[map[string]any], []func(), error) {
	s := outer.State()
	oldState := s.StateFor(class.TypeKey)

	if raw, ok := args["ifInState"]; ok && raw != nil {
		ifInState, _ := raw.(string)
		if ifInState != "" && ifInState != oldState {
			return nil, nil, result.StateMismatch()
		}
	}

	env := result.NewSetEnvelope[map[string]any](outer.AccountID, oldState)
	var post []func()

	if class.Hooks.SetCheck != nil {
		if rerr := class.Hooks.SetCheck(outer, args); rerr != nil {
			return nil, nil, rerr
		}
	}

	allowedCreate := class.ClientMayInitProperties(outer.IsSystem)
	allowedUpdate := class.ClientMayUpdateProperties(outer.IsSystem)

	if raw, ok := args["create"]; ok && raw != nil {
		creates, ok := raw.(map[string]any)
		if !ok {
			return nil, nil, result.InvalidArguments(map[string]any{"create": "must be an object"})
		}
		for creationID, recRaw := range creates {
			rec, ok := recRaw.(map[string]any)
			if !ok {
				env.NotCreated[creationID] = result.InvalidArguments(map[string]any{"create": "record must be an object"})
				continue
			}
			row, postFn, err := createOne(outer, class, creationID, rec, allowedCreate)
			if err != nil {
				if rerr, ok := err.(*result.Error); ok && rerr.Type != result.TypeDuplicateCreationID {
					env.NotCreated[creationID] = rerr
					continue
				}
				return nil, nil, err
			}
			env.Created[creationID] = toArgs(row)
			if postFn != nil {
				post = append(post, postFn)
			}
		}
	}

	if raw, ok := args["update"]; ok && raw != nil {
		updates, ok := raw.(map[string]any)
		if !ok {
			return nil, nil, result.InvalidArguments(map[string]any{"update": "must be an object"})
		}
		for id, recRaw := range updates {
			rec, ok := recRaw.(map[string]any)
			if !ok {
				env.NotUpdated[id] = result.InvalidArguments(map[string]any{"update": "record must be an object"})
				continue
			}
			newRow, postFn, err := updateOne(outer, class, id, rec, allowedUpdate)
			if err != nil {
				if rerr, ok := err.(*result.Error); ok && rerr.Type != result.TypeDuplicateCreationID {
					env.NotUpdated[id] = rerr
					continue
				}
				return nil, nil, err
			}
			m := toArgs(newRow)
			env.Updated[id] = &m
			if postFn != nil {
				post = append(post, postFn)
			}
		}
	}

	if raw, ok := args["destroy"]; ok && raw != nil {
		arr, ok := raw.([]any)
		if !ok {
			return nil, nil, result.InvalidArguments(map[string]any{"destroy": "must be an array"})
		}
		for _, idRaw := range arr {
			id, ok := idRaw.(string)
			if !ok {
				continue
			}
			postFn, err := destroyOne(outer, class, id)
			if err != nil {
				if rerr, ok := err.(*result.Error); ok {
					env.NotDestroyed[id] = rerr
					continue
				}
				return nil, nil, err
			}
			env.Destroyed = append(env.Destroyed, id)
			if postFn != nil {
				post = append(post, postFn)
			}
		}
	}

	env.NewState = s.StateFor(class.TypeKey)
	return env, post, nil
}

func validateCreate[M any](class *recordclass.Class[M], rec map[string]any, allowed map[string]bool) map[string]any {
	invalid := make(map[string]any)
	for k := range rec {
		if !allowed[k] {
			invalid[k] = "not settable on create"
		}
	}
	for _, p := range class.Properties {
		if p.Virtual {
			continue
		}
		if _, already := invalid[p.Name]; already {
			continue
		}
		v, present := rec[p.Name]
		if !present {
			if !p.Optional && p.Default == nil {
				invalid[p.Name] = "required"
			}
			continue
		}
		if p.Validator != nil {
			if verr := p.Validator(v); verr != nil {
				invalid[p.Name] = validatorReason(verr)
			}
		}
	}
	return invalid
}

func validatorReason(verr *result.Error) string {
	if verr.Description != "" {
		return verr.Description
	}
	return verr.Type
}

// resolveCreationRefs replaces every "#"-prefixed string value in rec with
// the id it resolves to in the request's creation-id table. A creation id
// never logged is an invalid-properties error; one
// logged twice (the DUPLICATE sentinel) fails the whole call with
// duplicateCreationId, since there is no single id left to substitute.
func resolveCreationRefs[M any](outer *engine.Context, class *recordclass.Class[M], rec map[string]any) (map[string]any, error) {
	var invalid map[string]any
	for k, v := range rec {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, "#") {
			continue
		}
		creationID := strings.TrimPrefix(s, "#")
		id, dup, found := outer.ResolveCreationID(class.TypeKey, creationID)
		if dup {
			return nil, result.DuplicateCreationID()
		}
		if !found {
			if invalid == nil {
				invalid = make(map[string]any)
			}
			invalid[k] = "no such creation id"
			continue
		}
		rec[k] = id
	}
	if len(invalid) > 0 {
		return nil, result.InvalidProperties(invalid)
	}
	return rec, nil
}

func createOne[M any](outer *engine.Context, class *recordclass.Class[M], creationID string, rec map[string]any, allowed map[string]bool) (*M, func(), error) {
	rec, err := resolveCreationRefs(outer, class, rec)
	if err != nil {
		return nil, nil, err
	}
	if invalid := validateCreate(class, rec, allowed); len(invalid) > 0 {
		return nil, nil, result.InvalidProperties(invalid)
	}
	if class.Hooks.CreateCheck != nil {
		if rerr := class.Hooks.CreateCheck(outer, rec); rerr != nil {
			return nil, nil, rerr
		}
	}

	row := class.New()
	if rejected := applyArgs(row, rec, allowed); len(rejected) > 0 {
		invalid := make(map[string]any, len(rejected))
		for k, v := range rejected {
			invalid[k] = v
		}
		return nil, nil, result.InvalidProperties(invalid)
	}
	applyDefaults(row, class, rec)

	err = outer.TxnDo(func(tx *engine.Context) error {
		next := tx.State().EnsureBumped(class.TypeKey)
		stampCreate(row, tx.AccountID, next)

		if err := tx.DB.Table(class.TableName()).Create(row).Error; err != nil {
			if class.Hooks.CreateError != nil {
				newRow, rerr := class.Hooks.CreateError(tx, err)
				if rerr != nil {
					return rerr
				}
				row = newRow
				return nil
			}
			return errors.Wrap(err, "storage: create")
		}
		if class.Hooks.Created != nil {
			if err := class.Hooks.Created(tx, row); err != nil {
				return err
			}
		}
		if class.IsAccountBase {
			if err := seedAccountStates(tx, class.AccountType, baseOf(row).ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if row == nil {
		return nil, nil, errors.Newf("storage: create of %s suppressed without a replacement row", class.TypeKey)
	}

	outer.LogCreationID(class.TypeKey, creationID, baseOf(row).ID)

	var postFn func()
	if class.Hooks.PostprocessCreate != nil {
		postFn = func() { class.Hooks.PostprocessCreate(outer, row) }
	}
	return row, postFn, nil
}

func updateOne[M any](outer *engine.Context, class *recordclass.Class[M], id string, rec map[string]any, allowed map[string]bool) (*M, func(), error) {
	rec, err := resolveCreationRefs(outer, class, rec)
	if err != nil {
		return nil, nil, err
	}

	invalid := make(map[string]any)
	for k := range rec {
		if !allowed[k] {
			invalid[k] = "not settable on update"
		}
	}
	for _, p := range class.Properties {
		if p.Virtual || p.Immutable {
			continue
		}
		if _, already := invalid[p.Name]; already {
			continue
		}
		v, present := rec[p.Name]
		if !present || p.Validator == nil {
			continue
		}
		if verr := p.Validator(v); verr != nil {
			invalid[p.Name] = validatorReason(verr)
		}
	}
	if len(invalid) > 0 {
		return nil, nil, result.InvalidProperties(invalid)
	}

	old := class.New()
	if err := outer.DB.Table(class.TableName()).
		Where("id = ? AND account_id = ? AND is_active = ?", id, outer.AccountID, true).
		Take(old).Error; err != nil {
		return nil, nil, result.InvalidArguments(map[string]any{"id": "not found"})
	}

	if class.Hooks.UpdateCheck != nil {
		if rerr := class.Hooks.UpdateCheck(outer, old, rec); rerr != nil {
			return nil, nil, rerr
		}
	}

	newRow := copyRow(old)
	if rejected := applyArgs(newRow, rec, allowed); len(rejected) > 0 {
		out := make(map[string]any, len(rejected))
		for k, v := range rejected {
			out[k] = v
		}
		return nil, nil, result.InvalidProperties(out)
	}

	err = outer.TxnDo(func(tx *engine.Context) error {
		next := tx.State().EnsureBumped(class.TypeKey)
		stampUpdate(newRow, next)
		if err := tx.DB.Table(class.TableName()).Save(newRow).Error; err != nil {
			return errors.Wrap(err, "storage: update")
		}
		if class.Hooks.Updated != nil {
			if err := class.Hooks.Updated(tx, old, newRow); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var postFn func()
	if class.Hooks.PostprocessUpdate != nil {
		postFn = func() { class.Hooks.PostprocessUpdate(outer, old, newRow) }
	}
	return newRow, postFn, nil
}

func destroyOne[M any](outer *engine.Context, class *recordclass.Class[M], id string) (func(), error) {
	row := class.New()
	if err := outer.DB.Table(class.TableName()).
		Where("id = ? AND account_id = ? AND is_active = ?", id, outer.AccountID, true).
		Take(row).Error; err != nil {
		return nil, result.InvalidArguments(map[string]any{"id": "not found"})
	}

	if class.Hooks.DestroyCheck != nil {
		if rerr := class.Hooks.DestroyCheck(outer, row); rerr != nil {
			return nil, rerr
		}
	}

	err := outer.TxnDo(func(tx *engine.Context) error {
		next := tx.State().EnsureBumped(class.TypeKey)
		stampDestroy(row, next)
		if err := tx.DB.Table(class.TableName()).Save(row).Error; err != nil {
			return errors.Wrap(err, "storage: destroy")
		}
		if class.Hooks.Destroyed != nil {
			if err := class.Hooks.Destroyed(tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var postFn func()
	if class.Hooks.PostprocessDestroy != nil {
		postFn = func() { class.Hooks.PostprocessDestroy(outer, row) }
	}
	return postFn, nil
}

func applyDefaults[M any](row *M, class *recordclass.Class[M], rec map[string]any) {
	for _, p := range class.Properties {
		if p.Virtual || p.Default == nil {
			continue
		}
		if _, present := rec[p.Name]; present {
			continue
		}
		applyArgs(row, map[string]any{p.Name: p.Default}, map[string]bool{p.Name: true})
	}
}

func baseOf(row any) *recordclass.Base {
	v := reflect.ValueOf(row)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()
	baseType := reflect.TypeOf(recordclass.Base{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous && f.Type == baseType {
			return v.Field(i).Addr().Interface().(*recordclass.Base)
		}
	}
	return nil
}

func stampCreate(row any, accountID string, modseq int64) {
	b := baseOf(row)
	if b == nil {
		return
	}
	b.ID = newRowID()
	b.AccountID = accountID
	b.ModSeqCreated = modseq
	b.ModSeqChanged = modseq
	b.IsActive = util.Ptr(true)
	b.Created = now()
}

func stampUpdate(row any, modseq int64) {
	if b := baseOf(row); b != nil {
		b.ModSeqChanged = modseq
	}
}

func stampDestroy(row any, modseq int64) {
	b := baseOf(row)
	if b == nil {
		return
	}
	t := now()
	b.IsActive = nil
	b.DateDestroyed = &t
	b.ModSeqChanged = modseq
}

func copyRow[M any](row *M) *M {
	v := reflect.ValueOf(row).Elem()
	out := reflect.New(v.Type())
	out.Elem().Set(v)
	return out.Interface().(*M)
}
