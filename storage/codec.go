package storage

import (
	"reflect"
	"strings"
	"time"
)

// toArgs flattens row (a *M embedding recordclass.Base) into the wire
// argument map a K/get or /set "created"/"updated" entry carries. Field
// names are taken from a "json" tag when present, else lowerCamel of the
// Go field name; anonymous embedded structs (Base) are flattened in
// place, matching how the mandatory columns sit alongside declared
// properties in the wire representation.
func toArgs(row any) map[string]any {
	v := reflect.ValueOf(row)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return map[string]any{}
		}
		v = v.Elem()
	}
	out := make(map[string]any)
	flattenInto(v, out)
	return out
}

func flattenInto(v reflect.Value, out map[string]any) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		fv := v.Field(i)
		if f.Anonymous && fv.Kind() == reflect.Struct {
			flattenInto(fv, out)
			continue
		}
		if f.PkgPath != "" { // unexported
			continue
		}
		out[wireName(f)] = fv.Interface()
	}
}

func wireName(f reflect.StructField) string {
	if tag := f.Tag.Get("json"); tag != "" {
		name := strings.Split(tag, ",")[0]
		if name != "" && name != "-" {
			return name
		}
	}
	return lowerFirst(f.Name)
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// applyArgs writes args into row's fields, restricted to the keys in
// allowed. It returns, per rejected key, a short reason string suitable for
// an invalidProperties entry. Unknown keys (not a declared property at
// all) are reported the same way as keys outside the client-permission set
// — the caller distinguishes them before calling this, per the
// structural-before-value validation order.
func applyArgs(row any, args map[string]any, allowed map[string]bool) map[string]string {
	v := reflect.ValueOf(row)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	fieldByWireName := make(map[string]reflect.Value)
	collectFields(v, fieldByWireName)

	rejected := make(map[string]string)
	for key, val := range args {
		if !allowed[key] {
			continue // caller already rejected / reported these
		}
		fv, ok := fieldByWireName[key]
		if !ok {
			rejected[key] = "unknown property"
			continue
		}
		if err := assign(fv, val); err != nil {
			rejected[key] = err.Error()
		}
	}
	return rejected
}

func collectFields(v reflect.Value, out map[string]reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		fv := v.Field(i)
		if f.Anonymous && fv.Kind() == reflect.Struct {
			collectFields(fv, out)
			continue
		}
		if f.PkgPath != "" {
			continue
		}
		out[wireName(f)] = fv
	}
}

func assign(fv reflect.Value, val any) error {
	if val == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}

	// *time.Time / time.Time from an RFC3339 string.
	switch fv.Interface().(type) {
	case time.Time:
		if s, ok := val.(string); ok {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return err
			}
			fv.Set(reflect.ValueOf(t))
			return nil
		}
	case *time.Time:
		if s, ok := val.(string); ok {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return err
			}
			fv.Set(reflect.ValueOf(&t))
			return nil
		}
	}

	rv := reflect.ValueOf(val)
	switch fv.Kind() {
	case reflect.Ptr:
		elem := reflect.New(fv.Type().Elem())
		if err := assign(elem.Elem(), val); err != nil {
			return err
		}
		fv.Set(elem)
		return nil
	case reflect.String:
		if rv.Kind() != reflect.String {
			return errNotAssignable(val, fv.Type())
		}
		fv.SetString(rv.String())
		return nil
	case reflect.Bool:
		if rv.Kind() != reflect.Bool {
			return errNotAssignable(val, fv.Type())
		}
		fv.SetBool(rv.Bool())
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch n := val.(type) {
		case float64:
			fv.SetInt(int64(n))
		case int:
			fv.SetInt(int64(n))
		case int64:
			fv.SetInt(n)
		default:
			return errNotAssignable(val, fv.Type())
		}
		return nil
	case reflect.Slice:
		if rv.Kind() != reflect.Slice {
			return errNotAssignable(val, fv.Type())
		}
		out := reflect.MakeSlice(fv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			if err := assign(out.Index(i), rv.Index(i).Interface()); err != nil {
				return err
			}
		}
		fv.Set(out)
		return nil
	default:
		if rv.Type().AssignableTo(fv.Type()) {
			fv.Set(rv)
			return nil
		}
		return errNotAssignable(val, fv.Type())
	}
}

type assignError struct {
	val any
	typ reflect.Type
}

func (e *assignError) Error() string { return "wrong type for this property" }

func errNotAssignable(val any, t reflect.Type) error { return &assignError{val, t} }
