// Package safejson produces bounded, acyclic JSON documents for durable
// writes. Arbitrary inputs (cyclic structures, oversized blobs,
// unserializable values) are reduced to a compact simplified form so a
// bad document can never break a persistence write.
package safejson

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/skyduel/skyduel/pkg/models"
)

// DefaultBudget is the maximum serialized size of a sanitized document.
const DefaultBudget = 50 * 1024

// Simplification reasons
const (
	ReasonOversize       = "exceeds_size_budget"
	ReasonUnserializable = "serialization_failed"
)

const (
	maxKeys        = 10
	maxSampleKeys  = 5
	maxSampleElems = 3
	maxStringRunes = 100
)

// Sanitize returns a document that re-serializes within DefaultBudget
// and contains no cycles. It never panics and never fails.
func Sanitize(v interface{}) map[string]interface{} {
	return SanitizeWithBudget(v, DefaultBudget)
}

// SanitizeWithBudget is Sanitize with an explicit size budget in bytes.
func SanitizeWithBudget(v interface{}, budget int) map[string]interface{} {
	if budget <= 0 {
		budget = DefaultBudget
	}

	data, err := json.Marshal(v)
	if err == nil && len(data) <= budget {
		var doc map[string]interface{}
		if json.Unmarshal(data, &doc) == nil && doc != nil {
			return doc
		}
		// Serializable but not an object: wrap it
		var value interface{}
		if json.Unmarshal(data, &value) == nil {
			return map[string]interface{}{"value": value}
		}
	}

	reason := ReasonOversize
	if err != nil {
		reason = ReasonUnserializable
	}

	doc := simplify(v, reason)

	// The simplified form is small by construction, but keys can still be
	// pathological; fall back to the bare marker if it misses the budget.
	if data, err := json.Marshal(doc); err != nil || len(data) > budget {
		doc = map[string]interface{}{
			"simplified":            true,
			"simplification_reason": reason,
		}
	}
	return doc
}

// simplify builds the bounded replacement document for a value that
// could not be stored as-is.
func simplify(v interface{}, reason string) map[string]interface{} {
	doc := map[string]interface{}{
		"simplified":            true,
		"simplification_reason": reason,
		"original_type":         fmt.Sprintf("%T", v),
		"timestamp":             time.Now().UTC().Format(time.RFC3339),
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return doc
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		describeMap(doc, rv)
	case reflect.Struct:
		describeStruct(doc, rv)
	case reflect.Slice, reflect.Array:
		describeSequence(doc, rv)
	case reflect.String:
		doc["length"] = rv.Len()
		doc["sample"] = truncate(rv.String())
	}

	return doc
}

func describeMap(doc map[string]interface{}, rv reflect.Value) {
	doc["key_count"] = rv.Len()

	names := make([]string, 0, rv.Len())
	byName := make(map[string]reflect.Value, rv.Len())
	for _, key := range rv.MapKeys() {
		name := truncate(fmt.Sprint(key.Interface()))
		names = append(names, name)
		byName[name] = rv.MapIndex(key)
	}
	sort.Strings(names)

	keys := names
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}
	doc["keys"] = keys

	sample := map[string]interface{}{}
	for _, name := range names {
		if len(sample) == maxSampleKeys {
			break
		}
		if value, ok := primitive(byName[name]); ok {
			sample[name] = value
		}
	}
	if len(sample) > 0 {
		doc["sample"] = sample
	}
}

func describeStruct(doc map[string]interface{}, rv reflect.Value) {
	rt := rv.Type()

	names := make([]string, 0, rt.NumField())
	byName := make(map[string]reflect.Value, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		if !rv.Field(i).CanInterface() {
			continue
		}
		name := rt.Field(i).Name
		names = append(names, name)
		byName[name] = rv.Field(i)
	}
	sort.Strings(names)

	doc["key_count"] = len(names)

	keys := names
	if len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}
	doc["keys"] = keys

	sample := map[string]interface{}{}
	for _, name := range names {
		if len(sample) == maxSampleKeys {
			break
		}
		if value, ok := primitive(byName[name]); ok {
			sample[name] = value
		}
	}
	if len(sample) > 0 {
		doc["sample"] = sample
	}
}

func describeSequence(doc map[string]interface{}, rv reflect.Value) {
	doc["length"] = rv.Len()

	n := rv.Len()
	if n > maxSampleElems {
		n = maxSampleElems
	}

	sample := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		if value, ok := primitive(rv.Index(i)); ok {
			sample = append(sample, value)
		} else {
			sample = append(sample, map[string]interface{}{
				"type": rv.Index(i).Type().String(),
			})
		}
	}
	if len(sample) > 0 {
		doc["sample"] = sample
	}
}

// primitive extracts a bounded primitive representation of a value, or
// reports that the value is not primitive.
func primitive(rv reflect.Value) (interface{}, bool) {
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, true
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.String:
		return truncate(rv.String()), true
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			// Not JSON-serializable; keep the textual form
			return fmt.Sprint(f), true
		}
		return f, true
	default:
		return nil, false
	}
}

func truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStringRunes {
		return s
	}
	return string(runes[:maxStringRunes])
}

// Digest produces the minimal status document used for noisy services
// whose full state is too chatty to persist on every update.
func Digest(state models.ServiceState) map[string]interface{} {
	doc := map[string]interface{}{
		"status":  string(state.Status),
		"running": state.Running,
	}
	if state.LastCheck != nil {
		doc["last_check"] = state.LastCheck.UTC().Format(time.RFC3339)
	}

	if cb, ok := state.Stats["circuit_breaker"].(map[string]interface{}); ok {
		subset := map[string]interface{}{}
		for _, key := range []string{"is_open", "failures", "last_failure"} {
			if value, exists := cb[key]; exists {
				subset[key] = value
			}
		}
		if len(subset) > 0 {
			doc["circuit_breaker"] = subset
		}
	}
	return doc
}
