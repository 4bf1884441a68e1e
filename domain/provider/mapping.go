package provider

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// MapResponse dispatches body to the mapper selected by mapping.Type and
// returns the normalized rows, treating each mapping type as a tagged variant.
func MapResponse(mapping ResponseMapping, body []byte) (interface{}, error) {
	if mapping.Type == MappingTextRegex {
		return MapTextRegex(string(body), mapping)
	}

	root := gjson.ParseBytes(body)
	switch mapping.Type {
	case MappingJSONArray:
		return MapJSONArray(root, mapping)
	case MappingJSONObject:
		return MapJSONObject(root, mapping)
	case MappingJSONDictionary:
		return MapJSONDictionary(root, mapping)
	case MappingJSONValue:
		return MapJSONValue(root, mapping)
	case MappingJSONArrayPositional:
		return MapJSONArrayPositional(root, mapping)
	case MappingJSONKeyedValue:
		return MapJSONKeyedValue(root, mapping)
	case MappingJSONNestedArray:
		return MapJSONNestedArray(root, mapping)
	default:
		return nil, fmt.Errorf("unknown mapping type %q", mapping.Type)
	}
}

func scopeOf(root gjson.Result, rootPath string) gjson.Result {
	if rootPath == "" {
		return root
	}
	return root.Get(rootPath)
}

// MapJSONArray projects each element of a root-path array by field rules.
func MapJSONArray(root gjson.Result, mapping ResponseMapping) ([]map[string]interface{}, error) {
	arr := scopeOf(root, mapping.RootPath)
	if !arr.IsArray() {
		return nil, fmt.Errorf("json_array: root path %q is not an array", mapping.RootPath)
	}
	var rows []map[string]interface{}
	arr.ForEach(func(_, el gjson.Result) bool {
		rows = append(rows, projectFields(el, mapping.Fields, nil))
		return true
	})
	return rows, nil
}

// MapJSONObject projects a single root-path object by field rules.
func MapJSONObject(root gjson.Result, mapping ResponseMapping) (map[string]interface{}, error) {
	obj := scopeOf(root, mapping.RootPath)
	if !obj.IsObject() {
		return nil, fmt.Errorf("json_object: root path %q is not an object", mapping.RootPath)
	}
	return projectFields(obj, mapping.Fields, nil), nil
}

// MapJSONValue extracts a single primitive by root path.
func MapJSONValue(root gjson.Result, mapping ResponseMapping) (interface{}, error) {
	return scopeOf(root, mapping.RootPath).Value(), nil
}

// MapJSONArrayPositional projects an array of tuples to named fields by position.
func MapJSONArrayPositional(root gjson.Result, mapping ResponseMapping) ([]map[string]interface{}, error) {
	arr := scopeOf(root, mapping.RootPath)
	if !arr.IsArray() {
		return nil, fmt.Errorf("json_array_positional: root path %q is not an array", mapping.RootPath)
	}
	var rows []map[string]interface{}
	arr.ForEach(func(_, tuple gjson.Result) bool {
		values := tuple.Array()
		row := make(map[string]interface{}, len(mapping.FieldOrder))
		for i, name := range mapping.FieldOrder {
			if i < len(values) {
				row[name] = values[i].Value()
			} else {
				row[name] = nil
			}
		}
		rows = append(rows, row)
		return true
	})
	return rows, nil
}

// MapJSONKeyedValue maps identifier keys to primitive values.
func MapJSONKeyedValue(root gjson.Result, mapping ResponseMapping) (map[string]interface{}, error) {
	obj := scopeOf(root, mapping.RootPath)
	if !obj.IsObject() {
		return nil, fmt.Errorf("json_keyed_value: root path %q is not an object", mapping.RootPath)
	}
	row := map[string]interface{}{}
	obj.ForEach(func(key, val gjson.Result) bool {
		row[key.String()] = val.Value()
		return true
	})
	return row, nil
}

// MapJSONNestedArray projects a 2D table whose first row defines columns.
func MapJSONNestedArray(root gjson.Result, mapping ResponseMapping) ([]map[string]interface{}, error) {
	arr := scopeOf(root, mapping.RootPath)
	if !arr.IsArray() {
		return nil, fmt.Errorf("json_nested_array: root path %q is not an array", mapping.RootPath)
	}
	tableRows := arr.Array()
	if len(tableRows) == 0 {
		return nil, nil
	}
	columns := tableRows[0].Array()
	columnNames := make([]string, len(columns))
	for i, c := range columns {
		columnNames[i] = c.String()
	}

	var rows []map[string]interface{}
	for _, dataRow := range tableRows[1:] {
		values := dataRow.Array()
		row := make(map[string]interface{}, len(columnNames))
		for i, name := range columnNames {
			if i < len(values) {
				row[name] = values[i].Value()
			} else {
				row[name] = nil
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// MapJSONDictionary recursively walks a nested mapping until it reaches the
// terminal ("leaf") object holding the actual record fields, binding
// per-depth keys to $key/$parentKey/$grandParentKey/$atDepth:N along the way
//.
func MapJSONDictionary(root gjson.Result, mapping ResponseMapping) ([]map[string]interface{}, error) {
	scope := scopeOf(root, mapping.RootPath)
	if !scope.IsObject() {
		return nil, fmt.Errorf("json_dictionary: root path %q is not an object", mapping.RootPath)
	}
	return walkDictionary(scope, mapping.Fields, nil), nil
}

func walkDictionary(value gjson.Result, fields map[string]FieldRule, keyStack []string) []map[string]interface{} {
	if !value.IsObject() {
		return nil
	}
	if isLeafObject(value) {
		return []map[string]interface{}{projectFields(value, fields, depthAccessors(keyStack))}
	}

	var rows []map[string]interface{}
	value.ForEach(func(key, child gjson.Result) bool {
		nextStack := append(append([]string{}, keyStack...), key.String())
		rows = append(rows, walkDictionary(child, fields, nextStack)...)
		return true
	})
	return rows
}

// isLeafObject reports whether value's children are all non-object, i.e.
// value is itself the record rather than another level of nesting.
func isLeafObject(value gjson.Result) bool {
	leaf := true
	value.ForEach(func(_, child gjson.Result) bool {
		if child.IsObject() {
			leaf = false
			return false
		}
		return true
	})
	return leaf
}

// depthAccessors builds the reserved accessor set for the current key stack.
func depthAccessors(keyStack []string) map[string]string {
	n := len(keyStack)
	accessors := make(map[string]string, n+3)
	for i, k := range keyStack {
		accessors[fmt.Sprintf("$atDepth:%d", i)] = k
	}
	if n >= 1 {
		accessors["$key"] = keyStack[n-1]
	}
	if n >= 2 {
		accessors["$parentKey"] = keyStack[n-2]
	}
	if n >= 3 {
		accessors["$grandParentKey"] = keyStack[n-3]
	}
	return accessors
}

// MapTextRegex matches pattern against text, binds named/numbered groups to
// fields, and applies statusMapping to a resolved "status" field if present.
func MapTextRegex(text string, mapping ResponseMapping) (map[string]interface{}, error) {
	re, err := regexp.Compile(mapping.Pattern)
	if err != nil {
		return nil, fmt.Errorf("text_regex: compile pattern: %w", err)
	}
	match := re.FindStringSubmatch(text)
	if match == nil {
		return nil, fmt.Errorf("text_regex: no match")
	}

	groups := map[string]string{}
	for i, name := range re.SubexpNames() {
		if i == 0 {
			continue
		}
		if name != "" {
			groups[name] = match[i]
		}
		groups[strconv.Itoa(i)] = match[i]
	}

	row := map[string]interface{}{}
	for fieldName, rule := range mapping.Fields {
		for _, candidate := range strings.Split(rule.Path, "|") {
			if v, ok := groups[strings.TrimSpace(candidate)]; ok {
				row[fieldName] = applyTransform(v, rule.Transform)
				break
			}
		}
	}

	if mapping.StatusMapping != nil {
		if status, ok := row["status"]; ok {
			literal := fmt.Sprint(status)
			if mapped, found := mapping.StatusMapping[literal]; found {
				row["status"] = mapped
			} else {
				row["status"] = "unknown"
			}
		}
	}
	return row, nil
}

func projectFields(scope gjson.Result, fields map[string]FieldRule, accessors map[string]string) map[string]interface{} {
	row := make(map[string]interface{}, len(fields))
	for name, rule := range fields {
		row[name] = resolveFieldValue(scope, rule, accessors)
	}
	return row
}

// resolveFieldValue evaluates a field rule's fallback chain (path|path|...)
// against scope and the given reserved accessors, then applies its transform.
func resolveFieldValue(scope gjson.Result, rule FieldRule, accessors map[string]string) interface{} {
	transform := rule.Transform
	var defaultLiteral, ifEmptyLiteral *string
	if strings.HasPrefix(transform, "default:") {
		v := strings.TrimPrefix(transform, "default:")
		defaultLiteral = &v
		transform = ""
	} else if strings.HasPrefix(transform, "ifEmpty:") {
		v := strings.TrimPrefix(transform, "ifEmpty:")
		ifEmptyLiteral = &v
		transform = ""
	}

	var raw interface{}
	found := false
	for _, candidate := range strings.Split(rule.Path, "|") {
		candidate = strings.TrimSpace(candidate)
		if v, ok := accessors[candidate]; ok {
			raw = v
			found = true
			break
		}
		res := scope.Get(candidate)
		if res.Exists() {
			raw = res.Value()
			found = true
			break
		}
	}

	if !found {
		if defaultLiteral != nil {
			return applyTransform(*defaultLiteral, "")
		}
		return nil
	}
	if ifEmptyLiteral != nil && isEmptyValue(raw) {
		raw = *ifEmptyLiteral
	}
	return applyTransform(raw, transform)
}

func isEmptyValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case float64:
		return t == 0
	}
	return false
}

func applyTransform(raw interface{}, transform string) interface{} {
	switch transform {
	case "number", "float":
		return toFloat(raw)
	case "int":
		return int64(toFloat(raw))
	case "string":
		return fmt.Sprint(raw)
	case "boolean":
		return toBool(raw)
	default:
		return raw
	}
}

func toFloat(raw interface{}) float64 {
	switch t := raw.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}

func toBool(raw interface{}) bool {
	switch t := raw.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	default:
		return false
	}
}
