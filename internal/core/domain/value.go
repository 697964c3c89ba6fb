// Package domain file: internal/core/domain/value.go
package domain

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"
)

// ValueKind 是网关共享类型词汇表中的一个类型标签。
// 所有连接器都必须把原生驱动类型收敛到这个闭集。
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindString
	KindInteger
	KindFloat
	KindBool
	KindDatetime
	KindBinary
)

// String 返回类型标签的规范名称，用于 Schema 输出。
func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindBool:
		return "boolean"
	case KindDatetime:
		return "datetime"
	case KindBinary:
		return "binary"
	default:
		return "null"
	}
}

// Value 是一个带标签的联合体，承载来自任意后端的单元格值。
// 相比 interface{} 裸值，它让每个连接器的输出在编译期就是可检查的。
type Value struct {
	Kind  ValueKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Time  time.Time
	Bytes []byte
}

// 便捷构造函数
func NullValue() Value                { return Value{Kind: KindNull} }
func StringValue(s string) Value      { return Value{Kind: KindString, Str: s} }
func IntegerValue(i int64) Value      { return Value{Kind: KindInteger, Int: i} }
func FloatValue(f float64) Value      { return Value{Kind: KindFloat, Float: f} }
func BoolValue(b bool) Value          { return Value{Kind: KindBool, Bool: b} }
func DatetimeValue(t time.Time) Value { return Value{Kind: KindDatetime, Time: t} }
func BinaryValue(b []byte) Value      { return Value{Kind: KindBinary, Bytes: b} }

// FromNative 把 database/sql 扫描出来的原生值归一化为 Value。
// []byte 默认按文本处理（SQLite/MySQL 驱动常把 TEXT 扫成 []byte），
// 只有无法转成合法 UTF-8 文本时才落到 binary。
func FromNative(v any) Value {
	switch x := v.(type) {
	case nil:
		return NullValue()
	case string:
		return StringValue(x)
	case bool:
		return BoolValue(x)
	case int:
		return IntegerValue(int64(x))
	case int32:
		return IntegerValue(int64(x))
	case int64:
		return IntegerValue(x)
	case float32:
		return FloatValue(float64(x))
	case float64:
		return FloatValue(x)
	case time.Time:
		return DatetimeValue(x)
	case []byte:
		if bytes.ContainsRune(x, 0) || !utf8.Valid(x) {
			cp := make([]byte, len(x))
			copy(cp, x)
			return BinaryValue(cp)
		}
		return StringValue(string(x))
	default:
		return StringValue(fmt.Sprintf("%v", x))
	}
}

// Native 返回适合塞进 map[string]any 的 Go 原生值（喂给 AI 洞察侧使用）。
func (v Value) Native() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInteger:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	case KindDatetime:
		return v.Time.Format(time.RFC3339)
	case KindBinary:
		return base64.StdEncoding.EncodeToString(v.Bytes)
	default:
		return nil
	}
}

// MarshalJSON 实现各类型标签的 JSON 原样输出。
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// Column 描述结果集中的一列，Type 取自共享类型词汇表。
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Row 是一行按列序排列的值，len(Row) 与 RowSet.Columns 对齐。
type Row []Value

// RowSet 是连接器输出的统一行集表示。
// 行在 JSON 中序列化为对象，键顺序等于列顺序。
type RowSet struct {
	Columns []Column
	Rows    []Row
}

// EncodeRows 把所有行编码为 JSON 对象数组，键顺序严格等于列顺序。
// encoding/json 的 map 会按键名排序，所以这里手工拼装。
func (rs *RowSet) EncodeRows() (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, row := range rs.Rows {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('{')
		for j, col := range rs.Columns {
			if j > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(col.Name)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			var cell Value
			if j < len(row) {
				cell = row[j]
			}
			val, err := json.Marshal(cell)
			if err != nil {
				return nil, err
			}
			buf.Write(val)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// MarshalJSON 输出 {"columns":[...],"rows":[...]} 结构。
func (rs *RowSet) MarshalJSON() ([]byte, error) {
	rows, err := rs.EncodeRows()
	if err != nil {
		return nil, err
	}
	cols, err := json.Marshal(rs.Columns)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"columns":`)
	buf.Write(cols)
	buf.WriteString(`,"rows":`)
	buf.Write(rows)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// RowSetFromMaps 把客户端提交的松类型行（JSON 对象数组）收敛为 RowSet。
// 列集取所有行键名的并集并按名称排序（JSON 对象本身不保序），
// 列类型取该列第一个非空值的类型标签。
func RowSetFromMaps(rows []map[string]any) *RowSet {
	names := make([]string, 0)
	seen := make(map[string]bool)
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)

	rs := &RowSet{
		Columns: make([]Column, len(names)),
		Rows:    make([]Row, 0, len(rows)),
	}
	for i, name := range names {
		rs.Columns[i] = Column{Name: name, Type: KindNull.String()}
	}
	for _, row := range rows {
		out := make(Row, len(names))
		for i, name := range names {
			v, ok := row[name]
			if !ok {
				out[i] = NullValue()
				continue
			}
			cell := FromNative(v)
			out[i] = cell
			if rs.Columns[i].Type == KindNull.String() && cell.Kind != KindNull {
				rs.Columns[i].Type = cell.Kind.String()
			}
		}
		rs.Rows = append(rs.Rows, out)
	}
	return rs
}

// NativeRows 把行集转成 []map[string]any，供洞察采样等松类型消费方使用。
func (rs *RowSet) NativeRows() []map[string]any {
	out := make([]map[string]any, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		m := make(map[string]any, len(rs.Columns))
		for i, col := range rs.Columns {
			if i < len(row) {
				m[col.Name] = row[i].Native()
			}
		}
		out = append(out, m)
	}
	return out
}
