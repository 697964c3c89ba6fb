// Package localfs — 本地 CSV 目录连接器
// file: internal/adapter/connector/localfs/localfs.go
//
// 根目录下每个 .csv 文件是一张"表"，首行是列头。查询语义是
// "表名[:limit N]" 的整表读取；列类型从前若干行采样推断。
package localfs

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

const backendType = "localfs"

// typeSampleRows 是类型推断采样的行数上限。
const typeSampleRows = 50

type Connector struct{}

var _ port.Connector = (*Connector)(nil)

func NewConnector() *Connector { return &Connector{} }

func (c *Connector) Type() string { return backendType }

func (c *Connector) Connect(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
	root := params.Get("path")
	if root == "" {
		return nil, port.NewConnectionError(port.ConnRefused, backendType,
			fmt.Errorf("缺少必需参数 'path'"))
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, port.NewConnectionError(port.ConnRefused, backendType,
			fmt.Errorf("目录不可访问: %w", err))
	}
	if !info.IsDir() {
		return nil, port.NewConnectionError(port.ConnRefused, backendType,
			fmt.Errorf("'%s' 不是目录", root))
	}

	conn := &Conn{root: filepath.Clean(root)}
	if err := conn.refreshTables(); err != nil {
		return nil, port.NewConnectionError(port.ConnRefused, backendType, err)
	}
	if err := conn.startWatcher(); err != nil {
		return nil, port.NewConnectionError(port.ConnRefused, backendType, err)
	}
	return conn, nil
}

var _ port.Conn = (*Conn)(nil)

// ExecuteQuery 的 query 形如 "orders" 或 "orders limit 100"。
func (c *Conn) ExecuteQuery(ctx context.Context, query string, args []any) (*domain.RowSet, error) {
	table, limit, err := parseQuery(query)
	if err != nil {
		return nil, port.NewQueryError(port.QuerySyntax, backendType, err)
	}

	path, ok := c.tablePath(table)
	if !ok {
		return nil, port.NewQueryError(port.QuerySyntax, backendType,
			fmt.Errorf("表 '%s' 不存在", table))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
	}
	defer f.Close()

	return readCSV(ctx, f, limit)
}

// parseQuery 解析 "表名[:limit N]" 形式的查询。limit <= 0 表示不限。
func parseQuery(query string) (table string, limit int, err error) {
	fields := strings.Fields(strings.TrimSpace(query))
	switch len(fields) {
	case 1:
		return fields[0], 0, nil
	case 3:
		if !strings.EqualFold(fields[1], "limit") {
			return "", 0, fmt.Errorf("无法解析查询 '%s'，期望 '表名 [limit N]'", query)
		}
		n, convErr := strconv.Atoi(fields[2])
		if convErr != nil || n < 0 {
			return "", 0, fmt.Errorf("limit 取值非法: '%s'", fields[2])
		}
		return fields[0], n, nil
	default:
		return "", 0, fmt.Errorf("无法解析查询 '%s'，期望 '表名 [limit N]'", query)
	}
}

// readCSV 读入 CSV 并推断列类型。首行为列头；空文件是语法错误。
func readCSV(ctx context.Context, r io.Reader, limit int) (*domain.RowSet, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // 行宽不齐时容忍，短行补 null

	header, err := reader.Read()
	if err == io.EOF {
		return nil, port.NewQueryError(port.QuerySyntax, backendType,
			fmt.Errorf("CSV 文件为空，缺少列头行"))
	}
	if err != nil {
		return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
	}

	var raw [][]string
	for {
		if err := ctx.Err(); err != nil {
			return nil, port.NewQueryError(port.QueryTimeout, backendType, err)
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
		}
		raw = append(raw, record)
		if limit > 0 && len(raw) >= limit {
			break
		}
	}

	kinds := inferColumnKinds(len(header), raw)
	rs := &domain.RowSet{Columns: make([]domain.Column, len(header))}
	for i, name := range header {
		rs.Columns[i] = domain.Column{Name: name, Type: kinds[i].String()}
	}
	for _, record := range raw {
		row := make(domain.Row, len(header))
		for i := range header {
			if i >= len(record) {
				row[i] = domain.NullValue()
				continue
			}
			row[i] = coerce(record[i], kinds[i])
		}
		rs.Rows = append(rs.Rows, row)
	}
	return rs, nil
}

// inferColumnKinds 对前 typeSampleRows 行做逐列类型投票：
// 全列可解析才算该类型，混合列退化为 string。
func inferColumnKinds(cols int, raw [][]string) []domain.ValueKind {
	kinds := make([]domain.ValueKind, cols)
	for col := 0; col < cols; col++ {
		kind := domain.KindNull
		sampled := 0
		for _, record := range raw {
			if sampled >= typeSampleRows {
				break
			}
			if col >= len(record) || record[col] == "" {
				continue
			}
			sampled++
			cellKind := sniffKind(record[col])
			switch {
			case kind == domain.KindNull:
				kind = cellKind
			case kind == cellKind:
			case kind == domain.KindInteger && cellKind == domain.KindFloat:
				kind = domain.KindFloat // 整数列里混进小数，整列升格
			case kind == domain.KindFloat && cellKind == domain.KindInteger:
			default:
				kind = domain.KindString
			}
			if kind == domain.KindString {
				break
			}
		}
		if kind == domain.KindNull {
			kind = domain.KindString
		}
		kinds[col] = kind
	}
	return kinds
}

func sniffKind(cell string) domain.ValueKind {
	if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return domain.KindInteger
	}
	if _, err := strconv.ParseFloat(cell, 64); err == nil {
		return domain.KindFloat
	}
	switch strings.ToLower(cell) {
	case "true", "false":
		return domain.KindBool
	}
	if _, err := time.Parse(time.RFC3339, cell); err == nil {
		return domain.KindDatetime
	}
	if _, err := time.Parse("2006-01-02", cell); err == nil {
		return domain.KindDatetime
	}
	return domain.KindString
}

// coerce 按推断出的列类型转换单元格，转不动的落回 string。
func coerce(cell string, kind domain.ValueKind) domain.Value {
	if cell == "" {
		return domain.NullValue()
	}
	switch kind {
	case domain.KindInteger:
		if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
			return domain.IntegerValue(n)
		}
	case domain.KindFloat:
		if f, err := strconv.ParseFloat(cell, 64); err == nil {
			return domain.FloatValue(f)
		}
	case domain.KindBool:
		return domain.BoolValue(strings.EqualFold(cell, "true"))
	case domain.KindDatetime:
		if t, err := time.Parse(time.RFC3339, cell); err == nil {
			return domain.DatetimeValue(t)
		}
		if t, err := time.Parse("2006-01-02", cell); err == nil {
			return domain.DatetimeValue(t)
		}
	}
	return domain.StringValue(cell)
}

func (c *Conn) GetSchema(ctx context.Context) (*domain.SchemaDescriptor, error) {
	c.mu.RLock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	schema := &domain.SchemaDescriptor{}
	for _, name := range names {
		path, ok := c.tablePath(name)
		if !ok {
			continue
		}
		table, err := sampleSchema(ctx, path, name)
		if err != nil {
			return nil, err
		}
		schema.Tables = append(schema.Tables, table)
	}
	return schema, nil
}

// sampleSchema 只读取采样行推断列类型，不加载整个文件。
func sampleSchema(ctx context.Context, path, name string) (domain.TableSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.TableSchema{}, port.NewQueryError(port.QueryUnknown, backendType, err)
	}
	defer f.Close()

	rs, err := readCSV(ctx, f, typeSampleRows)
	if err != nil {
		return domain.TableSchema{}, err
	}
	return domain.TableSchema{Name: name, Columns: rs.Columns}, nil
}

func (c *Conn) TestConnection(ctx context.Context) bool {
	_, err := os.Stat(c.root)
	return err == nil
}
