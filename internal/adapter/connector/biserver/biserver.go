// Package biserver — 外部 BI 报表服务连接器 (REST JSON)
// file: internal/adapter/connector/biserver/biserver.go
//
// 远端契约：POST {base_url}/api/v1/query，请求体 {dataset, query}，
// 响应体 {columns:[{name,type}], rows:[[...]]}。GET /api/v1/datasets
// 枚举数据集。HTTP 状态码映射到统一错误分类。
package biserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

const backendType = "biserver"

type Connector struct{}

var _ port.Connector = (*Connector)(nil)

func NewConnector() *Connector { return &Connector{} }

func (c *Connector) Type() string { return backendType }

func (c *Connector) Connect(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
	base := params.Get("base_url")
	if base == "" {
		return nil, port.NewConnectionError(port.ConnRefused, backendType,
			fmt.Errorf("缺少必需参数 'base_url'"))
	}
	if _, err := url.Parse(base); err != nil {
		return nil, port.NewConnectionError(port.ConnRefused, backendType,
			fmt.Errorf("base_url 非法: %w", err))
	}

	conn := &Conn{
		base:  strings.TrimSuffix(base, "/"),
		token: params.Get("token"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	if !conn.TestConnection(ctx) {
		return nil, port.NewConnectionError(port.ConnRefused, backendType,
			fmt.Errorf("远端 BI 服务不可达: %s", conn.base))
	}
	return conn, nil
}

type Conn struct {
	base   string
	token  string
	client *http.Client
}

var _ port.Conn = (*Conn)(nil)

type queryRequest struct {
	Dataset string `json:"dataset"`
	Query   string `json:"query"`
}

type queryResponse struct {
	Columns []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"columns"`
	Rows [][]any `json:"rows"`
}

// ExecuteQuery 的 query 形如 "dataset:查询表达式"；没有前缀时
// 整段作为查询表达式、dataset 留空交远端决定默认数据集。
func (c *Conn) ExecuteQuery(ctx context.Context, query string, args []any) (*domain.RowSet, error) {
	dataset, expr := splitDataset(query)
	body, err := json.Marshal(queryRequest{Dataset: dataset, Query: expr})
	if err != nil {
		return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, c.wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.mapStatus(resp)
	}

	var payload queryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<20)).Decode(&payload); err != nil {
		return nil, port.NewQueryError(port.QueryUnknown, backendType,
			fmt.Errorf("解析远端响应失败: %w", err))
	}

	rs := &domain.RowSet{Columns: make([]domain.Column, len(payload.Columns))}
	for i, col := range payload.Columns {
		rs.Columns[i] = domain.Column{Name: col.Name, Type: normalizeType(col.Type)}
	}
	for _, raw := range payload.Rows {
		row := make(domain.Row, len(raw))
		for i, v := range raw {
			row[i] = domain.FromNative(v)
		}
		rs.Rows = append(rs.Rows, row)
	}
	return rs, nil
}

func splitDataset(query string) (dataset, expr string) {
	if i := strings.Index(query, ":"); i > 0 {
		return query[:i], query[i+1:]
	}
	return "", query
}

// normalizeType 压平远端的类型词表，认不出的保守归为 string。
func normalizeType(t string) string {
	switch strings.ToLower(t) {
	case "integer", "int", "long":
		return "integer"
	case "float", "double", "decimal", "number":
		return "float"
	case "boolean", "bool":
		return "boolean"
	case "datetime", "timestamp", "date":
		return "datetime"
	case "binary", "bytes":
		return "binary"
	default:
		return "string"
	}
}

func (c *Conn) GetSchema(ctx context.Context) (*domain.SchemaDescriptor, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/datasets", nil)
	if err != nil {
		return nil, c.wrapTransportErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.mapStatus(resp)
	}

	var payload struct {
		Datasets []struct {
			Name   string `json:"name"`
			Fields []struct {
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"fields"`
		} `json:"datasets"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&payload); err != nil {
		return nil, port.NewQueryError(port.QueryUnknown, backendType,
			fmt.Errorf("解析数据集列表失败: %w", err))
	}

	schema := &domain.SchemaDescriptor{}
	for _, ds := range payload.Datasets {
		table := domain.TableSchema{Name: ds.Name}
		for _, f := range ds.Fields {
			table.Columns = append(table.Columns, domain.Column{Name: f.Name, Type: normalizeType(f.Type)})
		}
		schema.Tables = append(schema.Tables, table)
	}
	return schema, nil
}

func (c *Conn) TestConnection(ctx context.Context) bool {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Close 没有要释放的持久资源，HTTP 连接池随 client 回收。
func (c *Conn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Conn) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

func (c *Conn) wrapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return port.NewQueryError(port.QueryTimeout, backendType, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return port.NewQueryError(port.QueryTimeout, backendType, err)
	}
	return port.NewConnectionError(port.ConnRefused, backendType, err)
}

// mapStatus 把远端 HTTP 状态码映射为统一错误分类。
func (c *Conn) mapStatus(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	cause := fmt.Errorf("远端返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return port.NewConnectionError(port.ConnAuthFailed, backendType, cause)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", port.ErrNotFound, cause)
	case http.StatusBadRequest:
		return port.NewQueryError(port.QuerySyntax, backendType, cause)
	case http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return port.NewQueryError(port.QueryTimeout, backendType, cause)
	default:
		return port.NewQueryError(port.QueryUnknown, backendType, cause)
	}
}
