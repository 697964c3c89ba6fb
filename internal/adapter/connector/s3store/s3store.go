// Package s3store — S3 兼容对象存储连接器
// file: internal/adapter/connector/s3store/s3store.go
//
// 对象存储没有行列语义，这里把"查询"定义为前缀列举：
// ExecuteQuery 的 query 是 key 前缀，每个对象映射为一行
// {key, size, last_modified, etag, storage_class}；GetSchema
// 把首层公共前缀当作"表"。
package s3store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"DataAegis/internal/core/domain"
	"DataAegis/internal/core/port"
)

const backendType = "s3"

// maxListedObjects 是单次查询返回的对象数上限，防止超大桶拖垮响应。
const maxListedObjects = 10000

type Connector struct{}

var _ port.Connector = (*Connector)(nil)

func NewConnector() *Connector { return &Connector{} }

func (c *Connector) Type() string { return backendType }

func (c *Connector) Connect(ctx context.Context, params domain.ConnParams) (port.Conn, error) {
	bucket := params.Get("bucket")
	if bucket == "" {
		return nil, port.NewConnectionError(port.ConnRefused, backendType,
			fmt.Errorf("缺少必需参数 'bucket'"))
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(params.GetDefault("region", "us-east-1")),
	}
	// 显式凭据优先；缺省时走 SDK 默认链（环境变量 / IAM 角色）
	if ak := params.Get("access_key_id"); ak != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, params.Get("secret_access_key"), "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, port.NewConnectionError(port.ConnRefused, backendType, err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		// MinIO 等自建端点
		if endpoint := params.Get("endpoint"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	conn := &Conn{client: client, bucket: bucket}
	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err != nil {
		return nil, port.NewConnectionError(classifyS3Err(err), backendType,
			fmt.Errorf("无法访问桶 '%s': %w", bucket, err))
	}
	return conn, nil
}

func classifyS3Err(err error) port.ConnErrKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return port.ConnTimeout
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"accessdenied", "invalidaccesskeyid", "signaturedoesnotmatch", "403"} {
		if strings.Contains(msg, marker) {
			return port.ConnAuthFailed
		}
	}
	return port.ConnRefused
}

// lister 抽出 ListObjectsV2 以便测试注入假实现。
type lister interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Conn struct {
	client lister
	bucket string
}

var _ port.Conn = (*Conn)(nil)

// objectColumns 是对象列举结果的固定列形状。
var objectColumns = []domain.Column{
	{Name: "key", Type: "string"},
	{Name: "size", Type: "integer"},
	{Name: "last_modified", Type: "datetime"},
	{Name: "etag", Type: "string"},
	{Name: "storage_class", Type: "string"},
}

func (c *Conn) ExecuteQuery(ctx context.Context, query string, args []any) (*domain.RowSet, error) {
	prefix := strings.TrimSpace(query)
	rs := &domain.RowSet{Columns: objectColumns}

	var token *string
	for {
		out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, port.NewQueryError(port.QueryTimeout, backendType, err)
			}
			return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
		}
		for _, obj := range out.Contents {
			rs.Rows = append(rs.Rows, domain.Row{
				domain.StringValue(aws.ToString(obj.Key)),
				domain.IntegerValue(aws.ToInt64(obj.Size)),
				domain.DatetimeValue(aws.ToTime(obj.LastModified)),
				domain.StringValue(strings.Trim(aws.ToString(obj.ETag), `"`)),
				domain.StringValue(string(obj.StorageClass)),
			})
			if len(rs.Rows) >= maxListedObjects {
				return rs, nil
			}
		}
		if out.NextContinuationToken == nil {
			return rs, nil
		}
		token = out.NextContinuationToken
	}
}

// GetSchema 以 "/" 为分隔符做一层浅列举，每个公共前缀算一张表。
func (c *Conn) GetSchema(ctx context.Context) (*domain.SchemaDescriptor, error) {
	out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(c.bucket),
		Delimiter: aws.String("/"),
	})
	if err != nil {
		return nil, port.NewQueryError(port.QueryUnknown, backendType, err)
	}

	schema := &domain.SchemaDescriptor{}
	for _, cp := range out.CommonPrefixes {
		schema.Tables = append(schema.Tables, domain.TableSchema{
			Name:    strings.TrimSuffix(aws.ToString(cp.Prefix), "/"),
			Columns: objectColumns,
		})
	}
	// 根层散落的对象归入伪表 ""
	if len(out.Contents) > 0 {
		schema.Tables = append(schema.Tables, domain.TableSchema{Name: "", Columns: objectColumns})
	}
	return schema, nil
}

func (c *Conn) TestConnection(ctx context.Context) bool {
	_, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(c.bucket),
		MaxKeys: aws.Int32(1),
	})
	return err == nil
}

func (c *Conn) Close() error { return nil }
