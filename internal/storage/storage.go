// Package storage はMinIO / S3互換オブジェクトストレージへのアダプタを提供する。
//
// オブジェクトは bucket + key で識別され、同一キーへのPutは上書きとなる
// （バージョニングは行わない）。署名付きURLはローカルで計算される時間制限付き
// のアクセス権であり、発行時にストレージバックエンドへのネットワークI/Oは
// 発生しない。
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ストレージエラーの分類。
var (
	// ErrUnreachable はストレージサービスに到達できないことを表す。
	ErrUnreachable = errors.New("オブジェクトストレージに到達できません")
	// ErrObjectNotFound は対象のオブジェクトまたはバケットが存在しないことを表す。
	ErrObjectNotFound = errors.New("オブジェクトが見つかりません")
	// ErrPermissionDenied はアクセス権限がないことを表す。
	ErrPermissionDenied = errors.New("オブジェクトストレージへのアクセスが拒否されました")
)

// SignMode は署名付きURLで許可する操作の種別。
type SignMode int

const (
	// SignRead はオブジェクトの読み取り（GET）を許可する。
	SignRead SignMode = iota
	// SignWrite はオブジェクトの書き込み（PUT）を許可する。
	SignWrite
)

// ObjectInfo はストレージ上のオブジェクトのメタデータ。
type ObjectInfo struct {
	// Key はオブジェクトのキー。
	Key string
	// Size はオブジェクトのバイト数。
	Size int64
	// ContentType はオブジェクトのContent-Type。
	ContentType string
	// LastModified は最終更新日時。
	LastModified time.Time
	// ETag はオブジェクトのETag。
	ETag string
}

// Config はストレージアダプタの設定。
type Config struct {
	// Endpoint はストレージサービスのエンドポイント（host:port）。
	Endpoint string
	// AccessKey はアクセスキー。
	AccessKey string
	// SecretKey はシークレットキー。
	SecretKey string
	// Region はバケットのリージョン。空の場合はus-east-1（MinIOの既定値）。
	// 未指定のままクライアント側に解決させると、初回の署名付きURL生成時に
	// バケットロケーション照会のネットワークI/Oが発生してしまう。
	Region string
	// UseSSL は接続にTLSを使用するかどうか。
	UseSSL bool
}

// Client はオブジェクトストレージアダプタ。
type Client struct {
	// mc はMinIOクライアント。
	mc *minio.Client
}

// New は新しいストレージアダプタを生成する。
// この時点ではネットワーク接続は発生しない。
func New(cfg Config) (*Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Region: region,
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("ストレージクライアントの生成に失敗: %w", err)
	}
	return &Client{mc: mc}, nil
}

// EnsureBucket はバケットが存在することを確認し、存在しない場合は作成する。
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return normalizeError(err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return normalizeError(err)
	}
	return nil
}

// Put はオブジェクトをアップロードする。同一キーへの再実行は上書きとなるため
// 冪等である。
func (c *Client) Put(ctx context.Context, bucket, key string, data []byte, contentType string) (*ObjectInfo, error) {
	info, err := c.mc.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, normalizeError(err)
	}
	return &ObjectInfo{
		Key:         key,
		Size:        info.Size,
		ContentType: contentType,
		ETag:        info.ETag,
	}, nil
}

// Get はオブジェクトの内容を取得する。
func (c *Client) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, normalizeError(err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, normalizeError(err)
	}
	return data, nil
}

// Delete はオブジェクトを削除する。
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	if err := c.mc.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return normalizeError(err)
	}
	return nil
}

// List はプレフィックスに一致するオブジェクトの一覧を取得する。
func (c *Client) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var result []ObjectInfo
	for obj := range c.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, normalizeError(obj.Err)
		}
		result = append(result, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
			ETag:         obj.ETag,
		})
	}
	return result, nil
}

// SignedURL はオブジェクトへの時間制限付きアクセスを許可する署名付きURLを
// 生成する。署名は資格情報と有効期限からローカルで計算され、ストレージ
// バックエンドへのネットワークI/Oは発生しない。URLは埋め込まれた有効期限まで
// 追加の認証なしで使用できる。expiryは正の値でなければならない。
func (c *Client) SignedURL(ctx context.Context, bucket, key string, expiry time.Duration, mode SignMode) (string, error) {
	if expiry <= 0 {
		return "", fmt.Errorf("署名付きURLの有効期間は正の値を指定してください: %v", expiry)
	}

	var (
		u   fmt.Stringer
		err error
	)
	switch mode {
	case SignWrite:
		u, err = c.mc.PresignedPutObject(ctx, bucket, key, expiry)
	default:
		u, err = c.mc.PresignedGetObject(ctx, bucket, key, expiry, nil)
	}
	if err != nil {
		return "", normalizeError(err)
	}
	return u.String(), nil
}

// normalizeError はMinIOのエラーを共通の分類に正規化する。
func normalizeError(err error) error {
	if err == nil {
		return nil
	}

	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return errors.Join(ErrObjectNotFound, err)
	case "AccessDenied", "SignatureDoesNotMatch", "InvalidAccessKeyId":
		return errors.Join(ErrPermissionDenied, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errors.Join(ErrObjectNotFound, err)
	}
	if resp.StatusCode == http.StatusForbidden {
		return errors.Join(ErrPermissionDenied, err)
	}

	// HTTPレスポンス以前の失敗（接続拒否・名前解決失敗など）
	if resp.Code == "" {
		return errors.Join(ErrUnreachable, err)
	}
	return err
}
