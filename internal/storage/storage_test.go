package storage

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
)

// newTestClient はテスト用のストレージアダプタを生成する。
// 署名付きURLの生成はローカル計算のため、実際のサーバーは不要。
func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := New(Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		UseSSL:    false,
	})
	if err != nil {
		t.Fatalf("ストレージアダプタの生成に失敗: %v", err)
	}
	return c
}

// TestSignedURL は署名付きURLの生成を検証する。
func TestSignedURL(t *testing.T) {
	t.Parallel()

	t.Run("読み取り用URLに署名と有効期限が含まれること", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t)
		signed, err := c.SignedURL(context.Background(), "app-bucket", "images/photo.png", time.Hour, SignRead)
		if err != nil {
			t.Fatalf("SignedURL()でエラーが発生: %v", err)
		}

		u, err := url.Parse(signed)
		if err != nil {
			t.Fatalf("生成されたURLのパースに失敗: %v", err)
		}
		if u.Path != "/app-bucket/images/photo.png" {
			t.Errorf("Path = %q, want %q", u.Path, "/app-bucket/images/photo.png")
		}

		q := u.Query()
		expires, err := strconv.Atoi(q.Get("X-Amz-Expires"))
		if err != nil {
			t.Fatalf("X-Amz-Expiresのパースに失敗: %v", err)
		}
		if expires != 3600 {
			t.Errorf("X-Amz-Expires = %d, want 3600", expires)
		}
		if q.Get("X-Amz-Signature") == "" {
			t.Error("X-Amz-Signatureが含まれていない")
		}
		if q.Get("X-Amz-Date") == "" {
			t.Error("X-Amz-Dateが含まれていない")
		}
	})

	t.Run("書き込み用URLも生成できること", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t)
		signed, err := c.SignedURL(context.Background(), "app-bucket", "uploads/new.bin", 30*time.Minute, SignWrite)
		if err != nil {
			t.Fatalf("SignedURL()でエラーが発生: %v", err)
		}

		u, err := url.Parse(signed)
		if err != nil {
			t.Fatalf("生成されたURLのパースに失敗: %v", err)
		}
		if got := u.Query().Get("X-Amz-Expires"); got != "1800" {
			t.Errorf("X-Amz-Expires = %q, want %q", got, "1800")
		}
	})

	t.Run("有効期間ゼロは拒否されること", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t)
		if _, err := c.SignedURL(context.Background(), "app-bucket", "k", 0, SignRead); err == nil {
			t.Fatal("有効期間ゼロの署名付きURLが生成された")
		}
	})

	t.Run("負の有効期間は拒否されること", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t)
		if _, err := c.SignedURL(context.Background(), "app-bucket", "k", -time.Minute, SignRead); err == nil {
			t.Fatal("負の有効期間の署名付きURLが生成された")
		}
	})
}

// TestNormalizeError はMinIOエラーの正規化を検証する。
func TestNormalizeError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "NoSuchKeyはErrObjectNotFound",
			err:  minio.ErrorResponse{Code: "NoSuchKey", StatusCode: 404},
			want: ErrObjectNotFound,
		},
		{
			name: "NoSuchBucketはErrObjectNotFound",
			err:  minio.ErrorResponse{Code: "NoSuchBucket", StatusCode: 404},
			want: ErrObjectNotFound,
		},
		{
			name: "AccessDeniedはErrPermissionDenied",
			err:  minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403},
			want: ErrPermissionDenied,
		},
		{
			name: "接続エラーはErrUnreachable",
			err:  errors.New("dial tcp 127.0.0.1:9000: connect: connection refused"),
			want: ErrUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := normalizeError(tt.err); !errors.Is(got, tt.want) {
				t.Errorf("normalizeError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}

	t.Run("nilはnilのまま返ること", func(t *testing.T) {
		t.Parallel()

		if got := normalizeError(nil); got != nil {
			t.Errorf("normalizeError(nil) = %v, want nil", got)
		}
	})
}

// TestSignedURLRegion は署名計算に使用されるリージョンを検証する。
// リージョンが確定していないと初回の署名時にバケットロケーション照会の
// ネットワークI/Oが発生するため、サーバー不在のこのテストが通ること自体が
// ローカル計算の保証になる。
func TestSignedURLRegion(t *testing.T) {
	t.Parallel()

	t.Run("リージョン未指定時はus-east-1で署名されること", func(t *testing.T) {
		t.Parallel()

		c := newTestClient(t)
		signed, err := c.SignedURL(context.Background(), "app-bucket", "images/photo.png", time.Hour, SignRead)
		if err != nil {
			t.Fatalf("SignedURL()でエラーが発生: %v", err)
		}

		u, err := url.Parse(signed)
		if err != nil {
			t.Fatalf("生成されたURLのパースに失敗: %v", err)
		}
		credential := u.Query().Get("X-Amz-Credential")
		if !strings.Contains(credential, "/us-east-1/") {
			t.Errorf("X-Amz-Credential = %q, want us-east-1を含む", credential)
		}
	})

	t.Run("指定したリージョンが署名に使用されること", func(t *testing.T) {
		t.Parallel()

		c, err := New(Config{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Region:    "ap-northeast-1",
		})
		if err != nil {
			t.Fatalf("ストレージアダプタの生成に失敗: %v", err)
		}

		signed, err := c.SignedURL(context.Background(), "app-bucket", "images/photo.png", time.Hour, SignRead)
		if err != nil {
			t.Fatalf("SignedURL()でエラーが発生: %v", err)
		}

		u, err := url.Parse(signed)
		if err != nil {
			t.Fatalf("生成されたURLのパースに失敗: %v", err)
		}
		credential := u.Query().Get("X-Amz-Credential")
		if !strings.Contains(credential, "/ap-northeast-1/") {
			t.Errorf("X-Amz-Credential = %q, want ap-northeast-1を含む", credential)
		}
	})
}
