// Package media はコンテンツに添付されたメディアの署名付きURLを発行する。
// オブジェクトは非公開バケットに置き、閲覧権限のある閲覧者にだけ短時間有効なURLを返す。
package media

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultURLTTL は署名付きURLの既定の有効期間。
const DefaultURLTTL = 5 * time.Minute

// Signer はメディアキーから閲覧用URLを発行する。
type Signer interface {
	SignURL(ctx context.Context, key string) (string, error)
}

// Config はS3互換ストレージの設定。
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO等を使う場合のみ指定
	URLTTL   time.Duration
}

// S3Signer はS3の署名付きGET URLを発行するSigner。
type S3Signer struct {
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

// NewS3Signer は既定の認証情報チェーンからAWS設定を読み込み、S3Signerを生成する。
func NewS3Signer(ctx context.Context, cfg Config) (*S3Signer, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("media: bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3SignerFromConfig(awsCfg, cfg), nil
}

// NewS3SignerFromConfig は読み込み済みのAWS設定からS3Signerを生成する。
func NewS3SignerFromConfig(awsCfg aws.Config, cfg Config) *S3Signer {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &S3Signer{
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		ttl:     ttl,
	}
}

// SignURL はキーに対する署名付きURLを返す。キーが空の場合は空文字列を返す。
func (s *S3Signer) SignURL(ctx context.Context, key string) (string, error) {
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", nil
	}

	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

var _ Signer = (*S3Signer)(nil)
