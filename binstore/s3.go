package binstore

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/migadu/sieve/helpers"
	"github.com/migadu/sieve/logger"
)

// S3 keeps binaries as objects in an S3 compatible bucket, optionally
// encrypted client side with AES-256-GCM.
type S3 struct {
	Client        *minio.Client
	BucketName    string
	Prefix        string
	EncryptionKey []byte
}

func NewS3(endpoint, accessKeyID, secretAccessKey, bucketName, prefix string, useSSL, debug bool) (*S3, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKeyID, secretAccessKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		logger.Error("Binary store: failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if debug {
		client.TraceOn(os.Stdout)
	}
	return &S3{Client: client, BucketName: bucketName, Prefix: prefix}, nil
}

// EnableEncryption sets the hex encoded 32 byte key used for client side
// encryption.
func (s *S3) EnableEncryption(encryptionKey string) error {
	key, err := hex.DecodeString(encryptionKey)
	if err != nil {
		return fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes (64 hex characters)")
	}
	s.EncryptionKey = key
	logger.Info("Binary store: client-side encryption enabled")
	return nil
}

func (s *S3) Backend() string { return "s3" }

func (s *S3) key(location string) string {
	return helpers.NewS3Key(s.Prefix, Owner(location), LocationHash(location))
}

func (s *S3) Get(ctx context.Context, location string) (data []byte, err error) {
	start := time.Now()
	defer func() { observe(s.Backend(), "get", start, err) }()

	obj, err := s.Client.GetObject(ctx, s.BucketName, s.key(location), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.mapError(err)
	}
	defer obj.Close()
	data, err = io.ReadAll(obj)
	if err != nil {
		return nil, s.mapError(err)
	}
	if s.EncryptionKey != nil {
		if data, err = decrypt(s.EncryptionKey, data); err != nil {
			return nil, fmt.Errorf("failed to decrypt binary: %w", err)
		}
	}
	return data, nil
}

func (s *S3) Put(ctx context.Context, location string, data []byte) (err error) {
	start := time.Now()
	defer func() { observe(s.Backend(), "put", start, err) }()

	if s.EncryptionKey != nil {
		if data, err = encrypt(s.EncryptionKey, data); err != nil {
			return fmt.Errorf("failed to encrypt binary: %w", err)
		}
	}
	_, err = s.Client.PutObject(ctx, s.BucketName, s.key(location), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream", SendContentMd5: true})
	if err != nil {
		return fmt.Errorf("failed to upload binary (%s): %w", classifyS3Error(err), err)
	}
	return nil
}

func (s *S3) Delete(ctx context.Context, location string) error {
	err := s.Client.RemoveObject(ctx, s.BucketName, s.key(location), minio.RemoveObjectOptions{})
	if err != nil && !errors.Is(s.mapError(err), ErrNotFound) {
		return fmt.Errorf("failed to delete binary: %w", err)
	}
	return nil
}

func (s *S3) mapError(err error) error {
	var resp minio.ErrorResponse
	if errors.As(err, &resp) && (resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey") {
		return ErrNotFound
	}
	return fmt.Errorf("failed to download binary (%s): %w", classifyS3Error(err), err)
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func classifyS3Error(err error) string {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "Forbidden"):
		return "access_denied"
	case strings.Contains(msg, "SlowDown"), strings.Contains(msg, "RequestLimitExceeded"):
		return "throttled"
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return "network_error"
	default:
		return "unknown"
	}
}
