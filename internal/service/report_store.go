package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/oltcli/oltcli/internal/config"
	"github.com/oltcli/oltcli/pkg/logger"
)

// ReportStore 批量报告存储
type ReportStore interface {
	Put(ctx context.Context, meta ReportMeta, content string) (StoredObject, error)
}

// ReportMeta 报告元数据
type ReportMeta struct {
	JobID  string
	Kind   string
	Target string
	// Started 任务开始时间，决定目录日期
	Started time.Time
	// Ext 文件扩展名，默认 txt
	Ext string
}

// StoredObject 已写入对象
type StoredObject struct {
	URI         string `json:"uri"`
	Size        int64  `json:"size"`
	Checksum    string `json:"checksum"`
	ContentType string `json:"content_type"`
}

// objectPath 报告相对路径：prefix/target/YYYYMMDD/kind_HHMMSS_jobid.ext
func (m ReportMeta) objectPath(prefix string) string {
	started := m.Started
	if started.IsZero() {
		started = time.Now()
	}
	ext := strings.TrimPrefix(strings.TrimSpace(m.Ext), ".")
	if ext == "" {
		ext = "txt"
	}
	name := fmt.Sprintf("%s_%s", slug(m.Kind), started.Format("150405"))
	if id := strings.TrimSpace(m.JobID); id != "" {
		name += "_" + slug(id)
	}
	parts := []string{}
	if p := strings.Trim(strings.TrimSpace(prefix), "/"); p != "" {
		parts = append(parts, p)
	}
	parts = append(parts, slug(m.Target), started.Format("20060102"), name+"."+ext)
	return path.Join(parts...)
}

func contentTypeFor(ext string) string {
	switch strings.TrimPrefix(strings.ToLower(ext), ".") {
	case "yaml", "yml":
		return "application/yaml"
	}
	return "text/plain; charset=utf-8"
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NewReportStore 根据配置创建存储（委派到本地或 MinIO）
func NewReportStore(cfg config.StorageConfig) ReportStore {
	s := &DelegatingReportStore{cfg: cfg, local: &LocalReportStore{cfg: cfg}}
	if strings.EqualFold(strings.TrimSpace(cfg.Backend), "minio") {
		s.minio = initMinioStore(cfg)
	}
	return s
}

// DelegatingReportStore 按配置后端路由，MinIO 失败时回退本地
type DelegatingReportStore struct {
	cfg   config.StorageConfig
	local *LocalReportStore
	minio *MinioReportStore
}

// Put 写入报告；回退本地成功时同时返回对象与预警错误
func (s *DelegatingReportStore) Put(ctx context.Context, meta ReportMeta, content string) (StoredObject, error) {
	if !strings.EqualFold(strings.TrimSpace(s.cfg.Backend), "minio") {
		return s.local.Put(ctx, meta, content)
	}
	if s.minio == nil {
		logger.Warn("MinIO backend selected but client not initialized; falling back to local")
		obj, lerr := s.local.Put(ctx, meta, content)
		if lerr != nil {
			return StoredObject{}, fmt.Errorf("minio client not initialized; local fallback failed: %w", lerr)
		}
		return obj, fmt.Errorf("minio client not initialized; wrote to local instead")
	}
	obj, err := s.minio.Put(ctx, meta, content)
	if err != nil {
		logger.WithField("error", err).Warn("MinIO write failed; falling back to local")
		objLocal, lerr := s.local.Put(ctx, meta, content)
		if lerr != nil {
			return StoredObject{}, fmt.Errorf("minio write failed: %v; local fallback failed: %w", err, lerr)
		}
		return objLocal, fmt.Errorf("minio write failed: %w; fell back to local successfully", err)
	}
	return obj, nil
}

// LocalReportStore 本地文件存储
type LocalReportStore struct {
	cfg config.StorageConfig
}

// Put 写入 base_dir 下的文件
func (s *LocalReportStore) Put(ctx context.Context, meta ReportMeta, content string) (StoredObject, error) {
	baseDir := strings.TrimSpace(s.cfg.Local.BaseDir)
	if baseDir == "" {
		baseDir = "./data"
	}
	fullPath := filepath.Join(baseDir, filepath.FromSlash(meta.objectPath(s.cfg.Prefix)))

	dir := filepath.Dir(fullPath)
	if s.cfg.Local.MkdirIfMissing {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return StoredObject{}, fmt.Errorf("failed to create dir: %w", err)
		}
	}

	data := []byte(content)
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return StoredObject{}, fmt.Errorf("failed to write file: %w", err)
	}
	return StoredObject{
		URI:         "file://" + fullPath,
		Size:        int64(len(data)),
		Checksum:    checksum(data),
		ContentType: contentTypeFor(meta.Ext),
	}, nil
}

// MinioReportStore MinIO 对象存储
type MinioReportStore struct {
	cfg           config.StorageConfig
	client        *minio.Client
	endpoint      string
	bucketEnsured bool
}

// initMinioStore 初始化 MinIO 客户端（包含超时设置与 bucket 校验）
func initMinioStore(cfg config.StorageConfig) *MinioReportStore {
	host := strings.TrimSpace(cfg.Minio.Host)
	port := cfg.Minio.Port
	if host == "" || port <= 0 {
		logger.Warn("MinIO configuration incomplete; host/port missing")
		return nil
	}
	endpoint := fmt.Sprintf("%s:%d", host, port)

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          16,
		MaxIdleConnsPerHost:   16,
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.Minio.AccessKey, cfg.Minio.SecretKey, ""),
		Secure:    cfg.Minio.Secure,
		Transport: transport,
	})
	if err != nil {
		logger.Errorf("MinIO client initialization failed: %v", err)
		return nil
	}

	s := &MinioReportStore{cfg: cfg, client: client, endpoint: endpoint}
	if strings.TrimSpace(cfg.Minio.Bucket) == "" {
		logger.Warn("MinIO bucket not configured")
		return s
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.ensureBucket(ctx, cfg.Minio.Bucket, 1); err != nil {
		logger.Warnf("MinIO bucket ensure at init failed: %v", err)
	} else {
		s.bucketEnsured = true
	}
	return s
}

// Put 上传报告对象
func (s *MinioReportStore) Put(ctx context.Context, meta ReportMeta, content string) (StoredObject, error) {
	if s == nil || s.client == nil {
		return StoredObject{}, fmt.Errorf("minio client not initialized")
	}
	bucket := strings.TrimSpace(s.cfg.Minio.Bucket)
	if bucket == "" {
		return StoredObject{}, fmt.Errorf("minio bucket not configured")
	}
	if err := s.fastConnectivityCheck(ctx); err != nil {
		return StoredObject{}, fmt.Errorf("minio connectivity failed to %s: %w", s.endpoint, err)
	}
	if !s.bucketEnsured {
		if err := s.ensureBucket(ctx, bucket, 2); err != nil {
			return StoredObject{}, fmt.Errorf("minio ensure bucket failed: %w", err)
		}
		s.bucketEnsured = true
	}

	objectName := meta.objectPath(s.cfg.Prefix)
	data := []byte(content)
	ct := contentTypeFor(meta.Ext)

	// 指数退避重试
	var lastErr error
	for _, wait := range []time.Duration{2 * time.Second, 4 * time.Second} {
		attemptCtx, cancel := attemptContext(ctx, wait)
		_, err := s.client.PutObject(attemptCtx, bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: ct})
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		time.Sleep(wait)
	}
	if lastErr != nil {
		return StoredObject{}, fmt.Errorf("minio put object failed after retries: %w", lastErr)
	}
	return StoredObject{
		URI:         "minio://" + path.Join(bucket, objectName),
		Size:        int64(len(data)),
		Checksum:    checksum(data),
		ContentType: ct,
	}, nil
}

// fastConnectivityCheck TCP 直连探测
func (s *MinioReportStore) fastConnectivityCheck(parent context.Context) error {
	d := &net.Dialer{Timeout: 3 * time.Second}
	conn, err := d.DialContext(parent, "tcp", s.endpoint)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ensureBucket 校验并创建 bucket
func (s *MinioReportStore) ensureBucket(parent context.Context, bucket string, retries int) error {
	var lastErr error
	for i := 0; i <= retries; i++ {
		ctx, cancel := attemptContext(parent, 10*time.Second)
		exists, err := s.client.BucketExists(ctx, bucket)
		if err == nil && !exists {
			err = s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
		}
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	return lastErr
}

// attemptContext 限时上下文，尊重父上下文的剩余时间
func attemptContext(parent context.Context, prefer time.Duration) (context.Context, context.CancelFunc) {
	if deadline, ok := parent.Deadline(); ok {
		remain := time.Until(deadline)
		if remain > time.Second && prefer < remain {
			return context.WithTimeout(parent, prefer)
		}
		if remain > time.Second {
			return context.WithTimeout(parent, remain-time.Second)
		}
		return context.WithTimeout(parent, time.Second)
	}
	return context.WithTimeout(parent, prefer)
}

var slugRe = regexp.MustCompile(`[^a-z0-9._-]+`)

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer(" ", "_", "/", "_", "\\", "_", ":", "_").Replace(s)
	s = slugRe.ReplaceAllString(s, "")
	if s == "" {
		s = "unknown"
	}
	return s
}
