package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oltcli/oltcli/internal/config"
)

func TestObjectPath(t *testing.T) {
	started := time.Date(2026, 10, 14, 9, 5, 7, 0, time.UTC)
	meta := ReportMeta{JobID: "job-1", Kind: "provision", Target: "10.0.0.1", Started: started}
	assert.Equal(t, "reports/10.0.0.1/20261014/provision_090507_job-1.txt", meta.objectPath("/reports/"))

	meta.Ext = ".yaml"
	meta.Target = "olt east/1"
	p := meta.objectPath("")
	assert.True(t, strings.HasSuffix(p, ".yaml"))
	assert.NotContains(t, strings.TrimSuffix(p, "/20261014/provision_090507_job-1.yaml"), "/", "目标名中的分隔符被替换")
	assert.Equal(t, "application/yaml", contentTypeFor(meta.Ext))
}

func TestLocalReportStore(t *testing.T) {
	cfg := config.Default().Storage
	cfg.Local.BaseDir = t.TempDir()

	obj, err := NewReportStore(cfg).Put(context.Background(), ReportMeta{JobID: "j1", Kind: "run", Target: "olt-a"}, "hello\n")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(obj.URI, "file://"+cfg.Local.BaseDir))
	assert.Equal(t, int64(6), obj.Size)
	assert.True(t, strings.HasPrefix(obj.Checksum, "sha256:"))

	data, err := os.ReadFile(strings.TrimPrefix(obj.URI, "file://"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
	assert.Equal(t, "olt-a", filepath.Base(filepath.Dir(filepath.Dir(strings.TrimPrefix(obj.URI, "file://")))))
}

func TestMinioFallbackToLocal(t *testing.T) {
	cfg := config.Default().Storage
	cfg.Backend = "minio"
	cfg.Local.BaseDir = t.TempDir()

	obj, err := NewReportStore(cfg).Put(context.Background(), ReportMeta{Kind: "run", Target: "olt-a"}, "x")
	assert.Error(t, err, "未配置 MinIO 时返回预警")
	assert.True(t, strings.HasPrefix(obj.URI, "file://"), "回退写入本地")
}
