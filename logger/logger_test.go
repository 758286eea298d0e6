package logger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/amirphl/Kusanagi/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func TestNew(t *testing.T) {
	t.Run("InvalidLevel", func(t *testing.T) {
		_, err := New(config.LoggingConfig{Level: "loud"}, config.DeploymentConfig{})
		require.Error(t, err)
	})

	t.Run("FileOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "app.log")
		l, err := New(config.LoggingConfig{Level: "debug", Output: "file", FilePath: path, MaxSize: 1}, config.DeploymentConfig{Environment: "test"})
		require.NoError(t, err)
		l.Info("hello")
		assert.NoError(t, l.Sync())
		assert.FileExists(t, path)
		assert.Same(t, l, zap.L())
	})
}

func TestFromContext(t *testing.T) {
	nop := zap.NewNop()
	ctx := WithContext(context.Background(), nop)
	assert.Same(t, nop, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestGormLoggerLogMode(t *testing.T) {
	l := NewGormLogger(gormlogger.Warn, 0)
	silent := l.LogMode(gormlogger.Silent)
	assert.NotSame(t, l, silent)
	assert.Equal(t, gormlogger.Warn, l.level)
}
