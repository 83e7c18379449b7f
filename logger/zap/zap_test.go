package zap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forbearing/ix/config"
	zaplogger "github.com/forbearing/ix/logger/zap"
)

func TestInit(t *testing.T) {
	require.NoError(t, config.Init(""))
	require.NoError(t, zaplogger.Init())
}

func TestNewStdout(t *testing.T) {
	require.NoError(t, config.Init(""))
	l := zaplogger.New("")
	require.NotNil(t, l)
	l.Info("hello")
}
