package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ValentinKolb/dMQ/rpc/common"
)

func TestWrapString(t *testing.T) {
	wrapped := WrapString(strings.Repeat("word ", 30))
	for _, line := range strings.Split(wrapped, "\n") {
		assert.LessOrEqual(t, len(line), Wrap)
	}
	assert.Equal(t, "short text", WrapString("  short   text "))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, SplitList(" a, ,b,"))
	assert.Nil(t, SplitList(""))
}

func TestServerConfigFileAndFlags(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("endpoints", "tcp://0.0.0.0:7070:headersize", "")
	cmd.Flags().String("entity", "echo", "")
	cmd.Flags().Int("cycle-time", 100, "")
	SetupSocketFlags(cmd)

	path := filepath.Join(t.TempDir(), "dmq.toml")
	content := "entity_name = \"from-file\"\ncycle_time_ms = 5\n\n[socket]\nread_buffer_size = 1\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	require.NoError(t, cmd.ParseFlags([]string{"--config", path, "--cycle-time", "7"}))
	require.NoError(t, BindCommandFlags(cmd))

	conf, err := GetServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"tcp://0.0.0.0:7070:headersize"}, conf.Endpoints)
	assert.Equal(t, "from-file", conf.EntityName)
	assert.Equal(t, 7*time.Millisecond, conf.CycleTime(), "explicit flag wins over the file")
	assert.Equal(t, 1, conf.Socket.ReadBufferSize)
	assert.True(t, conf.Socket.TCPNoDelay)
}

func TestMissingConfigFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("config", filepath.Join(t.TempDir(), "missing.toml"))

	_, err := GetClientConfig()
	assert.Error(t, err)
}

func TestConnectOptions(t *testing.T) {
	opts, err := ConnectOptions(&common.ClientConfig{
		ContentType:          "json",
		TimeoutSecond:        3,
		ReconnectIntervalMs:  250,
		TotalReconnectSecond: 60,
		MaxConnections:       4,
	})
	require.NoError(t, err)
	assert.Equal(t, common.ContentTypeJSON, opts.ContentType)
	assert.Equal(t, 3*time.Second, opts.DialTimeout)
	assert.Equal(t, 250*time.Millisecond, opts.ReconnectInterval)
	assert.Equal(t, time.Minute, opts.TotalReconnectDuration)
	assert.Equal(t, 4, opts.MaxConnections)

	_, err = ConnectOptions(&common.ClientConfig{ContentType: "xml"})
	assert.Error(t, err)
}
