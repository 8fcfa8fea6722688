package api_test

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/hetianyi/godisk/api"
	"github.com/hetianyi/godisk/bridge"
	"github.com/hetianyi/godisk/common"
	"github.com/hetianyi/godisk/pool"
	"github.com/hetianyi/gox/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Init(&logger.Config{
		Level: logger.DebugLevel,
	})
}

func TestIsStatus(t *testing.T) {
	err := &api.StatusError{Code: bridge.CODE_SIGNIN, Status: bridge.STATUS_FAILED}
	assert.True(t, api.IsStatus(err, bridge.STATUS_FAILED))
	assert.False(t, api.IsStatus(err, bridge.STATUS_NOT_VERIFY))
	assert.True(t, api.IsStatus(fmt.Errorf("sign in: %w", err), bridge.STATUS_FAILED))
	assert.False(t, api.IsStatus(nil, bridge.STATUS_FAILED))
}

// fakeBalancer answers one lookup with pack, or hangs up when pack is nil.
func fakeBalancer(t *testing.T, pack *bridge.ServerInfoPack) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		if pack != nil {
			p := pool.NewBytesPool(256, 1, 0)
			bridge.WriteRecord(c, p, pack)
		}
	}()
	return l.Addr().String()
}

func TestLookup(t *testing.T) {
	addr := fakeBalancer(t, bridge.NewServerInfoPack("s1", "192.168.1.7", 8080, 8081, 3))
	info, err := api.Lookup(addr, time.Second)
	require.Nil(t, err)
	assert.Equal(t, &api.ServerInfo{
		Name:         "s1",
		Host:         "192.168.1.7",
		ShortPort:    8080,
		TransferPort: 8081,
		Connections:  3,
	}, info)

	client := api.NewClientFor(info, nil)
	assert.NotNil(t, client)
}

func TestLookupNoServer(t *testing.T) {
	addr := fakeBalancer(t, nil)
	_, err := api.Lookup(addr, time.Second)
	assert.Equal(t, common.ErrNoServer, err)
}
