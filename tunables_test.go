package tasklink

import (
	"testing"
	"time"

	props "github.com/raskyld/tasklink/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTunables_Defaults(t *testing.T) {
	tun, err := loadTunables(props.New())
	require.NoError(t, err)
	assert.Equal(t, 64, tun.serverWindow)
	assert.Equal(t, 256, tun.maxWindow)
	assert.Equal(t, 1024, tun.wheelSize)
	assert.Equal(t, 10*time.Millisecond, tun.wheelGranule)
	assert.Equal(t, 1024, tun.caps.Length)
	assert.Equal(t, 5*time.Minute, tun.ageOut)
}

func TestLoadTunables_FromToml(t *testing.T) {
	store := props.New()
	require.NoError(t, store.Decode(`
[broker.window]
server = 4
max = 8

[broker.wheel]
granularity = "20ms"

[sockset]
ageout = "30s"
`))
	tun, err := loadTunables(store)
	require.NoError(t, err)
	assert.Equal(t, 4, tun.serverWindow)
	assert.Equal(t, 8, tun.maxWindow)
	assert.Equal(t, 20*time.Millisecond, tun.wheelGranule)
	assert.Equal(t, 30*time.Second, tun.ageOut)
}

func TestLoadTunables_Invalid(t *testing.T) {
	cases := map[string]struct {
		key string
		val any
	}{
		"wheel too small":          {props.KeyWheelSize, 2},
		"zero granule":             {props.KeyWheelGranule, time.Duration(0)},
		"zero ack buffer":          {props.KeyAckBufSize, 0},
		"window above max":         {props.KeyServerWindow, 1024},
		"zero gc tick":             {props.KeyGCTick, time.Duration(0)},
		"window of the wrong type": {props.KeyServerWindow, "wide"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			store := props.New()
			store.Set(tc.key, tc.val)
			_, err := loadTunables(store)
			require.Error(t, err)
		})
	}
}
