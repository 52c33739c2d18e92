package transport

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/montagao/iot-device-agent/pkg/log"
)

func TestConnectOptionsURLAndPort(t *testing.T) {
	o := ConnectOptions{Host: "broker.example", ClientID: "dev-1"}
	require.Equal(t, "tcp://broker.example:1883", o.url())

	o.SSL = &TLSConfig{}
	require.Equal(t, "ssl://broker.example:8883", o.url())

	o.Port = 9999
	require.Equal(t, "ssl://broker.example:9999", o.url())
}

func TestProtocolVersionMapping(t *testing.T) {
	require.EqualValues(t, 3, Protocol31.paho())
	require.EqualValues(t, 4, Protocol311.paho())
	require.EqualValues(t, 4, ProtocolDefault.paho())
}

func TestConnectRejectsMissingFields(t *testing.T) {
	tr := New(log.NewPrefixLogger("transport"))
	err := tr.connect(nil, ConnectOptions{}, 0, true) //nolint:staticcheck // nil ctx ok: validated before any ctx use
	require.Error(t, err)
}

func TestReconnectBeforeConnectFails(t *testing.T) {
	tr := New(log.NewPrefixLogger("transport"))
	err := tr.Reconnect(nil, 0) //nolint:staticcheck
	require.Error(t, err)
}

func TestStatusDefaultsDisconnected(t *testing.T) {
	tr := New(log.NewPrefixLogger("transport"))
	st := tr.Status()
	require.False(t, st.Connected)
}
