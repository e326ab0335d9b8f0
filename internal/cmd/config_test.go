package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	toml "github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"
)

func TestConfigKey(t *testing.T) {
	type sample struct {
		Addr              string
		MetricsAddr       string
		URBQueueDepth     int
		ConnectionTimeout string
		Named             string `name:"custom"`
	}
	want := []string{"addr", "metrics_addr", "urb_queue_depth", "connection_timeout", "custom"}
	typ := reflect.TypeOf(sample{})
	for i, w := range want {
		t.Run(w, func(t *testing.T) {
			assert.Equal(t, w, configKey(typ.Field(i)))
		})
	}
}

func TestTemplate_Server(t *testing.T) {
	m := template(reflect.TypeOf(Server{}))

	usbCfg, ok := m["usb"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ":3241", usbCfg["addr"])
	assert.Equal(t, "5s", usbCfg["connection_timeout"])
	assert.Equal(t, int64(256), usbCfg["urb_queue_depth"])

	apiCfg, ok := m["api"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ":3242", apiCfg["addr"])
	assert.Equal(t, false, apiCfg["require_auth"])
	assert.NotContains(t, apiCfg, "connection_timeout", "kong:\"-\" fields are skipped")

	_, ok = m["mdns"].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "30s", m["connection_timeout"])
}

func TestConfigInit(t *testing.T) {
	tests := []struct {
		command string
		format  string
		decode  func([]byte, *map[string]any) error
	}{
		{"server", "json", func(b []byte, m *map[string]any) error { return json.Unmarshal(b, m) }},
		{"proxy", "yaml", func(b []byte, m *map[string]any) error { return yaml.Unmarshal(b, m) }},
		{"dump", "toml", func(b []byte, m *map[string]any) error {
			tree, err := toml.LoadBytes(b)
			if err != nil {
				return err
			}
			*m = tree.ToMap()
			return nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.command+"/"+tt.format, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "out", tt.command+"."+tt.format)
			c := &ConfigInit{Command: tt.command, Format: tt.format, Output: dest}
			require.NoError(t, c.Run())

			data, err := os.ReadFile(dest)
			require.NoError(t, err)
			var m map[string]any
			require.NoError(t, tt.decode(data, &m))
			assert.NotEmpty(t, m)

			err = c.Run()
			assert.Error(t, err, "existing file needs --force")
			c.Force = true
			assert.NoError(t, c.Run())
		})
	}
}

func TestConfigInit_Contents(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "proxy.json")
	require.NoError(t, (&ConfigInit{Command: "proxy", Format: "json", Output: dest}).Run())
	data, err := os.ReadFile(dest)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, ":3243", m["listen_addr"])
	assert.Equal(t, "30s", m["connection_timeout"])
}
