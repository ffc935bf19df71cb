package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"100B", 100, false},
		{"1KB", 1000, false},
		{"1K", 1024, false},
		{"1.5KiB", 1536, false},
		{"256MB", 256000000, false},
		{"256MiB", 268435456, false},
		{"1 GiB", 1073741824, false},
		{"2t", 2 * TeraByte, false},
		{"", 0, true},
		{"-5", 0, true},
		{"12XB", 0, true},
		{"MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatDataSize(512))
	assert.Equal(t, "1 KB", FormatDataSize(1024))
	assert.Equal(t, "1.5 KB", FormatDataSize(1536))
	assert.Equal(t, "1 MB", FormatDataSize(MegaByte))
	assert.Equal(t, "3 GB", FormatDataSize(3*GigaByte))
	assert.Equal(t, "invalid", FormatDataSize(-1))
}

func TestByteSizeUnmarshal(t *testing.T) {
	var fromJSON struct {
		A ByteSize `json:"a"`
		B ByteSize `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"64MiB","b":2048}`), &fromJSON))
	assert.Equal(t, ByteSize(64*MegaByte), fromJSON.A)
	assert.Equal(t, ByteSize(2048), fromJSON.B)

	var fromYAML struct {
		A ByteSize `yaml:"a"`
		B ByteSize `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 1G\nb: 10\n"), &fromYAML))
	assert.Equal(t, ByteSize(GigaByte), fromYAML.A)
	assert.Equal(t, ByteSize(10), fromYAML.B)

	var bad struct {
		A ByteSize `json:"a"`
	}
	assert.Error(t, json.Unmarshal([]byte(`{"a":"lots"}`), &bad))
}
