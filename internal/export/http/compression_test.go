package http

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressor_RoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte(`{"ip":4096,"scope":"compute_0","active":12}`+"\n"), 32)

	tests := []struct {
		algorithm string
		encoding  string
		shrinks   bool
	}{
		{algorithm: CompressionNone, encoding: ""},
		{algorithm: CompressionGzip, encoding: "gzip", shrinks: true},
		{algorithm: CompressionZstd, encoding: "zstd", shrinks: true},
		{algorithm: CompressionZlib, encoding: "deflate", shrinks: true},
		{algorithm: CompressionSnappy, encoding: "snappy", shrinks: true},
	}

	for _, tt := range tests {
		t.Run(tt.algorithm, func(t *testing.T) {
			c, err := NewCompressor(tt.algorithm)
			require.NoError(t, err)

			defer c.Close()

			out, err := c.Compress(body)
			require.NoError(t, err)
			assert.Equal(t, tt.encoding, c.ContentEncoding())

			if tt.shrinks {
				assert.Less(t, len(out), len(body))
			}

			back, err := Decompress(c.ContentEncoding(), out)
			require.NoError(t, err)
			assert.Equal(t, body, back)
		})
	}
}

func TestCompressor_Unsupported(t *testing.T) {
	_, err := NewCompressor("brotli")
	require.Error(t, err)

	_, err = Decompress("br", []byte("x"))
	require.Error(t, err)

	assert.True(t, ValidCompression(""))
	assert.False(t, ValidCompression("lz4"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg:  Config{Enabled: true, Address: "http://localhost:8080"},
		},
		{
			name: "disabled skips validation",
			cfg:  Config{Address: "::bad"},
		},
		{
			name:    "missing address",
			cfg:     Config{Enabled: true},
			wantErr: "address is required",
		},
		{
			name:    "invalid compression",
			cfg:     Config{Enabled: true, Address: "http://localhost:8080", Compression: "lz4"},
			wantErr: "invalid compression",
		},
		{
			name: "batch larger than queue",
			cfg: Config{
				Enabled:      true,
				Address:      "http://localhost:8080",
				BatchSize:    1000,
				MaxQueueSize: 100,
			},
			wantErr: "batch_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ApplyDefaults()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var cfg Config

	cfg.ApplyDefaults()

	assert.Equal(t, CompressionZstd, cfg.Compression)
	assert.Equal(t, 1024, cfg.BatchSize)
	assert.True(t, cfg.IsKeepAlive())
}
