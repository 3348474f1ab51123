// SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{in: "512M", want: 512 << 20},
		{in: "2G", want: 2 << 30},
		{in: "2g", want: 2 << 30},
		{in: "64k", want: 64 << 10},
		{in: "1T", want: 1 << 40},
		{in: "2048", want: 2048 << 20},
		{in: " 16M ", want: 16 << 20},
		{in: "", wantErr: true},
		{in: "0", wantErr: true},
		{in: "M", wantErr: true},
		{in: "12Q", wantErr: true},
		{in: "-4M", wantErr: true},
		{in: "99999999999999999G", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("want error, got %d", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("want %d, got %d", tt.want, got)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Size:       256 << 20,
		Driver:     DriverNBD,
		ListenAddr: "127.0.0.1:10809",
		ExportName: "vram",
		BlockSize:  4096,
		Queues:     2,
		QueueDepth: 64,
		Mlock:      MlockWarn,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults ok", mutate: func(c *Config) {}},
		{name: "ublk ok", mutate: func(c *Config) { c.Driver = DriverUblk }},
		{name: "bad driver", mutate: func(c *Config) { c.Driver = "loop" }, wantErr: true},
		{name: "bad mlock", mutate: func(c *Config) { c.Mlock = "maybe" }, wantErr: true},
		{name: "mlock off", mutate: func(c *Config) { c.Mlock = MlockOff }},
		{name: "block size not power of two", mutate: func(c *Config) { c.BlockSize = 3000 }, wantErr: true},
		{name: "block size too small", mutate: func(c *Config) { c.BlockSize = 256 }, wantErr: true},
		{name: "size not multiple of block size", mutate: func(c *Config) { c.Size = 4097 }, wantErr: true},
		{name: "negative platform", mutate: func(c *Config) { c.Platform = -1 }, wantErr: true},
		{name: "empty listen addr", mutate: func(c *Config) { c.ListenAddr = "" }, wantErr: true},
		{
			name: "ublk zero queues",
			mutate: func(c *Config) {
				c.Driver = DriverUblk
				c.Queues = 0
			},
			wantErr: true,
		},
		{
			name: "ublk depth too deep",
			mutate: func(c *Config) {
				c.Driver = DriverUblk
				c.QueueDepth = 5000
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("want error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
