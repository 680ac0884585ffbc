package game

import (
	"testing"

	"github.com/zllovesuki/lighthouse/server"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProfile(t *testing.T) {
	for _, slug := range []string{SlugTF2, SlugMinecraft, SlugValheim} {
		p, ok := GetProfile(slug)
		require.True(t, ok, "profile for %s should exist", slug)
		assert.NotZero(t, p.DefaultPort)
		assert.NotNil(t, p.Args)
	}
	_, ok := GetProfile("quake")
	assert.False(t, ok)
}

func TestTF2Args(t *testing.T) {
	srv := &server.Server{
		IP:     "203.0.113.7",
		Port:   27015,
		TvPort: 27016,
		Data: server.Data{
			Password:     "hunter2",
			RconPassword: "rcon2",
			ServerToken:  "ABCDEF",
		},
	}
	p, ok := GetProfile(SlugTF2)
	require.True(t, ok)
	args := p.Args(srv)

	assert.Contains(t, args, `+sv_password "hunter2"`)
	assert.Contains(t, args, `+rcon_password "rcon2"`)
	assert.Contains(t, args, "+port 27015")
	assert.Contains(t, args, "+sv_setsteamaccount ABCDEF")
	assert.Contains(t, args, "+ip 203.0.113.7")
	assert.Contains(t, args, "+tv_port 27016")
	// no map requested means the stock map
	assert.Contains(t, args, `+map "cp_badlands"`)
}

func TestTF2ArgsWithoutTv(t *testing.T) {
	srv := &server.Server{
		Port: 27015,
		Data: server.Data{
			Map: "cp_process_final",
		},
	}
	p, _ := GetProfile(SlugTF2)
	args := p.Args(srv)

	assert.Contains(t, args, `+map "cp_process_final"`)
	assert.NotContains(t, args, "+tv_enable")
	assert.NotContains(t, args, "+sv_setsteamaccount")
}

func TestTF2ProfileCapabilities(t *testing.T) {
	p, _ := GetProfile(SlugTF2)
	assert.True(t, p.TvEnabled)
	assert.True(t, p.RequiresToken)
	assert.True(t, p.SupportsRcon)

	mc, _ := GetProfile(SlugMinecraft)
	assert.False(t, mc.TvEnabled)
	assert.False(t, mc.RequiresToken)
	assert.False(t, mc.SupportsRcon)
}

func TestValheimArgs(t *testing.T) {
	srv := &server.Server{
		Port: 2456,
		Data: server.Data{
			Password: "secret",
		},
	}
	p, _ := GetProfile(SlugValheim)
	args := p.Args(srv)

	assert.Contains(t, args, "-port 2456")
	assert.Contains(t, args, `-password "secret"`)
}
