package game

import (
	"fmt"
	"strings"

	"github.com/zllovesuki/lighthouse/server"
)

// Game slugs known to the catalog
const (
	SlugTF2       = "tf2"
	SlugMinecraft = "minecraft"
	SlugValheim   = "valheim"
)

// Profile describes how to start and query a game variant. Every provider
// handler consumes this through the shared default-options step instead of
// carrying its own per-game switch.
type Profile struct {
	// DefaultPort the server binds when no port was allocated
	DefaultPort int

	// TvEnabled signals the game runs a spectator relay on port+1
	TvEnabled bool

	// RequiresToken signals the game needs a pooled login token to boot
	RequiresToken bool

	// SupportsRcon signals the post-provisioning setup can drive the
	// server over the remote console
	SupportsRcon bool

	// Args builds the process arguments for the startup payload
	Args func(srv *server.Server) string
}

var profiles = map[string]Profile{
	SlugTF2: {
		DefaultPort:   27015,
		TvEnabled:     true,
		RequiresToken: true,
		SupportsRcon:  true,
		Args:          tf2Args,
	},
	SlugMinecraft: {
		DefaultPort: 25565,
		Args:        minecraftArgs,
	},
	SlugValheim: {
		DefaultPort: 2456,
		Args:        valheimArgs,
	},
}

// GetProfile returns the startup profile for the game slug
func GetProfile(slug string) (Profile, bool) {
	p, ok := profiles[slug]
	return p, ok
}

func tf2Args(srv *server.Server) string {
	var b strings.Builder
	b.WriteString("./srcds_run +servercfgfile server -condebug")
	fmt.Fprintf(&b, " +hostname \"%s\"", "Team Fortress")
	fmt.Fprintf(&b, " +sv_password \"%s\"", srv.Data.Password)
	fmt.Fprintf(&b, " +rcon_password \"%s\"", srv.Data.RconPassword)
	mapName := srv.Data.Map
	if mapName == "" {
		mapName = "cp_badlands"
	}
	fmt.Fprintf(&b, " +map \"%s\"", mapName)
	fmt.Fprintf(&b, " +port %d", srv.Port)
	if srv.Data.ServerToken != "" {
		fmt.Fprintf(&b, " +sv_setsteamaccount %s", srv.Data.ServerToken)
	}
	if srv.IP != "" {
		fmt.Fprintf(&b, " +ip %s", srv.IP)
	}
	if srv.TvPort != 0 {
		b.WriteString(" +tv_enable 1")
		fmt.Fprintf(&b, " +tv_name \"%s\"", "SourceTV")
		fmt.Fprintf(&b, " +tv_title \"%s\"", "SourceTV")
		fmt.Fprintf(&b, " +tv_port %d", srv.TvPort)
	}
	return b.String()
}

func minecraftArgs(srv *server.Server) string {
	return fmt.Sprintf("--port %d --rcon-port %d", srv.Port, srv.Port+10)
}

func valheimArgs(srv *server.Server) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-name \"%s\"", "Valheim")
	fmt.Fprintf(&b, " -world \"%s\"", "Dedicated")
	fmt.Fprintf(&b, " -port %d", srv.Port)
	b.WriteString(" -public 1")
	if srv.Data.Password != "" {
		fmt.Fprintf(&b, " -password \"%s\"", srv.Data.Password)
	}
	return b.String()
}
