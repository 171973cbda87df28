// Package config loads process configuration.
//
// Values are layered, later layers winning: built-in defaults, the YAML
// file named by --config or GNOMELLA_CONFIG, GNOMELLA_* environment
// variables, then command-line flags. A .env file, when present, is
// loaded into the environment before any of that.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/transport"
)

// EnvConfigPath names the YAML file when --config is not given.
const EnvConfigPath = "GNOMELLA_CONFIG"

type Mode string

const (
	ModeClient   Mode = "client"
	ModeServer   Mode = "server"
	ModeCombined Mode = "combined"
)

func (m Mode) HasServer() bool { return m == ModeServer || m == ModeCombined }
func (m Mode) HasClient() bool { return m == ModeClient || m == ModeCombined }

type Config struct {
	Mode Mode `yaml:"mode"`
	// AdminAddr enables the admin HTTP surface when set.
	AdminAddr string `yaml:"admin_addr"`

	Log      LogConfig      `yaml:"log"`
	Game     GameConfig     `yaml:"game"`
	Identity IdentityConfig `yaml:"identity"`
	Server   ServerSection  `yaml:"server"`
	Client   ClientSection  `yaml:"client"`
	ICE      ICEConfig      `yaml:"ice"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

type GameConfig struct {
	AppID   uint32 `yaml:"app_id"`
	Version string `yaml:"version"`
}

// IdentityConfig is who this process is on the presence service.
type IdentityConfig struct {
	ID   uint64 `yaml:"id"`
	Name string `yaml:"name"`
}

type ServerSection struct {
	Transport     string        `yaml:"transport"`
	Bind          string        `yaml:"bind"`
	HostID        uint64        `yaml:"host_id"`
	VirtualPort   uint16        `yaml:"virtual_port"`
	MaxPlayers    int           `yaml:"max_players"`
	LobbyVisible  bool          `yaml:"lobby_visible"`
	LobbyRequired bool          `yaml:"lobby_required"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	DrainTimeout  time.Duration `yaml:"drain_timeout"`
}

type ClientSection struct {
	// Join is joined at startup: "local", "friend:<id>[:<lobby>]" or
	// host:port. A friend target without a lobby takes the friend's
	// current one.
	Join                  string        `yaml:"join"`
	JoinTimeout           time.Duration `yaml:"join_timeout"`
	FrameRate             int           `yaml:"frame_rate"`
	StopLocalOnDisconnect bool          `yaml:"stop_local_on_disconnect"`
}

type ICEConfig struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

func Default() Config {
	sc := protocol.DefaultServerConfig()
	return Config{
		Mode:     ModeCombined,
		Log:      LogConfig{Level: "info"},
		Game:     GameConfig{AppID: uint32(protocol.DefaultAppID), Version: transport.DefaultVersion},
		Identity: IdentityConfig{ID: 1, Name: "player"},
		Server: ServerSection{
			Transport:     string(sc.Transport),
			Bind:          sc.Bind.String(),
			VirtualPort:   sc.VirtualPort,
			MaxPlayers:    sc.MaxPlayers,
			LobbyVisible:  sc.LobbyVisible,
			LobbyRequired: sc.LobbyRequired,
			PollInterval:  50 * time.Millisecond,
			DrainTimeout:  2 * time.Second,
		},
		Client: ClientSection{
			JoinTimeout:           10 * time.Second,
			FrameRate:             64,
			StopLocalOnDisconnect: true,
		},
	}
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load builds the configuration from args (without the program name) and
// getenv. It returns pflag.ErrHelp when --help was asked for.
func Load(args []string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	// The first pass only finds --config; the second binds flags over the
	// file and environment values.
	var path string
	scratch := Default()
	if err := newFlagSet(&scratch, &path).Parse(args); err != nil {
		return Config{}, err
	}
	if path == "" {
		path = getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := newFlagSet(&cfg, &path).Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func readFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func newFlagSet(c *Config, path *string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("gnomella", pflag.ContinueOnError)
	fs.StringVar(path, "config", *path, "YAML config file (or "+EnvConfigPath+")")
	fs.StringVar((*string)(&c.Mode), "mode", string(c.Mode), "client, server or combined")
	fs.StringVar(&c.AdminAddr, "admin-addr", c.AdminAddr, "admin HTTP listen address; empty disables it")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "debug, info, warn or error")
	fs.BoolVar(&c.Log.Dev, "log-dev", c.Log.Dev, "human-readable console logs")

	fs.Uint32Var(&c.Game.AppID, "app-id", c.Game.AppID, "presence-service app id")
	fs.StringVar(&c.Game.Version, "game-version", c.Game.Version, "version string peers must match")
	fs.Uint64Var(&c.Identity.ID, "self-id", c.Identity.ID, "presence-service user id")
	fs.StringVar(&c.Identity.Name, "self-name", c.Identity.Name, "presence-service display name")

	fs.StringVar(&c.Server.Transport, "transport", c.Server.Transport, "udp or p2p")
	fs.StringVar(&c.Server.Bind, "bind", c.Server.Bind, "UDP bind address")
	fs.Uint64Var(&c.Server.HostID, "host-id", c.Server.HostID, "p2p host id (defaults to --self-id)")
	fs.Uint16Var(&c.Server.VirtualPort, "virtual-port", c.Server.VirtualPort, "p2p virtual port")
	fs.IntVar(&c.Server.MaxPlayers, "max-players", c.Server.MaxPlayers, "player cap")
	fs.BoolVar(&c.Server.LobbyVisible, "lobby-visible", c.Server.LobbyVisible, "show the lobby to friends")
	fs.BoolVar(&c.Server.LobbyRequired, "lobby-required", c.Server.LobbyRequired, "fail the start without a lobby")
	fs.DurationVar(&c.Server.PollInterval, "poll-interval", c.Server.PollInterval, "server supervisor tick")
	fs.DurationVar(&c.Server.DrainTimeout, "drain-timeout", c.Server.DrainTimeout, "wait for the host worker on stop")

	fs.StringVar(&c.Client.Join, "join", c.Client.Join, `join at startup: "local", "friend:<id>[:<lobby>]" or host:port`)
	fs.DurationVar(&c.Client.JoinTimeout, "join-timeout", c.Client.JoinTimeout, "give up a join after this long")
	fs.IntVar(&c.Client.FrameRate, "frame-rate", c.Client.FrameRate, "client frames per second")
	fs.BoolVar(&c.Client.StopLocalOnDisconnect, "stop-local-on-disconnect", c.Client.StopLocalOnDisconnect, "stop the local server when leaving")

	fs.StringSliceVar(&c.ICE.URLs, "ice-url", c.ICE.URLs, "STUN/TURN url, repeatable")
	fs.StringVar(&c.ICE.Username, "ice-username", c.ICE.Username, "TURN username")
	fs.StringVar(&c.ICE.Credential, "ice-credential", c.ICE.Credential, "TURN credential")
	return fs
}

func applyEnv(c *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var mode string
	str("GNOMELLA_MODE", &mode)
	if mode != "" {
		c.Mode = Mode(mode)
	}
	str("GNOMELLA_ADMIN_ADDR", &c.AdminAddr)
	str("GNOMELLA_LOG_LEVEL", &c.Log.Level)
	str("GNOMELLA_TRANSPORT", &c.Server.Transport)
	str("GNOMELLA_BIND", &c.Server.Bind)
	str("GNOMELLA_JOIN", &c.Client.Join)

	for key, dst := range map[string]*uint64{
		"GNOMELLA_SELF_ID": &c.Identity.ID,
		"GNOMELLA_HOST_ID": &c.Server.HostID,
	} {
		v := getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeClient, ModeServer, ModeCombined:
	default:
		errs = append(errs, fmt.Errorf("mode %q: want client, server or combined", c.Mode))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log level: %w", err))
	}
	if c.Game.AppID == 0 {
		errs = append(errs, errors.New("app id must be set"))
	}
	if c.Identity.ID == 0 {
		errs = append(errs, errors.New("self id must be set"))
	}
	if c.Server.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.Client.JoinTimeout <= 0 {
		errs = append(errs, errors.New("join timeout must be positive"))
	}
	if c.Client.FrameRate <= 0 {
		errs = append(errs, errors.New("frame rate must be positive"))
	}
	if sc, err := c.ServerConfig(); err != nil {
		errs = append(errs, err)
	} else if err := sc.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.JoinTarget(); err != nil {
		errs = append(errs, err)
	}
	if err := transport.ValidateICEServers(c.TransportSettings().ICEServers); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

// ServerConfig is what StartServer carries when this process starts its
// own server.
func (c Config) ServerConfig() (protocol.ServerConfig, error) {
	kind, err := protocol.ParseTransportKind(c.Server.Transport)
	if err != nil {
		return protocol.ServerConfig{}, err
	}
	sc := protocol.ServerConfig{
		Transport:     kind,
		HostID:        protocol.FriendID(c.Server.HostID),
		VirtualPort:   c.Server.VirtualPort,
		MaxPlayers:    c.Server.MaxPlayers,
		LobbyVisible:  c.Server.LobbyVisible,
		LobbyRequired: c.Server.LobbyRequired,
	}
	if kind == protocol.TransportUDP {
		bind, err := netip.ParseAddrPort(c.Server.Bind)
		if err != nil {
			return protocol.ServerConfig{}, fmt.Errorf("bind: %w", err)
		}
		sc.Bind = bind
	}
	if sc.HostID == 0 {
		sc.HostID = protocol.FriendID(c.Identity.ID)
	}
	return sc, nil
}

func (c Config) TransportSettings() transport.Settings {
	return transport.Settings{
		AppID:       protocol.AppID(c.Game.AppID),
		Version:     c.Game.Version,
		VirtualPort: c.Server.VirtualPort,
		ICEServers:  transport.ICEServersFromURLs(c.ICE.URLs, c.ICE.Username, c.ICE.Credential),
	}
}

// JoinTarget parses Client.Join. A nil descriptor means no startup join.
func (c Config) JoinTarget() (protocol.SessionDescriptor, error) {
	return ParseTarget(c.Client.Join)
}

// ParseTarget parses "local", "friend:<id>[:<lobby>]" or host:port.
// Empty is nil.
func ParseTarget(s string) (protocol.SessionDescriptor, error) {
	switch {
	case s == "":
		return nil, nil
	case s == "local":
		return protocol.Local{}, nil
	case strings.HasPrefix(s, "friend:"):
		rest := strings.TrimPrefix(s, "friend:")
		friend, lobby, hasLobby := strings.Cut(rest, ":")
		id, err := strconv.ParseUint(friend, 10, 64)
		if err != nil || id == 0 {
			return nil, fmt.Errorf("join %q: bad friend id", s)
		}
		target := protocol.FriendLobby{FriendID: protocol.FriendID(id)}
		if hasLobby {
			l, err := strconv.ParseUint(lobby, 10, 64)
			if err != nil || l == 0 {
				return nil, fmt.Errorf("join %q: bad lobby id", s)
			}
			target.LobbyID = protocol.LobbyID(l)
		}
		return target, nil
	}
	host, port, err := splitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("join %q: %w", s, err)
	}
	return protocol.DirectAddress{Host: host, Port: port}, nil
}

func splitHostPort(s string) (string, uint16, error) {
	host, rawPort, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, errors.New("missing host")
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil || port == 0 {
		return "", 0, errors.New("bad port")
	}
	return host, uint16(port), nil
}
