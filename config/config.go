// Package config loads server and client settings from a YAML file.
package config

import (
	"fmt"
	"io/ioutil"
	"time"

	"github.com/TheSmallBoat/tether/session"
	"gopkg.in/yaml.v2"
)

type Server struct {
	TCPAddr          string        `yaml:"tcp_addr"`
	UDPPort          int           `yaml:"udp_port"`
	ClientUDPPort    int           `yaml:"client_udp_port"`
	Version          int32         `yaml:"version"`
	UniqueIDs        bool          `yaml:"unique_ids"`
	Multicast        bool          `yaml:"multicast"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	FrameBudget      int           `yaml:"frame_budget"`
	Backlog          int           `yaml:"backlog"`
	Tick             time.Duration `yaml:"tick"`
}

type Client struct {
	Addr           string        `yaml:"addr"`
	FallbackAddr   string        `yaml:"fallback_addr"`
	ServerUDP      string        `yaml:"server_udp"`
	UDPPort        int           `yaml:"udp_port"`
	Version        int32         `yaml:"version"`
	Multicast      bool          `yaml:"multicast"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	Reconnect      bool          `yaml:"reconnect"`
	ReconnectTries int           `yaml:"reconnect_tries"`
	Backlog        int           `yaml:"backlog"`
	Name           string        `yaml:"name"`
	Tick           time.Duration `yaml:"tick"`
}

type Config struct {
	Server Server `yaml:"server"`
	Client Client `yaml:"client"`
}

const DefaultTick = 16 * time.Millisecond

// Default returns the settings used for anything a file leaves out.
func Default() Config {
	s := session.DefaultServerOptions()
	c := session.DefaultClientOptions()

	return Config{
		Server: Server{
			TCPAddr:          ":5127",
			UDPPort:          5128,
			ClientUDPPort:    5129,
			Version:          s.Version,
			UniqueIDs:        s.UniqueIDs,
			HandshakeTimeout: s.HandshakeTimeout,
			IdleTimeout:      s.IdleTimeout,
			FrameBudget:      s.FrameBudget,
			Backlog:          s.Backlog,
			Tick:             DefaultTick,
		},
		Client: Client{
			Addr:           "127.0.0.1:5127",
			ServerUDP:      "127.0.0.1:5128",
			UDPPort:        5129,
			Version:        c.Version,
			ConnectTimeout: c.ConnectTimeout,
			KeepAlive:      c.KeepAlive,
			Reconnect:      true,
			ReconnectTries: c.ReconnectTries,
			Backlog:        c.Backlog,
			Tick:           DefaultTick,
		},
	}
}

// Parse decodes YAML on top of Default. Durations are written as Go durations, "2s".
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

func (s Server) Options() session.ServerOptions {
	return session.ServerOptions{
		TCPAddr:          s.TCPAddr,
		UDPPort:          s.UDPPort,
		ClientUDPPort:    s.ClientUDPPort,
		Version:          s.Version,
		UniqueIDs:        s.UniqueIDs,
		Multicast:        s.Multicast,
		HandshakeTimeout: s.HandshakeTimeout,
		IdleTimeout:      s.IdleTimeout,
		FrameBudget:      s.FrameBudget,
		Backlog:          s.Backlog,
	}
}

func (c Client) Options() session.ClientOptions {
	return session.ClientOptions{
		UDPPort:        c.UDPPort,
		Version:        c.Version,
		Multicast:      c.Multicast,
		ConnectTimeout: c.ConnectTimeout,
		KeepAlive:      c.KeepAlive,
		Reconnect:      c.Reconnect,
		ReconnectTries: c.ReconnectTries,
		Backlog:        c.Backlog,
	}
}
