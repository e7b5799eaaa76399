package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	petname "github.com/dustinkirkland/golang-petname"

	"meshcall/pkg/webrtc/protocol"
)

// Default configuration values
const (
	DefaultServer = "ws://localhost:8080/ws"
	DefaultCodec  = "json"
)

// Options holds raw flag values. Empty strings and nil bools mean "not set".
type Options struct {
	Server   string
	Room     string
	Name     string
	Codec    string
	Camera   *bool
	Mic      *bool
	LogLevel string
}

// PeerConfig is the resolved configuration of one headless peer.
type PeerConfig struct {
	Server   string
	Room     string
	Name     string
	Codec    protocol.Codec
	Camera   bool
	Mic      bool
	LogLevel string
}

// Load resolves configuration with the following priority:
// 1. CLI flags (passed via Options)
// 2. Environment variables
// 3. Defaults
func Load(opts Options) (*PeerConfig, error) {
	server := pick(opts.Server, "MESHCALL_SERVER", DefaultServer)
	u, err := url.Parse(server)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("invalid relay url %q: want ws:// or wss://", server)
	}

	codec, err := protocol.CodecByName(pick(opts.Codec, "MESHCALL_CODEC", DefaultCodec))
	if err != nil {
		return nil, err
	}

	camera, err := pickBool(opts.Camera, "MESHCALL_CAMERA", false)
	if err != nil {
		return nil, err
	}
	mic, err := pickBool(opts.Mic, "MESHCALL_MIC", true)
	if err != nil {
		return nil, err
	}

	name := pick(opts.Name, "MESHCALL_NAME", "")
	if name == "" {
		name = petname.Generate(2, " ")
	}

	return &PeerConfig{
		Server:   server,
		Room:     pick(opts.Room, "MESHCALL_ROOM", ""),
		Name:     name,
		Codec:    codec,
		Camera:   camera,
		Mic:      mic,
		LogLevel: pick(opts.LogLevel, "LOG_LEVEL", "info"),
	}, nil
}

// APIBase returns the HTTP origin serving the relay's REST endpoints.
func (c *PeerConfig) APIBase() string {
	u, err := url.Parse(c.Server)
	if err != nil {
		return ""
	}
	scheme := "http"
	if u.Scheme == "wss" {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}

func pick(flag, env, fallback string) string {
	if v := strings.TrimSpace(flag); v != "" {
		return v
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v
	}
	return fallback
}

func pickBool(flag *bool, env string, fallback bool) (bool, error) {
	if flag != nil {
		return *flag, nil
	}
	v := strings.TrimSpace(os.Getenv(env))
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	return b, nil
}
