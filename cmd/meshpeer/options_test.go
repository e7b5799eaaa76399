package main

import (
	"strings"
	"testing"
)

func clearPeerEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"MESHCALL_SERVER", "MESHCALL_ROOM", "MESHCALL_NAME", "MESHCALL_CODEC", "MESHCALL_CAMERA", "MESHCALL_MIC", "LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearPeerEnv(t)
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server != DefaultServer || cfg.Codec.Name() != "json" || cfg.Camera || !cfg.Mic {
		t.Fatalf("defaults = %+v", cfg)
	}
	if len(strings.Fields(cfg.Name)) != 2 {
		t.Fatalf("generated name = %q", cfg.Name)
	}
	if cfg.APIBase() != "http://localhost:8080" {
		t.Fatalf("api base = %q", cfg.APIBase())
	}
}

func TestLoad_Priority(t *testing.T) {
	clearPeerEnv(t)
	t.Setenv("MESHCALL_SERVER", "wss://env.example.org/ws")
	t.Setenv("MESHCALL_ROOM", "env-room")
	t.Setenv("MESHCALL_CODEC", "msgpack")
	t.Setenv("MESHCALL_CAMERA", "true")
	t.Setenv("MESHCALL_MIC", "true")

	off := false
	cfg, err := Load(Options{Room: "flag-room", Mic: &off})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Room != "flag-room" {
		t.Fatalf("flag should beat env: room = %q", cfg.Room)
	}
	if cfg.Server != "wss://env.example.org/ws" || cfg.Codec.Name() != "msgpack" {
		t.Fatalf("env should beat default: %+v", cfg)
	}
	if !cfg.Camera || cfg.Mic {
		t.Fatalf("camera/mic = %v/%v", cfg.Camera, cfg.Mic)
	}
	if cfg.APIBase() != "https://env.example.org" {
		t.Fatalf("api base = %q", cfg.APIBase())
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		opts Options
		env  map[string]string
	}{
		{"http server", Options{Server: "http://localhost:8080/ws"}, nil},
		{"unknown codec", Options{Codec: "xml"}, nil},
		{"bad bool", Options{}, map[string]string{"MESHCALL_CAMERA": "sometimes"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearPeerEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(tc.opts); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
