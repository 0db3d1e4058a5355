package server

import (
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/acurioustractor/farmhand/config"
	"github.com/acurioustractor/farmhand/server/api"
	"github.com/acurioustractor/farmhand/task"
)

const testAPIKey = "key-0123456789"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Config{
		Server: config.ServerConfig{Addr: ":0", CORSOrigins: []string{"http://dash.local"}},
		Auth: config.AuthConfig{
			AdminUser: "admin",
			AdminPass: string(hash),
			JWTSecret: "test-secret-key-1234567890",
			APIKeys:   []string{testAPIKey},
		},
	}
	return New(cfg, &api.Handlers{Tasks: store, Agents: store, Version: "test"}, nil)
}
