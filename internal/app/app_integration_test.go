//go:build integration

package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/customers/internal/config"
	"github.com/hitoshi/customers/internal/github/githubtest"
	"github.com/hitoshi/customers/internal/testutil/containers"
)

func TestNewServer_PostgresBackend_EndToEnd(t *testing.T) {
	pg := containers.GetPostgres(t)
	ctx := context.Background()
	require.NoError(t, pg.Truncate(ctx))

	directory := githubtest.NewServer()
	defer directory.Close()
	directory.SetupUser("validuser")

	cfg := memoryConfig(directory.URL)
	cfg.StorageBackend = config.StorageBackendPostgres
	cfg.DatabaseURL = pg.DSN
	cfg.AutoMigrate = true

	srv, err := newServer(ctx, cfg)
	require.NoError(t, err)
	defer srv.Close()

	ts := httptest.NewServer(srv.http.Handler)
	defer ts.Close()

	body := `{"fullName":"Ada Lovelace","email":"ada@example.com","gitHubUsername":"validuser","dateOfBirth":"1990-01-01"}`
	resp, err := http.Post(ts.URL+"/customers", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/customers/" + created.ID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/customers/"+created.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
