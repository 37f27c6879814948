package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/jmylchreest/scalerd/internal/config"
	"github.com/jmylchreest/scalerd/internal/http/handlers"
	"github.com/jmylchreest/scalerd/internal/http/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerConfigFrom(t *testing.T) {
	sc := ServerConfigFrom(config.ServerConfig{
		Host:        "127.0.0.1",
		Port:        9000,
		ReadTimeout: 5 * time.Second,
		CORSOrigins: []string{"https://a.example"},
	})

	assert.Equal(t, "127.0.0.1", sc.Host)
	assert.Equal(t, 9000, sc.Port)
	assert.Equal(t, 5*time.Second, sc.ReadTimeout)
	assert.Equal(t, 30*time.Second, sc.WriteTimeout)
	assert.Equal(t, []string{"https://a.example"}, sc.CORSOrigins)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)), "1.2.3")
	handlers.NewHealthHandler("1.2.3").Register(srv.API())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	url := "http://" + ln.Addr().String()
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(url + "/livez") //nolint:noctx // test helper
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(middleware.RequestIDHeader))

	var body handlers.LivezResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, <-errCh)
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil, "")
	assert.NoError(t, srv.Shutdown(context.Background()))
}
