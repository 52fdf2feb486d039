package app

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rtds-project/rtds/pkg/util"
)

func TestApp_RunStop(t *testing.T) {
	config := NewDefaultConfig()
	config.Server.HTTPListenPort = util.MustGetFreePort()
	config.Server.GRPCListenPort = util.MustGetFreePort() // not used in the test; set to ensure conflict-free start
	config.Store.URL = "sqlite://"

	app, err := New(*config)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- app.Run()
	}()

	// the readiness endpoint eventually reports OK, meaning the server,
	// store, historian, scan loop and api all came up
	readyURL := fmt.Sprintf("http://localhost:%d/ready", config.Server.HTTPListenPort)
	require.Eventually(t, func() bool {
		resp, httpErr := http.Get(readyURL)
		if httpErr != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 30*time.Second, 100*time.Millisecond)

	app.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("app did not stop")
	}

	// and stops being reachable once everything has shut down
	resp, httpErr := http.Get(readyURL)
	if httpErr == nil {
		resp.Body.Close()
	}
	require.Error(t, httpErr)
}
