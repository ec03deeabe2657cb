package devicefleet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/testhelpers"
)

func writeConfig(t *testing.T, idpURL, devicesURL string) string {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
identity:
  base_url: %s
  client_id: console
device_api:
  base_url: %s
token_store:
  path: %s
capabilities:
  Receive: [Operators, Administrators]
log:
  level: error
`, idpURL, devicesURL, filepath.Join(dir, "session.age"))
	path := filepath.Join(dir, "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestOpen(t *testing.T) {
	idp := testhelpers.NewFakeIdP(t)
	idp.AddUser(testhelpers.FakeUser{Username: "ana", Password: "pw", Groups: []string{"Operators"}})
	backend := testhelpers.NewFakeDeviceBackend(t)
	backend.Put("CROW-42", testhelpers.FakeDevice{Status: domain.StatusProvisioned})

	console, shutdown, err := Open(writeConfig(t, idp.URL(), backend.URL()))
	require.NoError(t, err)
	defer shutdown()

	ctx := context.Background()
	require.NoError(t, console.WaitReady(ctx))
	res := console.SignIn(ctx, SignInInput{Username: "ana", Password: "pw"})
	require.Equal(t, OutcomeSuccess, res.Outcome)

	ok, err := console.Authorized(ctx, NewGroupSet("Administrators"))
	require.NoError(t, err)
	assert.False(t, ok)

	out, err := console.Execute(ctx, KindReceive, map[string]string{"deviceId": "CROW-42", "siteId": "site-1"})
	require.NoError(t, err)
	assert.Equal(t, "Received", out.ResultingStatus.String())

	require.NoError(t, shutdown())
	require.NoError(t, shutdown())
}

func TestOpen_MissingConfig(t *testing.T) {
	_, _, err := Open(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to load config")
}

func TestOpenFromEnv_Unset(t *testing.T) {
	t.Setenv("FLEET_CONFIG", "")
	_, _, err := OpenFromEnv()
	assert.ErrorContains(t, err, "FLEET_CONFIG")
}
