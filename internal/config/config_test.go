package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

// chdir moves into an empty directory so no config file or .env is picked up.
func chdir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdir(t)
	t.Setenv("CONFIG_ENV", "test")

	cfg, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "reject", cfg.Media.FailurePolicy)
	require.Equal(t, "settle", cfg.Session.DialPolicy)
	require.Equal(t, time.Second, cfg.Session.SettleDelay)
	require.Equal(t, 400*time.Millisecond, cfg.Session.TypingTimeout)
	require.Equal(t, 9000, cfg.Peer.Port)
	require.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICE.STUN)
	require.True(t, cfg.Signal.RejoinOnReconnect)
}

func TestLoadPrecedence(t *testing.T) {
	dir := chdir(t)
	t.Setenv("CONFIG_ENV", "test")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config.test.yaml"), []byte(`
signal:
  url: http://file.example:4000
media:
  failure_policy: degrade
session:
  settle_delay: 2s
`), 0o600))

	t.Setenv("MESHROOM_SIGNAL_URL", "http://env.example:4000")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("dial-policy", "", "")
	require.NoError(t, flags.Parse([]string{"--dial-policy=lower-id"}))

	cfg, err := Load(flags)
	require.NoError(t, err)
	require.Equal(t, "http://env.example:4000", cfg.Signal.URL)
	require.Equal(t, "degrade", cfg.Media.FailurePolicy)
	require.Equal(t, 2*time.Second, cfg.Session.SettleDelay)
	require.Equal(t, "lower-id", cfg.Session.DialPolicy)
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	chdir(t)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("MESHROOM_MEDIA_FAILURE_POLICY", "ignore")

	_, err := Load(nil)
	require.Error(t, err)
}

func TestValidateTURNCredentials(t *testing.T) {
	chdir(t)
	t.Setenv("CONFIG_ENV", "test")
	t.Setenv("MESHROOM_ICE_TURN_URL", "turn:relay.example.com")

	_, err := Load(nil)
	require.ErrorContains(t, err, "turn_username")
}

func TestTURNURLs(t *testing.T) {
	c := ICEConfig{TURNURL: "turn:relay.example.com"}
	require.Equal(t, []string{
		"turn:relay.example.com:3478?transport=udp",
		"turn:relay.example.com:3478?transport=tcp",
		"turns:relay.example.com:5349?transport=tcp",
	}, c.TURNURLs())

	c.TURNURL = "turn:relay.example.com:3478?transport=udp"
	require.Equal(t, []string{c.TURNURL}, c.TURNURLs())

	require.Nil(t, ICEConfig{}.TURNURLs())
}
