package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = Config{
	BinaryPath:     "/usr/local/bin/plugsync",
	LogFile:        "/home/user/.pluginctl/plugins/plugsync/logs/plugsync.log",
	SessionMarkers: []string{"PLUGINCTL_SESSION", "PLUGINCTL_SESSION_ID"},
}

func TestStartCommand(t *testing.T) {
	cmd := startCommand(testConfig)
	assert.Equal(t, "sleep 30 && unset PLUGINCTL_SESSION PLUGINCTL_SESSION_ID && /usr/local/bin/plugsync run", cmd)
}

func TestStartCommandWithoutMarkers(t *testing.T) {
	cfg := testConfig
	cfg.SessionMarkers = nil
	assert.Equal(t, "sleep 30 && /usr/local/bin/plugsync run", startCommand(cfg))
}

func TestInSandboxEnvVars(t *testing.T) {
	for _, v := range sandboxEnvVars {
		t.Setenv(v, "")
	}
	t.Setenv("REMOTE_CONTAINERS", "true")
	assert.True(t, InSandbox())
}

func TestForSandboxIsNoop(t *testing.T) {
	svc := For(VariantSandbox, testConfig)
	assert.Equal(t, VariantSandbox, svc.Variant())
	assert.True(t, svc.Installed())
	assert.NoError(t, svc.Install(context.Background()))
	assert.NoError(t, svc.Uninstall(context.Background()))
}

func TestForUnsupportedIsNoop(t *testing.T) {
	svc := For(VariantUnsupported, testConfig)
	assert.True(t, svc.Installed())
	assert.NoError(t, svc.Install(context.Background()))
}

func TestRenderPlist(t *testing.T) {
	data, err := renderPlist(testConfig)
	require.NoError(t, err)
	plist := string(data)

	assert.Contains(t, plist, "<string>com.plugsync.agent</string>")
	assert.Contains(t, plist, "<string>/bin/bash</string>")
	assert.Contains(t, plist, "sleep 30 && unset PLUGINCTL_SESSION PLUGINCTL_SESSION_ID && /usr/local/bin/plugsync run")
	assert.Contains(t, plist, "<key>RunAtLoad</key>")
	assert.Contains(t, plist, "<string>"+testConfig.LogFile+"</string>")
	assert.Contains(t, plist, "<key>ThrottleInterval</key>")
	assert.Contains(t, plist, "<integer>60</integer>")
	assert.Contains(t, plist, "/opt/homebrew/bin:/usr/local/bin")
}

func TestRenderUnit(t *testing.T) {
	unit := renderUnit(testConfig)

	assert.Contains(t, unit, "Type=oneshot")
	assert.Contains(t, unit, "ExecStartPre=/bin/sleep 30")
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/plugsync run")
	assert.Contains(t, unit, "UnsetEnvironment=PLUGINCTL_SESSION\n")
	assert.Contains(t, unit, "StandardOutput=append:"+testConfig.LogFile)
	assert.Contains(t, unit, "StandardError=append:"+testConfig.LogFile)
	assert.Contains(t, unit, "WantedBy=default.target")
	assert.Contains(t, unit, "RemainAfterExit=no")
}

func TestCronEntry(t *testing.T) {
	entry := cronEntry(testConfig)
	assert.True(t, strings.HasPrefix(entry, "@reboot sleep 30 && "))
	assert.Contains(t, entry, ">> "+testConfig.LogFile+" 2>&1")
	assert.True(t, strings.HasSuffix(entry, cronMarker))
}

func TestRewriteCrontabReplacesMarkedEntry(t *testing.T) {
	entry := cronEntry(testConfig)
	unrelated := "0 3 * * * /usr/bin/backup.sh"
	current := unrelated + "\n@reboot /old/path run >> /old.log 2>&1 " + cronMarker + "\n"

	out := rewriteCrontab(current, entry)
	assert.Equal(t, unrelated+"\n"+entry+"\n", out)

	// Idempotent: running again on its own output changes nothing.
	assert.Equal(t, out, rewriteCrontab(out, entry))
	assert.Equal(t, 1, strings.Count(out, cronMarker))
}

func TestRewriteCrontabEmptyCurrent(t *testing.T) {
	entry := cronEntry(testConfig)
	assert.Equal(t, entry+"\n", rewriteCrontab("", entry))
}

func TestStripMarked(t *testing.T) {
	entry := cronEntry(testConfig)
	unrelated := "@daily /usr/bin/cleanup"
	current := rewriteCrontab(unrelated+"\n", entry)

	assert.Equal(t, unrelated+"\n", stripMarked(current))
	assert.Equal(t, "", stripMarked(entry+"\n"))
}
