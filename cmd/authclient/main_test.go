package main

import (
	"bytes"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tyemirov/authsession/internal/clock"
	"github.com/tyemirov/authsession/internal/clock/clocktest"
	"github.com/tyemirov/authsession/internal/identitystub"
)

const (
	cliEmail    = "grace@example.com"
	cliPassword = "Compile1!"
)

type lockedBuffer struct {
	mutex  sync.Mutex
	buffer bytes.Buffer
}

func (buffer *lockedBuffer) Write(payload []byte) (int, error) {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.buffer.Write(payload)
}

func (buffer *lockedBuffer) String() string {
	buffer.mutex.Lock()
	defer buffer.mutex.Unlock()
	return buffer.buffer.String()
}

type cliHarness struct {
	serverURL   string
	databaseURL string
	mailbox     *identitystub.Mailbox
}

func newCLIHarness(t *testing.T, clk clock.Clock) *cliHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	stubConfig := identitystub.DefaultServerConfig([]byte("cli-signing-key"))
	stubConfig.AllowInsecureHTTP = true
	mailbox := identitystub.NewMailbox(logger)
	router := gin.New()
	require.NoError(t, identitystub.MountAuthRoutes(router, stubConfig, identitystub.Services{
		Users:         identitystub.NewMemoryUsers(0),
		RefreshTokens: identitystub.NewMemoryRefreshTokenStore(clk),
		Codes:         identitystub.NewMemoryCodeStore(stubConfig.CodeTTL, clk),
		Sink:          mailbox,
		Clock:         clk,
		Logger:        logger,
	}))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &cliHarness{
		serverURL:   server.URL,
		databaseURL: "sqlite://" + filepath.Join(t.TempDir(), "credentials.db"),
		mailbox:     mailbox,
	}
}

func (harness *cliHarness) run(t *testing.T, input io.Reader, out io.Writer, arguments ...string) error {
	t.Helper()
	rootCmd := newRootCommand(viper.New())
	rootCmd.SetArgs(append(arguments,
		"--api_base_url="+harness.serverURL,
		"--credential_database_url="+harness.databaseURL,
	))
	if input == nil {
		input = strings.NewReader("")
	}
	rootCmd.SetIn(input)
	rootCmd.SetOut(out)
	rootCmd.SetErr(io.Discard)
	return rootCmd.Execute()
}

func (harness *cliHarness) output(t *testing.T, arguments ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := harness.run(t, nil, &out, arguments...)
	return out.String(), err
}

func (harness *cliHarness) registerAndSignin(t *testing.T) {
	t.Helper()
	_, err := harness.output(t, "signup", "--name=Grace Hopper", "--email="+cliEmail, "--password="+cliPassword)
	require.NoError(t, err)
	code, ok := harness.mailbox.Last(identitystub.PurposeVerify, cliEmail)
	require.True(t, ok)
	_, err = harness.output(t, "verify", "--email="+cliEmail, "--code="+code)
	require.NoError(t, err)
	out, err := harness.output(t, "signin", "--email="+cliEmail, "--password="+cliPassword)
	require.NoError(t, err)
	require.Contains(t, out, "Signed in as "+cliEmail)
}

func TestCommandsKeepSessionAcrossInvocations(t *testing.T) {
	harness := newCLIHarness(t, clock.System())

	out, err := harness.output(t, "dashboard")
	require.ErrorIs(t, err, errNotSignedIn)
	require.Contains(t, out, "Redirecting to /signin?reason=unauthenticated")

	harness.registerAndSignin(t)

	out, err = harness.output(t, "dashboard")
	require.NoError(t, err)
	require.Contains(t, out, "Name:     Grace Hopper")
	require.Contains(t, out, "Email:    "+cliEmail)
	require.Contains(t, out, "Verified: true")

	out, err = harness.output(t, "logout")
	require.NoError(t, err)
	require.Contains(t, out, "Signed out")

	_, err = harness.output(t, "dashboard")
	require.ErrorIs(t, err, errNotSignedIn)
}

func TestSigninReportsServerMessage(t *testing.T) {
	harness := newCLIHarness(t, clock.System())

	_, err := harness.output(t, "signin", "--email=nobody@example.com", "--password=Whatever1!")
	require.EqualError(t, err, "Invalid email or password")
}

func TestSignupValidatesLocally(t *testing.T) {
	harness := newCLIHarness(t, clock.System())

	_, err := harness.output(t, "signup", "--name=Grace", "--email=not-an-email", "--password="+cliPassword)
	require.Error(t, err)
	_, ok := harness.mailbox.Last(identitystub.PurposeVerify, "not-an-email")
	require.False(t, ok)
}

func TestCommandsRequireAPIBaseURL(t *testing.T) {
	rootCmd := newRootCommand(viper.New())
	rootCmd.SetArgs([]string{"dashboard"})
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	t.Setenv("APP_API_BASE_URL", "")

	err := rootCmd.Execute()
	require.EqualError(t, err, "config.missing_api_base_url: api_base_url must be provided")
}

func TestWatchWarnsThenSignsOutOnInactivity(t *testing.T) {
	fake := clocktest.NewFake(time.Now().UTC().Truncate(time.Second))
	previous := newClock
	newClock = func() clock.Clock { return fake }
	t.Cleanup(func() { newClock = previous })

	harness := newCLIHarness(t, fake)
	harness.registerAndSignin(t)

	input, inputWriter := io.Pipe()
	t.Cleanup(func() { _ = inputWriter.Close() })
	var out lockedBuffer
	finished := make(chan error, 1)
	go func() {
		finished <- harness.run(t, input, &out, "watch")
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Watching session for "+cliEmail)
	}, 2*time.Second, 10*time.Millisecond)

	fake.Advance(55 * time.Minute)
	fake.Advance(60 * time.Minute)
	require.Contains(t, out.String(), "Session expires in 300 seconds due to inactivity")

	fake.Advance(5 * time.Minute)
	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("watch did not exit after the inactivity logout")
	}
	require.Contains(t, out.String(), "Signed out: inactivity")

	newClock = previous
	_, err := harness.output(t, "dashboard")
	require.ErrorIs(t, err, errNotSignedIn)
}
