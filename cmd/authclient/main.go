package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tyemirov/authsession/internal/clock"
	"github.com/tyemirov/authsession/internal/config"
	"github.com/tyemirov/authsession/internal/guard"
	"github.com/tyemirov/authsession/internal/lifecycle"
	"github.com/tyemirov/authsession/internal/navigation"
	"github.com/tyemirov/authsession/internal/session"
	"github.com/tyemirov/authsession/internal/state"
)

var newClock = clock.System

var (
	errNotSignedIn        = errors.New("authclient.not_signed_in")
	errSessionNotPrepared = errors.New("authclient.session_not_prepared")
)

const (
	flagVerbose     = "verbose"
	flagEmail       = "email"
	flagPassword    = "password"
	flagName        = "name"
	flagCode        = "code"
	flagNewPassword = "new-password"
)

func main() {
	if err := newRootCommand(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

type commandContextKey string

const sessionContextKey commandContextKey = "session"

func newRootCommand(v *viper.Viper) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "authclient",
		Short:        "Terminal client for an email/password identity API with managed sessions",
		Long:         "authclient signs in against an identity API, keeps the session alive, and stores credentials between runs in credential_database_url (a sqlite file under the user config directory by default).",
		SilenceUsage: true,
	}
	config.BindFlags(rootCmd.PersistentFlags(), v)
	rootCmd.PersistentFlags().Bool(flagVerbose, false, "Log debug output to stderr")
	_ = v.BindPFlag(flagVerbose, rootCmd.PersistentFlags().Lookup(flagVerbose))

	rootCmd.PersistentPreRunE = func(command *cobra.Command, arguments []string) error {
		return openSession(command, v)
	}

	rootCmd.AddCommand(
		newSignupCommand(),
		newVerifyCommand(),
		newResendCommand(),
		newSigninCommand(),
		newForgotPasswordCommand(),
		newResetPasswordCommand(),
		newDashboardCommand(),
		newLogoutCommand(),
		newWatchCommand(),
	)
	return rootCmd
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction(zap.IncreaseLevel(zapcore.WarnLevel))
}

func defaultCredentialDatabaseURL() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	directory := filepath.Join(configDir, "authsession")
	if mkdirErr := os.MkdirAll(directory, 0o700); mkdirErr != nil {
		return ""
	}
	return "sqlite://" + filepath.Join(directory, "credentials.db")
}

func openSession(command *cobra.Command, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if cfg.CredentialDatabaseURL == "" {
		cfg.CredentialDatabaseURL = defaultCredentialDatabaseURL()
	}
	logger, err := buildLogger(v.GetBool(flagVerbose))
	if err != nil {
		return err
	}
	parent := command.Context()
	if parent == nil {
		parent = context.Background()
	}
	current, err := session.New(parent, cfg, session.Dependencies{
		Clock:     newClock(),
		Logger:    logger,
		Navigator: navigation.NewHistory(logger),
	})
	if err != nil {
		return err
	}
	command.SetContext(context.WithValue(parent, sessionContextKey, current))
	return nil
}

func sessionFrom(command *cobra.Command) (*session.Context, bool) {
	if command.Context() == nil {
		return nil, false
	}
	current, ok := command.Context().Value(sessionContextKey).(*session.Context)
	return current, ok
}

// withSession hands the prepared session to run and tears it down afterwards.
func withSession(run func(command *cobra.Command, current *session.Context) error) func(*cobra.Command, []string) error {
	return func(command *cobra.Command, arguments []string) (runErr error) {
		current, ok := sessionFrom(command)
		if !ok {
			return errSessionNotPrepared
		}
		defer func() {
			if teardownErr := current.Teardown(); teardownErr != nil && runErr == nil {
				runErr = teardownErr
			}
		}()
		return run(command, current)
	}
}

// report prints the outcome of an operation and converts a rejection into an error.
func report(command *cobra.Command, result state.Result) error {
	if !result.OK() {
		if result.Err != nil {
			return result.Err
		}
		return fmt.Errorf("authclient.%s: %s", result.Operation, result.Phase)
	}
	if result.Message != "" {
		fmt.Fprintln(command.OutOrStdout(), result.Message)
	}
	return nil
}

func newSignupCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and send a verification code",
		RunE: withSession(func(command *cobra.Command, current *session.Context) error {
			name, _ := command.Flags().GetString(flagName)
			email, _ := command.Flags().GetString(flagEmail)
			password, _ := command.Flags().GetString(flagPassword)
			return report(command, current.State().Signup(command.Context(), state.SignupForm{
				Name:            name,
				Email:           email,
				Password:        password,
				ConfirmPassword: password,
			}))
		}),
	}
	command.Flags().String(flagName, "", "Display name")
	command.Flags().String(flagEmail, "", "Email address")
	command.Flags().String(flagPassword, "", "Password")
	return command
}

func newVerifyCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "verify",
		Short: "Confirm an email address with the 6-digit code",
		RunE: withSession(func(command *cobra.Command, current *session.Context) error {
			email, _ := command.Flags().GetString(flagEmail)
			code, _ := command.Flags().GetString(flagCode)
			return report(command, current.State().Verify(command.Context(), state.VerifyForm{Email: email, Code: code}))
		}),
	}
	command.Flags().String(flagEmail, "", "Email address")
	command.Flags().String(flagCode, "", "Verification code")
	return command
}

func newResendCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "resend",
		Short: "Send a new verification code",
		RunE: withSession(func(command *cobra.Command, current *session.Context) error {
			email, _ := command.Flags().GetString(flagEmail)
			return report(command, current.State().ResendVerification(command.Context(), email))
		}),
	}
	command.Flags().String(flagEmail, "", "Email address")
	return command
}

func newSigninCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "signin",
		Short: "Sign in and store the session credentials",
		RunE: withSession(func(command *cobra.Command, current *session.Context) error {
			email, _ := command.Flags().GetString(flagEmail)
			password, _ := command.Flags().GetString(flagPassword)
			if err := report(command, current.State().Signin(command.Context(), state.SigninForm{Email: email, Password: password})); err != nil {
				return err
			}
			user := current.State().Snapshot().User
			if user != nil {
				fmt.Fprintf(command.OutOrStdout(), "Signed in as %s\n", user.Email)
			}
			return nil
		}),
	}
	command.Flags().String(flagEmail, "", "Email address")
	command.Flags().String(flagPassword, "", "Password")
	return command
}

func newForgotPasswordCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "forgot-password",
		Short: "Request a password reset code",
		RunE: withSession(func(command *cobra.Command, current *session.Context) error {
			email, _ := command.Flags().GetString(flagEmail)
			return report(command, current.State().ForgotPassword(command.Context(), state.ForgotPasswordForm{Email: email}))
		}),
	}
	command.Flags().String(flagEmail, "", "Email address")
	return command
}

func newResetPasswordCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password with a reset code",
		RunE: withSession(func(command *cobra.Command, current *session.Context) error {
			email, _ := command.Flags().GetString(flagEmail)
			code, _ := command.Flags().GetString(flagCode)
			newPassword, _ := command.Flags().GetString(flagNewPassword)
			return report(command, current.State().ResetPassword(command.Context(), state.ResetPasswordForm{
				Email:           email,
				Code:            code,
				NewPassword:     newPassword,
				ConfirmPassword: newPassword,
			}))
		}),
	}
	command.Flags().String(flagEmail, "", "Email address")
	command.Flags().String(flagCode, "", "Reset code")
	command.Flags().String(flagNewPassword, "", "New password")
	return command
}

func newDashboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show the signed-in profile, redirecting to sign-in when there is no session",
		RunE: withSession(func(command *cobra.Command, current *session.Context) error {
			if _, err := current.Init(command.Context()); err != nil {
				return err
			}
			mount := current.Guard().Mount(command.Context(), navigation.RouteDashboard)
			defer mount.Unmount()
			select {
			case <-mount.Done():
			case <-command.Context().Done():
				return command.Context().Err()
			}
			if mount.Phase() != guard.PhaseAllowed {
				fmt.Fprintln(command.OutOrStdout(), "Redirecting to "+navigation.RouteSignin.WithReason(navigation.ReasonUnauthenticated))
				return errNotSignedIn
			}
			user := current.State().Snapshot().User
			out := command.OutOrStdout()
			fmt.Fprintf(out, "Name:     %s\n", user.Name)
			fmt.Fprintf(out, "Email:    %s\n", user.Email)
			fmt.Fprintf(out, "Verified: %t\n", user.EmailVerified)
			return nil
		}),
	}
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored credentials",
		RunE: withSession(func(command *cobra.Command, current *session.Context) error {
			if err := report(command, current.State().Logout(command.Context())); err != nil {
				return err
			}
			fmt.Fprintln(command.OutOrStdout(), "Signed out")
			return nil
		}),
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive; every line typed on stdin counts as activity",
		RunE: withSession(func(command *cobra.Command, current *session.Context) error {
			return watch(command.Context(), current, command.InOrStdin(), command.OutOrStdout())
		}),
	}
}

func watch(parent context.Context, current *session.Context, input io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := current.Init(ctx); err != nil {
		return err
	}
	if !current.State().Snapshot().Authenticated {
		fmt.Fprintln(out, "Not signed in")
		return errNotSignedIn
	}

	ended := make(chan lifecycle.LogoutEvent, 1)
	warningSubscription := current.Lifecycle().OnWarning(func(event lifecycle.WarningEvent) {
		fmt.Fprintf(out, "Session expires in %d seconds due to inactivity. Press enter to stay signed in.\n", event.RemainingSeconds)
	})
	defer warningSubscription.Unsubscribe()
	logoutSubscription := current.Lifecycle().OnLogout(func(event lifecycle.LogoutEvent) {
		select {
		case ended <- event:
		default:
		}
	})
	defer logoutSubscription.Unsubscribe()

	lines := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(input)
		for scanner.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintf(out, "Watching session for %s\n", current.State().Snapshot().User.Email)
	for {
		select {
		case <-lines:
			current.Activity().Emit(lifecycle.ActivityKeyPress)
		case event := <-ended:
			fmt.Fprintf(out, "Signed out: %s\n", event.Reason)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
