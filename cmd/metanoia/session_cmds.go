package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	loginEmail    string
	loginPassword string
	loginGoogle   bool
	signupName    string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password, or with Google",
	Long: `Signs in and keeps the session in the credential file so later commands
and the admin server resume it.

With --google the consent page opens in the browser and the result is
delivered to a temporary listener on 127.0.0.1.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.start(ctx); err != nil {
			return err
		}

		var p *auth.Principal
		if loginGoogle {
			if !a.cfg.FederatedEnabled() {
				return auth.WithMeta(auth.ErrProviderUnavailable, nil, map[string]any{"reason": "google sign-in is not configured"})
			}
			if p = a.identity.SignInWithFederatedProvider(ctx); p == nil {
				pterm.Warning.Println("Google sign-in did not complete")
				return auth.ErrFederatedSignInCancelled
			}
		} else {
			email, password, err := promptCredentials(loginEmail, loginPassword)
			if err != nil {
				return err
			}
			if p, err = a.identity.SignInWithPassword(ctx, email, password); err != nil {
				return err
			}
		}

		a.awaitPrincipal(ctx, p.UID)
		pterm.Success.Printf("Signed in as %s\n", p.Label())
		return nil
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account with email and password",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.start(ctx); err != nil {
			return err
		}

		name := strings.TrimSpace(signupName)
		if name == "" {
			if name, err = pterm.DefaultInteractiveTextInput.Show("Display name"); err != nil {
				return err
			}
		}
		email, password, err := promptCredentials(loginEmail, loginPassword)
		if err != nil {
			return err
		}

		p, err := a.identity.SignUpWithPassword(ctx, email, password, name)
		if err != nil {
			return err
		}

		a.awaitPrincipal(ctx, p.UID)
		pterm.Success.Printf("Account created for %s\n", p.Label())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.start(ctx); err != nil {
			return err
		}

		a.identity.SignOut(ctx)
		a.awaitPrincipal(ctx, "")
		pterm.Success.Println("Signed out")
		return nil
	},
}

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password [email]",
	Short: "Send a password reset email",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		email := loginEmail
		if len(args) == 1 {
			email = args[0]
		}
		if strings.TrimSpace(email) == "" {
			if email, err = pterm.DefaultInteractiveTextInput.Show("Email"); err != nil {
				return err
			}
		}

		if err := a.identity.RequestPasswordReset(ctx, email); err != nil {
			return err
		}
		pterm.Success.Printf("Reset email sent to %s\n", strings.TrimSpace(email))
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current session and profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.start(ctx); err != nil {
			return err
		}

		state := a.session.Snapshot()
		decision := auth.Evaluate(state)
		pterm.DefaultSection.Println("Session")
		pterm.Info.Printf("Gate: %s\n", decision)

		if decision != auth.GateGranted {
			pterm.Warning.Println("Not signed in. Run `metanoia login`.")
			return nil
		}

		p := state.Principal
		data := pterm.TableData{
			{"FIELD", "VALUE"},
			{"UID", p.UID},
			{"Name", p.DisplayName},
			{"Email", p.Email},
			{"Provider", p.ProviderTag},
		}

		// the record may still be in flight right after a first sign-in
		a.sync.Wait()
		profile, err := a.repos.Profiles().GetProfile(ctx, p.UID)
		switch {
		case err == nil:
			data = append(data,
				[]string{"Role", profile.Role},
				[]string{"Status", profile.Status},
				[]string{"Last login", profile.LastLoginAt.Format("2006-01-02 15:04:05")},
			)
		case auth.IsProfileNotFound(err):
			data = append(data, []string{"Role", auth.DefaultRole + " (no profile record yet)"})
		default:
			return err
		}

		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow session changes until interrupted",
	Long: `Restores the stored session and prints a line whenever this process's
view of it changes, e.g. when a background token refresh finds the refresh
token revoked and the session is signed out.

Only the session held by this process is followed. Sign-ins and sign-outs
made by other processes show up on the next run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		view := auth.Gate[string]{
			Pending: func() string { return "waiting for the identity service" },
			Login:   func() string { return "signed out" },
			Protected: func(p auth.Principal) string {
				return fmt.Sprintf("signed in as %s <%s> via %s", p.DisplayName, p.Email, p.ProviderTag)
			},
		}

		var last string
		unwatch := view.Watch(a.session, func(line string) {
			if line == last {
				return
			}
			last = line
			pterm.Info.Println(line)
		})
		defer unwatch()

		if err := a.sync.Start(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
		case <-a.sync.Done():
		}
		return nil
	},
}

func promptCredentials(email, password string) (string, string, error) {
	var err error
	if strings.TrimSpace(email) == "" {
		if email, err = pterm.DefaultInteractiveTextInput.Show("Email"); err != nil {
			return "", "", err
		}
	}
	if password == "" {
		if password, err = pterm.DefaultInteractiveTextInput.WithMask("*").Show("Password"); err != nil {
			return "", "", err
		}
	}
	return email, password, nil
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, signupCmd, resetPasswordCmd} {
		c.Flags().StringVar(&loginEmail, "email", "", "account email")
	}
	for _, c := range []*cobra.Command{loginCmd, signupCmd} {
		c.Flags().StringVar(&loginPassword, "password", "", "account password (prompted when empty)")
	}
	loginCmd.Flags().BoolVar(&loginGoogle, "google", false, "sign in with Google in the browser")
	signupCmd.Flags().StringVar(&signupName, "name", "", "display name")
}
