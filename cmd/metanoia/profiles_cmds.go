package main

import (
	"context"
	"os/user"

	goerrors "github.com/goliatone/go-errors"
	auth "github.com/projetometanoia/metanoia-auth"
	"github.com/projetometanoia/metanoia-auth/repository"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect and administer profile records",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profile records",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepos(cmd.Context(), func(ctx context.Context, repos repository.Manager) error {
			records, err := repos.Profiles().ListProfiles(ctx)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				pterm.Info.Println("No profiles yet.")
				return nil
			}

			data := pterm.TableData{{"UID", "NAME", "EMAIL", "ROLE", "STATUS", "LAST LOGIN"}}
			for _, r := range records {
				data = append(data, []string{
					r.UID, r.DisplayName, r.Email, r.Role, r.Status,
					r.LastLoginAt.Format("2006-01-02 15:04"),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		})
	},
}

var profilesSetRoleCmd = &cobra.Command{
	Use:   "set-role <uid> <role>",
	Short: "Change the role of a profile",
	Long: `Changes the authorization role of an existing profile record. Sign-in
never changes roles, so this is how editors and admins are appointed.

Roles: user, editor, admin.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd.Context(), func(ctx context.Context, lc *auth.ProfileLifecycle) error {
			record, err := lc.SetRole(ctx, cliActor(), args[0], args[1])
			if err != nil {
				return reportProfileErr(args[0], err)
			}
			pterm.Success.Printf("%s is now %s\n", record.UID, record.Role)
			return nil
		})
	},
}

var suspendReason string

var profilesSuspendCmd = &cobra.Command{
	Use:   "suspend <uid>",
	Short: "Suspend a profile",
	Long: `Marks a profile as suspended. The identity session stays valid but the
dashboard refuses every request made with it until the profile is reinstated.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd.Context(), func(ctx context.Context, lc *auth.ProfileLifecycle) error {
			record, err := lc.Suspend(ctx, cliActor(), args[0], auth.WithTransitionReason(suspendReason))
			if err != nil {
				return reportProfileErr(args[0], err)
			}
			pterm.Success.Printf("%s is %s\n", record.UID, record.Status)
			return nil
		})
	},
}

var profilesReinstateCmd = &cobra.Command{
	Use:   "reinstate <uid>",
	Short: "Reinstate a suspended profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd.Context(), func(ctx context.Context, lc *auth.ProfileLifecycle) error {
			record, err := lc.Reinstate(ctx, cliActor(), args[0])
			if err != nil {
				return reportProfileErr(args[0], err)
			}
			pterm.Success.Printf("%s is %s\n", record.UID, record.Status)
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepos(cmd.Context(), func(ctx context.Context, repos repository.Manager) error {
			pterm.Success.Println("Schema is up to date")
			return nil
		})
	},
}

// withRepos opens and migrates the database for commands that do not need
// the identity service.
func withRepos(ctx context.Context, fn func(context.Context, repository.Manager) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := repository.OpenDB(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	repos := repository.NewManager(db)
	defer repos.Close()

	if err := repos.Migrate(ctx); err != nil {
		return err
	}
	return fn(ctx, repos)
}

// withLifecycle runs fn with a ProfileLifecycle that logs its activity
// events.
func withLifecycle(ctx context.Context, fn func(context.Context, *auth.ProfileLifecycle) error) error {
	return withRepos(ctx, func(ctx context.Context, repos repository.Manager) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		zl, err := auth.NewProductionLogger(cfg.LogLevel)
		if err != nil {
			return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to create logger")
		}
		defer func() { _ = zl.Sync() }()

		logger := auth.NewZapLogger(zl)
		lc := auth.NewProfileLifecycle(repos.Profiles(),
			auth.WithProfileLifecycleActivitySink(auth.LoggingActivitySink(logger)),
			auth.WithProfileLifecycleLogger(logger),
		)
		return fn(ctx, lc)
	})
}

func cliActor() auth.ActorRef {
	actor := auth.ActorRef{Type: "cli"}
	if u, err := user.Current(); err == nil {
		actor.ID = u.Username
	}
	return actor
}

func reportProfileErr(uid string, err error) error {
	switch {
	case auth.IsProfileNotFound(err):
		pterm.Error.Printf("No profile for uid %s\n", uid)
	case auth.HasTextCode(err, auth.TextCodeInvalidTransition):
		pterm.Error.Println(err.Error())
	}
	return err
}

func init() {
	profilesSuspendCmd.Flags().StringVar(&suspendReason, "reason", "", "reason recorded with the suspension")

	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesSetRoleCmd)
	profilesCmd.AddCommand(profilesSuspendCmd)
	profilesCmd.AddCommand(profilesReinstateCmd)
}
