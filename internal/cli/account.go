package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/parley/internal/identity"
	"github.com/tOgg1/parley/internal/models"
)

func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Add a user to the registry",
		Args:  cobra.NoArgs,
		RunE:  withRuntime(runRegister),
	}
	cmd.Flags().String("id", "", "user id (random when empty)")
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("email", "", "email address")
	cmd.Flags().Bool("login", false, "sign in as the new user")
	return cmd
}

func runRegister(cmd *cobra.Command, _ []string, rt *runtime) error {
	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")
	login, _ := cmd.Flags().GetBool("login")

	svc, err := rt.service(cmd.Context())
	if err != nil {
		return err
	}
	user, err := svc.Register(cmd.Context(), models.User{
		ID:          models.UserID(strings.TrimSpace(id)),
		DisplayName: name,
		Email:       email,
	})
	if err != nil {
		return describe("register", err)
	}
	if login {
		if err := rt.provider.SignIn(user.ID, user.ResolvedName()); err != nil {
			return Exitf(ExitCodeFailure, "sign in: %v", err)
		}
	}
	if rt.json {
		return writeJSON(rt.out, user)
	}
	fmt.Fprintln(rt.out, user.ID)
	return nil
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <user-id>",
		Short: "Sign in as a registered user",
		Args:  cobra.ExactArgs(1),
		RunE:  withRuntime(runLogin),
	}
}

func runLogin(cmd *cobra.Command, args []string, rt *runtime) error {
	svc, err := rt.service(cmd.Context())
	if err != nil {
		return err
	}
	user, err := svc.User(cmd.Context(), models.UserID(strings.TrimSpace(args[0])))
	if err != nil {
		return describe("login", err)
	}
	if err := rt.provider.SignIn(user.ID, user.ResolvedName()); err != nil {
		return Exitf(ExitCodeFailure, "sign in: %v", err)
	}
	session := rt.provider.Session()
	fmt.Fprintf(rt.out, "signed in as %s\n", session.String())
	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, _ []string, rt *runtime) error {
			if err := rt.provider.SignOut(); err != nil {
				return Exitf(ExitCodeFailure, "sign out: %v", err)
			}
			fmt.Fprintln(rt.out, "signed out")
			return nil
		}),
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, _ []string, rt *runtime) error {
			session := rt.provider.Session()
			if rt.json {
				return writeJSON(rt.out, session)
			}
			fmt.Fprintln(rt.out, session.String())
			return nil
		}),
	}
}

func newUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "users [query]",
		Aliases: []string{"people"},
		Short:   "List people you can chat with",
		Args:    cobra.MaximumNArgs(1),
		RunE:    withRuntime(runUsers),
	}
}

func runUsers(cmd *cobra.Command, args []string, rt *runtime) error {
	query := ""
	if len(args) > 0 {
		query = args[0]
	}
	// Listing works signed out too; it then includes everyone.
	me, _ := rt.me()

	svc, err := rt.service(cmd.Context())
	if err != nil {
		return err
	}
	users, err := svc.ListUsers(cmd.Context(), me, query)
	if err != nil {
		return describe("list users", err)
	}
	if rt.json {
		return writeJSON(rt.out, users)
	}
	tbl := newTable("ID", "NAME", "EMAIL")
	for _, u := range users {
		tbl.row(string(u.ID), u.ResolvedName(), u.Email)
	}
	return tbl.render(rt.out)
}

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Issue a gateway token for the acting user",
		Args:  cobra.NoArgs,
		RunE: withRuntime(func(cmd *cobra.Command, _ []string, rt *runtime) error {
			if rt.cfg.Gateway.JWTSecret == "" {
				return Exitf(ExitCodeFailure, "gateway.jwt_secret is not configured")
			}
			me, err := rt.me()
			if err != nil {
				return err
			}
			token, err := identity.NewTokens(rt.cfg.Gateway.JWTSecret, rt.cfg.Gateway.TokenTTL).Sign(me)
			if err != nil {
				return describe("sign token", err)
			}
			fmt.Fprintln(rt.out, token)
			return nil
		}),
	}
}

func writeJSON(out io.Writer, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Exitf(ExitCodeFailure, "encode output: %v", err)
	}
	fmt.Fprintln(out, string(payload))
	return nil
}
