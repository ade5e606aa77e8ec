package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"authgate.org/internal/grpcapi"
)

// command is one authctl subcommand. flags are registered on fs before parsing.
type command struct {
	summary string
	flags   func(fs *pflag.FlagSet, o *options)
	run     func(ctx context.Context, c *grpcapi.Client, o *options) (any, error)
}

type options struct {
	addr     string
	timeout  time.Duration
	token    string
	issuer   string
	user     string
	password string
	role     string
	refresh  string
	accessID int64
	display  string
	email    string
}

var commands = map[string]command{
	"issuer": {
		summary: "print the service issuer id",
		run: func(ctx context.Context, c *grpcapi.Client, _ *options) (any, error) {
			id, err := c.GetIssuerId(ctx)
			return map[string]string{"issuerId": id}, err
		},
	},
	"login": {
		summary: "log in with a username and password",
		flags: func(fs *pflag.FlagSet, o *options) {
			fs.StringVar(&o.issuer, "issuer", "", "issuer id (default: service issuer)")
			fs.StringVarP(&o.user, "user", "u", "", "username")
			fs.StringVarP(&o.password, "password", "p", os.Getenv("AUTHCTL_PASSWORD"), "password")
			fs.StringVar(&o.role, "role", "", "role to log in as")
		},
		run: func(ctx context.Context, c *grpcapi.Client, o *options) (any, error) {
			if o.user == "" || o.password == "" {
				return nil, errors.New("login requires --user and --password")
			}
			return c.LoginWithPassword(ctx, o.issuer, o.user, o.password, o.role)
		},
	},
	"refresh": {
		summary: "rotate an access and refresh token pair",
		flags: func(fs *pflag.FlagSet, o *options) {
			fs.StringVar(&o.issuer, "issuer", "", "issuer id")
			fs.StringVar(&o.refresh, "refresh-token", "", "refresh token")
		},
		run: func(ctx context.Context, c *grpcapi.Client, o *options) (any, error) {
			issuer, err := issuerOrDefault(ctx, c, o.issuer)
			if err != nil {
				return nil, err
			}
			return c.Refresh(ctx, &grpcapi.RefreshRequest{IssuerID: issuer, AccessToken: o.token, RefreshToken: o.refresh})
		},
	},
	"logout": {
		summary: "end the session of an access token",
		flags: func(fs *pflag.FlagSet, o *options) {
			fs.StringVar(&o.user, "user-id", "", "user id")
		},
		run: func(ctx context.Context, c *grpcapi.Client, o *options) (any, error) {
			return map[string]string{"status": "ok"}, c.Logout(ctx, &grpcapi.LogoutRequest{UserID: o.user, AccessToken: o.token})
		},
	},
	"grants": {
		summary: "list procedure grants (gated)",
		run: func(ctx context.Context, c *grpcapi.Client, o *options) (any, error) {
			return c.GetProcedureAccess(grpcapi.WithBearer(ctx, o.token))
		},
	},
	"roles": {
		summary: "list procedures per role (gated)",
		run: func(ctx context.Context, c *grpcapi.Client, o *options) (any, error) {
			return c.GetRoleAccess(grpcapi.WithBearer(ctx, o.token))
		},
	},
	"issuer-login": {
		summary: "authenticate as an issuer and receive its rotated secret",
		flags: func(fs *pflag.FlagSet, o *options) {
			fs.StringVar(&o.issuer, "issuer", "", "issuer id")
			fs.StringVarP(&o.password, "password", "p", os.Getenv("AUTHCTL_PASSWORD"), "issuer password")
		},
		run: func(ctx context.Context, c *grpcapi.Client, o *options) (any, error) {
			creds, err := c.IssuerLoginWithPassword(ctx, o.issuer, o.password)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"issuerId": creds.IssuerID,
				"secret":   creds.Secret.Hex(),
				"grants":   creds.Grants,
			}, nil
		},
	},
	"sessions": {
		summary: "list the sessions of a user",
		flags: func(fs *pflag.FlagSet, o *options) {
			fs.StringVar(&o.user, "user-id", "", "user id")
		},
		run: func(ctx context.Context, c *grpcapi.Client, o *options) (any, error) {
			return c.ListSessions(grpcapi.WithBearer(ctx, o.token), o.user)
		},
	},
	"revoke": {
		summary: "revoke one session of a user",
		flags: func(fs *pflag.FlagSet, o *options) {
			fs.StringVar(&o.user, "user-id", "", "user id")
			fs.StringVar(&o.issuer, "issuer", "", "issuer id of the session")
			fs.Int64Var(&o.accessID, "access-id", 0, "access id of the session")
		},
		run: func(ctx context.Context, c *grpcapi.Client, o *options) (any, error) {
			err := c.RevokeSession(grpcapi.WithBearer(ctx, o.token), &grpcapi.RevokeSessionRequest{
				UserID: o.user, IssuerID: o.issuer, AccessID: o.accessID,
			})
			return map[string]string{"status": "ok"}, err
		},
	},
	"register": {
		summary: "create an account",
		flags: func(fs *pflag.FlagSet, o *options) {
			fs.StringVarP(&o.user, "user", "u", "", "username")
			fs.StringVarP(&o.password, "password", "p", os.Getenv("AUTHCTL_PASSWORD"), "password")
			fs.StringVar(&o.display, "display-name", "", "display name")
			fs.StringVar(&o.email, "email", "", "email address")
		},
		run: func(ctx context.Context, c *grpcapi.Client, o *options) (any, error) {
			id, err := c.RegisterWithPassword(ctx, o.user, o.password, o.display, o.email)
			return map[string]string{"userId": id}, err
		},
	},
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}
	name := args[0]
	cmd, ok := commands[name]
	if !ok {
		printUsage()
		return fmt.Errorf("unknown command %q", name)
	}

	var o options
	fs := pflag.NewFlagSet("authctl "+name, pflag.ContinueOnError)
	fs.StringVar(&o.addr, "addr", envOr("AUTHCTL_ADDR", "localhost:9090"), "authd gRPC address")
	fs.DurationVar(&o.timeout, "timeout", 10*time.Second, "call timeout")
	fs.StringVarP(&o.token, "token", "t", os.Getenv("AUTHCTL_TOKEN"), "access token")
	if cmd.flags != nil {
		cmd.flags(fs, &o)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	client, err := grpcapi.Dial(o.addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	out, err := cmd.run(ctx, client, &o)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func issuerOrDefault(ctx context.Context, c *grpcapi.Client, id string) (string, error) {
	if id != "" {
		return id, nil
	}
	return c.GetIssuerId(ctx)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(os.Stderr, "usage: authctl <command> [flags]")
	fmt.Fprintln(os.Stderr)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-14s %s\n", name, commands[name].summary)
	}
}
