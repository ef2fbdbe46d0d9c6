// Command issue-credentials mints operator credentials for the API.
//
// In service-token mode (the default) it prints a token and the hash to add
// to --service-token-hashes. With --user it creates a session for that user
// in the Postgres session store and prints the bearer token.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"videoflix/internal/auth"
	"videoflix/internal/config"
)

type options struct {
	token      string
	iterations int
	user       string
	dsn        string
	ttl        time.Duration
}

func main() {
	if _, err := config.LoadDotEnv(os.Getenv(config.Env("ENV_FILE"))); err != nil {
		fatalf("load env file: %v", err)
	}
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if opts.user == "" {
		if err := issueServiceToken(os.Stdout, opts); err != nil {
			fatalf("issue service token: %v", err)
		}
		return
	}

	store, err := auth.NewPostgresSessionStore(opts.dsn)
	if err != nil {
		fatalf("open session store: %v", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		_ = store.Close(closeCtx)
	}()
	if err := issueSession(ctx, os.Stdout, auth.NewSessionManager(opts.ttl, auth.WithStore(store)), opts.user); err != nil {
		fatalf("issue session: %v", err)
	}
}

func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("issue-credentials", flag.ContinueOnError)
	token := fs.String("token", "", "hash this token instead of generating one")
	iterations := fs.Int("iterations", auth.DefaultServiceTokenIterations, "PBKDF2 iterations for service token hashes")
	user := fs.String("user", "", "create a session for this user id instead of a service token")
	postgresDSN := fs.String("postgres-dsn", "", "Postgres connection string for the session store")
	ttl := fs.Duration("ttl", 0, "session lifetime")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts := options{
		token:      strings.TrimSpace(*token),
		iterations: *iterations,
		user:       strings.TrimSpace(*user),
		ttl:        config.ResolveDuration(*ttl, config.Env("SESSION_TTL"), 7*24*time.Hour),
	}
	if opts.user == "" {
		if opts.iterations <= 0 {
			return options{}, fmt.Errorf("--iterations must be positive")
		}
		return opts, nil
	}
	if opts.token != "" {
		return options{}, fmt.Errorf("--token only applies to service tokens")
	}
	opts.dsn = config.FirstNonEmpty(
		strings.TrimSpace(*postgresDSN),
		os.Getenv(config.Env("SESSION_POSTGRES_DSN")),
		config.ResolvePostgresDSN(""),
	)
	if opts.dsn == "" {
		return options{}, fmt.Errorf("--user needs the Postgres session store: set --postgres-dsn or %s", config.Env("SESSION_POSTGRES_DSN"))
	}
	return opts, nil
}

func issueServiceToken(out io.Writer, opts options) error {
	token := opts.token
	if token == "" {
		generated, err := auth.NewServiceToken()
		if err != nil {
			return err
		}
		token = generated
	}
	hash, err := auth.HashServiceToken(token, opts.iterations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "token: %s\n", token)
	fmt.Fprintf(out, "hash:  %s\n", hash)
	return nil
}

func issueSession(ctx context.Context, out io.Writer, sessions *auth.SessionManager, user string) error {
	token, expiresAt, err := sessions.Create(ctx, user)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "user:    %s\n", user)
	fmt.Fprintf(out, "token:   %s\n", token)
	fmt.Fprintf(out, "expires: %s\n", expiresAt.UTC().Format(time.RFC3339))
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
