package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/danmuck/apisession/internal/capability"
	"github.com/danmuck/apisession/internal/config"
	"github.com/danmuck/apisession/internal/keyring"
	"github.com/danmuck/apisession/internal/logging"
	"github.com/danmuck/apisession/internal/session"
	"github.com/rs/zerolog/log"
)

const (
	defaultConfigPath = "cmd/apisessionctl/config.toml"
	envPassword       = "APISESSION_PASSWORD"
)

var errUsage = errors.New("usage")

// command runs against a session restored for the selected account.
type command struct {
	name  string
	args  string
	help  string
	nargs int
	run   func(a *app, ctx context.Context, args []string) error
}

var commands = []command{
	{name: "login", args: "<username>", help: "authenticate with SRP and store the session", nargs: 1, run: (*app).login},
	{name: "2fa", args: "<code>", help: "submit a second factor code", nargs: 1, run: (*app).twoFactor},
	{name: "logout", help: "end the session and erase it from the keyring", run: (*app).logout},
	{name: "status", help: "print the stored session", run: (*app).status},
	{name: "get", args: "<endpoint>", help: "GET an endpoint and print the reply", nargs: 1, run: (*app).get},
	{name: "refresh", help: "renew the access token", run: (*app).refresh},
	{name: "lock", help: "drop password scopes", run: (*app).lock},
	{name: "unlock", help: "regain password scopes", run: (*app).unlock},
	{name: "fork", args: "<child-client-id> [payload]", help: "fork the session for another client", nargs: 1, run: (*app).fork},
	{name: "import-fork", args: "<selector>", help: "adopt a forked session", nargs: 1, run: (*app).importFork},
	{name: "hv-code", args: "email|sms <destination>", help: "request a human verification code", nargs: 2, run: (*app).hvCode},
	{name: "environments", help: "list registered environments", run: (*app).environments},
}

type app struct {
	cfg      config.ClientConfig
	account  string
	password string
	out      io.Writer
	opts     []session.Option

	sess  *session.Session
	store *keyring.SessionStore
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "apisessionctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string, out io.Writer, opts ...session.Option) error {
	fs := flag.NewFlagSet("apisessionctl", flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", defaultConfigPath, "client config path")
	account := fs.String("account", "", "account whose stored session is used")
	password := fs.String("password", "", "password for login and unlock (default $"+envPassword+")")
	fs.Usage = func() { usage(fs, out) }
	if err := fs.Parse(argv); err != nil {
		return errUsage
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logging.ConfigureWith(cfg.Log.Logging())

	args := fs.Args()
	if len(args) == 0 {
		fs.Usage()
		return errUsage
	}
	cmd, ok := lookup(args[0])
	if !ok || len(args)-1 < cmd.nargs {
		fs.Usage()
		return errUsage
	}

	a := &app{cfg: cfg, account: *account, password: *password, out: out, opts: opts}
	if a.password == "" {
		a.password = os.Getenv(envPassword)
	}
	if cmd.name == "login" {
		a.account = args[1]
	}
	if err := a.open(ctx); err != nil {
		return err
	}
	defer a.close()
	return cmd.run(a, ctx, args[1:])
}

// loadConfig falls back to defaults when the default path does not exist.
func loadConfig(path string) (config.ClientConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigPath {
		return config.DefaultClientConfig(), nil
	}
	return config.LoadClientConfig(path)
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func usage(fs *flag.FlagSet, out io.Writer) {
	fmt.Fprintln(out, "usage: apisessionctl [flags] <command> [args]")
	fmt.Fprintln(out, "\ncommands:")
	for _, c := range commands {
		fmt.Fprintf(out, "  %-32s %s\n", strings.TrimSpace(c.name+" "+c.args), c.help)
	}
	fmt.Fprintln(out, "\nflags:")
	fs.PrintDefaults()
}

func (a *app) open(ctx context.Context) error {
	sess, store, err := session.NewFromConfig(ctx, a.cfg, a.account, a.opts...)
	if err != nil {
		return err
	}
	a.sess, a.store = sess, store
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Warn().Err(err).Msg("apisessionctl: close keyring")
		}
	}
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) requirePassword() error {
	if a.password == "" {
		return fmt.Errorf("password required: pass -password or set %s", envPassword)
	}
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	if err := a.requirePassword(); err != nil {
		return err
	}
	ok, err := a.sess.Authenticate(ctx, args[0], a.password, "")
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("login rejected: wrong username or password")
	}
	if a.sess.NeedsTwoFactor() {
		fmt.Fprintf(a.out, "logged in as %s, second factor required\n", args[0])
		return nil
	}
	fmt.Fprintf(a.out, "logged in as %s\n", args[0])
	return nil
}

func (a *app) twoFactor(ctx context.Context, args []string) error {
	ok, err := a.sess.ProvideTwoFactor(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("second factor rejected")
	}
	fmt.Fprintln(a.out, "second factor accepted")
	return nil
}

func (a *app) logout(ctx context.Context, _ []string) error {
	if _, err := a.sess.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "logged out")
	return nil
}

func (a *app) status(context.Context, []string) error {
	env := ""
	if e := a.sess.Environment(); e != nil {
		env = e.Name()
	}
	return a.print(map[string]any{
		"account":          a.sess.AccountName(),
		"authenticated":    a.sess.Authenticated(),
		"environment":      env,
		"needs_2fa":        a.sess.NeedsTwoFactor(),
		"refresh_revision": a.sess.RefreshRevision(),
		"scopes":           a.sess.Scopes(),
		"uid":              a.sess.UID(),
	})
}

func (a *app) get(ctx context.Context, args []string) error {
	resp, err := a.sess.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return a.print(resp)
}

func (a *app) refresh(ctx context.Context, _ []string) error {
	ok, err := a.sess.Refresh(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("refresh failed, log in again")
	}
	fmt.Fprintln(a.out, "tokens refreshed")
	return nil
}

func (a *app) lock(ctx context.Context, _ []string) error {
	if _, err := a.sess.Lock(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "locked")
	return nil
}

func (a *app) unlock(ctx context.Context, _ []string) error {
	if err := a.requirePassword(); err != nil {
		return err
	}
	ok, err := a.sess.Unlock(ctx, a.password)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("unlock rejected: wrong password")
	}
	fmt.Fprintln(a.out, "unlocked")
	return nil
}

func (a *app) fork(ctx context.Context, args []string) error {
	f := session.Fork{ChildClientID: args[0]}
	if len(args) > 1 {
		f.Payload = args[1]
	}
	selector, err := a.sess.Fork(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, selector)
	return nil
}

// importFork stores the adopted session under -account, which NewFromConfig
// already assigned to the empty session.
func (a *app) importFork(ctx context.Context, args []string) error {
	if a.account == "" {
		return errors.New("-account is required to store an imported session")
	}
	payload, err := a.sess.ImportFork(ctx, args[0])
	if err != nil {
		return err
	}
	return a.print(map[string]any{"uid": a.sess.UID(), "payload": payload})
}

func (a *app) hvCode(ctx context.Context, args []string) error {
	var ok bool
	var err error
	switch args[0] {
	case "email":
		ok, err = a.sess.HumanVerificationRequestCode(ctx, args[1], "")
	case "sms":
		ok, err = a.sess.HumanVerificationRequestCode(ctx, "", args[1])
	default:
		return fmt.Errorf("%w: destination type must be email or sms", errUsage)
	}
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("verification code not sent")
	}
	fmt.Fprintln(a.out, "verification code sent")
	return nil
}

func (a *app) environments(context.Context, []string) error {
	names := a.sess.Registry().Names(capability.Environment)
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(a.out, name)
	}
	return nil
}
