package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"weightsync/internal/app"
	"weightsync/internal/config"
	"weightsync/internal/withings"
)

var (
	configPath string
	verbose    bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, errorMessage(err))
		os.Exit(1)
	}
}

// loadConfig reads the config from --config or the default location.
// With allowMissing a fresh config is returned when the file does not
// exist yet, so setup can create it.
func loadConfig(allowMissing bool) (string, *config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return "", nil, fmt.Errorf("getting defaults: %w", err)
	}
	path := configPath
	if path == "" {
		path = defaults.ConfigPath
	}

	cfg, err := config.ReadFromFile(path)
	if err != nil {
		if allowMissing && errors.Is(err, fs.ErrNotExist) {
			return path, config.NewConfig(defaults.BaseDir), nil
		}
		return "", nil, fmt.Errorf("reading config: %w", err)
	}
	return path, cfg, nil
}

// newApp reads the config and creates a WSApp. The caller must defer app.Close().
func newApp(cmd *cobra.Command, allowMissing bool) (*app.WSApp, error) {
	path, cfg, err := loadConfig(allowMissing)
	if err != nil {
		return nil, err
	}
	a, err := app.NewWSApp(path, cfg, app.Options{Verbose: verbose, Console: cmd.ErrOrStderr()})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassword prompts on the terminal without echo. Input that is not a
// terminal is read as a plain line.
var readPassword = func(in *bufio.Reader, out io.Writer, label string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return prompt(in, out, label)
	}
	fmt.Fprint(out, label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(b), nil
}

func prompt(in *bufio.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprint(out, label)
	line, err := in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// promptIfEmpty returns v, or asks for it when empty.
func promptIfEmpty(v string, in *bufio.Reader, out io.Writer, label string) (string, error) {
	if v != "" {
		return v, nil
	}
	return prompt(in, out, label)
}

var rootCmd = &cobra.Command{
	Use:           "wsync",
	Short:         "Sync Withings body measurements to Garmin Connect and Smashrun",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// setup command
var setupCmd = &cobra.Command{
	Use:       "setup SERVICE",
	Short:     "Connect a service (withings, garmin, smashrun, smashrun_code)",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"withings", "garmin", "smashrun", "smashrun_code"},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		secret, _ := cmd.Flags().GetString("secret")
		callback, _ := cmd.Flags().GetString("callback")
		verify, _ := cmd.Flags().GetBool("verify")

		a, err := newApp(cmd, true)
		if err != nil {
			return err
		}
		defer a.Close()

		in := bufio.NewReader(cmd.InOrStdin())
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		switch args[0] {
		case "withings":
			if key == "" || secret == "" || callback == "" {
				fmt.Fprintln(out, "To connect Withings you must have registered an application at https://developer.withings.com/dashboard/ .")
			}
			if key, err = promptIfEmpty(key, in, out, "Please enter the client id: "); err != nil {
				return err
			}
			if secret, err = promptIfEmpty(secret, in, out, "Please enter the consumer secret: "); err != nil {
				return err
			}
			if callback, err = promptIfEmpty(callback, in, out, "Please enter the callback url known by Withings: "); err != nil {
				return err
			}
			fmt.Fprintf(out, "Visit: %s\nand select your user and click \"Allow this app\".\n", a.WithingsAuthURL(key, secret, callback))
			fmt.Fprintln(out, "Afterwards you will be redirected to your callback url with some additional parameters.")
			fmt.Fprintln(out, "Example: https://your_original_callback?code=[code]&state=[state]")
			resp, err := prompt(in, out, "Please enter the full callback response url: ")
			if err != nil {
				return err
			}
			if err := a.CompleteWithingsSetup(ctx, resp); err != nil {
				return withService("withings", err)
			}
			fmt.Fprintln(out, "Withings connected.")

		case "garmin":
			if key, err = promptIfEmpty(key, in, out, "Please enter your Garmin Connect username: "); err != nil {
				return err
			}
			if secret == "" {
				if secret, err = readPassword(in, out, "Please enter your Garmin Connect password: "); err != nil {
					return err
				}
			}
			if err := a.SetupGarmin(ctx, key, secret, verify); err != nil {
				return withService("garmin", err)
			}
			fmt.Fprintln(out, "Garmin Connect login saved.")

		case "smashrun":
			fmt.Fprintf(out, "Go to '%s' and log into Smashrun. After redirection, copy the access_token from the url.\n", a.SmashrunImplicitAuthURL())
			fmt.Fprintf(out, "Example url: %s#access_token=____01234-abcdefghijklmnop&token_type=[...]\n", app.SmashrunImplicitRedirect)
			fmt.Fprintln(out, "Example access_token: ____01234-abcdefghijklmnop")
			token, err := prompt(in, out, "Please enter your access token: ")
			if err != nil {
				return err
			}
			if err := a.SetupSmashrunToken(token); err != nil {
				return withService("smashrun", err)
			}
			fmt.Fprintln(out, "Smashrun token saved.")

		case "smashrun_code":
			if key == "" || secret == "" {
				fmt.Fprintln(out, "To connect Smashrun you need to request an API key at https://api.smashrun.com/register .")
			}
			if key, err = promptIfEmpty(key, in, out, "Please enter the client id: "); err != nil {
				return err
			}
			if secret, err = promptIfEmpty(secret, in, out, "Please enter the client secret: "); err != nil {
				return err
			}
			fmt.Fprintf(out, "Go to '%s' and authorize this application.\n", a.SmashrunCodeAuthURL(key, secret))
			code, err := prompt(in, out, "Please enter the code provided: ")
			if err != nil {
				return err
			}
			if err := a.CompleteSmashrunCodeSetup(ctx, code); err != nil {
				return withService("smashrun", err)
			}
			fmt.Fprintln(out, "Smashrun connected.")

		default:
			return fmt.Errorf("unknown service %q, available services are: withings, garmin, smashrun, smashrun_code", args[0])
		}

		fmt.Fprintf(out, "Config file saved to %s\n", a.ConfigPath())
		return nil
	},
}

// sync commands
var syncCmd = &cobra.Command{
	Use:       "sync SERVICE",
	Short:     "Upload new measurements to garmin or smashrun",
	Args:      cobra.ExactArgs(1),
	ValidArgs: app.Destinations,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args[0], false)
	},
}

var syncPreviewCmd = &cobra.Command{
	Use:       "sync-preview SERVICE",
	Short:     "Show what sync would upload without uploading",
	Args:      cobra.ExactArgs(1),
	ValidArgs: app.Destinations,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args[0], true)
	},
}

func runSync(cmd *cobra.Command, dest string, preview bool) error {
	a, err := newApp(cmd, false)
	if err != nil {
		return err
	}
	defer a.Close()

	run := a.Sync
	if preview {
		run = a.Preview
	}
	res, err := run(cmd.Context(), dest)
	if err != nil {
		return withService(dest, err)
	}
	printResult(cmd.OutOrStdout(), res, preview)
	return nil
}

// withings commands
var lastCmd = &cobra.Command{
	Use:   "last [TYPE]",
	Short: "Show the most recent measurement group",
	Long:  "Show the most recent measurement group, or one reading of it: " + measureTypeNames(),
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var mt *withings.MeasureType
		if len(args) == 1 {
			t, ok := withings.LookupMeasureType(args[0])
			if !ok {
				return fmt.Errorf("unknown measure type %q, expected one of %s", args[0], measureTypeNames())
			}
			mt = &t
		}

		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		groups, err := a.Last(cmd.Context(), 1)
		if err != nil {
			return withService("withings", err)
		}
		out := cmd.OutOrStdout()
		if len(groups) == 0 {
			fmt.Fprintln(out, "No measurements found.")
			return nil
		}

		g := groups[0]
		if mt == nil {
			printGroup(out, g)
			return nil
		}
		fmt.Fprintln(out, g.Date.Format(timeLayout))
		if v := withings.Reading(g, mt.Code); v != nil {
			fmt.Fprintln(out, formatValue(*v))
		} else {
			fmt.Fprintf(out, "No %s in the last measurement.\n", strings.ReplaceAll(mt.Name, "_", " "))
		}
		return nil
	},
}

func measureTypeNames() string {
	names := make([]string, len(withings.MeasureTypes))
	for i, t := range withings.MeasureTypes {
		names[i] = t.Name
	}
	return strings.Join(names, ", ")
}

var lastnCmd = &cobra.Command{
	Use:   "lastn N",
	Short: "Show the N most recent measurement groups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("you must supply the number of measurement groups to fetch, got %q", args[0])
		}

		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		groups, err := a.Last(cmd.Context(), n)
		if err != nil {
			return withService("withings", err)
		}
		printGroups(cmd.OutOrStdout(), groups)
		return nil
	},
}

var userinfoCmd = &cobra.Command{
	Use:   "userinfo",
	Short: "Show the Withings user record",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.UserInfo(cmd.Context())
		if err != nil {
			return withService("withings", err)
		}
		b, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return fmt.Errorf("formatting user info: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(b))
		return nil
	},
}

var subscribeCmd = &cobra.Command{
	Use:   "subscribe URL COMMENT",
	Short: "Register a Withings notification callback",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Subscribe(cmd.Context(), args[0], args[1]); err != nil {
			return withService("withings", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Subscribed %s\n", args[0])
		return nil
	},
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe URL",
	Short: "Revoke a Withings notification callback",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Unsubscribe(cmd.Context(), args[0]); err != nil {
			return withService("withings", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unsubscribed %s\n", args[0])
		return nil
	},
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list_subscriptions",
	Short: "List Withings notification callbacks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		subs, err := a.ListSubscriptions(cmd.Context())
		if err != nil {
			return withService("withings", err)
		}
		out := cmd.OutOrStdout()
		if len(subs) == 0 {
			fmt.Fprintln(out, "No subscriptions")
			return nil
		}
		for _, s := range subs {
			fmt.Fprintf(out, " - %s (%s)\n", s.Comment, s.CallbackURL)
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history [SERVICE]",
	Short: "View sync run history",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		pruneDays, _ := cmd.Flags().GetInt("prune-days")
		showExcluded, _ := cmd.Flags().GetBool("excluded")
		dest := ""
		if len(args) == 1 {
			dest = args[0]
		}

		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if pruneDays > 0 {
			n, err := a.PruneHistory(cmd.Context(), time.Duration(pruneDays)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Removed %d run(s) older than %d day(s).\n", n, pruneDays)
		}

		runs, err := a.History(cmd.Context(), dest, limit)
		if err != nil {
			return err
		}
		printRuns(out, runs)
		if !showExcluded {
			return nil
		}
		for _, r := range runs {
			if r.ExcludedCount == 0 {
				continue
			}
			items, err := a.ExcludedItems(cmd.Context(), r.ID)
			if err != nil {
				return err
			}
			printExcluded(out, r.ID, items)
		}
		return nil
	},
}

var unblockCmd = &cobra.Command{
	Use:       "unblock SERVICE",
	Short:     "Resume automated sync after fixing a blocked account",
	Args:      cobra.ExactArgs(1),
	ValidArgs: append([]string{withings.Name}, app.Destinations...),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		cleared, err := a.Unblock(args[0])
		if err != nil {
			return err
		}
		if cleared {
			fmt.Fprintf(cmd.OutOrStdout(), "Sync with %s resumed.\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Sync with %s was not blocked.\n", args[0])
		}
		return nil
	},
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		path := configPath
		if path == "" {
			path = defaults.ConfigPath
		}

		if err := config.Init(path, config.NewConfig(defaults.BaseDir)); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration initialized at %s\n", path)
		fmt.Fprintf(out, "Base Dir: %s\n", defaults.BaseDir)
		fmt.Fprintf(out, "Log Dir:  %s\n", defaults.LogDir())
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, cfg, err := loadConfig(false)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration from %s:\n\n", path)
		fmt.Fprintf(out, "Base Dir:  %s\n", cfg.BaseDir)
		fmt.Fprintf(out, "Log Dir:   %s\n", cfg.LogDir)
		fmt.Fprintf(out, "Database:  %s\n", cfg.Database.Type)
		fmt.Fprintf(out, "Archive:   %s\n", cfg.Archive.Type)
		fmt.Fprintf(out, "Withings:  %s\n", configured(cfg.Withings.RefreshToken != "", "user "+cfg.Withings.UserID))
		if b := cfg.Withings.Blocked; b != nil {
			fmt.Fprintf(out, "           blocked (%s: %s)\n", b.Kind, b.Message)
		}
		fmt.Fprintf(out, "Garmin:    %s\n", configured(cfg.Garmin.Username != "", cfg.Garmin.Username))
		fmt.Fprintf(out, "Smashrun:  %s\n", configured(cfg.Smashrun.Token != "" || cfg.Smashrun.RefreshToken != "", cfg.Smashrun.Type+" flow"))
		for _, dest := range app.Destinations {
			wm, _ := cfg.LastSync(dest)
			b, _ := cfg.Blocked(dest)
			state := "active"
			if b != nil {
				state = fmt.Sprintf("blocked (%s: %s)", b.Kind, b.Message)
			}
			fmt.Fprintf(out, "%-9s  last sync %d, %s\n", dest+":", wm, state)
		}
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the history database, archive and stored Garmin password",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, false)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		failed := 0
		for _, c := range a.Check(cmd.Context()) {
			if c.Err != nil {
				failed++
				fmt.Fprintf(out, "FAIL  %s: %v\n", c.Name, c.Err)
				continue
			}
			fmt.Fprintf(out, "ok    %s\n", c.Name)
		}
		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

func configured(ok bool, detail string) string {
	if !ok {
		return "not set up"
	}
	return detail
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default $WSYNC_CONFIG_PATH or ~/.config/wsync.toml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log debug messages")

	setupCmd.Flags().StringP("key", "k", "", "Client id (withings, smashrun_code) or username (garmin)")
	setupCmd.Flags().StringP("secret", "s", "", "Client secret (withings, smashrun_code) or password (garmin)")
	setupCmd.Flags().StringP("callback", "u", "", "Callback url registered with Withings")
	setupCmd.Flags().Bool("verify", false, "Log in to Garmin Connect before saving the password")

	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
	historyCmd.Flags().Int("prune-days", 0, "First delete runs older than this many days")
	historyCmd.Flags().BoolP("excluded", "x", false, "List the measurements each run skipped")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configCheckCmd)

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(syncPreviewCmd)
	rootCmd.AddCommand(lastCmd)
	rootCmd.AddCommand(lastnCmd)
	rootCmd.AddCommand(userinfoCmd)
	rootCmd.AddCommand(subscribeCmd)
	rootCmd.AddCommand(unsubscribeCmd)
	rootCmd.AddCommand(listSubscriptionsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(unblockCmd)
	rootCmd.AddCommand(configCmd)
}
