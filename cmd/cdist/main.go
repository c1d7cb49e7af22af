package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"cdist-go/internal/app"
	"cdist-go/internal/config"
	"cdist-go/internal/loader"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func readConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a CDistApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Sync", "Publish").
func newApp(ctx context.Context, operation string, args []string) (*app.CDistApp, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewCDistApp(ctx, cfg, operation, strings.Join(args, " "))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// closeApp reports Close errors, which include a failed snapshot upload.
func closeApp(a *app.CDistApp) {
	if err := a.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

// readPassphrase takes the passphrase from CDIST_PASSPHRASE, then from the
// terminal without echo, then from one line of stdin.
func readPassphrase(prompt string, confirm bool) (string, error) {
	if p := os.Getenv("CDIST_PASSPHRASE"); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	p, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if confirm {
		fmt.Fprint(os.Stderr, "Confirm passphrase: ")
		again, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		if string(again) != string(p) {
			return "", fmt.Errorf("passphrases do not match")
		}
	}
	return string(p), nil
}

var rootCmd = &cobra.Command{
	Use:          "cdist",
	Short:        "Game client bundle distribution",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		catalogID := uuid.New().String()
		cfg := config.NewConfig(catalogID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Catalog ID:   %s\n", catalogID)
		fmt.Printf("Updates root: %s\n", cfg.UpdatesRoot)
		fmt.Println("Next: `cdist catalog migrate` and `cdist keys init`")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Catalog ID:   %s\n", cfg.CatalogID)
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:      %s\n", cfg.LogDir)
		fmt.Printf("Updates Root: %s\n", cfg.UpdatesRoot)
		fmt.Printf("Database:     %s\n", cfg.Database.Type)
		fmt.Printf("Mirror:       %s\n", cfg.Mirror.Type)
		fmt.Printf("Events:       %s\n", cfg.Events.Type)
		if cfg.Audit.Schedule != "" {
			fmt.Printf("Audit:        %s\n", cfg.Audit.Schedule)
		}
		fmt.Printf("Profiles:     %d\n", len(cfg.Profiles))
		return nil
	},
}

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync [DIR]",
	Short: "Catalog client directories (all bundles when DIR is omitted)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Sync", args)
		if err != nil {
			return err
		}
		defer closeApp(a)

		dir := ""
		if len(args) > 0 {
			dir = args[0]
		}
		results, err := a.Sync(cmd.Context(), dir)
		for name, r := range results {
			fmt.Printf("%-30s  added %d  updated %d  errors %d\n", name, r.Added, r.Updated, r.Errors)
		}
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if len(results) == 0 {
			fmt.Println("No client bundles found.")
		}
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status DIR",
	Short: "Compare a client directory with the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "GetStatus", args)
		if err != nil {
			return err
		}
		defer closeApp(a)

		statuses, err := a.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("No files found.")
			return nil
		}

		for _, s := range statuses {
			var indicator string
			switch {
			case s.IntegrityCheckFailed:
				indicator = "F"
			case s.Verified:
				indicator = "V"
			default:
				indicator = " "
			}
			fmt.Printf("%-9s %s %-7s %s\n", s.State, indicator, s.Type, s.RelativePath)
		}
		return nil
	},
}

// verify command
var verifyCmd = &cobra.Command{
	Use:   "verify [VERSION]",
	Short: "Re-hash cataloged files against disk",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return fmt.Errorf("give either a VERSION or --all")
		}

		if all {
			a, err := newApp(cmd.Context(), "VerifyAll", nil)
			if err != nil {
				return err
			}
			defer closeApp(a)

			results, err := a.VerifyAll(cmd.Context())
			for version, r := range results {
				fmt.Printf("%-30s  %d/%d valid  %d invalid\n", version, r.Valid, r.Total, r.Invalid)
			}
			return err
		}

		file, _ := cmd.Flags().GetString("file")
		dir, _ := cmd.Flags().GetString("dir")
		if file != "" {
			a, err := newApp(cmd.Context(), "VerifyFile", []string{args[0], dir, file})
			if err != nil {
				return err
			}
			defer closeApp(a)

			r, err := a.VerifyFile(cmd.Context(), args[0], dir, file)
			if err != nil {
				return err
			}
			fmt.Printf("%s %s: %d/%d valid, %d invalid\n", args[0], file, r.Valid, r.Total, r.Invalid)
			return nil
		}

		a, err := newApp(cmd.Context(), "Verify", args)
		if err != nil {
			return err
		}
		defer closeApp(a)

		r, err := a.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d/%d valid, %d invalid\n", args[0], r.Valid, r.Total, r.Invalid)
		return nil
	},
}

// rm command
var rmCmd = &cobra.Command{
	Use:   "rm VERSION DIR PATH",
	Short: "Remove one file from the catalog",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "RemoveFile", args)
		if err != nil {
			return err
		}
		defer closeApp(a)

		if err := a.RemoveFile(cmd.Context(), args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("Removed %s/%s from %s\n", args[1], args[2], args[0])
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the catalog in sync with the updates root until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Watch", nil)
		if err != nil {
			return err
		}
		defer closeApp(a)
		return a.Watch(cmd.Context())
	},
}

// install command
var installCmd = &cobra.Command{
	Use:   "install VERSION DIR",
	Short: "Download a client release into DIR and catalog it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Install", args)
		if err != nil {
			return err
		}
		defer closeApp(a)

		start := time.Now()
		progress := func(done, total int) {
			fmt.Fprintf(os.Stderr, "\rassets %d/%d", done, total)
			if done == total {
				fmt.Fprintln(os.Stderr)
			}
		}
		report, res, err := a.Install(cmd.Context(), args[0], args[1], progress)
		if err != nil {
			return err
		}

		fmt.Printf("Installed %s into %s in %s\n", report.Version, args[1], time.Since(start).Truncate(time.Millisecond))
		fmt.Printf("  libraries  %d downloaded  %d skipped  %d failed\n", report.Libraries.Downloaded, report.Libraries.Skipped, report.Libraries.Failed)
		fmt.Printf("  natives    %d extracted  %d failed\n", report.Natives, report.NativesFailed)
		fmt.Printf("  assets     %d downloaded  %d skipped  %d failed\n", report.Assets.Downloaded, report.Assets.Skipped, report.Assets.Failed)
		fmt.Printf("  catalog    %d added  %d updated\n", res.Added, res.Updated)
		return nil
	},
}

// loader command
var loaderCmd = &cobra.Command{
	Use:   "loader",
	Short: "Manage mod loaders",
}

var loaderInstallCmd = &cobra.Command{
	Use:   "install KIND INSTALLER DIR",
	Short: "Run a forge or fabric installer over the client in DIR",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := loader.ParseKind(args[0])
		if err != nil {
			return err
		}
		mc, _ := cmd.Flags().GetString("mc-version")
		loaderVersion, _ := cmd.Flags().GetString("loader-version")
		versionID, _ := cmd.Flags().GetString("version-id")

		a, err := newApp(cmd.Context(), "InstallLoader", args)
		if err != nil {
			return err
		}
		defer closeApp(a)

		result, res, err := a.InstallLoader(cmd.Context(), loader.Request{
			Kind:             kind,
			InstallerPath:    args[1],
			MinecraftVersion: mc,
			LoaderVersion:    loaderVersion,
			LoaderVersionID:  versionID,
			ClientDirectory:  args[2],
		})
		if err != nil {
			return err
		}
		fmt.Printf("Installed %s into %s (%d new libraries)\n", result.VersionID, args[2], result.LibrariesCopied)
		fmt.Printf("  catalog    %d added  %d updated\n", res.Added, res.Updated)
		return nil
	},
}

// publish command
var publishCmd = &cobra.Command{
	Use:   "publish VERSION",
	Short: "Copy the verified files of a version to the mirror",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Publish", args)
		if err != nil {
			return err
		}
		defer closeApp(a)

		r, err := a.Publish(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		fmt.Printf("Published %d file(s), %d already mirrored, %d not verified\n", r.Published, r.Skipped, r.Unverified)
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View sync operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "GetHistory", nil)
		if err != nil {
			return err
		}
		defer closeApp(a)

		ops, err := a.GetHistory(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No sync operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt.Valid {
				duration = op.FinishedAt.Time.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %-10s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

// versions command
var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List cataloged versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListVersions", nil)
		if err != nil {
			return err
		}
		defer closeApp(a)

		versions, err := a.Versions(cmd.Context())
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No versions cataloged.")
			return nil
		}
		for _, v := range versions {
			state := "enabled"
			if !v.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-30s  %-8s  java %-3s  %s\n", v.Version, state, v.JvmVersion, v.Title)
		}
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage catalog snapshot keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the snapshot key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		passphrase, err := readPassphrase("New passphrase: ", true)
		if err != nil {
			return err
		}
		if err := app.InitKeys(cfg, passphrase); err != nil {
			return err
		}
		fmt.Printf("Keys written to %s and %s\n", cfg.Encryption.PublicKeyPath, cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// catalog command
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the local catalog",
}

var catalogMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.MigrateCatalog(cfg); err != nil {
			return err
		}
		fmt.Println("Catalog schema is up to date.")
		return nil
	},
}

var catalogRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Replace the local catalog with the latest mirror snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		cfg, err := readConfig()
		if err != nil {
			return err
		}
		passphrase, err := readPassphrase("Passphrase: ", false)
		if err != nil {
			return err
		}
		version, err := app.RestoreCatalog(cmd.Context(), cfg, passphrase, force)
		if err != nil {
			return err
		}
		fmt.Printf("Restored catalog snapshot %d\n", version)
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// loader subcommands
	loaderCmd.AddCommand(loaderInstallCmd)
	loaderInstallCmd.Flags().String("mc-version", "", "Game version of the client in DIR")
	loaderInstallCmd.Flags().String("loader-version", "", "Loader version, e.g. 47.2.0")
	loaderInstallCmd.Flags().String("version-id", "", "Version directory the installer creates (derived when empty)")
	loaderInstallCmd.MarkFlagRequired("mc-version")

	// keys and catalog subcommands
	keysCmd.AddCommand(keysInitCmd)
	catalogCmd.AddCommand(catalogMigrateCmd)
	catalogCmd.AddCommand(catalogRestoreCmd)
	catalogRestoreCmd.Flags().Bool("force", false, "Replace an existing local catalog")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().Bool("all", false, "Verify every cataloged version")
	verifyCmd.Flags().String("file", "", "Verify only this catalog-relative path")
	verifyCmd.Flags().String("dir", "", "Client directory for --file (default: every directory)")
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(loaderCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(versionsCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(catalogCmd)
}
