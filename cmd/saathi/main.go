package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/DigitalSaathi/internal/asset"
	"github.com/dharsanguruparan/DigitalSaathi/internal/bootstrap"
	"github.com/dharsanguruparan/DigitalSaathi/internal/config"
	"github.com/dharsanguruparan/DigitalSaathi/internal/database"
	"github.com/dharsanguruparan/DigitalSaathi/internal/failure"
	"github.com/dharsanguruparan/DigitalSaathi/internal/listing"
	"github.com/dharsanguruparan/DigitalSaathi/internal/logging"
	"github.com/dharsanguruparan/DigitalSaathi/internal/model"
	"github.com/dharsanguruparan/DigitalSaathi/internal/pipeline"
	"github.com/dharsanguruparan/DigitalSaathi/internal/share"
	"github.com/dharsanguruparan/DigitalSaathi/internal/viewer"
)

var logLevel string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "saathi: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saathi",
		Short: "Digital Saathi command line",
		Long: `saathi generates social posts for product photos, submits artisan listings
and follows the latest listing, using the same backends as the server.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override SAATHI_LOG_LEVEL")
	cmd.AddCommand(
		newGenerateCmd(),
		newSubmitCmd(),
		newWatchCmd(),
		newMigrateCmd(),
		newRunCmd(),
	)
	return cmd
}

// setup loads configuration and a logger. The CLI logs warnings and above
// unless told otherwise so command output stays readable.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := logLevel
	if level == "" {
		level = "warn"
	}
	logger, err := logging.New(level)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

func newGenerateCmd() *cobra.Command {
	var copyText, shareOut bool
	cmd := &cobra.Command{
		Use:   "generate IMAGE",
		Short: "Upload a photo and generate a caption with hashtags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			assets, err := bootstrap.NewAssets(cfg, logger)
			if err != nil {
				return err
			}
			defer assets.Close()
			uploader, err := bootstrap.NewUploader(ctx, cfg, logger)
			if err != nil {
				return err
			}
			analyzer, err := bootstrap.NewAnalyzer(ctx, cfg, logger)
			if err != nil {
				return err
			}

			ctrl := pipeline.New(pipeline.Deps{
				Uploader:  uploader,
				Analyzer:  analyzer,
				Assets:    assets,
				Clipboard: share.SystemClipboard{},
				Opener:    share.BrowserOpener{},
			}, pipeline.Options{
				ShareAppURL:        cfg.ShareAppURL,
				ShareWebURL:        cfg.ShareWebURL,
				ShareFallbackDelay: cfg.ShareFallbackDelay,
			}, logger)
			defer ctrl.Close()

			file, err := asset.ReadFile(args[0])
			if err != nil {
				return err
			}
			if _, err := ctrl.SelectImage(file); err != nil {
				return errors.New(failure.Message(err))
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "Uploading and generating...")
			if err := ctrl.Generate(ctx); err != nil {
				return errors.New(failure.Message(err))
			}
			printPost(cmd.OutOrStdout(), ctrl.State().Post)

			if copyText {
				if err := ctrl.CopyToClipboard(ctx); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "Could not copy: %v\n", err)
				} else {
					fmt.Fprintln(cmd.ErrOrStderr(), "Copied to clipboard.")
				}
			}
			if shareOut {
				if err := ctrl.ShareExternally(); err != nil {
					return err
				}
				ctrl.Wait()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&copyText, "copy", false, "Copy the caption and hashtags to the clipboard")
	cmd.Flags().BoolVar(&shareOut, "share", false, "Open Instagram (app first, then web) with the text on the clipboard")
	return cmd
}

func printPost(w io.Writer, post *model.GeneratedPost) {
	fmt.Fprintln(w, post.Text())
	if post.Mood != "" {
		fmt.Fprintf(w, "\nMood: %s\n", post.Mood)
	}
	if post.Suggestion != "" {
		fmt.Fprintf(w, "Suggestion: %s\n", post.Suggestion)
	}
}

func newSubmitCmd() *cobra.Command {
	var draft listing.Draft
	var imagePath string
	var requireImage bool
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Save an artisan product listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cmd.Flags().Changed("require-image") {
				cfg.RequireImage = requireImage
			}
			svc, err := bootstrap.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			form := listing.New(listing.Deps{
				Uploader: svc.Uploader,
				Store:    svc.Store,
				Assets:   svc.Assets,
				Notifier: svc.Notifier,
			}, listing.Options{
				Collection:   cfg.ListingCollection,
				RequireImage: cfg.RequireImage,
			}, logger)
			defer form.Close()

			if err := form.SetDraft(draft); err != nil {
				return err
			}
			if imagePath != "" {
				file, err := asset.ReadFile(imagePath)
				if err != nil {
					return err
				}
				if _, err := form.AttachImage(file); err != nil {
					return errors.New(failure.Message(err))
				}
			}
			rec, err := form.Submit(ctx)
			if err != nil {
				return errors.New(failure.Message(err))
			}
			fmt.Fprintln(cmd.OutOrStdout(), form.Message())
			fmt.Fprintf(cmd.OutOrStdout(), "id: %s  artisan: %s\n", rec.ID, rec.ArtisanID)
			return nil
		},
	}
	cmd.Flags().StringVar(&draft.ArtisanName, "artisan-name", "", "Artisan name")
	cmd.Flags().StringVar(&draft.ProductName, "product-name", "", "Product name")
	cmd.Flags().StringVar(&draft.Description, "description", "", "Product description")
	cmd.Flags().StringVar(&draft.Price, "price", "", "Price")
	cmd.Flags().StringVar(&draft.Contact, "contact", "", "Contact number")
	cmd.Flags().StringVar(&draft.Area, "area", "", "Area or city")
	cmd.Flags().StringVar(&imagePath, "image", "", "Product photo")
	cmd.Flags().BoolVar(&requireImage, "require-image", false, "Reject listings without a photo (overrides SAATHI_REQUIRE_IMAGE)")
	return cmd
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the most recent listing whenever it changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			store, closeStore, err := bootstrap.NewStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			enc := json.NewEncoder(cmd.OutOrStdout())
			v, err := viewer.Watch(ctx, store, cfg.ListingCollection, logger, func(rec *model.ListingRecord) {
				if rec == nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "No listings yet.")
					return
				}
				_ = enc.Encode(map[string]any{
					"id":        rec.ID,
					"createdAt": rec.CreatedAt,
					"listing":   rec,
				})
			})
			if err != nil {
				return err
			}
			defer v.Close()
			<-ctx.Done()
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			pool, err := database.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()
			if err := database.Migrate(ctx, pool, logger); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run individual Go binaries directly",
	}
	cmd.AddCommand(
		newServiceRunner("server", "./cmd/server"),
		newServiceRunner("worker", "./cmd/worker"),
	)
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("go run %s", path),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			goArgs := []string{"run", path}
			goArgs = append(goArgs, args...)
			return runCommand(ctx, "go", goArgs...)
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
