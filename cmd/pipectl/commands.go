package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cai265891-design/Signalidea/internal/apikey"
	"github.com/cai265891-design/Signalidea/internal/config"
	"github.com/cai265891-design/Signalidea/internal/pipeline"
	"github.com/cai265891-design/Signalidea/internal/poller"
	"github.com/cai265891-design/Signalidea/internal/store"
	"github.com/cai265891-design/Signalidea/pkg/models"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errPipelineFailed = errors.New("pipeline failed")

var startCmd = &cobra.Command{
	Use:   "start <idea>",
	Short: "Start a pipeline run for a product idea",
	Long: `Start a pipeline run and, unless --detach is given, watch it until it
completes or fails.

Examples:
  pipectl start "a shared todo list for small teams"
  pipectl start --detach "habit tracker for remote workers"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStart,
}

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Watch a pipeline run until it settles",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume watching the run an interrupted watch left behind",
	Args:  cobra.NoArgs,
	RunE:  runResume,
}

var progressCmd = &cobra.Command{
	Use:   "progress <project-id>",
	Short: "Show task progress for a project",
	Long: `Show task progress for a project. By default only feature-matrix tasks
are listed; pass --type ALL for every task.`,
	Args: cobra.ExactArgs(1),
	RunE: runProgress,
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key directly in the database",
	Long: `Issue an API key by writing it straight to the database configured by
DATABASE_DRIVER and DATABASE_URL. Use this to bootstrap the first admin key.`,
	Args: cobra.NoArgs,
	RunE: runKeysCreate,
}

func init() {
	startCmd.Flags().Bool("detach", false, "print the job id and return without watching")
	progressCmd.Flags().String("type", "", "workflow type filter (ALL, FEATURE_MATRIX, INTENT_CLARIFIER, ...)")

	keysCreateCmd.Flags().String("name", "", "key name, unique per user")
	keysCreateCmd.Flags().String("user", "", "owner user id (default: a new id)")
	keysCreateCmd.Flags().StringSlice("scope", []string{apikey.ScopePipeline}, "scopes to grant (pipeline, admin)")
	_ = keysCreateCmd.MarkFlagRequired("name")

	keysCmd.AddCommand(keysCreateCmd)
	rootCmd.AddCommand(startCmd, watchCmd, resumeCmd, progressCmd, keysCmd)
}

func apiClient() (*poller.Client, error) {
	key := viper.GetString("api.key")
	if key == "" {
		return nil, fmt.Errorf("no API key: set --api-key or %s_API_KEY", envPrefix)
	}
	return poller.NewClient(viper.GetString("api.url"), key), nil
}

func stateStore() *poller.StateStore {
	return poller.NewStateStore(afero.NewOsFs(), viper.GetString("state.file"))
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStart(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()

	res, err := client.Start(ctx, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	if detach, _ := cmd.Flags().GetBool("detach"); detach {
		if jsonOutput {
			return printJSON(cmd, res)
		}
		cmd.Println(res.JobID)
		return nil
	}

	cmd.Printf("%s %s\n", styleSubtle.Render("started"), res.JobID)
	return watchJob(ctx, cmd, client, res.JobID)
}

func runWatch(cmd *cobra.Command, args []string) error {
	jobID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid job id %q: %w", args[0], err)
	}
	client, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()

	return watchJob(ctx, cmd, client, jobID)
}

func runResume(cmd *cobra.Command, _ []string) error {
	jobID, ok, err := poller.Recover(stateStore())
	if err != nil {
		return fmt.Errorf("read watch state: %w", err)
	}
	if !ok {
		cmd.Println("Nothing to resume.")
		return nil
	}

	client, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()

	cmd.Printf("%s %s\n", styleSubtle.Render("resuming"), jobID)
	return watchJob(ctx, cmd, client, jobID)
}

// watchJob polls jobID until it settles, printing a view whenever its status
// or stage changes.
func watchJob(ctx context.Context, cmd *cobra.Command, f poller.Fetcher, jobID uuid.UUID) error {
	var seen string
	p := poller.New(f, jobID,
		poller.WithStateStore(stateStore()),
		poller.WithOnUpdate(func(v *pipeline.JobStatusView) {
			key := v.Status + "/" + v.CurrentStage
			if key == seen || jsonOutput {
				return
			}
			seen = key
			cmd.Println(renderJob(v))
		}),
		poller.WithOnError(func(err error) {
			cmd.PrintErrf("%s %v\n", styleWarning.Render("poll failed:"), err)
		}),
	)

	view, err := p.Run(ctx)
	if errors.Is(err, context.Canceled) {
		cmd.PrintErrln("Stopped. Run `pipectl resume` to continue watching.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("watch %s: %w", jobID, err)
	}

	if jsonOutput {
		if err := printJSON(cmd, view); err != nil {
			return err
		}
	}
	if view.Status == models.StatusFailed {
		return errPipelineFailed
	}
	return nil
}

func runProgress(cmd *cobra.Command, args []string) error {
	projectID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid project id %q: %w", args[0], err)
	}
	client, err := apiClient()
	if err != nil {
		return err
	}
	workflowType, _ := cmd.Flags().GetString("type")

	view, err := client.Progress(cmd.Context(), projectID, strings.ToUpper(workflowType))
	if err != nil {
		return fmt.Errorf("task progress: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd, view)
	}
	cmd.Println(renderProgress(view))
	return nil
}

func runKeysCreate(cmd *cobra.Command, _ []string) error {
	name, _ := cmd.Flags().GetString("name")
	scopes, _ := cmd.Flags().GetStringSlice("scope")
	user, _ := cmd.Flags().GetString("user")

	owner := uuid.New()
	if user != "" {
		parsed, err := uuid.Parse(user)
		if err != nil {
			return fmt.Errorf("invalid user id %q: %w", user, err)
		}
		owner = parsed
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, closeStore, err := store.Open(cmd.Context(), cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer closeStore()

	key, raw, err := apikey.Generate(owner, name, scopes)
	if err != nil {
		return err
	}
	if err := st.CreateAPIKey(cmd.Context(), key); err != nil {
		return fmt.Errorf("store key: %w", err)
	}

	if jsonOutput {
		return printJSON(cmd, map[string]any{
			"id": key.ID, "userId": key.UserID, "name": key.Name,
			"key": raw, "keyPrefix": key.KeyPrefix, "scopes": key.Scopes,
		})
	}
	cmd.Printf("%s %s\n", styleTitle.Render("API key"), raw)
	cmd.Printf("%s %s\n", styleSubtle.Render("user  "), key.UserID)
	cmd.Printf("%s %s\n", styleSubtle.Render("scopes"), strings.Join(key.Scopes, ","))
	cmd.Println(styleWarning.Render("The key is shown once. Store it now."))
	return nil
}
