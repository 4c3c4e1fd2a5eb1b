package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"instaharvest/pkg/auth"
	"instaharvest/pkg/config"
	errs "instaharvest/pkg/errors"
	"instaharvest/pkg/instagram"
	"instaharvest/pkg/iterator"
	"instaharvest/pkg/logger"
	"instaharvest/pkg/models"
	"instaharvest/pkg/resume"
)

var (
	outputPath   string
	accountName  string
	limit        int
	noResume     bool
	forceRestart bool
)

// harvestCmd represents the harvest command.
var harvestCmd = &cobra.Command{
	Use:   "harvest <username>",
	Short: "Harvest a profile's timeline posts as JSON lines",
	Long: `Harvest all timeline posts of a profile and stream them out as JSON lines.

The harvest requires a logged-in session, restored from a previously saved
session file or created from stored credentials. An interrupted harvest
freezes its position to disk and the next run with the same parameters
resumes where it left off.`,
	Example: `  # Harvest to stdout
  instaharvest harvest johndoe

  # Harvest to a file, as a specific account
  instaharvest harvest johndoe --output johndoe.jsonl --account myaccount

  # Ignore an existing resume snapshot
  instaharvest harvest johndoe --force-restart`,
	Args: cobra.ExactArgs(1),
	Run:  runHarvest,
}

func init() {
	rootCmd.AddCommand(harvestCmd)

	harvestCmd.Flags().StringVarP(&outputPath, "output", "o", "-", "output file for harvested posts ('-' for stdout)")
	harvestCmd.Flags().StringVarP(&accountName, "account", "a", "", "log in as a specific stored account")
	harvestCmd.Flags().IntVar(&limit, "limit", 0, "stop after this many posts (0 means all)")
	harvestCmd.Flags().BoolVar(&noResume, "no-resume", false, "do not load or honor resume snapshots")
	harvestCmd.Flags().BoolVar(&forceRestart, "force-restart", false, "start fresh, ignoring an existing resume snapshot")
}

func runHarvest(cmd *cobra.Command, args []string) {
	target := strings.TrimSpace(args[0])

	cfg, err := setup()
	if err != nil {
		fatal("failed to load configuration", err)
	}
	log := logger.GetLogger()

	ctx, err := instagram.NewContext(cfg, log)
	if err != nil {
		fatal("failed to create session", err)
	}
	defer ctx.Close()

	if err := establishSession(cfg, ctx); err != nil {
		fatal("failed to establish a logged-in session", err)
	}

	profile, err := fetchProfile(ctx, target)
	if err != nil {
		fatal(fmt.Sprintf("failed to resolve profile %q", target), err)
	}
	if profile.IsPrivate && !profile.FollowedByViewer && profile.Username != ctx.Username() {
		fatal(fmt.Sprintf("profile %q is private and not followed by %s", target, ctx.Username()), nil)
	}

	log.InfoWithFields("harvesting profile", map[string]interface{}{
		"username":    profile.Username,
		"media_count": profile.MediaCount,
	})

	it, err := iterator.New(ctx, iterator.Config[*models.Post]{
		QueryHash: instagram.ProfilePostsQueryHash,
		Extractor: models.TimelinePage,
		Wrap:      models.WrapPost,
		Variables: map[string]interface{}{"id": profile.ID},
		Referer:   "https://" + instagram.PrimaryHost + "/" + profile.Username + "/",
	})
	if err != nil {
		fatal("failed to build timeline iterator", err)
	}

	store, err := resume.NewStore(cfg.Resume.Directory)
	if err != nil {
		fatal("failed to open snapshot store", err)
	}
	snapshotPath := store.SnapshotPath(it.Magic())

	opts := resume.DefaultOptions(store)
	opts.Enabled = cfg.Resume.Enabled && !noResume && !forceRestart
	opts.CheckBestBefore = cfg.Resume.CheckBestBefore
	opts.Logger = log

	resumed, startIndex, err := resume.ResumableIteration(it, opts)
	if err != nil {
		fatal("failed to resume interrupted harvest", err)
	}
	if resumed {
		fmt.Fprintf(os.Stderr, "Resuming harvest of %s at post %d.\n", profile.Username, startIndex)
	}
	if forceRestart {
		_ = store.Delete(snapshotPath)
	}

	out, closeOut, err := openOutput(outputPath)
	if err != nil {
		fatal("failed to open output", err)
	}
	defer closeOut()
	encoder := json.NewEncoder(out)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	harvested := 0
	for {
		select {
		case <-sigCh:
			freezeAndExit(it, store, snapshotPath)
		default:
		}

		post, ok, err := it.Next()
		if err != nil {
			// The position is unchanged on error, so the snapshot picks up
			// exactly where this run failed.
			if saveErr := store.Save(it.Freeze(), snapshotPath); saveErr != nil {
				log.WithError(saveErr).Error("failed to save resume snapshot")
			}
			fatal("harvest failed", err)
		}
		if !ok {
			break
		}

		if err := encoder.Encode(post); err != nil {
			fatal("failed to write post", err)
		}
		harvested++
		if limit > 0 && harvested >= limit {
			break
		}
	}

	// A finished stream has nothing left to resume.
	if err := store.Delete(snapshotPath); err != nil {
		log.WithError(err).Warn("failed to delete resume snapshot")
	}

	fmt.Fprintf(os.Stderr, "Harvested %d posts of %s (total index %d).\n",
		harvested, profile.Username, it.TotalIndex())
}

// establishSession restores a saved session, or logs in with stored
// credentials when no usable session exists.
func establishSession(cfg *config.Config, ctx *instagram.Context) error {
	username := accountName
	if username == "" {
		username = cfg.Session.Username
	}

	if username != "" {
		path, err := sessionFilePath(cfg, username)
		if err == nil {
			if blob, readErr := os.ReadFile(path); readErr == nil {
				if err := ctx.ImportSession(blob); err == nil {
					if viewer, _ := ctx.TestLogin(); viewer != "" {
						return nil
					}
					logger.GetLogger().Warn("saved session is no longer valid, logging in again")
				}
			}
		}
	}

	manager, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("no saved session and credential manager unavailable: %w", err)
	}

	var creds *auth.Credentials
	if username != "" {
		creds, err = manager.Retrieve(username)
	} else {
		creds, err = manager.RetrieveDefault()
	}
	if err != nil {
		return fmt.Errorf("no saved session and no stored credentials; run 'instaharvest login' first: %w", err)
	}

	if err := ctx.Login(creds.Username, creds.Password); err != nil {
		if errs.Is(err, errs.ErrorTypeTwoFactorRequired) {
			return fmt.Errorf("account requires a two-factor code; run 'instaharvest login %s' interactively", creds.Username)
		}
		return err
	}
	return persistSession(cfg, ctx)
}

// fetchProfile resolves a username to its profile, consulting the
// session's memo before the network.
func fetchProfile(ctx *instagram.Context, username string) (*models.Profile, error) {
	params := url.Values{}
	params.Set("username", username)
	body, err := ctx.MobileAPIRequest(instagram.WebProfileInfoEndpoint, params)
	if err != nil {
		return nil, err
	}

	var env struct {
		Data struct {
			User json.RawMessage `json:"user"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errs.New(errs.ErrorTypeConnection, 0, "could not parse profile response: %v", err)
	}
	if len(env.Data.User) == 0 || string(env.Data.User) == "null" {
		return nil, errs.New(errs.ErrorTypeNotFound, 0, "profile %s does not exist", username)
	}

	profile, err := models.ProfileFromJSON(env.Data.User)
	if err != nil {
		return nil, err
	}
	if id, parseErr := strconv.ParseUint(profile.ID, 10, 64); parseErr == nil {
		ctx.StoreProfile(id, env.Data.User)
	}
	return profile, nil
}

// freezeAndExit snapshots the iterator position and terminates.
func freezeAndExit(it *iterator.NodeIterator[*models.Post], store *resume.Store, path string) {
	fmt.Fprintln(os.Stderr, "\nInterrupted. Freezing harvest position...")
	if err := store.Save(it.Freeze(), path); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save resume snapshot: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "Saved. Re-run the same harvest to resume.")
	os.Exit(130)
}

// openOutput opens the post sink; "-" selects stdout.
func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
