package main

import (
	"context"
	"fmt"
	"iter"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/BirdStalk/internal/api"
	"github.com/IshaanNene/BirdStalk/internal/config"
	"github.com/IshaanNene/BirdStalk/internal/types"
)

var (
	opLimit int
	opRaw   bool
)

// withAPI loads config, builds the API facade, and runs fn.
func withAPI(fn func(ctx context.Context, a *api.API) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg)

		p, err := newPool(cfg, logger, config.LoginConfig{})
		if err != nil {
			return err
		}

		a := api.New(p, api.Options{
			Debug:  debug,
			Proxy:  cfg.Proxy,
			Logger: logger,
		})
		return fn(cmd.Context(), a)
	}
}

// printResponse prints one raw response body, or a not-found marker.
func printResponse(rep *types.Response) {
	if rep == nil {
		fmt.Println("Not Found.")
		return
	}
	fmt.Println(string(rep.Body))
}

// printStream prints every page of a raw response stream.
func printStream(seq iter.Seq[*types.Response]) {
	for rep := range seq {
		fmt.Println(string(rep.Body))
	}
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %w", arg, err)
	}
	return id, nil
}

// streamCmd builds a paginated operation subcommand taking one positional
// argument and --limit.
func streamCmd(use, short string, run func(ctx context.Context, a *api.API, arg string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(func(ctx context.Context, a *api.API) error {
				return run(ctx, a, args[0])
			})(cmd, args)
		},
	}
	cmd.Flags().IntVar(&opLimit, "limit", -1, "approximate number of entries to fetch (-1 = unbounded)")
	cmd.Flags().BoolVar(&opRaw, "raw", true, "print raw API responses (domain parsing is left to downstream tooling)")
	return cmd
}

// itemCmd builds a single-shot operation subcommand taking one positional
// argument.
func itemCmd(use, short string, run func(ctx context.Context, a *api.API, arg string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(func(ctx context.Context, a *api.API) error {
				return run(ctx, a, args[0])
			})(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&opRaw, "raw", true, "print raw API responses (domain parsing is left to downstream tooling)")
	return cmd
}

func opCommands() []*cobra.Command {
	return []*cobra.Command{
		streamCmd("search <query>", "Search tweets", func(ctx context.Context, a *api.API, arg string) error {
			printStream(a.Search(ctx, arg, opLimit))
			return nil
		}),
		itemCmd("user_by_id <user_id>", "Fetch a user by numeric id", func(ctx context.Context, a *api.API, arg string) error {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			rep, err := a.UserByID(ctx, id)
			if err != nil {
				return err
			}
			printResponse(rep)
			return nil
		}),
		itemCmd("user_by_login <username>", "Fetch a user by screen name", func(ctx context.Context, a *api.API, arg string) error {
			rep, err := a.UserByLogin(ctx, arg)
			if err != nil {
				return err
			}
			printResponse(rep)
			return nil
		}),
		itemCmd("tweet_details <tweet_id>", "Fetch one tweet with conversation context", func(ctx context.Context, a *api.API, arg string) error {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			rep, err := a.TweetDetails(ctx, id)
			if err != nil {
				return err
			}
			printResponse(rep)
			return nil
		}),
		streamCmd("tweet_replies <tweet_id>", "Stream the reply tree of a tweet", func(ctx context.Context, a *api.API, arg string) error {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			printStream(a.TweetReplies(ctx, id, opLimit))
			return nil
		}),
		streamCmd("retweeters <tweet_id>", "Stream users who retweeted a tweet", func(ctx context.Context, a *api.API, arg string) error {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			printStream(a.Retweeters(ctx, id, opLimit))
			return nil
		}),
		streamCmd("favoriters <tweet_id>", "Stream users who liked a tweet", func(ctx context.Context, a *api.API, arg string) error {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			printStream(a.Favoriters(ctx, id, opLimit))
			return nil
		}),
		streamCmd("followers <user_id>", "Stream a user's followers", func(ctx context.Context, a *api.API, arg string) error {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			printStream(a.Followers(ctx, id, opLimit))
			return nil
		}),
		streamCmd("following <user_id>", "Stream the users a user follows", func(ctx context.Context, a *api.API, arg string) error {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			printStream(a.Following(ctx, id, opLimit))
			return nil
		}),
		streamCmd("user_tweets <user_id>", "Stream a user's timeline", func(ctx context.Context, a *api.API, arg string) error {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			printStream(a.UserTweets(ctx, id, opLimit))
			return nil
		}),
		streamCmd("user_tweets_and_replies <user_id>", "Stream a user's timeline with replies", func(ctx context.Context, a *api.API, arg string) error {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			printStream(a.UserTweetsAndReplies(ctx, id, opLimit))
			return nil
		}),
		streamCmd("list_timeline <list_id>", "Stream the latest tweets of a list", func(ctx context.Context, a *api.API, arg string) error {
			id, err := parseID(arg)
			if err != nil {
				return err
			}
			printStream(a.ListTimeline(ctx, id, opLimit))
			return nil
		}),
	}
}
