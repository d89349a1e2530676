package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/lithammer/dedent"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/leducphy/goaltracker/config"
	"github.com/leducphy/goaltracker/internal/goals"
	"github.com/leducphy/goaltracker/internal/goals/auth"
	"github.com/leducphy/goaltracker/internal/storage"
)

var usage = strings.TrimLeft(dedent.Dedent(`
	usage: goaltracker <command> [args]

	commands:
	  login <username>            log in (password read from stdin)
	  logout                      end the session
	  register <username> <email> create an account
	  whoami                      show the cached session, no network
	  overview                    fetch profile and goals
	  goals list                  list goals
	  goals add <title>           create a goal
	  goals done <id>             mark a goal completed
	  goals rm <id>               delete a goal
	  keepalive                   keep the session fresh until interrupted
`), "\n")

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := config.EnsureDir(); err != nil {
		log.Fatal().Err(err).Msg("failed to create config directory")
	}

	store, err := storage.New(cfg.StorePath, storage.DeriveKey(cfg.TokenKey))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open credential store")
	}
	defer store.Close()

	installID, err := store.InstallationID()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read installation id")
	}

	client := goals.NewClient(goals.ClientOpts{
		BaseURL:        cfg.APIBaseURL,
		RequestTimeout: cfg.RequestTimeout,
		UploadTimeout:  cfg.UploadTimeout,
		InstallationID: installID,
	})
	sess := goals.NewSession(client, store, goals.SessionOpts{Skew: cfg.RenewalSkew})
	if err := sess.Load(); err != nil {
		log.Fatal().Err(err).Msg("failed to load session")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, client, sess, os.Args[1:]); err != nil {
		if errors.Is(err, auth.ErrSessionExpired) {
			fmt.Fprintln(os.Stderr, "session expired, run: goaltracker login <username>")
			os.Exit(3)
		}
		log.Fatal().Err(err).Msg("command failed")
	}
}

func run(ctx context.Context, cfg config.Config, client *goals.Client, sess *goals.Session, args []string) error {
	switch args[0] {
	case "login":
		if len(args) < 2 {
			return errors.New("usage: goaltracker login <username>")
		}
		password, err := readPassword()
		if err != nil {
			return err
		}
		profile, err := sess.Login(ctx, args[1], password)
		if err != nil {
			return err
		}
		fmt.Printf("logged in as %s (%s)\n", profile.FullName, profile.Email)
		return nil

	case "logout":
		if err := sess.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("logged out")
		return nil

	case "register":
		if len(args) < 3 {
			return errors.New("usage: goaltracker register <username> <email>")
		}
		password, err := readPassword()
		if err != nil {
			return err
		}
		user, err := sess.Register(ctx, goals.RegisterRequest{
			Username: args[1],
			Email:    args[2],
			Password: password,
		})
		if err != nil {
			return err
		}
		fmt.Printf("registered %s, you can now log in\n", user.Username)
		return nil

	case "whoami":
		profile, ok := sess.Current()
		if !ok {
			fmt.Println("not logged in")
			return nil
		}
		fmt.Printf("%s <%s> (%s)\n", profile.FullName, profile.Email, profile.Role)
		return nil

	case "overview":
		return overview(ctx, client, sess)

	case "goals":
		if len(args) < 2 {
			return errors.New("usage: goaltracker goals <list|add|done|rm> ...")
		}
		return goalsCommand(ctx, client, args[1:])

	case "keepalive":
		err := sess.KeepAlive(ctx, cfg.KeepAliveInterval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err

	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// overview fetches the profile and the goal list concurrently.
func overview(ctx context.Context, client *goals.Client, sess *goals.Session) error {
	var (
		profile *auth.UserProfile
		list    []goals.Goal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		profile, err = sess.RefreshProfile(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		list, err = client.ListGoals(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("%s <%s>\n", profile.FullName, profile.Email)
	printGoals(list)
	return nil
}

func goalsCommand(ctx context.Context, client *goals.Client, args []string) error {
	switch args[0] {
	case "list":
		list, err := client.ListGoals(ctx)
		if err != nil {
			return err
		}
		printGoals(list)
		return nil

	case "add":
		if len(args) < 2 {
			return errors.New("usage: goaltracker goals add <title>")
		}
		goal, err := client.CreateGoal(ctx, goals.GoalInput{Title: strings.Join(args[1:], " ")})
		if err != nil {
			return err
		}
		fmt.Printf("created goal %s: %s\n", goal.ID, goal.Title)
		return nil

	case "done":
		if len(args) < 2 {
			return errors.New("usage: goaltracker goals done <id>")
		}
		goal, err := client.CompleteGoal(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("completed: %s\n", goal.Title)
		return nil

	case "rm":
		if len(args) < 2 {
			return errors.New("usage: goaltracker goals rm <id>")
		}
		if err := client.DeleteGoal(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil

	default:
		return fmt.Errorf("unknown goals command: %s", args[0])
	}
}

func printGoals(list []goals.Goal) {
	if len(list) == 0 {
		fmt.Println("no goals")
		return
	}
	for _, goal := range list {
		fmt.Printf("%-10s %-12s %3d%%  %s\n", goal.ID, goal.Status, goal.Progress, goal.Title)
	}
}

func readPassword() (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimSpace(line)
	if password == "" {
		return "", errors.New("empty password")
	}
	return password, nil
}
