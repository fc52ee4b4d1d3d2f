package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"govorilka/internal/api"
	"govorilka/internal/config"
	"govorilka/internal/content"
	"govorilka/internal/models"
	"govorilka/internal/search"
	"govorilka/internal/storage"
	"govorilka/internal/store"
	"govorilka/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context) error {
	verbose := flag.Bool("v", false, "Verbose logging to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	sessions, err := storage.NewBboltStorage(cfg.SessionFile)
	if err != nil {
		return err
	}
	defer func() { _ = sessions.Close() }()

	client := api.New(cfg.APIBaseURL,
		api.WithLogger(log),
		api.WithOnUnauthorized(func() {
			fmt.Println("! session expired, please /login again")
			_ = sessions.ClearSession()
		}),
	)

	channel := ws.NewChannel(
		ws.WithEmitTimeout(cfg.EmitTimeout),
		ws.WithChannelLogger(log),
	)

	app := &app{cfg: cfg, client: client, log: log}

	st := store.New(store.Config{
		Rest:           client,
		Channel:        channel,
		Sessions:       sessions,
		SocketURL:      cfg.SocketURL,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         log,
		OnChange:       app.onStoreChange,
	})
	app.store = st

	app.search = search.New(
		func(ctx context.Context, query string) ([]models.SearchResult, error) {
			return client.SearchMessages(ctx, query)
		},
		printSearchResults,
		search.WithLogger(log),
	)

	// Resume a persisted session, if any. A dead server is not fatal
	// here: the channel keeps retrying in the background.
	if user, token, err := st.ResumeSession(); err == nil {
		client.SetToken(token)
		if err := st.SetCurrentUser(ctx, user, token); err != nil {
			log.Warn("session resume incomplete", "error", err)
		}
		fmt.Printf("resumed session as %s\n", user.Name)
		_ = st.LoadUsers(ctx, 1, cfg.PageSize)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.repl(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down")
		st.Shutdown()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

var errQuit = errors.New("quit")

type app struct {
	cfg    *config.Config
	client *api.Client
	store  *store.Store
	search *search.Searcher
	log    *slog.Logger

	mu          sync.Mutex
	printedConv models.ID
	printed     int
}

// onStoreChange prints messages that arrived in the open conversation
// since the last render. History printed by /open is accounted for via
// the printed counter, so nothing shows twice.
func (a *app) onStoreChange() {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.store
	if s == nil {
		return
	}
	conv, ok := s.ActiveConversation()
	if !ok {
		a.printedConv, a.printed = "", 0
		return
	}
	msgs := s.Messages()
	if conv.ID != a.printedConv {
		a.printedConv, a.printed = conv.ID, len(msgs)
		return
	}
	me, _ := s.CurrentUser()
	for _, m := range msgs[a.printed:] {
		fmt.Println()
		printMessage(m, me.ID)
	}
	a.printed = len(msgs)
}

func (a *app) repl(ctx context.Context) error {
	fmt.Println("govorilka. /help for commands.")
	scanner := bufio.NewScanner(os.Stdin)

	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			if err := a.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				fmt.Printf("! %v\n", err)
			}
		}
	}
}

func (a *app) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return a.store.SendMessage(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		printHelp()
		return nil
	case "/quit":
		return errQuit
	case "/login":
		return a.login(ctx, arg)
	case "/users":
		return a.users(ctx, arg)
	case "/open":
		return a.open(ctx, arg)
	case "/send":
		return a.store.SendMessage(ctx, arg)
	case "/search":
		a.search.Query(ctx, arg)
		return nil
	case "/upload":
		return a.upload(ctx, arg)
	case "/logout":
		return a.store.Logout(ctx)
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

func (a *app) login(ctx context.Context, username string) error {
	if err := content.ValidateUsername(username); err != nil {
		return err
	}
	res, err := a.client.LoginOrRegister(ctx, api.CreateUserRequest{Username: username})
	if err != nil {
		return err
	}
	if err := a.store.SetCurrentUser(ctx, res.User, res.Token); err != nil {
		fmt.Printf("logged in as %s (realtime still connecting: %v)\n", res.User.Name, err)
	} else {
		fmt.Printf("logged in as %s\n", res.User.Name)
	}
	return a.store.LoadUsers(ctx, 1, a.cfg.PageSize)
}

func (a *app) users(ctx context.Context, arg string) error {
	page := 1
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return fmt.Errorf("bad page %q", arg)
		}
		page = n
	}
	if err := a.store.LoadUsers(ctx, page, a.cfg.PageSize); err != nil {
		return err
	}
	a.printUsers()
	return nil
}

func (a *app) printUsers() {
	users := a.store.Users()
	p := a.store.Pagination()
	fmt.Printf("users (page %d/%d, %d online):\n", p.Page, p.TotalPages, a.store.OnlineCount())
	for i, u := range users {
		dot := " "
		if u.IsOnline {
			dot = "*"
		}
		unread := ""
		if u.UnreadCount > 0 {
			unread = fmt.Sprintf(" [%d unread]", u.UnreadCount)
		}
		bot := ""
		if u.IsBot {
			bot = " (bot)"
		}
		fmt.Printf("  %2d %s %s%s%s\n", i+1, dot, u.Username, bot, unread)
	}
}

func (a *app) open(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: /open <number|username>")
	}
	users := a.store.Users()
	var target models.User
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(users) {
			return fmt.Errorf("no user %d on this page", n)
		}
		target = users[n-1]
	} else {
		found := false
		for _, u := range users {
			if u.Username == arg {
				target, found = u, true
				break
			}
		}
		if !found {
			return fmt.Errorf("no user %q on this page", arg)
		}
	}

	if err := a.store.SelectUser(ctx, target.ID); err != nil {
		return err
	}

	conv, _ := a.store.ActiveConversation()
	me, _ := a.store.CurrentUser()
	fmt.Printf("-- %s --\n", conv.DisplayTitle(me.ID))
	for _, m := range a.store.Messages() {
		printMessage(m, me.ID)
	}
	return nil
}

func (a *app) upload(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("usage: /upload <file>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	res, err := a.client.Upload(ctx, "/upload", filepath.Base(path), f)
	if err != nil {
		return err
	}
	fmt.Printf("uploaded: %s\n", strings.TrimSpace(string(res)))
	return nil
}

func printMessage(m models.Message, self models.ID) {
	name := m.Sender.Username
	if m.SenderID == self {
		name = "me"
	}
	ts := m.CreatedAt.Local().Format(time.Kitchen)
	fmt.Printf("  [%s] %s: %s\n", ts, name, content.Sanitize(m.Content))
}

func printSearchResults(query string, results []models.SearchResult, err error) {
	if err != nil {
		fmt.Printf("! search %q: %v\n", query, err)
		return
	}
	if query == "" {
		return
	}
	fmt.Printf("search %q: %d results\n", query, len(results))
	for _, r := range results {
		fmt.Printf("  [%s] %s: %s\n", r.CreatedAt.Local().Format("Jan 2 15:04"), r.Sender.Username, content.Sanitize(r.Content))
	}
}

func printHelp() {
	fmt.Println(`commands:
  /login <username>   log in (registers on first use)
  /users [page]       list contacts
  /open <n|username>  open a conversation
  /send <text>        send to the open conversation (or just type)
  /search <query>     search your messages
  /upload <file>      upload an attachment
  /logout             log out and clear the saved session
  /quit               exit (keeps the session)`)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "govorilka: %v\n", err)
		os.Exit(1)
	}
}
