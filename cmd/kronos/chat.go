package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kronos/internal/api"
	"kronos/internal/battleship"
	"kronos/internal/chat"
	"kronos/internal/loop"
	"kronos/internal/session"
	"kronos/internal/transport"
	"kronos/internal/upload"
)

var flagSpectator bool

var chatCmd = &cobra.Command{
	Use:   "chat [channel]",
	Short: "Open an interactive chat session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(cmd, func(r *repl) {
			name := "general"
			if len(args) == 1 {
				name = args[0]
			}
			r.pending = "/join " + name
		})
	},
}

var battleshipCmd = &cobra.Command{
	Use:   "battleship <code>",
	Short: "Join a Battleship game by code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runClient(cmd, func(r *repl) {
			r.pending = "/game " + args[0]
			if flagSpectator {
				r.pending += " spectate"
			}
		})
	},
}

func init() {
	battleshipCmd.Flags().BoolVar(&flagSpectator, "spectator", false, "watch instead of playing")
}

// repl turns input lines into session calls. Lines are read on the main
// goroutine; everything touching the session goes through loop.Call.
type repl struct {
	loop *loop.Loop
	sess *session.Session
	term *terminal
	api  *api.Client
	rng  *rand.Rand

	files   []upload.File
	replyTo string
	pending string
}

func runClient(cmd *cobra.Command, start func(r *repl)) error {
	if cfg.Token == "" {
		return errors.New("not logged in, run `kronos login <username>` first")
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := newAPI()
	meCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	me, err := client.Me(meCtx)
	cancel()
	if api.IsStatus(err, http.StatusUnauthorized) {
		return errors.New("session expired, log in again")
	}
	if err != nil {
		return err
	}

	store, err := openDrafts(ctx)
	if err != nil {
		return fmt.Errorf("drafts: %w", err)
	}
	defer store.Close()

	l := loop.New(logger)
	defer l.Close()

	term := newTerminal(cmd.OutOrStdout())
	sock := transport.New(transport.Options{
		URL:    cfg.WSURL,
		Header: http.Header{"Authorization": []string{"Bearer " + cfg.Token}},
	}, l, logger)

	r := &repl{
		loop: l,
		term: term,
		api:  client,
		rng:  rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	l.Call(func() {
		r.sess = session.New(session.Options{
			Self:       chat.UserFromWire(me),
			Transport:  sock,
			API:        client,
			Uploader:   upload.NewRetrier(client, logger),
			Drafts:     store,
			Scheduler:  l,
			Renderer:   term,
			AckTimeout: cfg.AckWindow,
			Logger:     logger,
		})
		term.sess = r.sess
		r.sess.Load()
	})
	defer l.Call(func() { r.sess.Close() })

	if err := sock.Connect(ctx); err != nil {
		return err
	}
	term.printf("logged in as %s, /help for commands\n", me.Username)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	start(r)
	if r.pending != "" {
		select {
		case <-term.loaded:
		case <-time.After(requestTimeout):
		case <-ctx.Done():
			return nil
		}
		r.handle(ctx, r.pending)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case reason := <-term.fatal:
			return errors.New(reason)
		case line, ok := <-lines:
			if !ok || r.handle(ctx, line) {
				return nil
			}
		}
	}
}

// handle runs one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.submit(line)
		return false
	}

	cmd, rest, _ := strings.Cut(line[1:], " ")
	rest = strings.TrimSpace(rest)
	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		r.term.printf("%s", helpText)
	case "join":
		err = r.join(rest)
	case "dm":
		err = r.direct(ctx, rest)
	case "reply":
		r.replyTo = rest
		r.term.printf("replying to #%s\n", rest)
	case "attach":
		err = r.attach(rest)
	case "edit":
		err = r.call(func() error {
			text, err := r.sess.Pipeline.BeginEdit(rest)
			if err == nil {
				r.term.printf("editing #%s, send the new text or /cancel: %s\n", rest, text)
			}
			return err
		})
	case "cancel":
		r.call(func() error { r.sess.Pipeline.CancelEdit(); return nil })
	case "delete":
		err = r.call(func() error { return r.sess.Delete(rest) })
	case "retry":
		err = r.call(func() error { _, err := r.sess.Retry(rest); return err })
	case "retryfile":
		id, idx, _ := strings.Cut(rest, " ")
		n, convErr := strconv.Atoi(strings.TrimSpace(idx))
		if convErr != nil {
			err = errors.New("usage: /retryfile <client-id> <index>")
			break
		}
		err = r.call(func() error { return r.sess.RetryAttachment(id, n) })
	case "discard":
		err = r.call(func() error { return r.sess.Pipeline.Discard(rest) })
	case "restore":
		err = r.restore(rest)
	case "draft":
		r.call(func() error { r.sess.Keystroke(rest); return nil })
	case "unread":
		r.call(r.printUnread)
	case "dms":
		r.call(r.printConversations)
	case "game":
		err = r.openGame(rest)
	case "bs":
		err = r.game(rest)
	default:
		err = fmt.Errorf("unknown command /%s", cmd)
	}
	if err != nil {
		r.term.Notice(err.Error())
	}
	return false
}

// call runs fn on the loop and returns its error.
func (r *repl) call(fn func() error) error {
	var err error
	r.loop.Call(func() { err = fn() })
	return err
}

func (r *repl) submit(text string) {
	files, replyTo := r.files, r.replyTo
	err := r.call(func() error {
		_, err := r.sess.Submit(text, files, replyTo)
		return err
	})
	if err != nil {
		r.term.Notice(err.Error())
		return
	}
	r.files, r.replyTo = nil, ""
}

func (r *repl) join(name string) error {
	name = strings.TrimPrefix(name, "#")
	return r.call(func() error {
		for _, c := range r.sess.Channels() {
			if c.Name == name || c.ID == name {
				r.term.forget()
				r.term.printf("→ #%s\n", c.Name)
				if draft := r.sess.Select(chat.ChannelDestination(c.ID)); draft != "" {
					r.term.printf("draft: %s\n", draft)
				}
				return nil
			}
		}
		return fmt.Errorf("no channel %q", name)
	})
}

func (r *repl) direct(ctx context.Context, username string) error {
	username = strings.TrimPrefix(username, "@")
	if username == "" {
		return errors.New("usage: /dm <username>")
	}
	searchCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	found, err := r.api.SearchUsers(searchCtx, username)
	if err != nil {
		return err
	}
	for _, u := range found {
		if strings.EqualFold(u.Username, username) {
			return r.call(func() error {
				r.term.forget()
				r.term.printf("→ @%s\n", u.Username)
				if draft := r.sess.OpenDirect(chat.UserFromWire(u)); draft != "" {
					r.term.printf("draft: %s\n", draft)
				}
				return nil
			})
		}
	}
	return fmt.Errorf("no user %q", username)
}

func (r *repl) attach(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	f := upload.NewFile(filepath.Base(path), data)
	r.files = append(r.files, f)
	r.term.printf("attached %s (%s, %d bytes)\n", f.Name, f.Kind, f.Size())
	return nil
}

func (r *repl) restore(clientID string) error {
	var out chat.Outgoing
	err := r.call(func() error {
		var err error
		out, err = r.sess.Pipeline.LoadIntoComposer(clientID)
		return err
	})
	if err != nil {
		return err
	}
	r.files, r.replyTo = out.Files, out.ReplyToID
	r.term.printf("restored: %s\n", out.Content)
	return nil
}

func (r *repl) printUnread() error {
	for _, c := range r.sess.Channels() {
		if st := r.sess.Unread.State(c.ID); st.Count > 0 {
			r.term.printf("#%-16s %s\n", c.Name, formatBadge(st))
		}
	}
	for _, conv := range r.sess.Conversations.Ordered() {
		if conv.Channel == nil {
			continue
		}
		if st := r.sess.Unread.State(conv.Channel.ID); st.Count > 0 {
			r.term.printf("@%-16s %s\n", conv.OtherUser.Username, formatBadge(st))
		}
	}
	r.term.printf("channels %d, direct %d\n", r.sess.Unread.ChannelTotal(), r.sess.Unread.DirectTotal())
	return nil
}

func (r *repl) printConversations() error {
	for _, conv := range r.sess.Conversations.Ordered() {
		r.term.printf("@%-16s %s\n", conv.OtherUser.Username, truncate(conv.LastMessage, 40))
	}
	return nil
}

func (r *repl) openGame(args string) error {
	code, mode, _ := strings.Cut(args, " ")
	if code == "" {
		return errors.New("usage: /game <code> [spectate]")
	}
	return r.call(func() error {
		r.term.showGame = true
		_, err := r.sess.OpenGame(code, strings.TrimSpace(mode) == "spectate")
		return err
	})
}

func (r *repl) game(args string) error {
	action, rest, _ := strings.Cut(args, " ")
	return r.call(func() error {
		g := r.sess.Game()
		if g == nil {
			return errors.New("no game open, use /game <code>")
		}
		switch action {
		case "board", "":
			r.term.printf("%s", renderGame(g))
			return nil
		case "rotate", "r":
			g.Rotate()
			return nil
		case "place":
			c, err := parseCoord(rest)
			if err != nil {
				return err
			}
			return g.Place(c)
		case "auto":
			return g.AutoPlace(r.rng)
		case "ready":
			return g.Ready()
		case "fire":
			c, err := parseCoord(rest)
			if err != nil {
				return err
			}
			return g.Fire(c)
		case "rematch":
			return g.Rematch()
		case "say":
			return g.SendChat(rest)
		case "leave":
			r.term.showGame = false
			r.sess.CloseGame()
			return nil
		}
		return fmt.Errorf("unknown game action %q", action)
	})
}

func parseCoord(s string) (battleship.Coord, error) {
	fields := strings.Fields(strings.ReplaceAll(s, ",", " "))
	if len(fields) != 2 {
		return battleship.Coord{}, errors.New("expected x y")
	}
	x, errX := strconv.Atoi(fields[0])
	y, errY := strconv.Atoi(fields[1])
	if errX != nil || errY != nil {
		return battleship.Coord{}, errors.New("coordinates must be numbers")
	}
	c := battleship.Coord{X: x, Y: y}
	if !c.In() {
		return battleship.Coord{}, battleship.ErrOutOfBounds
	}
	return c, nil
}

const helpText = `  text                 send to the open channel (or submit the edit)
  /join <channel>      open a channel
  /dm <username>       open a direct conversation
  /reply <id>          reply to a message with the next send
  /attach <path>       attach a file to the next send
  /edit <id>  /cancel  edit one of your messages
  /delete <id>         delete one of your messages
  /retry <client-id>   resend a failed message
  /retryfile <client-id> <n>  retry a failed attachment upload
  /restore <client-id> put a failed message back in the composer
  /discard <client-id> drop a pending or failed message
  /draft <text>        save composer text for the open channel
  /unread  /dms        badges and direct conversations
  /game <code> [spectate]
  /bs board|rotate|place x y|auto|ready|fire x y|rematch|say <text>|leave
  /quit
`
