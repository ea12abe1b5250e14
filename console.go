package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pliu/opschat/internal/config"
	"github.com/pliu/opschat/internal/models"
	"github.com/pliu/opschat/internal/obs"
	"github.com/pliu/opschat/internal/session"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive line client for the collaborator server",
	RunE:  runConsole,
}

var (
	flagAPI  string
	flagUser string
)

func init() {
	flags := consoleCmd.Flags()
	flags.StringVar(&flagAPI, "api", "", "collaborator base URL (overrides CHAT_API_URL)")
	flags.StringVar(&flagUser, "user", "", "identity to start as (overrides CHAT_USER_ID)")
}

const consoleHelp = `commands:
  /users              list personnel and presence
  /chats              list your conversations
  /open <userId>      open the conversation with a colleague
  /chat <chatId>      open a conversation by id
  /close              close the open conversation
  /type <text>        set the draft without sending
  /file <path>        stage an attachment
  /unstage            drop the staged attachment
  /send               send the draft and attachment
  /delete <messageId> delete one of your messages
  /switch <userId>    change identity
  /show               redraw the conversation
  /quit
anything else is sent as a message`

func runConsole(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	if flagEnv != "" {
		cfg.Env = flagEnv
	}
	if flagAPI != "" {
		cfg.APIURL = strings.TrimRight(flagAPI, "/")
		if cfg.ChannelURL, err = config.ChannelURLFromAPI(cfg.APIURL); err != nil {
			return err
		}
	}
	if flagUser != "" {
		cfg.UserID = flagUser
	}
	if cfg.UserID == "" {
		return fmt.Errorf("no identity: pass --user or set CHAT_USER_ID")
	}
	logger := obs.NewLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(cfg, logger)
	if err != nil {
		return err
	}
	c := &console{sess: sess, out: cmd.OutOrStdout(), dirty: make(chan struct{}, 1), seen: map[string]models.Status{}}
	sess.OnChange(c.markDirty)
	if err := sess.Start(ctx, cfg.UserID); err != nil {
		return err
	}
	defer sess.Stop()

	go c.render(ctx)
	go c.notices(ctx)
	fmt.Fprintf(c.out, "signed in as %s. /help for commands\n", cfg.UserID)
	return c.readLoop(ctx, cmd.InOrStdin())
}

type console struct {
	sess  *session.Session
	out   io.Writer
	dirty chan struct{}

	// seen tracks the status last printed per local id of the open conversation
	seen   map[string]models.Status
	chatID string
	typing bool
	redraw atomic.Bool
}

func (c *console) markDirty() {
	select {
	case c.dirty <- struct{}{}:
	default:
	}
}

func (c *console) readLoop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.exec(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, consoleHelp)
	case "/users":
		err = c.printUsers(ctx)
	case "/chats":
		err = c.printChats(ctx)
	case "/open":
		err = c.sess.OpenWith(ctx, arg)
	case "/chat":
		err = c.sess.OpenConversation(ctx, arg)
	case "/close":
		err = c.sess.CloseConversation(ctx)
	case "/type":
		err = c.sess.SetDraft(ctx, arg)
	case "/file":
		err = c.sess.Stage(ctx, arg)
	case "/unstage":
		err = c.sess.Unstage(ctx)
	case "/send":
		_, err = c.sess.Send(ctx)
	case "/delete":
		err = c.sess.Delete(ctx, arg)
	case "/switch":
		err = c.sess.SwitchUser(ctx, arg)
		c.redraw.Store(true)
		c.markDirty()
	case "/show":
		c.redraw.Store(true)
		c.markDirty()
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Fprintf(c.out, "unknown command %s\n", cmd)
			return false
		}
		_, err = c.sess.SendText(ctx, line)
	}
	if err != nil {
		fmt.Fprintf(c.out, "! %v\n", err)
	}
	return false
}

func (c *console) printUsers(ctx context.Context) error {
	v, err := c.sess.Snapshot(ctx)
	if err != nil {
		return err
	}
	for _, u := range v.Users {
		fmt.Fprintf(c.out, "  %-10s %-18s %-14s %s\n", u.ID, u.Name, u.Role, presenceLabel(u))
	}
	return nil
}

func (c *console) printChats(ctx context.Context) error {
	chats, err := c.sess.Conversations(ctx)
	if err != nil {
		return err
	}
	self := c.sess.UserID()
	for _, ch := range chats {
		fmt.Fprintf(c.out, "  %s with %s, %d unread, active %s\n",
			ch.ID, ch.Peer(self), ch.Unread[self], humanize.Time(ch.LastMessageAt))
	}
	return nil
}

// render prints what changed in the open conversation since the last pass.
func (c *console) render(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.dirty:
		}
		if c.redraw.Swap(false) {
			c.chatID = ""
		}
		v, err := c.sess.Snapshot(ctx)
		if err != nil {
			continue
		}
		conv := v.Conversation
		if !conv.Open {
			if c.chatID != "" {
				fmt.Fprintln(c.out, "-- conversation closed")
			}
			c.chatID, c.seen, c.typing = "", map[string]models.Status{}, false
			continue
		}
		if conv.Conversation.ID != c.chatID {
			c.chatID, c.seen, c.typing = conv.Conversation.ID, map[string]models.Status{}, false
			fmt.Fprintf(c.out, "-- %s with %s (%s)\n", c.chatID, displayUser(v.Peer), presenceLabel(v.Peer))
		}
		live := make(map[string]bool, len(conv.Messages))
		for _, m := range conv.Messages {
			live[m.LocalID] = true
			prev, ok := c.seen[m.LocalID]
			switch {
			case !ok:
				fmt.Fprintln(c.out, formatMessage(v, m))
			case prev != m.Status && m.AuthoredBy(v.UserID):
				fmt.Fprintf(c.out, "   %s -> %s\n", shortID(m), m.Status)
			}
			c.seen[m.LocalID] = m.Status
		}
		for id := range c.seen {
			if !live[id] {
				delete(c.seen, id)
				fmt.Fprintf(c.out, "   message %s removed\n", id)
			}
		}
		if typing := conv.PeerTyping(); typing != c.typing {
			c.typing = typing
			if typing {
				fmt.Fprintf(c.out, "   %s is typing...\n", displayUser(v.Peer))
			}
		}
	}
}

func (c *console) notices(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-c.sess.Notices():
			if n.Err != nil && n.Level != session.LevelInfo {
				fmt.Fprintf(c.out, "[%s] %s: %v\n", n.Level, n.Text, n.Err)
			} else {
				fmt.Fprintf(c.out, "[%s] %s\n", n.Level, n.Text)
			}
		}
	}
}

func formatMessage(v session.View, m models.Message) string {
	who := m.SenderID()
	if m.AuthoredBy(v.UserID) {
		who = "you"
	} else if v.Peer.Name != "" && v.Peer.ID == m.SenderID() {
		who = v.Peer.Name
	}
	body := m.Content
	if m.Attachment != nil {
		body = strings.TrimSpace(fmt.Sprintf("%s [%s, %s] %s", body, m.FileName, humanize.IBytes(uint64(m.FileSize)), m.FileURL))
	}
	line := fmt.Sprintf("%s %s: %s", m.CreatedAt.Local().Format("15:04"), who, body)
	if m.AuthoredBy(v.UserID) {
		line += fmt.Sprintf("  (%s, %s)", m.Status, shortID(m))
	}
	return line
}

func shortID(m models.Message) string {
	if m.ServerID != "" {
		return m.ServerID
	}
	return m.LocalID
}

func displayUser(u models.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}

func presenceLabel(u models.User) string {
	if u.IsOnline {
		return "online"
	}
	if u.LastSeen.IsZero() {
		return "offline"
	}
	return "last seen " + humanize.RelTime(u.LastSeen, time.Now(), "ago", "from now")
}
