package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/sirupsen/logrus"

	"groupmesh/client"
	"groupmesh/client/peer"
	"groupmesh/client/store"
	"groupmesh/models"
)

// defaultServerURL points at a server started with default config.
const defaultServerURL = "http://localhost:8081"

func main() {
	server := flag.String("server", defaultServerURL, "server base URL")
	name := flag.String("name", "", "user name (required)")
	dataDir := flag.String("data", "", "local store directory (default ~/.groupmesh/<name>)")
	noDirect := flag.Bool("relay-only", false, "disable direct peer links")
	logLevel := flag.String("log", "warn", "log level")
	flag.Parse()

	if *name == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -name <userName> [-server URL]")
		os.Exit(1)
	}
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		logrus.SetLevel(lvl)
	}

	dir := *dataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			color.Red.Println("Cannot resolve home directory:", err)
			os.Exit(1)
		}
		dir = filepath.Join(home, ".groupmesh", *name)
	}
	st, err := store.Open(dir)
	if err != nil {
		color.Red.Println("Cannot open local store:", err)
		os.Exit(1)
	}

	var factory peer.ChannelFactory
	if !*noDirect {
		factory = peer.NewWebRTCFactory()
	}

	c, err := client.New(client.Options{
		ServerURL: *server,
		UserName:  *name,
		Store:     st,
		Factory:   factory,
		Handlers:  terminalHandlers(*name),
	})
	if err != nil {
		color.Red.Println("Client setup failed:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	go inputLoop(ctx, cancel, c)

	if err := <-done; err != nil && ctx.Err() == nil {
		color.Red.Println("Connection lost for good:", err)
		os.Exit(1)
	}
	color.Gray.Println("Bye.")
}

func terminalHandlers(self string) client.Handlers {
	return client.Handlers{
		OnConnState: func(s client.ConnState) {
			switch s {
			case client.StateConnected:
				color.Green.Println("* connected")
			case client.StateReconnecting:
				color.Yellow.Println("* connection lost, retrying...")
			case client.StateDisconnected:
				color.Red.Println("* disconnected")
			}
		},
		OnGroupCreated: func(r models.GroupCreatedReply) {
			if r.Success && r.Group != nil {
				color.Green.Printf("* group %q created, invite code %s\n", r.Group.Name, r.Group.Code)
			} else {
				color.Red.Println("* create failed:", r.Message)
			}
		},
		OnGroupJoined: func(r models.GroupJoinedReply) {
			if r.Success && r.Group != nil {
				color.Green.Printf("* joined %q (%d members)\n", r.Group.Name, len(r.Group.Members))
			} else {
				color.Red.Println("* join failed:", r.Message)
			}
		},
		OnUserJoined: func(n models.UserJoinedNotice) {
			color.Cyan.Printf("* %s joined\n", n.UserName)
		},
		OnUserLeft: func(n models.UserLeftNotice) {
			color.Cyan.Printf("* %s left\n", n.UserName)
		},
		OnGroupDeleted: func(n models.GroupDeletedNotice) {
			color.Yellow.Println("* group deleted")
		},
		OnGroupRenamed: func(n models.GroupRenamedNotice) {
			color.Cyan.Printf("* group renamed to %q\n", n.Name)
		},
		OnMessage: func(m models.Message) {
			ts := time.UnixMilli(m.Timestamp).Format("15:04")
			color.Printf("<gray>%s</> <lightBlue>%s</>: %s\n", ts, m.Sender, m.Text)
		},
		OnHistory: func(r models.MessageHistoryReply) {
			color.Gray.Printf("--- %d retained messages ---\n", len(r.Messages))
			for _, m := range r.Messages {
				ts := time.UnixMilli(m.Timestamp).Format("Jan 02 15:04")
				color.Printf("<gray>%s</> <lightBlue>%s</>: %s\n", ts, m.Sender, m.Text)
			}
		},
	}
}

func inputLoop(ctx context.Context, cancel context.CancelFunc, c *client.Client) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if _, err := c.Send(line, nil); err != nil {
				color.Red.Println("* send failed:", err)
			}
			continue
		}

		cmd, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)
		var err error
		switch cmd {
		case "create":
			err = c.CreateGroup(arg)
		case "join":
			err = c.JoinGroup(arg)
		case "leave":
			err = c.LeaveGroup()
		case "rename":
			err = c.RenameGroup(arg)
		case "kick":
			err = c.KickMember(arg)
		case "history":
			err = c.RequestHistory()
		case "members":
			if g, ok := c.CurrentGroup(); ok {
				color.Cyan.Printf("* %s (admin %s): %s\n", g.Name, g.Admin, strings.Join(g.Members, ", "))
			} else {
				color.Yellow.Println("* no group joined")
			}
		case "links":
			for remote, state := range c.PeerLinks() {
				color.Gray.Printf("* %s: %s\n", remote, state)
			}
		case "quit", "exit":
			cancel()
			return
		case "help":
			printHelp()
		default:
			color.Yellow.Printf("* unknown command /%s (try /help)\n", cmd)
		}
		if err != nil {
			color.Red.Println("* error:", err)
		}
	}
	cancel()
}

func printHelp() {
	fmt.Println(`commands:
  /create <name>   create a group
  /join <id|code>  join by group id or invite code
  /leave           leave the current group
  /rename <name>   rename the current group (admin only)
  /kick <user>     remove a member (admin only)
  /members         list members of the current group
  /history         fetch retained messages
  /links           show direct peer link states
  /quit            exit`)
}
