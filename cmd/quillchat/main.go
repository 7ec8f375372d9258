// Package main is the terminal chat client. It drives the conversation core
// against a running quillchat-server and keeps history under the data dir.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/quillchat/quillchat/internal/config"
	"github.com/quillchat/quillchat/internal/controller"
	"github.com/quillchat/quillchat/internal/model"
	"github.com/quillchat/quillchat/internal/store"
	"github.com/quillchat/quillchat/internal/transport"
	"github.com/quillchat/quillchat/pkg/logger"
)

func main() {
	cfg := config.Load()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewFile(cfg.LogLevel, filepath.Join(cfg.DataDir, "client.log"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	st, err := store.New(cfg.DataDir, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open conversation store: %v\n", err)
		os.Exit(1)
	}

	client := transport.NewClient(cfg.BackendURL, log)

	healthCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if !client.CheckHealth(healthCtx) {
		fmt.Fprintf(os.Stderr, "warning: backend at %s is not responding\n", cfg.BackendURL)
	}
	cancel()

	updates := make(chan controller.Update, 256)
	ctrl := controller.New(st, client, cfg.DefaultModel, log,
		controller.WithObserver(func(u controller.Update) {
			updates <- u
		}),
	)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT)

	fmt.Println("quillchat ready. Type a message, or /help for commands.")
	if msgs := ctrl.Messages(); len(msgs) > 0 {
		fmt.Printf("(resumed conversation with %d messages)\n", len(msgs))
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return
		case line == "/help":
			printHelp()
		case line == "/new":
			ctrl.NewConversation()
			drain(updates)
			fmt.Println("started a new conversation")
		case line == "/list":
			listConversations(ctrl)
		case line == "/models":
			listModels(client, ctrl)
		case strings.HasPrefix(line, "/model "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/model "))
			ctrl.SetModel(name)
			fmt.Printf("model set to %s\n", name)
		case strings.HasPrefix(line, "/open "):
			openConversation(ctrl, updates, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
		case strings.HasPrefix(line, "/delete "):
			deleteConversation(ctrl, updates, strings.TrimSpace(strings.TrimPrefix(line, "/delete ")))
		case line == "/retry":
			ctrl.Retry()
			runTurn(ctrl, updates, sigs)
		case line == "/regen":
			ctrl.Regenerate()
			runTurn(ctrl, updates, sigs)
		case strings.HasPrefix(line, "/"):
			fmt.Println("unknown command, /help for commands")
		default:
			if err := ctrl.Send(line); err != nil {
				continue
			}
			runTurn(ctrl, updates, sigs)
		}
	}
}

// runTurn echoes deltas until the turn ends. Ctrl-C stops generation but
// keeps the partial answer.
func runTurn(ctrl *controller.Controller, updates <-chan controller.Update, sigs <-chan os.Signal) {
	if ctrl.State() != controller.StateStreaming {
		return
	}
	for {
		select {
		case u := <-updates:
			switch u.Kind {
			case controller.UpdateDelta:
				fmt.Print(u.Delta)
			case controller.UpdateTurnComplete:
				fmt.Println()
				return
			case controller.UpdateTurnError:
				fmt.Printf("\nerror: %v  (/retry to try again)\n", u.Err)
				return
			}
		case <-sigs:
			fmt.Print("\n(stopping)")
			ctrl.Cancel()
		}
	}
}

func listModels(client *transport.Client, ctrl *controller.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := client.Models(ctx)
	if err != nil {
		fmt.Printf("failed to fetch models: %v\n", err)
		return
	}
	current := ctrl.Model()
	fmt.Printf("provider: %s\n", resp.Provider)
	for _, name := range resp.Models {
		marker := " "
		if name == current {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, name)
	}
}

func listConversations(ctrl *controller.Controller) {
	convs := ctrl.Conversations()
	if len(convs) == 0 {
		fmt.Println("no conversations yet")
		return
	}
	active := ctrl.ActiveConversationID()
	for i, conv := range convs {
		marker := " "
		if conv.ID == active {
			marker = "*"
		}
		fmt.Printf("%s %2d. %s  (%d messages, %s)\n",
			marker, i+1, conv.Title, len(conv.Messages), conv.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func openConversation(ctrl *controller.Controller, updates <-chan controller.Update, arg string) {
	conv, ok := conversationByIndex(ctrl, arg)
	if !ok {
		fmt.Println("no such conversation")
		return
	}
	if !ctrl.SelectConversation(conv.ID) {
		fmt.Println("no such conversation")
		return
	}
	drain(updates)
	fmt.Printf("opened %q\n", conv.Title)
	for _, m := range ctrl.Messages() {
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	}
}

func deleteConversation(ctrl *controller.Controller, updates <-chan controller.Update, arg string) {
	conv, ok := conversationByIndex(ctrl, arg)
	if !ok {
		fmt.Println("no such conversation")
		return
	}
	if ctrl.DeleteConversation(conv.ID) {
		fmt.Printf("deleted %q\n", conv.Title)
	}
	drain(updates)
}

func conversationByIndex(ctrl *controller.Controller, arg string) (model.Conversation, bool) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return model.Conversation{}, false
	}
	convs := ctrl.Conversations()
	if n < 1 || n > len(convs) {
		return model.Conversation{}, false
	}
	return convs[n-1], true
}

// drain discards queued notifications that the REPL has no use for.
func drain(updates <-chan controller.Update) {
	for {
		select {
		case <-updates:
		default:
			return
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  /new         start a new conversation
  /list        list stored conversations
  /models      list models the backend can serve
  /model NAME  use NAME for subsequent turns
  /open N      open conversation N from /list
  /delete N    delete conversation N from /list
  /retry       retry the last turn after an error
  /regen       regenerate the last answer
  /quit        exit
anything else is sent as a chat message; Ctrl-C stops generation`)
}
