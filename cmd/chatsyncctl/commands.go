package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
)

type command struct {
	c    *client.Client
	json bool
}

func (cmd *command) run(ctx context.Context, name string, args []string) error {
	switch name {
	case "status":
		return cmd.status(ctx)
	case "chats":
		return cmd.chats(ctx)
	case "sync":
		return cmd.sync(ctx)
	case "pin", "unpin":
		if len(args) != 1 {
			return usageError("%s <chat>", name)
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return cmd.done(cmd.c.Chat.PinChat(ctx, id, name == "pin"))
	case "mute":
		if len(args) != 2 {
			return usageError("mute <chat> <8h|always|RFC3339|off>")
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return cmd.done(cmd.c.Chat.MuteChat(ctx, id, muteUntil(args[1])))
	case "set":
		if len(args) != 3 {
			return usageError("set <chat> <field> <value>")
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return cmd.done(cmd.c.Chat.SetChatSetting(ctx, id, args[1], parseValue(args[2])))
	case "read":
		return cmd.withChat(args, "read", func(id int64) error {
			resp, err := cmd.c.Chat.MarkChatRead(ctx, id)
			if err != nil {
				return err
			}
			if cmd.json {
				outputJSON(resp)
				return nil
			}
			fmt.Printf("Marked read: %d message(s)\n", resp.Changed)
			return nil
		})
	case "purge":
		return cmd.withChat(args, "purge", func(id int64) error {
			return cmd.done(cmd.c.Chat.PurgeChat(ctx, id))
		})
	case "open", "more", "window":
		return cmd.withChat(args, name, func(id int64) error {
			var resp *api.WindowResponse
			var err error
			switch name {
			case "open":
				resp, err = cmd.c.Message.OpenChat(ctx, id)
			case "more":
				resp, err = cmd.c.Message.LoadMore(ctx, id)
			default:
				resp, err = cmd.c.Message.GetWindow(ctx, id)
			}
			if err != nil {
				return err
			}
			cmd.window(resp)
			return nil
		})
	case "close":
		return cmd.withChat(args, "close", func(id int64) error {
			return cmd.done(cmd.c.Message.CloseChat(ctx, id))
		})
	case "send":
		return cmd.send(ctx, args)
	case "react":
		if len(args) != 2 {
			return usageError("react <message> <reaction>")
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return cmd.done(cmd.c.Message.ReactToMessage(ctx, id, args[1]))
	case "delete":
		if len(args) < 1 || len(args) > 2 {
			return usageError("delete <message> [self|everyone]")
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		scope := ""
		if len(args) == 2 {
			scope = args[1]
		}
		return cmd.done(cmd.c.Message.DeleteMessage(ctx, id, scope))
	case "search":
		return cmd.search(ctx, args)
	case "watch":
		ns := ""
		if len(args) > 0 {
			ns = args[0]
		}
		return cmd.watch(ctx, ns)
	case "members":
		if len(args) < 3 || args[0] != "add" {
			return usageError("members add <chat> <user>...")
		}
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		users, err := parseIDs(args[2:])
		if err != nil {
			return err
		}
		return cmd.done(cmd.c.Chat.AddMembers(ctx, id, users))
	case "rename":
		if len(args) < 2 {
			return usageError("rename <chat> <name>")
		}
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		name := strings.Join(args[1:], " ")
		return cmd.done(cmd.c.Chat.UpdateGroup(ctx, &api.UpdateGroupRequest{ChatID: id, Name: name}))
	case "leave":
		return cmd.withChat(args, "leave", func(id int64) error {
			return cmd.done(cmd.c.Chat.LeaveGroup(ctx, id))
		})
	case "role":
		if len(args) != 3 {
			return usageError("role <chat> <user> <role>")
		}
		chatID, err := parseID(args[0])
		if err != nil {
			return err
		}
		userID, err := parseID(args[1])
		if err != nil {
			return err
		}
		return cmd.done(cmd.c.Chat.UpdateRole(ctx, chatID, userID, args[2]))
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", name)
	}
}

func (cmd *command) withChat(args []string, name string, fn func(int64) error) error {
	if len(args) != 1 {
		return usageError("%s <chat>", name)
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	return fn(id)
}

func (cmd *command) done(err error) error {
	if err != nil {
		return err
	}
	if cmd.json {
		outputJSON(map[string]bool{"ok": true})
		return nil
	}
	fmt.Println("OK")
	return nil
}

func (cmd *command) status(ctx context.Context) error {
	resp, err := cmd.c.Chat.Status(ctx)
	if err != nil {
		return err
	}
	if cmd.json {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Session:  %s\n", resp.Session)
	fmt.Printf("State:    %s (%s)\n", resp.State, time.Duration(resp.StateSinceMs)*time.Millisecond)
	fmt.Printf("Uptime:   %dms\n", resp.UptimeMs)
	fmt.Printf("Viewer:   %d\n", resp.ViewerID)
	fmt.Printf("Chats:    %d\n", resp.ChatCount)
	fmt.Printf("Messages: %d\n", resp.MessageCount)
	fmt.Printf("Realtime: %v\n", resp.Realtime)
	if resp.OpenChatID != 0 {
		fmt.Printf("Open:     %d\n", resp.OpenChatID)
	}
	if resp.ChatsSyncedAt != 0 {
		fmt.Printf("Synced:   %s\n", time.UnixMilli(resp.ChatsSyncedAt).Format(time.RFC3339))
	}
	return nil
}

func (cmd *command) chats(ctx context.Context) error {
	resp, err := cmd.c.Chat.ListChats(ctx)
	if err != nil {
		return err
	}
	if cmd.json {
		outputJSON(resp)
		return nil
	}
	if len(resp.Chats) == 0 {
		fmt.Println("No chats.")
		return nil
	}
	for _, ch := range resp.Chats {
		flags := ""
		if ch.Pinned {
			flags += "P"
		}
		if ch.Muted {
			flags += "M"
		}
		fmt.Printf("%-8d %-2s %-30s %4d  %s\n", ch.ID, flags, ch.Name, ch.UnreadCount, ch.LastMessage)
	}
	return nil
}

func (cmd *command) sync(ctx context.Context) error {
	resp, err := cmd.c.Chat.SyncNow(ctx)
	if err != nil {
		return err
	}
	if cmd.json {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Chats synced: %d\n", resp.Chats)
	return nil
}

func (cmd *command) window(w *api.WindowResponse) {
	if cmd.json {
		outputJSON(w)
		return
	}
	if w.Notice != "" {
		fmt.Printf("(%s)\n", w.Notice)
	}
	if w.HasMore {
		fmt.Println("... older messages available")
	}
	for i, m := range w.Messages {
		if i == w.Divider && w.Divider >= 0 && w.Divider < len(w.Messages) {
			fmt.Println("---- unread ----")
		}
		ts := time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04")
		content := m.Content
		if m.IsDeleted {
			content = "(deleted)"
		}
		fmt.Printf("[%d] %s %s: %s\n", m.ID, ts, m.SenderName, content)
	}
}

func (cmd *command) send(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return usageError("send <chat> <text> [reply-to]")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	req := &api.SendMessageRequest{ChatID: id, Content: args[1]}
	if len(args) == 3 {
		if req.ReplyToID, err = parseID(args[2]); err != nil {
			return err
		}
	}
	resp, err := cmd.c.Message.SendMessage(ctx, req)
	if err != nil {
		return err
	}
	if cmd.json {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("Sent message %d\n", resp.Message.ID)
	return nil
}

func (cmd *command) search(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageError("search <query> [chat]")
	}
	req := &api.SearchMessagesRequest{Query: args[0]}
	if len(args) == 2 {
		id, err := parseID(args[1])
		if err != nil {
			return err
		}
		req.ChatID = id
	}
	resp, err := cmd.c.Message.SearchMessages(ctx, req)
	if err != nil {
		return err
	}
	if cmd.json {
		outputJSON(resp)
		return nil
	}
	if len(resp.Results) == 0 {
		fmt.Println("No matches.")
		return nil
	}
	for _, r := range resp.Results {
		fmt.Printf("%-8d [%d] %s\n", r.Message.ChatID, r.Message.ID, r.Snippet)
	}
	return nil
}

func (cmd *command) watch(ctx context.Context, namespace string) error {
	return cmd.c.Chat.WatchChanges(ctx, namespace, func(evt *api.ChangeEvent) error {
		if cmd.json {
			outputJSON(evt)
			return nil
		}
		ts := time.UnixMilli(evt.OccurredAtUnixMs).Format(time.TimeOnly)
		line := fmt.Sprintf("%s %-28s", ts, evt.Kind)
		if evt.ChatID != 0 {
			line += fmt.Sprintf(" chat=%d", evt.ChatID)
		}
		if evt.Detail != "" {
			line += " " + evt.Detail
		}
		fmt.Println(line)
		return nil
	})
}
