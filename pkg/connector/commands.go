// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/shlex"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"maunium.net/go/mautrix/id"
)

// CommandEvent is one invocation of an admin command.
type CommandEvent struct {
	Orch   *Orchestrator
	RoomID id.RoomID
	Sender id.UserID
	Args   []string
	Flags  *pflag.FlagSet
	reply  func(msg string)
}

// Reply sends a line of output to the admin room, addressed to the sender.
func (ce *CommandEvent) Reply(format string, args ...any) {
	ce.reply(fmt.Sprintf(format, args...))
}

// Command is an entry of the admin command registry.
type Command struct {
	Name        string
	Usage       string
	Description string
	// Flags declares the command's options, if any.
	Flags   func(fs *pflag.FlagSet)
	Handler func(ctx context.Context, ce *CommandEvent) error
}

// CommandProcessor interprets messages in the admin room.
type CommandProcessor struct {
	orch     *Orchestrator
	local    LocalNetwork
	log      zerolog.Logger
	commands map[string]*Command
}

func NewCommandProcessor(orch *Orchestrator, local LocalNetwork, log zerolog.Logger) *CommandProcessor {
	p := &CommandProcessor{
		orch:     orch,
		local:    local,
		log:      log.With().Str("component", "admin_commands").Logger(),
		commands: make(map[string]*Command),
	}
	for _, cmd := range []*Command{
		cmdHelp, cmdList, cmdLink, cmdUnlink, cmdMakePortal, cmdLeave, cmdSetAccessToken, cmdSyncUsers,
	} {
		p.commands[cmd.Name] = cmd
	}
	return p
}

// splitCommand splits a command line into words using shell quoting rules.
// A "#" at the start of a word begins a comment that runs to the end of the line.
func splitCommand(line string) ([]string, error) {
	return shlex.Split(line)
}

// Handle runs one admin room message. Lines starting with "#" are comments.
func (p *CommandProcessor) Handle(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) {
	if strings.HasPrefix(strings.TrimSpace(body), "#") {
		return
	}
	ce := &CommandEvent{
		Orch:   p.orch,
		RoomID: roomID,
		Sender: sender,
		reply: func(msg string) {
			if err := p.local.SendNotice(ctx, roomID, string(sender)+": "+msg); err != nil {
				p.log.Warn().Err(err).Msg("Failed to send command response")
			}
		},
	}
	args, err := splitCommand(body)
	if err != nil {
		ce.Reply("Could not parse command: %v", err)
		return
	} else if len(args) == 0 {
		return
	}
	p.log.Info().Str("sender", string(sender)).Str("command", body).Msg("Admin command")
	name := args[0]
	if name == cmdHelp.Name {
		p.help(ce)
		return
	}
	cmd, ok := p.commands[name]
	if !ok {
		ce.Reply("Unrecognised command: %s", name)
		return
	}
	ce.Flags = pflag.NewFlagSet(cmd.Name, pflag.ContinueOnError)
	ce.Flags.SetOutput(io.Discard)
	if cmd.Flags != nil {
		cmd.Flags(ce.Flags)
	}
	if err := ce.Flags.Parse(args[1:]); err != nil {
		ce.Reply("Usage: %s %s", cmd.Name, cmd.Usage)
		return
	}
	ce.Args = ce.Flags.Args()
	if err := cmd.Handler(ctx, ce); err != nil {
		ce.Reply("Command failed: %v", err)
	}
}

func (p *CommandProcessor) help(ce *CommandEvent) {
	names := make([]string, 0, len(p.commands))
	for name := range p.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, name := range names {
		cmd := p.commands[name]
		fmt.Fprintf(&sb, "\n%s %s - %s", cmd.Name, cmd.Usage, cmd.Description)
	}
	ce.Reply("Available commands:%s", sb.String())
}

var errMissingArgs = errors.New("missing arguments")

var cmdHelp = &Command{
	Name:        "help",
	Description: "list the available commands",
}

var cmdList = &Command{
	Name:        "list",
	Description: "list the linked rooms",
	Handler: func(ctx context.Context, ce *CommandEvent) error {
		statuses := ce.Orch.List()
		if len(statuses) == 0 {
			ce.Reply("No rooms are linked")
		}
		for _, st := range statuses {
			switch len(st.LinkedLocalRoomIDs) {
			case 0:
			case 1:
				ce.Reply("Linked (%s) %s %s", st.Status, st.RemoteRoomName, st.LinkedLocalRoomIDs[0])
			default:
				var sb strings.Builder
				for _, roomID := range st.LinkedLocalRoomIDs {
					sb.WriteString("\n " + string(roomID))
				}
				ce.Reply("Multi-linked (%s) %s:%s", st.Status, st.RemoteRoomName, sb.String())
			}
			if st.PortalLocalRoomID != "" {
				ce.Reply("Portal (%s) %s %s", st.Status, st.RemoteRoomName, st.PortalLocalRoomID)
			}
			if len(st.LinkedLocalRoomIDs) == 0 && st.PortalLocalRoomID == "" {
				ce.Reply("Unlinked (%s) %s", st.Status, st.RemoteRoomName)
			}
		}
		return nil
	},
}

var cmdLink = &Command{
	Name:        "link",
	Usage:       "<room ID> <team/channel>",
	Description: "connect a Matrix and a Mattermost room together",
	Handler: func(ctx context.Context, ce *CommandEvent) error {
		if len(ce.Args) < 2 {
			return errMissingArgs
		}
		if err := ce.Orch.Link(ctx, id.RoomID(ce.Args[0]), ce.Args[1]); err != nil {
			ce.Reply("Cannot link - %v", err)
			return nil
		}
		ce.Reply("Linked")
		return nil
	},
}

var cmdUnlink = &Command{
	Name:        "unlink",
	Usage:       "<room ID | team/channel>",
	Description: "disconnect a Matrix and a Mattermost room",
	Handler: func(ctx context.Context, ce *CommandEvent) error {
		if len(ce.Args) < 1 {
			return errMissingArgs
		}
		if err := ce.Orch.Unlink(ctx, ce.Args[0]); err != nil {
			ce.Reply("Cannot unlink - %v", err)
			return nil
		}
		ce.Reply("Unlinked")
		return nil
	},
}

var cmdMakePortal = &Command{
	Name:        "mkportal",
	Usage:       "<team/channel>",
	Description: "create a new Matrix room as a portal to a Mattermost room",
	Handler: func(ctx context.Context, ce *CommandEvent) error {
		if len(ce.Args) < 1 {
			return errMissingArgs
		}
		res, err := ce.Orch.MakePortal(ctx, ce.Args[0])
		if err != nil {
			ce.Reply("Cannot make portal - %v", err)
			return nil
		}
		ce.Reply("Portal room is %s (%s)", res.Alias, res.RoomID)
		return nil
	},
}

var cmdLeave = &Command{
	Name:        "leave",
	Usage:       "<room ID>",
	Description: "leave a (stale) Matrix room",
	Handler: func(ctx context.Context, ce *CommandEvent) error {
		if len(ce.Args) < 1 {
			return errMissingArgs
		}
		roomID := id.RoomID(ce.Args[0])
		if _, _, ok := ce.Orch.LinkOf(roomID); ok {
			return fmt.Errorf("cannot leave; this room is linked")
		}
		ce.Reply("Draining ghosts from %s", roomID)
		if err := ce.Orch.LeaveStaleRoom(ctx, roomID); err != nil {
			return err
		}
		ce.Reply("Drained and left %s", roomID)
		return nil
	},
}

var cmdSetAccessToken = &Command{
	Name:        "set_access_token",
	Usage:       "<user ID> [token]",
	Description: "set a Mattermost access token for Matrix to Mattermost puppeting",
	Handler: func(ctx context.Context, ce *CommandEvent) error {
		if len(ce.Args) < 1 {
			return errMissingArgs
		}
		token := ""
		if len(ce.Args) > 1 {
			token = ce.Args[1]
		}
		if err := ce.Orch.Identities().SetPuppetCredential(ctx, id.UserID(ce.Args[0]), token); err != nil {
			return err
		}
		ce.Reply("Updated")
		return nil
	},
}

var cmdSyncUsers = &Command{
	Name:        "sync_users",
	Usage:       "[-c] [-j] [-l] (-A | <room ID | team/channel>)",
	Description: "synchronise users between Matrix and Mattermost",
	Flags: func(fs *pflag.FlagSet) {
		fs.BoolP("count", "c", false, "only count")
		fs.BoolP("join", "j", false, "include joins")
		fs.BoolP("leave", "l", false, "include leaves")
		fs.BoolP("all", "A", false, "all rooms")
	},
	Handler: func(ctx context.Context, ce *CommandEvent) error {
		countOnly, _ := ce.Flags.GetBool("count")
		join, _ := ce.Flags.GetBool("join")
		leave, _ := ce.Flags.GetBool("leave")
		all, _ := ce.Flags.GetBool("all")
		if !join && !leave {
			join, leave = true, true
		}
		opts := SyncUsersOptions{CountOnly: countOnly, Join: join, Leave: leave}

		var bridges []*RoomBridge
		if all {
			for _, st := range ce.Orch.List() {
				if b, ok := ce.Orch.Bridge(st.RemoteRoomName); ok {
					bridges = append(bridges, b)
				}
			}
		} else {
			if len(ce.Args) < 1 {
				return errMissingArgs
			}
			target := ce.Args[0]
			if strings.HasPrefix(target, "!") {
				remote, _, ok := ce.Orch.LinkOf(id.RoomID(target))
				if !ok {
					return &NotFoundError{Target: target}
				}
				target = remote
			}
			b, ok := ce.Orch.Bridge(target)
			if !ok {
				return &NotFoundError{Target: target}
			}
			bridges = append(bridges, b)
		}

		var total SyncUsersResult
		for i, b := range bridges {
			res, err := b.SyncUsers(ctx, opts)
			if err != nil {
				ce.Reply("Failed %s: %v", b.Name(), err)
				continue
			}
			total.ToJoin += res.ToJoin
			total.ToLeave += res.ToLeave
			if all {
				ce.Reply("Join %d and leave %d in %s [%d/%d]", res.ToJoin, res.ToLeave, b.Name(), i+1, len(bridges))
			}
		}
		ce.Reply("Join %d and leave %d users total", total.ToJoin, total.ToLeave)
		return nil
	},
}
