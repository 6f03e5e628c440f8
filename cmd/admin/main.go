package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"pairchat/backend/internal/config"
	"pairchat/backend/internal/models"
	"pairchat/backend/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// store is opened by the root command before any subcommand runs.
var store storage.Storage

var rootCmd = &cobra.Command{
	Use:   "admin",
	Short: "Inspect and repair the relay's persisted state",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		b, err := config.LoadBackends()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		svc, err := storage.Open(ctx, storage.Options{
			DatabaseDSN:   b.DatabaseDSN,
			RedisAddr:     b.RedisAddr,
			RedisPassword: b.RedisPassword,
			RedisDB:       b.RedisDB,
		})
		if err != nil {
			return err
		}
		svc.Ctx = context.Background()
		store = svc
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
	},
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List rooms that are still active",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rooms, err := store.GetActiveRooms()
		if err != nil {
			return err
		}
		renderRooms(cmd.OutOrStdout(), rooms)
		return nil
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence <userId>",
	Short: "Show the mirrored presence of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := store.GetPresence(args[0])
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("no presence recorded for %s", args[0])
		}
		renderPresence(cmd.OutOrStdout(), p)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List users mirrored as waiting for a match",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		users, err := store.GetSearchingUsers()
		if err != nil {
			return err
		}
		t := newTable(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"#", "User"})
		for i, u := range users {
			t.AppendRow(table.Row{i + 1, u})
		}
		t.AppendFooter(table.Row{"", fmt.Sprintf("%d waiting", len(users))})
		t.Render()
		return nil
	},
}

var closeStaleInstance string

var closeStaleCmd = &cobra.Command{
	Use:   "close-stale",
	Short: "Close rooms and clear mirror entries left behind by a dead instance",
	Long:  "Without --instance every active room is closed and every online user is marked offline; only do that when no relay instance is running.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := store.CloseStaleRooms(closeStaleInstance)
		if err != nil {
			return err
		}
		cleared, err := store.CloseStaleMirror(closeStaleInstance)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "closed %d room(s), cleared %d presence/queue entr(ies)\n", n, cleared)
		return nil
	},
}

func init() {
	closeStaleCmd.Flags().StringVar(&closeStaleInstance, "instance", "", "only clean up state created by this instance id")
	rootCmd.AddCommand(roomsCmd, presenceCmd, queueCmd, closeStaleCmd)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderRooms(w io.Writer, rooms []models.ChatRoom) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Room", "Participants", "Instance", "Started", "Age"})
	for _, r := range rooms {
		t.AppendRow(table.Row{
			r.RoomID,
			strings.Join(r.Participants, ", "),
			r.InstanceID,
			r.StartedAt.Format(time.RFC3339),
			time.Since(r.StartedAt).Truncate(time.Second),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "Total", len(rooms)})
	t.Render()
}

func renderPresence(w io.Writer, p *models.Presence) {
	t := newTable(w)
	t.AppendRows([]table.Row{
		{"User", p.UserID},
		{"Status", p.Status},
		{"Last active", p.LastActive.Format(time.RFC3339)},
	})
	t.Render()
}

func main() {
	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, storage.ErrBackendDisabled) {
			err = fmt.Errorf("%w (set DATABASE_DSN or REDIS_ADDR)", err)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
