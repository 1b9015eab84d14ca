package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tcriess/orgchat/chat"
	"github.com/tcriess/orgchat/config"
	"github.com/tcriess/orgchat/feed"
	"github.com/tcriess/orgchat/globals"
	"github.com/tcriess/orgchat/presence"
	"github.com/tcriess/orgchat/store"
	"github.com/tcriess/orgchat/types"
)

// A very simple CLI tool for the administration of orgchat rooms, messages and notifications. It works directly
// on the store, running servers see the changes through the configured redis notifier.

var (
	configPath string

	cfg         *config.Config
	db          *store.DB
	chatService *chat.Service
	feedService *feed.Service
	tracker     *presence.Tracker
)

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		globals.AppLogger.Error("could not marshal result", "error", err)
		return
	}
	fmt.Println(string(b))
}

// setup reads the configuration and opens the store, it runs before every command.
func setup(cmd *cobra.Command, flagSet *pflag.FlagSet) error {
	var err error
	cfg, err = config.ReadConfiguration(configPath, flagSet)
	if err != nil {
		return err
	}
	globals.SetLogLevel(cfg.LogLevel)
	db, err = store.Open(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("could not open store: %w", err)
	}
	chatService = chat.New(db, cfg.ChatConfig)
	feedService = feed.New(db, cfg.NotificationsConfig)
	tracker = presence.New(db, cfg.PresenceConfig)
	return nil
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	flagSet := config.GetFlagSet()
	var rootCmd = &cobra.Command{
		Use:          "orgchat-admin",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup(cmd, flagSet)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if db != nil {
				db.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file or directory")
	rootCmd.PersistentFlags().AddFlagSet(flagSet)

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms, messages, notifications or presence",
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all rooms, the room with the most recent message first.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := chatService.Rooms(ctx)
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show room",
		Long:  `show room prints detail information about the room with the given id.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			room, err := chatService.Room(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not get room", "error", err)
				return
			}
			printJSON(room)
		},
	}
	var cmdShowMessages = &cobra.Command{
		Use:   "messages [room id]",
		Short: "Show messages",
		Long:  `show messages prints the messages of the room with the given id, oldest first.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			messages, err := chatService.Messages(ctx, args[0])
			if err != nil {
				globals.AppLogger.Error("could not get messages", "error", err)
				return
			}
			printJSON(messages)
		},
	}
	var cmdShowNotifications = &cobra.Command{
		Use:   "notifications",
		Short: "Show notifications",
		Long:  `show notifications prints the notification feed, newest first.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			notifications, err := feedService.Recent(ctx)
			if err != nil {
				globals.AppLogger.Error("could not get notifications", "error", err)
				return
			}
			printJSON(notifications)
		},
	}
	var cmdShowPresence = &cobra.Command{
		Use:   "presence [user id]",
		Short: "Show presence",
		Long:  `show presence lists the online users, or the presence record of a single user.`,
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) == 1 {
				p, err := tracker.Get(ctx, args[0])
				if err != nil {
					globals.AppLogger.Error("could not get presence", "error", err)
					return
				}
				printJSON(p)
				return
			}
			online, err := tracker.Online(ctx)
			if err != nil {
				globals.AppLogger.Error("could not get presence", "error", err)
				return
			}
			printJSON(online)
		},
	}

	var cmdCreate = &cobra.Command{
		Use:   "create",
		Short: "Create a room",
	}
	var roomDescription, roomKind string
	var cmdCreateRoom = &cobra.Command{
		Use:   "room [creator id] [name]",
		Short: "Create room",
		Long:  `create room creates a room with the given creator as its first member and admin and prints its id.`,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := chatService.CreateRoom(ctx, chat.NewRoom{
				Name:        args[1],
				Description: roomDescription,
				Kind:        types.RoomKind(roomKind),
				CreatorId:   args[0],
			})
			if err != nil {
				globals.AppLogger.Error("could not create room", "error", err)
				return
			}
			fmt.Println(id)
		},
	}
	cmdCreateRoom.Flags().StringVar(&roomDescription, "description", "", "room description")
	cmdCreateRoom.Flags().StringVar(&roomKind, "type", string(types.RoomKindGroup), "room type (group or private)")

	var cmdMember = &cobra.Command{
		Use:   "member",
		Short: "Add or remove room members",
	}
	var cmdMemberAdd = &cobra.Command{
		Use:   "add [room id] [user id]",
		Short: "Add member",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := chatService.AddMember(ctx, args[0], args[1]); err != nil {
				globals.AppLogger.Error("could not add member", "error", err)
			}
		},
	}
	var cmdMemberRemove = &cobra.Command{
		Use:   "remove [room id] [user id]",
		Short: "Remove member",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := chatService.RemoveMember(ctx, args[0], args[1]); err != nil {
				globals.AppLogger.Error("could not remove member", "error", err)
			}
		},
	}

	var notificationBody, notificationType, notificationCreator string
	var cmdPush = &cobra.Command{
		Use:   "push [title]",
		Short: "Push a notification",
		Long:  `push adds a notification to the shared feed and prints its id.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id, err := feedService.Push(ctx, args[0], notificationBody, types.NotificationType(notificationType), notificationCreator)
			if err != nil {
				globals.AppLogger.Error("could not push notification", "error", err)
				return
			}
			fmt.Println(id)
		},
	}
	cmdPush.Flags().StringVar(&notificationBody, "body", "", "notification body")
	cmdPush.Flags().StringVar(&notificationType, "type", string(types.NotificationTypeGeneral), "activity, announcement, task or general")
	cmdPush.Flags().StringVar(&notificationCreator, "created-by", "admin", "name shown as the creator")

	var cmdMarkRead = &cobra.Command{
		Use:   "mark-read [notification id] [user id]",
		Short: "Mark a notification as read",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := feedService.MarkRead(ctx, args[0], args[1]); err != nil {
				globals.AppLogger.Error("could not mark notification as read", "error", err)
			}
		},
	}

	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "Delete a message",
	}
	var cmdDeleteMessage = &cobra.Command{
		Use:   "message [room id] [message id]",
		Short: "Delete message",
		Long:  `delete message replaces the text of the message with the deleted placeholder. This cannot be undone.`,
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			if err := chatService.SoftDelete(ctx, args[0], args[1]); err != nil {
				globals.AppLogger.Error("could not delete message", "error", err)
			}
		},
	}

	var cmdPurgeTyping = &cobra.Command{
		Use:   "purge-typing",
		Short: "Remove stale typing records",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			n, err := chatService.PurgeStaleTyping(ctx, cfg.ChatConfig.TypingRetention)
			if err != nil {
				globals.AppLogger.Error("could not purge typing records", "error", err)
				return
			}
			fmt.Println(n)
		},
	}

	rootCmd.AddCommand(cmdShow, cmdCreate, cmdMember, cmdPush, cmdMarkRead, cmdDelete, cmdPurgeTyping)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowMessages, cmdShowNotifications, cmdShowPresence)
	cmdCreate.AddCommand(cmdCreateRoom)
	cmdMember.AddCommand(cmdMemberAdd, cmdMemberRemove)
	cmdDelete.AddCommand(cmdDeleteMessage)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		globals.AppLogger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
