package avidachat

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// CoreConfig assembles everything the messaging core needs. Client, WSURL,
// UserID are required.
type CoreConfig struct {
	Client   *Client
	WSURL    string
	Token    string
	UserID   string
	UserName string

	// Uploader handles media storage. Nil falls back to the service's own
	// media endpoint.
	Uploader Uploader
	// Perms bridges device permission prompts. Nil grants everything.
	Perms PermissionGuard

	Channel ChannelConfig
	Typing  TypingConfig
	Logger  *slog.Logger
}

// Core bundles the messaging components behind one construction and
// lifecycle. The host application reads state through the exported fields and
// drives user actions through the methods.
type Core struct {
	Client    *Client
	Session   *ChannelSession
	Presence  *PresenceTracker
	Directory *Directory
	Messages  *Reconciler
	Typing    *TypingCoordinator
	Media     *Pipeline

	logger *slog.Logger
}

// NewCore wires the components together: one shared channel session feeding
// the reconciler, typing coordinator and presence tracker, with the directory
// receiving the reconciler's conversation-level side effects.
func NewCore(cfg CoreConfig) (*Core, error) {
	if cfg.Client == nil {
		return nil, errors.New("avidachat: Client is required")
	}
	if cfg.WSURL == "" {
		return nil, errors.New("avidachat: WSURL is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("avidachat: UserID is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chCfg := cfg.Channel
	chCfg.URL = cfg.WSURL
	if chCfg.Token == "" {
		chCfg.Token = cfg.Token
	}
	if chCfg.Logger == nil {
		chCfg.Logger = logger
	}
	session := NewChannelSession(chCfg)

	presence := NewPresenceTracker(cfg.Client, session, logger)
	directory := NewDirectory(cfg.Client, presence, cfg.UserID, logger)
	messages := NewReconciler(cfg.Client, session, cfg.UserID, directory, logger)
	typing := NewTypingCoordinator(session, cfg.UserID, cfg.UserName, cfg.Typing, logger)

	uploader := cfg.Uploader
	if uploader == nil {
		uploader = &RESTUploader{Client: cfg.Client}
	}
	media := NewPipeline(uploader, messages, cfg.Perms, logger)

	return &Core{
		Client:    cfg.Client,
		Session:   session,
		Presence:  presence,
		Directory: directory,
		Messages:  messages,
		Typing:    typing,
		Media:     media,
		logger:    logger,
	}, nil
}

// Start connects the push channel and loads the conversation list.
func (c *Core) Start(ctx context.Context) error {
	if err := c.Session.Connect(ctx); err != nil {
		return err
	}
	return c.Directory.Refresh(ctx)
}

// Select makes conversationID the foreground conversation: the reconciler
// starts routing its pushes to the visible timeline, the channel room
// switches, history is loaded, and the conversation is marked read. A stale
// history response (the user moved on mid-fetch) is not an error to the
// caller beyond the sentinel.
func (c *Core) Select(ctx context.Context, conversationID string) error {
	c.Messages.SetForeground(conversationID)
	c.Session.SwitchTo(ctx, conversationID)
	if err := c.Messages.LoadHistory(ctx, conversationID); err != nil {
		return err
	}
	return c.Messages.MarkRead(ctx, conversationID)
}

// Deselect leaves the foreground conversation, typically when the user
// navigates back to the list.
func (c *Core) Deselect(ctx context.Context) {
	c.Messages.SetForeground("")
	c.Session.Leave(ctx)
}

// SendText sends a text message to the foreground conversation and stops the
// local typing indicator.
func (c *Core) SendText(ctx context.Context, conversationID, content string) (Message, error) {
	c.Typing.NotifySent(ctx, conversationID)
	return c.Messages.Send(ctx, conversationID, content, TypeText, nil)
}

// Timeline returns the date-separated view of a conversation.
func (c *Core) Timeline(conversationID string, loc *time.Location) []TimelineItem {
	return c.Messages.Timeline(conversationID, loc)
}

// Close tears the core down: typing timers stop, the channel session closes.
func (c *Core) Close() error {
	c.Typing.Close()
	return c.Session.Close()
}
