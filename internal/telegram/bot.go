package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/zombor/grocery-tracker/internal/logger"
	"github.com/zombor/grocery-tracker/internal/receipt"
)

const (
	unauthorizedText = "Sorry, you are not authorized to use this bot. " +
		"Please deploy your own instance from the project repository if you wish to use this application."
	usageText = "Send me a photo of a grocery receipt, or the receipt as an image or PDF document. " +
		"I'll read the items, archive the file and let you know when it is stored."
	unsupportedText = "I'm not sure what to do with that as a receipt."
	photoText       = "Got your photo! Processing it now..."

	pollTimeout = 30
)

// Submitter queues receipts referenced by a chat file id
type Submitter interface {
	SubmitFromExternalReferenceAsync(ctx context.Context, reference, suggestedFilename, callerUserID string) (*receipt.Task, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Bot receives receipts over Telegram long polling
type Bot struct {
	api     *tgbotapi.BotAPI
	sender  sender
	service Submitter
	allowed map[int64]struct{}
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// NewBot creates a bot that accepts receipts only from the allowed user ids.
// An empty allowlist denies everyone.
func NewBot(api *tgbotapi.BotAPI, service Submitter, allowedUserIDs []int64, log zerolog.Logger) *Bot {
	allowed := make(map[int64]struct{}, len(allowedUserIDs))
	for _, id := range allowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &Bot{
		api:     api,
		sender:  api,
		service: service,
		allowed: allowed,
		log:     log.With().Str("component", "telegram").Logger(),
	}
}

// ParseAllowedUserIDs parses a comma-separated list of Telegram user ids
func ParseAllowedUserIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram user id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Run polls for updates until ctx is cancelled, then waits for pending
// notifications to finish
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	updates := b.api.GetUpdatesChan(u)

	b.log.Info().Str("username", b.api.Self.UserName).Int("allowed_users", len(b.allowed)).Msg("Telegram bot polling")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.wg.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				b.wg.Wait()
				return errors.New("telegram update channel closed")
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) isAllowed(user *tgbotapi.User) bool {
	if user == nil {
		return false
	}
	_, ok := b.allowed[user.ID]
	return ok
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}

	log := b.log.With().Int64("chat_id", msg.Chat.ID).Logger()
	if msg.From != nil {
		log = log.With().Int64("user_id", msg.From.ID).Logger()
	}

	if !b.isAllowed(msg.From) {
		log.Warn().Msg("Unauthorized telegram user")
		b.reply(log, msg, unauthorizedText)
		return
	}

	if msg.IsCommand() {
		switch msg.Command() {
		case "start", "help":
			b.reply(log, msg, usageText)
		default:
			b.reply(log, msg, "Unknown command. "+usageText)
		}
		return
	}

	var fileID, filename string
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		fileID = largest.FileID
		filename = fmt.Sprintf("photo_%s.jpg", fileID)
		log.Info().Str("file_id", fileID).Msg("Received photo")
		b.reply(log, msg, photoText)
	case msg.Document != nil:
		if !isReceiptDocument(msg.Document) {
			b.reply(log, msg, unsupportedText)
			return
		}
		fileID = msg.Document.FileID
		filename = msg.Document.FileName
		log.Info().Str("file_id", fileID).Str("filename", filename).Msg("Received document")
		b.reply(log, msg, fmt.Sprintf("Got your document: %s. Processing it now...", filename))
	default:
		log.Debug().Msg("Ignoring message without a receipt")
		return
	}

	caller := ""
	if msg.From != nil {
		caller = strconv.FormatInt(msg.From.ID, 10)
	}

	task, err := b.service.SubmitFromExternalReferenceAsync(logger.WithContext(ctx, log), fileID, filename, caller)
	if err != nil {
		log.Error().Err(err).Msg("Error queueing receipt")
		b.send(log, msg.Chat.ID, "Error processing receipt: the bot is shutting down, please try again later")
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.notify(ctx, log, msg.Chat.ID, task)
	}()
}

// notify reports the outcome of a queued receipt back to the chat
func (b *Bot) notify(ctx context.Context, log zerolog.Logger, chatID int64, task *receipt.Task) {
	saved, err := task.Wait(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		reason := "internal error, please try again later"
		if receipt.IsClientError(err) {
			reason = receipt.Reason(err)
		}
		b.send(log, chatID, "Error processing receipt: "+reason)
		return
	}

	store := "unknown store"
	if saved.StoreName != nil {
		store = *saved.StoreName
	}
	b.send(log, chatID, fmt.Sprintf("Successfully processed receipt from %s (ID: %d) with %d items!", store, saved.ID, len(saved.Entries)))
}

func isReceiptDocument(doc *tgbotapi.Document) bool {
	mimeType := strings.ToLower(doc.MimeType)
	return mimeType == "application/pdf" || strings.HasPrefix(mimeType, "image/")
}

func (b *Bot) reply(log zerolog.Logger, msg *tgbotapi.Message, text string) {
	reply := tgbotapi.NewMessage(msg.Chat.ID, text)
	reply.ReplyToMessageID = msg.MessageID
	if _, err := b.sender.Send(reply); err != nil {
		log.Error().Err(err).Msg("Error sending telegram reply")
	}
}

func (b *Bot) send(log zerolog.Logger, chatID int64, text string) {
	if _, err := b.sender.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.Error().Err(err).Msg("Error sending telegram message")
	}
}
