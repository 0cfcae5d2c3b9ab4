package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"plexus/internal/util"
	"plexus/pkg/ai"
	"plexus/pkg/domain"
	"plexus/pkg/store"
)

const (
	titleMaxRunes      = 100
	attachmentMaxRunes = 15000
	defaultThreadTitle = "New Thread"
)

// ChatInput is a prompt for a thread, optionally referencing uploads.
type ChatInput struct {
	ThreadID string
	Message  string
	FileIDs  []string
}

// ChatReply is the assistant's answer.
type ChatReply struct {
	Reply    string `json:"reply"`
	ThreadID string `json:"threadId"`
}

// ListThreads returns the owner's threads, most recently updated first,
// without messages.
func (a *App) ListThreads(ctx context.Context, ownerID string) ([]domain.Thread, error) {
	threads, err := a.store.ListThreads(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	for i := range threads {
		threads[i].Messages = nil
	}
	return threads, nil
}

func (a *App) GetThread(ctx context.Context, ownerID, threadID string) (domain.Thread, error) {
	thread, ok, err := a.store.GetThread(ctx, ownerID, threadID)
	if err != nil {
		return domain.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	if !ok {
		return domain.Thread{}, ErrThreadNotFound
	}
	return thread, nil
}

// CreateThread creates an empty thread. The id is chosen by the client and
// must be unused across all partitions.
func (a *App) CreateThread(ctx context.Context, ownerID, threadID, title string) (domain.Thread, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return domain.Thread{}, ErrThreadIDRequired
	}
	title = truncateRunes(strings.TrimSpace(title), titleMaxRunes)
	if title == "" {
		title = defaultThreadTitle
	}
	now := a.now()
	thread := domain.Thread{
		ThreadID:  threadID,
		UserID:    ownerID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := a.store.CreateThread(ctx, thread); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Thread{}, ErrThreadExists
		}
		return domain.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return thread, nil
}

func (a *App) DeleteThread(ctx context.Context, ownerID, threadID string) error {
	deleted, err := a.store.DeleteThread(ctx, ownerID, threadID)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if !deleted {
		return ErrThreadNotFound
	}
	return nil
}

// Chat appends the user message, asks the model and appends the reply. The
// thread is created on first use. Nothing is persisted when the model call
// fails.
func (a *App) Chat(ctx context.Context, ownerID string, in ChatInput) (ChatReply, error) {
	threadID := strings.TrimSpace(in.ThreadID)
	if threadID == "" || strings.TrimSpace(in.Message) == "" {
		return ChatReply{}, ErrChatInputRequired
	}
	thread, exists, err := a.store.GetThread(ctx, ownerID, threadID)
	if err != nil {
		return ChatReply{}, fmt.Errorf("get thread: %w", err)
	}

	now := a.now()
	userMsg := domain.Message{Role: domain.RoleUser, Content: in.Message, Timestamp: now}
	history := append(append([]domain.Message(nil), thread.Messages...), userMsg)
	if len(history) > a.historyLimit {
		history = history[len(history)-a.historyLimit:]
	}

	prompt, images, err := a.attachmentContext(ctx, ownerID, in.FileIDs)
	if err != nil {
		return ChatReply{}, err
	}
	msgs := make([]ai.ChatMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	last := &msgs[len(msgs)-1]
	last.Content += prompt
	last.Images = images

	model := a.chatModel
	if len(images) > 0 {
		model = a.visionModel
	}
	reply, err := a.generator.Chat(ctx, ai.ChatRequest{
		Model:     model,
		System:    a.systemPrompt,
		Messages:  msgs,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		util.LoggerFromContext(ctx).Error("llm chat failed", "thread_id", threadID, "model", model, "err", err)
		return ChatReply{}, ErrChatFailed
	}

	done := a.now()
	assistantMsg := domain.Message{Role: domain.RoleAssistant, Content: reply, Timestamp: done}
	if exists {
		if err := a.store.AppendMessages(ctx, ownerID, threadID, done, userMsg, assistantMsg); err != nil {
			return ChatReply{}, fmt.Errorf("append messages: %w", err)
		}
	} else {
		thread = domain.Thread{
			ThreadID:  threadID,
			UserID:    ownerID,
			Title:     truncateRunes(in.Message, titleMaxRunes),
			Messages:  []domain.Message{userMsg, assistantMsg},
			CreatedAt: now,
			UpdatedAt: done,
		}
		if err := a.store.CreateThread(ctx, thread); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return ChatReply{}, ErrThreadExists
			}
			return ChatReply{}, fmt.Errorf("create thread: %w", err)
		}
	}
	return ChatReply{Reply: reply, ThreadID: threadID}, nil
}

// attachmentContext renders the "Attached Files" block. Uploads owned by
// another user are skipped.
func (a *App) attachmentContext(ctx context.Context, ownerID string, fileIDs []string) (string, []ai.Image, error) {
	ids := make([]string, 0, len(fileIDs))
	for _, id := range fileIDs {
		if util.IsID(id) {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", nil, nil
	}
	uploads, err := a.store.ListUploadsByIDs(ctx, ids)
	if err != nil {
		return "", nil, fmt.Errorf("load attachments: %w", err)
	}
	logger := util.LoggerFromContext(ctx)
	var (
		b      strings.Builder
		images []ai.Image
	)
	b.WriteString("\n\n--- Attached Files ---\n")
	for _, u := range uploads {
		if !uploadVisible(u, ownerID) {
			continue
		}
		if u.IsImage() {
			data, err := a.readObject(ctx, u.StorageKey)
			if err != nil {
				logger.Warn("attachment image unavailable", "upload_id", u.ID, "err", err)
				continue
			}
			images = append(images, ai.Image{MIMEType: u.MIMEType, Data: data})
			fmt.Fprintf(&b, "\nImage: %s\n", u.OriginalName)
			continue
		}
		fmt.Fprintf(&b, "\nFile: %s\n", u.OriginalName)
		if u.ExtractedText == "" {
			continue
		}
		n := utf8.RuneCountInString(u.ExtractedText)
		text := truncateRunes(u.ExtractedText, attachmentMaxRunes)
		if n > attachmentMaxRunes {
			text += "... [truncated]"
		}
		fmt.Fprintf(&b, "Content (%d chars): %s\n", n, text)
	}
	return b.String(), images, nil
}

func (a *App) readObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := a.objects.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, MaxFileSize+1))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
