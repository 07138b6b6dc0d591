package app

import (
	"context"

	"tenderdesk/api/internal/chat"
)

// chatPanel returns the caller's panel for surface on a bid. Panels stay
// open, and keep typing, between requests.
func (s *Service) chatPanel(ctx context.Context, session Session, bidID, surface string) (*chat.Panel, error) {
	if !chat.ValidSurface(surface) {
		return nil, chat.ErrUnknownSurface
	}
	ws, err := s.workspace(ctx, bidID)
	if err != nil {
		return nil, err
	}
	key := chat.DraftKey(surface, session.UserID, bidID)

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if panel, ok := ws.chats[key]; ok {
		return panel, nil
	}
	panel, err := chat.Open(ctx, chat.Options{
		Key:       key,
		BidID:     bidID,
		Asker:     s.copilot,
		Drafts:    s.drafts,
		Scheduler: s.frames,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, err
	}
	ws.chats[key] = panel
	return panel, nil
}

func chatState(panel *chat.Panel) map[string]any {
	return map[string]any{
		"messages": panel.Messages(),
		"loading":  panel.Loading(),
		"typing":   panel.Typing(),
	}
}

func (s *Service) ChatState(ctx context.Context, session Session, bidID, surface string) (map[string]any, error) {
	panel, err := s.chatPanel(ctx, session, bidID, surface)
	if err != nil {
		return nil, err
	}
	return chatState(panel), nil
}

func (s *Service) AskChat(ctx context.Context, session Session, bidID, surface, question string) (map[string]any, error) {
	panel, err := s.chatPanel(ctx, session, bidID, surface)
	if err != nil {
		return nil, err
	}
	reply, err := panel.Ask(ctx, question)
	if err != nil {
		return nil, err
	}
	state := chatState(panel)
	state["reply"] = reply
	return state, nil
}

func (s *Service) ClearChat(ctx context.Context, session Session, bidID, surface string) (map[string]any, error) {
	panel, err := s.chatPanel(ctx, session, bidID, surface)
	if err != nil {
		return nil, err
	}
	if err := panel.Clear(ctx); err != nil {
		return nil, err
	}
	return chatState(panel), nil
}

func (s *Service) ChatTyping(ctx context.Context, session Session, bidID, surface string) (chat.Frame, error) {
	panel, err := s.chatPanel(ctx, session, bidID, surface)
	if err != nil {
		return chat.Frame{}, err
	}
	return panel.Typing(), nil
}

func (s *Service) StopChat(ctx context.Context, session Session, bidID, surface string) (map[string]any, error) {
	panel, err := s.chatPanel(ctx, session, bidID, surface)
	if err != nil {
		return nil, err
	}
	frame := panel.Stop(ctx)
	state := chatState(panel)
	state["typing"] = frame
	return state, nil
}

func (s *Service) ChatFeedback(ctx context.Context, session Session, bidID, surface string, index int, value string) (map[string]any, error) {
	panel, err := s.chatPanel(ctx, session, bidID, surface)
	if err != nil {
		return nil, err
	}
	votes, err := panel.ToggleFeedback(index, value)
	if err != nil {
		return nil, err
	}
	return map[string]any{"feedback": votes}, nil
}
