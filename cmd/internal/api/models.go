package api

import "happyinline/cmd/internal/messaging"

type createConversationRequest struct {
	ParticipantID string  `json:"participant_id"`
	ShopID        *string `json:"shop_id"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

type conversationResponse struct {
	Conversation messaging.Conversation `json:"conversation"`
}

type conversationsResponse struct {
	Conversations []messaging.Conversation `json:"conversations"`
}

type messageResponse struct {
	Message messaging.Message `json:"message"`
}

type messagesResponse struct {
	Messages []messaging.Message `json:"messages"`
}

type markReadResponse struct {
	Updated int64 `json:"updated"`
}

type unreadResponse struct {
	Unread int64 `json:"unread"`
}
