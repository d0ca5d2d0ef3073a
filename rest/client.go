// Package rest is the reference client for the marketplace chat HTTP API.
// The session façade consumes it through a narrow interface, so hosts with
// their own API layer can substitute one.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marketloop/chatkit/models"
	apperrors "github.com/marketloop/chatkit/pkg/errors"
)

// Client is a chat API client. Token is the same session credential the
// live transport authenticates with.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewClient creates a client for the given API base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request and decodes error bodies.
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, apperrors.NetworkTransient(method+" "+path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NetworkTransient("read response body", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		cause := fmt.Errorf("chat API error %d: %s", resp.StatusCode, errResp.Error)
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return nil, apperrors.Wrap(apperrors.CodeAuthRequired, "authentication required", cause)
		case resp.StatusCode >= 500:
			return nil, apperrors.NetworkTransient("server error", cause)
		default:
			return nil, apperrors.ServerRejected("request rejected", cause)
		}
	}
	return respBody, nil
}

// ConversationsResponse is the response from listing conversations.
type ConversationsResponse struct {
	Conversations []models.Conversation `json:"conversations"`
}

// FetchConversations retrieves the current user's conversation snapshot.
func (c *Client) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	respBody, err := c.doRequest(ctx, "GET", "/conversations", nil)
	if err != nil {
		return nil, err
	}
	var resp ConversationsResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "decode conversations", err)
	}
	return resp.Conversations, nil
}

// MessagesResponse is the response from fetching message history.
type MessagesResponse struct {
	Messages []models.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

// FetchMessages retrieves the message history for one conversation.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	respBody, err := c.doRequest(ctx, "GET", "/conversations/"+conversationID+"/messages", nil)
	if err != nil {
		return nil, err
	}
	var resp MessagesResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "decode messages", err)
	}
	return resp.Messages, nil
}

// SendMessageRequest is the request body for sending a message.
type SendMessageRequest struct {
	Body         string              `json:"body"`
	ClientTempID string              `json:"client_temp_id,omitempty"`
	Attachments  []models.Attachment `json:"attachments,omitempty"`
}

// SendMessage posts a message; the response echoes the authoritative
// message with its server-assigned ID and timestamp.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendMessageRequest) (*models.Message, error) {
	body, _ := json.Marshal(req)
	respBody, err := c.doRequest(ctx, "POST", "/conversations/"+conversationID+"/messages", body)
	if err != nil {
		return nil, err
	}
	var msg models.Message
	if err := json.Unmarshal(respBody, &msg); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "decode message echo", err)
	}
	return &msg, nil
}

// MarkReadRequest is the request body for acknowledging messages.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkRead acknowledges the given messages as read by the current user.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	body, _ := json.Marshal(MarkReadRequest{MessageIDs: messageIDs})
	_, err := c.doRequest(ctx, "POST", "/conversations/"+conversationID+"/read", body)
	return err
}
