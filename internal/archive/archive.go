package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskforce/internal/config"
)

const defaultTimeout = 10 * time.Second

// PageInput is the knowledge-base page for a finished mission. MissionID is
// the upsert key: pushing the same mission twice updates one page.
type PageInput struct {
	MissionID string `json:"mission_id"`
	Objective string `json:"objective"`
	Deadline  string `json:"deadline,omitempty"`
	Status    string `json:"status"`
	Markdown  string `json:"markdown"`
}

type KnowledgePublisher interface {
	CreateOrUpdatePage(ctx context.Context, page PageInput) (string, error)
}

type ChatNotifier interface {
	PostMessage(ctx context.Context, channel, text string) (string, error)
}

type Mailer interface {
	Send(ctx context.Context, subject, html string) error
}

// Clients bundles the external collaborators the archive stage talks to.
type Clients struct {
	KnowledgeBase KnowledgePublisher
	Chat          ChatNotifier
	Mail          Mailer
}

func NewClients(cfg *config.Config) Clients {
	return Clients{
		KnowledgeBase: &kbClient{
			baseURL: strings.TrimRight(cfg.Archive.KnowledgeBase.BaseURL, "/"),
			token:   cfg.Archive.KnowledgeBase.Token,
			http:    &http.Client{Timeout: defaultTimeout},
		},
		Chat: &chatClient{
			baseURL: strings.TrimRight(cfg.Archive.Chat.BaseURL, "/"),
			token:   cfg.Archive.Chat.Token,
			http:    &http.Client{Timeout: defaultTimeout},
		},
		Mail: &mailClient{
			baseURL: strings.TrimRight(cfg.Archive.Email.BaseURL, "/"),
			token:   cfg.Archive.Email.Token,
			from:    cfg.Archive.Email.From,
			to:      cfg.Archive.Email.To,
			http:    &http.Client{Timeout: defaultTimeout},
		},
	}
}

type kbClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *kbClient) CreateOrUpdatePage(ctx context.Context, page PageInput) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("knowledge base URL is not configured")
	}
	var out struct {
		PageID string `json:"page_id"`
	}
	// PUT keyed by mission id keeps the push repeat-safe.
	if err := doJSON(ctx, c.http, http.MethodPut, c.baseURL+"/pages/"+page.MissionID, c.token, page, &out); err != nil {
		return "", fmt.Errorf("knowledge base push: %w", err)
	}
	if out.PageID == "" {
		return "", fmt.Errorf("knowledge base push: response missing page_id")
	}
	return out.PageID, nil
}

type chatClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *chatClient) PostMessage(ctx context.Context, channel, text string) (string, error) {
	if c.baseURL == "" {
		return "", fmt.Errorf("chat URL is not configured")
	}
	body := map[string]string{"channel": channel, "text": text}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/messages", c.token, body, &out); err != nil {
		return "", fmt.Errorf("chat notification: %w", err)
	}
	if out.MessageID == "" {
		return "", fmt.Errorf("chat notification: response missing message_id")
	}
	return out.MessageID, nil
}

type mailClient struct {
	baseURL string
	token   string
	from    string
	to      string
	http    *http.Client
}

func (c *mailClient) Send(ctx context.Context, subject, html string) error {
	if c.baseURL == "" {
		return fmt.Errorf("mail URL is not configured")
	}
	body := map[string]string{"from": c.from, "to": c.to, "subject": subject, "html": html}
	var out struct {
		Success bool `json:"success"`
	}
	if err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/send", c.token, body, &out); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("send mail: provider reported failure")
	}
	return nil
}

func doJSON(ctx context.Context, client *http.Client, method, url, token string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
