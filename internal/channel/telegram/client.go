package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"giftrelay/internal/channel"
)

// Client talks to the Telegram Bot API. It implements channel.Client;
// every failure is returned as a *channel.Error so the worker can
// decide whether to retry.
type Client struct {
	Token   string
	BaseURL string
	HTTP    *http.Client
}

func New(token string) *Client {
	return &Client{
		Token:   token,
		BaseURL: "https://api.telegram.org",
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

type apiResponse struct {
	Ok          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *Client) SendText(ctx context.Context, userID int64, text string, buttons []channel.Button) error {
	payload := map[string]any{
		"chat_id": userID,
		"text":    text,
	}
	if kb := inlineKeyboard(buttons); kb != nil {
		payload["reply_markup"] = kb
	}
	return c.postJSON(ctx, "sendMessage", payload)
}

func (c *Client) SendFile(ctx context.Context, userID int64, fileRef, fileType, caption string, buttons []channel.Button) error {
	method, field := fileMethod(fileType)
	fields := map[string]string{
		"chat_id": fmt.Sprintf("%d", userID),
	}
	if caption != "" {
		fields["caption"] = caption
	}
	if kb := inlineKeyboard(buttons); kb != nil {
		b, _ := json.Marshal(kb)
		fields["reply_markup"] = string(b)
	}
	return c.postFile(ctx, method, field, fileRef, fields)
}

func (c *Client) SendMulti(ctx context.Context, userID int64, fileRefs []string, caption string, buttons []channel.Button) error {
	// sendMediaGroup does not support reply markup, so the caption and
	// buttons ride on a follow-up sendMessage.
	media := make([]map[string]any, 0, len(fileRefs))
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	_ = w.WriteField("chat_id", fmt.Sprintf("%d", userID))

	for i, ref := range fileRefs {
		name := fmt.Sprintf("photo%d", i)
		media = append(media, map[string]any{
			"type":  "photo",
			"media": "attach://" + name,
		})
		if err := attachFile(w, name, ref); err != nil {
			return &channel.Error{Code: channel.CodePayloadTooLarge, Err: err}
		}
	}
	mb, _ := json.Marshal(media)
	_ = w.WriteField("media", string(mb))
	if err := w.Close(); err != nil {
		return channel.Classify(err)
	}

	if err := c.do(ctx, "sendMediaGroup", body, w.FormDataContentType()); err != nil {
		return err
	}
	if caption != "" || len(buttons) > 0 {
		return c.SendText(ctx, userID, caption, buttons)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, method string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return &channel.Error{Code: channel.CodePayloadTooLarge, Err: err}
	}
	return c.do(ctx, method, bytes.NewReader(b), "application/json")
}

func (c *Client) postFile(ctx context.Context, method, field, path string, fields map[string]string) error {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for k, v := range fields {
		_ = w.WriteField(k, v)
	}
	if err := attachFile(w, field, path); err != nil {
		// A missing local file can never succeed on retry.
		return &channel.Error{Code: channel.CodePayloadTooLarge, Err: err}
	}
	if err := w.Close(); err != nil {
		return channel.Classify(err)
	}
	return c.do(ctx, method, body, w.FormDataContentType())
}

func (c *Client) do(ctx context.Context, method string, body io.Reader, contentType string) error {
	url := fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(c.BaseURL, "/"), c.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return channel.Classify(err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return channel.Classify(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out apiResponse
	_ = json.Unmarshal(raw, &out)
	if out.Ok {
		return nil
	}
	return classifyResponse(resp.StatusCode, out)
}

func classifyResponse(status int, resp apiResponse) *channel.Error {
	err := fmt.Errorf("telegram %d: %s", status, resp.Description)
	switch {
	case status == http.StatusForbidden:
		return &channel.Error{Code: channel.CodeBlocked, Err: err}
	case status == http.StatusRequestEntityTooLarge:
		return &channel.Error{Code: channel.CodePayloadTooLarge, Err: err}
	case status == http.StatusTooManyRequests:
		ra := time.Second
		if resp.Parameters != nil && resp.Parameters.RetryAfter > 0 {
			ra = time.Duration(resp.Parameters.RetryAfter) * time.Second
		}
		return &channel.Error{Code: channel.CodeRateLimited, RetryAfter: ra, Err: err}
	case status == http.StatusBadRequest:
		// Malformed payload rejected by the platform.
		return &channel.Error{Code: channel.CodePayloadTooLarge, Err: err}
	default:
		return &channel.Error{Code: channel.CodeUnknown, Err: err}
	}
}

func inlineKeyboard(buttons []channel.Button) map[string]any {
	if len(buttons) == 0 {
		return nil
	}
	rows := make([][]map[string]string, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, []map[string]string{{
			"text":          b.Text,
			"callback_data": b.Callback,
		}})
	}
	return map[string]any{"inline_keyboard": rows}
}

func fileMethod(fileType string) (method, field string) {
	switch fileType {
	case "photo", "image":
		return "sendPhoto", "photo"
	default:
		return "sendDocument", "document"
	}
}

func attachFile(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
