package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/aprudkin/whisper-bot/internal/worker"
	"github.com/aprudkin/whisper-bot/pkg/model"

	tele "gopkg.in/telebot.v4"
)

// messenger adapts telebot to worker.Messenger
type messenger struct {
	tb     *tele.Bot
	client *http.Client
}

func (m *messenger) FilePath(ctx context.Context, fileID string) (string, error) {
	file, err := m.tb.FileByID(fileID)
	if err != nil {
		return "", &worker.TransportError{Op: "getFile", Err: err}
	}
	return file.FilePath, nil
}

func (m *messenger) Download(ctx context.Context, filePath string) (io.ReadCloser, error) {
	fileURL := m.tb.URL + "/file/bot" + m.tb.Token + "/" + filePath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, &worker.TransportError{Op: "download", Err: redact(err)}
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &worker.TransportError{Op: "download", Err: redact(err)}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &worker.TransportError{
			Op:  "download",
			Err: fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	return resp.Body, nil
}

func (m *messenger) Reply(ctx context.Context, job model.Job, text string) error {
	_, err := m.tb.Send(&tele.Chat{ID: job.ChatID}, text, &tele.SendOptions{
		ReplyTo: &tele.Message{ID: job.MessageID},
	})
	if err != nil {
		return &worker.TransportError{Op: "send", Err: err}
	}
	return nil
}

// redact drops the request URL, which carries the bot token
func redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w", urlErr.Op, urlErr.Err)
	}
	return err
}
