package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bots may download files up to 20MB
const maxDownloadSize = 20 << 20

type fileResolver interface {
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
}

// FileSource downloads files that users sent to the bot
type FileSource struct {
	api          fileResolver
	token        string
	fileEndpoint string
	client       *http.Client
}

// NewFileSource creates a FileSource for the bot's files. An empty
// fileEndpoint uses Telegram's public file endpoint.
func NewFileSource(api *tgbotapi.BotAPI, fileEndpoint string) *FileSource {
	if fileEndpoint == "" {
		fileEndpoint = tgbotapi.FileEndpoint
	}
	return &FileSource{
		api:          api,
		token:        api.Token,
		fileEndpoint: fileEndpoint,
		client:       &http.Client{Timeout: 60 * time.Second},
	}
}

// FetchBytes resolves the file id with getFile and downloads its content
func (f *FileSource) FetchBytes(ctx context.Context, fileID string) ([]byte, error) {
	file, err := f.api.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, fmt.Errorf("resolving telegram file %s: %w", fileID, err)
	}
	if file.FilePath == "" {
		return nil, fmt.Errorf("telegram returned no path for file %s", fileID)
	}

	url := fmt.Sprintf(f.fileEndpoint, f.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading telegram file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading telegram file %s: unexpected status %d", fileID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading telegram file %s: %w", fileID, err)
	}
	if len(data) > maxDownloadSize {
		return nil, errors.New("telegram file exceeds 20MB")
	}
	return data, nil
}
