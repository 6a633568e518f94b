package session

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"sync"

	"github.com/gotd/td/constant"
	tdsession "github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/telegram/message/styling"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"github.com/sipeed/docrelay/pkg/config"
	"github.com/sipeed/docrelay/pkg/logger"
)

var (
	ErrNotAuthorized = errors.New("session is not authorized")
	ErrNotStarted    = errors.New("session not started")
)

// Manager owns the single MTProto user session. Start authenticates with
// the configured string session and then terminates every other session of
// the account, so this process is the only authorized holder.
type Manager struct {
	client     *telegram.Client
	downloader *downloader.Downloader

	mu    sync.RWMutex
	api   *tg.Client
	peers *peers.Manager

	done   chan struct{}
	runErr error
}

func NewManager(ctx context.Context, cfg config.BackendConfig) (*Manager, error) {
	if cfg.AppID == 0 || cfg.AppHash == "" {
		return nil, fmt.Errorf("app id and app hash are required")
	}

	data, err := tdsession.TelethonSession(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("decode string session: %w", err)
	}
	storage := new(tdsession.StorageMemory)
	loader := tdsession.Loader{Storage: storage}
	if err := loader.Save(ctx, data); err != nil {
		return nil, fmt.Errorf("load string session: %w", err)
	}

	client := telegram.NewClient(cfg.AppID, cfg.AppHash, telegram.Options{
		SessionStorage: storage,
		Logger:         logger.Zap("mtproto"),
		NoUpdates:      true,
	})

	return &Manager{
		client:     client,
		downloader: downloader.NewDownloader(),
		done:       make(chan struct{}),
	}, nil
}

// Start connects and authorizes, returning once the session is usable.
// The connection stays up until ctx is cancelled; use Wait to observe that.
func (m *Manager) Start(ctx context.Context) error {
	logger.InfoC("session", "Connecting MTProto session...")

	ready := make(chan error, 1)
	go func() {
		err := m.client.Run(ctx, func(ctx context.Context) error {
			if err := m.authorize(ctx); err != nil {
				return err
			}
			ready <- nil
			<-ctx.Done()
			return ctx.Err()
		})
		m.mu.Lock()
		m.runErr = err
		m.api = nil
		m.mu.Unlock()
		close(m.done)

		select {
		case ready <- err:
		default:
		}
	}()

	select {
	case err := <-ready:
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) authorize(ctx context.Context) error {
	status, err := m.client.Auth().Status(ctx)
	if err != nil {
		return fmt.Errorf("auth status: %w", err)
	}
	if !status.Authorized {
		return ErrNotAuthorized
	}

	api := m.client.API()
	if _, err := api.AuthResetAuthorizations(ctx); err != nil {
		return fmt.Errorf("terminate other sessions: %w", err)
	}

	m.mu.Lock()
	m.api = api
	m.peers = peers.Options{Logger: logger.Zap("peers")}.Build(api)
	m.mu.Unlock()

	fields := map[string]interface{}{}
	if status.User != nil {
		fields["user_id"] = status.User.ID
		fields["username"] = status.User.Username
	}
	logger.InfoCF("session", "Session authorized, all other sessions terminated", fields)
	return nil
}

// Wait blocks until the session connection ends. A shutdown caused by
// context cancellation is not an error.
func (m *Manager) Wait() error {
	<-m.done
	m.mu.RLock()
	defer m.mu.RUnlock()
	if errors.Is(m.runErr, context.Canceled) {
		return nil
	}
	return m.runErr
}

func (m *Manager) state() (*tg.Client, *peers.Manager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.api == nil {
		return nil, nil, ErrNotStarted
	}
	return m.api, m.peers, nil
}

// ResolveEntity turns a marked chat id (-100... for channels) into an
// addressable peer.
func (m *Manager) ResolveEntity(ctx context.Context, chatID int64) (Entity, error) {
	_, pm, err := m.state()
	if err != nil {
		return Entity{}, err
	}
	p, err := pm.ResolveTDLibID(ctx, constant.TDLibPeerID(chatID))
	if err != nil {
		return Entity{}, fmt.Errorf("resolve chat %d: %w", chatID, err)
	}
	return Entity{ChatID: chatID, Peer: p.InputPeer()}, nil
}

// FetchMessage loads one message by id. It returns nil without error when
// the message does not exist or is not visible to this account.
func (m *Manager) FetchMessage(ctx context.Context, e Entity, msgID int) (*Message, error) {
	api, _, err := m.state()
	if err != nil {
		return nil, err
	}

	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: msgID}}

	var res tg.MessagesMessagesClass
	if ch, ok := inputChannel(e.Peer); ok {
		res, err = api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: ch,
			ID:      ids,
		})
	} else {
		res, err = api.MessagesGetMessages(ctx, ids)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", msgID, err)
	}

	msg, ok := firstMessage(messagesFromResult(res))
	if !ok {
		return nil, nil
	}
	return toMessage(msg), nil
}

func (m *Manager) Download(ctx context.Context, doc *Document, path string) error {
	api, _, err := m.state()
	if err != nil {
		return err
	}
	if doc == nil || doc.Location() == nil {
		return fmt.Errorf("document has no file location")
	}
	if _, err := m.downloader.Download(api, doc.Location()).ToPath(ctx, path); err != nil {
		return fmt.Errorf("download document %d: %w", doc.ID, err)
	}
	return nil
}

// Upload sends a local file to the entity as a document named filename.
func (m *Manager) Upload(ctx context.Context, e Entity, path, filename, caption string) error {
	api, _, err := m.state()
	if err != nil {
		return err
	}

	up := uploader.NewUploader(api)
	file, err := up.FromPath(ctx, path)
	if err != nil {
		return fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	doc := message.UploadedDocument(file, styling.Plain(caption)).
		Filename(filename).
		MIME(mimeType).
		ForceFile(true)

	if _, err := message.NewSender(api).To(e.Peer).Media(ctx, doc); err != nil {
		return fmt.Errorf("send document to %d: %w", e.ChatID, err)
	}
	return nil
}
