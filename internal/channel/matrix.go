// ABOUTME: Matrix transport for the channel connector built on mautrix
// ABOUTME: Handles password, token and SSO login, the sync loop, sends, typing and read receipts

package channel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/authstore"
)

// Credential keys inside the session's AuthStore namespace.
const (
	keyCredentials = "matrix_credentials"
	keyPickle      = "matrix_pickle_key"
)

const (
	// typingTimeout is how long the homeserver shows the typing indicator.
	typingTimeout = 30 * time.Second
	// staleAfter drops timeline events older than this before the sync
	// started, so a fresh login does not answer old history.
	staleAfter = 5 * time.Minute
)

// CredentialVault is the part of the AuthStore the Matrix transport uses.
type CredentialVault interface {
	Read(ctx context.Context, sessionID, key string) ([]byte, error)
	Write(ctx context.Context, sessionID, key string, value []byte) error
	ReadJSON(ctx context.Context, sessionID, key string, v any) (bool, error)
	WriteJSON(ctx context.Context, sessionID, key string, v any) error
}

// MatrixConfig configures the Matrix transport.
type MatrixConfig struct {
	Homeserver      string
	Username        string
	Password        string
	DeviceName      string
	SSOCallbackURL  string
	AllowedRooms    []string
	TypingIndicator bool
	E2EE            bool
	RecoveryKey     string
	DataDir         string
}

// matrixCredentials is what survives a restart without a new login.
type matrixCredentials struct {
	Homeserver  string      `json:"homeserver"`
	UserID      id.UserID   `json:"user_id"`
	DeviceID    id.DeviceID `json:"device_id"`
	AccessToken string      `json:"access_token"`
}

type profile struct {
	name   string
	avatar string
}

// MatrixTransport is one Matrix connection attempt.
type MatrixTransport struct {
	cfg       MatrixConfig
	sessionID string
	vault     CredentialVault
	logger    *slog.Logger

	loginTokens chan string

	mu       sync.Mutex
	client   *mautrix.Client
	crypto   *cryptoSession
	self     id.UserID
	awaiting bool
	profiles map[id.UserID]profile
}

// NewMatrixFactory returns a TransportFactory producing Matrix transports for
// sessionID.
func NewMatrixFactory(cfg MatrixConfig, sessionID string, vault CredentialVault, logger *slog.Logger) TransportFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func() Transport {
		return NewMatrixTransport(cfg, sessionID, vault, logger)
	}
}

// NewMatrixTransport creates an idle transport; Run connects it.
func NewMatrixTransport(cfg MatrixConfig, sessionID string, vault CredentialVault, logger *slog.Logger) *MatrixTransport {
	return &MatrixTransport{
		cfg:         cfg,
		sessionID:   sessionID,
		vault:       vault,
		logger:      logger.With("component", "matrix", "homeserver", cfg.Homeserver),
		loginTokens: make(chan string, 1),
		profiles:    make(map[id.UserID]profile),
	}
}

// Run logs in, enables encryption if configured and syncs until ctx ends or
// the sync loop fails.
func (m *MatrixTransport) Run(ctx context.Context, sink Sink) error {
	client, err := mautrix.NewClient(m.cfg.Homeserver, "", "")
	if err != nil {
		return fmt.Errorf("%w: creating matrix client: %v", ErrFatal, err)
	}
	client.Log = newZerolog(m.logger)
	syncer := mautrix.NewDefaultSyncer()
	client.Syncer = failFastSyncer{syncer}

	if err := m.authenticate(ctx, client, sink); err != nil {
		return err
	}
	self := client.UserID

	m.mu.Lock()
	m.client = client
	m.self = self
	m.mu.Unlock()
	defer m.shutdown()

	sink.Authenticated(self.String())

	if m.cfg.E2EE {
		pickle, err := m.pickleKey(ctx)
		if err != nil {
			return err
		}
		cs, err := setupCrypto(ctx, client, pickle, cryptoDBPath(m.cfg.DataDir, m.sessionID), m.cfg.RecoveryKey, m.logger)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.crypto = cs
		m.mu.Unlock()
	}

	started := time.Now()
	var connected sync.Once
	syncer.OnSync(func(ctx context.Context, resp *mautrix.RespSync, since string) bool {
		connected.Do(func() {
			m.logger.Info("matrix sync established", "user_id", self.String())
			sink.Connected(self.String())
		})
		return true
	})
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		m.handleMessage(ctx, evt, started, sink)
	})
	syncer.OnEventType(event.EphemeralEventReceipt, func(ctx context.Context, evt *event.Event) {
		m.handleReceipt(evt, sink)
	})
	syncer.OnEventType(event.StateMember, func(ctx context.Context, evt *event.Event) {
		m.handleMembership(ctx, evt)
	})

	err = client.SyncWithContext(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return classifyMatrixError(err)
}

// authenticate restores stored credentials or performs a new login, storing
// the result.
func (m *MatrixTransport) authenticate(ctx context.Context, client *mautrix.Client, sink Sink) error {
	var creds matrixCredentials
	found, err := m.vault.ReadJSON(ctx, m.sessionID, keyCredentials, &creds)
	if errors.Is(err, authstore.ErrMalformedEnvelope) {
		return fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}
	if err != nil {
		return fmt.Errorf("loading credentials: %w", err)
	}

	if found && creds.AccessToken != "" {
		client.SetCredentials(creds.UserID, creds.AccessToken)
		client.DeviceID = creds.DeviceID

		who, err := client.Whoami(ctx)
		if err != nil {
			return classifyMatrixError(fmt.Errorf("validating stored credentials: %w", err))
		}
		if creds.DeviceID != "" && who.DeviceID != "" && who.DeviceID != creds.DeviceID {
			return fmt.Errorf("%w: token now belongs to device %s", ErrReplaced, who.DeviceID)
		}
		m.logger.Info("restored matrix session", "user_id", creds.UserID.String(), "device_id", creds.DeviceID.String())
		return nil
	}

	req := &mautrix.ReqLogin{
		InitialDeviceDisplayName: m.cfg.DeviceName,
		StoreCredentials:         true,
	}
	if m.cfg.Password != "" {
		req.Type = mautrix.AuthTypePassword
		req.Identifier = mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: m.cfg.Username}
		req.Password = m.cfg.Password
	} else {
		token, err := m.awaitSSOToken(ctx, client, sink)
		if err != nil {
			return err
		}
		req.Type = mautrix.AuthTypeToken
		req.Token = token
	}

	resp, err := client.Login(ctx, req)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return fmt.Errorf("%w: login rejected: %v", ErrLoggedOut, err)
		}
		return fmt.Errorf("matrix login: %w", err)
	}

	creds = matrixCredentials{
		Homeserver:  m.cfg.Homeserver,
		UserID:      resp.UserID,
		DeviceID:    resp.DeviceID,
		AccessToken: resp.AccessToken,
	}
	if err := m.vault.WriteJSON(ctx, m.sessionID, keyCredentials, creds); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	m.logger.Info("logged in to matrix", "user_id", resp.UserID.String(), "device_id", resp.DeviceID.String())
	return nil
}

// awaitSSOToken publishes the SSO redirect URL as the login payload and
// waits for CompleteLogin.
func (m *MatrixTransport) awaitSSOToken(ctx context.Context, client *mautrix.Client, sink Sink) (string, error) {
	if m.cfg.SSOCallbackURL == "" {
		return "", fmt.Errorf("%w: no password and no SSO callback configured", ErrFatal)
	}
	url := client.BuildURLWithQuery(
		mautrix.ClientURLPath{"v3", "login", "sso", "redirect"},
		map[string]string{"redirectUrl": m.cfg.SSOCallbackURL},
	)

	m.mu.Lock()
	m.awaiting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.awaiting = false
		m.mu.Unlock()
	}()

	m.logger.Info("waiting for SSO login", "url", url)
	sink.QR(url)

	select {
	case token := <-m.loginTokens:
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CompleteLogin delivers the SSO login token.
func (m *MatrixTransport) CompleteLogin(ctx context.Context, token string) error {
	m.mu.Lock()
	awaiting := m.awaiting
	m.mu.Unlock()
	if !awaiting {
		return ErrNoLoginPending
	}
	select {
	case m.loginTokens <- token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("login token already submitted")
	}
}

// pickleKey returns the session's crypto pickle key, creating it once.
func (m *MatrixTransport) pickleKey(ctx context.Context) ([]byte, error) {
	key, err := m.vault.Read(ctx, m.sessionID, keyPickle)
	if err != nil {
		return nil, fmt.Errorf("loading pickle key: %w", err)
	}
	if len(key) > 0 {
		return key, nil
	}
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating pickle key: %w", err)
	}
	if err := m.vault.Write(ctx, m.sessionID, keyPickle, key); err != nil {
		return nil, fmt.Errorf("storing pickle key: %w", err)
	}
	return key, nil
}

func (m *MatrixTransport) shutdown() {
	m.mu.Lock()
	cs := m.crypto
	m.crypto = nil
	m.client = nil
	m.mu.Unlock()

	if err := cs.Close(); err != nil {
		m.logger.Debug("closing crypto session", "error", err)
	}
}

func (m *MatrixTransport) roomAllowed(roomID id.RoomID) bool {
	return len(m.cfg.AllowedRooms) == 0 || slices.Contains(m.cfg.AllowedRooms, roomID.String())
}

func (m *MatrixTransport) handleMessage(ctx context.Context, evt *event.Event, started time.Time, sink Sink) {
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()

	if evt.Sender == self || !m.roomAllowed(evt.RoomID) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	ts := time.UnixMilli(evt.Timestamp)
	if ts.Before(started.Add(-staleAfter)) {
		m.logger.Debug("skipping stale event", "event_id", evt.ID.String())
		return
	}

	msg := InboundMessage{
		ID:        evt.ID.String(),
		From:      evt.RoomID.String(),
		SenderID:  evt.Sender.String(),
		Text:      content.Body,
		Timestamp: ts,
	}
	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
	case event.MsgImage, event.MsgFile, event.MsgAudio, event.MsgVideo:
		msg.MediaRef = string(content.URL)
	default:
		return
	}
	if msg.Text == "" && msg.MediaRef == "" {
		return
	}

	p := m.profile(ctx, evt.Sender)
	msg.SenderName = p.name
	msg.AvatarURL = p.avatar

	m.logger.Debug("received message", "room", msg.From, "sender", msg.SenderID, "event_id", msg.ID)
	sink.Message(msg)
}

// profile looks up and caches a sender's display name and avatar. Failures
// fall back to the bare user id.
func (m *MatrixTransport) profile(ctx context.Context, user id.UserID) profile {
	m.mu.Lock()
	p, ok := m.profiles[user]
	client := m.client
	m.mu.Unlock()
	if ok || client == nil {
		return p
	}

	p = profile{name: user.Localpart()}
	resp, err := client.GetProfile(ctx, user)
	if err != nil {
		m.logger.Debug("profile lookup failed", "user", user.String(), "error", err)
	} else {
		if resp.DisplayName != "" {
			p.name = resp.DisplayName
		}
		if !resp.AvatarURL.IsEmpty() {
			p.avatar = resp.AvatarURL.String()
		}
	}

	m.mu.Lock()
	m.profiles[user] = p
	m.mu.Unlock()
	return p
}

func (m *MatrixTransport) handleReceipt(evt *event.Event, sink Sink) {
	content, ok := evt.Content.Parsed.(*event.ReceiptEventContent)
	if !ok || !m.roomAllowed(evt.RoomID) {
		return
	}
	m.mu.Lock()
	self := m.self
	m.mu.Unlock()

	var latest time.Time
	for _, receipts := range *content {
		for user, r := range receipts[event.ReceiptTypeRead] {
			if user != self && r.Timestamp.After(latest) {
				latest = r.Timestamp
			}
		}
	}
	if !latest.IsZero() {
		sink.ReadReceipt(ReadReceipt{From: evt.RoomID.String(), UpTo: latest})
	}
}

// handleMembership joins rooms the bot is invited to so clients can open a
// conversation by inviting it.
func (m *MatrixTransport) handleMembership(ctx context.Context, evt *event.Event) {
	m.mu.Lock()
	self := m.self
	client := m.client
	m.mu.Unlock()

	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || client == nil || evt.GetStateKey() != self.String() || content.Membership != event.MembershipInvite {
		return
	}
	if !m.roomAllowed(evt.RoomID) {
		return
	}
	if _, err := client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		m.logger.Warn("joining invited room failed", "room", evt.RoomID.String(), "error", err)
		return
	}
	m.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

// Send delivers msg to the room addressed by msg.To.
func (m *MatrixTransport) Send(ctx context.Context, msg OutboundMessage) (DeliveryReceipt, error) {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return DeliveryReceipt{}, ErrTransportUnavailable
	}
	room := id.RoomID(msg.To)

	var content *event.MessageEventContent
	if msg.Media != nil {
		upload, err := client.UploadBytes(ctx, msg.Media.Data, msg.Media.ContentType)
		if err != nil {
			return DeliveryReceipt{}, fmt.Errorf("uploading media: %w", err)
		}
		body := msg.Text
		if body == "" {
			body = msg.Media.FileName
		}
		content = &event.MessageEventContent{
			MsgType:  mediaMsgType(msg.Media.ContentType),
			Body:     body,
			FileName: msg.Media.FileName,
			URL:      upload.ContentURI.CUString(),
			Info: &event.FileInfo{
				MimeType: msg.Media.ContentType,
				Size:     len(msg.Media.Data),
			},
		}
	} else {
		content = textContent(msg.Text)
	}

	resp, err := client.SendMessageEvent(ctx, room, event.EventMessage, content)
	if err != nil {
		return DeliveryReceipt{}, classifyMatrixError(err)
	}
	return DeliveryReceipt{MessageID: resp.EventID.String(), At: time.Now()}, nil
}

func mediaMsgType(contentType string) event.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(contentType, "audio/"):
		return event.MsgAudio
	case strings.HasPrefix(contentType, "video/"):
		return event.MsgVideo
	default:
		return event.MsgFile
	}
}

// SetTyping shows or clears the typing indicator when enabled.
func (m *MatrixTransport) SetTyping(ctx context.Context, to string, typing bool) error {
	if !m.cfg.TypingIndicator {
		return nil
	}
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return ErrTransportUnavailable
	}
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	_, err := client.UserTyping(ctx, id.RoomID(to), typing, timeout)
	return err
}

// Logout revokes the access token on the homeserver.
func (m *MatrixTransport) Logout(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return nil
	}
	_, err := client.Logout(ctx)
	return err
}

// Purge removes the session's crypto database.
func (m *MatrixTransport) Purge(context.Context) error {
	if m.cfg.DataDir == "" {
		return nil
	}
	return removeCryptoDB(cryptoDBPath(m.cfg.DataDir, m.sessionID))
}

// failFastSyncer hands every sync failure back to the connector instead of
// retrying inside the client, so drops show up as status changes.
type failFastSyncer struct {
	*mautrix.DefaultSyncer
}

func (failFastSyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	return 0, err
}

// classifyMatrixError maps homeserver errors onto the connector's drop
// classes.
func classifyMatrixError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mautrix.MUnknownToken) {
		return fmt.Errorf("%w: %v", ErrLoggedOut, err)
	}
	return err
}
