// ABOUTME: End-to-end encryption setup for the Matrix transport
// ABOUTME: Keeps one crypto database per session and flags device mismatches as corrupt state

package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// cryptoSession wraps the client's crypto helper.
type cryptoSession struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// cryptoDBPath is where the session's olm/megolm state lives.
func cryptoDBPath(dataDir, sessionID string) string {
	return filepath.Join(dataDir, fmt.Sprintf("matrix-crypto-%s.db", slugify(sessionID)))
}

// setupCrypto enables E2EE on client. A crypto database written for a
// different device is reported as ErrSessionCorrupt so the connector purges
// the session and logs in again.
func setupCrypto(ctx context.Context, client *mautrix.Client, pickleKey []byte, dbPath, recoveryKey string, logger *slog.Logger) (*cryptoSession, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("creating crypto directory: %w", err)
	}

	mismatch, err := deviceMismatch(dbPath, client.DeviceID.String())
	if err != nil {
		logger.Debug("could not inspect crypto database", "error", err)
	} else if mismatch {
		return nil, fmt.Errorf("%w: crypto database belongs to another device", ErrSessionCorrupt)
	}

	helper, err := cryptohelper.NewCryptoHelper(client, pickleKey, dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		if strings.Contains(err.Error(), "mismatching device ID") {
			return nil, fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
		}
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	cs := &cryptoSession{helper: helper, logger: logger}
	if recoveryKey != "" {
		if err := cs.verify(ctx, recoveryKey); err != nil {
			logger.Warn("recovery key verification failed, continuing without cross-signing", "error", err)
		}
	}
	logger.Info("encryption enabled", "db", dbPath, "cross_signing", recoveryKey != "")
	return cs, nil
}

func (cs *cryptoSession) verify(ctx context.Context, recoveryKey string) error {
	machine := cs.helper.Machine()
	if machine == nil {
		return errors.New("crypto machine not initialized")
	}
	return machine.VerifyWithRecoveryKey(ctx, recoveryKey)
}

func (cs *cryptoSession) Close() error {
	if cs == nil || cs.helper == nil {
		return nil
	}
	return cs.helper.Close()
}

// deviceMismatch reports whether an existing crypto database was created for
// a device other than deviceID.
func deviceMismatch(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}

// removeCryptoDB deletes the database and its WAL files.
func removeCryptoDB(dbPath string) error {
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// slugify makes an identifier safe for file names.
// Example: @notary:matrix.org -> notary_matrix.org
func slugify(s string) string {
	s = strings.TrimPrefix(s, "@")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ':':
			b.WriteByte('_')
		}
	}
	return b.String()
}
