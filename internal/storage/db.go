// Copyright 2021 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package storage implements the local cache of the client.
package storage // import "soulcare.app/soulchat/internal/storage"

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/message"
	_ "modernc.org/sqlite"

	"soulcare.app/soulchat/internal/chat"
)

// Well known keys in the settings table.
const (
	keySessionID   = "anon_session_id"
	keyDisplayName = "display_name"
)

// DB represents a SQL database with common pre-prepared statements.
type DB struct {
	*sql.DB
	txM             sync.Mutex
	truncateConvs   *sql.Stmt
	insertConv      *sql.Stmt
	selectConvs     *sql.Stmt
	upsertPart      *sql.Stmt
	upsertMsg       *sql.Stmt
	delMsg          *sql.Stmt
	delHistory      *sql.Stmt
	updateLast      *sql.Stmt
	queryMsg        *sql.Stmt
	selectSetting   *sql.Stmt
	upsertSetting   *sql.Stmt
	insertSettingNX *sql.Stmt
	debug           *log.Logger
}

// OpenDB attempts to open the database at dbFile.
// If no database can be found one is created.
// If dbFile is empty a fallback sequence of names is used starting with
// $XDG_DATA_HOME, then falling back to $HOME/.local/share, then falling back to
// the current working directory.
// Once opened, the schema is migrated to the highest version in m.
func OpenDB(ctx context.Context, appName, account, dbFile string, m Migrations, p *message.Printer, debug *log.Logger) (*DB, error) {
	const (
		dbDriver = "sqlite"
	)
	var fPath string
	var paths []string
	dbFileName := account + ".db"

	if dbFile != "" {
		paths = []string{dbFile}
	} else {
		fPath = os.Getenv("XDG_DATA_HOME")
		if fPath != "" {
			paths = append(paths, filepath.Join(fPath, appName, dbFileName))
		}
		home, err := os.UserHomeDir()
		if err != nil {
			debug.Printf("error finding user home directory: %v", err)
		} else {
			paths = append(paths, filepath.Join(home, ".local", "share", appName, dbFileName))
		}
		fPath, err = os.Getwd()
		if err != nil {
			debug.Printf("error getting current working directory: %v", err)
		} else {
			paths = append(paths, filepath.Join(fPath, dbFileName))
		}
	}

	// Create the path to the db file if it does not exist.
	fPath = ""
	for _, p := range paths {
		err := os.MkdirAll(filepath.Dir(p), 0770)
		if err != nil {
			debug.Printf("error creating db dir, skipping: %v", err)
			continue
		}
		// Create the database file if it does not exist, similar to touch(1).
		fd, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			debug.Printf("error opening or creating db, skipping: %v", err)
			continue
		}
		err = fd.Close()
		if err != nil {
			debug.Printf("error closing db file: %v", err)
		}
		fPath = p
		break
	}
	if fPath == "" {
		return nil, errors.New("could not create or open database for writing")
	}

	db, err := sql.Open(dbDriver, fPath)
	if err != nil {
		return nil, fmt.Errorf("error opening DB: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	_, err = db.ExecContext(ctx, "PRAGMA foreign_keys = ON")
	if err != nil {
		/* #nosec */
		db.Close()
		return nil, fmt.Errorf("error enabling foreign keys: %w", err)
	}
	err = runMigrations(ctx, db, m.Target(), m, p, debug)
	if err != nil {
		/* #nosec */
		db.Close()
		return nil, fmt.Errorf("error migrating schema: %w", err)
	}
	wrapDB, err := prepareQueries(ctx, db, debug)
	if err != nil {
		/* #nosec */
		db.Close()
		return nil, fmt.Errorf("error preparing queries: %w", err)
	}
	return wrapDB, nil
}

func prepareQueries(ctx context.Context, db *sql.DB, debug *log.Logger) (*DB, error) {
	wrapDB := &DB{
		DB:    db,
		debug: debug,
	}
	for _, q := range []struct {
		stmt  **sql.Stmt
		query string
	}{
		{&wrapDB.truncateConvs, `
DELETE FROM conversations`},
		{&wrapDB.insertConv, `
INSERT INTO conversations (id, other, unread, lastMessage, position)
	VALUES ($1, $2, $3, $4, $5)`},
		{&wrapDB.selectConvs, `
SELECT c.id, c.unread,
		o.id, o.username, o.fullName, o.role,
		m.id, m.conversation, m.content, m.timestamp, m.isRead,
		s.id, s.username, s.fullName, s.role
	FROM conversations AS c
		INNER JOIN participants AS o ON c.other=o.id
		LEFT JOIN messages AS m ON c.lastMessage=m.id
		LEFT JOIN participants AS s ON m.sender=s.id
	ORDER BY c.position ASC`},
		{&wrapDB.upsertPart, `
INSERT INTO participants (id, username, fullName, role)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT(id) DO UPDATE SET username=$2, fullName=$3, role=$4`},
		{&wrapDB.upsertMsg, `
INSERT INTO messages (id, conversation, sender, content, timestamp, isRead)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT(id) DO UPDATE SET content=$4, timestamp=$5, isRead=$6`},
		{&wrapDB.delMsg, `
DELETE FROM messages WHERE id=$1`},
		{&wrapDB.delHistory, `
DELETE FROM messages WHERE conversation=$1`},
		{&wrapDB.updateLast, `
UPDATE conversations
	SET lastMessage=(
		SELECT id FROM messages
			WHERE conversation=$1
			ORDER BY timestamp DESC, id DESC
			LIMIT 1)
	WHERE id=$1`},
		{&wrapDB.queryMsg, `
SELECT m.id, m.conversation, m.content, m.timestamp, m.isRead,
		s.id, s.username, s.fullName, s.role
	FROM messages AS m
		INNER JOIN participants AS s ON m.sender=s.id
	WHERE m.conversation=$1
	ORDER BY m.timestamp ASC, m.id ASC`},
		{&wrapDB.selectSetting, `
SELECT value FROM settings WHERE key=$1`},
		{&wrapDB.upsertSetting, `
INSERT INTO settings (key, value)
	VALUES ($1, $2)
	ON CONFLICT(key) DO UPDATE SET value=$2`},
		{&wrapDB.insertSettingNX, `
INSERT INTO settings (key, value)
	VALUES ($1, $2)
	ON CONFLICT(key) DO NOTHING`},
	} {
		var err error
		*q.stmt, err = db.PrepareContext(ctx, q.query)
		if err != nil {
			return nil, err
		}
	}
	return wrapDB, nil
}

var errRollback = errors.New("rollback")

// execTx creates a transaction and executes f.
// If an error is returned the transaction is rolled back, otherwise it is
// committed.
func execTx(ctx context.Context, db *DB, f func(context.Context, *sql.Tx) error) (e error) {
	db.txM.Lock()
	defer db.txM.Unlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	var commit bool
	defer func() {
		if commit {
			return
		}
		switch e {
		case errRollback:
			e = tx.Rollback()
		case nil:
		default:
			/* #nosec */
			tx.Rollback()
		}
	}()
	err = f(ctx, tx)
	if err != nil {
		return err
	}
	commit = true
	return tx.Commit()
}

func upsertMessage(ctx context.Context, tx *sql.Tx, db *DB, m chat.Message) error {
	_, err := tx.Stmt(db.upsertPart).ExecContext(ctx, m.Sender.ID, m.Sender.Username, m.Sender.FullName, m.Sender.Role)
	if err != nil {
		return err
	}
	_, err = tx.Stmt(db.upsertMsg).ExecContext(ctx, m.ID, m.Conversation, m.Sender.ID, m.Content, m.Timestamp.UnixNano(), m.Read)
	return err
}

// SaveConversations truncates the conversation list and replaces it with the
// provided conversations, keeping their order.
func (db *DB) SaveConversations(ctx context.Context, convs []chat.Conversation) error {
	return execTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.Stmt(db.truncateConvs).ExecContext(ctx)
		if err != nil {
			return err
		}
		upsertPart := tx.Stmt(db.upsertPart)
		insertConv := tx.Stmt(db.insertConv)
		for i, c := range convs {
			_, err = upsertPart.ExecContext(ctx, c.Other.ID, c.Other.Username, c.Other.FullName, c.Other.Role)
			if err != nil {
				return err
			}
			var last *int64
			if c.LastMessage != nil {
				err = upsertMessage(ctx, tx, db, *c.LastMessage)
				if err != nil {
					return err
				}
				last = &c.LastMessage.ID
			}
			_, err = insertConv.ExecContext(ctx, c.ID, c.Other.ID, c.Unread, last, i)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Conversations returns the cached conversation list.
func (db *DB) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var convs []chat.Conversation
	err := execTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.Stmt(db.selectConvs).QueryContext(ctx)
		if err != nil {
			return err
		}
		/* #nosec */
		defer rows.Close()
		for rows.Next() {
			var (
				c                   chat.Conversation
				oFull, oRole        sql.NullString
				mID, mConv, mTS     sql.NullInt64
				mContent            sql.NullString
				mRead               sql.NullBool
				sID                 sql.NullInt64
				sUser, sFull, sRole sql.NullString
			)
			err = rows.Scan(&c.ID, &c.Unread,
				&c.Other.ID, &c.Other.Username, &oFull, &oRole,
				&mID, &mConv, &mContent, &mTS, &mRead,
				&sID, &sUser, &sFull, &sRole)
			if err != nil {
				return err
			}
			c.Other.FullName = oFull.String
			c.Other.Role = oRole.String
			if mID.Valid {
				c.LastMessage = &chat.Message{
					ID:           mID.Int64,
					Conversation: mConv.Int64,
					Sender: chat.Participant{
						ID:       sID.Int64,
						Username: sUser.String,
						FullName: sFull.String,
						Role:     sRole.String,
					},
					Content:   mContent.String,
					Timestamp: time.Unix(0, mTS.Int64).UTC(),
					Read:      mRead.Bool,
				}
			}
			convs = append(convs, c)
		}
		return rows.Err()
	})
	return convs, err
}

// InsertMessage adds a message to the cache or updates it if it already
// exists.
// If the message is newer than the last message of its conversation it
// becomes the new last message.
func (db *DB) InsertMessage(ctx context.Context, m chat.Message) error {
	return execTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		err := upsertMessage(ctx, tx, db, m)
		if err != nil {
			return err
		}
		_, err = tx.Stmt(db.updateLast).ExecContext(ctx, m.Conversation)
		return err
	})
}

// DeleteMessage removes a message from the cache.
// Deleting a message that does not exist is not an error.
func (db *DB) DeleteMessage(ctx context.Context, id int64) error {
	return execTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		var conv int64
		err := tx.QueryRowContext(ctx, `SELECT conversation FROM messages WHERE id=$1`, id).Scan(&conv)
		switch err {
		case sql.ErrNoRows:
			return nil
		case nil:
		default:
			return err
		}
		_, err = tx.Stmt(db.delMsg).ExecContext(ctx, id)
		if err != nil {
			return err
		}
		_, err = tx.Stmt(db.updateLast).ExecContext(ctx, conv)
		return err
	})
}

// SaveHistory replaces the cached history of a conversation.
func (db *DB) SaveHistory(ctx context.Context, conv int64, msgs []chat.Message) error {
	return execTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.Stmt(db.delHistory).ExecContext(ctx, conv)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			if m.Conversation != conv {
				continue
			}
			err = upsertMessage(ctx, tx, db, m)
			if err != nil {
				return err
			}
		}
		_, err = tx.Stmt(db.updateLast).ExecContext(ctx, conv)
		return err
	})
}

// MessageIter is an iterator that can return concrete messages.
type MessageIter struct {
	*Iter
}

// Message returns the most recent result read from the iter.
func (iter MessageIter) Message() chat.Message {
	cur := iter.Iter.Current()
	if cur == nil {
		return chat.Message{}
	}
	return cur.(chat.Message)
}

// QueryHistory returns all cached messages of the given conversation in order.
// Any errors encountered while querying are deferred until the iter is used.
// The database is locked until the iter is closed.
func (db *DB) QueryHistory(ctx context.Context, conv int64) MessageIter {
	db.txM.Lock()
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-ctx.Done()
		db.txM.Unlock()
	}()

	rows, err := db.queryMsg.QueryContext(ctx, conv)
	return MessageIter{
		Iter: &Iter{
			cancel: cancel,
			err:    err,
			rows:   rows,
			f: func(rows *sql.Rows) (interface{}, error) {
				var (
					cur        chat.Message
					ts         int64
					full, role sql.NullString
				)
				err := rows.Scan(&cur.ID, &cur.Conversation, &cur.Content, &ts, &cur.Read,
					&cur.Sender.ID, &cur.Sender.Username, &full, &role)
				if err != nil {
					return cur, err
				}
				cur.Timestamp = time.Unix(0, ts).UTC()
				cur.Sender.FullName = full.String
				cur.Sender.Role = role.String
				return cur, nil
			},
		},
	}
}

// History returns all cached messages of the given conversation in order.
func (db *DB) History(ctx context.Context, conv int64) ([]chat.Message, error) {
	iter := db.QueryHistory(ctx, conv)
	var msgs []chat.Message
	for iter.Next() {
		msgs = append(msgs, iter.Message())
	}
	err := iter.Err()
	if cerr := iter.Close(); err == nil {
		err = cerr
	}
	return slices.Clip(msgs), err
}

func (db *DB) setting(ctx context.Context, key string) (string, error) {
	var v string
	err := db.selectSetting.QueryRowContext(ctx, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SessionID returns the anonymous session identifier of this installation,
// creating it the first time it is requested.
func (db *DB) SessionID(ctx context.Context) (string, error) {
	var id string
	err := execTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.Stmt(db.insertSettingNX).ExecContext(ctx, keySessionID, uuid.NewString())
		if err != nil {
			return err
		}
		return tx.Stmt(db.selectSetting).QueryRowContext(ctx, keySessionID).Scan(&id)
	})
	return id, err
}

// DisplayName returns the cached display name of the local user or the empty
// string if none has been stored.
func (db *DB) DisplayName(ctx context.Context) (string, error) {
	db.txM.Lock()
	defer db.txM.Unlock()
	return db.setting(ctx, keyDisplayName)
}

// SetDisplayName caches the display name of the local user.
func (db *DB) SetDisplayName(ctx context.Context, name string) error {
	return execTx(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.Stmt(db.upsertSetting).ExecContext(ctx, keyDisplayName, name)
		return err
	})
}
